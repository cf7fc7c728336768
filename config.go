package kyu

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a broker.
type Config struct {
	// URI selects the provider by scheme, for example amqp://host:5672 or
	// failover:(amqp://a:5672,amqp://b:5672).
	URI string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// ClientID is the client identifier; empty lets the provider choose.
	ClientID string

	// ConnectTimeout bounds establishing the connection (default: 15s).
	ConnectTimeout time.Duration

	// CloseTimeout bounds waiting for the provider to close (default: 60s).
	CloseTimeout time.Duration

	// RequestTimeout bounds synchronous requests; zero waits indefinitely.
	RequestTimeout time.Duration

	// SendTimeout bounds synchronous sends; zero waits indefinitely.
	SendTimeout time.Duration

	// ForceSyncSend makes every send wait for the peer's settlement.
	ForceSyncSend bool

	// ForceAsyncSend completes every send once it is handed to the transport.
	ForceAsyncSend bool

	// QueuePrefix and TopicPrefix are prepended to destination names by
	// providers whose brokers need a type prefix.
	QueuePrefix string
	TopicPrefix string
}

// Validate checks that the configuration has all required fields.
func (c *Config) Validate() error {
	if c.URI == "" {
		return ErrInvalidConfig("uri is required")
	}

	if _, err := parseProviderURI(c.URI); err != nil {
		return ErrInvalidConfig(fmt.Sprintf("uri: %v", err))
	}

	if c.Password != "" && c.Username == "" {
		return ErrInvalidConfig("username is required when password is provided")
	}

	if c.ForceSyncSend && c.ForceAsyncSend {
		return ErrInvalidConfig("force_sync_send and force_async_send are mutually exclusive")
	}

	if c.ConnectTimeout < 0 || c.CloseTimeout < 0 || c.RequestTimeout < 0 || c.SendTimeout < 0 {
		return ErrInvalidConfig("timeouts must not be negative")
	}

	return nil
}

// ConnectionInfo builds the ConnectionInfo for a new connection with id.
func (c *Config) ConnectionInfo(id ConnectionId) *ConnectionInfo {
	info := NewConnectionInfo(id)
	info.ClientID = c.ClientID
	info.Username = c.Username
	info.Password = c.Password
	info.ConfiguredURI = c.URI
	if c.ConnectTimeout > 0 {
		info.ConnectTimeout = c.ConnectTimeout
	}
	if c.CloseTimeout > 0 {
		info.CloseTimeout = c.CloseTimeout
	}
	info.RequestTimeout = c.RequestTimeout
	info.SendTimeout = c.SendTimeout
	info.ForceSyncSend = c.ForceSyncSend
	info.ForceAsyncSend = c.ForceAsyncSend
	info.QueuePrefix = c.QueuePrefix
	info.TopicPrefix = c.TopicPrefix
	return info
}

// RedactedURI returns the URI with any password replaced, for logging.
func (c *Config) RedactedURI() string {
	u, err := parseProviderURI(c.URI)
	if err != nil {
		return ""
	}
	if u.Opaque != "" {
		return u.String()
	}
	return u.Redacted()
}

// URL parses the configured URI.
func (c *Config) URL() (*url.URL, error) {
	return parseProviderURI(c.URI)
}

// Environment variable names for configuration.
const (
	EnvURI            = "KYU_URI"
	EnvUsername       = "KYU_USERNAME"
	EnvPassword       = "KYU_PASSWORD"
	EnvClientID       = "KYU_CLIENT_ID"
	EnvConnectTimeout = "KYU_CONNECT_TIMEOUT"
	EnvCloseTimeout   = "KYU_CLOSE_TIMEOUT"
	EnvRequestTimeout = "KYU_REQUEST_TIMEOUT"
	EnvSendTimeout    = "KYU_SEND_TIMEOUT"
	EnvForceSyncSend  = "KYU_FORCE_SYNC_SEND"
	EnvForceAsyncSend = "KYU_FORCE_ASYNC_SEND"
)

// LoadConfigFromEnv creates a Config from environment variables.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		URI:      os.Getenv(EnvURI),
		Username: os.Getenv(EnvUsername),
		Password: os.Getenv(EnvPassword),
		ClientID: os.Getenv(EnvClientID),
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvConnectTimeout, &cfg.ConnectTimeout},
		{EnvCloseTimeout, &cfg.CloseTimeout},
		{EnvRequestTimeout, &cfg.RequestTimeout},
		{EnvSendTimeout, &cfg.SendTimeout},
	}
	for _, d := range durations {
		if s := os.Getenv(d.env); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil {
				return nil, ErrInvalidConfig(fmt.Sprintf("invalid duration for %s", d.env))
			}
			*d.dst = v
		}
	}

	flags := []struct {
		env string
		dst *bool
	}{
		{EnvForceSyncSend, &cfg.ForceSyncSend},
		{EnvForceAsyncSend, &cfg.ForceAsyncSend},
	}
	for _, f := range flags {
		if s := os.Getenv(f.env); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return nil, ErrInvalidConfig(fmt.Sprintf("invalid boolean for %s", f.env))
			}
			*f.dst = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
