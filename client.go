package kyu

import (
	"net/url"
	"strings"
	"sync"
)

// ProviderFactory creates providers for the URI schemes it is registered under.
type ProviderFactory interface {
	// CreateProvider returns an unconnected provider for remoteURI. It fails
	// for options the provider does not understand.
	CreateProvider(remoteURI *url.URL) (Provider, error)
}

// ProviderFactoryFunc adapts a function to ProviderFactory.
type ProviderFactoryFunc func(remoteURI *url.URL) (Provider, error)

func (f ProviderFactoryFunc) CreateProvider(remoteURI *url.URL) (Provider, error) {
	return f(remoteURI)
}

// registry holds registered provider factories, keyed by lower-case scheme.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

// RegisterProvider registers a provider factory for the given URI scheme.
// This is typically called by provider packages in their init() functions.
func RegisterProvider(scheme string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = factory
}

// getFactory returns the factory for the given scheme.
func getFactory(scheme string) (ProviderFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[strings.ToLower(scheme)]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return factory, nil
}

// CreateProvider parses uri and returns an unconnected provider from the
// factory registered for its scheme. Unknown schemes fail with an IOError
// before any network I/O.
func CreateProvider(uri string) (Provider, error) {
	u, err := parseProviderURI(uri)
	if err != nil {
		return nil, NewIOError("create provider", uri, err)
	}
	return CreateProviderFromURL(u)
}

// CreateProviderFromURL is like CreateProvider for an already parsed URI.
func CreateProviderFromURL(u *url.URL) (Provider, error) {
	factory, err := getFactory(u.Scheme)
	if err != nil {
		return nil, NewIOError("create provider", u.Redacted(), err)
	}
	return factory.CreateProvider(u)
}

// parseProviderURI accepts both hierarchical URIs and the composite
// "scheme:(a,b)?opts" or "scheme://(a,b)?opts" form. Composite URIs keep the
// parenthesized list as the opaque part.
func parseProviderURI(uri string) (*url.URL, error) {
	if scheme, rest, ok := strings.Cut(uri, ":"); ok {
		rest = strings.TrimPrefix(rest, "//")
		if strings.HasPrefix(rest, "(") {
			end := strings.LastIndex(rest, ")")
			if end < 0 {
				return nil, ErrInvalidConfig("unbalanced parentheses in composite URI")
			}
			u := &url.URL{Scheme: strings.ToLower(scheme), Opaque: rest[:end+1]}
			if q, found := strings.CutPrefix(rest[end+1:], "?"); found {
				u.RawQuery = q
			}
			return u, nil
		}
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		return nil, ErrInvalidConfig("missing URI scheme")
	}
	return u, nil
}

// ConnectionFactory validates a Config and creates providers for it.
type ConnectionFactory struct {
	config  *Config
	factory ProviderFactory
	uri     *url.URL
	ids     *IdGenerator
}

// NewConnectionFactory creates a new factory with the given configuration. The
// URI scheme is resolved here so that an unsupported scheme fails early.
func NewConnectionFactory(cfg *Config) (*ConnectionFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u, err := parseProviderURI(cfg.URI)
	if err != nil {
		return nil, NewIOError("create provider", cfg.URI, err)
	}
	factory, err := getFactory(u.Scheme)
	if err != nil {
		return nil, NewIOError("create provider", u.Redacted(), err)
	}

	return &ConnectionFactory{
		config:  cfg,
		factory: factory,
		uri:     u,
		ids:     NewIdGenerator(),
	}, nil
}

// NewConnectionFactoryFromEnv creates a new factory using environment variables.
func NewConnectionFactoryFromEnv() (*ConnectionFactory, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewConnectionFactory(cfg)
}

// CreateProvider returns a new unconnected provider for the configured URI.
func (f *ConnectionFactory) CreateProvider() (Provider, error) {
	return f.factory.CreateProvider(f.uri)
}

// NewConnectionInfo returns a ConnectionInfo for a new connection built from
// the configuration.
func (f *ConnectionFactory) NewConnectionInfo() *ConnectionInfo {
	return f.config.ConnectionInfo(f.ids.NextConnectionId())
}

// Config returns a copy of the factory's configuration.
func (f *ConnectionFactory) Config() Config {
	return *f.config
}
