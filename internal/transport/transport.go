// Package transport holds the TCP and TLS plumbing shared by the wire
// providers.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// TLS configures certificate checking for secure schemes.
type TLS struct {
	// VerifyHost checks the peer's host name. When false the certificate
	// chain is still verified.
	VerifyHost bool
	// TrustAll skips certificate verification entirely.
	TrustAll bool
}

// Endpoint is where to dial a provider URI.
type Endpoint struct {
	Host   string
	Port   string
	Secure bool
	TLS    TLS
}

// EndpointFor resolves u to an endpoint, using defaultPort when u has none.
func EndpointFor(u *url.URL, secure bool, defaultPort string, t TLS) Endpoint {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return Endpoint{Host: u.Hostname(), Port: port, Secure: secure, TLS: t}
}

func (e Endpoint) Address() string { return net.JoinHostPort(e.Host, e.Port) }

// Dial opens the TCP or TLS connection to e.
func Dial(ctx context.Context, e Endpoint) (net.Conn, error) {
	if !e.Secure {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", e.Address())
	}
	d := &tls.Dialer{Config: Config(e.Host, e.TLS)}
	return d.DialContext(ctx, "tcp", e.Address())
}

// Config returns the client TLS configuration for host.
func Config(host string, t TLS) *tls.Config {
	cfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	switch {
	case t.TrustAll:
		cfg.InsecureSkipVerify = true
	case !t.VerifyHost:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = verifyChain
	}
	return cfg
}

func verifyChain(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("transport: peer sent no certificate")
	}
	opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// WatchedConn reports the first read or write error of the transport, which
// is how a provider learns of a connection lost while idle.
type WatchedConn struct {
	net.Conn
	once    sync.Once
	onError func(error)
}

// Watch wraps nc so that onError is called once, with the first I/O error.
func Watch(nc net.Conn, onError func(error)) *WatchedConn {
	return &WatchedConn{Conn: nc, onError: onError}
}

func (c *WatchedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.report(err)
	}
	return n, err
}

func (c *WatchedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.report(err)
	}
	return n, err
}

func (c *WatchedConn) report(err error) {
	c.once.Do(func() { c.onError(err) })
}

// ParseMillis accepts a plain integer number of milliseconds or a Go
// duration. Negative values are rejected.
func ParseMillis(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("must not be negative")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
