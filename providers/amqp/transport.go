package amqp

import (
	"context"
	"net"
	"net/url"

	"github.com/venderneutral/kyu/internal/transport"
)

// Default ports by scheme.
const (
	DefaultPort    = "5672"
	DefaultTLSPort = "5671"
)

// endpoint resolves u, honouring transport.verifyHost and transport.trustAll
// for amqps.
func endpoint(u *url.URL, o options) transport.Endpoint {
	secure := u.Scheme == "amqps"
	port := DefaultPort
	if secure {
		port = DefaultTLSPort
	}
	return transport.EndpointFor(u, secure, port, transport.TLS{VerifyHost: o.verifyHost, TrustAll: o.trustAll})
}

func dialTransport(ctx context.Context, u *url.URL, o options) (net.Conn, error) {
	return transport.Dial(ctx, endpoint(u, o))
}
