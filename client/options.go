package client

import (
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venderneutral/kyu/message"
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the connection's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithExceptionHandler sets the function told about errors no call can
// return, such as a message no consumer was registered for or the terminal
// loss of the connection. Calls are made one at a time on a goroutine of the
// connection.
func WithExceptionHandler(f func(error)) Option {
	return func(c *Connection) { c.onException = f }
}

// WithConnectionHandler sets the function told about interruptions and
// restorations of the connection behind a failover provider.
func WithConnectionHandler(f func(ConnectionEvent)) Option {
	return func(c *Connection) { c.onEvent = f }
}

// EventKind says what happened to the connection.
type EventKind int

const (
	EventEstablished EventKind = iota
	EventInterrupted
	EventRestored
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventInterrupted:
		return "interrupted"
	case EventRestored:
		return "restored"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionEvent is a change in the state of the connection.
type ConnectionEvent struct {
	Kind EventKind
	// URI is the broker concerned. It is nil for EventFailed.
	URI *url.URL
	// Err is set for EventFailed.
	Err error
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	selector     string
	subscription string
	durable      bool
	noLocal      bool
	browser      bool
	presettle    bool
	prefetch     int
	handler      func(*message.Message)
}

// WithSelector filters messages with a selector expression.
func WithSelector(selector string) ConsumerOption {
	return func(c *consumerConfig) { c.selector = selector }
}

// WithPrefetch sets how many messages the broker sends ahead. Zero makes
// every Receive pull a single message.
func WithPrefetch(n int) ConsumerOption {
	return func(c *consumerConfig) { c.prefetch = n }
}

// WithNoLocal drops messages sent on the same connection.
func WithNoLocal() ConsumerOption {
	return func(c *consumerConfig) { c.noLocal = true }
}

// WithDurableSubscription makes a topic consumer survive disconnection under
// the given subscription name.
//
// On AMQP connections, including the servicebus and amazonmq presets, closing
// the consumer also ends the subscription on the broker, the same as
// Connection.Unsubscribe. Keep the consumer open to keep the subscription.
// STOMP connections do not support durable subscriptions.
func WithDurableSubscription(name string) ConsumerOption {
	return func(c *consumerConfig) {
		c.durable = true
		c.subscription = name
	}
}

// WithBrowser views a queue without consuming from it.
func WithBrowser() ConsumerOption {
	return func(c *consumerConfig) { c.browser = true }
}

// WithPresettled asks for messages the broker considers delivered once
// sent. Acknowledgements are skipped.
func WithPresettled() ConsumerOption {
	return func(c *consumerConfig) { c.presettle = true }
}

// WithHandler delivers messages to f on the session's delivery goroutine
// instead of through Receive.
func WithHandler(f func(*message.Message)) ConsumerOption {
	return func(c *consumerConfig) { c.handler = f }
}

func defaultLogger() zerolog.Logger {
	return log.With().Str("pkg", "client").Logger()
}
