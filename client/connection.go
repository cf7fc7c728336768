// Package client is the protocol independent layer applications program
// against. A Connection owns sessions, which own producers and consumers.
// Every call becomes a provider request; calls that must wait block on it
// with the timeouts of the connection.
//
// # Routing
//
// The Connection is the listener of its provider. An inbound message is
// routed by the session part of its consumer id to the session, which hands
// it to the consumer on the session's own delivery goroutine, one message at
// a time. A message with no registered consumer is reported to the exception
// handler as a *kyu.RoutingError.
//
// # Recovery
//
// Behind a failover provider the connection recreates every open resource on
// the new provider: the connection first, then each session followed by its
// transaction, producers and consumers. A resource enters the connection's
// tables only once its create has succeeded, so a create still pending when
// the connection drops is replayed by the failover provider rather than
// recreated as well.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/eventloop"
)

// Connection is a client connection to a broker.
type Connection struct {
	provider    kyu.Provider
	info        *kyu.ConnectionInfo
	block       blocking
	log         zerolog.Logger
	onException func(error)
	onEvent     func(ConnectionEvent)
	handlers    *eventloop.Loop

	sessionIds kyu.Sequence
	txIds      kyu.Sequence
	sessions   table[kyu.SessionId, *Session]
	started    atomic.Bool

	mu      sync.Mutex
	closed  bool
	failure error
}

var _ kyu.ProviderListener = (*Connection)(nil)

// Dial creates a provider for the factory's configuration and opens a
// connection on it.
func Dial(ctx context.Context, f *kyu.ConnectionFactory, opts ...Option) (*Connection, error) {
	p, err := f.CreateProvider()
	if err != nil {
		return nil, err
	}
	return Open(ctx, p, f.NewConnectionInfo(), opts...)
}

// Open connects p, which must be new, and creates the connection described
// by info on it. The provider is closed when opening fails.
func Open(ctx context.Context, p kyu.Provider, info *kyu.ConnectionInfo, opts ...Option) (*Connection, error) {
	c := &Connection{
		provider: p,
		info:     info,
		block:    blocking{p: p, info: info},
		log:      defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("id", info.Id.String()).Logger()
	c.handlers = eventloop.New("client:" + info.Id.String())
	p.SetProviderListener(c)

	if info.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, info.ConnectTimeout)
		defer cancel()
	}
	err := p.Connect(ctx)
	if err == nil {
		err = c.block.create(ctx, info)
	}
	if err != nil {
		_ = p.Close()
		c.handlers.Close()
		return nil, err
	}
	c.log.Debug().Stringer("uri", p.RemoteURI()).Msg("connection open")
	return c, nil
}

// Id returns the connection's id.
func (c *Connection) Id() kyu.ConnectionId { return c.info.Id }

// ClientID returns the configured client id.
func (c *Connection) ClientID() string { return c.info.ClientID }

// RemoteURI returns the URI of the broker the provider is connected to.
func (c *Connection) RemoteURI() *url.URL { return c.provider.RemoteURI() }

// check returns the error a call on the connection fails with, if any.
func (c *Connection) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kyu.ErrClosed
	}
	return c.failure
}

func (c *Connection) newTransaction(s kyu.SessionId) *kyu.TransactionInfo {
	return kyu.NewTransactionInfo(kyu.TransactionId{Connection: c.info.Id, Value: c.txIds.Next()}, s)
}

// CreateSession creates a session with the given acknowledgement mode. A
// transacted session begins its first transaction at once.
func (c *Connection) CreateSession(ctx context.Context, mode kyu.AckMode) (*Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	info := kyu.NewSessionInfo(kyu.SessionId{Connection: c.info.Id, Value: c.sessionIds.Next()}, mode)
	if err := c.block.create(ctx, info); err != nil {
		return nil, err
	}
	s := newSession(c, info)
	if info.IsTransacted() {
		tx := c.newTransaction(info.Id)
		if err := c.block.create(ctx, tx); err != nil {
			_ = c.block.destroy(ctx, info)
			s.shutdown(kyu.ErrClosed)
			return nil, err
		}
		s.tx.Store(tx)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.shutdown(kyu.ErrClosed)
		return nil, kyu.ErrClosed
	}
	c.sessions.put(info.Id, s)
	c.mu.Unlock()
	return s, nil
}

// Start begins delivery to the consumers of every session.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range c.sessions.sorted() {
		if err := s.start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop pauses delivery until Start is called again.
func (c *Connection) Stop(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	for _, s := range c.sessions.sorted() {
		if err := s.stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes a durable subscription that has no active consumer.
func (c *Connection) Unsubscribe(ctx context.Context, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.block.unsubscribe(ctx, name)
}

// Close closes every session, destroys the connection and closes the
// provider. Closing twice is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	failed := c.failure != nil
	sessions := c.sessions.clear()
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(kyu.ErrClosed)
	}
	var errs []error
	if !failed {
		if err := c.block.destroy(ctx, c.info); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	c.handlers.Close()
	c.log.Debug().Msg("connection closed")
	return errors.Join(errs...)
}

// exception reports err to the exception handler.
func (c *Connection) exception(err error) {
	c.log.Warn().Err(err).Msg("connection exception")
	if c.onException != nil {
		_ = c.handlers.Inject(func() { c.onException(err) })
	}
}

func (c *Connection) event(e ConnectionEvent) {
	ev := c.log.Info()
	if e.Kind != EventEstablished {
		ev = c.log.Warn()
	}
	if e.URI != nil {
		ev = ev.Str("uri", e.URI.Redacted())
	}
	ev.Err(e.Err).Stringer("event", e.Kind).Msg("connection event")
	if c.onEvent != nil {
		_ = c.handlers.Inject(func() { c.onEvent(e) })
	}
}

func (c *Connection) OnInboundMessage(envelope *kyu.InboundDispatch) {
	s, ok := c.sessions.get(envelope.SessionId())
	if !ok || !s.deliver(envelope) {
		c.exception(&kyu.RoutingError{ConsumerId: envelope.ConsumerId})
	}
}

func (c *Connection) OnConnectionEstablished(remoteURI *url.URL) {
	c.event(ConnectionEvent{Kind: EventEstablished, URI: remoteURI})
}

// OnConnectionInterrupted discards messages buffered from the lost
// connection. The broker redelivers them.
func (c *Connection) OnConnectionInterrupted(remoteURI *url.URL) {
	for _, s := range c.sessions.sorted() {
		s.interrupted()
	}
	c.event(ConnectionEvent{Kind: EventInterrupted, URI: remoteURI})
}

// OnConnectionRecovery recreates the connection and every open session on p,
// each session followed by its transaction, producers and consumers.
func (c *Connection) OnConnectionRecovery(p kyu.Provider) error {
	ctx := context.Background()
	b := blocking{p: p, info: c.info}
	if err := b.create(ctx, c.info); err != nil {
		return fmt.Errorf("client: recreate connection: %w", err)
	}
	for _, s := range c.sessions.sorted() {
		if err := s.recreate(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// OnConnectionRecovered restarts consumers on p when the connection is
// started, and repeats the pull of any zero prefetch consumer a Receive is
// waiting on.
func (c *Connection) OnConnectionRecovered(p kyu.Provider) error {
	ctx := context.Background()
	b := blocking{p: p, info: c.info}
	started := c.started.Load()
	for _, s := range c.sessions.sorted() {
		for _, cons := range s.consumers.sorted() {
			if err := cons.resume(ctx, b, started); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Connection) OnConnectionRestored(remoteURI *url.URL) {
	c.event(ConnectionEvent{Kind: EventRestored, URI: remoteURI})
}

// OnConnectionFailure makes the connection unusable. Every session is shut
// down with err.
func (c *Connection) OnConnectionFailure(err error) {
	c.mu.Lock()
	if c.closed || c.failure != nil {
		c.mu.Unlock()
		return
	}
	c.failure = err
	sessions := c.sessions.clear()
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(err)
	}
	c.event(ConnectionEvent{Kind: EventFailed, Err: err})
	c.exception(err)
}

// OnResourceClosed removes a resource the broker closed.
func (c *Connection) OnResourceClosed(resource kyu.ResourceInfo, cause error) {
	if cause == nil {
		cause = kyu.ErrClosed
	}
	err := fmt.Errorf("client: %s closed by the remote peer: %w", resource.ResourceId(), cause)
	switch info := resource.(type) {
	case *kyu.ConnectionInfo:
		c.OnConnectionFailure(err)
		return
	case *kyu.SessionInfo:
		if s, ok := c.sessions.remove(info.Id); ok {
			s.shutdown(err)
		}
	case *kyu.ProducerInfo:
		if s, ok := c.sessions.get(info.Id.Session); ok {
			s.producerClosed(info.Id, err)
		}
	case *kyu.ConsumerInfo:
		if s, ok := c.sessions.get(info.SessionId()); ok {
			s.consumerClosed(info.Id, err)
		}
	}
	c.exception(err)
}

func (c *Connection) OnProviderException(err error) { c.exception(err) }
