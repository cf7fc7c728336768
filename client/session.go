package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/eventloop"
	"github.com/venderneutral/kyu/message"
)

// ErrNotTransacted is returned by Commit and Rollback on a session that is
// not transacted.
var ErrNotTransacted = errors.New("client: session is not transacted")

// Session is a single threaded context for producing and consuming messages.
// Messages for its consumers are delivered one at a time on the session's
// delivery goroutine.
type Session struct {
	conn *Connection
	info *kyu.SessionInfo
	loop *eventloop.Loop
	log  zerolog.Logger

	ids       kyu.Sequence
	producers table[kyu.ProducerId, *Producer]
	consumers table[kyu.ConsumerId, *Consumer]
	tx        atomic.Pointer[kyu.TransactionInfo]

	// epoch changes whenever deliveries already queued on the loop must be
	// dropped.
	epoch atomic.Uint64

	mu     sync.Mutex
	closed bool
	cause  error
}

func newSession(c *Connection, info *kyu.SessionInfo) *Session {
	return &Session{
		conn: c,
		info: info,
		loop: eventloop.New("session:" + info.Id.String()),
		log:  c.log.With().Str("session", info.Id.String()).Logger(),
	}
}

func (s *Session) Id() kyu.SessionId    { return s.info.Id }
func (s *Session) AckMode() kyu.AckMode { return s.info.AckMode }
func (s *Session) Transacted() bool     { return s.info.IsTransacted() }

func (s *Session) check() error {
	s.mu.Lock()
	closed, cause := s.closed, s.cause
	s.mu.Unlock()
	if closed {
		return cause
	}
	return s.conn.check()
}

// add runs put unless the session has been closed meanwhile.
func (s *Session) add(put func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.cause
	}
	put()
	return nil
}

// CreateMessage creates an empty message in the provider's encoding.
func (s *Session) CreateMessage(kind message.BodyKind) (*message.Message, error) {
	return s.conn.provider.MessageFactory().CreateMessage(kind)
}

// CreateTextMessage creates a text message with the given body.
func (s *Session) CreateTextMessage(text string) (*message.Message, error) {
	m, err := s.CreateMessage(message.KindText)
	if err != nil {
		return nil, err
	}
	if err := m.SetBody(message.TextBody(text)); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateProducer creates a producer sending to dest. A nil dest creates an
// anonymous producer, which sends with SendTo.
func (s *Session) CreateProducer(ctx context.Context, dest *message.Destination) (*Producer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	info := kyu.NewProducerInfo(kyu.ProducerId{Session: s.info.Id, Value: s.ids.Next()}, dest)
	if err := s.conn.block.create(ctx, info); err != nil {
		return nil, err
	}
	p := &Producer{session: s, info: info}
	if err := s.add(func() { s.producers.put(info.Id, p) }); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateConsumer creates a consumer of dest. It receives messages once the
// connection is started.
func (s *Session) CreateConsumer(ctx context.Context, dest *message.Destination, opts ...ConsumerOption) (*Consumer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	cfg := consumerConfig{prefetch: kyu.DefaultPrefetch}
	for _, opt := range opts {
		opt(&cfg)
	}
	info := kyu.NewConsumerInfo(kyu.ConsumerId{Session: s.info.Id, Value: s.ids.Next()}, dest)
	info.Selector = cfg.selector
	info.SubscriptionName = cfg.subscription
	info.Durable = cfg.durable
	info.NoLocal = cfg.noLocal
	info.Browser = cfg.browser
	info.Prefetch = cfg.prefetch
	info.Presettle = cfg.presettle
	info.AckMode = s.info.AckMode
	if err := s.conn.block.create(ctx, info); err != nil {
		return nil, err
	}

	c := newConsumer(s, info, cfg.handler)
	if err := s.add(func() { s.consumers.put(info.Id, c) }); err != nil {
		return nil, err
	}
	if s.conn.started.Load() {
		if err := s.conn.block.start(ctx, info); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}
	return c, nil
}

// Acknowledge accepts every message delivered to the session so far. It is
// what Message.Acknowledge calls in client acknowledge mode.
func (s *Session) Acknowledge(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.conn.block.acknowledgeSession(ctx, s.info.Id, kyu.AckAccepted)
}

// Commit commits the current transaction and begins the next.
func (s *Session) Commit(ctx context.Context) error {
	return s.endTransaction(ctx, s.conn.block.commit)
}

// Rollback discards the current transaction and begins the next. Consumed
// messages are redelivered.
func (s *Session) Rollback(ctx context.Context) error {
	return s.endTransaction(ctx, s.conn.block.rollback)
}

func (s *Session) endTransaction(ctx context.Context, end func(context.Context, *kyu.TransactionInfo, *kyu.TransactionInfo) error) error {
	if !s.Transacted() {
		return ErrNotTransacted
	}
	if err := s.check(); err != nil {
		return err
	}
	tx := s.tx.Load()
	next := s.conn.newTransaction(s.info.Id)
	err := end(ctx, tx, next)
	// Providers begin next whatever the outcome.
	s.tx.Store(next)
	return err
}

// Recover redelivers every message delivered to the session and not yet
// acknowledged.
func (s *Session) Recover(ctx context.Context) error {
	if s.Transacted() {
		return fmt.Errorf("%w: recover on a transacted session", kyu.ErrUnsupportedOperation)
	}
	if err := s.check(); err != nil {
		return err
	}
	s.dropBuffered()
	return s.conn.block.recover(ctx, s.info.Id)
}

// Close closes the session's producers and consumers and destroys it at the
// provider.
func (s *Session) Close(ctx context.Context) error {
	if !s.markClosed(kyu.ErrClosed) {
		return nil
	}
	s.conn.sessions.remove(s.info.Id)
	var err error
	if s.conn.check() == nil {
		err = s.conn.block.destroy(ctx, s.info)
	}
	s.release()
	return err
}

// shutdown closes the session locally. Calls then fail with cause.
func (s *Session) shutdown(cause error) {
	if s.markClosed(cause) {
		s.release()
	}
}

func (s *Session) markClosed(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.cause = cause
	return true
}

func (s *Session) release() {
	for _, c := range s.consumers.clear() {
		c.shutdown(s.cause)
	}
	for _, p := range s.producers.clear() {
		p.shutdown(s.cause)
	}
	s.loop.Close()
	s.log.Debug().Err(s.cause).Msg("session closed")
}

func (s *Session) start(ctx context.Context) error {
	for _, c := range s.consumers.sorted() {
		if err := s.conn.block.start(ctx, c.info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) stop(ctx context.Context) error {
	for _, c := range s.consumers.sorted() {
		if err := s.conn.block.stop(ctx, c.info); err != nil {
			return err
		}
	}
	return nil
}

// deliver queues envelope for its consumer on the delivery loop. It returns
// false when no such consumer is registered.
func (s *Session) deliver(envelope *kyu.InboundDispatch) bool {
	c, ok := s.consumers.get(envelope.ConsumerId)
	if !ok {
		return false
	}
	epoch := s.epoch.Load()
	_ = s.loop.Inject(func() {
		if s.epoch.Load() == epoch {
			c.dispatch(envelope)
		}
	})
	return true
}

// dropBuffered discards deliveries not yet handed to the application.
func (s *Session) dropBuffered() {
	s.epoch.Add(1)
	for _, c := range s.consumers.sorted() {
		c.dropBuffered()
	}
}

func (s *Session) interrupted() { s.dropBuffered() }

// recreate creates the session and everything it owns on b's provider.
func (s *Session) recreate(ctx context.Context, b blocking) error {
	if err := b.create(ctx, s.info); err != nil {
		return fmt.Errorf("client: recreate session %s: %w", s.info.Id, err)
	}
	if tx := s.tx.Load(); tx != nil {
		if err := b.create(ctx, tx); err != nil {
			return fmt.Errorf("client: recreate transaction %s: %w", tx.Id, err)
		}
	}
	for _, p := range s.producers.sorted() {
		if err := b.create(ctx, p.info); err != nil {
			return fmt.Errorf("client: recreate producer %s: %w", p.info.Id, err)
		}
	}
	for _, c := range s.consumers.sorted() {
		if err := b.create(ctx, c.info); err != nil {
			return fmt.Errorf("client: recreate consumer %s: %w", c.info.Id, err)
		}
	}
	return nil
}

func (s *Session) producerClosed(id kyu.ProducerId, cause error) {
	if p, ok := s.producers.remove(id); ok {
		p.shutdown(cause)
	}
}

func (s *Session) consumerClosed(id kyu.ConsumerId, cause error) {
	if c, ok := s.consumers.remove(id); ok {
		c.shutdown(cause)
	}
}
