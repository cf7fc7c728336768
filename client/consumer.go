package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
)

// ErrHandlerInstalled is returned by Receive on a consumer created WithHandler.
var ErrHandlerInstalled = errors.New("client: consumer delivers to a handler")

// Consumer receives messages from a destination, either through Receive or
// by calling its handler.
type Consumer struct {
	session *Session
	info    *kyu.ConsumerInfo
	handler func(*message.Message)

	mu      sync.Mutex
	pending []*kyu.InboundDispatch
	waiting int
	closed  bool
	cause   error
	ready   chan struct{}
	done    chan struct{}
}

func newConsumer(s *Session, info *kyu.ConsumerInfo, handler func(*message.Message)) *Consumer {
	return &Consumer{
		session: s,
		info:    info,
		handler: handler,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *Consumer) Id() kyu.ConsumerId                { return c.info.Id }
func (c *Consumer) Destination() *message.Destination { return c.info.Destination }

// Receive waits for the next message until ctx ends. A zero prefetch
// consumer pulls one message from the broker for each call.
func (c *Consumer) Receive(ctx context.Context) (*message.Message, error) {
	if c.handler != nil {
		return nil, ErrHandlerInstalled
	}
	if c.info.Prefetch == 0 {
		c.mu.Lock()
		c.waiting++
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.waiting--
			c.mu.Unlock()
		}()
		if err := c.pull(ctx); err != nil {
			return nil, err
		}
	}

	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			envelope := c.pending[0]
			c.pending = c.pending[1:]
			more := len(c.pending) > 0
			c.mu.Unlock()
			if more {
				c.signal()
			}
			c.consumed(envelope)
			return envelope.Message, nil
		}
		if c.closed {
			err := c.cause
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
		case <-ctx.Done():
			return nil, kyu.WrapError(kyu.ErrTimeout, ctx.Err())
		}
	}
}

// pull asks the broker for one message, for as long as ctx allows.
func (c *Consumer) pull(ctx context.Context) error {
	if err := c.session.check(); err != nil {
		return err
	}
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			timeout = -1
		}
	}
	return c.session.conn.provider.Pull(c.info.Id, timeout, kyu.NewCallback(nil, func(err error) {
		c.session.log.Debug().Err(err).Stringer("consumer", c.info.Id).Msg("pull failed")
	}))
}

func (c *Consumer) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// dispatch runs on the session's delivery loop.
func (c *Consumer) dispatch(envelope *kyu.InboundDispatch) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	msg := envelope.Message
	msg.OnDispatch()
	c.installAck(envelope)
	if !c.info.Presettle {
		c.ack(envelope, kyu.AckDelivered)
	}

	if c.handler != nil {
		c.handler(msg)
		c.consumed(envelope)
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, envelope)
	c.mu.Unlock()
	c.signal()
}

// installAck makes Message.Acknowledge settle envelope in the modes where
// the application acknowledges.
func (c *Consumer) installAck(envelope *kyu.InboundDispatch) {
	if c.info.Presettle {
		return
	}
	s := c.session
	switch s.info.AckMode {
	case kyu.ClientAcknowledge:
		envelope.Message.SetAcknowledgeCallback(func() error { return s.Acknowledge(context.Background()) })
	case kyu.IndividualAcknowledge:
		envelope.Message.SetAcknowledgeCallback(func() error {
			if err := s.check(); err != nil {
				return err
			}
			return s.conn.block.acknowledge(context.Background(), envelope, kyu.AckAccepted)
		})
	}
}

// consumed settles envelope once the application has it, in the modes
// where the session acknowledges.
func (c *Consumer) consumed(envelope *kyu.InboundDispatch) {
	if c.info.Presettle {
		return
	}
	switch c.session.info.AckMode {
	case kyu.AutoAcknowledge, kyu.DupsOkAcknowledge, kyu.SessionTransacted:
		c.ack(envelope, kyu.AckAccepted)
	}
}

func (c *Consumer) ack(envelope *kyu.InboundDispatch, ack kyu.AckType) {
	conn := c.session.conn
	err := conn.provider.Acknowledge(envelope, ack, kyu.NewCallback(nil, func(err error) {
		conn.exception(fmt.Errorf("client: acknowledge %s: %w", c.info.Id, err))
	}))
	if err != nil {
		c.session.log.Debug().Err(err).Stringer("consumer", c.info.Id).Msg("acknowledge not sent")
	}
}

// dropBuffered discards messages waiting for Receive.
func (c *Consumer) dropBuffered() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// resume is called after recovery with the new provider.
func (c *Consumer) resume(ctx context.Context, b blocking, started bool) error {
	if started {
		if err := b.start(ctx, c.info); err != nil {
			return fmt.Errorf("client: restart consumer %s: %w", c.info.Id, err)
		}
	}
	c.mu.Lock()
	waiting := c.waiting
	c.mu.Unlock()
	if c.info.Prefetch == 0 && waiting > 0 {
		return b.p.Pull(c.info.Id, 0, kyu.NoOpResult())
	}
	return nil
}

// Close stops delivery and destroys the consumer at the provider. Messages
// not yet received are returned to the broker.
func (c *Consumer) Close(ctx context.Context) error {
	if !c.markClosed(kyu.ErrClosed) {
		return nil
	}
	s := c.session
	s.consumers.remove(c.info.Id)
	if s.check() != nil {
		return nil
	}
	return s.conn.block.destroy(ctx, c.info)
}

func (c *Consumer) shutdown(cause error) { c.markClosed(cause) }

func (c *Consumer) markClosed(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.cause = cause
	c.pending = nil
	close(c.done)
	return true
}
