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

var (
	// ErrNoDestination is returned by SendTo without a destination, and by
	// Send on an anonymous producer.
	ErrNoDestination = errors.New("client: no destination")
	// ErrFixedDestination is returned by SendTo on a producer created with a
	// destination.
	ErrFixedDestination = errors.New("client: producer has a fixed destination")
)

// Producer sends messages.
type Producer struct {
	session *Session
	info    *kyu.ProducerInfo
	seq     kyu.Sequence

	mu     sync.Mutex
	ttl    time.Duration
	closed bool
	cause  error
}

func (p *Producer) Id() kyu.ProducerId                { return p.info.Id }
func (p *Producer) Destination() *message.Destination { return p.info.Destination }

// SetTimeToLive sets how long sent messages live. Zero means forever.
func (p *Producer) SetTimeToLive(ttl time.Duration) {
	p.mu.Lock()
	p.ttl = ttl
	p.mu.Unlock()
}

// Send sends msg to the producer's destination.
//
// A persistent message sent outside a transaction blocks until the broker
// settles it, unless the connection forces asynchronous sends. Other sends
// return once the message is queued; their failures go to the connection's
// exception handler.
func (p *Producer) Send(ctx context.Context, msg *message.Message) error {
	if p.info.Destination == nil {
		return ErrNoDestination
	}
	return p.send(ctx, p.info.Destination, msg)
}

// SendTo sends msg to dest with an anonymous producer.
func (p *Producer) SendTo(ctx context.Context, dest *message.Destination, msg *message.Message) error {
	switch {
	case p.info.Destination != nil:
		return ErrFixedDestination
	case dest == nil:
		return ErrNoDestination
	}
	return p.send(ctx, dest, msg)
}

func (p *Producer) send(ctx context.Context, dest *message.Destination, msg *message.Message) error {
	p.mu.Lock()
	closed, cause, ttl := p.closed, p.cause, p.ttl
	p.mu.Unlock()
	if closed {
		return cause
	}
	s := p.session
	if err := s.check(); err != nil {
		return err
	}

	if err := msg.SetMessageID(fmt.Sprintf("%s:%d", p.info.Id, p.seq.Next())); err != nil {
		return err
	}
	msg.SetTimestamp(time.Now())
	msg.SetDestination(dest)
	msg.OnSend(ttl)

	envelope := &kyu.OutboundDispatch{
		Message:     msg,
		Destination: dest,
		ProducerId:  p.info.Id,
		Presettle:   p.info.Presettle,
	}
	if p.syncSend(msg) {
		return s.conn.block.send(ctx, envelope)
	}
	envelope.SendAsync = true
	conn := s.conn
	return conn.provider.Send(envelope, kyu.NewCallback(nil, func(err error) {
		conn.exception(fmt.Errorf("client: send from %s: %w", p.info.Id, err))
	}))
}

func (p *Producer) syncSend(msg *message.Message) bool {
	info := p.session.conn.info
	switch {
	case info.ForceSyncSend:
		return true
	case info.ForceAsyncSend, p.info.Presettle:
		return false
	default:
		return msg.Persistent() && !p.session.Transacted()
	}
}

// Close destroys the producer at the provider.
func (p *Producer) Close(ctx context.Context) error {
	if !p.markClosed(kyu.ErrClosed) {
		return nil
	}
	s := p.session
	s.producers.remove(p.info.Id)
	if s.check() != nil {
		return nil
	}
	return s.conn.block.destroy(ctx, p.info)
}

func (p *Producer) shutdown(cause error) { p.markClosed(cause) }

func (p *Producer) markClosed(cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.cause = cause
	return true
}
