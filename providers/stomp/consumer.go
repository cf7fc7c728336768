package stomp

import (
	"context"
	"errors"
	"slices"

	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"

	"github.com/venderneutral/kyu"
)

// consumer owns one subscription. A goroutine drains the subscription channel
// into the loop; every other field is owned by the loop.
type consumer struct {
	p    *Provider
	info *kyu.ConsumerInfo
	mode stomp.AckMode
	sub  subscription
	log  zerolog.Logger

	cancel    context.CancelFunc
	started   bool
	closed    bool
	buffered  []*stomp.Message
	seq       uint64
	delivered map[uint64]*stomp.Message
}

func newConsumer(p *Provider, info *kyu.ConsumerInfo) *consumer {
	mode := stomp.AckClientIndividual
	if info.Presettle {
		mode = stomp.AckAuto
	}
	return &consumer{
		p:         p,
		info:      info,
		mode:      mode,
		log:       p.log.With().Str("consumer", info.Id.String()).Logger(),
		delivered: make(map[uint64]*stomp.Message),
	}
}

func (c *consumer) run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.receive(ctx, c.sub.Messages())
}

func (c *consumer) receive(ctx context.Context, ch <-chan *stomp.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Err != nil {
				err := msg.Err
				_ = c.p.loop.Inject(func() { c.receiveFailed(err) })
				return
			}
			if c.p.loop.Inject(func() { c.onMessage(msg) }) != nil {
				return
			}
		}
	}
}

func (c *consumer) onMessage(msg *stomp.Message) {
	if c.closed {
		return
	}
	if !c.started {
		c.buffered = append(c.buffered, msg)
		return
	}
	c.dispatch(msg)
}

func (c *consumer) dispatch(msg *stomp.Message) {
	c.seq++
	if c.mode != stomp.AckAuto {
		c.delivered[c.seq] = msg
	}
	f := newInboundFacade(msg, c.p.addr)
	c.p.listener().OnInboundMessage(&kyu.InboundDispatch{
		Message:     c.p.factory.wrap(f),
		ConsumerId:  c.info.Id,
		Sequence:    c.seq,
		Redelivered: f.Redelivered(),
	})
}

// receiveFailed handles an error delivered on the subscription. An ERROR
// frame closes only this consumer; anything else means the connection is
// gone.
func (c *consumer) receiveFailed(err error) {
	if c.closed {
		return
	}
	cause := remoteError(err)
	if cause == err {
		c.p.fail(kyu.NewIOError("receive", c.p.uri.Redacted(), err))
		return
	}
	c.log.Debug().Err(cause).Msg("subscription closed by broker")
	delete(c.p.consumers, c.info.Id)
	c.abort()
	c.p.listener().OnResourceClosed(c.info, cause)
}

func (c *consumer) start() {
	if c.started {
		return
	}
	c.started = true
	buffered := c.buffered
	c.buffered = nil
	for _, msg := range buffered {
		c.dispatch(msg)
	}
}

func (c *consumer) stop() { c.started = false }

func (c *consumer) take(seq uint64) (*stomp.Message, bool) {
	msg, ok := c.delivered[seq]
	if ok {
		delete(c.delivered, seq)
	}
	return msg, ok
}

// takeAll removes every unacknowledged message in delivery order.
func (c *consumer) takeAll() []*stomp.Message {
	seqs := make([]uint64, 0, len(c.delivered))
	for seq := range c.delivered {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	msgs := make([]*stomp.Message, 0, len(seqs))
	for _, seq := range seqs {
		msgs = append(msgs, c.delivered[seq])
	}
	clear(c.delivered)
	return msgs
}

// close unsubscribes. Unacknowledged messages go back to the broker when the
// subscription ends.
func (c *consumer) close(result kyu.AsyncResult) {
	c.abort()
	sub := c.sub
	c.p.write("unsubscribe", result, func() error {
		if err := sub.Unsubscribe(); err != nil && !unsubscribed(err) {
			return err
		}
		return nil
	})
}

func (c *consumer) abort() {
	if c.closed {
		return
	}
	c.closed = true
	c.started = false
	c.buffered = nil
	clear(c.delivered)
	if c.cancel != nil {
		c.cancel()
	}
}

// unsubscribed reports whether err means the subscription had already ended.
func unsubscribed(err error) bool {
	return errors.Is(err, stomp.ErrCompletedSubscription) || errors.Is(err, stomp.ErrAlreadyClosed)
}
