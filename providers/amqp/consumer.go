package amqp

import (
	"context"
	"errors"
	"slices"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/rs/zerolog"

	"github.com/venderneutral/kyu"
)

// No-local filter descriptor used by ActiveMQ and Qpid brokers.
const (
	noLocalFilterName = "apache.org:no-local-filter:list"
	noLocalFilterCode = 0x0000468C00000003
)

// consumer owns one receiver link. A goroutine receives from the link and
// injects each message into the loop; every other field is owned by the
// loop.
type consumer struct {
	p    *Provider
	info *kyu.ConsumerInfo
	link receiverLink
	log  zerolog.Logger

	cancel    context.CancelFunc
	presettle bool
	started   bool
	closed    bool
	buffered  []*goamqp.Message
	seq       uint64
	delivered map[uint64]*goamqp.Message

	// Pull state of a zero prefetch consumer. pullCredit is the credit issued
	// by pulls and not yet used or drained.
	pullCredit    int
	pullGen       uint64
	draining      bool
	repull        bool
	repullTimeout time.Duration
}

func newConsumer(p *Provider, info *kyu.ConsumerInfo, link receiverLink) *consumer {
	return &consumer{
		p:         p,
		info:      info,
		link:      link,
		log:       p.log.With().Str("consumer", info.Id.String()).Logger(),
		presettle: info.Presettle || p.opts.presettleConsumers,
		delivered: make(map[uint64]*goamqp.Message),
	}
}

// receiverOptions builds the link attach options for info.
func receiverOptions(info *kyu.ConsumerInfo, presettle bool) *goamqp.ReceiverOptions {
	opts := &goamqp.ReceiverOptions{Credit: int32(info.Prefetch)}
	if info.Prefetch <= 0 {
		opts.Credit = -1
	}
	if presettle {
		mode := goamqp.SenderSettleModeSettled
		opts.RequestedSenderSettleMode = &mode
	}
	if info.Durable {
		opts.Name = info.SubscriptionName
		opts.Durability = goamqp.DurabilityUnsettledState
		opts.ExpiryPolicy = goamqp.ExpiryPolicyNever
	}
	if info.Selector != "" {
		opts.Filters = append(opts.Filters, goamqp.NewSelectorFilter(info.Selector))
	}
	if info.NoLocal {
		opts.Filters = append(opts.Filters, goamqp.NewLinkFilter(noLocalFilterName, noLocalFilterCode, "NoLocalFilter{}"))
	}
	return opts
}

func (c *consumer) run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.receive(ctx)
}

func (c *consumer) receive(ctx context.Context) {
	for {
		msg, err := c.link.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = c.p.loop.Inject(func() { c.receiveFailed(err) })
			}
			return
		}
		if c.p.loop.Inject(func() { c.onMessage(msg) }) != nil {
			return
		}
	}
}

func (c *consumer) onMessage(msg *goamqp.Message) {
	if c.closed {
		return
	}
	if c.pullCredit > 0 {
		c.pullCredit--
	}
	if !c.started {
		c.buffered = append(c.buffered, msg)
		return
	}
	c.dispatch(msg)
}

func (c *consumer) dispatch(msg *goamqp.Message) {
	c.seq++
	if !c.presettle {
		c.delivered[c.seq] = msg
	}
	f := newInboundFacade(msg, c.p.factory.codec, c.p.addr, c.info.Destination)
	c.p.listener().OnInboundMessage(&kyu.InboundDispatch{
		Message:     c.p.factory.wrap(f),
		ConsumerId:  c.info.Id,
		Sequence:    c.seq,
		Redelivered: f.Redelivered(),
	})
}

func (c *consumer) receiveFailed(err error) {
	if c.closed {
		return
	}
	if isTransportError(err) {
		c.p.fail(kyu.NewIOError("receive", c.p.uri.Redacted(), err))
		return
	}
	cause := remoteError(err)
	c.log.Debug().Err(cause).Msg("receiver link closed by peer")
	c.p.removeConsumer(c.info.Id)
	c.abort()
	c.p.listener().OnResourceClosed(c.info, cause)
}

// start begins dispatch, first handing over any messages that arrived while
// stopped.
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

// pull grants one credit to a zero prefetch consumer unless a previous pull
// still has its credit outstanding. A positive timeout drains the credit if
// no message used it in time, a negative one drains it at once. A zero
// timeout leaves it outstanding.
func (c *consumer) pull(timeout time.Duration, result kyu.AsyncResult) {
	if c.info.Prefetch > 0 {
		result.OnSuccess()
		return
	}
	c.pullGen++
	gen := c.pullGen
	switch {
	case c.draining:
		c.repull, c.repullTimeout = true, timeout
		result.OnSuccess()
		return
	case c.pullCredit > 0:
		c.schedulePullExpiry(gen, timeout)
		result.OnSuccess()
		return
	}

	c.pullCredit++
	link := c.link
	go func() {
		err := link.IssueCredit(1)
		c.p.finish(func() {
			if err != nil {
				c.pullCredit = 0
				result.OnFailure(remoteError(err))
				return
			}
			c.schedulePullExpiry(gen, timeout)
			result.OnSuccess()
		}, result)
	}()
}

func (c *consumer) schedulePullExpiry(gen uint64, timeout time.Duration) {
	switch {
	case timeout < 0:
		c.expirePull(gen)
	case timeout > 0:
		c.p.loop.Schedule(timeout, func() { c.expirePull(gen) })
	}
}

// expirePull drains the pull credit if no later pull has been made since gen.
func (c *consumer) expirePull(gen uint64) {
	if c.closed || gen != c.pullGen || c.pullCredit == 0 || c.draining {
		return
	}
	c.draining = true
	link := c.link
	timeout := c.p.requestTimeout()
	go func() {
		ctx, cancel := c.p.requestContext(timeout)
		defer cancel()
		err := link.DrainCredit(ctx)
		_ = c.p.loop.Inject(func() { c.drained(err) })
	}()
}

func (c *consumer) drained(err error) {
	c.draining = false
	if c.closed {
		return
	}
	switch {
	case err == nil:
		c.pullCredit = 0
	case isTransportError(err):
		c.p.fail(kyu.NewIOError("drain", c.p.uri.Redacted(), err))
		return
	default:
		c.log.Debug().Err(err).Msg("pull credit not drained")
	}
	if c.repull {
		c.repull = false
		c.pull(c.repullTimeout, kyu.NewProviderFuture())
	}
}

// take removes the delivery for seq from the unsettled table.
func (c *consumer) take(seq uint64) (*goamqp.Message, bool) {
	msg, ok := c.delivered[seq]
	if ok {
		delete(c.delivered, seq)
	}
	return msg, ok
}

// takeAll removes every unsettled delivery in delivery order.
func (c *consumer) takeAll() []*goamqp.Message {
	seqs := make([]uint64, 0, len(c.delivered))
	for seq := range c.delivered {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	msgs := make([]*goamqp.Message, 0, len(seqs))
	for _, seq := range seqs {
		msgs = append(msgs, c.delivered[seq])
	}
	clear(c.delivered)
	return msgs
}

// settle applies ack to msg off the loop and completes result on the loop.
func (c *consumer) settle(msg *goamqp.Message, ack kyu.AckType, result kyu.AsyncResult) {
	if c.presettle || ack == kyu.AckDelivered {
		result.OnSuccess()
		return
	}
	link := c.link
	timeout := c.p.requestTimeout()
	go func() {
		ctx, cancel := c.p.requestContext(timeout)
		defer cancel()
		err := link.Settle(ctx, msg, ack)
		c.p.finish(func() {
			switch {
			case err == nil:
				result.OnSuccess()
			case isTransportError(err):
				ioErr := kyu.NewIOError("acknowledge", c.p.uri.Redacted(), err)
				result.OnFailure(ioErr)
				c.p.fail(ioErr)
			default:
				result.OnFailure(remoteError(err))
			}
		}, result)
	}()
}

// close detaches the link. Closing a durable subscriber's link also ends the
// subscription on the broker.
func (c *consumer) close(result kyu.AsyncResult) {
	if c.closed {
		result.OnSuccess()
		return
	}
	c.abort()
	link := c.link
	timeout := c.p.closeTimeout()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := link.Close(ctx)
		c.p.finish(func() {
			if err != nil && !isClosedError(err) {
				result.OnFailure(remoteError(err))
				return
			}
			result.OnSuccess()
		}, result)
	}()
}

// abort stops the receive goroutine and forgets unsettled deliveries.
func (c *consumer) abort() {
	if c.closed {
		return
	}
	c.closed = true
	c.started = false
	if c.cancel != nil {
		c.cancel()
	}
	c.buffered = nil
	clear(c.delivered)
}

func isClosedError(err error) bool {
	var linkErr *goamqp.LinkError
	var sessErr *goamqp.SessionError
	var connErr *goamqp.ConnError
	if errors.As(err, &linkErr) && linkErr.RemoteErr == nil {
		return true
	}
	if errors.As(err, &sessErr) && sessErr.RemoteErr == nil {
		return true
	}
	if errors.As(err, &connErr) && connErr.RemoteErr == nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
