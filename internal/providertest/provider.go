package providertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/eventloop"
	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/openwire"
)

// Provider is the mock:// provider. Messages use the OpenWire facade.
type Provider struct {
	uri     *url.URL
	loop    *eventloop.Loop
	factory *openwire.MessageFactory
	log     zerolog.Logger

	mu       sync.Mutex
	listener kyu.ProviderListener

	// Owned by the loop.
	broker    *Broker
	connected bool
	closed    bool
	failure   error
	sessions  map[kyu.SessionId]*session
	consumers map[kyu.ConsumerId]*consumer
	held      []kyu.AsyncResult
}

type session struct {
	info  *kyu.SessionInfo
	tx    *kyu.TransactionInfo
	sends []pendingSend
	acks  []*delivery
}

type pendingSend struct {
	dest *message.Destination
	msg  *openwire.Message
}

type consumer struct {
	info    *kyu.ConsumerInfo
	seq     uint64
	unacked map[uint64]*delivery
}

type delivery struct {
	key string
	msg *openwire.Message
}

var _ kyu.Provider = (*Provider)(nil)

// NewProvider returns an unconnected provider for u, whose host names the broker.
func NewProvider(u *url.URL) *Provider {
	return &Provider{
		uri:       u,
		loop:      eventloop.New("mock:" + u.Host),
		factory:   openwire.NewMessageFactory(),
		log:       log.With().Str("pkg", "providertest").Str("uri", u.String()).Logger(),
		sessions:  make(map[kyu.SessionId]*session),
		consumers: make(map[kyu.ConsumerId]*consumer),
	}
}

func (p *Provider) SetProviderListener(l kyu.ProviderListener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

func (p *Provider) ProviderListener() kyu.ProviderListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

func (p *Provider) RemoteURI() *url.URL               { return p.uri }
func (p *Provider) MessageFactory() message.Factory   { return p.factory }
func (p *Provider) Factory() *openwire.MessageFactory { return p.factory }

func (p *Provider) Connect(ctx context.Context) error {
	if p.ProviderListener() == nil {
		return kyu.ErrNoListener
	}
	if err := ctx.Err(); err != nil {
		return kyu.NewIOError("connect", p.uri.String(), err)
	}
	return p.injectWait(func() error {
		if p.closed || p.failure != nil {
			return kyu.ErrClosed
		}
		b := lookupBroker(p.uri.Host)
		if b == nil {
			return kyu.NewIOError("connect", p.uri.String(), errors.New("mock: unknown broker"))
		}
		if err := b.attach(p); err != nil {
			return kyu.NewIOError("connect", p.uri.String(), err)
		}
		p.broker = b
		p.connected = true
		p.log.Debug().Msg("connected")
		return nil
	})
}

func (p *Provider) Close() error {
	err := p.injectWait(func() error {
		if p.closed {
			return nil
		}
		p.closed = true
		if p.connected && p.failure == nil {
			p.broker.detach(p)
			p.returnUnacked()
		}
		p.failHeld(kyu.ErrClosed)
		return nil
	})
	p.loop.Close()
	<-p.loop.Done()
	if errors.Is(err, kyu.ErrClosed) {
		return nil
	}
	return err
}

func (p *Provider) Create(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		switch info := resource.(type) {
		case *kyu.ConnectionInfo:
			if err := p.broker.recordCreate(info.Copy()); err != nil {
				return err
			}
			p.ProviderListener().OnConnectionEstablished(p.uri)
		case *kyu.SessionInfo:
			if err := p.broker.recordCreate(info.Copy()); err != nil {
				return err
			}
			p.sessions[info.Id] = &session{info: info}
		case *kyu.ProducerInfo:
			if _, ok := p.sessions[info.Id.Session]; !ok {
				return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.Id.Session)
			}
			return p.broker.recordCreate(info.Copy())
		case *kyu.ConsumerInfo:
			if _, ok := p.sessions[info.SessionId()]; !ok {
				return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId())
			}
			if err := p.broker.recordCreate(info.Copy()); err != nil {
				return err
			}
			if err := p.broker.subscribe(p, info.Copy()); err != nil {
				return err
			}
			p.consumers[info.Id] = &consumer{info: info, unacked: make(map[uint64]*delivery)}
		case *kyu.TransactionInfo:
			s, ok := p.sessions[info.SessionId]
			if !ok {
				return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId)
			}
			if err := p.broker.recordCreate(info.Copy()); err != nil {
				return err
			}
			s.tx = info
		default:
			return fmt.Errorf("%w: create %T", kyu.ErrUnsupportedOperation, resource)
		}
		return nil
	})
}

func (p *Provider) Start(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if info, ok := resource.(*kyu.ConsumerInfo); ok {
			p.broker.setStarted(info.Id, true)
		}
		return nil
	})
}

func (p *Provider) Stop(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if info, ok := resource.(*kyu.ConsumerInfo); ok {
			p.broker.setStarted(info.Id, false)
		}
		return nil
	})
}

func (p *Provider) Destroy(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		switch info := resource.(type) {
		case *kyu.ConsumerInfo:
			if p.destroyConsumer(info.Id) {
				p.broker.recordDestroy(info)
			}
		case *kyu.SessionInfo:
			s, ok := p.sessions[info.Id]
			if !ok {
				return nil
			}
			for id := range p.consumers {
				if id.Session == info.Id {
					p.destroyConsumer(id)
				}
			}
			p.broker.requeueAll(s.acks, true)
			delete(p.sessions, info.Id)
			p.broker.recordDestroy(info)
		default:
			p.broker.recordDestroy(resource)
		}
		return nil
	})
}

func (p *Provider) destroyConsumer(id kyu.ConsumerId) bool {
	c, ok := p.consumers[id]
	if !ok {
		return false
	}
	delete(p.consumers, id)
	p.broker.unsubscribe(id)
	p.returnDeliveries(c)
	return true
}

func (p *Provider) Send(envelope *kyu.OutboundDispatch, result kyu.AsyncResult) error {
	if envelope == nil || envelope.Message == nil {
		return errors.New("mock: nil envelope")
	}
	return p.request(result, func() error {
		f, ok := envelope.Message.Facade().(*openwire.Message)
		if !ok {
			return fmt.Errorf("%w: message facade %T", kyu.ErrUnsupportedOperation, envelope.Message.Facade())
		}
		dest := envelope.Destination
		if dest == nil {
			dest = f.Destination()
		}
		if dest == nil {
			return fmt.Errorf("%w: no destination", kyu.ErrSendFailed)
		}
		s, ok := p.sessions[envelope.ProducerId.Session]
		if !ok {
			return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, envelope.ProducerId.Session)
		}

		m := f.Copy().(*openwire.Message)
		m.SetDestination(dest)
		m.SetBrokerInTime(time.Now())
		if s.info.IsTransacted() {
			s.sends = append(s.sends, pendingSend{dest: dest, msg: m})
			return nil
		}
		p.broker.enqueue(dest, m)
		return nil
	})
}

func (p *Provider) Acknowledge(envelope *kyu.InboundDispatch, ack kyu.AckType, result kyu.AsyncResult) error {
	if envelope == nil {
		return errors.New("mock: nil envelope")
	}
	return p.request(result, func() error {
		c, ok := p.consumers[envelope.ConsumerId]
		if !ok {
			return nil
		}
		d, ok := c.unacked[envelope.Sequence]
		if !ok || ack == kyu.AckDelivered {
			return nil
		}
		delete(c.unacked, envelope.Sequence)
		if s := p.sessions[c.info.SessionId()]; s != nil && s.info.IsTransacted() && ack == kyu.AckAccepted {
			s.acks = append(s.acks, d)
			return nil
		}
		p.settle(d, ack)
		return nil
	})
}

func (p *Provider) AcknowledgeSession(id kyu.SessionId, ack kyu.AckType, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if ack == kyu.AckDelivered {
			return nil
		}
		for _, c := range p.sessionConsumers(id) {
			for _, seq := range sortedSeqs(c) {
				p.settle(c.unacked[seq], ack)
				delete(c.unacked, seq)
			}
		}
		return nil
	})
}

func (p *Provider) settle(d *delivery, ack kyu.AckType) {
	switch ack {
	case kyu.AckAccepted:
	case kyu.AckRejected, kyu.AckModifiedFailedUndeliverable:
		p.broker.deadLetter()
	case kyu.AckReleased:
		p.broker.requeue(d.key, d.msg, false)
	case kyu.AckModifiedFailed:
		p.broker.requeue(d.key, d.msg, true)
	}
}

func (p *Provider) Commit(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transactedSession(tx)
		if err != nil {
			return err
		}
		for _, ps := range s.sends {
			p.broker.enqueue(ps.dest, ps.msg)
		}
		s.sends, s.acks = nil, nil
		s.tx = next
		return nil
	})
}

func (p *Provider) Rollback(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transactedSession(tx)
		if err != nil {
			return err
		}
		p.broker.requeueAll(s.acks, true)
		s.sends, s.acks = nil, nil
		s.tx = next
		return nil
	})
}

func (p *Provider) transactedSession(tx *kyu.TransactionInfo) (*session, error) {
	if tx == nil {
		return nil, errors.New("mock: nil transaction")
	}
	s, ok := p.sessions[tx.SessionId]
	if !ok || !s.info.IsTransacted() {
		return nil, fmt.Errorf("%w: transacted session %s", kyu.ErrResourceNotFound, tx.SessionId)
	}
	if s.tx == nil || s.tx.Id != tx.Id {
		return nil, fmt.Errorf("%w: transaction %s", kyu.ErrResourceNotFound, tx.Id)
	}
	return s, nil
}

func (p *Provider) Recover(id kyu.SessionId, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		for _, c := range p.sessionConsumers(id) {
			p.returnDeliveries(c)
		}
		return nil
	})
}

func (p *Provider) Unsubscribe(name string, result kyu.AsyncResult) error {
	return p.request(result, func() error { return p.broker.removeDurable(name) })
}

func (p *Provider) Pull(id kyu.ConsumerId, timeout time.Duration, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if _, ok := p.consumers[id]; !ok {
			return fmt.Errorf("%w: consumer %s", kyu.ErrResourceNotFound, id)
		}
		cancel := p.broker.pull(id)
		switch {
		case timeout < 0:
			cancel()
		case timeout > 0:
			p.loop.Schedule(timeout, cancel)
		}
		return nil
	})
}

func (p *Provider) sessionConsumers(id kyu.SessionId) []*consumer {
	var cs []*consumer
	for cid, c := range p.consumers {
		if cid.Session == id {
			cs = append(cs, c)
		}
	}
	return cs
}

func sortedSeqs(c *consumer) []uint64 {
	seqs := make([]uint64, 0, len(c.unacked))
	for seq := range c.unacked {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

// returnDeliveries gives every unacknowledged delivery of c back to the
// broker, oldest at the head of the queue.
func (p *Provider) returnDeliveries(c *consumer) {
	p.broker.requeueAll(takeUnacked(c), true)
}

func takeUnacked(c *consumer) []*delivery {
	seqs := sortedSeqs(c)
	ds := make([]*delivery, 0, len(seqs))
	for _, seq := range seqs {
		ds = append(ds, c.unacked[seq])
	}
	clear(c.unacked)
	return ds
}

// returnUnacked gives back everything the connection still holds, in
// delivery order per consumer and per transaction.
func (p *Provider) returnUnacked() {
	var ds []*delivery
	for _, c := range p.consumers {
		ds = append(ds, takeUnacked(c)...)
	}
	for _, s := range p.sessions {
		ds = append(ds, s.acks...)
		s.acks = nil
	}
	p.broker.requeueAll(ds, true)
}

// deliver runs on the loop for each message the broker dispatches to id.
func (p *Provider) deliver(id kyu.ConsumerId, key string, m *openwire.Message) {
	c, ok := p.consumers[id]
	if !ok || p.closed || p.failure != nil {
		p.broker.requeue(key, m, false)
		return
	}
	c.seq++
	c.unacked[c.seq] = &delivery{key: key, msg: m}

	f := m.Copy().(*openwire.Message)
	f.SetBrokerOutTime(time.Now())
	p.ProviderListener().OnInboundMessage(&kyu.InboundDispatch{
		Message:     p.factory.Wrap(f),
		ConsumerId:  id,
		Sequence:    c.seq,
		Redelivered: f.Redelivered(),
	})
}

// transportFailed simulates the loss of the connection.
func (p *Provider) transportFailed(err error) {
	_ = p.loop.Inject(func() {
		if p.closed || p.failure != nil || !p.connected {
			return
		}
		p.failure = err
		p.broker.detach(p)
		p.returnUnacked()
		p.failHeld(err)
		p.log.Debug().Err(err).Msg("transport failed")
		p.ProviderListener().OnConnectionFailure(err)
	})
}

func (p *Provider) releaseHeld() {
	held := p.held
	p.held = nil
	for _, r := range held {
		r.OnSuccess()
	}
}

func (p *Provider) failHeld(err error) {
	held := p.held
	p.held = nil
	for _, r := range held {
		r.OnFailure(err)
	}
}

// request runs f on the loop and completes result with its outcome.
func (p *Provider) request(result kyu.AsyncResult, f func() error) error {
	if result == nil {
		return errors.New("mock: nil result")
	}
	return p.inject(func() {
		switch {
		case p.failure != nil:
			result.OnFailure(p.failure)
			return
		case p.closed:
			result.OnFailure(kyu.ErrClosed)
			return
		case !p.connected:
			result.OnFailure(kyu.NewIOError("request", p.uri.String(), errors.New("mock: not connected")))
			return
		}
		if err := f(); err != nil {
			result.OnFailure(err)
			return
		}
		if p.broker.holding() {
			p.held = append(p.held, result)
			return
		}
		result.OnSuccess()
	})
}

func (p *Provider) inject(f func()) error {
	if err := p.loop.Inject(f); err != nil {
		return kyu.ErrClosed
	}
	return nil
}

func (p *Provider) injectWait(f func() error) error {
	err := p.loop.InjectWait(f)
	if errors.Is(err, eventloop.ErrClosed) {
		return kyu.ErrClosed
	}
	return err
}
