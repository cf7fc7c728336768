// Package failover provides a provider that wraps the provider of one of
// several candidate URIs and transparently moves to another when the
// connection is lost.
//
// # URI Format
//
//	failover:(amqp://a:5672,amqp://b:5672)?failover.maxReconnectAttempts=10
//	failover://(stomp://a,stomp://b)?nested.stomp.receipts=false
//
// Options are listed as the Option* constants. Options prefixed nested. or
// failover.nested. are added to every candidate URI.
//
// # Recovery
//
// When the connection drops the provider reports OnConnectionInterrupted and
// connects to the next candidate. Once connected it calls
// OnConnectionRecovery and OnConnectionRecovered on its listener with the new
// provider, which must recreate every resource there. Only when both
// succeed does it report OnConnectionRestored and replay the requests made
// meanwhile, in the order they were made. A failed recovery discards the new
// provider and tries the next candidate.
package failover

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/eventloop"
	"github.com/venderneutral/kyu/internal/metrics"
	"github.com/venderneutral/kyu/message"
)

func init() {
	kyu.RegisterProvider("failover", kyu.ProviderFactoryFunc(func(u *url.URL) (kyu.Provider, error) {
		return NewProvider(u)
	}))
}

type state int

const (
	stateNew state = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMetrics registers the provider's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Provider) { p.metrics = metrics.New(reg) }
}

// WithProviderFactory sets how delegate providers are created. The default
// looks the candidate's scheme up in the kyu registry.
func WithProviderFactory(f kyu.ProviderFactory) Option {
	return func(p *Provider) { p.create = f.CreateProvider }
}

// Provider is the failover provider.
type Provider struct {
	uri     *url.URL
	opts    options
	pool    *pool
	loop    *eventloop.Loop
	log     zerolog.Logger
	metrics *metrics.Metrics
	create  func(*url.URL) (kyu.Provider, error)
	factory *delegatingFactory

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lst    kyu.ProviderListener
	remote atomic.Pointer[url.URL]

	// Owned by the loop.
	state       state
	delegate    kyu.Provider
	current     *delegateListener
	connected   bool
	connectDone chan error
	failure     error
	lastErr     error
	attempts    int
	backoff     backoff.BackOff
	timer       *time.Timer
	nextId      uint64
	inflight    map[uint64]*request
	queue       []*request
}

var _ kyu.Provider = (*Provider)(nil)

// NewProvider returns an unconnected provider for the composite URI u.
func NewProvider(u *url.URL, opts ...Option) (*Provider, error) {
	candidates, o, err := parseURI(u)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		uri:      u,
		opts:     o,
		pool:     newPool(candidates, o.randomize),
		log:      log.With().Str("pkg", "failover").Str("uri", u.Redacted()).Logger(),
		metrics:  metrics.Nop(),
		create:   kyu.CreateProviderFromURL,
		backoff:  o.newBackOff(),
		inflight: make(map[uint64]*request),
	}
	p.factory = &delegatingFactory{uri: u.Redacted()}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.loop = eventloop.New("failover")
	return p, nil
}

func (p *Provider) SetProviderListener(l kyu.ProviderListener) {
	p.mu.Lock()
	p.lst = l
	p.mu.Unlock()
}

func (p *Provider) ProviderListener() kyu.ProviderListener { return p.listener() }

func (p *Provider) listener() kyu.ProviderListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lst
}

// RemoteURI returns the URI of the connected candidate, or the composite URI
// while there is none.
func (p *Provider) RemoteURI() *url.URL {
	if u := p.remote.Load(); u != nil {
		return u
	}
	return p.uri
}

func (p *Provider) MessageFactory() message.Factory { return p.factory }

// Connect connects to the first reachable candidate, retrying as allowed by
// failover.startupMaxReconnectAttempts.
func (p *Provider) Connect(ctx context.Context) error {
	if p.listener() == nil {
		return kyu.ErrNoListener
	}
	done := make(chan error, 1)
	err := p.loop.InjectWait(func() error {
		switch p.state {
		case stateNew:
		case stateClosed:
			return kyu.ErrClosed
		default:
			return errors.New("failover: already connected")
		}
		p.state = stateConnecting
		p.connectDone = done
		p.tryNext()
		return nil
	})
	if err != nil {
		if errors.Is(err, eventloop.ErrClosed) {
			return kyu.ErrClosed
		}
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cause := kyu.NewIOError("connect", p.uri.Redacted(), ctx.Err())
		_ = p.loop.Inject(func() {
			if p.state == stateConnecting {
				p.fail(cause)
			}
		})
		// Whoever completes first of connect, fail and Close answers.
		return <-done
	}
}

// tryNext schedules the next connection attempt, or fails the provider when
// attempts are exhausted.
func (p *Provider) tryNext() {
	startup := !p.connected
	limit := p.opts.attemptLimit(startup)
	if startup && limit >= 0 {
		// The first connection attempt is not a reconnect.
		limit++
	}
	if limit >= 0 && p.attempts >= limit {
		err := fmt.Errorf("%w: gave up after %d attempts", kyu.ErrConnectionFailed, p.attempts)
		if p.lastErr != nil {
			err = fmt.Errorf("%w: %w", err, p.lastErr)
		}
		p.fail(kyu.NewIOError("failover", p.uri.Redacted(), err))
		return
	}

	var delay time.Duration
	switch {
	case p.attempts > 0:
		delay = p.backoff.NextBackOff()
	case !startup:
		delay = p.opts.initialReconnectDelay
	}
	p.timer = p.loop.Schedule(delay, p.attempt)
}

func (p *Provider) attempt() {
	if p.state != stateConnecting && p.state != stateReconnecting {
		return
	}
	p.timer = nil
	p.attempts++
	p.metrics.ReconnectAttempts.Inc()
	u := p.pool.get()
	ev := p.log.Debug()
	if p.opts.warnAfter > 0 && p.attempts%p.opts.warnAfter == 0 {
		ev = p.log.Warn()
	}
	ev.Int("attempt", p.attempts).Str("candidate", u.Redacted()).Stringer("state", p.state).Msg("connecting")

	l := &delegateListener{p: p, recovering: p.connected}
	go p.open(u, l)
}

// open connects a delegate for u and, when recovering, drives the listener
// through recovery of every resource. It runs on its own goroutine since
// every step blocks.
func (p *Provider) open(u *url.URL, l *delegateListener) {
	d, err := p.create(u)
	if err == nil {
		l.delegate = d
		d.SetProviderListener(l)
		err = d.Connect(p.ctx)
		if err == nil && l.recovering {
			err = p.recover(d)
		}
	}
	if ierr := p.loop.Inject(func() { p.opened(u, l, err) }); ierr != nil && d != nil {
		l.stale.Store(true)
		_ = d.Close()
	}
}

// recover is the recovery handshake run against a connected delegate.
func (p *Provider) recover(d kyu.Provider) error {
	lst := p.listener()
	if err := lst.OnConnectionRecovery(d); err != nil {
		return fmt.Errorf("failover: recovery: %w", err)
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if err := lst.OnConnectionRecovered(d); err != nil {
		return fmt.Errorf("failover: recovered: %w", err)
	}
	return nil
}

func (p *Provider) opened(u *url.URL, l *delegateListener, err error) {
	if err == nil && p.state != stateConnecting && p.state != stateReconnecting {
		err = kyu.ErrClosed
	}
	if err != nil {
		l.stale.Store(true)
		if l.delegate != nil {
			go l.delegate.Close()
		}
		if p.state != stateConnecting && p.state != stateReconnecting {
			return
		}
		p.lastErr = err
		p.log.Debug().Err(err).Str("candidate", u.Redacted()).Msg("connection attempt failed")
		p.tryNext()
		return
	}

	reconnected := p.connected
	p.state = stateConnected
	p.connected = true
	p.delegate = l.delegate
	p.current = l
	p.attempts = 0
	p.lastErr = nil
	p.backoff.Reset()
	p.remote.Store(u)
	p.factory.set(l.delegate.MessageFactory())
	p.log.Info().Str("candidate", u.Redacted()).Bool("reconnected", reconnected).Msg("connected")

	if reconnected {
		p.metrics.Recoveries.Inc()
		p.listener().OnConnectionRestored(u)
	} else if p.connectDone != nil {
		p.connectDone <- nil
		p.connectDone = nil
	}

	queued := p.queue
	p.queue = nil
	for _, r := range queued {
		p.dispatch(r)
	}
}

// interrupted handles the loss of the current delegate.
func (p *Provider) interrupted(l *delegateListener, cause error) {
	if p.state != stateConnected || l != p.current {
		return
	}
	p.log.Warn().Err(cause).Msg("connection interrupted")
	p.state = stateReconnecting
	l.stale.Store(true)
	d := p.delegate
	p.delegate, p.current = nil, nil
	p.remote.Store(nil)
	go d.Close()

	for _, r := range p.takeInflight() {
		if !r.whenOffline(true) {
			p.enqueue(r)
		}
	}
	p.lastErr = cause
	p.attempts = 0
	p.backoff.Reset()
	p.listener().OnConnectionInterrupted(d.RemoteURI())
	p.tryNext()
}

// takeInflight removes every in-flight request, in submission order.
func (p *Provider) takeInflight() []*request {
	rs := make([]*request, 0, len(p.inflight))
	for _, r := range p.inflight {
		r.attempt = nil
		rs = append(rs, r)
	}
	clear(p.inflight)
	slices.SortFunc(rs, func(a, b *request) int { return cmp.Compare(a.id, b.id) })
	return rs
}

// enqueue adds r to the replay queue, keeping submission order.
func (p *Provider) enqueue(r *request) {
	i, _ := slices.BinarySearchFunc(p.queue, r.id, func(q *request, id uint64) int { return cmp.Compare(q.id, id) })
	p.queue = slices.Insert(p.queue, i, r)
}

// fail makes the provider terminally unusable.
func (p *Provider) fail(err error) {
	if p.state == stateFailed || p.state == stateClosed {
		return
	}
	p.log.Error().Err(err).Msg("failover exhausted")
	p.state = stateFailed
	p.failure = err
	p.cancel()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.failAll(err)
	if p.connectDone != nil {
		p.connectDone <- err
		p.connectDone = nil
		return
	}
	p.listener().OnConnectionFailure(err)
}

func (p *Provider) failAll(err error) {
	for _, r := range p.takeInflight() {
		r.result.OnFailure(err)
	}
	queued := p.queue
	p.queue = nil
	for _, r := range queued {
		r.result.OnFailure(err)
	}
}

func (p *Provider) Close() error {
	var (
		d       kyu.Provider
		timeout = p.opts.closeTimeout
	)
	_ = p.loop.InjectWait(func() error {
		if p.state == stateClosed {
			return nil
		}
		p.state = stateClosed
		p.cancel()
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		if p.current != nil {
			p.current.stale.Store(true)
		}
		d = p.delegate
		p.delegate, p.current = nil, nil
		p.failAll(kyu.ErrClosed)
		if p.connectDone != nil {
			p.connectDone <- kyu.ErrClosed
			p.connectDone = nil
		}
		return nil
	})
	p.loop.Close()
	<-p.loop.Done()
	if d == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return kyu.ErrTimeout
	}
}

// submit runs a request now when connected, else resolves or queues it.
func (p *Provider) submit(name string, policy offline, result kyu.AsyncResult, run func(kyu.Provider, kyu.AsyncResult) error) error {
	if result == nil {
		return errors.New("failover: nil result")
	}
	err := p.loop.Inject(func() {
		p.nextId++
		r := &request{id: p.nextId, name: name, offline: policy, run: run, result: result}
		switch p.state {
		case stateClosed:
			result.OnFailure(kyu.ErrClosed)
		case stateFailed:
			result.OnFailure(p.failure)
		case stateConnected:
			p.dispatch(r)
		default:
			if !r.whenOffline(false) {
				p.queue = append(p.queue, r)
			}
		}
	})
	if err != nil {
		return kyu.ErrClosed
	}
	return nil
}

func (p *Provider) dispatch(r *request) {
	a := &attempt{p: p, r: r}
	r.attempt = a
	p.inflight[r.id] = r
	if err := r.run(p.delegate, a); err != nil {
		delete(p.inflight, r.id)
		r.attempt = nil
		r.result.OnFailure(err)
	}
}

// attemptDone completes a request with the delegate's outcome. A transport
// fault is treated as the loss of the connection.
func (p *Provider) attemptDone(a *attempt, err error) {
	r := a.r
	if r.attempt != a {
		return
	}
	if err != nil && kyu.IsTransportFault(err) && p.state == stateConnected {
		p.interrupted(p.current, err)
		return
	}
	delete(p.inflight, r.id)
	r.attempt = nil
	if err != nil {
		r.result.OnFailure(err)
		return
	}
	r.result.OnSuccess()
}

func (p *Provider) Create(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.submit("create", replayOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Create(resource, r)
	})
}

func (p *Provider) Start(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.submit("start", replayOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Start(resource, r)
	})
}

func (p *Provider) Stop(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.submit("stop", replayOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Stop(resource, r)
	})
}

// Destroy of the connection succeeds while offline; every other destroy is
// replayed.
func (p *Provider) Destroy(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	policy := replayOffline
	if _, ok := resource.(*kyu.ConnectionInfo); ok {
		policy = succeedOffline
	}
	return p.submit("destroy", policy, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Destroy(resource, r)
	})
}

func (p *Provider) Send(envelope *kyu.OutboundDispatch, result kyu.AsyncResult) error {
	if envelope == nil || envelope.Message == nil {
		return errors.New("failover: nil envelope")
	}
	return p.submit("send", replayOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Send(envelope, r)
	})
}

func (p *Provider) Acknowledge(envelope *kyu.InboundDispatch, ack kyu.AckType, result kyu.AsyncResult) error {
	if envelope == nil {
		return errors.New("failover: nil envelope")
	}
	return p.submit("acknowledge", succeedOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Acknowledge(envelope, ack, r)
	})
}

func (p *Provider) AcknowledgeSession(id kyu.SessionId, ack kyu.AckType, result kyu.AsyncResult) error {
	return p.submit("acknowledge session", succeedOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.AcknowledgeSession(id, ack, r)
	})
}

// Commit fails while offline: a commit queued before its transaction reached
// the broker rolls back, one in flight when the connection dropped is in
// doubt.
func (p *Provider) Commit(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.submit("commit", failOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Commit(tx, next, r)
	})
}

// Rollback succeeds while offline since the broker discards the transaction
// with the connection.
func (p *Provider) Rollback(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.submit("rollback", succeedOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Rollback(tx, next, r)
	})
}

func (p *Provider) Recover(id kyu.SessionId, result kyu.AsyncResult) error {
	return p.submit("recover", succeedOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Recover(id, r)
	})
}

func (p *Provider) Unsubscribe(name string, result kyu.AsyncResult) error {
	return p.submit("unsubscribe", replayOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Unsubscribe(name, r)
	})
}

// Pull succeeds while offline; the listener pulls again once recovered.
func (p *Provider) Pull(id kyu.ConsumerId, timeout time.Duration, result kyu.AsyncResult) error {
	return p.submit("pull", succeedOffline, result, func(d kyu.Provider, r kyu.AsyncResult) error {
		return d.Pull(id, timeout, r)
	})
}

// delegateListener receives the events of one delegate. Once the delegate is
// discarded its events are dropped.
type delegateListener struct {
	p          *Provider
	delegate   kyu.Provider
	recovering bool
	stale      atomic.Bool
}

func (l *delegateListener) OnInboundMessage(envelope *kyu.InboundDispatch) {
	if !l.stale.Load() {
		l.p.listener().OnInboundMessage(envelope)
	}
}

func (l *delegateListener) OnConnectionEstablished(remote *url.URL) {
	if !l.recovering && !l.stale.Load() {
		l.p.listener().OnConnectionEstablished(remote)
	}
}

func (l *delegateListener) OnConnectionFailure(err error) {
	_ = l.p.loop.Inject(func() { l.p.interrupted(l, err) })
}

func (l *delegateListener) OnResourceClosed(resource kyu.ResourceInfo, cause error) {
	if !l.stale.Load() {
		l.p.listener().OnResourceClosed(resource, cause)
	}
}

func (l *delegateListener) OnProviderException(err error) {
	if !l.stale.Load() {
		l.p.listener().OnProviderException(err)
	}
}

// A delegate never fails over itself.
func (l *delegateListener) OnConnectionInterrupted(*url.URL)         {}
func (l *delegateListener) OnConnectionRecovery(kyu.Provider) error  { return nil }
func (l *delegateListener) OnConnectionRecovered(kyu.Provider) error { return nil }
func (l *delegateListener) OnConnectionRestored(*url.URL)            {}

// delegatingFactory creates messages with the factory of the connected
// delegate, or of the last one while reconnecting.
type delegatingFactory struct {
	uri     string
	current atomic.Pointer[factoryRef]
}

type factoryRef struct {
	message.Factory
}

func (f *delegatingFactory) set(mf message.Factory) { f.current.Store(&factoryRef{mf}) }

func (f *delegatingFactory) CreateMessage(kind message.BodyKind) (*message.Message, error) {
	ref := f.current.Load()
	if ref == nil {
		return nil, kyu.NewIOError("create message", f.uri, errors.New("failover: not connected"))
	}
	return ref.CreateMessage(kind)
}
