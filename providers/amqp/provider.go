// Package amqp provides the AMQP 1.0 provider, built on github.com/Azure/go-amqp.
//
// # URI Format
//
//	amqp://host[:port][?option=value&...]
//	amqps://host[:port][?option=value&...]
//
// Options are listed as the Option* constants. Credentials come from the
// ConnectionInfo, not the URI.
//
// # Message Mapping
//
// Messages use the JMS-over-AMQP mapping: the body kind travels in the
// x-opt-jms-msg-type annotation, destinations in the to and reply-to fields
// with the x-opt-jms-dest and x-opt-jms-reply-to annotations. The extra
// JMS_AMQP_* properties expose header and properties section fields that have
// no JMS header.
//
// # Usage
//
// Import this package to register the "amqp" and "amqps" schemes:
//
//	import _ "github.com/venderneutral/kyu/providers/amqp"
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/eventloop"
	"github.com/venderneutral/kyu/internal/metrics"
	"github.com/venderneutral/kyu/internal/transport"
	"github.com/venderneutral/kyu/message"
)

func init() {
	factory := kyu.ProviderFactoryFunc(func(u *url.URL) (kyu.Provider, error) {
		return NewProvider(u)
	})
	kyu.RegisterProvider("amqp", factory)
	kyu.RegisterProvider("amqps", factory)
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

// WithObjectCodec sets the serializer for object message bodies that are not
// sent as AMQP typed values.
func WithObjectCodec(c ObjectCodec) Option {
	return func(p *Provider) { p.codec = c }
}

// Defaults holds connection settings used where a ConnectionInfo leaves
// them empty. Vendor presets set them from the URI.
type Defaults struct {
	Username    string
	Password    string
	QueuePrefix string
	TopicPrefix string
}

// WithDefaults sets the values used for fields a ConnectionInfo leaves empty.
func WithDefaults(d Defaults) Option {
	return func(p *Provider) { p.defaults = d }
}

// Provider is the AMQP 1.0 provider. All protocol state is owned by its event
// loop; blocking go-amqp calls run on their own goroutines and inject their
// outcome back into the loop.
type Provider struct {
	uri      *url.URL
	opts     options
	loop     *eventloop.Loop
	factory  *MessageFactory
	codec    ObjectCodec
	log      zerolog.Logger
	metrics  *metrics.Metrics
	defaults Defaults

	ctx    context.Context
	cancel context.CancelFunc

	dial func(ctx context.Context) (net.Conn, error)
	open func(ctx context.Context, nc net.Conn, opts *goamqp.ConnOptions) (connection, error)

	mu  sync.Mutex
	lst kyu.ProviderListener

	// Owned by the loop.
	netConn   net.Conn
	conn      connection
	opening   bool
	info      *kyu.ConnectionInfo
	addr      addressing
	closed    bool
	failure   error
	sessions  map[kyu.SessionId]*sessionState
	producers map[kyu.ProducerId]*producer
	consumers map[kyu.ConsumerId]*consumer
}

var _ kyu.Provider = (*Provider)(nil)

// NewProvider returns an unconnected provider for u. It fails for unknown or
// malformed URI options.
func NewProvider(u *url.URL, opts ...Option) (*Provider, error) {
	o, err := parseOptions(u)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		uri:       u,
		opts:      o,
		codec:     GobCodec{},
		log:       log.With().Str("pkg", "amqp").Str("uri", u.Redacted()).Logger(),
		metrics:   metrics.Nop(),
		open:      openConnection,
		sessions:  make(map[kyu.SessionId]*sessionState),
		producers: make(map[kyu.ProducerId]*producer),
		consumers: make(map[kyu.ConsumerId]*consumer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.factory = NewMessageFactory(p.codec, o.typedObjects)
	p.dial = func(ctx context.Context) (net.Conn, error) { return dialTransport(ctx, u, o) }
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.loop = eventloop.New("amqp:" + u.Host)
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

func (p *Provider) RemoteURI() *url.URL             { return p.uri }
func (p *Provider) MessageFactory() message.Factory { return p.factory }

// Connect opens the transport. The AMQP open handshake is performed by
// Create with the ConnectionInfo.
func (p *Provider) Connect(ctx context.Context) error {
	if p.listener() == nil {
		return kyu.ErrNoListener
	}
	nc, err := p.dial(ctx)
	if err != nil {
		return kyu.NewIOError("connect", p.uri.Redacted(), err)
	}
	wc := transport.Watch(nc, func(err error) {
		_ = p.loop.Inject(func() { p.transportFailed(err) })
	})
	err = p.loop.InjectWait(func() error {
		switch {
		case p.closed || p.failure != nil:
			return kyu.ErrClosed
		case p.netConn != nil:
			return errors.New("amqp: already connected")
		}
		p.netConn = wc
		return nil
	})
	if err != nil {
		nc.Close()
		if errors.Is(err, eventloop.ErrClosed) {
			return kyu.ErrClosed
		}
		return err
	}
	p.log.Debug().Msg("transport connected")
	return nil
}

// transportFailed runs on the loop when the transport reports an error.
func (p *Provider) transportFailed(err error) {
	if p.conn == nil && !p.opening {
		return
	}
	p.fail(kyu.NewIOError("transport", p.uri.Redacted(), err))
}

func (p *Provider) Close() error {
	var (
		conn    connection
		nc      net.Conn
		timeout time.Duration
	)
	err := p.loop.InjectWait(func() error {
		if p.closed {
			return nil
		}
		p.closed = true
		timeout = p.closeTimeout()
		p.abortAll(kyu.ErrClosed)
		conn, nc = p.conn, p.netConn
		p.conn, p.netConn = nil, nil
		return nil
	})
	p.cancel()
	p.loop.Close()
	<-p.loop.Done()

	if conn != nil {
		err = closeWithTimeout(conn, timeout)
	} else if nc != nil {
		nc.Close()
	}
	if errors.Is(err, eventloop.ErrClosed) || isClosedError(err) {
		return nil
	}
	return err
}

func closeWithTimeout(conn connection, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return kyu.ErrTimeout
	}
}

// fail makes the provider permanently unusable and reports err.
func (p *Provider) fail(err error) {
	if p.closed || p.failure != nil {
		return
	}
	p.failure = err
	p.log.Warn().Err(err).Msg("provider failed")
	p.abortAll(err)
	p.cancel()
	conn, nc := p.conn, p.netConn
	p.conn, p.netConn = nil, nil
	go func() {
		if conn != nil {
			_ = conn.Close()
		} else if nc != nil {
			_ = nc.Close()
		}
	}()
	p.listener().OnConnectionFailure(err)
}

func (p *Provider) abortAll(err error) {
	for id, pr := range p.producers {
		delete(p.producers, id)
		pr.abort(err)
	}
	for id, c := range p.consumers {
		delete(p.consumers, id)
		c.abort()
	}
	clear(p.sessions)
}

func (p *Provider) removeProducer(id kyu.ProducerId) { delete(p.producers, id) }
func (p *Provider) removeConsumer(id kyu.ConsumerId) { delete(p.consumers, id) }

func (p *Provider) closeTimeout() time.Duration {
	if p.info != nil && p.info.CloseTimeout > 0 {
		return p.info.CloseTimeout
	}
	return kyu.DefaultCloseTimeout
}

func (p *Provider) requestTimeout() time.Duration {
	if p.info != nil {
		return p.info.RequestTimeout
	}
	return 0
}

// requestContext bounds a blocking call by timeout, when positive, and by
// the provider's lifetime.
func (p *Provider) requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(p.ctx, timeout)
	}
	return context.WithCancel(p.ctx)
}

// usable returns the error a request fails with, or nil.
func (p *Provider) usable() error {
	switch {
	case p.failure != nil:
		return p.failure
	case p.closed:
		return kyu.ErrClosed
	case p.netConn == nil:
		return kyu.NewIOError("request", p.uri.Redacted(), errors.New("amqp: not connected"))
	}
	return nil
}

// request runs f on the loop once the provider is known to be usable.
func (p *Provider) request(result kyu.AsyncResult, f func() error) error {
	if result == nil {
		return errors.New("amqp: nil result")
	}
	err := p.loop.Inject(func() {
		if err := p.usable(); err != nil {
			result.OnFailure(err)
			return
		}
		if err := f(); err != nil {
			result.OnFailure(err)
		}
	})
	if err != nil {
		return kyu.ErrClosed
	}
	return nil
}

// finish injects f into the loop, failing results with ErrClosed when the
// loop has stopped.
func (p *Provider) finish(f func(), results ...kyu.AsyncResult) {
	if err := p.loop.Inject(f); err != nil {
		for _, r := range results {
			r.OnFailure(kyu.ErrClosed)
		}
	}
}

// linkError converts an error from a blocking go-amqp call. Transport errors
// fail the provider.
func (p *Provider) linkError(op string, err error) error {
	if isTransportError(err) {
		ioErr := kyu.NewIOError(op, p.uri.Redacted(), err)
		p.fail(ioErr)
		return ioErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kyu.WrapError(kyu.ErrTimeout, err)
	}
	return remoteError(err)
}

func (p *Provider) connected() (connection, error) {
	if p.conn == nil {
		return nil, kyu.NewIOError("request", p.uri.Redacted(), errors.New("amqp: connection not open"))
	}
	return p.conn, nil
}

func (p *Provider) Create(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		switch info := resource.(type) {
		case *kyu.ConnectionInfo:
			return p.createConnection(info.Copy(), result)
		case *kyu.SessionInfo:
			return p.createSession(info.Copy(), result)
		case *kyu.ProducerInfo:
			return p.createProducer(info.Copy(), result)
		case *kyu.ConsumerInfo:
			return p.createConsumer(info.Copy(), result)
		case *kyu.TransactionInfo:
			s, ok := p.sessions[info.SessionId]
			if !ok {
				return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId)
			}
			if !s.transacted() {
				return fmt.Errorf("%w: session %s is not transacted", kyu.ErrUnsupportedOperation, info.SessionId)
			}
			s.tx = info.Copy()
			result.OnSuccess()
			return nil
		default:
			return fmt.Errorf("%w: create %T", kyu.ErrUnsupportedOperation, resource)
		}
	})
}

func (p *Provider) connOptions(info *kyu.ConnectionInfo) *goamqp.ConnOptions {
	opts := &goamqp.ConnOptions{
		ContainerID:  info.ClientID,
		HostName:     p.opts.vhost,
		IdleTimeout:  p.opts.idleTimeout,
		MaxFrameSize: p.opts.maxFrameSize,
	}
	if opts.ContainerID == "" {
		opts.ContainerID = info.Id.String()
	}
	if opts.HostName == "" {
		opts.HostName = p.uri.Hostname()
	}
	switch p.opts.mechanism(info.Username) {
	case SASLPlain:
		opts.SASLType = goamqp.SASLTypePlain(info.Username, info.Password)
	case SASLAnonymous:
		opts.SASLType = goamqp.SASLTypeAnonymous()
	}
	return opts
}

func (p *Provider) fillDefaults(info *kyu.ConnectionInfo) *kyu.ConnectionInfo {
	d := p.defaults
	if d == (Defaults{}) {
		return info
	}
	info = info.Copy()
	if info.Username == "" {
		info.Username, info.Password = d.Username, d.Password
	}
	if info.QueuePrefix == "" && info.TopicPrefix == "" {
		info.QueuePrefix, info.TopicPrefix = d.QueuePrefix, d.TopicPrefix
	}
	return info
}

func (p *Provider) createConnection(info *kyu.ConnectionInfo, result kyu.AsyncResult) error {
	if p.conn != nil || p.opening {
		return errors.New("amqp: connection already created")
	}
	p.opening = true
	nc := p.netConn
	info = p.fillDefaults(info)
	opts := p.connOptions(info)
	go func() {
		ctx, cancel := p.requestContext(info.ConnectTimeout)
		defer cancel()
		conn, err := p.open(ctx, nc, opts)
		p.finish(func() {
			p.opening = false
			if err != nil {
				err = p.openError(err)
				p.log.Debug().Err(err).Msg("open failed")
				p.failure = err
				if p.netConn != nil {
					go p.netConn.Close()
				}
				result.OnFailure(err)
				return
			}
			if uerr := p.usable(); uerr != nil {
				go conn.Close()
				result.OnFailure(uerr)
				return
			}
			p.conn = conn
			p.info = info
			p.addr = addressing{queuePrefix: info.QueuePrefix, topicPrefix: info.TopicPrefix}
			p.factory.setAddressing(p.addr)
			p.log.Debug().Str("container", opts.ContainerID).Msg("connection open")
			result.OnSuccess()
			p.listener().OnConnectionEstablished(p.uri)
		}, result)
	}()
	return nil
}

// openError classifies a failed open handshake. Remote refusals such as bad
// credentials are protocol errors; everything else is a transport fault.
func (p *Provider) openError(err error) error {
	var remote *goamqp.Error
	var connErr *goamqp.ConnError
	switch {
	case errors.As(err, &connErr) && connErr.RemoteErr != nil, errors.As(err, &remote):
		return remoteError(err)
	case strings.Contains(err.Error(), "SASL"):
		return &kyu.ProtocolError{Condition: string(goamqp.ErrCondUnauthorizedAccess), Description: err.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return kyu.NewIOError("open", p.uri.Redacted(), kyu.WrapError(kyu.ErrTimeout, err))
	default:
		return kyu.NewIOError("open", p.uri.Redacted(), err)
	}
}

func (p *Provider) createSession(info *kyu.SessionInfo, result kyu.AsyncResult) error {
	conn, err := p.connected()
	if err != nil {
		return err
	}
	if _, ok := p.sessions[info.Id]; ok {
		return fmt.Errorf("amqp: session %s already exists", info.Id)
	}
	timeout := p.requestTimeout()
	go func() {
		ctx, cancel := p.requestContext(timeout)
		defer cancel()
		s, err := conn.NewSession(ctx)
		p.finish(func() {
			if err != nil {
				result.OnFailure(p.linkError("create session", err))
				return
			}
			if uerr := p.usable(); uerr != nil {
				go s.Close(context.Background())
				result.OnFailure(uerr)
				return
			}
			p.sessions[info.Id] = &sessionState{info: info, session: s}
			result.OnSuccess()
		}, result)
	}()
	return nil
}

func (p *Provider) createProducer(info *kyu.ProducerInfo, result kyu.AsyncResult) error {
	s, ok := p.sessions[info.Id.Session]
	if !ok {
		return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.Id.Session)
	}
	target := p.addr.address(info.Destination)
	opts := &goamqp.SenderOptions{}
	if info.Presettle || p.opts.presettleProducers {
		mode := goamqp.SenderSettleModeSettled
		opts.SettlementMode = &mode
	}
	window := p.opts.sendWindow
	timeout := p.requestTimeout()
	go func() {
		ctx, cancel := p.requestContext(timeout)
		defer cancel()
		link, err := s.session.NewSender(ctx, target, opts, window)
		p.finish(func() {
			if err != nil {
				result.OnFailure(p.linkError("create producer", err))
				return
			}
			if uerr := p.usable(); uerr != nil {
				go link.Close(context.Background())
				result.OnFailure(uerr)
				return
			}
			p.producers[info.Id] = newProducer(p, info, link)
			result.OnSuccess()
		}, result)
	}()
	return nil
}

func (p *Provider) createConsumer(info *kyu.ConsumerInfo, result kyu.AsyncResult) error {
	s, ok := p.sessions[info.SessionId()]
	switch {
	case !ok:
		return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId())
	case info.Browser:
		return fmt.Errorf("%w: queue browsers", kyu.ErrUnsupportedOperation)
	case info.Destination == nil:
		return errors.New("amqp: consumer has no destination")
	case info.Durable && info.SubscriptionName == "":
		return kyu.ErrInvalidConfig("durable consumer requires a subscription name")
	}
	source := p.addr.address(info.Destination)
	opts := receiverOptions(info, info.Presettle || p.opts.presettleConsumers)
	timeout := p.requestTimeout()
	go func() {
		ctx, cancel := p.requestContext(timeout)
		defer cancel()
		link, err := s.session.NewReceiver(ctx, source, opts)
		p.finish(func() {
			if err != nil {
				result.OnFailure(p.linkError("create consumer", err))
				return
			}
			if uerr := p.usable(); uerr != nil {
				go link.Close(context.Background())
				result.OnFailure(uerr)
				return
			}
			c := newConsumer(p, info, link)
			p.consumers[info.Id] = c
			c.run(p.ctx)
			result.OnSuccess()
		}, result)
	}()
	return nil
}

func (p *Provider) Start(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if info, ok := resource.(*kyu.ConsumerInfo); ok {
			c, ok := p.consumers[info.Id]
			if !ok {
				return fmt.Errorf("%w: consumer %s", kyu.ErrResourceNotFound, info.Id)
			}
			c.start()
		}
		result.OnSuccess()
		return nil
	})
}

func (p *Provider) Stop(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if info, ok := resource.(*kyu.ConsumerInfo); ok {
			if c, ok := p.consumers[info.Id]; ok {
				c.stop()
			}
		}
		result.OnSuccess()
		return nil
	})
}

func (p *Provider) Destroy(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		switch info := resource.(type) {
		case *kyu.ConsumerInfo:
			c, ok := p.consumers[info.Id]
			if !ok {
				result.OnSuccess()
				return nil
			}
			delete(p.consumers, info.Id)
			c.close(result)
		case *kyu.ProducerInfo:
			pr, ok := p.producers[info.Id]
			if !ok {
				result.OnSuccess()
				return nil
			}
			pr.close(result)
		case *kyu.SessionInfo:
			s, ok := p.sessions[info.Id]
			if !ok {
				result.OnSuccess()
				return nil
			}
			for id, pr := range p.producers {
				if id.Session == info.Id {
					delete(p.producers, id)
					pr.abort(kyu.ErrClosed)
				}
			}
			for id, c := range p.consumers {
				if id.Session == info.Id {
					delete(p.consumers, id)
					c.abort()
				}
			}
			delete(p.sessions, info.Id)
			s.close(p, result)
		case *kyu.TransactionInfo:
			s, ok := p.sessions[info.SessionId]
			if !ok || s.tx == nil || s.tx.Id != info.Id {
				result.OnSuccess()
				return nil
			}
			s.rollback(nil, result)
		case *kyu.ConnectionInfo:
			conn := p.conn
			p.abortAll(kyu.ErrClosed)
			p.conn = nil
			if conn == nil {
				result.OnSuccess()
				return nil
			}
			timeout := p.closeTimeout()
			go func() {
				err := closeWithTimeout(conn, timeout)
				p.finish(func() {
					if err != nil && !isClosedError(err) {
						result.OnFailure(err)
						return
					}
					result.OnSuccess()
				}, result)
			}()
		default:
			result.OnSuccess()
		}
		return nil
	})
}

func (p *Provider) Send(envelope *kyu.OutboundDispatch, result kyu.AsyncResult) error {
	if envelope == nil || envelope.Message == nil {
		return errors.New("amqp: nil envelope")
	}
	return p.request(result, func() error {
		pr, ok := p.producers[envelope.ProducerId]
		if !ok {
			return fmt.Errorf("%w: producer %s", kyu.ErrResourceNotFound, envelope.ProducerId)
		}
		msg, err := p.encode(pr, envelope)
		if err != nil {
			return err
		}
		s := p.sessions[envelope.ProducerId.Session]
		if s != nil && s.transacted() {
			if s.tx == nil {
				return fmt.Errorf("%w: no active transaction on session %s", kyu.ErrResourceNotFound, s.info.Id)
			}
			env := *envelope
			env.SendAsync = false
			s.txSends = append(s.txSends, txSend{producer: pr, env: &env, msg: msg})
			result.OnSuccess()
			return nil
		}
		pr.send(envelope, msg, result)
		return nil
	})
}

// encode returns the wire message for one send. It always works on a copy so
// the application may reuse its message.
func (p *Provider) encode(pr *producer, env *kyu.OutboundDispatch) (*goamqp.Message, error) {
	src, ok := env.Message.Facade().(*Facade)
	if !ok {
		var err error
		if src, err = fromForeign(env.Message.Facade(), p.factory); err != nil {
			return nil, err
		}
	}
	dest := env.Destination
	if dest == nil {
		dest = pr.info.Destination
	}
	if dest == nil {
		dest = src.Destination()
	}
	if dest == nil {
		return nil, fmt.Errorf("%w: no destination", kyu.ErrSendFailed)
	}
	replyTo := src.ReplyTo()

	f := src.Copy().(*Facade)
	f.addr = p.addr
	f.SetDestination(dest)
	f.SetReplyTo(replyTo)
	return f.msg, nil
}

func (p *Provider) Acknowledge(envelope *kyu.InboundDispatch, ack kyu.AckType, result kyu.AsyncResult) error {
	if envelope == nil {
		return errors.New("amqp: nil envelope")
	}
	return p.request(result, func() error {
		c, ok := p.consumers[envelope.ConsumerId]
		if !ok || ack == kyu.AckDelivered {
			result.OnSuccess()
			return nil
		}
		msg, ok := c.take(envelope.Sequence)
		if !ok {
			result.OnSuccess()
			return nil
		}
		if s := p.sessions[c.info.SessionId()]; s != nil && s.transacted() && ack == kyu.AckAccepted {
			s.txAcks = append(s.txAcks, txAck{consumer: c, msg: msg})
			result.OnSuccess()
			return nil
		}
		c.settle(msg, ack, result)
		return nil
	})
}

func (p *Provider) AcknowledgeSession(id kyu.SessionId, ack kyu.AckType, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if ack == kyu.AckDelivered {
			result.OnSuccess()
			return nil
		}
		s := p.sessions[id]
		var acks []txAck
		for _, c := range p.sessionConsumers(id) {
			for _, msg := range c.takeAll() {
				acks = append(acks, txAck{consumer: c, msg: msg})
			}
		}
		if s != nil && s.transacted() && ack == kyu.AckAccepted {
			s.txAcks = append(s.txAcks, acks...)
			result.OnSuccess()
			return nil
		}
		settleAcks(acks, ack, result)
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
	slices.SortFunc(cs, func(a, b *consumer) int { return a.info.Id.Compare(b.info.Id) })
	return cs
}

func (p *Provider) Commit(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transactedSession(tx)
		if err != nil {
			return err
		}
		s.commit(next, result)
		return nil
	})
}

func (p *Provider) Rollback(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transactedSession(tx)
		if err != nil {
			return err
		}
		s.rollback(next, result)
		return nil
	})
}

func (p *Provider) transactedSession(tx *kyu.TransactionInfo) (*sessionState, error) {
	if tx == nil {
		return nil, errors.New("amqp: nil transaction")
	}
	s, ok := p.sessions[tx.SessionId]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, tx.SessionId)
	}
	if err := s.checkTx(tx); err != nil {
		return nil, err
	}
	return s, nil
}

// Recover returns every unsettled delivery of the session to the broker as
// a failed delivery attempt.
func (p *Provider) Recover(id kyu.SessionId, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		var acks []txAck
		for _, c := range p.sessionConsumers(id) {
			for _, msg := range c.takeAll() {
				acks = append(acks, txAck{consumer: c, msg: msg})
			}
		}
		settleAcks(acks, kyu.AckModifiedFailed, result)
		return nil
	})
}

// Unsubscribe removes a durable subscription by attaching to it by name and
// closing the link.
func (p *Provider) Unsubscribe(name string, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		conn, err := p.connected()
		if err != nil {
			return err
		}
		for _, c := range p.consumers {
			if c.info.Durable && c.info.SubscriptionName == name {
				return fmt.Errorf("amqp: subscription %q has an active consumer", name)
			}
		}
		timeout := p.requestTimeout()
		go func() {
			ctx, cancel := p.requestContext(timeout)
			defer cancel()
			err := unsubscribe(ctx, conn, name)
			p.finish(func() {
				if err != nil {
					result.OnFailure(p.linkError("unsubscribe", err))
					return
				}
				result.OnSuccess()
			}, result)
		}()
		return nil
	})
}

func unsubscribe(ctx context.Context, conn connection, name string) error {
	s, err := conn.NewSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	link, err := s.NewReceiver(ctx, "", &goamqp.ReceiverOptions{
		Name:         name,
		Credit:       -1,
		Durability:   goamqp.DurabilityUnsettledState,
		ExpiryPolicy: goamqp.ExpiryPolicyNever,
	})
	if err != nil {
		return err
	}
	return link.Close(ctx)
}

func (p *Provider) Pull(id kyu.ConsumerId, timeout time.Duration, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		c, ok := p.consumers[id]
		if !ok {
			return fmt.Errorf("%w: consumer %s", kyu.ErrResourceNotFound, id)
		}
		c.pull(timeout, result)
		return nil
	})
}
