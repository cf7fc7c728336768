// Package stomp provides the STOMP provider, built on
// github.com/go-stomp/stomp/v3.
//
// # URI Format
//
//	stomp://host[:port][?option=value&...]
//	stomps://host[:port][?option=value&...]
//
// Options are listed as the Option* constants. Credentials come from the
// ConnectionInfo.
//
// # Limitations
//
// STOMP frames have an opaque body, so only text and bytes messages can be
// sent. There are no durable subscriptions, queue browsers or Unsubscribe.
// Pull succeeds without effect because brokers push messages to every
// subscription.
//
// # Usage
//
//	import _ "github.com/venderneutral/kyu/providers/stomp"
package stomp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
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
	for _, scheme := range []string{"stomp", "stomps", "stomp+ssl"} {
		kyu.RegisterProvider(scheme, factory)
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

// Provider is the STOMP provider. Its state is owned by an event loop; every
// frame is written by a second, I/O loop so that sends, acknowledgements and
// transaction frames reach the broker in request order.
type Provider struct {
	uri     *url.URL
	opts    options
	loop    *eventloop.Loop
	io      *eventloop.Loop
	factory *MessageFactory
	log     zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	dial func(ctx context.Context) (net.Conn, error)
	open func(nc net.Conn, params connectParams) (connection, error)

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
	sessions  map[kyu.SessionId]*session
	producers map[kyu.ProducerId]*kyu.ProducerInfo
	consumers map[kyu.ConsumerId]*consumer
}

// session is one STOMP session. The current broker transaction lives in ref,
// which only the I/O loop touches.
type session struct {
	info *kyu.SessionInfo
	tx   *kyu.TransactionInfo
	ref  *txRef
}

type txRef struct {
	tx transaction
}

var _ kyu.Provider = (*Provider)(nil)

// NewProvider returns an unconnected provider for u.
func NewProvider(u *url.URL, opts ...Option) (*Provider, error) {
	o, err := parseOptions(u)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		uri:       u,
		opts:      o,
		factory:   NewMessageFactory(),
		log:       log.With().Str("pkg", "stomp").Str("uri", u.Redacted()).Logger(),
		metrics:   metrics.Nop(),
		addr:      defaultAddressing,
		open:      openConnection,
		sessions:  make(map[kyu.SessionId]*session),
		producers: make(map[kyu.ProducerId]*kyu.ProducerInfo),
		consumers: make(map[kyu.ConsumerId]*consumer),
	}
	for _, opt := range opts {
		opt(p)
	}
	e := endpoint(u, o)
	p.dial = func(ctx context.Context) (net.Conn, error) { return transport.Dial(ctx, e) }
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.loop = eventloop.New("stomp:" + u.Host)
	p.io = eventloop.New("stomp-io:" + u.Host)
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

// Connect opens the transport. The STOMP CONNECT frame is sent by Create with
// the ConnectionInfo.
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
			return errors.New("stomp: already connected")
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
	return nil
}

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
		p.abortAll()
		conn, nc = p.conn, p.netConn
		p.conn, p.netConn = nil, nil
		return nil
	})
	p.cancel()
	p.loop.Close()
	<-p.loop.Done()

	if conn != nil {
		err = disconnect(conn, timeout)
	}
	if nc != nil {
		nc.Close()
	}
	p.io.Close()
	if errors.Is(err, eventloop.ErrClosed) || errors.Is(err, stomp.ErrAlreadyClosed) {
		return nil
	}
	return err
}

// disconnect sends DISCONNECT and waits for its receipt, at most timeout.
func disconnect(conn connection, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return kyu.ErrTimeout
	}
}

func (p *Provider) fail(err error) {
	if p.closed || p.failure != nil {
		return
	}
	p.failure = err
	p.log.Warn().Err(err).Msg("provider failed")
	p.abortAll()
	p.cancel()
	nc := p.netConn
	p.conn, p.netConn = nil, nil
	if nc != nil {
		go nc.Close()
	}
	p.listener().OnConnectionFailure(err)
}

func (p *Provider) abortAll() {
	for id, c := range p.consumers {
		delete(p.consumers, id)
		c.abort()
	}
	clear(p.producers)
	clear(p.sessions)
}

func (p *Provider) closeTimeout() time.Duration {
	if p.info != nil && p.info.CloseTimeout > 0 {
		return p.info.CloseTimeout
	}
	return kyu.DefaultCloseTimeout
}

func (p *Provider) usable() error {
	switch {
	case p.failure != nil:
		return p.failure
	case p.closed:
		return kyu.ErrClosed
	case p.netConn == nil:
		return kyu.NewIOError("request", p.uri.Redacted(), errors.New("stomp: not connected"))
	}
	return nil
}

func (p *Provider) connected() (connection, error) {
	if p.conn == nil {
		return nil, kyu.NewIOError("request", p.uri.Redacted(), errors.New("stomp: connection not open"))
	}
	return p.conn, nil
}

func (p *Provider) request(result kyu.AsyncResult, f func() error) error {
	if result == nil {
		return errors.New("stomp: nil result")
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

func (p *Provider) finish(f func(), results ...kyu.AsyncResult) {
	if err := p.loop.Inject(f); err != nil {
		for _, r := range results {
			r.OnFailure(kyu.ErrClosed)
		}
	}
}

// write runs f on the I/O loop, then completes result on the provider loop.
// A transport error fails the provider.
func (p *Provider) write(op string, result kyu.AsyncResult, f func() error) {
	p.writeThen(op, result, f, nil)
}

// writeThen is write with a hook that runs on the provider loop after a
// successful write, before result completes.
func (p *Provider) writeThen(op string, result kyu.AsyncResult, f func() error, then func()) {
	err := p.io.Inject(func() {
		err := f()
		p.finish(func() {
			switch {
			case err == nil:
				if then != nil {
					then()
				}
				result.OnSuccess()
			case p.failure != nil:
				result.OnFailure(p.failure)
			case isTransportError(err):
				ioErr := kyu.NewIOError(op, p.uri.Redacted(), err)
				result.OnFailure(ioErr)
				p.fail(ioErr)
			default:
				result.OnFailure(remoteError(err))
			}
		}, result)
	})
	if err != nil {
		result.OnFailure(kyu.ErrClosed)
	}
}

func (p *Provider) Create(resource kyu.ResourceInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		switch info := resource.(type) {
		case *kyu.ConnectionInfo:
			return p.createConnection(info.Copy(), result)
		case *kyu.SessionInfo:
			if _, err := p.connected(); err != nil {
				return err
			}
			if _, ok := p.sessions[info.Id]; ok {
				return fmt.Errorf("stomp: session %s already exists", info.Id)
			}
			p.sessions[info.Id] = &session{info: info.Copy(), ref: &txRef{}}
			result.OnSuccess()
		case *kyu.ProducerInfo:
			if _, ok := p.sessions[info.Id.Session]; !ok {
				return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.Id.Session)
			}
			p.producers[info.Id] = info.Copy()
			result.OnSuccess()
		case *kyu.ConsumerInfo:
			return p.createConsumer(info.Copy(), result)
		case *kyu.TransactionInfo:
			return p.begin(info.Copy(), result)
		default:
			return fmt.Errorf("%w: create %T", kyu.ErrUnsupportedOperation, resource)
		}
		return nil
	})
}

// connectParams are the CONNECT frame settings.
type connectParams struct {
	host          string
	login         string
	passcode      string
	clientID      string
	heartBeatSend time.Duration
	heartBeatRecv time.Duration
}

func (c connectParams) options() []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(c.host),
		stomp.ConnOpt.HeartBeat(c.heartBeatSend, c.heartBeatRecv),
	}
	if c.login != "" {
		opts = append(opts, stomp.ConnOpt.Login(c.login, c.passcode))
	}
	if c.clientID != "" {
		opts = append(opts, stomp.ConnOpt.Header("client-id", c.clientID))
	}
	return opts
}

func (p *Provider) connectParams(info *kyu.ConnectionInfo) connectParams {
	host := p.opts.vhost
	if host == "" {
		host = p.uri.Hostname()
	}
	return connectParams{
		host:          host,
		login:         info.Username,
		passcode:      info.Password,
		clientID:      info.ClientID,
		heartBeatSend: p.opts.heartBeatSend,
		heartBeatRecv: p.opts.heartBeatRecv,
	}
}

func (p *Provider) createConnection(info *kyu.ConnectionInfo, result kyu.AsyncResult) error {
	if p.conn != nil || p.opening {
		return errors.New("stomp: connection already created")
	}
	p.opening = true
	nc := p.netConn
	params := p.connectParams(info)
	timeout := info.ConnectTimeout
	err := p.io.Inject(func() {
		if timeout > 0 {
			_ = nc.SetDeadline(time.Now().Add(timeout))
		}
		conn, err := p.open(nc, params)
		_ = nc.SetDeadline(time.Time{})
		p.finish(func() {
			p.opening = false
			if err != nil {
				err = p.openError(err)
				p.failure = err
				if p.netConn != nil {
					go p.netConn.Close()
				}
				result.OnFailure(err)
				return
			}
			if uerr := p.usable(); uerr != nil {
				go conn.Disconnect()
				result.OnFailure(uerr)
				return
			}
			p.conn = conn
			p.info = info
			if info.QueuePrefix != "" || info.TopicPrefix != "" {
				p.addr = addressing{queuePrefix: info.QueuePrefix, topicPrefix: info.TopicPrefix}
				p.factory.setAddressing(p.addr)
			}
			p.log.Debug().Str("host", params.host).Msg("connected")
			result.OnSuccess()
			p.listener().OnConnectionEstablished(p.uri)
		}, result)
	})
	if err != nil {
		return kyu.ErrClosed
	}
	return nil
}

// openError classifies a failed CONNECT. An ERROR frame in reply, such as for
// bad credentials, is a protocol error.
func (p *Provider) openError(err error) error {
	if rerr := remoteError(err); rerr != err {
		return rerr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		err = kyu.WrapError(kyu.ErrTimeout, err)
	}
	return kyu.NewIOError("open", p.uri.Redacted(), err)
}

func (p *Provider) begin(info *kyu.TransactionInfo, result kyu.AsyncResult) error {
	conn, err := p.connected()
	if err != nil {
		return err
	}
	s, ok := p.sessions[info.SessionId]
	switch {
	case !ok:
		return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId)
	case !s.info.IsTransacted():
		return fmt.Errorf("%w: session %s is not transacted", kyu.ErrUnsupportedOperation, info.SessionId)
	}
	s.tx = info
	ref := s.ref
	p.write("begin", result, func() error {
		ref.tx = conn.Begin()
		return nil
	})
	return nil
}

func (p *Provider) createConsumer(info *kyu.ConsumerInfo, result kyu.AsyncResult) error {
	conn, err := p.connected()
	if err != nil {
		return err
	}
	_, ok := p.sessions[info.SessionId()]
	switch {
	case !ok:
		return fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, info.SessionId())
	case info.Browser:
		return fmt.Errorf("%w: queue browsers", kyu.ErrUnsupportedOperation)
	case info.Durable:
		return fmt.Errorf("%w: durable subscriptions", kyu.ErrUnsupportedOperation)
	case info.Destination == nil:
		return errors.New("stomp: consumer has no destination")
	}
	c := newConsumer(p, info)
	addr := p.addr.address(info.Destination)
	opts := subscribeOptions(info)
	p.writeThen("subscribe", result, func() error {
		sub, err := conn.Subscribe(addr, c.mode, opts...)
		c.sub = sub
		return err
	}, func() {
		if p.failure != nil || p.closed {
			return
		}
		p.consumers[info.Id] = c
		c.run(p.ctx)
	})
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
			// Sends already queued on the I/O loop finish before the
			// producer is reported closed.
			delete(p.producers, info.Id)
			p.write("close producer", result, func() error { return nil })
		case *kyu.SessionInfo:
			p.destroySession(info, result)
		case *kyu.TransactionInfo:
			s, ok := p.sessions[info.SessionId]
			if !ok || s.tx == nil || s.tx.Id != info.Id {
				result.OnSuccess()
				return nil
			}
			p.rollback(s, nil, result)
		case *kyu.ConnectionInfo:
			conn := p.conn
			p.abortAll()
			p.conn = nil
			if conn == nil {
				result.OnSuccess()
				return nil
			}
			timeout := p.closeTimeout()
			p.write("disconnect", result, func() error {
				if err := disconnect(conn, timeout); err != nil && !errors.Is(err, stomp.ErrAlreadyClosed) {
					return err
				}
				return nil
			})
		default:
			result.OnSuccess()
		}
		return nil
	})
}

func (p *Provider) destroySession(info *kyu.SessionInfo, result kyu.AsyncResult) {
	s, ok := p.sessions[info.Id]
	if !ok {
		result.OnSuccess()
		return
	}
	delete(p.sessions, info.Id)
	for id := range p.producers {
		if id.Session == info.Id {
			delete(p.producers, id)
		}
	}
	var subs []subscription
	for id, c := range p.consumers {
		if id.Session == info.Id {
			delete(p.consumers, id)
			c.abort()
			subs = append(subs, c.sub)
		}
	}
	ref, active := s.ref, s.tx != nil
	p.write("close session", result, func() error {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && !unsubscribed(err) {
				return err
			}
		}
		if active && ref.tx != nil {
			err := ref.tx.Abort()
			ref.tx = nil
			return err
		}
		return nil
	})
}

func (p *Provider) Send(envelope *kyu.OutboundDispatch, result kyu.AsyncResult) error {
	if envelope == nil || envelope.Message == nil {
		return errors.New("stomp: nil envelope")
	}
	return p.request(result, func() error {
		conn, err := p.connected()
		if err != nil {
			return err
		}
		info, ok := p.producers[envelope.ProducerId]
		if !ok {
			return fmt.Errorf("%w: producer %s", kyu.ErrResourceNotFound, envelope.ProducerId)
		}
		f, err := p.encode(info, envelope)
		if err != nil {
			return err
		}
		var target func() sender
		if s := p.sessions[envelope.ProducerId.Session]; s != nil && s.info.IsTransacted() {
			if s.tx == nil {
				return fmt.Errorf("%w: no active transaction on session %s", kyu.ErrResourceNotFound, s.info.Id)
			}
			ref := s.ref
			target = func() sender { return ref.tx }
		} else {
			target = func() sender { return conn }
		}

		dest, ct, body := f.header.Get(HeaderDestination), f.contentType(), f.body
		opts := f.sendOptions()
		if p.opts.receipts && !envelope.SendAsync {
			opts = append(opts, stomp.SendOpt.Receipt)
		}
		sent := kyu.NewCallback(func() {
			p.metrics.Sends.WithLabelValues(metrics.ProviderSTOMP, metrics.OutcomeAccepted).Inc()
			result.OnSuccess()
		}, func(err error) {
			p.metrics.Sends.WithLabelValues(metrics.ProviderSTOMP, metrics.OutcomeFailed).Inc()
			var pe *kyu.ProtocolError
			if errors.As(err, &pe) {
				result.OnFailure(kyu.WrapError(kyu.ErrSendFailed, err))
				return
			}
			result.OnFailure(err)
		})
		p.write("send", sent, func() error {
			snd := target()
			if snd == nil {
				return errors.New("stomp: transaction not begun")
			}
			return snd.Send(dest, ct, body, opts...)
		})
		return nil
	})
}

// encode returns the frame facade for one send, always a copy.
func (p *Provider) encode(info *kyu.ProducerInfo, env *kyu.OutboundDispatch) (*Facade, error) {
	src, ok := env.Message.Facade().(*Facade)
	if ok {
		src = src.Copy().(*Facade)
	} else {
		var err error
		if src, err = fromForeign(env.Message.Facade(), p.factory); err != nil {
			return nil, err
		}
	}
	dest := env.Destination
	if dest == nil {
		dest = info.Destination
	}
	if dest == nil {
		dest = src.Destination()
	}
	if dest == nil {
		return nil, fmt.Errorf("%w: no destination", kyu.ErrSendFailed)
	}
	replyTo := src.ReplyTo()
	src.addr = p.addr
	src.SetDestination(dest)
	src.SetReplyTo(replyTo)
	return src, nil
}

func (p *Provider) Acknowledge(envelope *kyu.InboundDispatch, ack kyu.AckType, result kyu.AsyncResult) error {
	if envelope == nil {
		return errors.New("stomp: nil envelope")
	}
	return p.request(result, func() error {
		c, ok := p.consumers[envelope.ConsumerId]
		if !ok || ack == kyu.AckDelivered || c.mode == stomp.AckAuto {
			result.OnSuccess()
			return nil
		}
		msg, ok := c.take(envelope.Sequence)
		if !ok {
			result.OnSuccess()
			return nil
		}
		p.settle(c.info.SessionId(), []*stomp.Message{msg}, ack, result)
		return nil
	})
}

func (p *Provider) AcknowledgeSession(id kyu.SessionId, ack kyu.AckType, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if ack == kyu.AckDelivered {
			result.OnSuccess()
			return nil
		}
		p.settle(id, p.takeSession(id), ack, result)
		return nil
	})
}

// Recover negatively acknowledges every unacknowledged message of the
// session so the broker redelivers it.
func (p *Provider) Recover(id kyu.SessionId, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		p.settle(id, p.takeSession(id), kyu.AckModifiedFailed, result)
		return nil
	})
}

func (p *Provider) takeSession(id kyu.SessionId) []*stomp.Message {
	var cs []*consumer
	for cid, c := range p.consumers {
		if cid.Session == id && c.mode != stomp.AckAuto {
			cs = append(cs, c)
		}
	}
	slices.SortFunc(cs, func(a, b *consumer) int { return a.info.Id.Compare(b.info.Id) })
	var msgs []*stomp.Message
	for _, c := range cs {
		msgs = append(msgs, c.takeAll()...)
	}
	return msgs
}

// settle writes ACK for accepted messages and NACK for every other outcome,
// inside the session's transaction when it has one.
func (p *Provider) settle(id kyu.SessionId, msgs []*stomp.Message, ack kyu.AckType, result kyu.AsyncResult) {
	if len(msgs) == 0 {
		result.OnSuccess()
		return
	}
	conn, err := p.connected()
	if err != nil {
		result.OnFailure(err)
		return
	}
	var ref *txRef
	if s := p.sessions[id]; s != nil && s.info.IsTransacted() && s.tx != nil {
		ref = s.ref
	}
	p.write("acknowledge", result, func() error {
		type acker interface {
			Ack(*stomp.Message) error
			Nack(*stomp.Message) error
		}
		var a acker = conn
		if ref != nil && ref.tx != nil {
			a = ref.tx
		}
		for _, msg := range msgs {
			var err error
			if ack == kyu.AckAccepted {
				err = a.Ack(msg)
			} else {
				err = a.Nack(msg)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Provider) transacted(tx *kyu.TransactionInfo) (*session, error) {
	if tx == nil {
		return nil, errors.New("stomp: nil transaction")
	}
	s, ok := p.sessions[tx.SessionId]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: session %s", kyu.ErrResourceNotFound, tx.SessionId)
	case !s.info.IsTransacted():
		return nil, fmt.Errorf("%w: session %s is not transacted", kyu.ErrUnsupportedOperation, tx.SessionId)
	case s.tx == nil || s.tx.Id != tx.Id:
		return nil, fmt.Errorf("%w: transaction %s", kyu.ErrResourceNotFound, tx.Id)
	}
	return s, nil
}

func (p *Provider) Commit(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transacted(tx)
		if err != nil {
			return err
		}
		conn, err := p.connected()
		if err != nil {
			return err
		}
		s.tx = next
		ref := s.ref
		committed := kyu.NewCallback(result.OnSuccess, func(err error) {
			if kyu.IsTransportFault(err) {
				result.OnFailure(kyu.WrapError(kyu.ErrTransactionInDoubt, err))
				return
			}
			result.OnFailure(kyu.WrapError(kyu.ErrTransactionRolledBack, err))
		})
		p.write("commit", committed, func() error {
			err := ref.tx.Commit()
			ref.tx = nil
			if next != nil {
				ref.tx = conn.Begin()
			}
			return err
		})
		return nil
	})
}

func (p *Provider) Rollback(tx, next *kyu.TransactionInfo, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		s, err := p.transacted(tx)
		if err != nil {
			return err
		}
		p.rollback(s, next, result)
		return nil
	})
}

// rollback aborts the broker transaction; the broker redelivers the messages
// acknowledged in it.
func (p *Provider) rollback(s *session, next *kyu.TransactionInfo, result kyu.AsyncResult) {
	conn, err := p.connected()
	if err != nil {
		result.OnFailure(err)
		return
	}
	s.tx = next
	ref := s.ref
	p.write("rollback", result, func() error {
		var err error
		if ref.tx != nil {
			err = ref.tx.Abort()
		}
		ref.tx = nil
		if next != nil {
			ref.tx = conn.Begin()
		}
		return err
	})
}

func (p *Provider) Unsubscribe(name string, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		return fmt.Errorf("%w: durable subscriptions", kyu.ErrUnsupportedOperation)
	})
}

// Pull always succeeds; subscriptions are push only.
func (p *Provider) Pull(id kyu.ConsumerId, _ time.Duration, result kyu.AsyncResult) error {
	return p.request(result, func() error {
		if _, ok := p.consumers[id]; !ok {
			return fmt.Errorf("%w: consumer %s", kyu.ErrResourceNotFound, id)
		}
		result.OnSuccess()
		return nil
	})
}

func subscribeOptions(info *kyu.ConsumerInfo) []func(*frame.Frame) error {
	var opts []func(*frame.Frame) error
	if info.Selector != "" {
		opts = append(opts, stomp.SubscribeOpt.Header(headerSelector, info.Selector))
	}
	if info.Prefetch > 0 {
		opts = append(opts, stomp.SubscribeOpt.Header(headerPrefetch, strconv.Itoa(info.Prefetch)))
	}
	if info.NoLocal {
		opts = append(opts, stomp.SubscribeOpt.Header("activemq.noLocal", "true"))
	}
	return opts
}
