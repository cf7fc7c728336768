package amqp

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	mu           sync.Mutex
	opts         *goamqp.ConnOptions
	sessions     []*fakeSession
	senderCredit int
	closed       bool
}

func (c *fakeConn) NewSession(context.Context) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSession{conn: c}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

type fakeSession struct {
	conn *fakeConn

	mu        sync.Mutex
	senders   []*fakeSender
	receivers []*fakeReceiver
	closed    bool
}

func (s *fakeSession) NewSender(_ context.Context, target string, opts *goamqp.SenderOptions, window int) (senderLink, error) {
	s.conn.mu.Lock()
	credit := s.conn.senderCredit
	s.conn.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l := &fakeSender{target: target, opts: opts, window: window, credit: credit}
	s.senders = append(s.senders, l)
	return l, nil
}

func (s *fakeSession) NewReceiver(_ context.Context, source string, opts *goamqp.ReceiverOptions) (receiverLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &fakeReceiver{source: source, opts: opts, msgs: make(chan *goamqp.Message, 16)}
	s.receivers = append(s.receivers, r)
	return r, nil
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) sender(i int) *fakeSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senders[i]
}

func (s *fakeSession) receiver(i int) *fakeReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivers[i]
}

type transfer struct {
	msg     *goamqp.Message
	settled bool
	done    func(outcome)
}

// fakeSender consumes one credit per transfer, like a real AMQP link.
type fakeSender struct {
	target string
	opts   *goamqp.SenderOptions
	window int

	mu        sync.Mutex
	credit    int
	transfers []transfer
	closed    bool
}

func (l *fakeSender) Credit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit
}

func (l *fakeSender) Transfer(msg *goamqp.Message, settled bool, done func(outcome)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit--
	l.transfers = append(l.transfers, transfer{msg: msg, settled: settled, done: done})
}

func (l *fakeSender) Close(context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeSender) grant(n int) {
	l.mu.Lock()
	l.credit += n
	l.mu.Unlock()
}

func (l *fakeSender) sent() []transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transfer(nil), l.transfers...)
}

func (l *fakeSender) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// settle reports o for the i-th transfer.
func (l *fakeSender) settle(i int, o outcome) { l.sent()[i].done(o) }

type settlement struct {
	msg *goamqp.Message
	ack kyu.AckType
}

type fakeReceiver struct {
	source string
	opts   *goamqp.ReceiverOptions
	msgs   chan *goamqp.Message

	mu          sync.Mutex
	settlements []settlement
	credits     []uint32
	drains      int
	closed      bool
}

func (r *fakeReceiver) Receive(ctx context.Context) (*goamqp.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) IssueCredit(n uint32) error {
	r.mu.Lock()
	r.credits = append(r.credits, n)
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) DrainCredit(context.Context) error {
	r.mu.Lock()
	r.drains++
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) drained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drains
}

func (r *fakeReceiver) Settle(_ context.Context, msg *goamqp.Message, ack kyu.AckType) error {
	r.mu.Lock()
	r.settlements = append(r.settlements, settlement{msg: msg, ack: ack})
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) Close(context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) settled() []settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settlement(nil), r.settlements...)
}

func (r *fakeReceiver) issued() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.credits...)
}

type recordingListener struct {
	kyu.DefaultProviderListener

	mu          sync.Mutex
	inbound     []*kyu.InboundDispatch
	established int
	failures    []error
	exceptions  []error
	closed      []kyu.ResourceInfo
}

func (l *recordingListener) OnInboundMessage(d *kyu.InboundDispatch) {
	l.mu.Lock()
	l.inbound = append(l.inbound, d)
	l.mu.Unlock()
}

func (l *recordingListener) OnConnectionEstablished(*url.URL) {
	l.mu.Lock()
	l.established++
	l.mu.Unlock()
}

func (l *recordingListener) OnConnectionFailure(err error) {
	l.mu.Lock()
	l.failures = append(l.failures, err)
	l.mu.Unlock()
}

func (l *recordingListener) OnProviderException(err error) {
	l.mu.Lock()
	l.exceptions = append(l.exceptions, err)
	l.mu.Unlock()
}

func (l *recordingListener) OnResourceClosed(r kyu.ResourceInfo, _ error) {
	l.mu.Lock()
	l.closed = append(l.closed, r)
	l.mu.Unlock()
}

func (l *recordingListener) messages() []*kyu.InboundDispatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*kyu.InboundDispatch(nil), l.inbound...)
}

func (l *recordingListener) failureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}

func (l *recordingListener) exceptionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.exceptions)
}

func (l *recordingListener) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closed)
}

// harness is a connected provider over fake links with one session.
type harness struct {
	t        *testing.T
	p        *Provider
	conn     *fakeConn
	listener *recordingListener
	conInfo  *kyu.ConnectionInfo
	session  *kyu.SessionInfo
	ids      kyu.Sequence
}

func newHarness(t *testing.T, query string, senderCredit int, mode kyu.AckMode) *harness {
	t.Helper()
	p, err := NewProvider(mustParse(t, "amqp://broker.test:5672"+query))
	require.NoError(t, err)

	h := &harness{t: t, p: p, conn: &fakeConn{senderCredit: senderCredit}, listener: &recordingListener{}}
	p.dial = func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
	p.open = func(_ context.Context, _ net.Conn, opts *goamqp.ConnOptions) (connection, error) {
		h.conn.opts = opts
		return h.conn, nil
	}
	p.SetProviderListener(h.listener)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Connect(context.Background()))
	h.conInfo = kyu.NewConnectionInfo(kyu.NewConnectionId("ID:test:1"))
	h.conInfo.ClientID = "client-1"
	h.conInfo.Username = "user"
	h.conInfo.Password = "pass"
	h.syncCreate(h.conInfo)

	h.session = kyu.NewSessionInfo(kyu.SessionId{Connection: h.conInfo.Id, Value: 1}, mode)
	h.syncCreate(h.session)
	h.barrier()
	return h
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func (h *harness) syncCreate(info kyu.ResourceInfo) {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Create(info, f))
	require.NoError(h.t, f.SyncTimeout(waitFor))
}

func (h *harness) producer(dest *message.Destination) (*kyu.ProducerInfo, *fakeSender) {
	h.t.Helper()
	info := kyu.NewProducerInfo(kyu.ProducerId{Session: h.session.Id, Value: h.ids.Next()}, dest)
	h.syncCreate(info)
	s := h.conn.session(0)
	s.mu.Lock()
	link := s.senders[len(s.senders)-1]
	s.mu.Unlock()
	return info, link
}

func (h *harness) consumer(dest *message.Destination, prefetch int) (*kyu.ConsumerInfo, *fakeReceiver) {
	h.t.Helper()
	info := kyu.NewConsumerInfo(kyu.ConsumerId{Session: h.session.Id, Value: h.ids.Next()}, dest)
	info.Prefetch = prefetch
	return h.consumerFor(info)
}

func (h *harness) consumerFor(info *kyu.ConsumerInfo) (*kyu.ConsumerInfo, *fakeReceiver) {
	h.t.Helper()
	h.syncCreate(info)
	s := h.conn.session(0)
	s.mu.Lock()
	link := s.receivers[len(s.receivers)-1]
	s.mu.Unlock()
	return info, link
}

func (h *harness) text(body string) *message.Message {
	h.t.Helper()
	m, err := h.p.MessageFactory().CreateMessage(message.KindText)
	require.NoError(h.t, err)
	require.NoError(h.t, m.SetBody(message.TextBody(body)))
	return m
}

// send submits a send and waits until the provider has processed it.
func (h *harness) send(info *kyu.ProducerInfo, body string, async bool) *kyu.ProviderFuture {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Send(&kyu.OutboundDispatch{
		Message:    h.text(body),
		ProducerId: info.Id,
		SendAsync:  async,
	}, f))
	h.barrier()
	return f
}

// barrier waits for everything already injected into the loop to run.
func (h *harness) barrier() {
	h.t.Helper()
	require.NoError(h.t, h.p.loop.InjectWait(func() error { return nil }))
}

// onLoop runs f on the provider loop.
func (h *harness) onLoop(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.p.loop.InjectWait(func() error {
		f()
		return nil
	}))
}

func (h *harness) producerState(id kyu.ProducerId) (state producerState, pending, outstanding, tags int) {
	h.onLoop(func() {
		pr := h.p.producers[id]
		if pr == nil {
			state = producerClosed
			return
		}
		state, pending, outstanding, tags = pr.state, len(pr.pending), len(pr.outstanding), pr.tags.outstanding()
	})
	return
}

// grant adds credit to link and tells the producer about it.
func (h *harness) grant(id kyu.ProducerId, link *fakeSender, n int) {
	link.grant(n)
	h.onLoop(func() {
		if pr := h.p.producers[id]; pr != nil {
			pr.creditUpdated()
		}
	})
}

// settle reports o for transfer i and waits for the provider to process it.
func (h *harness) settle(link *fakeSender, i int, o outcome) {
	link.settle(i, o)
	h.barrier()
}

func bodyOf(t *testing.T, tr transfer) string {
	t.Helper()
	s, ok := tr.msg.Value.(string)
	require.True(t, ok)
	return s
}
