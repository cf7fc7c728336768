package stomp

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
)

const waitFor = 2 * time.Second

// op is one frame written through the fake connection. tx is zero outside a
// transaction.
type op struct {
	command string
	dest    string
	ctype   string
	body    string
	opts    int
	tx      int
	msg     *stomp.Message
}

type fakeConn struct {
	mu       sync.Mutex
	ops      []op
	subs     []*fakeSub
	txs      int
	sendErr  error
	txErr    error
	unsubErr error
	closed   bool
}

func (c *fakeConn) record(o op) {
	c.mu.Lock()
	c.ops = append(c.ops, o)
	c.mu.Unlock()
}

func (c *fakeConn) Send(dest, ct string, body []byte, opts ...func(*frame.Frame) error) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.record(op{command: frame.SEND, dest: dest, ctype: ct, body: string(body), opts: len(opts)})
	return nil
}

func (c *fakeConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSub{conn: c, dest: dest, ack: ack, opts: len(opts), ch: make(chan *stomp.Message, 16)}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *fakeConn) Ack(msg *stomp.Message) error {
	c.record(op{command: frame.ACK, msg: msg})
	return nil
}

func (c *fakeConn) Nack(msg *stomp.Message) error {
	c.record(op{command: frame.NACK, msg: msg})
	return nil
}

func (c *fakeConn) Begin() transaction {
	c.mu.Lock()
	c.txs++
	tx := &fakeTx{conn: c, id: c.txs}
	c.mu.Unlock()
	c.record(op{command: frame.BEGIN, tx: tx.id})
	return tx
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) frames() []op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]op(nil), c.ops...)
}

func (c *fakeConn) commands() []string {
	var out []string
	for _, o := range c.frames() {
		out = append(out, o.command)
	}
	return out
}

func (c *fakeConn) sub(i int) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[i]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSub struct {
	conn *fakeConn
	dest string
	ack  stomp.AckMode
	opts int
	ch   chan *stomp.Message

	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSub) Messages() <-chan *stomp.Message { return s.ch }

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.conn.unsubErr
}

func (s *fakeSub) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// deliver pushes a MESSAGE frame with body to the subscription.
func (s *fakeSub) deliver(id, body string) *stomp.Message {
	msg := &stomp.Message{
		Destination: s.dest,
		Header:      frame.NewHeader(HeaderDestination, s.dest, HeaderMessageID, id),
		Body:        []byte(body),
	}
	s.ch <- msg
	return msg
}

type fakeTx struct {
	conn *fakeConn
	id   int
}

func (t *fakeTx) Send(dest, ct string, body []byte, opts ...func(*frame.Frame) error) error {
	t.conn.record(op{command: frame.SEND, dest: dest, ctype: ct, body: string(body), opts: len(opts), tx: t.id})
	return nil
}

func (t *fakeTx) Ack(msg *stomp.Message) error {
	t.conn.record(op{command: frame.ACK, msg: msg, tx: t.id})
	return nil
}

func (t *fakeTx) Nack(msg *stomp.Message) error {
	t.conn.record(op{command: frame.NACK, msg: msg, tx: t.id})
	return nil
}

func (t *fakeTx) Commit() error {
	t.conn.mu.Lock()
	err := t.conn.txErr
	t.conn.mu.Unlock()
	t.conn.record(op{command: frame.COMMIT, tx: t.id})
	return err
}

func (t *fakeTx) Abort() error {
	t.conn.record(op{command: frame.ABORT, tx: t.id})
	return nil
}

type recordingListener struct {
	kyu.DefaultProviderListener

	mu          sync.Mutex
	inbound     []*kyu.InboundDispatch
	established int
	failures    []error
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

func (l *recordingListener) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closed)
}

// harness is a connected provider over a fake connection with one session.
type harness struct {
	t        *testing.T
	p        *Provider
	conn     *fakeConn
	params   connectParams
	listener *recordingListener
	conInfo  *kyu.ConnectionInfo
	session  *kyu.SessionInfo
	ids      kyu.Sequence
}

func newHarness(t *testing.T, query string, mode kyu.AckMode) *harness {
	t.Helper()
	p, err := NewProvider(mustParse(t, "stomp://broker.test:61613"+query))
	require.NoError(t, err)

	h := &harness{t: t, p: p, conn: &fakeConn{}, listener: &recordingListener{}}
	p.dial = func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
	p.open = func(_ net.Conn, params connectParams) (connection, error) {
		h.params = params
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
	h.barrier()

	h.session = kyu.NewSessionInfo(kyu.SessionId{Connection: h.conInfo.Id, Value: 1}, mode)
	h.syncCreate(h.session)
	return h
}

func (h *harness) syncCreate(info kyu.ResourceInfo) {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Create(info, f))
	require.NoError(h.t, f.SyncTimeout(waitFor))
}

func (h *harness) barrier() {
	h.t.Helper()
	require.NoError(h.t, h.p.loop.InjectWait(func() error { return nil }))
}

func (h *harness) producer(dest *message.Destination) *kyu.ProducerInfo {
	h.t.Helper()
	info := kyu.NewProducerInfo(kyu.ProducerId{Session: h.session.Id, Value: h.ids.Next()}, dest)
	h.syncCreate(info)
	return info
}

// consumer creates and starts a consumer, returning its subscription.
func (h *harness) consumer(dest *message.Destination) (*kyu.ConsumerInfo, *fakeSub) {
	h.t.Helper()
	info := kyu.NewConsumerInfo(kyu.ConsumerId{Session: h.session.Id, Value: h.ids.Next()}, dest)
	h.syncCreate(info)
	h.conn.mu.Lock()
	sub := h.conn.subs[len(h.conn.subs)-1]
	h.conn.mu.Unlock()
	return info, sub
}

func (h *harness) start(info kyu.ResourceInfo) {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Start(info, f))
	require.NoError(h.t, f.SyncTimeout(waitFor))
}

func (h *harness) text(body string) *message.Message {
	h.t.Helper()
	m, err := h.p.MessageFactory().CreateMessage(message.KindText)
	require.NoError(h.t, err)
	require.NoError(h.t, m.SetBody(message.TextBody(body)))
	return m
}

func (h *harness) send(info *kyu.ProducerInfo, body string, async bool) *kyu.ProviderFuture {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Send(&kyu.OutboundDispatch{
		Message:    h.text(body),
		ProducerId: info.Id,
		SendAsync:  async,
	}, f))
	return f
}

// received waits for n inbound dispatches.
func (h *harness) received(n int) []*kyu.InboundDispatch {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.listener.messages()) >= n }, waitFor, time.Millisecond)
	return h.listener.messages()
}

func (h *harness) ack(d *kyu.InboundDispatch, ack kyu.AckType) error {
	h.t.Helper()
	f := kyu.NewProviderFuture()
	require.NoError(h.t, h.p.Acknowledge(d, ack, f))
	return f.SyncTimeout(waitFor)
}
