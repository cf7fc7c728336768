package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/providertest"
	"github.com/venderneutral/kyu/message"
	_ "github.com/venderneutral/kyu/providers/failover"
)

const waitFor = 2 * time.Second

var brokerSeq atomic.Int64

func newBroker(t *testing.T) *providertest.Broker {
	t.Helper()
	b := providertest.NewBroker(fmt.Sprintf("client-%d", brokerSeq.Add(1)))
	t.Cleanup(b.Close)
	return b
}

// recorder collects what a connection reports to its handlers.
type recorder struct {
	exceptions chan error
	events     chan ConnectionEvent
}

func newRecorder() *recorder {
	return &recorder{
		exceptions: make(chan error, 64),
		events:     make(chan ConnectionEvent, 64),
	}
}

func (r *recorder) options() []Option {
	return []Option{
		WithExceptionHandler(func(err error) {
			select {
			case r.exceptions <- err:
			default:
			}
		}),
		WithConnectionHandler(func(e ConnectionEvent) {
			select {
			case r.events <- e:
			default:
			}
		}),
	}
}

func (r *recorder) exception(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.exceptions:
		return err
	case <-time.After(waitFor):
		t.Fatal("no exception reported")
		return nil
	}
}

func (r *recorder) waitEvent(t *testing.T, kind EventKind) ConnectionEvent {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case e := <-r.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return ConnectionEvent{}
		}
	}
}

func dial(t *testing.T, uri string, r *recorder) *Connection {
	t.Helper()
	f, err := kyu.NewConnectionFactory(&kyu.Config{URI: uri, RequestTimeout: waitFor, SendTimeout: waitFor})
	require.NoError(t, err)
	var opts []Option
	if r != nil {
		opts = r.options()
	}
	c, err := Dial(context.Background(), f, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func receive(t *testing.T, c *Consumer) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	m, err := c.Receive(ctx)
	require.NoError(t, err)
	return m
}

// receiveNothing asserts that no message arrives for a short while.
func receiveNothing(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m, err := c.Receive(ctx)
	require.ErrorIs(t, err, kyu.ErrTimeout, "unexpected message %v", m)
}

func text(t *testing.T, m *message.Message) string {
	t.Helper()
	body, err := m.Body()
	require.NoError(t, err)
	return body.Text()
}

func send(t *testing.T, s *Session, p *Producer, body string) {
	t.Helper()
	m, err := s.CreateTextMessage(body)
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), m))
}

func TestDial(t *testing.T) {
	b := newBroker(t)
	r := newRecorder()
	c := dial(t, b.URI(), r)

	assert.Equal(t, EventEstablished, r.waitEvent(t, EventEstablished).Kind)
	assert.Equal(t, b.URI(), c.RemoteURI().String())
	assert.Equal(t, 1, b.Connections())
	require.Len(t, b.Created(), 1)
	assert.Equal(t, c.Id().String(), b.Created()[0].ResourceId().String())
}

func TestDial_BrokerDown(t *testing.T) {
	b := newBroker(t)
	b.SetDown(true)
	f, err := kyu.NewConnectionFactory(&kyu.Config{URI: b.URI()})
	require.NoError(t, err)

	_, err = Dial(context.Background(), f)
	require.Error(t, err)
	assert.True(t, kyu.IsTransportFault(err))
	assert.Zero(t, b.Connections())
}

func TestConnection_Close(t *testing.T) {
	b := newBroker(t)
	c := dial(t, b.URI(), nil)
	ctx := context.Background()
	s, err := c.CreateSession(ctx, kyu.AutoAcknowledge)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, message.NewQueue("close"))
	require.NoError(t, err)
	cons, err := s.CreateConsumer(ctx, message.NewQueue("close"))
	require.NoError(t, err)

	received := make(chan error, 1)
	go func() {
		_, err := cons.Receive(ctx)
		received <- err
	}()

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	select {
	case err := <-received:
		assert.ErrorIs(t, err, kyu.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("receive not released by close")
	}
	_, err = c.CreateSession(ctx, kyu.AutoAcknowledge)
	assert.ErrorIs(t, err, kyu.ErrClosed)
	m, err := s.CreateTextMessage("late")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Send(ctx, m), kyu.ErrClosed)
	assert.ErrorIs(t, c.Start(ctx), kyu.ErrClosed)

	assert.Zero(t, b.Connections())
	destroyed := b.Destroyed()
	require.NotEmpty(t, destroyed)
	assert.Equal(t, c.Id().String(), destroyed[len(destroyed)-1].ResourceId().String())
}

func TestConnection_TransportFailure(t *testing.T) {
	b := newBroker(t)
	r := newRecorder()
	c := dial(t, b.URI(), r)
	ctx := context.Background()
	s, err := c.CreateSession(ctx, kyu.AutoAcknowledge)
	require.NoError(t, err)
	cons, err := s.CreateConsumer(ctx, message.NewQueue("failure"))
	require.NoError(t, err)

	b.Interrupt()

	e := r.waitEvent(t, EventFailed)
	assert.True(t, kyu.IsTransportFault(e.Err))
	assert.True(t, kyu.IsTransportFault(r.exception(t)))

	_, err = c.CreateSession(ctx, kyu.AutoAcknowledge)
	assert.True(t, kyu.IsTransportFault(err))
	_, err = cons.Receive(ctx)
	assert.True(t, kyu.IsTransportFault(err))
	assert.NoError(t, c.Close(ctx))
}

func TestConnection_RoutingError(t *testing.T) {
	b := newBroker(t)
	r := newRecorder()
	c := dial(t, b.URI(), r)
	ctx := context.Background()
	s, err := c.CreateSession(ctx, kyu.AutoAcknowledge)
	require.NoError(t, err)
	m, err := s.CreateTextMessage("stray")
	require.NoError(t, err)

	for _, id := range []kyu.ConsumerId{
		{Session: kyu.SessionId{Connection: c.Id(), Value: 99}, Value: 1},
		{Session: s.Id(), Value: 42},
	} {
		c.OnInboundMessage(&kyu.InboundDispatch{Message: m, ConsumerId: id, Sequence: 1})

		var routing *kyu.RoutingError
		require.ErrorAs(t, r.exception(t), &routing)
		assert.Equal(t, id, routing.ConsumerId)
	}
}

func TestConnection_RemoteClose(t *testing.T) {
	b := newBroker(t)
	r := newRecorder()
	c := dial(t, b.URI(), r)
	ctx := context.Background()
	s, err := c.CreateSession(ctx, kyu.AutoAcknowledge)
	require.NoError(t, err)
	cons, err := s.CreateConsumer(ctx, message.NewQueue("remote"))
	require.NoError(t, err)

	cause := errors.New("amqp:resource-deleted")
	c.OnResourceClosed(cons.info, cause)

	assert.ErrorIs(t, r.exception(t), cause)
	_, err = cons.Receive(ctx)
	assert.ErrorIs(t, err, cause)
	_, ok := s.consumers.get(cons.Id())
	assert.False(t, ok)

	// The session survives its consumer.
	_, err = s.CreateConsumer(ctx, message.NewQueue("remote"))
	assert.NoError(t, err)

	c.OnResourceClosed(s.info, nil)
	assert.ErrorIs(t, r.exception(t), kyu.ErrClosed)
	_, err = s.CreateProducer(ctx, nil)
	assert.ErrorIs(t, err, kyu.ErrClosed)
	assert.Zero(t, c.sessions.size())
}

func TestConnection_StartStop(t *testing.T) {
	b := newBroker(t)
	c := dial(t, b.URI(), nil)
	ctx := context.Background()
	q := message.NewQueue("startstop")
	s, err := c.CreateSession(ctx, kyu.AutoAcknowledge)
	require.NoError(t, err)
	cons, err := s.CreateConsumer(ctx, q)
	require.NoError(t, err)

	b.EnqueueText(q, "first")
	receiveNothing(t, cons)
	assert.Equal(t, 1, b.Depth(q))

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, "first", text(t, receive(t, cons)))

	require.NoError(t, c.Stop(ctx))
	b.EnqueueText(q, "second")
	receiveNothing(t, cons)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, "second", text(t, receive(t, cons)))
}
