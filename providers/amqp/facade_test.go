package amqp

import (
	"testing"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/openwire"
)

var testAddressing = addressing{queuePrefix: "queue://", topicPrefix: "topic://"}

func outbound(kind message.BodyKind) *Facade {
	return newOutboundFacade(kind, false, GobCodec{}, testAddressing)
}

func TestFacade_OutboundDefaults(t *testing.T) {
	f := outbound(message.KindText)
	assert.Equal(t, message.DefaultPriority, f.Priority())
	assert.True(t, f.Persistent())
	assert.Equal(t, msgTypeText, f.msg.Annotations[annotationMsgType])
	assert.Equal(t, 1, f.DeliveryCount())
	assert.False(t, f.Redelivered())
}

func TestFacade_Bodies(t *testing.T) {
	tests := []struct {
		name  string
		kind  message.BodyKind
		body  message.Body
		check func(t *testing.T, m *goamqp.Message)
	}{
		{
			name: "text is an AmqpValue string",
			kind: message.KindText,
			body: message.TextBody("hello"),
			check: func(t *testing.T, m *goamqp.Message) {
				assert.Equal(t, "hello", m.Value)
			},
		},
		{
			name: "bytes is a Data section",
			kind: message.KindBytes,
			body: message.BytesBody([]byte{1, 2}),
			check: func(t *testing.T, m *goamqp.Message) {
				assert.Equal(t, [][]byte{{1, 2}}, m.Data)
				assert.Equal(t, OctetStreamContentType, *m.Properties.ContentType)
			},
		},
		{
			name: "map is an AmqpValue map",
			kind: message.KindMap,
			body: message.MapBody(map[string]any{"k": int64(1)}),
			check: func(t *testing.T, m *goamqp.Message) {
				assert.Equal(t, map[string]any{"k": int64(1)}, m.Value)
			},
		},
		{
			name: "stream is an AmqpSequence",
			kind: message.KindStream,
			body: message.StreamBody([]any{"a", int32(2)}),
			check: func(t *testing.T, m *goamqp.Message) {
				assert.Equal(t, [][]any{{"a", int32(2)}}, m.Sequence)
			},
		},
		{
			name: "object is serialized into Data",
			kind: message.KindObject,
			body: message.ObjectBody("payload"),
			check: func(t *testing.T, m *goamqp.Message) {
				require.Len(t, m.Data, 1)
				assert.Equal(t, SerializedObjectContentType, *m.Properties.ContentType)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := outbound(tt.kind)
			require.NoError(t, f.SetBody(tt.body))
			tt.check(t, f.msg)

			got, err := f.Body()
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)

			// A receiver without the annotation infers the same kind.
			delete(f.msg.Annotations, annotationMsgType)
			in := newInboundFacade(f.msg, GobCodec{}, testAddressing, nil)
			assert.Equal(t, tt.kind, in.Kind())
		})
	}
}

func TestFacade_SetBodyKindMismatch(t *testing.T) {
	f := outbound(message.KindText)
	assert.ErrorIs(t, f.SetBody(message.BytesBody(nil)), message.ErrBodyKindMismatch)
}

func TestFacade_TypedObjectEncoding(t *testing.T) {
	f := newOutboundFacade(message.KindObject, true, GobCodec{}, testAddressing)
	require.NoError(t, f.SetBody(message.ObjectBody(int64(7))))
	assert.Equal(t, int64(7), f.msg.Value)
	assert.Nil(t, f.msg.Data)
	assert.True(t, f.TypedEncoding())

	m := NewMessageFactory(nil, true).wrap(f)
	v, ok := m.Property(JMSAMQPTypedEncoding)
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Error(t, m.SetProperty(JMSAMQPTypedEncoding, false), "read-only")
}

func TestFacade_InboundKindFromAnnotation(t *testing.T) {
	msg := &goamqp.Message{
		Annotations: goamqp.Annotations{annotationMsgType: msgTypeMap},
		Value:       map[any]any{"a": "b"},
	}
	f := newInboundFacade(msg, GobCodec{}, testAddressing, nil)
	assert.Equal(t, message.KindMap, f.Kind())
	body, err := f.Body()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, body.Map())
}

func TestFacade_InboundTextFromData(t *testing.T) {
	ct := "text/plain"
	msg := &goamqp.Message{
		Properties: &goamqp.MessageProperties{ContentType: &ct},
		Data:       [][]byte{[]byte("hel"), []byte("lo")},
	}
	f := newInboundFacade(msg, GobCodec{}, testAddressing, nil)
	assert.Equal(t, message.KindText, f.Kind())
	body, err := f.Body()
	require.NoError(t, err)
	assert.Equal(t, "hello", body.Text())
}

func TestFacade_InboundWithoutBodyIsGeneric(t *testing.T) {
	f := newInboundFacade(&goamqp.Message{}, GobCodec{}, testAddressing, nil)
	assert.Equal(t, message.KindGeneric, f.Kind())
	assert.Equal(t, message.DefaultPriority, f.Priority())
	assert.False(t, f.Persistent())
}

func TestFacade_MessageID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		wire any
	}{
		{name: "string id loses the ID prefix on the wire", id: "ID:abc-1", wire: "abc-1"},
		{name: "uuid", id: "ID:AMQP_UUID:9f3e0d6a-6b1e-4a43-9b8a-2d9c1f0e7a55"},
		{name: "ulong", id: "ID:AMQP_ULONG:12", wire: uint64(12)},
		{name: "binary", id: "ID:AMQP_BINARY:CAFE", wire: []byte{0xCA, 0xFE}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := outbound(message.KindGeneric)
			require.NoError(t, f.SetMessageID(tt.id))
			if tt.wire != nil {
				assert.Equal(t, tt.wire, f.msg.Properties.MessageID)
			}
			assert.Equal(t, tt.id, f.MessageID())
		})
	}
}

func TestFacade_CorrelationID(t *testing.T) {
	f := outbound(message.KindGeneric)

	require.NoError(t, f.SetCorrelationID("app-corr"))
	assert.Equal(t, "app-corr", f.msg.Properties.CorrelationID)
	assert.Equal(t, "app-corr", f.CorrelationID())

	require.NoError(t, f.SetCorrelationID("ID:AMQP_ULONG:7"))
	assert.Equal(t, uint64(7), f.msg.Properties.CorrelationID)
	assert.Equal(t, "ID:AMQP_ULONG:7", f.CorrelationID())

	require.NoError(t, f.SetCorrelationID("ID:plain"))
	assert.Equal(t, "ID:plain", f.CorrelationID())

	require.NoError(t, f.SetCorrelationID(""))
	assert.Nil(t, f.msg.Properties.CorrelationID)
}

func TestFacade_Destinations(t *testing.T) {
	f := outbound(message.KindGeneric)
	f.SetDestination(message.NewTopic("prices"))
	f.SetReplyTo(message.NewQueue("replies"))

	assert.Equal(t, "topic://prices", *f.msg.Properties.To)
	assert.Equal(t, destTypeTopic, f.msg.Annotations[annotationDest])
	assert.Equal(t, "queue://replies", *f.msg.Properties.ReplyTo)
	assert.True(t, message.NewTopic("prices").Equal(f.Destination()))
	assert.True(t, message.NewQueue("replies").Equal(f.ReplyTo()))

	f.SetDestination(nil)
	assert.Nil(t, f.msg.Properties.To)
	assert.NotContains(t, f.msg.Annotations, annotationDest)
}

func TestFacade_DestinationFallsBackToConsumer(t *testing.T) {
	consumerDest := message.NewQueue("orders")
	f := newInboundFacade(&goamqp.Message{}, GobCodec{}, testAddressing, consumerDest)
	assert.True(t, consumerDest.Equal(f.Destination()))

	// Without an annotation the kind is taken from the address prefix.
	to := "topic://events"
	f = newInboundFacade(&goamqp.Message{Properties: &goamqp.MessageProperties{To: &to}}, GobCodec{}, testAddressing, consumerDest)
	assert.True(t, message.NewTopic("events").Equal(f.Destination()))
}

func TestFacade_DeliveryCount(t *testing.T) {
	msg := &goamqp.Message{Header: &goamqp.MessageHeader{DeliveryCount: 2}}
	f := newInboundFacade(msg, GobCodec{}, testAddressing, nil)
	assert.Equal(t, 2, f.RedeliveryCount())
	assert.Equal(t, 3, f.DeliveryCount())
	assert.True(t, f.Redelivered())

	m := NewMessageFactory(nil, false).wrap(f)
	v, ok := m.Property(message.JMSXDeliveryCount)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	f.SetRedelivered(false)
	assert.Equal(t, 1, f.DeliveryCount())
	f.SetRedelivered(true)
	assert.Equal(t, 2, f.DeliveryCount())
}

func TestFacade_OnSend(t *testing.T) {
	ts := time.UnixMilli(1700000000000)

	f := outbound(message.KindText)
	f.SetTimestamp(ts)
	f.OnSend(10 * time.Second)
	assert.Equal(t, 10*time.Second, f.msg.Header.TTL)
	assert.Equal(t, ts.Add(10*time.Second), f.Expiration())

	// JMS_AMQP_TTL overrides the producer's time to live.
	m := NewMessageFactory(nil, false).wrap(f)
	require.NoError(t, m.SetProperty(JMSAMQPTTL, int64(5000)))
	f.OnSend(10 * time.Second)
	assert.Equal(t, 5*time.Second, f.msg.Header.TTL)
	assert.Equal(t, ts.Add(5*time.Second), f.Expiration())

	require.NoError(t, m.SetProperty(JMSAMQPTTL, nil))
	f.OnSend(0)
	assert.Zero(t, f.msg.Header.TTL)
	assert.True(t, f.Expiration().IsZero())
}

func TestRegistry_AMQPProperties(t *testing.T) {
	factory := NewMessageFactory(nil, false)
	m, err := factory.CreateMessage(message.KindText)
	require.NoError(t, err)

	require.NoError(t, m.SetProperty(JMSAMQPContentType, "text/plain"))
	require.NoError(t, m.SetProperty(JMSAMQPContentEncode, "utf-8"))
	require.NoError(t, m.SetProperty(JMSAMQPReplyToGroupID, "rg"))
	require.NoError(t, m.SetProperty(JMSAMQPFirstAcquirer, true))
	require.NoError(t, m.SetProperty("app", "v"))

	f := m.Facade().(*Facade)
	assert.Equal(t, "text/plain", *f.msg.Properties.ContentType)
	assert.Equal(t, "utf-8", *f.msg.Properties.ContentEncoding)
	assert.Equal(t, "rg", *f.msg.Properties.ReplyToGroupID)
	assert.True(t, f.msg.Header.FirstAcquirer)
	assert.Equal(t, map[string]any{"app": "v"}, f.msg.ApplicationProperties)

	names := m.PropertyNames()
	assert.Contains(t, names, JMSAMQPContentType)
	assert.Contains(t, names, JMSAMQPFirstAcquirer)
	assert.NotContains(t, names, JMSAMQPTTL)

	m.ClearProperties()
	assert.False(t, m.PropertyExists(JMSAMQPFirstAcquirer))
	assert.True(t, m.PropertyExists(JMSAMQPContentType), "content type describes the body")

	assert.Error(t, m.SetProperty(JMSAMQPTTL, "soon"))
}

func TestFacade_CopyIsIndependentAndIdempotent(t *testing.T) {
	f := outbound(message.KindMap)
	require.NoError(t, f.SetBody(message.MapBody(map[string]any{"blob": []byte{1}})))
	require.NoError(t, f.SetMessageID("ID:AMQP_BINARY:0102"))
	require.NoError(t, f.SetProperty("p", []byte{9}))
	f.SetDestination(message.NewQueue("q"))
	f.SetTimestamp(time.UnixMilli(1700000000000))
	f.SetGroupSequence(4)

	c1 := f.Copy().(*Facade)
	c2 := c1.Copy().(*Facade)
	assert.Equal(t, f.msg, c1.msg)
	assert.Equal(t, c1.msg, c2.msg)

	c1.msg.Value.(map[string]any)["blob"].([]byte)[0] = 42
	c1.msg.ApplicationProperties["p"].([]byte)[0] = 0
	c1.msg.Properties.MessageID.([]byte)[0] = 0xFF
	*c1.msg.Properties.To = "changed"
	*c1.msg.Properties.GroupSequence = 9

	assert.Equal(t, []byte{1}, f.msg.Value.(map[string]any)["blob"])
	assert.Equal(t, []byte{9}, f.msg.ApplicationProperties["p"])
	assert.Equal(t, "ID:AMQP_BINARY:0102", f.MessageID())
	assert.Equal(t, "queue://q", *f.msg.Properties.To)
	assert.Equal(t, 4, f.GroupSequence())
}

func TestFromForeign(t *testing.T) {
	src := openwire.NewMessage(message.KindText)
	require.NoError(t, src.SetBody(message.TextBody("hi")))
	require.NoError(t, src.SetMessageID("ID:host-1:1:1:1"))
	require.NoError(t, src.SetCorrelationID("corr"))
	src.SetPriority(8)
	src.SetPersistent(false)
	src.SetRedeliveryCount(1)
	src.SetDestination(message.NewQueue("orders"))
	src.SetType("t")
	src.SetGroupID("g")
	src.SetGroupSequence(2)
	require.NoError(t, src.SetProperty("k", int32(5)))

	f, err := fromForeign(src, NewMessageFactory(nil, false))
	require.NoError(t, err)

	body, err := f.Body()
	require.NoError(t, err)
	assert.Equal(t, "hi", body.Text())
	assert.Equal(t, "ID:host-1:1:1:1", f.MessageID())
	assert.Equal(t, "corr", f.CorrelationID())
	assert.Equal(t, 8, f.Priority())
	assert.False(t, f.Persistent())
	assert.Equal(t, 2, f.DeliveryCount())
	assert.True(t, message.NewQueue("orders").Equal(f.Destination()))
	assert.Equal(t, "t", f.Type())
	assert.Equal(t, "g", f.GroupID())
	assert.Equal(t, 2, f.GroupSequence())
	v, ok := f.Property("k")
	require.True(t, ok)
	assert.Equal(t, int32(5), v)
}
