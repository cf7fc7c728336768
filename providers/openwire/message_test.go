package openwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu/message"
)

func populated() *Message {
	m := NewMessage(message.KindMap)
	_ = m.SetBody(message.MapBody(map[string]any{
		"n":     int32(1),
		"bytes": []byte{1, 2, 3},
		"list":  []any{"a", int64(2)},
	}))
	_ = m.SetMessageID("ID:abc:1:1:1")
	_ = m.SetCorrelationID("corr")
	m.SetTimestamp(time.UnixMilli(1700000000000))
	m.SetPriority(7)
	m.SetRedeliveryCount(2)
	m.SetDestination(message.NewQueue("orders"))
	m.SetReplyTo(message.NewTopic("replies"))
	m.SetType("order")
	m.SetGroupID("g")
	m.SetGroupSequence(3)
	m.SetBrokerInTime(time.UnixMilli(1700000000100))
	_ = m.SetProperty("region", "eu")
	_ = m.SetProperty("blob", []byte{9})
	return m
}

func TestMessage_CopyIsIndependentAndIdempotent(t *testing.T) {
	m := populated()

	c1 := m.Copy().(*Message)
	c2 := c1.Copy().(*Message)
	assert.Equal(t, m, c1)
	assert.Equal(t, c1, c2)

	// Mutating the copy's containers must not reach the original.
	body, err := c1.Body()
	require.NoError(t, err)
	body.Map()["bytes"].([]byte)[0] = 42
	body.Map()["n"] = int32(99)
	blob, _ := c1.Property("blob")
	blob.([]byte)[0] = 0
	c1.Destination().Name = "changed"

	orig, err := m.Body()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, orig.Map()["bytes"])
	assert.Equal(t, int32(1), orig.Map()["n"])
	origBlob, _ := m.Property("blob")
	assert.Equal(t, []byte{9}, origBlob)
	assert.Equal(t, "orders", m.Destination().Name)
}

func TestMessage_DeliveryCount(t *testing.T) {
	m := NewMessage(message.KindText)
	assert.Equal(t, 1, m.DeliveryCount())
	assert.False(t, m.Redelivered())

	m.SetRedelivered(true)
	assert.Equal(t, 1, m.RedeliveryCount())
	assert.Equal(t, 2, m.DeliveryCount())

	m.SetRedeliveryCount(4)
	m.SetRedelivered(true)
	assert.Equal(t, 5, m.DeliveryCount())

	m.SetRedelivered(false)
	assert.Equal(t, 1, m.DeliveryCount())
}

func TestMessage_SetBodyKind(t *testing.T) {
	m := NewMessage(message.KindText)
	assert.ErrorIs(t, m.SetBody(message.BytesBody([]byte("x"))), message.ErrBodyKindMismatch)
	require.NoError(t, m.SetBody(message.TextBody("hello")))

	m.ClearBody()
	b, err := m.Body()
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, message.KindText, b.Kind())
}

func TestMessage_OnSend(t *testing.T) {
	m := NewMessage(message.KindGeneric)
	m.OnSend(time.Minute)
	require.False(t, m.Timestamp().IsZero())
	assert.Equal(t, m.Timestamp().Add(time.Minute), m.Expiration())

	m.OnSend(0)
	assert.True(t, m.Expiration().IsZero())
}

func TestRegistry_OpenWireProperties(t *testing.T) {
	f := NewMessageFactory()
	msg, err := f.CreateMessage(message.KindText)
	require.NoError(t, err)

	_, ok := msg.Property(JMSActiveMQBrokerInTime)
	assert.False(t, ok)

	require.NoError(t, msg.SetProperty(JMSActiveMQBrokerInTime, int64(1700000000000)))
	require.NoError(t, msg.SetProperty(message.JMSXDeliveryCount, 3))
	require.NoError(t, msg.SetProperty("color", "blue"))

	v, ok := msg.Property(JMSActiveMQBrokerInTime)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), v)

	dc, _ := msg.Property(message.JMSXDeliveryCount)
	assert.Equal(t, 3, dc)
	assert.Equal(t, 2, msg.Facade().RedeliveryCount())

	assert.Equal(t, []string{JMSActiveMQBrokerInTime, message.JMSXDeliveryCount, "color"}, msg.PropertyNames())
}

func TestMessageFactory_AllKinds(t *testing.T) {
	f := NewMessageFactory()
	for _, kind := range []message.BodyKind{
		message.KindGeneric, message.KindBytes, message.KindText,
		message.KindMap, message.KindStream, message.KindObject,
	} {
		m, err := f.CreateMessage(kind)
		require.NoError(t, err, kind.String())
		assert.Equal(t, kind, m.Kind())
		assert.Equal(t, message.DefaultPriority, m.Priority())
	}

	_, err := f.CreateMessage(message.BodyKind(42))
	assert.ErrorIs(t, err, message.ErrUnsupportedKind)
}
