package message_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/openwire"
)

func newMessage(t *testing.T, kind message.BodyKind) *message.Message {
	t.Helper()
	m, err := openwire.NewMessageFactory().CreateMessage(kind)
	require.NoError(t, err)
	return m
}

func TestMessage_ReadOnlyAfterSend(t *testing.T) {
	m := newMessage(t, message.KindText)
	require.NoError(t, m.SetBody(message.TextBody("hello")))
	require.NoError(t, m.SetProperty("k", "v"))

	m.OnSend(0)
	assert.True(t, m.IsReadOnlyBody())
	assert.ErrorIs(t, m.SetBody(message.TextBody("again")), message.ErrMessageNotWriteable)
	assert.ErrorIs(t, m.SetProperty("k", "w"), message.ErrMessageNotWriteable)

	body, err := m.Body()
	require.NoError(t, err)
	assert.Equal(t, "hello", body.Text())

	m.ClearBody()
	require.NoError(t, m.SetBody(message.TextBody("again")))
	assert.ErrorIs(t, m.SetProperty("k", "w"), message.ErrMessageNotWriteable)

	m.ClearProperties()
	require.NoError(t, m.SetProperty("k", "w"))
	v, ok := m.Property("k")
	assert.True(t, ok)
	assert.Equal(t, "w", v)
}

func TestMessage_ReadOnlyAfterDispatch(t *testing.T) {
	m := newMessage(t, message.KindBytes)
	m.OnDispatch()
	assert.True(t, m.IsReadOnlyBody())
	assert.True(t, m.IsReadOnlyProperties())
	assert.ErrorIs(t, m.SetBody(message.BytesBody([]byte{1})), message.ErrMessageNotWriteable)
}

func TestMessage_SetPropertyValidation(t *testing.T) {
	tests := []struct {
		name    string
		prop    string
		value   any
		wantErr bool
	}{
		{name: "string", prop: "a", value: "x"},
		{name: "int64", prop: "a", value: int64(1)},
		{name: "float", prop: "a", value: 1.5},
		{name: "bool", prop: "a", value: true},
		{name: "empty name", prop: "", value: "x", wantErr: true},
		{name: "map value", prop: "a", value: map[string]any{}, wantErr: true},
		{name: "struct value", prop: "a", value: struct{}{}, wantErr: true},
		{name: "reserved priority", prop: message.JMSPriority, value: 12},
		{name: "reserved priority bad type", prop: message.JMSPriority, value: "high", wantErr: true},
		{name: "reserved delivery mode", prop: message.JMSDeliveryMode, value: message.NonPersistent},
		{name: "reserved delivery mode bad", prop: message.JMSDeliveryMode, value: "SOMETIMES", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMessage(t, message.KindGeneric)
			err := m.SetProperty(tt.prop, tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, message.ErrInvalidProperty)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_ReservedProperties(t *testing.T) {
	m := newMessage(t, message.KindText)

	require.NoError(t, m.SetProperty(message.JMSPriority, 12))
	assert.Equal(t, 9, m.Priority())

	require.NoError(t, m.SetProperty(message.JMSDeliveryMode, message.NonPersistent))
	assert.False(t, m.Persistent())
	mode, _ := m.Property(message.JMSDeliveryMode)
	assert.Equal(t, message.NonPersistent, mode)

	require.NoError(t, m.SetProperty(message.JMSTimestamp, int64(1700000000000)))
	assert.Equal(t, time.UnixMilli(1700000000000), m.Timestamp())

	require.NoError(t, m.SetProperty(message.JMSDestination, message.NewTopic("prices")))
	assert.Equal(t, "prices", m.Destination().Name)

	require.NoError(t, m.SetProperty(message.JMSXGroupID, "g1"))
	require.NoError(t, m.SetProperty(message.JMSXGroupSeq, 4))
	assert.Contains(t, m.PropertyNames(), message.JMSXGroupID)

	m.ClearProperties()
	assert.False(t, m.PropertyExists(message.JMSXGroupID))
	assert.False(t, m.PropertyExists(message.JMSXGroupSeq))
	// Headers survive clearing application properties.
	assert.Equal(t, 9, m.Priority())
}

func TestRegistry_Register(t *testing.T) {
	r := message.NewPropertyRegistry()
	var seen any
	r.Register("X_CUSTOM", message.PropertyInterceptor{
		Get: func(message.Facade) (any, bool) { return "computed", true },
		Set: func(_ message.Facade, v any) error {
			seen = v
			return nil
		},
	})

	m := message.New(openwire.NewMessage(message.KindGeneric), r)
	require.NoError(t, m.SetProperty("X_CUSTOM", struct{ n int }{1}))
	assert.Equal(t, struct{ n int }{1}, seen)

	v, ok := m.Property("X_CUSTOM")
	assert.True(t, ok)
	assert.Equal(t, "computed", v)
	assert.NotContains(t, m.PropertyNames(), "X_CUSTOM")
}

func TestRegistry_ReadOnlyInterceptor(t *testing.T) {
	r := message.NewPropertyRegistry()
	r.Register("X_RO", message.PropertyInterceptor{
		Get: func(message.Facade) (any, bool) { return 1, true },
	})
	m := message.New(openwire.NewMessage(message.KindGeneric), r)
	assert.ErrorIs(t, m.SetProperty("X_RO", 2), message.ErrInvalidProperty)
}

func TestMessage_Copy(t *testing.T) {
	m := newMessage(t, message.KindStream)
	require.NoError(t, m.SetBody(message.StreamBody([]any{[]byte("a"), "b"})))
	require.NoError(t, m.SetProperty("p", int32(1)))
	m.SetAcknowledgeCallback(func() error { return assert.AnError })

	c := m.Copy()
	assert.NoError(t, c.Acknowledge())
	assert.ErrorIs(t, m.Acknowledge(), assert.AnError)

	body, err := c.Body()
	require.NoError(t, err)
	body.Stream()[0].([]byte)[0] = 'z'

	orig, err := m.Body()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), orig.Stream()[0])
}

func TestBody_Copy(t *testing.T) {
	b := message.MapBody(map[string]any{
		"nested": map[string]any{"bytes": []byte{1}},
	})
	c := b.Copy()
	c.Map()["nested"].(map[string]any)["bytes"].([]byte)[0] = 2
	assert.Equal(t, []byte{1}, b.Map()["nested"].(map[string]any)["bytes"])

	assert.True(t, message.EmptyBody(message.KindText).IsEmpty())
	assert.False(t, message.TextBody("x").IsEmpty())
}

func TestDestination(t *testing.T) {
	q := message.NewQueue("orders")
	assert.True(t, q.IsQueue())
	assert.False(t, q.IsTopic())
	assert.Equal(t, "queue://orders", q.String())

	tmp := &message.Destination{Name: "t1", Kind: message.TemporaryTopic}
	assert.True(t, tmp.IsTopic())
	assert.True(t, tmp.IsTemporary())

	var nilDest *message.Destination
	assert.Nil(t, nilDest.Copy())
	assert.True(t, q.Equal(q.Copy()))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, message.ClampPriority(-3))
	assert.Equal(t, 4, message.ClampPriority(4))
	assert.Equal(t, 9, message.ClampPriority(10))
}
