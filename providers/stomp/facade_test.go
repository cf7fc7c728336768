package stomp

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/openwire"
)

func TestFacade_Defaults(t *testing.T) {
	f := newFacade(message.KindText, defaultAddressing)
	assert.True(t, f.Persistent())
	assert.Equal(t, message.DefaultPriority, f.Priority())
	assert.Equal(t, 1, f.DeliveryCount())
	assert.False(t, f.Redelivered())
	assert.Empty(t, f.PropertyNames())
	assert.Equal(t, "text/plain", f.contentType())
}

func TestFacade_InboundKind(t *testing.T) {
	tests := []struct {
		name   string
		header *frame.Header
		kind   message.BodyKind
	}{
		{"content-length means bytes", frame.NewHeader(HeaderContentLength, "3"), message.KindBytes},
		{"no content-length means text", frame.NewHeader(), message.KindText},
		{"nil header means text", nil, message.KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newInboundFacade(&stomp.Message{Header: tt.header, Body: []byte("abc")}, defaultAddressing)
			assert.Equal(t, tt.kind, f.Kind())
		})
	}
}

func TestFacade_Bodies(t *testing.T) {
	text := newFacade(message.KindText, defaultAddressing)
	require.NoError(t, text.SetBody(message.TextBody("hello")))
	b, err := text.Body()
	require.NoError(t, err)
	assert.Equal(t, "hello", b.Text())

	bytes := newFacade(message.KindBytes, defaultAddressing)
	raw := []byte{1, 2, 3}
	require.NoError(t, bytes.SetBody(message.BytesBody(raw)))
	raw[0] = 9
	b, err = bytes.Body()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
	assert.Equal(t, "application/octet-stream", bytes.contentType())

	assert.ErrorIs(t, text.SetBody(message.BytesBody(nil)), message.ErrBodyKindMismatch)

	text.ClearBody()
	b, err = text.Body()
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())
}

func TestFacade_Headers(t *testing.T) {
	f := newFacade(message.KindText, defaultAddressing)
	ts := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, f.SetMessageID("ID:1"))
	require.NoError(t, f.SetCorrelationID("c"))
	f.SetTimestamp(ts)
	f.SetPriority(7)
	f.SetPersistent(false)
	f.SetType("t")
	f.SetGroupID("g")
	f.SetGroupSequence(3)
	f.SetDestination(message.NewTopic("prices"))
	f.SetReplyTo(&message.Destination{Name: "r", Kind: message.TemporaryQueue})

	assert.Equal(t, "ID:1", f.header.Get(HeaderMessageID))
	assert.Equal(t, "1700000000000", f.header.Get(HeaderTimestamp))
	assert.Equal(t, "7", f.header.Get(HeaderPriority))
	assert.Equal(t, "false", f.header.Get(HeaderPersistent))
	assert.Equal(t, "/topic/prices", f.header.Get(HeaderDestination))
	assert.Equal(t, "/temp-queue/r", f.header.Get(HeaderReplyTo))

	assert.Equal(t, ts, f.Timestamp())
	assert.True(t, message.NewTopic("prices").Equal(f.Destination()))
	assert.Equal(t, message.TemporaryQueue, f.ReplyTo().Kind)
	assert.Equal(t, 3, f.GroupSequence())

	f.SetPriority(message.DefaultPriority)
	_, ok := f.header.Contains(HeaderPriority)
	assert.False(t, ok)

	require.NoError(t, f.SetCorrelationID(""))
	_, ok = f.header.Contains(HeaderCorrelationID)
	assert.False(t, ok)
}

func TestFacade_OnSend(t *testing.T) {
	f := newFacade(message.KindText, defaultAddressing)
	f.OnSend(time.Minute)
	require.False(t, f.Timestamp().IsZero())
	assert.Equal(t, f.Timestamp().Add(time.Minute), f.Expiration())

	f.OnSend(0)
	assert.True(t, f.Expiration().IsZero())
}

func TestFacade_PropertiesAreStrings(t *testing.T) {
	f := newFacade(message.KindText, defaultAddressing)
	require.NoError(t, f.SetProperty("count", int32(5)))
	require.NoError(t, f.SetProperty("ok", true))
	require.NoError(t, f.SetProperty("name", "x"))

	v, ok := f.Property("count")
	require.True(t, ok)
	assert.Equal(t, "5", v)
	v, _ = f.Property("ok")
	assert.Equal(t, "true", v)
	assert.Equal(t, []string{"count", "name", "ok"}, f.PropertyNames())

	assert.ErrorIs(t, f.SetProperty(HeaderDestination, "x"), message.ErrInvalidProperty)
	assert.ErrorIs(t, f.SetProperty("m", map[string]any{}), message.ErrInvalidProperty)
	_, ok = f.Property(HeaderPersistent)
	assert.False(t, ok)

	require.NoError(t, f.SetProperty("name", nil))
	assert.Equal(t, []string{"count", "ok"}, f.PropertyNames())

	f.ClearProperties()
	assert.Empty(t, f.PropertyNames())
	assert.True(t, f.Persistent())
}

func TestFacade_Redelivery(t *testing.T) {
	f := newInboundFacade(&stomp.Message{Header: frame.NewHeader(HeaderRedelivered, "true")}, defaultAddressing)
	assert.True(t, f.Redelivered())
	assert.Equal(t, 2, f.DeliveryCount())

	f.SetRedelivered(false)
	assert.Equal(t, 0, f.RedeliveryCount())
	f.SetRedeliveryCount(3)
	f.SetRedelivered(true)
	assert.Equal(t, 3, f.RedeliveryCount())
}

func TestFacade_CopyIsIndependent(t *testing.T) {
	f := newFacade(message.KindBytes, defaultAddressing)
	require.NoError(t, f.SetBody(message.BytesBody([]byte{1})))
	require.NoError(t, f.SetProperty("k", "v"))

	c := f.Copy().(*Facade)
	c.body[0] = 2
	require.NoError(t, c.SetProperty("k", "changed"))

	v, _ := f.Property("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, []byte{1}, f.body)

	again := c.Copy().(*Facade)
	assert.Equal(t, c.header.Get("k"), again.header.Get("k"))
	assert.Equal(t, c.body, again.body)
}

func TestFacade_SendOptions(t *testing.T) {
	text := newFacade(message.KindText, defaultAddressing)
	text.SetDestination(message.NewQueue("q"))
	require.NoError(t, text.SetProperty("k", "v"))
	// persistent and k, plus NoContentLength.
	assert.Len(t, text.sendOptions(), 3)

	bytes := newFacade(message.KindBytes, defaultAddressing)
	bytes.header.Set(HeaderContentType, "application/json")
	assert.Len(t, bytes.sendOptions(), 1)
	assert.Equal(t, "application/json", bytes.contentType())
}

func TestAddressing(t *testing.T) {
	tests := []struct {
		address string
		dest    *message.Destination
	}{
		{"/queue/orders", message.NewQueue("orders")},
		{"/topic/prices", message.NewTopic("prices")},
		{"/temp-queue/t1", &message.Destination{Name: "t1", Kind: message.TemporaryQueue}},
		{"/temp-topic/t2", &message.Destination{Name: "t2", Kind: message.TemporaryTopic}},
		{"plain", message.NewQueue("plain")},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.True(t, tt.dest.Equal(defaultAddressing.destination(tt.address)))
		})
	}
	assert.Nil(t, defaultAddressing.destination(""))
	assert.Equal(t, "", defaultAddressing.address(nil))

	custom := addressing{queuePrefix: "q.", topicPrefix: "t."}
	assert.Equal(t, "t.prices", custom.address(message.NewTopic("prices")))
	assert.True(t, message.NewTopic("prices").Equal(custom.destination("t.prices")))
}

func TestMessageFactory(t *testing.T) {
	f := NewMessageFactory()
	for _, kind := range []message.BodyKind{message.KindGeneric, message.KindText, message.KindBytes} {
		m, err := f.CreateMessage(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, m.Facade().Kind())
	}
	for _, kind := range []message.BodyKind{message.KindMap, message.KindStream, message.KindObject} {
		_, err := f.CreateMessage(kind)
		assert.ErrorIs(t, err, message.ErrUnsupportedKind)
	}

	f.setAddressing(addressing{queuePrefix: "q.", topicPrefix: "t."})
	m, err := f.CreateMessage(message.KindText)
	require.NoError(t, err)
	m.Facade().SetDestination(message.NewQueue("x"))
	assert.Equal(t, "q.x", m.Facade().(*Facade).header.Get(HeaderDestination))
}

func TestFromForeign(t *testing.T) {
	src := openwire.NewMessage(message.KindText)
	require.NoError(t, src.SetBody(message.TextBody("hi")))
	require.NoError(t, src.SetMessageID("ID:host-1:1:1:1"))
	src.SetPriority(8)
	src.SetPersistent(false)
	src.SetDestination(message.NewQueue("orders"))
	require.NoError(t, src.SetProperty("k", int32(5)))

	f, err := fromForeign(src, NewMessageFactory())
	require.NoError(t, err)

	body, err := f.Body()
	require.NoError(t, err)
	assert.Equal(t, "hi", body.Text())
	assert.Equal(t, "ID:host-1:1:1:1", f.MessageID())
	assert.Equal(t, 8, f.Priority())
	assert.False(t, f.Persistent())
	assert.Equal(t, "/queue/orders", f.header.Get(HeaderDestination))
	v, _ := f.Property("k")
	assert.Equal(t, "5", v)

	_, err = fromForeign(openwire.NewMessage(message.KindMap), NewMessageFactory())
	assert.ErrorIs(t, err, message.ErrUnsupportedKind)
}
