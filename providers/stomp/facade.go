package stomp

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/venderneutral/kyu/message"
)

// Frame headers carrying message fields.
const (
	HeaderDestination   = "destination"
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
	HeaderExpires       = "expires"
	HeaderPriority      = "priority"
	HeaderPersistent    = "persistent"
	HeaderTimestamp     = "timestamp"
	HeaderType          = "type"
	HeaderRedelivered   = "redelivered"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderUserID        = "JMSXUserID"
	HeaderGroupID       = "JMSXGroupID"
	HeaderGroupSeq      = "JMSXGroupSeq"

	headerSubscription = "subscription"
	headerAck          = "ack"
	headerReceipt      = "receipt"
	headerSelector     = "selector"
	headerPrefetch     = "activemq.prefetchSize"
)

// reserved headers are never reported as application properties.
var reserved = map[string]bool{
	HeaderDestination:   true,
	HeaderMessageID:     true,
	HeaderCorrelationID: true,
	HeaderReplyTo:       true,
	HeaderExpires:       true,
	HeaderPriority:      true,
	HeaderPersistent:    true,
	HeaderTimestamp:     true,
	HeaderType:          true,
	HeaderRedelivered:   true,
	HeaderContentLength: true,
	HeaderContentType:   true,
	HeaderUserID:        true,
	HeaderGroupID:       true,
	HeaderGroupSeq:      true,
	headerSubscription:  true,
	headerAck:           true,
	headerReceipt:       true,
}

// Destination prefixes used by ActiveMQ, Artemis and RabbitMQ.
const (
	QueuePrefix     = "/queue/"
	TopicPrefix     = "/topic/"
	TempQueuePrefix = "/temp-queue/"
	TempTopicPrefix = "/temp-topic/"
)

type addressing struct {
	queuePrefix string
	topicPrefix string
}

var defaultAddressing = addressing{queuePrefix: QueuePrefix, topicPrefix: TopicPrefix}

func (a addressing) address(d *message.Destination) string {
	if d == nil {
		return ""
	}
	switch d.Kind {
	case message.TemporaryQueue:
		return TempQueuePrefix + d.Name
	case message.TemporaryTopic:
		return TempTopicPrefix + d.Name
	case message.Topic:
		return a.topicPrefix + d.Name
	default:
		return a.queuePrefix + d.Name
	}
}

func (a addressing) destination(address string) *message.Destination {
	switch {
	case address == "":
		return nil
	case strings.HasPrefix(address, TempQueuePrefix):
		return &message.Destination{Name: strings.TrimPrefix(address, TempQueuePrefix), Kind: message.TemporaryQueue}
	case strings.HasPrefix(address, TempTopicPrefix):
		return &message.Destination{Name: strings.TrimPrefix(address, TempTopicPrefix), Kind: message.TemporaryTopic}
	case a.topicPrefix != "" && strings.HasPrefix(address, a.topicPrefix):
		return message.NewTopic(strings.TrimPrefix(address, a.topicPrefix))
	default:
		return message.NewQueue(strings.TrimPrefix(address, a.queuePrefix))
	}
}

// Facade is the STOMP frame facade: every field is a frame header and the
// body is the raw frame body. Bytes messages carry content-length, text
// messages do not, which is how a receiver tells them apart.
type Facade struct {
	kind         message.BodyKind
	header       *frame.Header
	body         []byte
	redeliveries int
	addr         addressing
}

var _ message.Facade = (*Facade)(nil)

func newFacade(kind message.BodyKind, addr addressing) *Facade {
	f := &Facade{kind: kind, header: frame.NewHeader(), addr: addr}
	f.header.Set(HeaderPersistent, "true")
	return f
}

// newInboundFacade wraps a received MESSAGE frame.
func newInboundFacade(msg *stomp.Message, addr addressing) *Facade {
	f := &Facade{kind: message.KindText, header: frame.NewHeader(), body: msg.Body, addr: addr}
	if msg.Header != nil {
		f.header = msg.Header.Clone()
	}
	if _, ok := f.header.Contains(HeaderContentLength); ok {
		f.kind = message.KindBytes
	}
	if f.header.Get(HeaderRedelivered) == "true" {
		f.redeliveries = 1
	}
	return f
}

func (f *Facade) Kind() message.BodyKind { return f.kind }

func (f *Facade) Body() (message.Body, error) {
	switch f.kind {
	case message.KindText:
		if f.body == nil {
			return message.EmptyBody(message.KindText), nil
		}
		return message.TextBody(string(f.body)), nil
	case message.KindBytes:
		return message.BytesBody(slices.Clone(f.body)), nil
	default:
		return message.EmptyBody(f.kind), nil
	}
}

func (f *Facade) SetBody(b message.Body) error {
	if b.Kind() != f.kind {
		return message.ErrBodyKindMismatch
	}
	switch f.kind {
	case message.KindText:
		f.body = []byte(b.Text())
	case message.KindBytes:
		f.body = slices.Clone(b.Bytes())
	}
	return nil
}

func (f *Facade) ClearBody() { f.body = nil }

func (f *Facade) set(name, value string) {
	if value == "" {
		f.header.Del(name)
		return
	}
	f.header.Set(name, value)
}

func (f *Facade) millis(name string) time.Time {
	ms, err := strconv.ParseInt(f.header.Get(name), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (f *Facade) setMillis(name string, t time.Time) {
	if t.IsZero() {
		f.header.Del(name)
		return
	}
	f.header.Set(name, strconv.FormatInt(t.UnixMilli(), 10))
}

func (f *Facade) MessageID() string { return f.header.Get(HeaderMessageID) }

func (f *Facade) SetMessageID(id string) error {
	f.set(HeaderMessageID, id)
	return nil
}

func (f *Facade) CorrelationID() string { return f.header.Get(HeaderCorrelationID) }

func (f *Facade) SetCorrelationID(id string) error {
	f.set(HeaderCorrelationID, id)
	return nil
}

func (f *Facade) Timestamp() time.Time      { return f.millis(HeaderTimestamp) }
func (f *Facade) SetTimestamp(t time.Time)  { f.setMillis(HeaderTimestamp, t) }
func (f *Facade) Expiration() time.Time     { return f.millis(HeaderExpires) }
func (f *Facade) SetExpiration(t time.Time) { f.setMillis(HeaderExpires, t) }

func (f *Facade) Persistent() bool { return f.header.Get(HeaderPersistent) == "true" }

func (f *Facade) SetPersistent(p bool) { f.header.Set(HeaderPersistent, strconv.FormatBool(p)) }

func (f *Facade) Priority() int {
	p, err := strconv.Atoi(f.header.Get(HeaderPriority))
	if err != nil {
		return message.DefaultPriority
	}
	return message.ClampPriority(p)
}

func (f *Facade) SetPriority(p int) {
	p = message.ClampPriority(p)
	if p == message.DefaultPriority {
		f.header.Del(HeaderPriority)
		return
	}
	f.header.Set(HeaderPriority, strconv.Itoa(p))
}

func (f *Facade) RedeliveryCount() int { return f.redeliveries }
func (f *Facade) DeliveryCount() int   { return f.redeliveries + 1 }
func (f *Facade) Redelivered() bool    { return f.redeliveries > 0 }

func (f *Facade) SetRedeliveryCount(n int) { f.redeliveries = max(n, 0) }

func (f *Facade) SetRedelivered(r bool) {
	switch {
	case r && f.redeliveries == 0:
		f.redeliveries = 1
	case !r:
		f.redeliveries = 0
	}
}

func (f *Facade) Destination() *message.Destination {
	return f.addr.destination(f.header.Get(HeaderDestination))
}

func (f *Facade) SetDestination(d *message.Destination) { f.set(HeaderDestination, f.addr.address(d)) }

func (f *Facade) ReplyTo() *message.Destination {
	return f.addr.destination(f.header.Get(HeaderReplyTo))
}

func (f *Facade) SetReplyTo(d *message.Destination) { f.set(HeaderReplyTo, f.addr.address(d)) }

func (f *Facade) Type() string        { return f.header.Get(HeaderType) }
func (f *Facade) SetType(t string)    { f.set(HeaderType, t) }
func (f *Facade) UserID() string      { return f.header.Get(HeaderUserID) }
func (f *Facade) SetUserID(u string)  { f.set(HeaderUserID, u) }
func (f *Facade) GroupID() string     { return f.header.Get(HeaderGroupID) }
func (f *Facade) SetGroupID(g string) { f.set(HeaderGroupID, g) }

func (f *Facade) GroupSequence() int {
	n, _ := strconv.Atoi(f.header.Get(HeaderGroupSeq))
	return n
}

func (f *Facade) SetGroupSequence(n int) {
	if n == 0 {
		f.header.Del(HeaderGroupSeq)
		return
	}
	f.header.Set(HeaderGroupSeq, strconv.Itoa(n))
}

// PropertyNames lists the non-reserved headers. Header values are strings, so
// properties read back as strings whatever type they were set with.
func (f *Facade) PropertyNames() []string {
	var names []string
	for i := range f.header.Len() {
		k, _ := f.header.GetAt(i)
		if !reserved[k] && !slices.Contains(names, k) {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}

func (f *Facade) Property(name string) (any, bool) {
	if reserved[name] {
		return nil, false
	}
	v, ok := f.header.Contains(name)
	if !ok {
		return nil, false
	}
	return v, true
}

func (f *Facade) SetProperty(name string, value any) error {
	if reserved[name] {
		return fmt.Errorf("%w: %s is a frame header", message.ErrInvalidProperty, name)
	}
	if value == nil {
		f.header.Del(name)
		return nil
	}
	s, err := headerValue(value)
	if err != nil {
		return err
	}
	f.header.Set(name, s)
	return nil
}

func headerValue(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("%w: %T cannot be a STOMP header", message.ErrInvalidProperty, v)
	}
}

func (f *Facade) ClearProperties() {
	for _, name := range f.PropertyNames() {
		f.header.Del(name)
	}
}

func (f *Facade) OnSend(ttl time.Duration) {
	ts := f.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
		f.SetTimestamp(ts)
	}
	if ttl > 0 {
		f.SetExpiration(ts.Add(ttl))
	} else {
		f.SetExpiration(time.Time{})
	}
}

func (f *Facade) OnDispatch() {}

func (f *Facade) Copy() message.Facade {
	c := *f
	c.header = f.header.Clone()
	c.body = slices.Clone(f.body)
	return &c
}

// contentType is the content-type of the SEND frame.
func (f *Facade) contentType() string {
	if ct := f.header.Get(HeaderContentType); ct != "" {
		return ct
	}
	if f.kind == message.KindBytes {
		return "application/octet-stream"
	}
	return "text/plain"
}

// sendOptions carries every header except those go-stomp sets itself.
func (f *Facade) sendOptions() []func(*frame.Frame) error {
	var opts []func(*frame.Frame) error
	for i := range f.header.Len() {
		k, v := f.header.GetAt(i)
		switch k {
		case HeaderDestination, HeaderContentLength, HeaderContentType, headerSubscription, headerAck, headerReceipt:
			continue
		}
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if f.kind != message.KindBytes {
		opts = append(opts, stomp.SendOpt.NoContentLength)
	}
	return opts
}
