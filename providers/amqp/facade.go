package amqp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	goamqp "github.com/Azure/go-amqp"

	"github.com/venderneutral/kyu/message"
)

// OctetStreamContentType is set on bytes message bodies.
const OctetStreamContentType = "application/octet-stream"

// Facade adapts an AMQP 1.0 message to the canonical message model.
//
// Text, map and typed object bodies are AmqpValue sections, bytes and
// serialized object bodies are Data sections, and stream bodies are an
// AmqpSequence. The message kind travels in the x-opt-jms-msg-type
// annotation.
type Facade struct {
	msg   *goamqp.Message
	kind  message.BodyKind
	addr  addressing
	codec ObjectCodec

	// typedEncoding selects AmqpValue over serialized Data for object bodies. It
	// is fixed when the facade is created.
	typedEncoding bool

	// consumerDest is the destination of the consumer that received the
	// message, used when the message carries no To address.
	consumerDest *message.Destination

	// amqpTTL overrides the producer's time to live when set through
	// JMS_AMQP_TTL.
	amqpTTL *time.Duration
}

var _ message.Facade = (*Facade)(nil)

func newOutboundFacade(kind message.BodyKind, typed bool, codec ObjectCodec, addr addressing) *Facade {
	f := &Facade{
		msg: &goamqp.Message{
			Header:     &goamqp.MessageHeader{Durable: true, Priority: message.DefaultPriority},
			Properties: &goamqp.MessageProperties{},
		},
		kind:          kind,
		addr:          addr,
		codec:         codec,
		typedEncoding: typed && kind == message.KindObject,
	}
	f.setAnnotation(annotationMsgType, msgTypeOf(kind))
	if kind == message.KindObject && !f.typedEncoding {
		f.setContentType(SerializedObjectContentType)
	}
	return f
}

// newInboundFacade wraps a received message. The kind comes from the message
// type annotation or, without one, from the body section.
func newInboundFacade(msg *goamqp.Message, codec ObjectCodec, addr addressing, consumerDest *message.Destination) *Facade {
	f := &Facade{msg: msg, addr: addr, codec: codec, consumerDest: consumerDest}
	f.kind, f.typedEncoding = inferKind(msg)
	return f
}

func inferKind(msg *goamqp.Message) (message.BodyKind, bool) {
	if t, ok := annotationByte(annotation(msg.Annotations, annotationMsgType)); ok {
		if kind, ok := kindOfMsgType(t); ok {
			return kind, kind == message.KindObject && msg.Value != nil
		}
	}

	switch {
	case len(msg.Data) > 0:
		ct := ""
		if msg.Properties != nil && msg.Properties.ContentType != nil {
			ct = *msg.Properties.ContentType
		}
		switch {
		case ct == SerializedObjectContentType:
			return message.KindObject, false
		case strings.HasPrefix(ct, "text/"):
			return message.KindText, false
		default:
			return message.KindBytes, false
		}
	case len(msg.Sequence) > 0:
		return message.KindStream, false
	case msg.Value != nil:
		switch msg.Value.(type) {
		case string:
			return message.KindText, false
		case []byte:
			return message.KindBytes, false
		case map[string]any, map[any]any:
			return message.KindMap, false
		case []any:
			return message.KindStream, false
		default:
			return message.KindObject, true
		}
	default:
		return message.KindGeneric, false
	}
}

// AMQPMessage returns the underlying AMQP message.
func (f *Facade) AMQPMessage() *goamqp.Message { return f.msg }

// TypedEncoding reports whether an object body is sent as an AMQP typed value.
func (f *Facade) TypedEncoding() bool { return f.typedEncoding }

func (f *Facade) Kind() message.BodyKind { return f.kind }

func (f *Facade) header() *goamqp.MessageHeader {
	if f.msg.Header == nil {
		f.msg.Header = &goamqp.MessageHeader{Priority: message.DefaultPriority}
	}
	return f.msg.Header
}

func (f *Facade) props() *goamqp.MessageProperties {
	if f.msg.Properties == nil {
		f.msg.Properties = &goamqp.MessageProperties{}
	}
	return f.msg.Properties
}

func (f *Facade) setAnnotation(key string, v any) {
	if f.msg.Annotations == nil {
		f.msg.Annotations = goamqp.Annotations{}
	}
	f.msg.Annotations[key] = v
}

func (f *Facade) deleteAnnotation(key string) {
	if f.msg.Annotations != nil {
		delete(f.msg.Annotations, key)
	}
}

func (f *Facade) contentType() string {
	if f.msg.Properties == nil || f.msg.Properties.ContentType == nil {
		return ""
	}
	return *f.msg.Properties.ContentType
}

func (f *Facade) setContentType(ct string) {
	if ct == "" {
		f.props().ContentType = nil
		return
	}
	f.props().ContentType = &ct
}

func (f *Facade) Body() (message.Body, error) {
	switch f.kind {
	case message.KindText:
		s, err := f.text()
		if err != nil {
			return message.Body{}, err
		}
		return message.TextBody(s), nil
	case message.KindBytes:
		return message.BytesBody(f.data()), nil
	case message.KindMap:
		m, err := f.mapBody()
		if err != nil {
			return message.Body{}, err
		}
		return message.MapBody(m), nil
	case message.KindStream:
		l, err := f.streamBody()
		if err != nil {
			return message.Body{}, err
		}
		return message.StreamBody(l), nil
	case message.KindObject:
		if f.typedEncoding {
			return message.ObjectBody(f.msg.Value), nil
		}
		data := f.data()
		if data == nil {
			return message.EmptyBody(message.KindObject), nil
		}
		v, err := f.codec.Decode(data)
		if err != nil {
			return message.Body{}, err
		}
		return message.ObjectBody(v), nil
	default:
		return message.EmptyBody(message.KindGeneric), nil
	}
}

func (f *Facade) text() (string, error) {
	switch v := f.msg.Value.(type) {
	case nil:
		if data := f.data(); data != nil {
			return string(data), nil
		}
		return "", nil
	case string:
		return v, nil
	default:
		return "", message.Conversionf(fmt.Sprint(v), "text body holds %T", v)
	}
}

func (f *Facade) data() []byte {
	switch len(f.msg.Data) {
	case 0:
		if b, ok := f.msg.Value.([]byte); ok {
			return b
		}
		return nil
	case 1:
		return f.msg.Data[0]
	default:
		var out []byte
		for _, d := range f.msg.Data {
			out = append(out, d...)
		}
		return out
	}
}

func (f *Facade) mapBody() (map[string]any, error) {
	switch v := f.msg.Value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[fmt.Sprint(k)] = e
		}
		return m, nil
	default:
		return nil, message.Conversionf(fmt.Sprint(v), "map body holds %T", v)
	}
}

func (f *Facade) streamBody() ([]any, error) {
	if len(f.msg.Sequence) > 0 {
		var out []any
		for _, s := range f.msg.Sequence {
			out = append(out, s...)
		}
		return out, nil
	}
	switch v := f.msg.Value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, message.Conversionf(fmt.Sprint(v), "stream body holds %T", v)
	}
}

func (f *Facade) SetBody(b message.Body) error {
	if b.Kind() != f.kind {
		return message.ErrBodyKindMismatch
	}
	switch b.Kind() {
	case message.KindText:
		f.clearSections()
		f.msg.Value = b.Text()
	case message.KindBytes:
		f.clearSections()
		if b.Bytes() != nil {
			f.msg.Data = [][]byte{b.Bytes()}
		}
		f.setContentType(OctetStreamContentType)
	case message.KindMap:
		f.clearSections()
		if b.Map() != nil {
			f.msg.Value = b.Map()
		}
	case message.KindStream:
		f.clearSections()
		if b.Stream() != nil {
			f.msg.Sequence = [][]any{b.Stream()}
		}
	case message.KindObject:
		if f.typedEncoding {
			f.clearSections()
			f.msg.Value = b.Object()
			return nil
		}
		var data []byte
		if b.Object() != nil {
			var err error
			if data, err = f.codec.Encode(b.Object()); err != nil {
				return err
			}
		}
		f.clearSections()
		if data != nil {
			f.msg.Data = [][]byte{data}
		}
	}
	return nil
}

func (f *Facade) ClearBody() { f.clearSections() }

func (f *Facade) clearSections() {
	f.msg.Value = nil
	f.msg.Data = nil
	f.msg.Sequence = nil
}

func (f *Facade) MessageID() string {
	if f.msg.Properties == nil {
		return ""
	}
	base, err := ToBaseMessageIDString(f.msg.Properties.MessageID)
	if err != nil || base == "" {
		return ""
	}
	if !HasIDPrefix(base) {
		return IDPrefix + base
	}
	return base
}

// SetMessageID stores id without its "ID:" prefix, restoring typed ids to
// their wire type.
func (f *Facade) SetMessageID(id string) error {
	obj, err := ToIDObject(StripIDPrefix(id))
	if err != nil {
		return err
	}
	f.props().MessageID = obj
	return nil
}

// CorrelationID returns string correlation ids unchanged and typed ids in
// their "ID:" prefixed string form.
func (f *Facade) CorrelationID() string {
	if f.msg.Properties == nil {
		return ""
	}
	switch v := f.msg.Properties.CorrelationID.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		base, err := ToBaseMessageIDString(v)
		if err != nil {
			return ""
		}
		return IDPrefix + base
	}
}

func (f *Facade) SetCorrelationID(id string) error {
	if id == "" {
		f.props().CorrelationID = nil
		return nil
	}
	if !HasIDPrefix(id) {
		f.props().CorrelationID = id
		return nil
	}
	obj, err := ToIDObject(StripIDPrefix(id))
	if err != nil {
		return err
	}
	if _, isString := obj.(string); isString {
		obj = id
	}
	f.props().CorrelationID = obj
	return nil
}

func (f *Facade) Timestamp() time.Time {
	if f.msg.Properties == nil || f.msg.Properties.CreationTime == nil {
		return time.Time{}
	}
	return *f.msg.Properties.CreationTime
}

func (f *Facade) SetTimestamp(t time.Time) {
	if t.IsZero() {
		f.props().CreationTime = nil
		return
	}
	f.props().CreationTime = &t
}

func (f *Facade) Expiration() time.Time {
	if f.msg.Properties == nil || f.msg.Properties.AbsoluteExpiryTime == nil {
		return time.Time{}
	}
	return *f.msg.Properties.AbsoluteExpiryTime
}

func (f *Facade) SetExpiration(t time.Time) {
	if t.IsZero() {
		f.props().AbsoluteExpiryTime = nil
		return
	}
	f.props().AbsoluteExpiryTime = &t
}

func (f *Facade) Persistent() bool     { return f.msg.Header != nil && f.msg.Header.Durable }
func (f *Facade) SetPersistent(p bool) { f.header().Durable = p }

func (f *Facade) Priority() int {
	if f.msg.Header == nil {
		return message.DefaultPriority
	}
	return message.ClampPriority(int(f.msg.Header.Priority))
}

func (f *Facade) SetPriority(p int) { f.header().Priority = uint8(message.ClampPriority(p)) }

// RedeliveryCount is the header delivery-count, which counts prior failed
// delivery attempts.
func (f *Facade) RedeliveryCount() int {
	if f.msg.Header == nil {
		return 0
	}
	return int(f.msg.Header.DeliveryCount)
}

func (f *Facade) SetRedeliveryCount(n int) {
	if n < 0 {
		n = 0
	}
	f.header().DeliveryCount = uint32(n)
}

func (f *Facade) DeliveryCount() int { return f.RedeliveryCount() + 1 }
func (f *Facade) Redelivered() bool  { return f.RedeliveryCount() > 0 }

func (f *Facade) SetRedelivered(r bool) {
	switch {
	case r && f.RedeliveryCount() == 0:
		f.SetRedeliveryCount(1)
	case !r:
		f.SetRedeliveryCount(0)
	}
}

func (f *Facade) Destination() *message.Destination {
	if f.msg.Properties == nil || f.msg.Properties.To == nil {
		return f.consumerDest.Copy()
	}
	fallback := message.Queue
	if f.consumerDest != nil {
		fallback = f.consumerDest.Kind
	}
	return f.addr.destination(*f.msg.Properties.To, annotation(f.msg.Annotations, annotationDest), fallback)
}

func (f *Facade) SetDestination(d *message.Destination) {
	if d == nil {
		f.props().To = nil
		f.deleteAnnotation(annotationDest)
		return
	}
	to := f.addr.address(d)
	f.props().To = &to
	f.setAnnotation(annotationDest, destTypeOf(d.Kind))
}

func (f *Facade) ReplyTo() *message.Destination {
	if f.msg.Properties == nil || f.msg.Properties.ReplyTo == nil {
		return nil
	}
	return f.addr.destination(*f.msg.Properties.ReplyTo, annotation(f.msg.Annotations, annotationReplyTo), message.Queue)
}

func (f *Facade) SetReplyTo(d *message.Destination) {
	if d == nil {
		f.props().ReplyTo = nil
		f.deleteAnnotation(annotationReplyTo)
		return
	}
	addr := f.addr.address(d)
	f.props().ReplyTo = &addr
	f.setAnnotation(annotationReplyTo, destTypeOf(d.Kind))
}

func (f *Facade) Type() string {
	if f.msg.Properties == nil || f.msg.Properties.Subject == nil {
		return ""
	}
	return *f.msg.Properties.Subject
}

func (f *Facade) SetType(t string) { f.props().Subject = optString(t) }

func (f *Facade) UserID() string {
	if f.msg.Properties == nil {
		return ""
	}
	return string(f.msg.Properties.UserID)
}

func (f *Facade) SetUserID(u string) {
	if u == "" {
		f.props().UserID = nil
		return
	}
	f.props().UserID = []byte(u)
}

func (f *Facade) GroupID() string {
	if f.msg.Properties == nil || f.msg.Properties.GroupID == nil {
		return ""
	}
	return *f.msg.Properties.GroupID
}

func (f *Facade) SetGroupID(g string) { f.props().GroupID = optString(g) }

func (f *Facade) GroupSequence() int {
	if f.msg.Properties == nil || f.msg.Properties.GroupSequence == nil {
		return 0
	}
	return int(*f.msg.Properties.GroupSequence)
}

func (f *Facade) SetGroupSequence(s int) {
	if s == 0 {
		f.props().GroupSequence = nil
		return
	}
	seq := uint32(s)
	f.props().GroupSequence = &seq
}

func (f *Facade) PropertyNames() []string {
	names := make([]string, 0, len(f.msg.ApplicationProperties))
	for name := range f.msg.ApplicationProperties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Facade) Property(name string) (any, bool) {
	v, ok := f.msg.ApplicationProperties[name]
	return v, ok
}

func (f *Facade) SetProperty(name string, value any) error {
	if value == nil {
		delete(f.msg.ApplicationProperties, name)
		return nil
	}
	if f.msg.ApplicationProperties == nil {
		f.msg.ApplicationProperties = make(map[string]any)
	}
	f.msg.ApplicationProperties[name] = value
	return nil
}

func (f *Facade) ClearProperties() { f.msg.ApplicationProperties = nil }

// OnSend sets the header TTL and absolute expiry. A TTL set through
// JMS_AMQP_TTL wins over ttl.
func (f *Facade) OnSend(ttl time.Duration) {
	f.setAnnotation(annotationMsgType, msgTypeOf(f.kind))
	if f.amqpTTL != nil {
		ttl = *f.amqpTTL
	}
	if ttl <= 0 {
		f.header().TTL = 0
		f.SetExpiration(time.Time{})
		return
	}
	f.header().TTL = ttl
	base := f.Timestamp()
	if base.IsZero() {
		base = time.Now()
	}
	f.SetExpiration(base.Add(ttl))
}

func (f *Facade) OnDispatch() {}

func (f *Facade) Copy() message.Facade {
	c := *f
	c.msg = copyMessage(f.msg)
	c.consumerDest = f.consumerDest.Copy()
	if f.amqpTTL != nil {
		ttl := *f.amqpTTL
		c.amqpTTL = &ttl
	}
	return &c
}

func copyMessage(m *goamqp.Message) *goamqp.Message {
	c := &goamqp.Message{Format: m.Format}
	if m.Header != nil {
		h := *m.Header
		c.Header = &h
	}
	if m.Properties != nil {
		c.Properties = copyProperties(m.Properties)
	}
	c.DeliveryAnnotations = copyAnnotations(m.DeliveryAnnotations)
	c.Annotations = copyAnnotations(m.Annotations)
	c.Footer = copyAnnotations(m.Footer)
	if m.ApplicationProperties != nil {
		c.ApplicationProperties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			c.ApplicationProperties[k] = message.CopyValue(v)
		}
	}
	if m.Data != nil {
		c.Data = make([][]byte, len(m.Data))
		for i, d := range m.Data {
			c.Data[i] = append([]byte(nil), d...)
		}
	}
	if m.Sequence != nil {
		c.Sequence = make([][]any, len(m.Sequence))
		for i, s := range m.Sequence {
			c.Sequence[i] = message.CopyValue(s).([]any)
		}
	}
	c.Value = message.CopyValue(m.Value)
	return c
}

func copyAnnotations(a goamqp.Annotations) goamqp.Annotations {
	if a == nil {
		return nil
	}
	c := make(goamqp.Annotations, len(a))
	for k, v := range a {
		c[k] = message.CopyValue(v)
	}
	return c
}

func copyProperties(p *goamqp.MessageProperties) *goamqp.MessageProperties {
	c := &goamqp.MessageProperties{
		MessageID:       message.CopyValue(p.MessageID),
		CorrelationID:   message.CopyValue(p.CorrelationID),
		To:              copyPtr(p.To),
		Subject:         copyPtr(p.Subject),
		ReplyTo:         copyPtr(p.ReplyTo),
		ContentType:     copyPtr(p.ContentType),
		ContentEncoding: copyPtr(p.ContentEncoding),
		GroupID:         copyPtr(p.GroupID),
		GroupSequence:   copyPtr(p.GroupSequence),
		ReplyToGroupID:  copyPtr(p.ReplyToGroupID),
	}
	if p.UserID != nil {
		c.UserID = append([]byte(nil), p.UserID...)
	}
	c.AbsoluteExpiryTime = copyPtr(p.AbsoluteExpiryTime)
	c.CreationTime = copyPtr(p.CreationTime)
	return c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
