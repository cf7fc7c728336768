package amqp

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/venderneutral/kyu/message"
)

// AMQP specific property names.
const (
	JMSAMQPTTL            = "JMS_AMQP_TTL"
	JMSAMQPFirstAcquirer  = "JMS_AMQP_FIRST_ACQUIRER"
	JMSAMQPContentType    = "JMS_AMQP_CONTENT_TYPE"
	JMSAMQPContentEncode  = "JMS_AMQP_CONTENT_ENCODING"
	JMSAMQPReplyToGroupID = "JMS_AMQP_REPLY_TO_GROUP_ID"
	JMSAMQPTypedEncoding  = "JMS_AMQP_TYPED_ENCODING"
)

// NewRegistry returns the standard property registry extended with the AMQP
// header and properties section fields.
func NewRegistry() *message.PropertyRegistry {
	r := message.NewPropertyRegistry()

	r.Register(JMSAMQPTTL, message.PropertyInterceptor{
		Get: amqpGet(func(f *Facade) (any, bool) {
			if f.amqpTTL == nil {
				return nil, false
			}
			return f.amqpTTL.Milliseconds(), true
		}),
		Set: amqpSet(func(f *Facade, v any) error {
			if v == nil {
				f.amqpTTL = nil
				return nil
			}
			ms, err := message.ToInt64(v)
			if err != nil {
				return err
			}
			if ms < 0 {
				return fmt.Errorf("%w: %s must not be negative", message.ErrInvalidProperty, JMSAMQPTTL)
			}
			ttl := time.Duration(ms) * time.Millisecond
			f.amqpTTL = &ttl
			return nil
		}),
		Clear:      amqpClear(func(f *Facade) { f.amqpTTL = nil }),
		Enumerable: true,
	})

	r.Register(JMSAMQPFirstAcquirer, message.PropertyInterceptor{
		Get: amqpGet(func(f *Facade) (any, bool) {
			if f.msg.Header == nil || !f.msg.Header.FirstAcquirer {
				return nil, false
			}
			return true, true
		}),
		Set: amqpSet(func(f *Facade, v any) error {
			b, ok := v.(bool)
			if !ok && v != nil {
				return fmt.Errorf("%w: expected bool, got %T", message.ErrInvalidProperty, v)
			}
			f.header().FirstAcquirer = b
			return nil
		}),
		Clear:      amqpClear(func(f *Facade) { f.header().FirstAcquirer = false }),
		Enumerable: true,
	})

	r.Register(JMSAMQPContentType, stringProperty(
		func(f *Facade) *string { return f.props().ContentType },
		func(f *Facade, s *string) { f.props().ContentType = s },
	))
	r.Register(JMSAMQPContentEncode, stringProperty(
		func(f *Facade) *string { return f.props().ContentEncoding },
		func(f *Facade, s *string) { f.props().ContentEncoding = s },
	))
	r.Register(JMSAMQPReplyToGroupID, stringProperty(
		func(f *Facade) *string { return f.props().ReplyToGroupID },
		func(f *Facade, s *string) { f.props().ReplyToGroupID = s },
	))

	r.Register(JMSAMQPTypedEncoding, message.PropertyInterceptor{
		Get: amqpGet(func(f *Facade) (any, bool) {
			if f.kind != message.KindObject {
				return nil, false
			}
			return f.typedEncoding, true
		}),
		Enumerable: true,
	})

	return r
}

func amqpGet(get func(*Facade) (any, bool)) message.PropertyGetter {
	return func(f message.Facade) (any, bool) {
		af, ok := f.(*Facade)
		if !ok {
			return nil, false
		}
		return get(af)
	}
}

func amqpSet(set func(*Facade, any) error) message.PropertySetter {
	return func(f message.Facade, v any) error {
		af, ok := f.(*Facade)
		if !ok {
			return fmt.Errorf("%w: AMQP property on %T", message.ErrInvalidProperty, f)
		}
		return set(af, v)
	}
}

func amqpClear(clear func(*Facade)) func(message.Facade) {
	return func(f message.Facade) {
		if af, ok := f.(*Facade); ok {
			clear(af)
		}
	}
}

// stringProperty is not cleared with the application properties: content
// type and encoding describe the body.
func stringProperty(get func(*Facade) *string, set func(*Facade, *string)) message.PropertyInterceptor {
	return message.PropertyInterceptor{
		Get: amqpGet(func(f *Facade) (any, bool) {
			if f.msg.Properties == nil {
				return nil, false
			}
			s := get(f)
			if s == nil {
				return nil, false
			}
			return *s, true
		}),
		Set: amqpSet(func(f *Facade, v any) error {
			s, err := message.ToString(v)
			if err != nil {
				return err
			}
			set(f, optString(s))
			return nil
		}),
		Enumerable: true,
	}
}

// MessageFactory creates AMQP messages.
type MessageFactory struct {
	registry *message.PropertyRegistry
	codec    ObjectCodec
	addr     atomic.Pointer[addressing]
	typed    bool
}

var _ message.Factory = (*MessageFactory)(nil)

// NewMessageFactory returns a factory whose object messages use codec, or AMQP
// typed values when typedObjects is set.
func NewMessageFactory(codec ObjectCodec, typedObjects bool) *MessageFactory {
	if codec == nil {
		codec = GobCodec{}
	}
	f := &MessageFactory{registry: NewRegistry(), codec: codec, typed: typedObjects}
	f.addr.Store(&addressing{})
	return f
}

// setAddressing installs the connection's destination prefixes.
func (f *MessageFactory) setAddressing(a addressing) { f.addr.Store(&a) }

func (f *MessageFactory) prefixes() addressing { return *f.addr.Load() }

// Registry returns the factory's property registry.
func (f *MessageFactory) Registry() *message.PropertyRegistry { return f.registry }

func (f *MessageFactory) CreateMessage(kind message.BodyKind) (*message.Message, error) {
	if kind < message.KindGeneric || kind > message.KindObject {
		return nil, fmt.Errorf("%w: %s", message.ErrUnsupportedKind, kind)
	}
	return message.New(newOutboundFacade(kind, f.typed, f.codec, f.prefixes()), f.registry), nil
}

func (f *MessageFactory) wrap(fc *Facade) *message.Message {
	return message.New(fc, f.registry)
}
