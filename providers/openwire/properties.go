package openwire

import (
	"fmt"
	"time"

	"github.com/venderneutral/kyu/message"
)

// ActiveMQ extension properties.
const (
	JMSActiveMQBrokerInTime  = "JMSActiveMQBrokerInTime"
	JMSActiveMQBrokerOutTime = "JMSActiveMQBrokerOutTime"
)

// NewRegistry returns the standard property registry extended with the
// OpenWire interceptors. JMSXDeliveryCount is backed by the redelivery
// counter, the broker timestamps by their member fields.
func NewRegistry() *message.PropertyRegistry {
	r := message.NewPropertyRegistry()

	r.Register(message.JMSXDeliveryCount, message.PropertyInterceptor{
		Get: func(f message.Facade) (any, bool) {
			m, ok := f.(*Message)
			if !ok {
				return f.DeliveryCount(), true
			}
			return m.redeliveryCounter + 1, true
		},
		Set: func(f message.Facade, v any) error {
			n, err := message.ToInt64(v)
			if err != nil {
				return err
			}
			if n < 1 {
				n = 1
			}
			f.SetRedeliveryCount(int(n) - 1)
			return nil
		},
		Enumerable: true,
	})
	r.Register(JMSActiveMQBrokerInTime, brokerTime(
		(*Message).BrokerInTime, (*Message).SetBrokerInTime))
	r.Register(JMSActiveMQBrokerOutTime, brokerTime(
		(*Message).BrokerOutTime, (*Message).SetBrokerOutTime))

	return r
}

func brokerTime(get func(*Message) time.Time, set func(*Message, time.Time)) message.PropertyInterceptor {
	return message.PropertyInterceptor{
		Get: func(f message.Facade) (any, bool) {
			m, ok := f.(*Message)
			if !ok {
				return nil, false
			}
			t := get(m)
			if t.IsZero() {
				return nil, false
			}
			return t.UnixMilli(), true
		},
		Set: func(f message.Facade, v any) error {
			m, ok := f.(*Message)
			if !ok {
				return fmt.Errorf("%w: broker time on %T", message.ErrInvalidProperty, f)
			}
			ms, err := message.ToInt64(v)
			if err != nil {
				return err
			}
			if ms <= 0 {
				set(m, time.Time{})
				return nil
			}
			set(m, time.UnixMilli(ms))
			return nil
		},
		Enumerable: true,
	}
}

// MessageFactory creates OpenWire messages. Every body kind is supported.
type MessageFactory struct {
	registry *message.PropertyRegistry
}

var _ message.Factory = (*MessageFactory)(nil)

// NewMessageFactory returns a factory whose messages share one registry.
func NewMessageFactory() *MessageFactory {
	return &MessageFactory{registry: NewRegistry()}
}

// Registry returns the factory's property registry.
func (f *MessageFactory) Registry() *message.PropertyRegistry { return f.registry }

func (f *MessageFactory) CreateMessage(kind message.BodyKind) (*message.Message, error) {
	if kind < message.KindGeneric || kind > message.KindObject {
		return nil, fmt.Errorf("%w: %s", message.ErrUnsupportedKind, kind)
	}
	return message.New(NewMessage(kind), f.registry), nil
}

// Wrap returns a Message around an existing facade, such as a received command.
func (f *MessageFactory) Wrap(m *Message) *message.Message {
	return message.New(m, f.registry)
}
