package stomp

import (
	"fmt"
	"sync/atomic"

	"github.com/venderneutral/kyu/message"
)

// MessageFactory creates STOMP messages. A STOMP frame body is opaque, so
// only generic, text and bytes messages can be carried.
type MessageFactory struct {
	registry *message.PropertyRegistry
	addr     atomic.Pointer[addressing]
}

var _ message.Factory = (*MessageFactory)(nil)

func NewMessageFactory() *MessageFactory {
	f := &MessageFactory{registry: message.NewPropertyRegistry()}
	f.addr.Store(&defaultAddressing)
	return f
}

func (f *MessageFactory) Registry() *message.PropertyRegistry { return f.registry }

func (f *MessageFactory) setAddressing(a addressing) { f.addr.Store(&a) }

func (f *MessageFactory) prefixes() addressing { return *f.addr.Load() }

func (f *MessageFactory) CreateMessage(kind message.BodyKind) (*message.Message, error) {
	switch kind {
	case message.KindGeneric, message.KindText, message.KindBytes:
		return message.New(newFacade(kind, f.prefixes()), f.registry), nil
	default:
		return nil, fmt.Errorf("%w: %s over STOMP", message.ErrUnsupportedKind, kind)
	}
}

func (f *MessageFactory) wrap(fc *Facade) *message.Message { return message.New(fc, f.registry) }

// fromForeign copies a message of another encoding into a STOMP facade.
func fromForeign(src message.Facade, factory *MessageFactory) (*Facade, error) {
	switch src.Kind() {
	case message.KindGeneric, message.KindText, message.KindBytes:
	default:
		return nil, fmt.Errorf("%w: %s over STOMP", message.ErrUnsupportedKind, src.Kind())
	}
	f := newFacade(src.Kind(), factory.prefixes())
	body, err := src.Body()
	if err != nil {
		return nil, err
	}
	if err := f.SetBody(body); err != nil {
		return nil, err
	}
	_ = f.SetMessageID(src.MessageID())
	_ = f.SetCorrelationID(src.CorrelationID())
	f.SetTimestamp(src.Timestamp())
	f.SetExpiration(src.Expiration())
	f.SetPersistent(src.Persistent())
	f.SetPriority(src.Priority())
	f.SetRedeliveryCount(src.RedeliveryCount())
	f.SetDestination(src.Destination())
	f.SetReplyTo(src.ReplyTo())
	f.SetType(src.Type())
	f.SetUserID(src.UserID())
	f.SetGroupID(src.GroupID())
	f.SetGroupSequence(src.GroupSequence())
	for _, name := range src.PropertyNames() {
		v, _ := src.Property(name)
		if err := f.SetProperty(name, v); err != nil {
			return nil, err
		}
	}
	return f, nil
}
