package amqp

import (
	"github.com/venderneutral/kyu/message"
)

// fromForeign builds an AMQP facade holding the canonical fields of a facade
// from another provider.
func fromForeign(src message.Facade, factory *MessageFactory) (*Facade, error) {
	f := newOutboundFacade(src.Kind(), factory.typed, factory.codec, factory.prefixes())

	body, err := src.Body()
	if err != nil {
		return nil, err
	}
	if err := f.SetBody(body); err != nil {
		return nil, err
	}
	if err := f.SetMessageID(src.MessageID()); err != nil {
		return nil, err
	}
	if err := f.SetCorrelationID(src.CorrelationID()); err != nil {
		return nil, err
	}
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
		if err := f.SetProperty(name, message.CopyValue(v)); err != nil {
			return nil, err
		}
	}
	return f, nil
}
