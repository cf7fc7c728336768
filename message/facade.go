// Package message defines the generic message model shared by every provider.
//
// A Facade adapts one wire-level message (an AMQP message, a STOMP frame, an
// OpenWire command) to the canonical header/property/body model. Message wraps
// a Facade, adds read-only enforcement and routes property access through a
// PropertyRegistry so reserved names reach protocol-specific storage.
package message

import "time"

// DefaultPriority is the priority of a message that never had one set.
const DefaultPriority = 4

// Facade is the per-message adapter between the canonical model and one wire
// encoding. A Facade is owned by exactly one Message.
type Facade interface {
	Kind() BodyKind
	Body() (Body, error)
	SetBody(Body) error
	ClearBody()

	MessageID() string
	SetMessageID(id string) error
	Timestamp() time.Time
	SetTimestamp(time.Time)
	CorrelationID() string
	SetCorrelationID(id string) error
	Persistent() bool
	SetPersistent(bool)

	// RedeliveryCount is the number of prior delivery attempts.
	RedeliveryCount() int
	SetRedeliveryCount(int)
	// DeliveryCount is always RedeliveryCount()+1.
	DeliveryCount() int
	Redelivered() bool
	SetRedelivered(bool)

	// Priority is in [0,9]; SetPriority clamps out of range values.
	Priority() int
	SetPriority(int)
	Expiration() time.Time
	SetExpiration(time.Time)

	Destination() *Destination
	SetDestination(*Destination)
	ReplyTo() *Destination
	SetReplyTo(*Destination)

	Type() string
	SetType(string)
	UserID() string
	SetUserID(string)
	GroupID() string
	SetGroupID(string)
	GroupSequence() int
	SetGroupSequence(int)

	// Application properties, bypassing interceptors.
	PropertyNames() []string
	Property(name string) (any, bool)
	SetProperty(name string, value any) error
	ClearProperties()

	// OnSend prepares the facade for transmission with the producer's time to live.
	OnSend(ttl time.Duration)
	// OnDispatch is called before an inbound message is handed to the application.
	OnDispatch()

	// Copy returns a fully independent deep copy.
	Copy() Facade
}

// Factory creates messages in one provider's wire encoding.
type Factory interface {
	// CreateMessage creates an empty writeable message of the given kind. It fails
	// with ErrUnsupportedKind when the encoding cannot carry that kind.
	CreateMessage(kind BodyKind) (*Message, error)
}

// ClampPriority maps any integer to the valid priority range.
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return p
}
