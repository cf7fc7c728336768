package message

import (
	"fmt"
	"time"
)

// Message is the protocol independent message handed to and received from
// providers. It is not safe for concurrent use.
type Message struct {
	facade   Facade
	registry *PropertyRegistry

	readOnlyBody       bool
	readOnlyProperties bool

	ack func() error
}

// New wraps f. Property access for reserved names goes through registry.
func New(f Facade, registry *PropertyRegistry) *Message {
	if registry == nil {
		registry = NewPropertyRegistry()
	}
	return &Message{facade: f, registry: registry}
}

func (m *Message) Facade() Facade                { return m.facade }
func (m *Message) Registry() *PropertyRegistry   { return m.registry }
func (m *Message) Kind() BodyKind                { return m.facade.Kind() }
func (m *Message) IsReadOnlyBody() bool          { return m.readOnlyBody }
func (m *Message) IsReadOnlyProperties() bool    { return m.readOnlyProperties }
func (m *Message) SetReadOnlyBody(ro bool)       { m.readOnlyBody = ro }
func (m *Message) SetReadOnlyProperties(ro bool) { m.readOnlyProperties = ro }

// Body returns the decoded payload.
func (m *Message) Body() (Body, error) { return m.facade.Body() }

// SetBody replaces the payload. It fails with ErrMessageNotWriteable on a
// received or sent message until ClearBody is called.
func (m *Message) SetBody(b Body) error {
	if m.readOnlyBody {
		return ErrMessageNotWriteable
	}
	return m.facade.SetBody(b)
}

// ClearBody empties the payload and makes it writeable again.
func (m *Message) ClearBody() {
	m.facade.ClearBody()
	m.readOnlyBody = false
}

func (m *Message) MessageID() string                { return m.facade.MessageID() }
func (m *Message) SetMessageID(id string) error     { return m.facade.SetMessageID(id) }
func (m *Message) Timestamp() time.Time             { return m.facade.Timestamp() }
func (m *Message) SetTimestamp(t time.Time)         { m.facade.SetTimestamp(t) }
func (m *Message) CorrelationID() string            { return m.facade.CorrelationID() }
func (m *Message) SetCorrelationID(id string) error { return m.facade.SetCorrelationID(id) }
func (m *Message) Persistent() bool                 { return m.facade.Persistent() }
func (m *Message) SetPersistent(p bool)             { m.facade.SetPersistent(p) }
func (m *Message) Redelivered() bool                { return m.facade.Redelivered() }
func (m *Message) SetRedelivered(r bool)            { m.facade.SetRedelivered(r) }
func (m *Message) DeliveryCount() int               { return m.facade.DeliveryCount() }
func (m *Message) Priority() int                    { return m.facade.Priority() }
func (m *Message) SetPriority(p int)                { m.facade.SetPriority(ClampPriority(p)) }
func (m *Message) Expiration() time.Time            { return m.facade.Expiration() }
func (m *Message) SetExpiration(t time.Time)        { m.facade.SetExpiration(t) }
func (m *Message) Destination() *Destination        { return m.facade.Destination() }
func (m *Message) SetDestination(d *Destination)    { m.facade.SetDestination(d) }
func (m *Message) ReplyTo() *Destination            { return m.facade.ReplyTo() }
func (m *Message) SetReplyTo(d *Destination)        { m.facade.SetReplyTo(d) }
func (m *Message) Type() string                     { return m.facade.Type() }
func (m *Message) SetType(t string)                 { m.facade.SetType(t) }

// Property reads an application or reserved property.
func (m *Message) Property(name string) (any, bool) {
	return m.registry.GetProperty(m.facade, name)
}

// SetProperty writes an application or reserved property. It fails with
// ErrMessageNotWriteable on a received or sent message until ClearProperties
// is called, and with ErrInvalidProperty for a bad name or value type.
func (m *Message) SetProperty(name string, value any) error {
	if m.readOnlyProperties {
		return ErrMessageNotWriteable
	}
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidProperty)
	}
	if _, reserved := m.registry.Lookup(name); !reserved && !ValidPropertyValue(value) {
		return fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidProperty, name, value)
	}
	return m.registry.SetProperty(m.facade, name, value)
}

func (m *Message) PropertyExists(name string) bool { return m.registry.PropertyExists(m.facade, name) }
func (m *Message) PropertyNames() []string         { return m.registry.PropertyNames(m.facade) }

// ClearProperties removes all application properties and makes them writeable.
func (m *Message) ClearProperties() {
	m.registry.ClearProperties(m.facade)
	m.readOnlyProperties = false
}

// OnSend marks the message read-only and lets the facade apply the
// producer's time to live.
func (m *Message) OnSend(ttl time.Duration) {
	m.readOnlyBody = true
	m.readOnlyProperties = true
	m.facade.OnSend(ttl)
}

// OnDispatch marks a received message read-only.
func (m *Message) OnDispatch() {
	m.readOnlyBody = true
	m.readOnlyProperties = true
	m.facade.OnDispatch()
}

// SetAcknowledgeCallback installs the function Acknowledge calls.
func (m *Message) SetAcknowledgeCallback(f func() error) { m.ack = f }

// Acknowledge confirms consumption. It is a no-op for messages without a callback.
func (m *Message) Acknowledge() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Copy returns an independent message with an independent facade. The
// acknowledge callback is not copied.
func (m *Message) Copy() *Message {
	return &Message{
		facade:             m.facade.Copy(),
		registry:           m.registry,
		readOnlyBody:       m.readOnlyBody,
		readOnlyProperties: m.readOnlyProperties,
	}
}
