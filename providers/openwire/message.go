// Package openwire implements the OpenWire message facade.
//
// OpenWire messages keep every header in a member field of the command, so the
// facade is a plain struct. There is no OpenWire wire codec here; the facade is
// used by the in-memory test provider and by code that converts messages
// between encodings.
package openwire

import (
	"sort"
	"time"

	"github.com/venderneutral/kyu/message"
)

// Message is the member-field facade of an OpenWire message command.
type Message struct {
	kind message.BodyKind
	body message.Body

	messageID     string
	correlationID string
	timestamp     time.Time
	expiration    time.Time
	persistent    bool
	priority      int

	redeliveryCounter int

	destination *message.Destination
	replyTo     *message.Destination

	typ           string
	userID        string
	groupID       string
	groupSequence int

	brokerInTime  time.Time
	brokerOutTime time.Time

	properties map[string]any
}

var _ message.Facade = (*Message)(nil)

// NewMessage returns an empty facade for kind.
func NewMessage(kind message.BodyKind) *Message {
	return &Message{
		kind:       kind,
		body:       message.EmptyBody(kind),
		persistent: true,
		priority:   message.DefaultPriority,
	}
}

func (m *Message) Kind() message.BodyKind { return m.kind }

func (m *Message) Body() (message.Body, error) { return m.body, nil }

func (m *Message) SetBody(b message.Body) error {
	if b.Kind() != m.kind {
		return message.ErrBodyKindMismatch
	}
	m.body = b
	return nil
}

func (m *Message) ClearBody() { m.body = message.EmptyBody(m.kind) }

func (m *Message) MessageID() string { return m.messageID }

func (m *Message) SetMessageID(id string) error {
	m.messageID = id
	return nil
}

func (m *Message) CorrelationID() string { return m.correlationID }

func (m *Message) SetCorrelationID(id string) error {
	m.correlationID = id
	return nil
}

func (m *Message) Timestamp() time.Time                  { return m.timestamp }
func (m *Message) SetTimestamp(t time.Time)              { m.timestamp = t }
func (m *Message) Expiration() time.Time                 { return m.expiration }
func (m *Message) SetExpiration(t time.Time)             { m.expiration = t }
func (m *Message) Persistent() bool                      { return m.persistent }
func (m *Message) SetPersistent(p bool)                  { m.persistent = p }
func (m *Message) Priority() int                         { return m.priority }
func (m *Message) SetPriority(p int)                     { m.priority = message.ClampPriority(p) }
func (m *Message) RedeliveryCount() int                  { return m.redeliveryCounter }
func (m *Message) DeliveryCount() int                    { return m.redeliveryCounter + 1 }
func (m *Message) Redelivered() bool                     { return m.redeliveryCounter > 0 }
func (m *Message) Destination() *message.Destination     { return m.destination }
func (m *Message) SetDestination(d *message.Destination) { m.destination = d.Copy() }
func (m *Message) ReplyTo() *message.Destination         { return m.replyTo }
func (m *Message) SetReplyTo(d *message.Destination)     { m.replyTo = d.Copy() }
func (m *Message) Type() string                          { return m.typ }
func (m *Message) SetType(t string)                      { m.typ = t }
func (m *Message) UserID() string                        { return m.userID }
func (m *Message) SetUserID(u string)                    { m.userID = u }
func (m *Message) GroupID() string                       { return m.groupID }
func (m *Message) SetGroupID(g string)                   { m.groupID = g }
func (m *Message) GroupSequence() int                    { return m.groupSequence }
func (m *Message) SetGroupSequence(s int)                { m.groupSequence = s }

func (m *Message) SetRedeliveryCount(n int) {
	if n < 0 {
		n = 0
	}
	m.redeliveryCounter = n
}

// SetRedelivered only moves the counter between zero and one; a message that
// has been redelivered several times keeps its count.
func (m *Message) SetRedelivered(r bool) {
	switch {
	case r && m.redeliveryCounter == 0:
		m.redeliveryCounter = 1
	case !r:
		m.redeliveryCounter = 0
	}
}

// BrokerInTime is the time the broker received the message.
func (m *Message) BrokerInTime() time.Time     { return m.brokerInTime }
func (m *Message) SetBrokerInTime(t time.Time) { m.brokerInTime = t }

// BrokerOutTime is the time the broker dispatched the message.
func (m *Message) BrokerOutTime() time.Time     { return m.brokerOutTime }
func (m *Message) SetBrokerOutTime(t time.Time) { m.brokerOutTime = t }

func (m *Message) PropertyNames() []string {
	names := make([]string, 0, len(m.properties))
	for name := range m.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Message) Property(name string) (any, bool) {
	v, ok := m.properties[name]
	return v, ok
}

func (m *Message) SetProperty(name string, value any) error {
	if value == nil {
		delete(m.properties, name)
		return nil
	}
	if m.properties == nil {
		m.properties = make(map[string]any)
	}
	m.properties[name] = value
	return nil
}

func (m *Message) ClearProperties() { m.properties = nil }

// OnSend stamps the send time and derives the expiration from ttl.
func (m *Message) OnSend(ttl time.Duration) {
	if m.timestamp.IsZero() {
		m.timestamp = time.Now()
	}
	if ttl > 0 {
		m.expiration = m.timestamp.Add(ttl)
	} else {
		m.expiration = time.Time{}
	}
}

func (m *Message) OnDispatch() {}

func (m *Message) Copy() message.Facade {
	c := *m
	c.body = m.body.Copy()
	c.destination = m.destination.Copy()
	c.replyTo = m.replyTo.Copy()
	if m.properties != nil {
		c.properties = make(map[string]any, len(m.properties))
		for k, v := range m.properties {
			c.properties[k] = message.CopyValue(v)
		}
	}
	return &c
}
