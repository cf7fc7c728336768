package kyu

import (
	"fmt"
	"time"

	"github.com/venderneutral/kyu/message"
)

// AckMode is a session's acknowledgement mode.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	ClientAcknowledge
	DupsOkAcknowledge
	SessionTransacted
	IndividualAcknowledge
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOkAcknowledge:
		return "dups-ok"
	case SessionTransacted:
		return "transacted"
	case IndividualAcknowledge:
		return "individual"
	default:
		return fmt.Sprintf("invalid(%d)", int(m))
	}
}

// ResourceInfo describes a resource a provider can create, start, stop and
// destroy. The set of implementations is closed: *ConnectionInfo,
// *SessionInfo, *ProducerInfo, *ConsumerInfo and *TransactionInfo. Providers
// dispatch on it with a type switch.
//
// Infos are immutable by convention once handed to a provider. A provider that
// needs to record provider-side state keeps it in its own tables keyed by id.
type ResourceInfo interface {
	ResourceId() ResourceId
	resourceInfo()
}

// ConnectionInfo is the configuration of a connection.
type ConnectionInfo struct {
	Id            ConnectionId
	ClientID      string
	Username      string
	Password      string
	ConfiguredURI string
	ConnectedURI  string

	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	RequestTimeout time.Duration
	SendTimeout    time.Duration

	ForceSyncSend  bool
	ForceAsyncSend bool

	QueuePrefix string
	TopicPrefix string
}

// Default timeouts applied by NewConnectionInfo.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultCloseTimeout   = 60 * time.Second
)

// NewConnectionInfo returns a ConnectionInfo with default timeouts.
func NewConnectionInfo(id ConnectionId) *ConnectionInfo {
	return &ConnectionInfo{
		Id:             id,
		ConnectTimeout: DefaultConnectTimeout,
		CloseTimeout:   DefaultCloseTimeout,
	}
}

func (i *ConnectionInfo) ResourceId() ResourceId { return i.Id }
func (*ConnectionInfo) resourceInfo()            {}

func (i *ConnectionInfo) Copy() *ConnectionInfo {
	c := *i
	return &c
}

func (i *ConnectionInfo) String() string { return "ConnectionInfo{" + i.Id.String() + "}" }

// SessionInfo is the configuration of a session.
type SessionInfo struct {
	Id            SessionId
	AckMode       AckMode
	SendAcksAsync bool
}

func NewSessionInfo(id SessionId, mode AckMode) *SessionInfo {
	return &SessionInfo{Id: id, AckMode: mode}
}

func (i *SessionInfo) ResourceId() ResourceId { return i.Id }
func (*SessionInfo) resourceInfo()            {}
func (i *SessionInfo) IsTransacted() bool     { return i.AckMode == SessionTransacted }

func (i *SessionInfo) Copy() *SessionInfo {
	c := *i
	return &c
}

// ProducerInfo is the configuration of a producer. A nil Destination makes an
// anonymous producer that sends to each message's own destination.
type ProducerInfo struct {
	Id          ProducerId
	Destination *message.Destination
	Presettle   bool
}

func NewProducerInfo(id ProducerId, dest *message.Destination) *ProducerInfo {
	return &ProducerInfo{Id: id, Destination: dest}
}

func (i *ProducerInfo) ResourceId() ResourceId { return i.Id }
func (*ProducerInfo) resourceInfo()            {}
func (i *ProducerInfo) IsAnonymous() bool      { return i.Destination == nil }

func (i *ProducerInfo) Copy() *ProducerInfo {
	c := *i
	c.Destination = i.Destination.Copy()
	return &c
}

// DefaultPrefetch is the prefetch of a consumer created by NewConsumerInfo.
const DefaultPrefetch = 1000

// ConsumerInfo is the configuration of a consumer.
type ConsumerInfo struct {
	Id               ConsumerId
	Destination      *message.Destination
	Selector         string
	SubscriptionName string
	Durable          bool
	NoLocal          bool
	Browser          bool
	Prefetch         int
	AckMode          AckMode
	Presettle        bool
	// MaxRedeliveries is the redelivery limit, negative means unlimited.
	MaxRedeliveries int
}

func NewConsumerInfo(id ConsumerId, dest *message.Destination) *ConsumerInfo {
	return &ConsumerInfo{Id: id, Destination: dest, Prefetch: DefaultPrefetch, MaxRedeliveries: -1}
}

func (i *ConsumerInfo) ResourceId() ResourceId { return i.Id }
func (*ConsumerInfo) resourceInfo()            {}
func (i *ConsumerInfo) SessionId() SessionId   { return i.Id.Session }

func (i *ConsumerInfo) Copy() *ConsumerInfo {
	c := *i
	c.Destination = i.Destination.Copy()
	return &c
}

// TransactionInfo describes one local transaction of a transacted session.
type TransactionInfo struct {
	Id        TransactionId
	SessionId SessionId
}

func NewTransactionInfo(id TransactionId, session SessionId) *TransactionInfo {
	return &TransactionInfo{Id: id, SessionId: session}
}

func (i *TransactionInfo) ResourceId() ResourceId { return i.Id }
func (*TransactionInfo) resourceInfo()            {}

func (i *TransactionInfo) Copy() *TransactionInfo {
	c := *i
	return &c
}
