package kyu

import (
	"cmp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ResourceId identifies a connection, session, producer, consumer or
// transaction. Ids are immutable values, comparable with == and usable as map
// keys. Child ids embed their parent.
type ResourceId interface {
	String() string
	resourceId()
}

// ConnectionId is an opaque identifier unique per client connection.
type ConnectionId struct {
	value string
}

// NewConnectionId wraps value as a ConnectionId.
func NewConnectionId(value string) ConnectionId { return ConnectionId{value: value} }

func (id ConnectionId) String() string { return id.value }
func (id ConnectionId) IsZero() bool   { return id.value == "" }
func (ConnectionId) resourceId()       {}

// Compare orders connection ids lexically.
func (id ConnectionId) Compare(o ConnectionId) int { return strings.Compare(id.value, o.value) }

// SessionId identifies a session within a connection.
type SessionId struct {
	Connection ConnectionId
	Value      int64
}

func (id SessionId) String() string { return id.Connection.value + ":" + strconv.FormatInt(id.Value, 10) }
func (SessionId) resourceId()       {}

func (id SessionId) Compare(o SessionId) int {
	if c := id.Connection.Compare(o.Connection); c != 0 {
		return c
	}
	return cmp.Compare(id.Value, o.Value)
}

// ProducerId identifies a producer within a session.
type ProducerId struct {
	Session SessionId
	Value   int64
}

func (id ProducerId) String() string { return id.Session.String() + ":" + strconv.FormatInt(id.Value, 10) }
func (ProducerId) resourceId()       {}

func (id ProducerId) Compare(o ProducerId) int {
	if c := id.Session.Compare(o.Session); c != 0 {
		return c
	}
	return cmp.Compare(id.Value, o.Value)
}

// ConsumerId identifies a consumer within a session.
type ConsumerId struct {
	Session SessionId
	Value   int64
}

func (id ConsumerId) String() string { return id.Session.String() + ":" + strconv.FormatInt(id.Value, 10) }
func (ConsumerId) resourceId()       {}

func (id ConsumerId) Compare(o ConsumerId) int {
	if c := id.Session.Compare(o.Session); c != 0 {
		return c
	}
	return cmp.Compare(id.Value, o.Value)
}

// TransactionId identifies a local transaction within a connection.
type TransactionId struct {
	Connection ConnectionId
	Value      int64
}

func (id TransactionId) String() string {
	return "TX:" + id.Connection.value + ":" + strconv.FormatInt(id.Value, 10)
}
func (TransactionId) resourceId() {}

func (id TransactionId) Compare(o TransactionId) int {
	if c := id.Connection.Compare(o.Connection); c != 0 {
		return c
	}
	return cmp.Compare(id.Value, o.Value)
}

// IdGenerator creates connection ids that are unique across processes.
type IdGenerator struct {
	prefix string
	seq    atomic.Int64
}

// NewIdGenerator returns a generator whose ids share a random UUID prefix.
func NewIdGenerator() *IdGenerator {
	return &IdGenerator{prefix: "ID:" + uuid.NewString()}
}

// NextConnectionId returns a new connection id.
func (g *IdGenerator) NextConnectionId() ConnectionId {
	return ConnectionId{value: g.prefix + ":" + strconv.FormatInt(g.seq.Add(1), 10)}
}

// Sequence hands out increasing values starting at 1. The zero value is ready
// to use and safe for concurrent use.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next value.
func (s *Sequence) Next() int64 { return s.n.Add(1) }
