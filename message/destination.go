package message

import "fmt"

// DestinationKind distinguishes the four destination types a message can be
// addressed to.
type DestinationKind int

const (
	Queue DestinationKind = iota
	Topic
	TemporaryQueue
	TemporaryTopic
)

func (k DestinationKind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	case TemporaryQueue:
		return "temp-queue"
	case TemporaryTopic:
		return "temp-topic"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Destination names a queue or topic. Destinations are values; two
// destinations are equal when name and kind are equal.
type Destination struct {
	Name string
	Kind DestinationKind
}

// NewQueue returns a queue destination.
func NewQueue(name string) *Destination { return &Destination{Name: name, Kind: Queue} }

// NewTopic returns a topic destination.
func NewTopic(name string) *Destination { return &Destination{Name: name, Kind: Topic} }

func (d *Destination) IsQueue() bool { return d.Kind == Queue || d.Kind == TemporaryQueue }
func (d *Destination) IsTopic() bool { return d.Kind == Topic || d.Kind == TemporaryTopic }

func (d *Destination) IsTemporary() bool {
	return d.Kind == TemporaryQueue || d.Kind == TemporaryTopic
}

// Copy returns an independent copy, nil stays nil.
func (d *Destination) Copy() *Destination {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Equal reports whether d and o name the same destination.
func (d *Destination) Equal(o *Destination) bool {
	if d == nil || o == nil {
		return d == o
	}
	return *d == *o
}

func (d *Destination) String() string {
	if d == nil {
		return "<nil>"
	}
	return d.Kind.String() + "://" + d.Name
}
