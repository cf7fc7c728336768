package amqp

import (
	"strings"

	goamqp "github.com/Azure/go-amqp"

	"github.com/venderneutral/kyu/message"
)

// Message annotation keys.
const (
	annotationMsgType = "x-opt-jms-msg-type"
	annotationDest    = "x-opt-jms-dest"
	annotationReplyTo = "x-opt-jms-reply-to"
)

// Values of x-opt-jms-msg-type.
const (
	msgTypeMessage byte = iota
	msgTypeObject
	msgTypeMap
	msgTypeBytes
	msgTypeStream
	msgTypeText
)

// Values of x-opt-jms-dest and x-opt-jms-reply-to.
const (
	destTypeQueue byte = iota
	destTypeTopic
	destTypeTempQueue
	destTypeTempTopic
)

func msgTypeOf(kind message.BodyKind) byte {
	switch kind {
	case message.KindObject:
		return msgTypeObject
	case message.KindMap:
		return msgTypeMap
	case message.KindBytes:
		return msgTypeBytes
	case message.KindStream:
		return msgTypeStream
	case message.KindText:
		return msgTypeText
	default:
		return msgTypeMessage
	}
}

func kindOfMsgType(t byte) (message.BodyKind, bool) {
	switch t {
	case msgTypeMessage:
		return message.KindGeneric, true
	case msgTypeObject:
		return message.KindObject, true
	case msgTypeMap:
		return message.KindMap, true
	case msgTypeBytes:
		return message.KindBytes, true
	case msgTypeStream:
		return message.KindStream, true
	case msgTypeText:
		return message.KindText, true
	default:
		return message.KindGeneric, false
	}
}

func destTypeOf(kind message.DestinationKind) byte {
	switch kind {
	case message.Topic:
		return destTypeTopic
	case message.TemporaryQueue:
		return destTypeTempQueue
	case message.TemporaryTopic:
		return destTypeTempTopic
	default:
		return destTypeQueue
	}
}

func destKindOf(t byte) message.DestinationKind {
	switch t {
	case destTypeTopic:
		return message.Topic
	case destTypeTempQueue:
		return message.TemporaryQueue
	case destTypeTempTopic:
		return message.TemporaryTopic
	default:
		return message.Queue
	}
}

// addressing maps destinations to node addresses using the connection's
// queue and topic prefixes.
type addressing struct {
	queuePrefix string
	topicPrefix string
}

func (a addressing) address(d *message.Destination) string {
	if d == nil {
		return ""
	}
	if d.IsTopic() {
		return a.topicPrefix + d.Name
	}
	return a.queuePrefix + d.Name
}

// destination rebuilds a destination from an address and its type
// annotation. Without an annotation the kind is guessed from the prefixes,
// falling back to fallback.
func (a addressing) destination(address string, annotation any, fallback message.DestinationKind) *message.Destination {
	if address == "" {
		return nil
	}
	kind := fallback
	if t, ok := annotationByte(annotation); ok {
		kind = destKindOf(t)
	} else if a.topicPrefix != "" && strings.HasPrefix(address, a.topicPrefix) {
		kind = message.Topic
	} else if a.queuePrefix != "" && strings.HasPrefix(address, a.queuePrefix) {
		kind = message.Queue
	}

	name := address
	if kind == message.Topic || kind == message.TemporaryTopic {
		name = strings.TrimPrefix(name, a.topicPrefix)
	} else {
		name = strings.TrimPrefix(name, a.queuePrefix)
	}
	return &message.Destination{Name: name, Kind: kind}
}

func annotationByte(v any) (byte, bool) {
	switch t := v.(type) {
	case byte:
		return t, true
	case int8:
		return byte(t), true
	case int32:
		return byte(t), true
	case int64:
		return byte(t), true
	case int:
		return byte(t), true
	default:
		return 0, false
	}
}

func annotation(a goamqp.Annotations, key string) any {
	if a == nil {
		return nil
	}
	return a[key]
}
