package amqp

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/venderneutral/kyu/message"
)

// SerializedObjectContentType marks a Data body holding a serialized object.
const SerializedObjectContentType = "application/x-java-serialized-object"

// ObjectCodec serializes object message bodies that are not sent as AMQP
// typed values.
type ObjectCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// GobCodec is the default ObjectCodec. Concrete types carried in an interface
// must be registered with gob.Register.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, message.Conversionf(fmt.Sprintf("%T", v), "cannot serialize object: %v", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, message.Conversionf("", "cannot deserialize object: %v", err)
	}
	return v, nil
}
