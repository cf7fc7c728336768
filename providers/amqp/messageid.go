package amqp

import (
	"fmt"
	"strconv"
	"strings"

	goamqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/venderneutral/kyu/message"
)

// Message id prefixes. The AMQP_ prefixes encode the wire type of an id in its
// string form.
const (
	IDPrefix           = "ID:"
	AMQPStringPrefix   = "AMQP_STRING:"
	AMQPUUIDPrefix     = "AMQP_UUID:"
	AMQPULongPrefix    = "AMQP_ULONG:"
	AMQPBinaryPrefix   = "AMQP_BINARY:"
	amqpTypePrefixSize = len("AMQP_")
)

// HasIDPrefix reports whether id starts with "ID:".
func HasIDPrefix(id string) bool { return strings.HasPrefix(id, IDPrefix) }

// HasAMQPTypePrefix reports whether id starts with one of the AMQP type prefixes.
func HasAMQPTypePrefix(id string) bool {
	if len(id) < amqpTypePrefixSize {
		return false
	}
	return strings.HasPrefix(id, AMQPStringPrefix) ||
		strings.HasPrefix(id, AMQPUUIDPrefix) ||
		strings.HasPrefix(id, AMQPULongPrefix) ||
		strings.HasPrefix(id, AMQPBinaryPrefix)
}

// StripIDPrefix removes a leading "ID:".
func StripIDPrefix(id string) string { return strings.TrimPrefix(id, IDPrefix) }

// ToBaseMessageIDString returns the string form of a wire message id. Strings
// that would be mistaken for a typed id get the AMQP_STRING: prefix, so that
// ToIDObject restores the original value. A nil id returns "".
func ToBaseMessageIDString(id any) (string, error) {
	switch v := id.(type) {
	case nil:
		return "", nil
	case string:
		if HasAMQPTypePrefix(v) {
			return AMQPStringPrefix + v, nil
		}
		return v, nil
	case goamqp.UUID:
		return AMQPUUIDPrefix + uuid.UUID(v).String(), nil
	case uint64:
		return AMQPULongPrefix + strconv.FormatUint(v, 10), nil
	case []byte:
		return AMQPBinaryPrefix + toHex(v), nil
	default:
		return "", message.Conversionf(fmt.Sprint(id), "unsupported message id type %T", id)
	}
}

// ToIDObject converts a base id string back to its wire type. An empty string
// returns nil.
func ToIDObject(base string) (any, error) {
	switch {
	case base == "":
		return nil, nil
	case strings.HasPrefix(base, AMQPUUIDPrefix):
		s := base[len(AMQPUUIDPrefix):]
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, message.Conversionf(base, "invalid UUID %q: %v", s, err)
		}
		return goamqp.UUID(u), nil
	case strings.HasPrefix(base, AMQPULongPrefix):
		s := base[len(AMQPULongPrefix):]
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, message.Conversionf(base, "invalid ulong %q: %v", s, err)
		}
		return n, nil
	case strings.HasPrefix(base, AMQPStringPrefix):
		return base[len(AMQPStringPrefix):], nil
	case strings.HasPrefix(base, AMQPBinaryPrefix):
		b, err := fromHex(base[len(AMQPBinaryPrefix):])
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return base, nil
	}
}

const hexDigits = "0123456789ABCDEF"

func toHex(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 2)
	for _, c := range b {
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	return sb.String()
}

func fromHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, message.Conversionf(s,
			"The provided hex String must be an even length, but was of length %d: %s", len(s), s)
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, err := hexValue(s, s[i])
		if err != nil {
			return nil, err
		}
		lo, err := hexValue(s, s[i+1])
		if err != nil {
			return nil, err
		}
		b[i/2] = hi<<4 | lo
	}
	return b, nil
}

func hexValue(s string, c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, message.Conversionf(s, "Invalid character found in hex string: %c", c)
	}
}
