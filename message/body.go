package message

import "fmt"

// BodyKind is the closed set of body shapes a message can carry. Facades
// switch on it instead of inspecting concrete types.
type BodyKind int

const (
	KindGeneric BodyKind = iota // no body
	KindBytes
	KindText
	KindMap
	KindStream
	KindObject
)

func (k BodyKind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindMap:
		return "map"
	case KindStream:
		return "stream"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Body is a message payload tagged with its kind. The zero Body is an empty
// generic body.
type Body struct {
	kind   BodyKind
	text   string
	bytes  []byte
	m      map[string]any
	list   []any
	object any
}

func TextBody(s string) Body        { return Body{kind: KindText, text: s} }
func BytesBody(b []byte) Body       { return Body{kind: KindBytes, bytes: b} }
func MapBody(m map[string]any) Body { return Body{kind: KindMap, m: m} }
func StreamBody(values []any) Body  { return Body{kind: KindStream, list: values} }
func ObjectBody(v any) Body         { return Body{kind: KindObject, object: v} }
func EmptyBody(kind BodyKind) Body  { return Body{kind: kind} }
func (b Body) Kind() BodyKind       { return b.kind }
func (b Body) Text() string         { return b.text }
func (b Body) Bytes() []byte        { return b.bytes }
func (b Body) Map() map[string]any  { return b.m }
func (b Body) Stream() []any        { return b.list }
func (b Body) Object() any          { return b.object }

// IsEmpty reports whether the body carries no payload.
func (b Body) IsEmpty() bool {
	switch b.kind {
	case KindText:
		return b.text == ""
	case KindBytes:
		return b.bytes == nil
	case KindMap:
		return b.m == nil
	case KindStream:
		return b.list == nil
	case KindObject:
		return b.object == nil
	default:
		return true
	}
}

// Copy returns a body that shares no mutable state with b.
func (b Body) Copy() Body {
	c := Body{kind: b.kind, text: b.text, object: b.object}
	if b.bytes != nil {
		c.bytes = append([]byte(nil), b.bytes...)
	}
	if b.m != nil {
		c.m = CopyValue(b.m).(map[string]any)
	}
	if b.list != nil {
		c.list = CopyValue(b.list).([]any)
	}
	if b.object != nil {
		c.object = CopyValue(b.object)
	}
	return c
}

// CopyValue deep copies the container types that can appear in message bodies
// and properties. Scalars are returned as is.
func CopyValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = CopyValue(e)
		}
		return m
	case map[any]any:
		m := make(map[any]any, len(t))
		for k, e := range t {
			m[k] = CopyValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = CopyValue(e)
		}
		return l
	default:
		return v
	}
}
