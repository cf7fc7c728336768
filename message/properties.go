package message

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Reserved property names.
const (
	JMSDestination    = "JMSDestination"
	JMSReplyTo        = "JMSReplyTo"
	JMSType           = "JMSType"
	JMSDeliveryMode   = "JMSDeliveryMode"
	JMSPriority       = "JMSPriority"
	JMSMessageID      = "JMSMessageID"
	JMSTimestamp      = "JMSTimestamp"
	JMSCorrelationID  = "JMSCorrelationID"
	JMSExpiration     = "JMSExpiration"
	JMSRedelivered    = "JMSRedelivered"
	JMSXDeliveryCount = "JMSXDeliveryCount"
	JMSXGroupID       = "JMSXGroupID"
	JMSXGroupSeq      = "JMSXGroupSeq"
	JMSXUserID        = "JMSXUserID"
)

// Delivery mode values returned for JMSDeliveryMode.
const (
	Persistent    = "PERSISTENT"
	NonPersistent = "NON_PERSISTENT"
)

// PropertyGetter reads a reserved property from a facade. The boolean is false
// when the property is not present.
type PropertyGetter func(f Facade) (any, bool)

// PropertySetter writes a reserved property to a facade.
type PropertySetter func(f Facade, value any) error

// PropertyInterceptor routes one property name to facade-specific storage.
type PropertyInterceptor struct {
	Get PropertyGetter
	Set PropertySetter
	// Clear resets the property when application properties are cleared. Nil
	// means the property survives ClearProperties.
	Clear func(f Facade)
	// Enumerable properties are reported by PropertyNames when present.
	Enumerable bool
}

// PropertyRegistry maps property names to interceptors. Lookups are a single
// map access. A registry is built once per protocol and shared by every message
// that protocol creates; Register may be called later to add extensions.
type PropertyRegistry struct {
	mu           sync.RWMutex
	interceptors map[string]PropertyInterceptor
}

// NewPropertyRegistry returns a registry holding the interceptors for the
// reserved JMS header and JMSX names.
func NewPropertyRegistry() *PropertyRegistry {
	r := &PropertyRegistry{interceptors: make(map[string]PropertyInterceptor)}
	registerStandard(r)
	return r
}

// Register adds or replaces the interceptor for name.
func (r *PropertyRegistry) Register(name string, pi PropertyInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptors[name] = pi
}

// Lookup returns the interceptor for name.
func (r *PropertyRegistry) Lookup(name string) (PropertyInterceptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pi, ok := r.interceptors[name]
	return pi, ok
}

// GetProperty reads name through its interceptor or, when there is none, from
// the facade's application properties.
func (r *PropertyRegistry) GetProperty(f Facade, name string) (any, bool) {
	if pi, ok := r.Lookup(name); ok {
		return pi.Get(f)
	}
	return f.Property(name)
}

// SetProperty writes name through its interceptor or, when there is none, to
// the facade's application properties.
func (r *PropertyRegistry) SetProperty(f Facade, name string, value any) error {
	if pi, ok := r.Lookup(name); ok {
		if pi.Set == nil {
			return fmt.Errorf("%w: %s is read-only", ErrInvalidProperty, name)
		}
		return pi.Set(f, value)
	}
	return f.SetProperty(name, value)
}

// PropertyExists reports whether name has a value.
func (r *PropertyRegistry) PropertyExists(f Facade, name string) bool {
	_, ok := r.GetProperty(f, name)
	return ok
}

// PropertyNames returns the application property names plus any enumerable
// reserved properties that are present, sorted.
func (r *PropertyRegistry) PropertyNames(f Facade) []string {
	names := f.PropertyNames()
	r.mu.RLock()
	for name, pi := range r.interceptors {
		if !pi.Enumerable {
			continue
		}
		if _, ok := pi.Get(f); ok {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ClearProperties removes application properties and resets every
// interceptor that has a Clear function.
func (r *PropertyRegistry) ClearProperties(f Facade) {
	f.ClearProperties()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pi := range r.interceptors {
		if pi.Clear != nil {
			pi.Clear(f)
		}
	}
}

func registerStandard(r *PropertyRegistry) {
	r.Register(JMSDestination, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			d := f.Destination()
			return d, d != nil
		},
		Set: func(f Facade, v any) error {
			d, err := toDestination(v)
			if err != nil {
				return err
			}
			f.SetDestination(d)
			return nil
		},
	})
	r.Register(JMSReplyTo, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			d := f.ReplyTo()
			return d, d != nil
		},
		Set: func(f Facade, v any) error {
			d, err := toDestination(v)
			if err != nil {
				return err
			}
			f.SetReplyTo(d)
			return nil
		},
	})
	r.Register(JMSType, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			t := f.Type()
			return t, t != ""
		},
		Set: func(f Facade, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			f.SetType(s)
			return nil
		},
	})
	r.Register(JMSDeliveryMode, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			if f.Persistent() {
				return Persistent, true
			}
			return NonPersistent, true
		},
		Set: func(f Facade, v any) error {
			switch t := v.(type) {
			case bool:
				f.SetPersistent(t)
			case string:
				switch t {
				case Persistent:
					f.SetPersistent(true)
				case NonPersistent:
					f.SetPersistent(false)
				default:
					return fmt.Errorf("%w: delivery mode %q", ErrInvalidProperty, t)
				}
			default:
				return fmt.Errorf("%w: delivery mode of type %T", ErrInvalidProperty, v)
			}
			return nil
		},
	})
	r.Register(JMSPriority, PropertyInterceptor{
		Get: func(f Facade) (any, bool) { return f.Priority(), true },
		Set: func(f Facade, v any) error {
			p, err := toInt64(v)
			if err != nil {
				return err
			}
			f.SetPriority(ClampPriority(int(p)))
			return nil
		},
	})
	r.Register(JMSMessageID, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			id := f.MessageID()
			return id, id != ""
		},
		Set: func(f Facade, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			return f.SetMessageID(s)
		},
	})
	r.Register(JMSTimestamp, PropertyInterceptor{
		Get: func(f Facade) (any, bool) { return millis(f.Timestamp()) },
		Set: func(f Facade, v any) error {
			ms, err := toInt64(v)
			if err != nil {
				return err
			}
			f.SetTimestamp(fromMillis(ms))
			return nil
		},
	})
	r.Register(JMSCorrelationID, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			id := f.CorrelationID()
			return id, id != ""
		},
		Set: func(f Facade, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			return f.SetCorrelationID(s)
		},
	})
	r.Register(JMSExpiration, PropertyInterceptor{
		Get: func(f Facade) (any, bool) { return millis(f.Expiration()) },
		Set: func(f Facade, v any) error {
			ms, err := toInt64(v)
			if err != nil {
				return err
			}
			f.SetExpiration(fromMillis(ms))
			return nil
		},
	})
	r.Register(JMSRedelivered, PropertyInterceptor{
		Get: func(f Facade) (any, bool) { return f.Redelivered(), true },
		Set: func(f Facade, v any) error {
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: JMSRedelivered of type %T", ErrInvalidProperty, v)
			}
			f.SetRedelivered(b)
			return nil
		},
	})
	r.Register(JMSXDeliveryCount, PropertyInterceptor{
		Get: func(f Facade) (any, bool) { return f.DeliveryCount(), true },
		Set: func(f Facade, v any) error {
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			if n < 1 {
				n = 1
			}
			f.SetRedeliveryCount(int(n) - 1)
			return nil
		},
		Enumerable: true,
	})
	r.Register(JMSXGroupID, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			g := f.GroupID()
			return g, g != ""
		},
		Set: func(f Facade, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			f.SetGroupID(s)
			return nil
		},
		Clear:      func(f Facade) { f.SetGroupID("") },
		Enumerable: true,
	})
	r.Register(JMSXGroupSeq, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			seq := f.GroupSequence()
			return seq, seq != 0
		},
		Set: func(f Facade, v any) error {
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			f.SetGroupSequence(int(n))
			return nil
		},
		Clear:      func(f Facade) { f.SetGroupSequence(0) },
		Enumerable: true,
	})
	r.Register(JMSXUserID, PropertyInterceptor{
		Get: func(f Facade) (any, bool) {
			u := f.UserID()
			return u, u != ""
		},
		Set: func(f Facade, v any) error {
			s, err := toString(v)
			if err != nil {
				return err
			}
			f.SetUserID(s)
			return nil
		},
		Enumerable: true,
	})
}

func millis(t time.Time) (any, bool) {
	if t.IsZero() {
		return int64(0), false
	}
	return t.UnixMilli(), true
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toDestination(v any) (*Destination, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *Destination:
		return t, nil
	case Destination:
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: destination of type %T", ErrInvalidProperty, v)
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		return "", fmt.Errorf("%w: expected string, got %T", ErrInvalidProperty, v)
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("%w: expected integer, got %T", ErrInvalidProperty, v)
	}
}

// ToInt64 converts any integer type to int64. Exported for protocol
// interceptors.
func ToInt64(v any) (int64, error) { return toInt64(v) }

// ToString converts v to a string, nil becomes "".
func ToString(v any) (string, error) { return toString(v) }

// ValidPropertyValue reports whether v may be stored as an application property.
func ValidPropertyValue(v any) bool {
	switch v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}
