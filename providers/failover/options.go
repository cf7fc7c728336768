package failover

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/transport"
)

// URI options understood by the provider.
const (
	OptionInitialReconnectDelay       = "failover.initialReconnectDelay"
	OptionReconnectDelay              = "failover.reconnectDelay"
	OptionMaxReconnectDelay           = "failover.maxReconnectDelay"
	OptionUseReconnectBackOff         = "failover.useReconnectBackOff"
	OptionReconnectBackOffMultiplier  = "failover.reconnectBackOffMultiplier"
	OptionMaxReconnectAttempts        = "failover.maxReconnectAttempts"
	OptionStartupMaxReconnectAttempts = "failover.startupMaxReconnectAttempts"
	OptionWarnAfterReconnectAttempts  = "failover.warnAfterReconnectAttempts"
	OptionRandomize                   = "failover.randomize"
	OptionCloseTimeout                = "failover.closeTimeout"
)

// Options with these prefixes are passed on to every candidate URI.
const (
	nestedPrefix         = "nested."
	failoverNestedPrefix = "failover.nested."
)

// Defaults for the reconnect policy.
const (
	DefaultReconnectDelay             = 10 * time.Millisecond
	DefaultMaxReconnectDelay          = 30 * time.Second
	DefaultReconnectBackOffMultiplier = 2.0
	DefaultWarnAfterReconnectAttempts = 10
)

type options struct {
	initialReconnectDelay time.Duration
	reconnectDelay        time.Duration
	maxReconnectDelay     time.Duration
	useBackOff            bool
	multiplier            float64
	// -1 means unlimited. The startup limit falls back to maxAttempts.
	maxAttempts        int
	startupMaxAttempts int
	warnAfter          int
	randomize          bool
	closeTimeout       time.Duration
}

func defaultOptions() options {
	return options{
		reconnectDelay:     DefaultReconnectDelay,
		maxReconnectDelay:  DefaultMaxReconnectDelay,
		useBackOff:         true,
		multiplier:         DefaultReconnectBackOffMultiplier,
		maxAttempts:        -1,
		startupMaxAttempts: -1,
		warnAfter:          DefaultWarnAfterReconnectAttempts,
		closeTimeout:       kyu.DefaultCloseTimeout,
	}
}

// attemptLimit is the number of reconnect attempts allowed, -1 for no limit.
func (o options) attemptLimit(startup bool) int {
	if startup && o.startupMaxAttempts != -1 {
		return o.startupMaxAttempts
	}
	return o.maxAttempts
}

// newBackOff returns the delay policy between attempts after the first.
func (o options) newBackOff() backoff.BackOff {
	if !o.useBackOff {
		return backoff.NewConstantBackOff(o.reconnectDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.reconnectDelay
	b.Multiplier = o.multiplier
	b.MaxInterval = o.maxReconnectDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// parseURI splits a composite failover URI into its candidates and options.
//
//	failover:(amqp://a:5672,amqp://b:5672)?failover.maxReconnectAttempts=5&nested.amqp.idleTimeout=0
func parseURI(u *url.URL) ([]*url.URL, options, error) {
	o := defaultOptions()
	nested := url.Values{}
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[len(values)-1]
		if name, ok := strings.CutPrefix(key, failoverNestedPrefix); ok {
			nested.Set(name, v)
			continue
		}
		if name, ok := strings.CutPrefix(key, nestedPrefix); ok {
			nested.Set(name, v)
			continue
		}
		if err := o.set(key, v); err != nil {
			return nil, o, err
		}
	}

	list := candidateList(u)
	if list == "" {
		return nil, o, kyu.ErrInvalidConfig("failover URI has no candidate URIs")
	}
	var candidates []*url.URL
	for _, raw := range splitTopLevel(list) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := url.Parse(raw)
		if err != nil {
			return nil, o, kyu.ErrInvalidConfig(fmt.Sprintf("failover candidate %q: %v", raw, err))
		}
		switch strings.ToLower(c.Scheme) {
		case "":
			return nil, o, kyu.ErrInvalidConfig(fmt.Sprintf("failover candidate %q has no scheme", raw))
		case "failover":
			return nil, o, kyu.ErrInvalidConfig("failover URIs cannot be nested")
		}
		if len(nested) > 0 {
			q := c.Query()
			for name, vs := range nested {
				if !q.Has(name) {
					q[name] = vs
				}
			}
			c.RawQuery = q.Encode()
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, o, kyu.ErrInvalidConfig("failover URI has no candidate URIs")
	}
	return candidates, o, nil
}

// candidateList returns the comma separated candidates of u, without the
// surrounding parentheses. A failover URI naming a single candidate may omit
// them.
func candidateList(u *url.URL) string {
	s := u.Opaque
	if s == "" {
		s = strings.TrimPrefix(u.Host+u.Path, "/")
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	return s
}

// splitTopLevel splits s at commas outside parentheses.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func (o *options) set(key, v string) error {
	var err error
	switch key {
	case OptionInitialReconnectDelay:
		o.initialReconnectDelay, err = transport.ParseMillis(v)
	case OptionReconnectDelay:
		o.reconnectDelay, err = transport.ParseMillis(v)
	case OptionMaxReconnectDelay:
		o.maxReconnectDelay, err = transport.ParseMillis(v)
	case OptionUseReconnectBackOff:
		o.useBackOff, err = strconv.ParseBool(v)
	case OptionReconnectBackOffMultiplier:
		o.multiplier, err = strconv.ParseFloat(v, 64)
		if err == nil && o.multiplier < 1 {
			err = fmt.Errorf("must be at least 1")
		}
	case OptionMaxReconnectAttempts:
		o.maxAttempts, err = parseAttempts(v)
	case OptionStartupMaxReconnectAttempts:
		o.startupMaxAttempts, err = parseAttempts(v)
	case OptionWarnAfterReconnectAttempts:
		o.warnAfter, err = strconv.Atoi(v)
	case OptionRandomize:
		o.randomize, err = strconv.ParseBool(v)
	case OptionCloseTimeout:
		o.closeTimeout, err = transport.ParseMillis(v)
	default:
		return kyu.ErrInvalidConfig(fmt.Sprintf("unknown failover option %q", key))
	}
	if err != nil {
		return kyu.ErrInvalidConfig(fmt.Sprintf("failover option %s=%q: %v", key, v, err))
	}
	return nil
}

func parseAttempts(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < -1 {
		return 0, fmt.Errorf("must be -1 or more")
	}
	return n, nil
}

// pool hands out candidate URIs in turn.
type pool struct {
	uris []*url.URL
	next int
}

func newPool(uris []*url.URL, randomize bool) *pool {
	p := &pool{uris: uris}
	if randomize {
		rand.Shuffle(len(p.uris), func(i, j int) { p.uris[i], p.uris[j] = p.uris[j], p.uris[i] })
	}
	return p
}

func (p *pool) get() *url.URL {
	u := p.uris[p.next]
	p.next = (p.next + 1) % len(p.uris)
	return u
}
