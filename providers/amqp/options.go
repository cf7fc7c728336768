package amqp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/transport"
)

// URI options understood by the provider. Any other option fails provider
// creation.
const (
	OptionIdleTimeout        = "amqp.idleTimeout"
	OptionDrainTimeout       = "amqp.drainTimeout"
	OptionMaxFrameSize       = "amqp.maxFrameSize"
	OptionVhost              = "amqp.vhost"
	OptionSASLMechanisms     = "amqp.saslMechanisms"
	OptionPresettleProducers = "amqp.presettleProducers"
	OptionPresettleConsumers = "amqp.presettleConsumers"
	OptionSendWindow         = "amqp.sendWindow"
	OptionTypedObjects       = "amqp.typedObjectEncoding"
	OptionVerifyHost         = "transport.verifyHost"
	OptionTrustAll           = "transport.trustAll"
)

// Defaults for the URI options.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultDrainTimeout = 60 * time.Second
	DefaultSendWindow   = 1
)

// SASL mechanism names accepted by amqp.saslMechanisms.
const (
	SASLPlain     = "PLAIN"
	SASLAnonymous = "ANONYMOUS"
)

type options struct {
	idleTimeout        time.Duration
	drainTimeout       time.Duration
	maxFrameSize       uint32
	vhost              string
	saslMechanisms     []string
	presettleProducers bool
	presettleConsumers bool
	sendWindow         int
	typedObjects       bool
	verifyHost         bool
	trustAll           bool
}

func defaultOptions() options {
	return options{
		idleTimeout:  DefaultIdleTimeout,
		drainTimeout: DefaultDrainTimeout,
		sendWindow:   DefaultSendWindow,
		verifyHost:   true,
	}
}

// parseOptions reads the provider options from the query of u.
func parseOptions(u *url.URL) (options, error) {
	o := defaultOptions()
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[len(values)-1]
		var err error
		switch key {
		case OptionIdleTimeout:
			o.idleTimeout, err = transport.ParseMillis(v)
		case OptionDrainTimeout:
			o.drainTimeout, err = transport.ParseMillis(v)
		case OptionMaxFrameSize:
			var n uint64
			n, err = strconv.ParseUint(v, 10, 32)
			o.maxFrameSize = uint32(n)
		case OptionVhost:
			o.vhost = v
		case OptionSASLMechanisms:
			o.saslMechanisms, err = parseMechanisms(v)
		case OptionPresettleProducers:
			o.presettleProducers, err = strconv.ParseBool(v)
		case OptionPresettleConsumers:
			o.presettleConsumers, err = strconv.ParseBool(v)
		case OptionSendWindow:
			o.sendWindow, err = strconv.Atoi(v)
			if err == nil && o.sendWindow < 1 {
				err = fmt.Errorf("must be at least 1")
			}
		case OptionTypedObjects:
			o.typedObjects, err = strconv.ParseBool(v)
		case OptionVerifyHost:
			o.verifyHost, err = strconv.ParseBool(v)
		case OptionTrustAll:
			o.trustAll, err = strconv.ParseBool(v)
		default:
			return o, kyu.ErrInvalidConfig(fmt.Sprintf("unknown amqp option %q", key))
		}
		if err != nil {
			return o, kyu.ErrInvalidConfig(fmt.Sprintf("amqp option %s=%q: %v", key, v, err))
		}
	}
	return o, nil
}

func parseMechanisms(v string) ([]string, error) {
	var mechs []string
	for _, m := range strings.Split(v, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		switch m {
		case "":
		case SASLPlain, SASLAnonymous:
			mechs = append(mechs, m)
		default:
			return nil, fmt.Errorf("unsupported SASL mechanism %q", m)
		}
	}
	return mechs, nil
}

// mechanism picks the SASL mechanism for the given credentials: the first
// configured mechanism that can be used, otherwise PLAIN with a username and
// ANONYMOUS without.
func (o options) mechanism(username string) string {
	for _, m := range o.saslMechanisms {
		if m == SASLPlain && username == "" {
			continue
		}
		return m
	}
	if username != "" {
		return SASLPlain
	}
	return SASLAnonymous
}
