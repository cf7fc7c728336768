package stomp

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/transport"
)

// URI options understood by the provider.
const (
	OptionHeartBeatSend = "stomp.heartBeatSend"
	OptionHeartBeatRecv = "stomp.heartBeatRecv"
	OptionVhost         = "stomp.vhost"
	OptionReceipts      = "stomp.receipts"
	OptionVerifyHost    = "transport.verifyHost"
	OptionTrustAll      = "transport.trustAll"
)

// DefaultHeartBeat is the send and receive heart-beat interval.
const DefaultHeartBeat = time.Minute

// Default ports by scheme.
const (
	DefaultPort    = "61613"
	DefaultTLSPort = "61614"
)

type options struct {
	heartBeatSend time.Duration
	heartBeatRecv time.Duration
	vhost         string
	receipts      bool
	verifyHost    bool
	trustAll      bool
}

func defaultOptions() options {
	return options{
		heartBeatSend: DefaultHeartBeat,
		heartBeatRecv: DefaultHeartBeat,
		receipts:      true,
		verifyHost:    true,
	}
}

func parseOptions(u *url.URL) (options, error) {
	o := defaultOptions()
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[len(values)-1]
		var err error
		switch key {
		case OptionHeartBeatSend:
			o.heartBeatSend, err = transport.ParseMillis(v)
		case OptionHeartBeatRecv:
			o.heartBeatRecv, err = transport.ParseMillis(v)
		case OptionVhost:
			o.vhost = v
		case OptionReceipts:
			o.receipts, err = strconv.ParseBool(v)
		case OptionVerifyHost:
			o.verifyHost, err = strconv.ParseBool(v)
		case OptionTrustAll:
			o.trustAll, err = strconv.ParseBool(v)
		default:
			return o, kyu.ErrInvalidConfig(fmt.Sprintf("unknown stomp option %q", key))
		}
		if err != nil {
			return o, kyu.ErrInvalidConfig(fmt.Sprintf("stomp option %s=%q: %v", key, v, err))
		}
	}
	return o, nil
}

func secureScheme(scheme string) bool { return scheme == "stomps" || scheme == "stomp+ssl" }

func endpoint(u *url.URL, o options) transport.Endpoint {
	secure := secureScheme(u.Scheme)
	port := DefaultPort
	if secure {
		port = DefaultTLSPort
	}
	return transport.EndpointFor(u, secure, port, transport.TLS{VerifyHost: o.verifyHost, TrustAll: o.trustAll})
}
