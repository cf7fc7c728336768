// Package metrics holds the prometheus collectors shared by the providers.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kyu"

// Label names.
const (
	LabelProvider = "provider"
	LabelOutcome  = "outcome"
)

// Values of the provider label.
const (
	ProviderAMQP  = "amqp"
	ProviderSTOMP = "stomp"
)

// Send outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
	OutcomeSettled  = "presettled"
)

// Metrics is the set of collectors a provider updates. The zero value is not
// usable; call New or Nop.
type Metrics struct {
	Sends              *prometheus.CounterVec
	CreditBlockedSends *prometheus.GaugeVec
	Outstanding        *prometheus.GaugeVec
	ReconnectAttempts  prometheus.Counter
	Recoveries         prometheus.Counter
}

// New creates the collectors and registers them on reg. Collectors already
// registered on reg by an earlier call are reused, so every provider sharing a
// registry updates the same series. A nil reg leaves the collectors
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "sends_total",
			Help:      "Messages sent by a provider, by outcome.",
		}, []string{LabelProvider, LabelOutcome}),
		CreditBlockedSends: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "credit_blocked_sends",
			Help:      "Sends waiting for link credit.",
		}, []string{LabelProvider}),
		Outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "outstanding_deliveries",
			Help:      "Sent messages waiting for the peer to settle them.",
		}, []string{LabelProvider}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failover",
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made by failover providers.",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failover",
			Name:      "recoveries_total",
			Help:      "Connections restored by failover providers.",
		}),
	}
	if reg == nil {
		return m
	}

	m.Sends = getOrRegister(reg, m.Sends)
	m.CreditBlockedSends = getOrRegister(reg, m.CreditBlockedSends)
	m.Outstanding = getOrRegister(reg, m.Outstanding)
	m.ReconnectAttempts = getOrRegister(reg, m.ReconnectAttempts)
	m.Recoveries = getOrRegister(reg, m.Recoveries)
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics { return New(nil) }

func getOrRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
