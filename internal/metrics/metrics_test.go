package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SharesCollectorsPerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := New(reg)
	b := New(reg)

	a.Sends.WithLabelValues("amqp", OutcomeAccepted).Inc()
	b.Sends.WithLabelValues("amqp", OutcomeAccepted).Inc()
	a.ReconnectAttempts.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(a.Sends.WithLabelValues("amqp", OutcomeAccepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.ReconnectAttempts))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "kyu_provider_sends_total")
	assert.Contains(t, names, "kyu_failover_reconnect_attempts_total")
}

func TestNop(t *testing.T) {
	m := Nop()
	m.Outstanding.WithLabelValues("stomp").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Outstanding.WithLabelValues("stomp")))
}
