package transport

import (
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointFor(t *testing.T) {
	u, err := url.Parse("amqp://broker:1234")
	require.NoError(t, err)
	assert.Equal(t, "broker:1234", EndpointFor(u, false, "5672", TLS{}).Address())

	u, err = url.Parse("amqps://broker")
	require.NoError(t, err)
	e := EndpointFor(u, true, "5671", TLS{VerifyHost: true})
	assert.Equal(t, "broker:5671", e.Address())
	assert.True(t, e.Secure)
}

func TestConfig(t *testing.T) {
	cfg := Config("broker", TLS{VerifyHost: true})
	assert.Equal(t, "broker", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg = Config("broker", TLS{})
	assert.True(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.VerifyConnection, "chain is still verified")

	cfg = Config("broker", TLS{TrustAll: true})
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyConnection)
}

func TestWatch_ReportsFirstErrorOnce(t *testing.T) {
	client, server := net.Pipe()
	var errs []error
	wc := Watch(client, func(err error) { errs = append(errs, err) })

	require.NoError(t, server.Close())
	buf := make([]byte, 1)
	_, err := wc.Read(buf)
	require.Error(t, err)
	_, err = wc.Write(buf)
	require.Error(t, err)

	assert.Len(t, errs, 1)
}

func TestParseMillis(t *testing.T) {
	d, err := ParseMillis("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseMillis("2s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	for _, bad := range []string{"-1", "-2s", "soon"} {
		_, err := ParseMillis(bad)
		assert.Error(t, err, bad)
	}
}
