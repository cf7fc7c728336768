package kyu

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider satisfies Provider for registry tests. Only RemoteURI is usable.
type stubProvider struct {
	Provider
	uri *url.URL
}

func (p *stubProvider) RemoteURI() *url.URL { return p.uri }

func stubFactory(failWith error) ProviderFactory {
	return ProviderFactoryFunc(func(u *url.URL) (Provider, error) {
		if failWith != nil {
			return nil, failWith
		}
		return &stubProvider{uri: u}, nil
	})
}

func TestCreateProvider(t *testing.T) {
	RegisterProvider("stub-test", stubFactory(nil))
	RegisterProvider("stub-fail", stubFactory(errors.New("bad option")))

	tests := []struct {
		name        string
		uri         string
		wantErr     bool
		unsupported bool
	}{
		{name: "registered scheme", uri: "stub-test://host:1234?opt=1"},
		{name: "scheme is case insensitive", uri: "STUB-TEST://host:1234"},
		{name: "composite uri", uri: "stub-test:(amqp://a,amqp://b)?x=y"},
		{name: "factory error", uri: "stub-fail://host", wantErr: true},
		{name: "unknown scheme", uri: "nope://host", wantErr: true, unsupported: true},
		{name: "no scheme", uri: "host:1234/path", wantErr: true, unsupported: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CreateProvider(tt.uri)
			if !tt.wantErr {
				require.NoError(t, err)
				require.NotNil(t, p)
				assert.Equal(t, "stub-test", p.RemoteURI().Scheme)
				return
			}
			require.Error(t, err)
			if tt.unsupported {
				assert.True(t, IsTransportFault(err), "expected IOError, got %v", err)
			}
		})
	}
}

func TestCreateProvider_UnknownSchemeIsUnsupported(t *testing.T) {
	_, err := CreateProvider("unknown-scheme://host")
	require.Error(t, err)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestParseProviderURI_Composite(t *testing.T) {
	tests := []struct {
		uri       string
		wantList  string
		wantQuery string
	}{
		{uri: "failover:(amqp://a:5672,amqp://b:5672)", wantList: "(amqp://a:5672,amqp://b:5672)"},
		{uri: "failover://(amqp://a:5672)?failover.randomize=true", wantList: "(amqp://a:5672)", wantQuery: "failover.randomize=true"},
		{uri: "failover:(amqp://a?amqp.idleTimeout=5,amqp://b)?x=1", wantList: "(amqp://a?amqp.idleTimeout=5,amqp://b)", wantQuery: "x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			u, err := parseProviderURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, "failover", u.Scheme)
			assert.Equal(t, tt.wantList, u.Opaque)
			assert.Equal(t, tt.wantQuery, u.RawQuery)
		})
	}
}

func TestNewConnectionFactory(t *testing.T) {
	RegisterProvider("stub-factory", stubFactory(nil))

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  &Config{URI: "stub-factory://host", ClientID: "c1"},
			wantErr: false,
		},
		{
			name:    "invalid config",
			config:  &Config{},
			wantErr: true,
		},
		{
			name:    "unsupported provider",
			config:  &Config{URI: "unknown-provider://host"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewConnectionFactory(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			p, err := f.CreateProvider()
			require.NoError(t, err)
			assert.Equal(t, "host", p.RemoteURI().Host)

			first := f.NewConnectionInfo()
			second := f.NewConnectionInfo()
			assert.NotEqual(t, first.Id, second.Id)
			assert.Equal(t, "c1", first.ClientID)
			assert.Equal(t, tt.config.URI, f.Config().URI)
		})
	}
}
