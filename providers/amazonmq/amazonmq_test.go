package amazonmq

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/amqp"
)

func TestRewrite(t *testing.T) {
	u, err := url.Parse("amazonmq://admin:pw@b-1234.mq.us-east-1.amazonaws.com:5671?amqp.idleTimeout=0")
	require.NoError(t, err)

	target, d, err := Rewrite(u)
	require.NoError(t, err)
	assert.Equal(t, "amqps://b-1234.mq.us-east-1.amazonaws.com:5671?amqp.idleTimeout=0", target.String())
	assert.Equal(t, amqp.Defaults{
		Username:    "admin",
		Password:    "pw",
		QueuePrefix: QueuePrefix,
		TopicPrefix: TopicPrefix,
	}, d)
}

func TestRewrite_MissingHost(t *testing.T) {
	_, _, err := Rewrite(&url.URL{Scheme: Scheme})
	var cfg *kyu.ConfigError
	assert.ErrorAs(t, err, &cfg)
}

func TestNewProvider_RejectsUnknownOption(t *testing.T) {
	u, err := url.Parse("amazonmq://b-1234.mq.us-east-1.amazonaws.com?bogus=1")
	require.NoError(t, err)
	_, err = NewProvider(u)
	var cfg *kyu.ConfigError
	assert.ErrorAs(t, err, &cfg)
}

func TestVirtualTopic(t *testing.T) {
	assert.Equal(t, message.NewTopic("VirtualTopic.orders"), VirtualTopic("orders"))
	assert.Equal(t, message.NewQueue("Consumer.billing.VirtualTopic.orders"), VirtualTopicQueue("billing", "orders"))
}
