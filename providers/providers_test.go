package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/venderneutral/kyu"
)

func TestSchemesRegistered(t *testing.T) {
	for _, uri := range []string{
		"amqp://localhost:5672",
		"amqps://localhost:5671",
		"stomp://localhost:61613",
		"servicebus://contoso.servicebus.windows.net",
		"amazonmq://b-1234.mq.us-east-1.amazonaws.com",
		"failover:(amqp://a:5672,stomp://b:61613)",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := kyu.NewConnectionFactory(&kyu.Config{URI: uri})
			assert.NoError(t, err)
		})
	}
}
