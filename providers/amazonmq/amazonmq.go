// Package amazonmq registers the amazonmq URI scheme, a preset of the AMQP
// provider for Amazon MQ for ActiveMQ brokers.
//
//	amazonmq://<user>:<password>@b-1234.mq.us-east-1.amazonaws.com
//
// The broker is dialed with amqps on port 5671. ActiveMQ uses JMS-style
// addressing, so destinations are sent to queue://name and topic://name unless
// the configuration sets its own prefixes. Query options are those of the
// amqp provider.
package amazonmq

import (
	"fmt"
	"net/url"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/amqp"
)

// Scheme is the URI scheme of the preset.
const Scheme = "amazonmq"

// Destination prefixes of ActiveMQ.
const (
	QueuePrefix = "queue://"
	TopicPrefix = "topic://"
)

func init() {
	kyu.RegisterProvider(Scheme, kyu.ProviderFactoryFunc(func(u *url.URL) (kyu.Provider, error) {
		return NewProvider(u)
	}))
}

// NewProvider returns an AMQP provider for the broker u names.
func NewProvider(u *url.URL, opts ...amqp.Option) (*amqp.Provider, error) {
	target, defaults, err := Rewrite(u)
	if err != nil {
		return nil, err
	}
	return amqp.NewProvider(target, append([]amqp.Option{amqp.WithDefaults(defaults)}, opts...)...)
}

// Rewrite turns an amazonmq URI into the amqps URI the AMQP provider dials,
// with the credentials and prefixes to default to.
func Rewrite(u *url.URL) (*url.URL, amqp.Defaults, error) {
	if u.Hostname() == "" {
		return nil, amqp.Defaults{}, kyu.ErrInvalidConfig("amazonmq: broker host is required")
	}
	d := amqp.Defaults{QueuePrefix: QueuePrefix, TopicPrefix: TopicPrefix}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	target := &url.URL{
		Scheme:   "amqps",
		Host:     u.Host,
		RawQuery: u.RawQuery,
	}
	return target, d, nil
}

// VirtualTopic returns the topic producers publish to for an ActiveMQ
// virtual topic.
func VirtualTopic(topic string) *message.Destination {
	return message.NewTopic("VirtualTopic." + topic)
}

// VirtualTopicQueue returns the queue through which the named subscription
// durably consumes a virtual topic.
func VirtualTopicQueue(subscription, topic string) *message.Destination {
	return message.NewQueue(fmt.Sprintf("Consumer.%s.VirtualTopic.%s", subscription, topic))
}
