// Package azure registers the servicebus URI scheme, a preset of the AMQP
// provider for Azure Service Bus.
//
// # Connection String Format
//
// A Service Bus namespace is addressed with its shared access policy as the
// user and the access key as the password:
//
//	servicebus://<policy-name>:<access-key>@<namespace>.servicebus.windows.net
//
// The connection is made with amqps on port 5671 and SASL PLAIN. Query
// options are those of the amqp provider. Credentials set in the
// configuration take precedence over the ones in the URI.
//
// # Topic Subscriptions
//
// Service Bus exposes a topic subscription as a node of its own:
//   - Topic: "my-topic"
//   - Subscription: "my-topic/Subscriptions/my-subscription"
//
// Consume from SubscriptionAddress to receive what a subscription holds.
//
// # Usage
//
// Import this package to register the preset:
//
//	import _ "github.com/venderneutral/kyu/providers/azure"
package azure

import (
	"fmt"
	"net/url"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/amqp"
)

// Scheme is the URI scheme of the preset.
const Scheme = "servicebus"

func init() {
	kyu.RegisterProvider(Scheme, kyu.ProviderFactoryFunc(func(u *url.URL) (kyu.Provider, error) {
		return NewProvider(u)
	}))
}

// NewProvider returns an AMQP provider for the namespace u names.
func NewProvider(u *url.URL, opts ...amqp.Option) (*amqp.Provider, error) {
	target, defaults, err := Rewrite(u)
	if err != nil {
		return nil, err
	}
	return amqp.NewProvider(target, append([]amqp.Option{amqp.WithDefaults(defaults)}, opts...)...)
}

// Rewrite turns a servicebus URI into the amqps URI the AMQP provider dials,
// and the credentials it carried.
func Rewrite(u *url.URL) (*url.URL, amqp.Defaults, error) {
	if u.Hostname() == "" {
		return nil, amqp.Defaults{}, kyu.ErrInvalidConfig("servicebus: namespace host is required")
	}
	var d amqp.Defaults
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	q := u.Query()
	if !q.Has(amqp.OptionSASLMechanisms) {
		q.Set(amqp.OptionSASLMechanisms, amqp.SASLPlain)
	}
	target := &url.URL{
		Scheme:   "amqps",
		Host:     u.Host,
		RawQuery: q.Encode(),
	}
	return target, d, nil
}

// SubscriptionAddress returns the node a subscription of topic is consumed
// from.
func SubscriptionAddress(topic, subscription string) *message.Destination {
	return message.NewQueue(fmt.Sprintf("%s/Subscriptions/%s", topic, subscription))
}
