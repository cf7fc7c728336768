// Package providers imports all available kyu providers.
// Use this package when you want to support multiple providers
// and switch between them via configuration.
//
// Usage:
//
//	import _ "github.com/venderneutral/kyu/providers"
package providers

import (
	_ "github.com/venderneutral/kyu/providers/amazonmq"
	_ "github.com/venderneutral/kyu/providers/amqp"
	_ "github.com/venderneutral/kyu/providers/azure"
	_ "github.com/venderneutral/kyu/providers/failover"
	_ "github.com/venderneutral/kyu/providers/stomp"
)
