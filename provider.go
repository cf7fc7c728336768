// Package kyu provides a protocol-agnostic messaging client core.
//
// Connections, sessions, producers, consumers and transactions are described
// by ResourceInfo values and realized by a Provider, one per wire protocol.
// Providers are non-blocking: every request takes an AsyncResult that is
// completed later from the provider's own event loop, and inbound events are
// delivered to a single ProviderListener.
//
// Providers are selected by URI scheme. Import the provider packages you need
// for their side effect of registering a factory:
//
//	import _ "github.com/venderneutral/kyu/providers"
package kyu

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/venderneutral/kyu/message"
)

// AckType selects how a delivery is settled.
type AckType int

const (
	// AckDelivered records that a message reached the application without settling it.
	AckDelivered AckType = iota
	// AckAccepted settles the message as consumed.
	AckAccepted
	// AckRejected settles the message as invalid.
	AckRejected
	// AckReleased returns the message to the broker without counting a delivery attempt.
	AckReleased
	// AckModifiedFailed returns the message and counts a failed delivery attempt.
	AckModifiedFailed
	// AckModifiedFailedUndeliverable is like AckModifiedFailed and asks the broker not
	// to redeliver to this consumer.
	AckModifiedFailedUndeliverable
)

func (a AckType) String() string {
	switch a {
	case AckDelivered:
		return "delivered"
	case AckAccepted:
		return "accepted"
	case AckRejected:
		return "rejected"
	case AckReleased:
		return "released"
	case AckModifiedFailed:
		return "modified-failed"
	case AckModifiedFailedUndeliverable:
		return "modified-failed-undeliverable"
	default:
		return fmt.Sprintf("invalid(%d)", int(a))
	}
}

// OutboundDispatch is one message send request.
type OutboundDispatch struct {
	Message     *message.Message
	Destination *message.Destination
	ProducerId  ProducerId
	// SendAsync completes the request as soon as the message is handed to
	// the transport instead of when the peer settles it.
	SendAsync bool
	// Presettle sends the message settled, with no confirmation at all.
	Presettle bool
}

// InboundDispatch is one message delivered to a consumer. Sequence is unique
// per consumer and is the key providers use to find the underlying delivery.
type InboundDispatch struct {
	Message     *message.Message
	ConsumerId  ConsumerId
	Sequence    uint64
	Redelivered bool
}

// SessionId returns the id of the session that owns the consumer.
func (d *InboundDispatch) SessionId() SessionId { return d.ConsumerId.Session }

// Provider is the contract every wire protocol implementation satisfies.
//
// Requests must not block the caller. The returned error is reserved for
// usage errors (closed provider, nil arguments); every other outcome, including
// a protocol rejection, is reported exactly once through the AsyncResult.
type Provider interface {
	// Connect establishes the transport. A provider that fails to connect is
	// permanently unusable. SetProviderListener must be called first.
	Connect(ctx context.Context) error

	// Close releases the provider, waiting at most the connection close timeout.
	// Outstanding requests fail with ErrClosed.
	Close() error

	Create(resource ResourceInfo, result AsyncResult) error
	// Start moves a resource from dormant to active. Resources without such a
	// state succeed without effect.
	Start(resource ResourceInfo, result AsyncResult) error
	Stop(resource ResourceInfo, result AsyncResult) error
	// Destroy releases a resource. Destroying a resource the provider no longer
	// knows succeeds.
	Destroy(resource ResourceInfo, result AsyncResult) error

	Send(envelope *OutboundDispatch, result AsyncResult) error
	AcknowledgeSession(session SessionId, ack AckType, result AsyncResult) error
	Acknowledge(envelope *InboundDispatch, ack AckType, result AsyncResult) error

	// Commit and Rollback end tx and, when next is non-nil, begin next.
	Commit(tx *TransactionInfo, next *TransactionInfo, result AsyncResult) error
	Rollback(tx *TransactionInfo, next *TransactionInfo, result AsyncResult) error
	Recover(session SessionId, result AsyncResult) error

	Unsubscribe(subscription string, result AsyncResult) error
	// Pull requests one message for a zero prefetch consumer. A zero timeout
	// waits indefinitely, a negative timeout only returns an already available
	// message.
	Pull(consumer ConsumerId, timeout time.Duration, result AsyncResult) error

	SetProviderListener(listener ProviderListener)
	ProviderListener() ProviderListener

	RemoteURI() *url.URL
	MessageFactory() message.Factory
}

// ProviderListener receives provider-originated events. Methods are called
// from the provider's event loop and must not block, except
// OnConnectionRecovery and OnConnectionRecovered which are called from a
// failover provider's recovery goroutine and may issue blocking requests
// against the provider they are given.
type ProviderListener interface {
	OnInboundMessage(envelope *InboundDispatch)

	OnConnectionEstablished(remoteURI *url.URL)
	OnConnectionInterrupted(remoteURI *url.URL)
	// OnConnectionRecovery must recreate every resource on provider, parents
	// before children.
	OnConnectionRecovery(provider Provider) error
	// OnConnectionRecovered lets consumers resume flow on provider.
	OnConnectionRecovered(provider Provider) error
	OnConnectionRestored(remoteURI *url.URL)
	// OnConnectionFailure is terminal.
	OnConnectionFailure(err error)

	// OnResourceClosed reports a resource closed by the remote peer.
	OnResourceClosed(resource ResourceInfo, cause error)
	// OnProviderException reports a non-fatal error with no request to carry it.
	OnProviderException(err error)
}

// DefaultProviderListener logs nothing and ignores every event. Embed it to
// implement only some methods.
type DefaultProviderListener struct{}

func (DefaultProviderListener) OnInboundMessage(*InboundDispatch)    {}
func (DefaultProviderListener) OnConnectionEstablished(*url.URL)     {}
func (DefaultProviderListener) OnConnectionInterrupted(*url.URL)     {}
func (DefaultProviderListener) OnConnectionRecovery(Provider) error  { return nil }
func (DefaultProviderListener) OnConnectionRecovered(Provider) error { return nil }
func (DefaultProviderListener) OnConnectionRestored(*url.URL)        {}
func (DefaultProviderListener) OnConnectionFailure(error)            {}
func (DefaultProviderListener) OnResourceClosed(ResourceInfo, error) {}
func (DefaultProviderListener) OnProviderException(error)            {}
