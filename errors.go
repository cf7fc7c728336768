package kyu

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	// ErrConnectionFailed indicates a connection to the broker could not be established.
	ErrConnectionFailed = errors.New("kyu: connection failed")

	// ErrClosed indicates an operation was attempted on a closed provider or resource.
	ErrClosed = errors.New("kyu: closed")

	// ErrTimeout indicates a blocking wait expired before the request completed.
	ErrTimeout = errors.New("kyu: timed out")

	// ErrUnsupportedProvider indicates no provider is registered for a URI scheme.
	ErrUnsupportedProvider = errors.New("kyu: unsupported provider")

	// ErrUnsupportedOperation indicates the provider's protocol cannot perform a request.
	ErrUnsupportedOperation = errors.New("kyu: unsupported operation")

	// ErrResourceNotFound indicates a request referenced a resource the provider does not know.
	ErrResourceNotFound = errors.New("kyu: resource not found")

	// ErrNoListener indicates Connect was called before SetProviderListener.
	ErrNoListener = errors.New("kyu: no provider listener")

	// ErrTransactionRolledBack indicates a commit could not complete and the
	// transaction's work was discarded.
	ErrTransactionRolledBack = errors.New("kyu: transaction rolled back")

	// ErrTransactionInDoubt indicates the outcome of a commit or rollback is unknown.
	ErrTransactionInDoubt = errors.New("kyu: transaction in doubt")

	// ErrSendFailed indicates the peer did not accept a message.
	ErrSendFailed = errors.New("kyu: send failed")
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kyu: invalid config: %s", e.Message)
}

// ErrInvalidConfig creates a new configuration error.
func ErrInvalidConfig(msg string) error {
	return &ConfigError{Message: msg}
}

// IOError is a transport fault. It is fatal to the provider that raised it
// unless a failover provider intercepts it.
type IOError struct {
	Op  string
	URI string
	Err error
}

func (e *IOError) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("kyu: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kyu: %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err as a transport fault.
func NewIOError(op, uri string, err error) error {
	return &IOError{Op: op, URI: uri, Err: err}
}

// ProtocolError is a request rejected by the remote peer, such as bad
// credentials or an unauthorized destination. It is reported through the
// request's AsyncResult.
type ProtocolError struct {
	Condition   string
	Description string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("kyu: remote error %s", e.Condition)
	}
	return fmt.Sprintf("kyu: remote error %s: %s", e.Condition, e.Description)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RoutingError reports an inbound message that no consumer was registered for.
type RoutingError struct {
	ConsumerId ConsumerId
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("kyu: no consumer registered for %s", e.ConsumerId)
}

// IsTransportFault reports whether err is, or wraps, an IOError.
func IsTransportFault(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// WrapError wraps an error with a sentinel error for easier error checking.
func WrapError(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
