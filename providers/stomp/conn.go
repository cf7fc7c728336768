package stomp

import (
	"errors"
	"net"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/venderneutral/kyu"
)

// connection, subscription and transaction are the parts of go-stomp the
// provider drives. Their methods may block and only run on the provider's
// I/O loop.
type connection interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscription, error)
	Ack(msg *stomp.Message) error
	Nack(msg *stomp.Message) error
	Begin() transaction
	Disconnect() error
}

type subscription interface {
	Messages() <-chan *stomp.Message
	Unsubscribe() error
}

type transaction interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Ack(msg *stomp.Message) error
	Nack(msg *stomp.Message) error
	Commit() error
	Abort() error
}

// sender is a connection or a transaction.
type sender interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
}

// openConnection performs the STOMP CONNECT handshake over nc.
func openConnection(nc net.Conn, params connectParams) (connection, error) {
	c, err := stomp.Connect(nc, params.options()...)
	if err != nil {
		return nil, err
	}
	return &stompConn{conn: c}, nil
}

type stompConn struct {
	conn *stomp.Conn
}

func (c *stompConn) Send(dest, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	return c.conn.Send(dest, contentType, body, opts...)
}

func (c *stompConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscription, error) {
	s, err := c.conn.Subscribe(dest, ack, opts...)
	if err != nil {
		return nil, err
	}
	return &stompSubscription{sub: s}, nil
}

func (c *stompConn) Ack(msg *stomp.Message) error  { return c.conn.Ack(msg) }
func (c *stompConn) Nack(msg *stomp.Message) error { return c.conn.Nack(msg) }
func (c *stompConn) Begin() transaction            { return c.conn.Begin() }
func (c *stompConn) Disconnect() error             { return c.conn.Disconnect() }

type stompSubscription struct {
	sub *stomp.Subscription
}

func (s *stompSubscription) Messages() <-chan *stomp.Message { return s.sub.C }
func (s *stompSubscription) Unsubscribe() error              { return s.sub.Unsubscribe() }

// isTransportError reports whether err means the connection is gone.
func isTransportError(err error) bool {
	var netErr net.Error
	return errors.Is(err, stomp.ErrClosedUnexpectedly) ||
		errors.Is(err, stomp.ErrAlreadyClosed) ||
		errors.As(err, &netErr)
}

// remoteError converts an error carrying an ERROR frame into a
// ProtocolError. Errors raised locally by go-stomp are returned unchanged.
func remoteError(err error) error {
	var se stomp.Error
	var sep *stomp.Error
	switch {
	case errors.As(err, &se):
	case errors.As(err, &sep) && sep != nil:
		se = *sep
	}
	if se.Frame == nil {
		return err
	}
	desc := se.Message
	if len(se.Frame.Body) > 0 {
		desc += ": " + string(se.Frame.Body)
	}
	return &kyu.ProtocolError{Condition: "stomp:error", Description: desc, Err: err}
}
