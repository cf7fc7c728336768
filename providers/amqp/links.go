package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	goamqp "github.com/Azure/go-amqp"

	"github.com/venderneutral/kyu"
)

// deliveryState is the remote state of a transfer.
type deliveryState int

const (
	stateAccepted deliveryState = iota
	stateRejected
	stateReleased
	stateModified
	stateTransactional
	// stateFailed means the transfer never reached a remote state.
	stateFailed
	stateUnknown
)

func (s deliveryState) terminal() bool {
	return s != stateTransactional && s != stateUnknown
}

// outcome is reported for each transfer. fatal marks a transport fault,
// closed a link the peer detached.
type outcome struct {
	state  deliveryState
	err    error
	fatal  bool
	closed bool
}

// connection, session, senderLink and receiverLink are the parts of go-amqp
// the provider drives. Their methods block and are never called on the
// provider loop.
type connection interface {
	NewSession(ctx context.Context) (session, error)
	Close() error
}

type session interface {
	NewSender(ctx context.Context, target string, opts *goamqp.SenderOptions, window int) (senderLink, error)
	NewReceiver(ctx context.Context, source string, opts *goamqp.ReceiverOptions) (receiverLink, error)
	Close(ctx context.Context) error
}

// senderLink transfers messages. Transfer does not block; done may be called
// more than once while the state is not terminal, and from any goroutine.
type senderLink interface {
	// Credit is the number of transfers that may be started now.
	Credit() int
	Transfer(msg *goamqp.Message, settled bool, done func(outcome))
	Close(ctx context.Context) error
}

type receiverLink interface {
	Receive(ctx context.Context) (*goamqp.Message, error)
	IssueCredit(n uint32) error
	// DrainCredit asks the peer to use or give up the credit outstanding.
	DrainCredit(ctx context.Context) error
	Settle(ctx context.Context, msg *goamqp.Message, ack kyu.AckType) error
	Close(ctx context.Context) error
}

// openConnection performs the AMQP open handshake over an established
// transport.
func openConnection(ctx context.Context, nc net.Conn, opts *goamqp.ConnOptions) (connection, error) {
	conn, err := goamqp.NewConn(ctx, nc, opts)
	if err != nil {
		return nil, err
	}
	return &amqpConn{conn: conn}, nil
}

type amqpConn struct {
	conn *goamqp.Conn
}

func (c *amqpConn) NewSession(ctx context.Context) (session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &amqpSession{session: s}, nil
}

func (c *amqpConn) Close() error { return c.conn.Close() }

type amqpSession struct {
	session *goamqp.Session
}

func (s *amqpSession) NewSender(ctx context.Context, target string, opts *goamqp.SenderOptions, window int) (senderLink, error) {
	snd, err := s.session.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	sendCtx, cancel := context.WithCancel(context.Background())
	return &amqpSender{sender: snd, window: window, ctx: sendCtx, cancel: cancel}, nil
}

func (s *amqpSession) NewReceiver(ctx context.Context, source string, opts *goamqp.ReceiverOptions) (receiverLink, error) {
	r, err := s.session.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return &amqpReceiver{receiver: r}, nil
}

func (s *amqpSession) Close(ctx context.Context) error { return s.session.Close(ctx) }

// amqpSender bounds the transfers in flight to window. go-amqp does not
// expose the peer's link credit, so a Send blocked on credit holds a window
// slot until the peer grants more.
type amqpSender struct {
	sender   *goamqp.Sender
	window   int
	inflight atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
}

func (s *amqpSender) Credit() int { return s.window - int(s.inflight.Load()) }

func (s *amqpSender) Transfer(msg *goamqp.Message, settled bool, done func(outcome)) {
	s.inflight.Add(1)
	go func() {
		o := s.transfer(msg, settled)
		s.inflight.Add(-1)
		done(o)
	}()
}

// transfer sends msg and waits for the peer's disposition of it. A settled
// transfer has no disposition and completes once written.
func (s *amqpSender) transfer(msg *goamqp.Message, settled bool) outcome {
	if settled {
		return classifySend(s.sender.Send(s.ctx, msg, &goamqp.SendOptions{Settled: true}))
	}
	receipt, err := s.sender.SendWithReceipt(s.ctx, msg, nil)
	if err != nil {
		return classifySend(err)
	}
	state, err := receipt.Wait(s.ctx)
	if err != nil {
		return classifySend(err)
	}
	return classifyState(state)
}

func (s *amqpSender) Close(ctx context.Context) error {
	defer s.cancel()
	return s.sender.Close(ctx)
}

// classifyState maps the disposition the peer settled a transfer with.
func classifyState(state goamqp.DeliveryState) outcome {
	switch state := state.(type) {
	case *goamqp.StateAccepted:
		return outcome{state: stateAccepted}
	case *goamqp.StateRejected:
		if state.Error == nil {
			return outcome{state: stateRejected, err: errors.New("amqp: message rejected by the peer")}
		}
		return outcome{state: stateRejected, err: remoteError(state.Error)}
	case *goamqp.StateReleased:
		return outcome{state: stateReleased, err: errors.New("amqp: message released by the peer")}
	case *goamqp.StateModified:
		return outcome{state: stateModified, err: fmt.Errorf("amqp: message modified by the peer (delivery failed %t, undeliverable here %t)",
			state.DeliveryFailed, state.UndeliverableHere)}
	default:
		return outcome{state: stateUnknown}
	}
}

// classifySend maps an error that ended a transfer before it was settled.
func classifySend(err error) outcome {
	if err == nil {
		return outcome{state: stateAccepted}
	}
	var (
		connErr *goamqp.ConnError
		sessErr *goamqp.SessionError
		linkErr *goamqp.LinkError
		amqpErr *goamqp.Error
	)
	switch {
	case errors.As(err, &connErr):
		return outcome{state: stateFailed, err: err, fatal: true}
	case errors.As(err, &sessErr), errors.As(err, &linkErr):
		return outcome{state: stateFailed, err: remoteError(err), closed: true}
	case errors.As(err, &amqpErr):
		return outcome{state: stateRejected, err: remoteError(amqpErr)}
	case errors.Is(err, context.Canceled):
		return outcome{state: stateFailed, err: kyu.ErrClosed}
	default:
		return outcome{state: stateFailed, err: err}
	}
}

// remoteError converts an error carrying a remote AMQP error condition into
// a ProtocolError. Other errors are returned unchanged.
func remoteError(err error) error {
	var remote *goamqp.Error
	var connErr *goamqp.ConnError
	var sessErr *goamqp.SessionError
	var linkErr *goamqp.LinkError
	switch {
	case errors.As(err, &connErr) && connErr.RemoteErr != nil:
		remote = connErr.RemoteErr
	case errors.As(err, &sessErr) && sessErr.RemoteErr != nil:
		remote = sessErr.RemoteErr
	case errors.As(err, &linkErr) && linkErr.RemoteErr != nil:
		remote = linkErr.RemoteErr
	case errors.As(err, &remote):
	default:
		return err
	}
	return &kyu.ProtocolError{Condition: string(remote.Condition), Description: remote.Description, Err: err}
}

// isTransportError reports whether err ends the connection.
func isTransportError(err error) bool {
	var connErr *goamqp.ConnError
	var netErr net.Error
	return errors.As(err, &connErr) || errors.As(err, &netErr)
}

type amqpReceiver struct {
	receiver *goamqp.Receiver
}

func (r *amqpReceiver) Receive(ctx context.Context) (*goamqp.Message, error) {
	return r.receiver.Receive(ctx, nil)
}

func (r *amqpReceiver) IssueCredit(n uint32) error { return r.receiver.IssueCredit(n) }

func (r *amqpReceiver) DrainCredit(ctx context.Context) error { return r.receiver.DrainCredit(ctx, nil) }

func (r *amqpReceiver) Settle(ctx context.Context, msg *goamqp.Message, ack kyu.AckType) error {
	switch ack {
	case kyu.AckAccepted:
		return r.receiver.AcceptMessage(ctx, msg)
	case kyu.AckRejected:
		return r.receiver.RejectMessage(ctx, msg, nil)
	case kyu.AckReleased:
		return r.receiver.ReleaseMessage(ctx, msg)
	case kyu.AckModifiedFailed:
		return r.receiver.ModifyMessage(ctx, msg, &goamqp.ModifyMessageOptions{DeliveryFailed: true})
	case kyu.AckModifiedFailedUndeliverable:
		return r.receiver.ModifyMessage(ctx, msg, &goamqp.ModifyMessageOptions{DeliveryFailed: true, UndeliverableHere: true})
	default:
		return nil
	}
}

func (r *amqpReceiver) Close(ctx context.Context) error { return r.receiver.Close(ctx) }
