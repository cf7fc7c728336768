package amqp

import (
	"context"
	"fmt"

	goamqp "github.com/Azure/go-amqp"

	"github.com/venderneutral/kyu"
)

// sessionState is one AMQP session. A transacted session runs local
// transactions: sends are buffered client side and accepted acknowledgements
// are deferred until commit.
type sessionState struct {
	info    *kyu.SessionInfo
	session session

	tx      *kyu.TransactionInfo
	txSends []txSend
	txAcks  []txAck
}

type txSend struct {
	producer *producer
	env      *kyu.OutboundDispatch
	msg      *goamqp.Message
}

type txAck struct {
	consumer *consumer
	msg      *goamqp.Message
}

func (s *sessionState) transacted() bool { return s.info.IsTransacted() }

func (s *sessionState) checkTx(tx *kyu.TransactionInfo) error {
	if !s.transacted() {
		return fmt.Errorf("%w: session %s is not transacted", kyu.ErrUnsupportedOperation, s.info.Id)
	}
	if tx == nil || s.tx == nil || s.tx.Id != tx.Id {
		return fmt.Errorf("%w: transaction %v", kyu.ErrResourceNotFound, tx)
	}
	return nil
}

// commit flushes the buffered sends and, once every one of them is settled,
// accepts the deferred acknowledgements. A failed send rolls back: the
// acknowledged messages are returned for redelivery.
func (s *sessionState) commit(next *kyu.TransactionInfo, result kyu.AsyncResult) {
	sends, acks := s.txSends, s.txAcks
	s.txSends, s.txAcks = nil, nil
	s.tx = next

	afterSends := kyu.NewCallback(func() {
		settleAcks(acks, kyu.AckAccepted, result)
	}, func(err error) {
		settleAcks(acks, kyu.AckModifiedFailed, kyu.NoOpResult())
		result.OnFailure(kyu.WrapError(kyu.ErrTransactionRolledBack, err))
	})
	results := kyu.Aggregate(len(sends), afterSends)
	for i, ts := range sends {
		ts.producer.send(ts.env, ts.msg, results[i])
	}
}

// rollback drops the buffered sends and returns the acknowledged messages
// for redelivery.
func (s *sessionState) rollback(next *kyu.TransactionInfo, result kyu.AsyncResult) {
	acks := s.txAcks
	s.txSends, s.txAcks = nil, nil
	s.tx = next
	settleAcks(acks, kyu.AckModifiedFailed, result)
}

func settleAcks(acks []txAck, ack kyu.AckType, result kyu.AsyncResult) {
	results := kyu.Aggregate(len(acks), result)
	for i, a := range acks {
		a.consumer.settle(a.msg, ack, results[i])
	}
}

// close ends the session off the loop.
func (s *sessionState) close(p *Provider, result kyu.AsyncResult) {
	sess := s.session
	timeout := p.closeTimeout()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := sess.Close(ctx)
		p.finish(func() {
			if err != nil && !isClosedError(err) {
				result.OnFailure(remoteError(err))
				return
			}
			result.OnSuccess()
		}, result)
	}()
}
