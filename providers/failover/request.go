package failover

import (
	"errors"
	"sync/atomic"

	"github.com/venderneutral/kyu"
)

// offline says what happens to a request that cannot be carried out because
// the provider has no connection.
type offline int

const (
	// replayOffline queues the request until a connection is restored.
	replayOffline offline = iota
	// succeedOffline completes the request at once. Used where losing the
	// connection has the same effect, such as an acknowledgement the broker
	// will redeliver anyway.
	succeedOffline
	// failOffline fails the request with a transaction error.
	failOffline
)

var errInterrupted = errors.New("failover: connection interrupted")

// request is one call made on the failover provider. It is owned by the
// loop.
type request struct {
	id      uint64
	name    string
	offline offline
	run     func(d kyu.Provider, result kyu.AsyncResult) error
	result  kyu.AsyncResult

	// attempt is the result handed to the delegate while in flight.
	attempt *attempt
}

// whenOffline resolves r for a connection that is gone. inFlight reports
// whether r had already been handed to the lost delegate. It returns false
// when r must be queued.
func (r *request) whenOffline(inFlight bool) bool {
	switch r.offline {
	case succeedOffline:
		r.result.OnSuccess()
	case failOffline:
		if inFlight {
			r.result.OnFailure(kyu.WrapError(kyu.ErrTransactionInDoubt, errInterrupted))
		} else {
			r.result.OnFailure(kyu.WrapError(kyu.ErrTransactionRolledBack, errInterrupted))
		}
	default:
		return false
	}
	return true
}

// attempt is the AsyncResult given to a delegate for one try of a request.
// Its outcome is carried back to the failover loop.
type attempt struct {
	p    *Provider
	r    *request
	done atomic.Bool
}

func (a *attempt) OnSuccess() { a.complete(nil) }

func (a *attempt) OnFailure(err error) {
	if err == nil {
		err = errors.New("failover: request failed")
	}
	a.complete(err)
}

func (a *attempt) IsComplete() bool { return a.done.Load() }

func (a *attempt) complete(err error) {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	_ = a.p.loop.Inject(func() { a.p.attemptDone(a, err) })
}
