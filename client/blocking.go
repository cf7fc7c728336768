package client

import (
	"context"
	"time"

	"github.com/venderneutral/kyu"
)

// await issues a request and waits for its outcome, at most timeout when
// positive, and no longer than ctx allows. A usage error is returned as is.
func await(ctx context.Context, timeout time.Duration, request func(kyu.AsyncResult) error) error {
	f := kyu.NewProviderFuture()
	if err := request(f); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.Sync(ctx)
}

// blocking turns the provider's asynchronous requests into calls that wait
// with the connection's timeouts. It runs no protocol logic.
type blocking struct {
	p    kyu.Provider
	info *kyu.ConnectionInfo
}

func (b blocking) create(ctx context.Context, r kyu.ResourceInfo) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Create(r, f) })
}

func (b blocking) start(ctx context.Context, r kyu.ResourceInfo) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Start(r, f) })
}

func (b blocking) stop(ctx context.Context, r kyu.ResourceInfo) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Stop(r, f) })
}

// destroy waits at most the close timeout.
func (b blocking) destroy(ctx context.Context, r kyu.ResourceInfo) error {
	return await(ctx, b.info.CloseTimeout, func(f kyu.AsyncResult) error { return b.p.Destroy(r, f) })
}

func (b blocking) send(ctx context.Context, env *kyu.OutboundDispatch) error {
	return await(ctx, b.info.SendTimeout, func(f kyu.AsyncResult) error { return b.p.Send(env, f) })
}

func (b blocking) acknowledge(ctx context.Context, env *kyu.InboundDispatch, ack kyu.AckType) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Acknowledge(env, ack, f) })
}

func (b blocking) acknowledgeSession(ctx context.Context, id kyu.SessionId, ack kyu.AckType) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.AcknowledgeSession(id, ack, f) })
}

func (b blocking) commit(ctx context.Context, tx, next *kyu.TransactionInfo) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Commit(tx, next, f) })
}

func (b blocking) rollback(ctx context.Context, tx, next *kyu.TransactionInfo) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Rollback(tx, next, f) })
}

func (b blocking) recover(ctx context.Context, id kyu.SessionId) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Recover(id, f) })
}

func (b blocking) unsubscribe(ctx context.Context, name string) error {
	return await(ctx, b.info.RequestTimeout, func(f kyu.AsyncResult) error { return b.p.Unsubscribe(name, f) })
}
