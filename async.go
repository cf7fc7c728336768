package kyu

import (
	"context"
	"sync"
	"time"
)

// AsyncResult correlates a provider request with its eventual outcome. Only
// the first OnSuccess or OnFailure call has any effect.
type AsyncResult interface {
	OnSuccess()
	OnFailure(err error)
	IsComplete() bool
}

// ProviderFuture is an AsyncResult that callers can block on.
type ProviderFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewProviderFuture returns a pending future.
func NewProviderFuture() *ProviderFuture {
	return &ProviderFuture{done: make(chan struct{})}
}

func (f *ProviderFuture) OnSuccess() {
	f.once.Do(func() { close(f.done) })
}

func (f *ProviderFuture) OnFailure(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *ProviderFuture) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the outcome is set.
func (f *ProviderFuture) Done() <-chan struct{} { return f.done }

// Err returns the failure, or nil if the future succeeded or is still pending.
func (f *ProviderFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Sync waits for the outcome or for ctx to end. A context error leaves the
// future pending.
func (f *ProviderFuture) Sync(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.err
		default:
		}
		return WrapError(ErrTimeout, ctx.Err())
	}
}

// SyncTimeout waits up to d for the outcome. A zero or negative d waits
// forever. Expiry returns an error wrapping ErrTimeout without changing the
// future.
func (f *ProviderFuture) SyncTimeout(d time.Duration) error {
	if d <= 0 {
		<-f.done
		return f.err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		return ErrTimeout
	}
}

type callback struct {
	once      sync.Once
	complete  chan struct{}
	onSuccess func()
	onFailure func(error)
}

// NewCallback returns an AsyncResult that invokes onSuccess or onFailure once.
// Either function may be nil. The functions run on the goroutine that
// completes the request, usually a provider event loop, and must not block.
func NewCallback(onSuccess func(), onFailure func(error)) AsyncResult {
	return &callback{complete: make(chan struct{}), onSuccess: onSuccess, onFailure: onFailure}
}

func (c *callback) OnSuccess() {
	c.once.Do(func() {
		close(c.complete)
		if c.onSuccess != nil {
			c.onSuccess()
		}
	})
}

func (c *callback) OnFailure(err error) {
	c.once.Do(func() {
		close(c.complete)
		if c.onFailure != nil {
			c.onFailure(err)
		}
	})
}

func (c *callback) IsComplete() bool {
	select {
	case <-c.complete:
		return true
	default:
		return false
	}
}

// NoOpResult returns an AsyncResult for callers that do not observe completion.
func NoOpResult() AsyncResult { return NewCallback(nil, nil) }

// Aggregate returns count results that complete target once all of them have
// succeeded, or as soon as one fails. With count == 0, target succeeds
// immediately and nil is returned.
func Aggregate(count int, target AsyncResult) []AsyncResult {
	if count == 0 {
		target.OnSuccess()
		return nil
	}
	var mu sync.Mutex
	remaining := count
	results := make([]AsyncResult, count)
	for i := range results {
		results[i] = NewCallback(func() {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				target.OnSuccess()
			}
		}, target.OnFailure)
	}
	return results
}
