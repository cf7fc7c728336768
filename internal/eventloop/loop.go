// Package eventloop provides the single goroutine serial executor that every
// provider uses to own its state.
//
// Functions injected into a Loop run one at a time, in the order they were
// injected, on the loop's goroutine. Code running on the loop can therefore
// use provider state without locks. Inject never blocks the caller; the queue
// is unbounded.
package eventloop

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when a function is injected into a closed Loop.
var ErrClosed = errors.New("eventloop: closed")

// Loop is a serial executor.
type Loop struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New creates a Loop and starts its goroutine.
func New(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the name given to New.
func (l *Loop) Name() string { return l.name }

// Inject queues f to run on the loop goroutine.
//
// f must not block: no other injected function runs until f returns.
// Returns ErrClosed if the loop no longer accepts work, in which case f will
// never be called.
func (l *Loop) Inject(f func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// InjectWait is like Inject but waits for f to complete and returns its error.
// It must not be called from the loop goroutine.
func (l *Loop) InjectWait(f func() error) error {
	result := make(chan error, 1)
	if err := l.Inject(func() { result <- f() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Schedule injects f after d has elapsed. The returned timer may be stopped
// to cancel the call if it has not fired yet.
func (l *Loop) Schedule(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() { _ = l.Inject(f) })
}

// Close stops the loop from accepting new work. Work already queued still runs.
// Close does not wait; use Done to wait for the goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		closed := l.closed
		l.mu.Unlock()

		for _, f := range tasks {
			f()
		}

		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}
