// Package eventloop provides the single-threaded cooperative loop that every
// connection and request state machine runs on.
//
// Work enters the loop through Post; it runs to completion in FIFO order on
// the goroutine that called Run. Blocking work happens elsewhere (gnet event
// loops, the I/O pool) and posts its completion back.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Loop is a FIFO task queue drained by a single goroutine.
type Loop struct {
	logger hclog.Logger

	mu      sync.Mutex
	queue   []func()
	spare   []func()
	stopped bool
	wake    chan struct{}

	running atomic.Bool
	done    chan struct{}
}

// New creates a loop. It does nothing until Run is called.
func New(logger hclog.Logger) *Loop {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Loop{
		logger: logger.Named("loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It never blocks and is safe to call
// from any goroutine, including the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sync posts fn and waits until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	if !l.running.Load() {
		return fmt.Errorf("event loop is not running")
	}
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have drained the task on its way out.
		select {
		case <-finished:
			return nil
		default:
			return fmt.Errorf("event loop stopped")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is done or Stop is called. Tasks already
// queued when Stop is called still run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event loop already running")
	}
	defer close(l.done)
	defer l.running.Store(false)

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = l.spare[:0]
		stopped := l.stopped
		l.mu.Unlock()

		for i, task := range tasks {
			l.run(task)
			tasks[i] = nil
		}

		l.mu.Lock()
		l.spare = tasks[:0]
		pending := len(l.queue)
		l.mu.Unlock()

		if pending > 0 {
			continue
		}
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Stop makes Run return once the queued tasks have drained.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// AfterFunc runs fn on the loop once d has elapsed, unless the returned
// timer is stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop prevents the callback from running. It reports whether the call
// stopped the timer; it is only reliable when called from the loop.
func (t *Timer) Stop() bool {
	t.t.Stop()
	return t.stopped.CompareAndSwap(false, true)
}
