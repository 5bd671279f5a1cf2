// Package marshal hands closures to the execution context a native platform
// requires for its callbacks.
//
// Every Thread is served by one goroutine locked to an OS thread. Closures
// submitted to the same Thread run one at a time, in submission order, and
// their result is delivered back to the submitting goroutine. A closure that
// submits to its own Thread runs inline instead of deadlocking.
package marshal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"go.klb.dev/handoff/internal/errs"
)

// Thread names a required callback context: an STA apartment, the UI main
// thread, a toolkit main loop. Any means the closure has no affinity.
type Thread string

const (
	Any  Thread = ""
	Main Thread = "main"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("marshal: dispatcher closed")

const queueDepth = 1024

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error // nil for Post
}

type queueKey struct{}

// queue is the single consumer for one Thread.
type queue struct {
	name    Thread
	tasks   chan task
	stop    chan struct{}
	stopped chan struct{}
}

func newQueue(name Thread, lockOS bool) *queue {
	q := &queue{
		name:    name,
		tasks:   make(chan task, queueDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ready := make(chan struct{})
	go q.loop(lockOS, ready)
	<-ready
	return q
}

func (q *queue) loop(lockOS bool, ready chan<- struct{}) {
	defer close(q.stopped)
	if lockOS {
		runtime.LockOSThread()
		// Don't UnlockOSThread so the runtime retires the thread with us.
	}
	close(ready)
	for {
		// Drain in order before honouring stop.
		select {
		case t := <-q.tasks:
			q.run(t)
			continue
		default:
		}
		select {
		case t := <-q.tasks:
			q.run(t)
		case <-q.stop:
			q.reject()
			return
		}
	}
}

// reject answers everything still queued at shutdown.
func (q *queue) reject() {
	for {
		select {
		case t := <-q.tasks:
			if t.done != nil {
				t.done <- ErrClosed
			}
		default:
			return
		}
	}
}

func (q *queue) run(t task) {
	if err := t.ctx.Err(); err != nil {
		if t.done != nil {
			t.done <- errs.Cancelled(err)
		}
		return
	}
	err := q.call(t)
	if t.done != nil {
		t.done <- err
	} else if err != nil {
		slog.Warn("posted closure failed", "thread", string(q.name), "err", err)
	}
}

func (q *queue) call(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("marshal: panic on thread %q: %v", q.name, r)
		}
	}()
	return t.fn(context.WithValue(t.ctx, queueKey{}, q))
}

func (q *queue) submit(ctx context.Context, t task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return errs.Cancelled(ctx.Err())
	case <-q.stopped:
		return ErrClosed
	}
}

// Dispatcher owns the per-Thread queues. Queues are created on first use.
type Dispatcher struct {
	lockOS bool

	mu     sync.Mutex
	queues map[Thread]*queue
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithoutOSThreadLock keeps queue goroutines unpinned. Drivers whose native
// API has no thread affinity (and tests) can use it.
func WithoutOSThreadLock() Option {
	return func(d *Dispatcher) { d.lockOS = false }
}

// New returns a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{lockOS: true, queues: make(map[Thread]*queue)}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) queue(t Thread) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	q, ok := d.queues[t]
	if !ok {
		q = newQueue(t, d.lockOS)
		d.queues[t] = q
	}
	return q, nil
}

// On reports whether ctx belongs to a closure currently running on t.
func On(ctx context.Context, t Thread) bool {
	q, _ := ctx.Value(queueKey{}).(*queue)
	return q != nil && q.name == t
}

// RunOn runs fn on t and returns its error. If ctx ends first RunOn returns
// a Cancelled error right away; fn still sees the cancelled ctx. The ctx
// handed to fn must not escape the closure.
func (d *Dispatcher) RunOn(ctx context.Context, t Thread, fn func(context.Context) error) error {
	if t == Any || On(ctx, t) {
		if err := ctx.Err(); err != nil {
			return errs.Cancelled(err)
		}
		return fn(ctx)
	}
	settled := d.Do(ctx, t, fn)
	select {
	case err := <-settled:
		return err
	case <-ctx.Done():
		return errs.Cancelled(ctx.Err())
	}
}

// Do queues fn on t and returns a channel that receives exactly one value:
// fn's error once fn has returned, or a Cancelled error if ctx ended before
// fn started. Unlike RunOn it never reports while fn is still running, which
// is what callers need when fn holds a resource that must be released after.
// With Any, fn runs on a new goroutine.
func (d *Dispatcher) Do(ctx context.Context, t Thread, fn func(context.Context) error) <-chan error {
	out := make(chan error, 1)
	switch {
	case t == Any:
		go func() { out <- d.RunOn(ctx, Any, fn) }()
		return out
	case On(ctx, t):
		out <- d.RunOn(ctx, t, fn)
		return out
	}
	q, err := d.queue(t)
	if err != nil {
		out <- err
		return out
	}
	done := make(chan error, 1)
	if err := q.submit(ctx, task{ctx: ctx, fn: fn, done: done}); err != nil {
		out <- err
		return out
	}
	go func() {
		select {
		case err := <-done:
			out <- err
		case <-q.stopped:
			select {
			case err := <-done:
				out <- err
			default:
				out <- ErrClosed
			}
		}
	}()
	return out
}

// Post queues fn on t without waiting. Posts keep their order relative to
// every other submission on t made from the same goroutine.
func (d *Dispatcher) Post(t Thread, fn func(context.Context)) error {
	wrapped := func(ctx context.Context) error { fn(ctx); return nil }
	if t == Any {
		go fn(context.Background())
		return nil
	}
	q, err := d.queue(t)
	if err != nil {
		return err
	}
	return q.submit(context.Background(), task{ctx: context.Background(), fn: wrapped})
}

// Call runs fn on t and returns its value.
func Call[T any](ctx context.Context, d *Dispatcher, t Thread, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := d.RunOn(ctx, t, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Close stops every queue after the work already queued has run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	qs := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		qs = append(qs, q)
	}
	d.mu.Unlock()

	for _, q := range qs {
		close(q.stop)
	}
	for _, q := range qs {
		<-q.stopped
	}
}
