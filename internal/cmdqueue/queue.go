// Package cmdqueue runs commands serially on a dedicated worker thread.
package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned by Post once Shutdown has been called.
var ErrClosed = errors.New("command queue closed")

// ErrNotStarted is returned by Flush when the worker was never started.
var ErrNotStarted = errors.New("command queue not started")

// Binder is the engine-side registration the worker must hold while it runs.
type Binder interface {
	RegisterThread() error
	DeregisterThread()
}

// Policy selects what Shutdown does with commands still queued.
type Policy int

const (
	// PolicyDrain executes every queued command before the worker exits.
	PolicyDrain Policy = iota
	// PolicyDiscard drops queued commands and exits after the current one.
	PolicyDiscard
)

func (p Policy) String() string {
	switch p {
	case PolicyDrain:
		return "drain"
	case PolicyDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// ParsePolicy converts "drain" or "discard" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drain", "":
		return PolicyDrain, nil
	case "discard":
		return PolicyDiscard, nil
	default:
		return PolicyDrain, fmt.Errorf("unknown shutdown policy %q", s)
	}
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	policy Policy
}

// WithPolicy sets the shutdown policy. The default is PolicyDrain.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// job is one queue slot. A job with a non-nil barrier carries no command.
type job[T any] struct {
	cmd     T
	barrier chan struct{}
}

// Queue executes posted commands one at a time, in order, on a single
// worker goroutine locked to its OS thread.
type Queue[T any] struct {
	exec   func(T)
	binder Binder
	logger *slog.Logger
	policy Policy

	mu       sync.Mutex
	pending  []job[T]
	closed   bool
	started  bool
	discard  bool
	wake     chan struct{}
	done     chan struct{}
	executed uint64
}

// New creates a queue that runs exec for every posted command. binder may
// be nil when no engine registration is needed.
func New[T any](exec func(T), binder Binder, logger *slog.Logger, opts ...Option) *Queue[T] {
	o := options{policy: PolicyDrain}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		exec:   exec,
		binder: binder,
		logger: logger.With("subsystem", "cmdqueue"),
		policy: o.policy,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. It returns once the worker has registered
// with the binder, or with the registration error, in which case no
// worker is running.
func (q *Queue[T]) Start() error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("command queue already started")
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.started = true
	q.mu.Unlock()

	ready := make(chan error, 1)
	go q.run(ready)

	if err := <-ready; err != nil {
		q.mu.Lock()
		q.started = false
		q.mu.Unlock()
		return fmt.Errorf("registering worker thread: %w", err)
	}
	return nil
}

// run is the worker loop. Registration and deregistration bracket the
// loop so the binder is released on every exit path.
func (q *Queue[T]) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if q.binder != nil {
		if err := q.binder.RegisterThread(); err != nil {
			ready <- err
			return
		}
	}
	defer func() {
		if q.binder != nil {
			q.binder.DeregisterThread()
		}
		close(q.done)
	}()

	ready <- nil
	q.logger.Debug("worker started", "policy", q.policy.String())

	for {
		j, ok := q.next()
		if !ok {
			q.logger.Debug("worker stopped", "executed", q.executedCount())
			return
		}
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		q.runOne(j.cmd)
	}
}

// next blocks until a job is available or the queue is finished.
func (q *Queue[T]) next() (job[T], bool) {
	for {
		q.mu.Lock()
		if q.discard {
			q.releaseBarriers()
			q.mu.Unlock()
			return job[T]{}, false
		}
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending[0] = job[T]{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return j, true
		}
		if q.closed {
			q.mu.Unlock()
			return job[T]{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// releaseBarriers unblocks Flush callers waiting on discarded jobs.
// Callers must hold q.mu.
func (q *Queue[T]) releaseBarriers() {
	dropped := 0
	for _, j := range q.pending {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		dropped++
	}
	q.pending = nil
	if dropped > 0 {
		q.logger.Warn("discarded queued commands on shutdown", "count", dropped)
	}
}

func (q *Queue[T]) runOne(cmd T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("command panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		q.mu.Lock()
		q.executed++
		q.mu.Unlock()
	}()
	q.exec(cmd)
}

// Post enqueues cmd and returns immediately.
func (q *Queue[T]) Post(cmd T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, job[T]{cmd: cmd})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Flush blocks until every command posted before the call has executed.
func (q *Queue[T]) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrNotStarted
	}
	if q.closed {
		q.mu.Unlock()
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.pending = append(q.pending, job[T]{barrier: barrier})
	q.mu.Unlock()
	q.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting commands, applies the shutdown policy and waits
// for the worker to exit.
func (q *Queue[T]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if q.policy == PolicyDiscard {
			q.discard = true
		}
		q.logger.Debug("shutting down", "queued", len(q.pending), "policy", q.policy.String())
	}
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	q.signal()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for command worker: %w", ctx.Err())
	}
}

// Len returns the number of commands waiting to execute.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.pending {
		if j.barrier == nil {
			n++
		}
	}
	return n
}

func (q *Queue[T]) executedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
