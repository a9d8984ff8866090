package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/hotfix/patch"
)

// ErrStopped is returned for work submitted after the worker stopped.
var ErrStopped = errors.New("worker stopped")

// request is a unit of work run on the worker goroutine.
type request struct {
	fn   func(*patch.Manager) (any, error)
	done chan result
}

// result holds the return value of a manager operation.
type result struct {
	value any
	err   error
}

// Worker serializes patch loads, unloads and archive writes through a
// single goroutine, so a load and the archive entry recording it are
// never interleaved with another delivery.
type Worker struct {
	manager  *patch.Manager
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(m *patch.Manager) *Worker {
	w := &Worker{
		manager:  m,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics raised by host code.
func (w *Worker) execute(fn func(*patch.Manager) (any, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()
	res.value, res.err = fn(w.manager)
	return res
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes or ctx is done.
func (w *Worker) Do(ctx context.Context, fn func(*patch.Manager) (any, error)) (any, error) {
	req := request{fn: fn, done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}

// Manager returns the underlying manager, for read-only queries.
func (w *Worker) Manager() *patch.Manager {
	return w.manager
}
