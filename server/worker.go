package server

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("server: worker stopped")

// workRequest represents a unit of work to be executed on the worker goroutine.
type workRequest struct {
	fn   func() error
	done chan error
}

// Worker serializes executions through a single goroutine. A Machine is
// single-threaded; everything that touches one runs inside a function
// passed to Do or Go.
type Worker struct {
	requests chan workRequest
	quit     chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			w.drain()
			return
		}
	}
}

// drain fails requests that were queued before Stop.
func (w *Worker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.done <- ErrWorkerStopped
		default:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (w *Worker) execute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker recovered from panic: %v", r)
			err = fmt.Errorf("server: execution panicked: %v", r)
		}
	}()
	return fn()
}

// Go submits fn and returns a channel that receives its result (including
// recovered panics) exactly once.
func (w *Worker) Go(fn func() error) <-chan error {
	req := workRequest{fn: fn, done: make(chan error, 1)}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		req.done <- ErrWorkerStopped
		return req.done
	}
	w.requests <- req
	return req.done
}

// Do submits fn and blocks until it completes.
func (w *Worker) Do(fn func() error) error {
	return <-w.Go(fn)
}

// Stop shuts down the worker goroutine. Work queued but not yet started
// fails with ErrWorkerStopped; the running function, if any, completes.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.quit)
	}
}
