package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/codegen"
	"github.com/chazu/pcode/pkg/pcode"
	"github.com/chazu/pcode/vm"
	"github.com/google/uuid"
)

var (
	// ErrProgramBusy is returned when a Program already has an execution in
	// flight.
	ErrProgramBusy = errors.New("server: program already executing")

	// ErrUnknownExecution is returned for IDs the Runner does not track.
	ErrUnknownExecution = errors.New("server: unknown execution")

	// ErrRunnerClosed is returned by Start after Close.
	ErrRunnerClosed = errors.New("server: runner closed")
)

// DefaultResultRetention is how long a finished execution's result stays
// available to Wait.
const DefaultResultRetention = time.Minute

// ExecutionID identifies one execution.
type ExecutionID string

// NewExecutionID returns a fresh random ID.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// Result is the outcome of a finished execution.
type Result struct {
	ID    ExecutionID
	State vm.State
	Steps int64
	Fault *vm.Fault // Set when State is Faulted
	Err   error     // Non-fault failure, e.g. the worker stopped
}

// OK reports whether the execution halted normally.
func (r Result) OK() bool {
	return r.State == vm.StateHalted && r.Err == nil
}

type execution struct {
	id     ExecutionID
	prog   *pcode.Program
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Runner drives executions of generated Programs. Each execution runs on
// one of the Runner's workers; a Program may have only one execution in
// flight at a time.
type Runner struct {
	workers []*Worker
	next    atomic.Uint64
	limits  vm.Limits
	trace   bool
	retain  time.Duration

	mu     sync.Mutex
	execs  map[ExecutionID]*execution
	busy   map[*pcode.Program]ExecutionID
	closed bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the number of worker goroutines (default 1).
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = make([]*Worker, n)
		}
	}
}

// WithRunLimits sets the resource limits for every execution.
func WithRunLimits(l vm.Limits) RunnerOption {
	return func(r *Runner) { r.limits = l }
}

// WithResultRetention sets how long a finished execution is kept for Wait
// before it is forgotten. Zero keeps it until Wait collects it.
func WithResultRetention(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retain = d }
}

// WithRunTrace enables per-instruction tracing for every execution.
func WithRunTrace(on bool) RunnerOption {
	return func(r *Runner) { r.trace = on }
}

// NewRunner creates a Runner and starts its workers.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		workers: make([]*Worker, 1),
		limits:  vm.DefaultLimits(),
		retain:  DefaultResultRetention,
		execs:   make(map[ExecutionID]*execution),
		busy:    make(map[*pcode.Program]ExecutionID),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.workers {
		r.workers[i] = NewWorker()
	}
	return r
}

// Generate lowers tree to a frozen Program.
func (r *Runner) Generate(tree *ast.Program) (*pcode.Program, error) {
	prog, diags := codegen.Generate(tree)
	if err := diags.Err(); err != nil {
		return nil, err
	}
	return prog, nil
}

// Start begins executing prog in the background and returns its ID. Output
// and error notifications go to sink; input requests go to input. Canceling
// ctx cancels the execution. The result is held for Wait until the
// retention period after the execution finishes.
func (r *Runner) Start(ctx context.Context, prog *pcode.Program, input vm.InputSource, sink vm.Sink) (ExecutionID, error) {
	if prog == nil {
		return "", fmt.Errorf("server: nil program")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRunnerClosed
	}
	if id, ok := r.busy[prog]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w (execution %s)", ErrProgramBusy, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &execution{
		id:     NewExecutionID(),
		prog:   prog,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.result.ID = e.id
	r.execs[e.id] = e
	r.busy[prog] = e.id
	r.mu.Unlock()

	m := vm.New(prog,
		vm.WithSink(sink),
		vm.WithInput(input),
		vm.WithLimits(r.limits),
		vm.WithTrace(r.trace))

	w := r.workers[r.next.Add(1)%uint64(len(r.workers))]
	log.Debugf("execution %s queued", e.id)
	resc := w.Go(func() error { return m.Run(ctx) })

	go func() {
		err := <-resc
		r.finish(e, m, err)
	}()
	return e.id, nil
}

func (r *Runner) finish(e *execution, m *vm.Machine, err error) {
	e.cancel()
	res := Result{ID: e.id, State: m.State(), Steps: m.Steps(), Fault: m.Fault()}
	if err != nil && res.Fault == nil {
		// The machine never ran to a terminal state.
		res.State = vm.StateFaulted
		res.Err = err
	}
	e.result = res

	r.mu.Lock()
	if r.busy[e.prog] == e.id {
		delete(r.busy, e.prog)
	}
	r.mu.Unlock()

	if res.Fault != nil {
		log.Infof("execution %s faulted: %s", e.id, res.Fault)
	} else if res.Err != nil {
		log.Errorf("execution %s failed: %s", e.id, res.Err)
	} else {
		log.Debugf("execution %s halted after %d steps", e.id, res.Steps)
	}
	close(e.done)

	if r.retain > 0 {
		time.AfterFunc(r.retain, func() { r.forget(e) })
	}
}

// forget drops a finished execution nobody waited for.
func (r *Runner) forget(e *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.execs[e.id] == e {
		delete(r.execs, e.id)
		log.Debugf("execution %s expired", e.id)
	}
}

// Execute runs prog to completion and returns its result.
func (r *Runner) Execute(ctx context.Context, prog *pcode.Program, input vm.InputSource, sink vm.Sink) (ExecutionID, Result, error) {
	id, err := r.Start(ctx, prog, input, sink)
	if err != nil {
		return "", Result{}, err
	}
	res, err := r.Wait(context.Background(), id)
	return id, res, err
}

// Cancel requests cancellation of a running execution. Canceling a
// finished execution is a no-op.
func (r *Runner) Cancel(id ExecutionID) error {
	r.mu.Lock()
	e, ok := r.execs[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	e.cancel()
	return nil
}

// Wait blocks until the execution finishes or ctx is done, then returns its
// result and forgets the execution.
func (r *Runner) Wait(ctx context.Context, id ExecutionID) (Result, error) {
	r.mu.Lock()
	e, ok := r.execs[id]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	r.mu.Lock()
	delete(r.execs, id)
	r.mu.Unlock()
	return e.result, nil
}

// Running returns the IDs of executions that have not finished.
func (r *Runner) Running() []ExecutionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ExecutionID, 0, len(r.busy))
	for _, id := range r.busy {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every execution, waits for them to finish and stops the
// workers.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]*execution, 0, len(r.execs))
	for _, e := range r.execs {
		pending = append(pending, e)
	}
	r.mu.Unlock()

	for _, e := range pending {
		e.cancel()
	}
	for _, e := range pending {
		<-e.done
	}
	for _, w := range r.workers {
		w.Stop()
	}
}
