package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/pcode/pkg/pcode"
	"github.com/tliron/commonlog"
)

// ErrNotReady is returned by Run on a Machine that has already run.
var ErrNotReady = errors.New("vm: machine is not ready; create a new one per execution")

// State is a Machine's lifecycle state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Halted or Faulted.
func (s State) Terminal() bool {
	return s == StateHalted || s == StateFaulted
}

// Limits bound the resources one execution may use. Zero means unlimited.
type Limits struct {
	MaxStack     int   // Operand stack depth
	MaxFrames    int   // Activation frames, including the main frame
	MaxDataSlots int   // Data-area slots across all frames
	MaxSteps     int64 // Executed instructions
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStack:     1 << 16,
		MaxFrames:    1 << 12,
		MaxDataSlots: 1 << 20,
	}
}

// frame is one activation record. Links are frame indexes, -1 for none.
type frame struct {
	base     int // Index of the frame's slot 0 in the data area
	size     int // Slots allocated by INT
	static   int // Frame of the lexically enclosing procedure
	dynamic  int // Caller's frame
	returnPC int
}

// Machine executes one Program once.
type Machine struct {
	code    []pcode.Instruction
	strings []string // Per-execution copy, extended by RDS
	interns map[string]int64

	stack  []pcode.Value
	data   []pcode.Value
	frames []frame
	pc     int
	cur    int // Address of the executing instruction
	steps  int64

	state State
	fault *Fault

	sink   Sink
	input  InputSource
	limits Limits
	log    commonlog.Logger
	trace  bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithSink sets the Machine's single notification sink.
func WithSink(s Sink) Option {
	return func(m *Machine) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithInput sets the source consulted by read instructions.
func WithInput(in InputSource) Option {
	return func(m *Machine) { m.input = in }
}

// WithLimits replaces the default resource limits.
func WithLimits(l Limits) Option {
	return func(m *Machine) { m.limits = l }
}

// WithLogger replaces the package logger.
func WithLogger(l commonlog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTrace logs every executed instruction at debug level.
func WithTrace(on bool) Option {
	return func(m *Machine) { m.trace = on }
}

// New prepares a Machine for prog. The Program is read, never modified.
func New(prog *pcode.Program, opts ...Option) *Machine {
	m := &Machine{
		code:    prog.Instructions(),
		strings: prog.Strings(),
		sink:    discard{},
		limits:  DefaultLimits(),
		log:     commonlog.GetLogger("pcode.vm"),
	}
	m.interns = make(map[string]int64, len(m.strings))
	for i, s := range m.strings {
		m.interns[s] = int64(i)
	}
	m.data = make([]pcode.Value, 0, int(prog.DataSize()))
	m.stack = make([]pcode.Value, 0, 64)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the Machine's lifecycle state.
func (m *Machine) State() State {
	return m.state
}

// Fault returns the fault that ended the run, or nil.
func (m *Machine) Fault() *Fault {
	return m.fault
}

// Stack returns a copy of the operand stack, bottom first.
func (m *Machine) Stack() []pcode.Value {
	return append([]pcode.Value(nil), m.stack...)
}

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() int64 {
	return m.steps
}

// Run executes the program until it halts, faults or ctx is done. It
// returns nil on Halted and a *Fault on Faulted. Run may be called once.
func (m *Machine) Run(ctx context.Context) error {
	if m.state != StateReady {
		return ErrNotReady
	}
	m.state = StateRunning
	m.frames = append(m.frames, frame{static: -1, dynamic: -1, returnPC: -1})

	for {
		select {
		case <-ctx.Done():
			return m.fail(&Fault{Kind: FaultCancelled, PC: m.pc, Op: m.opAt(m.pc), Err: ctx.Err()})
		default:
		}

		if m.pc == len(m.code) {
			return m.halt()
		}
		if m.pc < 0 || m.pc > len(m.code) {
			return m.fail(&Fault{Kind: FaultInvalidJumpTarget, PC: m.pc, Err: fmt.Errorf("pc %d outside [0,%d]", m.pc, len(m.code))})
		}

		m.steps++
		if m.limits.MaxSteps > 0 && m.steps > m.limits.MaxSteps {
			return m.fail(m.faultAt(m.pc, FaultStepLimit, fmt.Errorf("limit %d", m.limits.MaxSteps)))
		}

		in := m.code[m.pc]
		m.cur = m.pc
		if m.trace && m.log.AllowLevel(commonlog.Debug) {
			m.log.Debugf("%04d %-16s stack=%d frames=%d", m.pc, in.String(), len(m.stack), len(m.frames))
		}
		m.pc++

		done, f := m.step(ctx, in)
		if f != nil {
			return m.fail(f)
		}
		if done {
			return m.halt()
		}
	}
}

func (m *Machine) halt() error {
	m.state = StateHalted
	m.log.Debugf("halted after %d steps", m.steps)
	return nil
}

// fail moves to Faulted and delivers the single error notification.
func (m *Machine) fail(f *Fault) error {
	m.state = StateFaulted
	m.fault = f
	m.log.Debugf("faulted after %d steps: %s", m.steps, f)
	m.sink.Error(f.Error())
	return f
}

func (m *Machine) opAt(pc int) pcode.Opcode {
	if pc >= 0 && pc < len(m.code) {
		return m.code[pc].Op
	}
	return pcode.OpNop
}

// faultAt builds a fault for the instruction at pc.
func (m *Machine) faultAt(pc int, kind FaultKind, err error) *Fault {
	f := &Fault{Kind: kind, PC: pc, Err: err}
	if pc >= 0 && pc < len(m.code) {
		f.Op = m.code[pc].Op
		f.Line = m.code[pc].Line
	}
	return f
}
