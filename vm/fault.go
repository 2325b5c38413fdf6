package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/pcode/pkg/pcode"
)

// ---------------------------------------------------------------------------
// Fault kinds
// ---------------------------------------------------------------------------

// FaultKind classifies a runtime fault.
type FaultKind int

const (
	FaultStackUnderflow FaultKind = iota + 1
	FaultStackOverflow
	FaultDivisionByZero
	FaultInvalidAddress
	FaultInvalidJumpTarget
	FaultInputExhausted
	FaultInputParse
	FaultUnknownOpcode
	FaultTypeMismatch
	FaultInvalidConversion
	FaultStepLimit
	FaultCancelled
)

// Sentinel errors, one per fault kind. A *Fault matches its kind's sentinel
// with errors.Is.
var (
	ErrStackUnderflow    = errors.New("stack underflow")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrDivisionByZero    = errors.New("division by zero")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidJumpTarget = errors.New("invalid jump target")
	ErrInputExhausted    = errors.New("input exhausted")
	ErrInputParse        = errors.New("input parse error")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrInvalidConversion = errors.New("invalid conversion")
	ErrStepLimit         = errors.New("step limit exceeded")
	ErrCancelled         = errors.New("execution cancelled")
)

var faultSentinels = map[FaultKind]error{
	FaultStackUnderflow:    ErrStackUnderflow,
	FaultStackOverflow:     ErrStackOverflow,
	FaultDivisionByZero:    ErrDivisionByZero,
	FaultInvalidAddress:    ErrInvalidAddress,
	FaultInvalidJumpTarget: ErrInvalidJumpTarget,
	FaultInputExhausted:    ErrInputExhausted,
	FaultInputParse:        ErrInputParse,
	FaultUnknownOpcode:     ErrUnknownOpcode,
	FaultTypeMismatch:      ErrTypeMismatch,
	FaultInvalidConversion: ErrInvalidConversion,
	FaultStepLimit:         ErrStepLimit,
	FaultCancelled:         ErrCancelled,
}

// Err returns the sentinel error for k.
func (k FaultKind) Err() error {
	if err, ok := faultSentinels[k]; ok {
		return err
	}
	return fmt.Errorf("fault %d", int(k))
}

func (k FaultKind) String() string {
	return k.Err().Error()
}

// ---------------------------------------------------------------------------
// Fault
// ---------------------------------------------------------------------------

// Fault is a runtime error terminal to one execution.
type Fault struct {
	Kind FaultKind
	PC   int          // Address of the faulting instruction
	Op   pcode.Opcode // Faulting instruction's opcode
	Line int32        // Source line, 0 when unknown
	Err  error        // Optional cause or detail
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s at %04d %s", f.Kind, f.PC, f.Op)
	if f.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", f.Line)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind's sentinel and the cause.
func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind.Err()}
	}
	return []error{f.Kind.Err(), f.Err}
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}
