package codegen

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors carried by diagnostics. Use errors.Is against a
// Diagnostics value to test for a class of problem.
var (
	ErrUnresolvedAddress = errors.New("unresolved address")
	ErrUnknownProcedure  = errors.New("unknown procedure")
	ErrDuplicateProc     = errors.New("duplicate procedure id")
	ErrInvalidLevel      = errors.New("reference to an inner scope")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrUnsupported       = errors.New("unsupported construct")
	ErrUnpatchedJump     = errors.New("unpatched jump")
	ErrInvalidProgram    = errors.New("generated program is invalid")
	ErrInternal          = errors.New("internal generator error")
)

// Diagnostic is one problem found while lowering a tree.
type Diagnostic struct {
	Line int // Source line, 0 when unknown
	Err  error
}

func (d Diagnostic) Error() string {
	if d.Line > 0 {
		return fmt.Sprintf("line %d: %v", d.Line, d.Err)
	}
	return d.Err.Error()
}

func (d Diagnostic) Unwrap() error { return d.Err }

// Diagnostics is the list returned instead of a Program when generation
// fails. A nil or empty list means success.
type Diagnostics []Diagnostic

func (ds Diagnostics) Error() string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = d.Error()
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes every diagnostic to errors.Is and errors.As.
func (ds Diagnostics) Unwrap() []error {
	errs := make([]error, len(ds))
	for i, d := range ds {
		errs[i] = d
	}
	return errs
}

// Err returns ds as an error, or nil when there are no diagnostics.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	return ds
}
