package pcode

import (
	"errors"
	"fmt"
	"sort"
)

// ErrFrozen is the panic value used when a frozen Program is mutated.
var ErrFrozen = errors.New("pcode: program is frozen")

// ErrInvalidTarget reports a jump or call operand outside the program.
var ErrInvalidTarget = errors.New("invalid jump target")

// ErrInvalidStringIndex reports a string operand outside the string table.
var ErrInvalidStringIndex = errors.New("invalid string index")

// Program is a compiled P-Code unit: instructions addressed by index, a
// deduplicated string table, generation-time labels and the data-area size.
//
// A Program is built by a single generator and then frozen; a frozen Program
// is read-only and may be shared by any number of interpreters.
type Program struct {
	code     []Instruction
	strings  []string
	stringIx map[string]int32
	labels   map[string]int
	dataSize int32
	frozen   bool
}

// NewProgram creates an empty, mutable Program.
func NewProgram() *Program {
	return &Program{
		code:     make([]Instruction, 0, 64),
		strings:  make([]string, 0, 8),
		stringIx: make(map[string]int32),
		labels:   make(map[string]int),
	}
}

func (p *Program) mustBeMutable() {
	if p.frozen {
		panic(ErrFrozen)
	}
}

// AddInstruction appends an instruction and returns its address.
func (p *Program) AddInstruction(in Instruction) int {
	p.mustBeMutable()
	addr := len(p.code)
	p.code = append(p.code, in)
	return addr
}

// Emit appends op with the given level and operand and returns its address.
func (p *Program) Emit(op Opcode, level, operand int32) int {
	return p.AddInstruction(Instruction{Op: op, Level: level, Operand: operand})
}

// PatchOperand rewrites the operand of the instruction at addr. It is used to
// backpatch forward jumps once their target is known.
func (p *Program) PatchOperand(addr int, operand int32) {
	p.mustBeMutable()
	if addr < 0 || addr >= len(p.code) {
		panic(fmt.Sprintf("pcode: patch address %d out of range [0,%d)", addr, len(p.code)))
	}
	p.code[addr].Operand = operand
}

// AddLabel binds name to the current end-of-sequence address and returns it.
// Rebinding an existing name moves it.
func (p *Program) AddLabel(name string) int {
	p.mustBeMutable()
	addr := len(p.code)
	p.labels[name] = addr
	return addr
}

// AddString interns s and returns its index. Adding a string that is already
// present returns the existing index and leaves the table unchanged.
func (p *Program) AddString(s string) int32 {
	if idx, ok := p.stringIx[s]; ok {
		return idx
	}
	p.mustBeMutable()
	idx := int32(len(p.strings))
	p.strings = append(p.strings, s)
	p.stringIx[s] = idx
	return idx
}

// SetDataSize records the number of data slots the program needs.
func (p *Program) SetDataSize(n int32) {
	p.mustBeMutable()
	p.dataSize = n
}

// Freeze makes the Program read-only. It is idempotent.
func (p *Program) Freeze() {
	p.frozen = true
}

// Frozen reports whether the Program has been frozen.
func (p *Program) Frozen() bool {
	return p.frozen
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.code)
}

// At returns the instruction at addr. Panics if addr is out of range.
func (p *Program) At(addr int) Instruction {
	return p.code[addr]
}

// Instructions returns a copy of the instruction sequence.
func (p *Program) Instructions() []Instruction {
	out := make([]Instruction, len(p.code))
	copy(out, p.code)
	return out
}

// StringAt returns the string at idx.
func (p *Program) StringAt(idx int32) (string, bool) {
	if idx < 0 || int(idx) >= len(p.strings) {
		return "", false
	}
	return p.strings[idx], true
}

// Strings returns a copy of the string table in index order.
func (p *Program) Strings() []string {
	out := make([]string, len(p.strings))
	copy(out, p.strings)
	return out
}

// StringCount returns the number of interned strings.
func (p *Program) StringCount() int {
	return len(p.strings)
}

// DataSize returns the number of data slots the program needs.
func (p *Program) DataSize() int32 {
	return p.dataSize
}

// Label returns the address bound to name.
func (p *Program) Label(name string) (int, bool) {
	addr, ok := p.labels[name]
	return addr, ok
}

// Labels returns a copy of the label table.
func (p *Program) Labels() map[string]int {
	out := make(map[string]int, len(p.labels))
	for k, v := range p.labels {
		out[k] = v
	}
	return out
}

// LabelsAt returns the sorted names of every label bound to addr.
func (p *Program) LabelsAt(addr int) []string {
	var names []string
	for name, a := range p.labels {
		if a == addr {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks that the Program is executable: every jump and call target
// lies in [0, Len()] and every float literal references an existing string.
// All problems are reported, joined into one error.
func (p *Program) Validate() error {
	var errs []error
	for addr, in := range p.code {
		switch in.Op.Operand() {
		case OperandTarget, OperandCall:
			if in.Operand < 0 || int(in.Operand) > len(p.code) {
				errs = append(errs, fmt.Errorf("%04d %s: %w %d (program length %d)",
					addr, in.Op, ErrInvalidTarget, in.Operand, len(p.code)))
			}
		case OperandString:
			if in.Operand < 0 || int(in.Operand) >= len(p.strings) {
				errs = append(errs, fmt.Errorf("%04d %s: %w %d (table size %d)",
					addr, in.Op, ErrInvalidStringIndex, in.Operand, len(p.strings)))
			}
		}
	}
	return errors.Join(errs...)
}

// Equal reports whether p and other agree on every persisted part: the
// instruction sequence (opcode, level, operand, line), the string table and
// the data size. Labels and comments are ignored.
func (p *Program) Equal(other *Program) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.dataSize != other.dataSize ||
		len(p.code) != len(other.code) ||
		len(p.strings) != len(other.strings) {
		return false
	}
	for i := range p.strings {
		if p.strings[i] != other.strings[i] {
			return false
		}
	}
	for i := range p.code {
		if !p.code[i].persistedEqual(other.code[i]) {
			return false
		}
	}
	return true
}
