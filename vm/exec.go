package vm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/chazu/pcode/pkg/pcode"
)

// step executes one instruction. The PC already points past it; control
// flow instructions overwrite it. Every opcode in the pcode set has a case
// here; TestEveryOpcodeDispatched guards that.
func (m *Machine) step(ctx context.Context, in pcode.Instruction) (halt bool, f *Fault) {
	switch in.Op {
	// ============ Stack / load-store ============
	case pcode.OpNop:
		// Do nothing

	case pcode.OpLit:
		f = m.push(pcode.Int(int64(in.Operand)))

	case pcode.OpLitF:
		f = m.pushFloatLiteral(in.Operand)

	case pcode.OpLod:
		var idx int
		if idx, f = m.slot(in.Level, in.Operand); f == nil {
			f = m.push(m.data[idx])
		}

	case pcode.OpSto:
		var idx int
		var v pcode.Value
		if idx, f = m.slot(in.Level, in.Operand); f == nil {
			if v, f = m.pop(); f == nil {
				m.data[idx] = v
			}
		}

	// ============ Arithmetic ============
	case pcode.OpAdd, pcode.OpSub, pcode.OpMul, pcode.OpDiv, pcode.OpMod, pcode.OpPow:
		f = m.intArith(in.Op)

	case pcode.OpNeg:
		var a int64
		if a, f = m.popInt(); f == nil {
			f = m.push(pcode.Int(-a))
		}

	case pcode.OpAddF, pcode.OpSubF, pcode.OpMulF, pcode.OpDivF, pcode.OpModF, pcode.OpPowF:
		f = m.floatArith(in.Op)

	case pcode.OpNegF:
		var a float64
		if a, f = m.popFloat(); f == nil {
			f = m.push(pcode.Float(-a))
		}

	// ============ Conversion ============
	case pcode.OpI2F:
		var a int64
		if a, f = m.popInt(); f == nil {
			f = m.push(pcode.Float(float64(a)))
		}

	case pcode.OpF2I:
		var a float64
		if a, f = m.popFloat(); f == nil {
			if math.IsNaN(a) || a < -(1<<63) || a >= 1<<63 {
				f = m.faultf(FaultInvalidConversion, "%s does not fit in an int", pcode.FormatFloat(a))
			} else {
				f = m.push(pcode.Int(int64(a)))
			}
		}

	// ============ Comparison ============
	case pcode.OpEq, pcode.OpNe, pcode.OpLt, pcode.OpLe, pcode.OpGt, pcode.OpGe:
		f = m.compare(in.Op)

	// ============ Logical ============
	case pcode.OpAnd, pcode.OpOr:
		var a, b int64
		if a, b, f = m.popInts(); f == nil {
			if in.Op == pcode.OpAnd {
				f = m.push(pcode.Bool(a != 0 && b != 0))
			} else {
				f = m.push(pcode.Bool(a != 0 || b != 0))
			}
		}

	case pcode.OpNot:
		var a int64
		if a, f = m.popInt(); f == nil {
			f = m.push(pcode.Bool(a == 0))
		}

	// ============ Control flow ============
	case pcode.OpJmp:
		f = m.jump(in.Operand)

	case pcode.OpJpc:
		var c int64
		if c, f = m.popInt(); f == nil && c == 0 {
			f = m.jump(in.Operand)
		}

	// ============ Procedures ============
	case pcode.OpCal:
		f = m.call(in)

	case pcode.OpInt:
		f = m.allocate(in.Operand)

	case pcode.OpRet:
		return m.ret(), nil

	// ============ I/O ============
	case pcode.OpRed, pcode.OpRdF, pcode.OpRdB, pcode.OpRdS:
		f = m.read(ctx, in)

	case pcode.OpWrt:
		var a int64
		if a, f = m.popInt(); f == nil {
			m.sink.Output(strconv.FormatInt(a, 10))
		}

	case pcode.OpWrtF:
		var a float64
		if a, f = m.popFloat(); f == nil {
			m.sink.Output(pcode.FormatFloat(a))
		}

	case pcode.OpWrs:
		var idx int64
		if idx, f = m.popInt(); f == nil {
			var s string
			if s, f = m.stringAt(idx); f == nil {
				m.sink.Output(s)
			}
		}

	case pcode.OpWrl:
		m.sink.Output("\n")

	case pcode.OpHlt:
		return true, nil

	default:
		f = m.faultf(FaultUnknownOpcode, "tag 0x%02X", byte(in.Op))
	}
	return false, f
}

// faultf builds a fault for the executing instruction. An empty format
// leaves Err nil.
func (m *Machine) faultf(kind FaultKind, format string, args ...interface{}) *Fault {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return m.faultAt(m.cur, kind, err)
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (m *Machine) push(v pcode.Value) *Fault {
	if m.limits.MaxStack > 0 && len(m.stack) >= m.limits.MaxStack {
		return m.faultf(FaultStackOverflow, "operand stack limit %d", m.limits.MaxStack)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *Machine) pop() (pcode.Value, *Fault) {
	n := len(m.stack)
	if n == 0 {
		return pcode.Value{}, m.faultf(FaultStackUnderflow, "")
	}
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v, nil
}

func (m *Machine) popInt() (int64, *Fault) {
	v, f := m.pop()
	if f != nil {
		return 0, f
	}
	if !v.IsInt() {
		return 0, m.faultf(FaultTypeMismatch, "expected int, got %s", v.Kind)
	}
	return v.I, nil
}

func (m *Machine) popFloat() (float64, *Fault) {
	v, f := m.pop()
	if f != nil {
		return 0, f
	}
	if !v.IsFloat() {
		return 0, m.faultf(FaultTypeMismatch, "expected float, got %s", v.Kind)
	}
	return v.F, nil
}

// popInts pops the right operand b, then the left operand a.
func (m *Machine) popInts() (a, b int64, f *Fault) {
	if b, f = m.popInt(); f != nil {
		return
	}
	a, f = m.popInt()
	return
}

func (m *Machine) popFloats() (a, b float64, f *Fault) {
	if b, f = m.popFloat(); f != nil {
		return
	}
	a, f = m.popFloat()
	return
}

func (m *Machine) pushFloatLiteral(idx int32) *Fault {
	s, f := m.stringAt(int64(idx))
	if f != nil {
		return f
	}
	x, err := pcode.ParseFloat(s)
	if err != nil {
		return m.faultAt(m.cur, FaultInvalidConversion, err)
	}
	return m.push(pcode.Float(x))
}

func (m *Machine) stringAt(idx int64) (string, *Fault) {
	if idx < 0 || idx >= int64(len(m.strings)) {
		return "", m.faultf(FaultInvalidAddress, "string index %d outside table of %d", idx, len(m.strings))
	}
	return m.strings[idx], nil
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (m *Machine) intArith(op pcode.Opcode) *Fault {
	a, b, f := m.popInts()
	if f != nil {
		return f
	}
	var r int64
	switch op {
	case pcode.OpAdd:
		r = a + b
	case pcode.OpSub:
		r = a - b
	case pcode.OpMul:
		r = a * b
	case pcode.OpDiv:
		if b == 0 {
			return m.faultf(FaultDivisionByZero, "%d / 0", a)
		}
		r = a / b
	case pcode.OpMod:
		if b == 0 {
			return m.faultf(FaultDivisionByZero, "%d %% 0", a)
		}
		r = a % b
	case pcode.OpPow:
		r = ipow(a, b)
	}
	return m.push(pcode.Int(r))
}

// ipow raises a to the b-th power with wrapping overflow. A negative
// exponent yields the truncated result: 0 unless |a| is 1.
func ipow(a, b int64) int64 {
	if b < 0 {
		switch a {
		case 1:
			return 1
		case -1:
			if b%2 == 0 {
				return 1
			}
			return -1
		}
		return 0
	}
	r := int64(1)
	for b > 0 {
		if b&1 == 1 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

func (m *Machine) floatArith(op pcode.Opcode) *Fault {
	a, b, f := m.popFloats()
	if f != nil {
		return f
	}
	var r float64
	switch op {
	case pcode.OpAddF:
		r = a + b
	case pcode.OpSubF:
		r = a - b
	case pcode.OpMulF:
		r = a * b
	case pcode.OpDivF:
		if b == 0 {
			return m.faultf(FaultDivisionByZero, "%s / 0.0", pcode.FormatFloat(a))
		}
		r = a / b
	case pcode.OpModF:
		if b == 0 {
			return m.faultf(FaultDivisionByZero, "%s %% 0.0", pcode.FormatFloat(a))
		}
		r = math.Mod(a, b)
	case pcode.OpPowF:
		r = math.Pow(a, b)
	}
	return m.push(pcode.Float(r))
}

// compare pops a matching-type pair and pushes 1 or 0.
func (m *Machine) compare(op pcode.Opcode) *Fault {
	b, f := m.pop()
	if f != nil {
		return f
	}
	a, f := m.pop()
	if f != nil {
		return f
	}
	if a.Kind != b.Kind {
		return m.faultf(FaultTypeMismatch, "cannot compare %s with %s", a.Kind, b.Kind)
	}

	var lt, eq bool
	if a.IsInt() {
		lt, eq = a.I < b.I, a.I == b.I
	} else {
		lt, eq = a.F < b.F, a.F == b.F
	}

	var r bool
	switch op {
	case pcode.OpEq:
		r = eq
	case pcode.OpNe:
		r = !eq
	case pcode.OpLt:
		r = lt
	case pcode.OpLe:
		r = lt || eq
	case pcode.OpGt:
		r = !lt && !eq && !isNaN(a) && !isNaN(b)
	case pcode.OpGe:
		r = !lt && !isNaN(a) && !isNaN(b)
	}
	return m.push(pcode.Bool(r))
}

func isNaN(v pcode.Value) bool {
	return v.IsFloat() && math.IsNaN(v.F)
}

// ---------------------------------------------------------------------------
// Frames and control flow
// ---------------------------------------------------------------------------

// chase follows level static links from the current frame.
func (m *Machine) chase(level int32) (int, *Fault) {
	if level < 0 {
		return 0, m.faultf(FaultInvalidAddress, "negative level %d", level)
	}
	fi := len(m.frames) - 1
	for i := int32(0); i < level; i++ {
		fi = m.frames[fi].static
		if fi < 0 {
			return 0, m.faultf(FaultInvalidAddress, "level %d exceeds static chain", level)
		}
	}
	return fi, nil
}

// slot resolves (level, offset) to a data-area index.
func (m *Machine) slot(level, offset int32) (int, *Fault) {
	fi, f := m.chase(level)
	if f != nil {
		return 0, f
	}
	fr := m.frames[fi]
	if offset < 0 || int(offset) >= fr.size {
		return 0, m.faultf(FaultInvalidAddress, "offset %d outside frame of %d slots", offset, fr.size)
	}
	return fr.base + int(offset), nil
}

func (m *Machine) jump(target int32) *Fault {
	if target < 0 || int(target) > len(m.code) {
		return m.faultf(FaultInvalidJumpTarget, "target %d outside [0,%d]", target, len(m.code))
	}
	m.pc = int(target)
	return nil
}

func (m *Machine) call(in pcode.Instruction) *Fault {
	if m.limits.MaxFrames > 0 && len(m.frames) >= m.limits.MaxFrames {
		return m.faultf(FaultStackOverflow, "frame limit %d", m.limits.MaxFrames)
	}
	link, f := m.chase(in.Level)
	if f != nil {
		return f
	}
	caller := len(m.frames) - 1
	returnPC := m.pc
	if f := m.jump(in.Operand); f != nil {
		return f
	}
	m.frames = append(m.frames, frame{
		base:     len(m.data),
		static:   link,
		dynamic:  caller,
		returnPC: returnPC,
	})
	return nil
}

// allocate grows the current (topmost) frame by n zeroed slots.
func (m *Machine) allocate(n int32) *Fault {
	if n < 0 {
		return m.faultf(FaultInvalidAddress, "negative frame growth %d", n)
	}
	if m.limits.MaxDataSlots > 0 && len(m.data)+int(n) > m.limits.MaxDataSlots {
		return m.faultf(FaultStackOverflow, "data area limit %d", m.limits.MaxDataSlots)
	}
	for i := int32(0); i < n; i++ {
		m.data = append(m.data, pcode.Int(0))
	}
	m.frames[len(m.frames)-1].size += int(n)
	return nil
}

// ret pops the current frame. Returning from the main frame halts.
func (m *Machine) ret() bool {
	last := len(m.frames) - 1
	if last == 0 {
		return true
	}
	top := m.frames[last]
	m.data = m.data[:top.base]
	m.frames = m.frames[:last]
	m.pc = top.returnPC
	return false
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

var readKinds = map[pcode.Opcode]InputKind{
	pcode.OpRed: InputInt,
	pcode.OpRdF: InputFloat,
	pcode.OpRdB: InputBool,
	pcode.OpRdS: InputString,
}

func (m *Machine) read(ctx context.Context, in pcode.Instruction) *Fault {
	idx, f := m.slot(in.Level, in.Operand)
	if f != nil {
		return f
	}
	kind := readKinds[in.Op]
	if m.input == nil {
		return m.faultf(FaultInputExhausted, "no input source for %s", kind)
	}

	text, err := m.input.Next(ctx, kind)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return m.faultAt(m.cur, FaultCancelled, err)
		}
		return m.faultAt(m.cur, FaultInputExhausted, err)
	}

	var v pcode.Value
	switch kind {
	case InputInt:
		n, err := parseInt(text)
		if err != nil {
			return m.faultAt(m.cur, FaultInputParse, err)
		}
		v = pcode.Int(n)
	case InputFloat:
		x, err := parseFloat(text)
		if err != nil {
			return m.faultAt(m.cur, FaultInputParse, err)
		}
		v = pcode.Float(x)
	case InputBool:
		b, err := parseBool(text)
		if err != nil {
			return m.faultAt(m.cur, FaultInputParse, err)
		}
		v = pcode.Bool(b)
	case InputString:
		v = pcode.Int(m.intern(text))
	}
	m.data[idx] = v
	return nil
}

// intern returns the index of s in the execution's string table, adding it
// if needed. The Program's own table is never modified.
func (m *Machine) intern(s string) int64 {
	if idx, ok := m.interns[s]; ok {
		return idx
	}
	idx := int64(len(m.strings))
	m.strings = append(m.strings, s)
	m.interns[s] = idx
	return idx
}
