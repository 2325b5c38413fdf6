package pcode

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", byte(op))
		}
	}
}

func TestOpcodeCount(t *testing.T) {
	if got := OpcodeCount(); got != 44 {
		t.Errorf("OpcodeCount() = %d, want 44", got)
	}
}

func TestAllOpcodesSorted(t *testing.T) {
	ops := AllOpcodes()
	for i := 1; i < len(ops); i++ {
		if ops[i-1] >= ops[i] {
			t.Fatalf("AllOpcodes not in tag order at %d: %s >= %s", i, ops[i-1], ops[i])
		}
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpNop, "NOP"},
		{OpLit, "LIT"},
		{OpLitF, "LITF"},
		{OpLod, "LOD"},
		{OpSto, "STO"},
		{OpDiv, "DIV"},
		{OpPowF, "POWF"},
		{OpI2F, "I2F"},
		{OpF2I, "F2I"},
		{OpJpc, "JPC"},
		{OpCal, "CAL"},
		{OpRdS, "RDS"},
		{OpWrtF, "WRTF"},
		{OpWrl, "WRL"},
		{OpHlt, "HLT"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE)
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.Valid() {
		t.Error("Opcode(0xEE).Valid() = true, want false")
	}
}

func TestLookupOpcode(t *testing.T) {
	for _, op := range AllOpcodes() {
		got, ok := LookupOpcode(strings.ToLower(op.String()))
		if !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %s, %v; want %s, true", op.String(), got, ok, op)
		}
	}
	if _, ok := LookupOpcode("BOGUS"); ok {
		t.Error("LookupOpcode(BOGUS) should fail")
	}
}

func TestOpcodeCategories(t *testing.T) {
	for _, op := range []Opcode{OpJmp, OpJpc, OpCal} {
		if !op.IsJump() {
			t.Errorf("%s.IsJump() = false, want true", op)
		}
	}
	for _, op := range []Opcode{OpRed, OpRdF, OpRdB, OpRdS} {
		if !op.IsRead() {
			t.Errorf("%s.IsRead() = false, want true", op)
		}
	}
	for _, op := range []Opcode{OpWrt, OpWrtF, OpWrs, OpWrl} {
		if !op.IsWrite() {
			t.Errorf("%s.IsWrite() = false, want true", op)
		}
	}
	if !OpRdS.IsIO() || !OpWrl.IsIO() || OpHlt.IsIO() {
		t.Error("IsIO misclassifies RDS/WRL/HLT")
	}
	if OpAdd.IsFloatArith() || !OpAddF.IsFloatArith() {
		t.Error("IsFloatArith misclassifies ADD/ADDF")
	}
	if !OpNeg.IsIntArith() || OpNegF.IsIntArith() {
		t.Error("IsIntArith misclassifies NEG/NEGF")
	}
}

func TestStackEffects(t *testing.T) {
	tests := []struct {
		op   Opcode
		pop  int
		push int
	}{
		{OpNop, 0, 0},
		{OpLit, 0, 1},
		{OpSto, 1, 0},
		{OpAdd, 2, 1},
		{OpNegF, 1, 1},
		{OpI2F, 1, 1},
		{OpEq, 2, 1},
		{OpNot, 1, 1},
		{OpJpc, 1, 0},
		{OpWrt, 1, 0},
		{OpWrl, 0, 0},
		{OpHlt, 0, 0},
	}

	for _, tt := range tests {
		info := GetOpcodeInfo(tt.op)
		if info.StackPop != tt.pop {
			t.Errorf("%s.StackPop = %d, want %d", tt.op, info.StackPop, tt.pop)
		}
		if info.StackPush != tt.push {
			t.Errorf("%s.StackPush = %d, want %d", tt.op, info.StackPush, tt.push)
		}
	}
}

func TestOpcodeRanges(t *testing.T) {
	rangeTests := []struct {
		name     string
		ops      []Opcode
		minRange Opcode
		maxRange Opcode
	}{
		{"Stack", []Opcode{OpNop, OpLit, OpLitF, OpLod, OpSto}, 0x00, 0x0F},
		{"IntArith", []Opcode{OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpNeg}, 0x10, 0x1F},
		{"FloatArith", []Opcode{OpAddF, OpSubF, OpMulF, OpDivF, OpModF, OpPowF, OpNegF}, 0x20, 0x2F},
		{"Conversion", []Opcode{OpI2F, OpF2I}, 0x30, 0x3F},
		{"Comparison", []Opcode{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe}, 0x40, 0x47},
		{"Logical", []Opcode{OpAnd, OpOr, OpNot}, 0x48, 0x4F},
		{"Control", []Opcode{OpJmp, OpJpc}, 0x50, 0x5F},
		{"Procedure", []Opcode{OpCal, OpInt, OpRet}, 0x60, 0x6F},
		{"IO", []Opcode{OpRed, OpRdF, OpRdB, OpRdS, OpWrt, OpWrtF, OpWrs, OpWrl}, 0x70, 0x7F},
		{"Halt", []Opcode{OpHlt}, 0xF0, 0xFF},
	}

	for _, tt := range rangeTests {
		for _, op := range tt.ops {
			if op < tt.minRange || op > tt.maxRange {
				t.Errorf("%s opcode %s (0x%02X) is outside range [0x%02X, 0x%02X]",
					tt.name, op, byte(op), byte(tt.minRange), byte(tt.maxRange))
			}
		}
	}
}

func TestOperandKindString(t *testing.T) {
	tests := []struct {
		kind OperandKind
		want string
	}{
		{OperandNone, "none"},
		{OperandSlot, "slot"},
		{OperandCall, "call"},
		{OperandKind(99), "OperandKind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("OperandKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{Instruction{Op: OpAdd}, "ADD"},
		{Instruction{Op: OpLit, Operand: 42}, "LIT 42"},
		{Instruction{Op: OpLod, Level: 1, Operand: 3}, "LOD 1,3"},
		{Instruction{Op: OpCal, Level: 0, Operand: 7}, "CAL 0,7"},
		{Instruction{Op: OpJpc, Operand: 12}, "JPC 12"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		f    float64
		want string
	}{
		{3, "3.0"},
		{-2.25, "-2.25"},
		{0.1, "0.1"},
		{0, "0.0"},
		{1e21, "1e+21"},
		{100000, "100000.0"},
	}
	for _, tt := range tests {
		got := FormatFloat(tt.f)
		if got != tt.want {
			t.Errorf("FormatFloat(%v) = %q, want %q", tt.f, got, tt.want)
		}
		back, err := ParseFloat(got)
		if err != nil || back != tt.f {
			t.Errorf("ParseFloat(%q) = %v, %v; want %v", got, back, err, tt.f)
		}
	}
}

func TestValueString(t *testing.T) {
	if got := Int(-7).String(); got != "-7" {
		t.Errorf("Int(-7).String() = %q", got)
	}
	if got := Float(1.5).String(); got != "1.5" {
		t.Errorf("Float(1.5).String() = %q", got)
	}
	if Bool(true) != Int(1) || Bool(false) != Int(0) {
		t.Error("Bool should map to 1/0 ints")
	}
}
