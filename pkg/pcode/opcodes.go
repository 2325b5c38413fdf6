package pcode

import (
	"fmt"
	"sort"
	"strings"
)

// Opcode represents a P-Code operation.
// Opcodes are organized into ranges by category. The byte values are the
// on-disk tags of the binary format and must never be renumbered.
type Opcode byte

const (
	// ========================================================================
	// Stack / load-store (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpLit  Opcode = 0x01 // Push integer literal: LIT 0,<value>
	OpLitF Opcode = 0x02 // Push float literal: LITF 0,<string index>
	OpLod  Opcode = 0x03 // Push variable: LOD <level>,<offset>
	OpSto  Opcode = 0x04 // Pop and store variable: STO <level>,<offset>

	// ========================================================================
	// Integer arithmetic (0x10-0x1F)
	// ========================================================================

	OpAdd Opcode = 0x10 // Pop two ints, push sum
	OpSub Opcode = 0x11 // Pop two ints, push difference (a - b where b is TOS)
	OpMul Opcode = 0x12 // Pop two ints, push product
	OpDiv Opcode = 0x13 // Pop two ints, push truncated quotient
	OpMod Opcode = 0x14 // Pop two ints, push remainder
	OpPow Opcode = 0x15 // Pop two ints, push a raised to b
	OpNeg Opcode = 0x16 // Negate int on top of stack

	// ========================================================================
	// Float arithmetic (0x20-0x2F)
	// ========================================================================

	OpAddF Opcode = 0x20
	OpSubF Opcode = 0x21
	OpMulF Opcode = 0x22
	OpDivF Opcode = 0x23
	OpModF Opcode = 0x24
	OpPowF Opcode = 0x25
	OpNegF Opcode = 0x26

	// ========================================================================
	// Conversion (0x30-0x3F)
	// ========================================================================

	OpI2F Opcode = 0x30 // Int to float
	OpF2I Opcode = 0x31 // Float to int, truncating toward zero

	// ========================================================================
	// Comparison (0x40-0x47) - matching-type pairs, push 0/1
	// ========================================================================

	OpEq Opcode = 0x40
	OpNe Opcode = 0x41
	OpLt Opcode = 0x42
	OpLe Opcode = 0x43
	OpGt Opcode = 0x44
	OpGe Opcode = 0x45

	// ========================================================================
	// Logical (0x48-0x4F)
	// ========================================================================

	OpAnd Opcode = 0x48
	OpOr  Opcode = 0x49
	OpNot Opcode = 0x4A

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJmp Opcode = 0x50 // Unconditional jump: JMP 0,<address>
	OpJpc Opcode = 0x51 // Pop int, jump if exactly zero: JPC 0,<address>

	// ========================================================================
	// Procedures (0x60-0x6F)
	// ========================================================================

	OpCal Opcode = 0x60 // Call: CAL <level>,<address>
	OpInt Opcode = 0x61 // Grow current frame: INT 0,<slots>
	OpRet Opcode = 0x62 // Return from procedure

	// ========================================================================
	// I/O (0x70-0x7F)
	// ========================================================================

	OpRed  Opcode = 0x70 // Read int into RED <level>,<offset>
	OpRdF  Opcode = 0x71 // Read float
	OpRdB  Opcode = 0x72 // Read bool (stored as 0/1)
	OpRdS  Opcode = 0x73 // Read string (stored as string-table index)
	OpWrt  Opcode = 0x74 // Pop int, write it
	OpWrtF Opcode = 0x75 // Pop float, write it
	OpWrs  Opcode = 0x76 // Pop string index, write the string
	OpWrl  Opcode = 0x77 // Write newline

	// ========================================================================
	// Halt (0xF0-0xFF)
	// ========================================================================

	OpHlt Opcode = 0xF0
)

// OperandKind describes how an instruction's level and operand fields are
// interpreted.
type OperandKind uint8

const (
	OperandNone    OperandKind = iota // Level and operand unused
	OperandLiteral                    // Operand is an integer literal
	OperandString                     // Operand is a string-table index
	OperandSlot                       // Level + operand address a data slot
	OperandTarget                     // Operand is a code address
	OperandCall                       // Level is a static-link distance, operand a code address
	OperandCount                      // Operand is a slot count
)

// String returns the operand kind name.
func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandLiteral:
		return "literal"
	case OperandString:
		return "string"
	case OperandSlot:
		return "slot"
	case OperandTarget:
		return "target"
	case OperandCall:
		return "call"
	case OperandCount:
		return "count"
	default:
		return fmt.Sprintf("OperandKind(%d)", k)
	}
}

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string      // Mnemonic
	StackPop  int         // Values popped from the operand stack
	StackPush int         // Values pushed to the operand stack
	Operand   OperandKind // Meaning of level/operand
}

// opcodeInfoTable maps opcodes to their metadata. It is never written after
// package initialization and is safe to share between executions.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:  {"NOP", 0, 0, OperandNone},
	OpLit:  {"LIT", 0, 1, OperandLiteral},
	OpLitF: {"LITF", 0, 1, OperandString},
	OpLod:  {"LOD", 0, 1, OperandSlot},
	OpSto:  {"STO", 1, 0, OperandSlot},

	OpAdd: {"ADD", 2, 1, OperandNone},
	OpSub: {"SUB", 2, 1, OperandNone},
	OpMul: {"MUL", 2, 1, OperandNone},
	OpDiv: {"DIV", 2, 1, OperandNone},
	OpMod: {"MOD", 2, 1, OperandNone},
	OpPow: {"POW", 2, 1, OperandNone},
	OpNeg: {"NEG", 1, 1, OperandNone},

	OpAddF: {"ADDF", 2, 1, OperandNone},
	OpSubF: {"SUBF", 2, 1, OperandNone},
	OpMulF: {"MULF", 2, 1, OperandNone},
	OpDivF: {"DIVF", 2, 1, OperandNone},
	OpModF: {"MODF", 2, 1, OperandNone},
	OpPowF: {"POWF", 2, 1, OperandNone},
	OpNegF: {"NEGF", 1, 1, OperandNone},

	OpI2F: {"I2F", 1, 1, OperandNone},
	OpF2I: {"F2I", 1, 1, OperandNone},

	OpEq: {"EQ", 2, 1, OperandNone},
	OpNe: {"NE", 2, 1, OperandNone},
	OpLt: {"LT", 2, 1, OperandNone},
	OpLe: {"LE", 2, 1, OperandNone},
	OpGt: {"GT", 2, 1, OperandNone},
	OpGe: {"GE", 2, 1, OperandNone},

	OpAnd: {"AND", 2, 1, OperandNone},
	OpOr:  {"OR", 2, 1, OperandNone},
	OpNot: {"NOT", 1, 1, OperandNone},

	OpJmp: {"JMP", 0, 0, OperandTarget},
	OpJpc: {"JPC", 1, 0, OperandTarget},

	OpCal: {"CAL", 0, 0, OperandCall},
	OpInt: {"INT", 0, 0, OperandCount},
	OpRet: {"RET", 0, 0, OperandNone},

	OpRed:  {"RED", 0, 0, OperandSlot},
	OpRdF:  {"RDF", 0, 0, OperandSlot},
	OpRdB:  {"RDB", 0, 0, OperandSlot},
	OpRdS:  {"RDS", 0, 0, OperandSlot},
	OpWrt:  {"WRT", 1, 0, OperandNone},
	OpWrtF: {"WRTF", 1, 0, OperandNone},
	OpWrs:  {"WRS", 1, 0, OperandNone},
	OpWrl:  {"WRL", 0, 0, OperandNone},

	OpHlt: {"HLT", 0, 0, OperandNone},
}

// opcodeByName is the reverse of opcodeInfoTable, built once at init.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// LookupOpcode finds an opcode by mnemonic (case-insensitive).
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToUpper(name)]
	return op, ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// Operand returns how the opcode's level/operand fields are used.
func (op Opcode) Operand() OperandKind {
	return GetOpcodeInfo(op).Operand
}

// IsJump returns true if this opcode transfers control to its operand.
func (op Opcode) IsJump() bool {
	return op == OpJmp || op == OpJpc || op == OpCal
}

// IsRead returns true for the input opcodes.
func (op Opcode) IsRead() bool {
	return op >= OpRed && op <= OpRdS
}

// IsWrite returns true for the output opcodes.
func (op Opcode) IsWrite() bool {
	return op >= OpWrt && op <= OpWrl
}

// IsIO returns true for the input and output opcodes.
func (op Opcode) IsIO() bool {
	return op.IsRead() || op.IsWrite()
}

// IsFloatArith returns true for the float arithmetic family.
func (op Opcode) IsFloatArith() bool {
	return op >= OpAddF && op <= OpNegF
}

// IsIntArith returns true for the integer arithmetic family.
func (op Opcode) IsIntArith() bool {
	return op >= OpAdd && op <= OpNeg
}

// AllOpcodes returns every defined opcode in tag order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	sort.Slice(opcodes, func(i, j int) bool { return opcodes[i] < opcodes[j] })
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
