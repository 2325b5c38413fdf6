package pcode

import "fmt"

// Instruction is one P-Code operation with its operands and source metadata.
// Instructions are immutable once emitted, except for operand patching while
// the owning Program is still being generated.
type Instruction struct {
	Op      Opcode
	Level   int32  // Lexical level (static-link distance) for slot and call operands
	Operand int32  // Address, offset, literal or string index depending on Op
	Line    int32  // Source line (0 when unknown)
	Comment string // Generation/debugging aid, not persisted
}

// String renders the instruction as "OP level,operand".
func (in Instruction) String() string {
	info := GetOpcodeInfo(in.Op)
	switch info.Operand {
	case OperandNone:
		return info.Name
	case OperandSlot, OperandCall:
		return fmt.Sprintf("%s %d,%d", info.Name, in.Level, in.Operand)
	default:
		return fmt.Sprintf("%s %d", info.Name, in.Operand)
	}
}

// persistedEqual compares the fields stored by the binary codec.
func (in Instruction) persistedEqual(other Instruction) bool {
	return in.Op == other.Op &&
		in.Level == other.Level &&
		in.Operand == other.Operand &&
		in.Line == other.Line
}
