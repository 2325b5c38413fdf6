// Package pcode defines P-Code, the compact stack-machine intermediate
// representation produced by the code generator and executed by the
// interpreter in package vm.
//
// # Architecture Overview
//
// The representation consists of three pieces:
//
//   - Opcodes: a closed set of byte-tagged operations grouped by effect on the
//     operand stack (load/store, integer and float arithmetic, conversion,
//     comparison, logic, control flow, procedures, I/O, halt).
//
//   - Instruction: one opcode plus a lexical level, an operand and source
//     metadata. The operand is an address, a frame offset, a literal or a
//     string-table index depending on the opcode.
//
//   - Program: the ordered instruction sequence (index = address), a
//     deduplicated string table, the label table used by the generator and by
//     dumps, and the data-area size the generated code needs.
//
// # Binary Format
//
// Programs serialize to a fixed, versioned layout:
//
//	[magic:5 "PCODE"] [version:1]
//	[data_size:i32] [string_count:i32] [instruction_count:i32]
//	[strings: (len:i32 bytes)...]
//	[instructions: (op:1 level:i32 operand:i32 line:i32)...]
//
// All integers are big-endian. Labels and comments are generation aids and
// are not persisted. Decoding validates the magic and version before reading
// anything else and never returns a partially populated Program.
//
// # Textual Dump
//
// Dump renders a Program for diagnostics: string table, data size and every
// instruction with its labels and source annotations. The dump is not meant
// to be parsed back.
package pcode
