package pcode

import (
	"fmt"
	"strings"
)

// Dump returns a human-readable listing of the program.
func Dump(p *Program) string {
	return DumpWithName(p, "")
}

// DumpWithName returns a human-readable listing with a name header.
func DumpWithName(p *Program, name string) string {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; P-Code v%d\n", FormatVersion))
	sb.WriteString(fmt.Sprintf("; Data size: %d slots\n", p.dataSize))
	sb.WriteString(fmt.Sprintf("; Instructions: %d\n", len(p.code)))
	sb.WriteString("\n")

	// Strings
	if len(p.strings) > 0 {
		sb.WriteString(fmt.Sprintf("; Strings (%d):\n", len(p.strings)))
		for i, s := range p.strings {
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, s))
		}
		sb.WriteString("\n")
	}

	// Code section
	sb.WriteString("; Code:\n")
	for addr := range p.code {
		for _, label := range p.LabelsAt(addr) {
			sb.WriteString(label + ":\n")
		}
		sb.WriteString(p.dumpLine(addr))
		sb.WriteString("\n")
	}
	for _, label := range p.LabelsAt(len(p.code)) {
		sb.WriteString(label + ":\n")
	}

	return sb.String()
}

// DumpInstruction returns the listing line for the instruction at addr.
func (p *Program) DumpInstruction(addr int) string {
	if addr < 0 || addr >= len(p.code) {
		return "<end of code>"
	}
	return p.dumpLine(addr)
}

// DumpToLines returns the code listing as a slice of lines, without labels.
func DumpToLines(p *Program) []string {
	lines := make([]string, 0, len(p.code))
	for addr := range p.code {
		lines = append(lines, p.dumpLine(addr))
	}
	return lines
}

func (p *Program) dumpLine(addr int) string {
	in := p.code[addr]
	text := fmt.Sprintf("%04d  %-16s", addr, in.String())

	var notes []string
	switch in.Op.Operand() {
	case OperandTarget, OperandCall:
		if labels := p.LabelsAt(int(in.Operand)); len(labels) > 0 {
			notes = append(notes, "-> "+strings.Join(labels, ", "))
		}
	case OperandString:
		if s, ok := p.StringAt(in.Operand); ok {
			notes = append(notes, fmt.Sprintf("%q", s))
			if in.Comment == s {
				in.Comment = ""
			}
		}
	}
	if in.Comment != "" {
		notes = append(notes, in.Comment)
	}
	if in.Line > 0 {
		notes = append(notes, fmt.Sprintf("line %d", in.Line))
	}
	if !in.Op.Valid() {
		notes = append(notes, "unknown opcode")
	}

	if len(notes) == 0 {
		return strings.TrimRight(text, " ")
	}
	return text + " ; " + strings.Join(notes, "; ")
}
