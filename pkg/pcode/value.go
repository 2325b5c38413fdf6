package pcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags a runtime Value.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
)

// String returns a human-readable name for Kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Value is a tagged operand-stack or data-area value. Booleans are ints
// holding 0 or 1; strings are ints holding a string-table index.
type Value struct {
	Kind Kind
	I    int64
	F    float64
}

// Int returns an integer value.
func Int(n int64) Value {
	return Value{Kind: KindInt, I: n}
}

// Float returns a floating-point value.
func Float(f float64) Value {
	return Value{Kind: KindFloat, F: f}
}

// Bool returns 1 for true and 0 for false.
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// IsInt reports whether v holds an integer.
func (v Value) IsInt() bool { return v.Kind == KindInt }

// IsFloat reports whether v holds a float.
func (v Value) IsFloat() bool { return v.Kind == KindFloat }

// String renders the value the way WRT/WRTF print it.
func (v Value) String() string {
	if v.Kind == KindFloat {
		return FormatFloat(v.F)
	}
	return strconv.FormatInt(v.I, 10)
}

// FormatFloat renders f in the canonical decimal form used for output and
// for float literals in the string table: the shortest representation that
// parses back to the same float64, always carrying a '.' or an exponent so
// that it cannot be mistaken for an integer.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// ParseFloat parses a float literal as stored in the string table.
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
