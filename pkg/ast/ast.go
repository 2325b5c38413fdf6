// Package ast defines the annotated syntax tree handed to the code generator.
//
// The tree is produced by an external lexer/parser/analyzer pipeline. By the
// time it reaches this package every declaration carries its resolved
// (depth, offset) address, every variable reference carries the address of
// the declaration it resolves to, and every call names the unique ID of the
// procedure it invokes.
package ast

import "fmt"

// ---------------------------------------------------------------------------
// Types and addresses
// ---------------------------------------------------------------------------

// Type is the static type of a variable or expression.
type Type int

const (
	TypeInvalid Type = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeString
)

// String returns the source spelling of the type.
func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses a type name.
func ParseType(s string) (Type, bool) {
	switch s {
	case "int", "integer":
		return TypeInt, true
	case "float", "real":
		return TypeFloat, true
	case "bool", "boolean":
		return TypeBool, true
	case "string":
		return TypeString, true
	}
	return TypeInvalid, false
}

// Address is a resolved storage location: the lexical depth of the declaring
// block (0 = main program) and the slot offset within that block's frame.
type Address struct {
	Depth  int `yaml:"depth" cbor:"depth"`
	Offset int `yaml:"offset" cbor:"offset"`
}

func (a Address) String() string {
	return fmt.Sprintf("(%d,%d)", a.Depth, a.Offset)
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

// Node is the interface implemented by all statement and expression nodes.
type Node interface {
	SourceLine() int
	node() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Program is the root of an annotated tree.
type Program struct {
	Name  string
	Block *Block
}

// Block is the body of the main program or of a procedure.
type Block struct {
	Depth int // Lexical depth of the block's own frame
	Vars  []*VarDecl
	Procs []*ProcDecl
	Body  Stmt
}

// VarDecl declares one variable slot in its block's frame.
type VarDecl struct {
	Name string
	Type Type
	Addr *Address // nil when the analyzer failed to resolve it
	Line int
}

// ProcDecl declares a nested procedure.
type ProcDecl struct {
	ID    string // Unique across the whole tree
	Name  string
	Depth int // Depth of the declaring block
	Block *Block
	Line  int
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// Assign stores Value into Target.
type Assign struct {
	Target *VarRef
	Value  Expr
	Line   int
}

// Call invokes the procedure whose ID is ProcID.
type Call struct {
	ProcID string
	Name   string
	Line   int
}

// If runs Then when Cond is true, otherwise Else (which may be nil).
type If struct {
	Cond Expr
	Then Stmt
	Else Stmt
	Line int
}

// While runs Body while Cond is true.
type While struct {
	Cond Expr
	Body Stmt
	Line int
}

// Compound is a statement sequence.
type Compound struct {
	Stmts []Stmt
	Line  int
}

// Read requests one input value of Target's type and stores it.
type Read struct {
	Target *VarRef
	Line   int
}

// Write prints each argument in order, then a newline if Newline is set.
type Write struct {
	Args    []Expr
	Newline bool
	Line    int
}

// Halt stops the program.
type Halt struct {
	Line int
}

func (n *Assign) SourceLine() int   { return n.Line }
func (n *Call) SourceLine() int     { return n.Line }
func (n *If) SourceLine() int       { return n.Line }
func (n *While) SourceLine() int    { return n.Line }
func (n *Compound) SourceLine() int { return n.Line }
func (n *Read) SourceLine() int     { return n.Line }
func (n *Write) SourceLine() int    { return n.Line }
func (n *Halt) SourceLine() int     { return n.Line }

func (n *Assign) node()   {}
func (n *Call) node()     {}
func (n *If) node()       {}
func (n *While) node()    {}
func (n *Compound) node() {}
func (n *Read) node()     {}
func (n *Write) node()    {}
func (n *Halt) node()     {}

func (n *Assign) stmt()   {}
func (n *Call) stmt()     {}
func (n *If) stmt()       {}
func (n *While) stmt()    {}
func (n *Compound) stmt() {}
func (n *Read) stmt()     {}
func (n *Write) stmt()    {}
func (n *Halt) stmt()     {}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Op is a unary or binary operator.
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpMod Op = "%"
	OpPow Op = "^"

	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="

	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpNeg Op = "neg"
)

// IsArithmetic reports whether op is an arithmetic binary operator.
func (op Op) IsArithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
		return true
	}
	return false
}

// IsComparison reports whether op is a comparison operator.
func (op Op) IsComparison() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// IsLogical reports whether op is a binary logical operator.
func (op Op) IsLogical() bool {
	return op == OpAnd || op == OpOr
}

// IntLit is an integer literal.
type IntLit struct {
	Value int64
	Line  int
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	Value float64
	Line  int
}

// StringLit is a string literal.
type StringLit struct {
	Value string
	Line  int
}

// BoolLit is a boolean literal.
type BoolLit struct {
	Value bool
	Line  int
}

// VarRef references a variable through its declaration's resolved address.
type VarRef struct {
	Name string
	Type Type
	Addr *Address // nil when unresolved
	Line int
}

// Unary applies OpNeg or OpNot to X.
type Unary struct {
	Op   Op
	X    Expr
	Line int
}

// Binary applies an arithmetic, comparison or logical operator.
type Binary struct {
	Op   Op
	X, Y Expr
	Line int
}

// Convert converts X to To (int <-> float).
type Convert struct {
	To   Type
	X    Expr
	Line int
}

func (n *IntLit) SourceLine() int    { return n.Line }
func (n *FloatLit) SourceLine() int  { return n.Line }
func (n *StringLit) SourceLine() int { return n.Line }
func (n *BoolLit) SourceLine() int   { return n.Line }
func (n *VarRef) SourceLine() int    { return n.Line }
func (n *Unary) SourceLine() int     { return n.Line }
func (n *Binary) SourceLine() int    { return n.Line }
func (n *Convert) SourceLine() int   { return n.Line }

func (n *IntLit) node()    {}
func (n *FloatLit) node()  {}
func (n *StringLit) node() {}
func (n *BoolLit) node()   {}
func (n *VarRef) node()    {}
func (n *Unary) node()     {}
func (n *Binary) node()    {}
func (n *Convert) node()   {}

func (n *IntLit) expr()    {}
func (n *FloatLit) expr()  {}
func (n *StringLit) expr() {}
func (n *BoolLit) expr()   {}
func (n *VarRef) expr()    {}
func (n *Unary) expr()     {}
func (n *Binary) expr()    {}
func (n *Convert) expr()   {}
