package ast

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Document: the serialized, kind-tagged form of an annotated tree
// ---------------------------------------------------------------------------

// Document is the wire form of a Program as the analyzer hands it over. It is
// a plain data structure so it can be carried by CBOR or YAML/JSON without
// custom marshalers. Convert it to the typed tree with Program().
type Document struct {
	Name  string    `yaml:"name,omitempty" cbor:"name,omitempty"`
	Block *DocBlock `yaml:"block" cbor:"block"`
}

// DocBlock is the wire form of a Block.
type DocBlock struct {
	Depth int        `yaml:"depth" cbor:"depth"`
	Vars  []*DocVar  `yaml:"vars,omitempty" cbor:"vars,omitempty"`
	Procs []*DocProc `yaml:"procs,omitempty" cbor:"procs,omitempty"`
	Body  *DocNode   `yaml:"body,omitempty" cbor:"body,omitempty"`
}

// DocVar is the wire form of a VarDecl.
type DocVar struct {
	Name string   `yaml:"name" cbor:"name"`
	Type string   `yaml:"type" cbor:"type"`
	Addr *Address `yaml:"addr,omitempty" cbor:"addr,omitempty"`
	Line int      `yaml:"line,omitempty" cbor:"line,omitempty"`
}

// DocProc is the wire form of a ProcDecl.
type DocProc struct {
	ID    string    `yaml:"id" cbor:"id"`
	Name  string    `yaml:"name" cbor:"name"`
	Depth int       `yaml:"depth" cbor:"depth"`
	Line  int       `yaml:"line,omitempty" cbor:"line,omitempty"`
	Block *DocBlock `yaml:"block" cbor:"block"`
}

// DocNode is the wire form of every statement and expression; Kind selects
// which of the remaining fields are meaningful.
//
// Statement kinds: assign, call, if, while, compound, read, write, halt.
// Expression kinds: int, float, string, bool, var, unary, binary, convert.
type DocNode struct {
	Kind string `yaml:"kind" cbor:"kind"`
	Line int    `yaml:"line,omitempty" cbor:"line,omitempty"`

	// Literals and variable references
	Value any      `yaml:"value,omitempty" cbor:"value,omitempty"`
	Name  string   `yaml:"name,omitempty" cbor:"name,omitempty"`
	Type  string   `yaml:"type,omitempty" cbor:"type,omitempty"`
	Addr  *Address `yaml:"addr,omitempty" cbor:"addr,omitempty"`

	// Operators
	Op string   `yaml:"op,omitempty" cbor:"op,omitempty"`
	X  *DocNode `yaml:"x,omitempty" cbor:"x,omitempty"`
	Y  *DocNode `yaml:"y,omitempty" cbor:"y,omitempty"`
	To string   `yaml:"to,omitempty" cbor:"to,omitempty"`

	// Statements
	Target  *DocNode   `yaml:"target,omitempty" cbor:"target,omitempty"`
	Proc    string     `yaml:"proc,omitempty" cbor:"proc,omitempty"`
	Cond    *DocNode   `yaml:"cond,omitempty" cbor:"cond,omitempty"`
	Then    *DocNode   `yaml:"then,omitempty" cbor:"then,omitempty"`
	Else    *DocNode   `yaml:"else,omitempty" cbor:"else,omitempty"`
	Body    *DocNode   `yaml:"body,omitempty" cbor:"body,omitempty"`
	Stmts   []*DocNode `yaml:"stmts,omitempty" cbor:"stmts,omitempty"`
	Args    []*DocNode `yaml:"args,omitempty" cbor:"args,omitempty"`
	Newline bool       `yaml:"newline,omitempty" cbor:"newline,omitempty"`
}

// ---------------------------------------------------------------------------
// Document -> typed tree
// ---------------------------------------------------------------------------

// Program converts the document into the typed tree. Structural problems
// (unknown kinds, missing children, mistyped literal values) are reported
// with the path of the offending node. Unresolved addresses are NOT errors
// here; the code generator reports those as diagnostics.
func (d *Document) Program() (*Program, error) {
	if d == nil || d.Block == nil {
		return nil, fmt.Errorf("ast: document has no block")
	}
	block, err := convertBlock(d.Block, "block")
	if err != nil {
		return nil, err
	}
	return &Program{Name: d.Name, Block: block}, nil
}

func convertBlock(b *DocBlock, path string) (*Block, error) {
	out := &Block{Depth: b.Depth}
	for i, v := range b.Vars {
		if v == nil {
			return nil, fmt.Errorf("ast: %s.vars[%d]: empty declaration", path, i)
		}
		t, ok := ParseType(v.Type)
		if !ok {
			return nil, fmt.Errorf("ast: %s.vars[%d]: unknown type %q", path, i, v.Type)
		}
		out.Vars = append(out.Vars, &VarDecl{Name: v.Name, Type: t, Addr: v.Addr, Line: v.Line})
	}
	for i, p := range b.Procs {
		procPath := fmt.Sprintf("%s.procs[%d]", path, i)
		if p == nil || p.Block == nil {
			return nil, fmt.Errorf("ast: %s: procedure has no block", procPath)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("ast: %s: procedure %q has no id", procPath, p.Name)
		}
		block, err := convertBlock(p.Block, procPath+".block")
		if err != nil {
			return nil, err
		}
		out.Procs = append(out.Procs, &ProcDecl{ID: p.ID, Name: p.Name, Depth: p.Depth, Block: block, Line: p.Line})
	}
	if b.Body != nil {
		body, err := convertStmt(b.Body, path+".body")
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

func convertStmt(n *DocNode, path string) (Stmt, error) {
	switch n.Kind {
	case "assign":
		target, err := convertTarget(n.Target, path+".target")
		if err != nil {
			return nil, err
		}
		value, err := convertChild(n.X, "value", path)
		if err != nil {
			return nil, err
		}
		return &Assign{Target: target, Value: value, Line: n.Line}, nil

	case "call":
		if n.Proc == "" {
			return nil, fmt.Errorf("ast: %s: call has no proc id", path)
		}
		return &Call{ProcID: n.Proc, Name: n.Name, Line: n.Line}, nil

	case "if":
		cond, err := convertChild(n.Cond, "cond", path)
		if err != nil {
			return nil, err
		}
		then, err := convertStmtChild(n.Then, "then", path)
		if err != nil {
			return nil, err
		}
		var els Stmt
		if n.Else != nil {
			if els, err = convertStmt(n.Else, path+".else"); err != nil {
				return nil, err
			}
		}
		return &If{Cond: cond, Then: then, Else: els, Line: n.Line}, nil

	case "while":
		cond, err := convertChild(n.Cond, "cond", path)
		if err != nil {
			return nil, err
		}
		body, err := convertStmtChild(n.Body, "body", path)
		if err != nil {
			return nil, err
		}
		return &While{Cond: cond, Body: body, Line: n.Line}, nil

	case "compound":
		out := &Compound{Line: n.Line}
		for i, s := range n.Stmts {
			stmt, err := convertStmtChild(s, fmt.Sprintf("stmts[%d]", i), path)
			if err != nil {
				return nil, err
			}
			out.Stmts = append(out.Stmts, stmt)
		}
		return out, nil

	case "read":
		target, err := convertTarget(n.Target, path+".target")
		if err != nil {
			return nil, err
		}
		return &Read{Target: target, Line: n.Line}, nil

	case "write":
		out := &Write{Newline: n.Newline, Line: n.Line}
		for i, a := range n.Args {
			arg, err := convertChild(a, fmt.Sprintf("args[%d]", i), path)
			if err != nil {
				return nil, err
			}
			out.Args = append(out.Args, arg)
		}
		return out, nil

	case "halt":
		return &Halt{Line: n.Line}, nil
	}
	return nil, fmt.Errorf("ast: %s: unknown statement kind %q", path, n.Kind)
}

func convertStmtChild(n *DocNode, field, path string) (Stmt, error) {
	if n == nil {
		return nil, fmt.Errorf("ast: %s: missing %s", path, field)
	}
	return convertStmt(n, path+"."+field)
}

func convertChild(n *DocNode, field, path string) (Expr, error) {
	if n == nil {
		return nil, fmt.Errorf("ast: %s: missing %s", path, field)
	}
	return convertExpr(n, path+"."+field)
}

func convertTarget(n *DocNode, path string) (*VarRef, error) {
	if n == nil {
		return nil, fmt.Errorf("ast: %s: missing", path)
	}
	if n.Kind != "" && n.Kind != "var" {
		return nil, fmt.Errorf("ast: %s: target must be a variable, got %q", path, n.Kind)
	}
	return convertVarRef(n, path)
}

func convertVarRef(n *DocNode, path string) (*VarRef, error) {
	t, ok := ParseType(n.Type)
	if !ok {
		return nil, fmt.Errorf("ast: %s: variable %q has unknown type %q", path, n.Name, n.Type)
	}
	return &VarRef{Name: n.Name, Type: t, Addr: n.Addr, Line: n.Line}, nil
}

func convertExpr(n *DocNode, path string) (Expr, error) {
	switch n.Kind {
	case "int":
		v, ok := asInt64(n.Value)
		if !ok {
			return nil, fmt.Errorf("ast: %s: int literal has value %v (%T)", path, n.Value, n.Value)
		}
		return &IntLit{Value: v, Line: n.Line}, nil

	case "float":
		v, ok := asFloat64(n.Value)
		if !ok {
			return nil, fmt.Errorf("ast: %s: float literal has value %v (%T)", path, n.Value, n.Value)
		}
		return &FloatLit{Value: v, Line: n.Line}, nil

	case "string":
		v, ok := n.Value.(string)
		if !ok && n.Value != nil {
			return nil, fmt.Errorf("ast: %s: string literal has value %v (%T)", path, n.Value, n.Value)
		}
		return &StringLit{Value: v, Line: n.Line}, nil

	case "bool":
		v, ok := n.Value.(bool)
		if !ok && n.Value != nil {
			return nil, fmt.Errorf("ast: %s: bool literal has value %v (%T)", path, n.Value, n.Value)
		}
		return &BoolLit{Value: v, Line: n.Line}, nil

	case "var":
		return convertVarRef(n, path)

	case "unary":
		op := Op(n.Op)
		if op == OpSub {
			op = OpNeg
		}
		if op != OpNeg && op != OpNot {
			return nil, fmt.Errorf("ast: %s: unknown unary operator %q", path, n.Op)
		}
		x, err := convertChild(n.X, "x", path)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: x, Line: n.Line}, nil

	case "binary":
		op := Op(n.Op)
		if !op.IsArithmetic() && !op.IsComparison() && !op.IsLogical() {
			return nil, fmt.Errorf("ast: %s: unknown binary operator %q", path, n.Op)
		}
		x, err := convertChild(n.X, "x", path)
		if err != nil {
			return nil, err
		}
		y, err := convertChild(n.Y, "y", path)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, X: x, Y: y, Line: n.Line}, nil

	case "convert":
		to, ok := ParseType(n.To)
		if !ok || (to != TypeInt && to != TypeFloat) {
			return nil, fmt.Errorf("ast: %s: cannot convert to %q", path, n.To)
		}
		x, err := convertChild(n.X, "x", path)
		if err != nil {
			return nil, err
		}
		return &Convert{To: to, X: x, Line: n.Line}, nil
	}
	return nil, fmt.Errorf("ast: %s: unknown expression kind %q", path, n.Kind)
}

// asInt64 accepts the integer shapes YAML and CBOR decoders produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case nil:
		return 0, true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case nil:
		return 0, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Typed tree -> Document
// ---------------------------------------------------------------------------

// NewDocument converts a typed tree back into its wire form.
func NewDocument(p *Program) *Document {
	return &Document{Name: p.Name, Block: docBlock(p.Block)}
}

func docBlock(b *Block) *DocBlock {
	if b == nil {
		return nil
	}
	out := &DocBlock{Depth: b.Depth, Body: docStmt(b.Body)}
	for _, v := range b.Vars {
		out.Vars = append(out.Vars, &DocVar{Name: v.Name, Type: v.Type.String(), Addr: v.Addr, Line: v.Line})
	}
	for _, p := range b.Procs {
		out.Procs = append(out.Procs, &DocProc{ID: p.ID, Name: p.Name, Depth: p.Depth, Line: p.Line, Block: docBlock(p.Block)})
	}
	return out
}

func docStmt(s Stmt) *DocNode {
	switch n := s.(type) {
	case nil:
		return nil
	case *Assign:
		return &DocNode{Kind: "assign", Line: n.Line, Target: docExpr(n.Target), X: docExpr(n.Value)}
	case *Call:
		return &DocNode{Kind: "call", Line: n.Line, Proc: n.ProcID, Name: n.Name}
	case *If:
		return &DocNode{Kind: "if", Line: n.Line, Cond: docExpr(n.Cond), Then: docStmt(n.Then), Else: docStmt(n.Else)}
	case *While:
		return &DocNode{Kind: "while", Line: n.Line, Cond: docExpr(n.Cond), Body: docStmt(n.Body)}
	case *Compound:
		out := &DocNode{Kind: "compound", Line: n.Line}
		for _, st := range n.Stmts {
			out.Stmts = append(out.Stmts, docStmt(st))
		}
		return out
	case *Read:
		return &DocNode{Kind: "read", Line: n.Line, Target: docExpr(n.Target)}
	case *Write:
		out := &DocNode{Kind: "write", Line: n.Line, Newline: n.Newline}
		for _, a := range n.Args {
			out.Args = append(out.Args, docExpr(a))
		}
		return out
	case *Halt:
		return &DocNode{Kind: "halt", Line: n.Line}
	}
	panic(fmt.Sprintf("ast: unhandled statement %T", s))
}

func docExpr(e Expr) *DocNode {
	switch n := e.(type) {
	case nil:
		return nil
	case *IntLit:
		return &DocNode{Kind: "int", Line: n.Line, Value: n.Value}
	case *FloatLit:
		return &DocNode{Kind: "float", Line: n.Line, Value: n.Value}
	case *StringLit:
		return &DocNode{Kind: "string", Line: n.Line, Value: n.Value}
	case *BoolLit:
		return &DocNode{Kind: "bool", Line: n.Line, Value: n.Value}
	case *VarRef:
		return &DocNode{Kind: "var", Line: n.Line, Name: n.Name, Type: n.Type.String(), Addr: n.Addr}
	case *Unary:
		return &DocNode{Kind: "unary", Line: n.Line, Op: string(n.Op), X: docExpr(n.X)}
	case *Binary:
		return &DocNode{Kind: "binary", Line: n.Line, Op: string(n.Op), X: docExpr(n.X), Y: docExpr(n.Y)}
	case *Convert:
		return &DocNode{Kind: "convert", Line: n.Line, To: n.To.String(), X: docExpr(n.X)}
	}
	panic(fmt.Sprintf("ast: unhandled expression %T", e))
}
