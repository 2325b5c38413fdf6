// Package codegen lowers an annotated syntax tree into a P-Code Program.
//
// Every block is laid out as
//
//	<label>:       JMP <label>.body
//	               nested procedures
//	<label>.body:  INT <frame size>
//	               statements
//	               RET (procedure) or HLT (main program)
//
// Structural jumps are emitted with a placeholder operand and patched once
// the target address is known. Calls go through per-procedure fixup lists so
// that forward and recursive calls resolve the same way.
package codegen

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/pcode"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("pcode.codegen")

// ---------------------------------------------------------------------------
// Generator state
// ---------------------------------------------------------------------------

type procInfo struct {
	decl   *ast.ProcDecl
	parent *ast.Block // Declaring block
	label  string
	addr   int   // Entry address, -1 until emitted
	fixups []int // CAL instructions waiting for addr
}

type generator struct {
	prog   *pcode.Program
	diags  Diagnostics
	procs  map[string]*procInfo
	used   map[string]bool // Procedure labels already taken
	seq    map[string]int  // Label counters per construct
	chain  []*ast.Block    // Lexical chain of the block being lowered, indexed by depth
	frames map[*ast.Block]int
}

// Generate lowers tree into a frozen, validated Program. When the tree
// contains anything that cannot be lowered, Generate returns a nil Program
// and the diagnostics describing every problem found.
func Generate(tree *ast.Program) (prog *pcode.Program, diags Diagnostics) {
	if tree == nil || tree.Block == nil {
		return nil, Diagnostics{{Err: fmt.Errorf("%w: tree has no main block", ErrUnsupported)}}
	}

	g := &generator{
		prog:   pcode.NewProgram(),
		procs:  make(map[string]*procInfo),
		used:   map[string]bool{"main": true},
		seq:    make(map[string]int),
		frames: make(map[*ast.Block]int),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("generator panic on %q: %v", tree.Name, r)
			prog = nil
			diags = append(g.diags, Diagnostic{Err: fmt.Errorf("%w: %v", ErrInternal, r)})
		}
	}()

	if tree.Block.Depth != 0 {
		g.errorf(0, ErrInvalidLevel, "main block has depth %d, want 0", tree.Block.Depth)
	}
	g.collectProcs(tree.Block)
	g.genBlock(tree.Block, "main", nil)

	for _, id := range g.procIDs() {
		if info := g.procs[id]; len(info.fixups) > 0 {
			g.errorf(info.decl.Line, ErrUnpatchedJump, "%d call(s) to %s never resolved", len(info.fixups), info.label)
		}
	}
	if len(g.diags) > 0 {
		return nil, g.diags
	}

	g.prog.SetDataSize(int32(g.dataSize(tree.Block)))
	if err := g.prog.Validate(); err != nil {
		return nil, Diagnostics{{Err: fmt.Errorf("%w: %w", ErrInvalidProgram, err)}}
	}
	g.prog.Freeze()

	log.Debugf("generated %q: %d instructions, %d strings, data size %d",
		tree.Name, g.prog.Len(), g.prog.StringCount(), g.prog.DataSize())
	return g.prog, nil
}

// errorf records a diagnostic wrapping kind.
func (g *generator) errorf(line int, kind error, format string, args ...interface{}) {
	g.diags = append(g.diags, Diagnostic{
		Line: line,
		Err:  fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)),
	})
}

func (g *generator) procIDs() []string {
	ids := make([]string, 0, len(g.procs))
	for id := range g.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// collectProcs registers every procedure in the tree before any code is
// emitted, so calls can name procedures that appear later.
func (g *generator) collectProcs(b *ast.Block) {
	for _, p := range b.Procs {
		if prev, ok := g.procs[p.ID]; ok {
			g.errorf(p.Line, ErrDuplicateProc, "%q used by %s and %s", p.ID, prev.decl.Name, p.Name)
			continue
		}
		label := p.Name
		if label == "" {
			label = "proc"
		}
		if g.used[label] {
			label += "." + p.ID
		}
		g.used[label] = true
		g.procs[p.ID] = &procInfo{decl: p, parent: b, label: label, addr: -1}
		g.collectProcs(p.Block)
	}
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (g *generator) emit(op pcode.Opcode, level, operand int32, line int, comment string) int {
	return g.prog.AddInstruction(pcode.Instruction{
		Op:      op,
		Level:   level,
		Operand: operand,
		Line:    int32(line),
		Comment: comment,
	})
}

// emitJump emits a jump with a placeholder target and returns its address.
func (g *generator) emitJump(op pcode.Opcode, line int) int {
	return g.emit(op, 0, -1, line, "")
}

// patchHere points the jump at addr to the next instruction to be emitted.
func (g *generator) patchHere(addr int) {
	g.prog.PatchOperand(addr, int32(g.prog.Len()))
}

// next returns the next sequence number for a construct's labels.
func (g *generator) next(construct string) int {
	n := g.seq[construct]
	g.seq[construct] = n + 1
	return n
}

func (g *generator) depth() int {
	return len(g.chain) - 1
}

// ---------------------------------------------------------------------------
// Blocks and frames
// ---------------------------------------------------------------------------

func (g *generator) genBlock(b *ast.Block, label string, proc *procInfo) {
	g.chain = append(g.chain, b)
	defer func() { g.chain = g.chain[:len(g.chain)-1] }()

	g.frameSize(b)

	line := 0
	if proc != nil {
		line = proc.decl.Line
		proc.addr = g.prog.Len()
		for _, at := range proc.fixups {
			g.prog.PatchOperand(at, int32(proc.addr))
		}
		proc.fixups = nil
	}

	g.prog.AddLabel(label)
	jmp := g.emitJump(pcode.OpJmp, line)

	for _, p := range b.Procs {
		info := g.procs[p.ID]
		if info == nil || info.decl != p {
			continue // duplicate id, already reported
		}
		if p.Block.Depth != b.Depth+1 {
			g.errorf(p.Line, ErrInvalidLevel, "procedure %s has block depth %d, want %d",
				p.Name, p.Block.Depth, b.Depth+1)
			continue
		}
		g.genBlock(p.Block, info.label, info)
	}

	g.prog.AddLabel(label + ".body")
	g.patchHere(jmp)
	g.emit(pcode.OpInt, 0, int32(g.frames[b]), line, "")

	if b.Body != nil {
		g.genStmt(b.Body)
	}

	if proc != nil {
		g.emit(pcode.OpRet, 0, 0, 0, "")
	} else {
		g.emit(pcode.OpHlt, 0, 0, 0, "")
	}
}

// frameSize computes, caches and returns the number of slots b's frame
// needs, checking its declarations on the way.
func (g *generator) frameSize(b *ast.Block) int {
	if n, ok := g.frames[b]; ok {
		return n
	}
	n := len(b.Vars)
	for _, v := range b.Vars {
		switch {
		case v.Addr == nil:
			g.errorf(v.Line, ErrUnresolvedAddress, "variable %q has no address", v.Name)
		case v.Addr.Depth != b.Depth:
			g.errorf(v.Line, ErrUnresolvedAddress, "variable %q declared at depth %d in a block of depth %d",
				v.Name, v.Addr.Depth, b.Depth)
		case v.Addr.Offset < 0:
			g.errorf(v.Line, ErrUnresolvedAddress, "variable %q has negative offset %d", v.Name, v.Addr.Offset)
		case v.Addr.Offset >= n:
			n = v.Addr.Offset + 1
		}
	}
	g.frames[b] = n
	return n
}

// dataSize is the largest sum of frame sizes along any lexical chain.
func (g *generator) dataSize(b *ast.Block) int {
	deepest := 0
	for _, p := range b.Procs {
		if n := g.dataSize(p.Block); n > deepest {
			deepest = n
		}
	}
	return g.frameSize(b) + deepest
}

// slot resolves a variable reference to a (level, offset) pair relative to
// the block being lowered.
func (g *generator) slot(ref *ast.VarRef) (level, offset int32, ok bool) {
	if ref.Addr == nil {
		g.errorf(ref.Line, ErrUnresolvedAddress, "variable %q", ref.Name)
		return 0, 0, false
	}
	cur := g.depth()
	if ref.Addr.Depth < 0 || ref.Addr.Depth > cur {
		g.errorf(ref.Line, ErrInvalidLevel, "variable %q at depth %d used at depth %d", ref.Name, ref.Addr.Depth, cur)
		return 0, 0, false
	}
	if size := g.frameSize(g.chain[ref.Addr.Depth]); ref.Addr.Offset < 0 || ref.Addr.Offset >= size {
		g.errorf(ref.Line, ErrUnresolvedAddress, "variable %q offset %d outside frame of %d slots",
			ref.Name, ref.Addr.Offset, size)
		return 0, 0, false
	}
	return int32(cur - ref.Addr.Depth), int32(ref.Addr.Offset), true
}

// inChain reports whether b is on the current lexical chain.
func (g *generator) inChain(b *ast.Block) bool {
	for _, c := range g.chain {
		if c == b {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (g *generator) genStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.Assign:
		g.genAssign(s)
	case *ast.Call:
		g.genCall(s)
	case *ast.If:
		g.genIf(s)
	case *ast.While:
		g.genWhile(s)
	case *ast.Compound:
		for _, inner := range s.Stmts {
			g.genStmt(inner)
		}
	case *ast.Read:
		g.genRead(s)
	case *ast.Write:
		g.genWrite(s)
	case *ast.Halt:
		g.emit(pcode.OpHlt, 0, 0, s.Line, "")
	default:
		g.errorf(stmt.SourceLine(), ErrUnsupported, "statement %T", stmt)
	}
}

func (g *generator) genAssign(s *ast.Assign) {
	vt := g.genExpr(s.Value)
	if vt != ast.TypeInvalid && vt != s.Target.Type {
		if vt == ast.TypeInt && s.Target.Type == ast.TypeFloat {
			g.emit(pcode.OpI2F, 0, 0, s.Line, "")
		} else {
			g.errorf(s.Line, ErrTypeMismatch, "cannot assign %s to %s variable %q", vt, s.Target.Type, s.Target.Name)
			return
		}
	}
	if level, offset, ok := g.slot(s.Target); ok {
		g.emit(pcode.OpSto, level, offset, s.Line, s.Target.Name)
	}
}

func (g *generator) genCall(s *ast.Call) {
	info := g.procs[s.ProcID]
	if info == nil {
		g.errorf(s.Line, ErrUnknownProcedure, "%s (id %q)", s.Name, s.ProcID)
		return
	}
	if !g.inChain(info.parent) {
		g.errorf(s.Line, ErrInvalidLevel, "procedure %s is not in scope", info.decl.Name)
		return
	}
	level := int32(g.depth() - info.parent.Depth)
	at := g.emit(pcode.OpCal, level, int32(info.addr), s.Line, info.decl.Name)
	if info.addr < 0 {
		info.fixups = append(info.fixups, at)
	}
}

func (g *generator) genIf(s *ast.If) {
	n := g.next("if")
	g.genCond(s.Cond, s.Line)
	jpc := g.emitJump(pcode.OpJpc, s.Line)
	g.genStmt(s.Then)

	if s.Else == nil {
		g.prog.AddLabel(fmt.Sprintf("if.end.%d", n))
		g.patchHere(jpc)
		return
	}

	jmp := g.emitJump(pcode.OpJmp, s.Line)
	g.prog.AddLabel(fmt.Sprintf("if.else.%d", n))
	g.patchHere(jpc)
	g.genStmt(s.Else)
	g.prog.AddLabel(fmt.Sprintf("if.end.%d", n))
	g.patchHere(jmp)
}

func (g *generator) genWhile(s *ast.While) {
	n := g.next("while")
	top := g.prog.AddLabel(fmt.Sprintf("while.%d", n))
	g.genCond(s.Cond, s.Line)
	jpc := g.emitJump(pcode.OpJpc, s.Line)
	g.genStmt(s.Body)
	g.emit(pcode.OpJmp, 0, int32(top), s.Line, "")
	g.prog.AddLabel(fmt.Sprintf("while.end.%d", n))
	g.patchHere(jpc)
}

// genCond lowers a branch condition. JPC tests an int for exact zero, so
// bools and ints are both acceptable.
func (g *generator) genCond(cond ast.Expr, line int) {
	switch t := g.genExpr(cond); t {
	case ast.TypeBool, ast.TypeInt, ast.TypeInvalid:
	default:
		g.errorf(line, ErrTypeMismatch, "condition has type %s", t)
	}
}

var readOps = map[ast.Type]pcode.Opcode{
	ast.TypeInt:    pcode.OpRed,
	ast.TypeFloat:  pcode.OpRdF,
	ast.TypeBool:   pcode.OpRdB,
	ast.TypeString: pcode.OpRdS,
}

var writeOps = map[ast.Type]pcode.Opcode{
	ast.TypeInt:    pcode.OpWrt,
	ast.TypeFloat:  pcode.OpWrtF,
	ast.TypeBool:   pcode.OpWrt,
	ast.TypeString: pcode.OpWrs,
}

func (g *generator) genRead(s *ast.Read) {
	op, ok := readOps[s.Target.Type]
	if !ok {
		g.errorf(s.Line, ErrUnsupported, "cannot read a %s", s.Target.Type)
		return
	}
	if level, offset, ok := g.slot(s.Target); ok {
		g.emit(op, level, offset, s.Line, s.Target.Name)
	}
}

func (g *generator) genWrite(s *ast.Write) {
	for _, arg := range s.Args {
		t := g.genExpr(arg)
		if t == ast.TypeInvalid {
			continue
		}
		op, ok := writeOps[t]
		if !ok {
			g.errorf(s.Line, ErrUnsupported, "cannot write a %s", t)
			continue
		}
		g.emit(op, 0, 0, s.Line, "")
	}
	if s.Newline {
		g.emit(pcode.OpWrl, 0, 0, s.Line, "")
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var intArith = map[ast.Op]pcode.Opcode{
	ast.OpAdd: pcode.OpAdd, ast.OpSub: pcode.OpSub, ast.OpMul: pcode.OpMul,
	ast.OpDiv: pcode.OpDiv, ast.OpMod: pcode.OpMod, ast.OpPow: pcode.OpPow,
}

var floatArith = map[ast.Op]pcode.Opcode{
	ast.OpAdd: pcode.OpAddF, ast.OpSub: pcode.OpSubF, ast.OpMul: pcode.OpMulF,
	ast.OpDiv: pcode.OpDivF, ast.OpMod: pcode.OpModF, ast.OpPow: pcode.OpPowF,
}

var comparisons = map[ast.Op]pcode.Opcode{
	ast.OpEq: pcode.OpEq, ast.OpNe: pcode.OpNe, ast.OpLt: pcode.OpLt,
	ast.OpLe: pcode.OpLe, ast.OpGt: pcode.OpGt, ast.OpGe: pcode.OpGe,
}

func isNumeric(t ast.Type) bool {
	return t == ast.TypeInt || t == ast.TypeFloat
}

// typeOf computes the static type of an expression without emitting code.
func typeOf(e ast.Expr) ast.Type {
	switch n := e.(type) {
	case *ast.IntLit:
		return ast.TypeInt
	case *ast.FloatLit:
		return ast.TypeFloat
	case *ast.StringLit:
		return ast.TypeString
	case *ast.BoolLit:
		return ast.TypeBool
	case *ast.VarRef:
		return n.Type
	case *ast.Unary:
		if n.Op == ast.OpNot {
			return ast.TypeBool
		}
		return typeOf(n.X)
	case *ast.Binary:
		if n.Op.IsArithmetic() {
			if typeOf(n.X) == ast.TypeFloat || typeOf(n.Y) == ast.TypeFloat {
				return ast.TypeFloat
			}
			return ast.TypeInt
		}
		return ast.TypeBool
	case *ast.Convert:
		return n.To
	}
	return ast.TypeInvalid
}

// genExpr lowers e and returns the type of the value it leaves on the stack,
// or TypeInvalid after reporting a diagnostic.
func (g *generator) genExpr(e ast.Expr) ast.Type {
	switch n := e.(type) {
	case *ast.IntLit:
		if n.Value < math.MinInt32 || n.Value > math.MaxInt32 {
			g.errorf(n.Line, ErrUnsupported, "integer literal %d does not fit in 32 bits", n.Value)
			return ast.TypeInvalid
		}
		g.emit(pcode.OpLit, 0, int32(n.Value), n.Line, "")
		return ast.TypeInt

	case *ast.FloatLit:
		text := pcode.FormatFloat(n.Value)
		g.emit(pcode.OpLitF, 0, g.prog.AddString(text), n.Line, "")
		return ast.TypeFloat

	case *ast.StringLit:
		g.emit(pcode.OpLit, 0, g.prog.AddString(n.Value), n.Line, strconv.Quote(n.Value))
		return ast.TypeString

	case *ast.BoolLit:
		if n.Value {
			g.emit(pcode.OpLit, 0, 1, n.Line, "true")
		} else {
			g.emit(pcode.OpLit, 0, 0, n.Line, "false")
		}
		return ast.TypeBool

	case *ast.VarRef:
		level, offset, ok := g.slot(n)
		if !ok {
			return ast.TypeInvalid
		}
		g.emit(pcode.OpLod, level, offset, n.Line, n.Name)
		return n.Type

	case *ast.Unary:
		return g.genUnary(n)

	case *ast.Binary:
		return g.genBinary(n)

	case *ast.Convert:
		return g.genConvert(n)
	}
	g.errorf(e.SourceLine(), ErrUnsupported, "expression %T", e)
	return ast.TypeInvalid
}

func (g *generator) genUnary(n *ast.Unary) ast.Type {
	t := g.genExpr(n.X)
	if t == ast.TypeInvalid {
		return t
	}
	switch {
	case n.Op == ast.OpNeg && t == ast.TypeInt:
		g.emit(pcode.OpNeg, 0, 0, n.Line, "")
		return t
	case n.Op == ast.OpNeg && t == ast.TypeFloat:
		g.emit(pcode.OpNegF, 0, 0, n.Line, "")
		return t
	case n.Op == ast.OpNot && (t == ast.TypeBool || t == ast.TypeInt):
		g.emit(pcode.OpNot, 0, 0, n.Line, "")
		return ast.TypeBool
	}
	g.errorf(n.Line, ErrTypeMismatch, "operator %s applied to %s", n.Op, t)
	return ast.TypeInvalid
}

func (g *generator) genBinary(n *ast.Binary) ast.Type {
	xt, yt := typeOf(n.X), typeOf(n.Y)

	switch {
	case n.Op.IsArithmetic(), n.Op.IsComparison() && isNumeric(xt) && isNumeric(yt):
		if !isNumeric(xt) || !isNumeric(yt) {
			g.errorf(n.Line, ErrTypeMismatch, "operator %s applied to %s and %s", n.Op, xt, yt)
			return ast.TypeInvalid
		}
		promote := xt == ast.TypeFloat || yt == ast.TypeFloat
		if g.genOperand(n.X, promote, n.Line) == ast.TypeInvalid ||
			g.genOperand(n.Y, promote, n.Line) == ast.TypeInvalid {
			return ast.TypeInvalid
		}
		if op, ok := comparisons[n.Op]; ok {
			g.emit(op, 0, 0, n.Line, "")
			return ast.TypeBool
		}
		if promote {
			g.emit(floatArith[n.Op], 0, 0, n.Line, "")
			return ast.TypeFloat
		}
		g.emit(intArith[n.Op], 0, 0, n.Line, "")
		return ast.TypeInt

	case n.Op == ast.OpEq || n.Op == ast.OpNe:
		// Bools and interned strings compare by their int representation.
		if xt != yt || (xt != ast.TypeBool && xt != ast.TypeString) {
			g.errorf(n.Line, ErrTypeMismatch, "cannot compare %s with %s", xt, yt)
			return ast.TypeInvalid
		}
		g.genExpr(n.X)
		g.genExpr(n.Y)
		g.emit(comparisons[n.Op], 0, 0, n.Line, "")
		return ast.TypeBool

	case n.Op.IsLogical():
		if (xt != ast.TypeBool && xt != ast.TypeInt) || (yt != ast.TypeBool && yt != ast.TypeInt) {
			g.errorf(n.Line, ErrTypeMismatch, "operator %s applied to %s and %s", n.Op, xt, yt)
			return ast.TypeInvalid
		}
		g.genExpr(n.X)
		g.genExpr(n.Y)
		if n.Op == ast.OpAnd {
			g.emit(pcode.OpAnd, 0, 0, n.Line, "")
		} else {
			g.emit(pcode.OpOr, 0, 0, n.Line, "")
		}
		return ast.TypeBool
	}

	g.errorf(n.Line, ErrTypeMismatch, "operator %s applied to %s and %s", n.Op, xt, yt)
	return ast.TypeInvalid
}

// genOperand lowers one arithmetic operand, converting an int to float when
// the other operand is a float.
func (g *generator) genOperand(e ast.Expr, toFloat bool, line int) ast.Type {
	t := g.genExpr(e)
	if toFloat && t == ast.TypeInt {
		g.emit(pcode.OpI2F, 0, 0, line, "")
		return ast.TypeFloat
	}
	return t
}

func (g *generator) genConvert(n *ast.Convert) ast.Type {
	t := g.genExpr(n.X)
	switch {
	case t == ast.TypeInvalid:
		return t
	case t == n.To:
		return t
	case t == ast.TypeInt && n.To == ast.TypeFloat:
		g.emit(pcode.OpI2F, 0, 0, n.Line, "")
		return n.To
	case t == ast.TypeFloat && n.To == ast.TypeInt:
		g.emit(pcode.OpF2I, 0, 0, n.Line, "")
		return n.To
	}
	g.errorf(n.Line, ErrTypeMismatch, "cannot convert %s to %s", t, n.To)
	return ast.TypeInvalid
}
