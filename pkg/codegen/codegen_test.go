package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/pcode"
)

// Tree-building helpers

func addr(depth, offset int) *ast.Address { return &ast.Address{Depth: depth, Offset: offset} }

func intVar(name string, depth, offset int) *ast.VarDecl {
	return &ast.VarDecl{Name: name, Type: ast.TypeInt, Addr: addr(depth, offset)}
}

func ref(name string, t ast.Type, depth, offset int) *ast.VarRef {
	return &ast.VarRef{Name: name, Type: t, Addr: addr(depth, offset)}
}

func intLit(n int64) *ast.IntLit { return &ast.IntLit{Value: n} }

func seq(stmts ...ast.Stmt) *ast.Compound { return &ast.Compound{Stmts: stmts} }

func writeln(args ...ast.Expr) *ast.Write { return &ast.Write{Args: args, Newline: true} }

func mainProgram(vars []*ast.VarDecl, body ast.Stmt, procs ...*ast.ProcDecl) *ast.Program {
	return &ast.Program{Name: "test", Block: &ast.Block{Depth: 0, Vars: vars, Procs: procs, Body: body}}
}

func mustGenerate(t *testing.T, tree *ast.Program) *pcode.Program {
	t.Helper()
	prog, diags := Generate(tree)
	if len(diags) > 0 {
		t.Fatalf("Generate failed:\n%v", diags)
	}
	return prog
}

func ops(p *pcode.Program) []pcode.Opcode {
	out := make([]pcode.Opcode, p.Len())
	for i := range out {
		out[i] = p.At(i).Op
	}
	return out
}

func assertOps(t *testing.T, p *pcode.Program, want ...pcode.Opcode) {
	t.Helper()
	got := ops(p)
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d:\n%s", len(got), len(want), pcode.Dump(p))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("instruction %d = %s, want %s:\n%s", i, got[i], want[i], pcode.Dump(p))
		}
	}
}

func TestGenerateEmptyMain(t *testing.T) {
	p := mustGenerate(t, mainProgram(nil, nil))
	assertOps(t, p, pcode.OpJmp, pcode.OpInt, pcode.OpHlt)
	if p.At(0).Operand != 1 {
		t.Errorf("JMP operand = %d, want 1", p.At(0).Operand)
	}
	if !p.Frozen() {
		t.Error("generated program should be frozen")
	}
	if addr, ok := p.Label("main.body"); !ok || addr != 1 {
		t.Errorf("main.body = %d, %v", addr, ok)
	}
}

func TestGenerateAssignAndWrite(t *testing.T) {
	x := ref("x", ast.TypeInt, 0, 0)
	tree := mainProgram(
		[]*ast.VarDecl{intVar("x", 0, 0)},
		seq(
			&ast.Assign{Target: x, Value: &ast.Binary{Op: ast.OpAdd, X: intLit(2), Y: intLit(3)}, Line: 2},
			writeln(x),
		),
	)
	p := mustGenerate(t, tree)
	assertOps(t, p,
		pcode.OpJmp, pcode.OpInt,
		pcode.OpLit, pcode.OpLit, pcode.OpAdd, pcode.OpSto,
		pcode.OpLod, pcode.OpWrt, pcode.OpWrl,
		pcode.OpHlt)

	if in := p.At(1); in.Operand != 1 {
		t.Errorf("INT operand = %d, want 1", in.Operand)
	}
	if in := p.At(5); in.Level != 0 || in.Operand != 0 || in.Comment != "x" || in.Line != 2 {
		t.Errorf("STO = %+v", in)
	}
	if p.DataSize() != 1 {
		t.Errorf("DataSize = %d, want 1", p.DataSize())
	}
}

func TestGenerateInternsLiterals(t *testing.T) {
	tree := mainProgram(nil, seq(
		writeln(&ast.StringLit{Value: "hi"}, &ast.FloatLit{Value: 2.5}),
		writeln(&ast.StringLit{Value: "hi"}, &ast.FloatLit{Value: 2.5}),
		writeln(&ast.FloatLit{Value: 3}),
	))
	p := mustGenerate(t, tree)

	want := []string{"hi", "2.5", "3.0"}
	got := p.Strings()
	if len(got) != len(want) {
		t.Fatalf("strings = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("strings[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// The listing resolves LITF operands itself.
	for _, in := range p.Instructions() {
		if in.Op == pcode.OpLitF && in.Comment != "" {
			t.Errorf("LITF %d has comment %q", in.Operand, in.Comment)
		}
	}
	if n := strings.Count(pcode.Dump(p), `"2.5"`); n != 3 {
		t.Errorf("\"2.5\" appears %d times in the listing, want 3:\n%s", n, pcode.Dump(p))
	}
}

func TestGenerateFloatPromotion(t *testing.T) {
	f := &ast.VarDecl{Name: "f", Type: ast.TypeFloat, Addr: addr(0, 0)}
	tree := mainProgram([]*ast.VarDecl{f}, seq(
		&ast.Assign{Target: ref("f", ast.TypeFloat, 0, 0), Value: &ast.Binary{Op: ast.OpMul, X: intLit(2), Y: &ast.FloatLit{Value: 1.5}}},
		&ast.Assign{Target: ref("f", ast.TypeFloat, 0, 0), Value: intLit(7)},
	))
	p := mustGenerate(t, tree)
	assertOps(t, p,
		pcode.OpJmp, pcode.OpInt,
		pcode.OpLit, pcode.OpI2F, pcode.OpLitF, pcode.OpMulF, pcode.OpSto,
		pcode.OpLit, pcode.OpI2F, pcode.OpSto,
		pcode.OpHlt)
}

func TestGenerateConvert(t *testing.T) {
	tree := mainProgram(nil, writeln(
		&ast.Convert{To: ast.TypeInt, X: &ast.FloatLit{Value: 2.7}},
		&ast.Convert{To: ast.TypeFloat, X: intLit(1)},
		&ast.Convert{To: ast.TypeInt, X: intLit(1)},
	))
	p := mustGenerate(t, tree)
	assertOps(t, p,
		pcode.OpJmp, pcode.OpInt,
		pcode.OpLitF, pcode.OpF2I, pcode.OpWrt,
		pcode.OpLit, pcode.OpI2F, pcode.OpWrtF,
		pcode.OpLit, pcode.OpWrt,
		pcode.OpWrl, pcode.OpHlt)
}

func TestGenerateIfElse(t *testing.T) {
	tree := mainProgram(nil, &ast.If{
		Cond: &ast.Binary{Op: ast.OpLt, X: intLit(1), Y: intLit(2)},
		Then: writeln(intLit(1)),
		Else: writeln(intLit(2)),
	})
	p := mustGenerate(t, tree)
	assertOps(t, p,
		pcode.OpJmp, pcode.OpInt,
		pcode.OpLit, pcode.OpLit, pcode.OpLt, pcode.OpJpc, // 2..5
		pcode.OpLit, pcode.OpWrt, pcode.OpWrl, pcode.OpJmp, // 6..9
		pcode.OpLit, pcode.OpWrt, pcode.OpWrl, // 10..12
		pcode.OpHlt) // 13

	if got := p.At(5).Operand; got != 10 {
		t.Errorf("JPC target = %d, want 10", got)
	}
	if got := p.At(9).Operand; got != 13 {
		t.Errorf("JMP target = %d, want 13", got)
	}
	if a, _ := p.Label("if.else.0"); a != 10 {
		t.Errorf("if.else.0 = %d, want 10", a)
	}
	if a, _ := p.Label("if.end.0"); a != 13 {
		t.Errorf("if.end.0 = %d, want 13", a)
	}
}

func TestGenerateIfWithoutElse(t *testing.T) {
	tree := mainProgram(nil, &ast.If{Cond: &ast.BoolLit{Value: true}, Then: &ast.Halt{}})
	p := mustGenerate(t, tree)
	assertOps(t, p, pcode.OpJmp, pcode.OpInt, pcode.OpLit, pcode.OpJpc, pcode.OpHlt, pcode.OpHlt)
	if got := p.At(3).Operand; got != 5 {
		t.Errorf("JPC target = %d, want 5", got)
	}
}

func TestGenerateWhile(t *testing.T) {
	i := ref("i", ast.TypeInt, 0, 0)
	tree := mainProgram([]*ast.VarDecl{intVar("i", 0, 0)}, &ast.While{
		Cond: &ast.Binary{Op: ast.OpGt, X: i, Y: intLit(0)},
		Body: &ast.Assign{Target: i, Value: &ast.Binary{Op: ast.OpSub, X: i, Y: intLit(1)}},
	})
	p := mustGenerate(t, tree)
	assertOps(t, p,
		pcode.OpJmp, pcode.OpInt,
		pcode.OpLod, pcode.OpLit, pcode.OpGt, pcode.OpJpc, // 2..5
		pcode.OpLod, pcode.OpLit, pcode.OpSub, pcode.OpSto, pcode.OpJmp, // 6..10
		pcode.OpHlt) // 11
	if got := p.At(10).Operand; got != 2 {
		t.Errorf("loop JMP target = %d, want 2", got)
	}
	if got := p.At(5).Operand; got != 11 {
		t.Errorf("JPC target = %d, want 11", got)
	}
}

func TestGenerateNestedProcedureLevels(t *testing.T) {
	// main declares g and p; p declares its own local and reads g.
	inner := &ast.ProcDecl{
		ID: "p", Name: "p", Depth: 0,
		Block: &ast.Block{
			Depth: 1,
			Vars:  []*ast.VarDecl{intVar("l", 1, 0), intVar("m", 1, 1)},
			Body: &ast.Assign{
				Target: ref("l", ast.TypeInt, 1, 0),
				Value:  ref("g", ast.TypeInt, 0, 0),
			},
		},
	}
	tree := mainProgram([]*ast.VarDecl{intVar("g", 0, 0)}, &ast.Call{ProcID: "p", Name: "p"}, inner)
	p := mustGenerate(t, tree)

	assertOps(t, p,
		pcode.OpJmp, // 0 main
		pcode.OpJmp, // 1 p
		pcode.OpInt, pcode.OpLod, pcode.OpSto, pcode.OpRet, // 2..5 p.body
		pcode.OpInt, pcode.OpCal, pcode.OpHlt) // 6..8 main.body

	if in := p.At(3); in.Level != 1 || in.Operand != 0 {
		t.Errorf("LOD g = %s, want LOD 1,0", in)
	}
	if in := p.At(4); in.Level != 0 || in.Operand != 0 {
		t.Errorf("STO l = %s, want STO 0,0", in)
	}
	if in := p.At(7); in.Level != 0 || in.Operand != 1 || in.Comment != "p" {
		t.Errorf("CAL = %+v, want CAL 0,1", in)
	}
	if p.DataSize() != 3 {
		t.Errorf("DataSize = %d, want 3", p.DataSize())
	}
}

func TestGenerateForwardAndRecursiveCalls(t *testing.T) {
	// a calls b (declared later) and itself.
	a := &ast.ProcDecl{ID: "a", Name: "a", Block: &ast.Block{Depth: 1, Body: seq(
		&ast.Call{ProcID: "b", Name: "b"},
		&ast.Call{ProcID: "a", Name: "a"},
	)}}
	b := &ast.ProcDecl{ID: "b", Name: "b", Block: &ast.Block{Depth: 1}}
	p := mustGenerate(t, mainProgram(nil, &ast.Call{ProcID: "a", Name: "a"}, a, b))

	aAddr, _ := p.Label("a")
	bAddr, _ := p.Label("b")
	var calls []pcode.Instruction
	for _, in := range p.Instructions() {
		if in.Op == pcode.OpCal {
			calls = append(calls, in)
		}
	}
	if len(calls) != 3 {
		t.Fatalf("found %d CAL instructions, want 3", len(calls))
	}
	if int(calls[0].Operand) != bAddr || calls[0].Level != 1 {
		t.Errorf("forward call = %s, want CAL 1,%d", calls[0], bAddr)
	}
	if int(calls[1].Operand) != aAddr || calls[1].Level != 1 {
		t.Errorf("recursive call = %s, want CAL 1,%d", calls[1], aAddr)
	}
	if int(calls[2].Operand) != aAddr || calls[2].Level != 0 {
		t.Errorf("main call = %s, want CAL 0,%d", calls[2], aAddr)
	}
}

func TestGenerateDiagnostics(t *testing.T) {
	tests := []struct {
		name string
		tree *ast.Program
		want error
		text string
	}{
		{
			name: "unresolved reference",
			tree: mainProgram(nil, writeln(&ast.VarRef{Name: "q", Type: ast.TypeInt, Line: 7})),
			want: ErrUnresolvedAddress,
			text: "line 7",
		},
		{
			name: "unresolved declaration",
			tree: mainProgram([]*ast.VarDecl{{Name: "v", Type: ast.TypeInt}}, nil),
			want: ErrUnresolvedAddress,
		},
		{
			name: "offset outside frame",
			tree: mainProgram([]*ast.VarDecl{intVar("x", 0, 0)}, writeln(ref("y", ast.TypeInt, 0, 3))),
			want: ErrUnresolvedAddress,
		},
		{
			name: "inner scope reference",
			tree: mainProgram(nil, writeln(ref("z", ast.TypeInt, 1, 0))),
			want: ErrInvalidLevel,
		},
		{
			name: "unknown procedure",
			tree: mainProgram(nil, &ast.Call{ProcID: "nope", Name: "nope"}),
			want: ErrUnknownProcedure,
		},
		{
			name: "duplicate procedure id",
			tree: mainProgram(nil, nil,
				&ast.ProcDecl{ID: "x", Name: "a", Block: &ast.Block{Depth: 1}},
				&ast.ProcDecl{ID: "x", Name: "b", Block: &ast.Block{Depth: 1}}),
			want: ErrDuplicateProc,
		},
		{
			name: "procedure out of scope",
			tree: mainProgram(nil, &ast.Call{ProcID: "inner", Name: "inner"},
				&ast.ProcDecl{ID: "outer", Name: "outer", Block: &ast.Block{Depth: 1, Procs: []*ast.ProcDecl{
					{ID: "inner", Name: "inner", Depth: 1, Block: &ast.Block{Depth: 2}},
				}}}),
			want: ErrInvalidLevel,
		},
		{
			name: "float into int",
			tree: mainProgram([]*ast.VarDecl{intVar("x", 0, 0)},
				&ast.Assign{Target: ref("x", ast.TypeInt, 0, 0), Value: &ast.FloatLit{Value: 1}}),
			want: ErrTypeMismatch,
		},
		{
			name: "string arithmetic",
			tree: mainProgram(nil, writeln(&ast.Binary{Op: ast.OpAdd, X: &ast.StringLit{Value: "a"}, Y: intLit(1)})),
			want: ErrTypeMismatch,
		},
		{
			name: "float condition",
			tree: mainProgram(nil, &ast.While{Cond: &ast.FloatLit{Value: 1}, Body: &ast.Halt{}}),
			want: ErrTypeMismatch,
		},
		{
			name: "huge literal",
			tree: mainProgram(nil, writeln(intLit(1<<40))),
			want: ErrUnsupported,
		},
		{
			name: "bad block depth",
			tree: mainProgram(nil, nil, &ast.ProcDecl{ID: "p", Name: "p", Block: &ast.Block{Depth: 3}}),
			want: ErrInvalidLevel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, diags := Generate(tt.tree)
			if prog != nil {
				t.Fatalf("Generate returned a program:\n%s", pcode.Dump(prog))
			}
			if len(diags) == 0 {
				t.Fatal("Generate returned no diagnostics")
			}
			if !errors.Is(diags, tt.want) {
				t.Errorf("diagnostics %v do not wrap %v", diags, tt.want)
			}
			if tt.text != "" && !strings.Contains(diags.Error(), tt.text) {
				t.Errorf("diagnostics %q missing %q", diags.Error(), tt.text)
			}
		})
	}
}

func TestGenerateCollectsAllDiagnostics(t *testing.T) {
	tree := mainProgram(nil, seq(
		writeln(&ast.VarRef{Name: "a", Type: ast.TypeInt}),
		&ast.Call{ProcID: "missing"},
		writeln(&ast.VarRef{Name: "b", Type: ast.TypeInt}),
	))
	_, diags := Generate(tree)
	if len(diags) != 3 {
		t.Errorf("got %d diagnostics, want 3:\n%v", len(diags), diags)
	}
}

func TestGenerateNilTree(t *testing.T) {
	if _, diags := Generate(nil); !errors.Is(diags, ErrUnsupported) {
		t.Errorf("Generate(nil) diagnostics = %v", diags)
	}
}

func TestGenerateRecoversPanics(t *testing.T) {
	// An Assign with a nil target makes the lowering dereference nil.
	tree := mainProgram(nil, &ast.Assign{Value: intLit(1)})
	prog, diags := Generate(tree)
	if prog != nil {
		t.Fatal("Generate returned a program after a panic")
	}
	if !errors.Is(diags, ErrInternal) {
		t.Errorf("diagnostics = %v, want ErrInternal", diags)
	}
}

func TestDiagnosticsErr(t *testing.T) {
	var none Diagnostics
	if none.Err() != nil {
		t.Error("empty Diagnostics.Err() should be nil")
	}
	ds := Diagnostics{{Line: 3, Err: ErrTypeMismatch}}
	if err := ds.Err(); err == nil || err.Error() != "line 3: type mismatch" {
		t.Errorf("Err() = %v", err)
	}
}
