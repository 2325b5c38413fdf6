package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/pcode/pkg/pcode"
)

const helloYAML = `
name: hello
block:
  depth: 0
  body:
    kind: write
    newline: true
    line: 1
    args: [{kind: string, value: "hello"}]
`

func TestLoadProgramFromTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.yaml")
	if err := os.WriteFile(path, []byte(helloYAML), 0644); err != nil {
		t.Fatal(err)
	}

	prog, err := loadProgram(path)
	if err != nil {
		t.Fatalf("loadProgram failed: %v", err)
	}
	if !prog.Frozen() {
		t.Error("generated program should be frozen")
	}
	if s, ok := prog.StringAt(0); !ok || s != "hello" {
		t.Errorf("string 0 = %q, %v; want hello", s, ok)
	}
}

func TestLoadProgramFromArtifact(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "hello.yaml")
	if err := os.WriteFile(tree, []byte(helloYAML), 0644); err != nil {
		t.Fatal(err)
	}
	want, err := loadProgram(tree)
	if err != nil {
		t.Fatal(err)
	}

	// The extension is irrelevant; artifacts are recognized by their magic.
	artifact := filepath.Join(dir, "hello.bin")
	if err := os.WriteFile(artifact, pcode.Encode(want), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := loadProgram(artifact)
	if err != nil {
		t.Fatalf("loadProgram failed: %v", err)
	}
	if !want.Equal(got) {
		t.Errorf("artifact differs from generated program:\n%s", pcode.Dump(got))
	}
}

func TestLoadProgramDiagnostics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	bad := "name: bad\nblock:\n  body: {kind: call, proc: nowhere, line: 4}\n"
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadProgram(path); err == nil {
		t.Error("loadProgram succeeded on a tree with an unknown procedure")
	}
}

func TestProgramName(t *testing.T) {
	tests := map[string]string{
		"fact.yaml":           "fact",
		"/tmp/x/fact.pcode":   "fact",
		"noext":               "noext",
		"dir/multi.part.json": "multi.part",
	}
	for in, want := range tests {
		if got := programName(in); got != want {
			t.Errorf("programName(%q) = %q, want %q", in, got, want)
		}
	}
}

// pairYAML reads a and b and writes them on one line.
const pairYAML = `
name: pair
block:
  depth: 0
  vars:
    - {name: a, type: int, addr: {depth: 0, offset: 0}}
    - {name: b, type: int, addr: {depth: 0, offset: 1}}
  body:
    kind: compound
    stmts:
      - {kind: read, line: 1, target: {kind: var, name: a, type: int, addr: {depth: 0, offset: 0}}}
      - {kind: read, line: 2, target: {kind: var, name: b, type: int, addr: {depth: 0, offset: 1}}}
      - kind: write
        newline: true
        line: 3
        args:
          - {kind: var, name: a, type: int, addr: {depth: 0, offset: 0}}
          - {kind: string, value: " "}
          - {kind: var, name: b, type: int, addr: {depth: 0, offset: 1}}
`

// runCommand calls handleRunCommand with stdin and stdout redirected to
// files and returns the exit code and everything written to stdout.
func runCommand(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	dir := t.TempDir()

	inPath := filepath.Join(dir, "stdin")
	if err := os.WriteFile(inPath, []byte(stdin), 0644); err != nil {
		t.Fatal(err)
	}
	in, err := os.Open(inPath)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	out, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	oldIn, oldOut := os.Stdin, os.Stdout
	os.Stdin, os.Stdout = in, out
	code := handleRunCommand(args)
	os.Stdin, os.Stdout = oldIn, oldOut

	data, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	return code, string(data)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "pair.yaml")
	if err := os.WriteFile(tree, []byte(pairYAML), 0644); err != nil {
		t.Fatal(err)
	}
	// The pair program executes 10 instructions.
	config := "[vm]\nmax-steps = 5\n"
	if err := os.WriteFile(filepath.Join(dir, "pcode.toml"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		stdin string
		args  []string
		code  int
		out   string
	}{
		{"scripted input", "", []string{"-max-steps", "100", "-no-stdin", "-input", "4,2", tree}, exitOK, "4 2\n"},
		{"scripted input before stdin", "9\n", []string{"-max-steps", "100", "-input", "4", tree}, exitOK, "4 9\n"},
		{"stdin only", " 7 8 ", []string{"-max-steps", "0", tree}, exitOK, "7 8\n"},
		{"input exhausted", "", []string{"-max-steps", "100", "-no-stdin", "-input", "4", tree}, exitFaulted, ""},
		{"config step limit", "", []string{"-no-stdin", "-input", "4,2", tree}, exitFaulted, ""},
		{"missing file", "", []string{"-no-stdin", filepath.Join(dir, "missing.yaml")}, exitError, ""},
		{"no arguments", "", nil, exitError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-config", dir, "-v", "-4"}, tt.args...)
			code, out := runCommand(t, tt.stdin, args...)
			if code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if out != tt.out {
				t.Errorf("stdout = %q, want %q", out, tt.out)
			}
		})
	}
}

func TestGenCommandWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "pair.yaml")
	if err := os.WriteFile(tree, []byte(pairYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pcode.toml"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if code := handleGenCommand([]string{"-config", dir, "-v", "-4", tree}); code != exitOK {
		t.Fatalf("gen exit code = %d", code)
	}
	artifact := strings.TrimSuffix(tree, ".yaml") + ".pcode"
	code, out := runCommand(t, "", "-config", dir, "-v", "-4", "-no-stdin", "-input", "1,2", artifact)
	if code != exitOK || out != "1 2\n" {
		t.Errorf("run artifact = %d, %q", code, out)
	}
}
