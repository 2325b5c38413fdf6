package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chazu/pcode/pkg/ast"
	"github.com/chazu/pcode/pkg/codegen"
	"github.com/chazu/pcode/pkg/pcode"
	"github.com/chazu/pcode/server"
	"github.com/chazu/pcode/vm"
)

// loadProgram reads an encoded artifact, or generates one from a tree
// document. Generation diagnostics are printed to stderr.
func loadProgram(path string) (*pcode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, pcode.Magic[:]) {
		return pcode.Decode(data)
	}

	tree, err := ast.Load(data, ast.FormatForPath(path))
	if err != nil {
		return nil, err
	}
	prog, diags := codegen.Generate(tree)
	if len(diags) > 0 {
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, d.Error())
		}
		return nil, fmt.Errorf("%s: %d diagnostics", path, len(diags))
	}
	return prog, nil
}

func programName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// handleGenCommand processes the `pcode gen` subcommand.
// Usage:
//
//	pcode gen fact.yaml               # writes fact.pcode
//	pcode gen -o out.pcode fact.cbor  # custom output
func handleGenCommand(args []string) int {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	output := fs.String("o", "", "Output artifact (default: <input>.pcode, '-' for stdout)")
	dump := fs.Bool("dump", false, "Also print the listing to stderr")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pcode gen [-o output] <tree.yaml|tree.json|tree.cbor>")
		return exitError
	}
	if _, err := common.setup(fs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	input := fs.Arg(0)
	prog, err := loadProgram(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	out := *output
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + ".pcode"
	}
	if out == "-" {
		_, err = prog.WriteTo(os.Stdout)
	} else {
		err = os.WriteFile(out, pcode.Encode(prog), 0644)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
		return exitError
	}

	if *dump {
		fmt.Fprint(os.Stderr, pcode.DumpWithName(prog, programName(input)))
	}
	log.Infof("wrote %s (%d instructions, %d strings)", out, prog.Len(), prog.StringCount())
	return exitOK
}

// handleRunCommand processes the `pcode run` subcommand.
// Usage:
//
//	pcode run fact.pcode                # input from stdin
//	pcode run -input 5,6 fact.yaml      # scripted input first, then stdin
func handleRunCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	input := fs.String("input", "", "Comma-separated input values served before stdin")
	noStdin := fs.Bool("no-stdin", false, "Do not read input from stdin")
	trace := fs.Bool("trace", false, "Log every executed instruction (needs -v 2)")
	maxSteps := fs.Int64("max-steps", -1, "Instruction limit; overrides [vm] max-steps (0 = unlimited)")
	timeout := fs.Duration("timeout", 0, "Cancel the run after this long")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pcode run [options] <artifact.pcode|tree>")
		return exitError
	}
	m, err := common.setup(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	limits := m.Limits()
	if *maxSteps >= 0 {
		limits.MaxSteps = *maxSteps
	}

	var sources []vm.InputSource
	if *input != "" {
		sources = append(sources, vm.NewScriptedInput(strings.Split(*input, ",")...))
	}
	if !*noStdin {
		sources = append(sources, vm.NewReaderInput(os.Stdin))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	runner := server.NewRunner(
		server.WithRunLimits(limits),
		server.WithRunTrace(*trace || m.VM.Trace))
	defer runner.Close()

	sink := vm.WriterSink{Out: os.Stdout, Err: os.Stderr}
	_, res, err := runner.Execute(ctx, prog, vm.NewChainInput(sources...), sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if !res.OK() {
		return exitFaulted
	}
	return exitOK
}

// handleDumpCommand processes the `pcode dump` subcommand.
func handleDumpCommand(args []string) int {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pcode dump <artifact.pcode|tree>")
		return exitError
	}
	if _, err := common.setup(fs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	path := fs.Arg(0)
	prog, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if _, err := io.WriteString(os.Stdout, pcode.DumpWithName(prog, programName(path))); err != nil {
		return exitError
	}
	return exitOK
}

// handleServeCommand processes the `pcode serve` subcommand.
func handleServeCommand(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "", "Listen address; overrides [server] addr")
	store := fs.String("store", "", "Artifact database (':memory:' for a private one); overrides [server] store")
	workers := fs.Int("workers", 0, "Worker goroutines; overrides [server] workers")
	fs.Parse(args)

	m, err := common.setup(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if *addr != "" {
		m.Server.Addr = *addr
	}
	if *store != "" {
		m.Server.Store = *store
	}
	if *workers > 0 {
		m.Server.Workers = *workers
	}

	opts := []server.ServerOption{
		server.WithRunnerOptions(
			server.WithWorkers(m.Server.Workers),
			server.WithRunLimits(m.Limits()),
			server.WithRunTrace(m.VM.Trace)),
	}
	if path := m.StorePath(); path != "" {
		s, err := server.OpenStore(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			return exitError
		}
		opts = append(opts, server.WithStore(s))
	}

	srv, err := server.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(m.Server.Addr) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		log.Notice("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := srv.Stop(shutdownCtx); stopErr != nil && !errors.Is(stopErr, context.DeadlineExceeded) {
		err = errors.Join(err, stopErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return exitError
	}
	return exitOK
}
