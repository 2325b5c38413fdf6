package vm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// InputKind is the type of value a read instruction requests.
type InputKind int

const (
	InputInt InputKind = iota
	InputFloat
	InputBool
	InputString
)

func (k InputKind) String() string {
	switch k {
	case InputInt:
		return "int"
	case InputFloat:
		return "float"
	case InputBool:
		return "bool"
	case InputString:
		return "string"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// InputSource supplies values to RED/RDF/RDB/RDS. Next blocks until a value
// is available, ctx is done, or the source has nothing more to give, in
// which case it returns an error wrapping ErrInputExhausted.
type InputSource interface {
	Next(ctx context.Context, kind InputKind) (string, error)
}

// HostInput adapts a host callback to InputSource.
type HostInput func(ctx context.Context, kind InputKind) (string, error)

func (f HostInput) Next(ctx context.Context, kind InputKind) (string, error) {
	return f(ctx, kind)
}

// ---------------------------------------------------------------------------
// ScriptedInput
// ---------------------------------------------------------------------------

// ScriptedInput serves a pre-seeded queue of values in order and reports
// exhaustion instead of blocking once the queue is empty.
type ScriptedInput struct {
	mu     sync.Mutex
	values []string
	next   int
}

// NewScriptedInput returns a source serving values in order.
func NewScriptedInput(values ...string) *ScriptedInput {
	return &ScriptedInput{values: append([]string(nil), values...)}
}

// Next returns the next queued value regardless of kind; the interpreter
// parses it.
func (s *ScriptedInput) Next(ctx context.Context, kind InputKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.values) {
		return "", fmt.Errorf("%w: no scripted %s value left", ErrInputExhausted, kind)
	}
	v := s.values[s.next]
	s.next++
	return v, nil
}

// Remaining returns the number of values not yet consumed.
func (s *ScriptedInput) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) - s.next
}

// ---------------------------------------------------------------------------
// ReaderInput
// ---------------------------------------------------------------------------

// ReaderInput serves whitespace-separated tokens read from r, one per
// request. The CLI wraps stdin with it. A request abandoned because ctx was
// done leaves its read pending for the next request.
type ReaderInput struct {
	mu      sync.Mutex
	scan    *bufio.Scanner
	pending chan scanResult
}

type scanResult struct {
	text string
	ok   bool
	err  error
}

// NewReaderInput returns a source reading tokens from r.
func NewReaderInput(r io.Reader) *ReaderInput {
	scan := bufio.NewScanner(r)
	scan.Split(bufio.ScanWords)
	return &ReaderInput{scan: scan}
}

func (in *ReaderInput) Next(ctx context.Context, kind InputKind) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending == nil {
		ch := make(chan scanResult, 1)
		in.pending = ch
		go func() {
			if in.scan.Scan() {
				ch <- scanResult{text: in.scan.Text(), ok: true}
				return
			}
			ch <- scanResult{err: in.scan.Err()}
		}()
	}

	select {
	case r := <-in.pending:
		in.pending = nil
		switch {
		case r.ok:
			return r.text, nil
		case r.err != nil:
			return "", fmt.Errorf("reading %s value: %w", kind, r.err)
		default:
			return "", fmt.Errorf("%w: end of input reading %s value", ErrInputExhausted, kind)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// ChainInput
// ---------------------------------------------------------------------------

// ChainInput tries each source in order, moving to the next one when the
// current source is exhausted. The usual chain is scripted values first and
// the host callback after.
type ChainInput struct {
	mu      sync.Mutex
	sources []InputSource
}

// NewChainInput chains sources; nil entries are skipped.
func NewChainInput(sources ...InputSource) *ChainInput {
	c := &ChainInput{}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

func (c *ChainInput) Next(ctx context.Context, kind InputKind) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.sources) > 0 {
		v, err := c.sources[0].Next(ctx, kind)
		if err == nil || !errors.Is(err, ErrInputExhausted) {
			return v, err
		}
		c.sources = c.sources[1:]
	}
	return "", fmt.Errorf("%w: no %s value available", ErrInputExhausted, kind)
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// parseInt accepts base-10 integers with an optional sign.
func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseBool accepts true/false/1/0, case-insensitively.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", s)
}
