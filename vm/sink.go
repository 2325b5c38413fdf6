package vm

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Sink receives an execution's notifications. A Machine owns exactly one
// Sink; fan-out to several listeners belongs to the host.
type Sink interface {
	// Output is called once per executed WRT/WRTF/WRS/WRL, in program order.
	Output(text string)
	// Error is called at most once, when the execution faults.
	Error(text string)
}

// SinkFuncs adapts a pair of callbacks to Sink. Nil callbacks are ignored.
type SinkFuncs struct {
	OnOutput func(text string)
	OnError  func(text string)
}

func (s SinkFuncs) Output(text string) {
	if s.OnOutput != nil {
		s.OnOutput(text)
	}
}

func (s SinkFuncs) Error(text string) {
	if s.OnError != nil {
		s.OnError(text)
	}
}

// WriterSink writes output to Out and errors, newline-terminated, to Err.
type WriterSink struct {
	Out io.Writer
	Err io.Writer
}

func (s WriterSink) Output(text string) {
	if s.Out != nil {
		io.WriteString(s.Out, text)
	}
}

func (s WriterSink) Error(text string) {
	if s.Err != nil {
		fmt.Fprintln(s.Err, text)
	}
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// EventKind distinguishes output from error notifications.
type EventKind int

const (
	EventOutput EventKind = iota
	EventError
)

func (k EventKind) String() string {
	if k == EventError {
		return "error"
	}
	return "output"
}

// Event is one notification delivered to a Sink.
type Event struct {
	Kind EventKind
	Text string
}

// Recorder is a Sink that keeps every event in delivery order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Output(text string) { r.add(EventOutput, text) }
func (r *Recorder) Error(text string)  { r.add(EventError, text) }

func (r *Recorder) add(kind EventKind, text string) {
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: kind, Text: text})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Text returns the concatenated output text.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, e := range r.events {
		if e.Kind == EventOutput {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

// Errors returns the recorded error texts.
func (r *Recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventError {
			out = append(out, e.Text)
		}
	}
	return out
}

// discard is the Sink used when none is configured.
type discard struct{}

func (discard) Output(string) {}
func (discard) Error(string)  {}
