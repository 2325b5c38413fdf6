package server

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/chazu/pcode/vm"
)

var (
	// ErrDuplicateListener is returned when a listener is registered twice.
	ErrDuplicateListener = errors.New("server: listener already registered")

	// ErrUncomparableListener is returned for listeners whose dynamic type
	// cannot be compared, so duplicate registration could not be detected.
	// Register a pointer instead.
	ErrUncomparableListener = errors.New("server: listener type is not comparable")
)

// Fanout is a vm.Sink that forwards every event to each registered listener,
// once per listener, in registration order.
type Fanout struct {
	mu        sync.RWMutex
	listeners []vm.Sink
}

// NewFanout returns a Fanout with the given listeners registered.
func NewFanout(listeners ...vm.Sink) (*Fanout, error) {
	f := &Fanout{}
	for _, l := range listeners {
		if err := f.Register(l); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Register adds l. Registering the same listener instance again fails with
// ErrDuplicateListener and leaves the registry unchanged.
func (f *Fanout) Register(l vm.Sink) error {
	if l == nil {
		return fmt.Errorf("server: nil listener")
	}
	if !reflect.TypeOf(l).Comparable() {
		return fmt.Errorf("%w: %T", ErrUncomparableListener, l)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.listeners {
		if existing == l {
			return fmt.Errorf("%w: %T", ErrDuplicateListener, l)
		}
	}
	f.listeners = append(f.listeners, l)
	return nil
}

// Unregister removes l and reports whether it was registered.
func (f *Fanout) Unregister(l vm.Sink) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

func (f *Fanout) Output(text string) {
	for _, l := range f.snapshot() {
		l.Output(text)
	}
}

func (f *Fanout) Error(text string) {
	for _, l := range f.snapshot() {
		l.Error(text)
	}
}

func (f *Fanout) snapshot() []vm.Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.listeners
}
