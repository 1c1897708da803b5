// Package factory maps (class name, args, queue) to a handler object. The
// core treats the factory as opaque; handlers register themselves by
// stable string identifier at process start.
package factory

import (
	"errors"
	"fmt"
)

// ErrVeto is returned by SetUp to signal "do not perform" per the event
// bus's veto contract: execution is skipped without being counted as
// either a success or a failure.
var ErrVeto = errors.New("factory: do not perform")

// Handler is the user-supplied object that performs a job. SetUp and
// TearDown are optional lifecycle hooks; Perform is required.
type Handler interface {
	Perform() (result interface{}, err error)
}

// SetUpper is implemented by handlers that need pre-perform initialization.
type SetUpper interface {
	SetUp() error
}

// TearDowner is implemented by handlers that need post-perform cleanup.
type TearDowner interface {
	TearDown() error
}

// Constructor builds a Handler for a given argument value and queue name.
type Constructor func(args interface{}, queue string) (Handler, error)

// Factory resolves class names to concrete handler constructors.
type Factory struct {
	constructors map[string]Constructor
}

// New creates an empty factory.
func New() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register associates a class name with a constructor. Call at process
// start, before any job referencing that class is dequeued.
func (f *Factory) Register(class string, ctor Constructor) {
	f.constructors[class] = ctor
}

// Create resolves class to a handler instance via its registered
// constructor.
func (f *Factory) Create(class string, args interface{}, queue string) (Handler, error) {
	ctor, ok := f.constructors[class]
	if !ok {
		return nil, fmt.Errorf("no handler registered for class %q", class)
	}
	return ctor(args, queue)
}

// Count returns how many classes are registered.
func (f *Factory) Count() int {
	return len(f.constructors)
}
