package mflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bpradana/mflow/internal/builtin"
	"github.com/bpradana/mflow/internal/procpool"
)

var (
	// ErrFuncExists indicates a function name is already registered.
	ErrFuncExists = errors.New("mflow: function already registered")
	// ErrUnknownFunc indicates a function name is not registered.
	ErrUnknownFunc = errors.New("mflow: unknown function")
)

// Registry maps function names to task functions. Tasks built from a
// registry carry the function name, which lets worker processes find the
// same implementation.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return errors.New("mflow: function name must not be empty")
	}
	if fn == nil {
		return ErrNilRun
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("%w: %s", ErrFuncExists, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn TaskFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// RegisterBuiltins adds the builtin function library (const, add, concat,
// sleep, ...). Names already registered are left untouched.
func (r *Registry) RegisterBuiltins() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, fn := range builtin.All() {
		if _, ok := r.funcs[name]; ok {
			continue
		}
		r.funcs[name] = TaskFunc(fn)
	}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTask builds a task running the function registered under funcName.
func (r *Registry) NewTask(name, funcName string, opts ...TaskOption) (*Task, error) {
	fn, ok := r.Lookup(funcName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, funcName)
	}
	opts = append(opts, WithFuncName(funcName))
	return NewTask(name, fn, opts...)
}

// ServeWorker answers worker-process requests read from in using the
// functions in reg. Programs started by the process backends call it, and
// it returns when in is closed.
func ServeWorker(ctx context.Context, reg *Registry, in io.Reader, out io.Writer) error {
	lookup := func(name string) (procpool.Func, bool) {
		fn, ok := reg.Lookup(name)
		if !ok {
			return nil, false
		}
		return procpool.Func(fn), true
	}
	return procpool.Serve(ctx, lookup, in, out)
}
