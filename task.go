package mflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var taskCounter atomic.Uint64

// TaskID is the stable handle assigned to a task at construction.
type TaskID uint64

// TaskFunc is the unit of work executed by a task. It receives the task's
// positional and keyword arguments with parent references already replaced by
// the parents' outputs.
type TaskFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

var (
	// ErrEmptyTaskName indicates a task was defined without a name.
	ErrEmptyTaskName = errors.New("mflow: task name must not be empty")
	// ErrNilRun indicates a task was defined without an implementation.
	ErrNilRun = errors.New("mflow: task function must not be nil")
	// ErrNilRef indicates a reference argument pointing at a nil task.
	ErrNilRef = errors.New("mflow: reference to nil task")
	// ErrDependencyNotReady indicates a parent output was requested before it was computed.
	ErrDependencyNotReady = errors.New("mflow: dependency result not ready")
)

// TaskPanicError wraps a panic recovered from a task function.
type TaskPanicError struct {
	Task  string
	Value any
}

func (e TaskPanicError) Error() string {
	return fmt.Sprintf("mflow: panic in task %s: %v", e.Task, e.Value)
}

// Arg is a single argument slot. It holds either a literal value or a
// reference to a parent task whose output is substituted at run time.
type Arg struct {
	value any
	ref   *Task
	isRef bool
}

// Value wraps a literal argument.
func Value(v any) Arg {
	return Arg{value: v}
}

// Ref wraps a reference to a parent task.
func Ref(t *Task) Arg {
	return Arg{ref: t, isRef: true}
}

// IsRef reports whether the slot refers to another task.
func (a Arg) IsRef() bool {
	return a.isRef
}

// Task returns the referenced task, or nil for literal slots.
func (a Arg) Task() *Task {
	return a.ref
}

// Literal returns the literal value of the slot.
func (a Arg) Literal() any {
	return a.value
}

type taskConfig struct {
	args     []Arg
	kwargs   map[string]Arg
	funcName string
}

// TaskOption configures task construction.
type TaskOption func(*taskConfig)

// Args appends positional arguments.
func Args(args ...Arg) TaskOption {
	return func(cfg *taskConfig) {
		cfg.args = append(cfg.args, args...)
	}
}

// Kwarg sets a single keyword argument.
func Kwarg(key string, arg Arg) TaskOption {
	return func(cfg *taskConfig) {
		if cfg.kwargs == nil {
			cfg.kwargs = make(map[string]Arg)
		}
		cfg.kwargs[key] = arg
	}
}

// Kwargs sets several keyword arguments.
func Kwargs(kwargs map[string]Arg) TaskOption {
	return func(cfg *taskConfig) {
		for key, arg := range kwargs {
			Kwarg(key, arg)(cfg)
		}
	}
}

// WithFuncName records the registry name of the task function. Tasks need one
// to run on the process backends.
func WithFuncName(name string) TaskOption {
	return func(cfg *taskConfig) {
		cfg.funcName = name
	}
}

// Task is one unit of work in a workflow graph.
type Task struct {
	id       TaskID
	name     string
	fn       TaskFunc
	funcName string

	args         []Arg
	kwargs       map[string]Arg
	argParents   map[int]*Task
	kwargParents map[string]*Task
	parents      []*Task

	mu       sync.RWMutex
	status   Status
	output   any
	computed bool
	evicted  bool
	isOutput bool
	outTag   string
	// outRefs counts the workflows declaring the task as an output.
	outRefs int
	err      error
}

// NewTask constructs a task. Argument lists are copied and never change
// afterwards, so a task can only reference tasks that already exist.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) (*Task, error) {
	if fn == nil {
		return nil, ErrNilRun
	}
	if name == "" {
		return nil, ErrEmptyTaskName
	}

	cfg := taskConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Task{
		id:           TaskID(taskCounter.Add(1)),
		name:         name,
		fn:           fn,
		funcName:     cfg.funcName,
		args:         append([]Arg(nil), cfg.args...),
		kwargs:       make(map[string]Arg, len(cfg.kwargs)),
		argParents:   make(map[int]*Task),
		kwargParents: make(map[string]*Task),
		status:       StatusNotScheduled,
	}

	seen := make(map[TaskID]struct{})
	addParent := func(p *Task) {
		if _, ok := seen[p.id]; ok {
			return
		}
		seen[p.id] = struct{}{}
		t.parents = append(t.parents, p)
	}

	for i, arg := range t.args {
		if arg.isRef && arg.ref == nil {
			return nil, fmt.Errorf("%w: argument %d of %s", ErrNilRef, i, name)
		}
		if arg.ref != nil {
			t.argParents[i] = arg.ref
			addParent(arg.ref)
		}
	}

	keys := make([]string, 0, len(cfg.kwargs))
	for key := range cfg.kwargs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		arg := cfg.kwargs[key]
		if arg.isRef && arg.ref == nil {
			return nil, fmt.Errorf("%w: keyword %s of %s", ErrNilRef, key, name)
		}
		t.kwargs[key] = arg
		if arg.ref != nil {
			t.kwargParents[key] = arg.ref
			addParent(arg.ref)
		}
	}

	return t, nil
}

// Must panics if err is non-nil and returns t otherwise.
func Must(t *Task, err error) *Task {
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the task handle.
func (t *Task) ID() TaskID { return t.id }

// Name returns the human readable task name.
func (t *Task) Name() string { return t.name }

// FuncName returns the registry name of the task function, if any.
func (t *Task) FuncName() string { return t.funcName }

// Parents returns the de-duplicated parent tasks in argument order.
func (t *Task) Parents() []*Task {
	return append([]*Task(nil), t.parents...)
}

// Args returns a copy of the positional argument slots.
func (t *Task) Args() []Arg {
	return append([]Arg(nil), t.args...)
}

// Kwargs returns a copy of the keyword argument slots.
func (t *Task) Kwargs() map[string]Arg {
	out := make(map[string]Arg, len(t.kwargs))
	for k, v := range t.kwargs {
		out[k] = v
	}
	return out
}

// Status returns the last status recorded by a scheduler.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Output returns the cached result and whether one is present.
func (t *Task) Output() (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.output, t.computed
}

// Evicted reports whether the cached output was reclaimed after all consumers finished.
func (t *Task) Evicted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evicted
}

// IsOutput reports whether the task is a declared workflow output.
func (t *Task) IsOutput() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isOutput
}

// OutTag returns the tag most recently assigned by AddOutput. Results use the
// tag of the workflow that ran.
func (t *Task) OutTag() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outTag
}

// Err returns the error of the last failed run.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// ResolveArgs returns the positional arguments with parent references
// replaced by the parents' current outputs.
func (t *Task) ResolveArgs() ([]any, error) {
	resolved := make([]any, len(t.args))
	for i, arg := range t.args {
		if arg.ref == nil {
			resolved[i] = arg.value
			continue
		}
		value, ok := arg.ref.Output()
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s", ErrDependencyNotReady, t.name, arg.ref.name)
		}
		resolved[i] = value
	}
	return resolved, nil
}

// ResolveKwargs returns the keyword arguments with parent references
// replaced by the parents' current outputs.
func (t *Task) ResolveKwargs() (map[string]any, error) {
	resolved := make(map[string]any, len(t.kwargs))
	for key, arg := range t.kwargs {
		if arg.ref == nil {
			resolved[key] = arg.value
			continue
		}
		value, ok := arg.ref.Output()
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s", ErrDependencyNotReady, t.name, arg.ref.name)
		}
		resolved[key] = value
	}
	return resolved, nil
}

// Run computes the task output. A task that already holds an output returns
// it unchanged unless force is set.
func (t *Task) Run(ctx context.Context, force bool) (any, error) {
	if value, ok := t.Output(); ok && !force {
		return value, nil
	}

	args, err := t.ResolveArgs()
	if err != nil {
		return nil, err
	}
	kwargs, err := t.ResolveKwargs()
	if err != nil {
		return nil, err
	}

	value, err := t.call(ctx, args, kwargs)
	if err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return nil, err
	}
	t.setOutput(value)
	return value, nil
}

func (t *Task) call(ctx context.Context, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = TaskPanicError{Task: t.name, Value: recovered}
		}
	}()
	return t.fn(ctx, args, kwargs)
}

func (t *Task) setOutput(value any) {
	t.mu.Lock()
	t.output = value
	t.computed = true
	t.evicted = false
	t.err = nil
	t.mu.Unlock()
}

func (t *Task) evict() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isOutput || !t.computed {
		return false
	}
	t.output = nil
	t.computed = false
	t.evicted = true
	return true
}

func (t *Task) setStatus(status Status) {
	t.mu.Lock()
	t.status = status
	if status == StatusNotScheduled {
		t.evicted = false
	}
	t.mu.Unlock()
}

func (t *Task) setFailed(err error) {
	t.mu.Lock()
	t.status = StatusFailed
	t.err = err
	t.mu.Unlock()
}

// markOutput sets the tag; declare counts one more workflow declaring t.
func (t *Task) markOutput(tag string, declare bool) {
	t.mu.Lock()
	if declare {
		t.outRefs++
	}
	t.isOutput = true
	t.outTag = tag
	t.mu.Unlock()
}

// unmarkOutput drops one declaration. The task stays an output while another
// workflow still declares it.
func (t *Task) unmarkOutput() {
	t.mu.Lock()
	if t.outRefs > 0 {
		t.outRefs--
	}
	if t.outRefs == 0 {
		t.isOutput = false
		t.outTag = ""
	}
	t.mu.Unlock()
}

// Unary adapts a single-argument function into a TaskFunc.
func Unary[A, R any](fn func(context.Context, A) (R, error)) TaskFunc {
	return func(ctx context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("mflow: expected 1 argument, got %d", len(args))
		}
		a, ok := args[0].(A)
		if !ok {
			return nil, fmt.Errorf("mflow: argument 0 has type %T", args[0])
		}
		return fn(ctx, a)
	}
}

// Binary adapts a two-argument function into a TaskFunc.
func Binary[A, B, R any](fn func(context.Context, A, B) (R, error)) TaskFunc {
	return func(ctx context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("mflow: expected 2 arguments, got %d", len(args))
		}
		a, ok := args[0].(A)
		if !ok {
			return nil, fmt.Errorf("mflow: argument 0 has type %T", args[0])
		}
		b, ok := args[1].(B)
		if !ok {
			return nil, fmt.Errorf("mflow: argument 1 has type %T", args[1])
		}
		return fn(ctx, a, b)
	}
}
