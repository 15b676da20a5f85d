package mflow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewTaskValidation(t *testing.T) {
	if _, err := NewTask("nil", nil); !errors.Is(err, ErrNilRun) {
		t.Fatalf("expected ErrNilRun, got %v", err)
	}

	noop := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return nil, nil }
	if _, err := NewTask("", noop); !errors.Is(err, ErrEmptyTaskName) {
		t.Fatalf("expected ErrEmptyTaskName, got %v", err)
	}
	if _, err := NewTask("bad-arg", noop, Args(Ref(nil))); !errors.Is(err, ErrNilRef) {
		t.Fatalf("expected ErrNilRef for positional, got %v", err)
	}
	if _, err := NewTask("bad-kwarg", noop, Kwarg("x", Ref(nil))); !errors.Is(err, ErrNilRef) {
		t.Fatalf("expected ErrNilRef for keyword, got %v", err)
	}
}

func TestTaskParentsAreDeduplicated(t *testing.T) {
	reg := testRegistry()
	a := mustTask(t, reg, "a", "const", Args(Value(2)))
	b := mustTask(t, reg, "b", "const", Args(Value(3)))
	c := mustTask(t, reg, "c", "sum", Args(Ref(a), Ref(b), Ref(a)), Kwarg("unused", Ref(b)))

	parents := c.Parents()
	if len(parents) != 2 || parents[0] != a || parents[1] != b {
		t.Fatalf("unexpected parents: %v", parents)
	}
	if a.ID() >= b.ID() || b.ID() >= c.ID() {
		t.Fatalf("expected increasing ids, got %d %d %d", a.ID(), b.ID(), c.ID())
	}
	if c.FuncName() != "sum" {
		t.Fatalf("expected func name sum, got %q", c.FuncName())
	}
	if !c.Args()[0].IsRef() || c.Args()[0].Task() != a {
		t.Fatalf("expected first slot to reference a")
	}
	if c.Kwargs()["unused"].Task() != b {
		t.Fatalf("expected keyword slot to reference b")
	}
}

func TestTaskRunMemoizes(t *testing.T) {
	calls := 0
	task, err := NewTask("count", counter(&calls, "v"))
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	for i := 0; i < 3; i++ {
		value, err := task.Run(context.Background(), false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if value != "v" {
			t.Fatalf("expected v, got %v", value)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}

	if _, err := task.Run(context.Background(), true); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected forced run to call again, got %d", calls)
	}
}

func TestTaskResolvesParentOutputs(t *testing.T) {
	reg := testRegistry()
	a := mustTask(t, reg, "a", "const", Args(Value(5)))
	b := mustTask(t, reg, "b", "concat", Args(Ref(a), Value("x")), Kwarg("sep", Value("-")))

	if _, err := b.Run(context.Background(), false); !errors.Is(err, ErrDependencyNotReady) {
		t.Fatalf("expected ErrDependencyNotReady, got %v", err)
	}
	if _, ok := b.Output(); ok {
		t.Fatal("expected no output after failed resolution")
	}

	if _, err := a.Run(context.Background(), false); err != nil {
		t.Fatalf("run a: %v", err)
	}
	value, err := b.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	if value != "5-x" {
		t.Fatalf("expected 5-x, got %v", value)
	}
}

func TestTaskErrorIsRecorded(t *testing.T) {
	reg := testRegistry()
	task := mustTask(t, reg, "boom", "fail", Kwarg("message", Value("nope")))

	_, err := task.Run(context.Background(), false)
	if err == nil || err.Error() != "nope" {
		t.Fatalf("expected nope, got %v", err)
	}
	if task.Err() == nil {
		t.Fatal("expected task to remember its error")
	}
	if _, ok := task.Output(); ok {
		t.Fatal("expected failed task to hold no output")
	}
}

func TestTaskPanicIsCaptured(t *testing.T) {
	task, err := NewTask("panic", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	_, err = task.Run(context.Background(), false)
	var panicErr TaskPanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected TaskPanicError, got %T (%v)", err, err)
	}
	if panicErr.Task != "panic" || panicErr.Value != "kaboom" {
		t.Fatalf("unexpected panic error: %+v", panicErr)
	}
}

func TestEvictKeepsOutputs(t *testing.T) {
	reg := testRegistry()
	task := mustTask(t, reg, "a", "const", Args(Value(1)))
	if _, err := task.Run(context.Background(), false); err != nil {
		t.Fatalf("run: %v", err)
	}

	task.markOutput("a", true)
	if task.evict() {
		t.Fatal("expected declared output to survive eviction")
	}
	task.unmarkOutput()
	if !task.evict() {
		t.Fatal("expected eviction of computed intermediate")
	}
	if _, ok := task.Output(); ok || !task.Evicted() {
		t.Fatal("expected evicted task to hold no output")
	}
	if task.evict() {
		t.Fatal("expected second eviction to be a no-op")
	}
}

func TestUnaryAndBinaryAdapters(t *testing.T) {
	length := Unary(func(ctx context.Context, s string) (int, error) { return len(s), nil })
	value, err := length(context.Background(), []any{"four"}, nil)
	if err != nil || value != 4 {
		t.Fatalf("expected 4, got %v (%v)", value, err)
	}
	if _, err := length(context.Background(), []any{4}, nil); err == nil || !strings.Contains(err.Error(), "argument 0") {
		t.Fatalf("expected type error, got %v", err)
	}
	if _, err := length(context.Background(), nil, nil); err == nil {
		t.Fatal("expected arity error")
	}

	repeat := Binary(func(ctx context.Context, s string, n int) (string, error) { return strings.Repeat(s, n), nil })
	value, err = repeat(context.Background(), []any{"ab", 2}, nil)
	if err != nil || value != "abab" {
		t.Fatalf("expected abab, got %v (%v)", value, err)
	}
	if _, err := repeat(context.Background(), []any{"ab", "2"}, nil); err == nil || !strings.Contains(err.Error(), "argument 1") {
		t.Fatalf("expected type error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return "mine", nil }

	if err := reg.Register("const", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("const", noop); !errors.Is(err, ErrFuncExists) {
		t.Fatalf("expected ErrFuncExists, got %v", err)
	}
	if err := reg.Register("", noop); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if err := reg.Register("nil", nil); !errors.Is(err, ErrNilRun) {
		t.Fatalf("expected ErrNilRun, got %v", err)
	}

	reg.RegisterBuiltins()
	task, err := reg.NewTask("c", "const", Args(Value(1)))
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	value, err := task.Run(context.Background(), false)
	if err != nil || value != "mine" {
		t.Fatalf("expected builtins not to replace registered const, got %v (%v)", value, err)
	}

	if _, err := reg.NewTask("x", "missing"); !errors.Is(err, ErrUnknownFunc) {
		t.Fatalf("expected ErrUnknownFunc, got %v", err)
	}
	if _, ok := reg.Lookup("concat"); !ok {
		t.Fatal("expected concat builtin")
	}
	names := reg.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected sorted names, got %v", names)
		}
	}
}
