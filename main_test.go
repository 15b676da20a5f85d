package mflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

// TestMain doubles as the worker program of the process backends: the
// scheduler re-executes the test binary with WorkerEnvVar set.
func TestMain(m *testing.M) {
	if IsWorkerProcess() {
		if err := ServeWorker(context.Background(), testRegistry(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// testRegistry holds the builtins plus a few helpers. Worker processes build
// the same registry, so everything in it can run on the process backends.
func testRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterBuiltins()
	reg.MustRegister("double", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("double takes one argument")
		}
		switch v := args[0].(type) {
		case int64:
			return 2 * v, nil
		case float64:
			return 2 * v, nil
		default:
			return nil, fmt.Errorf("double: unsupported %T", v)
		}
	})
	return reg
}

func mustTask(t *testing.T, reg *Registry, name, fn string, opts ...TaskOption) *Task {
	t.Helper()
	task, err := reg.NewTask(name, fn, opts...)
	if err != nil {
		t.Fatalf("new task %s: %v", name, err)
	}
	return task
}

func mustWorkflow(t *testing.T, outputs map[string]*Task) *Workflow {
	t.Helper()
	w, err := NewWorkflow(outputs)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	return w
}

// counter returns a task function that counts its invocations and passes
// its first argument through, or returns value when it has none.
func counter(calls *int, value any) TaskFunc {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		*calls++
		if len(args) > 0 {
			return args[0], nil
		}
		return value, nil
	}
}
