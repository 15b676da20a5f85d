// Package builtin provides the functions available to workflow definition
// files and worker processes without any user code.
//
// Numeric functions accept any Go integer or float type as well as
// json.Number. Results are int64 whenever they are integral and float64
// otherwise, so values compare equal whether they were computed in-process
// or decoded from a worker reply.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Func matches the task function signature.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// ErrArgs indicates a function was called with unusable arguments.
var ErrArgs = errors.New("builtin: bad arguments")

var funcs = map[string]Func{
	"const":    constant,
	"identity": identity,
	"add":      binary(func(a, b float64) (float64, error) { return a + b, nil }),
	"sub":      binary(func(a, b float64) (float64, error) { return a - b, nil }),
	"mul":      binary(func(a, b float64) (float64, error) { return a * b, nil }),
	"div":      binary(divide),
	"sum":      sum,
	"concat":   concat,
	"upper":    upper,
	"sleep":    sleep,
	"fail":     fail,
	"merge":    merge,
	"pick":     pick,
}

// All returns every builtin keyed by name.
func All() map[string]Func {
	out := make(map[string]Func, len(funcs))
	for name, fn := range funcs {
		out[name] = fn
	}
	return out
}

// Names returns the builtin names in sorted order.
func Names() []string {
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the builtin registered under name.
func Lookup(name string) (Func, bool) {
	fn, ok := funcs[name]
	return fn, ok
}

// constant returns args[0], or kwargs["value"] when no positional argument
// is given.
func constant(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) > 0 {
		return normalize(args[0]), nil
	}
	if v, ok := kwargs["value"]; ok {
		return normalize(v), nil
	}
	return nil, fmt.Errorf("%w: const needs a value", ErrArgs)
}

func identity(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: identity takes 1 argument, got %d", ErrArgs, len(args))
	}
	return normalize(args[0]), nil
}

func binary(op func(a, b float64) (float64, error)) Func {
	return func(_ context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: expected 2 arguments, got %d", ErrArgs, len(args))
		}
		a, err := Number(args[0])
		if err != nil {
			return nil, err
		}
		b, err := Number(args[1])
		if err != nil {
			return nil, err
		}
		out, err := op(a, b)
		if err != nil {
			return nil, err
		}
		return fromFloat(out), nil
	}
}

func divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("builtin: division by zero")
	}
	return a / b, nil
}

// sum adds every argument. A single list argument is summed element-wise.
func sum(_ context.Context, args []any, _ map[string]any) (any, error) {
	items := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			items = list
		}
	}
	total := 0.0
	for _, item := range items {
		n, err := Number(item)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return fromFloat(total), nil
}

// concat joins the string forms of its arguments with kwargs["sep"].
func concat(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	sep := ""
	if v, ok := kwargs["sep"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: sep must be a string", ErrArgs)
		}
		sep = s
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprint(normalize(arg))
	}
	return strings.Join(parts, sep), nil
}

func upper(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: upper takes 1 argument, got %d", ErrArgs, len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: upper needs a string, got %T", ErrArgs, args[0])
	}
	return strings.ToUpper(s), nil
}

// sleep waits kwargs["ms"] milliseconds and passes its first argument
// through.
func sleep(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	ms := 0.0
	if v, ok := kwargs["ms"]; ok {
		n, err := Number(v)
		if err != nil {
			return nil, err
		}
		ms = n
	}
	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	if len(args) == 0 {
		return nil, nil
	}
	return normalize(args[0]), nil
}

func fail(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	msg := "failed"
	if v, ok := kwargs["message"]; ok {
		msg = fmt.Sprint(v)
	} else if len(args) > 0 {
		msg = fmt.Sprint(args[0])
	}
	return nil, errors.New(msg)
}

// merge combines map arguments; later keys win.
func merge(_ context.Context, args []any, _ map[string]any) (any, error) {
	out := make(map[string]any)
	for i, arg := range args {
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: merge argument %d is %T, not a map", ErrArgs, i, arg)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

// pick returns one entry of a map: pick(m, key) or pick(m, key=...).
func pick(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: pick needs a map", ErrArgs)
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: pick needs a map, got %T", ErrArgs, args[0])
	}
	var key any
	switch {
	case len(args) > 1:
		key = args[1]
	case kwargs["key"] != nil:
		key = kwargs["key"]
	default:
		return nil, fmt.Errorf("%w: pick needs a key", ErrArgs)
	}
	k, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("%w: key must be a string, got %T", ErrArgs, key)
	}
	v, ok := m[k]
	if !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrArgs, k)
	}
	return v, nil
}

// Number converts a numeric value to float64.
func Number(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("%w: %v (%T) is not a number", ErrArgs, v, v)
	}
}

func fromFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func normalize(v any) any {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		f, err := Number(n)
		if err != nil {
			return v
		}
		return fromFloat(f)
	default:
		return v
	}
}
