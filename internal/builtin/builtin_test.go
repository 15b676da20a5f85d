package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(t *testing.T, name string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	fn, ok := Lookup(name)
	require.True(t, ok, "builtin %s missing", name)
	return fn(context.Background(), args, kwargs)
}

func TestArithmeticNormalizesIntegers(t *testing.T) {
	cases := []struct {
		name string
		args []any
		want any
	}{
		{"add", []any{1, 2}, int64(3)},
		{"add", []any{1.5, 1.5}, int64(3)},
		{"add", []any{json.Number("2"), int32(5)}, int64(7)},
		{"sub", []any{10, 4}, int64(6)},
		{"mul", []any{2.5, 2}, int64(5)},
		{"mul", []any{0.5, 0.5}, 0.25},
		{"div", []any{7, 2}, 3.5},
		{"div", []any{8, 2}, int64(4)},
	}
	for _, tc := range cases {
		got, err := call(t, tc.name, tc.args, nil)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, "%s%v", tc.name, tc.args)
	}
}

func TestDivisionByZero(t *testing.T) {
	_, err := call(t, "div", []any{1, 0}, nil)
	require.Error(t, err)
}

func TestArityAndTypeErrors(t *testing.T) {
	_, err := call(t, "add", []any{1}, nil)
	require.ErrorIs(t, err, ErrArgs)

	_, err = call(t, "add", []any{"a", 1}, nil)
	require.ErrorIs(t, err, ErrArgs)

	_, err = call(t, "upper", []any{3}, nil)
	require.ErrorIs(t, err, ErrArgs)
}

func TestSumAcceptsVariadicAndList(t *testing.T) {
	got, err := call(t, "sum", []any{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	got, err = call(t, "sum", []any{[]any{int64(4), 0.5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.5, got)

	got, err = call(t, "sum", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestConstAndIdentity(t *testing.T) {
	got, err := call(t, "const", []any{5}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = call(t, "const", nil, map[string]any{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	_, err = call(t, "const", nil, nil)
	require.ErrorIs(t, err, ErrArgs)

	got, err = call(t, "identity", []any{2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestStrings(t *testing.T) {
	got, err := call(t, "concat", []any{"a", 1, "b"}, map[string]any{"sep": "-"})
	require.NoError(t, err)
	assert.Equal(t, "a-1-b", got)

	got, err = call(t, "upper", []any{"mflow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "MFLOW", got)
}

func TestMapsMergeAndPick(t *testing.T) {
	merged, err := call(t, "merge", []any{
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, merged)

	got, err := call(t, "pick", []any{merged, "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = call(t, "pick", []any{merged}, map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	_, err = call(t, "pick", []any{merged, "zzz"}, nil)
	require.ErrorIs(t, err, ErrArgs)
}

func TestFailUsesMessage(t *testing.T) {
	_, err := call(t, "fail", nil, map[string]any{"message": "boom"})
	require.EqualError(t, err, "boom")

	_, err = call(t, "fail", []any{"bad input"}, nil)
	require.EqualError(t, err, "bad input")
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn, _ := Lookup("sleep")
	start := time.Now()
	_, err := fn(ctx, []any{1}, map[string]any{"ms": 5000})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	got, err := fn(context.Background(), []any{"v"}, map[string]any{"ms": 1})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "add")
	assert.Len(t, All(), len(names))
}
