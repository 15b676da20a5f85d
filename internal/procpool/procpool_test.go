package procpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerEnv = "PROCPOOL_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := Serve(context.Background(), testLookup, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var testFuncs = map[string]Func{
	"echo": func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0], nil
	},
	"inc": func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		n, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("inc: %T", args[0])
		}
		step := int64(1)
		if v, ok := kwargs["by"].(int64); ok {
			step = v
		}
		return n + step, nil
	},
	"fail": func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("broken")
	},
	"panic": func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		panic("kaboom")
	},
	"exit": func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		os.Exit(3)
		return nil, nil
	},
}

func testLookup(name string) (Func, bool) {
	fn, ok := testFuncs[name]
	return fn, ok
}

func literal(t *testing.T, v any) Arg {
	t.Helper()
	arg, err := Literal(v)
	require.NoError(t, err)
	return arg
}

func serveOne(t *testing.T, req Request) map[string]any {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testLookup, bytes.NewReader(append(data, '\n')), &out))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func TestServeChainsSteps(t *testing.T) {
	resp := serveOne(t, Request{
		ID: 7,
		Steps: []Step{
			{Task: "a", Func: "echo", Args: []Arg{literal(t, 1)}},
			{Task: "b", Func: "inc", Args: []Arg{StepRef(0)}, Kwargs: map[string]Arg{"by": literal(t, 10)}},
			{Task: "c", Func: "inc", Args: []Arg{StepRef(1)}},
		},
		Keep: []int{0, 1},
	})

	assert.Equal(t, float64(7), resp["id"])
	assert.Equal(t, float64(12), resp["value"])
	assert.Equal(t, []any{float64(1), float64(11)}, resp["kept"])
	assert.NotContains(t, resp, "error")
}

func TestServeReportsFailingStep(t *testing.T) {
	resp := serveOne(t, Request{
		ID: 1,
		Steps: []Step{
			{Task: "a", Func: "echo", Args: []Arg{literal(t, "x")}},
			{Task: "b", Func: "fail", Args: []Arg{StepRef(0)}},
		},
	})
	assert.Equal(t, "broken", resp["error"])
	assert.Equal(t, "b", resp["task"])

	resp = serveOne(t, Request{ID: 2, Steps: []Step{{Task: "p", Func: "panic"}}})
	assert.Equal(t, "panic: kaboom", resp["error"])

	resp = serveOne(t, Request{ID: 3, Steps: []Step{{Task: "u", Func: "nope"}}})
	assert.Contains(t, resp["error"], "unknown function")
	assert.Equal(t, "u", resp["task"])
}

func TestServeRejectsForwardStepReference(t *testing.T) {
	resp := serveOne(t, Request{
		ID:    1,
		Steps: []Step{{Task: "a", Func: "echo", Args: []Arg{StepRef(0)}}},
	})
	assert.Contains(t, resp["error"], "out of range")
}

func TestServeRejectsMalformedRequest(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), testLookup, strings.NewReader("{not json\n"), &out)
	require.Error(t, err)
	assert.Zero(t, out.Len())
}

func TestDecodeKeepsIntegers(t *testing.T) {
	v, err := Decode([]byte(`{"n": 3, "f": 1.5, "list": [1, 2.5, "x"], "nested": {"big": 9007199254740993}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":      int64(3),
		"f":      1.5,
		"list":   []any{int64(1), 2.5, "x"},
		"nested": map[string]any{"big": int64(9007199254740993)},
	}, v)

	v, err = Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func startPool(t *testing.T, size int) *Pool {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	p, err := Start(Config{Path: exe, Env: []string{workerEnv + "=1"}, Size: size, Grace: time.Second})
	require.NoError(t, err)
	return p
}

func TestPoolDo(t *testing.T) {
	p := startPool(t, 2)
	defer p.Close()
	assert.Equal(t, 2, p.Size())

	started := 0
	reply, err := p.Do(context.Background(), []Step{
		{Task: "a", Func: "echo", Args: []Arg{literal(t, 41)}},
		{Task: "b", Func: "inc", Args: []Arg{StepRef(0)}},
	}, []int{0}, func() { started++ })
	require.NoError(t, err)
	assert.Equal(t, int64(42), reply.Value)
	assert.Equal(t, []any{int64(41)}, reply.Kept)
	assert.Equal(t, 1, started)

	_, err = p.Do(context.Background(), []Step{{Task: "x", Func: "fail"}}, nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "x", remote.Task)
	assert.Equal(t, "broken", remote.Message)
	assert.Equal(t, "x: broken", remote.Error())

	// the worker survives function failures
	reply, err = p.Do(context.Background(), []Step{{Task: "y", Func: "echo", Args: []Arg{literal(t, "ok")}}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Value)
}

func TestPoolReportsDeadWorker(t *testing.T) {
	p := startPool(t, 1)
	defer p.Close()

	_, err := p.Do(context.Background(), []Step{{Task: "bye", Func: "exit"}}, nil, nil)
	require.ErrorIs(t, err, ErrWorkerFailed)
	var remote *RemoteError
	assert.False(t, errors.As(err, &remote))
}

func TestPoolClosed(t *testing.T) {
	p := startPool(t, 1)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Do(context.Background(), []Step{{Task: "a", Func: "echo", Args: []Arg{literal(t, 1)}}}, nil, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPoolDoHonoursContext(t *testing.T) {
	p := startPool(t, 1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Do(ctx, []Step{{Task: "a", Func: "echo", Args: []Arg{literal(t, 1)}}}, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStartRejectsBadCommand(t *testing.T) {
	_, err := Start(Config{Path: ""})
	require.ErrorIs(t, err, ErrWorkerFailed)

	_, err = Start(Config{Path: "/nonexistent/worker", Size: 2})
	require.ErrorIs(t, err, ErrWorkerFailed)
}
