package procpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Func is the function signature workers can invoke.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Lookup resolves a function name to its implementation.
type Lookup func(name string) (Func, bool)

const maxLine = 64 << 20

// Serve reads requests from r and writes one response line per request to w
// until r reaches EOF or ctx is cancelled.
func Serve(ctx context.Context, lookup Lookup, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("procpool: decode request: %w", err)
		}

		resp := execute(ctx, lookup, req)
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("procpool: encode response: %w", err)
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func execute(ctx context.Context, lookup Lookup, req Request) response {
	results := make([]any, len(req.Steps))
	for i, step := range req.Steps {
		step := step
		fail := func(err error) response {
			return response{ID: req.ID, Error: err.Error(), Task: step.Task}
		}

		fn, ok := lookup(step.Func)
		if !ok {
			return fail(fmt.Errorf("%w: %s", ErrUnknownFunc, step.Func))
		}

		args := make([]any, len(step.Args))
		for j, arg := range step.Args {
			v, err := resolve(arg, results, i)
			if err != nil {
				return fail(err)
			}
			args[j] = v
		}
		kwargs := make(map[string]any, len(step.Kwargs))
		for key, arg := range step.Kwargs {
			v, err := resolve(arg, results, i)
			if err != nil {
				return fail(err)
			}
			kwargs[key] = v
		}

		value, err := call(ctx, fn, args, kwargs)
		if err != nil {
			return fail(err)
		}
		results[i] = value
	}

	if len(results) == 0 {
		return response{ID: req.ID, Value: json.RawMessage("null")}
	}
	raw, err := json.Marshal(results[len(results)-1])
	if err != nil {
		return response{ID: req.ID, Error: fmt.Sprintf("encode result: %v", err), Task: req.Steps[len(req.Steps)-1].Task}
	}
	resp := response{ID: req.ID, Value: raw}
	for _, idx := range req.Keep {
		if idx < 0 || idx >= len(results) {
			return response{ID: req.ID, Error: fmt.Sprintf("keep index %d out of range", idx)}
		}
		kept, err := json.Marshal(results[idx])
		if err != nil {
			return response{ID: req.ID, Error: fmt.Sprintf("encode result: %v", err), Task: req.Steps[idx].Task}
		}
		resp.Kept = append(resp.Kept, kept)
	}
	return resp
}

func resolve(arg Arg, results []any, current int) (any, error) {
	if arg.Step != nil {
		if *arg.Step < 0 || *arg.Step >= current {
			return nil, fmt.Errorf("procpool: step reference %d out of range", *arg.Step)
		}
		return results[*arg.Step], nil
	}
	v, err := Decode(arg.Value)
	if err != nil {
		return nil, fmt.Errorf("procpool: decode argument: %w", err)
	}
	return v, nil
}

func call(ctx context.Context, fn Func, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return fn(ctx, args, kwargs)
}
