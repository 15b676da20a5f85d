// Package procpool runs task functions in child worker processes. The
// coordinator and the workers exchange one JSON document per line over the
// workers' stdin and stdout.
package procpool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrWorkerFailed indicates a worker process died or broke the protocol.
	ErrWorkerFailed = errors.New("procpool: worker process failed")
	// ErrClosed indicates the pool was used after Close.
	ErrClosed = errors.New("procpool: pool closed")
	// ErrUnknownFunc indicates a step named a function the worker does not know.
	ErrUnknownFunc = errors.New("procpool: unknown function")
)

// Arg is a wire argument: either an encoded literal or a reference to the
// result of an earlier step of the same request.
type Arg struct {
	Value json.RawMessage `json:"value,omitempty"`
	Step  *int            `json:"step,omitempty"`
}

// Step is one function invocation inside a request.
type Step struct {
	Task   string         `json:"task"`
	Func   string         `json:"func"`
	Args   []Arg          `json:"args"`
	Kwargs map[string]Arg `json:"kwargs,omitempty"`
}

// Request is a chain of steps executed in order by one worker. The reply
// carries the result of the last step plus the results of the steps listed
// in Keep.
type Request struct {
	ID    uint64 `json:"id"`
	Steps []Step `json:"steps"`
	Keep  []int  `json:"keep,omitempty"`
}

type response struct {
	ID    uint64            `json:"id"`
	Value json.RawMessage   `json:"value,omitempty"`
	Kept  []json.RawMessage `json:"kept,omitempty"`
	Error string            `json:"error,omitempty"`
	Task  string            `json:"task,omitempty"`
}

// Reply is the decoded result of a request.
type Reply struct {
	Value any
	// Kept holds the results of the requested intermediate steps, in the
	// order of Request.Keep.
	Kept []any
}

// RemoteError is a task function failure reported by a worker.
type RemoteError struct {
	Task    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Task == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Task, e.Message)
}

// Literal encodes v as a literal wire argument.
func Literal(v any) (Arg, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Arg{}, err
	}
	return Arg{Value: raw}, nil
}

// StepRef builds a wire argument referring to the result of step i.
func StepRef(i int) Arg {
	return Arg{Step: &i}
}

// Decode parses raw JSON keeping integral numbers as int64.
func Decode(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize converts json.Number values to int64 when integral and to
// float64 otherwise, descending into maps and slices.
func Normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, item := range val {
			val[k] = Normalize(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = Normalize(item)
		}
		return val
	default:
		return v
	}
}
