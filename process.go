package mflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bpradana/mflow/internal/procpool"
)

// processRunner ships nodes to worker processes. Every node becomes one
// request whose steps are the node's tasks; values computed outside the node
// travel as literals.
type processRunner struct {
	pool *procpool.Pool
}

func (st *runState) startProcessRunner() (runner, error) {
	path := st.opts.workerPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		path = exe
	}
	env := append([]string{WorkerEnvVar + "=1"}, st.opts.workerEnv...)

	p, err := procpool.Start(procpool.Config{
		Path:   path,
		Args:   st.opts.workerArgs,
		Env:    env,
		Size:   st.opts.poolSize(),
		Logger: st.logger,
	})
	if err != nil {
		return nil, err
	}
	return &processRunner{pool: p}, nil
}

func (r *processRunner) submit(ctx context.Context, n *node, events chan<- event) {
	go func() {
		if !n.claim() {
			return
		}
		steps, keep, err := buildSteps(n.tasks)
		if err != nil {
			events <- event{kind: eventFinished, node: n.index, at: now(), result: outcome{task: n.head().name, err: err}}
			return
		}

		started := false
		reply, err := r.pool.Do(ctx, steps, keep, func() {
			started = true
			events <- event{kind: eventStarted, node: n.index, at: now()}
		})
		res := outcome{}
		var remote *procpool.RemoteError
		switch {
		case !started && err != nil:
			res.skipped, res.err = true, err
			res.fatal = ctx.Err() == nil || !errors.Is(err, ctx.Err())
		case err == nil:
			res.value, res.hasValue = reply.Value, true
			if len(keep) > 0 {
				res.kept = make(map[int]any, len(keep))
				for i, idx := range keep {
					res.kept[idx] = reply.Kept[i]
				}
			}
		case errors.As(err, &remote):
			res.task, res.err = remote.Task, errors.New(remote.Message)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			res.task, res.err = n.head().name, err
		default:
			res.task, res.err, res.fatal = n.head().name, err, true
		}
		events <- event{kind: eventFinished, node: n.index, at: now(), result: res}
	}()
}

func (r *processRunner) close() error {
	return r.pool.Close()
}

// buildSteps encodes a chain as worker steps. Arguments referring to the
// previous task of the chain become step references; all other references
// are resolved here and sent by value. keep lists the chain-internal steps
// whose values are declared outputs.
func buildSteps(chain []*Task) ([]procpool.Step, []int, error) {
	steps := make([]procpool.Step, len(chain))
	var keep []int
	for i, t := range chain {
		if t.funcName == "" {
			return nil, nil, fmt.Errorf("%w: %s has no registered function", ErrNotPortable, t.name)
		}
		step := procpool.Step{
			Task: t.name,
			Func: t.funcName,
			Args: make([]procpool.Arg, len(t.args)),
		}
		for j, arg := range t.args {
			wire, err := stepArg(arg, chain, i)
			if err != nil {
				return nil, nil, fmt.Errorf("%s argument %d: %w", t.name, j, err)
			}
			step.Args[j] = wire
		}
		if len(t.kwargs) > 0 {
			step.Kwargs = make(map[string]procpool.Arg, len(t.kwargs))
			for key, arg := range t.kwargs {
				wire, err := stepArg(arg, chain, i)
				if err != nil {
					return nil, nil, fmt.Errorf("%s keyword %s: %w", t.name, key, err)
				}
				step.Kwargs[key] = wire
			}
		}
		steps[i] = step
		if i < len(chain)-1 && t.IsOutput() {
			keep = append(keep, i)
		}
	}
	return steps, keep, nil
}

func stepArg(arg Arg, chain []*Task, i int) (procpool.Arg, error) {
	if arg.ref == nil {
		wire, err := procpool.Literal(arg.value)
		if err != nil {
			return procpool.Arg{}, fmt.Errorf("%w: %v", ErrNotPortable, err)
		}
		return wire, nil
	}
	if i > 0 && arg.ref == chain[i-1] {
		return procpool.StepRef(i - 1), nil
	}
	value, ok := arg.ref.Output()
	if !ok {
		return procpool.Arg{}, fmt.Errorf("%w: needs %s", ErrDependencyNotReady, arg.ref.name)
	}
	wire, err := procpool.Literal(value)
	if err != nil {
		return procpool.Arg{}, fmt.Errorf("%w: %v", ErrNotPortable, err)
	}
	return wire, nil
}
