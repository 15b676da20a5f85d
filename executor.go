package mflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-kit/log"
)

// now is overridden in tests to provide deterministic timings.
var now = time.Now

// WorkerEnvVar is set to "1" in the environment of worker processes started
// by the process backends.
const WorkerEnvVar = "MFLOW_WORKER"

// IsWorkerProcess reports whether the current process was started as a
// process-backend worker.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnvVar) == "1"
}

// Backend names a scheduling backend.
type Backend string

const (
	Sequential          Backend = "sequential"
	ThreadedParallel    Backend = "threaded-parallel"
	ProcessParallel     Backend = "process-parallel"
	PipelinedSequential Backend = "pipelined-sequential"
	ThreadedPipelined   Backend = "threaded-pipelined"
	ProcessPipelined    Backend = "process-pipelined"
)

var (
	// ErrUnknownBackend indicates an unrecognised backend name.
	ErrUnknownBackend = errors.New("mflow: unknown backend")
	// ErrNotPortable indicates a task cannot be shipped to a worker process.
	ErrNotPortable = errors.New("mflow: task cannot run in a worker process")
	// ErrWorkerPool indicates the worker pool failed; the run is aborted.
	ErrWorkerPool = errors.New("mflow: worker pool failure")
)

var backendAliases = map[string]Backend{
	"multithread":           ThreadedParallel,
	"multiprocess":          ProcessParallel,
	"pipeline":              PipelinedSequential,
	"multithread_pipeline":  ThreadedPipelined,
	"multiprocess_pipeline": ProcessPipelined,
}

// Backends lists the canonical backend names.
func Backends() []Backend {
	return []Backend{Sequential, ThreadedParallel, ProcessParallel, PipelinedSequential, ThreadedPipelined, ProcessPipelined}
}

// ParseBackend resolves a backend name. The short names used by earlier
// releases ("multithread", "pipeline", ...) are accepted as aliases.
func ParseBackend(name string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, b := range Backends() {
		if string(b) == key {
			return b, nil
		}
	}
	if b, ok := backendAliases[key]; ok {
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

// Pipelined reports whether the backend schedules fused pipeline units.
func (b Backend) Pipelined() bool {
	return b == PipelinedSequential || b == ThreadedPipelined || b == ProcessPipelined
}

// Parallel reports whether the backend uses a worker pool.
func (b Backend) Parallel() bool {
	return b != Sequential && b != PipelinedSequential
}

// Process reports whether the backend runs functions in worker processes.
func (b Backend) Process() bool {
	return b == ProcessParallel || b == ProcessPipelined
}

func (b Backend) valid() bool {
	for _, known := range Backends() {
		if b == known {
			return true
		}
	}
	return false
}

// ErrorStrategy controls how the scheduler handles task failures.
type ErrorStrategy int

const (
	// FailFast stops scheduling and cancels in-flight work after the first failure.
	FailFast ErrorStrategy = iota
	// ContinueOnError keeps running branches that do not depend on a failed node.
	ContinueOnError
)

// ParseErrorStrategy resolves "fail-fast" or "continue".
func ParseErrorStrategy(name string) (ErrorStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "continue", "continue-on-error":
		return ContinueOnError, nil
	default:
		return FailFast, fmt.Errorf("mflow: unknown error strategy %q", name)
	}
}

func (s ErrorStrategy) String() string {
	if s == ContinueOnError {
		return "continue"
	}
	return "fail-fast"
}

// RunOption configures a workflow run.
type RunOption func(*runOptions)

type runOptions struct {
	backend     Backend
	workers     int
	fromScratch bool
	renderer    Renderer
	strategy    ErrorStrategy
	hooks       Hooks
	dispatcher  Dispatcher
	logger      log.Logger
	metrics     *Metrics
	poll        time.Duration
	workerPath  string
	workerArgs  []string
	workerEnv   []string
}

func (o runOptions) poolSize() int {
	if o.workers > 0 {
		return o.workers
	}
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

func defaultRunOptions() runOptions {
	return runOptions{
		backend:  Sequential,
		strategy: FailFast,
		logger:   log.NewNopLogger(),
		poll:     100 * time.Millisecond,
	}
}

// WithBackend selects the scheduling backend.
func WithBackend(b Backend) RunOption {
	return func(opts *runOptions) {
		opts.backend = b
	}
}

// WithWorkers sets the pool size of the parallel backends. Zero or a
// negative value selects GOMAXPROCS.
func WithWorkers(n int) RunOption {
	return func(opts *runOptions) {
		opts.workers = n
	}
}

// FromScratch ignores cached outputs and recomputes every task.
func FromScratch(enabled bool) RunOption {
	return func(opts *runOptions) {
		opts.fromScratch = enabled
	}
}

// WithMonitor suppresses progress logging and renders the graph after every
// mutation instead.
func WithMonitor(r Renderer) RunOption {
	return func(opts *runOptions) {
		opts.renderer = r
	}
}

// WithErrorStrategy configures how the scheduler reacts to task failures.
func WithErrorStrategy(strategy ErrorStrategy) RunOption {
	return func(opts *runOptions) {
		opts.strategy = strategy
	}
}

// WithHooks registers lifecycle hooks for the run.
func WithHooks(h Hooks) RunOption {
	return func(opts *runOptions) {
		opts.hooks = opts.hooks.Merge(h)
	}
}

// WithDispatcher supplies the goroutine pool used by the threaded backends.
// The caller owns the dispatcher: the scheduler never stops it, so it can
// serve several runs. A run whose submission is rejected fails with
// ErrWorkerPool.
func WithDispatcher(dispatcher Dispatcher) RunOption {
	return func(opts *runOptions) {
		if dispatcher != nil {
			opts.dispatcher = dispatcher
		}
	}
}

// WithLogger sets the logger used for progress and failures.
func WithLogger(logger log.Logger) RunOption {
	return func(opts *runOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMetrics records run activity into m.
func WithMetrics(m *Metrics) RunOption {
	return func(opts *runOptions) {
		opts.metrics = m
	}
}

// WithPollInterval bounds how long the coordinator waits for a completion
// before it wakes up again.
func WithPollInterval(d time.Duration) RunOption {
	return func(opts *runOptions) {
		if d > 0 {
			opts.poll = d
		}
	}
}

// WithWorkerCommand sets the program started for every worker process.
// By default the current executable is re-run with WorkerEnvVar set.
func WithWorkerCommand(path string, args ...string) RunOption {
	return func(opts *runOptions) {
		opts.workerPath = path
		opts.workerArgs = append([]string(nil), args...)
	}
}

// WithWorkerEnv appends environment entries for worker processes.
func WithWorkerEnv(env ...string) RunOption {
	return func(opts *runOptions) {
		opts.workerEnv = append(opts.workerEnv, env...)
	}
}

// Execution encapsulates an in-flight or completed workflow run.
type Execution struct {
	cancel  context.CancelFunc
	done    chan struct{}
	results *Results
	err     error
}

// Done reports when the run has completed.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Await blocks until the run completes and returns its results.
func (e *Execution) Await() (*Results, error) {
	<-e.done
	return e.results, e.err
}

// Cancel requests cancellation of the run. In-flight functions observe the
// cancelled context; nothing new is scheduled.
func (e *Execution) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Run executes the workflow and blocks until it finishes. On failure the
// error is a *TaskError naming the first failing task and the returned
// Results hold whatever outputs were computed.
func (w *Workflow) Run(ctx context.Context, opts ...RunOption) (*Results, error) {
	return w.Start(ctx, opts...).Await()
}

// Start begins executing the workflow asynchronously. Structural errors
// (unknown backend, cycles, unportable tasks) are reported by Await before
// anything runs.
func (w *Workflow) Start(ctx context.Context, opts ...RunOption) *Execution {
	options := defaultRunOptions()
	for _, opt := range opts {
		opt(&options)
	}

	exec := &Execution{done: make(chan struct{})}
	fail := func(err error) *Execution {
		exec.err = err
		close(exec.done)
		return exec
	}

	if !options.backend.valid() {
		return fail(fmt.Errorf("%w: %q", ErrUnknownBackend, options.backend))
	}
	p, err := w.plan(options.backend.Pipelined())
	if err != nil {
		return fail(err)
	}
	if options.backend.Process() {
		if err := p.checkPortable(); err != nil {
			return fail(err)
		}
	}

	parent, cancel := context.WithCancel(ctx)
	exec.cancel = cancel
	st := newRunState(parent, w, p, options)

	go func() {
		defer close(exec.done)
		defer cancel()
		exec.results, exec.err = st.run()
	}()
	return exec
}
