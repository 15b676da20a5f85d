package mflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bpradana/mflow/internal/ids"
)

// ErrRunInProgress indicates Run was called while the workflow was already running.
var ErrRunInProgress = errors.New("mflow: workflow is already running")

// TaskError reports the first task failure of a run.
type TaskError struct {
	// Task is the name of the failing task.
	Task string
	// Node is the name of the scheduled node; for pipelined backends it
	// names the whole chain.
	Node string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("mflow: task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// node is one schedulable unit: a single task on the fine-grained graph or a
// fused chain on the pipelined graph.
type node struct {
	index int
	name  string
	tasks []*Task
	preds []int
	succs []int

	status  Status
	evicted bool
	blocked bool
	run     bool
	started time.Time

	// ticket arbitrates between the worker about to run a submitted node
	// and the coordinator withdrawing it after an abort.
	ticket atomic.Int32
}

const (
	ticketOpen int32 = iota
	ticketClaimed
	ticketWithdrawn
)

// claim is called by a worker before it touches the node. It fails once the
// coordinator has withdrawn the submission.
func (n *node) claim() bool {
	return n.ticket.CompareAndSwap(ticketOpen, ticketClaimed)
}

func (n *node) withdraw() bool {
	return n.ticket.CompareAndSwap(ticketOpen, ticketWithdrawn)
}

func (n *node) head() *Task { return n.tasks[0] }
func (n *node) tail() *Task { return n.tasks[len(n.tasks)-1] }

func (n *node) info() NodeInfo {
	names := make([]string, len(n.tasks))
	for i, t := range n.tasks {
		names[i] = t.name
	}
	return NodeInfo{Index: n.index, Name: n.name, Tasks: names}
}

func (n *node) holdsOutput() bool {
	for _, t := range n.tasks {
		if t.IsOutput() {
			return true
		}
	}
	return false
}

// satisfied reports whether the node can be skipped: its tail and every
// declared output inside it hold a value.
func (n *node) satisfied() bool {
	if _, ok := n.tail().Output(); !ok {
		return false
	}
	for _, t := range n.tasks {
		if !t.IsOutput() {
			continue
		}
		if _, ok := t.Output(); !ok {
			return false
		}
	}
	return true
}

type plan struct {
	nodes     []*node
	order     []int
	pipelined bool
}

func (w *Workflow) plan(pipelined bool) (*plan, error) {
	if pipelined {
		pg, err := w.Pipeline()
		if err != nil {
			return nil, err
		}
		return planUnits(pg), nil
	}
	a := w.analyze()
	if a.err != nil {
		return nil, a.err
	}
	return planTasks(a), nil
}

func planTasks(a *analysis) *plan {
	p := &plan{
		nodes: make([]*node, len(a.order)),
		order: make([]int, len(a.order)),
	}
	index := make(map[TaskID]int, len(a.order))
	for i, t := range a.order {
		index[t.id] = i
		p.nodes[i] = &node{index: i, name: t.name, tasks: []*Task{t}}
		p.order[i] = i
	}
	for i, t := range a.order {
		for _, parent := range a.preds[t.id] {
			from := index[parent]
			p.nodes[i].preds = append(p.nodes[i].preds, from)
			p.nodes[from].succs = append(p.nodes[from].succs, i)
		}
	}
	return p
}

func planUnits(pg *PipelineGraph) *plan {
	p := &plan{
		nodes:     make([]*node, pg.Len()),
		pipelined: true,
	}
	for _, unit := range pg.units {
		p.nodes[unit.id] = &node{
			index: unit.id,
			name:  unit.Name(),
			tasks: unit.Tasks(),
			preds: pg.Predecessors(unit.id),
			succs: pg.Successors(unit.id),
		}
	}

	remaining := make([]int, len(p.nodes))
	var ready []int
	for i, n := range p.nodes {
		remaining[i] = len(n.preds)
		if remaining[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		sort.Ints(ready)
		id := ready[0]
		ready = ready[1:]
		p.order = append(p.order, id)
		for _, s := range p.nodes[id].succs {
			remaining[s]--
			if remaining[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	return p
}

func (p *plan) checkPortable() error {
	for _, n := range p.nodes {
		for _, t := range n.tasks {
			if t.funcName == "" {
				return fmt.Errorf("%w: %s has no registered function", ErrNotPortable, t.name)
			}
		}
	}
	return nil
}

// outcome is what a worker reports for a finished node. A skipped node never
// started; err says why.
type outcome struct {
	value    any
	hasValue bool
	kept     map[int]any
	task     string
	err      error
	fatal    bool
	skipped  bool
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventFinished
)

type event struct {
	kind   eventKind
	node   int
	at     time.Time
	result outcome
}

// runner executes nodes off the coordinator goroutine and reports back over
// the events channel.
type runner interface {
	submit(ctx context.Context, n *node, events chan<- event)
	close() error
}

// runState is the context of a single run. Everything in it is owned by the
// coordinator goroutine.
type runState struct {
	id       string
	workflow *Workflow
	plan     *plan
	opts     runOptions

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	logger   log.Logger
	progress log.Logger

	metrics  RunMetrics
	running  int
	pending  []int
	ready    []int
	aborted  bool
	firstErr error
	poolErr  error
}

func newRunState(parent context.Context, w *Workflow, p *plan, opts runOptions) *runState {
	ctx, cancel := context.WithCancel(parent)
	id := ids.New()
	logger := log.With(opts.logger, "run", id, "backend", string(opts.backend))
	progress := logger
	if opts.renderer != nil {
		progress = log.NewNopLogger()
	}
	return &runState{
		id:       id,
		workflow: w,
		plan:     p,
		opts:     opts,
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		progress: progress,
	}
}

func (st *runState) run() (*Results, error) {
	defer st.cancel()

	if err := st.workflow.acquire(); err != nil {
		return nil, err
	}
	defer st.workflow.release()

	st.metrics = RunMetrics{StartedAt: now(), NodesTotal: len(st.plan.nodes)}
	level.Debug(st.progress).Log("msg", "workflow started", "nodes", len(st.plan.nodes), "pipelined", st.plan.pipelined)

	st.prepare()
	st.render()

	if st.opts.backend.Parallel() {
		r, err := st.newRunner()
		if err != nil {
			st.poolErr = err
		} else {
			st.runParallel(r)
			if err := r.close(); err != nil {
				level.Warn(st.logger).Log("msg", "worker shutdown", "err", err)
			}
		}
	} else {
		st.runSequential()
	}
	return st.finish()
}

func (st *runState) newRunner() (runner, error) {
	if st.opts.backend.Process() {
		return st.startProcessRunner()
	}
	if st.opts.dispatcher != nil {
		return &threadRunner{dispatcher: st.opts.dispatcher, force: st.opts.fromScratch}, nil
	}
	dispatcher := NewWorkerPoolDispatcher(st.opts.poolSize())
	return &threadRunner{dispatcher: dispatcher, owned: true, force: st.opts.fromScratch}, nil
}

// prepare resets every node and decides which ones have to run. A node runs
// when something needs it (it holds an output, is a sink, or feeds a node
// that runs) and its results are missing or fromScratch is set. Everything
// else is marked done up front.
func (st *runState) prepare() {
	nodes := st.plan.nodes
	order := st.plan.order
	for i := len(order) - 1; i >= 0; i-- {
		n := nodes[order[i]]
		n.status = StatusNotScheduled
		n.evicted = false
		n.blocked = false
		for _, t := range n.tasks {
			t.setStatus(StatusNotScheduled)
		}

		needed := n.holdsOutput() || len(n.succs) == 0
		for _, s := range n.succs {
			if nodes[s].run {
				needed = true
				break
			}
		}
		n.run = needed && (st.opts.fromScratch || !n.satisfied())
	}

	for _, idx := range order {
		if n := nodes[idx]; !n.run {
			st.markCached(n)
		}
	}

	st.pending = make([]int, len(nodes))
	for _, idx := range order {
		n := nodes[idx]
		for _, p := range n.preds {
			if nodes[p].status != StatusDone {
				st.pending[idx]++
			}
		}
		if n.run && st.pending[idx] == 0 {
			st.ready = append(st.ready, idx)
		}
	}
}

func (st *runState) markCached(n *node) {
	_, computed := n.tail().Output()
	n.evicted = !computed
	st.metrics.NodesCached++
	st.opts.metrics.observeNode(st.opts.backend, "cached", 0)
	st.transition(n, StatusDone, true, 0, nil)
}

func (st *runState) runSequential() {
	for _, idx := range st.plan.order {
		n := st.plan.nodes[idx]
		if !n.run || n.blocked || n.status != StatusNotScheduled {
			continue
		}
		if st.aborted {
			break
		}
		if err := st.parent.Err(); err != nil {
			st.interrupt(err)
			break
		}

		st.transition(n, StatusScheduled, false, 0, nil)
		st.markRunning(n, now())
		task, err := runChain(st.ctx, n.tasks, st.opts.fromScratch)
		st.complete(n, outcome{task: task, err: err})
	}
}

func (st *runState) runParallel(r runner) {
	nodes := st.plan.nodes
	events := make(chan event, 2*len(nodes))
	inflight := 0
	interrupted := st.parent.Done()

	timer := time.NewTimer(st.opts.poll)
	defer timer.Stop()

	for {
		for !st.aborted && len(st.ready) > 0 {
			n := nodes[st.ready[0]]
			st.ready = st.ready[1:]
			if n.blocked || n.status != StatusNotScheduled {
				continue
			}
			st.transition(n, StatusScheduled, false, 0, nil)
			inflight++
			n.ticket.Store(ticketOpen)
			r.submit(st.ctx, n, events)
		}
		if st.aborted {
			inflight -= st.withdraw()
		}
		if inflight == 0 {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(st.opts.poll)

		select {
		case ev := <-events:
			n := nodes[ev.node]
			switch ev.kind {
			case eventStarted:
				if n.status == StatusScheduled {
					st.markRunning(n, ev.at)
				}
			case eventFinished:
				inflight--
				st.complete(n, ev.result)
			}
		case <-timer.C:
			level.Debug(st.progress).Log("msg", "waiting", "inflight", inflight, "running", st.running)
		case <-interrupted:
			interrupted = nil
			st.interrupt(st.parent.Err())
		}
	}
}

// withdraw takes back every submitted node no worker has claimed yet and
// returns how many it took back.
func (st *runState) withdraw() int {
	count := 0
	for _, n := range st.plan.nodes {
		if n.status != StatusScheduled || !n.withdraw() {
			continue
		}
		count++
		st.unschedule(n)
	}
	return count
}

// unschedule returns a node that never started to NotScheduled; it counts as
// incomplete rather than failed.
func (st *runState) unschedule(n *node) {
	level.Info(st.progress).Log("msg", "incomplete", "node", n.name)
	st.transition(n, StatusNotScheduled, false, 0, nil)
}

func (st *runState) markRunning(n *node, at time.Time) {
	n.started = at
	st.running++
	if st.running > st.metrics.MaxConcurrency {
		st.metrics.MaxConcurrency = st.running
	}
	st.opts.metrics.addInflight(1)
	st.transition(n, StatusRunning, false, 0, nil)
}

func (st *runState) complete(n *node, res outcome) {
	var elapsed time.Duration
	if n.status == StatusRunning {
		st.running--
		st.opts.metrics.addInflight(-1)
		elapsed = now().Sub(n.started)
	}

	if res.fatal && st.poolErr == nil {
		st.poolErr = res.err
	}
	if res.skipped {
		switch {
		case res.fatal:
			level.Error(st.logger).Log("msg", "submission failed", "node", n.name, "err", res.err)
			st.abort()
		case !st.aborted:
			st.interrupt(res.err)
		}
		st.unschedule(n)
		return
	}
	if res.err != nil {
		st.fail(n, res, elapsed)
		return
	}

	if res.hasValue {
		n.tail().setOutput(res.value)
	}
	for i, value := range res.kept {
		n.tasks[i].setOutput(value)
	}
	st.metrics.NodesRun++
	st.opts.metrics.observeNode(st.opts.backend, string(StatusDone), elapsed)
	st.transition(n, StatusDone, false, elapsed, nil)
	st.evictAround(n)

	for _, s := range n.succs {
		st.pending[s]--
		succ := st.plan.nodes[s]
		if st.pending[s] == 0 && succ.run && !succ.blocked && succ.status == StatusNotScheduled {
			st.ready = append(st.ready, s)
		}
	}
}

func (st *runState) fail(n *node, res outcome, elapsed time.Duration) {
	task := res.task
	if task == "" {
		task = n.head().name
	}
	st.metrics.NodesFailed++
	st.opts.metrics.observeNode(st.opts.backend, string(StatusFailed), elapsed)
	if st.firstErr == nil {
		st.firstErr = &TaskError{Task: task, Node: n.name, Err: res.err}
	}
	level.Error(st.logger).Log("msg", "node failed", "node", n.name, "task", task, "err", res.err)

	st.transition(n, StatusFailed, false, elapsed, res.err)
	st.invokeHook(st.opts.hooks.OnFailure, st.event(n, StatusRunning, false, elapsed, res.err))
	st.block(n)

	if res.fatal || st.opts.strategy == FailFast {
		st.abort()
	}
}

// block marks every descendant of n as unreachable for this run.
func (st *runState) block(n *node) {
	stack := append([]int(nil), n.succs...)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := st.plan.nodes[idx]
		if d.blocked || d.status != StatusNotScheduled {
			continue
		}
		d.blocked = true
		st.metrics.NodesBlocked++
		st.opts.metrics.observeNode(st.opts.backend, "blocked", 0)
		level.Info(st.progress).Log("msg", "blocked", "node", d.name, "failed", n.name)
		stack = append(stack, d.succs...)
	}
}

func (st *runState) abort() {
	if st.aborted {
		return
	}
	st.aborted = true
	st.cancel()
	level.Debug(st.logger).Log("msg", "run aborted")
}

func (st *runState) interrupt(err error) {
	if st.firstErr == nil {
		st.firstErr = err
	}
	st.abort()
}

// evictAround reclaims outputs that no pending node can still read. Fused
// chains drop their internal non-output values as soon as they finish.
func (st *runState) evictAround(n *node) {
	for _, t := range n.tasks[:len(n.tasks)-1] {
		t.evict()
	}

	candidates := append([]int{n.index}, n.preds...)
	for _, idx := range candidates {
		c := st.plan.nodes[idx]
		if c.status != StatusDone || c.evicted || len(c.succs) == 0 || c.tail().IsOutput() {
			continue
		}
		if !st.allDone(c.succs) {
			continue
		}
		for _, t := range c.tasks {
			t.evict()
		}
		c.evicted = true
		st.metrics.Evictions++
		st.opts.metrics.observeEviction(st.opts.backend)
		level.Info(st.progress).Log("msg", "evicted", "node", c.name)
		st.invokeHook(st.opts.hooks.OnEvict, st.event(c, StatusDone, false, 0, nil))
		st.render()
	}
}

func (st *runState) allDone(indices []int) bool {
	for _, idx := range indices {
		if st.plan.nodes[idx].status != StatusDone {
			return false
		}
	}
	return true
}

func (st *runState) transition(n *node, status Status, cached bool, elapsed time.Duration, err error) {
	prev := n.status
	n.status = status
	for _, t := range n.tasks {
		if status == StatusFailed {
			t.setFailed(err)
		} else {
			t.setStatus(status)
		}
	}

	switch {
	case cached:
		level.Info(st.progress).Log("msg", "cached", "node", n.name, "evicted", n.evicted)
	case status == StatusDone:
		level.Info(st.progress).Log("msg", "done", "node", n.name, "duration", elapsed)
	case status != StatusFailed:
		level.Debug(st.progress).Log("msg", string(status), "node", n.name)
	}

	st.invokeHook(st.opts.hooks.OnStatus, st.event(n, prev, cached, elapsed, err))
	st.render()
}

func (st *runState) event(n *node, prev Status, cached bool, elapsed time.Duration, err error) NodeEvent {
	return NodeEvent{
		RunID:    st.id,
		Backend:  st.opts.backend,
		Node:     n.info(),
		Status:   n.status,
		Previous: prev,
		Cached:   cached,
		Duration: elapsed,
		Error:    err,
		At:       now(),
	}
}

func (st *runState) invokeHook(hook HookFunc, ev NodeEvent) {
	if hook != nil {
		hook(st.ctx, ev)
	}
}

func (st *runState) render() {
	if st.opts.renderer != nil {
		st.opts.renderer.Render(st.snapshot())
	}
}

func (st *runState) snapshot() Snapshot {
	snap := Snapshot{
		RunID:     st.id,
		Pipelined: st.plan.pipelined,
		Nodes:     make([]NodeState, len(st.plan.nodes)),
	}
	for i, n := range st.plan.nodes {
		snap.Nodes[i] = NodeState{
			NodeInfo: n.info(),
			Status:   n.status,
			Evicted:  n.evicted,
			Preds:    append([]int(nil), n.preds...),
		}
	}
	return snap
}

func (st *runState) finish() (*Results, error) {
	st.metrics.CompletedAt = now()
	st.metrics.Duration = st.metrics.CompletedAt.Sub(st.metrics.StartedAt)
	st.opts.metrics.observeRun(st.opts.backend, st.metrics.Duration)

	results := newResults(st.id, st.opts.backend, st.workflow.Outputs(), st.metrics)

	var err error
	switch {
	case st.poolErr != nil:
		err = fmt.Errorf("%w: %w", ErrWorkerPool, st.poolErr)
	case st.firstErr != nil:
		err = st.firstErr
	}

	if err != nil {
		level.Error(st.logger).Log("msg", "workflow failed", "err", err, "run_nodes", st.metrics.NodesRun, "failed", st.metrics.NodesFailed, "blocked", st.metrics.NodesBlocked)
	} else {
		level.Info(st.progress).Log("msg", "workflow complete", "run_nodes", st.metrics.NodesRun, "cached", st.metrics.NodesCached, "evictions", st.metrics.Evictions, "duration", st.metrics.Duration)
	}
	return results, err
}

// runChain runs tasks in order and returns the name of the first one that
// failed. Cancellation is checked between tasks; the caller decides whether
// the head may start.
func runChain(ctx context.Context, tasks []*Task, force bool) (string, error) {
	for i, t := range tasks {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return t.name, err
			}
		}
		if _, err := t.Run(ctx, force); err != nil {
			return t.name, err
		}
	}
	return "", nil
}
