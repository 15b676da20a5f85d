package mflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNilTask indicates a nil task was passed to a graph operation.
	ErrNilTask = errors.New("mflow: nil task")
	// ErrDuplicateTag indicates an output tag is already bound to another task.
	ErrDuplicateTag = errors.New("mflow: output tag already in use")
	// ErrUnknownTask indicates a task is not part of the workflow.
	ErrUnknownTask = errors.New("mflow: unknown task")
)

// Workflow owns the task graph discovered from a set of declared outputs.
// Nodes are keyed by TaskID; edges point from a parent to every task that
// references it.
type Workflow struct {
	mu       sync.Mutex
	nodes    map[TaskID]*Task
	children map[TaskID]map[TaskID]struct{}
	outputs  []*Task
	tags     map[string]*Task
	pipeline *PipelineGraph

	// gen counts mutations; a fused graph is cached only for the generation
	// it was built from.
	gen     uint64
	running bool
}

// NewWorkflow builds a workflow from tagged output tasks. Tags are registered
// in sorted order.
func NewWorkflow(outputs map[string]*Task) (*Workflow, error) {
	w := &Workflow{
		nodes:    make(map[TaskID]*Task),
		children: make(map[TaskID]map[TaskID]struct{}),
		tags:     make(map[string]*Task),
	}

	tags := make([]string, 0, len(outputs))
	for tag := range outputs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if err := w.AddOutput(outputs[tag], tag); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// AddOutput declares task as a workflow output reported under tag and adds it
// together with all of its ancestors. An empty tag falls back to the task name.
func (w *Workflow) AddOutput(task *Task, tag string) error {
	if task == nil {
		return ErrNilTask
	}
	if tag == "" {
		tag = task.name
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if owner, ok := w.tags[tag]; ok && owner != task {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
	}
	for prev, owner := range w.tags {
		if owner == task && prev != tag {
			delete(w.tags, prev)
		}
	}

	declared := containsTask(w.outputs, task)
	task.markOutput(tag, !declared)
	w.tags[tag] = task
	if !declared {
		w.outputs = append(w.outputs, task)
	}
	w.insert(task)
	w.mutated()
	return nil
}

// Add inserts tasks and, recursively, every parent they reference.
func (w *Workflow) Add(tasks ...*Task) error {
	for _, task := range tasks {
		if task == nil {
			return ErrNilTask
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, task := range tasks {
		w.insert(task)
	}
	w.mutated()
	return nil
}

func (w *Workflow) mutated() {
	w.gen++
	w.pipeline = nil
}

func (w *Workflow) insert(task *Task) {
	if _, ok := w.nodes[task.id]; ok {
		return
	}
	w.nodes[task.id] = task
	if _, ok := w.children[task.id]; !ok {
		w.children[task.id] = make(map[TaskID]struct{})
	}
	for _, parent := range task.parents {
		w.insert(parent)
		w.children[parent.id][task.id] = struct{}{}
	}
}

// Remove deletes tasks and all of their descendants. Removed outputs are
// unregistered.
func (w *Workflow) Remove(tasks ...*Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, task := range tasks {
		if task == nil {
			continue
		}
		if _, ok := w.nodes[task.id]; !ok {
			continue
		}
		doomed := append(w.descendants(task.id), task.id)
		for _, id := range doomed {
			w.drop(id)
		}
	}
	w.mutated()
}

func (w *Workflow) descendants(id TaskID) []TaskID {
	seen := make(map[TaskID]struct{})
	stack := []TaskID{id}
	var out []TaskID
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range w.children[cur] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			stack = append(stack, child)
		}
	}
	return out
}

func (w *Workflow) drop(id TaskID) {
	task, ok := w.nodes[id]
	if !ok {
		return
	}
	delete(w.nodes, id)
	delete(w.children, id)
	for _, parent := range task.parents {
		if kids, ok := w.children[parent.id]; ok {
			delete(kids, id)
		}
	}
	for i, out := range w.outputs {
		if out == task {
			w.outputs = append(w.outputs[:i], w.outputs[i+1:]...)
			task.unmarkOutput()
			break
		}
	}
	for tag, owner := range w.tags {
		if owner == task {
			delete(w.tags, tag)
		}
	}
}

// Len returns the number of tasks in the graph.
func (w *Workflow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.nodes)
}

// Contains reports whether task is part of the graph.
func (w *Workflow) Contains(task *Task) bool {
	if task == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.nodes[task.id]
	return ok
}

// Tasks returns every task in topological order.
func (w *Workflow) Tasks() []*Task {
	a := w.analyze()
	return a.order
}

// Outputs returns the declared outputs keyed by tag.
func (w *Workflow) Outputs() map[string]*Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*Task, len(w.tags))
	for tag, task := range w.tags {
		out[tag] = task
	}
	return out
}

// Parents returns the in-graph parents of task.
func (w *Workflow) Parents(task *Task) ([]*Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task == nil {
		return nil, ErrNilTask
	}
	if _, ok := w.nodes[task.id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, task.name)
	}
	return task.Parents(), nil
}

// Children returns the in-graph consumers of task ordered by id.
func (w *Workflow) Children(task *Task) ([]*Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task == nil {
		return nil, ErrNilTask
	}
	if _, ok := w.nodes[task.id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, task.name)
	}
	return w.sortedChildren(task.id), nil
}

func (w *Workflow) sortedChildren(id TaskID) []*Task {
	ids := make([]TaskID, 0, len(w.children[id]))
	for child := range w.children[id] {
		ids = append(ids, child)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Task, len(ids))
	for i, child := range ids {
		out[i] = w.nodes[child]
	}
	return out
}

// Roots returns tasks without parents in topological order.
func (w *Workflow) Roots() []*Task {
	a := w.analyze()
	var roots []*Task
	for _, task := range a.order {
		if len(a.preds[task.id]) == 0 {
			roots = append(roots, task)
		}
	}
	return roots
}

// TopologicalOrder returns the tasks ordered so that parents precede children.
func (w *Workflow) TopologicalOrder() ([]*Task, error) {
	a := w.analyze()
	if a.err != nil {
		return nil, a.err
	}
	return a.order, nil
}

// Pipeline returns the fused pipeline graph, building it on first use after
// any mutation.
func (w *Workflow) Pipeline() (*PipelineGraph, error) {
	w.mu.Lock()
	cached, gen := w.pipeline, w.gen
	w.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	pg, err := Fuse(w)
	if err != nil {
		return nil, err
	}
	w.cachePipeline(pg, gen)
	return pg, nil
}

// cachePipeline stores pg unless the graph changed after generation gen.
func (w *Workflow) cachePipeline(pg *PipelineGraph, gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return false
	}
	w.pipeline = pg
	return true
}

func (w *Workflow) acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrRunInProgress
	}
	w.running = true
	return nil
}

func (w *Workflow) release() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func containsTask(list []*Task, task *Task) bool {
	for _, t := range list {
		if t == task {
			return true
		}
	}
	return false
}
