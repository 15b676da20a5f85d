package mflow

import (
	"strings"
)

// PipelineUnit is a maximal linear chain of tasks scheduled as one node.
type PipelineUnit struct {
	id    int
	tasks []*Task
}

// ID returns the sequential id assigned during fusion.
func (u *PipelineUnit) ID() int { return u.id }

// Tasks returns the chain in execution order.
func (u *PipelineUnit) Tasks() []*Task {
	return append([]*Task(nil), u.tasks...)
}

// Head returns the first task of the chain.
func (u *PipelineUnit) Head() *Task { return u.tasks[0] }

// Tail returns the last task of the chain.
func (u *PipelineUnit) Tail() *Task { return u.tasks[len(u.tasks)-1] }

// Name joins the constituent task names with ".".
func (u *PipelineUnit) Name() string {
	names := make([]string, len(u.tasks))
	for i, t := range u.tasks {
		names[i] = t.name
	}
	return strings.Join(names, ".")
}

// Output mirrors the tail task's cached output.
func (u *PipelineUnit) Output() (any, bool) {
	return u.Tail().Output()
}

// Len returns the number of fused tasks.
func (u *PipelineUnit) Len() int { return len(u.tasks) }

// PipelineGraph is the coarse DAG of pipeline units. An edge A->B exists iff
// A's tail is a direct parent of B's head.
type PipelineGraph struct {
	units  []*PipelineUnit
	succs  [][]int
	preds  [][]int
	byTask map[TaskID]int
}

// Units returns the units ordered by id.
func (pg *PipelineGraph) Units() []*PipelineUnit {
	return append([]*PipelineUnit(nil), pg.units...)
}

// Len returns the number of units.
func (pg *PipelineGraph) Len() int { return len(pg.units) }

// Successors returns the ids of the units consuming unit id's tail.
func (pg *PipelineGraph) Successors(id int) []int {
	return append([]int(nil), pg.succs[id]...)
}

// Predecessors returns the ids of the units feeding unit id's head.
func (pg *PipelineGraph) Predecessors(id int) []int {
	return append([]int(nil), pg.preds[id]...)
}

// UnitOf returns the unit containing task.
func (pg *PipelineGraph) UnitOf(task *Task) (*PipelineUnit, bool) {
	if task == nil {
		return nil, false
	}
	idx, ok := pg.byTask[task.id]
	if !ok {
		return nil, false
	}
	return pg.units[idx], true
}

// Fuse partitions the workflow graph into maximal linear chains. Roots are
// walked in topological order and each walk visits successors depth first.
// A task extends the current chain only when its single predecessor is the
// chain's last task and that predecessor has no other successor; otherwise
// it opens a new chain. Every task is visited once, so every task lands in
// exactly one unit.
func Fuse(w *Workflow) (*PipelineGraph, error) {
	a := w.analyze()
	if a.err != nil {
		return nil, a.err
	}

	var groups [][]*Task
	visited := make(map[TaskID]bool, len(a.nodes))

	extends := func(group []*Task, id TaskID) bool {
		if len(group) == 0 {
			return false
		}
		preds := a.preds[id]
		if len(preds) != 1 {
			return false
		}
		last := group[len(group)-1].id
		return preds[0] == last && len(a.succs[last]) == 1
	}

	for _, root := range a.order {
		if len(a.preds[root.id]) != 0 || visited[root.id] {
			continue
		}
		stack := []TaskID{root.id}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true

			if n := len(groups); n > 0 && extends(groups[n-1], id) {
				groups[n-1] = append(groups[n-1], a.nodes[id])
			} else {
				groups = append(groups, []*Task{a.nodes[id]})
			}

			succs := a.succs[id]
			for i := len(succs) - 1; i >= 0; i-- {
				if !visited[succs[i]] {
					stack = append(stack, succs[i])
				}
			}
		}
	}

	pg := &PipelineGraph{
		units:  make([]*PipelineUnit, len(groups)),
		succs:  make([][]int, len(groups)),
		preds:  make([][]int, len(groups)),
		byTask: make(map[TaskID]int, len(a.nodes)),
	}
	for i, group := range groups {
		pg.units[i] = &PipelineUnit{id: i, tasks: group}
		for _, t := range group {
			pg.byTask[t.id] = i
		}
	}

	for _, unit := range pg.units {
		seen := make(map[int]bool)
		for _, parentID := range a.preds[unit.Head().id] {
			from := pg.byTask[parentID]
			if seen[from] || pg.units[from].Tail().id != parentID {
				continue
			}
			seen[from] = true
			pg.succs[from] = append(pg.succs[from], unit.id)
			pg.preds[unit.id] = append(pg.preds[unit.id], from)
		}
	}
	return pg, nil
}
