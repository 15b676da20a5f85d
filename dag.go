package mflow

import (
	"container/heap"
	"errors"
)

// ErrCycleDetected indicates the dependency graph contains a cycle.
var ErrCycleDetected = errors.New("mflow: cycle detected")

type analysis struct {
	nodes map[TaskID]*Task
	preds map[TaskID][]TaskID
	succs map[TaskID][]TaskID
	order []*Task
	err   error
}

func (w *Workflow) analyze() *analysis {
	w.mu.Lock()
	nodes := make(map[TaskID]*Task, len(w.nodes))
	succs := make(map[TaskID][]TaskID, len(w.nodes))
	for id, task := range w.nodes {
		nodes[id] = task
		for _, child := range w.sortedChildren(id) {
			succs[id] = append(succs[id], child.id)
		}
	}
	w.mu.Unlock()

	preds := make(map[TaskID][]TaskID, len(nodes))
	remaining := make(map[TaskID]int, len(nodes))
	for id, task := range nodes {
		preds[id] = nil
		for _, parent := range task.parents {
			if _, ok := nodes[parent.id]; !ok {
				continue
			}
			preds[id] = append(preds[id], parent.id)
		}
		remaining[id] = len(preds[id])
	}

	ready := &idHeap{}
	for id, deg := range remaining {
		if deg == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]*Task, 0, len(nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(TaskID)
		order = append(order, nodes[id])
		for _, child := range succs[id] {
			remaining[child]--
			if remaining[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	a := &analysis{
		nodes: nodes,
		preds: preds,
		succs: succs,
		order: order,
	}
	if len(order) != len(nodes) {
		a.err = ErrCycleDetected
	}
	return a
}

type idHeap []TaskID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(TaskID))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
