package mflow

import (
	"context"
	"time"
)

// Status captures the scheduling state of a task or pipeline unit.
type Status string

const (
	StatusNotScheduled Status = "notscheduled"
	StatusScheduled    Status = "scheduled"
	StatusRunning      Status = "running"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
)

// NodeInfo identifies a schedulable node. For the fine-grained graph a node
// wraps one task, for the pipelined graph it wraps a fused chain.
type NodeInfo struct {
	Index int
	Name  string
	Tasks []string
}

// NodeEvent is passed to hook callbacks on every status change or eviction.
type NodeEvent struct {
	RunID    string
	Backend  Backend
	Node     NodeInfo
	Status   Status
	Previous Status
	Cached   bool
	Duration time.Duration
	Error    error
	At       time.Time
}

// HookFunc is invoked for lifecycle notifications.
type HookFunc func(context.Context, NodeEvent)

// Hooks aggregates optional lifecycle callbacks. OnStatus fires for every
// transition, OnEvict when a node's cached outputs are reclaimed and
// OnFailure when a node's function fails.
type Hooks struct {
	OnStatus  HookFunc
	OnEvict   HookFunc
	OnFailure HookFunc
}

// Merge combines two hook sets, running the receiver first.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStatus:  chainHooks(h.OnStatus, other.OnStatus),
		OnEvict:   chainHooks(h.OnEvict, other.OnEvict),
		OnFailure: chainHooks(h.OnFailure, other.OnFailure),
	}
}

func chainHooks(first, second HookFunc) HookFunc {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(ctx context.Context, event NodeEvent) {
			first(ctx, event)
			second(ctx, event)
		}
	}
}

// NodeState is a point-in-time view of one node used by renderers.
type NodeState struct {
	NodeInfo
	Status  Status
	Evicted bool
	Preds   []int
}

// Snapshot describes the whole graph after a mutation.
type Snapshot struct {
	RunID     string
	Pipelined bool
	Nodes     []NodeState
}

// Renderer draws the graph state. When one is configured the scheduler stops
// writing textual progress and calls Render after every mutation instead.
type Renderer interface {
	Render(Snapshot)
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(Snapshot)

// Render calls f(s).
func (f RenderFunc) Render(s Snapshot) {
	f(s)
}
