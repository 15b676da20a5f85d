package mflow

import (
	"sort"
)

// Results is the outcome of one run.
type Results struct {
	RunID   string
	Backend Backend
	// Outputs maps every declared output tag to the task's value. Tags of
	// outputs that were not computed (for example after a failure) are absent.
	Outputs map[string]any
	Metrics RunMetrics
}

func newResults(runID string, backend Backend, outputs map[string]*Task, metrics RunMetrics) *Results {
	r := &Results{
		RunID:   runID,
		Backend: backend,
		Outputs: make(map[string]any, len(outputs)),
		Metrics: metrics,
	}
	for tag, task := range outputs {
		if value, ok := task.Output(); ok {
			r.Outputs[tag] = value
		}
	}
	return r
}

// Value returns the output reported under tag.
func (r *Results) Value(tag string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Outputs[tag]
	return v, ok
}

// Tags returns the reported output tags in sorted order.
func (r *Results) Tags() []string {
	if r == nil {
		return nil
	}
	tags := make([]string, 0, len(r.Outputs))
	for tag := range r.Outputs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
