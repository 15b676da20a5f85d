package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/bpradana/mflow"
)

const clearScreen = "\033[H\033[2J"

// Monitor is an mflow.Renderer that redraws the node table on every
// scheduler mutation.
type Monitor struct {
	w     io.Writer
	clear bool

	mu     sync.Mutex
	frames int
}

// NewMonitor returns a Monitor writing to w. When clear is set every frame
// starts by clearing the terminal.
func NewMonitor(w io.Writer, clear bool) *Monitor {
	return &Monitor{w: w, clear: clear}
}

// Render draws one frame.
func (m *Monitor) Render(s mflow.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++

	if m.clear {
		io.WriteString(m.w, clearScreen)
	}

	var done, running, failed int
	for _, n := range s.Nodes {
		switch n.Status {
		case mflow.StatusDone:
			done++
		case mflow.StatusRunning:
			running++
		case mflow.StatusFailed:
			failed++
		}
	}

	kind := "tasks"
	if s.Pipelined {
		kind = "units"
	}
	fmt.Fprintf(m.w, "%s %s %d/%d %s done, %d running", BoldCyan("mflow"), Dim(s.RunID), done, len(s.Nodes), kind, running)
	if failed > 0 {
		fmt.Fprintf(m.w, " %s", Red(fmt.Sprintf("(%d failed)", failed)))
	}
	fmt.Fprintln(m.w)

	for _, n := range s.Nodes {
		fmt.Fprintf(m.w, "  %s %-24s %s\n", StatusIcon(n.Status, n.Evicted), n.Name, StatusLabel(n.Status, n.Evicted))
	}
	fmt.Fprintln(m.w)
}

// Frames returns the number of frames drawn so far.
func (m *Monitor) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}
