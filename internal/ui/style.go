// Package ui renders workflow plans, live run state and results for the
// terminal.
package ui

import (
	"github.com/fatih/color"

	"github.com/bpradana/mflow"
)

// Sprint color functions for building styled strings.
var (
	Bold      = color.New(color.Bold).SprintFunc()
	Dim       = color.New(color.Faint).SprintFunc()
	Cyan      = color.New(color.FgCyan).SprintFunc()
	Green     = color.New(color.FgGreen).SprintFunc()
	Red       = color.New(color.FgRed).SprintFunc()
	Yellow    = color.New(color.FgYellow).SprintFunc()
	BoldCyan  = color.New(color.Bold, color.FgCyan).SprintFunc()
	BoldGreen = color.New(color.Bold, color.FgGreen).SprintFunc()
	BoldRed   = color.New(color.Bold, color.FgRed).SprintFunc()
)

// StatusIcon returns a colored status icon for compact display.
func StatusIcon(status mflow.Status, evicted bool) string {
	switch {
	case status == mflow.StatusFailed:
		return Red("✗")
	case evicted:
		return Dim("○")
	case status == mflow.StatusDone:
		return Green("✓")
	case status == mflow.StatusRunning:
		return Cyan("●")
	case status == mflow.StatusScheduled:
		return Yellow("◐")
	default:
		return Dim("◌")
	}
}

// StatusLabel returns a colored status word.
func StatusLabel(status mflow.Status, evicted bool) string {
	switch {
	case status == mflow.StatusFailed:
		return BoldRed("failed")
	case evicted:
		return Dim("evicted")
	case status == mflow.StatusDone:
		return Green("done")
	case status == mflow.StatusRunning:
		return BoldCyan("running")
	case status == mflow.StatusScheduled:
		return Yellow("scheduled")
	default:
		return Dim("waiting")
	}
}
