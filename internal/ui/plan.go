package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bpradana/mflow"
)

// PrintPlan lists the fused pipeline units of a workflow and their inputs.
func PrintPlan(w io.Writer, wf *mflow.Workflow, pg *mflow.PipelineGraph) {
	fmt.Fprintf(w, "%s %d tasks in %d units\n\n", BoldCyan("plan"), wf.Len(), pg.Len())

	for _, unit := range pg.Units() {
		fmt.Fprintf(w, "  %s %s\n", Bold(fmt.Sprintf("[%d]", unit.ID())), unit.Name())
		if unit.Len() > 1 {
			names := make([]string, 0, unit.Len())
			for _, t := range unit.Tasks() {
				names = append(names, t.Name())
			}
			fmt.Fprintf(w, "      %s %s\n", Dim("chain"), strings.Join(names, " -> "))
		}
		preds := pg.Predecessors(unit.ID())
		if len(preds) > 0 {
			ids := make([]string, len(preds))
			for i, p := range preds {
				ids[i] = fmt.Sprintf("[%d]", p)
			}
			fmt.Fprintf(w, "      %s %s\n", Dim("after"), strings.Join(ids, " "))
		}
	}

	outputs := wf.Outputs()
	tags := make([]string, 0, len(outputs))
	for tag := range outputs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	fmt.Fprintln(w)
	for _, tag := range tags {
		fmt.Fprintf(w, "  %s %s = %s\n", Green("out"), tag, outputs[tag].Name())
	}
}

// PrintResults writes the outputs of a run sorted by tag, followed by a
// one-line summary.
func PrintResults(w io.Writer, res *mflow.Results) {
	if res == nil {
		return
	}
	for _, tag := range res.Tags() {
		fmt.Fprintf(w, "%s = %v\n", Bold(tag), res.Outputs[tag])
	}
	m := res.Metrics
	fmt.Fprintf(w, "%s run=%s backend=%s ran=%d cached=%d failed=%d blocked=%d evicted=%d in %s\n",
		Dim("--"), res.RunID, res.Backend, m.NodesRun, m.NodesCached, m.NodesFailed, m.NodesBlocked, m.Evictions, m.Duration)
}

// PrintFuncs lists registered function names.
func PrintFuncs(w io.Writer, names []string) {
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
}
