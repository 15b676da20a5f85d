package mflow

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNilWriter indicates that a nil writer was provided to an exporter.
var ErrNilWriter = errors.New("mflow: nil writer")

// DOTOption configures the behaviour of ExportDOT.
type DOTOption func(*dotConfig)

type dotConfig struct {
	graphName string
	rankDir   string
}

func defaultDOTConfig() dotConfig {
	return dotConfig{
		graphName: "mflow",
		rankDir:   "LR",
	}
}

// DOTWithGraphName overrides the DOT graph identifier.
func DOTWithGraphName(name string) DOTOption {
	return func(cfg *dotConfig) {
		if name != "" {
			cfg.graphName = name
		}
	}
}

// DOTWithRankDir sets the rank direction (e.g. "LR", "TB") for the exported DOT graph.
func DOTWithRankDir(rankDir string) DOTOption {
	return func(cfg *dotConfig) {
		if rankDir != "" {
			cfg.rankDir = rankDir
		}
	}
}

// StatusColor returns the Graphviz fill colour used for a node state.
func StatusColor(status Status, evicted bool) string {
	switch {
	case status == StatusFailed:
		return "salmon"
	case evicted:
		return "grey"
	case status == StatusScheduled:
		return "lemonchiffon"
	case status == StatusRunning:
		return "palegreen3"
	case status == StatusDone:
		return "lightblue"
	default:
		return "white"
	}
}

type dotNode struct {
	id      string
	label   string
	status  Status
	evicted bool
	output  bool
}

type dotEdge struct {
	from, to string
}

// ExportDOT renders the task graph in Graphviz DOT format. Node colours
// reflect the status recorded by the most recent run.
func (w *Workflow) ExportDOT(out io.Writer, opts ...DOTOption) error {
	if out == nil {
		return ErrNilWriter
	}
	a := w.analyze()
	if a.err != nil {
		return a.err
	}

	nodes := make([]dotNode, 0, len(a.order))
	var edges []dotEdge
	for _, t := range a.order {
		nodes = append(nodes, dotNode{
			id:      taskDOTID(t.id),
			label:   t.name,
			status:  t.Status(),
			evicted: t.Evicted(),
			output:  t.IsOutput(),
		})
		for _, parent := range a.preds[t.id] {
			edges = append(edges, dotEdge{from: taskDOTID(parent), to: taskDOTID(t.id)})
		}
	}
	return writeDOT(out, nodes, edges, opts)
}

// ExportDOT renders the pipeline graph in Graphviz DOT format, one node per
// fused unit.
func (pg *PipelineGraph) ExportDOT(out io.Writer, opts ...DOTOption) error {
	if out == nil {
		return ErrNilWriter
	}

	nodes := make([]dotNode, 0, len(pg.units))
	var edges []dotEdge
	for _, unit := range pg.units {
		output := false
		for _, t := range unit.tasks {
			output = output || t.IsOutput()
		}
		tail := unit.Tail()
		nodes = append(nodes, dotNode{
			id:      unitDOTID(unit.id),
			label:   unit.Name(),
			status:  tail.Status(),
			evicted: tail.Evicted(),
			output:  output,
		})
		for _, pred := range pg.preds[unit.id] {
			edges = append(edges, dotEdge{from: unitDOTID(pred), to: unitDOTID(unit.id)})
		}
	}
	return writeDOT(out, nodes, edges, opts)
}

// ExportDOT renders a monitor snapshot in Graphviz DOT format.
func (s Snapshot) ExportDOT(out io.Writer, opts ...DOTOption) error {
	if out == nil {
		return ErrNilWriter
	}

	nodes := make([]dotNode, 0, len(s.Nodes))
	var edges []dotEdge
	for _, n := range s.Nodes {
		nodes = append(nodes, dotNode{
			id:      unitDOTID(n.Index),
			label:   n.Name,
			status:  n.Status,
			evicted: n.Evicted,
		})
		for _, pred := range n.Preds {
			edges = append(edges, dotEdge{from: unitDOTID(pred), to: unitDOTID(n.Index)})
		}
	}
	return writeDOT(out, nodes, edges, opts)
}

func writeDOT(w io.Writer, nodes []dotNode, edges []dotEdge, opts []DOTOption) error {
	cfg := defaultDOTConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := fmt.Fprintf(w, "digraph %s {\n", dotQuoteIdentifier(cfg.graphName)); err != nil {
		return err
	}
	if cfg.rankDir != "" {
		if _, err := fmt.Fprintf(w, "    rankdir=%s;\n", cfg.rankDir); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "    node [shape=box, style=filled, color=black, fontname=helvetica];\n"); err != nil {
		return err
	}

	for _, n := range nodes {
		attrs := fmt.Sprintf("label=%s, fillcolor=%s", dotQuoteIdentifier(n.label), StatusColor(n.status, n.evicted))
		if n.output {
			attrs += ", peripheries=2"
		}
		if _, err := fmt.Fprintf(w, "    %s [%s];\n", dotQuoteIdentifier(n.id), attrs); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, err := fmt.Fprintf(w, "    %s -> %s;\n", dotQuoteIdentifier(e.from), dotQuoteIdentifier(e.to)); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "}\n")
	return err
}

func taskDOTID(id TaskID) string {
	return fmt.Sprintf("t%d", id)
}

func unitDOTID(id int) string {
	return fmt.Sprintf("u%d", id)
}

func dotQuoteIdentifier(name string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
