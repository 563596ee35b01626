package output

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mrzor/pg-query-tracer/internal/model"
)

// TextFormatter prints each finalized query, with its plan tree, to a
// writer.
type TextFormatter struct {
	w io.Writer
}

// NewTextFormatter creates a formatter writing to w.
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{w: w}
}

// QueryFinalized prints one finalized query.
func (f *TextFormatter) QueryFinalized(q *model.Query) {
	text := "<query text not captured>"
	if q.Text != nil {
		text = strings.TrimSpace(*q.Text)
	}
	fmt.Fprintf(f.w, "query: %s\n", text)

	if start, ok := q.StartTime(); ok {
		fmt.Fprintf(f.w, "  started: %s\n", start.Format(time.RFC3339Nano))
	}
	if runtime, ok := q.Runtime(); ok {
		fmt.Fprintf(f.w, "  runtime: %s\n", runtime)
	}
	if q.Instrument != nil {
		fmt.Fprintf(f.w, "  rows: %.0f\n", q.Instrument.NTuples)
	}
	if q.SearchPath != nil {
		fmt.Fprintf(f.w, "  search_path: %s\n", *q.SearchPath)
	}

	if len(q.Nodes()) == 0 {
		return
	}
	root, err := q.RootNode()
	if err != nil {
		if errors.Is(err, model.ErrInvalidPlanTree) {
			fmt.Fprintf(f.w, "  plan: %v (%d nodes)\n", err, len(q.Nodes()))
		}
		return
	}
	fmt.Fprintf(f.w, "  plan:\n")
	f.printNode(q, root, 2)
}

// printNode prints one plan node and its subtree, children in address
// order for stable output.
func (f *TextFormatter) printNode(q *model.Query, node *model.PlanState, depth int) {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%snode %#x", indent, node.Addr)
	if node.Stub {
		line += " (stub)"
	}
	if node.Instrument != nil {
		line += fmt.Sprintf(" time=%s rows=%.0f", node.Instrument.Counter, node.Instrument.NTuples)
	}
	fmt.Fprintln(f.w, line)

	children := make([]uint64, 0, len(node.Children))
	for addr := range node.Children {
		children = append(children, addr)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, addr := range children {
		if child, ok := q.Node(addr); ok {
			f.printNode(q, child, depth+1)
		}
	}
}

// PrintSummary writes a closing summary: how many queries completed, and
// how many sessions were still open when tracing stopped.
func (f *TextFormatter) PrintSummary(history []*model.Query, open map[model.SessionKey]*model.Query) {
	fmt.Fprintf(f.w, "traced %d completed queries, %d still in flight\n", len(history), len(open))
}
