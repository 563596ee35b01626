package output

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/pg-query-tracer/internal/attributes"
	"github.com/mrzor/pg-query-tracer/internal/model"
)

// OTELFormatter exports each finalized query as a span, with one child
// span per resolved plan node. It is a pure formatting layer: it receives
// fully reconstructed queries and never touches raw events.
type OTELFormatter struct {
	tracer    trace.Tracer
	evaluator *attributes.Evaluator
	traceID   trace.TraceID
}

// NewOTELFormatter creates a formatter exporting through the given tracer.
// With a valid traceID, all query spans join that trace; otherwise each
// query starts its own.
func NewOTELFormatter(tracer trace.Tracer, evaluator *attributes.Evaluator, traceID trace.TraceID) *OTELFormatter {
	return &OTELFormatter{
		tracer:    tracer,
		evaluator: evaluator,
		traceID:   traceID,
	}
}

// QueryFinalized exports one finalized query as a span tree.
func (f *OTELFormatter) QueryFinalized(q *model.Query) {
	start, ok := q.StartTime()
	if !ok {
		start = time.Now()
	}
	end := start
	if runtime, ok := q.Runtime(); ok {
		end = start.Add(runtime)
	}

	ctx := context.Background()
	if f.traceID.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    f.traceID,
			TraceFlags: trace.FlagsSampled,
		}))
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.Int64("db.postgresql.backend_pid", int64(q.Key.Pid)), //nolint:gosec // pids fit in int64
	}
	if q.Text != nil {
		attrs = append(attrs, attribute.String("db.statement", *q.Text))
	}
	if q.SearchPath != nil {
		attrs = append(attrs, attribute.String("db.postgresql.search_path", *q.SearchPath))
	}
	if q.Instrument != nil {
		attrs = append(attrs, attribute.Float64("db.postgresql.rows", q.Instrument.NTuples))
	}
	if f.evaluator != nil {
		attrs = append(attrs, f.evaluator.EvaluateCustomAttributes(q)...)
	}

	ctx, span := f.tracer.Start(ctx, "postgresql.query",
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if root, err := q.RootNode(); err == nil {
		f.exportNode(ctx, q, root, start)
	}

	span.End(trace.WithTimestamp(end))
}

// exportNode exports one plan node and its subtree as nested spans. Node
// spans share the query's start; their length is the node's own counter.
func (f *OTELFormatter) exportNode(ctx context.Context, q *model.Query, node *model.PlanState, start time.Time) {
	end := start
	attrs := []attribute.KeyValue{
		attribute.String("db.postgresql.plan_node.addr", fmt.Sprintf("%#x", node.Addr)),
		attribute.Bool("db.postgresql.plan_node.stub", node.Stub),
	}
	if node.Instrument != nil {
		end = start.Add(node.Instrument.Counter)
		attrs = append(attrs, attribute.Float64("db.postgresql.plan_node.rows", node.Instrument.NTuples))
	}

	ctx, span := f.tracer.Start(ctx, "postgresql.plan_node",
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	children := make([]uint64, 0, len(node.Children))
	for addr := range node.Children {
		children = append(children, addr)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, addr := range children {
		if child, ok := q.Node(addr); ok {
			f.exportNode(ctx, q, child, start)
		}
	}

	span.End(trace.WithTimestamp(end))
}
