package output

import (
	"bytes"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/metadata"
	"github.com/mrzor/pg-query-tracer/internal/model"
)

// nullMeta has no Instrumentation layout; instrumentation is attached to
// test queries directly.
type nullMeta struct{}

func (nullMeta) StructLayout(string) (*metadata.StructLayout, error) {
	return nil, metadata.ErrUnknownStruct
}

type fakeFrame struct {
	name string
	arg1 uint64
}

func (f fakeFrame) FunctionName() string        { return f.name }
func (f fakeFrame) FetchArg(int) (uint64, error) { return f.arg1, nil }

func stackOf(frames ...fakeFrame) iter.Seq[model.Frame] {
	return func(yield func(model.Frame) bool) {
		for _, f := range frames {
			if !yield(f) {
				return
			}
		}
	}
}

func queryWithText(text string) *model.Query {
	buf := make([]byte, bpf.MaxQueryLen)
	copy(buf, text)
	return model.NewQueryFromEvent(nullMeta{}, &bpf.PortalEvent{
		Key:       model.SessionKey{Pid: 4242, CreationTime: 1_700_000_000_000_000},
		QueryText: buf,
	})
}

func TestTextFormatter_QueryFinalized(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	q := queryWithText("SELECT count(*) FROM orders")
	q.Instrument = &model.Instrument{Counter: 150 * time.Millisecond, NTuples: 12}
	sp := "tenant_7, public"
	q.SearchPath = &sp

	f.QueryFinalized(q)

	out := buf.String()
	assert.Contains(t, out, "query: SELECT count(*) FROM orders\n")
	assert.Contains(t, out, "runtime: 150ms\n")
	assert.Contains(t, out, "rows: 12\n")
	assert.Contains(t, out, "search_path: tenant_7, public\n")
	assert.NotContains(t, out, "plan:")
}

func TestTextFormatter_QueryWithoutText(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	f.QueryFinalized(model.NewQueryFromEvent(nullMeta{}, &bpf.PortalEvent{}))

	assert.Contains(t, buf.String(), "<query text not captured>")
}

func TestTextFormatter_PrintsPlanTree(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	q := queryWithText("SELECT 1")
	q.AddNodeFromEvent(nullMeta{}, &bpf.PlanNodeEvent{PlanStateAddr: 0xA}, stackOf(
		fakeFrame{name: "ExecProcNodeFirst", arg1: 0xA},
		fakeFrame{name: "ExecAgg", arg1: 0xB},
	))

	f.QueryFinalized(q)

	out := buf.String()
	assert.Contains(t, out, "plan:\n")
	assert.Contains(t, out, "node 0xb (stub)\n")
	assert.Contains(t, out, "node 0xa\n")
}

func TestTextFormatter_AmbiguousTreeReported(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	q := queryWithText("SELECT 1")
	q.AddNodeFromEvent(nullMeta{}, &bpf.PlanNodeEvent{PlanStateAddr: 0xA}, stackOf())
	q.AddNodeFromEvent(nullMeta{}, &bpf.PlanNodeEvent{PlanStateAddr: 0xB}, stackOf())

	f.QueryFinalized(q)

	assert.Contains(t, buf.String(), "2 nodes")
}

func TestTextFormatter_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	history := []*model.Query{queryWithText("SELECT 1"), queryWithText("SELECT 2")}
	open := map[model.SessionKey]*model.Query{
		{Pid: 4242, CreationTime: 3}: queryWithText("SELECT 3"),
	}

	f.PrintSummary(history, open)

	assert.Equal(t, "traced 2 completed queries, 1 still in flight\n", buf.String())
}

func TestTextFormatter_ChildrenPrintedInAddressOrder(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf)

	q := queryWithText("SELECT 1")
	// Two children report under the same parent, higher address first.
	q.AddNodeFromEvent(nullMeta{}, &bpf.PlanNodeEvent{PlanStateAddr: 0x30}, stackOf(
		fakeFrame{name: "ExecProcNodeFirst", arg1: 0x30},
		fakeFrame{name: "ExecHashJoin", arg1: 0x10},
	))
	q.AddNodeFromEvent(nullMeta{}, &bpf.PlanNodeEvent{PlanStateAddr: 0x20}, stackOf(
		fakeFrame{name: "ExecProcNodeFirst", arg1: 0x20},
		fakeFrame{name: "ExecHashJoin", arg1: 0x10},
	))

	f.QueryFinalized(q)

	out := buf.String()
	require.Contains(t, out, "node 0x20")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("node 0x20")), bytes.Index(buf.Bytes(), []byte("node 0x30")))
}
