package sessions

import (
	"encoding/binary"
	"iter"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/metadata"
	"github.com/mrzor/pg-query-tracer/internal/model"
)

const testInstrSize = 40

type fakeMeta struct{}

func (fakeMeta) StructLayout(name string) (*metadata.StructLayout, error) {
	if name != "Instrumentation" {
		return nil, metadata.ErrUnknownStruct
	}
	return &metadata.StructLayout{
		Name: "Instrumentation",
		Size: testInstrSize,
		Fields: map[string]metadata.Field{
			"running":    {Offset: 0, Size: 1},
			"counter":    {Offset: 8, Size: 16},
			"tuplecount": {Offset: 24, Size: 8},
			"ntuples":    {Offset: 32, Size: 8},
		},
	}, nil
}

type recorder struct {
	finalized []*model.Query
}

func (r *recorder) QueryFinalized(q *model.Query) {
	r.finalized = append(r.finalized, q)
}

func instrBlob(running bool, counter time.Duration, ntuples float64) []byte {
	buf := make([]byte, testInstrSize)
	if running {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:], uint64(counter/time.Second))
	binary.LittleEndian.PutUint64(buf[16:], uint64(counter%time.Second))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(ntuples))
	binary.LittleEndian.PutUint64(buf[32:], math.Float64bits(ntuples))
	return buf
}

func cbuf(s string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, s)
	return buf
}

func portalEv(kind bpf.EventKind, key model.SessionKey, text string, instr []byte) *bpf.PortalEvent {
	if instr == nil {
		instr = make([]byte, testInstrSize)
	}
	return &bpf.PortalEvent{
		Kind:       kind,
		Key:        key,
		QueryText:  cbuf(text, bpf.MaxQueryLen),
		Instrument: instr,
		SearchPath: cbuf("public", bpf.MaxSearchPathLen),
	}
}

func noFrames() iter.Seq[model.Frame] {
	return func(func(model.Frame) bool) {}
}

func TestCache_QueryLifecycle(t *testing.T) {
	rec := &recorder{}
	c := NewCache(fakeMeta{}, rec)
	key := model.SessionKey{Pid: 4242, CreationTime: 1_700_000_000_000_000}

	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT count(*) FROM t", nil))
	assert.Len(t, c.Open(), 1)

	c.HandleExecutorFinish(portalEv(bpf.KindExecutorFinish, key, "", instrBlob(true, 8*time.Millisecond, 1)))
	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, key, "", nil))

	// Not finalized until PortalDrop actually returns.
	assert.Len(t, c.Open(), 1)
	assert.Empty(t, c.History())

	c.HandlePortalDropReturn()

	assert.Empty(t, c.Open())
	history := c.History()
	require.Len(t, history, 1)
	q := history[0]
	require.NotNil(t, q.Text)
	assert.Equal(t, "SELECT count(*) FROM t", *q.Text)
	runtime, ok := q.Runtime()
	require.True(t, ok)
	assert.Equal(t, 8*time.Millisecond, runtime)

	require.Len(t, rec.finalized, 1)
	assert.Same(t, q, rec.finalized[0])
}

func TestCache_TeardownSnapshotProvidesRuntime(t *testing.T) {
	c := NewCache(fakeMeta{})
	key := model.SessionKey{Pid: 4242, CreationTime: 1}

	// The only instrumentation ever captured is the final one, with the
	// running flag already cleared.
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT 1", nil))
	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, key, "", instrBlob(false, 5*time.Millisecond, 1)))
	c.HandlePortalDropReturn()

	history := c.History()
	require.Len(t, history, 1)
	runtime, ok := history[0].Runtime()
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, runtime)
}

func TestCache_StepForUnknownKeyIsDropped(t *testing.T) {
	c := NewCache(fakeMeta{})
	key := model.SessionKey{Pid: 4242, CreationTime: 1}

	c.HandleExecutorFinish(portalEv(bpf.KindExecutorFinish, key, "SELECT 1", nil))

	assert.Empty(t, c.Open())
	assert.Empty(t, c.History())
}

func TestCache_RepeatedStartMergesIntoOpenSession(t *testing.T) {
	c := NewCache(fakeMeta{})
	key := model.SessionKey{Pid: 4242, CreationTime: 1}

	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "FETCH 10 FROM c", nil))
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "", instrBlob(true, time.Millisecond, 10)))

	open := c.Open()
	require.Len(t, open, 1)
	q := open[key]
	require.NotNil(t, q.Text)
	assert.Equal(t, "FETCH 10 FROM c", *q.Text)
	require.NotNil(t, q.Instrument)
	assert.Equal(t, 10.0, q.Instrument.NTuples)
}

func TestCache_DropReturnWithoutPendingIsNoop(t *testing.T) {
	rec := &recorder{}
	c := NewCache(fakeMeta{}, rec)
	key := model.SessionKey{Pid: 4242, CreationTime: 1}
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT 1", nil))

	c.HandlePortalDropReturn()

	assert.Len(t, c.Open(), 1)
	assert.Empty(t, c.History())
	assert.Empty(t, rec.finalized)
}

func TestCache_DropReturnFinalizesOnlyOnce(t *testing.T) {
	rec := &recorder{}
	c := NewCache(fakeMeta{}, rec)
	key := model.SessionKey{Pid: 4242, CreationTime: 1}

	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT 1", nil))
	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, key, "", nil))
	c.HandlePortalDropReturn()
	c.HandlePortalDropReturn()

	assert.Len(t, c.History(), 1)
	assert.Len(t, rec.finalized, 1)
}

func TestCache_DropEnterForUnknownKeyOnlyArmsTeardown(t *testing.T) {
	c := NewCache(fakeMeta{})
	known := model.SessionKey{Pid: 4242, CreationTime: 1}
	unknown := model.SessionKey{Pid: 4242, CreationTime: 2}
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, known, "SELECT 1", nil))

	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, unknown, "", nil))
	c.HandlePortalDropReturn()

	// Nothing was finalized, and the known session is untouched.
	assert.Len(t, c.Open(), 1)
	assert.Empty(t, c.History())
}

// Two teardowns entering before either returns: the later enter wins the
// pending slot. PortalDrop pairs nest on a single backend, so this only
// happens with lost return events.
func TestCache_InterleavedTeardownsKeepLatestPending(t *testing.T) {
	rec := &recorder{}
	c := NewCache(fakeMeta{}, rec)
	keyA := model.SessionKey{Pid: 4242, CreationTime: 1}
	keyB := model.SessionKey{Pid: 4242, CreationTime: 2}

	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, keyA, "SELECT 'a'", nil))
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, keyB, "SELECT 'b'", nil))
	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, keyA, "", nil))
	c.HandlePortalDropEnter(portalEv(bpf.KindPortalDropEnter, keyB, "", nil))
	c.HandlePortalDropReturn()
	c.HandlePortalDropReturn()

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, keyB, history[0].Key)
	assert.Len(t, c.Open(), 1)
	assert.Contains(t, c.Open(), keyA)
}

func TestCache_PlanNodeRoutedToItsSession(t *testing.T) {
	c := NewCache(fakeMeta{})
	key := model.SessionKey{Pid: 4242, CreationTime: 1}
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT 1", nil))

	c.HandlePlanNode(&bpf.PlanNodeEvent{Key: key, PlanStateAddr: 0xA}, noFrames())

	q := c.Open()[key]
	_, ok := q.Node(0xA)
	assert.True(t, ok)
}

func TestCache_PlanNodeForUnknownKeyIsDropped(t *testing.T) {
	c := NewCache(fakeMeta{})
	key := model.SessionKey{Pid: 4242, CreationTime: 1}
	c.HandleExecutorStart(portalEv(bpf.KindExecutorStart, key, "SELECT 1", nil))

	c.HandlePlanNode(&bpf.PlanNodeEvent{Key: model.SessionKey{Pid: 9999}, PlanStateAddr: 0xA}, noFrames())

	q := c.Open()[key]
	assert.Empty(t, q.Nodes())
}
