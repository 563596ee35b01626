package model

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/metadata"
)

const testInstrSize = 40

// fakeMeta serves a fixed Instrumentation layout: running byte at 0, a
// timespec counter at 8, tuplecount at 24 and ntuples at 32.
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

func portalEvent(kind bpf.EventKind, ctime uint64, text, searchPath string, instr []byte) *bpf.PortalEvent {
	if instr == nil {
		instr = make([]byte, testInstrSize)
	}
	return &bpf.PortalEvent{
		Kind:       kind,
		Key:        bpf.PortalKey{Pid: 4242, CreationTime: ctime},
		QueryText:  cbuf(text, bpf.MaxQueryLen),
		Instrument: instr,
		SearchPath: cbuf(searchPath, bpf.MaxSearchPathLen),
	}
}

func TestNewQueryFromEvent(t *testing.T) {
	ev := portalEvent(bpf.KindExecutorStart, 1_700_000_000_000_000, "SELECT 1", "public",
		instrBlob(false, 5*time.Millisecond, 3))

	q := NewQueryFromEvent(fakeMeta{}, ev)

	require.NotNil(t, q.Text)
	assert.Equal(t, "SELECT 1", *q.Text)
	require.NotNil(t, q.SearchPath)
	assert.Equal(t, "public", *q.SearchPath)

	start, ok := q.StartTime()
	require.True(t, ok)
	assert.Equal(t, time.UnixMicro(1_700_000_000_000_000), start)

	runtime, ok := q.Runtime()
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, runtime)
	assert.Equal(t, 3.0, q.Instrument.NTuples)
}

func TestNewQueryFromEvent_EmptyBuffersLeaveFieldsAbsent(t *testing.T) {
	q := NewQueryFromEvent(fakeMeta{}, &bpf.PortalEvent{Key: bpf.PortalKey{Pid: 4242}})

	assert.Nil(t, q.Text)
	assert.Nil(t, q.SearchPath)
	assert.Nil(t, q.Instrument)
	_, ok := q.StartTime()
	assert.False(t, ok)
	_, ok = q.Runtime()
	assert.False(t, ok)
}

func TestQuery_UpdateFromEvent_EmptyFieldsPreserveState(t *testing.T) {
	q := NewQueryFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorStart,
		1_700_000_000_000_000, "SELECT 1", "public", instrBlob(true, time.Millisecond, 1)))

	q.UpdateFromEvent(fakeMeta{}, &bpf.PortalEvent{Key: bpf.PortalKey{Pid: 4242}})

	require.NotNil(t, q.Text)
	assert.Equal(t, "SELECT 1", *q.Text)
	require.NotNil(t, q.SearchPath)
	assert.Equal(t, "public", *q.SearchPath)
	_, ok := q.StartTime()
	assert.True(t, ok)
	require.NotNil(t, q.Instrument)
	assert.Equal(t, time.Millisecond, q.Instrument.Counter)
}

func TestQuery_UpdateFromEvent_LatestNonEmptyWins(t *testing.T) {
	q := NewQueryFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorStart, 0, "", "", nil))

	q.UpdateFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorFinish,
		1_700_000_000_000_000, "FETCH 10 FROM c", "app, public", nil))

	require.NotNil(t, q.Text)
	assert.Equal(t, "FETCH 10 FROM c", *q.Text)
	require.NotNil(t, q.SearchPath)
	assert.Equal(t, "app, public", *q.SearchPath)
	start, ok := q.StartTime()
	require.True(t, ok)
	assert.Equal(t, time.UnixMicro(1_700_000_000_000_000), start)
}

func TestQuery_UpdateFromEvent_StoppedSnapshotNeverClobbersRunningOne(t *testing.T) {
	q := NewQueryFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorStart, 0, "SELECT 1", "",
		instrBlob(true, 10*time.Millisecond, 100)))

	q.UpdateFromEvent(fakeMeta{}, portalEvent(bpf.KindPortalDropEnter, 0, "", "",
		instrBlob(false, 2*time.Millisecond, 1)))

	require.NotNil(t, q.Instrument)
	assert.Equal(t, 10*time.Millisecond, q.Instrument.Counter)
	assert.Equal(t, 100.0, q.Instrument.NTuples)

	q.UpdateFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorFinish, 0, "", "",
		instrBlob(true, 20*time.Millisecond, 200)))

	assert.Equal(t, 20*time.Millisecond, q.Instrument.Counter)
	assert.Equal(t, 200.0, q.Instrument.NTuples)
}

func TestQuery_UpdateFromEvent_StoppedSnapshotFillsAbsence(t *testing.T) {
	q := NewQueryFromEvent(fakeMeta{}, portalEvent(bpf.KindExecutorStart, 0, "SELECT 1", "", nil))
	require.Nil(t, q.Instrument)

	// The final snapshot taken during teardown has running already cleared;
	// with nothing captured before, it is still the best information.
	q.UpdateFromEvent(fakeMeta{}, portalEvent(bpf.KindPortalDropEnter, 0, "", "",
		instrBlob(false, 5*time.Millisecond, 1)))

	runtime, ok := q.Runtime()
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, runtime)
}

func TestDecodeCString(t *testing.T) {
	s, ok := decodeCString(cbuf("SELECT 1", 32))
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", s)

	_, ok = decodeCString(make([]byte, 32))
	assert.False(t, ok)

	_, ok = decodeCString(nil)
	assert.False(t, ok)

	_, ok = decodeCString([]byte{0xff, 0xfe, 0xfd})
	assert.False(t, ok)
}
