package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/mrzor/pg-query-tracer/internal/pgtime"
)

// PlanState is one node of a query's execution plan tree, identified by the
// address of its runtime execution-state struct inside the backend.
//
// Parent and children are relational references (addresses into the owning
// Query's arena), never direct pointers, so the arena stays the single
// owner and no reference cycles form.
type PlanState struct {
	Addr       uint64
	ParentAddr uint64
	HasParent  bool
	Children   map[uint64]struct{}

	// Stub marks a node discovered only as an ancestor during another
	// node's stack walk; it flips to false once a walk starting at this
	// node completes.
	Stub bool

	Instrument *Instrument
}

func newPlanState(addr uint64) *PlanState {
	return &PlanState{
		Addr:     addr,
		Children: make(map[uint64]struct{}),
		Stub:     true,
	}
}

// applyInstrument merges an instrumentation blob into the node, with the
// same running-snapshot precedence as Query.UpdateFromEvent.
func (p *PlanState) applyInstrument(meta Metadata, raw []byte) {
	instr, err := parseInstrument(meta, raw)
	if err != nil || instr.isZero() {
		return
	}
	if p.Instrument == nil || instr.Running {
		p.Instrument = instr
	}
}

// Instrument is a decoded snapshot of the backend's Instrumentation struct:
// a running flag plus elapsed-time and row counters.
type Instrument struct {
	Running    bool
	Counter    time.Duration
	TupleCount float64
	NTuples    float64
}

// isZero reports an all-zero snapshot, as sent by probes that fire before
// any instrumentation ran. It carries no information.
func (in *Instrument) isZero() bool {
	return !in.Running && in.Counter == 0 && in.TupleCount == 0 && in.NTuples == 0
}

// parseInstrument decodes a raw Instrumentation blob using the layout
// extracted from the target binary. The layout is target-dependent and
// never hard-coded.
func parseInstrument(meta Metadata, raw []byte) (*Instrument, error) {
	layout, err := meta.StructLayout("Instrumentation")
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) < layout.Size {
		return nil, fmt.Errorf("instrumentation blob is %d bytes, layout needs %d", len(raw), layout.Size)
	}

	running, err := layout.Field("running")
	if err != nil {
		return nil, err
	}
	counter, err := layout.Field("counter")
	if err != nil {
		return nil, err
	}
	tuplecount, err := layout.Field("tuplecount")
	if err != nil {
		return nil, err
	}
	ntuples, err := layout.Field("ntuples")
	if err != nil {
		return nil, err
	}

	// counter is an instr_time, a struct timespec on linux.
	sec := int64(binary.LittleEndian.Uint64(raw[counter.Offset:]))
	nsec := int64(binary.LittleEndian.Uint64(raw[counter.Offset+8:]))

	return &Instrument{
		Running:    raw[running.Offset] != 0,
		Counter:    pgtime.TimespecToDuration(sec, nsec),
		TupleCount: math.Float64frombits(binary.LittleEndian.Uint64(raw[tuplecount.Offset:])),
		NTuples:    math.Float64frombits(binary.LittleEndian.Uint64(raw[ntuples.Offset:])),
	}, nil
}
