// Package model holds the reconstructed state of PostgreSQL query
// executions: the Query entity built up from portal lifecycle events and
// the per-query plan tree inferred from plan node reports.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/metadata"
	"github.com/mrzor/pg-query-tracer/internal/pgtime"
)

// ErrInvalidPlanTree reports a plan with zero or several root candidates.
var ErrInvalidPlanTree = errors.New("model: invalid plan tree")

// SessionKey identifies one portal execution instance.
type SessionKey = bpf.PortalKey

// Metadata is the subset of the process metadata provider the model needs.
type Metadata interface {
	StructLayout(name string) (*metadata.StructLayout, error)
}

// Query is one query execution reconstructed from probe events.
//
// Fields use explicit pointers to distinguish "not observed yet" from a
// genuine zero value: probes re-send every field on every event, and an
// empty buffer means "no new information", not "clear the field".
//
// nodes is the arena owning every PlanState of this query's plan tree,
// keyed by the PlanState address inside the target backend. Addresses are
// only meaningful within one Query; the backend reuses memory across
// executions, so lookups must never cross into another Query's arena.
type Query struct {
	Key        SessionKey
	StartTS    *time.Time
	Text       *string
	Instrument *Instrument
	SearchPath *string

	nodes map[uint64]*PlanState
}

// NewQueryFromEvent builds a Query from the first portal event seen for its
// key.
func NewQueryFromEvent(meta Metadata, ev *bpf.PortalEvent) *Query {
	q := &Query{
		Key:   ev.Key,
		nodes: make(map[uint64]*PlanState),
	}
	if ev.Key.CreationTime != 0 {
		ts := pgtime.MicrosToTime(ev.Key.CreationTime)
		q.StartTS = &ts
	}
	if text, ok := decodeCString(ev.QueryText); ok {
		q.Text = &text
	}
	if instr, err := parseInstrument(meta, ev.Instrument); err == nil && !instr.isZero() {
		q.Instrument = instr
	}
	if sp, ok := decodeCString(ev.SearchPath); ok {
		q.SearchPath = &sp
	}
	return q
}

// UpdateFromEvent merges a later portal event into the query. Empty fields
// carry no new information and leave the stored value alone.
//
// Instrumentation is the one exception to "latest non-empty wins": a
// snapshot only replaces a stored one while its running flag is set. Events
// can arrive out of logical order, and a late "not running" snapshot must
// never clobber a captured running one.
func (q *Query) UpdateFromEvent(meta Metadata, ev *bpf.PortalEvent) {
	if instr, err := parseInstrument(meta, ev.Instrument); err == nil && !instr.isZero() &&
		(q.Instrument == nil || instr.Running) {
		q.Instrument = instr
	}
	if ev.Key.CreationTime != 0 {
		ts := pgtime.MicrosToTime(ev.Key.CreationTime)
		q.StartTS = &ts
	}
	if text, ok := decodeCString(ev.QueryText); ok {
		q.Text = &text
	}
	if sp, ok := decodeCString(ev.SearchPath); ok {
		q.SearchPath = &sp
	}
}

// StartTime returns the portal creation time, if observed.
func (q *Query) StartTime() (time.Time, bool) {
	if q.StartTS == nil {
		return time.Time{}, false
	}
	return *q.StartTS, true
}

// Runtime returns the query's total runtime from the latest instrumentation
// snapshot, if one was captured.
func (q *Query) Runtime() (time.Duration, bool) {
	if q.Instrument == nil {
		return 0, false
	}
	return q.Instrument.Counter, true
}

// RootNode returns the plan tree's unique parentless node. A tree still
// being assembled may transiently have zero or several parentless nodes, so
// this is checked here at read time rather than during ingestion.
func (q *Query) RootNode() (*PlanState, error) {
	var root *PlanState
	count := 0
	for _, node := range q.nodes {
		if !node.HasParent {
			root = node
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: %d root candidates, want 1", ErrInvalidPlanTree, count)
	}
	return root, nil
}

// Node returns the PlanState at addr within this query's arena.
func (q *Query) Node(addr uint64) (*PlanState, bool) {
	node, ok := q.nodes[addr]
	return node, ok
}

// Nodes returns the query's node arena. The query owns every entry; callers
// must treat the map as read-only.
func (q *Query) Nodes() map[uint64]*PlanState {
	return q.nodes
}

// decodeCString extracts a NUL-terminated string from a fixed-size probe
// buffer. An empty or non-UTF-8 buffer decodes to absent; malformed text
// never propagates an error.
func decodeCString(buf []byte) (string, bool) {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) == 0 || !utf8.Valid(buf) {
		return "", false
	}
	return string(buf), true
}
