package eventstream

import (
	"errors"
	"fmt"
	"iter"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/model"
	"github.com/mrzor/pg-query-tracer/internal/sessions"
	"github.com/mrzor/pg-query-tracer/internal/unwind"
)

// ErrUnknownEventKind reports a payload whose kind discriminant matches no
// registered handler. The offending event is discarded; the stream goes on.
var ErrUnknownEventKind = errors.New("eventstream: unknown event kind")

// Dispatcher decodes the kind discriminant of each raw payload and routes
// it to the matching handler. Pure routing: all state lives in the session
// cache.
//
// The handler table is keyed by event kind and built once at construction.
type Dispatcher struct {
	cache     *sessions.Cache
	resolver  unwind.Resolver
	instrSize int
	handlers  map[bpf.EventKind]func(raw []byte) error
}

// NewDispatcher creates a dispatcher routing into the given session cache.
// instrSize is the target binary's Instrumentation struct size, needed to
// slice the variable-layout payloads.
func NewDispatcher(cache *sessions.Cache, resolver unwind.Resolver, instrSize int) *Dispatcher {
	d := &Dispatcher{
		cache:     cache,
		resolver:  resolver,
		instrSize: instrSize,
	}
	d.handlers = map[bpf.EventKind]func([]byte) error{
		bpf.KindExecutorStart:    d.handleExecutorStart,
		bpf.KindExecutorFinish:   d.handleExecutorFinish,
		bpf.KindPortalDropEnter:  d.handlePortalDropEnter,
		bpf.KindPortalDropReturn: d.handlePortalDropReturn,
		bpf.KindPlanNode:         d.handlePlanNode,
	}
	return d
}

// Dispatch routes one raw payload. Any returned error is scoped to that
// single event.
func (d *Dispatcher) Dispatch(raw []byte) error {
	kind, err := bpf.KindOf(raw)
	if err != nil {
		return err
	}
	handler, ok := d.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEventKind, uint16(kind))
	}
	return handler(raw)
}

func (d *Dispatcher) handleExecutorStart(raw []byte) error {
	ev, err := bpf.DecodePortalEvent(raw, d.instrSize)
	if err != nil {
		return err
	}
	d.cache.HandleExecutorStart(ev)
	return nil
}

func (d *Dispatcher) handleExecutorFinish(raw []byte) error {
	ev, err := bpf.DecodePortalEvent(raw, d.instrSize)
	if err != nil {
		return err
	}
	d.cache.HandleExecutorFinish(ev)
	return nil
}

func (d *Dispatcher) handlePortalDropEnter(raw []byte) error {
	ev, err := bpf.DecodePortalEvent(raw, d.instrSize)
	if err != nil {
		return err
	}
	d.cache.HandlePortalDropEnter(ev)
	return nil
}

func (d *Dispatcher) handlePortalDropReturn([]byte) error {
	d.cache.HandlePortalDropReturn()
	return nil
}

func (d *Dispatcher) handlePlanNode(raw []byte) error {
	ev, err := bpf.DecodePlanNodeEvent(raw, d.instrSize)
	if err != nil {
		return err
	}
	space := unwind.NewAddressSpace(ev.Stack, ev.StackBase, ev.InstructionPointer, ev.FramePointer, d.resolver)
	d.cache.HandlePlanNode(ev, frameSeq(space))
	return nil
}

// frameSeq adapts the unwinder's concrete frames to the model's Frame
// interface.
func frameSeq(space *unwind.AddressSpace) iter.Seq[model.Frame] {
	return func(yield func(model.Frame) bool) {
		for f := range space.Frames() {
			if !yield(f) {
				return
			}
		}
	}
}
