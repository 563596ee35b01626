// Package bpf mirrors the event structs emitted by the eBPF probes attached
// to the PostgreSQL backend.
//
// Portal events embed an Instrumentation blob whose size depends on the
// traced binary, so events cannot be decoded with a fixed Go struct; the
// decoders slice the raw sample at offsets derived from the runtime
// instrumentation size instead.
package bpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EventKind is the fixed-width discriminant carried as the first field of
// every ring buffer payload.
type EventKind uint16

// Event kinds emitted by the probes. Values match the C side.
const (
	KindExecutorStart    EventKind = 1
	KindExecutorFinish   EventKind = 2
	KindPortalDropEnter  EventKind = 3
	KindPortalDropReturn EventKind = 4
	KindPlanNode         EventKind = 5
)

func (k EventKind) String() string {
	switch k {
	case KindExecutorStart:
		return "ExecutorStart"
	case KindExecutorFinish:
		return "ExecutorFinish"
	case KindPortalDropEnter:
		return "PortalDropEnter"
	case KindPortalDropReturn:
		return "PortalDropReturn"
	case KindPlanNode:
		return "PlanNode"
	default:
		return fmt.Sprintf("EventKind(%d)", uint16(k))
	}
}

// Buffer capacities shared with the C program.
const (
	MaxQueryLen      = 2048
	MaxSearchPathLen = 1024
	MaxStackRead     = 4096
)

// Fixed field offsets within event payloads.
const (
	portalKeyOff   = 8
	portalQueryOff = 24

	planAddrOff    = 24
	planStackBase  = 32
	planFramePtr   = 40
	planInstrPtr   = 48
	planStackLen   = 56
	planInstrument = 64
)

// ErrShortEvent reports a payload too small for its declared kind.
var ErrShortEvent = errors.New("bpf: truncated event payload")

// KindOf decodes the kind discriminant of a raw payload.
func KindOf(raw []byte) (EventKind, error) {
	if len(raw) < 2 {
		return 0, ErrShortEvent
	}
	return EventKind(binary.LittleEndian.Uint16(raw)), nil
}

// PortalKey identifies one portal execution instance: the backend pid plus
// the portal's creation timestamp in microseconds since the Unix epoch.
// Never reused while that execution is open.
type PortalKey struct {
	Pid          uint64
	CreationTime uint64
}

// PortalEvent is the decoded payload of the four portal lifecycle kinds.
// The byte fields alias the raw sample.
type PortalEvent struct {
	Kind       EventKind
	Key        PortalKey
	QueryText  []byte
	Instrument []byte
	SearchPath []byte
}

// PortalEventSize returns the wire size of a portal event for a given
// Instrumentation struct size.
func PortalEventSize(instrSize int) int {
	return portalQueryOff + MaxQueryLen + instrSize + MaxSearchPathLen
}

// DecodePortalEvent decodes a portal lifecycle payload. instrSize is the
// target binary's Instrumentation struct size.
func DecodePortalEvent(raw []byte, instrSize int) (*PortalEvent, error) {
	if len(raw) < PortalEventSize(instrSize) {
		return nil, fmt.Errorf("%w: portal event is %d bytes, want %d",
			ErrShortEvent, len(raw), PortalEventSize(instrSize))
	}
	instrOff := portalQueryOff + MaxQueryLen
	pathOff := instrOff + instrSize
	return &PortalEvent{
		Kind: EventKind(binary.LittleEndian.Uint16(raw)),
		Key: PortalKey{
			Pid:          binary.LittleEndian.Uint64(raw[portalKeyOff:]),
			CreationTime: binary.LittleEndian.Uint64(raw[portalKeyOff+8:]),
		},
		QueryText:  raw[portalQueryOff:instrOff],
		Instrument: raw[instrOff:pathOff],
		SearchPath: raw[pathOff : pathOff+MaxSearchPathLen],
	}, nil
}

// PlanNodeEvent is the decoded payload of a plan node report: the reporting
// node's PlanState address, a raw stack capture with the registers needed to
// walk it, and the node's instrumentation blob. The byte fields alias the
// raw sample.
type PlanNodeEvent struct {
	Kind               EventKind
	Key                PortalKey
	PlanStateAddr      uint64
	StackBase          uint64 // stack pointer at capture time, address of Stack[0]
	FramePointer       uint64
	InstructionPointer uint64
	Instrument         []byte
	Stack              []byte
}

// PlanNodeEventSize returns the wire size of a plan node event for a given
// Instrumentation struct size.
func PlanNodeEventSize(instrSize int) int {
	return planInstrument + instrSize + MaxStackRead
}

// DecodePlanNodeEvent decodes a plan node report payload.
func DecodePlanNodeEvent(raw []byte, instrSize int) (*PlanNodeEvent, error) {
	if len(raw) < PlanNodeEventSize(instrSize) {
		return nil, fmt.Errorf("%w: plan node event is %d bytes, want %d",
			ErrShortEvent, len(raw), PlanNodeEventSize(instrSize))
	}
	stackOff := planInstrument + instrSize
	stackLen := binary.LittleEndian.Uint64(raw[planStackLen:])
	if stackLen > MaxStackRead {
		stackLen = MaxStackRead
	}
	return &PlanNodeEvent{
		Kind: EventKind(binary.LittleEndian.Uint16(raw)),
		Key: PortalKey{
			Pid:          binary.LittleEndian.Uint64(raw[portalKeyOff:]),
			CreationTime: binary.LittleEndian.Uint64(raw[portalKeyOff+8:]),
		},
		PlanStateAddr:      binary.LittleEndian.Uint64(raw[planAddrOff:]),
		StackBase:          binary.LittleEndian.Uint64(raw[planStackBase:]),
		FramePointer:       binary.LittleEndian.Uint64(raw[planFramePtr:]),
		InstructionPointer: binary.LittleEndian.Uint64(raw[planInstrPtr:]),
		Instrument:         raw[planInstrument:stackOff],
		Stack:              raw[stackOff : stackOff+int(stackLen)],
	}, nil
}
