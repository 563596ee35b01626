// Package metadata resolves layout and address information about a running
// PostgreSQL binary from its DWARF debug info and ELF symbol table.
//
// Struct layouts are materialized once into immutable StructLayout
// descriptors; nothing in this package mutates a layout after construction.
package metadata

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStruct is returned when no struct with the requested name
	// exists in the target's debug info.
	ErrUnknownStruct = errors.New("metadata: unknown struct")
	// ErrUnknownField is returned when a struct layout has no field with
	// the requested name.
	ErrUnknownField = errors.New("metadata: unknown field")
	// ErrUnknownSymbol is returned for unresolvable globals and functions.
	ErrUnknownSymbol = errors.New("metadata: unknown symbol")
)

// Field describes one member of a target struct.
type Field struct {
	Offset uint64
	Size   uint64
}

// StructLayout is an immutable layout descriptor for one target struct:
// its total size and the offset/size of every named member. Layouts are
// computed once from DWARF and shared; callers must not modify them.
type StructLayout struct {
	Name   string
	Size   uint64
	Fields map[string]Field
}

// Field returns the named member of the struct.
func (l *StructLayout) Field(name string) (Field, error) {
	f, ok := l.Fields[name]
	if !ok {
		return Field{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, l.Name, name)
	}
	return f, nil
}

// FieldOffset is a convenience accessor for a member's offset.
func (l *StructLayout) FieldOffset(name string) (uint64, error) {
	f, err := l.Field(name)
	if err != nil {
		return 0, err
	}
	return f.Offset, nil
}

// Provider resolves metadata about the traced binary and its live process.
// ProcessProvider is the DWARF-backed implementation; tests substitute fakes.
type Provider interface {
	// StructLayout returns the layout descriptor for a named struct.
	StructLayout(name string) (*StructLayout, error)

	// GlobalAddress returns the runtime address of a global variable.
	GlobalAddress(name string) (uint64, error)

	// FunctionAddresses returns every entry address of a function. A
	// function may have several (e.g. cloned or cold-split parts), and
	// probes must be attached at each of them.
	FunctionAddresses(name string) ([]uint64, error)

	// ResolveAddress returns the name of the function containing addr.
	ResolveAddress(addr uint64) (string, bool)

	// ArgFrameOffsets returns the CFA-relative stack offsets at which the
	// named function's formal parameters live, indexed by parameter
	// position. A parameter without a recoverable stack home is reported
	// as ArgOffsetUnknown.
	ArgFrameOffsets(function string) ([]int64, bool)

	// ReadMemory fills buf from the target process image at addr.
	ReadMemory(addr uint64, buf []byte) error
}

// ArgOffsetUnknown marks a formal parameter whose stack location could not
// be recovered from DWARF.
const ArgOffsetUnknown = int64(-1) << 62
