// Package unwind reconstructs symbolic call frames from the raw stack
// captures delivered with plan node events.
//
// The walk follows the saved frame pointer chain inside the captured window,
// so it only works against binaries built with frame pointers (the norm for
// distribution PostgreSQL packages). Arguments are recovered from their
// DWARF-reported spill slots relative to each frame's CFA; an argument
// without a recoverable slot fails with ErrArgNotRecovered rather than
// aborting the walk.
package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"github.com/mrzor/pg-query-tracer/internal/metadata"
)

// Resolver is the metadata subset the unwinder needs.
type Resolver interface {
	// ResolveAddress returns the name of the function containing addr.
	ResolveAddress(addr uint64) (string, bool)
	// ArgFrameOffsets returns the CFA-relative spill slots of a
	// function's formal parameters.
	ArgFrameOffsets(function string) ([]int64, bool)
}

// MemReader reads from the live target process. A resolver that also
// implements it lets walks continue past the end of the captured window,
// at the cost of racing the still-running target.
type MemReader interface {
	ReadMemory(addr uint64, buf []byte) error
}

var (
	// ErrArgNotRecovered reports an argument without a readable stack home.
	ErrArgNotRecovered = errors.New("unwind: argument not recoverable")
	// ErrOutOfCapture reports a read outside the captured stack window.
	ErrOutOfCapture = errors.New("unwind: address outside captured stack")
)

// Walks never follow more frames than this; a frame pointer chain that runs
// longer inside a 4 KiB capture is corrupt.
const maxFrames = 128

// AddressSpace exposes a raw stack capture as an ordered, restartable
// sequence of symbolic frames.
type AddressSpace struct {
	capture  []byte
	base     uint64 // target address of capture[0]
	ip       uint64
	fp       uint64
	resolver Resolver
	mem      MemReader
}

// NewAddressSpace wraps a stack capture. base is the target address the
// capture starts at (the stack pointer at capture time); ip and fp are the
// instruction and frame pointer registers at capture time.
func NewAddressSpace(capture []byte, base, ip, fp uint64, resolver Resolver) *AddressSpace {
	a := &AddressSpace{
		capture:  capture,
		base:     base,
		ip:       ip,
		fp:       fp,
		resolver: resolver,
	}
	if mr, ok := resolver.(MemReader); ok {
		a.mem = mr
	}
	return a
}

// read64 reads a little-endian quadword, from the captured window when the
// address falls inside it, from live target memory otherwise.
func (a *AddressSpace) read64(addr uint64) (uint64, error) {
	if addr >= a.base && addr+8 <= a.base+uint64(len(a.capture)) {
		return binary.LittleEndian.Uint64(a.capture[addr-a.base:]), nil
	}
	if a.mem != nil {
		var buf [8]byte
		if err := a.mem.ReadMemory(addr, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return 0, fmt.Errorf("%w: %#x", ErrOutOfCapture, addr)
}

// Frame is one reconstructed call frame.
type Frame struct {
	name  string
	cfa   uint64
	space *AddressSpace
}

// FunctionName returns the resolved function name, or "" when the frame's
// address falls outside every known function.
func (f *Frame) FunctionName() string { return f.name }

// FetchArg returns the n-th call argument (1-based) of this frame, read
// from its spill slot in the captured stack.
func (f *Frame) FetchArg(n int) (uint64, error) {
	if f.name == "" || n < 1 {
		return 0, ErrArgNotRecovered
	}
	offsets, ok := f.space.resolver.ArgFrameOffsets(f.name)
	if !ok || n > len(offsets) {
		return 0, fmt.Errorf("%w: %s arg %d", ErrArgNotRecovered, f.name, n)
	}
	off := offsets[n-1]
	if off == metadata.ArgOffsetUnknown {
		return 0, fmt.Errorf("%w: %s arg %d has no stack home", ErrArgNotRecovered, f.name, n)
	}
	return f.space.read64(uint64(int64(f.cfa) + off))
}

// Frames returns the frame sequence, innermost first. Frame 0 is the probe
// site itself. The walk stops as soon as the frame pointer chain leaves the
// captured window or stops growing.
func (a *AddressSpace) Frames() iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		name, _ := a.resolver.ResolveAddress(a.ip)
		if !yield(&Frame{name: name, cfa: a.fp + 16, space: a}) {
			return
		}

		fp := a.fp
		for i := 1; i < maxFrames; i++ {
			retAddr, err := a.read64(fp + 8)
			if err != nil {
				return
			}
			callerFP, err := a.read64(fp)
			if err != nil {
				return
			}
			name, _ := a.resolver.ResolveAddress(retAddr)
			if !yield(&Frame{name: name, cfa: callerFP + 16, space: a}) {
				return
			}
			if callerFP <= fp {
				return
			}
			fp = callerFP
		}
	}
}
