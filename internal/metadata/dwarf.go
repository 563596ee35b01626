package metadata

import (
	"bufio"
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ProcessProvider implements Provider for a live process, backed by the DWARF
// debug info and ELF symbol table of its executable and by /proc/<pid>/mem
// for raw memory reads.
//
// All lookups are cached: layouts and argument locations are extracted from
// DWARF once per name, symbols are indexed once at construction.
type ProcessProvider struct {
	pid      int
	exePath  string
	elfFile  *elf.File
	dwarfs   *dwarf.Data
	mem      *os.File
	loadBias uint64
	stackTop uint64

	funcRanges []funcRange         // sorted by Start, runtime addresses
	funcAddrs  map[string][]uint64 // function name -> runtime entry addresses
	globals    map[string]uint64   // object name -> runtime address

	mu         sync.Mutex
	layouts    map[string]*StructLayout
	argOffsets map[string][]int64
}

type funcRange struct {
	Start uint64
	End   uint64
	Name  string
}

var _ Provider = (*ProcessProvider)(nil)

// NewProcessProvider opens the executable of the given pid and indexes its
// symbols. The process must outlive the provider for memory reads to work.
func NewProcessProvider(pid int) (*ProcessProvider, error) {
	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	ef, err := elf.Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("opening target executable: %w", err)
	}

	dw, err := ef.DWARF()
	if err != nil {
		_ = ef.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("loading DWARF info (is the binary built with debug symbols?): %w", err)
	}

	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		_ = ef.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("opening target memory: %w", err)
	}

	p := &ProcessProvider{
		pid:        pid,
		exePath:    exePath,
		elfFile:    ef,
		dwarfs:     dw,
		mem:        mem,
		funcAddrs:  make(map[string][]uint64),
		globals:    make(map[string]uint64),
		layouts:    make(map[string]*StructLayout),
		argOffsets: make(map[string][]int64),
	}

	if err := p.readMaps(); err != nil {
		_ = p.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, err
	}
	if err := p.indexSymbols(); err != nil {
		_ = p.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, err
	}

	return p, nil
}

// Close releases the executable and memory handles.
func (p *ProcessProvider) Close() error {
	var firstErr error
	if err := p.elfFile.Close(); err != nil {
		firstErr = err
	}
	if err := p.mem.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Pid returns the traced process id.
func (p *ProcessProvider) Pid() int { return p.pid }

// ExePath returns the /proc path of the target executable, suitable for
// uprobe attachment.
func (p *ProcessProvider) ExePath() string { return p.exePath }

// StackTop returns the highest address of the target's main thread stack.
func (p *ProcessProvider) StackTop() uint64 { return p.stackTop }

// readMaps extracts the executable's load bias and the stack boundaries
// from /proc/<pid>/maps.
func (p *ProcessProvider) readMaps() error {
	target, err := os.Readlink(p.exePath)
	if err != nil {
		return fmt.Errorf("resolving target executable path: %w", err)
	}

	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return fmt.Errorf("opening target maps: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	biasFound := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}

		if len(fields) >= 6 && fields[5] == "[stack]" {
			p.stackTop = end
			continue
		}

		if biasFound || len(fields) < 6 || fields[5] != target {
			continue
		}
		mapOff, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		// The bias is the delta between where the first matching PT_LOAD
		// segment was mapped and its link-time virtual address.
		for _, prog := range p.elfFile.Progs {
			if prog.Type != elf.PT_LOAD {
				continue
			}
			if mapOff >= prog.Off && mapOff < prog.Off+prog.Filesz {
				p.loadBias = start - (prog.Vaddr + (mapOff - prog.Off))
				biasFound = true
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading target maps: %w", err)
	}
	if !biasFound {
		return fmt.Errorf("no mapping of %s found in /proc/%d/maps", target, p.pid)
	}
	return nil
}

// indexSymbols builds the function and global-variable indexes from the ELF
// symbol table, translated to runtime addresses.
func (p *ProcessProvider) indexSymbols() error {
	syms, err := p.elfFile.Symbols()
	if err != nil {
		return fmt.Errorf("reading symbol table: %w", err)
	}

	for _, sym := range syms {
		if sym.Name == "" || sym.Value == 0 {
			continue
		}
		addr := sym.Value + p.loadBias
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			p.funcAddrs[sym.Name] = append(p.funcAddrs[sym.Name], addr)
			p.funcRanges = append(p.funcRanges, funcRange{
				Start: addr,
				End:   addr + sym.Size,
				Name:  sym.Name,
			})
		case elf.STT_OBJECT:
			p.globals[sym.Name] = addr
		}
	}

	sort.Slice(p.funcRanges, func(i, j int) bool {
		return p.funcRanges[i].Start < p.funcRanges[j].Start
	})
	return nil
}

// GlobalAddress returns the runtime address of a global variable.
func (p *ProcessProvider) GlobalAddress(name string) (uint64, error) {
	addr, ok := p.globals[name]
	if !ok {
		return 0, fmt.Errorf("%w: global %s", ErrUnknownSymbol, name)
	}
	return addr, nil
}

// FunctionAddresses returns every runtime entry address of a function.
func (p *ProcessProvider) FunctionAddresses(name string) ([]uint64, error) {
	addrs, ok := p.funcAddrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %s", ErrUnknownSymbol, name)
	}
	return addrs, nil
}

// ResolveAddress returns the name of the function containing addr.
func (p *ProcessProvider) ResolveAddress(addr uint64) (string, bool) {
	i := sort.Search(len(p.funcRanges), func(i int) bool {
		return p.funcRanges[i].Start > addr
	})
	if i == 0 {
		return "", false
	}
	fr := p.funcRanges[i-1]
	if addr >= fr.End && fr.End > fr.Start {
		return "", false
	}
	return fr.Name, true
}

// StructLayout returns the layout descriptor for a named struct, extracting
// it from DWARF on first use.
func (p *ProcessProvider) StructLayout(name string) (*StructLayout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.layouts[name]; ok {
		return l, nil
	}

	entry, err := p.findEntry(name, dwarf.TagStructType, dwarf.TagTypedef)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStruct, name)
	}

	typ, err := p.dwarfs.Type(entry.Offset)
	if err != nil {
		return nil, fmt.Errorf("reading type of %s: %w", name, err)
	}
	for {
		td, ok := typ.(*dwarf.TypedefType)
		if !ok {
			break
		}
		typ = td.Type
	}
	st, ok := typ.(*dwarf.StructType)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrUnknownStruct, name)
	}

	layout := &StructLayout{
		Name:   name,
		Size:   uint64(st.ByteSize),
		Fields: make(map[string]Field, len(st.Field)),
	}
	for _, f := range st.Field {
		size := int64(0)
		if f.Type != nil {
			size = f.Type.Size()
		}
		layout.Fields[f.Name] = Field{
			Offset: uint64(f.ByteOffset),
			Size:   uint64(size),
		}
	}

	p.layouts[name] = layout
	return layout, nil
}

// ArgFrameOffsets returns the CFA-relative stack offsets of a function's
// formal parameters, extracted from the DWARF parameter locations.
func (p *ProcessProvider) ArgFrameOffsets(function string) ([]int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offs, ok := p.argOffsets[function]; ok {
		return offs, ok
	}

	entry, err := p.findEntry(function, dwarf.TagSubprogram)
	if err != nil {
		return nil, false
	}

	var offsets []int64
	r := p.dwarfs.Reader()
	r.Seek(entry.Offset)
	if _, err := r.Next(); err != nil {
		return nil, false
	}
	for {
		child, err := r.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagFormalParameter {
			r.SkipChildren()
			continue
		}
		offsets = append(offsets, paramFrameOffset(child))
		r.SkipChildren()
	}

	p.argOffsets[function] = offsets
	return offsets, true
}

// paramFrameOffset decodes a formal parameter's DW_AT_location when it is a
// simple DW_OP_fbreg expression. With a DW_OP_call_frame_cfa frame base (the
// norm for frame-pointer builds) the operand is a CFA-relative offset.
func paramFrameOffset(e *dwarf.Entry) int64 {
	const dwOpFbreg = 0x91

	loc, ok := e.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) < 2 || loc[0] != dwOpFbreg {
		return ArgOffsetUnknown
	}
	off, n := decodeSLEB128(loc[1:])
	if n == 0 {
		return ArgOffsetUnknown
	}
	return off
}

// decodeSLEB128 decodes a signed LEB128 value, returning the value and the
// number of bytes consumed (0 when the encoding is truncated).
func decodeSLEB128(b []byte) (int64, int) {
	var result int64
	var shift uint
	for i, c := range b {
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1
		}
	}
	return 0, 0
}

// findEntry scans the DWARF tree for a named entry with one of the given tags.
func (p *ProcessProvider) findEntry(name string, tags ...dwarf.Tag) (*dwarf.Entry, error) {
	r := p.dwarfs.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("scanning DWARF for %s: %w", name, err)
		}
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
		}
		for _, tag := range tags {
			if e.Tag != tag {
				continue
			}
			if n, _ := e.Val(dwarf.AttrName).(string); n == name {
				return e, nil
			}
		}
	}
}

// ReadMemory fills buf from the target process image at addr.
func (p *ProcessProvider) ReadMemory(addr uint64, buf []byte) error {
	if _, err := p.mem.ReadAt(buf, int64(addr)); err != nil { //nolint:gosec // Addresses fit in int64 on linux/amd64
		return fmt.Errorf("reading %d bytes at %#x: %w", len(buf), addr, err)
	}
	return nil
}
