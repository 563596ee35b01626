// Package bpfloader manages the lifecycle of the eBPF probes: loading the
// compiled object, injecting target-specific layout constants, attaching
// uprobes at every entry address of each probed function, and opening the
// event ring buffer.
package bpfloader

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/mrzor/pg-query-tracer/internal/metadata"
)

// uprobes maps each probed PostgreSQL function to the BPF program handling
// it. PortalDrop gets both an entry and a return probe: the portal's data
// is only safe to read on entry, but it is gone only after the return.
var uprobes = []struct {
	target  string
	program string
	ret     bool
}{
	{target: "standard_ExecutorStart", program: "executorstart_enter"},
	{target: "ExecutorFinish", program: "executorfinish_enter"},
	{target: "PortalDrop", program: "portaldrop_enter"},
	{target: "PortalDrop", program: "portaldrop_return", ret: true},
	{target: "ExecProcNodeFirst", program: "execprocnode_enter"},
}

// layoutConstants lists the struct members whose offsets the BPF program
// needs; it cannot include PostgreSQL headers, so the offsets are read
// from DWARF and injected as constants before loading.
var layoutConstants = []struct {
	constName  string
	structName string
	fieldName  string
}{
	{"off_portaldata_querydesc", "PortalData", "queryDesc"},
	{"off_portaldata_creation_time", "PortalData", "creation_time"},
	{"off_querydesc_sourcetext", "QueryDesc", "sourceText"},
	{"off_querydesc_instrument_options", "QueryDesc", "instrument_options"},
	{"off_querydesc_planstate", "QueryDesc", "planstate"},
	{"off_planstate_instrument", "PlanState", "instrument"},
}

// Loader manages the lifecycle of the BPF collection and its attachments.
type Loader struct {
	coll  *ebpf.Collection
	exe   *link.Executable
	meta  *metadata.ProcessProvider
	links []link.Link
}

// New loads the compiled BPF object, rewrites its target-specific
// constants from metadata, and loads the collection into the kernel.
func New(objPath string, meta *metadata.ProcessProvider) (*Loader, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", objPath, err)
	}

	consts, err := buildConstants(meta)
	if err != nil {
		return nil, err
	}
	if err := spec.RewriteConstants(consts); err != nil {
		return nil, fmt.Errorf("rewriting BPF constants: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF collection: %w", err)
	}

	exe, err := link.OpenExecutable(meta.ExePath())
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("opening target executable for uprobes: %w", err)
	}

	return &Loader{coll: coll, exe: exe, meta: meta}, nil
}

// buildConstants assembles the constant map injected into the BPF program:
// the traced pid, global variable addresses, the Instrumentation size, and
// the struct member offsets the probes read.
func buildConstants(meta *metadata.ProcessProvider) (map[string]interface{}, error) {
	consts := map[string]interface{}{
		"target_pid":     uint32(meta.Pid()), //nolint:gosec // pids fit in uint32
		"stack_top_addr": meta.StackTop(),
	}

	activePortal, err := meta.GlobalAddress("ActivePortal")
	if err != nil {
		return nil, err
	}
	consts["active_portal_addr"] = activePortal

	searchPath, err := meta.GlobalAddress("namespace_search_path")
	if err != nil {
		return nil, err
	}
	consts["search_path_addr"] = searchPath

	instrLayout, err := meta.StructLayout("Instrumentation")
	if err != nil {
		return nil, err
	}
	consts["instrument_size"] = instrLayout.Size

	for _, lc := range layoutConstants {
		layout, err := meta.StructLayout(lc.structName)
		if err != nil {
			return nil, err
		}
		off, err := layout.FieldOffset(lc.fieldName)
		if err != nil {
			return nil, err
		}
		consts[lc.constName] = off
	}

	return consts, nil
}

// Attach attaches every probe at every entry address of its target
// function.
func (l *Loader) Attach() error {
	for _, probe := range uprobes {
		prog, ok := l.coll.Programs[probe.program]
		if !ok {
			return l.closeErrorf(fmt.Sprintf("BPF object has no program %q", probe.program), nil)
		}
		addrs, err := l.meta.FunctionAddresses(probe.target)
		if err != nil {
			return l.closeErrorf(fmt.Sprintf("locating %s", probe.target), err)
		}
		for _, addr := range addrs {
			opts := &link.UprobeOptions{Address: addr}
			var lnk link.Link
			if probe.ret {
				lnk, err = l.exe.Uretprobe(probe.target, prog, opts)
			} else {
				lnk, err = l.exe.Uprobe(probe.target, prog, opts)
			}
			if err != nil {
				return l.closeErrorf(fmt.Sprintf("attaching %s at %#x", probe.target, addr), err)
			}
			l.links = append(l.links, lnk)
		}
	}
	return nil
}

// OpenRingBuffer opens a reader on the event ring buffer.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	m, ok := l.coll.Maps["event_ring"]
	if !ok {
		return nil, fmt.Errorf("BPF object has no map %q", "event_ring")
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// closeErrorf detaches everything attached so far and returns a formatted
// error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for _, lnk := range l.links {
		_ = lnk.Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	if e == nil {
		return fmt.Errorf("%s", errstr)
	}
	return fmt.Errorf("%s: %w", errstr, e)
}

// Close detaches all probes and releases the collection.
func (l *Loader) Close() error {
	var firstErr error
	for _, lnk := range l.links {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.links = nil
	l.coll.Close()
	return firstErr
}
