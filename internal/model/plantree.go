package model

import (
	"iter"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
)

// Frame is one symbolic call frame from a stack capture, as produced by the
// unwinder. FetchArg returns the n-th call argument (1-based).
type Frame interface {
	FunctionName() string
	FetchArg(n int) (uint64, error)
}

// execParentArg maps each executor function that takes a PlanState to the
// 1-based argument position carrying it. When such a frame appears in a
// node's stack capture, that argument is the address of the node's parent.
var execParentArg = map[string]int{
	"ExecProcNodeFirst":        1,
	"ExecProcNodeInstr":        1,
	"ExecProcNode":             1,
	"ExecAgg":                  1,
	"ExecAppend":               1,
	"ExecBitmapAnd":            1,
	"ExecBitmapHeapScan":       1,
	"ExecBitmapIndexScan":      1,
	"ExecBitmapOr":             1,
	"ExecCteScan":              1,
	"ExecCustomScan":           1,
	"ExecForeignScan":          1,
	"ExecFunctionScan":         1,
	"ExecGather":               1,
	"ExecGatherMerge":          1,
	"ExecGroup":                1,
	"ExecHash":                 1,
	"ExecHashJoin":             1,
	"ExecIncrementalSort":      1,
	"ExecIndexOnlyScan":        1,
	"ExecIndexScan":            1,
	"ExecLimit":                1,
	"ExecLockRows":             1,
	"ExecMaterial":             1,
	"ExecMemoize":              1,
	"ExecMergeAppend":          1,
	"ExecMergeJoin":            1,
	"ExecModifyTable":          1,
	"ExecNamedTuplestoreScan":  1,
	"ExecNestLoop":             1,
	"ExecProjectSet":           1,
	"ExecRecursiveUnion":       1,
	"ExecResult":               1,
	"ExecSampleScan":           1,
	"ExecSeqScan":              1,
	"ExecSetOp":                1,
	"ExecSort":                 1,
	"ExecSubqueryScan":         1,
	"ExecTableFuncScan":        1,
	"ExecTidRangeScan":         1,
	"ExecTidScan":              1,
	"ExecUnique":               1,
	"ExecValuesScan":           1,
	"ExecWindowAgg":            1,
	"ExecWorkTableScan":        1,
	"MultiExecHash":            1,
	"MultiExecBitmapIndexScan": 1,
	"MultiExecBitmapAnd":       1,
	"MultiExecBitmapOr":        1,
}

// AddNodeFromEvent adds a plan node report to this query's tree.
//
// Plan node events never carry a parent pointer, so structure is inferred
// by walking the captured stack outward and matching frames against
// execParentArg. Ancestors discovered along the way are created as stubs;
// when a later event arrives for such an address the node is already
// linked and only its data needs attaching. The walk stops early at the
// first already-resolved ancestor, which bounds total work across an event
// stream to roughly one walk per distinct node.
func (q *Query) AddNodeFromEvent(meta Metadata, ev *bpf.PlanNodeEvent, frames iter.Seq[Frame]) *PlanState {
	node, ok := q.nodes[ev.PlanStateAddr]
	if !ok {
		node = newPlanState(ev.PlanStateAddr)
		q.nodes[ev.PlanStateAddr] = node
	}
	node.applyInstrument(meta, ev.Instrument)

	// Ancestry was already established by a prior walk.
	if !node.Stub {
		return node
	}

	cur := node
	idx := 0
walk:
	for frame := range frames {
		idx++
		// Frame 0 is the reporting site itself, always self-referential.
		if idx == 1 {
			continue
		}
		argn, ok := execParentArg[frame.FunctionName()]
		if !ok {
			continue
		}
		parentAddr, err := frame.FetchArg(argn)
		if err != nil {
			// Resolution is best-effort: leave the node where the
			// walk got it to.
			break
		}
		// A recursive self-call never establishes a parent link.
		if parentAddr == cur.Addr {
			continue
		}

		parent, ok := q.nodes[parentAddr]
		if !ok {
			parent = newPlanState(parentAddr)
			q.nodes[parentAddr] = parent
		}
		cur.ParentAddr = parentAddr
		cur.HasParent = true
		parent.Children[cur.Addr] = struct{}{}

		// A non-stub parent already has its own ancestors connected.
		if !parent.Stub {
			break walk
		}
		cur = parent
	}

	node.Stub = false
	return node
}
