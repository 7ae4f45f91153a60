// Package jobres holds the read-mostly projection of a job's allocation
// that step scheduling debits and credits. Indices into the per-node
// arrays are job-local: position k describes the k-th set bit of
// NodeBitmap. Mutations happen only through the step manager's alloc,
// dealloc and core-paint paths.
package jobres

import (
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
)

type Resources struct {
	// Nodes of the allocation, over the global node table.
	NodeBitmap *bitmap.Bitmap
	// Number of set bits in NodeBitmap.
	NHosts int

	// Per job-local node index.
	CPUs     []uint16
	CPUsUsed []uint16

	// Run-length encoded view of CPUs: CPUArrayValue[k] repeated
	// CPUArrayReps[k] times. A single entry means a homogeneous layout.
	CPUArrayValue []uint16
	CPUArrayReps  []uint32

	// Memory in MiB; nil when memory is not a managed resource for
	// this job.
	MemoryAllocated []uint32
	MemoryUsed      []uint32

	// Flat (node, socket, core) bitmaps; nil on systems without core
	// level accounting. CoreBitmapUsed shadows CoreBitmap with the cells
	// currently held by steps.
	CoreBitmap     *bitmap.Bitmap
	CoreBitmapUsed *bitmap.Bitmap

	// Socket/core geometry, run-length encoded per node:
	// SocketsPerNode[k] and CoresPerSocket[k] apply to
	// SockCoreRepCount[k] consecutive nodes.
	SocketsPerNode   []uint16
	CoresPerSocket   []uint16
	SockCoreRepCount []uint32
}

// CntOnNode returns the socket and per-socket core counts for a job-local
// node index.
func (r *Resources) CntOnNode(nodeIdx int) (sockets, cores uint16, err error) {
	if nodeIdx < 0 || nodeIdx >= r.NHosts {
		return 0, 0, errors.Errorf("jobres: node index %d out of range", nodeIdx)
	}
	n := 0
	for k := range r.SockCoreRepCount {
		n += int(r.SockCoreRepCount[k])
		if nodeIdx < n {
			return r.SocketsPerNode[k], r.CoresPerSocket[k], nil
		}
	}
	return 0, 0, errors.Errorf("jobres: geometry missing for node index %d", nodeIdx)
}

// Offset returns the CoreBitmap bit index of (nodeIdx, socket, core).
func (r *Resources) Offset(nodeIdx, socket, core int) (int, error) {
	sockets, cores, err := r.CntOnNode(nodeIdx)
	if err != nil {
		return 0, err
	}
	if socket < 0 || socket >= int(sockets) || core < 0 || core >= int(cores) {
		return 0, errors.Errorf("jobres: cell (%d,%d) outside %dx%d geometry of node %d",
			socket, core, sockets, cores, nodeIdx)
	}
	base := 0
	seen := 0
	for k := range r.SockCoreRepCount {
		reps := int(r.SockCoreRepCount[k])
		cells := int(r.SocketsPerNode[k]) * int(r.CoresPerSocket[k])
		if nodeIdx < seen+reps {
			base += (nodeIdx - seen) * cells
			break
		}
		base += reps * cells
		seen += reps
	}
	return base + socket*int(cores) + core, nil
}

// TotalCoreCount returns the width a core bitmap for this allocation
// must have.
func (r *Resources) TotalCoreCount() int {
	n := 0
	for k := range r.SockCoreRepCount {
		n += int(r.SockCoreRepCount[k]) * int(r.SocketsPerNode[k]) * int(r.CoresPerSocket[k])
	}
	return n
}

// NodePosition translates a global node table index into the job-local
// index, or -1 when the node is not part of the allocation.
func (r *Resources) NodePosition(globalIdx int) int {
	if !r.NodeBitmap.Test(globalIdx) {
		return -1
	}
	pos := 0
	for i := 0; i < globalIdx; i++ {
		if r.NodeBitmap.Test(i) {
			pos++
		}
	}
	return pos
}
