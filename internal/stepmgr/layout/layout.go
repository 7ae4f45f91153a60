// Package layout distributes a step's tasks across its chosen nodes.
package layout

import (
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/hostlist"
)

// Distribution selects how tasks are laid out across nodes.
type Distribution uint16

const (
	Cyclic Distribution = iota
	Block
	CyclicCyclic
	CyclicBlock
	BlockCyclic
	BlockBlock
	Plane
	Arbitrary
)

var distNames = map[Distribution]string{
	Cyclic:       "cyclic",
	Block:        "block",
	CyclicCyclic: "cyclic:cyclic",
	CyclicBlock:  "cyclic:block",
	BlockCyclic:  "block:cyclic",
	BlockBlock:   "block:block",
	Plane:        "plane",
	Arbitrary:    "arbitrary",
}

func (d Distribution) String() string {
	if name, ok := distNames[d]; ok {
		return name
	}
	return "unknown"
}

func (d Distribution) Valid() bool {
	_, ok := distNames[d]
	return ok
}

// IsCyclic reports whether tasks rotate across nodes rather than filling
// each node in turn. The interconnect plugin needs this to set up windows.
func (d Distribution) IsCyclic() bool {
	switch d {
	case Cyclic, CyclicCyclic, CyclicBlock:
		return true
	}
	return false
}

// StepLayout is the materialised placement of a step's tasks.
type StepLayout struct {
	// Compressed expression of the step's nodes, in layout order.
	NodeList string
	NodeCnt  int
	TaskCnt  uint32
	// Tasks[i] is the task count on the i-th layout node.
	Tasks []uint16
	// TaskIDs[i] lists the global task ids placed on the i-th layout node.
	TaskIDs [][]uint32
}

// Create lays out numTasks tasks over nodeCnt nodes whose CPU counts are
// given run-length encoded as (cpusPerNode[k], cpuCountReps[k]). A zero
// cpusPerTask disables capacity limits, so tasks may share CPUs. For the
// arbitrary distribution nodeList carries the user's node names, with
// repeats, one entry per task.
func Create(
	nodeList string,
	cpusPerNode []uint16,
	cpuCountReps []uint32,
	nodeCnt int,
	numTasks uint32,
	cpusPerTask uint16,
	dist Distribution,
	planeSize uint32,
) (*StepLayout, error) {
	if nodeCnt <= 0 {
		return nil, errors.New("layout: no nodes")
	}
	if numTasks == 0 {
		return nil, errors.New("layout: no tasks")
	}
	if !dist.Valid() {
		return nil, errors.Errorf("layout: invalid distribution %d", dist)
	}

	if dist == Arbitrary {
		return createArbitrary(nodeList, nodeCnt, numTasks)
	}

	cpus := expandReps(cpusPerNode, cpuCountReps, nodeCnt)
	capacity := make([]uint32, nodeCnt)
	for i, c := range cpus {
		if cpusPerTask > 0 {
			capacity[i] = uint32(c) / uint32(cpusPerTask)
		} else {
			capacity[i] = numTasks
		}
	}

	l := &StepLayout{
		NodeList: nodeList,
		NodeCnt:  nodeCnt,
		TaskCnt:  numTasks,
		Tasks:    make([]uint16, nodeCnt),
		TaskIDs:  make([][]uint32, nodeCnt),
	}

	switch dist {
	case Block, BlockCyclic, BlockBlock:
		l.layoutBlock(capacity, numTasks)
	case Plane:
		if planeSize == 0 {
			return nil, errors.New("layout: plane distribution needs a plane size")
		}
		l.layoutPlane(capacity, numTasks, planeSize)
	default:
		l.layoutPlane(capacity, numTasks, 1)
	}
	return l, nil
}

func (l *StepLayout) place(node int, taskID uint32) {
	l.Tasks[node]++
	l.TaskIDs[node] = append(l.TaskIDs[node], taskID)
}

// layoutBlock fills each node to capacity before moving on; any remainder
// once all capacity is consumed is spread round-robin.
func (l *StepLayout) layoutBlock(capacity []uint32, numTasks uint32) {
	taskID := uint32(0)
	for node := 0; node < l.NodeCnt && taskID < numTasks; node++ {
		for uint32(l.Tasks[node]) < capacity[node] && taskID < numTasks {
			l.place(node, taskID)
			taskID++
		}
	}
	for node := 0; taskID < numTasks; node = (node + 1) % l.NodeCnt {
		l.place(node, taskID)
		taskID++
	}
}

// layoutPlane deals planeSize tasks to each node in turn. planeSize one is
// the plain cyclic layout. Nodes at capacity are skipped; once every node
// is full the remainder is spread regardless of capacity.
func (l *StepLayout) layoutPlane(capacity []uint32, numTasks, planeSize uint32) {
	taskID := uint32(0)
	for taskID < numTasks {
		progress := false
		for node := 0; node < l.NodeCnt && taskID < numTasks; node++ {
			for p := uint32(0); p < planeSize && taskID < numTasks; p++ {
				if uint32(l.Tasks[node]) >= capacity[node] {
					break
				}
				l.place(node, taskID)
				taskID++
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	for node := 0; taskID < numTasks; node = (node + 1) % l.NodeCnt {
		l.place(node, taskID)
		taskID++
	}
}

func createArbitrary(nodeList string, nodeCnt int, numTasks uint32) (*StepLayout, error) {
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return nil, errors.Wrap(err, "layout: bad arbitrary node list")
	}
	if uint32(len(names)) != numTasks {
		return nil, errors.Errorf("layout: arbitrary list names %d nodes for %d tasks",
			len(names), numTasks)
	}

	index := map[string]int{}
	var order []string
	for _, name := range names {
		if _, seen := index[name]; !seen {
			index[name] = len(order)
			order = append(order, name)
		}
	}
	if len(order) != nodeCnt {
		return nil, errors.Errorf("layout: arbitrary list covers %d nodes, expected %d",
			len(order), nodeCnt)
	}

	l := &StepLayout{
		NodeList: nodeList,
		NodeCnt:  nodeCnt,
		TaskCnt:  numTasks,
		Tasks:    make([]uint16, nodeCnt),
		TaskIDs:  make([][]uint32, nodeCnt),
	}
	for taskID, name := range names {
		l.place(index[name], uint32(taskID))
	}
	return l, nil
}

func expandReps(values []uint16, reps []uint32, n int) []uint16 {
	out := make([]uint16, 0, n)
	for k := range values {
		for r := uint32(0); r < reps[k] && len(out) < n; r++ {
			out = append(out, values[k])
		}
	}
	for len(out) < n {
		// short encoding; repeat the last known value
		last := uint16(1)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		out = append(out, last)
	}
	return out
}
