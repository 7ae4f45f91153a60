package stepmgr

import (
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

// pickStepNodes selects nodes for a step that satisfy its request, drawn
// from the job's allocation intersected with the up nodes. The request is
// normalised in place (memory enforcement dropped when the job lacks
// memory accounting, arbitrary layouts downgraded under switch/elan,
// min_nodes raised for homogeneous cpu counts).
//
// A min_nodes of Infinite means "use every usable node".
func (m *Manager) pickStepNodes(
	job *JobRecord,
	spec *StepCreateRequest,
	stepGres GresList,
	cpusPerTask int,
) (*bitmap.Bitmap, error) {
	res := job.Resources
	if job.NodeBitmap == nil || res == nil {
		return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
	}
	if spec.MaxNodes != 0 && spec.MaxNodes < spec.MinNodes {
		return nil, &flotillaerrors.ErrInvalidNodeCount{MinNodes: spec.MinNodes, MaxNodes: spec.MaxNodes}
	}

	upNodes := m.nodes.UpBitmap()
	nodesAvail := job.NodeBitmap.Copy()
	nodesAvail.And(upNodes)

	if spec.MemPerCPU != 0 && (res.MemoryAllocated == nil || res.MemoryUsed == nil) {
		log.Errorf("job %d lacks memory allocation details to enforce memory limits", job.JobID)
		spec.MemPerCPU = 0
	}

	if job.NextStepID == 0 {
		if job.PrologRunning {
			return nil, &flotillaerrors.ErrPrologRunning{JobID: job.JobID}
		}
		for i := job.NodeBitmap.FirstSet(); i >= 0 && i < m.nodes.Count(); i++ {
			if !job.NodeBitmap.Test(i) {
				continue
			}
			node := m.nodes.Node(i)
			if node.PowerSave || node.NotResponding {
				// Node is/was powered down; wait for it to respond and
				// push the job's end time out to cover the boot.
				if job.TimeLimit != Infinite {
					job.EndTime = m.clock.Now().Add(minutes(job.TimeLimit))
				}
				return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
			}
		}
		job.Configuring = false
		log.Debugf("configuration for job %d complete", job.JobID)
	}

	if spec.Exclusive {
		return m.pickStepNodesExclusive(job, spec, stepGres, cpusPerTask, nodesAvail, upNodes)
	}
	return m.pickStepNodesShared(job, spec, stepGres, cpusPerTask, nodesAvail, upNodes)
}

// pickStepNodesExclusive satisfies the processor count from CPUs no other
// step holds. Nodes with no unused CPUs, memory or GRES are skipped.
func (m *Manager) pickStepNodesExclusive(
	job *JobRecord,
	spec *StepCreateRequest,
	stepGres GresList,
	cpusPerTask int,
	nodesAvail *bitmap.Bitmap,
	upNodes *bitmap.Bitmap,
) (*bitmap.Bitmap, error) {
	res := job.Resources

	var selected *bitmap.Bitmap
	if spec.NodeList != "" {
		var err error
		selected, err = m.nodes.NamesToBitmap(spec.NodeList)
		if err != nil {
			log.Infof("pick step nodes: invalid node list %q for job %d: %v",
				spec.NodeList, job.JobID, err)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
		if !selected.IsSubsetOf(job.NodeBitmap) {
			log.Infof("pick step nodes: selected nodes %q not in job %d",
				spec.NodeList, job.JobID)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
		if !selected.IsSubsetOf(upNodes) {
			log.Infof("pick step nodes: selected nodes %q are down", spec.NodeList)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
	}

	nodeInx := -1
	nodesPicked := 0
	tasksPicked := 0
	totalTasks := 0
	iFirst := res.NodeBitmap.FirstSet()
	iLast := res.NodeBitmap.LastSet()
	for i := iFirst; i >= 0 && i <= iLast; i++ {
		if !res.NodeBitmap.Test(i) {
			continue
		}
		nodeInx++
		if !nodesAvail.Test(i) {
			continue // node now down
		}
		availCPUs := int(res.CPUs[nodeInx]) - int(res.CPUsUsed[nodeInx])
		totalCPUs := int(res.CPUs[nodeInx])
		var availHere, totalHere int
		if cpusPerTask > 0 {
			availHere = availCPUs / cpusPerTask
			totalHere = totalCPUs / cpusPerTask
		} else {
			availHere = int(spec.NumTasks)
			totalHere = int(spec.NumTasks)
		}
		if spec.MemPerCPU != 0 {
			availMem := memFree(res.MemoryAllocated[nodeInx], res.MemoryUsed[nodeInx])
			taskCnt := int(availMem / spec.MemPerCPU)
			if cpusPerTask > 0 {
				taskCnt /= cpusPerTask
			}
			availHere = minInt(availHere, taskCnt)

			taskCnt = int(res.MemoryAllocated[nodeInx] / spec.MemPerCPU)
			if cpusPerTask > 0 {
				taskCnt /= cpusPerTask
			}
			totalHere = minInt(totalHere, taskCnt)
		}

		if gresCnt := m.gres.StepTest(stepGres, job.GresList, nodeInx, false, job.JobID, NoVal); gresCnt != NoVal {
			cnt := int(gresCnt)
			if cpusPerTask > 0 {
				cnt /= cpusPerTask
			}
			availHere = minInt(availHere, cnt)
		}
		if gresCnt := m.gres.StepTest(stepGres, job.GresList, nodeInx, true, job.JobID, NoVal); gresCnt != NoVal {
			cnt := int(gresCnt)
			if cpusPerTask > 0 {
				cnt /= cpusPerTask
			}
			totalHere = minInt(totalHere, cnt)
		}

		switch {
		case spec.MaxNodes != 0 && nodesPicked >= int(spec.MaxNodes):
			nodesAvail.Clear(i)
		case availHere <= 0 ||
			(selected == nil && nodesPicked >= int(spec.MinNodes) &&
				tasksPicked > 0 && tasksPicked >= int(spec.NumTasks)):
			nodesAvail.Clear(i)
			totalTasks += totalHere
		default:
			nodesPicked++
			tasksPicked += availHere
			totalTasks += totalHere
		}
	}

	if selected != nil && !selected.Equal(nodesAvail) {
		// some required nodes have no available processors, defer request
		tasksPicked = 0
	}

	if tasksPicked >= int(spec.NumTasks) {
		return nodesAvail, nil
	}
	if totalTasks >= int(spec.NumTasks) {
		return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
	}
	return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
}

// pickStepNodesShared is the non-exclusive path: steps may share the
// job's CPUs, but memory and GRES limits still carve nodes out.
func (m *Manager) pickStepNodesShared(
	job *JobRecord,
	spec *StepCreateRequest,
	stepGres GresList,
	cpusPerTask int,
	nodesAvail *bitmap.Bitmap,
	upNodes *bitmap.Bitmap,
) (*bitmap.Bitmap, error) {
	res := job.Resources
	size := nodesAvail.Size()

	var usableCPUCnt []uint32
	memBlockedNodes := 0
	memBlockedCPUs := 0
	if (spec.MemPerCPU != 0 && m.cfg.MemoryReserved) || spec.Gres != "" {
		var failMode error = &flotillaerrors.ErrInvalidTaskMemory{}
		usableCPUCnt = make([]uint32, m.nodes.Count())
		nodeInx := -1
		iFirst := res.NodeBitmap.FirstSet()
		iLast := res.NodeBitmap.LastSet()
		for i := iFirst; i >= 0 && i <= iLast; i++ {
			if !res.NodeBitmap.Test(i) {
				continue
			}
			nodeInx++
			if !nodesAvail.Test(i) {
				continue // node now down
			}

			totalCPUs := uint32(res.CPUs[nodeInx])
			availCPUs := totalCPUs
			usableCPUCnt[i] = availCPUs
			if spec.MemPerCPU != 0 {
				// ignore current step allocations
				tmpCPUs := res.MemoryAllocated[nodeInx] / spec.MemPerCPU
				totalCPUs = minU32(totalCPUs, tmpCPUs)
				// consider current step allocations
				tmpCPUs = memFree(res.MemoryAllocated[nodeInx], res.MemoryUsed[nodeInx]) / spec.MemPerCPU
				if tmpCPUs < availCPUs {
					availCPUs = tmpCPUs
					usableCPUCnt[i] = availCPUs
					failMode = &flotillaerrors.ErrInvalidTaskMemory{}
				}
			}
			if spec.Gres != "" {
				// ignore current step allocations
				if tmpCPUs := m.gres.StepTest(stepGres, job.GresList, nodeInx, true, job.JobID, NoVal); tmpCPUs != NoVal {
					totalCPUs = minU32(totalCPUs, tmpCPUs)
				}
				// consider current step allocations
				if tmpCPUs := m.gres.StepTest(stepGres, job.GresList, nodeInx, false, job.JobID, NoVal); tmpCPUs != NoVal && tmpCPUs < availCPUs {
					availCPUs = tmpCPUs
					usableCPUCnt[i] = availCPUs
					failMode = &flotillaerrors.ErrInvalidGres{}
				}
			}

			availTasks := availCPUs
			totalTasks := totalCPUs
			if cpusPerTask > 0 {
				availTasks /= uint32(cpusPerTask)
				totalTasks /= uint32(cpusPerTask)
			}
			if availTasks == 0 {
				if spec.MinNodes == Infinite {
					// every node is required; fail with the reason this
					// one was unusable
					if totalTasks == 0 {
						return nil, failMode
					}
					return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
				}
				nodesAvail.Clear(i)
				memBlockedNodes++
				memBlockedCPUs += int(totalCPUs - availCPUs)
			}
		}
	}

	if spec.MinNodes == Infinite { // use all nodes
		return nodesAvail, nil
	}

	var nodesPicked *bitmap.Bitmap
	if spec.NodeList != "" {
		selected, err := m.nodes.NamesToBitmap(spec.NodeList)
		if err != nil {
			log.Infof("pick step nodes: invalid node list %q: %v", spec.NodeList, err)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
		if !selected.IsSubsetOf(job.NodeBitmap) {
			log.Infof("pick step nodes: requested nodes %q not part of job %d",
				spec.NodeList, job.JobID)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
		if !selected.IsSubsetOf(nodesAvail) {
			log.Infof("pick step nodes: requested nodes %q have inadequate memory",
				spec.NodeList)
			return nil, &flotillaerrors.ErrInvalidTaskMemory{}
		}
		if spec.TaskDist == layout.Arbitrary {
			if m.cfg.SwitchType == "switch/elan" {
				// elan interconnects cannot honour an arbitrary layout;
				// fall back to block over all available nodes
				log.Infof("cannot do an arbitrary task layout with switch type elan, switching to block")
				spec.NodeList = ""
				spec.TaskDist = layout.Block
				selected = nil
				spec.MinNodes = uint32(nodesAvail.SetCount())
			} else {
				spec.MinNodes = uint32(selected.SetCount())
			}
		}
		if selected != nil {
			nodeCnt := 0
			if spec.MinNodes != 0 || spec.MaxNodes != 0 {
				nodeCnt = selected.SetCount()
			}
			if spec.MaxNodes != 0 && nodeCnt > int(spec.MaxNodes) {
				log.Infof("pick step nodes: requested nodes %q exceed max node count for job %d",
					spec.NodeList, job.JobID)
				return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
			} else if spec.MinNodes != 0 && nodeCnt > int(spec.MinNodes) {
				// more nodes listed than requested; treat the list as the
				// pool to pick from
				nodesPicked = bitmap.New(size)
				nodesAvail = selected
			} else {
				nodesPicked = selected.Copy()
				nodesAvail.AndNot(selected)
			}
		}
	}
	if nodesPicked == nil {
		nodesPicked = bitmap.New(size)
	}

	var nodesIdle *bitmap.Bitmap
	if spec.Relative != NoVal16 {
		// remove the first relative nodes from the available list
		relativeNodes := nodesAvail.PickCount(int(spec.Relative))
		if relativeNodes == nil {
			log.Infof("pick step nodes: invalid relative value %d for job %d",
				spec.Relative, job.JobID)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
		nodesAvail.AndNot(relativeNodes)
	} else {
		nodesIdle = bitmap.New(size)
		for _, other := range job.StepList {
			if other.StepNodeBitmap == nil {
				continue
			}
			nodesIdle.Or(other.StepNodeBitmap)
			log.Debugf("step %d.%d has nodes %s", job.JobID, other.StepID,
				m.nodes.BitmapToNames(other.StepNodeBitmap))
		}
		nodesIdle.Not()
		nodesIdle.And(nodesAvail)
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		idle := ""
		if nodesIdle != nil {
			idle = m.nodes.BitmapToNames(nodesIdle)
		}
		log.Debugf("step pick %d-%d nodes, avail:%s idle:%s",
			spec.MinNodes, spec.MaxNodes, m.nodes.BitmapToNames(nodesAvail), idle)
	}

	// A specific processor count over a homogeneous allocation is just a
	// node count.
	if spec.CPUCount != 0 && len(res.CPUArrayValue) == 1 && res.CPUArrayValue[0] != 0 {
		perNode := uint32(res.CPUArrayValue[0])
		needed := (spec.CPUCount + perNode - 1) / perNode
		if needed > spec.MinNodes {
			spec.MinNodes = needed
		}
		if spec.MaxNodes != 0 && spec.MaxNodes < spec.MinNodes {
			log.Infof("step for job %d: max node count incompatible with cpu count %d",
				job.JobID, spec.CPUCount)
			return nil, &flotillaerrors.ErrTooManyRequestedCPUs{CPUCount: spec.CPUCount}
		}
	}

	if spec.MinNodes != 0 {
		nodesPickedCnt := nodesPicked.SetCount()
		if nodesIdle != nil &&
			nodesIdle.SetCount() >= int(spec.MinNodes) &&
			int(spec.MinNodes) > nodesPickedCnt {
			nodeTmp := nodesIdle.PickCount(int(spec.MinNodes) - nodesPickedCnt)
			if nodeTmp == nil {
				return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
			}
			nodesPicked.Or(nodeTmp)
			nodesIdle.AndNot(nodeTmp)
			nodesAvail.AndNot(nodeTmp)
			nodesPickedCnt = int(spec.MinNodes)
		}
		if int(spec.MinNodes) > nodesPickedCnt {
			nodeTmp := nodesAvail.PickCount(int(spec.MinNodes) - nodesPickedCnt)
			if nodeTmp == nil {
				if int(spec.MinNodes) <= nodesAvail.SetCount()+nodesPickedCnt+memBlockedNodes {
					return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
				}
				if !job.NodeBitmap.IsSubsetOf(upNodes) {
					return nil, &flotillaerrors.ErrNodeNotAvail{JobID: job.JobID}
				}
				return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
			}
			nodesPicked.Or(nodeTmp)
			nodesAvail.AndNot(nodeTmp)
			nodesPickedCnt = int(spec.MinNodes)
		}
	}

	if spec.CPUCount != 0 {
		// make sure the selected nodes have enough cpus
		cpusPickedCnt := m.countCPUs(job, nodesPicked, usableCPUCnt)
		nodesPickedCnt := nodesPicked.SetCount()
		if int(spec.CPUCount) > cpusPickedCnt &&
			(spec.MaxNodes == 0 || int(spec.MaxNodes) > nodesPickedCnt) {
			for int(spec.CPUCount) > cpusPickedCnt {
				nodeTmp := nodesAvail.PickCount(1)
				if nodeTmp == nil {
					break
				}
				cpuCnt := m.countCPUs(job, nodeTmp, usableCPUCnt)
				if cpuCnt == 0 {
					// node not usable (insufficient memory to allocate
					// any CPUs, etc.)
					nodesAvail.AndNot(nodeTmp)
					continue
				}
				nodesPicked.Or(nodeTmp)
				nodesAvail.AndNot(nodeTmp)
				nodesPickedCnt++
				if spec.MinNodes != 0 {
					spec.MinNodes = uint32(nodesPickedCnt)
				}
				cpusPickedCnt += cpuCnt
				if spec.MaxNodes != 0 && nodesPickedCnt >= int(spec.MaxNodes) {
					break
				}
			}
		}

		if int(spec.CPUCount) > cpusPickedCnt {
			if int(spec.CPUCount) <= cpusPickedCnt+memBlockedCPUs {
				return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
			}
			if !job.NodeBitmap.IsSubsetOf(upNodes) {
				return nil, &flotillaerrors.ErrNodeNotAvail{JobID: job.JobID}
			}
			log.Debugf("have %d nodes with %d cpus which is less than the requested %d cpus",
				nodesPickedCnt, cpusPickedCnt, spec.CPUCount)
			return nil, &flotillaerrors.ErrRequestedNodeConfigUnavailable{JobID: job.JobID}
		}
	}

	return nodesPicked, nil
}

// countCPUs sums the job's CPUs over the nodes of a bitmap, substituting
// usableCPUCnt (indexed by global node) when given. Jobs without a CPU
// array fall back to node counts, configured or live per the fast
// schedule setting.
func (m *Manager) countCPUs(job *JobRecord, bm *bitmap.Bitmap, usableCPUCnt []uint32) int {
	sum := 0
	res := job.Resources
	if res != nil && res.CPUs != nil && res.NodeBitmap != nil {
		nodeInx := 0
		for i := 0; i < m.nodes.Count(); i++ {
			if !res.NodeBitmap.Test(i) {
				continue
			}
			nodeInx++
			if !job.NodeBitmap.Test(i) || !bm.Test(i) {
				// absent from current job or step bitmap
				continue
			}
			if usableCPUCnt != nil {
				sum += int(usableCPUCnt[i])
			} else {
				sum += int(res.CPUs[nodeInx-1])
			}
		}
	} else {
		log.Errorf("job %d lacks cpus array", job.JobID)
		for i := 0; i < m.nodes.Count(); i++ {
			if !bm.Test(i) {
				continue
			}
			if m.cfg.FastSchedule {
				sum += int(m.nodes.Node(i).ConfigCPUs)
			} else {
				sum += int(m.nodes.Node(i).CPUs)
			}
		}
	}
	return sum
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// memFree guards the unsigned subtraction of used from allocated memory.
func memFree(alloc, used uint32) uint32 {
	if used >= alloc {
		return 0
	}
	return alloc - used
}
