package stepmgr

import (
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/stepmgr/jobres"
)

// stepAllocLPS debits the job's per-node CPU, memory and GRES counters
// for a newly laid-out step and paints its cores. Batch script steps
// consume nothing.
func (m *Manager) stepAllocLPS(step *StepRecord) {
	job := step.Job
	res := job.Resources

	if step.Layout == nil { // batch step
		return
	}

	iFirst := res.NodeBitmap.FirstSet()
	iLast := res.NodeBitmap.LastSet()
	if iFirst == -1 {
		return
	}

	paintCores := res.CoreBitmap != nil
	if paintCores {
		if step.CoreBitmapJob != nil {
			// live reconfiguration; cores already assigned
			paintCores = false
		} else if !step.Exclusive || step.CPUCount == job.TotalCPUs {
			// step uses all of the job's cores, just copy the bitmap
			step.CoreBitmapJob = res.CoreBitmap.Copy()
			paintCores = false
		}
	}

	if step.MemPerCPU != 0 && m.cfg.MemoryReserved &&
		(res.MemoryAllocated == nil || res.MemoryUsed == nil) {
		log.Errorf("step alloc: job %d lacks memory allocation details to enforce memory limits",
			job.JobID)
		step.MemPerCPU = 0
	}

	jobNodeInx := -1
	stepNodeInx := -1
	for i := iFirst; i <= iLast; i++ {
		if !res.NodeBitmap.Test(i) {
			continue
		}
		jobNodeInx++
		if !step.StepNodeBitmap.Test(i) {
			continue
		}
		stepNodeInx++
		// overcommitted steps can push cpus_used beyond cpus
		cpusAlloc := uint32(step.Layout.Tasks[stepNodeInx]) * uint32(step.CPUsPerTask)
		res.CPUsUsed[jobNodeInx] += uint16(cpusAlloc)
		if err := m.gres.StepAlloc(step.GresList, job.GresList, jobNodeInx, cpusAlloc,
			job.JobID, step.StepID); err != nil {
			log.WithError(err).Errorf("gres alloc failed for step %d.%d node %d",
				job.JobID, step.StepID, jobNodeInx)
		}
		if step.MemPerCPU != 0 && m.cfg.MemoryReserved {
			res.MemoryUsed[jobNodeInx] += step.MemPerCPU * cpusAlloc
		}
		if paintCores {
			m.pickStepCores(step, res, jobNodeInx, step.Layout.Tasks[stepNodeInx])
		}
		log.Debugf("step alloc on %s procs: %d of %d", m.nodes.Node(i).Name,
			res.CPUsUsed[jobNodeInx], res.CPUs[jobNodeInx])
		if stepNodeInx == step.Layout.NodeCnt-1 {
			break
		}
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		m.dumpStepLayout(step)
	}
	m.gres.StepStateLog(step.GresList, job.JobID, step.StepID)
}

// pickStepCores marks the (socket, core) cells backing taskCnt tasks on
// one node as held by the step. Idle cells are taken first, in
// core-major order; if demand remains the step over-subscribes cells
// already held by other steps, starting at a rotating core index so the
// extra load stays off core zero. Over-subscribed cells stay
// step-private and are never marked in the job's used bitmap.
func (m *Manager) pickStepCores(step *StepRecord, res *jobres.Resources, jobNodeInx int, taskCnt uint16) {
	if step.CoreBitmapJob == nil {
		step.CoreBitmapJob = bitmap.New(res.CoreBitmap.Size())
	}
	sockets, cores, err := res.CntOnNode(jobNodeInx)
	if err != nil {
		log.WithError(err).Errorf("pick step cores: step %d.%d", step.Job.JobID, step.StepID)
		return
	}

	useAllCores := int(taskCnt) == int(cores)*int(sockets)
	cpuCnt := int(taskCnt)
	if step.CPUsPerTask > 0 {
		cpuCnt *= int(step.CPUsPerTask)
	}

	// select idle cores first
	for coreInx := 0; coreInx < int(cores); coreInx++ {
		for sockInx := 0; sockInx < int(sockets); sockInx++ {
			off, err := res.Offset(jobNodeInx, sockInx, coreInx)
			if err != nil {
				log.WithError(err).Error("pick step cores: bad core offset")
				return
			}
			if !res.CoreBitmap.Test(off) {
				continue
			}
			if !useAllCores && res.CoreBitmapUsed.Test(off) {
				continue
			}
			res.CoreBitmapUsed.Set(off)
			step.CoreBitmapJob.Set(off)
			if cpuCnt--; cpuCnt == 0 {
				return
			}
		}
	}
	if useAllCores {
		return
	}

	// Over-subscribe one or more cores, rotating the starting core.
	log.Debugf("step %d.%d needs to over-subscribe cores", step.Job.JobID, step.StepID)
	m.lastCoreInx = (m.lastCoreInx + 1) % int(cores)
	for i := 0; i < int(cores); i++ {
		coreInx := (m.lastCoreInx + i) % int(cores)
		for sockInx := 0; sockInx < int(sockets); sockInx++ {
			off, err := res.Offset(jobNodeInx, sockInx, coreInx)
			if err != nil {
				log.WithError(err).Error("pick step cores: bad core offset")
				return
			}
			if !res.CoreBitmap.Test(off) {
				continue
			}
			if step.CoreBitmapJob.Test(off) {
				continue // already taken by this step
			}
			step.CoreBitmapJob.Set(off)
			if cpuCnt--; cpuCnt == 0 {
				return
			}
		}
	}
}

// stepDeallocLPS reverses stepAllocLPS. Underflow clamps to zero and is
// logged rather than propagated; conservation is re-established either
// way.
func (m *Manager) stepDeallocLPS(step *StepRecord) {
	job := step.Job
	res := job.Resources

	if step.Layout == nil { // batch step
		return
	}

	iFirst := res.NodeBitmap.FirstSet()
	iLast := res.NodeBitmap.LastSet()
	if iFirst == -1 {
		return
	}

	if step.MemPerCPU != 0 && m.cfg.MemoryReserved &&
		(res.MemoryAllocated == nil || res.MemoryUsed == nil) {
		log.Errorf("step dealloc: job %d lacks memory allocation details to enforce memory limits",
			job.JobID)
		step.MemPerCPU = 0
	}

	jobNodeInx := -1
	stepNodeInx := -1
	for i := iFirst; i <= iLast; i++ {
		if !res.NodeBitmap.Test(i) {
			continue
		}
		jobNodeInx++
		if !step.StepNodeBitmap.Test(i) {
			continue
		}
		stepNodeInx++
		cpusAlloc := uint32(step.Layout.Tasks[stepNodeInx]) * uint32(step.CPUsPerTask)
		if uint32(res.CPUsUsed[jobNodeInx]) >= cpusAlloc {
			res.CPUsUsed[jobNodeInx] -= uint16(cpusAlloc)
		} else {
			log.Errorf("step dealloc: cpu underflow for %d.%d", job.JobID, step.StepID)
			res.CPUsUsed[jobNodeInx] = 0
		}
		if step.MemPerCPU != 0 && m.cfg.MemoryReserved {
			memUse := step.MemPerCPU * cpusAlloc
			if res.MemoryUsed[jobNodeInx] >= memUse {
				res.MemoryUsed[jobNodeInx] -= memUse
			} else {
				log.Errorf("step dealloc: memory underflow for %d.%d", job.JobID, step.StepID)
				res.MemoryUsed[jobNodeInx] = 0
			}
		}
		log.Debugf("step dealloc on %s procs: %d of %d", m.nodes.Node(i).Name,
			res.CPUsUsed[jobNodeInx], res.CPUs[jobNodeInx])
		if stepNodeInx == step.Layout.NodeCnt-1 {
			break
		}
	}

	if res.CoreBitmap != nil && step.CoreBitmapJob != nil {
		// Mark the job's cores as no longer in use. The step bitmap is
		// inverted by the release and dropped without re-inverting; it
		// must not be read again.
		step.CoreBitmapJob.Not()
		res.CoreBitmapUsed.And(step.CoreBitmapJob)
		step.CoreBitmapJob = nil
	}
}

// dumpStepLayout logs the step's core assignment cell by cell.
func (m *Manager) dumpStepLayout(step *StepRecord) {
	res := step.Job.Resources
	if step.CoreBitmapJob == nil || res == nil || res.CoresPerSocket == nil {
		return
	}
	log.Debugf("core layout for step %d.%d", step.Job.JobID, step.StepID)
	bitInx := 0
	nodeInx := 0
	for k := range res.SockCoreRepCount {
		for rep := uint32(0); rep < res.SockCoreRepCount[k]; rep++ {
			for sockInx := 0; sockInx < int(res.SocketsPerNode[k]); sockInx++ {
				for coreInx := 0; coreInx < int(res.CoresPerSocket[k]); coreInx++ {
					if step.CoreBitmapJob.Test(bitInx) {
						log.Debugf("  node[%d] socket[%d] core[%d] is allocated",
							nodeInx, sockInx, coreInx)
					}
					bitInx++
				}
			}
			nodeInx++
		}
	}
}
