package stepmgr

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

// CreateStep validates a step request against its parent job, selects
// nodes, lays out tasks, allocates resources and registers the new step.
// Any failure after the record exists unwinds through DeleteStepRecord,
// so a non-nil error leaves no step record behind; the step id it drew
// is not handed out again.
func (m *Manager) CreateStep(spec *StepCreateRequest, batch bool) (*StepRecord, error) {
	spec.logRequest()

	job := m.jobs.Find(spec.JobID)
	if job == nil {
		return nil, &flotillaerrors.ErrInvalidJobID{JobID: spec.JobID, StepID: NoVal}
	}
	if job.IsSuspended() {
		return nil, &flotillaerrors.ErrDisabled{}
	}
	if job.IsPending() {
		// A batch allocation whose script has not started yet; the
		// submitter raced us or is confused.
		return nil, &flotillaerrors.ErrDuplicateJobID{JobID: job.JobID}
	}
	if spec.UserID != job.UserID {
		return nil, &flotillaerrors.ErrAccessDenied{UID: spec.UserID, JobID: job.JobID}
	}
	if batch {
		log.Infof("user %d attempting to run batch script within existing job %d",
			spec.UserID, job.JobID)
		// hazardous but some external schedulers depend on it
	}
	now := m.clock.Now()
	if job.IsFinished() || (!job.EndTime.IsZero() && !job.EndTime.After(now)) {
		return nil, &flotillaerrors.ErrAlreadyDone{JobID: job.JobID}
	}

	if !spec.TaskDist.Valid() {
		return nil, &flotillaerrors.ErrBadDistribution{Dist: spec.TaskDist.String()}
	}
	if spec.TaskDist == layout.Arbitrary && m.cfg.SwitchType == "switch/elan" {
		return nil, &flotillaerrors.ErrTaskDistArbitraryUnsupported{SwitchType: m.cfg.SwitchType}
	}
	if err := spec.validateStrings(); err != nil {
		return nil, err
	}

	// Overcommit relaxes the CPU checks entirely; combined with exclusive
	// it degrades to one reserved CPU per task.
	origCPUCount := spec.CPUCount
	if spec.Overcommit {
		if spec.Exclusive {
			spec.Overcommit = false
			spec.CPUCount = spec.NumTasks
		} else {
			spec.CPUCount = 0
		}
	}

	if spec.NumTasks != NoVal && spec.NumTasks < 1 {
		return nil, &flotillaerrors.ErrBadTaskCount{NumTasks: spec.NumTasks}
	}

	// Reverse what the client did: cpus_per_task only survives when the
	// CPU count spreads evenly over the tasks.
	cpusPerTask := 0
	if spec.CPUCount != 0 && spec.NumTasks != 0 && spec.NumTasks != NoVal &&
		spec.CPUCount%spec.NumTasks == 0 {
		cpusPerTask = int(spec.CPUCount / spec.NumTasks)
		if cpusPerTask < 1 {
			cpusPerTask = 1
		}
	}

	stepGres, err := m.gres.StepStateValidate(spec.Gres, job.GresList, job.JobID, NoVal)
	if err != nil {
		return nil, err
	}

	job.TimeLastActive = now
	nodeset, err := m.pickStepNodes(job, spec, stepGres, cpusPerTask)
	if err != nil {
		return nil, err
	}
	nodeCount := nodeset.SetCount()

	if spec.NumTasks == NoVal {
		if spec.CPUCount != 0 {
			spec.NumTasks = spec.CPUCount
		} else {
			spec.NumTasks = uint32(nodeCount)
		}
	}
	if spec.NumTasks > uint32(nodeCount)*m.cfg.MaxTasksPerNode {
		log.Errorf("step for job %d has invalid task count %d", job.JobID, spec.NumTasks)
		return nil, &flotillaerrors.ErrBadTaskCount{NumTasks: spec.NumTasks}
	}

	step, err := m.createStepRecord(job)
	if err != nil {
		return nil, err
	}
	step.StepID = job.NextStepID
	job.NextStepID++

	// The node list recorded on the step keeps the user's ordering for
	// arbitrary layouts; otherwise it is the picked set.
	var stepNodeList string
	if spec.NodeList != "" && spec.TaskDist == layout.Arbitrary {
		stepNodeList = spec.NodeList
		spec.NodeList = m.nodes.BitmapToNames(nodeset)
	} else {
		stepNodeList = m.nodes.BitmapToNames(nodeset)
		spec.NodeList = stepNodeList
	}
	log.Debugf("step %d.%d assigned nodes %s", job.JobID, step.StepID, stepNodeList)
	step.StepNodeBitmap = nodeset

	step.TaskDist = spec.TaskDist
	step.PlaneSize = spec.PlaneSize
	step.CyclicAlloc = spec.TaskDist.IsCyclic()

	step.Gres = spec.Gres
	step.GresList = stepGres
	m.gres.StepStateLog(step.GresList, job.JobID, step.StepID)

	step.Port = spec.Port
	step.Host = spec.Host
	step.BatchStep = batch
	step.CPUsPerTask = uint16(cpusPerTask)
	step.MemPerCPU = spec.MemPerCPU
	step.CkptInterval = spec.CkptInterval
	step.CkptTime = now
	step.CPUCount = origCPUCount
	step.Exclusive = spec.Exclusive
	step.CkptDir = spec.CkptDir
	step.NoKill = spec.NoKill

	// name and network default to the job's values
	step.Name = spec.Name
	if step.Name == "" {
		step.Name = job.Name
	}
	step.Network = spec.Network
	if step.Network == "" {
		step.Network = job.Network
	}

	// The time limit is recorded as submitted; the job's own limits cut
	// it short at run time.
	if spec.TimeLimit == NoVal || spec.TimeLimit == 0 || spec.TimeLimit == Infinite {
		step.TimeLimit = Infinite
	} else {
		if m.cfg.EnforcePartitionLimits && job.PartitionMaxTime != 0 &&
			spec.TimeLimit > job.PartitionMaxTime {
			log.Infof("step time limit %d exceeds partition maximum %d",
				spec.TimeLimit, job.PartitionMaxTime)
			_ = m.DeleteStepRecord(job, step.StepID)
			return nil, &flotillaerrors.ErrInvalidTimeLimit{
				TimeLimit: spec.TimeLimit,
				MaxTime:   job.PartitionMaxTime,
			}
		}
		step.TimeLimit = spec.TimeLimit
	}

	if !batch {
		step.Layout, err = m.stepLayoutCreate(step, stepNodeList, nodeCount,
			spec.NumTasks, uint16(cpusPerTask), spec.TaskDist, spec.PlaneSize)
		if err != nil {
			_ = m.DeleteStepRecord(job, step.StepID)
			if spec.MemPerCPU != 0 {
				return nil, &flotillaerrors.ErrInvalidTaskMemory{}
			}
			return nil, err
		}

		if spec.ResvPortCnt != NoVal16 && spec.ResvPortCnt == 0 {
			// reserved port count defaults to the maximum task count on
			// any node plus one
			for _, tasks := range step.Layout.Tasks {
				if tasks > spec.ResvPortCnt {
					spec.ResvPortCnt = tasks
				}
			}
			spec.ResvPortCnt++
		}
		if spec.ResvPortCnt != NoVal16 {
			step.ResvPortCnt = spec.ResvPortCnt
			if err := m.ports.alloc(step); err != nil {
				log.WithError(err).Infof("port reservation failed for step %d.%d",
					job.JobID, step.StepID)
				_ = m.DeleteStepRecord(job, step.StepID)
				return nil, &flotillaerrors.ErrNodesBusy{JobID: job.JobID}
			}
		}

		switchJob, err := m.sw.AllocJobInfo()
		if err != nil {
			log.WithError(err).Errorf("switch alloc failed for step %d.%d", job.JobID, step.StepID)
			_ = m.DeleteStepRecord(job, step.StepID)
			return nil, &flotillaerrors.ErrInterconnectFailure{Message: err.Error()}
		}
		step.SwitchJob = switchJob
		if err := m.sw.BuildJobInfo(step.SwitchJob, step.Layout.NodeList,
			step.Layout.Tasks, step.CyclicAlloc, step.Network); err != nil {
			log.WithError(err).Errorf("switch build failed for step %d.%d", job.JobID, step.StepID)
			_ = m.DeleteStepRecord(job, step.StepID)
			return nil, &flotillaerrors.ErrInterconnectFailure{Message: err.Error()}
		}
		m.stepAllocLPS(step)
	}

	checkJob, err := m.ckpt.AllocJobInfo()
	if err != nil {
		log.WithError(err).Errorf("checkpoint alloc failed for step %d.%d", job.JobID, step.StepID)
		if !batch {
			m.stepDeallocLPS(step)
		}
		_ = m.DeleteStepRecord(job, step.StepID)
		return nil, err
	}
	step.CheckJob = checkJob

	if job.DBIndex == 0 {
		m.acct.JobStart(job)
	}
	m.acct.StepStart(step)
	stepsCreated.Inc()
	return step, nil
}

// stepLayoutCreate computes per-node usable CPUs for the chosen nodes and
// hands the run-length encoded counts to the layout planner.
func (m *Manager) stepLayoutCreate(
	step *StepRecord,
	stepNodeList string,
	nodeCount int,
	numTasks uint32,
	cpusPerTask uint16,
	dist layout.Distribution,
	planeSize uint32,
) (*layout.StepLayout, error) {
	job := step.Job
	res := job.Resources

	memPerCPU := step.MemPerCPU
	if memPerCPU != 0 && m.cfg.MemoryReserved &&
		(res.MemoryAllocated == nil || res.MemoryUsed == nil) {
		log.Errorf("step layout: job %d lacks memory allocation details to enforce memory limits",
			job.JobID)
		memPerCPU = 0
		step.MemPerCPU = 0
	}

	var cpusPerNode []uint16
	var cpuCountReps []uint32
	setNodes := 0
	jobNodeOffset := -1
	iFirst := job.NodeBitmap.FirstSet()
	iLast := job.NodeBitmap.LastSet()
	for i := iFirst; i >= 0 && i <= iLast; i++ {
		if !job.NodeBitmap.Test(i) {
			continue
		}
		jobNodeOffset++
		if !step.StepNodeBitmap.Test(i) {
			continue
		}
		pos := res.NodePosition(i)
		if pos < 0 || pos >= res.NHosts {
			return nil, errors.Errorf("step layout: node %d outside job %d resources", i, job.JobID)
		}
		var usable int
		if step.Exclusive {
			usable = int(res.CPUs[pos]) - int(res.CPUsUsed[pos])
		} else {
			usable = int(res.CPUs[pos])
		}
		if memPerCPU != 0 && m.cfg.MemoryReserved {
			usableMem := int(memFree(res.MemoryAllocated[pos], res.MemoryUsed[pos]) / memPerCPU)
			usable = minInt(usable, usableMem)
		}
		if gresCPUs := m.gres.StepTest(step.GresList, job.GresList, jobNodeOffset, false,
			job.JobID, step.StepID); gresCPUs != NoVal {
			usable = minInt(usable, int(gresCPUs))
		}
		if usable <= 0 {
			return nil, errors.Errorf("step layout: no usable cpus on node %d of job %d", i, job.JobID)
		}

		if n := len(cpusPerNode); n == 0 || cpusPerNode[n-1] != uint16(usable) {
			cpusPerNode = append(cpusPerNode, uint16(usable))
			cpuCountReps = append(cpuCountReps, 1)
		} else {
			cpuCountReps[n-1]++
		}
		setNodes++
		if setNodes == nodeCount {
			break
		}
	}

	return layout.Create(stepNodeList, cpusPerNode, cpuCountReps, nodeCount,
		numTasks, cpusPerTask, dist, planeSize)
}
