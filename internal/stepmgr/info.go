package stepmgr

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/pack"
)

// PackStepInfoResponse writes a read-only snapshot of matching steps:
// the current time, a record count, then one record per step. jobID and
// stepID of NoVal match everything. Jobs in hidden partitions are skipped
// unless showFlags has ShowAll. When job data is private, other users'
// jobs are skipped unless the caller is an operator or a coordinator of
// the job's account; ShowAll does not lift that filter.
func (m *Manager) PackStepInfoResponse(jobID, stepID uint32, uid int, showFlags uint16, buf *pack.Buffer) error {
	now := m.clock.Now()

	buf.PackTime(now)
	countOff := buf.Offset()
	buf.PackU32(0) // steps_packed placeholder

	showAll := showFlags&ShowAll != 0
	validJob := false
	stepsPacked := uint32(0)
	m.jobs.ForEach(func(job *JobRecord) {
		if jobID != NoVal && job.JobID != jobID {
			return
		}
		if !showAll && job.PartitionHidden {
			return
		}
		if m.cfg.PrivateJobData && job.UserID != uid &&
			!m.auth.IsOperator(uid) && !m.auth.IsAccountCoordinator(uid, job.Account) {
			return
		}
		validJob = true
		for _, step := range job.StepList {
			if stepID != NoVal && step.StepID != stepID {
				continue
			}
			m.packStepInfo(step, buf, now)
			stepsPacked++
		}
	})

	var err error
	if m.jobs.Count() > 0 && !validJob && stepsPacked == 0 {
		err = &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: stepID}
	}

	// put the real record count in the message body header
	buf.PatchU32(countOff, stepsPacked)
	return err
}

// packStepInfo writes one step record. On front-end systems steps only
// execute on the batch host but are reported as running on the job's
// whole allocation, which they really are.
func (m *Manager) packStepInfo(step *StepRecord, buf *pack.Buffer, now time.Time) {
	job := step.Job

	var taskCnt uint32
	var nodeList string
	packBitmap := step.StepNodeBitmap
	if m.cfg.FrontEnd {
		taskCnt = job.CPUCount
		nodeList = job.Nodes
		packBitmap = job.NodeBitmap
	} else if step.Layout != nil {
		taskCnt = step.Layout.TaskCnt
		nodeList = step.Layout.NodeList
	} else {
		if job.MinCPUs != 0 {
			taskCnt = job.MinCPUs
		} else {
			taskCnt = job.CPUCount
		}
		nodeList = job.Nodes
	}

	buf.PackU32(job.JobID)
	buf.PackU32(step.StepID)
	buf.PackU16(step.CkptInterval)
	buf.PackU32(uint32(job.UserID))
	buf.PackU32(step.CPUCount)
	buf.PackU32(taskCnt)
	buf.PackU32(step.TimeLimit)

	buf.PackTime(step.StartTime)
	var runTime time.Duration
	if job.IsSuspended() {
		runTime = step.PreSusTime
	} else {
		beginTime := step.StartTime
		if job.SuspendTime.After(beginTime) {
			beginTime = job.SuspendTime
		}
		runTime = step.PreSusTime + now.Sub(beginTime)
	}
	buf.PackDuration(runTime)

	buf.PackString(job.Partition)
	buf.PackString(step.ResvPorts)
	buf.PackString(nodeList)
	buf.PackString(step.Name)
	buf.PackString(step.Network)
	if packBitmap != nil {
		buf.PackString(packBitmap.Fmt())
	} else {
		buf.PackString("")
	}
	buf.PackString(step.CkptDir)
	buf.PackString(step.Gres)
}
