package stepmgr

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
)

// DeleteFilter selects which steps DeleteStepRecords removes.
type DeleteFilter int

const (
	DeleteAll DeleteFilter = iota
	// DeleteNoSwitchOnly keeps steps that still hold interconnect state.
	DeleteNoSwitchOnly
)

// createStepRecord appends an empty step record to the job. The two
// highest step id ranges are reserved for NoVal and the batch script
// sentinel, so creation fails once NextStepID reaches MaxStepID.
func (m *Manager) createStepRecord(job *JobRecord) (*StepRecord, error) {
	if job.NextStepID >= MaxStepID {
		log.Infof("job %d has reached its step id limit", job.JobID)
		return nil, &flotillaerrors.ErrTooManySteps{JobID: job.JobID}
	}

	m.touch()
	step := &StepRecord{
		Job:       job,
		StartTime: m.clock.Now(),
		TimeLimit: Infinite,
		ExitCode:  NoVal,
		RequID:    -1,
		JobAcct:   m.jobacct.Create(),
	}
	job.StepList = append(job.StepList, step)
	liveSteps.Inc()
	return step, nil
}

// FindStepRecord returns the step with the given id, or the first step
// when stepID is NoVal, or nil.
func FindStepRecord(job *JobRecord, stepID uint32) *StepRecord {
	if job == nil {
		return nil
	}
	for _, step := range job.StepList {
		if step.StepID == stepID || stepID == NoVal {
			return step
		}
	}
	return nil
}

// DeleteStepRecord removes one step and releases its interconnect,
// checkpoint, port and core state. Returns ErrInvalidJobID when the step
// does not exist.
func (m *Manager) DeleteStepRecord(job *JobRecord, stepID uint32) error {
	m.touch()
	i := slices.IndexFunc(job.StepList, func(s *StepRecord) bool { return s.StepID == stepID })
	if i < 0 {
		return &flotillaerrors.ErrInvalidJobID{JobID: job.JobID, StepID: stepID}
	}
	step := job.StepList[i]
	job.StepList = slices.Delete(job.StepList, i, i+1)
	m.releaseStepState(step)
	return nil
}

// DeleteStepRecords removes the job's steps wholesale, per the filter.
func (m *Manager) DeleteStepRecords(job *JobRecord, filter DeleteFilter) {
	m.touch()
	kept := job.StepList[:0]
	for _, step := range job.StepList {
		if filter == DeleteNoSwitchOnly && step.SwitchJob != nil {
			kept = append(kept, step)
			continue
		}
		m.releaseStepState(step)
	}
	job.StepList = kept
}

func (m *Manager) releaseStepState(step *StepRecord) {
	if step.SwitchJob != nil {
		nodeList := ""
		if step.Layout != nil {
			nodeList = step.Layout.NodeList
		}
		if err := m.sw.StepComplete(step.SwitchJob, nodeList); err != nil {
			log.WithError(err).Errorf("switch release failed for step %d.%d",
				step.Job.JobID, step.StepID)
		}
		m.sw.FreeJobInfo(step.SwitchJob)
		step.SwitchJob = nil
	}
	m.ports.free(step)
	if res := step.Job.Resources; res != nil && res.CoreBitmap != nil && step.CoreBitmapJob != nil {
		step.CoreBitmapJob.Not()
		res.CoreBitmapUsed.And(step.CoreBitmapJob)
		step.CoreBitmapJob = nil
	}
	if step.CheckJob != nil {
		m.ckpt.FreeJobInfo(step.CheckJob)
		step.CheckJob = nil
	}
	if step.JobAcct != nil {
		m.jobacct.Destroy(step.JobAcct)
		step.JobAcct = nil
	}
	liveSteps.Dec()
}
