package stepmgr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
)

// CheckpointStep drives one checkpoint plugin operation against a step.
func (m *Manager) CheckpointStep(req *CheckpointRequest, uid int) (*CheckpointResponse, error) {
	job := m.jobs.Find(req.JobID)
	if job == nil {
		return nil, &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: NoVal}
	}
	if uid != job.UserID && uid != 0 {
		return nil, &flotillaerrors.ErrAccessDenied{UID: uid, JobID: req.JobID}
	}
	if job.IsPending() {
		return nil, &flotillaerrors.ErrJobPending{JobID: req.JobID}
	}
	if job.IsSuspended() {
		// job can't get cycles for a checkpoint while suspended
		return nil, &flotillaerrors.ErrDisabled{}
	}
	if !job.IsRunning() {
		return nil, &flotillaerrors.ErrAlreadyDone{JobID: req.JobID}
	}

	step := FindStepRecord(job, req.StepID)
	if step == nil {
		return nil, &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: req.StepID}
	}

	imageDir := req.ImageDir
	if imageDir == "" {
		imageDir = step.CkptDir
	}
	imageDir = fmt.Sprintf("%s/%d.%d", imageDir, job.JobID, step.StepID)

	eventTime, errCode, errMsg, err := m.ckpt.Op(req.JobID, req.StepID, step.CheckJob,
		req.Op, req.Data, imageDir)
	if err != nil {
		return nil, err
	}
	m.touch()
	return &CheckpointResponse{EventTime: eventTime, ErrCode: errCode, ErrMsg: errMsg}, nil
}

// CheckpointComplete notes completion of a step checkpoint.
func (m *Manager) CheckpointComplete(jobID, stepID uint32, uid int, beginTime int64,
	errCode uint32, errMsg string) error {
	_, step, err := m.findCheckpointTarget(jobID, stepID, uid)
	if err != nil {
		return err
	}
	if err := m.ckpt.Comp(step.CheckJob, secondsToTime(beginTime), errCode, errMsg); err != nil {
		return err
	}
	m.touch()
	return nil
}

// CheckpointTaskComplete notes completion of one task's checkpoint.
func (m *Manager) CheckpointTaskComplete(jobID, stepID, taskID uint32, uid int,
	beginTime int64, errCode uint32, errMsg string) error {
	_, step, err := m.findCheckpointTarget(jobID, stepID, uid)
	if err != nil {
		return err
	}
	if err := m.ckpt.TaskComp(step.CheckJob, taskID, secondsToTime(beginTime), errCode, errMsg); err != nil {
		return err
	}
	m.touch()
	return nil
}

func (m *Manager) findCheckpointTarget(jobID, stepID uint32, uid int) (*JobRecord, *StepRecord, error) {
	job := m.jobs.Find(jobID)
	if job == nil {
		return nil, nil, &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: NoVal}
	}
	if uid != job.UserID && uid != 0 {
		return nil, nil, &flotillaerrors.ErrAccessDenied{UID: uid, JobID: jobID}
	}
	if job.IsPending() {
		return nil, nil, &flotillaerrors.ErrJobPending{JobID: jobID}
	}
	if !job.IsRunning() && !job.IsSuspended() {
		return nil, nil, &flotillaerrors.ErrAlreadyDone{JobID: jobID}
	}
	step := FindStepRecord(job, stepID)
	if step == nil {
		return nil, nil, &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: stepID}
	}
	return job, step, nil
}

// PeriodicCheckpoint sweeps every running job and initiates the
// checkpoints that have come due. Batch jobs with a job-level interval
// checkpoint as a whole; otherwise each step with an interval is
// considered separately. Steps are not checkpointed right after starting,
// in case they are themselves restarting from a checkpoint.
func (m *Manager) PeriodicCheckpoint() {
	if m.cfg.CheckpointType == "checkpoint/none" || m.cfg.CheckpointType == "" {
		return
	}
	now := m.clock.Now()
	m.jobs.ForEach(func(job *JobRecord) {
		if !job.IsRunning() {
			return
		}
		if job.BatchFlag && job.CkptInterval != 0 { // periodic job checkpoint
			if job.CkptTime.Add(minutes(uint32(job.CkptInterval))).After(now) {
				return
			}
			if job.StartTime.Add(minutes(uint32(job.CkptInterval))).After(now) {
				return
			}
			job.CkptTime = now
			m.touch()
			if _, err := m.CheckpointStep(&CheckpointRequest{
				JobID:  job.JobID,
				StepID: StepIDBatchScript,
				Op:     CheckCreate,
			}, 0); err != nil {
				log.WithError(err).Debugf("periodic checkpoint of job %d failed", job.JobID)
			}
			return // ignore periodic step checkpoints
		}
		for _, step := range job.StepList {
			if step.CkptInterval == 0 {
				continue
			}
			interval := minutes(uint32(step.CkptInterval))
			if step.CkptTime.Add(interval).After(now) {
				continue
			}
			if step.StartTime.Add(interval).After(now) {
				continue
			}
			step.CkptTime = now
			m.touch()
			imageDir := fmt.Sprintf("%s/%d.%d", step.CkptDir, job.JobID, step.StepID)
			if _, _, _, err := m.ckpt.Op(job.JobID, step.StepID, step.CheckJob,
				CheckCreate, 0, imageDir); err != nil {
				log.WithError(err).Debugf("periodic checkpoint of step %d.%d failed",
					job.JobID, step.StepID)
			}
		}
	})
}

// UpdateStep adjusts the time limit of one step, or of every step when
// StepID is NoVal. Operators and account coordinators may update other
// users' steps.
func (m *Manager) UpdateStep(req *StepUpdateRequest, uid int) error {
	job := m.jobs.Find(req.JobID)
	if job == nil {
		log.Errorf("update step: invalid job id %d", req.JobID)
		return &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: NoVal}
	}
	if job.UserID != uid && !m.auth.IsOperator(uid) &&
		!m.auth.IsAccountCoordinator(uid, job.Account) {
		log.Errorf("security violation, step update request from uid %d", uid)
		return &flotillaerrors.ErrUserIDMissing{UID: uid}
	}

	// No need to cap against the job's limit; the job limit kills the
	// steps regardless.
	modified := 0
	if req.StepID == NoVal {
		for _, step := range job.StepList {
			step.TimeLimit = req.TimeLimit
			modified++
			log.Infof("updating step %d.%d time limit to %d",
				req.JobID, step.StepID, req.TimeLimit)
		}
	} else {
		step := FindStepRecord(job, req.StepID)
		if step == nil {
			return &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: req.StepID}
		}
		step.TimeLimit = req.TimeLimit
		modified++
		log.Infof("updating step %d.%d time limit to %d",
			req.JobID, req.StepID, req.TimeLimit)
	}
	if modified > 0 {
		m.touch()
	}
	return nil
}
