package stepmgr

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/hostlist"
)

// CompleteStep records a step's normal completion: accounting is
// stamped, the exit code folds into the job's derived exit code, and
// every resource debit is returned.
func (m *Manager) CompleteStep(jobID, stepID uint32, uid int) error {
	job := m.jobs.Find(jobID)
	if job == nil {
		log.Infof("complete step: invalid job id %d", jobID)
		return &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: NoVal}
	}
	if job.UserID != uid && !m.isControllerUser(uid) {
		log.Errorf("security violation, step complete request from uid %d", uid)
		return &flotillaerrors.ErrUserIDMissing{UID: uid}
	}
	step := FindStepRecord(job, stepID)
	if step == nil {
		return &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: stepID}
	}

	m.acct.StepComplete(step)
	if step.ExitCode != NoVal && step.ExitCode > job.DerivedExitCode {
		job.DerivedExitCode = step.ExitCode
	}

	m.stepDeallocLPS(step)
	if err := m.gres.StepDealloc(step.GresList, job.GresList, jobID, stepID); err != nil {
		log.WithError(err).Errorf("gres dealloc failed for step %d.%d", jobID, stepID)
	}

	m.touch()
	if err := m.DeleteStepRecord(job, stepID); err != nil {
		log.Infof("complete step: step %d.%d not found", jobID, stepID)
		return &flotillaerrors.ErrAlreadyDone{JobID: jobID}
	}
	stepsCompleted.Inc()
	return nil
}

// PartialComplete notes that a contiguous range of a step's nodes has
// finished. Ranges are step-local, zero-origin and may arrive in any
// order; re-reporting a range is harmless. Returns the number of nodes
// still outstanding and the highest exit code seen so far.
func (m *Manager) PartialComplete(req *StepCompleteRequest, uid int) (rem int, maxRC uint32, err error) {
	job := m.jobs.Find(req.JobID)
	if job == nil {
		log.Infof("partial complete: job %d invalid", req.JobID)
		return 0, 0, &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: NoVal}
	}
	if job.IsPending() {
		log.Infof("partial complete: job %d pending", req.JobID)
		return 0, 0, &flotillaerrors.ErrJobPending{JobID: req.JobID}
	}
	if !m.isControllerUser(uid) && uid != job.UserID {
		// normally from the node daemon, from the client on some failures
		log.Errorf("security violation: step complete for job %d from uid %d", req.JobID, uid)
		return 0, 0, &flotillaerrors.ErrUserIDMissing{UID: uid}
	}
	step := FindStepRecord(job, req.StepID)
	if step == nil {
		log.Infof("partial complete: step %d.%d invalid", req.JobID, req.StepID)
		return 0, 0, &flotillaerrors.ErrInvalidJobID{JobID: req.JobID, StepID: req.StepID}
	}

	if step.BatchStep {
		// The batch script runs on a single node and its record is
		// deleted elsewhere; deleting it here would leave the later
		// deletion dangling.
		step.ExitCode = req.StepRC
		m.jobacct.Aggregate(step.JobAcct, req.JobAcct)
		return 0, step.ExitCode, nil
	}

	if req.RangeLast < req.RangeFirst {
		return 0, 0, errors.Errorf("partial complete: job %d bad range %d-%d",
			req.JobID, req.RangeFirst, req.RangeLast)
	}
	m.jobacct.Aggregate(step.JobAcct, req.JobAcct)

	nodes := step.NodeCount()
	if step.ExitNodeBitmap == nil {
		if req.RangeLast >= nodes { // range is zero origin
			return 0, 0, errors.Errorf("partial complete: job %d range end %d exceeds %d nodes",
				req.JobID, req.RangeLast, nodes)
		}
		step.ExitNodeBitmap = bitmap.New(nodes)
		step.ExitCode = req.StepRC
	} else {
		nodes = step.ExitNodeBitmap.Size()
		if req.RangeLast >= nodes {
			return 0, 0, errors.Errorf("partial complete: job %d range end %d exceeds %d nodes",
				req.JobID, req.RangeLast, nodes)
		}
		if req.StepRC > step.ExitCode || step.ExitCode == NoVal {
			step.ExitCode = req.StepRC
		}
	}

	step.ExitNodeBitmap.SetRange(req.RangeFirst, req.RangeLast)
	rem = step.ExitNodeBitmap.ClearCount()
	if rem == 0 {
		// release all interconnect state
		if step.SwitchJob != nil {
			log.Debugf("full switch release for step %d.%d, nodes %s",
				req.JobID, req.StepID, step.Layout.NodeList)
			if err := m.sw.StepComplete(step.SwitchJob, step.Layout.NodeList); err != nil {
				log.WithError(err).Errorf("switch release failed for step %d.%d",
					req.JobID, req.StepID)
			}
			m.sw.FreeJobInfo(step.SwitchJob)
			step.SwitchJob = nil
		}
	} else if m.sw.PartComplete() && step.SwitchJob != nil {
		// release interconnect state on just the completed nodes
		nodeList := m.stepRangeToHostlist(step, req.RangeFirst, req.RangeLast).RangedString()
		log.Debugf("partial switch release for step %d.%d, nodes %s",
			req.JobID, req.StepID, nodeList)
		if err := m.sw.StepPartComplete(step.SwitchJob, nodeList); err != nil {
			log.WithError(err).Errorf("partial switch release failed for step %d.%d",
				req.JobID, req.StepID)
		}
	}

	return rem, step.ExitCode, nil
}

// StepEpilogComplete releases interconnect state for one node once its
// epilog finishes, for plugins that support partial completion. Returns
// the number of steps released.
func (m *Manager) StepEpilogComplete(job *JobRecord, nodeName string) int {
	if !m.sw.PartComplete() {
		return 0
	}
	nodeIdx := m.nodes.Find(nodeName)
	if nodeIdx < 0 {
		return 0
	}
	released := 0
	for _, step := range job.StepList {
		if step.SwitchJob == nil || !step.StepNodeBitmap.Test(nodeIdx) {
			continue
		}
		if step.ExitNodeBitmap != nil {
			offset := m.stepHostnameToInx(step, nodeName)
			if offset < 0 || step.ExitNodeBitmap.Test(offset) {
				continue
			}
			step.ExitNodeBitmap.Set(offset)
		}
		released++
		log.Debugf("partial switch release for step %d.%d, epilog on %s",
			job.JobID, step.StepID, nodeName)
		if err := m.sw.StepPartComplete(step.SwitchJob, nodeName); err != nil {
			log.WithError(err).Errorf("partial switch release failed for step %d.%d",
				job.JobID, step.StepID)
		}
	}
	return released
}

// stepRangeToHostlist names the nodes at step-local offsets
// [first, last].
func (m *Manager) stepRangeToHostlist(step *StepRecord, first, last int) *hostlist.Hostlist {
	hl := hostlist.New()
	nodeInx := -1
	for i := 0; i < m.nodes.Count(); i++ {
		if !step.StepNodeBitmap.Test(i) {
			continue
		}
		nodeInx++
		if nodeInx >= first && nodeInx <= last {
			hl.Push(m.nodes.Node(i).Name)
		}
	}
	return hl
}

// stepHostnameToInx is the inverse: a node name's offset within the
// step's allocation, or -1.
func (m *Manager) stepHostnameToInx(step *StepRecord, nodeName string) int {
	nodeIdx := m.nodes.Find(nodeName)
	if nodeIdx < 0 || !step.StepNodeBitmap.Test(nodeIdx) {
		return -1
	}
	offset := 0
	for i := 0; i < nodeIdx; i++ {
		if step.StepNodeBitmap.Test(i) {
			offset++
		}
	}
	return offset
}
