package stepmgr

import (
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/hostlist"
)

// SignalStep delivers a signal to every task of a step. SignalKill also
// records the requesting uid and tells the launching client the step is
// going away.
func (m *Manager) SignalStep(jobID, stepID uint32, signal uint16, uid int) error {
	job := m.jobs.Find(jobID)
	if job == nil {
		log.Errorf("signal step: invalid job id %d", jobID)
		return &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: NoVal}
	}
	if job.IsFinished() {
		return &flotillaerrors.ErrAlreadyDone{JobID: jobID}
	}
	if !job.IsRunning() {
		log.Infof("signal step: step %d.%d cannot be sent signal %d from state %s",
			jobID, stepID, signal, job.State)
		return &flotillaerrors.ErrTransitionState{JobID: jobID, State: job.State.String()}
	}
	if job.UserID != uid && !m.isControllerUser(uid) {
		log.Errorf("security violation, step signal request from uid %d", uid)
		return &flotillaerrors.ErrUserIDMissing{UID: uid}
	}

	step := FindStepRecord(job, stepID)
	if step == nil {
		log.Infof("signal step: step %d.%d not found", jobID, stepID)
		return &flotillaerrors.ErrInvalidJobID{JobID: jobID, StepID: stepID}
	}

	if signal == SignalKill {
		// remember who asked for the kill
		step.RequID = uid
		m.srun.StepComplete(step)
	}

	m.signalStepTasks(step, signal, RequestSignalTasks)
	return nil
}

// signalStepTasks queues a signal message to every node of the step, or
// to the job's batch host in front-end mode. A step with no nodes is a
// no-op.
func (m *Manager) signalStepTasks(step *StepRecord, signal uint16, msgType MessageType) {
	args := &AgentArgs{
		MsgType:  msgType,
		Retry:    1,
		Hostlist: hostlist.New(),
		MsgArgs: &KillTasksMsg{
			JobID:  step.Job.JobID,
			StepID: step.StepID,
			Signal: signal,
		},
	}

	if m.cfg.FrontEnd {
		args.Hostlist.Push(step.Job.BatchHost)
		args.NodeCount = 1
	} else {
		for i := 0; i < m.nodes.Count(); i++ {
			if !step.StepNodeBitmap.Test(i) {
				continue
			}
			args.Hostlist.Push(m.nodes.Node(i).Name)
			args.NodeCount++
		}
	}
	if args.NodeCount == 0 {
		return
	}
	m.agent.QueueRequest(args)
}

// signalStepTasksOnNode is signalStepTasks narrowed to one node.
func (m *Manager) signalStepTasksOnNode(nodeName string, step *StepRecord, signal uint16, msgType MessageType) {
	args := &AgentArgs{
		MsgType:  msgType,
		Retry:    1,
		Hostlist: hostlist.New(),
		MsgArgs: &KillTasksMsg{
			JobID:  step.Job.JobID,
			StepID: step.StepID,
			Signal: signal,
		},
	}
	if m.cfg.FrontEnd {
		args.Hostlist.Push(step.Job.BatchHost)
	} else {
		args.Hostlist.Push(nodeName)
	}
	args.NodeCount = 1
	m.agent.QueueRequest(args)
}

// KillStepOnNode terminates every step of the job that has tasks on the
// named node, except steps flagged to survive node failure. Returns the
// number of steps signalled.
func (m *Manager) KillStepOnNode(job *JobRecord, nodeName string) int {
	if job == nil {
		return 0
	}
	nodeIdx := m.nodes.Find(nodeName)
	if nodeIdx < 0 {
		return 0
	}
	found := 0
	for _, step := range job.StepList {
		if step.NoKill || !step.StepNodeBitmap.Test(nodeIdx) {
			continue
		}
		log.Infof("killing step %d.%d on node %s", job.JobID, step.StepID, nodeName)
		m.srun.StepComplete(step)
		m.signalStepTasksOnNode(nodeName, step, SignalKill, RequestTerminateTasks)
		found++
	}
	return found
}
