package stepmgr

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/hostlist"
)

// SuspendSteps folds the run time accumulated since the later of step
// start and the job's previous resume into each step's pre-suspend time.
// Called when the owning job is suspended.
func (m *Manager) SuspendSteps(job *JobRecord) {
	now := m.clock.Now()
	for _, step := range job.StepList {
		if !job.SuspendTime.IsZero() && job.SuspendTime.After(step.StartTime) {
			step.PreSusTime += now.Sub(job.SuspendTime)
		} else {
			step.PreSusTime += now.Sub(step.StartTime)
		}
	}
}

// ResumeSteps accumulates the time each step spent suspended. Called when
// the owning job resumes.
func (m *Manager) ResumeSteps(job *JobRecord) {
	now := m.clock.Now()
	for _, step := range job.StepList {
		if !job.SuspendTime.IsZero() && job.SuspendTime.Before(step.StartTime) {
			step.TotSusTime += now.Sub(step.StartTime)
		} else {
			step.TotSusTime += now.Sub(job.SuspendTime)
		}
	}
}

// CheckTimeLimit is the periodic tick that kills steps past their time
// limit. Suspended time does not count against the limit.
func (m *Manager) CheckTimeLimit(job *JobRecord, now time.Time) {
	if !job.IsRunning() {
		return
	}
	for _, step := range job.StepList {
		if step.TimeLimit == Infinite || step.TimeLimit == NoVal {
			continue
		}
		runMins := uint32((now.Sub(step.StartTime) - step.TotSusTime) / time.Minute)
		if runMins >= step.TimeLimit {
			log.Infof("step %d.%d has timed out (%d minutes)",
				job.JobID, step.StepID, step.TimeLimit)
			m.signalStepTimelimit(job, step, now)
			stepsTimedOut.Inc()
		}
	}
}

// signalStepTimelimit queues a time-limit kill to every node of the step.
func (m *Manager) signalStepTimelimit(job *JobRecord, step *StepRecord, now time.Time) {
	args := &AgentArgs{
		MsgType:  RequestKillTimelimit,
		Retry:    1,
		Hostlist: hostlist.New(),
		MsgArgs: &KillTimelimitMsg{
			JobID:     job.JobID,
			StepID:    step.StepID,
			JobState:  job.State.String(),
			JobUID:    job.UserID,
			Nodes:     job.Nodes,
			Time:      now,
			StartTime: job.StartTime,
		},
	}

	if m.cfg.FrontEnd {
		args.Hostlist.Push(job.BatchHost)
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
