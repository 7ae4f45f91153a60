// Package stepmgr manages the job steps of the flotilla controller: the
// sub-allocations of a running job's nodes, CPUs, cores, memory and
// generic resources that parallel tasks actually execute in.
//
// All exported methods of Manager must be called under the controller's
// job/step write lock. The manager itself performs no blocking I/O;
// outbound per-node messages are posted to the agent queue and sent
// asynchronously.
package stepmgr

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/flotillaproject/flotilla/internal/stepmgr/configuration"
)

const (
	// NoVal marks an unset 32-bit request field.
	NoVal uint32 = 0xfffffffe
	// Infinite marks an unlimited 32-bit value.
	Infinite uint32 = 0xffffffff
	// NoVal16 marks an unset 16-bit request field.
	NoVal16 uint16 = 0xfffe

	// MaxStepID is the first unusable step id; ids at or above it are
	// reserved for NoVal and the batch script sentinel.
	MaxStepID uint32 = 0xfffffff0
	// StepIDBatchScript identifies the job's batch script pseudo-step.
	StepIDBatchScript uint32 = 0xfffffffd

	// SignalKill is the signal number that cancels a step.
	SignalKill uint16 = 9
)

// ShowAll includes jobs in hidden partitions in info queries; it does not
// lift the private-job-data filter.
const ShowAll uint16 = 0x0001

// Manager owns step lifecycle for every job in the controller.
type Manager struct {
	cfg   configuration.StepManagerConfig
	clock clock.PassiveClock

	nodes *NodeTable
	jobs  JobSource

	gres    Gres
	sw      Switch
	ckpt    Checkpoint
	acct    Accounting
	jobacct JobAcctGather
	agent   AgentQueue
	srun    SrunNotifier
	auth    AuthProvider

	ports *portManager

	// Round-robin cursor used when core over-subscription is needed, so
	// repeated over-subscription does not always land on core zero.
	lastCoreInx int

	// Timestamp of the last mutation, read by snapshot consumers for
	// change detection.
	lastJobUpdate time.Time
}

// Params collects the collaborators a Manager needs. Nil plugin fields
// default to the built-in no-op implementations, matching the
// "switch/none" and "checkpoint/none" configurations.
type Params struct {
	Config  configuration.StepManagerConfig
	Clock   clock.PassiveClock
	Nodes   *NodeTable
	Jobs    JobSource
	Gres    Gres
	Switch  Switch
	Ckpt    Checkpoint
	Acct    Accounting
	JobAcct JobAcctGather
	Agent   AgentQueue
	Srun    SrunNotifier
	Auth    AuthProvider
}

func NewManager(params Params) *Manager {
	m := &Manager{
		cfg:     params.Config,
		clock:   params.Clock,
		nodes:   params.Nodes,
		jobs:    params.Jobs,
		gres:    params.Gres,
		sw:      params.Switch,
		ckpt:    params.Ckpt,
		acct:    params.Acct,
		jobacct: params.JobAcct,
		agent:   params.Agent,
		srun:    params.Srun,
		auth:    params.Auth,
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.gres == nil {
		m.gres = NoopGres{}
	}
	if m.sw == nil {
		m.sw = NoopSwitch{}
	}
	if m.ckpt == nil {
		m.ckpt = NoopCheckpoint{}
	}
	if m.acct == nil {
		m.acct = NoopAccounting{}
	}
	if m.jobacct == nil {
		m.jobacct = NoopJobAcctGather{}
	}
	if m.srun == nil {
		m.srun = NoopSrunNotifier{}
	}
	if m.auth == nil {
		m.auth = denyAuth{}
	}
	m.ports = newPortManager(m.cfg.ResvPortFirst, m.cfg.ResvPortLast, params.Nodes.Count())
	return m
}

// minutes converts a minute count field into a duration.
func minutes(m uint32) time.Duration {
	return time.Duration(m) * time.Minute
}

// secondsToTime converts a unix timestamp field; zero stays the zero time.
func secondsToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// LastJobUpdate returns the time of the most recent step mutation.
func (m *Manager) LastJobUpdate() time.Time {
	return m.lastJobUpdate
}

func (m *Manager) touch() {
	m.lastJobUpdate = m.clock.Now()
}

// isControllerUser reports whether uid may act on any user's steps.
func (m *Manager) isControllerUser(uid int) bool {
	return uid == 0 || uid == m.cfg.ControllerUID
}
