package stepmgr

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/hostlist"
	"github.com/flotillaproject/flotilla/internal/common/pack"
)

// GresList is opaque generic-resource plugin state.
type GresList interface{}

// Gres is the generic-resource plugin contract. Node indices are
// job-local. A nil GresList means "no generic resources requested" and
// every implementation must accept it.
type Gres interface {
	// StepStateValidate parses a step's GRES request against the job's.
	StepStateValidate(gres string, jobGres GresList, jobID, stepID uint32) (GresList, error)
	// StepTest returns how many CPUs the GRES constraint leaves usable on
	// a node; NoVal means unconstrained. With ignoreAlloc set, resources
	// held by the job's other steps are treated as free.
	StepTest(stepGres, jobGres GresList, nodeIdx int, ignoreAlloc bool, jobID, stepID uint32) uint32
	StepAlloc(stepGres, jobGres GresList, nodeIdx int, cpus uint32, jobID, stepID uint32) error
	StepDealloc(stepGres, jobGres GresList, jobID, stepID uint32) error
	StepStatePack(stepGres GresList, buf *pack.Buffer, jobID, stepID uint32, version uint16) error
	StepStateUnpack(buf *pack.Buffer, jobID, stepID uint32, version uint16) (GresList, error)
	StepStateLog(stepGres GresList, jobID, stepID uint32)
}

// SwitchJobInfo is opaque interconnect plugin state for one step.
type SwitchJobInfo interface{}

// Switch is the interconnect plugin contract.
type Switch interface {
	AllocJobInfo() (SwitchJobInfo, error)
	BuildJobInfo(info SwitchJobInfo, nodeList string, tasks []uint16, cyclic bool, network string) error
	PackJobInfo(info SwitchJobInfo, buf *pack.Buffer) error
	UnpackJobInfo(buf *pack.Buffer) (SwitchJobInfo, error)
	// StepComplete releases all interconnect state for the step.
	StepComplete(info SwitchJobInfo, nodeList string) error
	// StepPartComplete releases state on a subset of nodes; only called
	// when PartComplete reports support.
	StepPartComplete(info SwitchJobInfo, nodeList string) error
	PartComplete() bool
	FreeJobInfo(info SwitchJobInfo)
	// StepAllocated tells the plugin about a step recovered from a state
	// file.
	StepAllocated(info SwitchJobInfo, nodeList string)
}

// CheckpointJobInfo is opaque checkpoint plugin state for one step.
type CheckpointJobInfo interface{}

// CheckpointOp selects the operation for Checkpoint.Op.
type CheckpointOp uint16

const (
	CheckAble CheckpointOp = iota + 1
	CheckDisable
	CheckEnable
	CheckCreate
	CheckVacate
	CheckRestart
	CheckError
)

// Checkpoint is the checkpoint plugin contract.
type Checkpoint interface {
	AllocJobInfo() (CheckpointJobInfo, error)
	PackJobInfo(info CheckpointJobInfo, buf *pack.Buffer, version uint16) error
	UnpackJobInfo(buf *pack.Buffer, version uint16) (CheckpointJobInfo, error)
	FreeJobInfo(info CheckpointJobInfo)
	Op(jobID, stepID uint32, info CheckpointJobInfo, op CheckpointOp, data uint16,
		imageDir string) (eventTime time.Time, errCode uint32, errMsg string, err error)
	Comp(info CheckpointJobInfo, beginTime time.Time, errCode uint32, errMsg string) error
	TaskComp(info CheckpointJobInfo, taskID uint32, beginTime time.Time, errCode uint32, errMsg string) error
}

// JobAcct is an opaque per-step accounting gather handle.
type JobAcct interface{}

// JobAcctGather creates and folds per-step accounting data.
type JobAcctGather interface {
	Create() JobAcct
	Aggregate(dst, src JobAcct)
	Destroy(JobAcct)
}

// Accounting is the accounting storage plugin contract.
type Accounting interface {
	JobStart(job *JobRecord)
	StepStart(step *StepRecord)
	StepComplete(step *StepRecord)
}

// MessageType identifies an outbound agent message.
type MessageType int

const (
	RequestSignalTasks MessageType = iota + 1
	RequestTerminateTasks
	RequestKillTimelimit
)

func (t MessageType) String() string {
	switch t {
	case RequestSignalTasks:
		return "REQUEST_SIGNAL_TASKS"
	case RequestTerminateTasks:
		return "REQUEST_TERMINATE_TASKS"
	case RequestKillTimelimit:
		return "REQUEST_KILL_TIMELIMIT"
	}
	return "UNKNOWN"
}

// KillTasksMsg asks a node to signal a step's tasks.
type KillTasksMsg struct {
	JobID  uint32
	StepID uint32
	Signal uint16
}

// KillTimelimitMsg tells a node a step has exceeded its time limit.
type KillTimelimitMsg struct {
	JobID     uint32
	StepID    uint32
	JobState  string
	JobUID    int
	Nodes     string
	Time      time.Time
	StartTime time.Time
}

// AgentArgs is one queued outbound request, fanned out to every host in
// the hostlist by the agent with per-message retry.
type AgentArgs struct {
	MsgType   MessageType
	Retry     int
	Hostlist  *hostlist.Hostlist
	NodeCount int
	MsgArgs   interface{}
}

// AgentQueue posts outbound node RPCs; delivery is asynchronous and never
// waited on.
type AgentQueue interface {
	QueueRequest(args *AgentArgs)
}

// SrunNotifier tells the client that launched a step about completion.
type SrunNotifier interface {
	StepComplete(step *StepRecord)
}

// AuthProvider answers the privilege questions the step manager cannot
// answer from the job record alone.
type AuthProvider interface {
	IsOperator(uid int) bool
	IsAccountCoordinator(uid int, account string) bool
}
