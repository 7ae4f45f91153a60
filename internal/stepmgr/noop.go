package stepmgr

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/pack"
)

// No-op plugin implementations, used when the corresponding plugin type is
// configured to "none" or left unset.

type NoopGres struct{}

func (NoopGres) StepStateValidate(gres string, jobGres GresList, jobID, stepID uint32) (GresList, error) {
	return nil, nil
}

func (NoopGres) StepTest(stepGres, jobGres GresList, nodeIdx int, ignoreAlloc bool, jobID, stepID uint32) uint32 {
	return NoVal
}

func (NoopGres) StepAlloc(stepGres, jobGres GresList, nodeIdx int, cpus uint32, jobID, stepID uint32) error {
	return nil
}

func (NoopGres) StepDealloc(stepGres, jobGres GresList, jobID, stepID uint32) error {
	return nil
}

func (NoopGres) StepStatePack(stepGres GresList, buf *pack.Buffer, jobID, stepID uint32, version uint16) error {
	buf.PackU32(0)
	return nil
}

func (NoopGres) StepStateUnpack(buf *pack.Buffer, jobID, stepID uint32, version uint16) (GresList, error) {
	_, err := buf.UnpackU32()
	return nil, err
}

func (NoopGres) StepStateLog(stepGres GresList, jobID, stepID uint32) {}

type NoopSwitch struct{}

func (NoopSwitch) AllocJobInfo() (SwitchJobInfo, error) {
	return struct{}{}, nil
}

func (NoopSwitch) BuildJobInfo(info SwitchJobInfo, nodeList string, tasks []uint16, cyclic bool, network string) error {
	return nil
}

func (NoopSwitch) PackJobInfo(info SwitchJobInfo, buf *pack.Buffer) error {
	return nil
}

func (NoopSwitch) UnpackJobInfo(buf *pack.Buffer) (SwitchJobInfo, error) {
	return struct{}{}, nil
}

func (NoopSwitch) StepComplete(info SwitchJobInfo, nodeList string) error     { return nil }
func (NoopSwitch) StepPartComplete(info SwitchJobInfo, nodeList string) error { return nil }
func (NoopSwitch) PartComplete() bool                                         { return false }
func (NoopSwitch) FreeJobInfo(info SwitchJobInfo)                             {}
func (NoopSwitch) StepAllocated(info SwitchJobInfo, nodeList string)          {}

type NoopCheckpoint struct{}

func (NoopCheckpoint) AllocJobInfo() (CheckpointJobInfo, error) {
	return struct{}{}, nil
}

func (NoopCheckpoint) PackJobInfo(info CheckpointJobInfo, buf *pack.Buffer, version uint16) error {
	return nil
}

func (NoopCheckpoint) UnpackJobInfo(buf *pack.Buffer, version uint16) (CheckpointJobInfo, error) {
	return struct{}{}, nil
}

func (NoopCheckpoint) FreeJobInfo(info CheckpointJobInfo) {}

func (NoopCheckpoint) Op(jobID, stepID uint32, info CheckpointJobInfo, op CheckpointOp, data uint16,
	imageDir string) (time.Time, uint32, string, error) {
	return time.Time{}, 0, "", nil
}

func (NoopCheckpoint) Comp(info CheckpointJobInfo, beginTime time.Time, errCode uint32, errMsg string) error {
	return nil
}

func (NoopCheckpoint) TaskComp(info CheckpointJobInfo, taskID uint32, beginTime time.Time, errCode uint32, errMsg string) error {
	return nil
}

type NoopAccounting struct{}

func (NoopAccounting) JobStart(job *JobRecord)      {}
func (NoopAccounting) StepStart(step *StepRecord)   {}
func (NoopAccounting) StepComplete(step *StepRecord) {}

type NoopJobAcctGather struct{}

func (NoopJobAcctGather) Create() JobAcct        { return nil }
func (NoopJobAcctGather) Aggregate(dst, src JobAcct) {}
func (NoopJobAcctGather) Destroy(JobAcct)        {}

type NoopSrunNotifier struct{}

func (NoopSrunNotifier) StepComplete(step *StepRecord) {}

// denyAuth is the default AuthProvider: nobody is an operator.
type denyAuth struct{}

func (denyAuth) IsOperator(uid int) bool                           { return false }
func (denyAuth) IsAccountCoordinator(uid int, account string) bool { return false }
