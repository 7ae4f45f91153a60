package stepmgr

import (
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

const (
	maxStringLen   = 1024
	maxNodeListLen = 1024 * 64
)

// StepCreateRequest is a step creation RPC as the controller hands it to
// the step manager. CreateStep normalises some fields in place, mirroring
// what the surrounding RPC layer expects to read back.
type StepCreateRequest struct {
	JobID  uint32
	UserID int

	MinNodes uint32
	MaxNodes uint32
	// NoVal lets the manager derive the task count.
	NumTasks uint32
	CPUCount uint32
	// MiB per allocated CPU; zero disables memory enforcement for the step.
	MemPerCPU uint32

	// NoVal16, or the number of leading job nodes to skip.
	Relative uint16

	TaskDist  layout.Distribution
	PlaneSize uint32
	NodeList  string

	Exclusive  bool
	Overcommit bool
	Immediate  bool
	NoKill     bool

	// Minutes; NoVal, zero and Infinite all mean unlimited.
	TimeLimit uint32

	CkptInterval uint16
	CkptDir      string

	Gres string

	Host string
	Port uint16

	Name    string
	Network string

	// NoVal16 for none; zero derives the count from the task layout.
	ResvPortCnt uint16
}

func (r *StepCreateRequest) logRequest() {
	log.Debugf("StepDesc: user_id=%d job_id=%d node_count=%d-%d cpu_count=%d",
		r.UserID, r.JobID, r.MinNodes, r.MaxNodes, r.CPUCount)
	log.Debugf("   num_tasks=%d relative=%d task_dist=%s node_list=%s",
		r.NumTasks, r.Relative, r.TaskDist, r.NodeList)
	log.Debugf("   host=%s port=%d name=%s network=%s exclusive=%v",
		r.Host, r.Port, r.Name, r.Network, r.Exclusive)
	log.Debugf("   mem_per_cpu=%d resv_port_cnt=%d immediate=%v no_kill=%v",
		r.MemPerCPU, r.ResvPortCnt, r.Immediate, r.NoKill)
	log.Debugf("   overcommit=%v time_limit=%d gres=%s ckpt_dir=%s ckpt_int=%d",
		r.Overcommit, r.TimeLimit, r.Gres, r.CkptDir, r.CkptInterval)
}

// validateStrings bounds every request string. All overlong fields are
// reported together.
func (r *StepCreateRequest) validateStrings() error {
	var result *multierror.Error
	check := func(field, value string, limit int) {
		if len(value) > limit {
			result = multierror.Append(result, &flotillaerrors.ErrPathnameTooLong{
				Field:  field,
				Length: len(value),
				Limit:  limit,
			})
		}
	}
	check("ckpt_dir", r.CkptDir, maxStringLen)
	check("gres", r.Gres, maxStringLen)
	check("host", r.Host, maxStringLen)
	check("name", r.Name, maxStringLen)
	check("network", r.Network, maxStringLen)
	check("node_list", r.NodeList, maxNodeListLen)
	return result.ErrorOrNil()
}

// StepCompleteRequest reports completion of a contiguous step-local node
// range.
type StepCompleteRequest struct {
	JobID      uint32
	StepID     uint32
	RangeFirst int
	RangeLast  int
	StepRC     uint32
	JobAcct    JobAcct
}

// StepUpdateRequest adjusts one step, or with StepID == NoVal every step
// of the job.
type StepUpdateRequest struct {
	JobID     uint32
	StepID    uint32
	TimeLimit uint32
}

// CheckpointRequest drives one checkpoint plugin operation.
type CheckpointRequest struct {
	JobID    uint32
	StepID   uint32
	Op       CheckpointOp
	Data     uint16
	ImageDir string
}

// CheckpointResponse carries the plugin's answer for the operations that
// produce one.
type CheckpointResponse struct {
	EventTime time.Time
	ErrCode   uint32
	ErrMsg    string
}
