package stepmgr

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/stepmgr/jobres"
)

// JobState is the base lifecycle state of a job.
type JobState uint8

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobComplete
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSuspended:
		return "SUSPENDED"
	case JobComplete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// JobRecord is the step manager's view of a job table entry. The job table
// itself is owned by the surrounding controller; the step manager mutates
// only the step list, the resource debits and the timestamps noted on the
// individual operations.
type JobRecord struct {
	JobID  uint32
	UserID int

	Name      string
	Network   string
	Account   string
	Partition string
	// Compressed expression of the allocated nodes.
	Nodes string
	// Host fronting the allocation in front-end mode.
	BatchHost string
	BatchFlag bool

	State JobState
	// Set while the job's nodes are still booting or running the prolog.
	Configuring   bool
	PrologRunning bool

	NodeBitmap *bitmap.Bitmap
	Resources  *jobres.Resources

	// GRES request string and plugin state for the whole job.
	Gres     string
	GresList GresList

	StepList   []*StepRecord
	NextStepID uint32

	TotalCPUs uint32
	CPUCount  uint32
	// Minimum CPU count from the job request; reported for steps without
	// a layout.
	MinCPUs uint32

	StartTime      time.Time
	EndTime        time.Time
	SuspendTime    time.Time
	TimeLastActive time.Time
	// Minutes, or Infinite.
	TimeLimit uint32

	PartitionMaxTime uint32
	PartitionHidden  bool

	DerivedExitCode uint32

	// Accounting database row; zero until the job start record exists.
	DBIndex uint64

	// Job-level periodic checkpoint settings for batch jobs.
	CkptInterval uint16
	CkptTime     time.Time
}

func (j *JobRecord) IsPending() bool   { return j.State == JobPending }
func (j *JobRecord) IsRunning() bool   { return j.State == JobRunning }
func (j *JobRecord) IsSuspended() bool { return j.State == JobSuspended }
func (j *JobRecord) IsFinished() bool  { return j.State == JobComplete }

// JobSource is the controller-owned job table as the step manager sees it.
type JobSource interface {
	// Find returns the job with the given id, or nil.
	Find(jobID uint32) *JobRecord
	// ForEach visits every job in table order.
	ForEach(f func(*JobRecord))
	// Count returns the number of jobs in the table.
	Count() int
}
