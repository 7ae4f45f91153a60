package stepmgr

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

// StepRecord is one live job step. Steps are owned by their job's step
// list and never outlive the job; the back pointer carries no ownership.
type StepRecord struct {
	Job    *JobRecord
	StepID uint32

	// Nodes the step may use; subset of the job's allocation.
	StepNodeBitmap *bitmap.Bitmap
	// Cores held by the step, addressed by the job's core bitmap offsets.
	// Nil until resources are allocated.
	CoreBitmapJob *bitmap.Bitmap

	CPUsPerTask uint16
	CPUCount    uint32
	MemPerCPU   uint32

	TaskDist  layout.Distribution
	PlaneSize uint32
	// Interconnect windows are set up differently for cyclic layouts.
	CyclicAlloc bool

	// Materialised task placement; nil for the batch script step.
	Layout *layout.StepLayout

	Exclusive bool
	NoKill    bool
	BatchStep bool

	// Minutes, or Infinite.
	TimeLimit uint32

	StartTime time.Time
	// Run time accumulated before the current suspension.
	PreSusTime time.Duration
	// Total time spent suspended.
	TotSusTime time.Duration

	ExitCode uint32
	// Step-local node offsets that have reported completion. Nil until
	// the first partial completion arrives.
	ExitNodeBitmap *bitmap.Bitmap

	// UID that issued a kill, or -1.
	RequID int

	// Client rendezvous endpoint.
	Host string
	Port uint16

	Name    string
	Network string

	Gres     string
	GresList GresList

	ResvPortCnt   uint16
	ResvPorts     string
	ResvPortArray []uint16

	CkptInterval uint16
	CkptDir      string
	CkptTime     time.Time

	SwitchJob SwitchJobInfo
	CheckJob  CheckpointJobInfo
	JobAcct   JobAcct
}

// NodeCount returns the number of nodes in the step's allocation.
func (s *StepRecord) NodeCount() int {
	if s.StepNodeBitmap == nil {
		return 0
	}
	return s.StepNodeBitmap.SetCount()
}
