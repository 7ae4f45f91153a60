package configuration

import "time"

// StepManagerConfig carries the controller settings the step manager reads.
// It is unmarshalled from the controller config file by common.LoadConfig.
type StepManagerConfig struct {
	// Interconnect plugin name, e.g. "switch/none" or "switch/elan".
	// The arbitrary task distribution is illegal under switch/elan.
	SwitchType string `mapstructure:"switchType"`
	// Checkpoint plugin name; "checkpoint/none" disables the periodic sweep.
	CheckpointType string `mapstructure:"checkpointType"`
	// Upper bound on tasks any one node may receive.
	MaxTasksPerNode uint32 `mapstructure:"maxTasksPerNode"`
	// When set, scheduling trusts configured node CPU counts rather than
	// the values nodes report.
	FastSchedule bool `mapstructure:"fastSchedule"`
	// When set, per-node memory is a managed resource and mem_per_cpu
	// requests are enforced.
	MemoryReserved bool `mapstructure:"memoryReserved"`
	// When set, step time limits beyond the partition maximum are rejected.
	EnforcePartitionLimits bool `mapstructure:"enforcePartitionLimits"`
	// Front-end mode: one batch host fronts all compute nodes and receives
	// every per-node message.
	FrontEnd bool `mapstructure:"frontEnd"`
	// When set, step info is only visible to the owner, operators and
	// account coordinators.
	PrivateJobData bool `mapstructure:"privateJobData"`
	// UID the controller runs as. Requests from this uid or root pass the
	// controller-user check.
	ControllerUID int `mapstructure:"controllerUid"`
	// Inclusive port range steps may reserve rendezvous ports from.
	ResvPortFirst uint16 `mapstructure:"resvPortFirst"`
	ResvPortLast  uint16 `mapstructure:"resvPortLast"`
	// Interval between periodic checkpoint sweeps.
	CheckpointInterval time.Duration `mapstructure:"checkpointInterval"`
}

func DefaultConfig() StepManagerConfig {
	return StepManagerConfig{
		SwitchType:         "switch/none",
		CheckpointType:     "checkpoint/none",
		MaxTasksPerNode:    128,
		MemoryReserved:     true,
		ResvPortFirst:      12000,
		ResvPortLast:       12999,
		CheckpointInterval: time.Minute,
	}
}
