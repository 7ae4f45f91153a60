// Package flotillaerrors contains the errors surfaced by the step manager.
// The RPC layer looks for these types to set the response code; everything
// else should wrap them with github.com/pkg/errors and let the cause
// propagate. If several validation failures occur in one request, return a
// multierror.Error from github.com/hashicorp/go-multierror wrapping them.
package flotillaerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInvalidJobID is returned when no job or step matches the request.
type ErrInvalidJobID struct {
	JobID  uint32
	StepID uint32 // NoVal when the job itself was not found
}

func (err *ErrInvalidJobID) Error() string {
	if err.StepID != 0xfffffffe {
		return fmt.Sprintf("step %d.%d does not exist", err.JobID, err.StepID)
	}
	return fmt.Sprintf("job %d does not exist", err.JobID)
}

// ErrAlreadyDone is returned when the job has already finished.
type ErrAlreadyDone struct {
	JobID uint32
}

func (err *ErrAlreadyDone) Error() string {
	return fmt.Sprintf("job %d already completed", err.JobID)
}

// ErrJobPending is returned when an operation requires a running job.
type ErrJobPending struct {
	JobID uint32
}

func (err *ErrJobPending) Error() string {
	return fmt.Sprintf("job %d is pending", err.JobID)
}

// ErrTransitionState is returned when a signal arrives while the job is in
// a state from which no update is possible.
type ErrTransitionState struct {
	JobID uint32
	State string
}

func (err *ErrTransitionState) Error() string {
	return fmt.Sprintf("job %d in state %s cannot be signalled", err.JobID, err.State)
}

// ErrUserIDMissing is returned on an authorisation failure where the
// requesting uid does not own the job.
type ErrUserIDMissing struct {
	UID int
}

func (err *ErrUserIDMissing) Error() string {
	return fmt.Sprintf("security violation, request from uid %d", err.UID)
}

// ErrAccessDenied is returned when the request uid does not match the job's.
type ErrAccessDenied struct {
	UID   int
	JobID uint32
}

func (err *ErrAccessDenied) Error() string {
	return fmt.Sprintf("uid %d denied access to job %d", err.UID, err.JobID)
}

// ErrDisabled is returned for operations that are valid but not possible in
// the job's current state, e.g. checkpointing a suspended job.
type ErrDisabled struct{}

func (err *ErrDisabled) Error() string {
	return "operation disabled in current state"
}

// ErrDuplicateJobID is returned for a batch step against a pending parent.
type ErrDuplicateJobID struct {
	JobID uint32
}

func (err *ErrDuplicateJobID) Error() string {
	return fmt.Sprintf("job %d is pending, cannot run batch step", err.JobID)
}

// ErrBadDistribution is returned when the task distribution is not in the
// allowed set.
type ErrBadDistribution struct {
	Dist string
}

func (err *ErrBadDistribution) Error() string {
	return fmt.Sprintf("invalid task distribution %q", err.Dist)
}

// ErrTaskDistArbitraryUnsupported is returned when the configured
// interconnect cannot honour an arbitrary task layout.
type ErrTaskDistArbitraryUnsupported struct {
	SwitchType string
}

func (err *ErrTaskDistArbitraryUnsupported) Error() string {
	return fmt.Sprintf("arbitrary task distribution not supported with %s", err.SwitchType)
}

// ErrPathnameTooLong is returned when a request string exceeds its bound.
type ErrPathnameTooLong struct {
	Field  string
	Length int
	Limit  int
}

func (err *ErrPathnameTooLong) Error() string {
	return fmt.Sprintf("%s length %d exceeds limit %d", err.Field, err.Length, err.Limit)
}

// ErrBadTaskCount is returned when num_tasks is below one or exceeds what
// the selected nodes can ever hold.
type ErrBadTaskCount struct {
	NumTasks uint32
}

func (err *ErrBadTaskCount) Error() string {
	return fmt.Sprintf("invalid task count %d", err.NumTasks)
}

// ErrInvalidNodeCount is returned when max_nodes < min_nodes.
type ErrInvalidNodeCount struct {
	MinNodes uint32
	MaxNodes uint32
}

func (err *ErrInvalidNodeCount) Error() string {
	return fmt.Sprintf("invalid node count %d-%d", err.MinNodes, err.MaxNodes)
}

// ErrNodesBusy is returned when capacity exists but is temporarily in use.
type ErrNodesBusy struct {
	JobID uint32
}

func (err *ErrNodesBusy) Error() string {
	return fmt.Sprintf("requested nodes of job %d are busy", err.JobID)
}

// ErrNodeNotAvail is returned when some of the job's nodes are down.
type ErrNodeNotAvail struct {
	JobID uint32
}

func (err *ErrNodeNotAvail) Error() string {
	return fmt.Sprintf("required nodes of job %d are not available", err.JobID)
}

// ErrRequestedNodeConfigUnavailable is returned when the request can never
// be satisfied from the job's allocation.
type ErrRequestedNodeConfigUnavailable struct {
	JobID uint32
}

func (err *ErrRequestedNodeConfigUnavailable) Error() string {
	return fmt.Sprintf("requested node configuration not available in job %d", err.JobID)
}

// ErrInvalidTaskMemory is returned when the memory request cannot be met on
// a required node.
type ErrInvalidTaskMemory struct{}

func (err *ErrInvalidTaskMemory) Error() string {
	return "memory required by task is not available"
}

// ErrInvalidGres is returned when the GRES request cannot be met on a
// required node.
type ErrInvalidGres struct{}

func (err *ErrInvalidGres) Error() string {
	return "invalid generic resource specification"
}

// ErrTooManyRequestedCPUs is returned when the CPU count cannot fit within
// max_nodes.
type ErrTooManyRequestedCPUs struct {
	CPUCount uint32
}

func (err *ErrTooManyRequestedCPUs) Error() string {
	return fmt.Sprintf("cannot satisfy cpu count %d within node limit", err.CPUCount)
}

// ErrInvalidTimeLimit is returned when the step time limit exceeds the
// partition maximum and enforcement is on.
type ErrInvalidTimeLimit struct {
	TimeLimit uint32
	MaxTime   uint32
}

func (err *ErrInvalidTimeLimit) Error() string {
	return fmt.Sprintf("time limit %d exceeds partition maximum %d", err.TimeLimit, err.MaxTime)
}

// ErrInterconnectFailure is returned when the switch plugin rejects the
// step's interconnect setup.
type ErrInterconnectFailure struct {
	Message string
}

func (err *ErrInterconnectFailure) Error() string {
	if err.Message != "" {
		return "interconnect failure: " + err.Message
	}
	return "interconnect failure"
}

// ErrTooManySteps is returned once a job's step id space is exhausted.
type ErrTooManySteps struct {
	JobID uint32
}

func (err *ErrTooManySteps) Error() string {
	return fmt.Sprintf("job %d has reached its step id limit", err.JobID)
}

// ErrPrologRunning is returned when the first step arrives before the
// job prolog has finished.
type ErrPrologRunning struct {
	JobID uint32
}

func (err *ErrPrologRunning) Error() string {
	return fmt.Sprintf("prolog still running for job %d", err.JobID)
}

// CodeFromError maps an error chain onto a gRPC status code for the
// transport layer. Unrecognised errors map to codes.Unknown.
func CodeFromError(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrInvalidJobID
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrUserIDMissing
		if errors.As(err, &e) {
			return codes.PermissionDenied
		}
	}
	{
		var e *ErrAccessDenied
		if errors.As(err, &e) {
			return codes.PermissionDenied
		}
	}
	{
		var e *ErrNodesBusy
		if errors.As(err, &e) {
			return codes.Unavailable
		}
	}
	{
		var e *ErrNodeNotAvail
		if errors.As(err, &e) {
			return codes.Unavailable
		}
	}
	{
		var e *ErrAlreadyDone
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrJobPending
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrTransitionState
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrDisabled
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrTooManySteps
		if errors.As(err, &e) {
			return codes.ResourceExhausted
		}
	}
	{
		var e *ErrInterconnectFailure
		if errors.As(err, &e) {
			return codes.Internal
		}
	}
	if isInvalidArgument(err) {
		return codes.InvalidArgument
	}
	return codes.Unknown
}

func isInvalidArgument(err error) bool {
	{
		var e *ErrBadDistribution
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrTaskDistArbitraryUnsupported
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrPathnameTooLong
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrBadTaskCount
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrInvalidNodeCount
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrInvalidTaskMemory
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrInvalidGres
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrTooManyRequestedCPUs
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrInvalidTimeLimit
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrRequestedNodeConfigUnavailable
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrDuplicateJobID
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}
