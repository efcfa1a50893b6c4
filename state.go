package iotests

import "fmt"

// JobState is the state of a block job as inferred from QMP events.
type JobState int

const (
	JobUnknown JobState = iota
	JobRunning
	JobReady
	JobCompleted
	JobCancelled
)

// Block job event names.
const (
	EventBlockJobReady     = "BLOCK_JOB_READY"
	EventBlockJobCompleted = "BLOCK_JOB_COMPLETED"
	EventBlockJobCancelled = "BLOCK_JOB_CANCELLED"
	EventBlockJobError     = "BLOCK_JOB_ERROR"
)

// String returns the string representation of the state.
func (s JobState) String() string {
	switch s {
	case JobUnknown:
		return "unknown"
	case JobRunning:
		return "running"
	case JobReady:
		return "ready"
	case JobCompleted:
		return "completed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("JobState(%d)", s)
	}
}

// IsTerminal returns true once the job no longer exists in QEMU.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// jobStateOf maps a block job event name to the state it announces.
// BLOCK_JOB_ERROR leaves the job running (it may be paused or resumed
// according to its error policy).
func jobStateOf(event string) JobState {
	switch event {
	case EventBlockJobReady:
		return JobReady
	case EventBlockJobCompleted:
		return JobCompleted
	case EventBlockJobCancelled:
		return JobCancelled
	case EventBlockJobError:
		return JobRunning
	default:
		return JobUnknown
	}
}
