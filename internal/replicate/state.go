package replicate

// State identifies one step of the replication state machine.
type State string

const (
	StateCopySnapshot    State = "CopySnapshot"
	StateCheckSnapshot   State = "CheckSnapshot"
	StateEvalProgress    State = "EvalProgress"
	StateWaitThenRecheck State = "WaitThenRecheck"
	StateRegisterImage   State = "RegisterImage"
	StateNotifySuccess   State = "NotifySuccess"
	StateFail            State = "Fail"

	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Terminal reports whether an execution ends in this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// SnapshotState is the provider-reported progress of a snapshot copy.
// Provider values outside the known set are treated as still pending.
type SnapshotState string

const (
	SnapshotPending   SnapshotState = "pending"
	SnapshotCompleted SnapshotState = "completed"
	SnapshotError     SnapshotState = "error"
)

// Cause strings surfaced to the pipeline on the failure path. They stay
// short and fixed; full provider error payloads go to the execution
// history, not the pipeline UI.
const (
	CauseCopyFailed     = "Snapshot copy failed"
	CauseRegisterFailed = "Image registration failed"
	CauseTimedOut       = "Snapshot copy timed out"

	// CauseStartFailed covers jobs that never produced an execution:
	// malformed parameters, unreadable artifacts, launch rejections.
	CauseStartFailed = "Failed to start replication"
)
