package domain

// RunStatus is the lifecycle status of one assistant run, as reported by the
// AI service.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCompleted      RunStatus = "completed"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether polling should stop. Only queued and in_progress
// keep the poll loop alive; requires_action is terminal here because tool
// resolution is not implemented.
func (s RunStatus) Terminal() bool {
	return s != RunQueued && s != RunInProgress
}

// ThreadMessage is one message on an AI-side thread, with its text segments
// already concatenated.
type ThreadMessage struct {
	ID    string
	Role  string
	RunID string
	Text  string
}

// RoleAssistant is the author role of messages produced by a run.
const RoleAssistant = "assistant"
