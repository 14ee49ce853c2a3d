package types

import "time"

// JobState is the monotonic lifecycle of an AsyncJob; once in a terminal
// state {COMPLETED, FAILED, CANCELLED} it never transitions again.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether s is one of the terminal states.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// AsyncJob tracks a request submitted through the async job manager.
type AsyncJob struct {
	JobID       string
	RequestID   string
	TenantID    string
	State       JobState
	SubmittedAt time.Time
	CompletedAt *time.Time
	Result      *InferenceResponse
	Err         string
}
