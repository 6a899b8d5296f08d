package domain

import "time"

// JobState represents the scheduling state of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateClaimed   JobState = "claimed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// ParseJobState validates a state string.
func ParseJobState(s string) (JobState, bool) {
	switch st := JobState(s); st {
	case StatePending, StateClaimed, StateCompleted, StateFailed, StateCancelled:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is a unit of deferred download work.
type Job struct {
	ID             int64
	URL            string
	Source         Source
	VideoID        string
	Title          string
	Variant        string
	NotBefore      time.Time
	State          JobState
	Attempts       int
	Error          string
	FailureKind    FailureKind
	ClaimToken     string
	LeaseExpiresAt *time.Time
	HandleID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// CanRetry returns true if the job may go back to pending after a failed attempt.
func (j *Job) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts && !j.State.IsTerminal()
}

// IsDue reports whether a pending job is eligible for a claim at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.State == StatePending && !j.NotBefore.After(now)
}

// Claim describes one exclusive, time-bounded ownership of a job.
type Claim struct {
	Token      string
	Now        time.Time
	LeaseUntil time.Time
}

// JobFilter narrows List results. Zero values mean "any".
type JobFilter struct {
	State JobState
	Limit int
}

// Download is a history record of a retrieved artifact.
type Download struct {
	ID           int64
	JobID        int64
	VideoID      string
	Title        string
	URL          string
	Source       Source
	Variant      string
	Kind         MediaKind
	SizeBytes    int64
	DownloadedAt time.Time
}
