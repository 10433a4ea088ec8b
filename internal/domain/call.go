package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallState enumerates the stages of a single dial cycle.
type CallState string

const (
	CallStateIdle        CallState = "idle"
	CallStateProbing     CallState = "probing"
	CallStateDialing     CallState = "dialing"
	CallStateRingingPoll CallState = "ringing_poll"
	CallStateAnswered    CallState = "answered"
	CallStateEnded       CallState = "ended"
	CallStateFailed      CallState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// CallOutcome is the typed result of a call attempt.
type CallOutcome string

const (
	OutcomeAnswered         CallOutcome = "answered"
	OutcomeNoAnswer         CallOutcome = "no_answer"
	OutcomeDeviceError      CallOutcome = "device_error"
	OutcomeDiscoveryFailure CallOutcome = "discovery_failure"
)

// JobStatus tracks a job as seen by the queue and the job table.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRejected JobStatus = "rejected"
	JobStatusDialing  JobStatus = "dialing"
	JobStatusAnswered JobStatus = "answered"
	JobStatusNoAnswer JobStatus = "no_answer"
	JobStatusFailed   JobStatus = "failed"
)

// StatusForOutcome maps a finished attempt onto the job status.
func StatusForOutcome(outcome CallOutcome) JobStatus {
	switch outcome {
	case OutcomeAnswered:
		return JobStatusAnswered
	case OutcomeNoAnswer:
		return JobStatusNoAnswer
	default:
		return JobStatusFailed
	}
}

// CallJob is one request to dial a number and play a local audio file.
type CallJob struct {
	ID          uuid.UUID
	Destination string
	AudioPath   string
	AudioURL    string
	ReceivedAt  time.Time
}

// CallAttempt captures one dial cycle. It only lives for the duration of
// the call; the final snapshot is reported upward.
type CallAttempt struct {
	JobID      uuid.UUID
	State      CallState
	Outcome    CallOutcome
	Device     string
	BaudRate   int
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    time.Time
	Error      string
}

// Duration is the wall-clock time between start and end.
func (a CallAttempt) Duration() time.Duration {
	if a.EndedAt.IsZero() || a.StartedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// JobRecord is the stored view of a job.
type JobRecord struct {
	ID         uuid.UUID  `db:"id"`
	Mobile     string     `db:"mobile"`
	AudioURL   string     `db:"audio_url"`
	Status     JobStatus  `db:"status"`
	Outcome    *string    `db:"outcome"`
	LastError  *string    `db:"last_error"`
	AnsweredAt *time.Time `db:"answered_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// AttemptRecord is the stored history row for one attempt.
type AttemptRecord struct {
	JobID      uuid.UUID
	AttemptID  uuid.UUID
	Status     JobStatus
	Outcome    string
	Device     string
	BaudRate   int
	Error      string
	Duration   time.Duration
	AnsweredAt *time.Time
	OccurredAt time.Time
}
