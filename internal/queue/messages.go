package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
)

// JobMessage is the payload of a call job on the job topic.
type JobMessage struct {
	JobID      uuid.UUID `json:"job_id"`
	Mobile     string    `json:"mobile"`
	AudioURL   string    `json:"audio_url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the fields the dialer needs.
func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.Mobile) == "" {
		return fmt.Errorf("%w: mobile is required", apperrors.ErrValidation)
	}
	if !validNumber(m.Mobile) {
		return fmt.Errorf("%w: mobile %q contains invalid characters", apperrors.ErrValidation, m.Mobile)
	}
	if strings.TrimSpace(m.AudioURL) == "" {
		return fmt.Errorf("%w: audio_url is required", apperrors.ErrValidation)
	}
	return nil
}

// validNumber accepts the characters ATD takes for a voice call. Anything
// else could inject a second AT command.
func validNumber(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == '*' || r == '#':
		default:
			return false
		}
	}
	return true
}

// StatusMessage reports the state of a job.
type StatusMessage struct {
	JobID      uuid.UUID  `json:"job_id"`
	Mobile     string     `json:"mobile"`
	AudioURL   string     `json:"audio_url,omitempty"`
	Status     string     `json:"status"`
	Outcome    string     `json:"outcome,omitempty"`
	Device     string     `json:"device,omitempty"`
	BaudRate   int        `json:"baud_rate,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewStatusMessage builds a status event for a job that has not reached
// the modem.
func NewStatusMessage(job domain.CallJob, status domain.JobStatus, errText string) StatusMessage {
	return StatusMessage{
		JobID:      job.ID,
		Mobile:     job.Destination,
		AudioURL:   job.AudioURL,
		Status:     string(status),
		Error:      errText,
		OccurredAt: time.Now().UTC(),
	}
}

// AttemptStatusMessage builds the final status event for a finished attempt.
func AttemptStatusMessage(job domain.CallJob, attempt domain.CallAttempt) StatusMessage {
	msg := NewStatusMessage(job, domain.StatusForOutcome(attempt.Outcome), attempt.Error)
	msg.Outcome = string(attempt.Outcome)
	msg.Device = attempt.Device
	msg.BaudRate = attempt.BaudRate
	msg.DurationMs = attempt.Duration().Milliseconds()
	msg.AnsweredAt = attempt.AnsweredAt
	return msg
}
