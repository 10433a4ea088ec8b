package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
)

// Schema creates the attempt history table.
const Schema = `CREATE TABLE IF NOT EXISTS call_attempts_by_job (
	job_id uuid,
	occurred_at timestamp,
	attempt_id uuid,
	status text,
	outcome text,
	device text,
	baud_rate int,
	error text,
	duration_ms bigint,
	answered_at timestamp,
	PRIMARY KEY ((job_id), occurred_at, attempt_id)
) WITH CLUSTERING ORDER BY (occurred_at DESC, attempt_id ASC)`

// AttemptStore persists call attempts in Scylla.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// EnsureSchema creates the table if needed.
func (s *AttemptStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(Schema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: ensure schema: %w", err)
	}
	return nil
}

// AppendAttempt records one attempt event.
func (s *AttemptStore) AppendAttempt(ctx context.Context, attempt domain.AttemptRecord) error {
	if attempt.AttemptID == uuid.Nil {
		attempt.AttemptID = uuid.New()
	}
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now().UTC()
	}

	if err := s.session.Query(`INSERT INTO call_attempts_by_job (job_id, occurred_at, attempt_id, status, outcome, device, baud_rate, error, duration_ms, answered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gocql.UUID(attempt.JobID), attempt.OccurredAt, gocql.UUID(attempt.AttemptID), string(attempt.Status), attempt.Outcome,
		attempt.Device, attempt.BaudRate, attempt.Error, attempt.Duration.Milliseconds(), attempt.AnsweredAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListAttempts returns the newest attempts for a job first.
func (s *AttemptStore) ListAttempts(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := s.session.Query(`SELECT occurred_at, attempt_id, status, outcome, device, baud_rate, error, duration_ms, answered_at
		FROM call_attempts_by_job WHERE job_id = ? LIMIT ?`, gocql.UUID(jobID), limit).WithContext(ctx).Iter()

	var (
		out        []domain.AttemptRecord
		occurredAt time.Time
		attemptID  gocql.UUID
		status     string
		outcome    string
		device     string
		baudRate   int
		errText    string
		durationMs int64
		answeredAt *time.Time
	)
	for iter.Scan(&occurredAt, &attemptID, &status, &outcome, &device, &baudRate, &errText, &durationMs, &answeredAt) {
		out = append(out, domain.AttemptRecord{
			JobID:      jobID,
			AttemptID:  uuid.UUID(attemptID),
			Status:     domain.JobStatus(status),
			Outcome:    outcome,
			Device:     device,
			BaudRate:   baudRate,
			Error:      errText,
			Duration:   time.Duration(durationMs) * time.Millisecond,
			AnsweredAt: answeredAt,
			OccurredAt: occurredAt,
		})
		answeredAt = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: list: %w", err)
	}
	return out, nil
}
