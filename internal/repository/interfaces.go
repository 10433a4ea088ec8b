package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// JobRepository stores the latest known state of each call job.
type JobRepository interface {
	Create(ctx context.Context, record *domain.JobRecord) error
	// ApplyStatus inserts the job if unknown, otherwise moves it to the
	// reported status.
	ApplyStatus(ctx context.Context, update StatusUpdate) error
	Get(ctx context.Context, id uuid.UUID) (*domain.JobRecord, error)
}

// AttemptStore keeps the history of call attempts per job.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt domain.AttemptRecord) error
	ListAttempts(ctx context.Context, jobID uuid.UUID, limit int) ([]domain.AttemptRecord, error)
}

// StatusUpdate is a status event as applied to the job table.
type StatusUpdate struct {
	JobID      uuid.UUID
	Mobile     string
	AudioURL   string
	Status     domain.JobStatus
	Outcome    *string
	LastError  *string
	AnsweredAt *time.Time
}
