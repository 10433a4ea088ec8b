package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/repository"
)

// Schema creates the job table.
const Schema = `CREATE TABLE IF NOT EXISTS call_jobs (
	id          UUID PRIMARY KEY,
	mobile      TEXT NOT NULL,
	audio_url   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	outcome     TEXT,
	last_error  TEXT,
	answered_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS call_jobs_status_idx ON call_jobs (status, updated_at);`

// JobRepository implements repository.JobRepository.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository builds the repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// EnsureSchema creates the table if needed.
func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("call jobs: ensure schema: %w", err)
		}
		return nil
	})
}

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, record *domain.JobRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `INSERT INTO call_jobs (id, mobile, audio_url, status, outcome, last_error, answered_at, created_at, updated_at)
		VALUES (:id, :mobile, :audio_url, :status, :outcome, :last_error, :answered_at, :created_at, :updated_at)`, record)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return fmt.Errorf("call jobs: create: %w", err)
	}
	return nil
}

// ApplyStatus upserts the job with the reported status. Terminal statuses
// are never overwritten by a late "queued".
func (r *JobRepository) ApplyStatus(ctx context.Context, update repository.StatusUpdate) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO call_jobs (id, mobile, audio_url, status, outcome, last_error, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = COALESCE(EXCLUDED.outcome, call_jobs.outcome),
			last_error = COALESCE(EXCLUDED.last_error, call_jobs.last_error),
			answered_at = COALESCE(EXCLUDED.answered_at, call_jobs.answered_at),
			updated_at = NOW()
		WHERE NOT (EXCLUDED.status = 'queued' AND call_jobs.status IN ('answered', 'no_answer', 'failed', 'rejected'))`,
		update.JobID, update.Mobile, update.AudioURL, string(update.Status), update.Outcome, update.LastError, update.AnsweredAt,
	)
	if err != nil {
		return fmt.Errorf("call jobs: apply status: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.JobRecord, error) {
	var record domain.JobRecord
	err := r.db.GetContext(ctx, &record, `SELECT id, mobile, audio_url, status, outcome, last_error, answered_at, created_at, updated_at
		FROM call_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call jobs: get: %w", err)
	}
	return &record, nil
}
