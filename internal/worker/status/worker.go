package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/repository"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes job status updates and persists them.
type Worker struct {
	reader   Reader
	jobs     repository.JobRepository
	attempts repository.AttemptStore
	logger   *logger.Logger
}

// New creates a new status worker.
func New(reader Reader, jobs repository.JobRepository, attempts repository.AttemptStore, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{reader: reader, jobs: jobs, attempts: attempts, logger: lg.Named("status")}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		w.apply(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) apply(ctx context.Context, msg kafka.Message) {
	var status queue.StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		w.logger.Error("status worker: unmarshal", zap.Error(err))
		return
	}
	if status.JobID == uuid.Nil {
		w.logger.Warn("status worker: event without job id", zap.Int64("offset", msg.Offset))
		return
	}

	tracer := otel.Tracer("gsm.statusworker")
	sctx, span := tracer.Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("job.id", status.JobID.String()),
		attribute.String("job.status", status.Status),
	))
	defer span.End()

	update := repository.StatusUpdate{
		JobID:      status.JobID,
		Mobile:     status.Mobile,
		AudioURL:   status.AudioURL,
		Status:     domain.JobStatus(status.Status),
		Outcome:    optionalString(status.Outcome),
		LastError:  optionalString(status.Error),
		AnsweredAt: status.AnsweredAt,
	}
	if err := w.jobs.ApplyStatus(sctx, update); err != nil {
		span.RecordError(err)
		w.logger.Error("status worker: apply status", zap.String("job_id", status.JobID.String()), zap.Error(err))
	}

	// Only finished attempts go into the history.
	if status.Outcome == "" {
		return
	}
	occurredAt := status.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	attempt := domain.AttemptRecord{
		JobID:      status.JobID,
		AttemptID:  uuid.New(),
		Status:     domain.JobStatus(status.Status),
		Outcome:    status.Outcome,
		Device:     status.Device,
		BaudRate:   status.BaudRate,
		Error:      status.Error,
		Duration:   time.Duration(status.DurationMs) * time.Millisecond,
		AnsweredAt: status.AnsweredAt,
		OccurredAt: occurredAt,
	}
	if err := w.attempts.AppendAttempt(sctx, attempt); err != nil {
		span.RecordError(err)
		w.logger.Error("status worker: append attempt", zap.String("job_id", status.JobID.String()), zap.Error(err))
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
