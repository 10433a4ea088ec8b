package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter accepts call jobs without waiting for the call.
type Submitter interface {
	Submit(ctx context.Context, job domain.CallJob) error
}

// StatusPublisher emits job status events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// AudioFetcher downloads job audio and cleans it up afterwards.
type AudioFetcher interface {
	Fetch(ctx context.Context, jobID uuid.UUID, rawURL string) (string, error)
	Remove(path string) error
}

// Worker turns job messages into calls on the serializer and reports
// every job's status.
type Worker struct {
	reader    Reader
	publisher StatusPublisher
	audio     AudioFetcher
	logger    *logger.Logger
}

// New creates a new intake worker.
func New(reader Reader, publisher StatusPublisher, audio AudioFetcher, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{reader: reader, publisher: publisher, audio: audio, logger: lg.Named("intake")}
}

// Run consumes job messages until ctx is cancelled. It never waits for a
// call: the submitter decides whether a job queues or is rejected.
func (w *Worker) Run(ctx context.Context, submitter Submitter) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("intake: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, submitter, m); err != nil {
			w.logger.Error("intake: process", zap.Error(err))
		}
		if err := w.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("intake: commit", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, submitter Submitter, m kafka.Message) error {
	var msg queue.JobMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	if msg.JobID == uuid.Nil {
		msg.JobID = uuid.New()
	}

	tracer := otel.Tracer("gsm.intake")
	sctx, span := tracer.Start(ctx, "call.intake", trace.WithAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.Int64("kafka.offset", m.Offset),
	))
	defer span.End()

	job := domain.CallJob{
		ID:          msg.JobID,
		Destination: msg.Mobile,
		AudioURL:    msg.AudioURL,
		ReceivedAt:  time.Now().UTC(),
	}

	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		w.publish(sctx, queue.NewStatusMessage(job, domain.JobStatusFailed, err.Error()))
		return err
	}

	path, err := w.audio.Fetch(sctx, job.ID, job.AudioURL)
	if err != nil {
		span.RecordError(err)
		w.publish(sctx, queue.NewStatusMessage(job, domain.JobStatusFailed, err.Error()))
		return err
	}
	job.AudioPath = path

	if err := submitter.Submit(sctx, job); err != nil {
		span.RecordError(err)
		w.removeAudio(job)
		status := domain.JobStatusFailed
		if errors.Is(err, apperrors.ErrBusy) {
			status = domain.JobStatusRejected
		}
		w.publish(sctx, queue.NewStatusMessage(job, status, err.Error()))
		return err
	}

	w.logger.Info("job accepted", zap.String("job_id", job.ID.String()), zap.String("mobile", job.Destination))
	w.publish(sctx, queue.NewStatusMessage(job, domain.JobStatusQueued, ""))
	return nil
}

// HandleStart reports that a job holds the modem.
func (w *Worker) HandleStart(ctx context.Context, job domain.CallJob) {
	w.publish(ctx, queue.NewStatusMessage(job, domain.JobStatusDialing, ""))
}

// HandleResult reports the final attempt of a job and drops its audio.
func (w *Worker) HandleResult(ctx context.Context, job domain.CallJob, attempt domain.CallAttempt, err error) {
	if attempt.Error == "" && err != nil {
		attempt.Error = err.Error()
	}
	w.publish(ctx, queue.AttemptStatusMessage(job, attempt))
	w.removeAudio(job)
}

func (w *Worker) publish(ctx context.Context, msg queue.StatusMessage) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishStatus(ctx, msg); err != nil {
		w.logger.Error("intake: publish status",
			zap.String("job_id", msg.JobID.String()),
			zap.String("status", msg.Status),
			zap.Error(err),
		)
	}
}

func (w *Worker) removeAudio(job domain.CallJob) {
	if err := w.audio.Remove(job.AudioPath); err != nil {
		w.logger.Warn("intake: remove audio", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}
