package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/repository"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
)

type createCallRequest struct {
	Mobile   string `json:"mobile"`
	AudioURL string `json:"audio_url"`
}

type callResponse struct {
	ID         uuid.UUID        `json:"id"`
	Mobile     string           `json:"mobile"`
	AudioURL   string           `json:"audio_url"`
	Status     domain.JobStatus `json:"status"`
	Outcome    *string          `json:"outcome,omitempty"`
	LastError  *string          `json:"last_error,omitempty"`
	AnsweredAt *time.Time       `json:"answered_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type attemptResponse struct {
	ID         uuid.UUID        `json:"id"`
	Status     domain.JobStatus `json:"status"`
	Outcome    string           `json:"outcome"`
	Device     string           `json:"device,omitempty"`
	BaudRate   int              `json:"baud_rate,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	AnsweredAt *time.Time       `json:"answered_at,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
}

func (h *HandlerSet) createCall(ctx *fiber.Ctx) error {
	if h.jobs == nil || h.publisher == nil {
		return translateError(fmt.Errorf("%w: job intake not configured", apperrors.ErrUnavailable))
	}

	var req createCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	msg := queue.JobMessage{
		JobID:      uuid.New(),
		Mobile:     strings.TrimSpace(req.Mobile),
		AudioURL:   strings.TrimSpace(req.AudioURL),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return translateError(err)
	}

	record := &domain.JobRecord{
		ID:        msg.JobID,
		Mobile:    msg.Mobile,
		AudioURL:  msg.AudioURL,
		Status:    domain.JobStatusQueued,
		CreatedAt: msg.EnqueuedAt,
	}
	uctx := ctx.UserContext()
	if err := h.jobs.Create(uctx, record); err != nil {
		return translateError(err)
	}

	if err := h.publisher.PublishJob(uctx, msg); err != nil {
		errText := err.Error()
		update := repository.StatusUpdate{
			JobID:     msg.JobID,
			Mobile:    msg.Mobile,
			AudioURL:  msg.AudioURL,
			Status:    domain.JobStatusFailed,
			LastError: &errText,
		}
		if uerr := h.jobs.ApplyStatus(uctx, update); uerr != nil {
			h.logger.Error("mark unpublished job failed", zap.String("job_id", msg.JobID.String()), zap.Error(uerr))
		}
		return translateError(fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err))
	}

	return ctx.Status(http.StatusAccepted).JSON(toCallResponse(record))
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	if h.jobs == nil {
		return translateError(fmt.Errorf("%w: job store not configured", apperrors.ErrUnavailable))
	}

	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.jobs.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	if h.attempts == nil {
		return translateError(fmt.Errorf("%w: attempt history not configured", apperrors.ErrUnavailable))
	}

	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	attempts, err := h.attempts.ListAttempts(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:         a.AttemptID,
			Status:     a.Status,
			Outcome:    a.Outcome,
			Device:     a.Device,
			BaudRate:   a.BaudRate,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
			AnsweredAt: a.AnsweredAt,
			OccurredAt: a.OccurredAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCallResponse(record *domain.JobRecord) callResponse {
	return callResponse{
		ID:         record.ID,
		Mobile:     record.Mobile,
		AudioURL:   record.AudioURL,
		Status:     record.Status,
		Outcome:    record.Outcome,
		LastError:  record.LastError,
		AnsweredAt: record.AnsweredAt,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}
