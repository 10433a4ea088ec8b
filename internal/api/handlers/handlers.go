package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/app"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/repository"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// JobPublisher hands new call jobs to the dialer.
type JobPublisher interface {
	PublishJob(ctx context.Context, msg queue.JobMessage) error
}

// Pinger is a backend checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Jobs      repository.JobRepository
	Attempts  repository.AttemptStore
	Publisher JobPublisher
	Health    map[string]Pinger
	Logger    *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	jobs      repository.JobRepository
	attempts  repository.AttemptStore
	publisher JobPublisher
	health    map[string]Pinger
	logger    *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{
		jobs:      deps.Jobs,
		attempts:  deps.Attempts,
		publisher: deps.Publisher,
		health:    deps.Health,
		logger:    deps.Logger.Named("api"),
	}
}

// FromContainer wires the handlers to the container's backends.
func FromContainer(container *app.Container) *HandlerSet {
	repos := container.Repositories()
	deps := Deps{
		Jobs:     repos.Jobs,
		Attempts: repos.Attempts,
		Health:   make(map[string]Pinger),
		Logger:   container.Logger,
	}
	if pubs := container.Publishers(); pubs.Jobs != nil {
		deps.Publisher = pubs.Jobs
	}
	if container.Postgres != nil {
		deps.Health["postgres"] = container.Postgres
	}
	if container.Scylla != nil {
		deps.Health["scylla"] = container.Scylla
	}
	if container.Redis != nil {
		deps.Health["redis"] = container.Redis
	}
	return NewHandlerSet(deps)
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	calls := v1.Group("/calls")
	calls.Post("/", h.createCall)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/attempts", h.listAttempts)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, pinger := range h.health {
		if err := pinger.Ping(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
