package serializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/telephony"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// Policy decides what happens to a job submitted while a call is active.
type Policy string

const (
	// PolicyReject refuses jobs with ErrBusy while a call is in flight.
	PolicyReject Policy = "reject"
	// PolicyQueue appends jobs to an unbounded FIFO drained by Run.
	PolicyQueue Policy = "queue"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyReject, PolicyQueue:
		return Policy(name), nil
	case "":
		return PolicyQueue, nil
	default:
		return "", fmt.Errorf("%w: unknown serializer policy %q", apperrors.ErrValidation, name)
	}
}

// Lease is an optional second lock on the modem, shared with other
// processes.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ResultHandler receives every finished attempt, after the modem and the
// gate have been released.
type ResultHandler func(ctx context.Context, job domain.CallJob, attempt domain.CallAttempt, err error)

// StartHandler is called once a job holds the modem, right before discovery.
type StartHandler func(ctx context.Context, job domain.CallJob)

// Options tune a Serializer.
type Options struct {
	Policy    Policy
	Lease     Lease
	LeasePoll time.Duration
	OnStart   StartHandler
	OnResult  ResultHandler
	Logger    *logger.Logger
}

// Serializer admits at most one call at a time onto the modem.
type Serializer struct {
	policy    Policy
	gate      *Gate
	provider  telephony.Provider
	lease     Lease
	leasePoll time.Duration
	onStart   StartHandler
	onResult  ResultHandler
	logger    *logger.Logger

	mu       sync.Mutex
	queue    []domain.CallJob
	wake     chan struct{}
	stopping bool

	// inflight counts calls started under PolicyReject. Add only happens
	// under mu while stopping is false.
	inflight sync.WaitGroup
}

// New constructs a serializer that owns gate.
func New(provider telephony.Provider, gate *Gate, opts Options) *Serializer {
	if gate == nil {
		gate = NewGate()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyQueue
	}
	if opts.LeasePoll <= 0 {
		opts.LeasePoll = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Serializer{
		policy:    opts.Policy,
		gate:      gate,
		provider:  provider,
		lease:     opts.Lease,
		leasePoll: opts.LeasePoll,
		onStart:   opts.OnStart,
		onResult:  opts.OnResult,
		logger:    opts.Logger.Named("serializer"),
		wake:      make(chan struct{}, 1),
	}
}

// Policy reports the admission policy.
func (s *Serializer) Policy() Policy {
	return s.policy
}

// Busy reports whether a call currently holds the gate.
func (s *Serializer) Busy() bool {
	return s.gate.Held()
}

// Pending reports the number of queued jobs not yet started.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Submit hands a job to the serializer and returns without waiting for
// the call. Under PolicyReject it returns ErrBusy when a call is in
// flight; under PolicyQueue it always accepts.
func (s *Serializer) Submit(ctx context.Context, job domain.CallJob) error {
	if s.policy == PolicyReject {
		return s.startNow(ctx, job)
	}

	s.mu.Lock()
	s.queue = append(s.queue, job)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Info("job queued", zap.String("job_id", job.ID.String()), zap.Int("depth", depth))
	return nil
}

func (s *Serializer) startNow(ctx context.Context, job domain.CallJob) error {
	release, ok := s.gate.TryAcquire()
	if !ok {
		return fmt.Errorf("serializer: call in progress: %w", apperrors.ErrBusy)
	}
	releaseLease, err := s.tryLease(ctx)
	if err != nil {
		release()
		return err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		releaseLease()
		release()
		return fmt.Errorf("serializer: shutting down: %w", apperrors.ErrUnavailable)
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	callCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		attempt, err := func() (domain.CallAttempt, error) {
			defer release()
			defer releaseLease()
			return s.call(callCtx, job)
		}()
		s.report(callCtx, job, attempt, err)
	}()
	return nil
}

// Run is the queue worker. It executes queued jobs one at a time in
// submission order until ctx ends. A call in progress is never cut short;
// jobs still queued at shutdown are dropped. Under PolicyReject Run only
// waits for ctx and for in-flight calls.
func (s *Serializer) Run(ctx context.Context) error {
	if s.policy != PolicyQueue {
		<-ctx.Done()
		s.Wait()
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			if n := s.Pending(); n > 0 {
				s.logger.Warn("dropping queued jobs on shutdown", zap.Int("count", n))
			}
			return err
		}

		job, ok := s.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
			case <-s.wake:
			}
			continue
		}

		attempt, err := s.holdAndCall(ctx, job)
		s.report(context.WithoutCancel(ctx), job, attempt, err)
	}
}

// Wait stops admitting PolicyReject calls and blocks until the ones in
// flight have finished. Submit fails with ErrUnavailable afterwards.
func (s *Serializer) Wait() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Serializer) dequeue() (domain.CallJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.CallJob{}, false
	}
	job := s.queue[0]
	s.queue[0] = domain.CallJob{}
	s.queue = s.queue[1:]
	return job, true
}

// holdAndCall keeps the gate (and the lease) for discovery plus the call.
func (s *Serializer) holdAndCall(ctx context.Context, job domain.CallJob) (domain.CallAttempt, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return failedAttempt(job, err), err
	}
	defer release()

	releaseLease, err := s.waitLease(ctx)
	if err != nil {
		return failedAttempt(job, err), err
	}
	defer releaseLease()

	return s.call(context.WithoutCancel(ctx), job)
}

func (s *Serializer) call(ctx context.Context, job domain.CallJob) (attempt domain.CallAttempt, err error) {
	if s.onStart != nil {
		s.onStart(ctx, job)
	}

	tracer := otel.Tracer("gsm.serializer")
	ctx, span := tracer.Start(ctx, "call.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("policy", string(s.policy)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer: call panicked: %v: %w", r, apperrors.ErrDevice)
			attempt = failedAttempt(job, err)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("call.outcome", string(attempt.Outcome)))
	}()

	return s.provider.PlaceCall(ctx, job)
}

func (s *Serializer) report(ctx context.Context, job domain.CallJob, attempt domain.CallAttempt, err error) {
	if !attempt.State.Terminal() {
		s.logger.Warn("call returned in a non-terminal state",
			zap.String("job_id", job.ID.String()), zap.String("state", string(attempt.State)))
		attempt.State = domain.CallStateFailed
		if attempt.EndedAt.IsZero() {
			attempt.EndedAt = time.Now().UTC()
		}
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("outcome", string(attempt.Outcome)),
		zap.Duration("duration", attempt.Duration()),
	}
	if err != nil {
		s.logger.Error("job failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("job completed", fields...)
	}
	if s.onResult != nil {
		s.onResult(ctx, job, attempt, err)
	}
}

func (s *Serializer) tryLease(ctx context.Context) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}
	ok, err := s.lease.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("serializer: modem lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("serializer: modem leased by another dialer: %w", apperrors.ErrBusy)
	}
	return s.leaseReleaser(), nil
}

func (s *Serializer) waitLease(ctx context.Context) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}
	for {
		ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("serializer: modem lease: %w", err)
		}
		if ok {
			return s.leaseReleaser(), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.leasePoll):
		}
	}
}

func (s *Serializer) leaseReleaser() func() {
	return func() {
		if err := s.lease.Release(context.Background()); err != nil {
			s.logger.Warn("release modem lease", zap.Error(err))
		}
	}
}

func failedAttempt(job domain.CallJob, err error) domain.CallAttempt {
	now := time.Now().UTC()
	return domain.CallAttempt{
		JobID:     job.ID,
		State:     domain.CallStateFailed,
		Outcome:   domain.OutcomeDeviceError,
		StartedAt: now,
		EndedAt:   now,
		Error:     err.Error(),
	}
}
