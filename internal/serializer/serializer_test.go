package serializer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
)

type fakeProvider struct {
	mu      sync.Mutex
	active  int
	overlap bool
	order   []string

	started chan string
	hold    chan struct{}
	panicOn string
	// state overrides the returned state when set.
	state domain.CallState
}

func (p *fakeProvider) PlaceCall(_ context.Context, job domain.CallJob) (domain.CallAttempt, error) {
	p.mu.Lock()
	p.active++
	if p.active > 1 {
		p.overlap = true
	}
	p.order = append(p.order, job.Destination)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.started != nil {
		p.started <- job.Destination
	}
	if p.hold != nil {
		<-p.hold
	}
	if job.Destination == p.panicOn {
		panic("player crashed")
	}
	time.Sleep(time.Millisecond)
	state := domain.CallStateEnded
	if p.state != "" {
		state = p.state
	}
	return domain.CallAttempt{JobID: job.ID, State: state, Outcome: domain.OutcomeAnswered}, nil
}

type result struct {
	job     domain.CallJob
	attempt domain.CallAttempt
	err     error
	busy    bool
}

func collector(s **Serializer) (ResultHandler, chan result) {
	ch := make(chan result, 64)
	return func(_ context.Context, job domain.CallJob, attempt domain.CallAttempt, err error) {
		ch <- result{job: job, attempt: attempt, err: err, busy: (*s).Busy()}
	}, ch
}

func newJob(dest string) domain.CallJob {
	return domain.CallJob{ID: uuid.New(), Destination: dest, AudioPath: "clip.wav"}
}

func waitResult(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for call result")
		return result{}
	}
}

func TestQueuePolicyRunsJobsInFIFOOrderWithoutOverlap(t *testing.T) {
	provider := &fakeProvider{}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyQueue, OnResult: onResult})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 10
	for i := 0; i < n/2; i++ {
		if err := s.Submit(ctx, newJob(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	go func() { _ = s.Run(ctx) }()
	for i := n / 2; i < n; i++ {
		if err := s.Submit(ctx, newJob(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		r := waitResult(t, results)
		if want := fmt.Sprintf("job-%d", i); r.job.Destination != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, r.job.Destination)
		}
		if r.busy {
			t.Fatalf("expected gate released before the result is reported")
		}
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.overlap {
		t.Fatalf("two calls overlapped")
	}
}

func TestQueueSubmitDoesNotBlockWhileCallActive(t *testing.T) {
	provider := &fakeProvider{started: make(chan string, 4), hold: make(chan struct{})}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyQueue, OnResult: onResult})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	if err := s.Submit(ctx, newJob("first")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-provider.started

	done := make(chan error, 1)
	go func() { done <- s.Submit(ctx, newJob("second")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected queued submit to be accepted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("submit blocked while a call was active")
	}

	if !s.Busy() {
		t.Fatalf("expected gate to be held during the call")
	}
	if s.Pending() != 1 {
		t.Fatalf("expected one pending job, got %d", s.Pending())
	}

	provider.hold <- struct{}{}
	<-provider.started
	provider.hold <- struct{}{}

	if r := waitResult(t, results); r.job.Destination != "first" {
		t.Fatalf("expected first result first, got %s", r.job.Destination)
	}
	if r := waitResult(t, results); r.job.Destination != "second" {
		t.Fatalf("expected second result, got %s", r.job.Destination)
	}
}

func TestRejectPolicyReturnsBusyWhileCallActive(t *testing.T) {
	provider := &fakeProvider{started: make(chan string, 4), hold: make(chan struct{})}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyReject, OnResult: onResult})
	ctx := context.Background()

	if err := s.Submit(ctx, newJob("first")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-provider.started

	err := s.Submit(ctx, newJob("second"))
	if !errors.Is(err, apperrors.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("expected reject policy to leave the queue untouched, got %d pending", s.Pending())
	}

	provider.hold <- struct{}{}
	r := waitResult(t, results)
	if r.job.Destination != "first" || r.err != nil {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.busy {
		t.Fatalf("expected the gate to be released before the result is reported")
	}

	if err := s.Submit(ctx, newJob("third")); err != nil {
		t.Fatalf("expected submit to succeed once idle, got %v", err)
	}
	<-provider.started
	provider.hold <- struct{}{}
	waitResult(t, results)
	s.Wait()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.order) != 2 || provider.order[1] != "third" {
		t.Fatalf("expected the rejected job never to run, got %v", provider.order)
	}
}

type fakeLease struct {
	mu       sync.Mutex
	tries    int
	grantAt  int
	released int
	err      error
}

func (l *fakeLease) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tries++
	if l.err != nil {
		return false, l.err
	}
	return l.grantAt > 0 && l.tries >= l.grantAt, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestRejectPolicyBusyGateSkipsLease(t *testing.T) {
	provider := &fakeProvider{started: make(chan string, 2), hold: make(chan struct{})}
	lease := &fakeLease{grantAt: 1}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyReject, Lease: lease, OnResult: onResult})

	if err := s.Submit(context.Background(), newJob("first")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-provider.started
	if err := s.Submit(context.Background(), newJob("second")); !errors.Is(err, apperrors.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	provider.hold <- struct{}{}
	waitResult(t, results)
	s.Wait()

	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.tries != 1 || lease.released != 1 {
		t.Fatalf("expected one lease acquire and release, got %d/%d", lease.tries, lease.released)
	}
}

func TestRejectPolicyLeaseHeldElsewhere(t *testing.T) {
	lease := &fakeLease{}
	s := New(&fakeProvider{}, NewGate(), Options{Policy: PolicyReject, Lease: lease})

	err := s.Submit(context.Background(), newJob("first"))
	if !errors.Is(err, apperrors.ErrBusy) {
		t.Fatalf("expected ErrBusy when the lease is taken, got %v", err)
	}
	if s.Busy() {
		t.Fatalf("expected gate released after lease refusal")
	}
}

func TestQueuePolicyWaitsForLease(t *testing.T) {
	lease := &fakeLease{grantAt: 3}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(&fakeProvider{}, NewGate(), Options{Policy: PolicyQueue, Lease: lease, LeasePoll: time.Millisecond, OnResult: onResult})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	if err := s.Submit(ctx, newJob("first")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	r := waitResult(t, results)
	if r.err != nil || r.attempt.Outcome != domain.OutcomeAnswered {
		t.Fatalf("unexpected result %+v", r)
	}

	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.tries != 3 || lease.released != 1 {
		t.Fatalf("expected 3 tries and 1 release, got %d/%d", lease.tries, lease.released)
	}
}

func TestQueuePolicyRecoversFromPanic(t *testing.T) {
	provider := &fakeProvider{panicOn: "bad"}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyQueue, OnResult: onResult})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	_ = s.Submit(ctx, newJob("bad"))
	_ = s.Submit(ctx, newJob("good"))

	r := waitResult(t, results)
	if !errors.Is(r.err, apperrors.ErrDevice) || r.attempt.Outcome != domain.OutcomeDeviceError {
		t.Fatalf("expected device error from panic, got %+v", r)
	}
	if r.busy {
		t.Fatalf("expected gate released after panic")
	}
	if r := waitResult(t, results); r.job.Destination != "good" || r.err != nil {
		t.Fatalf("expected worker to continue with the next job, got %+v", r)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(&fakeProvider{}, NewGate(), Options{Policy: PolicyQueue})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("reject"); err != nil || p != PolicyReject {
		t.Fatalf("expected reject, got %q %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != PolicyQueue {
		t.Fatalf("expected queue default, got %q %v", p, err)
	}
	if _, err := ParsePolicy("lifo"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	g := NewGate()
	release, ok := g.TryAcquire()
	if !ok {
		t.Fatalf("expected to acquire a free gate")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatalf("expected second acquire to fail")
	}
	release()
	release()
	if g.Held() {
		t.Fatalf("expected gate free after release")
	}
	if _, ok := g.TryAcquire(); !ok {
		t.Fatalf("expected gate acquirable again")
	}
}

func TestOnStartRunsWhileGateHeld(t *testing.T) {
	provider := &fakeProvider{}
	var s *Serializer
	onResult, results := collector(&s)
	started := make(chan bool, 1)
	s = New(provider, NewGate(), Options{
		Policy:   PolicyQueue,
		OnResult: onResult,
		OnStart: func(_ context.Context, job domain.CallJob) {
			started <- s.Busy()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	if err := s.Submit(ctx, newJob("+15550001111")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	select {
	case busy := <-started:
		if !busy {
			t.Fatalf("expected gate held when the start hook runs")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("start hook never ran")
	}
	if r := waitResult(t, results); r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
}

func TestRejectPolicyRefusesJobsAfterShutdown(t *testing.T) {
	provider := &fakeProvider{started: make(chan string, 4), hold: make(chan struct{})}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyReject, OnResult: onResult})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Submit(ctx, newJob("first")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-provider.started

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	// Run must not return while the call is still on the modem.
	select {
	case err := <-done:
		t.Fatalf("Run returned with a call in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	provider.hold <- struct{}{}
	waitResult(t, results)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	err := s.Submit(context.Background(), newJob("late"))
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after shutdown, got %v", err)
	}
	if s.Busy() {
		t.Fatalf("expected a refused job to leave the gate free")
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.order) != 1 {
		t.Fatalf("expected only the first job to run, got %v", provider.order)
	}
}

func TestReportMarksNonTerminalAttemptFailed(t *testing.T) {
	provider := &fakeProvider{state: domain.CallStateAnswered}
	var s *Serializer
	onResult, results := collector(&s)
	s = New(provider, NewGate(), Options{Policy: PolicyReject, OnResult: onResult})

	if err := s.Submit(context.Background(), newJob("stuck")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	r := waitResult(t, results)
	s.Wait()

	if r.attempt.State != domain.CallStateFailed || !r.attempt.State.Terminal() {
		t.Fatalf("expected failed state, got %s", r.attempt.State)
	}
	if r.attempt.EndedAt.IsZero() {
		t.Fatalf("expected an end time to be stamped")
	}
}
