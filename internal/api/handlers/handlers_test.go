package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/queue"
	"github.com/acme/gsm-voice-dialer/internal/repository"
)

type memoryJobs struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.JobRecord
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{records: make(map[uuid.UUID]*domain.JobRecord)}
}

func (m *memoryJobs) Create(_ context.Context, record *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return repository.ErrConflict
	}
	copied := *record
	m.records[record.ID] = &copied
	return nil
}

func (m *memoryJobs) ApplyStatus(_ context.Context, update repository.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[update.JobID]
	if !ok {
		rec = &domain.JobRecord{ID: update.JobID, Mobile: update.Mobile, AudioURL: update.AudioURL}
		m.records[update.JobID] = rec
	}
	rec.Status = update.Status
	if update.LastError != nil {
		rec.LastError = update.LastError
	}
	return nil
}

func (m *memoryJobs) Get(_ context.Context, id uuid.UUID) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

type memoryAttempts struct {
	rows map[uuid.UUID][]domain.AttemptRecord
}

func (m *memoryAttempts) AppendAttempt(_ context.Context, a domain.AttemptRecord) error {
	m.rows[a.JobID] = append(m.rows[a.JobID], a)
	return nil
}

func (m *memoryAttempts) ListAttempts(_ context.Context, jobID uuid.UUID, _ int) ([]domain.AttemptRecord, error) {
	return m.rows[jobID], nil
}

type recordingPublisher struct {
	err  error
	msgs []queue.JobMessage
}

func (p *recordingPublisher) PublishJob(_ context.Context, msg queue.JobMessage) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestApp(deps Deps) *fiber.App {
	h := NewHandlerSet(deps)
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestCreateCallStoresAndPublishes(t *testing.T) {
	jobs := newMemoryJobs()
	pub := &recordingPublisher{}
	app := newTestApp(Deps{Jobs: jobs, Publisher: pub})

	resp, body := do(t, app, http.MethodPost, "/api/v1/calls", `{"mobile":"+15551234567","audio_url":"https://cdn.example.com/a.wav"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "queued" {
		t.Fatalf("expected queued status, got %v", body["status"])
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Mobile != "+15551234567" {
		t.Fatalf("expected job to be published, got %+v", pub.msgs)
	}

	id, err := uuid.Parse(body["id"].(string))
	if err != nil || id != pub.msgs[0].JobID {
		t.Fatalf("expected response id to match published job id")
	}
	if _, err := jobs.Get(context.Background(), id); err != nil {
		t.Fatalf("expected stored job: %v", err)
	}
}

func TestCreateCallValidation(t *testing.T) {
	app := newTestApp(Deps{Jobs: newMemoryJobs(), Publisher: &recordingPublisher{}})

	resp, _ := do(t, app, http.MethodPost, "/api/v1/calls", `{"mobile":"12;ATH","audio_url":"https://cdn.example.com/a.wav"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateCallPublishFailureMarksJobFailed(t *testing.T) {
	jobs := newMemoryJobs()
	app := newTestApp(Deps{Jobs: jobs, Publisher: &recordingPublisher{err: errors.New("broker down")}})

	resp, _ := do(t, app, http.MethodPost, "/api/v1/calls", `{"mobile":"+15551234567","audio_url":"https://cdn.example.com/a.wav"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.records) != 1 {
		t.Fatalf("expected one stored job, got %d", len(jobs.records))
	}
	for _, rec := range jobs.records {
		if rec.Status != domain.JobStatusFailed || rec.LastError == nil {
			t.Fatalf("expected failed job with error, got %+v", rec)
		}
	}
}

func TestGetCallNotFound(t *testing.T) {
	app := newTestApp(Deps{Jobs: newMemoryJobs()})

	resp, _ := do(t, app, http.MethodGet, "/api/v1/calls/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, _ = do(t, app, http.MethodGet, "/api/v1/calls/not-a-uuid", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListAttempts(t *testing.T) {
	jobID := uuid.New()
	attempts := &memoryAttempts{rows: map[uuid.UUID][]domain.AttemptRecord{
		jobID: {{
			JobID:      jobID,
			AttemptID:  uuid.New(),
			Status:     domain.JobStatusNoAnswer,
			Outcome:    "no_answer",
			Device:     "/dev/ttyUSB0",
			BaudRate:   9600,
			Duration:   4 * time.Second,
			OccurredAt: time.Now().UTC(),
		}},
	}}
	app := newTestApp(Deps{Attempts: attempts})

	resp, body := do(t, app, http.MethodGet, "/api/v1/calls/"+jobID.String()+"/attempts", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list, ok := body["attempts"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one attempt, got %v", body["attempts"])
	}
	row := list[0].(map[string]any)
	if row["outcome"] != "no_answer" || row["duration_ms"].(float64) != 4000 {
		t.Fatalf("unexpected attempt %v", row)
	}
}

func TestHealthzReportsFailingBackend(t *testing.T) {
	app := newTestApp(Deps{Health: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"scylla":   pingFunc(func(context.Context) error { return errors.New("no hosts available") }),
	}})

	resp, body := do(t, app, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	errs := body["errors"].(map[string]any)
	if _, ok := errs["scylla"]; !ok || len(errs) != 1 {
		t.Fatalf("expected only scylla to fail, got %v", errs)
	}
}

func TestMissingBackendsAreUnavailable(t *testing.T) {
	app := newTestApp(Deps{})

	resp, _ := do(t, app, http.MethodPost, "/api/v1/calls", `{"mobile":"+15551234567","audio_url":"https://cdn.example.com/a.wav"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
