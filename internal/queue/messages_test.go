package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
)

func TestJobMessageValidate(t *testing.T) {
	cases := []JobMessage{
		{Mobile: "", AudioURL: "https://cdn.example.com/a.wav"},
		{Mobile: "+1555;ATH", AudioURL: "https://cdn.example.com/a.wav"},
		{Mobile: "+15551234567", AudioURL: " "},
	}
	for _, tc := range cases {
		if err := tc.Validate(); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", tc, err)
		}
	}

	ok := JobMessage{Mobile: "+15551234567", AudioURL: "https://cdn.example.com/a.wav"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAttemptStatusMessage(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	answered := start.Add(8 * time.Second)
	job := domain.CallJob{ID: uuid.New(), Destination: "+15551234567", AudioURL: "https://cdn.example.com/a.wav"}
	attempt := domain.CallAttempt{
		JobID:      job.ID,
		State:      domain.CallStateEnded,
		Outcome:    domain.OutcomeAnswered,
		Device:     "/dev/ttyUSB0",
		BaudRate:   115200,
		StartedAt:  start,
		AnsweredAt: &answered,
		EndedAt:    start.Add(20 * time.Second),
	}

	msg := AttemptStatusMessage(job, attempt)
	if msg.Status != string(domain.JobStatusAnswered) || msg.Outcome != "answered" {
		t.Fatalf("unexpected status %s/%s", msg.Status, msg.Outcome)
	}
	if msg.DurationMs != 20000 {
		t.Fatalf("expected 20000ms, got %d", msg.DurationMs)
	}
	if msg.Device != "/dev/ttyUSB0" || msg.BaudRate != 115200 {
		t.Fatalf("expected endpoint on message, got %s@%d", msg.Device, msg.BaudRate)
	}
	if msg.AnsweredAt == nil || !msg.AnsweredAt.Equal(answered) {
		t.Fatalf("expected answered_at to be carried")
	}
}
