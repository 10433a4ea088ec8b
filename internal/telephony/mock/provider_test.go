package mock

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/gsm-voice-dialer/internal/domain"
)

func TestPlaceCallReturnsTerminalAttempt(t *testing.T) {
	p := NewProvider(nil, 42)
	p.maxRing = 1

	for i := 0; i < 20; i++ {
		job := domain.CallJob{ID: uuid.New(), Destination: "+15551234567"}
		attempt, err := p.PlaceCall(context.Background(), job)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempt.State != domain.CallStateEnded {
			t.Fatalf("expected ended state, got %s", attempt.State)
		}
		if attempt.Outcome != domain.OutcomeAnswered && attempt.Outcome != domain.OutcomeNoAnswer {
			t.Fatalf("unexpected outcome %s", attempt.Outcome)
		}
		if attempt.JobID != job.ID {
			t.Fatalf("expected job id on attempt")
		}
	}
}
