package telephony

import (
	"context"

	"github.com/acme/gsm-voice-dialer/internal/domain"
)

// Provider places one call for a job and reports the finished attempt.
// Implementations must release any device they opened before returning.
type Provider interface {
	PlaceCall(ctx context.Context, job domain.CallJob) (domain.CallAttempt, error)
}

// Player performs blocking playback of a local audio file.
type Player interface {
	Play(ctx context.Context, path string) error
}
