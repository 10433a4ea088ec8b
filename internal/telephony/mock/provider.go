package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/telephony"
)

// Provider simulates calls for running the stack without a modem.
type Provider struct {
	answerRate float64
	maxRing    time.Duration
	player     telephony.Player

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider. When player is set, answered
// calls really play the job's audio.
func NewProvider(player telephony.Player, seed int64) *Provider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Provider{
		answerRate: 0.8,
		maxRing:    5 * time.Second,
		player:     player,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// PlaceCall simulates ringing and then an answer or a no-carrier.
func (p *Provider) PlaceCall(ctx context.Context, job domain.CallJob) (domain.CallAttempt, error) {
	p.mu.Lock()
	ring := time.Duration(p.rng.Int63n(int64(p.maxRing)))
	answered := p.rng.Float64() <= p.answerRate
	p.mu.Unlock()

	attempt := domain.CallAttempt{
		JobID:     job.ID,
		State:     domain.CallStateRingingPoll,
		Device:    "mock",
		StartedAt: time.Now().UTC(),
	}

	select {
	case <-ctx.Done():
	case <-time.After(ring):
	}

	if !answered {
		attempt.State = domain.CallStateEnded
		attempt.Outcome = domain.OutcomeNoAnswer
		attempt.EndedAt = time.Now().UTC()
		return attempt, nil
	}

	answeredAt := time.Now().UTC()
	attempt.AnsweredAt = &answeredAt
	if p.player != nil && job.AudioPath != "" {
		if err := p.player.Play(ctx, job.AudioPath); err != nil {
			attempt.Error = err.Error()
		}
	}
	attempt.State = domain.CallStateEnded
	attempt.Outcome = domain.OutcomeAnswered
	attempt.EndedAt = time.Now().UTC()
	return attempt, nil
}
