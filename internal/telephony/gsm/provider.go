package gsm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/internal/modem"
	"github.com/acme/gsm-voice-dialer/internal/telephony"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

// Discoverer locates the modem and returns an open session on it.
type Discoverer interface {
	Discover(ctx context.Context) (*modem.Session, error)
}

// Provider places calls through a locally attached GSM modem.
type Provider struct {
	prober  Discoverer
	machine *Machine
	player  telephony.Player
	logger  *logger.Logger
}

// NewProvider constructs the GSM provider.
func NewProvider(prober Discoverer, machine *Machine, player telephony.Player, lg *logger.Logger) *Provider {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Provider{prober: prober, machine: machine, player: player, logger: lg.Named("gsm")}
}

// PlaceCall discovers the modem, dials job.Destination and plays the job's
// audio once the call is answered. The modem is rediscovered for every
// call and the session is always closed before returning.
func (p *Provider) PlaceCall(ctx context.Context, job domain.CallJob) (domain.CallAttempt, error) {
	lg := p.logger.WithContext(ctx).With(zap.String("job_id", job.ID.String()))
	lg.Info("starting call job", zap.String("mobile", job.Destination))

	started := time.Now().UTC()
	attempt := domain.CallAttempt{JobID: job.ID, State: domain.CallStateProbing, StartedAt: started}
	lg.Info("probing for modem", zap.String("state", string(attempt.State)))

	sess, err := p.prober.Discover(ctx)
	if err != nil {
		attempt.State = domain.CallStateFailed
		attempt.Outcome = domain.OutcomeDiscoveryFailure
		attempt.EndedAt = time.Now().UTC()
		attempt.Error = err.Error()
		return attempt, err
	}
	endpoint := sess.Endpoint()

	attempt, err = p.machine.Execute(ctx, sess, job.Destination, func() {
		if p.player == nil || job.AudioPath == "" {
			return
		}
		lg.Info("playing audio", zap.String("path", job.AudioPath))
		if perr := p.player.Play(ctx, job.AudioPath); perr != nil {
			lg.Error("audio playback failed", zap.Error(perr))
		}
	})
	attempt.JobID = job.ID
	attempt.Device = endpoint.Device
	attempt.BaudRate = endpoint.BaudRate
	attempt.StartedAt = started
	return attempt, err
}
