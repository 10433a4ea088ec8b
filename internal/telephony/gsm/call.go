package gsm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/config"
	"github.com/acme/gsm-voice-dialer/internal/domain"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

const (
	callListCommand = "AT+CLCC"
	hangupCommand   = "ATH"
	callListMarker  = "+CLCC:"
	// statusActive is the +CLCC <stat> value for an active (answered) call.
	statusActive = "0"
)

// setupCommands are diagnostics sent before dialing. Their responses are
// logged only.
var setupCommands = []string{"ATE0", "AT+CSQ", "AT+CREG?"}

// endMarkers are final result codes that end a call before it is answered.
var endMarkers = []string{"NO CARRIER", "BUSY", "NO ANSWER"}

// Conn is the modem session surface the call loop needs.
type Conn interface {
	SendCommand(cmd string, settle time.Duration) ([]string, error)
	Send(cmd string) error
	ReadLine() (string, bool, error)
	Close() error
}

// Timing holds the settle and polling intervals of a call.
type Timing struct {
	CommandDelay time.Duration
	DialDelay    time.Duration
	HangupDelay  time.Duration
	PollInterval time.Duration
	IdleInterval time.Duration
	RingTimeout  time.Duration
}

// TimingFrom maps the modem section of the configuration.
func TimingFrom(cfg config.ModemConfig) Timing {
	return Timing{
		CommandDelay: cfg.CommandDelay,
		DialDelay:    cfg.DialDelay,
		HangupDelay:  cfg.HangupDelay,
		PollInterval: cfg.PollInterval,
		IdleInterval: cfg.IdleInterval,
		RingTimeout:  cfg.RingTimeout,
	}
}

// Machine drives one outbound call from dial to hang-up.
type Machine struct {
	timing Timing
	logger *logger.Logger
	now    func() time.Time
}

// NewMachine constructs a call state machine.
func NewMachine(timing Timing, lg *logger.Logger) *Machine {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Machine{timing: timing, logger: lg.Named("call"), now: time.Now}
}

type lineKind int

const (
	lineOther lineKind = iota
	lineActive
	lineEnded
)

func classify(line string) lineKind {
	if strings.Contains(line, callListMarker) {
		// +CLCC: <idx>,<dir>,<stat>,<mode>,<mpty>[,<number>,<type>]
		parts := strings.Split(line, ",")
		if len(parts) > 2 && strings.TrimSpace(parts[2]) == statusActive {
			return lineActive
		}
		return lineOther
	}
	for _, marker := range endMarkers {
		if strings.Contains(line, marker) {
			return lineEnded
		}
	}
	return lineOther
}

// Execute dials number on conn and polls the call list until the call is
// answered or the remote side ends it. onAnswered runs once, on the first
// active status, and the call is hung up after it returns. conn is closed
// on every return path.
//
// There is no cancellation of a call in progress: ctx is only used for
// log correlation. Only RingTimeout bounds the wait for an answer.
func (m *Machine) Execute(ctx context.Context, conn Conn, number string, onAnswered func()) (attempt domain.CallAttempt, err error) {
	lg := m.logger.WithContext(ctx).With(zap.String("number", number))
	attempt = domain.CallAttempt{State: domain.CallStateIdle, StartedAt: m.now()}

	defer func() {
		if cerr := conn.Close(); cerr != nil {
			lg.Warn("close modem session", zap.Error(cerr))
		}
		attempt.EndedAt = m.now()
		lg.Info("gsm released", zap.String("state", string(attempt.State)), zap.String("outcome", string(attempt.Outcome)))
	}()

	fail := func(cause error) (domain.CallAttempt, error) {
		attempt.State = domain.CallStateFailed
		attempt.Outcome = domain.OutcomeDeviceError
		attempt.Error = cause.Error()
		lg.Error("call failed", zap.Error(cause))
		return attempt, cause
	}

	hangup := func() error {
		lines, err := conn.SendCommand(hangupCommand, m.timing.HangupDelay)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if classify(line) == lineEnded {
				lg.Debug("end marker after hang-up", zap.String("line", line))
			}
		}
		return nil
	}

	attempt.State = domain.CallStateDialing
	for _, cmd := range setupCommands {
		lines, err := conn.SendCommand(cmd, m.timing.CommandDelay)
		if err != nil {
			return fail(err)
		}
		lg.Info("modem diagnostics", zap.String("cmd", cmd), zap.Strings("response", lines))
	}

	dialLines, err := conn.SendCommand(fmt.Sprintf("ATD%s;", number), m.timing.DialDelay)
	if err != nil {
		return fail(err)
	}
	lg.Info("calling, waiting for answer", zap.Strings("response", dialLines))

	attempt.State = domain.CallStateRingingPoll
	ringStart := m.now()
	var lastPoll time.Time
	answered := false
	pending := dialLines

	for {
		var line string
		if len(pending) > 0 {
			line, pending = pending[0], pending[1:]
		} else {
			now := m.now()
			if lastPoll.IsZero() || now.Sub(lastPoll) >= m.timing.PollInterval {
				lastPoll = now
				if err := conn.Send(callListCommand); err != nil {
					return fail(err)
				}
			}

			if m.timing.RingTimeout > 0 && now.Sub(ringStart) >= m.timing.RingTimeout {
				lg.Warn("no answer before ring timeout", zap.Duration("ring_timeout", m.timing.RingTimeout))
				if err := hangup(); err != nil {
					return fail(err)
				}
				attempt.State = domain.CallStateEnded
				attempt.Outcome = domain.OutcomeNoAnswer
				attempt.Error = "ring timeout"
				return attempt, nil
			}

			var ok bool
			line, ok, err = conn.ReadLine()
			if err != nil {
				return fail(err)
			}
			if !ok {
				if m.timing.IdleInterval > 0 {
					time.Sleep(m.timing.IdleInterval)
				}
				continue
			}
		}

		switch classify(line) {
		case lineActive:
			if answered {
				continue
			}
			answered = true
			answeredAt := m.now()
			attempt.AnsweredAt = &answeredAt
			attempt.State = domain.CallStateAnswered
			lg.Info("call answered")

			if onAnswered != nil {
				onAnswered()
			}
			if err := hangup(); err != nil {
				return fail(err)
			}
			attempt.State = domain.CallStateEnded
			attempt.Outcome = domain.OutcomeAnswered
			return attempt, nil

		case lineEnded:
			if answered {
				lg.Debug("end marker after answer", zap.String("line", line))
				continue
			}
			lg.Info("call ended", zap.String("reason", line))
			attempt.State = domain.CallStateEnded
			attempt.Outcome = domain.OutcomeNoAnswer
			return attempt, nil
		}
	}
}
