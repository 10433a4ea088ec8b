package modem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/gsm-voice-dialer/internal/config"
	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

const (
	probeCommand = "AT"
	// defaultReadTimeout keeps reads from blocking when none is configured.
	defaultReadTimeout = 50 * time.Millisecond
)

// ProbeConfig controls which devices are tried and how.
type ProbeConfig struct {
	Signatures   []string
	PathPrefixes []string
	// USBIDs are "vid:pid" pairs of known modem bridges, hex, any case.
	USBIDs []string
	// BaudRates are tried in order for every candidate device.
	BaudRates []int
	// SettleDelay is the wait after opening, before the probe is written.
	SettleDelay time.Duration
	// ProbeDelay is the wait between writing AT and reading the reply.
	ProbeDelay  time.Duration
	ReadTimeout time.Duration
}

// ProbeConfigFrom maps the modem section of the configuration.
func ProbeConfigFrom(cfg config.ModemConfig) ProbeConfig {
	return ProbeConfig{
		Signatures:   cfg.Signatures,
		PathPrefixes: cfg.PathPrefixes,
		USBIDs:       cfg.USBIDs,
		BaudRates:    cfg.BaudRates,
		SettleDelay:  cfg.SettleDelay,
		ProbeDelay:   cfg.ProbeDelay,
		ReadTimeout:  cfg.ReadTimeout,
	}
}

// Prober finds the serial device hosting a live modem.
type Prober struct {
	enumerator Enumerator
	opener     Opener
	cfg        ProbeConfig
	logger     *logger.Logger
}

// NewProber constructs a prober.
func NewProber(enum Enumerator, opener Opener, cfg ProbeConfig, lg *logger.Logger) *Prober {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Prober{enumerator: enum, opener: opener, cfg: cfg, logger: lg.Named("prober")}
}

// Candidates lists the devices that look like USB serial bridges, sorted
// by path.
func (p *Prober) Candidates() ([]string, error) {
	ports, err := p.enumerator.Ports()
	if err != nil {
		return nil, err
	}

	if _, static := p.enumerator.(StaticEnumerator); static {
		names := make([]string, 0, len(ports))
		for _, port := range ports {
			names = append(names, port.Name)
		}
		return names, nil
	}

	seen := make(map[string]bool)
	names := make([]string, 0, len(ports))
	for _, port := range ports {
		if seen[port.Name] || !p.matches(port) {
			continue
		}
		seen[port.Name] = true
		names = append(names, port.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Prober) matches(port PortInfo) bool {
	for _, prefix := range p.cfg.PathPrefixes {
		if prefix != "" && strings.HasPrefix(port.Name, prefix) {
			return true
		}
	}
	for _, sig := range p.cfg.Signatures {
		if sig != "" && strings.Contains(port.Product, sig) {
			return true
		}
	}
	if port.VID == "" || port.PID == "" {
		return false
	}
	id := port.VID + ":" + port.PID
	for _, want := range p.cfg.USBIDs {
		if strings.EqualFold(want, id) {
			return true
		}
	}
	return false
}

// Discover tries every candidate device at every configured baud rate, in
// order, and returns a session on the first one that answers OK. The
// returned session owns the open port. When nothing answers the error
// wraps ErrModemNotFound.
func (p *Prober) Discover(ctx context.Context) (*Session, error) {
	devices, err := p.Candidates()
	if err != nil {
		return nil, fmt.Errorf("prober: %w: %w", apperrors.ErrModemNotFound, err)
	}

	for _, device := range devices {
		for _, baud := range p.cfg.BaudRates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sess, ok := p.probe(ctx, device, baud)
			if ok {
				p.logger.Info("gsm modem detected", zap.String("device", device), zap.Int("baud", baud))
				return sess, nil
			}
		}
	}

	return nil, fmt.Errorf("prober: %w (tried %d devices)", apperrors.ErrModemNotFound, len(devices))
}

func (p *Prober) probe(ctx context.Context, device string, baud int) (*Session, bool) {
	p.logger.Debug("trying port", zap.String("device", device), zap.Int("baud", baud))

	port, err := p.opener.Open(device, baud)
	if err != nil {
		p.logger.Debug("open failed", zap.String("device", device), zap.Error(err))
		return nil, false
	}

	sess := NewSession(port, Endpoint{Device: device, BaudRate: baud}, p.logger)
	timeout := p.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		p.logger.Debug("set read timeout failed", zap.String("device", device), zap.Error(err))
		_ = sess.Close()
		return nil, false
	}

	if !sleepCtx(ctx, p.cfg.SettleDelay) {
		_ = sess.Close()
		return nil, false
	}
	if err := sess.Send(probeCommand); err != nil {
		_ = sess.Close()
		return nil, false
	}
	if !sleepCtx(ctx, p.cfg.ProbeDelay) {
		_ = sess.Close()
		return nil, false
	}

	resp, err := sess.drainRaw()
	if err != nil || !strings.Contains(resp, "OK") {
		p.logger.Debug("no modem response", zap.String("device", device), zap.Int("baud", baud), zap.String("response", resp))
		_ = sess.Close()
		return nil, false
	}
	return sess, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
