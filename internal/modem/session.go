package modem

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/acme/gsm-voice-dialer/pkg/errors"
	"github.com/acme/gsm-voice-dialer/pkg/logger"
)

const (
	commandTerminator = "\r"
	readChunkSize     = 256
	// maxDrainBytes caps a single drain so a chattering modem cannot keep
	// SendCommand reading forever.
	maxDrainBytes = 64 * 1024
)

// Endpoint identifies the device and speed a modem answered on.
type Endpoint struct {
	Device   string
	BaudRate int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%d", e.Device, e.BaudRate)
}

// Session owns one open modem port. It is not safe for concurrent use;
// the call worker is its only user.
type Session struct {
	port     Port
	endpoint Endpoint
	logger   *logger.Logger

	pending []byte
	chunk   []byte

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// NewSession wraps an already open port.
func NewSession(port Port, endpoint Endpoint, lg *logger.Logger) *Session {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Session{
		port:     port,
		endpoint: endpoint,
		logger:   &logger.Logger{Logger: lg.Logger.Named("modem").With(zap.Stringer("endpoint", endpoint))},
		chunk:    make([]byte, readChunkSize),
	}
}

// Endpoint reports where the session is connected.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Send writes a command without waiting for its response.
func (s *Session) Send(cmd string) error {
	if s.port == nil || s.closed {
		return fmt.Errorf("modem session: send %q: %w: port not open", cmd, apperrors.ErrDevice)
	}
	s.logger.Debug(">> " + cmd)
	if _, err := s.port.Write([]byte(cmd + commandTerminator)); err != nil {
		return fmt.Errorf("modem session: write %q: %w: %w", cmd, apperrors.ErrDevice, err)
	}
	return nil
}

// SendCommand writes cmd, waits settle for the modem to answer and returns
// every line buffered by then. It never waits for more data than is
// already available after the settle interval.
func (s *Session) SendCommand(cmd string, settle time.Duration) ([]string, error) {
	if err := s.Send(cmd); err != nil {
		return nil, err
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	if err := s.drain(); err != nil {
		return nil, err
	}
	lines := s.takeLines()
	for _, line := range lines {
		s.logger.Debug("<< " + line)
	}
	return lines, nil
}

// ReadLine returns one complete line if it is buffered or becomes
// available within a single port read. ok is false when no full line is
// available yet.
func (s *Session) ReadLine() (line string, ok bool, err error) {
	if line, ok := s.nextLine(); ok {
		return line, true, nil
	}
	if _, err := s.fill(); err != nil {
		return "", false, err
	}
	line, ok = s.nextLine()
	if ok {
		s.logger.Debug("<< " + line)
	}
	return line, ok, nil
}

// Close releases the port. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		if s.port == nil {
			return
		}
		s.closeErr = s.port.Close()
		s.logger.Debug("port closed")
	})
	return s.closeErr
}

func (s *Session) fill() (int, error) {
	if s.port == nil || s.closed {
		return 0, fmt.Errorf("modem session: read: %w: port not open", apperrors.ErrDevice)
	}
	n, err := s.port.Read(s.chunk)
	if n > 0 {
		s.pending = append(s.pending, s.chunk[:n]...)
	}
	if err != nil {
		return n, fmt.Errorf("modem session: read: %w: %w", apperrors.ErrDevice, err)
	}
	return n, nil
}

func (s *Session) drain() error {
	total := 0
	for total < maxDrainBytes {
		n, err := s.fill()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		total += n
	}
	return nil
}

// drainRaw empties the buffer and returns its decoded contents.
func (s *Session) drainRaw() (string, error) {
	if err := s.drain(); err != nil {
		return "", err
	}
	raw := decode(s.pending)
	s.pending = s.pending[:0]
	return raw, nil
}

func (s *Session) nextLine() (string, bool) {
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return "", false
		}
		line := decode(s.pending[:idx])
		s.pending = s.pending[idx+1:]
		if line != "" {
			return line, true
		}
	}
}

// takeLines returns all complete lines plus any trailing partial line.
func (s *Session) takeLines() []string {
	var lines []string
	for {
		line, ok := s.nextLine()
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	if rest := decode(s.pending); rest != "" {
		lines = append(lines, rest)
	}
	s.pending = s.pending[:0]
	return lines
}

// decode is permissive: modem firmware does not always emit clean ASCII.
func decode(raw []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
}
