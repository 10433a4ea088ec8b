// Package modemtest provides in-memory serial ports for exercising the
// modem and call packages without hardware.
package modemtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acme/gsm-voice-dialer/internal/modem"
)

// ErrWouldBlock is returned by a Port with RequireReadTimeout set when it
// is read empty before SetReadTimeout was called. A real serial port would
// block forever there.
var ErrWouldBlock = errors.New("modemtest: read would block without a read timeout")

// Port is a scripted serial port. Reads return buffered bytes or (0, nil)
// when the buffer is empty, mimicking a read timeout.
type Port struct {
	mu          sync.Mutex
	rx          []byte
	writes      []string
	closed      int
	readTimeout time.Duration

	// RequireReadTimeout makes empty reads fail with ErrWouldBlock until a
	// positive read timeout is set.
	RequireReadTimeout bool

	// Respond is called with every written command (terminator stripped)
	// and returns bytes to make readable. It runs under the port lock and
	// must not call back into the port.
	Respond func(cmd string) string

	ReadErr  error
	WriteErr error
}

// NewPort returns a port that answers with respond.
func NewPort(respond func(cmd string) string) *Port {
	return &Port{Respond: respond}
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReadErr != nil {
		return 0, p.ReadErr
	}
	if len(p.rx) == 0 {
		if p.RequireReadTimeout && p.readTimeout <= 0 {
			return 0, ErrWouldBlock
		}
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	cmd := strings.TrimRight(string(b), "\r")
	p.writes = append(p.writes, cmd)
	if p.Respond != nil {
		p.rx = append(p.rx, p.Respond(cmd)...)
	}
	return len(b), nil
}

// SetReadTimeout records d.
func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

// ReadTimeout returns the last timeout passed to SetReadTimeout.
func (p *Port) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

// Close records the call.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// Feed makes s readable.
func (p *Port) Feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, s...)
}

// Writes returns the commands written so far.
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// CloseCount reports how many times Close was called.
func (p *Port) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Count reports how many times cmd was written.
func (p *Port) Count(cmd string) int {
	n := 0
	for _, w := range p.Writes() {
		if w == cmd {
			n++
		}
	}
	return n
}

// ModemResponder answers the probe and setup commands like a SIM800-class
// modem. Other commands get OK.
func ModemResponder(cmd string) string {
	switch {
	case cmd == "AT+CSQ":
		return "\r\n+CSQ: 18,0\r\n\r\nOK\r\n"
	case cmd == "AT+CREG?":
		return "\r\n+CREG: 0,1\r\n\r\nOK\r\n"
	default:
		return "\r\nOK\r\n"
	}
}

// Opener hands out scripted ports keyed by "device@baud". Combinations
// without a port fail to open.
type Opener struct {
	mu       sync.Mutex
	ports    map[string]*Port
	attempts []string
}

// NewOpener returns an empty opener.
func NewOpener() *Opener {
	return &Opener{ports: make(map[string]*Port)}
}

// Set registers the port returned for device at baud.
func (o *Opener) Set(device string, baud int, port *Port) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ports[key(device, baud)] = port
}

// Open implements modem.Opener.
func (o *Opener) Open(device string, baud int) (modem.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := key(device, baud)
	o.attempts = append(o.attempts, k)
	port, ok := o.ports[k]
	if !ok {
		return nil, errors.New("no such device")
	}
	return port, nil
}

// Attempts lists the "device@baud" combinations opened, in order.
func (o *Opener) Attempts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.attempts...)
}

func key(device string, baud int) string {
	return fmt.Sprintf("%s@%d", device, baud)
}

// Enumerator reports a fixed list of ports.
type Enumerator struct {
	List []modem.PortInfo
	Err  error
}

// Ports implements modem.Enumerator.
func (e Enumerator) Ports() ([]modem.PortInfo, error) {
	return e.List, e.Err
}
