package modem

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the byte stream to a modem. serial.Port satisfies it; tests use
// an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds how long Read waits for data. A Read that times
	// out returns 0 bytes and a nil error.
	SetReadTimeout(t time.Duration) error
}

// Opener opens a Port on a device at a given speed.
type Opener interface {
	Open(device string, baudRate int) (Port, error)
}

// SerialOpener opens real serial devices with go.bug.st/serial (8N1).
type SerialOpener struct{}

// Open opens the device.
func (SerialOpener) Open(device string, baudRate int) (Port, error) {
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", device, err)
	}
	return p, nil
}

// PortInfo describes one OS-visible serial device.
type PortInfo struct {
	Name         string
	Product      string
	VID          string
	PID          string
	SerialNumber string
	IsUSB        bool
}

// Enumerator lists serial devices.
type Enumerator interface {
	Ports() ([]PortInfo, error)
}

// SerialEnumerator lists devices through go.bug.st/serial/enumerator.
type SerialEnumerator struct{}

// Ports returns every serial device the OS reports.
func (SerialEnumerator) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		out = append(out, PortInfo{
			Name:         d.Name,
			Product:      d.Product,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
		})
	}
	return out, nil
}

// StaticEnumerator reports a fixed device list, used when the device
// paths are pinned in configuration.
type StaticEnumerator []string

// Ports returns the configured devices.
func (s StaticEnumerator) Ports() ([]PortInfo, error) {
	out := make([]PortInfo, 0, len(s))
	for _, name := range s {
		out = append(out, PortInfo{Name: name})
	}
	return out, nil
}
