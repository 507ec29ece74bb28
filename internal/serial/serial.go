// Package serial wraps go.bug.st/serial with the timeouts and line settings used by
// the UART and Modbus RTU transports.
package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/feaser/openblt/internal/blterr"
)

// Parity of the serial line.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

func (p Parity) String() string {
	switch p {
	case NoParity:
		return "none"
	case OddParity:
		return "odd"
	case EvenParity:
		return "even"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// StopBits of the serial line.
type StopBits int

const (
	OneStopBit  StopBits = 1
	TwoStopBits StopBits = 2
)

// Config holds the line settings. Data bits are always 8.
type Config struct {
	Baud     int
	Parity   Parity
	StopBits StopBits
}

// defaultReadTimeout is restored after every timed read.
const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port.
type Port struct {
	port serial.Port
	name string
}

// Open opens a serial port with the specified line settings.
func Open(portName string, cfg Config) (*Port, error) {
	if cfg.StopBits == 0 {
		cfg.StopBits = OneStopBit
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   mapParity(cfg.Parity),
		StopBits: mapStopBits(cfg.StopBits),
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, openError(portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, blterr.New(blterr.ErrTransport, "serial", fmt.Errorf("set read timeout: %w", err))
	}

	return &Port{port: port, name: portName}, nil
}

func mapParity(p Parity) serial.Parity {
	switch p {
	case OddParity:
		return serial.OddParity
	case EvenParity:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func mapStopBits(s StopBits) serial.StopBits {
	if s == TwoStopBits {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// openError maps a driver error onto the transport error details.
func openError(portName string, err error) error {
	detail := err
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			detail = fmt.Errorf("%w: %v", blterr.ErrDeviceNotFound, err)
		case serial.PermissionDenied:
			detail = fmt.Errorf("%w: %v", blterr.ErrPermissionDenied, err)
		case serial.PortBusy:
			detail = fmt.Errorf("%w: port busy: %v", blterr.ErrConnectionRefused, err)
		case serial.InvalidSpeed, serial.InvalidParity, serial.InvalidStopBits, serial.InvalidDataBits:
			return blterr.New(blterr.ErrConfig, "serial", fmt.Errorf("open %s: %w", portName, err))
		}
	}
	return blterr.New(blterr.ErrTransport, "serial", fmt.Errorf("open %s: %w", portName, detail))
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	n, err := p.port.Write(data)
	if err != nil {
		return n, blterr.New(blterr.ErrTransport, "serial", fmt.Errorf("write %s: %w: %v", p.name, blterr.ErrDisconnected, err))
	}
	return n, nil
}

// ReadWithTimeout reads whatever arrives within timeout. It returns 0 bytes and no
// error when nothing arrives.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	n, err := p.port.Read(buf)
	if err != nil {
		return n, blterr.New(blterr.ErrTransport, "serial", fmt.Errorf("read %s: %w: %v", p.name, blterr.ErrDisconnected, err))
	}
	return n, nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// PortInfo describes a serial port and, for USB adapters, its identifiers.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// ListPortDetails returns the available serial ports with USB details.
func ListPortDetails() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return infos, nil
}
