// Package detect finds links a bootloader may be reachable on and pings them with an
// XCP CONNECT.
package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/protocol"
	"github.com/feaser/openblt/internal/serial"
	"github.com/feaser/openblt/internal/transport"
)

// Kind of a candidate link.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUSB    Kind = "usb"
)

// Candidate is a link a bootloader may answer on.
type Candidate struct {
	Kind         Kind
	Name         string
	VID          string
	PID          string
	SerialNumber string
}

func (c Candidate) String() string {
	if c.VID == "" {
		return fmt.Sprintf("%s %s", c.Kind, c.Name)
	}
	return fmt.Sprintf("%s %s [%s:%s]", c.Kind, c.Name, c.VID, c.PID)
}

// Transport returns the transport settings for the candidate. Serial candidates use
// baud with the default framing.
func (c Candidate) Transport(baud int) transport.Config {
	if c.Kind == KindUSB {
		return transport.USBConfig{}
	}
	cfg := transport.DefaultSerialConfig(c.Name)
	if baud > 0 {
		cfg.Baud = baud
	}
	return cfg
}

var (
	listSerial   = serial.ListPortDetails
	listUSB      = listBootloaderUSB
	newTransport = func(cfg transport.Config) (transport.Transport, error) {
		return transport.New(cfg, transport.WithLogger(logger.Nop()))
	}
)

// ListSerialPorts returns the serial ports of the system.
func ListSerialPorts() ([]Candidate, error) {
	ports, err := listSerial()
	if err != nil {
		return nil, blterr.New(blterr.ErrTransport, "list serial ports", err)
	}
	out := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		c := Candidate{Kind: KindSerial, Name: p.Name}
		if p.IsUSB {
			c.VID, c.PID, c.SerialNumber = p.VID, p.PID, p.SerialNumber
		}
		out = append(out, c)
	}
	return out, nil
}

// ListUSBDevices returns the attached bootloader USB devices.
func ListUSBDevices() ([]Candidate, error) {
	return listUSB()
}

// ListCandidates returns the serial ports followed by the bootloader USB devices. A
// failing USB scan is logged and leaves the serial ports.
func ListCandidates() ([]Candidate, error) {
	out, err := ListSerialPorts()
	if err != nil {
		return nil, err
	}
	usb, err := ListUSBDevices()
	if err != nil {
		logger.Warn("usb scan failed", "error", err)
		return out, nil
	}
	return append(out, usb...), nil
}

func listBootloaderUSB() ([]Candidate, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == transport.USBVendorID && desc.Product == transport.USBProductID
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, blterr.New(blterr.ErrTransport, "list usb devices", err)
	}

	out := make([]Candidate, 0, len(devs))
	for _, d := range devs {
		c := Candidate{
			Kind: KindUSB,
			Name: fmt.Sprintf("bus %d addr %d", d.Desc.Bus, d.Desc.Address),
			VID:  d.Desc.Vendor.String(),
			PID:  d.Desc.Product.String(),
		}
		if sn, err := d.SerialNumber(); err == nil {
			c.SerialNumber = sn
		}
		out = append(out, c)
	}
	return out, nil
}

// Result describes a bootloader that answered a CONNECT.
type Result struct {
	Candidate Candidate
	Info      protocol.ConnectInfo
}

// Ping opens the link described by cfg, sends one CONNECT and waits up to timeout
// for the answer. The target is left in its bootloader, connected.
func Ping(cfg transport.Config, mode byte, timeout time.Duration) (protocol.ConnectInfo, error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return protocol.ConnectInfo{}, err
	}
	if err := tr.Open(); err != nil {
		return protocol.ConnectInfo{}, err
	}
	defer tr.Close()

	if err := tr.Send(protocol.Connect(mode)); err != nil {
		return protocol.ConnectInfo{}, err
	}
	resp, err := tr.Receive(timeout)
	if err != nil {
		return protocol.ConnectInfo{}, err
	}
	return protocol.DecodeConnect(resp)
}

// DetectDevice pings every candidate and returns the first bootloader that answers.
func DetectDevice(baud int, timeout time.Duration) (*Result, error) {
	candidates, err := ListCandidates()
	if err != nil {
		return nil, err
	}
	return first(candidates, func(c Candidate) transport.Config { return c.Transport(baud) }, timeout)
}

// DetectSerialPort pings every serial port with the link settings link returns for it
// and returns the first port a bootloader answers on.
func DetectSerialPort(link func(port string) transport.Config, timeout time.Duration) (*Result, error) {
	candidates, err := ListSerialPorts()
	if err != nil {
		return nil, err
	}
	return first(candidates, func(c Candidate) transport.Config { return link(c.Name) }, timeout)
}

func first(candidates []Candidate, link func(Candidate) transport.Config, timeout time.Duration) (*Result, error) {
	if len(candidates) == 0 {
		return nil, blterr.Errorf(blterr.ErrTransport, "detect", "no candidate links: %w", blterr.ErrDeviceNotFound)
	}

	var errs []error
	for _, c := range candidates {
		info, err := Ping(link(c), 0, timeout)
		if err != nil {
			logger.Debug("no answer", "candidate", c.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		return &Result{Candidate: c, Info: info}, nil
	}
	return nil, blterr.New(blterr.ErrTransport, "detect", fmt.Errorf("%w: %w", blterr.ErrDeviceNotFound, errors.Join(errs...)))
}
