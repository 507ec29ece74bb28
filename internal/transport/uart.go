package transport

import (
	"fmt"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/serial"
)

// streamPort is the part of a serial port the stream transports use.
type streamPort interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	Close() error
}

type portOpener func(name string, cfg serial.Config) (streamPort, error)

func openSerialPort(name string, cfg serial.Config) (streamPort, error) {
	p, err := serial.Open(name, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// uart frames packets with a length byte and an optional byte checksum.
type uart struct {
	cfg  SerialConfig
	log  logger.Logger
	open portOpener
	port streamPort
	rx   []byte
}

func newUART(cfg SerialConfig, log logger.Logger) *uart {
	return &uart{cfg: cfg, log: log, open: openSerialPort}
}

func (u *uart) Open() error {
	if u.port != nil {
		return nil
	}
	port, err := u.open(u.cfg.Port, serial.Config{Baud: u.cfg.Baud, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return err
	}
	u.port = port
	u.rx = u.rx[:0]
	u.log.Info("port opened", "port", u.cfg.Port, "baud", u.cfg.Baud, "checksum", u.cfg.Checksum)
	return nil
}

func (u *uart) Send(packet []byte) error {
	if u.port == nil {
		return notOpenError(u.cfg.Name())
	}
	if err := checkPacket(u.cfg.Name(), packet, framing.MaxPacketSize); err != nil {
		return err
	}

	u.rx = u.rx[:0]
	if err := u.port.Flush(); err != nil {
		u.log.Debug("flush failed", "error", err)
	}

	if _, err := u.port.Write(framing.Encode(packet, u.cfg.Checksum)); err != nil {
		return err
	}
	return nil
}

func (u *uart) Receive(timeout time.Duration) ([]byte, error) {
	if u.port == nil {
		return nil, notOpenError(u.cfg.Name())
	}

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, framing.MaxPacketSize+2)
	for {
		packet, rest, err := framing.ReadFrame(u.rx, u.cfg.Checksum)
		u.rx = rest
		if err != nil {
			return nil, err
		}
		if packet != nil {
			return packet, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutError(u.cfg.Name(), timeout)
		}
		n, err := u.port.ReadWithTimeout(chunk, remaining)
		if err != nil {
			return nil, err
		}
		u.rx = append(u.rx, chunk[:n]...)
	}
}

func (u *uart) Close() error {
	if u.port == nil {
		return nil
	}
	err := u.port.Close()
	u.port = nil
	u.rx = nil
	if err != nil {
		return blterr.New(blterr.ErrTransport, u.cfg.Name(), fmt.Errorf("close: %w", err))
	}
	return nil
}

func (u *uart) MaxPacketSize() int {
	return framing.MaxPacketSize
}
