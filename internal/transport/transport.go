// Package transport moves XCP packets over the physical links supported by the
// bootloader: UART, CAN, USB bulk, TCP and Modbus RTU.
//
// A Transport carries whole packets. Link specific framing (length prefix, CAN frame,
// TCP counter, Modbus ADU) is added on Send and removed on Receive.
package transport

import (
	"fmt"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
)

// Transport sends and receives XCP packets over one link. Calls are strictly
// sequential: one command is in flight at a time.
type Transport interface {
	// Open acquires the link.
	Open() error
	// Send transmits one packet. Any response still pending from an earlier,
	// timed out command is discarded first.
	Send(packet []byte) error
	// Receive waits up to timeout for one packet. It fails with a timeout error
	// when nothing arrives.
	Receive(timeout time.Duration) ([]byte, error)
	// Close releases the link. Closing a closed transport is a no-op.
	Close() error
	// MaxPacketSize is the largest packet the link can carry in one direction.
	MaxPacketSize() int
}

// Config selects and parameterizes one transport variant. The set of variants is
// closed: SerialConfig, CANConfig, USBConfig, NetConfig and ModbusRTUConfig.
type Config interface {
	// Name is the short name of the variant.
	Name() string
	// Validate checks the settings without touching any device.
	Validate() error
	transportConfig()
}

type options struct {
	log logger.Logger
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger used by the transport.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// New validates cfg and creates the matching transport. The link is not opened.
func New(cfg Config, opts ...Option) (Transport, error) {
	if cfg == nil {
		return nil, blterr.Errorf(blterr.ErrConfig, "transport", "no transport configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{log: logger.GetLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With("transport", cfg.Name())

	switch c := cfg.(type) {
	case SerialConfig:
		return newUART(c, log), nil
	case CANConfig:
		return newCAN(c, log), nil
	case USBConfig:
		return newUSB(c, log), nil
	case NetConfig:
		return newNet(c, log), nil
	case ModbusRTUConfig:
		return newModbusRTU(c, log), nil
	default:
		return nil, blterr.Errorf(blterr.ErrConfig, "transport", "unsupported config %T", cfg)
	}
}

func timeoutError(op string, timeout time.Duration) error {
	return blterr.Errorf(blterr.ErrTimeout, op, "no response within %v: %w", timeout, blterr.ErrTimedOut)
}

func notOpenError(op string) error {
	return blterr.Errorf(blterr.ErrTransport, op, "link not open: %w", blterr.ErrDisconnected)
}

func checkPacket(op string, packet []byte, limit int) error {
	if len(packet) == 0 || len(packet) > limit {
		return blterr.New(blterr.ErrRange, op, fmt.Errorf("packet length %d outside 1..%d", len(packet), limit))
	}
	return nil
}
