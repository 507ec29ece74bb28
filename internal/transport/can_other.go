//go:build !linux

package transport

import (
	"runtime"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
)

// canBus is unavailable outside Linux; Open always fails.
type canBus struct {
	cfg CANConfig
	log logger.Logger
}

func newCAN(cfg CANConfig, log logger.Logger) *canBus {
	return &canBus{cfg: cfg, log: log}
}

func (c *canBus) Open() error {
	return blterr.Errorf(blterr.ErrTransport, c.cfg.Name(), "SocketCAN is not available on %s: %w", runtime.GOOS, blterr.ErrDeviceNotFound)
}

func (c *canBus) Send(packet []byte) error {
	return notOpenError(c.cfg.Name())
}

func (c *canBus) Receive(timeout time.Duration) ([]byte, error) {
	return nil, notOpenError(c.cfg.Name())
}

func (c *canBus) Close() error {
	return nil
}

func (c *canBus) MaxPacketSize() int {
	return canMaxPacketSize(c.cfg)
}
