//go:build linux

package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
)

// canBus talks to a SocketCAN network interface through a raw socket. The bit rate
// is a property of the interface and is configured with ip-link; it is only logged
// here.
type canBus struct {
	cfg CANConfig
	log logger.Logger
	fd  int
}

func newCAN(cfg CANConfig, log logger.Logger) *canBus {
	return &canBus{cfg: cfg, log: log, fd: -1}
}

func (c *canBus) Open() error {
	if c.fd >= 0 {
		return nil
	}

	name := c.cfg.Interface()
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return blterr.New(blterr.ErrTransport, c.cfg.Name(), fmt.Errorf("interface %s: %w: %v", name, blterr.ErrDeviceNotFound, err))
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return c.sysError("socket", err)
	}

	if c.cfg.FD() {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return c.sysError("enable CAN FD frames", err)
		}
	}

	id, mask := canFilter(c.cfg.RxID, c.cfg.Extended)
	filter := []unix.CanFilter{{Id: id, Mask: mask}}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filter); err != nil {
		unix.Close(fd)
		return c.sysError("set filter", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return c.sysError("bind "+name, err)
	}

	c.fd = fd
	c.log.Info("interface opened", "interface", name, "baud", c.cfg.Baud, "brs_baud", c.cfg.BRSBaud,
		"tx_id", fmt.Sprintf("0x%X", c.cfg.TxID), "rx_id", fmt.Sprintf("0x%X", c.cfg.RxID), "extended", c.cfg.Extended)
	return nil
}

func (c *canBus) sysError(what string, err error) error {
	detail := err
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		detail = fmt.Errorf("%w: %v", blterr.ErrPermissionDenied, err)
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		detail = fmt.Errorf("%w: %v", blterr.ErrDeviceNotFound, err)
	case errors.Is(err, unix.ENETDOWN):
		detail = fmt.Errorf("%w: %v", blterr.ErrDisconnected, err)
	}
	return blterr.New(blterr.ErrTransport, c.cfg.Name(), fmt.Errorf("%s: %w", what, detail))
}

func (c *canBus) Send(packet []byte) error {
	if c.fd < 0 {
		return notOpenError(c.cfg.Name())
	}
	if err := checkPacket(c.cfg.Name(), packet, c.MaxPacketSize()); err != nil {
		return err
	}

	c.drain()

	frame := encodeCANFrame(c.cfg.TxID, c.cfg.Extended, c.cfg.FD(), packet)
	if _, err := unix.Write(c.fd, frame); err != nil {
		return c.sysError("write", err)
	}
	return nil
}

// drain drops frames that are already queued on the socket.
func (c *canBus) drain() {
	buf := make([]byte, canFDFrameSize)
	for {
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		if ready, err := unix.Poll(fds, 0); err != nil || ready == 0 {
			return
		}
		n, err := unix.Read(c.fd, buf)
		if err != nil || n <= 0 {
			return
		}
		c.log.Debug("discarded late frame", "bytes", n)
	}
}

func (c *canBus) Receive(timeout time.Duration) ([]byte, error) {
	if c.fd < 0 {
		return nil, notOpenError(c.cfg.Name())
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, canFDFrameSize)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutError(c.cfg.Name(), timeout)
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, c.sysError("poll", err)
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(c.fd, buf)
		if err != nil {
			return nil, c.sysError("read", err)
		}

		id, extended, data, err := decodeCANFrame(buf[:n])
		if err != nil {
			c.log.Debug("dropped frame", "error", err)
			continue
		}
		if id != c.cfg.RxID || extended != c.cfg.Extended {
			continue
		}
		return data, nil
	}
}

func (c *canBus) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if err != nil {
		return c.sysError("close", err)
	}
	return nil
}

func (c *canBus) MaxPacketSize() int {
	return canMaxPacketSize(c.cfg)
}
