package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
)

const (
	netCounterLen     = 4
	netMaxPacketSize  = 255
	netMinResponseLen = netCounterLen + 1
	netDrainWindow    = 10 * time.Millisecond
)

// netConn prefixes every command with a little endian command counter. Responses
// carry the target's counter in the same position.
type netConn struct {
	cfg     NetConfig
	log     logger.Logger
	conn    net.Conn
	counter uint32
	// stale is set when a receive timed out and a late response may follow.
	stale bool
}

func newNet(cfg NetConfig, log logger.Logger) *netConn {
	return &netConn{cfg: cfg, log: log}
}

func (t *netConn) Open() error {
	if t.conn != nil {
		return nil
	}
	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return dialError(t.cfg.Name(), addr, err)
	}
	t.conn = conn
	t.counter = 1
	t.log.Info("connected", "addr", addr)
	return nil
}

func dialError(op, addr string, err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return blterr.New(blterr.ErrTransport, op, fmt.Errorf("dial %s: %w: %v", addr, blterr.ErrConnectionRefused, err))
	case errors.Is(err, os.ErrDeadlineExceeded):
		return blterr.New(blterr.ErrTransport, op, fmt.Errorf("dial %s: %w: %v", addr, blterr.ErrTimedOut, err))
	case errors.As(err, &dnsErr):
		return blterr.New(blterr.ErrTransport, op, fmt.Errorf("dial %s: %w: %v", addr, blterr.ErrDeviceNotFound, err))
	default:
		return blterr.New(blterr.ErrTransport, op, fmt.Errorf("dial %s: %w", addr, err))
	}
}

func (t *netConn) Send(packet []byte) error {
	if t.conn == nil {
		return notOpenError(t.cfg.Name())
	}
	if err := checkPacket(t.cfg.Name(), packet, netMaxPacketSize); err != nil {
		return err
	}

	if t.stale {
		t.discardPending()
		t.stale = false
	}

	buf := make([]byte, netCounterLen+len(packet))
	binary.LittleEndian.PutUint32(buf, t.counter)
	copy(buf[netCounterLen:], packet)
	t.counter++

	if _, err := t.conn.Write(buf); err != nil {
		return blterr.New(blterr.ErrTransport, t.cfg.Name(), fmt.Errorf("write: %w: %v", blterr.ErrDisconnected, err))
	}
	return nil
}

// discardPending drops bytes of responses that arrived after their command timed out.
func (t *netConn) discardPending() {
	buf := make([]byte, netCounterLen+netMaxPacketSize)
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(netDrainWindow)); err != nil {
			return
		}
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.log.Debug("discarded late response", "bytes", n)
		}
		if err != nil {
			return
		}
	}
}

func (t *netConn) Receive(timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, notOpenError(t.cfg.Name())
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, blterr.New(blterr.ErrTransport, t.cfg.Name(), err)
	}

	buf := make([]byte, netCounterLen+netMaxPacketSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			t.stale = true
			return nil, timeoutError(t.cfg.Name(), timeout)
		}
		return nil, blterr.New(blterr.ErrTransport, t.cfg.Name(), fmt.Errorf("read: %w: %v", blterr.ErrDisconnected, err))
	}
	if n < netMinResponseLen {
		t.stale = true
		return nil, blterr.Errorf(blterr.ErrProtocol, t.cfg.Name(), "response of %d bytes: %w", n, blterr.ErrIncomplete)
	}
	return append([]byte(nil), buf[netCounterLen:n]...), nil
}

func (t *netConn) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return blterr.New(blterr.ErrTransport, t.cfg.Name(), fmt.Errorf("close: %w", err))
	}
	return nil
}

func (t *netConn) MaxPacketSize() int {
	return netMaxPacketSize
}
