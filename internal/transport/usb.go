package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/logger"
)

// USB identifiers and endpoints of the bootloader's bulk interface.
const (
	USBVendorID  gousb.ID = 0x1D50
	USBProductID gousb.ID = 0x60AC

	usbEndpointOut = 0x01
	usbEndpointIn  = 0x01
	usbReadSize    = 64
	usbDrainWindow = 10 * time.Millisecond
)

type bulkOut interface {
	Write(buf []byte) (int, error)
}

type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// usbBulk frames packets with a length byte over a pair of bulk endpoints.
type usbBulk struct {
	cfg  USBConfig
	log  logger.Logger
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  bulkOut
	in   bulkIn
	rx   []byte
	// stale is set when a receive gave up and a late response may follow.
	stale bool
}

func newUSB(cfg USBConfig, log logger.Logger) *usbBulk {
	return &usbBulk{cfg: cfg, log: log}
}

func (u *usbBulk) Open() error {
	if u.dev != nil {
		return nil
	}

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(USBVendorID, USBProductID)
	if err != nil {
		ctx.Close()
		return usbError(u.cfg.Name(), "open device", err)
	}
	if dev == nil {
		ctx.Close()
		return blterr.Errorf(blterr.ErrTransport, u.cfg.Name(), "no device %s:%s: %w", USBVendorID, USBProductID, blterr.ErrDeviceNotFound)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		u.log.Debug("auto detach unavailable", "error", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return usbError(u.cfg.Name(), "claim interface", err)
	}

	out, err := intf.OutEndpoint(usbEndpointOut)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return usbError(u.cfg.Name(), "open bulk out endpoint", err)
	}
	in, err := intf.InEndpoint(usbEndpointIn)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return usbError(u.cfg.Name(), "open bulk in endpoint", err)
	}

	u.ctx, u.dev, u.done, u.out, u.in = ctx, dev, done, out, in
	u.rx = u.rx[:0]
	u.log.Info("device opened", "vid", USBVendorID, "pid", USBProductID)
	return nil
}

func usbError(op, what string, err error) error {
	detail := err
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		detail = fmt.Errorf("%w: %v", blterr.ErrPermissionDenied, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		detail = fmt.Errorf("%w: %v", blterr.ErrDeviceNotFound, err)
	case errors.Is(err, gousb.ErrorBusy):
		detail = fmt.Errorf("%w: %v", blterr.ErrConnectionRefused, err)
	}
	return blterr.New(blterr.ErrTransport, op, fmt.Errorf("%s: %w", what, detail))
}

func (u *usbBulk) Send(packet []byte) error {
	if u.out == nil {
		return notOpenError(u.cfg.Name())
	}
	if err := checkPacket(u.cfg.Name(), packet, framing.MaxPacketSize); err != nil {
		return err
	}
	u.rx = u.rx[:0]
	if u.stale {
		u.discardPending()
		u.stale = false
	}

	if _, err := u.out.Write(framing.Encode(packet, framing.ChecksumNone)); err != nil {
		return blterr.New(blterr.ErrTransport, u.cfg.Name(), fmt.Errorf("write: %w: %v", blterr.ErrDisconnected, err))
	}
	return nil
}

// discardPending drops transfers of responses that arrived after their command timed out.
func (u *usbBulk) discardPending() {
	ctx, cancel := context.WithTimeout(context.Background(), usbDrainWindow)
	defer cancel()

	chunk := make([]byte, usbReadSize)
	for ctx.Err() == nil {
		n, err := u.in.ReadContext(ctx, chunk)
		if n > 0 {
			u.log.Debug("discarded late response", "bytes", n)
		}
		if err != nil {
			return
		}
	}
}

func (u *usbBulk) Receive(timeout time.Duration) ([]byte, error) {
	if u.in == nil {
		return nil, notOpenError(u.cfg.Name())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	chunk := make([]byte, usbReadSize)
	for {
		packet, rest, err := framing.ReadFrame(u.rx, framing.ChecksumNone)
		u.rx = rest
		if err != nil {
			u.stale = true
			return nil, err
		}
		if packet != nil {
			return packet, nil
		}

		n, err := u.in.ReadContext(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.TransferCancelled) {
				u.stale = true
				return nil, timeoutError(u.cfg.Name(), timeout)
			}
			return nil, blterr.New(blterr.ErrTransport, u.cfg.Name(), fmt.Errorf("read: %w: %v", blterr.ErrDisconnected, err))
		}
		u.rx = append(u.rx, chunk[:n]...)
	}
}

func (u *usbBulk) Close() error {
	if u.dev == nil {
		return nil
	}
	u.done()
	err := u.dev.Close()
	u.ctx.Close()
	u.ctx, u.dev, u.done, u.out, u.in = nil, nil, nil, nil, nil
	u.rx = nil
	u.stale = false
	if err != nil {
		return blterr.New(blterr.ErrTransport, u.cfg.Name(), fmt.Errorf("close: %w", err))
	}
	return nil
}

func (u *usbBulk) MaxPacketSize() int {
	return framing.MaxPacketSize
}
