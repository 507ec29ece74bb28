package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/serial"
)

// fakePort is an in-memory serial port. Responses queued by onWrite become readable
// after the write; Flush drops everything not read yet.
type fakePort struct {
	mu      sync.Mutex
	written [][]byte
	rx      []byte
	chunk   int
	flushes int
	closed  bool
	onWrite func(frame []byte) []byte
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, bytes.Clone(data))
	if p.onWrite != nil {
		p.rx = append(p.rx, p.onWrite(data)...)
	}
	return len(data), nil
}

func (p *fakePort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	defer p.mu.Unlock()

	n := len(p.rx)
	if p.chunk > 0 {
		n = min(n, p.chunk)
	}
	n = copy(buf, p.rx[:n])
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	p.rx = nil
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) opener() portOpener {
	return func(string, serial.Config) (streamPort, error) {
		return p, nil
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	tests := []struct {
		cfg     Config
		maxSize int
	}{
		{DefaultSerialConfig("/dev/ttyUSB0"), 255},
		{USBConfig{}, 255},
		{DefaultNetConfig("192.168.178.23"), 255},
		{DefaultModbusRTUConfig("/dev/ttyUSB0"), 251},
		{DefaultCANConfig("can0"), 8},
	}

	for _, tc := range tests {
		t.Run(tc.cfg.Name(), func(t *testing.T) {
			tr, err := New(tc.cfg, WithLogger(logger.Nop()))
			require.NoError(t, err)
			assert.Equal(t, tc.maxSize, tr.MaxPacketSize())
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, blterr.ErrConfig)

	_, err = New(SerialConfig{Baud: 57600})
	assert.ErrorIs(t, err, blterr.ErrConfig)
}

func TestUART_SendFramesPacket(t *testing.T) {
	tests := []struct {
		name string
		cs   framing.Checksum
		want []byte
	}{
		{"no checksum", framing.ChecksumNone, []byte{0x02, 0xFF, 0x00}},
		{"byte checksum", framing.ChecksumByte, []byte{0x02, 0xFF, 0x00, 0xFF}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			port := &fakePort{}
			u := newUART(SerialConfig{Port: "fake", Baud: 57600, Checksum: tc.cs}, logger.Nop())
			u.open = port.opener()
			require.NoError(t, u.Open())

			require.NoError(t, u.Send([]byte{0xFF, 0x00}))
			require.Len(t, port.written, 1)
			assert.Equal(t, tc.want, port.written[0])
		})
	}
}

func TestUART_ReceiveReassemblesTrickle(t *testing.T) {
	port := &fakePort{
		chunk: 1,
		onWrite: func([]byte) []byte {
			return []byte{0x03, 0xFF, 0x10, 0x20, 0x32}
		},
	}
	u := newUART(SerialConfig{Port: "fake", Baud: 57600, Checksum: framing.ChecksumByte}, logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	require.NoError(t, u.Send([]byte{0xFD}))
	resp, err := u.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x10, 0x20}, resp)
}

func TestUART_ReceiveChecksumMismatch(t *testing.T) {
	port := &fakePort{
		onWrite: func([]byte) []byte {
			return []byte{0x01, 0xFF, 0x00}
		},
	}
	u := newUART(SerialConfig{Port: "fake", Baud: 57600, Checksum: framing.ChecksumByte}, logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	require.NoError(t, u.Send([]byte{0xFD}))
	_, err := u.Receive(time.Second)
	assert.ErrorIs(t, err, blterr.ErrProtocol)
	assert.ErrorIs(t, err, blterr.ErrChecksumMismatch)
}

func TestUART_ReceiveTimeout(t *testing.T) {
	port := &fakePort{}
	u := newUART(DefaultSerialConfig("fake"), logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	start := time.Now()
	_, err := u.Receive(30 * time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrTimeout)
	assert.ErrorIs(t, err, blterr.ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUART_SendDiscardsLateResponse(t *testing.T) {
	port := &fakePort{
		onWrite: func([]byte) []byte {
			return []byte{0x01, 0xFF}
		},
	}
	u := newUART(DefaultSerialConfig("fake"), logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	port.rx = []byte{0x02, 0xFE, 0x10}
	u.rx = []byte{0x04}

	require.NoError(t, u.Send([]byte{0xFD}))
	resp, err := u.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, resp)
	assert.Equal(t, 1, port.flushes)
}

func TestUART_NotOpen(t *testing.T) {
	u := newUART(DefaultSerialConfig("fake"), logger.Nop())

	assert.ErrorIs(t, u.Send([]byte{0xFF}), blterr.ErrTransport)
	_, err := u.Receive(time.Millisecond)
	assert.ErrorIs(t, err, blterr.ErrDisconnected)
	assert.NoError(t, u.Close())
}

func TestUART_PacketSizeLimits(t *testing.T) {
	port := &fakePort{}
	u := newUART(DefaultSerialConfig("fake"), logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	assert.ErrorIs(t, u.Send(nil), blterr.ErrRange)
	assert.ErrorIs(t, u.Send(make([]byte, 256)), blterr.ErrRange)
	assert.NoError(t, u.Send(make([]byte, 255)))
}

func TestUART_CloseIsIdempotent(t *testing.T) {
	port := &fakePort{}
	u := newUART(DefaultSerialConfig("fake"), logger.Nop())
	u.open = port.opener()
	require.NoError(t, u.Open())

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.True(t, port.closed)
}
