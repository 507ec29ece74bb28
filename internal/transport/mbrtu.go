package transport

import (
	"fmt"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/checksum"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/serial"
)

// Modbus RTU framing of XCP packets: destination address, user defined function code
// 109, packet length, packet, CRC16 low byte first.
const (
	modbusFuncXCP       = 109
	modbusHeaderLen     = 3
	modbusCRCLen        = 2
	modbusMaxADU        = 256
	modbusMaxPacketSize = modbusMaxADU - modbusHeaderLen - modbusCRCLen
	modbusIdleLimit     = 500 * time.Millisecond
)

// interFrameDelay returns the t3.5 silence that separates RTU frames. Above 19200
// baud the character time based value is replaced by a fixed delay.
func interFrameDelay(baud int) time.Duration {
	if baud <= 19200 {
		return time.Duration((38500+baud-1)/baud+1) * time.Millisecond
	}
	return 3 * time.Millisecond
}

// encodeModbusFrame wraps packet in an RTU frame addressed to dest.
func encodeModbusFrame(dest uint8, packet []byte) []byte {
	frame := make([]byte, 0, modbusHeaderLen+len(packet)+modbusCRCLen)
	frame = append(frame, dest, modbusFuncXCP, byte(len(packet)))
	frame = append(frame, packet...)
	crc := checksum.CRC16Modbus(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// checkModbusHeader validates the first three bytes of a response from dest.
func checkModbusHeader(dest uint8, header []byte) error {
	if header[0] != dest || header[1] != modbusFuncXCP || header[2] == 0 {
		return blterr.Errorf(blterr.ErrProtocol, "xcp_mbrtu", "unexpected header % X: %w", header, blterr.ErrMalformed)
	}
	return nil
}

type modbusRTU struct {
	cfg          ModbusRTUConfig
	log          logger.Logger
	open         portOpener
	port         streamPort
	t35          time.Duration
	lastActivity time.Time
}

func newModbusRTU(cfg ModbusRTUConfig, log logger.Logger) *modbusRTU {
	return &modbusRTU{
		cfg:  cfg,
		log:  log,
		open: openSerialPort,
		t35:  interFrameDelay(cfg.Baud),
	}
}

func (m *modbusRTU) Open() error {
	if m.port != nil {
		return nil
	}
	port, err := m.open(m.cfg.Port, serial.Config{Baud: m.cfg.Baud, Parity: m.cfg.Parity, StopBits: m.cfg.StopBits})
	if err != nil {
		return err
	}
	m.port = port
	m.waitIdle()
	m.log.Info("port opened", "port", m.cfg.Port, "baud", m.cfg.Baud, "parity", m.cfg.Parity,
		"stop_bits", int(m.cfg.StopBits), "destination", m.cfg.Destination, "t3.5", m.t35)
	return nil
}

// waitIdle consumes bus traffic until the line has been silent for t3.5, giving up
// after modbusIdleLimit.
func (m *modbusRTU) waitIdle() {
	buf := make([]byte, modbusMaxADU)
	limit := time.Now().Add(modbusIdleLimit)
	for time.Now().Before(limit) {
		n, err := m.port.ReadWithTimeout(buf, m.t35)
		if err != nil || n == 0 {
			break
		}
	}
	m.lastActivity = time.Now()
}

func (m *modbusRTU) Send(packet []byte) error {
	if m.port == nil {
		return notOpenError(m.cfg.Name())
	}
	if err := checkPacket(m.cfg.Name(), packet, modbusMaxPacketSize); err != nil {
		return err
	}

	if gap := time.Until(m.lastActivity.Add(m.t35)); gap > 0 {
		time.Sleep(gap)
	}
	if err := m.port.Flush(); err != nil {
		m.log.Debug("flush failed", "error", err)
	}

	_, err := m.port.Write(encodeModbusFrame(m.cfg.Destination, packet))
	m.lastActivity = time.Now()
	return err
}

func (m *modbusRTU) Receive(timeout time.Duration) ([]byte, error) {
	if m.port == nil {
		return nil, notOpenError(m.cfg.Name())
	}
	deadline := time.Now().Add(timeout)

	header := make([]byte, modbusHeaderLen)
	if err := m.readFull(header, deadline, timeout); err != nil {
		return nil, err
	}
	if err := checkModbusHeader(m.cfg.Destination, header); err != nil {
		return nil, err
	}

	rest := make([]byte, int(header[2])+modbusCRCLen)
	if err := m.readFull(rest, deadline, timeout); err != nil {
		return nil, err
	}

	frame := append(header, rest...)
	body := frame[:len(frame)-modbusCRCLen]
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if want := checksum.CRC16Modbus(body); got != want {
		return nil, blterr.New(blterr.ErrProtocol, m.cfg.Name(),
			fmt.Errorf("crc 0x%04X, want 0x%04X: %w", got, want, blterr.ErrChecksumMismatch))
	}
	return body[modbusHeaderLen:], nil
}

func (m *modbusRTU) readFull(buf []byte, deadline time.Time, timeout time.Duration) error {
	for off := 0; off < len(buf); {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutError(m.cfg.Name(), timeout)
		}
		n, err := m.port.ReadWithTimeout(buf[off:], remaining)
		if err != nil {
			return err
		}
		off += n
		if n > 0 {
			m.lastActivity = time.Now()
		}
	}
	return nil
}

func (m *modbusRTU) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	if err != nil {
		return blterr.New(blterr.ErrTransport, m.cfg.Name(), fmt.Errorf("close: %w", err))
	}
	return nil
}

func (m *modbusRTU) MaxPacketSize() int {
	return modbusMaxPacketSize
}
