package transport

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/serial"
)

// SerialConfig configures the UART transport.
type SerialConfig struct {
	Port     string
	Baud     int
	Checksum framing.Checksum
}

// DefaultSerialConfig returns the UART settings of a stock bootloader on port.
func DefaultSerialConfig(port string) SerialConfig {
	return SerialConfig{Port: port, Baud: 57600}
}

func (SerialConfig) Name() string     { return "xcp_rs232" }
func (SerialConfig) transportConfig() {}

func (c SerialConfig) Validate() error {
	if c.Port == "" {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "empty port name")
	}
	if c.Baud <= 0 {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "invalid baud rate %d", c.Baud)
	}
	if c.Checksum != framing.ChecksumNone && c.Checksum != framing.ChecksumByte {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "invalid checksum type %v", c.Checksum)
	}
	return nil
}

// CAN identifier limits.
const (
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

var canBaudRates = []int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

// CANConfig configures the CAN transport. Device names the CAN interface; when it
// does not end in a digit, Channel is appended ("can" and 1 give "can1").
type CANConfig struct {
	Device  string
	Channel uint32
	Baud    int
	// BRSBaud is the CAN FD data phase bit rate. Zero selects classic CAN.
	BRSBaud  int
	TxID     uint32
	RxID     uint32
	Extended bool
}

// DefaultCANConfig returns the CAN settings of a stock bootloader.
func DefaultCANConfig(device string) CANConfig {
	return CANConfig{
		Device: device,
		Baud:   500000,
		TxID:   0x667,
		RxID:   0x7E1,
	}
}

func (CANConfig) Name() string     { return "xcp_can" }
func (CANConfig) transportConfig() {}

func (c CANConfig) Validate() error {
	if c.Device == "" {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "empty device name")
	}
	if !slices.Contains(canBaudRates, c.Baud) {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "unsupported baud rate %d", c.Baud)
	}
	if c.BRSBaud != 0 && c.BRSBaud < c.Baud {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "data phase bit rate %d below nominal %d", c.BRSBaud, c.Baud)
	}
	limit := uint32(maxStandardID)
	if c.Extended {
		limit = maxExtendedID
	}
	if c.TxID > limit || c.RxID > limit {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "identifier 0x%X/0x%X exceeds 0x%X", c.TxID, c.RxID, limit)
	}
	return nil
}

// FD reports whether CAN FD frames are used.
func (c CANConfig) FD() bool {
	return c.BRSBaud != 0
}

// Interface returns the name of the CAN network interface.
func (c CANConfig) Interface() string {
	last := c.Device[len(c.Device)-1]
	if last >= '0' && last <= '9' {
		return c.Device
	}
	return c.Device + strconv.FormatUint(uint64(c.Channel), 10)
}

// USBConfig configures the USB bulk transport. The device is found by its vendor and
// product ID, so there is nothing to set.
type USBConfig struct{}

func (USBConfig) Name() string     { return "xcp_usb" }
func (USBConfig) transportConfig() {}
func (USBConfig) Validate() error  { return nil }

// DefaultDialTimeout bounds the TCP connect when NetConfig.DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// NetConfig configures the TCP transport.
type NetConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

// DefaultNetConfig returns the TCP settings of a stock bootloader on host.
func DefaultNetConfig(host string) NetConfig {
	return NetConfig{Host: host, Port: 1000}
}

func (NetConfig) Name() string     { return "xcp_net" }
func (NetConfig) transportConfig() {}

func (c NetConfig) Validate() error {
	if c.Host == "" {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "empty host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "invalid port %d", c.Port)
	}
	if c.DialTimeout < 0 {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "negative dial timeout")
	}
	return nil
}

// Modbus RTU destination address limits.
const (
	minModbusAddress = 1
	maxModbusAddress = 247
)

var modbusBaudRates = []int{9600, 19200, 38400, 57600, 115200}

// ModbusRTUConfig configures the Modbus RTU transport.
type ModbusRTUConfig struct {
	Port        string
	Baud        int
	Parity      serial.Parity
	StopBits    serial.StopBits
	Destination uint8
}

// DefaultModbusRTUConfig returns the Modbus RTU settings of a stock bootloader on port.
func DefaultModbusRTUConfig(port string) ModbusRTUConfig {
	return ModbusRTUConfig{
		Port:        port,
		Baud:        57600,
		Parity:      serial.EvenParity,
		StopBits:    serial.OneStopBit,
		Destination: 1,
	}
}

func (ModbusRTUConfig) Name() string     { return "xcp_mbrtu" }
func (ModbusRTUConfig) transportConfig() {}

func (c ModbusRTUConfig) Validate() error {
	if c.Port == "" {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "empty port name")
	}
	if !slices.Contains(modbusBaudRates, c.Baud) {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "unsupported baud rate %d", c.Baud)
	}
	switch c.Parity {
	case serial.NoParity, serial.OddParity, serial.EvenParity:
	default:
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "invalid parity %v", c.Parity)
	}
	if c.StopBits != serial.OneStopBit && c.StopBits != serial.TwoStopBits {
		return blterr.Errorf(blterr.ErrConfig, c.Name(), "invalid stop bits %d", c.StopBits)
	}
	if c.Destination < minModbusAddress || c.Destination > maxModbusAddress {
		return blterr.New(blterr.ErrConfig, c.Name(), fmt.Errorf("destination address %d outside %d..%d",
			c.Destination, minModbusAddress, maxModbusAddress))
	}
	return nil
}
