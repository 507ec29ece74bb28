package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/framing"
	"github.com/feaser/openblt/internal/serial"
)

func TestConfig_Validate(t *testing.T) {
	modbus := func(mod func(*ModbusRTUConfig)) ModbusRTUConfig {
		c := DefaultModbusRTUConfig("/dev/ttyS0")
		mod(&c)
		return c
	}
	can := func(mod func(*CANConfig)) CANConfig {
		c := DefaultCANConfig("can0")
		mod(&c)
		return c
	}

	tests := []struct {
		name  string
		cfg   Config
		valid bool
	}{
		{"serial default", DefaultSerialConfig("COM3"), true},
		{"serial empty port", SerialConfig{Baud: 57600}, false},
		{"serial zero baud", SerialConfig{Port: "COM3"}, false},
		{"serial bad checksum", SerialConfig{Port: "COM3", Baud: 9600, Checksum: framing.Checksum(7)}, false},

		{"can default", DefaultCANConfig("can0"), true},
		{"can empty device", can(func(c *CANConfig) { c.Device = "" }), false},
		{"can odd baud", can(func(c *CANConfig) { c.Baud = 123456 }), false},
		{"can fd", can(func(c *CANConfig) { c.BRSBaud = 2000000 }), true},
		{"can fd below nominal", can(func(c *CANConfig) { c.BRSBaud = 250000 }), false},
		{"can standard id too large", can(func(c *CANConfig) { c.TxID = 0x800 }), false},
		{"can extended id", can(func(c *CANConfig) { c.TxID, c.Extended = 0x18DA00F1, true }), true},
		{"can extended id too large", can(func(c *CANConfig) { c.RxID, c.Extended = 0x20000000, true }), false},

		{"usb", USBConfig{}, true},

		{"net default", DefaultNetConfig("localhost"), true},
		{"net empty host", NetConfig{Port: 1000}, false},
		{"net port zero", NetConfig{Host: "localhost"}, false},
		{"net port too large", NetConfig{Host: "localhost", Port: 70000}, false},
		{"net negative dial timeout", NetConfig{Host: "localhost", Port: 1000, DialTimeout: -time.Second}, false},

		{"modbus default", DefaultModbusRTUConfig("/dev/ttyS0"), true},
		{"modbus empty port", modbus(func(c *ModbusRTUConfig) { c.Port = "" }), false},
		{"modbus baud", modbus(func(c *ModbusRTUConfig) { c.Baud = 4800 }), false},
		{"modbus 115200", modbus(func(c *ModbusRTUConfig) { c.Baud = 115200 }), true},
		{"modbus parity", modbus(func(c *ModbusRTUConfig) { c.Parity = serial.Parity(3) }), false},
		{"modbus no parity two stop bits", modbus(func(c *ModbusRTUConfig) {
			c.Parity, c.StopBits = serial.NoParity, serial.TwoStopBits
		}), true},
		{"modbus stop bits", modbus(func(c *ModbusRTUConfig) { c.StopBits = 3 }), false},
		{"modbus destination zero", modbus(func(c *ModbusRTUConfig) { c.Destination = 0 }), false},
		{"modbus destination 247", modbus(func(c *ModbusRTUConfig) { c.Destination = 247 }), true},
		{"modbus destination 248", modbus(func(c *ModbusRTUConfig) { c.Destination = 248 }), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, blterr.ErrConfig)
		})
	}
}

func TestCANConfig_Interface(t *testing.T) {
	assert.Equal(t, "can0", CANConfig{Device: "can0", Channel: 3}.Interface())
	assert.Equal(t, "can1", CANConfig{Device: "can", Channel: 1}.Interface())
	assert.Equal(t, "vcan0", CANConfig{Device: "vcan"}.Interface())
}

func TestConfig_Defaults(t *testing.T) {
	c := DefaultCANConfig("can0")
	assert.Equal(t, uint32(0x667), c.TxID)
	assert.Equal(t, uint32(0x7E1), c.RxID)
	assert.Equal(t, 500000, c.Baud)
	assert.False(t, c.Extended)
	assert.False(t, c.FD())

	m := DefaultModbusRTUConfig("/dev/ttyS0")
	assert.Equal(t, serial.EvenParity, m.Parity)
	assert.Equal(t, serial.OneStopBit, m.StopBits)
	assert.Equal(t, uint8(1), m.Destination)
}
