// Package checksum provides the CRC and byte checksum functions used by the
// transports and the host tooling.
package checksum

import (
	"github.com/sigurn/crc16"
	"github.com/snksoft/crc"
)

var (
	crc16Table  = crc16.MakeTable(crc16.CRC16_BUYPASS)
	modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)
	crc32Table  = crc.NewTable(&crc.Parameters{
		Width:      32,
		Polynomial: 0x04C11DB7,
		ReflectIn:  false,
		ReflectOut: false,
		Init:       0x00000000,
		FinalXor:   0x00000000,
	})
)

// CRC16 computes the 16-bit CRC (polynomial 0x8005, not reflected, zero init).
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crc16Table)
}

// CRC32 computes the 32-bit CRC (polynomial 0x04C11DB7, not reflected, zero init).
func CRC32(data []byte) uint32 {
	return uint32(crc32Table.CalculateCRC(data))
}

// CRC16Modbus computes the Modbus RTU frame CRC. On the wire the low byte goes first.
func CRC16Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// ByteSum returns the 8-bit sum of data.
func ByteSum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
