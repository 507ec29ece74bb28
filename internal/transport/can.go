package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/feaser/openblt/internal/blterr"
)

// SocketCAN frame layout (struct can_frame and struct canfd_frame).
const (
	canFrameSize   = 16
	canFDFrameSize = 72
	canDataOffset  = 8

	canMaxDataLen   = 8
	canFDMaxDataLen = 64

	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canSFFMask = 0x000007FF
	canEFFMask = 0x1FFFFFFF

	canFDBitRateSwitch = 0x01
)

// canFDLengths are the payload sizes a CAN FD data length code can express.
var canFDLengths = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// canFDPadLen rounds n up to the next length a CAN FD frame can carry.
func canFDPadLen(n int) int {
	for _, l := range canFDLengths {
		if l >= n {
			return l
		}
	}
	return canFDMaxDataLen
}

// canPadByte fills the unused tail of padded CAN FD frames.
const canPadByte = 0x55

// encodeCANFrame builds a SocketCAN frame. fd selects the CAN FD layout with bit rate
// switching; the payload is then padded to a valid CAN FD length.
func encodeCANFrame(id uint32, extended, fd bool, data []byte) []byte {
	size, n := canFrameSize, len(data)
	if fd {
		size, n = canFDFrameSize, canFDPadLen(len(data))
	}

	frame := make([]byte, size)
	if extended {
		id = id&canEFFMask | canEFFFlag
	} else {
		id &= canSFFMask
	}
	binary.NativeEndian.PutUint32(frame, id)
	frame[4] = byte(n)
	if fd {
		frame[5] = canFDBitRateSwitch
	}
	copy(frame[canDataOffset:], data)
	for i := canDataOffset + len(data); i < canDataOffset+n; i++ {
		frame[i] = canPadByte
	}
	return frame
}

// decodeCANFrame parses a SocketCAN frame read from a raw socket.
func decodeCANFrame(frame []byte) (id uint32, extended bool, data []byte, err error) {
	if len(frame) != canFrameSize && len(frame) != canFDFrameSize {
		return 0, false, nil, blterr.Errorf(blterr.ErrProtocol, "xcp_can", "frame of %d bytes: %w", len(frame), blterr.ErrMalformed)
	}

	raw := binary.NativeEndian.Uint32(frame)
	if raw&(canRTRFlag|canERRFlag) != 0 {
		return 0, false, nil, blterr.Errorf(blterr.ErrProtocol, "xcp_can", "remote or error frame 0x%08X: %w", raw, blterr.ErrMalformed)
	}

	limit := canMaxDataLen
	if len(frame) == canFDFrameSize {
		limit = canFDMaxDataLen
	}
	n := int(frame[4])
	if n > limit {
		return 0, false, nil, blterr.New(blterr.ErrProtocol, "xcp_can", fmt.Errorf("length %d exceeds %d: %w", n, limit, blterr.ErrMalformed))
	}

	extended = raw&canEFFFlag != 0
	if extended {
		id = raw & canEFFMask
	} else {
		id = raw & canSFFMask
	}
	return id, extended, append([]byte(nil), frame[canDataOffset:canDataOffset+n]...), nil
}

// canFilter returns the acceptance id and mask matching only rxID data frames.
func canFilter(rxID uint32, extended bool) (id, mask uint32) {
	if extended {
		return rxID&canEFFMask | canEFFFlag, canEFFMask | canEFFFlag | canRTRFlag
	}
	return rxID & canSFFMask, canSFFMask | canEFFFlag | canRTRFlag
}

func canMaxPacketSize(cfg CANConfig) int {
	if cfg.FD() {
		return canFDMaxDataLen
	}
	return canMaxDataLen
}
