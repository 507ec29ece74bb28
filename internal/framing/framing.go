// Package framing implements the length-prefixed packet framing used on byte stream
// links (UART and USB bulk). A frame is the packet length, the packet and, when
// enabled, a byte checksum over the packet.
package framing

import (
	"fmt"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/checksum"
)

// Checksum selects the frame trailer.
type Checksum int

const (
	ChecksumNone Checksum = iota
	ChecksumByte
)

// MaxPacketSize is the largest packet a single length byte can describe.
const MaxPacketSize = 255

func (c Checksum) String() string {
	switch c {
	case ChecksumNone:
		return "none"
	case ChecksumByte:
		return "byte"
	default:
		return fmt.Sprintf("Checksum(%d)", int(c))
	}
}

func (c Checksum) trailerLen() int {
	if c == ChecksumByte {
		return 1
	}
	return 0
}

// Encode wraps packet in a frame.
func Encode(packet []byte, cs Checksum) []byte {
	frame := make([]byte, 0, 1+len(packet)+cs.trailerLen())
	frame = append(frame, byte(len(packet)))
	frame = append(frame, packet...)
	if cs == ChecksumByte {
		frame = append(frame, checksum.ByteSum(packet))
	}
	return frame
}

// ReadFrame extracts the first frame from buffered stream data.
// It returns the packet and the bytes following the frame. When the frame is not
// complete yet, packet is nil and remaining is data. A zero length byte or a bad
// checksum returns an error; remaining then skips the offending bytes.
func ReadFrame(data []byte, cs Checksum) (packet []byte, remaining []byte, err error) {
	if len(data) == 0 {
		return nil, data, nil
	}

	n := int(data[0])
	if n == 0 {
		return nil, data[1:], blterr.Errorf(blterr.ErrProtocol, "frame", "zero length: %w", blterr.ErrMalformed)
	}

	total := 1 + n + cs.trailerLen()
	if len(data) < total {
		return nil, data, nil
	}

	packet = data[1 : 1+n]
	if cs == ChecksumByte {
		if got, want := data[1+n], checksum.ByteSum(packet); got != want {
			return nil, data[total:], blterr.Errorf(blterr.ErrProtocol, "frame",
				"checksum 0x%02X, want 0x%02X: %w", got, want, blterr.ErrChecksumMismatch)
		}
	}

	return append([]byte(nil), packet...), data[total:], nil
}
