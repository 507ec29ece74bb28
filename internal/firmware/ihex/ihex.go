// Package ihex reads and writes Intel HEX firmware files.
package ihex

import (
	"fmt"
	"io"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/firmware"
)

// Extensions handled by the Intel HEX codec.
var Extensions = []string{".hex", ".ihex", ".ihx"}

func init() {
	firmware.RegisterCodec(New(), Extensions...)
}

// DefaultLineLength is the number of data bytes written per record.
const DefaultLineLength = 32

// Codec is the Intel HEX firmware codec.
type Codec struct{}

// New creates an Intel HEX codec.
func New() *Codec {
	return &Codec{}
}

func (c *Codec) Name() string {
	return "ihex"
}

// Parse decodes Intel HEX text.
func (c *Codec) Parse(r io.Reader) ([]firmware.Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, parseError(err)
	}

	var segments []firmware.Segment
	for _, seg := range mem.GetDataSegments() {
		if len(seg.Data) == 0 {
			continue
		}
		segments = append(segments, firmware.Segment{
			Address: seg.Address,
			Data:    append([]byte(nil), seg.Data...),
		})
	}
	return segments, nil
}

// parseError maps a gohex error onto the format error details. gohex does not export
// its error kinds, only the message prefix tells them apart.
func parseError(err error) error {
	detail := blterr.ErrMalformedRecord
	if strings.HasPrefix(err.Error(), "checksum error") {
		detail = blterr.ErrChecksumMismatch
	}
	return blterr.Errorf(blterr.ErrFormat, "ihex", "%v: %w", err, detail)
}

// Serialize writes segments as Intel HEX records.
func (c *Codec) Serialize(w io.Writer, segments []firmware.Segment) error {
	mem := gohex.NewMemory()
	for _, seg := range segments {
		if err := mem.AddBinary(seg.Address, seg.Data); err != nil {
			return blterr.New(blterr.ErrFormat, "ihex", fmt.Errorf("segment 0x%08X: %w", seg.Address, err))
		}
	}
	if err := mem.DumpIntelHex(w, DefaultLineLength); err != nil {
		return blterr.New(blterr.ErrFormat, "ihex", fmt.Errorf("write: %w", err))
	}
	return nil
}
