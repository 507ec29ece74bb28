// Package srec reads and writes Motorola S-record firmware files.
//
// S1, S2 and S3 data records are supported. Header (S0), count (S5, S6) and
// termination (S7, S8, S9) records are checked and skipped on parse.
package srec

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/firmware"
)

// Extensions handled by the S-record codec.
var Extensions = []string{".srec", ".s19", ".s28", ".s37", ".mot", ".sx"}

func init() {
	firmware.RegisterCodec(New(), Extensions...)
}

// maxCount is the largest value of the byte count field.
const maxCount = 0xFF

// Codec is the S-record firmware codec.
type Codec struct {
	dataPerLine int
}

// Option configures a Codec.
type Option func(*Codec)

// WithDataPerLine limits the number of data bytes written per record. Values that do
// not fit the record format are capped.
func WithDataPerLine(n int) Option {
	return func(c *Codec) {
		c.dataPerLine = n
	}
}

// New creates an S-record codec. By default records carry as many data bytes as the
// byte count field allows, which gives the fewest records.
func New(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Name() string {
	return "srec"
}

// addrLen returns the address field width for a record type, or 0 when the type
// does not exist.
func addrLen(recType byte) int {
	switch recType {
	case '0', '1', '5', '9':
		return 2
	case '2', '6', '8':
		return 3
	case '3', '7':
		return 4
	default:
		return 0
	}
}

// Parse decodes S-record text. Consecutive data records are joined into one segment.
func (c *Codec) Parse(r io.Reader) ([]firmware.Segment, error) {
	var segments []firmware.Segment

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		address, data, isData, err := parseRecord(line)
		if err != nil {
			return nil, blterr.Errorf(blterr.ErrFormat, "srec", "line %d: %w", lineNum, err)
		}
		if !isData || len(data) == 0 {
			continue
		}

		if n := len(segments); n > 0 && segments[n-1].End() == uint64(address) {
			segments[n-1].Data = append(segments[n-1].Data, data...)
			continue
		}
		segments = append(segments, firmware.Segment{Address: address, Data: data})
	}

	if err := scanner.Err(); err != nil {
		return nil, blterr.New(blterr.ErrFormat, "srec", fmt.Errorf("read: %w", err))
	}

	return segments, nil
}

// parseRecord decodes one line. isData reports an S1, S2 or S3 record.
func parseRecord(line string) (address uint32, data []byte, isData bool, err error) {
	if len(line) < 4 || (line[0] != 'S' && line[0] != 's') {
		return 0, nil, false, fmt.Errorf("missing record marker: %w", blterr.ErrMalformedRecord)
	}

	recType := line[1]
	if recType < '0' || recType > '9' {
		return 0, nil, false, fmt.Errorf("record type %q: %w", recType, blterr.ErrMalformedRecord)
	}
	alen := addrLen(recType)
	if alen == 0 {
		return 0, nil, false, fmt.Errorf("S%c: %w", recType, blterr.ErrUnsupportedRecordType)
	}

	raw, err := hex.DecodeString(line[2:])
	if err != nil {
		return 0, nil, false, fmt.Errorf("invalid hex: %w", blterr.ErrMalformedRecord)
	}

	count := int(raw[0])
	if count != len(raw)-1 {
		return 0, nil, false, fmt.Errorf("byte count %d, have %d: %w", count, len(raw)-1, blterr.ErrMalformedRecord)
	}
	if count < alen+1 {
		return 0, nil, false, fmt.Errorf("byte count %d too small for S%c: %w", count, recType, blterr.ErrMalformedRecord)
	}

	body := raw[:len(raw)-1]
	if sum := checksum(body); sum != raw[len(raw)-1] {
		return 0, nil, false, fmt.Errorf("checksum 0x%02X, expected 0x%02X: %w", raw[len(raw)-1], sum, blterr.ErrChecksumMismatch)
	}

	for _, b := range raw[1 : 1+alen] {
		address = address<<8 | uint32(b)
	}

	switch recType {
	case '1', '2', '3':
		return address, append([]byte(nil), raw[1+alen:len(raw)-1]...), true, nil
	default:
		return address, nil, false, nil
	}
}

// checksum returns the ones' complement of the low byte of the sum of b.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum
}

// Serialize writes segments as S-records. The data record type is the smallest one
// whose address field fits the highest address.
func (c *Codec) Serialize(w io.Writer, segments []firmware.Segment) error {
	var top uint64
	for _, seg := range segments {
		top = max(top, seg.End())
	}

	dataType, termType := byte('1'), byte('9')
	switch {
	case top > 0x1000000:
		dataType, termType = '3', '7'
	case top > 0x10000:
		dataType, termType = '2', '8'
	}

	alen := addrLen(dataType)
	perLine := maxCount - alen - 1
	if c.dataPerLine > 0 && c.dataPerLine < perLine {
		perLine = c.dataPerLine
	}

	bw := bufio.NewWriter(w)
	if err := writeRecord(bw, '0', 0, nil); err != nil {
		return err
	}
	for _, seg := range segments {
		for off := 0; off < len(seg.Data); off += perLine {
			end := min(off+perLine, len(seg.Data))
			if err := writeRecord(bw, dataType, seg.Address+uint32(off), seg.Data[off:end]); err != nil {
				return err
			}
		}
	}
	if err := writeRecord(bw, termType, 0, nil); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return blterr.New(blterr.ErrFormat, "srec", fmt.Errorf("write: %w", err))
	}
	return nil
}

func writeRecord(w *bufio.Writer, recType byte, address uint32, data []byte) error {
	alen := addrLen(recType)
	rec := make([]byte, 0, 1+alen+len(data)+1)
	rec = append(rec, byte(alen+len(data)+1))
	for i := alen - 1; i >= 0; i-- {
		rec = append(rec, byte(address>>(8*i)))
	}
	rec = append(rec, data...)
	rec = append(rec, checksum(rec))

	if _, err := fmt.Fprintf(w, "S%c%s\n", recType, strings.ToUpper(hex.EncodeToString(rec))); err != nil {
		return blterr.New(blterr.ErrFormat, "srec", fmt.Errorf("write: %w", err))
	}
	return nil
}
