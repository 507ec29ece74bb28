// Package firmware holds firmware image data in memory as a sorted set of segments.
//
// Segments never overlap and are never adjacent: writing data that touches or overlaps
// existing segments merges everything into one segment, and removing a range trims or
// splits the segments it intersects. File import and export go through a Codec.
package firmware

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/feaser/openblt/internal/blterr"
)

// addressSpace is the size of the 32-bit target address space.
const addressSpace = uint64(1) << 32

// Segment is a contiguous run of firmware bytes at a base address.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the address one past the last byte of the segment.
func (s Segment) End() uint64 {
	return uint64(s.Address) + uint64(len(s.Data))
}

// Store is an in-memory firmware image. It has no internal locking; the owner must
// not mutate it while a session streams from or into it.
type Store struct {
	segments []Segment
	codec    Codec
}

// NewStore creates an empty store. codec is used by Load and Save; when nil the codec
// is picked from the file extension.
func NewStore(codec Codec) *Store {
	return &Store{codec: codec}
}

// Add writes data at address. Bytes already present in the range are overwritten and
// the result is merged with every segment it overlaps or touches.
func (s *Store) Add(address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := uint64(address) + uint64(len(data))
	if end > addressSpace {
		return blterr.Errorf(blterr.ErrRange, "add", "%d bytes at 0x%08X exceed the address space", len(data), address)
	}

	// [i, j) are the segments that overlap or touch [address, end).
	i := sort.Search(len(s.segments), func(k int) bool {
		return s.segments[k].End() >= uint64(address)
	})
	j := sort.Search(len(s.segments), func(k int) bool {
		return uint64(s.segments[k].Address) > end
	})

	start := uint64(address)
	stop := end
	if i < j {
		start = min(start, uint64(s.segments[i].Address))
		stop = max(stop, s.segments[j-1].End())
	}

	merged := make([]byte, stop-start)
	for _, seg := range s.segments[i:j] {
		copy(merged[uint64(seg.Address)-start:], seg.Data)
	}
	copy(merged[uint64(address)-start:], data)

	s.splice(i, j, Segment{Address: uint32(start), Data: merged})
	return nil
}

// Remove deletes length bytes starting at address. Segments fully inside the range are
// dropped and segments partially inside it are shortened or split in two.
func (s *Store) Remove(address uint32, length uint32) error {
	if length == 0 {
		return nil
	}
	end := uint64(address) + uint64(length)
	if end > addressSpace {
		return blterr.Errorf(blterr.ErrRange, "remove", "%d bytes at 0x%08X exceed the address space", length, address)
	}

	i := sort.Search(len(s.segments), func(k int) bool {
		return s.segments[k].End() > uint64(address)
	})
	j := sort.Search(len(s.segments), func(k int) bool {
		return uint64(s.segments[k].Address) >= end
	})
	if i >= j {
		return nil
	}

	var keep []Segment
	first, last := s.segments[i], s.segments[j-1]
	if first.Address < address {
		keep = append(keep, Segment{
			Address: first.Address,
			Data:    bytes.Clone(first.Data[:address-first.Address]),
		})
	}
	if last.End() > end {
		keep = append(keep, Segment{
			Address: uint32(end),
			Data:    bytes.Clone(last.Data[end-uint64(last.Address):]),
		})
	}

	s.splice(i, j, keep...)
	return nil
}

// splice replaces segments [i, j) with repl.
func (s *Store) splice(i, j int, repl ...Segment) {
	tail := append([]Segment(nil), s.segments[j:]...)
	s.segments = append(append(s.segments[:i], repl...), tail...)
}

// Clear removes all segments.
func (s *Store) Clear() {
	s.segments = nil
}

// SegmentCount returns the number of segments.
func (s *Store) SegmentCount() int {
	return len(s.segments)
}

// Segment returns the segment at index. The returned data is a view into the store
// and must not be modified.
func (s *Store) Segment(index int) (Segment, error) {
	if index < 0 || index >= len(s.segments) {
		return Segment{}, blterr.Errorf(blterr.ErrRange, "segment", "index %d of %d: %w",
			index, len(s.segments), blterr.ErrIndexOutOfRange)
	}
	return s.segments[index], nil
}

// Segments returns all segments in address order.
func (s *Store) Segments() []Segment {
	return append([]Segment(nil), s.segments...)
}

// Size returns the total number of data bytes.
func (s *Store) Size() int {
	total := 0
	for _, seg := range s.segments {
		total += len(seg.Data)
	}
	return total
}

// Base returns the address of the first segment, or 0 when empty.
func (s *Store) Base() uint32 {
	if len(s.segments) == 0 {
		return 0
	}
	return s.segments[0].Address
}

// Find returns a copy of length bytes at address if they lie inside one segment.
func (s *Store) Find(address uint32, length uint32) ([]byte, bool) {
	end := uint64(address) + uint64(length)
	i := sort.Search(len(s.segments), func(k int) bool {
		return s.segments[k].End() > uint64(address)
	})
	if i == len(s.segments) {
		return nil, false
	}
	seg := s.segments[i]
	if seg.Address > address || seg.End() < end {
		return nil, false
	}
	off := address - seg.Address
	return bytes.Clone(seg.Data[off : off+length]), true
}

// Load parses the firmware file at path and adds its data to the store, shifting every
// address by offset. On error the store is left unchanged.
func (s *Store) Load(path string, offset uint32) error {
	codec, err := s.codecFor(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return blterr.New(blterr.ErrFormat, "load", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	segments, err := codec.Parse(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	// Segments never share data arrays, so a shallow copy is enough.
	next := &Store{segments: append([]Segment(nil), s.segments...)}
	for _, seg := range segments {
		addr := uint64(seg.Address) + uint64(offset)
		if addr >= addressSpace {
			return blterr.Errorf(blterr.ErrRange, "load", "offset 0x%08X moves 0x%08X out of the address space", offset, seg.Address)
		}
		if err := next.Add(uint32(addr), seg.Data); err != nil {
			return err
		}
	}
	s.segments = next.segments
	return nil
}

// Save writes the store contents to path.
func (s *Store) Save(path string) error {
	codec, err := s.codecFor(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return blterr.New(blterr.ErrFormat, "save", fmt.Errorf("create %s: %w", path, err))
	}

	if err := codec.Serialize(f, s.segments); err != nil {
		f.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	return f.Close()
}

func (s *Store) codecFor(path string) (Codec, error) {
	if s.codec != nil {
		return s.codec, nil
	}
	return CodecFor(path)
}
