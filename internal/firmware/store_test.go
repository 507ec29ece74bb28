package firmware

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feaser/openblt/internal/blterr"
)

func segmentsOf(s *Store) []Segment {
	return s.Segments()
}

// fixedCodec parses every file into the same segments.
type fixedCodec []Segment

func (fixedCodec) Name() string { return "fixed" }

func (c fixedCodec) Parse(io.Reader) ([]Segment, error) {
	return c, nil
}

func (fixedCodec) Serialize(io.Writer, []Segment) error { return nil }

func TestStore_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := NewStore(fixedCodec{{Address: 0x100, Data: []byte{1, 2}}, {Address: 0x102, Data: []byte{3}}})
	require.NoError(t, s.Load(path, 0x08000000))
	assert.Equal(t, []Segment{{Address: 0x08000100, Data: []byte{1, 2, 3}}}, segmentsOf(s))
}

func TestStore_FailedLoadLeavesStoreUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	// The offset moves the second segment past the top of the address space.
	s := NewStore(fixedCodec{{Address: 0x10, Data: []byte{0xAA}}, {Address: 0x20000000, Data: []byte{0xBB}}})
	require.NoError(t, s.Add(0x10, []byte{0x55, 0x66}))
	before := segmentsOf(s)

	err := s.Load(path, 0xF0000000)
	assert.ErrorIs(t, err, blterr.ErrRange)
	assert.Equal(t, before, segmentsOf(s))
	assert.Equal(t, []Segment{{Address: 0x10, Data: []byte{0x55, 0x66}}}, segmentsOf(s))
}

func TestStore_AddOverlappingOverwrites(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x1000, []byte{0xAA, 0xBB}))
	require.NoError(t, s.Add(0x1001, []byte{0xCC}))

	assert.Equal(t, []Segment{{Address: 0x1000, Data: []byte{0xAA, 0xCC}}}, segmentsOf(s))
}

func TestStore_RemoveSplits(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x2000, []byte{1, 2, 3, 4}))
	require.NoError(t, s.Remove(0x2001, 2))

	assert.Equal(t, []Segment{
		{Address: 0x2000, Data: []byte{1}},
		{Address: 0x2003, Data: []byte{4}},
	}, segmentsOf(s))
}

func TestStore_AddThenRemoveIsEmpty(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x8000, []byte{1, 2, 3}))
	require.NoError(t, s.Remove(0x8000, 3))

	assert.Zero(t, s.SegmentCount())
}

func TestStore_AddMergesAdjacent(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, []byte{1, 2}))
	require.NoError(t, s.Add(0x104, []byte{5, 6}))
	assert.Equal(t, 2, s.SegmentCount())

	require.NoError(t, s.Add(0x102, []byte{3, 4}))
	assert.Equal(t, []Segment{{Address: 0x100, Data: []byte{1, 2, 3, 4, 5, 6}}}, segmentsOf(s))
}

func TestStore_AddSpanningSeveralSegments(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x10, []byte{1}))
	require.NoError(t, s.Add(0x20, []byte{2}))
	require.NoError(t, s.Add(0x30, []byte{3, 3}))
	require.NoError(t, s.Add(0x40, []byte{4}))

	data := make([]byte, 0x20)
	for i := range data {
		data[i] = 0xEE
	}
	require.NoError(t, s.Add(0x18, data))

	segs := segmentsOf(s)
	require.Len(t, segs, 3)
	assert.Equal(t, uint32(0x10), segs[0].Address)
	assert.Equal(t, uint32(0x18), segs[1].Address)
	assert.Len(t, segs[1].Data, 0x20)
	assert.Equal(t, uint32(0x40), segs[2].Address)
}

func TestStore_AddBeforeFirstAndAfterLast(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x200, []byte{2}))
	require.NoError(t, s.Add(0x100, []byte{1}))
	require.NoError(t, s.Add(0x300, []byte{3}))

	segs := segmentsOf(s)
	require.Len(t, segs, 3)
	assert.Equal(t, []uint32{0x100, 0x200, 0x300}, []uint32{segs[0].Address, segs[1].Address, segs[2].Address})
}

func TestStore_AddEmptyIsNoop(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, nil))
	assert.Zero(t, s.SegmentCount())
}

func TestStore_AddAtTopOfAddressSpace(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0xFFFFFFFE, []byte{1, 2}))

	err := s.Add(0xFFFFFFFF, []byte{1, 2})
	assert.ErrorIs(t, err, blterr.ErrRange)
}

func TestStore_RemoveCoversManySegments(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x00, []byte{0, 1, 2, 3}))
	require.NoError(t, s.Add(0x10, []byte{1}))
	require.NoError(t, s.Add(0x20, []byte{2}))
	require.NoError(t, s.Add(0x30, []byte{3, 4, 5}))

	require.NoError(t, s.Remove(0x02, 0x30))
	assert.Equal(t, []Segment{
		{Address: 0x00, Data: []byte{0, 1}},
		{Address: 0x32, Data: []byte{5}},
	}, segmentsOf(s))
}

func TestStore_RemoveOutsideData(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, []byte{1, 2}))
	require.NoError(t, s.Remove(0x200, 0x10))
	require.NoError(t, s.Remove(0x102, 0x10))
	require.NoError(t, s.Remove(0x0, 0x100))

	assert.Equal(t, []Segment{{Address: 0x100, Data: []byte{1, 2}}}, segmentsOf(s))
}

func TestStore_SegmentIndexOutOfRange(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, []byte{1}))

	seg, err := s.Segment(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), seg.Address)

	for _, idx := range []int{-1, 1, 5} {
		_, err := s.Segment(idx)
		assert.ErrorIs(t, err, blterr.ErrRange)
		assert.ErrorIs(t, err, blterr.ErrIndexOutOfRange)
	}
}

func TestStore_ClearTwice(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, []byte{1}))
	s.Clear()
	s.Clear()
	assert.Zero(t, s.SegmentCount())
	assert.Zero(t, s.Size())
	assert.Zero(t, s.Base())
}

func TestStore_Statistics(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x800, []byte{1, 2, 3}))
	require.NoError(t, s.Add(0x400, []byte{4}))

	assert.Equal(t, 4, s.Size())
	assert.Equal(t, uint32(0x400), s.Base())
}

func TestStore_Find(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Add(0x100, []byte{1, 2, 3, 4}))
	require.NoError(t, s.Add(0x200, []byte{9}))

	got, ok := s.Find(0x101, 2)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 3}, got)

	got[0] = 0xFF
	again, _ := s.Find(0x101, 1)
	assert.Equal(t, []byte{2}, again)

	_, ok = s.Find(0x102, 4)
	assert.False(t, ok)
	_, ok = s.Find(0x180, 1)
	assert.False(t, ok)
	_, ok = s.Find(0x300, 1)
	assert.False(t, ok)
}

// TestStore_RandomOperations checks the store against a byte map for random
// sequences of adds and removes.
func TestStore_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		s := NewStore(nil)
		ref := map[uint32]byte{}

		for op := 0; op < 60; op++ {
			addr := uint32(rng.Intn(512))
			n := rng.Intn(40) + 1
			if rng.Intn(3) == 0 {
				require.NoError(t, s.Remove(addr, uint32(n)))
				for k := 0; k < n; k++ {
					delete(ref, addr+uint32(k))
				}
				continue
			}
			data := make([]byte, n)
			rng.Read(data)
			require.NoError(t, s.Add(addr, data))
			for k, b := range data {
				ref[addr+uint32(k)] = b
			}
		}

		segs := segmentsOf(s)
		got := map[uint32]byte{}
		for i, seg := range segs {
			require.NotEmpty(t, seg.Data)
			if i > 0 {
				require.Less(t, segs[i-1].End(), uint64(seg.Address), "segments %d and %d touch", i-1, i)
			}
			for k, b := range seg.Data {
				got[seg.Address+uint32(k)] = b
			}
		}
		require.Equal(t, ref, got)
	}
}
