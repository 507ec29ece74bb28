package firmware

import (
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/feaser/openblt/internal/blterr"
)

// Codec converts between a firmware file format and segments.
type Codec interface {
	// Name returns a short identifier such as "srec".
	Name() string
	// Parse decodes a file. Returned segments are in file order and may overlap.
	Parse(r io.Reader) ([]Segment, error)
	// Serialize encodes sorted, non-overlapping segments.
	Serialize(w io.Writer, segments []Segment) error
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec makes codec available for files with the given extensions.
func RegisterCodec(codec Codec, exts ...string) {
	codecsMu.Lock()
	defer codecsMu.Unlock()

	for _, ext := range exts {
		codecs[strings.ToLower(ext)] = codec
	}
}

// CodecFor returns the registered codec for the extension of path.
func CodecFor(path string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(path))

	codecsMu.RLock()
	defer codecsMu.RUnlock()

	codec, ok := codecs[ext]
	if !ok {
		return nil, blterr.Errorf(blterr.ErrConfig, "codec", "no firmware codec for %q", ext)
	}
	return codec, nil
}
