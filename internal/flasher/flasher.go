// Package flasher runs the complete firmware update of a target: connect, info table
// check, erase and program, then disconnect.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/firmware"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/session"
)

// Default workflow settings.
const (
	DefaultEraseChunk = 32768
	DefaultWriteChunk = 256
	DefaultRetryDelay = 20 * time.Millisecond
)

// Phase names the part of the workflow a progress report belongs to.
type Phase string

const (
	PhaseErase   Phase = "erase"
	PhaseProgram Phase = "program"
	PhaseRead    Phase = "read"
)

// ProgressCallback is called to report progress of a phase in bytes. It is called
// once with current 0 when a segment starts.
type ProgressCallback func(phase Phase, address uint32, current, total int)

// Target is the part of a session the workflow drives.
type Target interface {
	Start() error
	Stop()
	ClearMemory(address uint32, length uint32) error
	WriteData(address uint32, data []byte) error
	ReadData(address uint32, length uint32) ([]byte, error)
	CheckInfoTable(image session.ImageSource) error
}

// Config holds the workflow settings.
type Config struct {
	// EraseChunk is the largest range erased by one request.
	EraseChunk uint32
	// WriteChunk is the largest block handed to the session per write.
	WriteChunk uint32
	// StartAttempts bounds the connect attempts. Zero retries until the context ends.
	StartAttempts int
	// RetryDelay is the pause between connect attempts.
	RetryDelay time.Duration
	// SkipInfoTable disables the info table check.
	SkipInfoTable bool
}

// DefaultConfig returns the settings of the stock command line tool.
func DefaultConfig() Config {
	return Config{
		EraseChunk: DefaultEraseChunk,
		WriteChunk: DefaultWriteChunk,
		RetryDelay: DefaultRetryDelay,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.EraseChunk == 0 {
		return blterr.Errorf(blterr.ErrConfig, "flasher", "erase chunk must be positive")
	}
	if c.WriteChunk == 0 {
		return blterr.Errorf(blterr.ErrConfig, "flasher", "write chunk must be positive")
	}
	if c.StartAttempts < 0 || c.RetryDelay < 0 {
		return blterr.Errorf(blterr.ErrConfig, "flasher", "negative retry settings")
	}
	return nil
}

// Flasher handles updating the firmware of one target.
type Flasher struct {
	target   Target
	cfg      Config
	log      logger.Logger
	progress ProgressCallback
	onRetry  func(attempt int)
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Flasher) {
		f.log = l
	}
}

// New creates a new Flasher for the given target.
func New(target Target, cfg Config, opts ...Option) (*Flasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Flasher{target: target, cfg: cfg, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// SetRetryCallback sets a function called before every connect attempt after the
// first one failed.
func (f *Flasher) SetRetryCallback(cb func(attempt int)) {
	f.onRetry = cb
}

func (f *Flasher) reportProgress(phase Phase, address uint32, current, total int) {
	if f.progress != nil {
		f.progress(phase, address, current, total)
	}
}

// Connect starts the session. A failed attempt is repeated after RetryDelay so that a
// target resetting into its bootloader backdoor gets picked up.
func (f *Flasher) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := f.target.Start()
		if err == nil {
			return nil
		}
		if errors.Is(err, blterr.ErrConfig) || errors.Is(err, blterr.ErrAuthentication) {
			return &Error{Stage: StageConnect, Err: err}
		}
		if f.cfg.StartAttempts > 0 && attempt >= f.cfg.StartAttempts {
			return &Error{Stage: StageConnect, Err: err}
		}
		f.log.Debug("connect attempt failed", "attempt", attempt, "error", err)
		if f.onRetry != nil {
			f.onRetry(attempt)
		}

		select {
		case <-ctx.Done():
			return &Error{Stage: StageConnect, Err: fmt.Errorf("%w: last attempt: %v", ctx.Err(), err)}
		case <-time.After(f.cfg.RetryDelay):
		}
	}
}

// CheckInfoTable compares the target's info table against the image. A target without
// support for the check passes.
func (f *Flasher) CheckInfoTable(image *firmware.Store) (supported bool, err error) {
	err = f.target.CheckInfoTable(image)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, blterr.ErrInfoTableNotSupported):
		f.log.Info("info table check not supported by target")
		return false, nil
	default:
		return true, &Error{Stage: StageInfoTable, Err: err}
	}
}

// Erase clears the memory covered by every segment of the image, in chunks of at most
// EraseChunk bytes.
func (f *Flasher) Erase(ctx context.Context, image *firmware.Store) error {
	for _, seg := range image.Segments() {
		if err := f.EraseRange(ctx, seg.Address, uint32(len(seg.Data))); err != nil {
			return err
		}
	}
	return nil
}

// EraseRange clears length bytes at address, in chunks of at most EraseChunk bytes.
func (f *Flasher) EraseRange(ctx context.Context, address, length uint32) error {
	if length == 0 || uint64(address)+uint64(length) > 1<<32 {
		return &Error{Stage: StageErase, Err: blterr.Errorf(blterr.ErrRange, "erase", "%d bytes at 0x%08X", length, address)}
	}
	total := int(length)
	f.reportProgress(PhaseErase, address, 0, total)
	for done := 0; done < total; {
		if err := ctx.Err(); err != nil {
			return &Error{Stage: StageErase, Err: err}
		}
		n := min(total-done, int(f.cfg.EraseChunk))
		addr := address + uint32(done)
		if err := f.target.ClearMemory(addr, uint32(n)); err != nil {
			return &Error{Stage: StageErase, Err: fmt.Errorf("erase %d bytes at 0x%08X: %w", n, addr, err)}
		}
		done += n
		f.reportProgress(PhaseErase, address, done, total)
	}
	return nil
}

// Program writes every segment of the image, in blocks of at most WriteChunk bytes.
func (f *Flasher) Program(ctx context.Context, image *firmware.Store) error {
	for _, seg := range image.Segments() {
		total := len(seg.Data)
		f.reportProgress(PhaseProgram, seg.Address, 0, total)
		for done := 0; done < total; {
			if err := ctx.Err(); err != nil {
				return &Error{Stage: StageProgram, Err: err}
			}
			n := min(total-done, int(f.cfg.WriteChunk))
			addr := seg.Address + uint32(done)
			if err := f.target.WriteData(addr, seg.Data[done:done+n]); err != nil {
				return &Error{Stage: StageProgram, Err: err}
			}
			done += n
			f.reportProgress(PhaseProgram, seg.Address, done, total)
		}
	}
	return nil
}

// Flash runs the complete update of the target with image: connect, info table check,
// erase, program and disconnect. The session is stopped whenever it was started.
func (f *Flasher) Flash(ctx context.Context, image *firmware.Store) error {
	if image.SegmentCount() == 0 {
		return &Error{Stage: StageLoad, Err: blterr.Errorf(blterr.ErrFormat, "flash", "firmware image is empty")}
	}
	if err := f.Connect(ctx); err != nil {
		return err
	}
	defer f.target.Stop()

	if !f.cfg.SkipInfoTable {
		if _, err := f.CheckInfoTable(image); err != nil {
			return err
		}
	}
	if err := f.Erase(ctx, image); err != nil {
		return err
	}
	if err := f.Program(ctx, image); err != nil {
		return err
	}
	f.log.Info("firmware update complete", "segments", image.SegmentCount(), "bytes", image.Size())
	return nil
}

// Read uploads length bytes at address, in blocks of at most WriteChunk bytes. The
// session must be started.
func (f *Flasher) Read(ctx context.Context, address, length uint32) ([]byte, error) {
	if uint64(address)+uint64(length) > 1<<32 {
		return nil, &Error{Stage: StageRead, Err: blterr.Errorf(blterr.ErrRange, "read", "%d bytes at 0x%08X exceed the address space", length, address)}
	}
	out := make([]byte, 0, length)
	f.reportProgress(PhaseRead, address, 0, int(length))
	for done := uint32(0); done < length; {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Stage: StageRead, Err: err}
		}
		n := min(length-done, f.cfg.WriteChunk)
		data, err := f.target.ReadData(address+done, n)
		if err != nil {
			return nil, &Error{Stage: StageRead, Err: err}
		}
		out = append(out, data...)
		done += n
		f.reportProgress(PhaseRead, address, int(done), int(length))
	}
	return out, nil
}

// LoadImage reads the firmware file at path into a new store, shifting every address by
// offset. codec may be nil to pick the codec from the file extension.
func LoadImage(path string, offset uint32, codec firmware.Codec) (*firmware.Store, error) {
	image := firmware.NewStore(codec)
	if err := image.Load(path, offset); err != nil {
		return nil, &Error{Stage: StageLoad, Err: err}
	}
	if image.SegmentCount() == 0 {
		return nil, &Error{Stage: StageLoad, Err: blterr.Errorf(blterr.ErrFormat, "load", "%s contains no data", path)}
	}
	return image, nil
}
