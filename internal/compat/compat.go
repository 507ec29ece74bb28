// Package compat exposes the bootloader engine through flat functions that report
// success as OK and every failure as ErrorGeneric, for callers built around the
// two-valued result convention.
//
// The Session and Firmware functions operate on one package level session and one
// package level firmware store. Independent sessions are available through the
// handle functions Open, Get and Close.
package compat

import (
	"fmt"
	"sync"
	"time"

	"github.com/feaser/openblt/internal/aes256"
	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/checksum"
	"github.com/feaser/openblt/internal/firmware"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/session"
	"github.com/feaser/openblt/internal/transport"
)

// Result codes.
const (
	OK           = blterr.ResultOK
	ErrorGeneric = blterr.ResultErrorGeneric
)

// Library version.
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

var (
	mu      sync.Mutex
	current *session.Session
	store   *firmware.Store
	lastErr error
)

func result(err error) int {
	if err != nil {
		logger.Debug("compat call failed", "error", err)
	}
	lastErr = err
	return blterr.Code(err)
}

// LastError returns the error behind the most recent ErrorGeneric result, or nil when
// the most recent call succeeded.
func LastError() error {
	mu.Lock()
	defer mu.Unlock()
	return lastErr
}

// VersionNumber returns the version as major*10000 + minor*100 + patch.
func VersionNumber() uint32 {
	return versionMajor*10000 + versionMinor*100 + versionPatch
}

// VersionString returns the version as "major.minor.patch".
func VersionString() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

// SessionInit creates the package session. It fails while a session exists; call
// SessionTerminate first.
func SessionInit(cfg session.Config, tcfg transport.Config) int {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return result(blterr.Errorf(blterr.ErrConfig, "session init", "%w", blterr.ErrSessionAlreadyActive))
	}
	s, err := session.New(cfg, tcfg)
	if err != nil {
		return result(err)
	}
	current = s
	return result(nil)
}

// SessionTerminate releases the package session. It is a no-op without a session.
func SessionTerminate() {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.Terminate()
		current = nil
	}
}

func withSession(op string, fn func(s *session.Session) error) int {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return result(blterr.Errorf(blterr.ErrConfig, op, "no session: %w", blterr.ErrInvalidState))
	}
	return result(fn(current))
}

// SessionStart connects to the target.
func SessionStart() int {
	return withSession("session start", func(s *session.Session) error {
		return s.Start()
	})
}

// SessionStop disconnects from the target.
func SessionStop() {
	withSession("session stop", func(s *session.Session) error {
		s.Stop()
		return nil
	})
}

// SessionClearMemory erases length bytes at address.
func SessionClearMemory(address, length uint32) int {
	return withSession("session clear", func(s *session.Session) error {
		return s.ClearMemory(address, length)
	})
}

// SessionWriteData programs data at address.
func SessionWriteData(address uint32, data []byte) int {
	return withSession("session write", func(s *session.Session) error {
		return s.WriteData(address, data)
	})
}

// SessionReadData fills buf with the memory contents at address.
func SessionReadData(address uint32, buf []byte) int {
	return withSession("session read", func(s *session.Session) error {
		data, err := s.ReadData(address, uint32(len(buf)))
		if err != nil {
			return err
		}
		copy(buf, data)
		return nil
	})
}

// FirmwareInit creates the package firmware store. codec is used by
// FirmwareSaveToFile; nil selects the codec by file extension. An existing store is
// replaced.
func FirmwareInit(codec firmware.Codec) {
	mu.Lock()
	defer mu.Unlock()
	store = firmware.NewStore(codec)
}

// FirmwareTerminate releases the package firmware store.
func FirmwareTerminate() {
	mu.Lock()
	defer mu.Unlock()
	store = nil
}

func withStore(op string, fn func(st *firmware.Store) error) int {
	mu.Lock()
	defer mu.Unlock()
	if store == nil {
		return result(blterr.Errorf(blterr.ErrConfig, op, "firmware store not initialized"))
	}
	return result(fn(store))
}

// FirmwareLoadFromFile adds the contents of a firmware file, moved by offset.
func FirmwareLoadFromFile(path string, offset uint32) int {
	return withStore("firmware load", func(st *firmware.Store) error {
		return st.Load(path, offset)
	})
}

// FirmwareSaveToFile writes the firmware data to a file.
func FirmwareSaveToFile(path string) int {
	return withStore("firmware save", func(st *firmware.Store) error {
		return st.Save(path)
	})
}

// FirmwareSegmentCount returns the number of segments, or 0 without a store.
func FirmwareSegmentCount() int {
	mu.Lock()
	defer mu.Unlock()
	if store == nil {
		return 0
	}
	return store.SegmentCount()
}

// FirmwareSegment returns the data and base address of segment index. data is nil
// for an invalid index.
func FirmwareSegment(index int) (data []byte, address uint32) {
	var seg firmware.Segment
	if withStore("firmware segment", func(st *firmware.Store) (err error) {
		seg, err = st.Segment(index)
		return err
	}) != OK {
		return nil, 0
	}
	return seg.Data, seg.Address
}

// FirmwareAddData adds data at address, overwriting existing data.
func FirmwareAddData(address uint32, data []byte) int {
	return withStore("firmware add", func(st *firmware.Store) error {
		return st.Add(address, data)
	})
}

// FirmwareRemoveData removes length bytes at address.
func FirmwareRemoveData(address, length uint32) int {
	return withStore("firmware remove", func(st *firmware.Store) error {
		return st.Remove(address, length)
	})
}

// FirmwareClearData removes all segments.
func FirmwareClearData() {
	withStore("firmware clear", func(st *firmware.Store) error {
		st.Clear()
		return nil
	})
}

// UtilCRC16 returns the CRC-16 of data.
func UtilCRC16(data []byte) uint16 {
	return checksum.CRC16(data)
}

// UtilCRC32 returns the CRC-32 of data.
func UtilCRC32(data []byte) uint32 {
	return checksum.CRC32(data)
}

var epoch = time.Now()

// UtilTimeSystemMs returns a free running millisecond counter.
func UtilTimeSystemMs() uint32 {
	return uint32(time.Since(epoch).Milliseconds())
}

// UtilTimeDelayMs sleeps for ms milliseconds.
func UtilTimeDelayMs(ms uint16) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// UtilAES256Encrypt encrypts data in place. len(data) must be a multiple of 16.
func UtilAES256Encrypt(data, key []byte) int {
	out, err := aes256.Encrypt(data, key)
	if err == nil {
		copy(data, out)
	}
	return blterr.Code(err)
}

// UtilAES256Decrypt decrypts data in place. len(data) must be a multiple of 16.
func UtilAES256Decrypt(data, key []byte) int {
	out, err := aes256.Decrypt(data, key)
	if err == nil {
		copy(data, out)
	}
	return blterr.Code(err)
}
