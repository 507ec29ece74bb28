package compat

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/session"
	"github.com/feaser/openblt/internal/transport"
)

// Handle identifies a session opened with Open. The zero Handle is never valid.
type Handle uint32

var (
	sessions   = xsync.NewMapOf[Handle, *session.Session]()
	nextHandle atomic.Uint32
)

// Open creates an independent session and returns its handle.
func Open(cfg session.Config, tcfg transport.Config, opts ...session.Option) (Handle, error) {
	s, err := session.New(cfg, tcfg, opts...)
	if err != nil {
		return 0, err
	}
	h := Handle(nextHandle.Add(1))
	sessions.Store(h, s)
	return h, nil
}

// Get returns the session of h.
func Get(h Handle) (*session.Session, error) {
	s, ok := sessions.Load(h)
	if !ok {
		return nil, blterr.Errorf(blterr.ErrConfig, "session handle", "unknown handle %d: %w", h, blterr.ErrInvalidState)
	}
	return s, nil
}

// Close terminates the session of h and invalidates the handle.
func Close(h Handle) error {
	s, ok := sessions.LoadAndDelete(h)
	if !ok {
		return blterr.Errorf(blterr.ErrConfig, "session handle", "unknown handle %d: %w", h, blterr.ErrInvalidState)
	}
	s.Terminate()
	return nil
}

// OpenHandles returns the number of sessions opened and not closed yet.
func OpenHandles() int {
	return sessions.Size()
}
