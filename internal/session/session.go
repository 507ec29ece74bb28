// Package session drives an XCP bootloader session over a transport: connect, unlock,
// erase, program, read back and reset the target.
//
// A Session is not safe for concurrent use. Commands are exchanged one at a time and
// every wait is bounded by the timeout of its protocol phase.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/logger"
	"github.com/feaser/openblt/internal/protocol"
	"github.com/feaser/openblt/internal/transport"
)

// minPacketSize is the smallest packet size that fits CONNECT and SET_MTA.
const minPacketSize = 8

// DefaultConnectRetries is the number of CONNECT attempts made by Start.
const DefaultConnectRetries = 5

// State of a session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Unlocking
	Ready
	Programming
	Uploading
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unlocking:
		return "unlocking"
	case Ready:
		return "ready"
	case Programming:
		return "programming"
	case Uploading:
		return "uploading"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WriteError reports the address of the first chunk that could not be programmed.
type WriteError struct {
	Address uint32
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("program at 0x%08X: %v", e.Address, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithConnectRetries sets the number of CONNECT attempts made by Start.
func WithConnectRetries(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.retries = n
		}
	}
}

// Session is one bootloader session. The pairing of protocol and transport settings
// is fixed when the session is created.
type Session struct {
	cfg     Config
	tr      transport.Transport
	log     logger.Logger
	retries int

	state      State
	terminated bool

	order      binary.ByteOrder
	maxCto     int
	maxDto     int
	maxProgCto int
}

// New validates both configurations and creates an idle session. The transport is not
// opened until Start.
func New(cfg Config, tcfg transport.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newSession(cfg, opts)
	tr, err := transport.New(tcfg, transport.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.tr = tr
	return s, nil
}

// NewWithTransport creates an idle session on a caller supplied transport.
func NewWithTransport(cfg Config, tr transport.Transport, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, blterr.Errorf(blterr.ErrConfig, "session", "no transport")
	}
	s := newSession(cfg, opts)
	s.tr = tr
	return s, nil
}

func newSession(cfg Config, opts []Option) *Session {
	s := &Session{
		cfg:     cfg,
		log:     logger.GetLogger(),
		retries: DefaultConnectRetries,
		order:   binary.LittleEndian,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// MaxProgramSize returns the number of data bytes a full programming packet carries.
// It is zero until Start succeeds.
func (s *Session) MaxProgramSize() int {
	if s.maxProgCto == 0 {
		return 0
	}
	return s.maxProgCto - 1
}

func (s *Session) packetLimit() int {
	limit := s.tr.MaxPacketSize()
	if s.cfg.MaxPacketSize > 0 {
		limit = min(limit, s.cfg.MaxPacketSize)
	}
	return limit
}

// Start opens the transport, connects to the target, unlocks programming when the
// target protects it and enters programming mode. On failure the transport is closed
// and the session is idle again.
func (s *Session) Start() error {
	switch {
	case s.terminated:
		return blterr.Errorf(blterr.ErrConfig, "start", "session terminated: %w", blterr.ErrInvalidState)
	case s.state != Idle:
		return blterr.Errorf(blterr.ErrConfig, "start", "state %s: %w", s.state, blterr.ErrSessionAlreadyActive)
	}

	s.state = Connecting
	if err := s.tr.Open(); err != nil {
		s.state = Idle
		return err
	}

	if err := s.start(); err != nil {
		s.log.Warn("start failed", "error", err)
		s.abort()
		return err
	}

	s.state = Ready
	s.log.Info("session ready", "max_cto", s.maxCto, "max_dto", s.maxDto, "max_prog_cto", s.maxProgCto)
	return nil
}

func (s *Session) start() error {
	if err := s.connect(); err != nil {
		return err
	}
	s.state = Connected

	protection, err := s.status()
	if err != nil {
		return err
	}
	if protection&protocol.ResourcePGM != 0 {
		s.state = Unlocking
		if err := s.unlock(protocol.ResourcePGM); err != nil {
			return err
		}
		s.state = Connected
	}

	resp, err := s.exchange(protocol.ProgramStart(), s.cfg.Timeouts.T3)
	if err != nil {
		return err
	}
	maxProgCto, err := protocol.DecodeProgramStart(resp)
	if err != nil {
		return err
	}
	if maxProgCto < 2 {
		return blterr.Errorf(blterr.ErrProtocol, "PROGRAM_START", "max programming packet size %d: %w", maxProgCto, blterr.ErrMalformed)
	}
	s.maxProgCto = min(int(maxProgCto), s.packetLimit())
	return nil
}

func (s *Session) connect() error {
	cmd := protocol.Connect(s.cfg.ConnectMode)

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := s.tr.Send(cmd); err != nil {
			return err
		}
		resp, err := s.tr.Receive(s.cfg.Timeouts.T6)
		if errors.Is(err, blterr.ErrTimeout) {
			s.log.Debug("no CONNECT response", "attempt", attempt)
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		info, err := protocol.DecodeConnect(resp)
		if err != nil {
			return err
		}
		return s.negotiate(info)
	}
	return blterr.New(blterr.ErrTimeout, "CONNECT", fmt.Errorf("no response after %d attempts: %w", s.retries, lastErr))
}

func (s *Session) negotiate(info protocol.ConnectInfo) error {
	if link := s.tr.MaxPacketSize(); int(info.MaxDto) > link {
		return blterr.Errorf(blterr.ErrProtocol, "CONNECT", "maxDto %d exceeds link maximum %d: %w", info.MaxDto, link, blterr.ErrMalformed)
	}
	if int(info.MaxCto) < minPacketSize || int(info.MaxDto) < minPacketSize {
		return blterr.Errorf(blterr.ErrProtocol, "CONNECT", "maxCto %d maxDto %d below %d: %w", info.MaxCto, info.MaxDto, minPacketSize, blterr.ErrMalformed)
	}

	s.order = info.ByteOrder()
	s.maxCto = min(int(info.MaxCto), s.packetLimit())
	s.maxDto = int(info.MaxDto)
	s.log.Debug("connected", "resources", fmt.Sprintf("0x%02X", info.Resources), "comm_mode", fmt.Sprintf("0x%02X", info.CommMode),
		"max_cto", info.MaxCto, "max_dto", info.MaxDto)
	return nil
}

// status reads the protection mask. A CONNECT response that arrives late in reply to
// a retried CONNECT is skipped.
func (s *Session) status() (byte, error) {
	resp, err := s.exchange(protocol.GetStatus(), s.cfg.Timeouts.T1)
	if err != nil {
		return 0, err
	}
	if len(resp) == protocol.ConnectResponseLen && resp[0] == protocol.PIDResponse {
		s.log.Debug("skipping surplus CONNECT response")
		if resp, err = s.tr.Receive(s.cfg.Timeouts.T6); err != nil {
			return 0, err
		}
	}
	st, err := protocol.DecodeStatus(s.order, resp)
	if err != nil {
		return 0, err
	}
	return st.Protection, nil
}

// unlock runs the seed and key exchange for one resource.
func (s *Session) unlock(resource byte) error {
	if s.cfg.SeedKey == nil {
		return blterr.Errorf(blterr.ErrAuthentication, "unlock", "resource 0x%02X is protected and no key algorithm is configured", resource)
	}
	if s.cfg.SeedKey.Privileges()&resource == 0 {
		return blterr.Errorf(blterr.ErrAuthentication, "unlock", "key algorithm does not cover resource 0x%02X", resource)
	}

	seed, err := s.seed(resource)
	if err != nil {
		return err
	}
	if len(seed) == 0 {
		s.log.Debug("resource already unlocked", "resource", resource)
		return nil
	}

	key, err := s.cfg.SeedKey.ComputeKey(resource, seed)
	if err != nil {
		return err
	}
	if len(key) == 0 || len(key) > 0xFF {
		return blterr.Errorf(blterr.ErrAuthentication, "unlock", "key length %d", len(key))
	}

	protection := byte(0)
	chunk := s.maxCto - 2
	for off := 0; off < len(key); off += chunk {
		end := min(off+chunk, len(key))
		resp, err := s.exchange(protocol.Unlock(byte(len(key)-off), key[off:end]), s.cfg.Timeouts.T1)
		if err != nil {
			if errors.Is(err, blterr.ErrTargetRejected) {
				return blterr.New(blterr.ErrAuthentication, "unlock", err)
			}
			return err
		}
		if protection, err = protocol.DecodeUnlock(resp); err != nil {
			return err
		}
	}

	if protection&resource != 0 {
		return blterr.Errorf(blterr.ErrAuthentication, "unlock", "target rejected key for resource 0x%02X", resource)
	}
	s.log.Info("resource unlocked", "resource", fmt.Sprintf("0x%02X", resource))
	return nil
}

// seed collects the seed, which may span several GET_SEED responses.
func (s *Session) seed(resource byte) ([]byte, error) {
	resp, err := s.exchange(protocol.GetSeed(protocol.SeedModeFirst, resource), s.cfg.Timeouts.T1)
	if err != nil {
		return nil, err
	}
	if len(resp) >= 2 && resp[0] == protocol.PIDResponse && resp[1] == 0 {
		return nil, nil
	}
	total, part, err := protocol.DecodeSeed(resp, s.maxDto)
	if err != nil {
		return nil, err
	}

	seed := part
	for len(seed) < int(total) {
		resp, err := s.exchange(protocol.GetSeed(protocol.SeedModeRemaining, resource), s.cfg.Timeouts.T1)
		if err != nil {
			return nil, err
		}
		remaining, part, err := protocol.DecodeSeed(resp, s.maxDto)
		if err != nil {
			return nil, err
		}
		if int(remaining) != int(total)-len(seed) || len(part) == 0 {
			return nil, blterr.Errorf(blterr.ErrProtocol, "GET_SEED", "remaining %d after %d of %d bytes: %w", remaining, len(seed), total, blterr.ErrMalformed)
		}
		seed = append(seed, part...)
	}
	return seed, nil
}

// exchange sends cmd and waits for its response. While the target reports it is busy
// the wait continues, up to t7.
func (s *Session) exchange(cmd []byte, timeout time.Duration) ([]byte, error) {
	name := protocol.CommandName(cmd[0])
	s.log.Debug("command", "cmd", name, "len", len(cmd))

	if err := s.tr.Send(cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	resp, err := s.tr.Receive(timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if protocol.IsError(resp, protocol.ErrCmdBusy) {
		deadline := time.Now().Add(s.cfg.Timeouts.T7)
		for protocol.IsError(resp, protocol.ErrCmdBusy) {
			s.log.Debug("target busy", "cmd", name)
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, blterr.Errorf(blterr.ErrTimeout, name, "target busy for %v: %w", s.cfg.Timeouts.T7, blterr.ErrTimedOut)
			}
			if resp, err = s.tr.Receive(remaining); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if err := protocol.Check(cmd[0], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// abort closes the transport after a failed start.
func (s *Session) abort() {
	if err := s.tr.Close(); err != nil {
		s.log.Debug("close failed", "error", err)
	}
	s.state = Idle
}

func (s *Session) requireReady(op string) error {
	if s.terminated {
		return blterr.Errorf(blterr.ErrConfig, op, "session terminated: %w", blterr.ErrInvalidState)
	}
	if s.state != Ready {
		return blterr.Errorf(blterr.ErrConfig, op, "state %s: %w", s.state, blterr.ErrInvalidState)
	}
	return nil
}

func checkRange(op string, address uint32, length int) error {
	if uint64(address)+uint64(length) > 1<<32 {
		return blterr.Errorf(blterr.ErrRange, op, "0x%08X+%d exceeds the address space", address, length)
	}
	return nil
}

func (s *Session) setMTA(address uint32) error {
	resp, err := s.exchange(protocol.SetMTA(s.order, address), s.cfg.Timeouts.T1)
	if err != nil {
		return err
	}
	return protocol.CheckLen(protocol.CmdSetMTA, resp, 1)
}

// ClearMemory erases length bytes at address. The target extends the range to its
// erase granularity, so more memory than requested may be erased.
func (s *Session) ClearMemory(address uint32, length uint32) error {
	if err := s.requireReady("erase"); err != nil {
		return err
	}
	if length == 0 {
		return blterr.Errorf(blterr.ErrRange, "erase", "zero length")
	}
	if err := checkRange("erase", address, int(length)); err != nil {
		return err
	}

	s.state = Programming
	defer func() { s.state = Ready }()

	s.log.Debug("erase", "address", fmt.Sprintf("0x%08X", address), "length", length)
	if err := s.setMTA(address); err != nil {
		return err
	}
	resp, err := s.exchange(protocol.ProgramClear(s.order, length), s.cfg.Timeouts.T4)
	if err != nil {
		return err
	}
	return protocol.CheckLen(protocol.CmdProgramClear, resp, 1)
}

// WriteData programs data at address. The range must have been erased before. The
// first chunk carries the remainder so that every later chunk is a full PROGRAM_MAX
// packet. On failure the returned error is a *WriteError.
func (s *Session) WriteData(address uint32, data []byte) error {
	if err := s.requireReady("program"); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := checkRange("program", address, len(data)); err != nil {
		return err
	}

	s.state = Programming
	defer func() { s.state = Ready }()

	if err := s.setMTA(address); err != nil {
		return &WriteError{Address: address, Err: err}
	}

	full := s.maxProgCto - 1
	for off := 0; off < len(data); {
		n := (len(data) - off) % full
		if n == 0 {
			n = full
		}
		chunk := data[off : off+n]

		cmd := protocol.ProgramMax(chunk)
		if n < full {
			cmd = protocol.Program(chunk)
		}
		resp, err := s.exchange(cmd, s.cfg.Timeouts.T3)
		if err == nil {
			err = protocol.CheckLen(cmd[0], resp, 1)
		}
		if err != nil {
			return &WriteError{Address: address + uint32(off), Err: err}
		}
		off += n
	}
	return nil
}

// ReadData reads length bytes at address.
func (s *Session) ReadData(address uint32, length uint32) ([]byte, error) {
	if err := s.requireReady("upload"); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if err := checkRange("upload", address, int(length)); err != nil {
		return nil, err
	}

	s.state = Uploading
	defer func() { s.state = Ready }()

	if err := s.setMTA(address); err != nil {
		return nil, err
	}

	// Seed responses are sized by the target, UPLOAD responses by the request.
	chunk := min(s.maxDto, s.packetLimit()) - 1
	out := make([]byte, 0, length)
	for len(out) < int(length) {
		n := min(chunk, int(length)-len(out))
		resp, err := s.exchange(protocol.Upload(byte(n)), s.cfg.Timeouts.T1)
		if err != nil {
			return nil, err
		}
		data, err := protocol.DecodeUpload(resp, n)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// ImageSource gives access to firmware bytes. *firmware.Store implements it.
type ImageSource interface {
	Find(address uint32, length uint32) ([]byte, bool)
}

// CheckInfoTable asks the target to compare its info table with the one contained in
// the firmware image. It returns an error matching blterr.ErrInfoTableNotSupported when
// the target has no info table support and blterr.ErrInfoTableMismatch when the tables
// differ.
func (s *Session) CheckInfoTable(image ImageSource) error {
	if err := s.requireReady("info table"); err != nil {
		return err
	}

	resp, err := s.exchange(protocol.InfoTableGetInfoCmd(), s.cfg.Timeouts.T1)
	if err != nil {
		var cmdErr *protocol.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == protocol.ErrCmdUnknown {
			return blterr.New(blterr.ErrProtocol, "info table", blterr.ErrInfoTableNotSupported)
		}
		return err
	}
	it, err := protocol.DecodeInfoTable(s.order, resp)
	if err != nil {
		return err
	}

	table, ok := image.Find(it.Address, uint32(it.Length))
	if !ok {
		return blterr.Errorf(blterr.ErrRange, "info table", "%d bytes at 0x%08X not in firmware data", it.Length, it.Address)
	}

	chunk := s.maxCto - 4
	for off := 0; off < len(table); off += chunk {
		end := min(off+chunk, len(table))
		resp, err := s.exchange(protocol.InfoTableDownloadCmd(table[off:end]), s.cfg.Timeouts.T1)
		if err != nil {
			return err
		}
		if err := protocol.CheckLen(protocol.CmdUser, resp, 2); err != nil {
			return err
		}
	}

	resp, err = s.exchange(protocol.InfoTableCheckCmd(), s.cfg.Timeouts.T1)
	if err != nil {
		return err
	}
	pass, err := protocol.DecodeInfoTableCheck(resp)
	if err != nil {
		return err
	}
	if !pass {
		return blterr.New(blterr.ErrProtocol, "info table", blterr.ErrInfoTableMismatch)
	}
	return nil
}

// Stop ends programming, resets the target and closes the transport. Failures are
// logged and otherwise ignored.
func (s *Session) Stop() {
	if s.state == Idle {
		return
	}
	if s.state == Ready {
		s.state = Disconnecting
		if _, err := s.exchange(protocol.Program(nil), s.cfg.Timeouts.T5); err != nil {
			s.log.Warn("program end failed", "error", err)
		}
		if _, err := s.exchange(protocol.ProgramReset(), s.cfg.Timeouts.T5); err != nil && !errors.Is(err, blterr.ErrTimeout) {
			s.log.Warn("reset failed", "error", err)
		}
	}
	if err := s.tr.Close(); err != nil {
		s.log.Warn("close failed", "error", err)
	}
	s.state = Idle
	s.log.Info("session stopped")
}

// Terminate releases the transport. The session cannot be started again. Calling
// Terminate more than once is a no-op.
func (s *Session) Terminate() {
	if s.terminated {
		return
	}
	if s.state != Idle {
		if err := s.tr.Close(); err != nil {
			s.log.Debug("close failed", "error", err)
		}
		s.state = Idle
	}
	s.terminated = true
}
