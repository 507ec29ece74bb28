package session

import (
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/seedkey"
)

// Timeouts are the XCP protocol timeouts.
type Timeouts struct {
	// T1 bounds ordinary commands: GET_STATUS, GET_SEED, UNLOCK, SET_MTA, UPLOAD and
	// the info table commands.
	T1 time.Duration
	// T3 bounds PROGRAM_START and every programmed chunk.
	T3 time.Duration
	// T4 bounds PROGRAM_CLEAR.
	T4 time.Duration
	// T5 bounds the end of programming and PROGRAM_RESET.
	T5 time.Duration
	// T6 bounds each CONNECT attempt.
	T6 time.Duration
	// T7 bounds the wait while the target reports it is busy.
	T7 time.Duration
}

// Config holds the protocol parameters of a session.
type Config struct {
	Timeouts    Timeouts
	ConnectMode uint8
	// SeedKey unlocks a protected target. Nil means no key algorithm is available.
	SeedKey seedkey.Provider
	// MaxPacketSize caps the negotiated packet sizes. Zero uses the transport maximum.
	MaxPacketSize int
}

// DefaultConfig returns the timeouts a stock bootloader is built for.
func DefaultConfig() Config {
	return Config{
		Timeouts: Timeouts{
			T1: time.Second,
			T3: 2 * time.Second,
			T4: 10 * time.Second,
			T5: time.Second,
			T6: 50 * time.Millisecond,
			T7: 2 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	named := []struct {
		name string
		d    time.Duration
	}{
		{"t1", c.Timeouts.T1},
		{"t3", c.Timeouts.T3},
		{"t4", c.Timeouts.T4},
		{"t5", c.Timeouts.T5},
		{"t6", c.Timeouts.T6},
		{"t7", c.Timeouts.T7},
	}
	for _, t := range named {
		if t.d <= 0 {
			return blterr.Errorf(blterr.ErrConfig, "session", "timeout %s must be positive, got %v", t.name, t.d)
		}
	}
	if c.MaxPacketSize < 0 || (c.MaxPacketSize > 0 && c.MaxPacketSize < minPacketSize) {
		return blterr.Errorf(blterr.ErrConfig, "session", "max packet size %d below %d", c.MaxPacketSize, minPacketSize)
	}
	return nil
}
