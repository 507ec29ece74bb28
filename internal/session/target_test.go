package session

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/feaser/openblt/internal/blterr"
	"github.com/feaser/openblt/internal/protocol"
)

type erase struct {
	address uint32
	length  uint32
}

// fakeTarget is an in-memory XCP bootloader. Responses are queued when a command is
// sent and handed out by Receive; an empty queue is a timeout.
type fakeTarget struct {
	order      binary.ByteOrder
	maxCto     byte
	maxDto     uint16
	maxProgCto byte
	linkMax    int

	memory map[uint32]byte
	mta    uint32

	locked   bool
	seed     []byte
	seedOff  int
	key      []byte
	keyRecv  []byte
	keyTotal int
	rejectMA bool

	connectDrops int
	extraConnect bool
	busy         map[byte]int
	silent       map[byte]bool
	failAt       map[uint32]bool
	longAck      map[byte]bool

	infoSupported bool
	infoAddr      uint32
	infoTable     []byte
	infoRecv      []byte

	erases       []erase
	programEnded bool
	reset        bool

	sent    [][]byte
	pending [][]byte
	opened  int
	closed  int
	isOpen  bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		order:      binary.LittleEndian,
		maxCto:     8,
		maxDto:     8,
		maxProgCto: 8,
		linkMax:    255,
		memory:     map[uint32]byte{},
		busy:       map[byte]int{},
		silent:     map[byte]bool{},
		failAt:     map[uint32]bool{},
		longAck:    map[byte]bool{},
	}
}

func (f *fakeTarget) Open() error {
	f.opened++
	f.isOpen = true
	f.pending = nil
	return nil
}

func (f *fakeTarget) Close() error {
	if f.isOpen {
		f.closed++
	}
	f.isOpen = false
	return nil
}

func (f *fakeTarget) MaxPacketSize() int {
	return f.linkMax
}

func (f *fakeTarget) Send(packet []byte) error {
	if !f.isOpen {
		return blterr.Errorf(blterr.ErrTransport, "fake", "%w", blterr.ErrDisconnected)
	}
	cmd := bytes.Clone(packet)
	f.sent = append(f.sent, cmd)

	if f.silent[cmd[0]] {
		return nil
	}
	if n := f.busy[cmd[0]]; n > 0 {
		f.busy[cmd[0]] = 0
		for range n {
			f.pending = append(f.pending, []byte{protocol.PIDError, protocol.ErrCmdBusy})
		}
	}
	f.pending = append(f.pending, f.handle(cmd)...)
	return nil
}

func (f *fakeTarget) Receive(timeout time.Duration) ([]byte, error) {
	if len(f.pending) == 0 {
		return nil, blterr.Errorf(blterr.ErrTimeout, "fake", "%w", blterr.ErrTimedOut)
	}
	resp := f.pending[0]
	f.pending = f.pending[1:]
	return resp, nil
}

func (f *fakeTarget) protection() byte {
	if f.locked {
		return protocol.ResourcePGM
	}
	return 0
}

func (f *fakeTarget) handle(cmd []byte) [][]byte {
	ok := []byte{protocol.PIDResponse}
	if f.longAck[cmd[0]] {
		ok = append(ok, 0)
	}
	switch cmd[0] {
	case protocol.CmdConnect:
		if f.connectDrops > 0 {
			f.connectDrops--
			return nil
		}
		commMode := byte(0)
		if f.order == binary.BigEndian {
			commMode = 1
		}
		resp := []byte{protocol.PIDResponse, protocol.ResourcePGM, commMode, f.maxCto, 0, 0, 1, 1}
		f.order.PutUint16(resp[4:], f.maxDto)
		if f.extraConnect {
			return [][]byte{resp, resp}
		}
		return [][]byte{resp}

	case protocol.CmdGetStatus:
		return [][]byte{{protocol.PIDResponse, 0, f.protection(), 0, 0, 0}}

	case protocol.CmdGetSeed:
		if !f.locked {
			return [][]byte{{protocol.PIDResponse, 0}}
		}
		if cmd[1] == protocol.SeedModeFirst {
			f.seedOff = 0
		}
		remaining := len(f.seed) - f.seedOff
		n := min(remaining, int(f.maxDto)-2)
		resp := append([]byte{protocol.PIDResponse, byte(remaining)}, f.seed[f.seedOff:f.seedOff+n]...)
		f.seedOff += n
		return [][]byte{resp}

	case protocol.CmdUnlock:
		remaining := int(cmd[1])
		if f.keyTotal == 0 {
			f.keyTotal = remaining
			f.keyRecv = nil
		}
		f.keyRecv = append(f.keyRecv, cmd[2:]...)
		if remaining <= len(cmd)-2 {
			f.keyTotal = 0
			if bytes.Equal(f.keyRecv, f.key) {
				f.locked = false
			} else if f.rejectMA {
				return [][]byte{{protocol.PIDError, protocol.ErrAccessLocked}}
			}
		}
		return [][]byte{{protocol.PIDResponse, f.protection()}}

	case protocol.CmdSetMTA:
		f.mta = f.order.Uint32(cmd[4:8])
		return [][]byte{ok}

	case protocol.CmdProgramStart:
		return [][]byte{{protocol.PIDResponse, 0, 0, f.maxProgCto, 0, 0, 0}}

	case protocol.CmdProgramClear:
		f.erases = append(f.erases, erase{address: f.mta, length: f.order.Uint32(cmd[4:8])})
		return [][]byte{ok}

	case protocol.CmdProgram, protocol.CmdProgramMax:
		data := cmd[1:]
		if cmd[0] == protocol.CmdProgram {
			if cmd[1] == 0 {
				f.programEnded = true
				return [][]byte{ok}
			}
			data = cmd[2 : 2+int(cmd[1])]
		}
		if f.failAt[f.mta] {
			return [][]byte{{protocol.PIDError, protocol.ErrGeneric}}
		}
		for i, b := range data {
			f.memory[f.mta+uint32(i)] = b
		}
		f.mta += uint32(len(data))
		return [][]byte{ok}

	case protocol.CmdUpload:
		resp := []byte{protocol.PIDResponse}
		for i := range int(cmd[1]) {
			resp = append(resp, f.memory[f.mta+uint32(i)])
		}
		f.mta += uint32(cmd[1])
		return [][]byte{resp}

	case protocol.CmdProgramReset:
		f.reset = true
		return [][]byte{ok}

	case protocol.CmdUser:
		if !f.infoSupported {
			return [][]byte{{protocol.PIDError, protocol.ErrCmdUnknown}}
		}
		switch cmd[2] {
		case protocol.InfoTableGetInfo:
			resp := make([]byte, 8)
			resp[0] = protocol.PIDResponse
			f.order.PutUint16(resp[2:], uint16(len(f.infoTable)))
			f.order.PutUint32(resp[4:], f.infoAddr)
			f.infoRecv = nil
			return [][]byte{resp}
		case protocol.InfoTableDownload:
			f.infoRecv = append(f.infoRecv, cmd[4:4+int(cmd[3])]...)
			return [][]byte{{protocol.PIDResponse, 0}}
		case protocol.InfoTableCheck:
			result := byte(0)
			if bytes.Equal(f.infoRecv, f.infoTable) {
				result = protocol.InfoTableCheckPass
			}
			return [][]byte{{protocol.PIDResponse, 0, result}}
		}
	}
	return [][]byte{{protocol.PIDError, protocol.ErrCmdUnknown}}
}

// commands returns the command codes sent so far.
func (f *fakeTarget) commands() []byte {
	out := make([]byte, 0, len(f.sent))
	for _, c := range f.sent {
		out = append(out, c[0])
	}
	return out
}
