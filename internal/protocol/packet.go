// Package protocol encodes XCP command packets and decodes the target's responses.
//
// The codec is stateless. Functions that carry multi-byte fields take the byte order
// negotiated with CONNECT.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/feaser/openblt/internal/blterr"
)

// Response lengths fixed by the protocol.
const (
	ConnectResponseLen      = 8
	StatusResponseLen       = 6
	UnlockResponseLen       = 2
	ProgramStartResponseLen = 7
	InfoTableInfoLen        = 8
	InfoTableCheckLen       = 3
)

// CommandError is a negative response from the target.
type CommandError struct {
	Command byte
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected with 0x%02X (%s)", CommandName(e.Command), e.Code, ErrorMessage(e.Code))
}

func (e *CommandError) Unwrap() error {
	return blterr.ErrTargetRejected
}

// Connect returns a CONNECT command.
func Connect(mode byte) []byte {
	return []byte{CmdConnect, mode}
}

// GetStatus returns a GET_STATUS command.
func GetStatus() []byte {
	return []byte{CmdGetStatus}
}

// GetSeed returns a GET_SEED command for resource.
func GetSeed(mode, resource byte) []byte {
	return []byte{CmdGetSeed, mode, resource}
}

// Unlock returns an UNLOCK command. remaining is the key length still to be sent,
// including the bytes of this packet.
func Unlock(remaining byte, key []byte) []byte {
	return append([]byte{CmdUnlock, remaining}, key...)
}

// SetMTA returns a SET_MTA command with a zero address extension.
func SetMTA(order binary.ByteOrder, address uint32) []byte {
	packet := []byte{CmdSetMTA, 0, 0, 0, 0, 0, 0, 0}
	order.PutUint32(packet[4:], address)
	return packet
}

// Upload returns an UPLOAD command for n bytes.
func Upload(n byte) []byte {
	return []byte{CmdUpload, n}
}

// ProgramStart returns a PROGRAM_START command.
func ProgramStart() []byte {
	return []byte{CmdProgramStart}
}

// ProgramClear returns a PROGRAM_CLEAR command in absolute mode.
func ProgramClear(order binary.ByteOrder, length uint32) []byte {
	packet := []byte{CmdProgramClear, 0, 0, 0, 0, 0, 0, 0}
	order.PutUint32(packet[4:], length)
	return packet
}

// Program returns a PROGRAM command. An empty data slice marks the end of programming.
func Program(data []byte) []byte {
	return append([]byte{CmdProgram, byte(len(data))}, data...)
}

// ProgramMax returns a PROGRAM_MAX command. data must be exactly maxProgCto-1 bytes.
func ProgramMax(data []byte) []byte {
	return append([]byte{CmdProgramMax}, data...)
}

// ProgramReset returns a PROGRAM_RESET command.
func ProgramReset() []byte {
	return []byte{CmdProgramReset}
}

// InfoTableGetInfoCmd returns the info table GET_INFO user command.
func InfoTableGetInfoCmd() []byte {
	return []byte{CmdUser, UserCmdInfoTable, InfoTableGetInfo}
}

// InfoTableDownloadCmd returns the info table DOWNLOAD user command.
func InfoTableDownloadCmd(data []byte) []byte {
	return append([]byte{CmdUser, UserCmdInfoTable, InfoTableDownload, byte(len(data))}, data...)
}

// InfoTableCheckCmd returns the info table CHECK user command.
func InfoTableCheckCmd() []byte {
	return []byte{CmdUser, UserCmdInfoTable, InfoTableCheck}
}

// Check validates the packet identifier of a response to cmd. A PID_ERR response is
// returned as a *CommandError wrapped in a protocol error.
func Check(cmd byte, resp []byte) error {
	if len(resp) == 0 {
		return blterr.Errorf(blterr.ErrProtocol, CommandName(cmd), "empty response: %w", blterr.ErrIncomplete)
	}
	switch resp[0] {
	case PIDResponse:
		return nil
	case PIDError:
		code := byte(ErrGeneric)
		if len(resp) > 1 {
			code = resp[1]
		}
		return blterr.New(blterr.ErrProtocol, CommandName(cmd), &CommandError{Command: cmd, Code: code})
	default:
		return blterr.Errorf(blterr.ErrProtocol, CommandName(cmd), "invalid PID 0x%02X: %w", resp[0], blterr.ErrMalformed)
	}
}

// CheckLen validates the PID and the exact length of a response to cmd.
func CheckLen(cmd byte, resp []byte, want int) error {
	if err := Check(cmd, resp); err != nil {
		return err
	}
	if len(resp) != want {
		return blterr.Errorf(blterr.ErrProtocol, CommandName(cmd), "response length %d, want %d: %w", len(resp), want, blterr.ErrMalformed)
	}
	return nil
}

// ConnectInfo is the result of a CONNECT command.
type ConnectInfo struct {
	Resources byte
	CommMode  byte
	MaxCto    byte
	MaxDto    uint16
	Protocol  byte
	Transport byte
}

// ByteOrder returns the byte order the target uses for multi-byte fields.
func (c ConnectInfo) ByteOrder() binary.ByteOrder {
	if c.CommMode&0x01 == 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// DecodeConnect parses a CONNECT response.
func DecodeConnect(resp []byte) (ConnectInfo, error) {
	if err := CheckLen(CmdConnect, resp, ConnectResponseLen); err != nil {
		return ConnectInfo{}, err
	}
	info := ConnectInfo{
		Resources: resp[1],
		CommMode:  resp[2],
		MaxCto:    resp[3],
		Protocol:  resp[6],
		Transport: resp[7],
	}
	info.MaxDto = info.ByteOrder().Uint16(resp[4:6])
	if info.MaxCto == 0 || info.MaxDto == 0 {
		return ConnectInfo{}, blterr.Errorf(blterr.ErrProtocol, "CONNECT", "maxCto %d maxDto %d: %w", info.MaxCto, info.MaxDto, blterr.ErrMalformed)
	}
	return info, nil
}

// Status is the result of a GET_STATUS command.
type Status struct {
	Session    byte
	Protection byte
	ConfigID   uint16
}

// DecodeStatus parses a GET_STATUS response.
func DecodeStatus(order binary.ByteOrder, resp []byte) (Status, error) {
	if err := CheckLen(CmdGetStatus, resp, StatusResponseLen); err != nil {
		return Status{}, err
	}
	return Status{
		Session:    resp[1],
		Protection: resp[2],
		ConfigID:   order.Uint16(resp[4:6]),
	}, nil
}

// DecodeSeed parses a GET_SEED response. remaining is the seed length the target still
// has to send, including the returned part.
func DecodeSeed(resp []byte, maxDto int) (remaining byte, seed []byte, err error) {
	if err := Check(CmdGetSeed, resp); err != nil {
		return 0, nil, err
	}
	if len(resp) <= 2 || len(resp) > maxDto {
		return 0, nil, blterr.Errorf(blterr.ErrProtocol, "GET_SEED", "response length %d: %w", len(resp), blterr.ErrMalformed)
	}
	remaining = resp[1]
	n := min(int(remaining), maxDto-2, len(resp)-2)
	return remaining, append([]byte(nil), resp[2:2+n]...), nil
}

// DecodeUnlock parses an UNLOCK response and returns the resources still protected.
func DecodeUnlock(resp []byte) (byte, error) {
	if err := CheckLen(CmdUnlock, resp, UnlockResponseLen); err != nil {
		return 0, err
	}
	return resp[1], nil
}

// DecodeProgramStart parses a PROGRAM_START response and returns maxProgCto.
func DecodeProgramStart(resp []byte) (byte, error) {
	if err := CheckLen(CmdProgramStart, resp, ProgramStartResponseLen); err != nil {
		return 0, err
	}
	return resp[3], nil
}

// DecodeUpload returns the data bytes of an UPLOAD response expected to carry n bytes.
func DecodeUpload(resp []byte, n int) ([]byte, error) {
	if err := Check(CmdUpload, resp); err != nil {
		return nil, err
	}
	if len(resp) < n+1 {
		return nil, blterr.Errorf(blterr.ErrProtocol, "UPLOAD", "got %d data bytes, want %d: %w", len(resp)-1, n, blterr.ErrMalformed)
	}
	return append([]byte(nil), resp[1:n+1]...), nil
}

// InfoTable locates the info table in target memory.
type InfoTable struct {
	Address uint32
	Length  uint16
}

// DecodeInfoTable parses an info table GET_INFO response.
func DecodeInfoTable(order binary.ByteOrder, resp []byte) (InfoTable, error) {
	if err := CheckLen(CmdUser, resp, InfoTableInfoLen); err != nil {
		return InfoTable{}, err
	}
	it := InfoTable{
		Length:  order.Uint16(resp[2:4]),
		Address: order.Uint32(resp[4:8]),
	}
	if it.Length == 0 {
		return InfoTable{}, blterr.Errorf(blterr.ErrProtocol, "GET_INFO", "zero info table length: %w", blterr.ErrMalformed)
	}
	return it, nil
}

// DecodeInfoTableCheck parses an info table CHECK response.
func DecodeInfoTableCheck(resp []byte) (bool, error) {
	if err := CheckLen(CmdUser, resp, InfoTableCheckLen); err != nil {
		return false, err
	}
	return resp[2] == InfoTableCheckPass, nil
}

// IsError reports whether resp is a negative response with the given error code.
func IsError(resp []byte, code byte) bool {
	return len(resp) >= 2 && resp[0] == PIDError && resp[1] == code
}
