package protocol

// XCP command codes used by the bootloader.
const (
	CmdConnect      = 0xFF
	CmdGetStatus    = 0xFD
	CmdGetSeed      = 0xF8
	CmdUnlock       = 0xF7
	CmdSetMTA       = 0xF6
	CmdUpload       = 0xF5
	CmdUser         = 0xF1
	CmdProgramStart = 0xD2
	CmdProgramClear = 0xD1
	CmdProgram      = 0xD0
	CmdProgramReset = 0xCF
	CmdProgramMax   = 0xC9
)

// Packet identifiers of target responses.
const (
	PIDResponse = 0xFF
	PIDError    = 0xFE
)

// Info table user command and its command IDs.
const (
	UserCmdInfoTable   = 0x17
	InfoTableGetInfo   = 0x04
	InfoTableDownload  = 0x06
	InfoTableCheck     = 0x08
	InfoTableCheckPass = 0x01
)

// Protectable resources reported by CONNECT and GET_STATUS.
const (
	ResourceCalPag = 0x01
	ResourceDAQ    = 0x04
	ResourceStim   = 0x08
	ResourcePGM    = 0x10
)

// Seed request modes.
const (
	SeedModeFirst     = 0x00
	SeedModeRemaining = 0x01
)

// Error codes from the target
const (
	ErrCmdSynch        = 0x00
	ErrCmdBusy         = 0x10
	ErrDaqActive       = 0x11
	ErrPgmActive       = 0x12
	ErrCmdUnknown      = 0x20
	ErrCmdSyntax       = 0x21
	ErrOutOfRange      = 0x22
	ErrWriteProtected  = 0x23
	ErrAccessDenied    = 0x24
	ErrAccessLocked    = 0x25
	ErrPageNotValid    = 0x26
	ErrModeNotValid    = 0x27
	ErrSegmentNotValid = 0x28
	ErrSequence        = 0x29
	ErrDaqConfig       = 0x2A
	ErrMemoryOverflow  = 0x30
	ErrGeneric         = 0x31
	ErrVerify          = 0x32
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrCmdSynch:
		return "command synch"
	case ErrCmdBusy:
		return "command busy"
	case ErrDaqActive:
		return "DAQ active"
	case ErrPgmActive:
		return "programming active"
	case ErrCmdUnknown:
		return "unknown command"
	case ErrCmdSyntax:
		return "command syntax"
	case ErrOutOfRange:
		return "out of range"
	case ErrWriteProtected:
		return "write protected"
	case ErrAccessDenied:
		return "access denied"
	case ErrAccessLocked:
		return "access locked"
	case ErrPageNotValid:
		return "page not valid"
	case ErrModeNotValid:
		return "mode not valid"
	case ErrSegmentNotValid:
		return "segment not valid"
	case ErrSequence:
		return "sequence error"
	case ErrDaqConfig:
		return "DAQ config"
	case ErrMemoryOverflow:
		return "memory overflow"
	case ErrGeneric:
		return "generic error"
	case ErrVerify:
		return "verify error"
	default:
		return "unknown error"
	}
}

// CommandName returns the name of a command code for logging.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "CONNECT"
	case CmdGetStatus:
		return "GET_STATUS"
	case CmdGetSeed:
		return "GET_SEED"
	case CmdUnlock:
		return "UNLOCK"
	case CmdSetMTA:
		return "SET_MTA"
	case CmdUpload:
		return "UPLOAD"
	case CmdUser:
		return "USER"
	case CmdProgramStart:
		return "PROGRAM_START"
	case CmdProgramClear:
		return "PROGRAM_CLEAR"
	case CmdProgram:
		return "PROGRAM"
	case CmdProgramReset:
		return "PROGRAM_RESET"
	case CmdProgramMax:
		return "PROGRAM_MAX"
	default:
		return "UNKNOWN"
	}
}
