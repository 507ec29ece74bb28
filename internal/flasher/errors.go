package flasher

import (
	"errors"

	"github.com/feaser/openblt/internal/blterr"
)

// Stage is the workflow step an error happened in.
type Stage int

const (
	StageLoad Stage = iota + 1
	StageConnect
	StageInfoTable
	StageErase
	StageProgram
	StageRead
)

func (s Stage) String() string {
	switch s {
	case StageLoad:
		return "load"
	case StageConnect:
		return "connect"
	case StageInfoTable:
		return "info table check"
	case StageErase:
		return "erase"
	case StageProgram:
		return "program"
	case StageRead:
		return "read"
	default:
		return "unknown"
	}
}

// Error is a workflow failure.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Process exit codes of the command line tool.
const (
	ExitOK              = 0
	ExitCommandLine     = 1
	ExitFirmwareLoad    = 2
	ExitMemoryErase     = 3
	ExitMemoryProgram   = 4
	ExitInfoTableFailed = 5
	ExitInfoTableError  = 6
)

// ExitCode maps err onto the exit code of the command line tool. Errors outside the
// workflow are command line errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return ExitCommandLine
	}
	switch fe.Stage {
	case StageLoad:
		return ExitFirmwareLoad
	case StageInfoTable:
		if errors.Is(fe.Err, blterr.ErrInfoTableMismatch) {
			return ExitInfoTableFailed
		}
		return ExitInfoTableError
	case StageErase:
		return ExitMemoryErase
	case StageConnect, StageProgram, StageRead:
		return ExitMemoryProgram
	default:
		return ExitCommandLine
	}
}
