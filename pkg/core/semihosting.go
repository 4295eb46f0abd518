package core

import "fmt"

// Semihosting operation numbers (ARM semihosting specification; RISC-V
// reuses the same numbering).
const (
	SemihostingSysOpen   = 0x01
	SemihostingSysClose  = 0x02
	SemihostingSysWriteC = 0x03
	SemihostingSysWrite0 = 0x04
	SemihostingSysWrite  = 0x05
	SemihostingSysRead   = 0x06
	SemihostingSysErrno  = 0x13
	SemihostingSysExit   = 0x18
)

// ADP_Stopped_ApplicationExit: the SYS_EXIT parameter signalling a clean
// exit.
const SemihostingExitSuccess = 0x20026

// SemihostingCommand is a decoded semihosting request: the operation from
// r0/a0 and the parameter (usually a pointer to an argument block) from
// r1/a1. The caller decides whether to service it and resume, or surface it.
type SemihostingCommand struct {
	Operation uint32
	Parameter uint32
}

// IsExit reports whether the command is SYS_EXIT, and whether it signals
// success.
func (c SemihostingCommand) IsExit() (exit bool, success bool) {
	if c.Operation != SemihostingSysExit {
		return false, false
	}
	return true, c.Parameter == SemihostingExitSuccess
}

func (c SemihostingCommand) String() string {
	switch c.Operation {
	case SemihostingSysExit:
		if c.Parameter == SemihostingExitSuccess {
			return "SYS_EXIT(success)"
		}
		return fmt.Sprintf("SYS_EXIT(%#x)", c.Parameter)
	case SemihostingSysWrite:
		return "SYS_WRITE"
	case SemihostingSysWriteC:
		return "SYS_WRITEC"
	case SemihostingSysWrite0:
		return "SYS_WRITE0"
	case SemihostingSysOpen:
		return "SYS_OPEN"
	case SemihostingSysClose:
		return "SYS_CLOSE"
	case SemihostingSysRead:
		return "SYS_READ"
	case SemihostingSysErrno:
		return "SYS_ERRNO"
	}
	return fmt.Sprintf("semihosting(op=%#x, param=%#x)", c.Operation, c.Parameter)
}
