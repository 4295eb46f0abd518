// Package core defines the architecture-independent view of one target CPU
// core: run state control, core register access, hardware breakpoints, and
// reset sequencing. Architecture-specific controllers live in subpackages
// and are selected by the Kind recorded in the target description.
package core

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// Kind enumerates the supported core architectures.
type Kind string

const (
	Armv6M  Kind = "armv6m"
	Armv7M  Kind = "armv7m"
	Armv7EM Kind = "armv7em"
	Armv8M  Kind = "armv8m"
	Armv7A  Kind = "armv7a"
	Armv8A  Kind = "armv8a"
	Riscv   Kind = "riscv"
	Xtensa  Kind = "xtensa"
)

// Valid reports whether the kind names a known architecture.
func (k Kind) Valid() bool {
	switch k {
	case Armv6M, Armv7M, Armv7EM, Armv8M, Armv7A, Armv8A, Riscv, Xtensa:
		return true
	}
	return false
}

// HaltReason explains why a core is halted.
type HaltReason uint8

const (
	ReasonUnknown HaltReason = iota
	ReasonRequest
	ReasonBreakpoint
	ReasonWatchpoint
	ReasonStep
	ReasonExternal
	ReasonException
	ReasonSemihosting
	ReasonLockUp
)

func (r HaltReason) String() string {
	switch r {
	case ReasonRequest:
		return "request"
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonWatchpoint:
		return "watchpoint"
	case ReasonStep:
		return "step"
	case ReasonExternal:
		return "external"
	case ReasonException:
		return "exception"
	case ReasonSemihosting:
		return "semihosting"
	case ReasonLockUp:
		return "lockup"
	}
	return "unknown"
}

// Status is the observable run state of a core.
type Status struct {
	Halted bool
	Reason HaltReason

	// Semihosting carries the decoded request when Reason is
	// ReasonSemihosting.
	Semihosting *SemihostingCommand
}

// Running is the status of a core that is not halted.
var Running = Status{}

// Breakpoint is one allocated hardware breakpoint unit.
type Breakpoint struct {
	Address   uint64
	UnitIndex int
}

// Core is the per-architecture controller contract. All its operations are
// strictly ordered with respect to each other; callers serialize access.
type Core interface {
	dap.Memory

	Kind() Kind

	// Status samples the core state without disturbing it.
	Status() (Status, error)

	// Halt requests a halt and polls until the core reports halted or
	// the timeout expires.
	Halt(timeout time.Duration) (Status, error)

	// Run resumes execution.
	Run() error

	// Step executes one instruction and returns the new program counter.
	// A hardware breakpoint on the current PC is suspended for the step.
	Step() (uint64, error)

	// Reset issues a system reset without catching it.
	Reset() error

	// ResetAndHalt arranges for the core to halt on the first
	// instruction out of reset.
	ResetAndHalt(timeout time.Duration) error

	// ReadCoreRegister and WriteCoreRegister move one register value.
	ReadCoreRegister(reg RegisterID) (uint64, error)
	WriteCoreRegister(reg RegisterID, value uint64) error

	// ProgramCounter is shorthand for reading the PC register.
	ProgramCounter() (uint64, error)

	// NumHwBreakpoints reports the size of the unit pool.
	NumHwBreakpoints() (int, error)

	// SetHwBreakpoint allocates a free unit for the address. Setting the
	// same address twice is a no-op.
	SetHwBreakpoint(address uint64) error

	// ClearHwBreakpoint releases the unit holding the address; clearing
	// an address that is not set is a no-op.
	ClearHwBreakpoint(address uint64) error

	// HwBreakpoints lists the allocated units in unit order.
	HwBreakpoints() ([]Breakpoint, error)
}

// TimeoutError reports a poll loop that exceeded its caller-supplied bound.
// The request remains pending on the target; no reset is forced.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("core: %s did not complete within %s", e.Op, e.Timeout)
}

// BreakpointError reports a unit-pool exhaustion or an invalid breakpoint
// request. Existing units are left untouched.
type BreakpointError struct {
	Address uint64
	Msg     string
}

func (e *BreakpointError) Error() string {
	return fmt.Sprintf("core: breakpoint at %#x: %s", e.Address, e.Msg)
}
