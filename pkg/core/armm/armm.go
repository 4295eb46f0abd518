// Package armm controls ARM M-profile cores (ARMv6-M, ARMv7-M, ARMv7E-M,
// ARMv8-M) through the memory-mapped System Control Space: DHCSR-based run
// control, DCRSR/DCRDR register shuttling, FPB hardware breakpoints, vector
// catch, and semihosting detection.
package armm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// System Control Space debug registers.
const (
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC
	regAIRCR = 0xE000ED0C
	regDFSR  = 0xE000ED30
)

// DHCSR bits.
const (
	dhcsrDbgKey    = 0xA05F << 16
	dhcsrCDebugEn  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrCMaskInts = 1 << 3
	dhcsrSRegRdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSSleep    = 1 << 18
	dhcsrSLockup   = 1 << 19
	dhcsrSRetireSt = 1 << 24
	dhcsrSResetSt  = 1 << 25
)

// DCRSR bits.
const dcrsrRegWnR = 1 << 16

// DEMCR bits.
const (
	demcrVcCoreReset = 1 << 0
	demcrVcHardErr   = 1 << 10
	demcrTrcEna      = 1 << 24
)

// AIRCR bits.
const (
	aircrVectKey     = 0x05FA << 16
	aircrSysResetReq = 1 << 2
)

// DFSR bits, write-one-to-clear.
const (
	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDwtTrap  = 1 << 2
	dfsrVCatch   = 1 << 3
	dfsrExternal = 1 << 4
	dfsrAll      = 0x1F
)

// FPB registers, relative to the unit base.
const (
	fpCtrlOffset = 0x0
	fpCompOffset = 0x8
)

const (
	fpCtrlEnable = 1 << 0
	fpCtrlKey    = 1 << 1
)

// defaultFpbBase is where the FPB sits when ROM-table discovery did not
// provide a base.
const defaultFpbBase = 0xE0002000

// bkptThumb is the Thumb encoding of BKPT 0xAB, the semihosting trap.
const bkptThumb = 0xBEAB

const pollInterval = 100 * time.Microsecond

// Core drives one M-profile core. It embeds the core's memory view, so all
// dap.Memory operations are available directly.
type Core struct {
	dap.Memory

	kind    core.Kind
	fpbBase uint64

	fpbReady bool
	fpbRev   uint8
	numUnits int
	units    []uint64
	active   bitmap.Bitmap

	stepped bool

	log *zap.Logger
}

var _ core.Core = (*Core)(nil)

// Config carries the per-chip knobs for an M-profile controller.
type Config struct {
	Kind core.Kind

	// FpbBase overrides the FPB/BPU base address; zero selects the
	// architectural default.
	FpbBase uint64
}

// New builds the controller and enables debug via DHCSR.
func New(mem dap.Memory, cfg Config) (*Core, error) {
	if cfg.Kind == "" {
		cfg.Kind = core.Armv7M
	}
	base := cfg.FpbBase
	if base == 0 {
		base = defaultFpbBase
	}
	c := &Core{
		Memory:  mem,
		kind:    cfg.Kind,
		fpbBase: base,
		log:     logging.Named("core.armm"),
	}
	if err := c.enableDebug(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) Kind() core.Kind {
	return c.kind
}

func (c *Core) enableDebug() error {
	return c.WriteWord32(regDHCSR, dhcsrDbgKey|dhcsrCDebugEn)
}

// writeDhcsr keeps C_DEBUGEN asserted on every control write.
func (c *Core) writeDhcsr(ctrl uint32) error {
	return c.WriteWord32(regDHCSR, dhcsrDbgKey|dhcsrCDebugEn|ctrl)
}

// Status samples DHCSR and, when halted, decodes the reason from DFSR.
func (c *Core) Status() (core.Status, error) {
	dhcsr, err := c.ReadWord32(regDHCSR)
	if err != nil {
		return core.Status{}, err
	}
	if dhcsr&dhcsrSLockup != 0 {
		return core.Status{Halted: true, Reason: core.ReasonLockUp}, nil
	}
	if dhcsr&dhcsrSHalt == 0 {
		return core.Running, nil
	}

	dfsr, err := c.ReadWord32(regDFSR)
	if err != nil {
		return core.Status{}, err
	}
	status := core.Status{Halted: true, Reason: core.ReasonUnknown}
	switch {
	case dfsr&dfsrBkpt != 0:
		status.Reason = core.ReasonBreakpoint
		if cmd, ok, err := c.checkSemihosting(); err != nil {
			return core.Status{}, err
		} else if ok {
			status.Reason = core.ReasonSemihosting
			status.Semihosting = &cmd
		}
	case dfsr&dfsrDwtTrap != 0:
		status.Reason = core.ReasonWatchpoint
	case dfsr&dfsrVCatch != 0:
		status.Reason = core.ReasonException
	case dfsr&dfsrExternal != 0:
		status.Reason = core.ReasonExternal
	case dfsr&dfsrHalted != 0:
		if c.stepped {
			status.Reason = core.ReasonStep
		} else {
			status.Reason = core.ReasonRequest
		}
	}
	return status, nil
}

// checkSemihosting inspects the instruction at PC for BKPT 0xAB and decodes
// the request registers.
func (c *Core) checkSemihosting() (core.SemihostingCommand, bool, error) {
	pc, err := c.ReadCoreRegister(core.ArmPC)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	var insn [2]byte
	if err := c.Read(pc, insn[:]); err != nil {
		// The PC may sit outside readable memory; not semihosting.
		return core.SemihostingCommand{}, false, nil
	}
	if binary.LittleEndian.Uint16(insn[:]) != bkptThumb {
		return core.SemihostingCommand{}, false, nil
	}
	op, err := c.ReadCoreRegister(core.ArmR0)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	param, err := c.ReadCoreRegister(core.ArmR1)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	return core.SemihostingCommand{Operation: uint32(op), Parameter: uint32(param)}, true, nil
}

// Halt requests a halt and polls until DHCSR reports it.
func (c *Core) Halt(timeout time.Duration) (core.Status, error) {
	c.stepped = false
	if err := c.clearDfsr(); err != nil {
		return core.Status{}, err
	}
	if err := c.writeDhcsr(dhcsrCHalt); err != nil {
		return core.Status{}, err
	}
	if err := c.waitHalted("halt", timeout); err != nil {
		return core.Status{}, err
	}
	return c.Status()
}

func (c *Core) waitHalted(op string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dhcsr, err := c.ReadWord32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&dhcsrSHalt != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: op, Timeout: timeout}
		}
		time.Sleep(pollInterval)
	}
}

// Run resumes execution.
func (c *Core) Run() error {
	c.stepped = false
	if err := c.clearDfsr(); err != nil {
		return err
	}
	if err := c.writeDhcsr(0); err != nil {
		return err
	}
	return c.Flush()
}

// Step executes one instruction with interrupts masked and returns the new
// PC. A breakpoint on the current PC is suspended for the step.
func (c *Core) Step() (uint64, error) {
	pc, err := c.ReadCoreRegister(core.ArmPC)
	if err != nil {
		return 0, err
	}
	suspended, err := c.suspendBreakpointAt(pc)
	if err != nil {
		return 0, err
	}

	if err := c.clearDfsr(); err != nil {
		return 0, err
	}
	if err := c.writeDhcsr(dhcsrCStep | dhcsrCMaskInts); err != nil {
		return 0, err
	}
	if err := c.waitHalted("step", time.Second); err != nil {
		return 0, err
	}
	c.stepped = true

	if suspended >= 0 {
		if err := c.writeComparator(suspended, c.units[suspended]); err != nil {
			return 0, err
		}
	}
	return c.ReadCoreRegister(core.ArmPC)
}

func (c *Core) clearDfsr() error {
	return c.WriteWord32(regDFSR, dfsrAll)
}

// Reset issues SYSRESETREQ without catching the reset vector.
func (c *Core) Reset() error {
	if err := c.WriteWord32(regAIRCR, aircrVectKey|aircrSysResetReq); err != nil {
		return err
	}
	return c.Flush()
}

// ResetAndHalt catches the reset vector so the core halts before executing
// its first instruction.
func (c *Core) ResetAndHalt(timeout time.Duration) error {
	demcr, err := c.ReadWord32(regDEMCR)
	if err != nil {
		return err
	}
	if err := c.WriteWord32(regDEMCR, demcr|demcrVcCoreReset); err != nil {
		return err
	}
	if err := c.clearDfsr(); err != nil {
		return err
	}
	if err := c.Reset(); err != nil {
		return err
	}
	if err := c.waitHalted("reset-and-halt", timeout); err != nil {
		return err
	}
	// Debug state does not survive some resets; reassert before touching
	// anything else.
	if err := c.enableDebug(); err != nil {
		return err
	}
	return c.WriteWord32(regDEMCR, demcr&^uint32(demcrVcCoreReset))
}

// CatchHardFault controls DEMCR.VC_HARDERR.
func (c *Core) CatchHardFault(enable bool) error {
	demcr, err := c.ReadWord32(regDEMCR)
	if err != nil {
		return err
	}
	if enable {
		demcr |= demcrVcHardErr
	} else {
		demcr &^= uint32(demcrVcHardErr)
	}
	return c.WriteWord32(regDEMCR, demcr)
}

// ReadCoreRegister shuttles one register out through DCRSR/DCRDR.
func (c *Core) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	if err := c.WriteWord32(regDCRSR, uint32(reg)); err != nil {
		return 0, err
	}
	if err := c.waitRegReady(); err != nil {
		return 0, err
	}
	v, err := c.ReadWord32(regDCRDR)
	return uint64(v), err
}

// WriteCoreRegister shuttles one register value in.
func (c *Core) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	if value > 0xFFFF_FFFF {
		return fmt.Errorf("armm: register value %#x exceeds 32 bits", value)
	}
	if err := c.WriteWord32(regDCRDR, uint32(value)); err != nil {
		return err
	}
	if err := c.WriteWord32(regDCRSR, uint32(reg)|dcrsrRegWnR); err != nil {
		return err
	}
	return c.waitRegReady()
}

func (c *Core) waitRegReady() error {
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		dhcsr, err := c.ReadWord32(regDHCSR)
		if err != nil {
			return err
		}
		if dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: "register transfer", Timeout: 100 * time.Millisecond}
		}
		time.Sleep(pollInterval)
	}
}

// ProgramCounter reads the PC.
func (c *Core) ProgramCounter() (uint64, error) {
	return c.ReadCoreRegister(core.ArmPC)
}

// initFpb reads FP_CTRL to size the comparator pool and enables the unit.
func (c *Core) initFpb() error {
	if c.fpbReady {
		return nil
	}
	ctrl, err := c.ReadWord32(c.fpbBase + fpCtrlOffset)
	if err != nil {
		return err
	}
	c.numUnits = int(ctrl>>4&0xF | (ctrl>>12&0x7)<<4)
	c.fpbRev = uint8(ctrl >> 28 & 0xF)
	c.units = make([]uint64, c.numUnits)
	c.active = bitmap.New(c.numUnits)
	if err := c.WriteWord32(c.fpbBase+fpCtrlOffset, fpCtrlKey|fpCtrlEnable); err != nil {
		return err
	}
	c.fpbReady = true
	c.log.Debug("FPB initialized", zap.Int("units", c.numUnits), zap.Uint8("rev", c.fpbRev))
	return nil
}

// NumHwBreakpoints reports the comparator pool size.
func (c *Core) NumHwBreakpoints() (int, error) {
	if err := c.initFpb(); err != nil {
		return 0, err
	}
	return c.numUnits, nil
}

// comparatorValue encodes an address for the FPB revision in use.
func (c *Core) comparatorValue(address uint64) (uint32, error) {
	if address%2 != 0 {
		return 0, &core.BreakpointError{Address: address, Msg: "address must be halfword aligned"}
	}
	if c.fpbRev >= 1 {
		// FPBv2 comparators hold the full address with the enable bit.
		return uint32(address) | 1, nil
	}
	if address >= 0x2000_0000 {
		return 0, &core.BreakpointError{Address: address, Msg: "FPBv1 comparators only match the code region"}
	}
	v := uint32(address) & 0x1FFF_FFFC
	if address&0x2 != 0 {
		v |= 0x2 << 30 // match upper halfword
	} else {
		v |= 0x1 << 30 // match lower halfword
	}
	return v | 1, nil
}

func (c *Core) writeComparator(unit int, address uint64) error {
	if address == 0 {
		return c.WriteWord32(c.fpbBase+fpCompOffset+uint64(unit)*4, 0)
	}
	v, err := c.comparatorValue(address)
	if err != nil {
		return err
	}
	return c.WriteWord32(c.fpbBase+fpCompOffset+uint64(unit)*4, v)
}

// SetHwBreakpoint allocates a free comparator for the address.
func (c *Core) SetHwBreakpoint(address uint64) error {
	if err := c.initFpb(); err != nil {
		return err
	}
	free := -1
	for i := 0; i < c.numUnits; i++ {
		if c.active.Get(i) {
			if c.units[i] == address {
				return nil
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return &core.BreakpointError{Address: address, Msg: fmt.Sprintf("all %d units in use", c.numUnits)}
	}
	if err := c.writeComparator(free, address); err != nil {
		return err
	}
	c.units[free] = address
	c.active.Set(free, true)
	return nil
}

// ClearHwBreakpoint releases the comparator holding the address; clearing an
// address that is not set is a no-op.
func (c *Core) ClearHwBreakpoint(address uint64) error {
	if err := c.initFpb(); err != nil {
		return err
	}
	for i := 0; i < c.numUnits; i++ {
		if !c.active.Get(i) || c.units[i] != address {
			continue
		}
		if err := c.WriteWord32(c.fpbBase+fpCompOffset+uint64(i)*4, 0); err != nil {
			return err
		}
		c.units[i] = 0
		c.active.Set(i, false)
		return nil
	}
	return nil
}

// HwBreakpoints lists the allocated comparators.
func (c *Core) HwBreakpoints() ([]core.Breakpoint, error) {
	if err := c.initFpb(); err != nil {
		return nil, err
	}
	var out []core.Breakpoint
	for i := 0; i < c.numUnits; i++ {
		if c.active.Get(i) {
			out = append(out, core.Breakpoint{Address: c.units[i], UnitIndex: i})
		}
	}
	return out, nil
}

// suspendBreakpointAt disables the comparator matching pc for a single step,
// returning its unit index or -1.
func (c *Core) suspendBreakpointAt(pc uint64) (int, error) {
	if !c.fpbReady {
		return -1, nil
	}
	for i := 0; i < c.numUnits; i++ {
		if c.active.Get(i) && c.units[i] == pc {
			if err := c.WriteWord32(c.fpbBase+fpCompOffset+uint64(i)*4, 0); err != nil {
				return -1, err
			}
			return i, nil
		}
	}
	return -1, nil
}
