// Package arma controls ARMv8-A cores through the memory-mapped external
// debug interface: halting via the cross-trigger interface, register access
// by stuffing instructions into EDITR, and DBGBVR/DBGBCR hardware
// breakpoints.
package arma

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// External debug registers, offsets from the debug component base.
const (
	regEDECR     = 0x024
	regDTRRX     = 0x080
	regEDITR     = 0x084
	regEDSCR     = 0x088
	regDTRTX     = 0x08C
	regEDRCR     = 0x090
	regOSLAR     = 0x300
	regEDPRSR    = 0x314
	regDBGBVR0   = 0x400
	regDBGBCR0   = 0x408
	regEDDFR     = 0xD28
	regLAR       = 0xFB0
	bpUnitStride = 0x10
)

// Cross-trigger interface registers, offsets from the CTI component base.
const (
	ctiControl  = 0x000
	ctiIntAck   = 0x010
	ctiAppPulse = 0x01C
	ctiOutEn0   = 0x0A0
	ctiGate     = 0x140
	ctiLAR      = 0xFB0
)

// Software lock key for LAR registers.
const larKey = 0xC5ACCE55

// CTI channel assignments: channel 0 requests a halt, channel 1 a restart.
const (
	ctiChanHalt    = 0
	ctiChanRestart = 1
)

// EDSCR fields.
const (
	edscrStatusMask = 0x3F
	edscrErr        = 1 << 6
	edscrHDE        = 1 << 14
	edscrITE        = 1 << 24
	edscrTXfull     = 1 << 29
	edscrRXfull     = 1 << 30
)

// EDSCR.STATUS halt codes.
const (
	statusRestarting = 0x01
	statusBreakpoint = 0x07
	statusExternal   = 0x13
	statusStepNormal = 0x1B
	statusStepExcl   = 0x1F
	statusWatchpoint = 0x2B
	statusHltInsn    = 0x2F
)

// EDECR bits.
const edecrSS = 1 << 2

// EDRCR bits.
const edrcrCSE = 1 << 2

// EDPRSR bits.
const (
	edprsrPU     = 1 << 0
	edprsrHalted = 1 << 4
)

// DBGBCR fields for an any-EL address match breakpoint.
const dbgbcrEnable = 1<<13 | 0xF<<5 | 1 // HMC, BAS all lanes, E

// AArch64 instruction encodings stuffed through EDITR.
const (
	insnMsrDbgdtrX = 0xD5130400 // msr dbgdtr_el0, xN
	insnMrsDbgdtrX = 0xD5330400 // mrs xN, dbgdtr_el0
	insnMsrDlrX0   = 0xD51B4520 // msr dlr_el0, x0
	insnMrsX0Dlr   = 0xD53B4520 // mrs x0, dlr_el0
	insnMovSpX0    = 0x9100001F // mov sp, x0
	insnMovX0Sp    = 0x910003E0 // mov x0, sp
)

const pollInterval = 100 * time.Microsecond

// Core drives one ARMv8-A core. Memory accesses go straight through the
// embedded MEM-AP view of the system bus.
type Core struct {
	dap.Memory

	debugBase uint64
	ctiBase   uint64

	numBps  int
	bpAddrs []uint64
	bpUsed  bitmap.Bitmap

	stepped bool

	log *zap.Logger
}

var _ core.Core = (*Core)(nil)

// Config locates the core's debug and CTI components, normally taken from
// ROM-table discovery.
type Config struct {
	DebugBase uint64
	CtiBase   uint64
}

// New unlocks the debug and CTI components, enables halting debug, and
// routes the CTI halt and restart channels.
func New(mem dap.Memory, cfg Config) (*Core, error) {
	if cfg.DebugBase == 0 || cfg.CtiBase == 0 {
		return nil, fmt.Errorf("arma: debug and CTI base addresses are required")
	}
	c := &Core{
		Memory:    mem,
		debugBase: cfg.DebugBase,
		ctiBase:   cfg.CtiBase,
		log:       logging.Named("core.arma"),
	}

	if err := c.WriteWord32(c.debugBase+regLAR, larKey); err != nil {
		return nil, err
	}
	if err := c.WriteWord32(c.ctiBase+ctiLAR, larKey); err != nil {
		return nil, err
	}
	// Clearing the OS lock releases the debug registers after powerup.
	if err := c.WriteWord32(c.debugBase+regOSLAR, 0); err != nil {
		return nil, err
	}

	edscr, err := c.ReadWord32(c.debugBase + regEDSCR)
	if err != nil {
		return nil, err
	}
	if err := c.WriteWord32(c.debugBase+regEDSCR, edscr|edscrHDE); err != nil {
		return nil, err
	}

	if err := c.WriteWord32(c.ctiBase+ctiControl, 1); err != nil {
		return nil, err
	}
	if err := c.WriteWord32(c.ctiBase+ctiGate, 0); err != nil {
		return nil, err
	}
	if err := c.WriteWord32(c.ctiBase+ctiOutEn0+4*ctiChanHalt, 1<<ctiChanHalt); err != nil {
		return nil, err
	}
	if err := c.WriteWord32(c.ctiBase+ctiOutEn0+4*ctiChanRestart, 1<<ctiChanRestart); err != nil {
		return nil, err
	}

	dfr, err := c.ReadWord32(c.debugBase + regEDDFR)
	if err != nil {
		return nil, err
	}
	c.numBps = int(dfr>>12&0xF) + 1
	c.bpAddrs = make([]uint64, c.numBps)
	c.bpUsed = bitmap.New(c.numBps)
	return c, nil
}

func (c *Core) Kind() core.Kind {
	return core.Armv8A
}

func (c *Core) edscr() (uint32, error) {
	return c.ReadWord32(c.debugBase + regEDSCR)
}

// Status samples EDPRSR and decodes the EDSCR halt code.
func (c *Core) Status() (core.Status, error) {
	prsr, err := c.ReadWord32(c.debugBase + regEDPRSR)
	if err != nil {
		return core.Status{}, err
	}
	if prsr&edprsrHalted == 0 {
		return core.Running, nil
	}
	edscr, err := c.edscr()
	if err != nil {
		return core.Status{}, err
	}
	status := core.Status{Halted: true, Reason: core.ReasonUnknown}
	switch edscr & edscrStatusMask {
	case statusBreakpoint, statusHltInsn:
		status.Reason = core.ReasonBreakpoint
	case statusWatchpoint:
		status.Reason = core.ReasonWatchpoint
	case statusExternal:
		if c.stepped {
			status.Reason = core.ReasonStep
		} else {
			status.Reason = core.ReasonRequest
		}
	case statusStepNormal, statusStepExcl:
		status.Reason = core.ReasonStep
	}
	return status, nil
}

// Halt pulses the CTI halt channel and waits for the core to stop.
func (c *Core) Halt(timeout time.Duration) (core.Status, error) {
	c.stepped = false
	if err := c.WriteWord32(c.ctiBase+ctiAppPulse, 1<<ctiChanHalt); err != nil {
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
		prsr, err := c.ReadWord32(c.debugBase + regEDPRSR)
		if err != nil {
			return err
		}
		if prsr&edprsrHalted != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: op, Timeout: timeout}
		}
		time.Sleep(pollInterval)
	}
}

// Run acknowledges the halt event and pulses the restart channel.
func (c *Core) Run() error {
	c.stepped = false
	if err := c.WriteWord32(c.ctiBase+ctiIntAck, 1<<ctiChanHalt); err != nil {
		return err
	}
	if err := c.WriteWord32(c.ctiBase+ctiAppPulse, 1<<ctiChanRestart); err != nil {
		return err
	}
	return c.Flush()
}

// Step enables halting step in EDECR, restarts, and waits for the halt.
func (c *Core) Step() (uint64, error) {
	pc, err := c.ProgramCounter()
	if err != nil {
		return 0, err
	}
	suspended, err := c.suspendBreakpointAt(pc)
	if err != nil {
		return 0, err
	}

	edecr, err := c.ReadWord32(c.debugBase + regEDECR)
	if err != nil {
		return 0, err
	}
	if err := c.WriteWord32(c.debugBase+regEDECR, edecr|edecrSS); err != nil {
		return 0, err
	}
	if err := c.Run(); err != nil {
		return 0, err
	}
	if err := c.waitHalted("step", time.Second); err != nil {
		return 0, err
	}
	if err := c.WriteWord32(c.debugBase+regEDECR, edecr&^uint32(edecrSS)); err != nil {
		return 0, err
	}
	c.stepped = true

	if suspended >= 0 {
		if err := c.armBreakpoint(suspended, c.bpAddrs[suspended]); err != nil {
			return 0, err
		}
	}
	return c.ProgramCounter()
}

// Reset and ResetAndHalt drive the probe-level or DP-level reset line; the
// external debug interface has no per-core system reset, so this controller
// reports it unsupported and leaves reset to the session layer.
func (c *Core) Reset() error {
	return fmt.Errorf("arma: core-level reset not available, use the target reset line")
}

func (c *Core) ResetAndHalt(timeout time.Duration) error {
	return fmt.Errorf("arma: core-level reset not available, use the target reset line")
}

// exec stuffs one instruction into EDITR and waits for it to drain.
func (c *Core) exec(insn uint32) error {
	if err := c.waitEdscr("instruction pending", edscrITE); err != nil {
		return err
	}
	if err := c.WriteWord32(c.debugBase+regEDITR, insn); err != nil {
		return err
	}
	if err := c.waitEdscr("instruction complete", edscrITE); err != nil {
		return err
	}
	edscr, err := c.edscr()
	if err != nil {
		return err
	}
	if edscr&edscrErr != 0 {
		if err := c.WriteWord32(c.debugBase+regEDRCR, edrcrCSE); err != nil {
			return err
		}
		return fmt.Errorf("arma: instruction %#010x aborted", insn)
	}
	return nil
}

func (c *Core) waitEdscr(op string, bit uint32) error {
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		edscr, err := c.edscr()
		if err != nil {
			return err
		}
		if edscr&bit != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: op, Timeout: 100 * time.Millisecond}
		}
		time.Sleep(pollInterval)
	}
}

// readDtr pulls a 64-bit value out of the DTR pair after an msr dbgdtr.
func (c *Core) readDtr() (uint64, error) {
	if err := c.waitEdscr("DTR full", edscrTXfull); err != nil {
		return 0, err
	}
	lo, err := c.ReadWord32(c.debugBase + regDTRTX)
	if err != nil {
		return 0, err
	}
	hi, err := c.ReadWord32(c.debugBase + regDTRRX)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// writeDtr loads the DTR pair for a following mrs dbgdtr.
func (c *Core) writeDtr(value uint64) error {
	if err := c.WriteWord32(c.debugBase+regDTRRX, uint32(value>>32)); err != nil {
		return err
	}
	return c.WriteWord32(c.debugBase+regDTRTX, uint32(value))
}

// readX reads general register n through the DTR.
func (c *Core) readX(n int) (uint64, error) {
	if err := c.exec(insnMsrDbgdtrX | uint32(n)); err != nil {
		return 0, err
	}
	return c.readDtr()
}

func (c *Core) writeX(n int, value uint64) error {
	if err := c.writeDtr(value); err != nil {
		return err
	}
	return c.exec(insnMrsDbgdtrX | uint32(n))
}

// withX0 runs fn with x0 saved and restored, for sequences that clobber it.
func (c *Core) withX0(fn func() error) error {
	saved, err := c.readX(0)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return c.writeX(0, saved)
}

// ReadCoreRegister reads X0..X30, SP, or the PC (DLR_EL0).
func (c *Core) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	switch {
	case reg <= 30:
		return c.readX(int(reg))
	case reg == core.Arm64SP:
		var v uint64
		err := c.withX0(func() error {
			if err := c.exec(insnMovX0Sp); err != nil {
				return err
			}
			var err error
			v, err = c.readX(0)
			return err
		})
		return v, err
	case reg == core.Arm64PC:
		var v uint64
		err := c.withX0(func() error {
			if err := c.exec(insnMrsX0Dlr); err != nil {
				return err
			}
			var err error
			v, err = c.readX(0)
			return err
		})
		return v, err
	}
	return 0, fmt.Errorf("arma: unsupported register %d", reg)
}

// WriteCoreRegister writes X0..X30, SP, or the PC.
func (c *Core) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	switch {
	case reg <= 30:
		return c.writeX(int(reg), value)
	case reg == core.Arm64SP:
		return c.withX0(func() error {
			if err := c.writeX(0, value); err != nil {
				return err
			}
			return c.exec(insnMovSpX0)
		})
	case reg == core.Arm64PC:
		return c.withX0(func() error {
			if err := c.writeX(0, value); err != nil {
				return err
			}
			return c.exec(insnMsrDlrX0)
		})
	}
	return fmt.Errorf("arma: unsupported register %d", reg)
}

// ProgramCounter reads DLR_EL0, the address execution resumes at.
func (c *Core) ProgramCounter() (uint64, error) {
	return c.ReadCoreRegister(core.Arm64PC)
}

func (c *Core) NumHwBreakpoints() (int, error) {
	return c.numBps, nil
}

func (c *Core) armBreakpoint(unit int, address uint64) error {
	bvr := c.debugBase + regDBGBVR0 + uint64(unit)*bpUnitStride
	bcr := c.debugBase + regDBGBCR0 + uint64(unit)*bpUnitStride
	if address == 0 {
		return c.WriteWord32(bcr, 0)
	}
	if err := c.WriteWord64(bvr, address&^uint64(3)); err != nil {
		return err
	}
	return c.WriteWord32(bcr, dbgbcrEnable)
}

func (c *Core) SetHwBreakpoint(address uint64) error {
	free := -1
	for i := 0; i < c.numBps; i++ {
		if c.bpUsed.Get(i) {
			if c.bpAddrs[i] == address {
				return nil
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return &core.BreakpointError{Address: address, Msg: fmt.Sprintf("all %d units in use", c.numBps)}
	}
	if err := c.armBreakpoint(free, address); err != nil {
		return err
	}
	c.bpAddrs[free] = address
	c.bpUsed.Set(free, true)
	return nil
}

func (c *Core) ClearHwBreakpoint(address uint64) error {
	for i := 0; i < c.numBps; i++ {
		if !c.bpUsed.Get(i) || c.bpAddrs[i] != address {
			continue
		}
		if err := c.armBreakpoint(i, 0); err != nil {
			return err
		}
		c.bpAddrs[i] = 0
		c.bpUsed.Set(i, false)
		return nil
	}
	return nil
}

func (c *Core) HwBreakpoints() ([]core.Breakpoint, error) {
	var out []core.Breakpoint
	for i := 0; i < c.numBps; i++ {
		if c.bpUsed.Get(i) {
			out = append(out, core.Breakpoint{Address: c.bpAddrs[i], UnitIndex: i})
		}
	}
	return out, nil
}

func (c *Core) suspendBreakpointAt(pc uint64) (int, error) {
	for i := 0; i < c.numBps; i++ {
		if c.bpUsed.Get(i) && c.bpAddrs[i] == pc {
			if err := c.armBreakpoint(i, 0); err != nil {
				return -1, err
			}
			return i, nil
		}
	}
	return -1, nil
}
