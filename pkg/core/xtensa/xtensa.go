package xtensa

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

// DCR bits, set through narDcrSet and cleared through narDcrClr.
const (
	dcrEnableOcd      = 1 << 0
	dcrDebugInterrupt = 1 << 1
)

// DSR bits.
const (
	dsrExecDone      = 1 << 0
	dsrExecException = 1 << 1
	dsrExecBusy      = 1 << 2
	dsrStopped       = 1 << 4
)

// Special register numbers.
const (
	srIbreakEnable = 96
	srDdr          = 104
	srIbreakA0     = 128
	srDebugPC      = 177
	srDebugCause   = 233
	srICount       = 236
	srICountLevel  = 237
)

// DEBUGCAUSE bits.
const (
	causeICount   = 1 << 0
	causeIBreak   = 1 << 1
	causeDBreak   = 1 << 2
	causeBreakN   = 1 << 3
	causeBreakN1  = 1 << 4
	causeDebugInt = 1 << 5
)

// Instruction builders; instructions are 24 bits, passed low-byte first.
func insnRsr(sr, t uint32) uint32 { return 0x030000 | sr<<8 | t<<4 }
func insnWsr(sr, t uint32) uint32 { return 0x130000 | sr<<8 | t<<4 }

const (
	insnRfdo    = 0xF1E000
	insnLddr32P = 0x0070E0 // | s<<8, loads *a_s into DDR, a_s += 4
	insnSddr32P = 0x0070F0 // | s<<8, stores DDR at *a_s, a_s += 4
	insnBreak1  = 0x0041E0 // break 1, 14, the semihosting trap
)

// scratchAr is the address register borrowed for DDR shuttling.
const scratchAr = 3

const pollInterval = 100 * time.Microsecond

// CoreResetter is implemented by debug modules that can drive the core
// reset line, such as the JTAG Xdm through pwrctl.
type CoreResetter interface {
	AssertCoreReset(assert bool) error
}

// Core drives one Xtensa core through its debug module.
type Core struct {
	nar Nar

	numIBreaks int
	bpAddrs    []uint64
	bpUsed     bitmap.Bitmap

	stepped bool

	log *zap.Logger
}

var _ core.Core = (*Core)(nil)

// Config carries the per-chip configuration.
type Config struct {
	// NumIBreaks is the configured instruction breakpoint count; zero
	// selects the common configuration of two.
	NumIBreaks int
}

// New enables on-chip debug.
func New(nar Nar, cfg Config) (*Core, error) {
	n := cfg.NumIBreaks
	if n == 0 {
		n = 2
	}
	c := &Core{
		nar:        nar,
		numIBreaks: n,
		bpAddrs:    make([]uint64, n),
		bpUsed:     bitmap.New(n),
		log:        logging.Named("core.xtensa"),
	}
	if err := nar.WriteNar(narDcrSet, dcrEnableOcd); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) Kind() core.Kind {
	return core.Xtensa
}

func (c *Core) dsr() (uint32, error) {
	return c.nar.ReadNar(narDsr)
}

// Status samples DSR and decodes DEBUGCAUSE when stopped.
func (c *Core) Status() (core.Status, error) {
	dsr, err := c.dsr()
	if err != nil {
		return core.Status{}, err
	}
	if dsr&dsrStopped == 0 {
		return core.Running, nil
	}
	cause, err := c.readSr(srDebugCause)
	if err != nil {
		return core.Status{}, err
	}
	status := core.Status{Halted: true, Reason: core.ReasonUnknown}
	switch {
	case cause&(causeBreakN|causeBreakN1) != 0:
		status.Reason = core.ReasonBreakpoint
		if cmd, ok, err := c.checkSemihosting(); err != nil {
			return core.Status{}, err
		} else if ok {
			status.Reason = core.ReasonSemihosting
			status.Semihosting = &cmd
		}
	case cause&causeIBreak != 0:
		status.Reason = core.ReasonBreakpoint
	case cause&causeDBreak != 0:
		status.Reason = core.ReasonWatchpoint
	case cause&causeICount != 0:
		status.Reason = core.ReasonStep
	case cause&causeDebugInt != 0:
		status.Reason = core.ReasonRequest
	}
	return status, nil
}

func (c *Core) checkSemihosting() (core.SemihostingCommand, bool, error) {
	pc, err := c.readSr(srDebugPC)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	var insn [3]byte
	if err := c.Read(uint64(pc), insn[:]); err != nil {
		return core.SemihostingCommand{}, false, nil
	}
	word := uint32(insn[0]) | uint32(insn[1])<<8 | uint32(insn[2])<<16
	if word != insnBreak1 {
		return core.SemihostingCommand{}, false, nil
	}
	op, err := c.ReadCoreRegister(core.XtensaA2)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	param, err := c.ReadCoreRegister(core.XtensaA3)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	return core.SemihostingCommand{Operation: uint32(op), Parameter: uint32(param)}, true, nil
}

// Halt raises a debug interrupt and waits for the core to stop.
func (c *Core) Halt(timeout time.Duration) (core.Status, error) {
	c.stepped = false
	if err := c.nar.WriteNar(narDcrSet, dcrDebugInterrupt); err != nil {
		return core.Status{}, err
	}
	if err := c.waitStopped("halt", timeout); err != nil {
		return core.Status{}, err
	}
	return c.Status()
}

func (c *Core) waitStopped(op string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dsr, err := c.dsr()
		if err != nil {
			return err
		}
		if dsr&dsrStopped != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: op, Timeout: timeout}
		}
		time.Sleep(pollInterval)
	}
}

// Run clears the pending debug interrupt and returns from the debug
// exception.
func (c *Core) Run() error {
	c.stepped = false
	if err := c.nar.WriteNar(narDcrClr, dcrDebugInterrupt); err != nil {
		return err
	}
	return c.exec(insnRfdo)
}

// Step arms ICOUNT to expire after one instruction and resumes.
func (c *Core) Step() (uint64, error) {
	pc, err := c.readSr(srDebugPC)
	if err != nil {
		return 0, err
	}
	suspended, err := c.suspendBreakpointAt(uint64(pc))
	if err != nil {
		return 0, err
	}

	if err := c.writeSr(srICount, 0xFFFF_FFFE); err != nil {
		return 0, err
	}
	if err := c.writeSr(srICountLevel, 15); err != nil {
		return 0, err
	}
	if err := c.Run(); err != nil {
		return 0, err
	}
	if err := c.waitStopped("step", time.Second); err != nil {
		return 0, err
	}
	if err := c.writeSr(srICountLevel, 0); err != nil {
		return 0, err
	}
	c.stepped = true

	if suspended >= 0 {
		if err := c.armIBreak(suspended, c.bpAddrs[suspended]); err != nil {
			return 0, err
		}
	}
	newPc, err := c.readSr(srDebugPC)
	return uint64(newPc), err
}

// Reset pulses the core reset line when the debug module can drive it.
func (c *Core) Reset() error {
	r, ok := c.nar.(CoreResetter)
	if !ok {
		return fmt.Errorf("xtensa: debug module cannot drive core reset")
	}
	if err := r.AssertCoreReset(true); err != nil {
		return err
	}
	return r.AssertCoreReset(false)
}

// ResetAndHalt raises the debug interrupt while the core is still in reset
// so it stops on the first instruction.
func (c *Core) ResetAndHalt(timeout time.Duration) error {
	r, ok := c.nar.(CoreResetter)
	if !ok {
		return fmt.Errorf("xtensa: debug module cannot drive core reset")
	}
	if err := r.AssertCoreReset(true); err != nil {
		return err
	}
	if err := c.nar.WriteNar(narDcrSet, dcrDebugInterrupt); err != nil {
		return err
	}
	if err := r.AssertCoreReset(false); err != nil {
		return err
	}
	return c.waitStopped("reset-and-halt", timeout)
}

// exec runs one instruction through DIR0EXEC and waits for completion.
func (c *Core) exec(insn uint32) error {
	if err := c.nar.WriteNar(narDir0Exec, insn); err != nil {
		return err
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		dsr, err := c.dsr()
		if err != nil {
			return err
		}
		if dsr&dsrExecException != 0 {
			return fmt.Errorf("xtensa: instruction %#06x raised an exception", insn)
		}
		if dsr&dsrExecBusy == 0 && dsr&dsrExecDone != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: "instruction execution", Timeout: 100 * time.Millisecond}
		}
		time.Sleep(pollInterval)
	}
}

func (c *Core) readDdr() (uint32, error) {
	return c.nar.ReadNar(narDdr)
}

func (c *Core) writeDdr(value uint32) error {
	return c.nar.WriteNar(narDdr, value)
}

// readAr moves an address register out through DDR.
func (c *Core) readAr(n uint32) (uint32, error) {
	if err := c.exec(insnWsr(srDdr, n)); err != nil {
		return 0, err
	}
	return c.readDdr()
}

func (c *Core) writeAr(n uint32, value uint32) error {
	if err := c.writeDdr(value); err != nil {
		return err
	}
	return c.exec(insnRsr(srDdr, n))
}

// withScratch saves and restores the scratch address register around fn.
func (c *Core) withScratch(fn func() error) error {
	saved, err := c.readAr(scratchAr)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return c.writeAr(scratchAr, saved)
}

// readSr reads a special register via the scratch AR.
func (c *Core) readSr(sr uint32) (uint32, error) {
	var v uint32
	err := c.withScratch(func() error {
		if err := c.exec(insnRsr(sr, scratchAr)); err != nil {
			return err
		}
		var err error
		v, err = c.readAr(scratchAr)
		return err
	})
	return v, err
}

func (c *Core) writeSr(sr uint32, value uint32) error {
	return c.withScratch(func() error {
		if err := c.writeAr(scratchAr, value); err != nil {
			return err
		}
		return c.exec(insnWsr(sr, scratchAr))
	})
}

// ReadCoreRegister reads a0..a15 or the PC.
func (c *Core) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	switch {
	case reg <= 15:
		v, err := c.readAr(uint32(reg))
		return uint64(v), err
	case reg == core.XtensaPC:
		v, err := c.readSr(srDebugPC)
		return uint64(v), err
	}
	return 0, fmt.Errorf("xtensa: unsupported register %d", reg)
}

// WriteCoreRegister writes a0..a15 or the PC.
func (c *Core) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	if value > 0xFFFF_FFFF {
		return fmt.Errorf("xtensa: register value %#x exceeds 32 bits", value)
	}
	switch {
	case reg <= 15:
		return c.writeAr(uint32(reg), uint32(value))
	case reg == core.XtensaPC:
		return c.writeSr(srDebugPC, uint32(value))
	}
	return fmt.Errorf("xtensa: unsupported register %d", reg)
}

// ProgramCounter reads the debug PC, the address execution resumes at.
func (c *Core) ProgramCounter() (uint64, error) {
	v, err := c.readSr(srDebugPC)
	return uint64(v), err
}

func (c *Core) NumHwBreakpoints() (int, error) {
	return c.numIBreaks, nil
}

// armIBreak programs IBREAKA unit index; a zero address disarms it.
func (c *Core) armIBreak(index int, address uint64) error {
	enable, err := c.readSr(srIbreakEnable)
	if err != nil {
		return err
	}
	if address == 0 {
		return c.writeSr(srIbreakEnable, enable&^(1<<uint32(index)))
	}
	if err := c.writeSr(srIbreakA0+uint32(index), uint32(address)); err != nil {
		return err
	}
	return c.writeSr(srIbreakEnable, enable|1<<uint32(index))
}

func (c *Core) SetHwBreakpoint(address uint64) error {
	free := -1
	for i := 0; i < c.numIBreaks; i++ {
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
		return &core.BreakpointError{Address: address, Msg: fmt.Sprintf("all %d units in use", c.numIBreaks)}
	}
	if err := c.armIBreak(free, address); err != nil {
		return err
	}
	c.bpAddrs[free] = address
	c.bpUsed.Set(free, true)
	return nil
}

func (c *Core) ClearHwBreakpoint(address uint64) error {
	for i := 0; i < c.numIBreaks; i++ {
		if !c.bpUsed.Get(i) || c.bpAddrs[i] != address {
			continue
		}
		if err := c.armIBreak(i, 0); err != nil {
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
	for i := 0; i < c.numIBreaks; i++ {
		if c.bpUsed.Get(i) {
			out = append(out, core.Breakpoint{Address: c.bpAddrs[i], UnitIndex: i})
		}
	}
	return out, nil
}

func (c *Core) suspendBreakpointAt(pc uint64) (int, error) {
	for i := 0; i < c.numIBreaks; i++ {
		if c.bpUsed.Get(i) && c.bpAddrs[i] == pc {
			if err := c.armIBreak(i, 0); err != nil {
				return -1, err
			}
			return i, nil
		}
	}
	return -1, nil
}

// Memory access shuttles words through DDR with the post-incrementing
// load/store instructions.

func checkWordAlign(address uint64, size uint64) error {
	if address%size != 0 {
		return &dap.AddressError{Address: address}
	}
	return nil
}

func (c *Core) Read32(address uint64, out []uint32) error {
	if err := checkWordAlign(address, 4); err != nil {
		return err
	}
	return c.withScratch(func() error {
		if err := c.writeAr(scratchAr, uint32(address)); err != nil {
			return err
		}
		for i := range out {
			if err := c.exec(insnLddr32P | scratchAr<<8); err != nil {
				return err
			}
			v, err := c.readDdr()
			if err != nil {
				return err
			}
			out[i] = v
		}
		return nil
	})
}

func (c *Core) Write32(address uint64, values []uint32) error {
	if err := checkWordAlign(address, 4); err != nil {
		return err
	}
	return c.withScratch(func() error {
		if err := c.writeAr(scratchAr, uint32(address)); err != nil {
			return err
		}
		for _, v := range values {
			if err := c.writeDdr(v); err != nil {
				return err
			}
			if err := c.exec(insnSddr32P | scratchAr<<8); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Core) ReadWord32(address uint64) (uint32, error) {
	var out [1]uint32
	if err := c.Read32(address, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

func (c *Core) WriteWord32(address uint64, value uint32) error {
	return c.Write32(address, []uint32{value})
}

func (c *Core) ReadWord64(address uint64) (uint64, error) {
	var out [2]uint32
	if err := c.Read32(address, out[:]); err != nil {
		return 0, err
	}
	return uint64(out[1])<<32 | uint64(out[0]), nil
}

func (c *Core) WriteWord64(address uint64, value uint64) error {
	return c.Write32(address, []uint32{uint32(value), uint32(value >> 32)})
}

func (c *Core) ReadWord16(address uint64) (uint16, error) {
	if err := checkWordAlign(address, 2); err != nil {
		return 0, err
	}
	w, err := c.ReadWord32(address &^ 3)
	if err != nil {
		return 0, err
	}
	return uint16(w >> (8 * (address & 3))), nil
}

func (c *Core) WriteWord16(address uint64, value uint16) error {
	if err := checkWordAlign(address, 2); err != nil {
		return err
	}
	w, err := c.ReadWord32(address &^ 3)
	if err != nil {
		return err
	}
	shift := 8 * (address & 3)
	w = w&^(0xFFFF<<shift) | uint32(value)<<shift
	return c.WriteWord32(address&^3, w)
}

func (c *Core) ReadWord8(address uint64) (uint8, error) {
	w, err := c.ReadWord32(address &^ 3)
	if err != nil {
		return 0, err
	}
	return uint8(w >> (8 * (address & 3))), nil
}

func (c *Core) WriteWord8(address uint64, value uint8) error {
	w, err := c.ReadWord32(address &^ 3)
	if err != nil {
		return err
	}
	shift := 8 * (address & 3)
	w = w&^(0xFF<<shift) | uint32(value)<<shift
	return c.WriteWord32(address&^3, w)
}

// Read fills out from address using word transfers and byte extraction at
// the edges.
func (c *Core) Read(address uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	start := address &^ 3
	end := (address + uint64(len(out)) + 3) &^ 3
	words := make([]uint32, (end-start)/4)
	if err := c.Read32(start, words); err != nil {
		return err
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	copy(out, buf[address-start:])
	return nil
}

// Write stores data at address with read-modify-write at unaligned edges.
func (c *Core) Write(address uint64, data []byte) error {
	head := int(-address & 3)
	if head > len(data) {
		head = len(data)
	}
	for i := 0; i < head; i++ {
		if err := c.WriteWord8(address+uint64(i), data[i]); err != nil {
			return err
		}
	}
	address += uint64(head)
	data = data[head:]

	if n := len(data) / 4; n > 0 {
		words := make([]uint32, n)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(data[4*i:])
		}
		if err := c.Write32(address, words); err != nil {
			return err
		}
		address += 4 * uint64(n)
		data = data[4*n:]
	}

	for i := range data {
		if err := c.WriteWord8(address+uint64(i), data[i]); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; NAR transactions complete synchronously.
func (c *Core) Flush() error {
	return nil
}
