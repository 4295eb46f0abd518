package riscv

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
)

// Debug module registers, DMI address space.
const (
	dmData0      = 0x04
	dmDmcontrol  = 0x10
	dmDmstatus   = 0x11
	dmHartinfo   = 0x12
	dmAbstractcs = 0x16
	dmCommand    = 0x17
	dmProgbuf0   = 0x20
	dmSbcs       = 0x38
	dmSbaddress0 = 0x39
	dmSbdata0    = 0x3C
)

// dmcontrol bits.
const (
	dmctlHaltReq   = 1 << 31
	dmctlResumeReq = 1 << 30
	dmctlNdmReset  = 1 << 1
	dmctlDmActive  = 1 << 0
)

// dmstatus bits.
const (
	dmstAllHalted    = 1 << 9
	dmstAllRunning   = 1 << 11
	dmstAllResumeAck = 1 << 17
	dmstVersionMask  = 0xF
)

// abstractcs fields.
const (
	acsProgbufSizeShift = 24
	acsProgbufSizeMask  = 0x1F
	acsBusy             = 1 << 12
	acsCmdErrShift      = 8
	acsCmdErrMask       = 0x7
	acsDataCountMask    = 0xF

	cmdErrNone         = 0
	cmdErrBusy         = 1
	cmdErrNotSupported = 2
	cmdErrException    = 3
	cmdErrHaltResume   = 4
)

// Access Register abstract command fields.
const (
	cmdAarsize32 = 2 << 20
	cmdPostexec  = 1 << 18
	cmdTransfer  = 1 << 17
	cmdWrite     = 1 << 16
)

// dcsr fields.
const (
	dcsrEbreakM    = 1 << 15
	dcsrEbreakS    = 1 << 13
	dcsrEbreakU    = 1 << 12
	dcsrCauseShift = 6
	dcsrCauseMask  = 0x7
	dcsrStep       = 1 << 2

	causeEbreak    = 1
	causeTrigger   = 2
	causeHaltReq   = 3
	causeStep      = 4
	causeResetHalt = 5
)

// Trigger CSRs and mcontrol fields.
const (
	csrTselect = 0x7A0
	csrTdata1  = 0x7A1
	csrTdata2  = 0x7A2

	tdata1TypeShift  = 28
	triggerMcontrol  = 2
	triggerMcontrol6 = 6

	mcontrolDmode   = 1 << 27
	mcontrolAction  = 1 << 12 // enter debug mode
	mcontrolM       = 1 << 6
	mcontrolS       = 1 << 4
	mcontrolU       = 1 << 3
	mcontrolExecute = 1 << 2
)

// Program buffer instructions.
const (
	insnEbreak  = 0x0010_0073
	insnLwS1S0  = 0x0004_2483 // lw s1, 0(s0)
	insnSwS1S0  = 0x0094_2023 // sw s1, 0(s0)
	insnLhuS1S0 = 0x0004_5483 // lhu s1, 0(s0)
	insnShS1S0  = 0x0094_1023 // sh s1, 0(s0)
	insnLbuS1S0 = 0x0004_4483 // lbu s1, 0(s0)
	insnSbS1S0  = 0x0094_0023 // sb s1, 0(s0)
)

// The RISC-V semihosting trap is an ebreak bracketed by two magic shifts.
const (
	semihostPrefix = 0x01F0_1013 // slli x0, x0, 0x1f
	semihostSuffix = 0x4070_5013 // srai x0, x0, 7
)

const regS0 = core.RiscvX0 + 8
const regS1 = core.RiscvX0 + 9

const pollInterval = 100 * time.Microsecond

// Core drives one RISC-V hart through its debug module.
type Core struct {
	dtm Dtm

	progbufSize int
	dataCount   int

	sysbus sysbusCaps

	triggersReady bool
	numTriggers   int
	triggerKinds  []uint32
	triggerAddrs  []uint64
	triggerUsed   bitmap.Bitmap

	log *zap.Logger
}

var _ core.Core = (*Core)(nil)

// New activates the debug module and discovers its abstract command and
// system bus capabilities.
func New(dtm Dtm) (*Core, error) {
	c := &Core{dtm: dtm, log: logging.Named("core.riscv")}

	// A full dmactive cycle resets debug module state left over from a
	// previous session.
	if err := dtm.WriteDmi(dmDmcontrol, 0); err != nil {
		return nil, err
	}
	if err := dtm.WriteDmi(dmDmcontrol, dmctlDmActive); err != nil {
		return nil, err
	}
	dmstatus, err := dtm.ReadDmi(dmDmstatus)
	if err != nil {
		return nil, err
	}
	if v := dmstatus & dmstVersionMask; v != 2 && v != 3 {
		return nil, fmt.Errorf("riscv: unsupported debug module version %d", v)
	}

	acs, err := dtm.ReadDmi(dmAbstractcs)
	if err != nil {
		return nil, err
	}
	c.progbufSize = int(acs >> acsProgbufSizeShift & acsProgbufSizeMask)
	c.dataCount = int(acs & acsDataCountMask)

	if err := c.probeSysbus(); err != nil {
		return nil, err
	}
	c.log.Debug("debug module ready",
		zap.Int("progbuf", c.progbufSize),
		zap.Int("datacount", c.dataCount),
		zap.Bool("sysbus", c.sysbus.width32))
	return c, nil
}

func (c *Core) Kind() core.Kind {
	return core.Riscv
}

func (c *Core) dmcontrol(bits uint32) error {
	return c.dtm.WriteDmi(dmDmcontrol, dmctlDmActive|bits)
}

// Status samples dmstatus; when halted, the cause comes from dcsr.
func (c *Core) Status() (core.Status, error) {
	dmstatus, err := c.dtm.ReadDmi(dmDmstatus)
	if err != nil {
		return core.Status{}, err
	}
	if dmstatus&dmstAllHalted == 0 {
		return core.Running, nil
	}
	dcsr, err := c.ReadCoreRegister(core.RiscvCsrDcsr)
	if err != nil {
		return core.Status{}, err
	}
	status := core.Status{Halted: true, Reason: core.ReasonUnknown}
	switch dcsr >> dcsrCauseShift & dcsrCauseMask {
	case causeEbreak:
		status.Reason = core.ReasonBreakpoint
		if cmd, ok, err := c.checkSemihosting(); err != nil {
			return core.Status{}, err
		} else if ok {
			status.Reason = core.ReasonSemihosting
			status.Semihosting = &cmd
		}
	case causeTrigger:
		status.Reason = core.ReasonBreakpoint
	case causeHaltReq:
		status.Reason = core.ReasonRequest
	case causeStep:
		status.Reason = core.ReasonStep
	case causeResetHalt:
		status.Reason = core.ReasonException
	}
	return status, nil
}

func (c *Core) checkSemihosting() (core.SemihostingCommand, bool, error) {
	pc, err := c.ReadCoreRegister(core.RiscvCsrDpc)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	if pc < 4 {
		return core.SemihostingCommand{}, false, nil
	}
	var window [12]byte
	if err := c.Read(pc-4, window[:]); err != nil {
		return core.SemihostingCommand{}, false, nil
	}
	if binary.LittleEndian.Uint32(window[0:]) != semihostPrefix ||
		binary.LittleEndian.Uint32(window[4:]) != insnEbreak ||
		binary.LittleEndian.Uint32(window[8:]) != semihostSuffix {
		return core.SemihostingCommand{}, false, nil
	}
	op, err := c.ReadCoreRegister(core.RiscvA0)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	param, err := c.ReadCoreRegister(core.RiscvA1)
	if err != nil {
		return core.SemihostingCommand{}, false, err
	}
	return core.SemihostingCommand{Operation: uint32(op), Parameter: uint32(param)}, true, nil
}

// Halt asserts haltreq until dmstatus reports the hart halted.
func (c *Core) Halt(timeout time.Duration) (core.Status, error) {
	if err := c.dmcontrol(dmctlHaltReq); err != nil {
		return core.Status{}, err
	}
	if err := c.waitDmstatus("halt", dmstAllHalted, timeout); err != nil {
		return core.Status{}, err
	}
	if err := c.dmcontrol(0); err != nil {
		return core.Status{}, err
	}
	return c.Status()
}

func (c *Core) waitDmstatus(op string, bit uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dmstatus, err := c.dtm.ReadDmi(dmDmstatus)
		if err != nil {
			return err
		}
		if dmstatus&bit != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &core.TimeoutError{Op: op, Timeout: timeout}
		}
		time.Sleep(pollInterval)
	}
}

// Run resumes the hart. Debug-mode ebreak trapping stays enabled so software
// breakpoints halt instead of trapping to M-mode.
func (c *Core) Run() error {
	if err := c.setDcsrBits(dcsrEbreakM|dcsrEbreakS|dcsrEbreakU, 0); err != nil {
		return err
	}
	if err := c.dmcontrol(dmctlResumeReq); err != nil {
		return err
	}
	if err := c.waitDmstatus("resume", dmstAllResumeAck, time.Second); err != nil {
		return err
	}
	return c.dmcontrol(0)
}

// Step sets dcsr.step, resumes for a single instruction, and returns the new
// PC. A trigger on the current PC is suspended for the step.
func (c *Core) Step() (uint64, error) {
	pc, err := c.ReadCoreRegister(core.RiscvCsrDpc)
	if err != nil {
		return 0, err
	}
	suspended, err := c.suspendTriggerAt(pc)
	if err != nil {
		return 0, err
	}

	if err := c.setDcsrBits(dcsrStep|dcsrEbreakM|dcsrEbreakS|dcsrEbreakU, 0); err != nil {
		return 0, err
	}
	if err := c.dmcontrol(dmctlResumeReq); err != nil {
		return 0, err
	}
	if err := c.waitDmstatus("step", dmstAllHalted, time.Second); err != nil {
		return 0, err
	}
	if err := c.dmcontrol(0); err != nil {
		return 0, err
	}
	if err := c.setDcsrBits(0, dcsrStep); err != nil {
		return 0, err
	}

	if suspended >= 0 {
		if err := c.armTrigger(suspended, c.triggerAddrs[suspended]); err != nil {
			return 0, err
		}
	}
	return c.ReadCoreRegister(core.RiscvCsrDpc)
}

func (c *Core) setDcsrBits(set, clear uint64) error {
	dcsr, err := c.ReadCoreRegister(core.RiscvCsrDcsr)
	if err != nil {
		return err
	}
	return c.WriteCoreRegister(core.RiscvCsrDcsr, dcsr&^clear|set)
}

// Reset pulses ndmreset without halting.
func (c *Core) Reset() error {
	if err := c.dmcontrol(dmctlNdmReset); err != nil {
		return err
	}
	return c.dmcontrol(0)
}

// ResetAndHalt holds haltreq across an ndmreset pulse so the hart halts on
// its first instruction.
func (c *Core) ResetAndHalt(timeout time.Duration) error {
	if err := c.dmcontrol(dmctlHaltReq | dmctlNdmReset); err != nil {
		return err
	}
	if err := c.dmcontrol(dmctlHaltReq); err != nil {
		return err
	}
	if err := c.waitDmstatus("reset-and-halt", dmstAllHalted, timeout); err != nil {
		return err
	}
	return c.dmcontrol(0)
}

// waitAbstract polls abstractcs until the command unit is idle and returns
// the command error code.
func (c *Core) waitAbstract() (uint32, error) {
	deadline := time.Now().Add(time.Second)
	for {
		acs, err := c.dtm.ReadDmi(dmAbstractcs)
		if err != nil {
			return 0, err
		}
		if acs&acsBusy == 0 {
			return acs >> acsCmdErrShift & acsCmdErrMask, nil
		}
		if time.Now().After(deadline) {
			return 0, &core.TimeoutError{Op: "abstract command", Timeout: time.Second}
		}
		time.Sleep(pollInterval)
	}
}

func (c *Core) clearCmdErr() error {
	return c.dtm.WriteDmi(dmAbstractcs, acsCmdErrMask<<acsCmdErrShift)
}

// abstract issues one command and waits for completion.
func (c *Core) abstract(command uint32) (uint32, error) {
	if err := c.dtm.WriteDmi(dmCommand, command); err != nil {
		return 0, err
	}
	cmderr, err := c.waitAbstract()
	if err != nil {
		return 0, err
	}
	if cmderr != cmdErrNone {
		if err := c.clearCmdErr(); err != nil {
			return 0, err
		}
	}
	return cmderr, nil
}

// ReadCoreRegister reads a GPR or CSR. Harts that only implement GPR
// abstract access get the CSR through the program buffer.
func (c *Core) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	cmderr, err := c.abstract(cmdAarsize32 | cmdTransfer | uint32(reg))
	if err != nil {
		return 0, err
	}
	switch cmderr {
	case cmdErrNone:
		v, err := c.dtm.ReadDmi(dmData0)
		return uint64(v), err
	case cmdErrNotSupported:
		if reg < 0x1000 {
			return c.readCsrViaProgbuf(reg)
		}
	}
	return 0, fmt.Errorf("riscv: abstract read of reg %#x failed (cmderr %d)", uint16(reg), cmderr)
}

// WriteCoreRegister writes a GPR or CSR.
func (c *Core) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	if value > 0xFFFF_FFFF {
		return fmt.Errorf("riscv: register value %#x exceeds 32 bits", value)
	}
	if err := c.dtm.WriteDmi(dmData0, uint32(value)); err != nil {
		return err
	}
	cmderr, err := c.abstract(cmdAarsize32 | cmdTransfer | cmdWrite | uint32(reg))
	if err != nil {
		return err
	}
	switch cmderr {
	case cmdErrNone:
		return nil
	case cmdErrNotSupported:
		if reg < 0x1000 {
			return c.writeCsrViaProgbuf(reg, uint32(value))
		}
	}
	return fmt.Errorf("riscv: abstract write of reg %#x failed (cmderr %d)", uint16(reg), cmderr)
}

// gpr helpers for program buffer sequences; these use plain abstract access,
// which every debug module supports for GPRs.
func (c *Core) readGpr(reg core.RegisterID) (uint32, error) {
	cmderr, err := c.abstract(cmdAarsize32 | cmdTransfer | uint32(reg))
	if err != nil {
		return 0, err
	}
	if cmderr != cmdErrNone {
		return 0, fmt.Errorf("riscv: GPR read failed (cmderr %d)", cmderr)
	}
	v, err := c.dtm.ReadDmi(dmData0)
	return v, err
}

func (c *Core) writeGpr(reg core.RegisterID, value uint32) error {
	if err := c.dtm.WriteDmi(dmData0, value); err != nil {
		return err
	}
	cmderr, err := c.abstract(cmdAarsize32 | cmdTransfer | cmdWrite | uint32(reg))
	if err != nil {
		return err
	}
	if cmderr != cmdErrNone {
		return fmt.Errorf("riscv: GPR write failed (cmderr %d)", cmderr)
	}
	return nil
}

// loadProgbuf fills the program buffer with insns followed by an ebreak.
func (c *Core) loadProgbuf(insns ...uint32) error {
	if len(insns)+1 > c.progbufSize && !(len(insns) == c.progbufSize && c.impebreak()) {
		return fmt.Errorf("riscv: program buffer too small (%d words)", c.progbufSize)
	}
	for i, insn := range insns {
		if err := c.dtm.WriteDmi(dmProgbuf0+uint32(i), insn); err != nil {
			return err
		}
	}
	if len(insns) < c.progbufSize {
		return c.dtm.WriteDmi(dmProgbuf0+uint32(len(insns)), insnEbreak)
	}
	return nil
}

func (c *Core) impebreak() bool {
	// Conservative: assume no implicit ebreak and always append one.
	return false
}

// execProgbuf runs the loaded program buffer via a postexec command with no
// transfer.
func (c *Core) execProgbuf() error {
	cmderr, err := c.abstract(cmdAarsize32 | cmdPostexec)
	if err != nil {
		return err
	}
	if cmderr != cmdErrNone {
		return fmt.Errorf("riscv: program buffer execution failed (cmderr %d)", cmderr)
	}
	return nil
}

func (c *Core) readCsrViaProgbuf(csr core.RegisterID) (uint64, error) {
	saved, err := c.readGpr(regS0)
	if err != nil {
		return 0, err
	}
	// csrr s0, csr
	insn := uint32(csr)<<20 | 0x2<<12 | 8<<7 | 0x73
	if err := c.loadProgbuf(insn); err != nil {
		return 0, err
	}
	if err := c.execProgbuf(); err != nil {
		return 0, err
	}
	v, err := c.readGpr(regS0)
	if err != nil {
		return 0, err
	}
	if err := c.writeGpr(regS0, saved); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (c *Core) writeCsrViaProgbuf(csr core.RegisterID, value uint32) error {
	saved, err := c.readGpr(regS0)
	if err != nil {
		return err
	}
	if err := c.writeGpr(regS0, value); err != nil {
		return err
	}
	// csrw csr, s0
	insn := uint32(csr)<<20 | 8<<15 | 0x1<<12 | 0x73
	if err := c.loadProgbuf(insn); err != nil {
		return err
	}
	if err := c.execProgbuf(); err != nil {
		return err
	}
	return c.writeGpr(regS0, saved)
}

// ProgramCounter reads dpc.
func (c *Core) ProgramCounter() (uint64, error) {
	return c.ReadCoreRegister(core.RiscvCsrDpc)
}
