package arma

import (
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap/daptest"
)

const (
	testDebugBase = 0x8001_0000
	testCtiBase   = 0x8002_0000
)

// simV8 models the external debug view of one AArch64 core: EDITR execution
// for the instruction sequences the controller stuffs, the 64-bit DTR pair,
// and CTI-driven halt and restart.
type simV8 struct {
	mem *daptest.SimMemory

	halted   bool
	haltCode uint32

	xregs [31]uint64
	sp    uint64
	dlr   uint64

	dtr     uint64
	dtrFull bool
}

func newSimV8(t *testing.T) *simV8 {
	t.Helper()
	s := &simV8{
		mem:      daptest.New(),
		halted:   true,
		haltCode: statusExternal,
	}
	// Four breakpoint units.
	s.mem.SetWord(testDebugBase+regEDDFR, 3<<12)
	s.mem.OnWord(testDebugBase+regEDSCR, func(_ uint64, v uint32, write bool) (uint32, bool) {
		if write {
			return 0, false // HDE sticky bits, stored as written
		}
		out := s.haltCode | edscrITE
		if s.dtrFull {
			out |= edscrTXfull
		}
		return out, true
	})
	s.mem.OnWord(testDebugBase+regEDPRSR, func(_ uint64, _ uint32, write bool) (uint32, bool) {
		if write {
			return 0, true
		}
		out := uint32(edprsrPU)
		if s.halted {
			out |= edprsrHalted
		}
		return out, true
	})
	s.mem.OnWord(testDebugBase+regEDITR, func(_ uint64, insn uint32, write bool) (uint32, bool) {
		if write {
			s.execute(insn)
		}
		return 0, true
	})
	s.mem.OnWord(testDebugBase+regDTRTX, func(_ uint64, v uint32, write bool) (uint32, bool) {
		if write {
			s.dtr = s.dtr&^uint64(0xFFFF_FFFF) | uint64(v)
			s.dtrFull = true
			return 0, true
		}
		return uint32(s.dtr), true
	})
	s.mem.OnWord(testDebugBase+regDTRRX, func(_ uint64, v uint32, write bool) (uint32, bool) {
		if write {
			s.dtr = s.dtr&0xFFFF_FFFF | uint64(v)<<32
			return 0, true
		}
		s.dtrFull = false
		return uint32(s.dtr >> 32), true
	})
	s.mem.OnWord(testCtiBase+ctiAppPulse, func(_ uint64, v uint32, write bool) (uint32, bool) {
		if !write {
			return 0, true
		}
		switch {
		case v&(1<<ctiChanHalt) != 0:
			s.halted = true
			s.haltCode = statusExternal
		case v&(1<<ctiChanRestart) != 0:
			if s.mem.Word(testDebugBase+regEDECR)&edecrSS != 0 {
				s.halted = true
				s.haltCode = statusStepNormal
				s.dlr += 4
			} else {
				s.halted = false
			}
		}
		return 0, true
	})
	return s
}

func (s *simV8) execute(insn uint32) {
	switch {
	case insn&^uint32(0x1F) == insnMsrDbgdtrX:
		s.dtr = s.xregs[insn&0x1F]
		s.dtrFull = true
	case insn&^uint32(0x1F) == insnMrsDbgdtrX:
		s.xregs[insn&0x1F] = s.dtr
	case insn == insnMovX0Sp:
		s.xregs[0] = s.sp
	case insn == insnMovSpX0:
		s.sp = s.xregs[0]
	case insn == insnMrsX0Dlr:
		s.xregs[0] = s.dlr
	case insn == insnMsrDlrX0:
		s.dlr = s.xregs[0]
	}
}

func newTestCore(t *testing.T) (*Core, *simV8) {
	t.Helper()
	s := newSimV8(t)
	c, err := New(s.mem, Config{DebugBase: testDebugBase, CtiBase: testCtiBase})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, s
}

func TestNewUnlocksAndCounts(t *testing.T) {
	c, s := newTestCore(t)
	if got := s.mem.Word(testDebugBase + regLAR); got != larKey {
		t.Fatalf("debug LAR = %#x, want key", got)
	}
	if got := s.mem.Word(testCtiBase + ctiLAR); got != larKey {
		t.Fatalf("CTI LAR = %#x, want key", got)
	}
	if got := s.mem.Word(testCtiBase + ctiControl); got != 1 {
		t.Fatalf("CTICONTROL = %#x, want 1", got)
	}
	n, err := c.NumHwBreakpoints()
	if err != nil {
		t.Fatalf("NumHwBreakpoints: %v", err)
	}
	if n != 4 {
		t.Fatalf("breakpoints = %d, want 4", n)
	}
}

func TestHaltRunStep(t *testing.T) {
	c, s := newTestCore(t)
	s.halted = false
	s.dlr = 0x4000_0000

	st, err := c.Halt(time.Second)
	if err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if !st.Halted || st.Reason != core.ReasonRequest {
		t.Fatalf("status = %+v, want halted by request", st)
	}

	pc, err := c.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pc != 0x4000_0004 {
		t.Fatalf("pc = %#x, want 0x40000004", pc)
	}
	st, err = c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Reason != core.ReasonStep {
		t.Fatalf("reason = %v, want step", st.Reason)
	}

	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.halted {
		t.Fatal("core still halted after Run")
	}
}

func TestRegisterAccess(t *testing.T) {
	c, s := newTestCore(t)

	if err := c.WriteCoreRegister(core.Arm64X3, 0x1122_3344_5566_7788); err != nil {
		t.Fatalf("write x3: %v", err)
	}
	if s.xregs[3] != 0x1122_3344_5566_7788 {
		t.Fatalf("x3 = %#x", s.xregs[3])
	}
	v, err := c.ReadCoreRegister(core.Arm64X3)
	if err != nil {
		t.Fatalf("read x3: %v", err)
	}
	if v != 0x1122_3344_5566_7788 {
		t.Fatalf("read back %#x", v)
	}

	s.xregs[0] = 0xAAAA
	if err := c.WriteCoreRegister(core.Arm64SP, 0x6000_0000); err != nil {
		t.Fatalf("write sp: %v", err)
	}
	if s.sp != 0x6000_0000 {
		t.Fatalf("sp = %#x", s.sp)
	}
	if s.xregs[0] != 0xAAAA {
		t.Fatalf("x0 = %#x, not restored", s.xregs[0])
	}

	s.dlr = 0x4000_1234
	pc, err := c.ProgramCounter()
	if err != nil {
		t.Fatalf("ProgramCounter: %v", err)
	}
	if pc != 0x4000_1234 {
		t.Fatalf("pc = %#x", pc)
	}
}

func TestBreakpointUnits(t *testing.T) {
	c, s := newTestCore(t)

	if err := c.SetHwBreakpoint(0x4000_0100); err != nil {
		t.Fatalf("SetHwBreakpoint: %v", err)
	}
	if got := s.mem.Word(testDebugBase + regDBGBVR0); got != 0x4000_0100 {
		t.Fatalf("BVR = %#x", got)
	}
	if got := s.mem.Word(testDebugBase + regDBGBCR0); got != dbgbcrEnable {
		t.Fatalf("BCR = %#x", got)
	}
	if err := c.ClearHwBreakpoint(0x4000_0100); err != nil {
		t.Fatalf("ClearHwBreakpoint: %v", err)
	}
	if got := s.mem.Word(testDebugBase + regDBGBCR0); got != 0 {
		t.Fatalf("BCR = %#x after clear", got)
	}
}
