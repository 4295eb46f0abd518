package session

import (
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap/daptest"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// fakeProbe records the call sequence and optionally exposes target memory
// directly, like the ICDI driver does.
type fakeProbe struct {
	mem dap.Memory

	ops       []string
	attachErr error
	detached  int
	protocol  probe.WireProtocol
	speed     int
}

func (f *fakeProbe) Info() probe.Info {
	return probe.Info{Kind: probe.KindFake, Name: "fake", VendorID: 1, ProductID: 2}
}

func (f *fakeProbe) Attach() error {
	f.ops = append(f.ops, "attach")
	return f.attachErr
}

func (f *fakeProbe) Detach() error {
	if f.detached == 0 {
		f.ops = append(f.ops, "detach")
	}
	f.detached++
	return nil
}

func (f *fakeProbe) SelectProtocol(p probe.WireProtocol) error {
	f.ops = append(f.ops, "protocol "+p.String())
	f.protocol = p
	return nil
}

func (f *fakeProbe) Protocol() probe.WireProtocol { return f.protocol }
func (f *fakeProbe) SpeedKHz() int                { return f.speed }

func (f *fakeProbe) SetSpeedKHz(khz int) error {
	f.ops = append(f.ops, "speed")
	f.speed = khz
	return nil
}

func (f *fakeProbe) TargetReset(assert bool) error {
	if assert {
		f.ops = append(f.ops, "reset on")
	} else {
		f.ops = append(f.ops, "reset off")
	}
	return nil
}

func (f *fakeProbe) RawDap() (probe.RawDapAccess, bool) { return nil, false }
func (f *fakeProbe) Jtag() (probe.JtagAccess, bool)     { return nil, false }

func (f *fakeProbe) Memory() dap.Memory { return f.mem }

// System Control Space addresses and DHCSR bits for the M-profile simulator.
const (
	simDHCSR = 0xE000EDF0
	simDFSR  = 0xE000ED30

	simCHalt   = 1 << 1
	simSRegRdy = 1 << 16
	simSHalt   = 1 << 17
)

// simArmMem models just enough DHCSR behavior for the M-profile controller
// to come up and halt.
func simArmMem() *daptest.SimMemory {
	mem := daptest.New()
	halted := false
	mem.OnWord(simDHCSR, func(_ uint64, v uint32, write bool) (uint32, bool) {
		if !write {
			out := uint32(simSRegRdy)
			if halted {
				out |= simSHalt
			}
			return out, true
		}
		halted = v&simCHalt != 0
		if halted {
			mem.SetWord(simDFSR, mem.Word(simDFSR)|1)
		}
		return 0, true
	})
	return mem
}

func armFamily() *target.Family {
	return &target.Family{
		Name: "Test Family",
		Variants: []target.Chip{{
			Name: "testchip",
			Cores: []target.CoreDescriptor{
				{Name: "main", Kind: core.Armv7M},
			},
			MemoryMap: []target.MemoryRegion{{
				Kind:  target.RegionRam,
				Range: target.MemoryRange{Start: 0x2000_0000, End: 0x2000_8000},
			}},
		}},
	}
}

func TestConnectSequence(t *testing.T) {
	p := &fakeProbe{mem: simArmMem()}
	swd := probe.ProtocolSWD
	s, err := New(p, armFamily(), "testchip", Options{Protocol: &swd, SpeedKHz: 4000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	want := []string{"protocol SWD", "speed", "attach"}
	if len(p.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", p.ops, want)
	}
	for i := range want {
		if p.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", p.ops, want)
		}
	}
	if s.Chip().Name != "testchip" {
		t.Fatalf("chip = %q", s.Chip().Name)
	}
	if s.Interface() != nil {
		t.Fatal("direct-memory probe should have no DAP interface")
	}
}

func TestConnectFailureReleasesProbe(t *testing.T) {
	p := &fakeProbe{mem: simArmMem(), attachErr: probe.ErrUnsupportedProtocol}
	if _, err := New(p, armFamily(), "testchip", Options{}); err == nil {
		t.Fatal("expected attach failure")
	}
	if p.detached != 1 {
		t.Fatalf("detached %d times, want 1", p.detached)
	}
}

func TestUnknownChip(t *testing.T) {
	p := &fakeProbe{mem: simArmMem()}
	if _, err := New(p, armFamily(), "nonesuch", Options{}); err == nil {
		t.Fatal("expected unknown chip error")
	}
	if p.detached != 0 {
		t.Fatal("probe must not be touched before the chip is resolved")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := &fakeProbe{mem: simArmMem()}
	s, err := New(p, armFamily(), "testchip", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if p.detached != 1 {
		t.Fatalf("detached %d times, want 1", p.detached)
	}
	if _, err := s.Core(""); err == nil {
		t.Fatal("Core must fail after Close")
	}
}

func TestCoreHandleIsExclusive(t *testing.T) {
	p := &fakeProbe{mem: simArmMem()}
	s, err := New(p, armFamily(), "testchip", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	c, err := s.Core("")
	if err != nil {
		t.Fatalf("Core: %v", err)
	}
	if c.Kind() != core.Armv7M {
		t.Fatalf("kind = %v", c.Kind())
	}
	if _, err := s.Core("main"); err == nil {
		t.Fatal("second handle for a leased core must fail")
	}
	s.Release("main")
	c2, err := s.Core("main")
	if err != nil {
		t.Fatalf("Core after Release: %v", err)
	}
	if c2 != c {
		t.Fatal("controller must be cached across lease cycles")
	}
}

func TestConnectUnderResetHoldsLineUntilHalt(t *testing.T) {
	p := &fakeProbe{mem: simArmMem()}
	s, err := New(p, armFamily(), "testchip", Options{ConnectUnderReset: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	seq := strings.Join(p.ops, ",")
	if seq != "reset on,attach" {
		t.Fatalf("pre-core ops = %q", seq)
	}
	if _, err := s.Core(""); err != nil {
		t.Fatalf("Core: %v", err)
	}
	if p.ops[len(p.ops)-1] != "reset off" {
		t.Fatalf("ops = %v, want trailing reset release", p.ops)
	}
}

// fakeDmiProbe adds a native DMI capability, like the WCH-Link driver.
type fakeDmiProbe struct {
	fakeProbe
	regs map[uint32]uint32
}

func (f *fakeDmiProbe) ReadDmi(address uint32) (uint32, error) {
	return f.regs[address], nil
}

func (f *fakeDmiProbe) WriteDmi(address uint32, value uint32) error {
	f.regs[address] = value
	return nil
}

func TestRiscvCoreUsesNativeDmi(t *testing.T) {
	p := &fakeDmiProbe{regs: map[uint32]uint32{
		0x11: 2, // dmstatus: debug module version 0.13
	}}
	family := &target.Family{
		Name: "Test RISC-V",
		Variants: []target.Chip{{
			Name:  "rvchip",
			Cores: []target.CoreDescriptor{{Name: "hart0", Kind: core.Riscv}},
			MemoryMap: []target.MemoryRegion{{
				Kind:  target.RegionRam,
				Range: target.MemoryRange{Start: 0x2000_0000, End: 0x2000_1000},
			}},
		}},
	}
	s, err := New(p, family, "rvchip", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	c, err := s.Core("")
	if err != nil {
		t.Fatalf("Core: %v", err)
	}
	if c.Kind() != core.Riscv {
		t.Fatalf("kind = %v", c.Kind())
	}
	if p.regs[0x10]&1 == 0 {
		t.Fatal("dmactive must be set after core construction")
	}
}

func TestNoMemoryPath(t *testing.T) {
	// A probe with neither raw DAP access nor a direct memory view
	// cannot serve ARM cores.
	type bareProbe struct{ fakeProbe }
	p := &bareProbe{}
	s, err := New(p, armFamily(), "testchip", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if _, err := s.Core(""); err == nil {
		t.Fatal("expected no-memory-path error")
	}
}

const (
	simRomBase = uint64(0xE00F_F000)
	simFpbBase = uint64(0xE000_3000)
)

// seedDebugRom lays out a minimal M-profile ROM table whose FPB entry sits
// away from the architectural default, so only discovery can find it.
func seedDebugRom(mem *daptest.SimMemory) {
	comp := func(base uint64, class, part uint32) {
		mem.SetWord(base+0xFF0, 0x0D)
		mem.SetWord(base+0xFF4, class<<4)
		mem.SetWord(base+0xFF8, 0x05)
		mem.SetWord(base+0xFFC, 0xB1)
		mem.SetWord(base+0xFE0, part&0xFF)
		mem.SetWord(base+0xFE4, 0xB0|part>>8&0xF)
		mem.SetWord(base+0xFE8, 0x1B)
		mem.SetWord(base+0xFEC, 0x00)
		mem.SetWord(base+0xFD0, 0x04)
	}
	comp(simRomBase, 0x1, 0x4C4)
	comp(simFpbBase, 0x9, 0x003)
	fpbOff := int64(simFpbBase) - int64(simRomBase)
	mem.SetWord(simRomBase, uint32(int32(fpbOff))|0x3)
	// FP_CTRL: FPBv2 with two code comparators.
	mem.SetWord(simFpbBase, 2<<28|2<<4)
}

func TestFpbBaseComesFromRomTable(t *testing.T) {
	mem := simArmMem()
	seedDebugRom(mem)
	romEntry := mem.Word(simRomBase)

	p := &fakeProbe{mem: mem}
	fam := armFamily()
	// The AP BASE register value: ROM table root plus format flags.
	fam.Variants[0].Cores[0].DebugBase = 0xE00F_F003

	s, err := New(p, fam, "testchip", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	c, err := s.Core("")
	if err != nil {
		t.Fatalf("Core: %v", err)
	}
	if n, err := c.NumHwBreakpoints(); err != nil || n != 2 {
		t.Fatalf("NumHwBreakpoints = %d, %v", n, err)
	}
	if err := c.SetHwBreakpoint(0x0800_0100); err != nil {
		t.Fatalf("SetHwBreakpoint: %v", err)
	}
	if got := mem.Word(simFpbBase + 8); got != 0x0800_0100|1 {
		t.Errorf("comparator 0 = %#x, want the breakpoint address", got)
	}
	// The ROM table itself must stay untouched: a comparator write there
	// would mean the root base was mistaken for the FPB.
	if mem.Word(simRomBase) != romEntry {
		t.Errorf("ROM table entry clobbered: %#x", mem.Word(simRomBase))
	}
	if mem.Word(simRomBase+8) != 0 {
		t.Errorf("write landed in the ROM table window: %#x", mem.Word(simRomBase+8))
	}
}
