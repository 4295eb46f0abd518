package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap/daptest"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

const (
	algoLoad  = 0x2000_0000
	offInit   = 0x20
	offUninit = 0x24
	offErase  = 0x28
	offProg   = 0x2C
	offAll    = 0x30
	offVerify = 0x34
)

// fakeCore runs loaded algorithm entry points as Go handlers keyed by PC.
// Run dispatches immediately and leaves the core halted at the return
// address, unless the handler reports that it keeps running.
type fakeCore struct {
	*daptest.SimMemory
	regs     map[core.RegisterID]uint64
	halted   bool
	handlers map[uint64]func(args [4]uint32) (uint32, bool)
	calls    []string
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		SimMemory: daptest.New(),
		regs:      make(map[core.RegisterID]uint64),
		halted:    true,
		handlers:  make(map[uint64]func([4]uint32) (uint32, bool)),
	}
}

func (f *fakeCore) Kind() core.Kind { return core.Armv7M }

func (f *fakeCore) Status() (core.Status, error) {
	if f.halted {
		return core.Status{Halted: true, Reason: core.ReasonBreakpoint}, nil
	}
	return core.Running, nil
}

func (f *fakeCore) Halt(time.Duration) (core.Status, error) {
	f.halted = true
	return core.Status{Halted: true, Reason: core.ReasonRequest}, nil
}

func (f *fakeCore) Run() error {
	pc := f.regs[core.ArmPC]
	h := f.handlers[pc]
	if h == nil {
		f.halted = true
		return nil
	}
	args := [4]uint32{
		uint32(f.regs[core.ArmR0]),
		uint32(f.regs[core.ArmR1]),
		uint32(f.regs[core.ArmR2]),
		uint32(f.regs[core.ArmR3]),
	}
	ret, halts := h(args)
	f.regs[core.ArmR0] = uint64(ret)
	f.regs[core.ArmPC] = f.regs[core.ArmLR] &^ 1
	f.halted = halts
	return nil
}

func (f *fakeCore) Step() (uint64, error) { return f.regs[core.ArmPC], nil }
func (f *fakeCore) Reset() error          { return nil }
func (f *fakeCore) ResetAndHalt(time.Duration) error {
	f.halted = true
	return nil
}

func (f *fakeCore) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	return f.regs[reg], nil
}

func (f *fakeCore) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	f.regs[reg] = value
	return nil
}

func (f *fakeCore) ProgramCounter() (uint64, error) { return f.regs[core.ArmPC], nil }

func (f *fakeCore) NumHwBreakpoints() (int, error)            { return 4, nil }
func (f *fakeCore) SetHwBreakpoint(uint64) error              { return nil }
func (f *fakeCore) ClearHwBreakpoint(uint64) error            { return nil }
func (f *fakeCore) HwBreakpoints() ([]core.Breakpoint, error) { return nil, nil }

func (f *fakeCore) Write(address uint64, data []byte) error {
	f.calls = append(f.calls, fmt.Sprintf("write %#x %d", address, len(data)))
	return f.SimMemory.Write(address, data)
}

var _ core.Core = (*fakeCore)(nil)

// installAlgo wires the standard entry point handlers: erase fills 0xFF,
// program copies the page buffer into flash.
func installAlgo(f *fakeCore, props target.FlashProperties) {
	f.handlers[algoLoad+offInit] = func(args [4]uint32) (uint32, bool) {
		f.calls = append(f.calls, fmt.Sprintf("Init %d", args[2]))
		return 0, true
	}
	f.handlers[algoLoad+offUninit] = func(args [4]uint32) (uint32, bool) {
		f.calls = append(f.calls, fmt.Sprintf("UnInit %d", args[0]))
		return 0, true
	}
	f.handlers[algoLoad+offErase] = func(args [4]uint32) (uint32, bool) {
		f.calls = append(f.calls, fmt.Sprintf("EraseSector %#x", args[0]))
		_, size, _ := props.SectorAt(uint64(args[0]))
		blank := make([]byte, size)
		for i := range blank {
			blank[i] = props.ErasedByteValue
		}
		f.SimMemory.LoadBytes(uint64(args[0]), blank)
		return 0, true
	}
	f.handlers[algoLoad+offProg] = func(args [4]uint32) (uint32, bool) {
		f.calls = append(f.calls, fmt.Sprintf("ProgramPage %#x %d buf=%#x", args[0], args[1], args[2]))
		data := f.SimMemory.Bytes(uint64(args[2]), int(args[1]))
		f.SimMemory.LoadBytes(uint64(args[0]), data)
		return 0, true
	}
	f.handlers[algoLoad+offVerify] = func(args [4]uint32) (uint32, bool) {
		f.calls = append(f.calls, fmt.Sprintf("Verify %#x %d", args[0], args[1]))
		want := f.SimMemory.Bytes(uint64(args[2]), int(args[1]))
		have := f.SimMemory.Bytes(uint64(args[0]), int(args[1]))
		for i := range want {
			if want[i] != have[i] {
				return args[0] + uint32(i), true
			}
		}
		return args[0] + args[1], true
	}
}

func testAlgorithm(buffers []target.HexUint, eraseAll bool) target.FlashAlgorithm {
	props := testProps()
	props.EraseSectorTimeoutMs = 200
	props.ProgramPageTimeoutMs = 200
	a := target.FlashAlgorithm{
		Name:              "main_flash",
		Instructions:      make([]byte, 0x100),
		LoadAddress:       algoLoad,
		PcInit:            offInit | 1,
		PcUninit:          offUninit | 1,
		PcEraseSector:     offErase | 1,
		PcProgramPage:     offProg | 1,
		PcVerify:          offVerify | 1,
		DataSectionOffset: 0x100,
		BeginStack:        0x2000_4000,
		PageBuffers:       buffers,
		FlashProperties:   props,
	}
	if eraseAll {
		a.PcEraseAll = offAll | 1
	}
	return a
}

func testFamily(algo target.FlashAlgorithm) (*target.Family, *target.Chip) {
	fam := &target.Family{
		Name:            "fakefam",
		FlashAlgorithms: []target.FlashAlgorithm{algo},
		Variants: []target.Chip{{
			Name:  "fake1",
			Cores: []target.CoreDescriptor{{Name: "main", Kind: core.Armv7M}},
			MemoryMap: []target.MemoryRegion{
				{
					Kind:  target.RegionNvm,
					Range: target.MemoryRange{Start: 0x0800_0000, End: 0x0800_2000},
					Cores: []string{"main"},
				},
				{
					Kind:  target.RegionRam,
					Range: target.MemoryRange{Start: 0x2000_0000, End: 0x2000_8000},
					Cores: []string{"main"},
				},
			},
			FlashAlgorithms: []string{"main_flash"},
		}},
	}
	return fam, &fam.Variants[0]
}

func blankFlash(f *fakeCore) {
	f.SimMemory.LoadBytes(0x0800_0000, repeat(0xFF, 0x2000))
}

func TestRuntimeCallStatus(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000}, false)
	installAlgo(f, algo.FlashProperties)

	rt, err := NewRuntime(f, &algo)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Load(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Init(OpErase, 0x0800_0000, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f.handlers[algoLoad+offErase] = func([4]uint32) (uint32, bool) { return 3, true }
	err = rt.EraseSector(0x0800_0000)
	var ae *AlgorithmError
	if !errors.As(err, &ae) {
		t.Fatalf("EraseSector error = %v", err)
	}
	if ae.Function != "EraseSector" || ae.Code != 3 || ae.Address != 0x0800_0000 {
		t.Errorf("algorithm error = %+v", ae)
	}
}

func TestRuntimeTimeoutHaltsCore(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm(nil, false)
	algo.FlashProperties.EraseSectorTimeoutMs = 5
	installAlgo(f, algo.FlashProperties)

	// Init never reaches the exit breakpoint.
	f.handlers[algoLoad+offInit] = func([4]uint32) (uint32, bool) { return 0, false }

	rt, err := NewRuntime(f, &algo)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Load(); err != nil {
		t.Fatal(err)
	}
	err = rt.Init(OpProgram, 0x0800_0000, 0)
	var te *core.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if !f.halted {
		t.Error("core should be halted after a timed-out call")
	}
}

func TestLoaderCommit(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000}, false)
	installAlgo(f, algo.FlashProperties)
	blankFlash(f)
	// Pre-existing content the image does not cover.
	f.SimMemory.LoadBytes(0x0800_0000, repeat(0x77, 16))

	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{KeepUnwritten: true, Verify: true})

	var events []Event
	ld.OnProgress(func(e Event) { events = append(events, e) })

	if err := ld.AddData(0x0800_0010, repeat(0xAA, 240)); err != nil {
		t.Fatal(err)
	}
	if err := ld.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := f.SimMemory.Bytes(0x0800_0000, 256)
	want := append(repeat(0x77, 16), repeat(0xAA, 240)...)
	if !bytes.Equal(got, want) {
		t.Errorf("flash contents:\ngot  %x\nwant %x", got[:32], want[:32])
	}

	if len(events) == 0 {
		t.Fatal("no events")
	}
	if _, ok := events[0].(Initialized); !ok {
		t.Errorf("first event = %T, want Initialized", events[0])
	}
	var announced, erased uint64
	started := false
	for _, e := range events {
		switch ev := e.(type) {
		case Initialized:
			if started {
				t.Error("Initialized after other events")
			}
		case StartedErasing:
			announced = ev.TotalBytes
			started = true
		case SectorErased:
			erased += ev.Size
		case FailedErasing, FailedProgramming:
			t.Errorf("failure event %T", e)
		}
	}
	if announced != 1024 || erased != announced {
		t.Errorf("erase totals: announced %d, erased %d", announced, erased)
	}
	last := events[len(events)-1]
	if _, ok := last.(FinishedProgramming); !ok {
		t.Errorf("last event = %T, want FinishedProgramming", last)
	}
}

func TestLoaderDoubleBuffer(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000, 0x2000_2000}, false)
	installAlgo(f, algo.FlashProperties)
	blankFlash(f)

	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{})
	if err := ld.AddData(0x0800_0000, repeat(0x42, 768)); err != nil {
		t.Fatal(err)
	}
	if err := ld.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var progBufs []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, "ProgramPage ") {
			continue
		}
		fields := strings.Fields(c)
		progBufs = append(progBufs, strings.TrimPrefix(fields[3], "buf="))
	}
	if len(progBufs) != 3 {
		t.Fatalf("program calls = %v", progBufs)
	}
	if progBufs[0] == progBufs[1] || progBufs[1] == progBufs[2] {
		t.Errorf("pipelined pages should alternate buffers: %v", progBufs)
	}
	if !bytes.Equal(f.SimMemory.Bytes(0x0800_0000, 768), repeat(0x42, 768)) {
		t.Error("flash contents wrong after pipelined programming")
	}
}

func TestLoaderChipErase(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000}, true)
	installAlgo(f, algo.FlashProperties)
	blankFlash(f)
	f.handlers[algoLoad+offAll] = func([4]uint32) (uint32, bool) {
		f.calls = append(f.calls, "EraseAll")
		f.SimMemory.LoadBytes(0x0800_0000, repeat(0xFF, 0x2000))
		return 0, true
	}

	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{ChipErase: true})
	if err := ld.AddData(0x0800_0000, repeat(0x13, 256)); err != nil {
		t.Fatal(err)
	}
	if err := ld.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sawAll := false
	for _, c := range f.calls {
		if c == "EraseAll" {
			sawAll = true
		}
		if strings.HasPrefix(c, "EraseSector") {
			t.Errorf("per-sector erase despite chip erase: %s", c)
		}
	}
	if !sawAll {
		t.Error("EraseAll never called")
	}
}

func TestLoaderCancellation(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000}, false)
	installAlgo(f, algo.FlashProperties)
	blankFlash(f)

	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{})
	// Two sectors' worth so there is a cancellation point mid-erase.
	if err := ld.AddData(0x0800_0000, repeat(0x01, 2048)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ld.OnProgress(func(e Event) {
		if _, ok := e.(SectorErased); ok {
			cancel()
		}
	})

	err := ld.Commit(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Commit error = %v, want context.Canceled", err)
	}
	uninits := 0
	for _, c := range f.calls {
		if c == "UnInit 1" {
			uninits++
		}
	}
	if uninits != 1 {
		t.Errorf("UnInit(erase) calls = %d, want 1", uninits)
	}
	if !f.halted {
		t.Error("target should be left halted")
	}
}

func TestLoaderRamAndUnmapped(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm(nil, false)
	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{})

	if err := ld.AddData(0x2000_6000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := ld.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !bytes.Equal(f.SimMemory.Bytes(0x2000_6000, 4), []byte{1, 2, 3, 4}) {
		t.Error("RAM chunk not written")
	}

	var re *RegionError
	if err := ld.AddData(0x9000_0000, []byte{1}); !errors.As(err, &re) {
		t.Errorf("unmapped add error = %v", err)
	}
}

func TestRuntimeLoadWritesDataSection(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm(nil, false)
	installAlgo(f, algo.FlashProperties)
	algo.Data = make([]byte, 0x40)
	for i := range algo.Data {
		algo.Data[i] = byte(i)
	}

	rt, err := NewRuntime(f, &algo)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Load(); err != nil {
		t.Fatal(err)
	}
	base := uint64(algoLoad) + uint64(algo.DataSectionOffset)
	if got := f.SimMemory.Bytes(base, len(algo.Data)); !bytes.Equal(got, algo.Data) {
		t.Errorf("data section at %#x = % x", base, got[:8])
	}
	// The exit breakpoint and the default page buffer must land past the
	// data section, not inside it.
	if rt.exitAddr < base+uint64(len(algo.Data)) {
		t.Errorf("exit word at %#x sits inside the data section", rt.exitAddr)
	}
	if rt.buffers[0] < base+uint64(len(algo.Data)) {
		t.Errorf("page buffer at %#x sits inside the data section", rt.buffers[0])
	}

	if err := rt.Init(OpProgram, 0x0800_0000, 0); err != nil {
		t.Fatal(err)
	}
	if got := f.regs[core.ArmR9]; got != base {
		t.Errorf("static base register = %#x, want %#x", got, base)
	}
}

func TestRuntimeInitTimeoutUsesPageBudget(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm(nil, false)
	algo.FlashProperties.ProgramPageTimeoutMs = 5
	algo.FlashProperties.EraseSectorTimeoutMs = 10_000
	installAlgo(f, algo.FlashProperties)

	// Init never reaches the exit breakpoint.
	f.handlers[algoLoad+offInit] = func([4]uint32) (uint32, bool) { return 0, false }

	rt, err := NewRuntime(f, &algo)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Load(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = rt.Init(OpProgram, 0x0800_0000, 0)
	var te *core.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if te.Timeout != 5*time.Millisecond {
		t.Errorf("timed out after %v, want the page programming budget", te.Timeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Init ran %v before giving up", elapsed)
	}
}

func TestLoaderCompressedProgress(t *testing.T) {
	f := newFakeCore()
	algo := testAlgorithm([]target.HexUint{0x2000_1000}, false)
	algo.TransferEncoding = target.EncodingMiniz
	installAlgo(f, algo.FlashProperties)
	blankFlash(f)

	fam, chip := testFamily(algo)
	ld := NewLoader(fam, chip, f, Options{})

	// Incompressible bytes so the deflate stream spans several chunks.
	img := make([]byte, 1024)
	seed := uint32(0x2545_F491)
	for i := range img {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		img[i] = byte(seed)
	}
	if err := ld.AddData(0x0800_0000, img); err != nil {
		t.Fatal(err)
	}

	var announced, programmed uint64
	pages := 0
	ld.OnProgress(func(e Event) {
		switch ev := e.(type) {
		case StartedProgramming:
			announced = ev.TotalBytes
		case PageProgrammed:
			programmed += ev.Size
			pages++
		}
	})
	if err := ld.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if announced != 1024 {
		t.Errorf("announced %d bytes, want 1024", announced)
	}
	if programmed != announced {
		t.Errorf("per-page sizes sum to %d, announced %d", programmed, announced)
	}
	if pages < 2 {
		t.Fatalf("stream fit %d chunk(s); proration unexercised", pages)
	}
}
