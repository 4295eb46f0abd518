package flash

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// Options tune one flash operation.
type Options struct {
	// KeepUnwritten preserves flash bytes the image does not cover by
	// reading them back before the erase.
	KeepUnwritten bool

	// Verify runs the algorithm's Verify entry after programming, when
	// it has one.
	Verify bool

	// ChipErase replaces per-sector erasing with one EraseAll call on
	// algorithms that provide it.
	ChipErase bool

	// ClockHz is passed to the algorithm's Init; zero lets the
	// algorithm pick its default.
	ClockHz uint32
}

// Loader stages image chunks against a chip's memory map and commits them:
// NVM regions through their flash algorithm, RAM regions as direct memory
// writes.
type Loader struct {
	family *target.Family
	chip   *target.Chip
	core   core.Core
	opts   Options

	nvm      map[int]*Image // memory map index -> staged bytes
	ram      []chunk
	progress ProgressFunc

	log *zap.Logger
}

func NewLoader(family *target.Family, chip *target.Chip, c core.Core, opts Options) *Loader {
	return &Loader{
		family: family,
		chip:   chip,
		core:   c,
		opts:   opts,
		nvm:    make(map[int]*Image),
		log:    logging.Named("flash").With(zap.String("chip", chip.Name)),
	}
}

// OnProgress installs the event sink. Events arrive synchronously from
// Commit's goroutine.
func (ld *Loader) OnProgress(f ProgressFunc) { ld.progress = f }

// AddData stages bytes at an absolute address, splitting them at memory
// region boundaries. Bytes outside every mapped region are an error.
func (ld *Loader) AddData(address uint64, data []byte) error {
	for len(data) > 0 {
		ri, region := ld.regionAt(address)
		if region == nil {
			return &RegionError{Address: address, Length: uint64(len(data))}
		}
		n := uint64(region.Range.End) - address
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		switch region.Kind {
		case target.RegionNvm:
			im := ld.nvm[ri]
			if im == nil {
				im = NewImage()
				ld.nvm[ri] = im
			}
			if err := im.Add(address, data[:n]); err != nil {
				return err
			}
		default:
			buf := make([]byte, n)
			copy(buf, data[:n])
			ld.ram = append(ld.ram, chunk{address: address, data: buf})
		}
		address += n
		data = data[n:]
	}
	return nil
}

// AddElf stages every PT_LOAD segment of an ELF image at its physical
// address.
func (ld *Loader) AddElf(r io.ReaderAt) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return fmt.Errorf("flash: parse ELF: %w", err)
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return fmt.Errorf("flash: read ELF segment at %#x: %w", prog.Paddr, err)
		}
		if err := ld.AddData(prog.Paddr, data); err != nil {
			return err
		}
	}
	return nil
}

func (ld *Loader) regionAt(address uint64) (int, *target.MemoryRegion) {
	for i := range ld.chip.MemoryMap {
		if ld.chip.MemoryMap[i].Range.Contains(address, 1) {
			return i, &ld.chip.MemoryMap[i]
		}
	}
	return 0, nil
}

// regionPlan is one NVM region's resolved algorithm and layout.
type regionPlan struct {
	region *target.MemoryRegion
	algo   *target.FlashAlgorithm
	layout *Layout
}

// Commit writes everything staged so far. NVM regions are erased and
// programmed through their algorithms in address order; RAM chunks are
// written directly afterwards. Cancelling the context halts the target,
// runs UnInit, and returns the context's error.
func (ld *Loader) Commit(ctx context.Context) error {
	plans, err := ld.plan()
	if err != nil {
		return err
	}

	layouts := make([]*Layout, len(plans))
	for i, p := range plans {
		layouts[i] = p.layout
	}
	chipErase := ld.opts.ChipErase
	ld.progress.emit(Initialized{ChipErase: chipErase, Layouts: layouts})

	for _, p := range plans {
		if err := ld.commitRegion(ctx, p); err != nil {
			return err
		}
	}

	for _, c := range ld.ram {
		if err := ld.core.Write(c.address, c.data); err != nil {
			return err
		}
	}
	if len(ld.ram) > 0 {
		if err := ld.core.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// plan resolves each staged NVM region to its algorithm and layout without
// touching the target.
func (ld *Loader) plan() ([]regionPlan, error) {
	indexes := make([]int, 0, len(ld.nvm))
	for i := range ld.nvm {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	plans := make([]regionPlan, 0, len(indexes))
	for _, ri := range indexes {
		region := &ld.chip.MemoryMap[ri]
		algo, err := ld.family.AlgorithmForRegion(ld.chip, region)
		if err != nil {
			return nil, err
		}
		layout, err := buildLayout(algo.FlashProperties, ld.nvm[ri])
		if err != nil {
			return nil, err
		}
		plans = append(plans, regionPlan{region: region, algo: algo, layout: layout})
	}
	return plans, nil
}

func (ld *Loader) commitRegion(ctx context.Context, p regionPlan) error {
	rt, err := NewRuntime(ld.core, p.algo)
	if err != nil {
		return err
	}
	if err := rt.Load(); err != nil {
		return err
	}

	if ld.opts.KeepUnwritten {
		if err := ld.readFills(p.layout); err != nil {
			return err
		}
	}

	if err := ld.erase(ctx, rt, p); err != nil {
		ld.progress.emit(FailedErasing{Err: err})
		return err
	}
	ld.progress.emit(FinishedErasing{})

	if err := ld.program(ctx, rt, p); err != nil {
		ld.progress.emit(FailedProgramming{Err: err})
		return err
	}

	if ld.opts.Verify && rt.SupportsVerify() {
		if err := ld.verify(ctx, rt, p); err != nil {
			ld.progress.emit(FailedProgramming{Err: err})
			return err
		}
	}
	ld.progress.emit(FinishedProgramming{})
	return nil
}

// readFills pulls the current flash contents for every unwritten range
// into the page buffers, so the erase-then-program cycle rewrites them
// intact.
func (ld *Loader) readFills(l *Layout) error {
	for _, f := range l.Fills {
		p := &l.Pages[f.PageIndex]
		off := f.Address - p.Base
		if err := ld.core.Read(f.Address, p.Data[off:off+f.Size]); err != nil {
			return fmt.Errorf("flash: reading unwritten bytes at %#x: %w", f.Address, err)
		}
	}
	return nil
}

func (ld *Loader) erase(ctx context.Context, rt *Runtime, p regionPlan) error {
	ld.progress.emit(StartedErasing{TotalBytes: p.layout.sectorBytes()})
	if err := rt.Init(OpErase, uint64(p.region.Range.Start), ld.opts.ClockHz); err != nil {
		return err
	}
	if ld.opts.ChipErase && rt.SupportsEraseAll() {
		if err := ld.checkCancel(ctx); err != nil {
			ld.bestEffortUnInit(rt, OpErase)
			return err
		}
		t0 := time.Now()
		if err := rt.EraseAll(); err != nil {
			ld.bestEffortUnInit(rt, OpErase)
			return err
		}
		ld.progress.emit(SectorErased{Size: p.layout.sectorBytes(), Elapsed: time.Since(t0)})
	} else {
		for _, s := range p.layout.Sectors {
			if err := ld.checkCancel(ctx); err != nil {
				ld.bestEffortUnInit(rt, OpErase)
				return err
			}
			t0 := time.Now()
			if err := rt.EraseSector(s.Base); err != nil {
				ld.bestEffortUnInit(rt, OpErase)
				return err
			}
			ld.progress.emit(SectorErased{Size: s.Size, Elapsed: time.Since(t0)})
		}
	}
	return rt.UnInit(OpErase)
}

func (ld *Loader) program(ctx context.Context, rt *Runtime, p regionPlan) error {
	ld.progress.emit(StartedProgramming{TotalBytes: p.layout.pageBytes()})
	transfers, err := encodeTransfers(p.layout, rt.PageSize(), p.algo.TransferEncoding)
	if err != nil {
		return err
	}
	if err := rt.Init(OpProgram, uint64(p.region.Range.Start), ld.opts.ClockHz); err != nil {
		return err
	}
	if err := ld.programTransfers(ctx, rt, transfers); err != nil {
		ld.bestEffortUnInit(rt, OpProgram)
		return err
	}
	return rt.UnInit(OpProgram)
}

// programTransfers issues the ProgramPage calls. With two page buffers the
// host pipelines: while the target programs from one buffer, the next
// page's bytes travel over the debug link into the other.
func (ld *Loader) programTransfers(ctx context.Context, rt *Runtime, transfers []transfer) error {
	pipelined := rt.BufferCount() >= 2 && len(transfers) > 1
	if !pipelined {
		for _, t := range transfers {
			if err := ld.checkCancel(ctx); err != nil {
				return err
			}
			t0 := time.Now()
			if err := rt.LoadPageBuffer(0, t.data); err != nil {
				return err
			}
			if err := rt.StartProgramPage(0, t.address, uint32(len(t.data))); err != nil {
				return err
			}
			if err := rt.WaitProgramPage(); err != nil {
				return err
			}
			ld.progress.emit(PageProgrammed{Size: t.plain, Elapsed: time.Since(t0)})
		}
		return nil
	}

	t0 := time.Now()
	if err := rt.LoadPageBuffer(0, transfers[0].data); err != nil {
		return err
	}
	if err := rt.StartProgramPage(0, transfers[0].address, uint32(len(transfers[0].data))); err != nil {
		return err
	}
	prev := transfers[0]
	for i := 1; i < len(transfers); i++ {
		buf := i % 2
		if err := rt.LoadPageBuffer(buf, transfers[i].data); err != nil {
			return err
		}
		if err := rt.WaitProgramPage(); err != nil {
			return err
		}
		ld.progress.emit(PageProgrammed{Size: prev.plain, Elapsed: time.Since(t0)})
		if err := ld.checkCancel(ctx); err != nil {
			return err
		}
		t0 = time.Now()
		if err := rt.StartProgramPage(buf, transfers[i].address, uint32(len(transfers[i].data))); err != nil {
			return err
		}
		prev = transfers[i]
	}
	if err := rt.WaitProgramPage(); err != nil {
		return err
	}
	ld.progress.emit(PageProgrammed{Size: prev.plain, Elapsed: time.Since(t0)})
	return nil
}

func (ld *Loader) verify(ctx context.Context, rt *Runtime, p regionPlan) error {
	if err := rt.Init(OpVerify, uint64(p.region.Range.Start), ld.opts.ClockHz); err != nil {
		return err
	}
	for _, page := range p.layout.Pages {
		if err := ld.checkCancel(ctx); err != nil {
			ld.bestEffortUnInit(rt, OpVerify)
			return err
		}
		if err := rt.Verify(page.Base, page.Data); err != nil {
			ld.bestEffortUnInit(rt, OpVerify)
			return err
		}
	}
	return rt.UnInit(OpVerify)
}

// checkCancel honors a fired context by halting the target and returning
// the context's error. The caller's error path releases the algorithm
// mode; the probe connection stays valid.
func (ld *Loader) checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
	default:
		return nil
	}
	if st, err := ld.core.Status(); err == nil && !st.Halted {
		if _, err := ld.core.Halt(100 * time.Millisecond); err != nil {
			ld.log.Warn("halting target on cancellation", zap.Error(err))
		}
	}
	return ctx.Err()
}

func (ld *Loader) bestEffortUnInit(rt *Runtime, op Operation) {
	if err := rt.UnInit(op); err != nil {
		ld.log.Warn("UnInit after failure", zap.Stringer("op", op), zap.Error(err))
	}
}
