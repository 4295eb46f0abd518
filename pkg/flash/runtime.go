package flash

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// Operation selects which algorithm mode Init prepares.
type Operation uint32

const (
	OpErase   Operation = 1
	OpProgram Operation = 2
	OpVerify  Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	case OpVerify:
		return "verify"
	}
	return "unknown"
}

// eraseAllTimeout bounds a whole-chip erase, which has no per-call timeout
// in the device description.
const eraseAllTimeout = time.Minute

// callConvention carries the per-architecture details of invoking a
// position-independent routine: argument and result registers, the return
// register pointed at the exit breakpoint, and the breakpoint word itself.
type callConvention struct {
	args     [4]core.RegisterID
	result   core.RegisterID
	retAddr  core.RegisterID
	sp       core.RegisterID
	pc       core.RegisterID
	exitWord uint32
	thumb    bool

	// static points position-independent code at its data section; ARM
	// algorithms built from CMSIS packs address globals through r9.
	static    core.RegisterID
	hasStatic bool
}

func conventionFor(kind core.Kind) (callConvention, error) {
	switch kind {
	case core.Armv6M, core.Armv7M, core.Armv7EM, core.Armv8M:
		return callConvention{
			args:     [4]core.RegisterID{core.ArmR0, core.ArmR1, core.ArmR2, core.ArmR3},
			result:   core.ArmR0,
			retAddr:  core.ArmLR,
			sp:       core.ArmSP,
			pc:       core.ArmPC,
			exitWord: 0xBE00BE00, // two BKPT #0
			thumb:    true,

			static:    core.ArmR9,
			hasStatic: true,
		}, nil
	case core.Riscv:
		return callConvention{
			args:     [4]core.RegisterID{core.RiscvA0, core.RiscvA1, core.RiscvA2, core.RiscvA3},
			result:   core.RiscvA0,
			retAddr:  core.RiscvRa,
			sp:       core.RiscvSp,
			pc:       core.RiscvCsrDpc,
			exitWord: 0x00100073, // ebreak
		}, nil
	case core.Armv7A, core.Armv8A:
		return callConvention{
			args:     [4]core.RegisterID{core.Arm64X0, core.Arm64X1, core.Arm64X2, core.Arm64X3},
			result:   core.Arm64X0,
			retAddr:  core.Arm64LR,
			sp:       core.Arm64SP,
			pc:       core.Arm64PC,
			exitWord: 0xD4200000, // brk #0
		}, nil
	case core.Xtensa:
		return callConvention{
			args:     [4]core.RegisterID{core.XtensaA2, core.XtensaA3, core.XtensaA4, core.XtensaA5},
			result:   core.XtensaA2,
			retAddr:  core.XtensaA0,
			sp:       core.XtensaA1,
			pc:       core.XtensaPC,
			exitWord: 0x00004000, // break 0, 0
		}, nil
	}
	return callConvention{}, fmt.Errorf("flash: no calling convention for %s cores", kind)
}

// Runtime drives one loaded flash algorithm on a halted core. The RAM it
// occupies is reserved until the runtime is dropped; nothing else may write
// there while an algorithm is loaded.
type Runtime struct {
	core core.Core
	algo *target.FlashAlgorithm
	conv callConvention

	exitAddr uint64
	buffers  []uint64
	loaded   bool

	// pending describes the in-flight call between Start and Wait.
	pendingFn   string
	pendingAddr uint64

	log *zap.Logger
}

// NewRuntime prepares an algorithm for the core without touching the
// target yet. Page buffer addresses come from the device description; when
// it names none, a single buffer is placed directly after the loaded blob.
func NewRuntime(c core.Core, algo *target.FlashAlgorithm) (*Runtime, error) {
	conv, err := conventionFor(c.Kind())
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		core: c,
		algo: algo,
		conv: conv,
		log:  logging.Named("flash").With(zap.String("algorithm", algo.Name)),
	}
	blobEnd := uint64(algo.LoadAddress) + uint64(len(algo.Instructions))
	if end := uint64(algo.LoadAddress) + uint64(algo.DataSectionOffset) + uint64(len(algo.Data)); end > blobEnd {
		blobEnd = end
	}
	r.exitAddr = (blobEnd + 3) &^ 3
	for _, b := range algo.PageBuffers {
		r.buffers = append(r.buffers, uint64(b))
	}
	if len(r.buffers) == 0 {
		r.buffers = []uint64{r.exitAddr + 4}
	}
	return r, nil
}

// BufferCount reports how many page buffers the algorithm provides. Two
// buffers enable pipelined programming.
func (r *Runtime) BufferCount() int { return len(r.buffers) }

func (r *Runtime) PageSize() uint64 { return uint64(r.algo.FlashProperties.PageSize) }

func (r *Runtime) SupportsEraseAll() bool { return r.algo.PcEraseAll != 0 }

func (r *Runtime) SupportsVerify() bool { return r.algo.PcVerify != 0 }

// Load halts the core and copies the algorithm blob and its exit
// breakpoint into target RAM.
func (r *Runtime) Load() error {
	st, err := r.core.Status()
	if err != nil {
		return err
	}
	if !st.Halted {
		if _, err := r.core.Halt(100 * time.Millisecond); err != nil {
			return err
		}
	}
	if err := r.core.Write(uint64(r.algo.LoadAddress), r.algo.Instructions); err != nil {
		return fmt.Errorf("flash: loading algorithm: %w", err)
	}
	if len(r.algo.Data) > 0 {
		base := uint64(r.algo.LoadAddress) + uint64(r.algo.DataSectionOffset)
		if err := r.core.Write(base, r.algo.Data); err != nil {
			return fmt.Errorf("flash: loading algorithm data: %w", err)
		}
	}
	if err := r.core.WriteWord32(r.exitAddr, r.conv.exitWord); err != nil {
		return err
	}
	if err := r.core.Flush(); err != nil {
		return err
	}
	r.loaded = true
	r.log.Debug("algorithm loaded",
		zap.Uint64("address", uint64(r.algo.LoadAddress)),
		zap.Int("size", len(r.algo.Instructions)),
		zap.Int("buffers", len(r.buffers)))
	return nil
}

// startCall sets up registers for one entry point and resumes the core.
// The routine returns by branching to the exit breakpoint.
func (r *Runtime) startCall(fn string, entry uint64, address uint64, args ...uint32) error {
	if !r.loaded {
		return fmt.Errorf("flash: algorithm not loaded")
	}
	for i, v := range args {
		if err := r.core.WriteCoreRegister(r.conv.args[i], uint64(v)); err != nil {
			return err
		}
	}
	if err := r.core.WriteCoreRegister(r.conv.sp, uint64(r.algo.BeginStack)); err != nil {
		return err
	}
	if r.conv.hasStatic {
		base := uint64(r.algo.LoadAddress) + uint64(r.algo.DataSectionOffset)
		if err := r.core.WriteCoreRegister(r.conv.static, base); err != nil {
			return err
		}
	}
	ret := r.exitAddr
	pc := entry
	if r.conv.thumb {
		ret |= 1
		pc &^= 1
		// Thumb-only cores fault on a cleared EPSR.T.
		if err := r.core.WriteCoreRegister(core.ArmXPSR, 0x0100_0000); err != nil {
			return err
		}
	}
	if err := r.core.WriteCoreRegister(r.conv.retAddr, ret); err != nil {
		return err
	}
	if err := r.core.WriteCoreRegister(r.conv.pc, pc); err != nil {
		return err
	}
	r.pendingFn = fn
	r.pendingAddr = address
	return r.core.Run()
}

// waitResult polls for the exit breakpoint and reads the raw status
// register. On timeout the core is halted forcibly so the debug connection
// stays usable.
func (r *Runtime) waitResult(timeout time.Duration) (uint32, string, uint64, error) {
	fn, addr := r.pendingFn, r.pendingAddr
	r.pendingFn = ""
	deadline := time.Now().Add(timeout)
	for {
		st, err := r.core.Status()
		if err != nil {
			return 0, fn, addr, err
		}
		if st.Halted {
			break
		}
		if time.Now().After(deadline) {
			if _, err := r.core.Halt(100 * time.Millisecond); err != nil {
				r.log.Warn("halting stuck algorithm", zap.String("function", fn), zap.Error(err))
			}
			return 0, fn, addr, &core.TimeoutError{Op: fn, Timeout: timeout}
		}
		time.Sleep(50 * time.Microsecond)
	}
	status, err := r.core.ReadCoreRegister(r.conv.result)
	return uint32(status), fn, addr, err
}

// waitCall completes a call under the usual convention where a non-zero
// status means failure.
func (r *Runtime) waitCall(timeout time.Duration) error {
	status, fn, addr, err := r.waitResult(timeout)
	if err != nil {
		return err
	}
	if status != 0 {
		return &AlgorithmError{Function: fn, Code: status, Address: addr}
	}
	return nil
}

func (r *Runtime) call(fn string, entry uint64, timeout time.Duration, address uint64, args ...uint32) error {
	if err := r.startCall(fn, entry, address, args...); err != nil {
		return err
	}
	return r.waitCall(timeout)
}

// entry converts a blob-relative entry point to its loaded address.
func (r *Runtime) entry(offset target.HexUint) uint64 {
	return uint64(r.algo.LoadAddress) + uint64(offset)
}

// Init prepares the algorithm for one mode of operation.
func (r *Runtime) Init(op Operation, address uint64, clock uint32) error {
	return r.call("Init", r.entry(r.algo.PcInit), r.algo.FlashProperties.ProgramPageTimeout(),
		0, uint32(address), clock, uint32(op))
}

// UnInit releases the mode set up by the matching Init.
func (r *Runtime) UnInit(op Operation) error {
	return r.call("UnInit", r.entry(r.algo.PcUninit), r.algo.FlashProperties.ProgramPageTimeout(),
		0, uint32(op))
}

// EraseSector erases the sector beginning at address.
func (r *Runtime) EraseSector(address uint64) error {
	return r.call("EraseSector", r.entry(r.algo.PcEraseSector),
		r.algo.FlashProperties.EraseSectorTimeout(), address, uint32(address))
}

// EraseAll erases the whole device in one call.
func (r *Runtime) EraseAll() error {
	if !r.SupportsEraseAll() {
		return fmt.Errorf("flash: algorithm %s has no EraseAll entry", r.algo.Name)
	}
	return r.call("EraseAll", r.entry(r.algo.PcEraseAll), eraseAllTimeout, 0)
}

// LoadPageBuffer copies page data into the numbered buffer over the debug
// link. Safe while the core runs a previous call.
func (r *Runtime) LoadPageBuffer(index int, data []byte) error {
	if index >= len(r.buffers) {
		return fmt.Errorf("flash: algorithm %s has no page buffer %d", r.algo.Name, index)
	}
	if err := r.core.Write(r.buffers[index], data); err != nil {
		return err
	}
	return r.core.Flush()
}

// StartProgramPage begins programming size bytes from the numbered buffer
// without waiting for completion.
func (r *Runtime) StartProgramPage(index int, address uint64, size uint32) error {
	return r.startCall("ProgramPage", r.entry(r.algo.PcProgramPage), address,
		uint32(address), size, uint32(r.buffers[index]))
}

// WaitProgramPage completes a StartProgramPage.
func (r *Runtime) WaitProgramPage() error {
	return r.waitCall(r.algo.FlashProperties.ProgramPageTimeout())
}

// ProgramPage writes one page synchronously through buffer 0.
func (r *Runtime) ProgramPage(address uint64, data []byte) error {
	if err := r.LoadPageBuffer(0, data); err != nil {
		return err
	}
	if err := r.StartProgramPage(0, address, uint32(len(data))); err != nil {
		return err
	}
	return r.WaitProgramPage()
}

// Verify checks size bytes at address against buffer 0. The entry point
// returns address+size on success and the first mismatching address
// otherwise.
func (r *Runtime) Verify(address uint64, data []byte) error {
	if !r.SupportsVerify() {
		return fmt.Errorf("flash: algorithm %s has no Verify entry", r.algo.Name)
	}
	if err := r.LoadPageBuffer(0, data); err != nil {
		return err
	}
	if err := r.startCall("Verify", r.entry(r.algo.PcVerify), address,
		uint32(address), uint32(len(data)), uint32(r.buffers[0])); err != nil {
		return err
	}
	status, fn, _, err := r.waitResult(r.algo.FlashProperties.ProgramPageTimeout())
	if err != nil {
		return err
	}
	if uint64(status) != address+uint64(len(data)) {
		return &AlgorithmError{Function: fn, Code: status, Address: uint64(status)}
	}
	return nil
}
