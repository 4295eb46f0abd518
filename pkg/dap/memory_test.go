package dap

import (
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// simDap emulates one DP with a single MEM-AP behind it at the raw register
// level: SELECT-based AP addressing, CSW size/increment clamping, DRW byte
// lanes, and the architected TAR auto-increment wrap across the 1 KiB
// window. It records enough of the traffic to assert on caching behavior.
type simDap struct {
	mem map[uint64]uint32 // word-addressed

	sel      uint32
	csw      uint32
	tar      uint64
	ctrlStat uint32

	idr     map[uint8]uint32 // per APSEL
	powered bool             // acknowledge power-up requests
	only32  bool             // refuse sub-word CSW sizes
	packed  bool             // accept packed auto-increment

	cswWrites int
	tarWrites int
	selWrites int
	tarValues []uint32
	blockLens []int
	aborts    []uint32

	failNext error
}

// simCswBase holds implementation-defined CSW bits the AP reports at attach.
const simCswBase = uint32(CswDbgSwEnable | 0x23<<24 | CswDeviceEn)

func newSimDap() *simDap {
	return &simDap{
		mem:     make(map[uint64]uint32),
		csw:     simCswBase | CswSize32,
		idr:     map[uint8]uint32{0: 0x24770011},
		powered: true,
		packed:  true,
	}
}

func (f *simDap) take() error {
	err := f.failNext
	f.failNext = nil
	return err
}

// apOffset reconstructs the full AP register offset from the wire address
// and the APBANKSEL nibble currently held in SELECT.
func (f *simDap) apOffset(addr probe.RegisterAddress) uint16 {
	return uint16(f.sel&0xF0) | uint16(addr.Reg&0xF)
}

func (f *simDap) RawReadRegister(addr probe.RegisterAddress) (uint32, error) {
	if err := f.take(); err != nil {
		return 0, err
	}
	if addr.Port == probe.PortDP {
		switch addr.Reg {
		case 0x0:
			return 0x2BA01477, nil // DPIDR
		case 0x4:
			stat := f.ctrlStat
			if f.powered {
				if stat&CtrlStatCSysPwrupReq != 0 {
					stat |= CtrlStatCSysPwrupAck
				}
				if stat&CtrlStatCDbgPwrupReq != 0 {
					stat |= CtrlStatCDbgPwrupAck
				}
			}
			return stat, nil
		}
		return 0, nil
	}
	switch f.apOffset(addr) {
	case MemApCSW:
		return f.csw, nil
	case MemApTAR:
		return uint32(f.tar), nil
	case MemApDRW:
		return f.drwRead(), nil
	case MemApCFG:
		return 0, nil
	case MemApBase:
		return 0xE00FF003, nil
	case MemApIDR:
		return f.idr[uint8(f.sel>>24)], nil
	}
	return 0, nil
}

func (f *simDap) RawWriteRegister(addr probe.RegisterAddress, value uint32) error {
	if err := f.take(); err != nil {
		return err
	}
	if addr.Port == probe.PortDP {
		switch addr.Reg {
		case 0x0:
			f.aborts = append(f.aborts, value)
		case 0x4:
			f.ctrlStat = value
		case 0x8:
			f.sel = value
			f.selWrites++
		}
		return nil
	}
	switch f.apOffset(addr) {
	case MemApCSW:
		size := value & CswSizeMask
		if f.only32 {
			size = CswSize32
		}
		inc := value & CswAddrIncMask
		if inc == CswAddrIncPack && !f.packed {
			inc = CswAddrIncOff
		}
		f.csw = value&^uint32(CswSizeMask|CswAddrIncMask) | size | inc
		f.cswWrites++
	case MemApTAR:
		f.tar = uint64(value)
		f.tarWrites++
		f.tarValues = append(f.tarValues, value)
	case MemApDRW:
		f.drwWrite(value)
	}
	return nil
}

func (f *simDap) RawReadBlock(addr probe.RegisterAddress, out []uint32) error {
	if err := f.take(); err != nil {
		return err
	}
	if addr.Port != probe.PortAP || f.apOffset(addr) != MemApDRW {
		return errors.New("sim: block read of a non-DRW register")
	}
	f.blockLens = append(f.blockLens, len(out))
	for n := range out {
		out[n] = f.drwRead()
	}
	return nil
}

func (f *simDap) RawWriteBlock(addr probe.RegisterAddress, values []uint32) error {
	if err := f.take(); err != nil {
		return err
	}
	if addr.Port != probe.PortAP || f.apOffset(addr) != MemApDRW {
		return errors.New("sim: block write of a non-DRW register")
	}
	f.blockLens = append(f.blockLens, len(values))
	for _, v := range values {
		f.drwWrite(v)
	}
	return nil
}

func (f *simDap) RawFlush() error { return f.take() }

func (f *simDap) SelectDp(dp probe.DpAddress) error { return f.take() }

func (f *simDap) drwRead() uint32 {
	word := f.mem[f.tar&^3]
	f.bumpTar()
	return word
}

func (f *simDap) drwWrite(value uint32) {
	word := f.tar &^ 3
	switch f.csw & CswSizeMask {
	case CswSize32:
		f.mem[word] = value
	case CswSize16:
		shift := (f.tar & 0x2) * 8
		f.mem[word] = f.mem[word]&^(0xFFFF<<shift) | value&(0xFFFF<<shift)
	case CswSize8:
		shift := (f.tar & 0x3) * 8
		f.mem[word] = f.mem[word]&^(0xFF<<shift) | value&(0xFF<<shift)
	}
	f.bumpTar()
}

// bumpTar applies hardware auto-increment. Only the low window bits count,
// so a transfer stream that crosses the 1 KiB boundary without reloading
// TAR wraps back to the window start.
func (f *simDap) bumpTar() {
	if f.csw&CswAddrIncMask != CswAddrIncOn {
		return
	}
	step := uint64(1) << (f.csw & CswSizeMask)
	f.tar = f.tar&^uint64(autoIncWindow-1) | (f.tar+step)&uint64(autoIncWindow-1)
}

func (f *simDap) resetCounters() {
	f.cswWrites, f.tarWrites, f.selWrites = 0, 0, 0
	f.tarValues, f.blockLens = nil, nil
}

var simAp = ApAddress{Version: ADIv5, V5Index: 0}

func newSimMemAp(t *testing.T, f *simDap) *MemoryAP {
	t.Helper()
	m, err := NewMemoryAP(New(f, ADIv5), simAp)
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}
	return m
}

func TestMemApCapabilityProbe(t *testing.T) {
	f := newSimDap()
	m := newSimMemAp(t, f)

	if m.Supports32BitOnly() {
		t.Fatal("byte-capable AP reported as 32-bit-only")
	}
	if !m.packed {
		t.Fatal("packed increment not detected")
	}
	if m.cswBase != simCswBase {
		t.Fatalf("cswBase = %#08x, want %#08x", m.cswBase, simCswBase)
	}
	// The probe must leave the AP in word/increment-single mode.
	if f.csw != simCswBase|CswSize32|CswAddrIncOn {
		t.Fatalf("final CSW = %#08x", f.csw)
	}
}

func TestMemApDetects32BitOnly(t *testing.T) {
	f := newSimDap()
	f.only32 = true
	m := newSimMemAp(t, f)

	if !m.Supports32BitOnly() {
		t.Fatal("32-bit-only AP not detected")
	}
	if m.packed {
		t.Fatal("packed increment claimed on a 32-bit-only AP")
	}
	if _, err := m.ReadWord8(0x100); !errors.Is(err, ErrUnsupportedTransferWidth) {
		t.Fatalf("ReadWord8 err = %v", err)
	}
	if err := m.WriteWord16(0x100, 1); !errors.Is(err, ErrUnsupportedTransferWidth) {
		t.Fatalf("WriteWord16 err = %v", err)
	}
}

func TestMemApRejectsNonMemAp(t *testing.T) {
	f := newSimDap()
	f.idr[0] = 0x24760010 // JTAG-AP: class 0

	if _, err := NewMemoryAP(New(f, ADIv5), simAp); !errors.Is(err, ErrNoMemAp) {
		t.Fatalf("err = %v, want ErrNoMemAp", err)
	}
}

func TestMemApIsCachedPerAddress(t *testing.T) {
	f := newSimDap()
	iface := New(f, ADIv5)

	a, err := NewMemoryAP(iface, simAp)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewMemoryAP(iface, simAp)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second NewMemoryAP re-probed instead of using the cache")
	}
}

func TestCswAndTarWritesAreElided(t *testing.T) {
	f := newSimDap()
	m := newSimMemAp(t, f)
	f.resetCounters()

	for n := 0; n < 3; n++ {
		if _, err := m.ReadWord32(0x2000_0000); err != nil {
			t.Fatal(err)
		}
	}
	if f.cswWrites != 1 {
		t.Fatalf("CSW writes = %d, want 1", f.cswWrites)
	}
	if f.tarWrites != 1 {
		t.Fatalf("TAR writes = %d, want 1", f.tarWrites)
	}

	// A width change must reprogram CSW exactly once more.
	if _, err := m.ReadWord8(0x2000_0000); err != nil {
		t.Fatal(err)
	}
	if f.cswWrites != 2 {
		t.Fatalf("CSW writes after width change = %d, want 2", f.cswWrites)
	}
}

func TestBlockReadSplitsAtIncrementWindow(t *testing.T) {
	f := newSimDap()
	for addr := uint64(0x2000_03F0); addr < 0x2000_0420; addr += 4 {
		f.mem[addr] = uint32(addr)
	}
	m := newSimMemAp(t, f)
	f.resetCounters()

	buf := make([]uint32, 8)
	if err := m.Read32(0x2000_03F0, buf); err != nil {
		t.Fatal(err)
	}
	for n, v := range buf {
		if want := uint32(0x2000_03F0 + n*4); v != want {
			t.Fatalf("buf[%d] = %#08x, want %#08x", n, v, want)
		}
	}
	// TAR must be reloaded at the window boundary, with each block transfer
	// confined to one window.
	if len(f.tarValues) != 2 || f.tarValues[0] != 0x2000_03F0 || f.tarValues[1] != 0x2000_0400 {
		t.Fatalf("TAR writes = %#x", f.tarValues)
	}
	if len(f.blockLens) != 2 || f.blockLens[0] != 4 || f.blockLens[1] != 4 {
		t.Fatalf("block lengths = %v", f.blockLens)
	}
}

func TestBlockWriteSplitsAtIncrementWindow(t *testing.T) {
	f := newSimDap()
	m := newSimMemAp(t, f)
	f.resetCounters()

	data := make([]uint32, 12)
	for n := range data {
		data[n] = 0xA0A0_0000 + uint32(n)
	}
	if err := m.Write32(0x2000_07F8, data); err != nil {
		t.Fatal(err)
	}
	for n, want := range data {
		addr := uint64(0x2000_07F8 + n*4)
		if got := f.mem[addr]; got != want {
			t.Fatalf("mem[%#x] = %#08x, want %#08x", addr, got, want)
		}
	}
	if len(f.tarValues) != 2 || f.tarValues[1] != 0x2000_0800 {
		t.Fatalf("TAR writes = %#x", f.tarValues)
	}
	if len(f.blockLens) != 2 || f.blockLens[0] != 2 || f.blockLens[1] != 10 {
		t.Fatalf("block lengths = %v", f.blockLens)
	}
}

func TestUnalignedWordAccess(t *testing.T) {
	f := newSimDap()
	m := newSimMemAp(t, f)

	var addrErr *AddressError
	if _, err := m.ReadWord32(0x1001); !errors.As(err, &addrErr) {
		t.Fatalf("ReadWord32 err = %v", err)
	} else if addrErr.Address != 0x1001 {
		t.Fatalf("AddressError.Address = %#x", addrErr.Address)
	}
	if err := m.WriteWord32(0x1002, 0); !errors.As(err, &addrErr) {
		t.Fatalf("WriteWord32 err = %v", err)
	}
	if err := m.Read32(0x1001, make([]uint32, 2)); !errors.As(err, &addrErr) {
		t.Fatalf("Read32 err = %v", err)
	}
	if _, err := m.ReadWord16(0x1003); !errors.As(err, &addrErr) {
		t.Fatalf("ReadWord16 err = %v", err)
	}
}

func TestByteLanes(t *testing.T) {
	f := newSimDap()
	f.mem[0x100] = 0x4433_2211
	m := newSimMemAp(t, f)

	b, err := m.ReadWord8(0x101)
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x22 {
		t.Fatalf("byte at 0x101 = %#02x, want 0x22", b)
	}
	h, err := m.ReadWord16(0x102)
	if err != nil {
		t.Fatal(err)
	}
	if h != 0x4433 {
		t.Fatalf("halfword at 0x102 = %#04x, want 0x4433", h)
	}

	if err := m.WriteWord8(0x103, 0xAA); err != nil {
		t.Fatal(err)
	}
	if f.mem[0x100] != 0xAA33_2211 {
		t.Fatalf("mem after byte write = %#08x", f.mem[0x100])
	}
	if err := m.WriteWord16(0x100, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if f.mem[0x100] != 0xAA33_BEEF {
		t.Fatalf("mem after halfword write = %#08x", f.mem[0x100])
	}
}

func TestByteReadHeadBodyTail(t *testing.T) {
	f := newSimDap()
	f.mem[0x200] = 0x0302_0100
	f.mem[0x204] = 0x0706_0504
	f.mem[0x208] = 0x0B0A_0908
	f.mem[0x20C] = 0x0F0E_0D0C
	m := newSimMemAp(t, f)
	f.resetCounters()

	out := make([]byte, 10)
	if err := m.Read(0x201, out); err != nil {
		t.Fatal(err)
	}
	for n := range out {
		if out[n] != byte(n+1) {
			t.Fatalf("out[%d] = %#02x, want %#02x", n, out[n], n+1)
		}
	}
	// Three head bytes up to 0x204, one whole word, three tail bytes.
	if len(f.blockLens) != 1 || f.blockLens[0] != 1 {
		t.Fatalf("block lengths = %v", f.blockLens)
	}

	if err := m.Write(0x205, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x55}); err != nil {
		t.Fatal(err)
	}
	if f.mem[0x204] != 0xBEAD_DE04 {
		t.Fatalf("mem[0x204] = %#08x", f.mem[0x204])
	}
	if f.mem[0x208] != 0x0B0A_55EF {
		t.Fatalf("mem[0x208] = %#08x", f.mem[0x208])
	}
}

func TestByteAccessOn32BitOnlyAp(t *testing.T) {
	f := newSimDap()
	f.only32 = true
	f.mem[0x100] = 0x1111_2222
	f.mem[0x104] = 0x3333_4444
	m := newSimMemAp(t, f)

	if err := m.Read(0x101, make([]byte, 4)); !errors.Is(err, ErrUnsupportedTransferWidth) {
		t.Fatalf("unaligned Read err = %v", err)
	}
	if err := m.Read(0x100, make([]byte, 5)); !errors.Is(err, ErrUnsupportedTransferWidth) {
		t.Fatalf("ragged Read err = %v", err)
	}

	out := make([]byte, 8)
	if err := m.Read(0x100, out); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x22 || out[7] != 0x33 {
		t.Fatalf("word-aligned Read = %x", out)
	}
}

func TestTransportErrorInvalidatesCaches(t *testing.T) {
	f := newSimDap()
	m := newSimMemAp(t, f)

	if _, err := m.ReadWord32(0x2000_0000); err != nil {
		t.Fatal(err)
	}

	// With CSW and TAR both cached the next raw operation is the DRW read
	// itself; fail it.
	f.failNext = errors.New("wire glitch")
	if _, err := m.ReadWord32(0x2000_0000); err == nil {
		t.Fatal("expected transport error")
	}

	f.resetCounters()
	if _, err := m.ReadWord32(0x2000_0000); err != nil {
		t.Fatal(err)
	}
	if f.cswWrites != 1 || f.tarWrites != 1 {
		t.Fatalf("after error: CSW writes = %d, TAR writes = %d, want 1 each",
			f.cswWrites, f.tarWrites)
	}
}

func TestSelectWritesAreElided(t *testing.T) {
	f := newSimDap()
	iface := New(f, ADIv5)
	m, err := NewMemoryAP(iface, simAp)
	if err != nil {
		t.Fatal(err)
	}
	f.resetCounters()

	// CSW, TAR and DRW all live in AP bank 0; one pass through ReadWord32
	// leaves SELECT correct for the next.
	if _, err := m.ReadWord32(0x2000_0100); err != nil {
		t.Fatal(err)
	}
	selAfterFirst := f.selWrites
	if _, err := m.ReadWord32(0x2000_0104); err != nil {
		t.Fatal(err)
	}
	if f.selWrites != selAfterFirst {
		t.Fatalf("SELECT rewritten for same bank: %d -> %d", selAfterFirst, f.selWrites)
	}

	// IDR lives in bank 0xF, so the bank switch and the switch back each
	// cost one SELECT write.
	if _, err := iface.ReadApRegister(simAp, MemApIDR); err != nil {
		t.Fatal(err)
	}
	if f.selWrites != selAfterFirst+1 {
		t.Fatalf("SELECT writes after bank switch = %d", f.selWrites)
	}
	if _, err := m.ReadWord32(0x2000_0108); err != nil {
		t.Fatal(err)
	}
	if f.selWrites != selAfterFirst+2 {
		t.Fatalf("SELECT writes after switch back = %d", f.selWrites)
	}
}

func TestConnectPowersUpDebugDomain(t *testing.T) {
	f := newSimDap()
	iface := New(f, ADIv5)

	if err := iface.Connect(probe.DefaultDp); err != nil {
		t.Fatal(err)
	}
	if len(f.aborts) != 1 || f.aborts[0] != 0x1E {
		t.Fatalf("ABORT writes = %#x, want one 0x1E", f.aborts)
	}
	req := uint32(CtrlStatCSysPwrupReq | CtrlStatCDbgPwrupReq)
	if f.ctrlStat&req != req {
		t.Fatalf("CTRL/STAT = %#08x, power-up not requested", f.ctrlStat)
	}
}

func TestConnectReportsPowerUpTimeout(t *testing.T) {
	f := newSimDap()
	f.powered = false

	if err := New(f, ADIv5).Connect(probe.DefaultDp); !errors.Is(err, ErrPowerUp) {
		t.Fatalf("err = %v, want ErrPowerUp", err)
	}
}

func TestProbeApMemoizesLiveAps(t *testing.T) {
	f := newSimDap()
	iface := New(f, ADIv5)

	idr, ok := iface.ProbeAp(simAp)
	if !ok || idr != 0x24770011 {
		t.Fatalf("ProbeAp = %#x, %v", idr, ok)
	}
	if _, ok := iface.ProbeAp(ApAddress{Version: ADIv5, V5Index: 3}); ok {
		t.Fatal("absent AP reported alive")
	}
	if _, ok := iface.ProbeAp(simAp); !ok {
		t.Fatal("memoized AP no longer reported alive")
	}
}
