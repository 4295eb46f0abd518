package dap

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
)

// Memory is the memory-access surface the core controllers and the flash
// engine run on. A MEM-AP implements it; tests substitute an in-memory fake.
type Memory interface {
	ReadWord64(address uint64) (uint64, error)
	ReadWord32(address uint64) (uint32, error)
	ReadWord16(address uint64) (uint16, error)
	ReadWord8(address uint64) (uint8, error)

	WriteWord64(address uint64, value uint64) error
	WriteWord32(address uint64, value uint32) error
	WriteWord16(address uint64, value uint16) error
	WriteWord8(address uint64, value uint8) error

	Read32(address uint64, out []uint32) error
	Read(address uint64, out []byte) error
	Write32(address uint64, values []uint32) error
	Write(address uint64, data []byte) error

	// Flush forces pending posted transactions to complete and surfaces
	// their errors.
	Flush() error
}

// MemoryAP exposes target memory through one MEM-AP. It caches CSW and TAR
// so repeated transfers only reprogram what changed, and invalidates both
// caches whenever a transport error leaves the AP state unknown.
type MemoryAP struct {
	iface *Interface
	ap    ApAddress

	// cswBase carries the implementation-defined CSW bits observed at
	// attach, preserved across size/increment changes.
	cswBase  uint32
	csw      uint32
	cswValid bool

	tar      uint64
	tarValid bool

	largeAddress bool
	largeData    bool
	only32       bool
	packed       bool

	log *zap.Logger
}

// NewMemoryAP verifies the AP is a MEM-AP and probes its capabilities: CFG
// extensions, the supported transfer sizes, and packed auto-increment.
func NewMemoryAP(iface *Interface, ap ApAddress) (*MemoryAP, error) {
	if cached := iface.cachedMemAp(ap); cached != nil {
		return cached, nil
	}

	idr, err := iface.ReadApRegister(ap, MemApIDR)
	if err != nil {
		return nil, err
	}
	if (idr>>IdrClassShift)&IdrClassMask != IdrClassMemAp {
		return nil, ErrNoMemAp
	}

	cfg, err := iface.ReadApRegister(ap, MemApCFG)
	if err != nil {
		return nil, err
	}

	m := &MemoryAP{
		iface:        iface,
		ap:           ap,
		largeAddress: cfg&CfgLargeAddress != 0,
		largeData:    cfg&CfgLargeData != 0,
		log:          logging.Named("dap.memap"),
	}

	csw, err := iface.ReadApRegister(ap, MemApCSW)
	if err != nil {
		return nil, err
	}
	m.cswBase = csw &^ uint32(CswSizeMask|CswAddrIncMask)

	// Probe byte support: a 32-bit-only AP keeps Size at word.
	if err := iface.WriteApRegister(ap, MemApCSW, m.cswBase|CswSize8); err != nil {
		return nil, err
	}
	readback, err := iface.ReadApRegister(ap, MemApCSW)
	if err != nil {
		return nil, err
	}
	m.only32 = readback&CswSizeMask != CswSize8

	if !m.only32 {
		// Packed increment support is likewise advertised by readback.
		if err := iface.WriteApRegister(ap, MemApCSW, m.cswBase|CswSize8|CswAddrIncPack); err != nil {
			return nil, err
		}
		readback, err = iface.ReadApRegister(ap, MemApCSW)
		if err != nil {
			return nil, err
		}
		m.packed = readback&CswAddrIncMask == CswAddrIncPack
	}

	// Leave the AP in a known state.
	m.csw = m.cswBase | CswSize32 | CswAddrIncOn
	if err := iface.WriteApRegister(ap, MemApCSW, m.csw); err != nil {
		return nil, err
	}
	m.cswValid = true

	iface.storeMemAp(ap, m)
	return m, nil
}

// Ap returns the AP address this MEM-AP is bound to.
func (m *MemoryAP) Ap() ApAddress {
	return m.ap
}

// Supports32BitOnly reports whether the AP is restricted to word transfers.
func (m *MemoryAP) Supports32BitOnly() bool {
	return m.only32
}

// invalidate drops the CSW and TAR caches after an error of unknown effect.
func (m *MemoryAP) invalidate() {
	m.cswValid = false
	m.tarValid = false
}

// setCsw programs CSW only when the cached value differs.
func (m *MemoryAP) setCsw(sizeField, incField uint32) error {
	want := m.cswBase | sizeField | incField
	if m.cswValid && m.csw == want {
		return nil
	}
	if err := m.iface.WriteApRegister(m.ap, MemApCSW, want); err != nil {
		m.invalidate()
		return err
	}
	m.csw = want
	m.cswValid = true
	return nil
}

// setTar programs TAR (and the high word with the large address extension)
// only when the cached value differs.
func (m *MemoryAP) setTar(addr uint64) error {
	if addr > 0xFFFF_FFFF && !m.largeAddress {
		return &AddressError{Address: addr}
	}
	if m.tarValid && m.tar == addr {
		return nil
	}
	if m.largeAddress {
		if !m.tarValid || uint32(m.tar>>32) != uint32(addr>>32) {
			if err := m.iface.WriteApRegister(m.ap, MemApTARHigh, uint32(addr>>32)); err != nil {
				m.invalidate()
				return err
			}
		}
	}
	if err := m.iface.WriteApRegister(m.ap, MemApTAR, uint32(addr)); err != nil {
		m.invalidate()
		return err
	}
	m.tar = addr
	m.tarValid = true
	return nil
}

// advanceTar accounts for hardware auto-increment after a block transfer.
// Increment across a window boundary is not architected, so a transfer
// ending exactly on one leaves TAR unknown.
func (m *MemoryAP) advanceTar(bytes uint64) {
	if !m.tarValid {
		return
	}
	m.tar += bytes
	if m.tar%autoIncWindow == 0 {
		m.tarValid = false
	}
}

// ReadWord32 reads one aligned 32-bit word.
func (m *MemoryAP) ReadWord32(address uint64) (uint32, error) {
	if address%4 != 0 {
		return 0, &AddressError{Address: address}
	}
	if err := m.setCsw(CswSize32, CswAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTar(address); err != nil {
		return 0, err
	}
	v, err := m.iface.ReadApRegister(m.ap, MemApDRW)
	if err != nil {
		m.invalidate()
		return 0, err
	}
	return v, nil
}

// WriteWord32 writes one aligned 32-bit word.
func (m *MemoryAP) WriteWord32(address uint64, value uint32) error {
	if address%4 != 0 {
		return &AddressError{Address: address}
	}
	if err := m.setCsw(CswSize32, CswAddrIncOff); err != nil {
		return err
	}
	if err := m.setTar(address); err != nil {
		return err
	}
	if err := m.iface.WriteApRegister(m.ap, MemApDRW, value); err != nil {
		m.invalidate()
		return err
	}
	return nil
}

// ReadWord64 reads one aligned 64-bit word; it needs the large data
// extension.
func (m *MemoryAP) ReadWord64(address uint64) (uint64, error) {
	if address%8 != 0 {
		return 0, &AddressError{Address: address}
	}
	if !m.largeData {
		lo, err := m.ReadWord32(address)
		if err != nil {
			return 0, err
		}
		hi, err := m.ReadWord32(address + 4)
		if err != nil {
			return 0, err
		}
		return uint64(hi)<<32 | uint64(lo), nil
	}
	if err := m.setCsw(CswSize64, CswAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTar(address); err != nil {
		return 0, err
	}
	// A 64-bit access is two DRW transfers, low word first.
	lo, err := m.iface.ReadApRegister(m.ap, MemApDRW)
	if err != nil {
		m.invalidate()
		return 0, err
	}
	hi, err := m.iface.ReadApRegister(m.ap, MemApDRW)
	if err != nil {
		m.invalidate()
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// WriteWord64 writes one aligned 64-bit word.
func (m *MemoryAP) WriteWord64(address uint64, value uint64) error {
	if address%8 != 0 {
		return &AddressError{Address: address}
	}
	if !m.largeData {
		if err := m.WriteWord32(address, uint32(value)); err != nil {
			return err
		}
		return m.WriteWord32(address+4, uint32(value>>32))
	}
	if err := m.setCsw(CswSize64, CswAddrIncOff); err != nil {
		return err
	}
	if err := m.setTar(address); err != nil {
		return err
	}
	if err := m.iface.WriteApRegister(m.ap, MemApDRW, uint32(value)); err != nil {
		m.invalidate()
		return err
	}
	if err := m.iface.WriteApRegister(m.ap, MemApDRW, uint32(value>>32)); err != nil {
		m.invalidate()
		return err
	}
	return nil
}

// ReadWord16 reads one aligned halfword from its DRW byte lane.
func (m *MemoryAP) ReadWord16(address uint64) (uint16, error) {
	if address%2 != 0 {
		return 0, &AddressError{Address: address}
	}
	if m.only32 {
		return 0, ErrUnsupportedTransferWidth
	}
	if err := m.setCsw(CswSize16, CswAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTar(address); err != nil {
		return 0, err
	}
	v, err := m.iface.ReadApRegister(m.ap, MemApDRW)
	if err != nil {
		m.invalidate()
		return 0, err
	}
	return uint16(v >> (8 * (address & 0x2))), nil
}

// WriteWord16 writes one aligned halfword through its DRW byte lane.
func (m *MemoryAP) WriteWord16(address uint64, value uint16) error {
	if address%2 != 0 {
		return &AddressError{Address: address}
	}
	if m.only32 {
		return ErrUnsupportedTransferWidth
	}
	if err := m.setCsw(CswSize16, CswAddrIncOff); err != nil {
		return err
	}
	if err := m.setTar(address); err != nil {
		return err
	}
	lane := uint32(value) << (8 * (address & 0x2))
	if err := m.iface.WriteApRegister(m.ap, MemApDRW, lane); err != nil {
		m.invalidate()
		return err
	}
	return nil
}

// ReadWord8 reads one byte from its DRW byte lane.
func (m *MemoryAP) ReadWord8(address uint64) (uint8, error) {
	if m.only32 {
		return 0, ErrUnsupportedTransferWidth
	}
	if err := m.setCsw(CswSize8, CswAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTar(address); err != nil {
		return 0, err
	}
	v, err := m.iface.ReadApRegister(m.ap, MemApDRW)
	if err != nil {
		m.invalidate()
		return 0, err
	}
	return uint8(v >> (8 * (address & 0x3))), nil
}

// WriteWord8 writes one byte through its DRW byte lane.
func (m *MemoryAP) WriteWord8(address uint64, value uint8) error {
	if m.only32 {
		return ErrUnsupportedTransferWidth
	}
	if err := m.setCsw(CswSize8, CswAddrIncOff); err != nil {
		return err
	}
	if err := m.setTar(address); err != nil {
		return err
	}
	lane := uint32(value) << (8 * (address & 0x3))
	if err := m.iface.WriteApRegister(m.ap, MemApDRW, lane); err != nil {
		m.invalidate()
		return err
	}
	return nil
}

// Read32 streams aligned words with auto-increment, re-programming TAR at
// every 1 KiB wrap boundary.
func (m *MemoryAP) Read32(address uint64, out []uint32) error {
	if address%4 != 0 {
		return &AddressError{Address: address}
	}
	if err := m.setCsw(CswSize32, CswAddrIncOn); err != nil {
		return err
	}
	pos := 0
	for pos < len(out) {
		if err := m.setTar(address); err != nil {
			return err
		}
		span := int((autoIncWindow - address%autoIncWindow) / 4)
		if rem := len(out) - pos; span > rem {
			span = rem
		}
		if err := m.iface.ReadApRegisterBlock(m.ap, MemApDRW, out[pos:pos+span]); err != nil {
			m.invalidate()
			return err
		}
		m.advanceTar(uint64(span) * 4)
		address += uint64(span) * 4
		pos += span
	}
	return nil
}

// Write32 streams aligned words with auto-increment and the same wrap rule.
func (m *MemoryAP) Write32(address uint64, values []uint32) error {
	if address%4 != 0 {
		return &AddressError{Address: address}
	}
	if err := m.setCsw(CswSize32, CswAddrIncOn); err != nil {
		return err
	}
	pos := 0
	for pos < len(values) {
		if err := m.setTar(address); err != nil {
			return err
		}
		span := int((autoIncWindow - address%autoIncWindow) / 4)
		if rem := len(values) - pos; span > rem {
			span = rem
		}
		if err := m.iface.WriteApRegisterBlock(m.ap, MemApDRW, values[pos:pos+span]); err != nil {
			m.invalidate()
			return err
		}
		m.advanceTar(uint64(span) * 4)
		address += uint64(span) * 4
		pos += span
	}
	return nil
}

// Read fills out from target memory, splitting the request into a narrow
// head, a word-wide body, and a narrow tail. On a 32-bit-only AP the request
// must be word-aligned at both ends.
func (m *MemoryAP) Read(address uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if m.only32 && (address%4 != 0 || len(out)%4 != 0) {
		return ErrUnsupportedTransferWidth
	}

	pos := 0
	for address%4 != 0 && pos < len(out) {
		b, err := m.ReadWord8(address)
		if err != nil {
			return err
		}
		out[pos] = b
		address++
		pos++
	}

	if words := (len(out) - pos) / 4; words > 0 {
		buf := make([]uint32, words)
		if err := m.Read32(address, buf); err != nil {
			return err
		}
		for _, w := range buf {
			binary.LittleEndian.PutUint32(out[pos:], w)
			pos += 4
		}
		address += uint64(words) * 4
	}

	for pos < len(out) {
		b, err := m.ReadWord8(address)
		if err != nil {
			return err
		}
		out[pos] = b
		address++
		pos++
	}
	return nil
}

// Write sends data to target memory with the same head/body/tail split.
func (m *MemoryAP) Write(address uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if m.only32 && (address%4 != 0 || len(data)%4 != 0) {
		return ErrUnsupportedTransferWidth
	}

	pos := 0
	for address%4 != 0 && pos < len(data) {
		if err := m.WriteWord8(address, data[pos]); err != nil {
			return err
		}
		address++
		pos++
	}

	if words := (len(data) - pos) / 4; words > 0 {
		buf := make([]uint32, words)
		for i := range buf {
			buf[i] = binary.LittleEndian.Uint32(data[pos+i*4:])
		}
		if err := m.Write32(address, buf); err != nil {
			return err
		}
		pos += words * 4
		address += uint64(words) * 4
	}

	for pos < len(data) {
		if err := m.WriteWord8(address, data[pos]); err != nil {
			return err
		}
		address++
		pos++
	}
	return nil
}

// Flush drains pending posted transactions.
func (m *MemoryAP) Flush() error {
	if err := m.iface.Flush(); err != nil {
		m.invalidate()
		return err
	}
	return nil
}
