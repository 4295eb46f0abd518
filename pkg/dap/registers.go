package dap

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// Debug Port register addresses (ADIv5 numbering: bank in the upper nibble).
const (
	DpAbort     = 0x00 // write-only
	DpIDR       = 0x00 // read-only
	DpCtrlStat  = 0x04
	DpDlcr      = 0x14 // bank 1
	DpTargetID  = 0x24 // bank 2
	DpDlpidr    = 0x34 // bank 3
	DpEventStat = 0x44 // bank 4
	DpSelect1   = 0x54 // bank 5, ADIv6 only
	DpSelect    = 0x08 // write-only
	DpRdbuff    = 0x0C
)

// DP CTRL/STAT bits.
const (
	CtrlStatOrunDetect   = 1 << 0
	CtrlStatStickyOrun   = 1 << 1
	CtrlStatStickyCmp    = 1 << 4
	CtrlStatStickyErr    = 1 << 5
	CtrlStatReadOK       = 1 << 6
	CtrlStatWDataErr     = 1 << 7
	CtrlStatCDbgRstReq   = 1 << 26
	CtrlStatCDbgRstAck   = 1 << 27
	CtrlStatCDbgPwrupReq = 1 << 28
	CtrlStatCDbgPwrupAck = 1 << 29
	CtrlStatCSysPwrupReq = 1 << 30
	CtrlStatCSysPwrupAck = 1 << 31
)

// MEM-AP register offsets within the AP's register window.
const (
	MemApCSW      = 0x00
	MemApTAR      = 0x04
	MemApTARHigh  = 0x08
	MemApDRW      = 0x0C
	MemApBD0      = 0x10
	MemApMBT      = 0x20
	MemApBaseHigh = 0xF0
	MemApCFG      = 0xF4
	MemApBase     = 0xF8
	MemApIDR      = 0xFC
)

// CSW fields.
const (
	CswSizeMask    = 0x7
	CswSize8       = 0x0
	CswSize16      = 0x1
	CswSize32      = 0x2
	CswSize64      = 0x3
	CswAddrIncMask = 0x3 << 4
	CswAddrIncOff  = 0x0 << 4
	CswAddrIncOn   = 0x1 << 4
	CswAddrIncPack = 0x2 << 4
	CswDeviceEn    = 1 << 6
	CswTrInProg    = 1 << 7
	CswHProt       = 0x7F << 24
	CswDbgSwEnable = 1 << 31
)

// CFG register bits.
const (
	CfgBigEndian    = 1 << 0
	CfgLargeAddress = 1 << 1
	CfgLargeData    = 1 << 2
)

// IDR fields.
const (
	IdrClassShift = 13
	IdrClassMask  = 0xF
	IdrClassMemAp = 0x8
)

// autoIncWindow is the guaranteed TAR auto-increment span (ADIv5 2.6.4):
// increments are only architected across the low 10 address bits.
const autoIncWindow = 0x400

// Version distinguishes the two ARM Debug Interface generations.
type Version uint8

const (
	ADIv5 Version = iota
	ADIv6
)

func (v Version) String() string {
	if v == ADIv6 {
		return "ADIv6"
	}
	return "ADIv5"
}

// ApAddress fully qualifies one access port: the owning DP plus either an
// 8-bit ADIv5 AP index or an ADIv6 base-offset path. A path longer than one
// element addresses an AP nested inside a parent AP's memory space.
type ApAddress struct {
	Dp      probe.DpAddress
	Version Version

	// V5Index is the APSEL value for ADIv5.
	V5Index uint8

	// V6Path holds base offsets for ADIv6, outermost first.
	V6Path []uint64
}

// V5 builds an ADIv5 AP address on the default DP.
func V5(index uint8) ApAddress {
	return ApAddress{Version: ADIv5, V5Index: index}
}

// V6 builds an ADIv6 AP address on the default DP.
func V6(path ...uint64) ApAddress {
	return ApAddress{Version: ADIv6, V6Path: path}
}

func (a ApAddress) String() string {
	if a.Version == ADIv5 {
		return fmt.Sprintf("AP%d", a.V5Index)
	}
	return fmt.Sprintf("AP%#x", a.V6Path)
}

// Equal compares two AP addresses.
func (a ApAddress) Equal(b ApAddress) bool {
	if a.Dp != b.Dp || a.Version != b.Version {
		return false
	}
	if a.Version == ADIv5 {
		return a.V5Index == b.V5Index
	}
	if len(a.V6Path) != len(b.V6Path) {
		return false
	}
	for i := range a.V6Path {
		if a.V6Path[i] != b.V6Path[i] {
			return false
		}
	}
	return true
}

// Parent returns the enclosing AP of a nested ADIv6 address.
func (a ApAddress) Parent() (ApAddress, bool) {
	if a.Version != ADIv6 || len(a.V6Path) < 2 {
		return ApAddress{}, false
	}
	return ApAddress{Dp: a.Dp, Version: ADIv6, V6Path: a.V6Path[:len(a.V6Path)-1]}, true
}

// dpRegister converts a DP register address (offset plus bank nibble) into
// the wire form.
func dpRegister(addr uint8) probe.RegisterAddress {
	return probe.RegisterAddress{
		Port: probe.PortDP,
		Bank: addr >> 4,
		Reg:  addr & 0xF,
	}
}

// apRegister converts an AP register offset (0x00..0xFC) into the wire form.
func apRegister(offset uint16) probe.RegisterAddress {
	return probe.RegisterAddress{
		Port: probe.PortAP,
		Bank: uint8(offset >> 4),
		Reg:  uint8(offset & 0xF),
	}
}
