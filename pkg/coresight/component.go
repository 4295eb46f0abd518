// Package coresight discovers debug components by walking CoreSight ROM
// tables: it validates CIDR preambles, decodes PIDR part and designer
// fields, and classifies peripherals so higher layers can locate the SCS,
// FPB, DWT, ITM, TPIU and friends without hard-coded addresses.
package coresight

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/idcode"
)

// ComponentClass is the CIDR class nibble.
type ComponentClass uint8

const (
	ClassGenericVerification ComponentClass = 0x0
	ClassRomTable            ComponentClass = 0x1
	ClassCoreSight           ComponentClass = 0x9
	ClassPeripheralTestBlock ComponentClass = 0xB
	ClassGenericIP           ComponentClass = 0xE
	ClassPrimeCell           ComponentClass = 0xF
)

func (c ComponentClass) String() string {
	switch c {
	case ClassGenericVerification:
		return "generic-verification"
	case ClassRomTable:
		return "rom-table"
	case ClassCoreSight:
		return "coresight"
	case ClassPeripheralTestBlock:
		return "peripheral-test-block"
	case ClassGenericIP:
		return "generic-ip"
	case ClassPrimeCell:
		return "primecell"
	}
	return fmt.Sprintf("class-%#x", uint8(c))
}

// PeripheralType labels the debug peripherals the toolkit knows how to use.
type PeripheralType string

const (
	PeripheralSCS     PeripheralType = "SCS"
	PeripheralDWT     PeripheralType = "DWT"
	PeripheralFPB     PeripheralType = "FPB"
	PeripheralBPU     PeripheralType = "BPU"
	PeripheralITM     PeripheralType = "ITM"
	PeripheralTPIU    PeripheralType = "TPIU"
	PeripheralSWO     PeripheralType = "SWO"
	PeripheralETM     PeripheralType = "ETM"
	PeripheralETB     PeripheralType = "ETB"
	PeripheralCTI     PeripheralType = "CTI"
	PeripheralMemAp   PeripheralType = "MEM-AP"
	PeripheralRom     PeripheralType = "ROM"
	PeripheralUnknown PeripheralType = "unknown"
)

// Identification carries the decoded CIDR/PIDR content of one component.
type Identification struct {
	BaseAddress uint64
	Class       ComponentClass
	Designer    idcode.Manufacturer
	PartNumber  uint16
	Revision    uint8
	DevType     uint8 // DEVTYPE register, CoreSight class only
	DevArch     uint32
}

// Peripheral classifies the component from its designer and part number,
// with DEVTYPE as a tie breaker for CoreSight class components.
func (id Identification) Peripheral() PeripheralType {
	if id.Class == ClassRomTable {
		return PeripheralRom
	}
	if id.Designer.Code != 0x23B && id.Designer.Code != 0x093 {
		return PeripheralUnknown
	}
	if p, ok := armParts[id.PartNumber]; ok {
		return p
	}
	// Fall back on the DEVTYPE major/sub classification.
	switch id.DevType {
	case 0x11:
		return PeripheralTPIU
	case 0x13:
		return PeripheralETM
	case 0x14:
		return PeripheralCTI
	case 0x21:
		return PeripheralETB
	case 0x43:
		return PeripheralITM
	}
	return PeripheralUnknown
}

// armParts maps ARM PIDR part numbers to peripheral types, covering the
// Cortex-M debug components encountered in practice.
var armParts = map[uint16]PeripheralType{
	0x000: PeripheralSCS,   // Cortex-M3 SCS
	0x001: PeripheralITM,   // Cortex-M3/M4 ITM
	0x002: PeripheralDWT,   // Cortex-M3/M4 DWT
	0x003: PeripheralFPB,   // Cortex-M3/M4 FPB
	0x008: PeripheralSCS,   // Cortex-M0 SCS
	0x00A: PeripheralDWT,   // Cortex-M0 DWT
	0x00B: PeripheralBPU,   // Cortex-M0 BPU
	0x00C: PeripheralSCS,   // Cortex-M4 SCS
	0x00D: PeripheralSCS,   // Cortex-M7 (SCS variant)
	0x00E: PeripheralFPB,   // Cortex-M7 FPB
	0x906: PeripheralCTI,   // CoreSight CTI
	0x907: PeripheralETB,   // CoreSight ETB
	0x908: PeripheralSWO,   // CoreSight trace funnel/SWO
	0x912: PeripheralTPIU,  // CoreSight TPIU
	0x913: PeripheralITM,   // CoreSight ITM
	0x914: PeripheralSWO,   // CoreSight SWO
	0x925: PeripheralETM,   // Cortex-M4 ETM
	0x961: PeripheralRom,   // CoreSight ROM variant
	0x975: PeripheralETM,   // Cortex-M7 ETM
	0x9A1: PeripheralTPIU,  // Cortex-M4 TPIU
	0x9A9: PeripheralTPIU,  // Cortex-M7 TPIU
	0x9A3: PeripheralMemAp, // AHB-AP in component form
	0x4C0: PeripheralRom,   // Cortex-M0+ ROM
	0x4C3: PeripheralRom,   // Cortex-M3 ROM
	0x4C4: PeripheralRom,   // Cortex-M4 ROM
	0x4C7: PeripheralRom,   // Cortex-M7 PPB ROM
	0x4C8: PeripheralRom,   // Cortex-M33 ROM
}
