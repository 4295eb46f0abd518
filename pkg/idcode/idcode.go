// Package idcode decodes IEEE 1149.1 device identification registers and
// the JEP106 manufacturer namespace they share with CoreSight PIDR.
package idcode

import "fmt"

// Manufacturer is one JEP106 namespace entry.
type Manufacturer struct {
	Code         uint16 // 11-bit JEP106 code
	Name         string
	Abbreviation string
	Country      string // optional
}

func (m Manufacturer) String() string {
	if m.Abbreviation != "" {
		return m.Abbreviation
	}
	return fmt.Sprintf("%#03x", m.Code)
}

// DeviceID is a decoded 32-bit JTAG IDCODE.
type DeviceID struct {
	Raw          uint32
	Version      uint8  // bits [31:28]
	PartNumber   uint16 // bits [27:12]
	Manufacturer Manufacturer
	Valid        bool // bit 0, set on every conforming IDCODE
}

// Decode splits a raw IDCODE and resolves its manufacturer. A zero word
// stands for a device that answered in BYPASS during chain scan; it decodes
// as invalid.
func Decode(raw uint32) DeviceID {
	m, _ := LookupManufacturer(uint16(raw >> 1 & 0x7FF))
	return DeviceID{
		Raw:          raw,
		Version:      uint8(raw >> 28 & 0xF),
		PartNumber:   uint16(raw >> 12 & 0xFFFF),
		Manufacturer: m,
		Valid:        raw&1 == 1,
	}
}

func (d DeviceID) String() string {
	if !d.Valid {
		return "no idcode"
	}
	return fmt.Sprintf("%s part %#04x rev %d", d.Manufacturer, d.PartNumber, d.Version)
}
