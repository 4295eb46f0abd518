package coresight

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/idcode"
)

// Register offsets inside a component's 4 KiB window.
const (
	devArchOffset = 0xFBC
	devTypeOffset = 0xFCC
	pidr4Offset   = 0xFD0
	pidr0Offset   = 0xFE0
	cidr0Offset   = 0xFF0
)

// cidrPreamble holds the fixed CIDR bytes; CIDR1's low nibble is masked out
// because its upper nibble carries the component class.
var cidrPreamble = [4]uint8{0x0D, 0x00, 0x05, 0xB1}

// maxRomEntries bounds one ROM table per the CoreSight architecture.
const maxRomEntries = 960

// maxRomDepth guards against reference cycles between malformed tables.
const maxRomDepth = 8

// Component is one discovered debug component.
type Component struct {
	ID         Identification
	Peripheral PeripheralType
	Children   []Component
}

// ComponentMap indexes discovered peripherals by type. When several
// components share a type the first one found wins; FindAll retains order.
type ComponentMap map[PeripheralType]uint64

// ReadIdentification reads and validates the CIDR/PIDR block of the
// component based at addr.
func ReadIdentification(mem dap.Memory, addr uint64) (Identification, error) {
	var cidr [4]uint32
	for i := range cidr {
		v, err := mem.ReadWord32(addr + cidr0Offset + uint64(i)*4)
		if err != nil {
			return Identification{}, err
		}
		cidr[i] = v
	}
	for i, want := range cidrPreamble {
		got := uint8(cidr[i])
		if i == 1 {
			got &= 0x0F
			want &= 0x0F
		}
		if got != want {
			return Identification{}, fmt.Errorf("coresight: invalid CIDR preamble at %#x: word %d is %#02x", addr, i, uint8(cidr[i]))
		}
	}

	var pidr [8]uint32
	for i := 0; i < 4; i++ {
		v, err := mem.ReadWord32(addr + pidr0Offset + uint64(i)*4)
		if err != nil {
			return Identification{}, err
		}
		pidr[i] = v
	}
	for i := 0; i < 4; i++ {
		v, err := mem.ReadWord32(addr + pidr4Offset + uint64(i)*4)
		if err != nil {
			return Identification{}, err
		}
		pidr[4+i] = v
	}

	part := uint16(pidr[0]&0xFF) | uint16(pidr[1]&0xF)<<8
	identity := uint8(pidr[1]>>4) | uint8(pidr[2]&0x7)<<4
	continuation := uint8(pidr[4] & 0xF)
	revision := uint8(pidr[2] >> 4)

	designer, _ := idcode.LookupManufacturer(idcode.FromParts(continuation, identity))

	id := Identification{
		BaseAddress: addr,
		Class:       ComponentClass(cidr[1] >> 4 & 0xF),
		Designer:    designer,
		PartNumber:  part,
		Revision:    revision,
	}
	if id.Class == ClassCoreSight {
		if v, err := mem.ReadWord32(addr + devTypeOffset); err == nil {
			id.DevType = uint8(v)
		}
		if v, err := mem.ReadWord32(addr + devArchOffset); err == nil {
			id.DevArch = v
		}
	}
	return id, nil
}

// Discover walks the component at debugBase and, for ROM tables, its
// children recursively, returning the component tree.
func Discover(mem dap.Memory, debugBase uint64) (Component, error) {
	log := logging.Named("coresight")
	return discover(mem, log, debugBase&^uint64(0xFFF), 0)
}

func discover(mem dap.Memory, log *zap.Logger, base uint64, depth int) (Component, error) {
	if depth > maxRomDepth {
		return Component{}, fmt.Errorf("coresight: ROM table nesting exceeds %d levels", maxRomDepth)
	}
	id, err := ReadIdentification(mem, base)
	if err != nil {
		return Component{}, err
	}
	comp := Component{ID: id, Peripheral: id.Peripheral()}
	if id.Class != ClassRomTable {
		log.Debug("component",
			zap.Uint64("base", base),
			zap.String("type", string(comp.Peripheral)),
			zap.Uint16("part", id.PartNumber))
		return comp, nil
	}

	for i := 0; i < maxRomEntries; i++ {
		entry, err := mem.ReadWord32(base + uint64(i)*4)
		if err != nil {
			return Component{}, err
		}
		if entry == 0 {
			break
		}
		if entry&0x1 == 0 {
			// Present bit clear: skip, keep scanning.
			continue
		}
		// The entry is a signed 20-bit block offset in 4 KiB units.
		offset := int64(int32(entry &^ uint32(0xFFF)))
		childBase := uint64(int64(base) + offset)
		child, err := discover(mem, log, childBase, depth+1)
		if err != nil {
			// A dead entry must not abort the rest of the table.
			log.Debug("skipping unreadable ROM entry",
				zap.Uint64("base", childBase), zap.Error(err))
			continue
		}
		comp.Children = append(comp.Children, child)
	}
	return comp, nil
}

// Map flattens the component tree into a peripheral-type index.
func (c Component) Map() ComponentMap {
	out := make(ComponentMap)
	c.visit(func(comp Component) {
		if comp.Peripheral == PeripheralUnknown || comp.Peripheral == PeripheralRom {
			return
		}
		if _, seen := out[comp.Peripheral]; !seen {
			out[comp.Peripheral] = comp.ID.BaseAddress
		}
	})
	return out
}

// FindAll returns the base addresses of every component of the given type in
// discovery order.
func (c Component) FindAll(p PeripheralType) []uint64 {
	var out []uint64
	c.visit(func(comp Component) {
		if comp.Peripheral == p {
			out = append(out, comp.ID.BaseAddress)
		}
	})
	return out
}

func (c Component) visit(fn func(Component)) {
	fn(c)
	for _, child := range c.Children {
		child.visit(fn)
	}
}
