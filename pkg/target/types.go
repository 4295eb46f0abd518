// Package target loads and validates per-family chip descriptions: cores,
// memory maps, scan-chain hints, and the flash algorithms used to program
// on-chip memory.
package target

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
)

// HexUint is a uint64 that accepts decimal or 0x-prefixed hex in YAML and
// always serializes as hex.
type HexUint uint64

func (h HexUint) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

func (h *HexUint) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("target: invalid integer %q: %w", node.Value, err)
	}
	*h = HexUint(v)
	return nil
}

// MemoryRange is a half-open address range.
type MemoryRange struct {
	Start HexUint `yaml:"start"`
	End   HexUint `yaml:"end"`
}

func (r MemoryRange) Contains(address, length uint64) bool {
	return address >= uint64(r.Start) && address+length <= uint64(r.End)
}

func (r MemoryRange) Overlaps(o MemoryRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r MemoryRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// RegionKind distinguishes memory map entries.
type RegionKind string

const (
	RegionRam     RegionKind = "ram"
	RegionNvm     RegionKind = "nvm"
	RegionGeneric RegionKind = "generic"
)

// MemoryRegion is one entry of a chip's memory map.
type MemoryRegion struct {
	Name  string      `yaml:"name,omitempty"`
	Kind  RegionKind  `yaml:"kind"`
	Range MemoryRange `yaml:"range"`

	// IsBoot and IsAlias only apply to NVM regions.
	IsBoot  bool `yaml:"is_boot,omitempty"`
	IsAlias bool `yaml:"is_alias,omitempty"`

	// Cores names the owning cores.
	Cores []string `yaml:"cores,omitempty"`
}

// CoreDescriptor locates one core's debug resources.
type CoreDescriptor struct {
	Name      string    `yaml:"name"`
	Kind      core.Kind `yaml:"kind"`
	ApIndex   uint8     `yaml:"ap,omitempty"`
	DebugBase HexUint   `yaml:"debug_base,omitempty"`
	CtiBase   HexUint   `yaml:"cti_base,omitempty"`
}

// JtagHints carries a known scan-chain layout for chips where IDCODE
// discovery is unreliable.
type JtagHints struct {
	IRLengths  []uint8 `yaml:"ir_lengths,omitempty"`
	IdleCycles uint8   `yaml:"idle_cycles,omitempty"`
}

// BinaryFormat selects how user images are interpreted.
type BinaryFormat string

const (
	FormatRaw BinaryFormat = "raw"
	FormatIdf BinaryFormat = "idf"
)

// Chip is one concrete variant of a family.
type Chip struct {
	Name            string           `yaml:"name"`
	Cores           []CoreDescriptor `yaml:"cores"`
	MemoryMap       []MemoryRegion   `yaml:"memory_map"`
	FlashAlgorithms []string         `yaml:"flash_algorithms,omitempty"`

	RttScanRanges       []MemoryRange `yaml:"rtt_scan_ranges,omitempty"`
	Jtag                *JtagHints    `yaml:"jtag,omitempty"`
	DefaultBinaryFormat BinaryFormat  `yaml:"default_binary_format,omitempty"`

	// ResetSequence names a registered vendor reset quirk handler.
	ResetSequence string `yaml:"reset_sequence,omitempty"`
}

// AliasAt reports whether address falls inside an NVM region that aliases
// another region. Alias ranges stay readable but are excluded from mass
// erase, which would otherwise hit the backing flash twice.
func (c *Chip) AliasAt(address uint64) bool {
	for _, r := range c.MemoryMap {
		if r.Kind == RegionNvm && r.IsAlias && r.Range.Contains(address, 1) {
			return true
		}
	}
	return false
}

// SectorInfo describes one uniform run of sectors.
type SectorInfo struct {
	Base HexUint `yaml:"base"`
	Size HexUint `yaml:"size"`
}

// TransferEncoding selects how page data travels to the algorithm.
type TransferEncoding string

const (
	EncodingRaw   TransferEncoding = "raw"
	EncodingMiniz TransferEncoding = "miniz"
)

// FlashProperties describes the memory the algorithm programs.
type FlashProperties struct {
	AddressRange MemoryRange  `yaml:"address_range"`
	PageSize     HexUint      `yaml:"page_size"`
	SectorInfos  []SectorInfo `yaml:"sectors"`

	ErasedByteValue uint8 `yaml:"erased_byte_value"`

	// Timeouts in milliseconds.
	ProgramPageTimeoutMs uint32 `yaml:"program_page_timeout,omitempty"`
	EraseSectorTimeoutMs uint32 `yaml:"erase_sector_timeout,omitempty"`
}

func (p FlashProperties) ProgramPageTimeout() time.Duration {
	if p.ProgramPageTimeoutMs == 0 {
		return time.Second
	}
	return time.Duration(p.ProgramPageTimeoutMs) * time.Millisecond
}

func (p FlashProperties) EraseSectorTimeout() time.Duration {
	if p.EraseSectorTimeoutMs == 0 {
		return 3 * time.Second
	}
	return time.Duration(p.EraseSectorTimeoutMs) * time.Millisecond
}

// SectorAt returns the base and size of the sector containing address.
func (p FlashProperties) SectorAt(address uint64) (uint64, uint64, bool) {
	if address < uint64(p.AddressRange.Start) || address >= uint64(p.AddressRange.End) {
		return 0, 0, false
	}
	// sector infos are sorted by base; the last one whose base is at or
	// below the offset wins.
	offset := address - uint64(p.AddressRange.Start)
	var info *SectorInfo
	for i := range p.SectorInfos {
		if uint64(p.SectorInfos[i].Base) <= offset {
			info = &p.SectorInfos[i]
		}
	}
	if info == nil {
		return 0, 0, false
	}
	size := uint64(info.Size)
	base := uint64(p.AddressRange.Start) + uint64(info.Base) +
		(offset-uint64(info.Base))/size*size
	return base, size, true
}

// FlashAlgorithm is one loadable programming routine. Instructions are
// base64 in YAML.
type FlashAlgorithm struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Instructions []byte  `yaml:"instructions"`
	Data         []byte  `yaml:"data,omitempty"`
	LoadAddress  HexUint `yaml:"load_address"`

	// Entry points are offsets from LoadAddress.
	PcInit        HexUint `yaml:"pc_init"`
	PcUninit      HexUint `yaml:"pc_uninit"`
	PcEraseSector HexUint `yaml:"pc_erase_sector"`
	PcProgramPage HexUint `yaml:"pc_program_page"`
	PcEraseAll    HexUint `yaml:"pc_erase_all,omitempty"`
	PcVerify      HexUint `yaml:"pc_verify,omitempty"`

	DataSectionOffset HexUint   `yaml:"data_section_offset"`
	BeginStack        HexUint   `yaml:"begin_stack"`
	PageBuffers       []HexUint `yaml:"page_buffers"`

	FlashProperties  FlashProperties  `yaml:"flash_properties"`
	TransferEncoding TransferEncoding `yaml:"transfer_encoding,omitempty"`
}

// Family groups chip variants with their shared algorithm pool.
type Family struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer,omitempty"`

	Variants        []Chip           `yaml:"variants"`
	FlashAlgorithms []FlashAlgorithm `yaml:"flash_algorithms,omitempty"`
}
