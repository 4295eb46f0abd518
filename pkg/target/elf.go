package target

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// FlashDevice struct layout inside a CMSIS-Pack algorithm blob.
const (
	fdVersOffset    = 0
	fdNameOffset    = 2
	fdNameLen       = 128
	fdTypeOffset    = 130
	fdAdrOffset     = 132
	fdSizeOffset    = 136
	fdPageOffset    = 140
	fdErasedOffset  = 148
	fdProgTimeout   = 152
	fdEraseTimeout  = 156
	fdSectorsOffset = 160
	fdSectorEnd     = 0xFFFF_FFFF
	fdMinLength     = fdSectorsOffset + 8
)

// ExtractAlgorithm reads a CMSIS-Pack flash algorithm ELF and produces the
// loadable record: code from PrgCode (or .text), entry point addresses from
// the exported symbols, and flash geometry from the FlashDevice struct.
func ExtractAlgorithm(r io.ReaderAt) (*FlashAlgorithm, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("target: algorithm blob: %w", err)
	}
	defer f.Close()

	code := f.Section("PrgCode")
	if code == nil {
		code = f.Section(".text")
	}
	if code == nil {
		return nil, fmt.Errorf("target: algorithm blob has no PrgCode or .text section")
	}
	instructions, err := code.Data()
	if err != nil {
		return nil, fmt.Errorf("target: read code section: %w", err)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("target: algorithm blob symbols: %w", err)
	}
	bySym := make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		bySym[s.Name] = s
	}

	algo := &FlashAlgorithm{
		Instructions: instructions,
		LoadAddress:  HexUint(code.Addr),
	}
	required := map[string]*HexUint{
		"Init":        &algo.PcInit,
		"UnInit":      &algo.PcUninit,
		"EraseSector": &algo.PcEraseSector,
		"ProgramPage": &algo.PcProgramPage,
	}
	// Entry points are stored as offsets into the blob so the same
	// algorithm can load anywhere in RAM.
	for name, dst := range required {
		s, ok := bySym[name]
		if !ok {
			return nil, fmt.Errorf("target: algorithm blob is missing symbol %s", name)
		}
		*dst = HexUint(s.Value - code.Addr)
	}
	if s, ok := bySym["EraseChip"]; ok {
		algo.PcEraseAll = HexUint(s.Value - code.Addr)
	}
	if s, ok := bySym["Verify"]; ok {
		algo.PcVerify = HexUint(s.Value - code.Addr)
	}

	dev, ok := bySym["FlashDevice"]
	if !ok {
		return nil, fmt.Errorf("target: algorithm blob is missing the FlashDevice struct")
	}
	raw, err := readSymbolData(f, dev)
	if err != nil {
		return nil, err
	}
	name, props, err := parseFlashDevice(raw)
	if err != nil {
		return nil, err
	}
	algo.Name = name
	algo.FlashProperties = props

	if data := f.Section("PrgData"); data != nil {
		algo.DataSectionOffset = HexUint(data.Addr - code.Addr)
		// NOBITS sections carry no initial image; the routine zeroes them
		// itself.
		if data.Type != elf.SHT_NOBITS && data.Size > 0 {
			algo.Data, err = data.Data()
			if err != nil {
				return nil, fmt.Errorf("target: reading PrgData: %w", err)
			}
		}
	} else {
		algo.DataSectionOffset = HexUint(len(instructions))
	}
	return algo, nil
}

// readSymbolData pulls the bytes backing a data symbol out of its section.
func readSymbolData(f *elf.File, sym elf.Symbol) ([]byte, error) {
	if int(sym.Section) >= len(f.Sections) {
		return nil, fmt.Errorf("target: FlashDevice symbol has no section")
	}
	sec := f.Sections[sym.Section]
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", sec.Name, err)
	}
	off := sym.Value - sec.Addr
	if off >= uint64(len(data)) {
		return nil, fmt.Errorf("target: FlashDevice symbol outside its section")
	}
	return data[off:], nil
}

// parseFlashDevice decodes the packed FlashDevice struct, including the
// 0xFFFFFFFF-terminated sector list.
func parseFlashDevice(raw []byte) (string, FlashProperties, error) {
	if len(raw) < fdMinLength {
		return "", FlashProperties{}, fmt.Errorf("target: FlashDevice struct truncated (%d bytes)", len(raw))
	}
	le := binary.LittleEndian

	name := string(raw[fdNameOffset : fdNameOffset+fdNameLen])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	start := uint64(le.Uint32(raw[fdAdrOffset:]))
	size := uint64(le.Uint32(raw[fdSizeOffset:]))
	props := FlashProperties{
		AddressRange: MemoryRange{
			Start: HexUint(start),
			End:   HexUint(start + size),
		},
		PageSize:             HexUint(le.Uint32(raw[fdPageOffset:])),
		ErasedByteValue:      raw[fdErasedOffset],
		ProgramPageTimeoutMs: le.Uint32(raw[fdProgTimeout:]),
		EraseSectorTimeoutMs: le.Uint32(raw[fdEraseTimeout:]),
	}

	for off := fdSectorsOffset; off+8 <= len(raw); off += 8 {
		secSize := le.Uint32(raw[off:])
		secBase := le.Uint32(raw[off+4:])
		if secSize == fdSectorEnd && secBase == fdSectorEnd {
			break
		}
		props.SectorInfos = append(props.SectorInfos, SectorInfo{
			Base: HexUint(secBase),
			Size: HexUint(secSize),
		})
	}
	if len(props.SectorInfos) == 0 {
		return "", FlashProperties{}, fmt.Errorf("target: FlashDevice has no sectors")
	}
	return name, props, nil
}
