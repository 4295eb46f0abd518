package target

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

// buildFlashDevice packs a FlashDevice struct the way the CMSIS-Pack
// algorithm template lays it out.
func buildFlashDevice(name string, adr, size, page uint32, sectors [][2]uint32) []byte {
	raw := make([]byte, fdSectorsOffset+8*(len(sectors)+1))
	le := binary.LittleEndian
	le.PutUint16(raw[fdVersOffset:], 0x0101)
	copy(raw[fdNameOffset:fdNameOffset+fdNameLen], name)
	le.PutUint16(raw[fdTypeOffset:], 1) // on-chip
	le.PutUint32(raw[fdAdrOffset:], adr)
	le.PutUint32(raw[fdSizeOffset:], size)
	le.PutUint32(raw[fdPageOffset:], page)
	raw[fdErasedOffset] = 0xFF
	le.PutUint32(raw[fdProgTimeout:], 500)
	le.PutUint32(raw[fdEraseTimeout:], 6000)
	off := fdSectorsOffset
	for _, s := range sectors {
		le.PutUint32(raw[off:], s[0])   // size
		le.PutUint32(raw[off+4:], s[1]) // base
		off += 8
	}
	le.PutUint32(raw[off:], fdSectorEnd)
	le.PutUint32(raw[off+4:], fdSectorEnd)
	return raw
}

func TestParseFlashDevice(t *testing.T) {
	raw := buildFlashDevice("TESTCHIP 64kB Flash", 0x0800_0000, 0x1_0000, 0x400,
		[][2]uint32{{0x1000, 0x0}, {0x4000, 0x8000}})

	name, props, err := parseFlashDevice(raw)
	if err != nil {
		t.Fatalf("parseFlashDevice: %v", err)
	}
	if name != "TESTCHIP 64kB Flash" {
		t.Errorf("name = %q", name)
	}
	if uint64(props.AddressRange.Start) != 0x0800_0000 || uint64(props.AddressRange.End) != 0x0801_0000 {
		t.Errorf("address range = %#x..%#x",
			uint64(props.AddressRange.Start), uint64(props.AddressRange.End))
	}
	if uint64(props.PageSize) != 0x400 {
		t.Errorf("page size = %#x", uint64(props.PageSize))
	}
	if props.ErasedByteValue != 0xFF {
		t.Errorf("erased byte = %#x", props.ErasedByteValue)
	}
	if got := props.ProgramPageTimeout(); got != 500*time.Millisecond {
		t.Errorf("program timeout = %v", got)
	}
	if got := props.EraseSectorTimeout(); got != 6*time.Second {
		t.Errorf("erase timeout = %v", got)
	}
	want := []SectorInfo{{Base: 0x0, Size: 0x1000}, {Base: 0x8000, Size: 0x4000}}
	if len(props.SectorInfos) != len(want) {
		t.Fatalf("sectors = %+v", props.SectorInfos)
	}
	for i, s := range want {
		if props.SectorInfos[i] != s {
			t.Errorf("sector %d = %+v, want %+v", i, props.SectorInfos[i], s)
		}
	}
}

func TestParseFlashDeviceTruncated(t *testing.T) {
	if _, _, err := parseFlashDevice(make([]byte, 64)); err == nil {
		t.Error("truncated struct should fail")
	}
}

func TestParseFlashDeviceNoSectors(t *testing.T) {
	raw := buildFlashDevice("EMPTY", 0, 0x1000, 0x100, nil)
	if _, _, err := parseFlashDevice(raw); err == nil {
		t.Error("a device without sectors should fail")
	}
}

// buildAlgoElf assembles a minimal ELF32 algorithm blob: PrgCode at address
// zero, PrgData right behind it, the FlashDevice struct in DevDscr, and the
// CMSIS entry point symbols.
func buildAlgoElf(dataType uint32, dataBytes []byte) []byte {
	le := binary.LittleEndian

	code := make([]byte, 0x40)
	for i := range code {
		code[i] = byte(i)
	}
	dev := buildFlashDevice("SYNTH 8kB Flash", 0x0800_0000, 0x2000, 256,
		[][2]uint32{{1024, 0}})

	strtab := []byte{0}
	strOff := map[string]uint32{}
	for _, s := range []string{"Init", "UnInit", "EraseSector", "ProgramPage", "FlashDevice"} {
		strOff[s] = uint32(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
	}

	type sym struct {
		name  string
		value uint32
		info  byte
		shndx uint16
	}
	syms := []sym{
		{},
		{"Init", 0x01, 0x12, 1},
		{"UnInit", 0x05, 0x12, 1},
		{"EraseSector", 0x09, 0x12, 1},
		{"ProgramPage", 0x0D, 0x12, 1},
		{"FlashDevice", 0x100, 0x11, 3},
	}
	var symtab []byte
	for _, s := range syms {
		ent := make([]byte, 16)
		if s.name != "" {
			le.PutUint32(ent[0:], strOff[s.name])
		}
		le.PutUint32(ent[4:], s.value)
		ent[12] = s.info
		le.PutUint16(ent[14:], s.shndx)
		symtab = append(symtab, ent...)
	}

	type sec struct {
		name  string
		typ   uint32
		flags uint32
		addr  uint32
		data  []byte
		link  uint32
		info  uint32
		entsz uint32
	}
	secs := []sec{
		{},
		{name: "PrgCode", typ: 1, flags: 0x6, addr: 0, data: code},
		{name: "PrgData", typ: dataType, flags: 0x3, addr: uint32(len(code)), data: dataBytes},
		{name: "DevDscr", typ: 1, flags: 0x2, addr: 0x100, data: dev},
		{name: ".symtab", typ: 2, data: symtab, link: 5, info: 1, entsz: 16},
		{name: ".strtab", typ: 3, data: strtab},
		{name: ".shstrtab", typ: 3},
	}
	shstr := []byte{0}
	nameOff := make([]uint32, len(secs))
	for i := 1; i < len(secs); i++ {
		nameOff[i] = uint32(len(shstr))
		shstr = append(shstr, secs[i].name...)
		shstr = append(shstr, 0)
	}
	secs[6].data = shstr

	const ehSize, shSize = 52, 40
	off := uint32(ehSize)
	offs := make([]uint32, len(secs))
	var body []byte
	for i := 1; i < len(secs); i++ {
		offs[i] = off
		if secs[i].typ != 8 { // NOBITS takes no file space
			body = append(body, secs[i].data...)
			off += uint32(len(secs[i].data))
		}
	}
	shoff := off

	out := make([]byte, ehSize)
	copy(out, []byte{0x7F, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(out[16:], 2)  // ET_EXEC
	le.PutUint16(out[18:], 40) // EM_ARM
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[32:], shoff)
	le.PutUint16(out[40:], ehSize)
	le.PutUint16(out[46:], shSize)
	le.PutUint16(out[48:], uint16(len(secs)))
	le.PutUint16(out[50:], uint16(len(secs)-1))
	out = append(out, body...)
	for i, s := range secs {
		sh := make([]byte, shSize)
		le.PutUint32(sh[0:], nameOff[i])
		le.PutUint32(sh[4:], s.typ)
		le.PutUint32(sh[8:], s.flags)
		le.PutUint32(sh[12:], s.addr)
		if i != 0 {
			le.PutUint32(sh[16:], offs[i])
			le.PutUint32(sh[20:], uint32(len(s.data)))
		}
		le.PutUint32(sh[24:], s.link)
		le.PutUint32(sh[28:], s.info)
		le.PutUint32(sh[36:], s.entsz)
		out = append(out, sh...)
	}
	return out
}

func TestExtractAlgorithm(t *testing.T) {
	initial := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x11, 0x22, 0x33, 0x44}
	blob := buildAlgoElf(1, initial) // SHT_PROGBITS

	algo, err := ExtractAlgorithm(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("ExtractAlgorithm: %v", err)
	}
	if algo.Name != "SYNTH 8kB Flash" {
		t.Errorf("name = %q", algo.Name)
	}
	if len(algo.Instructions) != 0x40 {
		t.Errorf("instructions = %d bytes", len(algo.Instructions))
	}
	if uint64(algo.PcInit) != 0x01 || uint64(algo.PcProgramPage) != 0x0D {
		t.Errorf("entry points: Init %#x ProgramPage %#x",
			uint64(algo.PcInit), uint64(algo.PcProgramPage))
	}
	if uint64(algo.DataSectionOffset) != 0x40 {
		t.Errorf("data section offset = %#x", uint64(algo.DataSectionOffset))
	}
	if !bytes.Equal(algo.Data, initial) {
		t.Errorf("data section contents = % x, want % x", algo.Data, initial)
	}
}

func TestExtractAlgorithmZeroInitData(t *testing.T) {
	blob := buildAlgoElf(8, make([]byte, 16)) // SHT_NOBITS

	algo, err := ExtractAlgorithm(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("ExtractAlgorithm: %v", err)
	}
	if uint64(algo.DataSectionOffset) != 0x40 {
		t.Errorf("data section offset = %#x", uint64(algo.DataSectionOffset))
	}
	if len(algo.Data) != 0 {
		t.Errorf("uninitialized data carried %d bytes of image", len(algo.Data))
	}
}
