package flash

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

func testProps() target.FlashProperties {
	return target.FlashProperties{
		AddressRange:    target.MemoryRange{Start: 0x0800_0000, End: 0x0800_2000},
		PageSize:        256,
		SectorInfos:     []target.SectorInfo{{Base: 0, Size: 1024}},
		ErasedByteValue: 0xFF,
	}
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestImageMergeAndOverlap(t *testing.T) {
	im := NewImage()
	if err := im.Add(0x100, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := im.Add(0x102, []byte{3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := im.Add(0x0F0, repeat(9, 16)); err != nil {
		t.Fatal(err)
	}
	if len(im.chunks) != 1 {
		t.Fatalf("adjacent chunks should merge, have %d", len(im.chunks))
	}
	if im.chunks[0].address != 0x0F0 || len(im.chunks[0].data) != 20 {
		t.Errorf("merged chunk = %#x+%d", im.chunks[0].address, len(im.chunks[0].data))
	}
	if err := im.Add(0x0F8, []byte{7}); err == nil {
		t.Error("overlapping add should fail")
	}
	if err := im.Add(0x0E0, repeat(8, 32)); err == nil {
		t.Error("overlap with a following chunk should fail")
	}
}

func TestLayoutSinglePage(t *testing.T) {
	im := NewImage()
	if err := im.Add(0x0800_0010, repeat(0xAA, 240)); err != nil {
		t.Fatal(err)
	}
	l, err := buildLayout(testProps(), im)
	if err != nil {
		t.Fatalf("buildLayout: %v", err)
	}

	if len(l.Sectors) != 1 || l.Sectors[0] != (Sector{Base: 0x0800_0000, Size: 1024}) {
		t.Errorf("sectors = %+v", l.Sectors)
	}
	if len(l.Pages) != 1 || l.Pages[0].Base != 0x0800_0000 {
		t.Fatalf("pages = %+v", l.Pages)
	}
	want := append(repeat(0xFF, 16), repeat(0xAA, 240)...)
	if !bytes.Equal(l.Pages[0].Data, want) {
		t.Errorf("page data mismatch:\ngot  %x\nwant %x", l.Pages[0].Data, want)
	}
	if len(l.Fills) != 1 || l.Fills[0] != (Fill{PageIndex: 0, Address: 0x0800_0000, Size: 16}) {
		t.Errorf("fills = %+v", l.Fills)
	}
}

func TestLayoutCrossSector(t *testing.T) {
	im := NewImage()
	if err := im.Add(0x0800_03F0, repeat(0x11, 32)); err != nil {
		t.Fatal(err)
	}
	l, err := buildLayout(testProps(), im)
	if err != nil {
		t.Fatalf("buildLayout: %v", err)
	}

	wantSectors := []Sector{{Base: 0x0800_0000, Size: 1024}, {Base: 0x0800_0400, Size: 1024}}
	if len(l.Sectors) != 2 || l.Sectors[0] != wantSectors[0] || l.Sectors[1] != wantSectors[1] {
		t.Errorf("sectors = %+v", l.Sectors)
	}
	if len(l.Pages) != 2 || l.Pages[0].Base != 0x0800_0300 || l.Pages[1].Base != 0x0800_0400 {
		t.Fatalf("pages = %+v", l.Pages)
	}
	if !bytes.Equal(l.Pages[0].Data, append(repeat(0xFF, 240), repeat(0x11, 16)...)) {
		t.Errorf("first page data mismatch")
	}
	if !bytes.Equal(l.Pages[1].Data, append(repeat(0x11, 16), repeat(0xFF, 240)...)) {
		t.Errorf("second page data mismatch")
	}
}

// Every page must land in exactly one sector, page-aligned, and the fills
// plus the written ranges must tile the page exactly.
func TestLayoutClosure(t *testing.T) {
	im := NewImage()
	for _, c := range []struct {
		addr uint64
		n    int
	}{
		{0x0800_0004, 8},
		{0x0800_0100, 300},
		{0x0800_0FF0, 40},
	} {
		if err := im.Add(c.addr, repeat(0x5A, c.n)); err != nil {
			t.Fatal(err)
		}
	}
	props := testProps()
	l, err := buildLayout(props, im)
	if err != nil {
		t.Fatalf("buildLayout: %v", err)
	}

	pageSize := uint64(props.PageSize)
	for i, p := range l.Pages {
		if p.Base%pageSize != 0 {
			t.Errorf("page %d base %#x not aligned", i, p.Base)
		}
		owners := 0
		for _, s := range l.Sectors {
			if p.Base >= s.Base && p.Base < s.Base+s.Size {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("page %#x has %d owning sectors", p.Base, owners)
		}

		var fillBytes uint64
		for _, f := range l.Fills {
			if f.PageIndex != i {
				continue
			}
			if f.Address < p.Base || f.Address+f.Size > p.Base+pageSize {
				t.Errorf("fill %+v outside page %#x", f, p.Base)
			}
			fillBytes += f.Size
		}
		var written uint64
		for _, b := range p.Data {
			if b != 0x5A {
				continue
			}
			written++
		}
		if fillBytes+written != pageSize {
			t.Errorf("page %#x: fills %d + written %d != %d", p.Base, fillBytes, written, pageSize)
		}
	}
}

func TestEncodeRaw(t *testing.T) {
	im := NewImage()
	if err := im.Add(0x0800_0000, repeat(0x22, 512)); err != nil {
		t.Fatal(err)
	}
	l, err := buildLayout(testProps(), im)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := encodeTransfers(l, 256, target.EncodingRaw)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || ts[0].address != 0x0800_0000 || ts[1].address != 0x0800_0100 {
		t.Fatalf("transfers = %+v", ts)
	}
}

func TestEncodeMiniz(t *testing.T) {
	im := NewImage()
	if err := im.Add(0x0800_0000, repeat(0x22, 512)); err != nil {
		t.Fatal(err)
	}
	if err := im.Add(0x0800_1000, repeat(0x33, 256)); err != nil {
		t.Fatal(err)
	}
	l, err := buildLayout(testProps(), im)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := encodeTransfers(l, 256, target.EncodingMiniz)
	if err != nil {
		t.Fatal(err)
	}

	// Two discontiguous runs; each run's transfers carry the run start
	// and end with a short chunk.
	runs := map[uint64][]transfer{}
	for _, tr := range ts {
		runs[tr.address] = append(runs[tr.address], tr)
	}
	if len(runs) != 2 {
		t.Fatalf("run starts = %v", len(runs))
	}
	for start, run := range runs {
		for i, tr := range run[:len(run)-1] {
			if len(tr.data) != 256 {
				t.Errorf("run %#x chunk %d is short before the end", start, i)
			}
		}
		if len(run[len(run)-1].data) >= 256 {
			t.Errorf("run %#x does not end with a short chunk", start)
		}

		var packed []byte
		for _, tr := range run {
			packed = append(packed, tr.data...)
		}
		zr, err := zlib.NewReader(bytes.NewReader(packed))
		if err != nil {
			t.Fatalf("run %#x: %v", start, err)
		}
		plain, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("run %#x: %v", start, err)
		}
		wantLen := 512
		wantByte := byte(0x22)
		if start == 0x0800_1000 {
			wantLen, wantByte = 256, 0x33
		}
		if len(plain) != wantLen {
			t.Errorf("run %#x decompressed to %d bytes, want %d", start, len(plain), wantLen)
		}
		for _, b := range plain {
			if b != wantByte {
				t.Errorf("run %#x decompressed byte %#x, want %#x", start, b, wantByte)
				break
			}
		}
	}
}
