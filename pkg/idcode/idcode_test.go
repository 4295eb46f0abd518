package idcode

import "testing"

func TestDecode(t *testing.T) {
	cases := []struct {
		raw     uint32
		valid   bool
		mfr     uint16
		part    uint16
		version uint8
	}{
		{0x3BA00477, true, 0x23B, 0xBA00, 3}, // ARM Cortex-M4 TAP
		{0x06431041, true, 0x020, 0x6431, 0}, // STM32 boundary scan TAP
		{0x00000000, false, 0, 0, 0},         // bypass placeholder
		{0x3BA00476, false, 0, 0, 0},         // conformance bit clear
	}
	for _, c := range cases {
		got := Decode(c.raw)
		if got.Valid != c.valid {
			t.Errorf("Decode(%#08x).Valid = %v, want %v", c.raw, got.Valid, c.valid)
		}
		if !c.valid {
			continue
		}
		if got.Manufacturer.Code != c.mfr {
			t.Errorf("Decode(%#08x) manufacturer = %#03x, want %#03x", c.raw, got.Manufacturer.Code, c.mfr)
		}
		if got.PartNumber != c.part {
			t.Errorf("Decode(%#08x) part = %#04x, want %#04x", c.raw, got.PartNumber, c.part)
		}
		if got.Version != c.version {
			t.Errorf("Decode(%#08x) version = %d, want %d", c.raw, got.Version, c.version)
		}
	}
}

func TestLookupManufacturerUnknown(t *testing.T) {
	m, ok := LookupManufacturer(0x7FE)
	if ok {
		t.Fatal("reserved code reported as known")
	}
	if m.Code != 0x7FE {
		t.Fatalf("unknown entry lost its code: %#x", m.Code)
	}
}

func TestFromParts(t *testing.T) {
	if got := FromParts(4, 0x3B); got != 0x23B {
		t.Fatalf("FromParts(4, 0x3b) = %#x, want 0x23b", got)
	}
	// The parity bit of the identity byte is not part of the code.
	if got := FromParts(0, 0xBB); got != 0x3B {
		t.Fatalf("FromParts(0, 0xbb) = %#x, want 0x3b", got)
	}
}
