package icdi

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

type fakeTransport struct {
	handler  func(payload []byte) []byte
	payloads [][]byte
	pending  []byte
	naks     int
	closed   int
}

func (f *fakeTransport) Write(data []byte) (int, error) {
	if len(data) < 4 || data[0] != '$' || data[len(data)-3] != '#' {
		return 0, fmt.Errorf("malformed packet % x", data)
	}
	payload := append([]byte(nil), data[1:len(data)-3]...)
	f.payloads = append(f.payloads, payload)
	if f.naks > 0 {
		f.naks--
		f.pending = []byte{'-'}
		return len(data), nil
	}
	f.pending = frame(f.handler(payload))
	return len(data), nil
}

func (f *fakeTransport) Read(buf []byte) (int, error) {
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

func frame(payload []byte) []byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	out := append([]byte("+$"), payload...)
	return append(out, fmt.Sprintf("#%02x", sum)...)
}

func remotePayload(cmd string) []byte {
	return []byte("qRcmd," + hex.EncodeToString([]byte(cmd)))
}

func baseHandler(payload []byte) []byte {
	s := string(payload)
	switch {
	case strings.HasPrefix(s, "qRcmd,"):
		raw, err := hex.DecodeString(s[len("qRcmd,"):])
		if err != nil {
			return []byte("E01")
		}
		if string(raw) == "version" {
			return []byte(hex.EncodeToString([]byte("9270\n")))
		}
		return []byte("OK")
	case strings.HasPrefix(s, "qSupported"):
		return []byte("PacketSize=1c00;qXfer:memory-map:read+")
	case s == "!":
		return []byte("OK")
	}
	return []byte("")
}

func testDriver(t *testing.T, handler func(payload []byte) []byte) (*Driver, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{handler: handler}
	d, err := newDriver(ft, probe.Info{Kind: probe.KindICDI, Name: "TI ICDI"})
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	ft.payloads = nil
	return d, ft
}

func TestVersionQuery(t *testing.T) {
	ft := &fakeTransport{handler: baseHandler}
	d, err := newDriver(ft, probe.Info{Kind: probe.KindICDI})
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	if d.Version() != "9270" {
		t.Fatalf("version = %q, want 9270", d.Version())
	}
	if !bytes.Equal(ft.payloads[0], remotePayload("version")) {
		t.Fatalf("first packet = %q", ft.payloads[0])
	}
}

func TestAttachSequence(t *testing.T) {
	d, ft := testDriver(t, baseHandler)
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	want := [][]byte{
		remotePayload("debug speed 0"),
		[]byte("qSupported"),
		[]byte("!"),
	}
	if len(ft.payloads) != len(want) {
		t.Fatalf("sent %d packets, want %d", len(ft.payloads), len(want))
	}
	for i, w := range want {
		if !bytes.Equal(ft.payloads[i], w) {
			t.Fatalf("packet %d = %q, want %q", i, ft.payloads[i], w)
		}
	}
	if d.packetSize != 0x1C00 {
		t.Fatalf("packetSize = %#x, want 0x1c00", d.packetSize)
	}

	ft.payloads = nil
	if err := d.Attach(); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if len(ft.payloads) != 0 {
		t.Fatal("re-attach sent packets")
	}
}

func TestSetSpeedMapping(t *testing.T) {
	d, _ := testDriver(t, baseHandler)

	cases := []struct {
		khz  int
		want byte
	}{
		{91, '4'}, {150, '4'},
		{151, '3'}, {200, '3'},
		{250, '2'}, {300, '2'},
		{500, '1'}, {750, '1'},
		{1000, '0'}, {6000, '0'},
	}
	for _, tc := range cases {
		if err := d.SetSpeedKHz(tc.khz); err != nil {
			t.Fatalf("SetSpeedKHz(%d): %v", tc.khz, err)
		}
		if d.speedByte != tc.want {
			t.Fatalf("SetSpeedKHz(%d): setting %c, want %c", tc.khz, d.speedByte, tc.want)
		}
	}
	for _, khz := range []int{90, 6001} {
		if err := d.SetSpeedKHz(khz); err == nil {
			t.Fatalf("SetSpeedKHz(%d): want error", khz)
		}
	}
}

func TestNakRetransmit(t *testing.T) {
	d, ft := testDriver(t, baseHandler)
	ft.naks = 1

	if err := d.TargetReset(false); err != nil {
		t.Fatalf("TargetReset: %v", err)
	}
	if len(ft.payloads) != 2 || !bytes.Equal(ft.payloads[0], ft.payloads[1]) {
		t.Fatalf("want one retransmission, got %d packets", len(ft.payloads))
	}

	// A probe that keeps rejecting runs out of retries.
	ft.naks = 1 << 30
	err := d.TargetReset(false)
	var perr *probe.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestErrorStatus(t *testing.T) {
	d, _ := testDriver(t, func(payload []byte) []byte {
		if bytes.Equal(payload, remotePayload("debug hreset")) {
			return []byte("E05")
		}
		return baseHandler(payload)
	})
	err := d.TargetReset(false)
	var perr *probe.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestMemoryRead(t *testing.T) {
	data := []byte{0x01, 0x23, 0x7D, 0x04, 0xAA, 0x24, 0x2A, 0xFF}
	d, ft := testDriver(t, func(payload []byte) []byte {
		if bytes.HasPrefix(payload, []byte("x")) {
			return append([]byte("OK:"), escape(data)...)
		}
		return baseHandler(payload)
	})

	out := make([]byte, len(data))
	if err := d.Read(0x2000_0000, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("read % x, want % x", out, data)
	}
	if want := []byte("x20000000,8"); !bytes.Equal(ft.payloads[0], want) {
		t.Fatalf("packet = %q, want %q", ft.payloads[0], want)
	}

	v, err := d.ReadWord32(0x2000_0000)
	if err != nil {
		t.Fatalf("ReadWord32: %v", err)
	}
	if want := uint32(0x047D_2301); v != want {
		t.Fatalf("word = %#x, want %#x", v, want)
	}
}

func TestMemoryWriteEscapes(t *testing.T) {
	d, ft := testDriver(t, func(payload []byte) []byte {
		if bytes.HasPrefix(payload, []byte("X")) {
			return []byte("OK")
		}
		return baseHandler(payload)
	})

	data := []byte{0x24, 0x2A, 0x7D, 0x00}
	if err := d.Write(0x100, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := append([]byte("X100,4:"), '}', 0x04, '}', 0x0A, '}', 0x5D, 0x00)
	if !bytes.Equal(ft.payloads[0], want) {
		t.Fatalf("packet = % x, want % x", ft.payloads[0], want)
	}
}

func TestRegisterAccess(t *testing.T) {
	d, ft := testDriver(t, func(payload []byte) []byte {
		switch {
		case bytes.Equal(payload, []byte("p5")):
			return []byte("78563412")
		case bytes.HasPrefix(payload, []byte("P")):
			return []byte("OK")
		}
		return baseHandler(payload)
	})

	v, err := d.ReadReg(5)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}
	if v != 0x12345678 {
		t.Fatalf("value = %#x, want 0x12345678", v)
	}

	if err := d.WriteReg(5, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	if want := []byte("P5=bebafeca"); !bytes.Equal(ft.payloads[len(ft.payloads)-1], want) {
		t.Fatalf("packet = %q, want %q", ft.payloads[len(ft.payloads)-1], want)
	}
}

func TestNoDapAccess(t *testing.T) {
	d, _ := testDriver(t, baseHandler)
	if _, ok := d.RawDap(); ok {
		t.Fatal("RawDap available")
	}
	if _, ok := d.Jtag(); ok {
		t.Fatal("Jtag available")
	}
	if err := d.SelectProtocol(probe.ProtocolSWD); !errors.Is(err, probe.ErrUnsupportedProtocol) {
		t.Fatalf("SelectProtocol(SWD) = %v", err)
	}
}

func TestDetachIdempotent(t *testing.T) {
	d, ft := testDriver(t, baseHandler)
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ft.payloads = nil
	if err := d.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if len(ft.payloads) != 1 || !bytes.Equal(ft.payloads[0], remotePayload("debug disable")) {
		t.Fatalf("detach packets = %q", ft.payloads)
	}
	if err := d.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
	if ft.closed != 1 {
		t.Fatalf("closed %d times", ft.closed)
	}
}
