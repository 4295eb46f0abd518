package wlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

type fakeTransport struct {
	handler func(cmd []byte, respLen int) []byte
	cmds    [][]byte
	closed  int
}

func (f *fakeTransport) Command(cmd []byte, respLen int) ([]byte, error) {
	f.cmds = append(f.cmds, append([]byte(nil), cmd...))
	return f.handler(cmd, respLen), nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

// dmi is a scripted register file backing the fake's DMI endpoint.
type dmi map[uint32]uint32

func baseHandler(regs dmi) func(cmd []byte, respLen int) []byte {
	return func(cmd []byte, respLen int) []byte {
		switch cmd[1] {
		case groupControl:
			switch cmd[3] {
			case ctrlGetVersion:
				// WCH-LinkE v2.7
				return []byte{pktResponse, groupControl, 4, 2, 7, 2, 0}
			case ctrlAttach:
				return []byte{pktResponse, groupControl, 5, chipCH32V30x, 0x30, 0x5B, 0x05, 0x08}
			default:
				return []byte{pktResponse, groupControl, 1, 0}
			}
		case groupProtect, groupDisable:
			return []byte{pktResponse, cmd[1], 1, 0}
		case groupDmi:
			addr := uint32(cmd[3])
			data := binary.BigEndian.Uint32(cmd[4:8])
			status := byte(dmiStatusOk)
			value := regs[addr]
			if cmd[8] == dmiOpWrite {
				regs[addr] = data
				value = data
			}
			resp := []byte{pktResponse, groupDmi, 6, cmd[3], 0, 0, 0, 0, status}
			binary.BigEndian.PutUint32(resp[4:8], value)
			return resp
		default:
			return []byte{pktResponse, cmd[1], 1, 0}
		}
	}
}

func testDriver(t *testing.T, handler func(cmd []byte, respLen int) []byte) (*Driver, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{handler: handler}
	if handler == nil {
		ft.handler = baseHandler(dmi{})
	}
	d, err := newDriver(ft, probe.Info{Kind: probe.KindWCHLink, Name: "fake"})
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	ft.cmds = nil
	return d, ft
}

func TestOpenDecodesVariant(t *testing.T) {
	d, _ := testDriver(t, nil)
	if d.Variant() != "WCH-LinkE v2.7" {
		t.Fatalf("variant = %q", d.Variant())
	}
}

func TestAttachDecodesChip(t *testing.T) {
	d, _ := testDriver(t, nil)
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if d.RiscvChip() != chipCH32V30x {
		t.Fatalf("riscvchip = %#x", d.RiscvChip())
	}
	if d.chipType != 0x305B0508&0xFFFFFF0F {
		t.Fatalf("chipType = %#x", d.chipType)
	}
}

func TestAttachUnknownChip(t *testing.T) {
	regs := dmi{}
	d, _ := testDriver(t, func(cmd []byte, respLen int) []byte {
		if cmd[1] == groupControl && cmd[3] == ctrlAttach {
			return []byte{pktResponse, groupControl, 1, 0x42}
		}
		return baseHandler(regs)(cmd, respLen)
	})
	var perr *probe.ProtocolError
	if err := d.Attach(); !errors.As(err, &perr) {
		t.Fatalf("want ProtocolError, got %v", err)
	}
}

func TestDmiFraming(t *testing.T) {
	regs := dmi{}
	d, ft := testDriver(t, baseHandler(regs))

	if err := d.WriteDmi(0x10, 0x80000001); err != nil {
		t.Fatalf("WriteDmi: %v", err)
	}
	want := []byte{pktCommand, groupDmi, 6, 0x10, 0x80, 0x00, 0x00, 0x01, dmiOpWrite}
	if !bytes.Equal(ft.cmds[0], want) {
		t.Fatalf("write framing:\n got %#v\nwant %#v", ft.cmds[0], want)
	}

	v, err := d.ReadDmi(0x10)
	if err != nil {
		t.Fatalf("ReadDmi: %v", err)
	}
	if v != 0x80000001 {
		t.Fatalf("read %#x, want 0x80000001", v)
	}
}

func TestDmiBusyRetry(t *testing.T) {
	busy := 2
	regs := dmi{0x11: 0xDEAD0003}
	d, _ := testDriver(t, func(cmd []byte, respLen int) []byte {
		resp := baseHandler(regs)(cmd, respLen)
		if cmd[1] == groupDmi && cmd[8] != dmiOpNop && busy > 0 {
			busy--
			resp[8] = dmiStatusBusy
			return resp
		}
		if cmd[1] == groupDmi && cmd[8] == dmiOpNop {
			binary.BigEndian.PutUint32(resp[4:8], 0xDEAD0003)
		}
		return resp
	})

	v, err := d.ReadDmi(0x11)
	if err != nil {
		t.Fatalf("ReadDmi after busy: %v", err)
	}
	if v != 0xDEAD0003 {
		t.Fatalf("read %#x", v)
	}
}

func TestProtocolFixedJtag(t *testing.T) {
	d, _ := testDriver(t, nil)
	if err := d.SelectProtocol(probe.ProtocolSWD); !errors.Is(err, probe.ErrUnsupportedProtocol) {
		t.Fatalf("want ErrUnsupportedProtocol, got %v", err)
	}
	if err := d.SelectProtocol(probe.ProtocolJTAG); err != nil {
		t.Fatalf("JTAG: %v", err)
	}
	if _, ok := d.RawDap(); ok {
		t.Fatal("WCH-Link reported DAP access")
	}
	if _, ok := d.Jtag(); ok {
		t.Fatal("WCH-Link reported raw JTAG access")
	}
}

func TestDetachIdempotent(t *testing.T) {
	d, ft := testDriver(t, nil)
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := d.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := d.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
	if ft.closed != 1 {
		t.Fatalf("transport closed %d times", ft.closed)
	}
}
