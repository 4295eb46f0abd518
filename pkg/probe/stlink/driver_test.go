package stlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// fakeTransport records commands and answers through a handler.
type fakeTransport struct {
	handler func(cmd []byte, readLen int) []byte
	cmds    [][]byte
	data    [][]byte
	closed  int
}

func (f *fakeTransport) Command(cmd []byte, readLen int) ([]byte, error) {
	c := append([]byte(nil), cmd...)
	f.cmds = append(f.cmds, c)
	return f.handler(c, readLen), nil
}

func (f *fakeTransport) CommandWrite(cmd, data []byte) error {
	f.cmds = append(f.cmds, append([]byte(nil), cmd...))
	f.data = append(f.data, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

// versionWord packs a v2 firmware version the way GetVersion reports it.
func versionWord(major, jtag, swim uint16) []byte {
	var b [6]byte
	binary.BigEndian.PutUint16(b[:], major<<12|jtag<<6|swim)
	return b[:]
}

func okHandler(jtag uint16) func(cmd []byte, readLen int) []byte {
	return func(cmd []byte, readLen int) []byte {
		switch cmd[0] {
		case cmdGetVersion:
			return versionWord(2, jtag, 7)
		case cmdGetCurrentMode:
			return []byte{modeDebug, 0}
		case cmdDebug:
			resp := make([]byte, readLen)
			if readLen > 0 {
				resp[0] = statusOK
			}
			return resp
		default:
			return make([]byte, readLen)
		}
	}
}

func testDriver(t *testing.T, handler func(cmd []byte, readLen int) []byte) (*Driver, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{handler: handler}
	if handler == nil {
		ft.handler = okHandler(29)
	}
	d, err := newDriver(ft, probe.Info{Kind: probe.KindSTLink, Name: "fake"})
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	ft.cmds = nil
	return d, ft
}

func findDebugCmd(cmds [][]byte, sub byte) []byte {
	for _, c := range cmds {
		if c[0] == cmdDebug && c[1] == sub {
			return c
		}
	}
	return nil
}

func TestOldFirmwareRejected(t *testing.T) {
	ft := &fakeTransport{handler: okHandler(20)}
	_, err := newDriver(ft, probe.Info{})
	if err == nil {
		t.Fatal("J20 firmware accepted")
	}
	if ft.closed != 1 {
		t.Fatal("transport left open after rejection")
	}
}

func TestDfuExitOnOpen(t *testing.T) {
	inDfu := true
	ft := &fakeTransport{handler: func(cmd []byte, readLen int) []byte {
		switch cmd[0] {
		case cmdGetVersion:
			return versionWord(2, 29, 7)
		case cmdGetCurrentMode:
			if inDfu {
				return []byte{modeDFU, 0}
			}
			return []byte{modeDebug, 0}
		case cmdDfu:
			inDfu = false
			return nil
		default:
			return make([]byte, readLen)
		}
	}}
	if _, err := newDriver(ft, probe.Info{}); err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	if inDfu {
		t.Fatal("no DFU exit sent")
	}
}

func TestAttachSWD(t *testing.T) {
	d, ft := testDriver(t, nil)
	if err := d.SetSpeedKHz(950); err != nil {
		t.Fatalf("SetSpeedKHz: %v", err)
	}
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	enter := findDebugCmd(ft.cmds, debugEnter)
	if enter == nil || enter[2] != enterSwdNoReset {
		t.Fatalf("Enter framing: %#v", enter)
	}
	freq := findDebugCmd(ft.cmds, debugSwdSetFreq)
	if freq == nil {
		t.Fatal("no SwdSetFreq sent")
	}
	if div := binary.LittleEndian.Uint16(freq[2:]); div != 3 {
		t.Fatalf("divisor %d for 950 kHz, want 3", div)
	}

	ft.cmds = nil
	if err := d.Attach(); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if len(ft.cmds) != 0 {
		t.Fatal("re-Attach touched the wire")
	}
}

func TestDapRegisterFraming(t *testing.T) {
	readValue := uint32(0x2BA01477)
	d, ft := testDriver(t, func(cmd []byte, readLen int) []byte {
		resp := make([]byte, readLen)
		if cmd[0] == cmdDebug && cmd[1] == debugReadDapReg {
			resp[0] = statusOK
			binary.LittleEndian.PutUint32(resp[4:], readValue)
			return resp
		}
		return okHandler(29)(cmd, readLen)
	})

	v, err := d.RawReadRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x0})
	if err != nil {
		t.Fatalf("RawReadRegister: %v", err)
	}
	if v != readValue {
		t.Fatalf("read %#x, want %#x", v, readValue)
	}
	cmd := ft.cmds[len(ft.cmds)-1]
	want := []byte{cmdDebug, debugReadDapReg, 0xFF, 0xFF, 0x00, 0x00}
	if !bytes.Equal(cmd, want) {
		t.Fatalf("read framing:\n got %#v\nwant %#v", cmd, want)
	}

	// DP SELECT write routes future AP accesses at APSEL 2.
	if err := d.RawWriteRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x8}, 0x02000000); err != nil {
		t.Fatalf("SELECT write: %v", err)
	}
	ft.cmds = nil
	if err := d.RawWriteRegister(probe.RegisterAddress{Port: probe.PortAP, Reg: 0x4}, 0x20000000); err != nil {
		t.Fatalf("AP write: %v", err)
	}
	initAp := findDebugCmd(ft.cmds, debugInitAp)
	if initAp == nil || initAp[2] != 2 {
		t.Fatalf("InitAp framing: %#v", initAp)
	}
	apWrite := findDebugCmd(ft.cmds, debugWriteDapReg)
	if apWrite == nil {
		t.Fatal("no DAP write sent")
	}
	if port := binary.LittleEndian.Uint16(apWrite[2:]); port != 2 {
		t.Fatalf("AP port selector %d, want 2", port)
	}
	if addr := binary.LittleEndian.Uint16(apWrite[4:]); addr != 0x4 {
		t.Fatalf("AP register %#x, want 0x4", addr)
	}

	// The same AP is not re-initialized.
	ft.cmds = nil
	if err := d.RawWriteRegister(probe.RegisterAddress{Port: probe.PortAP, Reg: 0x4}, 0); err != nil {
		t.Fatalf("second AP write: %v", err)
	}
	if findDebugCmd(ft.cmds, debugInitAp) != nil {
		t.Fatal("InitAp repeated for opened AP")
	}
}

func TestWaitRetry(t *testing.T) {
	attempts := 0
	d, _ := testDriver(t, func(cmd []byte, readLen int) []byte {
		resp := make([]byte, readLen)
		if cmd[0] == cmdDebug && cmd[1] == debugReadDapReg {
			attempts++
			if attempts < 3 {
				resp[0] = statusSwdDpWait
			} else {
				resp[0] = statusOK
			}
			return resp
		}
		return okHandler(29)(cmd, readLen)
	})

	if _, err := d.RawReadRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x4}); err != nil {
		t.Fatalf("read after WAIT: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestFaultStatus(t *testing.T) {
	d, _ := testDriver(t, func(cmd []byte, readLen int) []byte {
		resp := make([]byte, readLen)
		if cmd[0] == cmdDebug && cmd[1] == debugWriteDapReg {
			resp[0] = statusSwdApFault
			return resp
		}
		return okHandler(29)(cmd, readLen)
	})

	err := d.RawWriteRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x8}, 0)
	var fault *probe.FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("want FaultError, got %v", err)
	}
}

func TestSelectDpMultidropUnsupported(t *testing.T) {
	d, _ := testDriver(t, nil)
	if err := d.SelectDp(probe.DefaultDp); err != nil {
		t.Fatalf("default DP: %v", err)
	}
	err := d.SelectDp(probe.DpAddress{Multidrop: true, TargetSel: 1})
	if !errors.Is(err, probe.ErrUnsupportedProtocol) {
		t.Fatalf("want ErrUnsupportedProtocol, got %v", err)
	}
}

func TestMemoryBlockFraming(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	d, ft := testDriver(t, func(cmd []byte, readLen int) []byte {
		if cmd[0] == cmdDebug && cmd[1] == debugReadMem32 {
			return payload
		}
		resp := make([]byte, readLen)
		if readLen > 0 {
			resp[0] = statusOK
		}
		return resp
	})

	got, err := d.ReadMem32(0x20000000, 8)
	if err != nil {
		t.Fatalf("ReadMem32: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %v, want %v", got, payload)
	}
	read := findDebugCmd(ft.cmds, debugReadMem32)
	if binary.LittleEndian.Uint32(read[2:]) != 0x20000000 || binary.LittleEndian.Uint16(read[6:]) != 8 {
		t.Fatalf("ReadMem32 framing: %#v", read)
	}

	if err := d.WriteMem32(0x20000100, payload); err != nil {
		t.Fatalf("WriteMem32: %v", err)
	}
	if len(ft.data) != 1 || !bytes.Equal(ft.data[0], payload) {
		t.Fatalf("data phase: %v", ft.data)
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
	if findDebugCmd(ft.cmds, debugExit) == nil {
		t.Fatal("no debug exit sent")
	}
}
