package gdbserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap/daptest"
)

// fakeCore is an always-cooperative M-profile core for protocol tests.
type fakeCore struct {
	*daptest.SimMemory

	regs   map[core.RegisterID]uint64
	halted bool
	steps  int
	bps    map[uint64]bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		SimMemory: daptest.New(),
		regs:      map[core.RegisterID]uint64{},
		halted:    true,
		bps:       map[uint64]bool{},
	}
}

func (f *fakeCore) Kind() core.Kind { return core.Armv7M }

func (f *fakeCore) Status() (core.Status, error) {
	if f.halted {
		return core.Status{Halted: true, Reason: core.ReasonRequest}, nil
	}
	return core.Running, nil
}

func (f *fakeCore) Halt(time.Duration) (core.Status, error) {
	f.halted = true
	return core.Status{Halted: true, Reason: core.ReasonRequest}, nil
}

func (f *fakeCore) Run() error { f.halted = false; return nil }

func (f *fakeCore) Step() (uint64, error) {
	f.steps++
	f.regs[core.ArmPC] += 2
	return f.regs[core.ArmPC], nil
}

func (f *fakeCore) Reset() error { return nil }

func (f *fakeCore) ResetAndHalt(time.Duration) error { f.halted = true; return nil }

func (f *fakeCore) ReadCoreRegister(reg core.RegisterID) (uint64, error) {
	return f.regs[reg], nil
}

func (f *fakeCore) WriteCoreRegister(reg core.RegisterID, value uint64) error {
	f.regs[reg] = value
	return nil
}

func (f *fakeCore) ProgramCounter() (uint64, error) { return f.regs[core.ArmPC], nil }

func (f *fakeCore) NumHwBreakpoints() (int, error) { return 4, nil }

func (f *fakeCore) SetHwBreakpoint(address uint64) error {
	f.bps[address] = true
	return nil
}

func (f *fakeCore) ClearHwBreakpoint(address uint64) error {
	delete(f.bps, address)
	return nil
}

func (f *fakeCore) HwBreakpoints() ([]core.Breakpoint, error) { return nil, nil }

// client drives one end of a pipe like a debugger would.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newClient(t *testing.T, c *fakeCore) *client {
	t.Helper()
	srv := New(c)
	a, b := net.Pipe()
	go srv.ServeConn(b)
	t.Cleanup(func() { a.Close() })
	return &client{t: t, conn: a, r: bufio.NewReader(a)}
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) send(payload string) {
	c.t.Helper()
	c.sendRaw(fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload))))
}

// roundTrip sends a command and returns the reply payload, consuming the
// server's ack and acking its reply.
func (c *client) roundTrip(payload string) string {
	c.t.Helper()
	c.send(payload)
	ack, err := c.r.ReadByte()
	if err != nil {
		c.t.Fatalf("read ack: %v", err)
	}
	if ack != '+' {
		c.t.Fatalf("ack = %q, want +", ack)
	}
	reply := c.readReply()
	c.sendRaw("+")
	return reply
}

func (c *client) readReply() string {
	c.t.Helper()
	if b, err := c.r.ReadByte(); err != nil || b != '$' {
		c.t.Fatalf("reply start = %q, %v", b, err)
	}
	payload, err := c.r.ReadString('#')
	if err != nil {
		c.t.Fatalf("reply body: %v", err)
	}
	payload = payload[:len(payload)-1]
	sum := make([]byte, 2)
	if _, err := c.r.Read(sum); err != nil {
		c.t.Fatalf("reply checksum: %v", err)
	}
	want := fmt.Sprintf("%02x", checksum([]byte(payload)))
	if string(sum) != want {
		c.t.Fatalf("reply checksum = %s, want %s", sum, want)
	}
	return payload
}

func TestQSupported(t *testing.T) {
	c := newClient(t, newFakeCore())
	reply := c.roundTrip("qSupported:multiprocess+;xmlRegisters=i386")
	if !strings.Contains(reply, "PacketSize=1000") {
		t.Fatalf("reply = %q, want PacketSize", reply)
	}
	if !strings.Contains(reply, "QStartNoAckMode+") {
		t.Fatalf("reply = %q, want QStartNoAckMode+", reply)
	}
}

func TestStopReply(t *testing.T) {
	c := newClient(t, newFakeCore())
	if got := c.roundTrip("?"); got != "S05" {
		t.Fatalf("? = %q, want S05", got)
	}
}

func TestRegisterPacket(t *testing.T) {
	fc := newFakeCore()
	fc.regs[core.ArmR0] = 0x11223344
	fc.regs[core.ArmPC] = 0x08000400
	c := newClient(t, fc)

	reply := c.roundTrip("g")
	// 17 registers, 8 hex characters each, little-endian bytes.
	if len(reply) != 17*8 {
		t.Fatalf("g reply is %d chars, want %d", len(reply), 17*8)
	}
	if reply[:8] != "44332211" {
		t.Fatalf("r0 = %q, want 44332211", reply[:8])
	}
	if got := reply[15*8 : 16*8]; got != "00040008" {
		t.Fatalf("pc = %q, want 00040008", got)
	}

	if got := c.roundTrip("p0"); got != "44332211" {
		t.Fatalf("p0 = %q", got)
	}
	if got := c.roundTrip("Pf=78563412"); got != "OK" {
		t.Fatalf("P = %q", got)
	}
	if fc.regs[core.ArmPC] != 0x12345678 {
		t.Fatalf("pc = %#x after P", fc.regs[core.ArmPC])
	}
}

func TestMemoryPackets(t *testing.T) {
	fc := newFakeCore()
	fc.LoadBytes(0x20000000, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	c := newClient(t, fc)

	if got := c.roundTrip("m20000000,4"); got != "deadbeef" {
		t.Fatalf("m = %q", got)
	}
	if got := c.roundTrip("M20000004,2:caf3"); got != "OK" {
		t.Fatalf("M = %q", got)
	}
	want := []byte{0xCA, 0xF3}
	got := fc.Bytes(0x20000004, 2)
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("memory = %x, want %x", got, want)
	}
	if got := c.roundTrip("mzz,4"); got != "E01" {
		t.Fatalf("bad address = %q, want E01", got)
	}
}

func TestStep(t *testing.T) {
	fc := newFakeCore()
	c := newClient(t, fc)
	if got := c.roundTrip("s"); got != "S05" {
		t.Fatalf("s = %q", got)
	}
	if fc.steps != 1 {
		t.Fatalf("steps = %d", fc.steps)
	}
}

func TestHardwareBreakpoints(t *testing.T) {
	fc := newFakeCore()
	c := newClient(t, fc)
	if got := c.roundTrip("Z1,8000130,2"); got != "OK" {
		t.Fatalf("Z1 = %q", got)
	}
	if !fc.bps[0x8000130] {
		t.Fatal("breakpoint not set")
	}
	if got := c.roundTrip("z1,8000130,2"); got != "OK" {
		t.Fatalf("z1 = %q", got)
	}
	if fc.bps[0x8000130] {
		t.Fatal("breakpoint not cleared")
	}
	// Software breakpoints are declined with an empty reply so the
	// client falls back.
	if got := c.roundTrip("Z0,8000130,2"); got != "" {
		t.Fatalf("Z0 = %q, want empty", got)
	}
}

func TestChecksumRejection(t *testing.T) {
	c := newClient(t, newFakeCore())
	c.sendRaw("$?#00")
	nak, err := c.r.ReadByte()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if nak != '-' {
		t.Fatalf("got %q, want -", nak)
	}
	// The retransmit with a good checksum goes through.
	if got := c.roundTrip("?"); got != "S05" {
		t.Fatalf("retry = %q", got)
	}
}

func TestNoAckMode(t *testing.T) {
	c := newClient(t, newFakeCore())
	if got := c.roundTrip("QStartNoAckMode"); got != "OK" {
		t.Fatalf("QStartNoAckMode = %q", got)
	}
	// From here on neither side acknowledges.
	c.send("?")
	if got := c.readReply(); got != "S05" {
		t.Fatalf("? = %q", got)
	}
}

func TestContinueUntilInterrupt(t *testing.T) {
	fc := newFakeCore()
	c := newClient(t, fc)
	c.send("c")
	if ack, _ := c.r.ReadByte(); ack != '+' {
		t.Fatalf("ack = %q", ack)
	}
	time.Sleep(50 * time.Millisecond)
	c.sendRaw("\x03")
	if got := c.readReply(); got != "S05" {
		t.Fatalf("stop reply = %q", got)
	}
	c.sendRaw("+")
	if !fc.halted {
		t.Fatal("interrupt must halt the core")
	}
}

func TestDetachResumes(t *testing.T) {
	fc := newFakeCore()
	c := newClient(t, fc)
	if got := c.roundTrip("D"); got != "OK" {
		t.Fatalf("D = %q", got)
	}
	if fc.halted {
		t.Fatal("detach must resume the core")
	}
}
