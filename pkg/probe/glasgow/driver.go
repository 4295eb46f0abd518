// Package glasgow drives the Glasgow Interface Explorer running the
// probe applet bitstream. The applet multiplexes a control stream and an
// SWD engine over one endpoint pair; the Glasgow toolchain must have
// loaded the bitstream before this driver can attach.
package glasgow

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// Control stream commands.
const (
	rootIdentify    = 0x00
	rootGetRefClock = 0x01
	rootSetDivisor  = 0x02
	rootGetDivisor  = 0x03
	rootAssertReset = 0x04
	rootClearReset  = 0x05
)

// identifier is the fixed reply to rootIdentify. Anything else means the
// device runs some other bitstream.
var identifier = []byte("otp-dap applet")

// SWD stream commands. A transfer command carries APnDP on bit 0, the
// read flag on bit 1 and A[3:2] on bits 3:2; writes append the value.
const (
	swdCmdSequence = 0x40
	swdSeqLenMask  = 0x3F
	swdCmdTransfer = 0x80

	swdTransferAP   = 0x01
	swdTransferRead = 0x02
)

// SWD response bytes: a type in the top two bits, the wire ack below.
const (
	rspTypeMask   = 0xC0
	rspTypeNoData = 0x00
	rspTypeData   = 0x40
	rspTypeError  = 0x80

	rspAckMask  = 0x07
	rspAckOK    = 0x01
	rspAckWait  = 0x02
	rspAckFault = 0x04
)

// Driver is one open Glasgow running the probe applet.
type Driver struct {
	m        *mux
	info     probe.Info
	refClock uint32
	divisor  uint16
	attached bool
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)
var _ probe.RawDapAccess = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		m:    newMux(t),
		info: info,
		log:  logging.Named("probe.glasgow"),
	}

	d.m.send(targetRoot, rootIdentify)
	id, err := d.m.recv(targetRoot, len(identifier))
	if err != nil {
		t.Close()
		return nil, err
	}
	if string(id) != string(identifier) {
		t.Close()
		return nil, &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "identify", Msg: fmt.Sprintf("unsupported applet %q", id)}
	}

	d.m.send(targetRoot, rootGetRefClock)
	clk, err := d.m.recv(targetRoot, 4)
	if err != nil {
		t.Close()
		return nil, err
	}
	d.refClock = binary.LittleEndian.Uint32(clk)
	return d, nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// SelectProtocol accepts only SWD; the applet has no JTAG engine.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	if p != probe.ProtocolSWD {
		return probe.ErrUnsupportedProtocol
	}
	return nil
}

// Protocol reports the wire protocol, which is always SWD.
func (d *Driver) Protocol() probe.WireProtocol { return probe.ProtocolSWD }

// SpeedKHz reports the clock derived from the reference and divisor.
func (d *Driver) SpeedKHz() int {
	return int(d.refClock / (uint32(d.divisor) + 1) / 1000)
}

// SetSpeedKHz programs the divisor and reads back what the gateware
// actually settled on.
func (d *Driver) SetSpeedKHz(khz int) error {
	if khz <= 0 {
		return fmt.Errorf("glasgow: speed %d kHz out of range", khz)
	}
	hz := uint32(khz) * 1000
	div := (d.refClock + hz - 1) / hz
	if div > 0 {
		div--
	}
	if div > 0xFFFF {
		div = 0xFFFF
	}
	d.m.send(targetRoot, rootSetDivisor, byte(div), byte(div>>8))
	d.m.send(targetRoot, rootGetDivisor)
	back, err := d.m.recv(targetRoot, 2)
	if err != nil {
		return err
	}
	d.divisor = binary.LittleEndian.Uint16(back)
	return nil
}

// Attach switches the wire to SWD: line reset, the JTAG-to-SWD selection
// word, another line reset and an idle period.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	for _, seq := range []struct {
		n    int
		bits uint64
	}{
		{51, ^uint64(0)},
		{16, 0xE79E},
		{51, ^uint64(0)},
		{8, 0},
	} {
		if err := d.swjSequence(seq.n, seq.bits); err != nil {
			return err
		}
	}
	d.attached = true
	d.log.Debug("attached",
		zap.Uint32("ref_clock_hz", d.refClock),
		zap.Uint16("divisor", d.divisor))
	return nil
}

// swjSequence clocks raw bits out on SWDIO in chunks of the 32 bits one
// sequence command carries.
func (d *Driver) swjSequence(n int, bits uint64) error {
	for n > 0 {
		chunk := n
		if chunk > 32 {
			chunk = 32
		}
		d.m.send(targetSwd, swdCmdSequence|byte(chunk&swdSeqLenMask))
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], uint32(bits))
		d.m.send(targetSwd, word[:]...)
		if _, err := d.m.recv(targetSwd, 0); err != nil {
			return err
		}
		bits >>= 32
		n -= chunk
	}
	return nil
}

// Detach releases the USB handle. Idempotent.
func (d *Driver) Detach() error {
	if d.m == nil {
		return nil
	}
	d.attached = false
	err := d.m.t.Close()
	d.m = nil
	return err
}

// TargetReset drives the applet's reset pin.
func (d *Driver) TargetReset(assert bool) error {
	cmd := byte(rootClearReset)
	if assert {
		cmd = rootAssertReset
	}
	d.m.send(targetRoot, cmd)
	_, err := d.m.recv(targetRoot, 0)
	return err
}

// RawDap returns the applet's SWD engine.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return d, true }

// Jtag is unavailable.
func (d *Driver) Jtag() (probe.JtagAccess, bool) { return nil, false }

// transferCmd queues one register transaction. The response is collected
// later so consecutive transactions batch into a single USB transfer.
func (d *Driver) transferCmd(addr probe.RegisterAddress, read bool, value uint32) {
	cmd := byte(swdCmdTransfer)
	if addr.Port == probe.PortAP {
		cmd |= swdTransferAP
	}
	if read {
		cmd |= swdTransferRead
	}
	cmd |= addr.A8() & 0x0C
	d.m.send(targetSwd, cmd)
	if !read {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], value)
		d.m.send(targetSwd, word[:]...)
	}
}

// ack collects one transaction response. The gateware retries WAIT acks
// itself, so a WAIT here is already final.
func (d *Driver) ack() (uint32, bool, error) {
	resp, err := d.m.recv(targetSwd, 1)
	if err != nil {
		return 0, false, err
	}
	switch resp[0] & rspTypeMask {
	case rspTypeData:
		raw, err := d.m.recv(targetSwd, 4)
		if err != nil {
			return 0, false, err
		}
		return binary.LittleEndian.Uint32(raw), true, nil
	case rspTypeNoData:
		switch resp[0] & rspAckMask {
		case rspAckOK:
			return 0, false, nil
		case rspAckWait:
			return 0, false, &probe.WaitError{}
		case rspAckFault:
			ctrlStat, _ := d.readCtrlStat()
			return 0, false, &probe.FaultError{CtrlStat: ctrlStat}
		}
	case rspTypeError:
		return 0, false, &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "transfer", Msg: "wire protocol error"}
	}
	return 0, false, &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "transfer", Msg: fmt.Sprintf("unexpected response %#02x", resp[0])}
}

func (d *Driver) readCtrlStat() (uint32, error) {
	d.transferCmd(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x4}, true, 0)
	resp, err := d.m.recv(targetSwd, 1)
	if err != nil {
		return 0, err
	}
	if resp[0]&rspTypeMask != rspTypeData {
		return 0, nil
	}
	raw, err := d.m.recv(targetSwd, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// RawReadRegister reads one DP or AP register. AP reads are posted, so
// they go through the block path which closes with RDBUFF.
func (d *Driver) RawReadRegister(addr probe.RegisterAddress) (uint32, error) {
	if addr.Port == probe.PortAP {
		var value [1]uint32
		if err := d.RawReadBlock(addr, value[:]); err != nil {
			return 0, err
		}
		return value[0], nil
	}
	d.transferCmd(addr, true, 0)
	value, hasData, err := d.ack()
	if err != nil {
		return 0, err
	}
	if !hasData {
		return 0, &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "read", Msg: "response carries no data"}
	}
	return value, nil
}

// RawReadBlock reads the same register repeatedly. For an AP the reads
// are posted: each response carries the previous read's value, and a
// final RDBUFF read drains the last one.
func (d *Driver) RawReadBlock(addr probe.RegisterAddress, values []uint32) error {
	if addr.Port == probe.PortDP {
		for i := range values {
			v, err := d.RawReadRegister(addr)
			if err != nil {
				return err
			}
			values[i] = v
		}
		return nil
	}

	for range values {
		d.transferCmd(addr, true, 0)
	}
	d.transferCmd(probe.RegisterAddress{Port: probe.PortDP, Reg: 0xC}, true, 0)

	// The first response is the stale posted value.
	if _, _, err := d.ack(); err != nil {
		return err
	}
	for i := range values {
		value, hasData, err := d.ack()
		if err != nil {
			return err
		}
		if !hasData {
			return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "block read", Msg: "response carries no data"}
		}
		values[i] = value
	}
	return nil
}

// RawWriteRegister writes one DP or AP register.
func (d *Driver) RawWriteRegister(addr probe.RegisterAddress, value uint32) error {
	d.transferCmd(addr, false, value)
	_, hasData, err := d.ack()
	if err != nil {
		return err
	}
	if hasData {
		return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "write", Msg: "unexpected data response"}
	}
	return nil
}

// RawWriteBlock writes the same register repeatedly, acks collected
// after the whole batch went out.
func (d *Driver) RawWriteBlock(addr probe.RegisterAddress, values []uint32) error {
	for _, v := range values {
		d.transferCmd(addr, false, v)
	}
	for range values {
		if _, _, err := d.ack(); err != nil {
			return err
		}
	}
	return nil
}

// RawFlush pushes queued commands to the device.
func (d *Driver) RawFlush() error { return d.m.flush() }

// SelectDp accepts only the default DP.
func (d *Driver) SelectDp(dp probe.DpAddress) error {
	if !dp.Multidrop {
		return nil
	}
	return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "select dp", Msg: "multidrop is not supported"}
}
