// Package ch347 drives the WCH CH347 USB bridge as a debug probe. The
// chip exposes a vendor bulk interface with firmware-level SWD register
// transactions and a bit-banged JTAG engine, so SWD runs natively while
// JTAG AP/DP traffic goes through the host-side JTAG-DP scheduler.
package ch347

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// Vendor command bytes.
const (
	cmdJtagInit  = 0xD0 // also sets the JTAG clock index
	cmdJtagShift = 0xD2
	cmdSwdConfig = 0xE5
	cmdSwd       = 0xE8
)

// Sub-commands of cmdSwd. Each register transaction is echoed back in the
// response, followed by the three-phase SWD ack.
const (
	swdHdrWrite    = 0xA0
	swdHdrSequence = 0xA1
	swdHdrRead     = 0xA2
)

const (
	ackOK    = 1
	ackWait  = 2
	ackNoAck = 7
)

// JTAG pin levels in a shift byte. Bit 0 is TCK; the engine takes one
// byte per clock edge.
const (
	pinTCK = 0x01
	pinTMS = 0x02
	pinTDI = 0x10
)

const (
	maxShiftClocks = 127 // engine buffer, one TDO byte per clock
	maxBatchRead   = 72  // 3 + 7*n must fit one 512-byte packet
	maxBatchWrite  = 56

	transferRetries = 8
	defaultSpeedKHz = 7500
)

type pack uint8

const (
	packStandard pack = iota
	packLarge
)

// Supported TCK rates in kHz, indexed by the firmware speed index. The
// large-pack firmware adds two slow entries at the bottom.
var (
	standardSpeeds = []int{1875, 3750, 7500, 15000, 30000, 60000}
	largeSpeeds    = []int{468, 937, 1875, 3750, 7500, 15000, 30000, 60000}
)

// speedIndex picks the fastest supported rate not above khz.
func speedIndex(p pack, khz int) (int, int, bool) {
	table := standardSpeeds
	if p == packLarge {
		table = largeSpeeds
	}
	for i := len(table) - 1; i >= 0; i-- {
		if table[i] <= khz {
			return i, table[i], true
		}
	}
	return 0, 0, false
}

// transport executes one vendor command: a bulk write followed by a
// single bulk read of at most readLen bytes.
type transport interface {
	Command(out []byte, readLen int) ([]byte, error)
	Close() error
}

// Driver is one open CH347 in JTAG/SWD mode.
type Driver struct {
	t        transport
	info     probe.Info
	pack     pack
	protocol probe.WireProtocol
	speedKHz int
	attached bool
	jtag     *jtagPort
	dap      *probe.JtagDapScheduler
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)
var _ probe.RawDapAccess = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:        t,
		info:     info,
		protocol: probe.ProtocolSWD,
		speedKHz: defaultSpeedKHz,
		log:      logging.Named("probe.ch347"),
	}
	d.jtag = &jtagPort{
		ChainScheduler: probe.NewChainScheduler(jtagBits{d}),
		d:              d,
	}
	d.dap = probe.NewJtagDapScheduler(d.jtag)

	// The probe command doubles as the 15 MHz JTAG clock setup. Firmware
	// built for 512-byte packets answers with a zero status byte.
	resp, err := t.Command([]byte{cmdJtagInit, 0x06, 0x00, 0x00, 0x07, 0x30, 0x30, 0x30, 0x30}, 4)
	if err != nil {
		t.Close()
		return nil, err
	}
	if len(resp) >= 4 && resp[0] == cmdJtagInit && resp[3] == 0x00 {
		d.pack = packLarge
	} else {
		d.pack = packStandard
	}
	return d, nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// SelectProtocol switches between SWD and JTAG. Must happen before Attach.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	if d.attached {
		return &probe.ProtocolError{Kind: probe.KindCH347, Op: "select protocol", Msg: "already attached"}
	}
	switch p {
	case probe.ProtocolSWD, probe.ProtocolJTAG:
		d.protocol = p
		return nil
	default:
		return probe.ErrUnsupportedProtocol
	}
}

// Protocol reports the selected wire protocol.
func (d *Driver) Protocol() probe.WireProtocol { return d.protocol }

// SpeedKHz reports the configured clock rate.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz snaps to the fastest firmware rate not above khz.
func (d *Driver) SetSpeedKHz(khz int) error {
	_, actual, ok := speedIndex(d.pack, khz)
	if !ok {
		return fmt.Errorf("ch347: speed %d kHz below the supported range", khz)
	}
	d.speedKHz = actual
	if d.attached {
		return d.applySpeed()
	}
	return nil
}

// applySpeed programs the clock. JTAG indexes run fast-high, the SWD
// interface counts the other way around.
func (d *Driver) applySpeed() error {
	idx, _, ok := speedIndex(d.pack, d.speedKHz)
	if !ok {
		return fmt.Errorf("ch347: speed %d kHz below the supported range", d.speedKHz)
	}
	var cmd []byte
	if d.protocol == probe.ProtocolJTAG {
		cmd = []byte{cmdJtagInit, 0x06, 0x00, 0x00, byte(idx), 0x00, 0x00, 0x00, 0x00}
	} else {
		cmd = []byte{cmdSwdConfig, 0x08, 0x00, 0x40, 0x42, 0x0F, 0x00, byte(7 - idx), 0x00, 0x00, 0x00}
	}
	_, err := d.t.Command(cmd, 4)
	return err
}

// Attach programs the clock and brings the wire to a known state: the
// JTAG-to-SWD switch sequence, or a TAP reset.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	if err := d.applySpeed(); err != nil {
		return err
	}
	d.attached = true
	var err error
	if d.protocol == probe.ProtocolSWD {
		err = d.switchToSwd()
	} else {
		err = d.jtag.TapReset()
	}
	if err != nil {
		d.attached = false
		return err
	}
	d.log.Debug("attached",
		zap.Stringer("protocol", d.protocol),
		zap.Int("speed_khz", d.speedKHz))
	return nil
}

func (d *Driver) switchToSwd() error {
	if err := d.swdSequence(51, ^uint64(0)); err != nil {
		return err
	}
	if err := d.swdSequence(16, 0xE79E); err != nil {
		return err
	}
	if err := d.swdSequence(51, ^uint64(0)); err != nil {
		return err
	}
	return d.swdSequence(8, 0)
}

// swdSequence clocks up to 64 raw bits out on SWDIO, LSB first. The
// firmware shifts whole bytes, so a partial last byte is padded with its
// final bit level.
func (d *Driver) swdSequence(n int, seq uint64) error {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], seq)

	count := n / 8
	if rest := n % 8; rest != 0 {
		last := raw[count]
		if last&(1<<(rest-1)) != 0 {
			last |= ^byte(0) << rest
		} else {
			last &^= ^byte(0) << rest
		}
		raw[count] = last
		count++
	}

	cmd := []byte{cmdSwd, byte(count + 3), byte((count + 3) >> 8), swdHdrSequence}
	cmd = append(cmd, byte(count*8), byte(count*8>>8))
	cmd = append(cmd, raw[:count]...)
	_, err := d.t.Command(cmd, 4)
	return err
}

// Detach releases the USB handle. Idempotent.
func (d *Driver) Detach() error {
	if d.t == nil {
		return nil
	}
	d.attached = false
	err := d.t.Close()
	d.t = nil
	return err
}

// TargetReset is unavailable: the bridge has no nRESET pin.
func (d *Driver) TargetReset(assert bool) error {
	return fmt.Errorf("ch347: no target reset line")
}

// RawDap returns the native SWD engine or, under JTAG, the JTAG-DP
// scheduler.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) {
	if d.protocol == probe.ProtocolJTAG {
		return d.dap, true
	}
	return d, true
}

// Jtag exposes raw scans, only under the JTAG protocol.
func (d *Driver) Jtag() (probe.JtagAccess, bool) {
	if d.protocol != probe.ProtocolJTAG {
		return nil, false
	}
	return d.jtag, true
}

// reqByte builds the SWD request header: start and park framing, APnDP,
// RnW, A[3:2] and the parity over those four bits.
func reqByte(addr probe.RegisterAddress, read bool) byte {
	cmd := byte(0x81)
	if addr.Port == probe.PortAP {
		cmd |= 0x02
	}
	if read {
		cmd |= 0x04
	}
	cmd |= (addr.A8() & 0x0C) << 1
	if bits.OnesCount8(cmd>>1&0x0F)%2 != 0 {
		cmd |= 0x20
	}
	return cmd
}

// checkAck maps the three-phase ack to driver errors. A fault fetches
// CTRL/STAT so the caller sees the sticky flags.
func (d *Driver) checkAck(ack byte, op string) error {
	switch ack {
	case ackOK:
		return nil
	case ackWait:
		return &probe.WaitError{Retries: transferRetries}
	case ackNoAck:
		return &probe.ProtocolError{Kind: probe.KindCH347, Op: op, Msg: "no acknowledge on the wire"}
	default:
		ctrlStat, _, _ := d.readOnce(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x4})
		return &probe.FaultError{CtrlStat: ctrlStat}
	}
}

func (d *Driver) readOnce(addr probe.RegisterAddress) (uint32, byte, error) {
	cmd := []byte{cmdSwd, 0x04, 0x00, swdHdrRead, 0x22, 0x00, reqByte(addr, true)}
	resp, err := d.t.Command(cmd, 10)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 9 {
		return 0, 0, &probe.ProtocolError{Kind: probe.KindCH347, Op: "read", Msg: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	return binary.LittleEndian.Uint32(resp[5:9]), resp[4], nil
}

func (d *Driver) writeOnce(addr probe.RegisterAddress, value uint32) (byte, error) {
	cmd := []byte{cmdSwd, 0x09, 0x00, swdHdrWrite, 0x29, 0x00, reqByte(addr, false)}
	cmd = binary.LittleEndian.AppendUint32(cmd, value)
	cmd = append(cmd, byte(bits.OnesCount32(value)%2))
	resp, err := d.t.Command(cmd, 5)
	if err != nil {
		return 0, err
	}
	if len(resp) < 5 {
		return 0, &probe.ProtocolError{Kind: probe.KindCH347, Op: "write", Msg: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	return resp[4], nil
}

// retry runs op until it succeeds or the WAIT budget runs out.
func (d *Driver) retry(op func() error) error {
	var err error
	for i := 0; i < transferRetries; i++ {
		err = op()
		var wait *probe.WaitError
		if !errors.As(err, &wait) {
			return err
		}
	}
	return err
}

// rdbuffAddr drains posted AP read results out of the SW-DP.
var rdbuffAddr = probe.RegisterAddress{Port: probe.PortDP, Reg: 0xC}

// RawReadRegister reads one DP or AP register. The adapter clocks raw SWD
// transactions, so AP reads are posted and the value comes from RDBUFF.
func (d *Driver) RawReadRegister(addr probe.RegisterAddress) (uint32, error) {
	if addr.Port == probe.PortAP {
		if _, err := d.readRegister(addr); err != nil {
			return 0, err
		}
		return d.readRegister(rdbuffAddr)
	}
	return d.readRegister(addr)
}

func (d *Driver) readRegister(addr probe.RegisterAddress) (uint32, error) {
	var value uint32
	err := d.retry(func() error {
		v, ack, err := d.readOnce(addr)
		if err != nil {
			return err
		}
		if err := d.checkAck(ack, "read"); err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// RawWriteRegister writes one DP or AP register.
func (d *Driver) RawWriteRegister(addr probe.RegisterAddress, value uint32) error {
	return d.retry(func() error {
		ack, err := d.writeOnce(addr, value)
		if err != nil {
			return err
		}
		return d.checkAck(ack, "write")
	})
}

// RawReadBlock reads the same register repeatedly. Transactions are
// batched so one USB round trip covers up to 72 words. AP reads pipeline
// behind one priming transaction and drain through RDBUFF.
func (d *Driver) RawReadBlock(addr probe.RegisterAddress, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	if addr.Port == probe.PortAP {
		if _, err := d.readRegister(addr); err != nil {
			return err
		}
		if err := d.readBatches(addr, values[:len(values)-1]); err != nil {
			return err
		}
		last, err := d.readRegister(rdbuffAddr)
		if err != nil {
			return err
		}
		values[len(values)-1] = last
		return nil
	}
	return d.readBatches(addr, values)
}

func (d *Driver) readBatches(addr probe.RegisterAddress, values []uint32) error {
	for len(values) > 0 {
		n := len(values)
		if n > maxBatchRead {
			n = maxBatchRead
		}
		chunk := values[:n]
		if err := d.retry(func() error { return d.readBatch(addr, chunk) }); err != nil {
			return err
		}
		values = values[n:]
	}
	return nil
}

func (d *Driver) readBatch(addr probe.RegisterAddress, values []uint32) error {
	req := reqByte(addr, true)
	cmd := []byte{cmdSwd, byte(len(values) * 4), byte(len(values) * 4 >> 8)}
	for range values {
		cmd = append(cmd, swdHdrRead, 0x22, 0x00, req)
	}
	want := 3 + 7*len(values)
	resp, err := d.t.Command(cmd, want)
	if err != nil {
		return err
	}
	if len(resp) < want {
		return &probe.ProtocolError{Kind: probe.KindCH347, Op: "block read", Msg: fmt.Sprintf("short response (%d of %d bytes)", len(resp), want)}
	}
	off := 3
	for i := range values {
		if err := d.checkAck(resp[off+1], "block read"); err != nil {
			return err
		}
		values[i] = binary.LittleEndian.Uint32(resp[off+2 : off+6])
		off += 7
	}
	return nil
}

// RawWriteBlock writes the same register repeatedly, batched up to 56
// words per round trip.
func (d *Driver) RawWriteBlock(addr probe.RegisterAddress, values []uint32) error {
	for len(values) > 0 {
		n := len(values)
		if n > maxBatchWrite {
			n = maxBatchWrite
		}
		chunk := values[:n]
		if err := d.retry(func() error { return d.writeBatch(addr, chunk) }); err != nil {
			return err
		}
		values = values[n:]
	}
	return nil
}

func (d *Driver) writeBatch(addr probe.RegisterAddress, values []uint32) error {
	req := reqByte(addr, false)
	cmd := []byte{cmdSwd, byte(len(values) * 9), byte(len(values) * 9 >> 8)}
	for _, v := range values {
		cmd = append(cmd, swdHdrWrite, 0x29, 0x00, req)
		cmd = binary.LittleEndian.AppendUint32(cmd, v)
		cmd = append(cmd, byte(bits.OnesCount32(v)%2))
	}
	want := 3 + 2*len(values)
	resp, err := d.t.Command(cmd, want)
	if err != nil {
		return err
	}
	if len(resp) < want {
		return &probe.ProtocolError{Kind: probe.KindCH347, Op: "block write", Msg: fmt.Sprintf("short response (%d of %d bytes)", len(resp), want)}
	}
	for i := 0; i < len(values); i++ {
		if err := d.checkAck(resp[3+2*i+1], "block write"); err != nil {
			return err
		}
	}
	return nil
}

// RawFlush is a no-op: every command completes on the wire before the
// response comes back.
func (d *Driver) RawFlush() error { return nil }

// SelectDp accepts only the default DP. The firmware's register engine
// has no unacknowledged-write path for TARGETSEL.
func (d *Driver) SelectDp(dp probe.DpAddress) error {
	if !dp.Multidrop {
		return nil
	}
	return &probe.ProtocolError{Kind: probe.KindCH347, Op: "select dp", Msg: "multidrop is not supported"}
}

// jtagPort couples the chain scheduler with raw step access.
type jtagPort struct {
	*probe.ChainScheduler
	d *Driver
}

func (p *jtagPort) JtagIO(steps []tap.Step) ([]bool, error) {
	return jtagBits{p.d}.JtagIO(steps)
}

// jtagBits bit-bangs TAP steps: two bytes per clock (low then high edge),
// at most 127 clocks per command, one TDO byte back per clock.
type jtagBits struct {
	d *Driver
}

func (j jtagBits) JtagIO(steps []tap.Step) ([]bool, error) {
	var out []bool
	for len(steps) > 0 {
		n := len(steps)
		if n > maxShiftClocks {
			n = maxShiftClocks
		}
		chunk := steps[:n]
		steps = steps[n:]

		cmd := []byte{cmdJtagShift, byte(2 * n), byte(2 * n >> 8)}
		for _, st := range chunk {
			var pins byte
			if st.TMS {
				pins |= pinTMS
			}
			if st.TDI {
				pins |= pinTDI
			}
			cmd = append(cmd, pins, pins|pinTCK)
		}

		want := 3 + n
		resp, err := j.d.t.Command(cmd, want)
		if err != nil {
			return nil, err
		}
		if len(resp) < want {
			return nil, &probe.ProtocolError{Kind: probe.KindCH347, Op: "shift", Msg: fmt.Sprintf("short response (%d of %d bytes)", len(resp), want)}
		}
		for i, st := range chunk {
			if st.Capture {
				out = append(out, resp[3+i] != 0x00)
			}
		}
	}
	return out, nil
}
