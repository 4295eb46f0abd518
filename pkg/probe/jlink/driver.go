// Package jlink drives SEGGER J-Link probes over their EMU_CMD vendor
// protocol. The probe shifts raw bits; AP/DP transactions are built host
// side, through the SWD scheduler or the JTAG-DP scheduler depending on
// the selected wire protocol.
package jlink

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// EMU_CMD command bytes.
const (
	cmdVersion     = 0x01
	cmdSetSpeed    = 0x05
	cmdGetSpeeds   = 0xC0
	cmdSelectIf    = 0xC7
	cmdHwJtag3     = 0xCF
	cmdHwReset0    = 0xDC
	cmdHwReset1    = 0xDD
	cmdHwTrst0     = 0xDE
	cmdHwTrst1     = 0xDF
	cmdGetCaps     = 0xE8
	cmdGetMaxBlock = 0xD4
)

// GET_CAPS capability bits.
const (
	capGetHwVersion = 1 << 1
	capSpeedInfo    = 1 << 9
	capSelectIf     = 1 << 17
)

// SELECT_IF interface numbers; 0xFF queries the supported set.
const (
	ifJTAG  = 0
	ifSWD   = 1
	ifQuery = 0xFF
)

// transport carries one EMU_CMD exchange: the command bytes out, readLen
// response bytes in.
type transport interface {
	Exchange(out []byte, readLen int) ([]byte, error)
	Close() error
}

type usbTransport struct {
	dev *probe.USBDevice
}

func (t *usbTransport) Exchange(out []byte, readLen int) ([]byte, error) {
	if len(out) > 0 {
		if _, err := t.dev.Write(out); err != nil {
			return nil, err
		}
	}
	if readLen == 0 {
		return nil, nil
	}
	buf := make([]byte, readLen)
	got := 0
	for got < readLen {
		n, err := t.dev.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, &probe.ProtocolError{Kind: probe.KindJLink, Op: "read", Msg: "zero-length bulk read"}
		}
		got += n
	}
	return buf, nil
}

func (t *usbTransport) Close() error { return t.dev.Close() }

// Driver is one open J-Link probe.
type Driver struct {
	t        transport
	info     probe.Info
	caps     uint32
	firmware string
	protocol probe.WireProtocol
	speedKHz int
	attached bool
	swd      *probe.SwdScheduler
	jtag     *jtagPort
	jtagDap  *probe.JtagDapScheduler
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:        t,
		info:     info,
		speedKHz: 1000,
		log:      logging.Named("probe.jlink"),
	}
	if err := d.readCaps(); err != nil {
		t.Close()
		return nil, err
	}
	if err := d.readFirmware(); err != nil {
		t.Close()
		return nil, err
	}
	d.swd = probe.NewSwdScheduler(swdBits{d})
	d.jtag = &jtagPort{
		ChainScheduler: probe.NewChainScheduler(jtagBits{d}),
		d:              d,
	}
	d.jtagDap = probe.NewJtagDapScheduler(d.jtag)
	return d, nil
}

func (d *Driver) readCaps() error {
	resp, err := d.t.Exchange([]byte{cmdGetCaps}, 4)
	if err != nil {
		return err
	}
	d.caps = binary.LittleEndian.Uint32(resp)
	return nil
}

func (d *Driver) readFirmware() error {
	resp, err := d.t.Exchange([]byte{cmdVersion}, 2)
	if err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint16(resp))
	if n == 0 {
		return nil
	}
	body, err := d.t.Exchange(nil, n)
	if err != nil {
		return err
	}
	for len(body) > 0 && (body[len(body)-1] == 0 || body[len(body)-1] == '\n') {
		body = body[:len(body)-1]
	}
	d.firmware = string(body)
	d.log.Debug("firmware", zap.String("version", d.firmware))
	return nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// Firmware reports the probe's firmware banner.
func (d *Driver) Firmware() string { return d.firmware }

// SelectProtocol chooses the wire protocol for the next Attach.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	switch p {
	case probe.ProtocolSWD, probe.ProtocolJTAG:
	default:
		return fmt.Errorf("%w: %s", probe.ErrUnsupportedProtocol, p)
	}
	if d.caps&capSelectIf != 0 {
		resp, err := d.t.Exchange([]byte{cmdSelectIf, ifQuery}, 4)
		if err != nil {
			return err
		}
		supported := binary.LittleEndian.Uint32(resp)
		want := uint32(1) << ifJTAG
		if p == probe.ProtocolSWD {
			want = 1 << ifSWD
		}
		if supported&want == 0 {
			return fmt.Errorf("%w: probe has no %s support", probe.ErrUnsupportedProtocol, p)
		}
	}
	d.protocol = p
	return nil
}

// Protocol reports the selected wire protocol.
func (d *Driver) Protocol() probe.WireProtocol { return d.protocol }

// SpeedKHz reports the configured wire clock.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz reconfigures the shift clock.
func (d *Driver) SetSpeedKHz(khz int) error {
	if khz <= 0 || khz > 0xFFFE {
		return fmt.Errorf("jlink: speed %d kHz out of range", khz)
	}
	d.speedKHz = khz
	if d.attached {
		return d.applySpeed()
	}
	return nil
}

func (d *Driver) applySpeed() error {
	var cmd [3]byte
	cmd[0] = cmdSetSpeed
	binary.LittleEndian.PutUint16(cmd[1:], uint16(d.speedKHz))
	_, err := d.t.Exchange(cmd[:], 0)
	return err
}

// Attach selects the interface on the probe and brings the wire up.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	if d.caps&capSelectIf != 0 {
		ifNum := byte(ifJTAG)
		if d.protocol == probe.ProtocolSWD {
			ifNum = ifSWD
		}
		if _, err := d.t.Exchange([]byte{cmdSelectIf, ifNum}, 4); err != nil {
			return err
		}
	}
	if err := d.applySpeed(); err != nil {
		return err
	}
	d.attached = true
	var err error
	if d.protocol == probe.ProtocolSWD {
		err = d.swd.SwitchToSwd()
	} else {
		err = d.jtag.TapReset()
	}
	if err != nil {
		d.attached = false
		return err
	}
	d.log.Debug("attached", zap.Stringer("protocol", d.protocol), zap.Int("speed_khz", d.speedKHz))
	return nil
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

// TargetReset drives the probe's nRESET output. assert pulls the line low.
func (d *Driver) TargetReset(assert bool) error {
	cmd := byte(cmdHwReset1)
	if assert {
		cmd = cmdHwReset0
	}
	_, err := d.t.Exchange([]byte{cmd}, 0)
	return err
}

// RawDap returns the host-side transaction scheduler for the selected
// protocol.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) {
	if d.protocol == probe.ProtocolSWD {
		return d.swd, true
	}
	return d.jtagDap, true
}

// Jtag exposes raw scans when JTAG is the selected protocol.
func (d *Driver) Jtag() (probe.JtagAccess, bool) {
	if d.protocol != probe.ProtocolJTAG {
		return nil, false
	}
	return d.jtag, true
}

// shift runs one HW_JTAG3 command: bits cycles with the given TMS and TDI
// levels, returning every TDO sample. In SWD mode the same framing carries
// direction and SWDIO instead.
func (d *Driver) shift(tms, tdi []byte, bits int) ([]byte, error) {
	cmd := make([]byte, 0, 4+2*len(tms))
	cmd = append(cmd, cmdHwJtag3, 0)
	cmd = append(cmd, byte(bits), byte(bits>>8))
	cmd = append(cmd, tms...)
	cmd = append(cmd, tdi...)

	n := tap.BytesForBits(bits)
	resp, err := d.t.Exchange(cmd, n+1)
	if err != nil {
		return nil, err
	}
	if status := resp[n]; status != 0 {
		return nil, &probe.ProtocolError{Kind: probe.KindJLink, Op: "HW_JTAG3", Msg: fmt.Sprintf("status %#02x", status)}
	}
	return resp[:n], nil
}

// jtagBits adapts the shift engine to the chain scheduler's bit I/O.
type jtagBits struct {
	d *Driver
}

func (j jtagBits) JtagIO(steps []tap.Step) ([]bool, error) {
	tms := make([]byte, tap.BytesForBits(len(steps)))
	tdi := make([]byte, len(tms))
	for i, st := range steps {
		tap.SetBit(tms, i, st.TMS)
		tap.SetBit(tdi, i, st.TDI)
	}
	tdo, err := j.d.shift(tms, tdi, len(steps))
	if err != nil {
		return nil, err
	}
	var out []bool
	for i, st := range steps {
		if st.Capture {
			out = append(out, tap.Bit(tdo, i))
		}
	}
	return out, nil
}

// jtagPort couples the chain scheduler with raw step access.
type jtagPort struct {
	*probe.ChainScheduler
	d *Driver
}

func (p *jtagPort) JtagIO(steps []tap.Step) ([]bool, error) {
	return jtagBits{p.d}.JtagIO(steps)
}

// swdBits adapts the shift engine to the SWD scheduler's line I/O: the TMS
// field carries the per-cycle drive direction, TDI the host level.
type swdBits struct {
	d *Driver
}

func (s swdBits) SwdIO(dir, swdio []bool) ([]bool, error) {
	dirBytes := make([]byte, tap.BytesForBits(len(dir)))
	outBytes := make([]byte, len(dirBytes))
	for i := range dir {
		tap.SetBit(dirBytes, i, dir[i])
		tap.SetBit(outBytes, i, swdio[i])
	}
	tdo, err := s.d.shift(dirBytes, outBytes, len(dir))
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(dir))
	for i := range dir {
		if !dir[i] {
			out[i] = tap.Bit(tdo, i)
		}
	}
	return out, nil
}
