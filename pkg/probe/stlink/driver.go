// Package stlink drives ST-Link v2 and v3 probes. The firmware exposes a
// 16-byte vendor command set over bulk endpoints and runs the SWD or JTAG
// wire protocol itself, so the driver implements RawDapAccess directly and
// has no raw JTAG capability.
package stlink

import (
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// transport carries one vendor command: a 16-byte command block out, then
// readLen response bytes in.
type transport interface {
	Command(cmd []byte, readLen int) ([]byte, error)

	// CommandWrite sends a command followed by a data-out phase.
	CommandWrite(cmd, data []byte) error

	Close() error
}

type usbTransport struct {
	dev *probe.USBDevice
}

func (t *usbTransport) Command(cmd []byte, readLen int) ([]byte, error) {
	block := make([]byte, cmdSize)
	copy(block, cmd)
	if _, err := t.dev.Write(block); err != nil {
		return nil, err
	}
	if readLen == 0 {
		return nil, nil
	}
	buf := make([]byte, readLen)
	n, err := t.dev.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < readLen {
		return nil, &probe.ProtocolError{Kind: probe.KindSTLink, Op: "command", Msg: fmt.Sprintf("short response: %d of %d bytes", n, readLen)}
	}
	return buf[:readLen], nil
}

func (t *usbTransport) CommandWrite(cmd, data []byte) error {
	block := make([]byte, cmdSize)
	copy(block, cmd)
	if _, err := t.dev.Write(block); err != nil {
		return err
	}
	_, err := t.dev.Write(data)
	return err
}

func (t *usbTransport) Close() error { return t.dev.Close() }

// version is the probe's decoded firmware version.
type version struct {
	Major uint8
	Jtag  uint8
	Swim  uint8
	flags uint32
}

func (v version) String() string {
	return fmt.Sprintf("V%dJ%dS%d", v.Major, v.Jtag, v.Swim)
}

// featureFlags derives the capability set the way the firmware release
// notes stage them: v2 grows features by JTAG version, v3 has them all.
func (v version) featureFlags() uint32 {
	if v.Major >= 3 {
		return flagDapReg | flagApInit | flagComFreq
	}
	var f uint32
	if v.Jtag >= 22 {
		f |= flagSwdSetFreq
	}
	if v.Jtag >= 24 {
		f |= flagDapReg
	}
	if v.Jtag >= 28 {
		f |= flagApInit
	}
	return f
}

// swdDivisors maps SWD clock rates to the v2 divisor register, fastest
// first.
var swdDivisors = []struct {
	khz     int
	divisor uint16
}{
	{4000, 0},
	{1800, 1},
	{1200, 2},
	{950, 3},
	{480, 7},
	{240, 15},
	{125, 31},
	{100, 40},
	{50, 79},
	{25, 158},
	{15, 265},
	{5, 798},
}

// Driver is one open ST-Link probe.
type Driver struct {
	t        transport
	info     probe.Info
	ver      version
	protocol probe.WireProtocol
	speedKHz int
	attached bool
	apsel    uint8
	openedAP bitmap.Bitmap
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)
var _ probe.RawDapAccess = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:        t,
		info:     info,
		speedKHz: 1800,
		openedAP: bitmap.New(apselMax + 1),
		log:      logging.Named("probe.stlink"),
	}
	if err := d.readVersion(); err != nil {
		t.Close()
		return nil, err
	}
	if d.ver.flags&flagDapReg == 0 {
		t.Close()
		return nil, &probe.ProtocolError{Kind: probe.KindSTLink, Op: "open",
			Msg: fmt.Sprintf("firmware %s too old, J24 or later required", d.ver)}
	}
	if err := d.leaveDfu(); err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) readVersion() error {
	resp, err := d.t.Command([]byte{cmdGetVersion}, 6)
	if err != nil {
		return err
	}
	// Big-endian packed bitfields: [15:12] major, [11:6] JTAG, [5:0]
	// SWIM. v3 reports dummy fields here and real ones via 0xFB.
	packed := binary.BigEndian.Uint16(resp)
	d.ver.Major = uint8(packed >> 12)
	d.ver.Jtag = uint8(packed >> 6 & 0x3F)
	d.ver.Swim = uint8(packed & 0x3F)

	if d.ver.Major >= 3 {
		ext, err := d.t.Command([]byte{cmdGetVersionExt}, 12)
		if err != nil {
			return err
		}
		d.ver.Major = ext[0]
		d.ver.Swim = ext[1]
		d.ver.Jtag = ext[2]
	}
	d.ver.flags = d.ver.featureFlags()
	d.log.Debug("firmware", zap.Stringer("version", d.ver))
	return nil
}

// leaveDfu moves a probe that booted into DFU mode over to the debug
// command set.
func (d *Driver) leaveDfu() error {
	resp, err := d.t.Command([]byte{cmdGetCurrentMode}, 2)
	if err != nil {
		return err
	}
	if resp[0] == modeDFU {
		if _, err := d.t.Command([]byte{cmdDfu, dfuExit}, 0); err != nil {
			return err
		}
	}
	return nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// Version reports the decoded firmware version string.
func (d *Driver) Version() string { return d.ver.String() }

// TargetVoltage measures the target supply through the probe's ADC.
func (d *Driver) TargetVoltage() (float64, error) {
	resp, err := d.t.Command([]byte{cmdGetTargetVoltage}, 8)
	if err != nil {
		return 0, err
	}
	adc0 := binary.LittleEndian.Uint32(resp)
	adc1 := binary.LittleEndian.Uint32(resp[4:])
	if adc0 == 0 {
		return 0, nil
	}
	return 2.4 * float64(adc1) / float64(adc0) * 2, nil
}

// SelectProtocol chooses SWD or JTAG for the next Attach.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	switch p {
	case probe.ProtocolSWD, probe.ProtocolJTAG:
		d.protocol = p
		return nil
	}
	return fmt.Errorf("%w: %s", probe.ErrUnsupportedProtocol, p)
}

// Protocol reports the selected wire protocol.
func (d *Driver) Protocol() probe.WireProtocol { return d.protocol }

// SpeedKHz reports the configured wire clock.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz selects the closest supported clock at or below the request.
func (d *Driver) SetSpeedKHz(khz int) error {
	if khz <= 0 {
		return fmt.Errorf("stlink: speed %d kHz out of range", khz)
	}
	d.speedKHz = khz
	if d.attached {
		return d.applySpeed()
	}
	return nil
}

func (d *Driver) applySpeed() error {
	if d.ver.flags&flagComFreq != 0 {
		var cmd [8]byte
		cmd[0] = cmdDebug
		cmd[1] = debugSetComFreq
		if d.protocol == probe.ProtocolJTAG {
			cmd[2] = 1
		}
		binary.LittleEndian.PutUint32(cmd[4:], uint32(d.speedKHz))
		resp, err := d.t.Command(cmd[:], 8)
		if err != nil {
			return err
		}
		return d.checkStatus("SetComFreq", resp[0])
	}
	if d.protocol == probe.ProtocolJTAG {
		// JTAG divisors are fixed on v2; the firmware default stands.
		return nil
	}
	divisor := swdDivisors[len(swdDivisors)-1].divisor
	for _, e := range swdDivisors {
		if e.khz <= d.speedKHz {
			divisor = e.divisor
			break
		}
	}
	var cmd [4]byte
	cmd[0] = cmdDebug
	cmd[1] = debugSwdSetFreq
	binary.LittleEndian.PutUint16(cmd[2:], divisor)
	resp, err := d.t.Command(cmd[:], 2)
	if err != nil {
		return err
	}
	return d.checkStatus("SwdSetFreq", resp[0])
}

// Attach enters debug mode on the selected wire protocol.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	enter := byte(enterSwdNoReset)
	if d.protocol == probe.ProtocolJTAG {
		enter = enterJtagNoReset
	}
	resp, err := d.t.Command([]byte{cmdDebug, debugEnter, enter}, 2)
	if err != nil {
		return err
	}
	if err := d.checkStatus("Enter", resp[0]); err != nil {
		return err
	}
	d.attached = true
	if err := d.applySpeed(); err != nil {
		return err
	}
	d.log.Debug("attached", zap.Stringer("protocol", d.protocol), zap.Int("speed_khz", d.speedKHz))
	return nil
}

// Detach leaves debug mode and releases the USB handle. Idempotent.
func (d *Driver) Detach() error {
	if d.t == nil {
		return nil
	}
	if d.attached {
		_, _ = d.t.Command([]byte{cmdDebug, debugExit}, 0)
		d.attached = false
	}
	err := d.t.Close()
	d.t = nil
	return err
}

// TargetReset drives the probe's NRST output. assert pulls the line low.
func (d *Driver) TargetReset(assert bool) error {
	level := byte(nrstHigh)
	if assert {
		level = nrstLow
	}
	resp, err := d.t.Command([]byte{cmdDebug, debugDriveNrst, level}, 2)
	if err != nil {
		return err
	}
	return d.checkStatus("DriveNrst", resp[0])
}

// RawDap exposes the firmware-side DAP register engine.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return d, true }

// Jtag reports no raw JTAG capability: the firmware never exposes the scan
// chain.
func (d *Driver) Jtag() (probe.JtagAccess, bool) { return nil, false }

// checkStatus maps a debug command status byte to an error.
func (d *Driver) checkStatus(op string, status byte) error {
	switch status {
	case statusOK:
		return nil
	case statusSwdApWait, statusSwdDpWait:
		return &probe.WaitError{Retries: waitRetries}
	case statusSwdApFault, statusSwdDpFault, statusFault:
		return &probe.FaultError{}
	default:
		return &probe.ProtocolError{Kind: probe.KindSTLink, Op: op, Msg: fmt.Sprintf("status %#02x", status)}
	}
}

// openAp runs the INIT_AP handshake once per AP on firmware that requires
// it.
func (d *Driver) openAp(apsel uint8) error {
	if d.ver.flags&flagApInit == 0 || d.openedAP.Get(int(apsel)) {
		return nil
	}
	resp, err := d.t.Command([]byte{cmdDebug, debugInitAp, apsel}, 2)
	if err != nil {
		return err
	}
	if err := d.checkStatus("InitAp", resp[0]); err != nil {
		return err
	}
	d.openedAP.Set(int(apsel), true)
	d.log.Debug("access port opened", zap.Uint8("apsel", apsel))
	return nil
}

// dapPort maps a register address to the firmware's port selector, using
// the AP selection captured from SELECT writes.
func (d *Driver) dapPort(addr probe.RegisterAddress) uint16 {
	if addr.Port == probe.PortDP {
		return dapPortDP
	}
	return uint16(d.apsel)
}

// RawReadRegister reads one AP/DP register, retrying on WAIT.
func (d *Driver) RawReadRegister(addr probe.RegisterAddress) (uint32, error) {
	if addr.Port == probe.PortAP {
		if err := d.openAp(d.apsel); err != nil {
			return 0, err
		}
	}
	var cmd [6]byte
	cmd[0] = cmdDebug
	cmd[1] = debugReadDapReg
	binary.LittleEndian.PutUint16(cmd[2:], d.dapPort(addr))
	binary.LittleEndian.PutUint16(cmd[4:], uint16(addr.A8()))
	for attempt := 0; ; attempt++ {
		resp, err := d.t.Command(cmd[:], 8)
		if err != nil {
			return 0, err
		}
		err = d.checkStatus("read "+addr.String(), resp[0])
		if err == nil {
			return binary.LittleEndian.Uint32(resp[4:]), nil
		}
		if !isWait(err) || attempt >= waitRetries {
			return 0, err
		}
	}
}

// RawWriteRegister writes one AP/DP register, retrying on WAIT. Writes to
// the DP SELECT register additionally capture APSEL, which the firmware
// needs as an explicit port selector.
func (d *Driver) RawWriteRegister(addr probe.RegisterAddress, value uint32) error {
	if addr.Port == probe.PortAP {
		if err := d.openAp(d.apsel); err != nil {
			return err
		}
	}
	var cmd [10]byte
	cmd[0] = cmdDebug
	cmd[1] = debugWriteDapReg
	binary.LittleEndian.PutUint16(cmd[2:], d.dapPort(addr))
	binary.LittleEndian.PutUint16(cmd[4:], uint16(addr.A8()))
	binary.LittleEndian.PutUint32(cmd[6:], value)
	for attempt := 0; ; attempt++ {
		resp, err := d.t.Command(cmd[:], 2)
		if err != nil {
			return err
		}
		err = d.checkStatus("write "+addr.String(), resp[0])
		if err == nil {
			if addr.Port == probe.PortDP && addr.A8() == 0x8 {
				d.apsel = uint8(value >> 24)
			}
			return nil
		}
		if !isWait(err) || attempt >= waitRetries {
			return err
		}
	}
}

// RawReadBlock reads the same register repeatedly. The vendor command set
// has no register-repeat primitive, so it loops single transfers; bulk
// memory moves go through the dedicated ReadMem32 path in the session
// layer instead.
func (d *Driver) RawReadBlock(addr probe.RegisterAddress, out []uint32) error {
	for i := range out {
		v, err := d.RawReadRegister(addr)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

// RawWriteBlock writes the same register repeatedly.
func (d *Driver) RawWriteBlock(addr probe.RegisterAddress, values []uint32) error {
	for _, v := range values {
		if err := d.RawWriteRegister(addr, v); err != nil {
			return err
		}
	}
	return nil
}

// RawFlush is a no-op: every command completes before returning.
func (d *Driver) RawFlush() error { return nil }

// SelectDp rejects multidrop: the firmware owns the wire and offers no
// TARGETSEL hook.
func (d *Driver) SelectDp(dp probe.DpAddress) error {
	if !dp.Multidrop {
		return nil
	}
	return fmt.Errorf("%w: ST-Link cannot address a multidrop DP", probe.ErrUnsupportedProtocol)
}

// ReadMem32 reads size bytes of word-aligned target memory through the
// firmware's block engine.
func (d *Driver) ReadMem32(address uint32, size uint16) ([]byte, error) {
	var cmd [8]byte
	cmd[0] = cmdDebug
	cmd[1] = debugReadMem32
	binary.LittleEndian.PutUint32(cmd[2:], address)
	binary.LittleEndian.PutUint16(cmd[6:], size)
	data, err := d.t.Command(cmd[:], int(size))
	if err != nil {
		return nil, err
	}
	if err := d.lastRwStatus(); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMem32 writes word-aligned target memory through the firmware's
// block engine.
func (d *Driver) WriteMem32(address uint32, data []byte) error {
	var cmd [8]byte
	cmd[0] = cmdDebug
	cmd[1] = debugWriteMem32
	binary.LittleEndian.PutUint32(cmd[2:], address)
	binary.LittleEndian.PutUint16(cmd[6:], uint16(len(data)))
	if err := d.t.CommandWrite(cmd[:], data); err != nil {
		return err
	}
	return d.lastRwStatus()
}

// lastRwStatus fetches the deferred status of the preceding memory
// command.
func (d *Driver) lastRwStatus() error {
	resp, err := d.t.Command([]byte{cmdDebug, debugGetLastRwStatus2}, 12)
	if err != nil {
		return err
	}
	return d.checkStatus("GetLastRwStatus", resp[0])
}

func isWait(err error) bool {
	_, ok := err.(*probe.WaitError)
	return ok
}
