// Package wlink drives WCH-Link probes in their RISC-V mode. The firmware
// tunnels debug module interface transactions directly, so the driver
// exposes ReadDmi/WriteDmi for the RISC-V core layer instead of raw JTAG
// scans or AP/DP access.
package wlink

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// Command packets start 0x81, responses 0x82; the second byte groups the
// command, the third is the payload length.
const (
	pktCommand  = 0x81
	pktResponse = 0x82
)

// Command groups.
const (
	groupProtect = 0x06
	groupDmi     = 0x08
	groupControl = 0x0D
	groupDisable = 0x0E
)

// groupControl subcommands.
const (
	ctrlGetVersion = 0x01
	ctrlAttach     = 0x02
	ctrlReset      = 0x03
)

// DMI operation codes carried in the last payload byte.
const (
	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2
)

// DMI status codes in the response's last payload byte.
const (
	dmiStatusOk   = 0
	dmiStatusBusy = 3
)

const dmiBusyRetries = 16

// Known riscvchip identifiers reported by attach.
const (
	chipCH32V103 = 0x01
	chipCH57x    = 0x02
	chipCH569    = 0x03
	chipCH32V20x = 0x05
	chipCH32V30x = 0x06
	chipCH58x    = 0x07
)

// transport carries one vendor packet exchange.
type transport interface {
	Command(cmd []byte, respLen int) ([]byte, error)
	Close() error
}

type usbTransport struct {
	dev *probe.USBDevice
}

func (t *usbTransport) Command(cmd []byte, respLen int) ([]byte, error) {
	if _, err := t.dev.Write(cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, respLen)
	n, err := t.dev.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *usbTransport) Close() error { return t.dev.Close() }

// Driver is one open WCH-Link probe.
type Driver struct {
	t         transport
	info      probe.Info
	variant   string
	vMajor    uint8
	vMinor    uint8
	riscvchip uint8
	chipType  uint32
	attached  bool
	log       *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{t: t, info: info, log: logging.Named("probe.wlink")}
	if err := d.readVersion(); err != nil {
		t.Close()
		return nil, err
	}
	return d, nil
}

// command runs one packet exchange and validates the response header.
func (d *Driver) command(group byte, payload []byte, respLen int) ([]byte, error) {
	cmd := append([]byte{pktCommand, group, byte(len(payload))}, payload...)
	resp, err := d.t.Command(cmd, respLen)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || resp[0] != pktResponse {
		return nil, &probe.ProtocolError{Kind: probe.KindWCHLink, Op: fmt.Sprintf("command %#02x", group), Msg: "command failed"}
	}
	return resp, nil
}

func (d *Driver) readVersion() error {
	resp, err := d.command(groupControl, []byte{ctrlGetVersion}, 16)
	if err != nil {
		return err
	}
	switch len(resp) {
	case 5:
		// Old CH549 firmware reports only major.minor.
		d.variant = "WCH-Link"
		d.vMajor, d.vMinor = resp[3], resp[4]
	case 7:
		d.vMajor, d.vMinor = resp[3], resp[4]
		switch resp[5] {
		case 1:
			d.variant = "WCH-Link"
		case 2:
			d.variant = "WCH-LinkE"
		case 3:
			d.variant = "WCH-LinkS"
		case 4:
			d.variant = "WCH-LinkB"
		default:
			return &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "version", Msg: fmt.Sprintf("unknown hardware type %d", resp[5])}
		}
	default:
		return &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "version", Msg: fmt.Sprintf("unsupported firmware response of %d bytes", len(resp))}
	}
	d.log.Debug("firmware", zap.String("variant", d.variant),
		zap.Uint8("major", d.vMajor), zap.Uint8("minor", d.vMinor))
	return nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// Variant reports the decoded hardware variant and firmware version.
func (d *Driver) Variant() string {
	return fmt.Sprintf("%s v%d.%d", d.variant, d.vMajor, d.vMinor)
}

// RiscvChip reports the chip family identifier captured during Attach.
func (d *Driver) RiscvChip() uint8 { return d.riscvchip }

// SelectProtocol accepts only JTAG; the firmware owns the wire and speaks
// nothing else.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	if p != probe.ProtocolJTAG {
		return fmt.Errorf("%w: %s", probe.ErrUnsupportedProtocol, p)
	}
	return nil
}

// Protocol reports the wire protocol, which is always JTAG.
func (d *Driver) Protocol() probe.WireProtocol { return probe.ProtocolJTAG }

// SpeedKHz reports the fixed firmware-managed clock.
func (d *Driver) SpeedKHz() int { return 4000 }

// SetSpeedKHz rejects reconfiguration: the firmware manages the clock.
func (d *Driver) SetSpeedKHz(khz int) error {
	return fmt.Errorf("wlink: the firmware manages the wire clock")
}

// Attach connects to the target chip and records its family.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	resp, err := d.command(groupControl, []byte{ctrlAttach}, 16)
	if err != nil {
		return err
	}
	if len(resp) < 4 {
		return &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "attach", Msg: "short attach response"}
	}
	d.riscvchip = resp[3]
	if len(resp) >= 8 {
		d.chipType = binary.BigEndian.Uint32(resp[4:8]) & 0xFFFFFF0F
	}
	switch d.riscvchip {
	case chipCH32V103, chipCH32V20x, chipCH32V30x:
		if _, err := d.command(groupControl, []byte{ctrlReset}, 4); err != nil {
			return err
		}
		if err := d.liftProtection(); err != nil {
			return err
		}
	case chipCH57x, chipCH569, chipCH58x:
		// Nothing to do beyond the attach itself.
	default:
		return &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "attach", Msg: fmt.Sprintf("unsupported riscvchip %#02x", d.riscvchip)}
	}
	d.attached = true
	d.log.Debug("attached", zap.Uint8("riscvchip", d.riscvchip), zap.Uint32("chip_type", d.chipType))
	return nil
}

// liftProtection disables flash read protection for the debug session.
func (d *Driver) liftProtection() error {
	resp, err := d.command(groupProtect, []byte{0x01}, 4)
	if err != nil {
		return err
	}
	if resp[0] != pktResponse {
		return &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "unprotect", Msg: "command failed"}
	}
	return nil
}

// Detach disables debug mode on chips that latch it and releases the USB
// handle. Idempotent.
func (d *Driver) Detach() error {
	if d.t == nil {
		return nil
	}
	if d.attached && (d.riscvchip == chipCH57x || d.riscvchip == chipCH569) {
		_, _ = d.command(groupDisable, []byte{0x00}, 4)
	}
	d.attached = false
	err := d.t.Close()
	d.t = nil
	return err
}

// TargetReset pulses the target through the firmware's reset command; the
// probe has no independent level control, so only assertion acts.
func (d *Driver) TargetReset(assert bool) error {
	if !assert {
		return nil
	}
	_, err := d.command(groupControl, []byte{ctrlReset}, 4)
	return err
}

// RawDap reports no AP/DP capability: WCH-Link targets are RISC-V only.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return nil, false }

// Jtag reports no raw scan capability: the firmware tunnels DMI directly.
func (d *Driver) Jtag() (probe.JtagAccess, bool) { return nil, false }

// dmiOp runs one tunneled DMI transaction. The data field travels
// big-endian, unlike every other probe protocol here.
func (d *Driver) dmiOp(op byte, address uint32, data uint32) (uint32, byte, error) {
	payload := make([]byte, 6)
	payload[0] = byte(address)
	binary.BigEndian.PutUint32(payload[1:5], data)
	payload[5] = op
	resp, err := d.command(groupDmi, payload, 9)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 9 {
		return 0, 0, &probe.ProtocolError{Kind: probe.KindWCHLink, Op: "dmi", Msg: "short DMI response"}
	}
	return binary.BigEndian.Uint32(resp[4:8]), resp[8], nil
}

// execute retries a DMI operation while the debug module reports busy,
// draining the result with nops the way the JTAG DTM does.
func (d *Driver) execute(op byte, address uint32, data uint32) (uint32, error) {
	value, status, err := d.dmiOp(op, address, data)
	if err != nil {
		return 0, err
	}
	for attempt := 0; status == dmiStatusBusy && attempt < dmiBusyRetries; attempt++ {
		value, status, err = d.dmiOp(dmiOpNop, 0, 0)
		if err != nil {
			return 0, err
		}
	}
	if status != dmiStatusOk {
		return 0, fmt.Errorf("wlink: DMI operation on %#x failed with status %d", address, status)
	}
	return value, nil
}

// ReadDmi reads one debug module register.
func (d *Driver) ReadDmi(address uint32) (uint32, error) {
	return d.execute(dmiOpRead, address, 0)
}

// WriteDmi writes one debug module register.
func (d *Driver) WriteDmi(address uint32, value uint32) error {
	_, err := d.execute(dmiOpWrite, address, value)
	return err
}
