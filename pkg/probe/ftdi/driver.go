// Package ftdi drives FTDI MPSSE adapters (FT232H, FT2232H, FT4232H) as
// JTAG probes. The MPSSE engine shifts bytes and bits on TCK/TDI/TDO/TMS;
// AP/DP transactions are built host side through the JTAG-DP scheduler.
// SWD needs external tristate hardware the plain breakouts lack, so the
// driver is JTAG only.
package ftdi

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// MPSSE opcodes. Shift commands are a bitmask: bit0 write on falling edge,
// bit1 bit mode, bit3 LSB first, bit4 write TDI, bit5 read TDO, bit6 write
// TMS.
const (
	opShiftBytes = 0x39 // TDI out falling, TDO in rising, LSB, with read
	opShiftBits  = 0x3B
	opShiftTms   = 0x6B // TMS out bit mode with read, TDI on data bit 7

	opSetLowBits  = 0x80
	opReadLowBits = 0x81
	opClkDivisor  = 0x86
	opFlush       = 0x87
	opDisableDiv5 = 0x8A
	opNoLoopback  = 0x85
	opBadCommand  = 0xFA
)

// Low-byte pin assignments of the standard FTDI JTAG wiring.
const (
	pinTCK = 1 << 0
	pinTDI = 1 << 1
	pinTDO = 1 << 2
	pinTMS = 1 << 3

	// TCK, TDI, TMS driven; TDO input. TMS idles high.
	pinDirections = pinTCK | pinTDI | pinTMS
	pinIdle       = pinTMS
)

// transport is the byte pipe to the MPSSE engine, with FTDI status bytes
// already stripped from reads.
type transport interface {
	Write(data []byte) error
	Read(n int) ([]byte, error)
	Close() error
}

// Driver is one open FTDI adapter in MPSSE mode.
type Driver struct {
	t        transport
	info     probe.Info
	speedKHz int
	attached bool
	jtag     *jtagPort
	dap      *probe.JtagDapScheduler
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:        t,
		info:     info,
		speedKHz: 1000,
		log:      logging.Named("probe.ftdi"),
	}
	d.jtag = &jtagPort{
		ChainScheduler: probe.NewChainScheduler(mpsseBits{d}),
		d:              d,
	}
	d.dap = probe.NewJtagDapScheduler(d.jtag)
	return d, nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// SelectProtocol accepts only JTAG.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	if p != probe.ProtocolJTAG {
		return fmt.Errorf("%w: MPSSE wiring has no SWD tristate", probe.ErrUnsupportedProtocol)
	}
	return nil
}

// Protocol reports the wire protocol, which is always JTAG.
func (d *Driver) Protocol() probe.WireProtocol { return probe.ProtocolJTAG }

// SpeedKHz reports the configured TCK rate.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz reprograms the clock divisor. The H parts run the engine at
// 60 MHz with divide-by-five disabled: TCK = 60 MHz / ((1 + div) * 2).
func (d *Driver) SetSpeedKHz(khz int) error {
	if khz <= 0 || khz > 30_000 {
		return fmt.Errorf("ftdi: speed %d kHz out of range", khz)
	}
	d.speedKHz = khz
	if d.attached {
		return d.applySpeed()
	}
	return nil
}

func (d *Driver) applySpeed() error {
	div := 30_000/d.speedKHz - 1
	if div < 0 {
		div = 0
	}
	return d.t.Write([]byte{opClkDivisor, byte(div), byte(div >> 8)})
}

// Attach programs the MPSSE engine: full clock, no loopback, pin
// directions, clock divisor, and a TAP reset.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	setup := []byte{
		opDisableDiv5,
		opNoLoopback,
		opSetLowBits, pinIdle, pinDirections,
	}
	if err := d.t.Write(setup); err != nil {
		return err
	}
	if err := d.applySpeed(); err != nil {
		return err
	}
	d.attached = true
	if err := d.jtag.TapReset(); err != nil {
		d.attached = false
		return err
	}
	d.log.Debug("attached", zap.Int("speed_khz", d.speedKHz))
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

// TargetReset is unavailable: the standard four-wire breakout has no
// nRESET pin.
func (d *Driver) TargetReset(assert bool) error {
	return fmt.Errorf("ftdi: no reset line on the standard JTAG wiring")
}

// RawDap returns the JTAG-DP scheduler.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return d.dap, true }

// Jtag exposes raw scans.
func (d *Driver) Jtag() (probe.JtagAccess, bool) { return d.jtag, true }

// jtagPort couples the chain scheduler with raw step access.
type jtagPort struct {
	*probe.ChainScheduler
	d *Driver
}

func (p *jtagPort) JtagIO(steps []tap.Step) ([]bool, error) {
	return mpsseBits{p.d}.JtagIO(steps)
}

// mpsseBits translates TAP steps into MPSSE shift commands. Runs with TMS
// low shift TDI in byte and bit mode; any step with TMS high goes through
// the TMS shift command with its TDI level on data bit 7. Every shift
// reads TDO, so captured bits are picked out of the full stream
// afterwards.
type mpsseBits struct {
	d *Driver
}

// segment is one encoded shift command and the TDO bits it returns.
type segment struct {
	readBytes int
	bits      int // valid TDO bits in the read bytes
	bitMode   bool
}

func (m mpsseBits) JtagIO(steps []tap.Step) ([]bool, error) {
	var cmds []byte
	var segs []segment

	i := 0
	for i < len(steps) {
		if steps[i].TMS {
			// TMS runs go out one bit at a time so each step keeps
			// its own TDI level.
			n := 0
			for i+n < len(steps) && steps[i+n].TMS && steps[i+n].TDI == steps[i].TDI && n < 7 {
				n++
			}
			tmsBits := byte(1)<<n - 1
			data := tmsBits
			if steps[i].TDI {
				data |= 0x80
			}
			cmds = append(cmds, opShiftTms, byte(n-1), data)
			segs = append(segs, segment{readBytes: 1, bits: n, bitMode: true})
			i += n
			continue
		}

		n := 0
		for i+n < len(steps) && !steps[i+n].TMS {
			n++
		}
		fullBytes := n / 8
		if fullBytes > 0 {
			payload := make([]byte, fullBytes)
			for b := 0; b < fullBytes*8; b++ {
				tap.SetBit(payload, b, steps[i+b].TDI)
			}
			cmds = append(cmds, opShiftBytes, byte(fullBytes-1), byte((fullBytes-1)>>8))
			cmds = append(cmds, payload...)
			segs = append(segs, segment{readBytes: fullBytes, bits: fullBytes * 8})
		}
		if rest := n % 8; rest > 0 {
			var data byte
			for b := 0; b < rest; b++ {
				if steps[i+fullBytes*8+b].TDI {
					data |= 1 << b
				}
			}
			cmds = append(cmds, opShiftBits, byte(rest-1), data)
			segs = append(segs, segment{readBytes: 1, bits: rest, bitMode: true})
		}
		i += n
	}

	cmds = append(cmds, opFlush)
	if err := m.d.t.Write(cmds); err != nil {
		return nil, err
	}

	total := 0
	for _, s := range segs {
		total += s.readBytes
	}
	data, err := m.d.t.Read(total)
	if err != nil {
		return nil, err
	}
	if len(data) < total {
		return nil, &probe.ProtocolError{Kind: probe.KindFTDI, Op: "shift", Msg: fmt.Sprintf("read %d of %d bytes", len(data), total)}
	}

	// Reassemble the TDO stream. Bit-mode reads arrive MSB-justified.
	var stream []bool
	pos := 0
	for _, s := range segs {
		if s.bitMode {
			b := data[pos]
			for i := 0; i < s.bits; i++ {
				stream = append(stream, b&(1<<(8-s.bits+i)) != 0)
			}
		} else {
			for i := 0; i < s.bits; i++ {
				stream = append(stream, tap.Bit(data[pos:], i))
			}
		}
		pos += s.readBytes
	}

	var out []bool
	for i, st := range steps {
		if st.Capture {
			out = append(out, stream[i])
		}
	}
	return out, nil
}
