// Package riscv controls RISC-V harts through a debug module reached over
// the JTAG debug transport module: DMI register scans, abstract commands
// with a program-buffer fallback, trigger-unit breakpoints, and system-bus
// memory access.
package riscv

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// JTAG DTM instruction register codes.
const (
	irDtmcs = 0x10
	irDmi   = 0x11
	irWidth = 5
)

// dtmcs fields.
const (
	dtmcsVersionMask = 0xF
	dtmcsAbitsShift  = 4
	dtmcsAbitsMask   = 0x3F
	dtmcsIdleShift   = 12
	dtmcsIdleMask    = 0x7
	dtmcsDmiReset    = 1 << 16
)

// DMI operation and result codes, in the low two bits of a scan.
const (
	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2

	dmiResultOk   = 0
	dmiResultFail = 2
	dmiResultBusy = 3
)

const dmiBusyRetries = 16

// Dtm moves 32-bit values through debug module interface registers.
type Dtm interface {
	ReadDmi(address uint32) (uint32, error)
	WriteDmi(address uint32, value uint32) error
}

// JtagDtm drives the standard JTAG debug transport module. A DMI scan is
// abits+34 bits: op in [1:0], data in [33:2], address above.
type JtagDtm struct {
	jtag  probe.JtagAccess
	abits uint
	log   *zap.Logger
}

// NewJtagDtm reads dtmcs to size the address field and applies the
// recommended idle cycles.
func NewJtagDtm(jtag probe.JtagAccess) (*JtagDtm, error) {
	d := &JtagDtm{jtag: jtag, log: logging.Named("riscv.dtm")}
	dtmcs, err := d.readDtmcs()
	if err != nil {
		return nil, err
	}
	version := dtmcs & dtmcsVersionMask
	if version != 1 {
		return nil, fmt.Errorf("riscv: unsupported DTM version %d", version)
	}
	d.abits = uint(dtmcs >> dtmcsAbitsShift & dtmcsAbitsMask)
	if d.abits == 0 || d.abits > 30 {
		return nil, fmt.Errorf("riscv: implausible DMI address width %d", d.abits)
	}
	jtag.SetIdleCycles(uint8(dtmcs >> dtmcsIdleShift & dtmcsIdleMask))
	d.log.Debug("DTM ready", zap.Uint("abits", d.abits), zap.Uint8("idle", jtag.IdleCycles()))
	return d, nil
}

func (d *JtagDtm) readDtmcs() (uint32, error) {
	if err := d.jtag.WriteIR(irDtmcs, irWidth); err != nil {
		return 0, err
	}
	out, err := d.jtag.TransferDR(make([]byte, 4), 32, true)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24, nil
}

func (d *JtagDtm) writeDtmcs(value uint32) error {
	if err := d.jtag.WriteIR(irDtmcs, irWidth); err != nil {
		return err
	}
	tdi := []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	_, err := d.jtag.TransferDR(tdi, 32, false)
	return err
}

// scan shifts one DMI transaction and returns the data and result fields
// captured from the previous transaction.
func (d *JtagDtm) scan(op uint32, address uint32, data uint32) (uint32, uint32, error) {
	if err := d.jtag.WriteIR(irDmi, irWidth); err != nil {
		return 0, 0, err
	}
	bits := int(d.abits) + 34
	word := uint64(op)&0x3 | uint64(data)<<2 | uint64(address)<<34
	tdi := make([]byte, (bits+7)/8)
	for i := range tdi {
		tdi[i] = byte(word >> (8 * i))
	}
	out, err := d.jtag.TransferDR(tdi, bits, true)
	if err != nil {
		return 0, 0, err
	}
	var captured uint64
	for i, b := range out {
		captured |= uint64(b) << (8 * i)
	}
	return uint32(captured >> 2 & 0xFFFF_FFFF), uint32(captured & 0x3), nil
}

// clearBusy resets the sticky busy indication and widens the idle window so
// the retried transaction has time to complete.
func (d *JtagDtm) clearBusy() error {
	if err := d.writeDtmcs(dtmcsDmiReset); err != nil {
		return err
	}
	if idle := d.jtag.IdleCycles(); idle < 255 {
		d.jtag.SetIdleCycles(idle + 1)
	}
	return nil
}

// execute runs one DMI operation followed by a nop to collect its result,
// retrying while the debug module reports busy.
func (d *JtagDtm) execute(op uint32, address uint32, data uint32) (uint32, error) {
	for attempt := 0; attempt < dmiBusyRetries; attempt++ {
		if _, result, err := d.scan(op, address, data); err != nil {
			return 0, err
		} else if result == dmiResultBusy {
			if err := d.clearBusy(); err != nil {
				return 0, err
			}
			continue
		}
		out, result, err := d.scan(dmiOpNop, 0, 0)
		if err != nil {
			return 0, err
		}
		switch result {
		case dmiResultOk:
			return out, nil
		case dmiResultBusy:
			if err := d.clearBusy(); err != nil {
				return 0, err
			}
		default:
			name := "read"
			if op == dmiOpWrite {
				name = "write"
			}
			return 0, fmt.Errorf("riscv: DMI %s of %#x failed", name, address)
		}
	}
	return 0, fmt.Errorf("riscv: DMI busy after %d retries", dmiBusyRetries)
}

func (d *JtagDtm) ReadDmi(address uint32) (uint32, error) {
	return d.execute(dmiOpRead, address, 0)
}

func (d *JtagDtm) WriteDmi(address uint32, value uint32) error {
	_, err := d.execute(dmiOpWrite, address, value)
	return err
}
