// Package xtensa controls Xtensa cores through the on-chip debug module:
// NAR register access over JTAG, instruction execution through DIR0EXEC, and
// the DDR data shuttle for register and memory transfers.
package xtensa

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// Xtensa TAP instructions.
const (
	irPwrctl  = 0x08
	irPwrstat = 0x09
	irNarsel  = 0x1C
	irWidthX  = 5
)

// Power control and status bits.
const (
	pwrctlCoreWakeup  = 1 << 0
	pwrctlMemWakeup   = 1 << 1
	pwrctlDebugWakeup = 1 << 2
	pwrctlCoreReset   = 1 << 4
	pwrctlDebugReset  = 1 << 6
	pwrctlJtagUse     = 1 << 7

	pwrstatCoreOn       = 1 << 0
	pwrstatDebugOn      = 1 << 2
	pwrstatCoreWasReset = 1 << 4
)

// NAR register addresses.
const (
	narOcdID    = 0x40
	narDcrClr   = 0x42
	narDcrSet   = 0x43
	narDsr      = 0x44
	narDdr      = 0x45
	narDdrExec  = 0x46
	narDir0Exec = 0x47
)

// Nar is raw access to the debug module's nexus register file.
type Nar interface {
	ReadNar(address uint8) (uint32, error)
	WriteNar(address uint8, value uint32) error
}

// Xdm drives the NAR/NDR scan pair of the Xtensa debug module. A NAR scan
// is 8 bits, address in [7:1] and a write flag in bit 0; the following NDR
// scan moves the 32-bit data.
type Xdm struct {
	jtag probe.JtagAccess
	log  *zap.Logger
}

func NewXdm(jtag probe.JtagAccess) (*Xdm, error) {
	x := &Xdm{jtag: jtag, log: logging.Named("xtensa.xdm")}
	if err := x.powerUp(); err != nil {
		return nil, err
	}
	id, err := x.ReadNar(narOcdID)
	if err != nil {
		return nil, err
	}
	if id == 0 || id == 0xFFFF_FFFF {
		return nil, fmt.Errorf("xtensa: implausible OCD ID %#x", id)
	}
	x.log.Debug("debug module up", zap.Uint32("ocdid", id))
	return x, nil
}

// powerUp wakes the debug and core power domains and claims the module for
// JTAG use.
func (x *Xdm) powerUp() error {
	wake := uint32(pwrctlJtagUse | pwrctlDebugWakeup | pwrctlMemWakeup | pwrctlCoreWakeup)
	if err := x.writePower(irPwrctl, wake); err != nil {
		return err
	}
	stat, err := x.readPower(irPwrstat)
	if err != nil {
		return err
	}
	if stat&pwrstatDebugOn == 0 {
		return fmt.Errorf("xtensa: debug domain did not power up (pwrstat %#x)", stat)
	}
	return nil
}

// AssertCoreReset holds or releases the core reset line through pwrctl.
func (x *Xdm) AssertCoreReset(assert bool) error {
	v := uint32(pwrctlJtagUse | pwrctlDebugWakeup | pwrctlMemWakeup | pwrctlCoreWakeup)
	if assert {
		v |= pwrctlCoreReset
	}
	return x.writePower(irPwrctl, v)
}

func (x *Xdm) writePower(ir uint32, value uint32) error {
	if err := x.jtag.WriteIR(ir, irWidthX); err != nil {
		return err
	}
	_, err := x.jtag.TransferDR([]byte{byte(value)}, 8, false)
	return err
}

func (x *Xdm) readPower(ir uint32) (uint32, error) {
	if err := x.jtag.WriteIR(ir, irWidthX); err != nil {
		return 0, err
	}
	out, err := x.jtag.TransferDR([]byte{0}, 8, true)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]), nil
}

// nar shifts the 8-bit NAR then the 32-bit NDR.
func (x *Xdm) nar(address uint8, write bool, value uint32) (uint32, error) {
	if err := x.jtag.WriteIR(irNarsel, irWidthX); err != nil {
		return 0, err
	}
	req := address << 1
	if write {
		req |= 1
	}
	if _, err := x.jtag.TransferDR([]byte{req}, 8, false); err != nil {
		return 0, err
	}
	tdi := []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	out, err := x.jtag.TransferDR(tdi, 32, true)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24, nil
}

func (x *Xdm) ReadNar(address uint8) (uint32, error) {
	if _, err := x.nar(address, false, 0); err != nil {
		return 0, err
	}
	// The capture of a read scan returns the value latched by the
	// previous scan, so a second pass collects it.
	return x.nar(address, false, 0)
}

func (x *Xdm) WriteNar(address uint8, value uint32) error {
	_, err := x.nar(address, true, value)
	return err
}
