package riscv

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// sbcs fields.
const (
	sbcsAccess8       = 1 << 0
	sbcsAccess16      = 1 << 1
	sbcsAccess32      = 1 << 2
	sbcsAsizeShift    = 5
	sbcsAsizeMask     = 0x7F
	sbcsErrorShift    = 12
	sbcsErrorMask     = 0x7
	sbcsReadOnData    = 1 << 15
	sbcsAutoIncrement = 1 << 16
	sbcsSizeShift     = 17
	sbcsReadOnAddr    = 1 << 20
)

type sysbusCaps struct {
	width8  bool
	width16 bool
	width32 bool
}

func (c *Core) probeSysbus() error {
	sbcs, err := c.dtm.ReadDmi(dmSbcs)
	if err != nil {
		return err
	}
	if sbcs>>sbcsAsizeShift&sbcsAsizeMask == 0 {
		return nil
	}
	c.sysbus = sysbusCaps{
		width8:  sbcs&sbcsAccess8 != 0,
		width16: sbcs&sbcsAccess16 != 0,
		width32: sbcs&sbcsAccess32 != 0,
	}
	return nil
}

// checkSbError reads the sticky system bus error and clears it.
func (c *Core) checkSbError() error {
	sbcs, err := c.dtm.ReadDmi(dmSbcs)
	if err != nil {
		return err
	}
	code := sbcs >> sbcsErrorShift & sbcsErrorMask
	if code == 0 {
		return nil
	}
	if err := c.dtm.WriteDmi(dmSbcs, sbcsErrorMask<<sbcsErrorShift); err != nil {
		return err
	}
	return fmt.Errorf("riscv: system bus error %d", code)
}

// sbRead32 reads words through the system bus with address auto-increment.
func (c *Core) sbRead32(address uint64, out []uint32) error {
	if len(out) == 0 {
		return nil
	}
	ctl := uint32(2)<<sbcsSizeShift | sbcsReadOnAddr | sbcsAutoIncrement
	if len(out) > 1 {
		ctl |= sbcsReadOnData
	}
	if err := c.dtm.WriteDmi(dmSbcs, ctl); err != nil {
		return err
	}
	// Writing the address triggers the first bus read.
	if err := c.dtm.WriteDmi(dmSbaddress0, uint32(address)); err != nil {
		return err
	}
	for i := range out {
		// The final data read must not trigger another bus cycle.
		if i == len(out)-1 && len(out) > 1 {
			if err := c.dtm.WriteDmi(dmSbcs, uint32(2)<<sbcsSizeShift); err != nil {
				return err
			}
		}
		v, err := c.dtm.ReadDmi(dmSbdata0)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return c.checkSbError()
}

// sbWrite32 writes words through the system bus with address auto-increment.
func (c *Core) sbWrite32(address uint64, values []uint32) error {
	if err := c.dtm.WriteDmi(dmSbcs, uint32(2)<<sbcsSizeShift|sbcsAutoIncrement); err != nil {
		return err
	}
	if err := c.dtm.WriteDmi(dmSbaddress0, uint32(address)); err != nil {
		return err
	}
	for _, v := range values {
		if err := c.dtm.WriteDmi(dmSbdata0, v); err != nil {
			return err
		}
	}
	return c.checkSbError()
}

// sbReadNarrow does one 8 or 16-bit system bus read.
func (c *Core) sbReadNarrow(address uint64, size uint32) (uint32, error) {
	if err := c.dtm.WriteDmi(dmSbcs, size<<sbcsSizeShift|sbcsReadOnAddr); err != nil {
		return 0, err
	}
	if err := c.dtm.WriteDmi(dmSbaddress0, uint32(address)); err != nil {
		return 0, err
	}
	v, err := c.dtm.ReadDmi(dmSbdata0)
	if err != nil {
		return 0, err
	}
	return v, c.checkSbError()
}

func (c *Core) sbWriteNarrow(address uint64, size uint32, value uint32) error {
	if err := c.dtm.WriteDmi(dmSbcs, size<<sbcsSizeShift); err != nil {
		return err
	}
	if err := c.dtm.WriteDmi(dmSbaddress0, uint32(address)); err != nil {
		return err
	}
	if err := c.dtm.WriteDmi(dmSbdata0, value); err != nil {
		return err
	}
	return c.checkSbError()
}

// pbAccess32 runs load or store words through the program buffer using s0 as
// the address register and s1 as data. addi s0, s0, 4 advances between
// words.
const insnAddiS0 = 0x0044_0413

func (c *Core) pbRead32(address uint64, out []uint32) error {
	s0, s1, err := c.saveScratch()
	if err != nil {
		return err
	}
	defer c.restoreScratch(s0, s1)

	if err := c.loadProgbuf(insnLwS1S0, insnAddiS0); err != nil {
		return err
	}
	if err := c.writeGpr(regS0, uint32(address)); err != nil {
		return err
	}
	for i := range out {
		if err := c.execProgbuf(); err != nil {
			return err
		}
		v, err := c.readGpr(regS1)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

func (c *Core) pbWrite32(address uint64, values []uint32) error {
	s0, s1, err := c.saveScratch()
	if err != nil {
		return err
	}
	defer c.restoreScratch(s0, s1)

	if err := c.loadProgbuf(insnSwS1S0, insnAddiS0); err != nil {
		return err
	}
	if err := c.writeGpr(regS0, uint32(address)); err != nil {
		return err
	}
	for _, v := range values {
		if err := c.writeGpr(regS1, v); err != nil {
			return err
		}
		if err := c.execProgbuf(); err != nil {
			return err
		}
	}
	return nil
}

// pbNarrow does one 8 or 16-bit access through the program buffer.
func (c *Core) pbNarrow(address uint64, load, store uint32, write bool, value uint32) (uint32, error) {
	s0, s1, err := c.saveScratch()
	if err != nil {
		return 0, err
	}
	defer c.restoreScratch(s0, s1)

	insn := load
	if write {
		insn = store
	}
	if err := c.loadProgbuf(insn); err != nil {
		return 0, err
	}
	if err := c.writeGpr(regS0, uint32(address)); err != nil {
		return 0, err
	}
	if write {
		if err := c.writeGpr(regS1, value); err != nil {
			return 0, err
		}
	}
	if err := c.execProgbuf(); err != nil {
		return 0, err
	}
	if write {
		return 0, nil
	}
	return c.readGpr(regS1)
}

func (c *Core) saveScratch() (uint32, uint32, error) {
	s0, err := c.readGpr(regS0)
	if err != nil {
		return 0, 0, err
	}
	s1, err := c.readGpr(regS1)
	if err != nil {
		return 0, 0, err
	}
	return s0, s1, nil
}

func (c *Core) restoreScratch(s0, s1 uint32) {
	if err := c.writeGpr(regS0, s0); err != nil {
		c.log.Warn("failed to restore s0", zap.Error(err))
		return
	}
	if err := c.writeGpr(regS1, s1); err != nil {
		c.log.Warn("failed to restore s1", zap.Error(err))
	}
}

func checkWordAlign(address uint64, size uint64) error {
	if address%size != 0 {
		return &dap.AddressError{Address: address}
	}
	return nil
}

// Read32 reads aligned words.
func (c *Core) Read32(address uint64, out []uint32) error {
	if err := checkWordAlign(address, 4); err != nil {
		return err
	}
	if c.sysbus.width32 {
		return c.sbRead32(address, out)
	}
	return c.pbRead32(address, out)
}

// Write32 writes aligned words.
func (c *Core) Write32(address uint64, values []uint32) error {
	if err := checkWordAlign(address, 4); err != nil {
		return err
	}
	if c.sysbus.width32 {
		return c.sbWrite32(address, values)
	}
	return c.pbWrite32(address, values)
}

func (c *Core) ReadWord32(address uint64) (uint32, error) {
	var out [1]uint32
	if err := c.Read32(address, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

func (c *Core) WriteWord32(address uint64, value uint32) error {
	return c.Write32(address, []uint32{value})
}

func (c *Core) ReadWord64(address uint64) (uint64, error) {
	var out [2]uint32
	if err := c.Read32(address, out[:]); err != nil {
		return 0, err
	}
	return uint64(out[1])<<32 | uint64(out[0]), nil
}

func (c *Core) WriteWord64(address uint64, value uint64) error {
	return c.Write32(address, []uint32{uint32(value), uint32(value >> 32)})
}

func (c *Core) ReadWord16(address uint64) (uint16, error) {
	if err := checkWordAlign(address, 2); err != nil {
		return 0, err
	}
	if c.sysbus.width16 {
		v, err := c.sbReadNarrow(address, 1)
		return uint16(v), err
	}
	v, err := c.pbNarrow(address, insnLhuS1S0, insnShS1S0, false, 0)
	return uint16(v), err
}

func (c *Core) WriteWord16(address uint64, value uint16) error {
	if err := checkWordAlign(address, 2); err != nil {
		return err
	}
	if c.sysbus.width16 {
		return c.sbWriteNarrow(address, 1, uint32(value))
	}
	_, err := c.pbNarrow(address, insnLhuS1S0, insnShS1S0, true, uint32(value))
	return err
}

func (c *Core) ReadWord8(address uint64) (uint8, error) {
	if c.sysbus.width8 {
		v, err := c.sbReadNarrow(address, 0)
		return uint8(v), err
	}
	v, err := c.pbNarrow(address, insnLbuS1S0, insnSbS1S0, false, 0)
	return uint8(v), err
}

func (c *Core) WriteWord8(address uint64, value uint8) error {
	if c.sysbus.width8 {
		return c.sbWriteNarrow(address, 0, uint32(value))
	}
	_, err := c.pbNarrow(address, insnLbuS1S0, insnSbS1S0, true, uint32(value))
	return err
}

// Read fills out from address, using word transfers for the aligned body.
func (c *Core) Read(address uint64, out []byte) error {
	head := int(-address & 3)
	if head > len(out) {
		head = len(out)
	}
	for i := 0; i < head; i++ {
		b, err := c.ReadWord8(address + uint64(i))
		if err != nil {
			return err
		}
		out[i] = b
	}
	address += uint64(head)
	out = out[head:]

	if n := len(out) / 4; n > 0 {
		words := make([]uint32, n)
		if err := c.Read32(address, words); err != nil {
			return err
		}
		for i, w := range words {
			binary.LittleEndian.PutUint32(out[4*i:], w)
		}
		address += 4 * uint64(n)
		out = out[4*n:]
	}

	for i := range out {
		b, err := c.ReadWord8(address + uint64(i))
		if err != nil {
			return err
		}
		out[i] = b
	}
	return nil
}

// Write stores data at address, using word transfers for the aligned body.
func (c *Core) Write(address uint64, data []byte) error {
	head := int(-address & 3)
	if head > len(data) {
		head = len(data)
	}
	for i := 0; i < head; i++ {
		if err := c.WriteWord8(address+uint64(i), data[i]); err != nil {
			return err
		}
	}
	address += uint64(head)
	data = data[head:]

	if n := len(data) / 4; n > 0 {
		words := make([]uint32, n)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(data[4*i:])
		}
		if err := c.Write32(address, words); err != nil {
			return err
		}
		address += 4 * uint64(n)
		data = data[4*n:]
	}

	for i := range data {
		if err := c.WriteWord8(address+uint64(i), data[i]); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op; DMI transactions complete synchronously.
func (c *Core) Flush() error {
	return nil
}
