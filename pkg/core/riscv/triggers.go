package riscv

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
)

const maxTriggers = 32

// discoverTriggers walks tselect until it stops sticking and records which
// entries are address-match triggers.
func (c *Core) discoverTriggers() error {
	if c.triggersReady {
		return nil
	}
	for i := 0; i < maxTriggers; i++ {
		if err := c.WriteCoreRegister(csrTselect, uint64(i)); err != nil {
			break
		}
		back, err := c.ReadCoreRegister(csrTselect)
		if err != nil || back != uint64(i) {
			break
		}
		tdata1, err := c.ReadCoreRegister(csrTdata1)
		if err != nil {
			break
		}
		kind := uint32(tdata1 >> tdata1TypeShift & 0xF)
		if kind != triggerMcontrol && kind != triggerMcontrol6 {
			// Stop at the first unusable slot; implementations put
			// all address triggers first.
			break
		}
		c.triggerKinds = append(c.triggerKinds, kind)
	}
	c.numTriggers = len(c.triggerKinds)
	c.triggerAddrs = make([]uint64, c.numTriggers)
	c.triggerUsed = bitmap.New(c.numTriggers)
	c.triggersReady = true
	c.log.Debug("trigger discovery done")
	return nil
}

// armTrigger programs trigger unit index to halt on instruction fetch from
// address. A zero address disarms the unit.
func (c *Core) armTrigger(index int, address uint64) error {
	if err := c.WriteCoreRegister(csrTselect, uint64(index)); err != nil {
		return err
	}
	if address == 0 {
		return c.WriteCoreRegister(csrTdata1, 0)
	}
	tdata1 := uint64(c.triggerKinds[index])<<tdata1TypeShift |
		mcontrolDmode | mcontrolAction | mcontrolExecute |
		mcontrolM | mcontrolS | mcontrolU
	if err := c.WriteCoreRegister(csrTdata1, tdata1); err != nil {
		return err
	}
	return c.WriteCoreRegister(csrTdata2, address)
}

// NumHwBreakpoints reports the number of usable address triggers.
func (c *Core) NumHwBreakpoints() (int, error) {
	if err := c.discoverTriggers(); err != nil {
		return 0, err
	}
	return c.numTriggers, nil
}

// SetHwBreakpoint arms a free trigger for the address.
func (c *Core) SetHwBreakpoint(address uint64) error {
	if err := c.discoverTriggers(); err != nil {
		return err
	}
	free := -1
	for i := 0; i < c.numTriggers; i++ {
		if c.triggerUsed.Get(i) {
			if c.triggerAddrs[i] == address {
				return nil
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return &core.BreakpointError{Address: address, Msg: fmt.Sprintf("all %d triggers in use", c.numTriggers)}
	}
	if err := c.armTrigger(free, address); err != nil {
		return err
	}
	c.triggerAddrs[free] = address
	c.triggerUsed.Set(free, true)
	return nil
}

// ClearHwBreakpoint disarms the trigger holding the address; clearing an
// address that is not set is a no-op.
func (c *Core) ClearHwBreakpoint(address uint64) error {
	if err := c.discoverTriggers(); err != nil {
		return err
	}
	for i := 0; i < c.numTriggers; i++ {
		if !c.triggerUsed.Get(i) || c.triggerAddrs[i] != address {
			continue
		}
		if err := c.armTrigger(i, 0); err != nil {
			return err
		}
		c.triggerAddrs[i] = 0
		c.triggerUsed.Set(i, false)
		return nil
	}
	return nil
}

// HwBreakpoints lists the armed triggers.
func (c *Core) HwBreakpoints() ([]core.Breakpoint, error) {
	if err := c.discoverTriggers(); err != nil {
		return nil, err
	}
	var out []core.Breakpoint
	for i := 0; i < c.numTriggers; i++ {
		if c.triggerUsed.Get(i) {
			out = append(out, core.Breakpoint{Address: c.triggerAddrs[i], UnitIndex: i})
		}
	}
	return out, nil
}

// suspendTriggerAt disarms the trigger matching pc for a single step,
// returning its index or -1.
func (c *Core) suspendTriggerAt(pc uint64) (int, error) {
	if !c.triggersReady {
		return -1, nil
	}
	for i := 0; i < c.numTriggers; i++ {
		if c.triggerUsed.Get(i) && c.triggerAddrs[i] == pc {
			if err := c.armTrigger(i, 0); err != nil {
				return -1, err
			}
			return i, nil
		}
	}
	return -1, nil
}
