package dap

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// maxApIndex is the largest ADIv5 APSEL value.
const maxApIndex = 255

// Interface drives one debug port: it owns the SELECT register cache, debug
// domain power-up, and AP register addressing for both ADI generations.
type Interface struct {
	raw     probe.RawDapAccess
	version Version
	dp      probe.DpAddress

	selectVal   uint32
	select1Val  uint32
	selectKnown bool

	// probedAPs tracks which ADIv5 AP indexes responded during discovery
	// so enumeration does not repeatedly poke dead APs.
	probedAPs bitmap.Bitmap

	// memAps caches capability-probed MEM-APs by address.
	memAps map[string]*MemoryAP

	log *zap.Logger
}

// New creates a DP interface over raw register access. The version must
// match the connected DP; Connect verifies it against DPIDR.
func New(raw probe.RawDapAccess, version Version) *Interface {
	return &Interface{
		raw:       raw,
		version:   version,
		probedAPs: bitmap.New(maxApIndex + 1),
		memAps:    make(map[string]*MemoryAP),
		log:       logging.Named("dap"),
	}
}

// cachedMemAp returns a previously probed MEM-AP for the address, if any.
func (i *Interface) cachedMemAp(ap ApAddress) *MemoryAP {
	return i.memAps[ap.Dp.String()+ap.String()]
}

func (i *Interface) storeMemAp(ap ApAddress, m *MemoryAP) {
	i.memAps[ap.Dp.String()+ap.String()] = m
}

// Version reports the ADI generation in use.
func (i *Interface) Version() Version {
	return i.version
}

// Connect selects the DP, reads DPIDR, clears sticky flags, and powers up
// the debug domain. It must run once after the probe attaches.
func (i *Interface) Connect(dp probe.DpAddress) error {
	i.dp = dp
	i.selectKnown = false
	if err := i.raw.SelectDp(dp); err != nil {
		return err
	}

	idr, err := i.raw.RawReadRegister(dpRegister(DpIDR))
	if err != nil {
		return fmt.Errorf("dap: reading DPIDR: %w", err)
	}
	i.log.Debug("connected to DP", zap.Uint32("dpidr", idr))

	// Clear any sticky errors left from a previous session.
	if err := i.raw.RawWriteRegister(dpRegister(DpAbort), 0x1E); err != nil {
		return err
	}
	return i.powerUp()
}

// powerUp requests system and debug power and polls the acknowledge bits.
func (i *Interface) powerUp() error {
	req := uint32(CtrlStatCSysPwrupReq | CtrlStatCDbgPwrupReq)
	if err := i.WriteDpRegister(DpCtrlStat, req); err != nil {
		return err
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		stat, err := i.ReadDpRegister(DpCtrlStat)
		if err != nil {
			return err
		}
		ack := uint32(CtrlStatCSysPwrupAck | CtrlStatCDbgPwrupAck)
		if stat&ack == ack {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrPowerUp
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// invalidateSelect drops the SELECT cache, forcing a rewrite on the next
// access. Called after any transport error since the write may not have
// landed.
func (i *Interface) invalidateSelect() {
	i.selectKnown = false
}

// writeSelect updates SELECT (and SELECT1 on ADIv6) when the cached value
// differs.
func (i *Interface) writeSelect(sel uint32, sel1 uint32) error {
	if i.selectKnown && i.selectVal == sel && i.select1Val == sel1 {
		return nil
	}
	if err := i.raw.RawWriteRegister(dpRegister(DpSelect), sel); err != nil {
		i.invalidateSelect()
		return err
	}
	if i.version == ADIv6 {
		// SELECT1 lives in DP bank 5; reaching it needs DPBANKSEL=5,
		// which the SELECT write above just set when required.
		if i.select1Val != sel1 || !i.selectKnown {
			bank5 := sel&^uint32(0xF) | 0x5
			if err := i.raw.RawWriteRegister(dpRegister(DpSelect), bank5); err != nil {
				i.invalidateSelect()
				return err
			}
			if err := i.raw.RawWriteRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x4}, sel1); err != nil {
				i.invalidateSelect()
				return err
			}
			if err := i.raw.RawWriteRegister(dpRegister(DpSelect), sel); err != nil {
				i.invalidateSelect()
				return err
			}
		}
	}
	i.selectVal = sel
	i.select1Val = sel1
	i.selectKnown = true
	return nil
}

// ReadDpRegister reads a DP register, handling DPBANKSEL.
func (i *Interface) ReadDpRegister(addr uint8) (uint32, error) {
	if err := i.selectDpBank(addr >> 4); err != nil {
		return 0, err
	}
	v, err := i.raw.RawReadRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: addr & 0xF})
	if err != nil {
		i.invalidateSelect()
	}
	return v, err
}

// WriteDpRegister writes a DP register, handling DPBANKSEL.
func (i *Interface) WriteDpRegister(addr uint8, value uint32) error {
	if addr == DpSelect {
		i.invalidateSelect()
		return i.raw.RawWriteRegister(dpRegister(DpSelect), value)
	}
	if err := i.selectDpBank(addr >> 4); err != nil {
		return err
	}
	if err := i.raw.RawWriteRegister(probe.RegisterAddress{Port: probe.PortDP, Reg: addr & 0xF}, value); err != nil {
		i.invalidateSelect()
		return err
	}
	return nil
}

// selectDpBank sets DPBANKSEL. Only DP address 0x4 is banked; bank 0 also
// covers the unbanked registers.
func (i *Interface) selectDpBank(bank uint8) error {
	sel := i.selectVal&^uint32(0xF) | uint32(bank&0xF)
	if !i.selectKnown {
		sel = uint32(bank & 0xF)
	}
	return i.writeSelect(sel, i.select1Val)
}

// ReadApRegister reads one register of the addressed AP.
func (i *Interface) ReadApRegister(ap ApAddress, offset uint16) (uint32, error) {
	if parent, ok := ap.Parent(); ok {
		return i.readNestedAp(parent, ap.V6Path[len(ap.V6Path)-1], offset)
	}
	if err := i.selectAp(ap, offset); err != nil {
		return 0, err
	}
	v, err := i.raw.RawReadRegister(apRegister(offset))
	if err != nil {
		i.invalidateSelect()
	}
	return v, err
}

// WriteApRegister writes one register of the addressed AP.
func (i *Interface) WriteApRegister(ap ApAddress, offset uint16, value uint32) error {
	if parent, ok := ap.Parent(); ok {
		return i.writeNestedAp(parent, ap.V6Path[len(ap.V6Path)-1], offset, value)
	}
	if err := i.selectAp(ap, offset); err != nil {
		return err
	}
	if err := i.raw.RawWriteRegister(apRegister(offset), value); err != nil {
		i.invalidateSelect()
		return err
	}
	return nil
}

// ReadApRegisterBlock repeatedly reads the same AP register, for DRW
// streaming.
func (i *Interface) ReadApRegisterBlock(ap ApAddress, offset uint16, out []uint32) error {
	if parent, ok := ap.Parent(); ok {
		base := ap.V6Path[len(ap.V6Path)-1]
		for n := range out {
			v, err := i.readNestedAp(parent, base, offset)
			if err != nil {
				return err
			}
			out[n] = v
		}
		return nil
	}
	if err := i.selectAp(ap, offset); err != nil {
		return err
	}
	if err := i.raw.RawReadBlock(apRegister(offset), out); err != nil {
		i.invalidateSelect()
		return err
	}
	return nil
}

// WriteApRegisterBlock repeatedly writes the same AP register.
func (i *Interface) WriteApRegisterBlock(ap ApAddress, offset uint16, values []uint32) error {
	if parent, ok := ap.Parent(); ok {
		base := ap.V6Path[len(ap.V6Path)-1]
		for _, v := range values {
			if err := i.writeNestedAp(parent, base, offset, v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := i.selectAp(ap, offset); err != nil {
		return err
	}
	if err := i.raw.RawWriteBlock(apRegister(offset), values); err != nil {
		i.invalidateSelect()
		return err
	}
	return nil
}

// Flush drains posted transactions on the underlying probe.
func (i *Interface) Flush() error {
	if err := i.raw.RawFlush(); err != nil {
		i.invalidateSelect()
		return err
	}
	return nil
}

// selectAp programs SELECT for the given AP and register bank.
func (i *Interface) selectAp(ap ApAddress, offset uint16) error {
	switch ap.Version {
	case ADIv5:
		sel := uint32(ap.V5Index)<<24 | uint32(offset)&0xF0 | i.selectVal&0xF
		if !i.selectKnown {
			sel = uint32(ap.V5Index)<<24 | uint32(offset)&0xF0
		}
		return i.writeSelect(sel, 0)
	case ADIv6:
		if len(ap.V6Path) != 1 {
			return fmt.Errorf("dap: empty ADIv6 AP path")
		}
		base := ap.V6Path[0] + uint64(offset)
		sel := uint32(base)&^uint32(0xF) | i.selectVal&0xF
		return i.writeSelect(sel, uint32(base>>32))
	}
	return fmt.Errorf("dap: unknown ADI version %d", ap.Version)
}

// readNestedAp reaches an AP nested in a parent AP's memory space through a
// word read at its base offset.
func (i *Interface) readNestedAp(parent ApAddress, base uint64, offset uint16) (uint32, error) {
	mem, err := NewMemoryAP(i, parent)
	if err != nil {
		return 0, err
	}
	return mem.ReadWord32(base + uint64(offset))
}

func (i *Interface) writeNestedAp(parent ApAddress, base uint64, offset uint16, value uint32) error {
	mem, err := NewMemoryAP(i, parent)
	if err != nil {
		return err
	}
	return mem.WriteWord32(base+uint64(offset), value)
}

// ProbeAp reads the AP's IDR and reports whether something responded. The
// result for ADIv5 indexes is memoized so chip discovery can sweep all 256
// slots cheaply.
func (i *Interface) ProbeAp(ap ApAddress) (uint32, bool) {
	memo := ap.Version == ADIv5 && !ap.Dp.Multidrop
	if memo && i.probedAPs.Get(int(ap.V5Index)) {
		// Already known alive; re-read IDR for the caller.
		idr, err := i.ReadApRegister(ap, MemApIDR)
		if err != nil {
			return 0, false
		}
		return idr, idr != 0
	}
	idr, err := i.ReadApRegister(ap, MemApIDR)
	if err != nil || idr == 0 {
		return 0, false
	}
	if memo {
		i.probedAPs.Set(int(ap.V5Index), true)
	}
	return idr, true
}
