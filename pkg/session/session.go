// Package session ties one opened probe to one target chip. A session owns
// the probe handle for its whole lifetime: it attaches the wire protocol,
// brings up the debug port, hands out exclusive core handles, and releases
// everything on Close no matter how far setup got.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core/arma"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core/armm"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core/riscv"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core/xtensa"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/coresight"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

const defaultHaltTimeout = 500 * time.Millisecond

// Options tunes how the session connects.
type Options struct {
	// Protocol selects the wire protocol before attaching. Nil keeps the
	// driver's default.
	Protocol *probe.WireProtocol

	// SpeedKHz overrides the probe's default clock when positive.
	SpeedKHz int

	// DapVersion selects the debug port flavor for probes with raw DAP
	// access. The zero value is ADIv5.
	DapVersion dap.Version

	// Dp addresses one debug port on a SWD multidrop bus. The zero value
	// is the default single-drop DP.
	Dp probe.DpAddress

	// ConnectUnderReset holds the reset line asserted through attach and
	// releases it only once the first core's debug logic is armed, for
	// firmware that locks out the debug port early.
	ConnectUnderReset bool

	// HaltTimeout bounds halt-after-reset waits. Zero selects 500 ms.
	HaltTimeout time.Duration
}

// Session is one live probe-to-chip connection. All methods are safe for
// concurrent use; core handles themselves are not.
type Session struct {
	mu sync.Mutex

	probe  probe.DebugProbe
	family *target.Family
	chip   *target.Chip
	reset  target.ResetSequence
	opts   Options

	// iface is nil for probes that expose target memory or a DMI
	// directly instead of raw DAP access.
	iface *dap.Interface

	cores  map[string]core.Core
	leased map[string]bool

	resetHeld bool
	closed    bool

	log *zap.Logger
}

// New attaches the probe and brings up the debug connection for the named
// chip of the family. The session owns the probe from here on, even when
// New fails partway: the probe is detached before the error is returned.
func New(p probe.DebugProbe, family *target.Family, chipName string, opts Options) (*Session, error) {
	chip, err := family.Chip(chipName)
	if err != nil {
		return nil, err
	}
	if len(chip.Cores) == 0 {
		return nil, fmt.Errorf("session: chip %q describes no cores", chip.Name)
	}
	reset, err := target.LookupResetSequence(chip.ResetSequence)
	if err != nil {
		return nil, err
	}
	if opts.HaltTimeout == 0 {
		opts.HaltTimeout = defaultHaltTimeout
	}

	s := &Session{
		probe:  p,
		family: family,
		chip:   chip,
		reset:  reset,
		opts:   opts,
		cores:  make(map[string]core.Core),
		leased: make(map[string]bool),
		log:    logging.Named("session"),
	}
	if err := s.connect(); err != nil {
		p.Detach()
		return nil, err
	}
	return s, nil
}

func (s *Session) connect() error {
	if s.opts.Protocol != nil {
		if err := s.probe.SelectProtocol(*s.opts.Protocol); err != nil {
			return err
		}
	}
	if s.opts.SpeedKHz > 0 {
		if err := s.probe.SetSpeedKHz(s.opts.SpeedKHz); err != nil {
			return err
		}
	}
	if s.opts.ConnectUnderReset {
		if err := s.probe.TargetReset(true); err != nil {
			return fmt.Errorf("session: assert reset: %w", err)
		}
		s.resetHeld = true
	}
	if err := s.probe.Attach(); err != nil {
		return fmt.Errorf("session: attach: %w", err)
	}
	if raw, ok := s.probe.RawDap(); ok {
		iface := dap.New(raw, s.opts.DapVersion)
		if err := iface.Connect(s.opts.Dp); err != nil {
			return fmt.Errorf("session: debug port: %w", err)
		}
		s.iface = iface
	}
	s.log.Info("connected",
		zap.String("probe", s.probe.Info().Label()),
		zap.String("chip", s.chip.Name),
		zap.String("protocol", s.probe.Protocol().String()))
	return nil
}

// Probe returns the underlying probe. The session keeps ownership.
func (s *Session) Probe() probe.DebugProbe { return s.probe }

// Family returns the target family description.
func (s *Session) Family() *target.Family { return s.family }

// Chip returns the connected chip description.
func (s *Session) Chip() *target.Chip { return s.chip }

// Interface returns the DAP interface, or nil for probes that expose
// target memory directly.
func (s *Session) Interface() *dap.Interface { return s.iface }

// Core hands out the named core, building its controller on first use. An
// empty name selects the chip's first core. The handle is exclusive: a
// second Core call for the same name fails until Release returns it.
func (s *Session) Core(name string) (core.Core, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session: closed")
	}
	desc, err := s.descriptor(name)
	if err != nil {
		return nil, err
	}
	if s.leased[desc.Name] {
		return nil, fmt.Errorf("session: core %q is already in use", desc.Name)
	}
	c, ok := s.cores[desc.Name]
	if !ok {
		c, err = s.buildCore(desc)
		if err != nil {
			return nil, err
		}
		if err := s.reset.OnConnect(c); err != nil {
			return nil, fmt.Errorf("session: reset sequence: %w", err)
		}
		if s.resetHeld {
			// Debug logic is armed now. Let go of the line and
			// catch the core as it comes out of reset.
			if err := s.probe.TargetReset(false); err != nil {
				return nil, fmt.Errorf("session: release reset: %w", err)
			}
			s.resetHeld = false
			if _, err := c.Halt(s.opts.HaltTimeout); err != nil {
				return nil, err
			}
		}
		s.cores[desc.Name] = c
	}
	s.leased[desc.Name] = true
	return c, nil
}

// Release returns a core handle obtained from Core.
func (s *Session) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, err := s.descriptor(name)
	if err != nil {
		return
	}
	delete(s.leased, desc.Name)
}

func (s *Session) descriptor(name string) (*target.CoreDescriptor, error) {
	if name == "" {
		return &s.chip.Cores[0], nil
	}
	return s.chip.Core(name)
}

func (s *Session) buildCore(desc *target.CoreDescriptor) (core.Core, error) {
	switch desc.Kind {
	case core.Armv6M, core.Armv7M, core.Armv7EM, core.Armv8M:
		mem, err := s.memory(desc.ApIndex)
		if err != nil {
			return nil, err
		}
		cfg := armm.Config{Kind: desc.Kind}
		// DebugBase names the ROM table root, not a peripheral; the FPB sits
		// behind one of its entries.
		if base := uint64(desc.DebugBase); base != 0 {
			if root, err := coresight.Discover(mem, base); err == nil {
				if fpb, ok := root.Map()[coresight.PeripheralFPB]; ok {
					cfg.FpbBase = fpb
				}
			}
		}
		return armm.New(mem, cfg)
	case core.Armv7A, core.Armv8A:
		mem, err := s.memory(desc.ApIndex)
		if err != nil {
			return nil, err
		}
		return arma.New(mem, arma.Config{
			DebugBase: uint64(desc.DebugBase),
			CtiBase:   uint64(desc.CtiBase),
		})
	case core.Riscv:
		dtm, err := s.dtm()
		if err != nil {
			return nil, err
		}
		return riscv.New(dtm)
	case core.Xtensa:
		jtag, ok := s.probe.Jtag()
		if !ok {
			return nil, fmt.Errorf("session: %s requires a JTAG probe, %s has none", desc.Kind, s.probe.Info().Kind)
		}
		xdm, err := xtensa.NewXdm(jtag)
		if err != nil {
			return nil, err
		}
		return xtensa.New(xdm, xtensa.Config{})
	default:
		return nil, fmt.Errorf("session: unsupported core kind %q", desc.Kind)
	}
}

// memory builds the memory view behind the given AP. Probes without raw
// DAP access must expose target memory themselves, like the ICDI firmware
// does.
func (s *Session) memory(apIndex uint8) (dap.Memory, error) {
	if s.iface != nil {
		return dap.NewMemoryAP(s.iface, s.apAddress(apIndex))
	}
	if dm, ok := s.probe.(interface{ Memory() dap.Memory }); ok {
		if m := dm.Memory(); m != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("session: probe %s offers no path to target memory", s.probe.Info().Kind)
}

func (s *Session) apAddress(apIndex uint8) dap.ApAddress {
	addr := dap.V5(apIndex)
	addr.Dp = s.opts.Dp
	addr.Version = s.opts.DapVersion
	if s.opts.DapVersion == dap.ADIv6 {
		// ADIv6 APs live at 4 KiB-aligned offsets in the DP address
		// space; descriptors store the offset in units of 4 KiB.
		addr.V6Path = []uint64{uint64(apIndex) << 12}
	}
	return addr
}

// dtm finds the debug transport module for RISC-V cores: probes like the
// WCH-Link speak DMI natively, everything else goes through the standard
// JTAG DTM.
func (s *Session) dtm() (riscv.Dtm, error) {
	if dtm, ok := s.probe.(riscv.Dtm); ok {
		return dtm, nil
	}
	if jtag, ok := s.probe.Jtag(); ok {
		return riscv.NewJtagDtm(jtag)
	}
	return nil, fmt.Errorf("session: probe %s offers no debug transport module", s.probe.Info().Kind)
}

// Discover walks the CoreSight ROM tables reachable from the first core's
// AP and returns the component tree.
func (s *Session) Discover() (coresight.Component, error) {
	if s.iface == nil {
		return coresight.Component{}, fmt.Errorf("session: probe %s has no DAP access", s.probe.Info().Kind)
	}
	desc := &s.chip.Cores[0]
	ap := s.apAddress(desc.ApIndex)
	mem, err := dap.NewMemoryAP(s.iface, ap)
	if err != nil {
		return coresight.Component{}, err
	}
	base := uint64(desc.DebugBase)
	if base == 0 {
		v, err := s.iface.ReadApRegister(ap, dap.MemApBase)
		if err != nil {
			return coresight.Component{}, err
		}
		if v == 0xFFFFFFFF || v&0x2 == 0 {
			return coresight.Component{}, fmt.Errorf("session: AP%d has no debug base register", desc.ApIndex)
		}
		base = uint64(v &^ uint32(0xFFF))
	}
	return coresight.Discover(mem, base)
}

// Loader prepares a flash loader bound to the chip's first core. The core
// stays leased to the loader until the session is closed.
func (s *Session) Loader(opts flash.Options) (*flash.Loader, error) {
	c, err := s.Core("")
	if err != nil {
		return nil, err
	}
	return flash.NewLoader(s.family, s.chip, c, opts), nil
}

// Close releases the probe. It is idempotent; only the first call performs
// the detach and reports its outcome.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.resetHeld {
		// Do not leave the target wedged in reset.
		if err := s.probe.TargetReset(false); err != nil {
			s.log.Warn("releasing reset on close", zap.Error(err))
		}
		s.resetHeld = false
	}
	if s.iface != nil {
		if err := s.iface.Flush(); err != nil {
			s.log.Debug("flush on close", zap.Error(err))
		}
	}
	return s.probe.Detach()
}
