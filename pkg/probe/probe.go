package probe

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// WireProtocol selects the physical protocol spoken to the target.
type WireProtocol uint8

const (
	ProtocolSWD WireProtocol = iota
	ProtocolJTAG
)

func (p WireProtocol) String() string {
	switch p {
	case ProtocolSWD:
		return "SWD"
	case ProtocolJTAG:
		return "JTAG"
	}
	return fmt.Sprintf("WireProtocol(%d)", p)
}

// Kind categorizes probe driver families.
type Kind string

const (
	KindCMSISDAP Kind = "cmsis-dap"
	KindSTLink   Kind = "st-link"
	KindJLink    Kind = "j-link"
	KindWCHLink  Kind = "wch-link"
	KindFTDI     Kind = "ftdi"
	KindCH347    Kind = "ch347"
	KindICDI     Kind = "icdi"
	KindGlasgow  Kind = "glasgow"
	KindFake     Kind = "fake"
)

// Info identifies one attached probe.
type Info struct {
	Kind      Kind
	Name      string
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// Label returns a user-facing description of the probe.
func (i Info) Label() string {
	s := fmt.Sprintf("%s (%04x:%04x", i.Name, i.VendorID, i.ProductID)
	if i.Serial != "" {
		s += ":" + i.Serial
	}
	return s + ")"
}

// Selector narrows the set of attached probes. Zero VendorID/ProductID match
// anything; an empty Serial matches any serial.
type Selector struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// Matches reports whether the selector accepts the given probe.
func (s Selector) Matches(info Info) bool {
	if s.VendorID != 0 && s.VendorID != info.VendorID {
		return false
	}
	if s.ProductID != 0 && s.ProductID != info.ProductID {
		return false
	}
	if s.Serial != "" && s.Serial != info.Serial {
		return false
	}
	return true
}

func (s Selector) String() string {
	out := fmt.Sprintf("%04x:%04x", s.VendorID, s.ProductID)
	if s.Serial != "" {
		out += ":" + s.Serial
	}
	return out
}

// DebugProbe is the common surface of every probe driver. A driver
// additionally implements RawDapAccess, JtagAccess, or both; callers obtain
// those capabilities through the accessor methods, which report false when
// the capability is absent.
type DebugProbe interface {
	Info() Info

	// Attach brings the wire protocol up: line reset, protocol switch
	// sequence, and initial DP/TAP discovery as required by the protocol
	// selected beforehand with SelectProtocol.
	Attach() error

	// Detach tears the link down and releases the USB handle. It is
	// idempotent; a second call is a no-op.
	Detach() error

	// SelectProtocol chooses SWD or JTAG. It fails with
	// ErrUnsupportedProtocol when the probe cannot speak the requested
	// protocol, and must be called before Attach.
	SelectProtocol(WireProtocol) error
	Protocol() WireProtocol

	SpeedKHz() int
	SetSpeedKHz(khz int) error

	// TargetReset asserts or releases the dedicated reset line.
	TargetReset(assert bool) error

	// RawDap returns the AP/DP register access capability, if implemented.
	RawDap() (RawDapAccess, bool)

	// Jtag returns the raw JTAG capability, if implemented.
	Jtag() (JtagAccess, bool)
}

// PortKind selects between Debug Port and Access Port register spaces.
type PortKind uint8

const (
	PortDP PortKind = iota
	PortAP
)

func (p PortKind) String() string {
	if p == PortDP {
		return "DP"
	}
	return "AP"
}

// RegisterAddress is the 8-bit AP/DP register address shared by the SWD and
// JTAG wire encodings: a 4-bit bank and a 4-bit register offset.
type RegisterAddress struct {
	Port PortKind
	Bank uint8 // upper 4 bits
	Reg  uint8 // lower 4 bits, always word-aligned (0x0, 0x4, 0x8, 0xC)
}

// A8 returns the combined 8-bit address.
func (r RegisterAddress) A8() uint8 {
	return r.Bank<<4 | r.Reg&0xF
}

func (r RegisterAddress) String() string {
	return fmt.Sprintf("%s[%#02x]", r.Port, r.A8())
}

// DpAddress distinguishes the default (single-drop) DP from one DP of a
// multidrop SWD bus, addressed by its TARGETSEL value.
type DpAddress struct {
	Multidrop bool
	TargetSel uint32
}

// DefaultDp is the single connected debug port.
var DefaultDp = DpAddress{}

func (d DpAddress) String() string {
	if !d.Multidrop {
		return "DP"
	}
	return fmt.Sprintf("DP[targetsel=%#08x]", d.TargetSel)
}

// RawDapAccess is the probe capability used by the ADI layer: single and
// block AP/DP register transfers with the probe hiding the SWD-versus-JTAG
// wire differences.
type RawDapAccess interface {
	// RawReadRegister reads one AP/DP register.
	RawReadRegister(addr RegisterAddress) (uint32, error)

	// RawWriteRegister writes one AP/DP register.
	RawWriteRegister(addr RegisterAddress, value uint32) error

	// RawReadBlock repeatedly reads the same register (DRW with
	// auto-increment, typically), filling out in issue order.
	RawReadBlock(addr RegisterAddress, out []uint32) error

	// RawWriteBlock repeatedly writes the same register.
	RawWriteBlock(addr RegisterAddress, values []uint32) error

	// RawFlush drains any batched or posted transactions and surfaces
	// their errors.
	RawFlush() error

	// SelectDp directs subsequent transfers at the given DP on a
	// multidrop bus.
	SelectDp(dp DpAddress) error
}

// JtagAccess is the raw JTAG capability: bit-level scan I/O plus scan-chain
// bookkeeping so the chain scheduler can address one TAP among several.
type JtagAccess interface {
	// JtagIO clocks the given steps out in order, as a single batch when
	// the transport supports batching, and returns the TDO bits captured
	// by steps with Capture set, in issue order.
	JtagIO(steps []tap.Step) ([]bool, error)

	// TapReset drives five TMS=1 clocks, forcing Test-Logic-Reset.
	TapReset() error

	// ConfigureChain installs the discovered scan-chain layout.
	ConfigureChain(ChainParams) error

	// IdleCycles reports the Run-Test/Idle cycles inserted after DR
	// updates; SetIdleCycles adjusts it (0..255).
	IdleCycles() uint8
	SetIdleCycles(uint8)

	// WriteIR loads the given instruction into the addressed TAP,
	// programming BYPASS into every other device on the chain.
	WriteIR(ir uint32, bits int) error

	// TransferDR shifts bits through the addressed TAP's data register
	// and returns the captured bits when capture is set.
	TransferDR(tdi []byte, bits int, capture bool) ([]byte, error)
}

// ChainParams describes a discovered JTAG scan chain: the IR length of every
// TAP in chain order and the index of the TAP transactions are aimed at.
type ChainParams struct {
	IRLengths []uint8
	TapIndex  int
}

// Total returns the summed IR length of the chain.
func (c ChainParams) Total() int {
	n := 0
	for _, l := range c.IRLengths {
		n += int(l)
	}
	return n
}

// Validate checks that the target index addresses a device on the chain.
func (c ChainParams) Validate() error {
	if len(c.IRLengths) == 0 {
		return fmt.Errorf("probe: empty scan chain")
	}
	if c.TapIndex < 0 || c.TapIndex >= len(c.IRLengths) {
		return fmt.Errorf("probe: tap index %d outside chain of %d devices", c.TapIndex, len(c.IRLengths))
	}
	return nil
}
