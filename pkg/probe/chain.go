package probe

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// BitIO is the minimal bit-level JTAG surface a driver must provide for the
// chain scheduler to run on top of it.
type BitIO interface {
	JtagIO(steps []tap.Step) ([]bool, error)
}

// ChainScheduler implements the scan-chain half of JtagAccess on top of raw
// bit I/O: TAP state tracking, BYPASS padding for inactive devices, and
// Run-Test/Idle cycles after DR updates.
//
// Chain position 0 is the device closest to TDO. For the addressed device,
// TapIndex devices sit between it and TDO; their bypass registers delay the
// captured data by one bit each.
type ChainScheduler struct {
	io    BitIO
	sm    *tap.StateMachine
	chain ChainParams
	idle  uint8
}

// NewChainScheduler wraps the given bit I/O. Until ConfigureChain is called
// the chain is assumed to hold a single TAP with a 4-bit IR.
func NewChainScheduler(io BitIO) *ChainScheduler {
	return &ChainScheduler{
		io:    io,
		sm:    tap.NewStateMachine(),
		chain: ChainParams{IRLengths: []uint8{4}},
	}
}

// State exposes the tracked TAP state, mainly for tests.
func (s *ChainScheduler) State() tap.State {
	return s.sm.State()
}

// TapReset forces Test-Logic-Reset with five TMS=1 clocks and one TMS=0
// clock into Run-Test/Idle.
func (s *ChainScheduler) TapReset() error {
	var steps []tap.Step
	for _, tms := range s.sm.Reset() {
		steps = append(steps, tap.Step{TMS: tms})
	}
	steps = append(steps, tap.Step{})
	s.sm.Clock(false)
	_, err := s.io.JtagIO(steps)
	return err
}

// ConfigureChain installs the scan-chain layout.
func (s *ChainScheduler) ConfigureChain(p ChainParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.chain = ChainParams{
		IRLengths: append([]uint8(nil), p.IRLengths...),
		TapIndex:  p.TapIndex,
	}
	return nil
}

// IdleCycles reports the Run-Test/Idle cycles appended after DR updates.
func (s *ChainScheduler) IdleCycles() uint8 {
	return s.idle
}

// SetIdleCycles adjusts the idle-cycle count.
func (s *ChainScheduler) SetIdleCycles(n uint8) {
	s.idle = n
}

// prePostBits returns the bypass bit counts surrounding the DR payload for
// the addressed device.
func (s *ChainScheduler) prePostBits() (pre, post int) {
	return s.chain.TapIndex, len(s.chain.IRLengths) - 1 - s.chain.TapIndex
}

// WriteIR loads ir into the addressed TAP and BYPASS (all ones) into every
// other device on the chain.
func (s *ChainScheduler) WriteIR(ir uint32, bits int) error {
	if bits <= 0 || bits > 32 {
		return fmt.Errorf("probe: IR length %d out of range", bits)
	}
	if want := int(s.chain.IRLengths[s.chain.TapIndex]); bits != want {
		return fmt.Errorf("probe: IR is %d bits, got %d", want, bits)
	}

	total := s.chain.Total()
	buf := make([]byte, tap.BytesForBits(total))
	// All ones: every inactive device gets BYPASS.
	for i := range buf {
		buf[i] = 0xFF
	}
	// Devices closer to TDO shift out first, so their IR bits occupy the
	// low end of the packed buffer.
	offset := 0
	for dev := 0; dev < s.chain.TapIndex; dev++ {
		offset += int(s.chain.IRLengths[dev])
	}
	for i := 0; i < bits; i++ {
		tap.SetBit(buf, offset+i, ir&(1<<i) != 0)
	}

	steps, err := s.sm.ShiftIR(buf, total, false)
	if err != nil {
		return err
	}
	_, err = s.io.JtagIO(steps)
	return err
}

// TransferDR shifts bits through the addressed TAP's DR, padding bypassed
// devices, and returns the captured payload when capture is set.
func (s *ChainScheduler) TransferDR(tdi []byte, bits int, capture bool) ([]byte, error) {
	if bits <= 0 {
		return nil, fmt.Errorf("probe: DR length must be positive, got %d", bits)
	}
	if len(tdi) < tap.BytesForBits(bits) {
		return nil, fmt.Errorf("probe: tdi buffer too short for %d bits", bits)
	}

	pre, post := s.prePostBits()
	total := pre + bits + post
	buf := make([]byte, tap.BytesForBits(total))
	for i := 0; i < bits; i++ {
		tap.SetBit(buf, pre+i, tap.Bit(tdi, i))
	}

	steps, err := s.sm.ShiftDR(buf, total, capture, int(s.idle))
	if err != nil {
		return nil, err
	}
	captured, err := s.io.JtagIO(steps)
	if err != nil {
		return nil, err
	}
	if !capture {
		return nil, nil
	}
	if len(captured) < pre+bits {
		return nil, &ProtocolError{Op: "TransferDR", Msg: fmt.Sprintf("captured %d bits, want %d", len(captured), pre+bits)}
	}
	out := make([]byte, tap.BytesForBits(bits))
	for i := 0; i < bits; i++ {
		tap.SetBit(out, i, captured[pre+i])
	}
	return out, nil
}

// ScanIDCodes resets the chain and shifts out the IDCODE register every TAP
// loads in Test-Logic-Reset. Devices without an IDCODE present a single
// bypass zero bit. maxDevices bounds the scan.
func (s *ChainScheduler) ScanIDCodes(maxDevices int) ([]uint32, error) {
	if err := s.TapReset(); err != nil {
		return nil, err
	}

	totalBits := maxDevices * 32
	ones := make([]byte, tap.BytesForBits(totalBits))
	for i := range ones {
		ones[i] = 0xFF
	}
	steps, err := s.sm.ShiftDR(ones, totalBits, true, 0)
	if err != nil {
		return nil, err
	}
	bitsOut, err := s.io.JtagIO(steps)
	if err != nil {
		return nil, err
	}

	var ids []uint32
	i := 0
	for i < len(bitsOut) {
		if !bitsOut[i] {
			// Bypass bit: device without IDCODE support.
			ids = append(ids, 0)
			i++
			continue
		}
		if i+32 > len(bitsOut) {
			break
		}
		var id uint32
		for b := 0; b < 32; b++ {
			if bitsOut[i+b] {
				id |= 1 << b
			}
		}
		if id == 0xFFFFFFFF {
			// Fill pattern: nothing more on the chain.
			break
		}
		ids = append(ids, id)
		i += 32
	}
	return ids, nil
}
