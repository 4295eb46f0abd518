package tap

import "fmt"

// Step is one TCK cycle of a planned scan: the TMS and TDI levels to drive
// and whether TDO must be captured on this cycle.
type Step struct {
	TMS     bool
	TDI     bool
	Capture bool
}

// Bit extracts bit i from a little-endian packed bit buffer.
func Bit(buf []byte, i int) bool {
	return buf[i/8]&(1<<(i%8)) != 0
}

// SetBit sets bit i in a little-endian packed bit buffer.
func SetBit(buf []byte, i int, v bool) {
	if v {
		buf[i/8] |= 1 << (i % 8)
	} else {
		buf[i/8] &^= 1 << (i % 8)
	}
}

// BytesForBits returns the buffer length needed to hold n packed bits.
func BytesForBits(n int) int {
	return (n + 7) / 8
}

// planShift emits the steps for shifting n bits through the selected scan
// chain. The last bit is clocked with TMS=1 so the controller leaves the
// shift state through Exit1.
func (m *StateMachine) planShift(shiftState State, tdi []byte, bits int, capture bool) ([]Step, error) {
	if bits <= 0 {
		return nil, fmt.Errorf("tap: bits must be positive, got %d", bits)
	}
	if len(tdi) < BytesForBits(bits) {
		return nil, fmt.Errorf("tap: tdi buffer too short, need %d bytes", BytesForBits(bits))
	}

	var steps []Step
	for _, tms := range m.GoTo(shiftState) {
		steps = append(steps, Step{TMS: tms})
	}
	for i := 0; i < bits; i++ {
		last := i == bits-1
		steps = append(steps, Step{
			TMS:     last,
			TDI:     Bit(tdi, i),
			Capture: capture,
		})
		m.Clock(last)
	}
	// Exit1 -> Update -> Run-Test/Idle.
	for _, tms := range m.GoTo(StateRunTestIdle) {
		steps = append(steps, Step{TMS: tms})
	}
	return steps, nil
}

// ShiftDR plans a data-register shift of the given bit count followed by the
// requested number of Run-Test/Idle cycles.
func (m *StateMachine) ShiftDR(tdi []byte, bits int, capture bool, idleCycles int) ([]Step, error) {
	steps, err := m.planShift(StateShiftDR, tdi, bits, capture)
	if err != nil {
		return nil, err
	}
	for i := 0; i < idleCycles; i++ {
		steps = append(steps, Step{})
	}
	return steps, nil
}

// ShiftIR plans an instruction-register shift.
func (m *StateMachine) ShiftIR(tdi []byte, bits int, capture bool) ([]Step, error) {
	return m.planShift(StateShiftIR, tdi, bits, capture)
}
