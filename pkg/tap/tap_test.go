package tap

import "testing"

func tmsString(seq []bool) string {
	out := make([]byte, len(seq))
	for i, b := range seq {
		out[i] = '0'
		if b {
			out[i] = '1'
		}
	}
	return string(out)
}

func TestNextStateTable(t *testing.T) {
	tests := []struct {
		from State
		tms  bool
		want State
	}{
		{StateTestLogicReset, true, StateTestLogicReset},
		{StateTestLogicReset, false, StateRunTestIdle},
		{StateRunTestIdle, false, StateRunTestIdle},
		{StateRunTestIdle, true, StateSelectDRScan},
		{StateShiftDR, false, StateShiftDR},
		{StateShiftDR, true, StateExit1DR},
		{StateExit1DR, true, StateUpdateDR},
		{StateExit2DR, false, StateShiftDR},
		{StateSelectIRScan, true, StateTestLogicReset},
		{StatePauseIR, true, StateExit2IR},
		{StateUpdateIR, false, StateRunTestIdle},
	}
	for _, tt := range tests {
		if got := NextState(tt.from, tt.tms); got != tt.want {
			t.Errorf("NextState(%s, %v) = %s, want %s", tt.from, tt.tms, got, tt.want)
		}
	}
}

func TestShortestPaths(t *testing.T) {
	tests := []struct {
		from, to State
		want     string
	}{
		{StateRunTestIdle, StateShiftDR, "100"},
		{StateRunTestIdle, StateShiftIR, "1100"},
		{StateShiftDR, StateRunTestIdle, "110"},
		{StateShiftIR, StateRunTestIdle, "110"},
		{StateTestLogicReset, StateShiftDR, "0100"},
		{StateRunTestIdle, StateRunTestIdle, ""},
		{StateShiftDR, StateShiftIR, "111100"},
		{StatePauseDR, StateShiftDR, "10"},
	}
	for _, tt := range tests {
		if got := tmsString(Path(tt.from, tt.to)); got != tt.want {
			t.Errorf("Path(%s, %s) = %q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPathsReachEveryState(t *testing.T) {
	for from := State(0); from < numStates; from++ {
		for to := State(0); to < numStates; to++ {
			seq := Path(from, to)
			if from != to && len(seq) == 0 {
				t.Fatalf("no path from %s to %s", from, to)
			}
			s := from
			for _, tms := range seq {
				s = NextState(s, tms)
			}
			if s != to {
				t.Errorf("path %s -> %s lands on %s", from, to, s)
			}
		}
	}
}

func TestResetSequence(t *testing.T) {
	m := NewStateMachine()
	m.SetState(StateShiftDR)
	seq := m.Reset()
	if got := tmsString(seq); got != "11111" {
		t.Fatalf("Reset = %q, want 11111", got)
	}
	if m.State() != StateTestLogicReset {
		t.Fatalf("state after reset = %s", m.State())
	}
}

func TestShiftDRPlan(t *testing.T) {
	m := NewStateMachine()
	m.SetState(StateRunTestIdle)
	steps, err := m.ShiftDR([]byte{0b101}, 3, true, 0)
	if err != nil {
		t.Fatalf("ShiftDR: %v", err)
	}
	// Idle -> Select-DR -> Capture-DR -> Shift-DR, three data bits with
	// TMS=1 on the last, then Exit1 -> Update -> Idle.
	want := []Step{
		{TMS: true}, {}, {},
		{TDI: true, Capture: true},
		{TDI: false, Capture: true},
		{TMS: true, TDI: true, Capture: true},
		{TMS: true}, {},
	}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(steps), len(want))
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %+v, want %+v", i, steps[i], want[i])
		}
	}
	if m.State() != StateRunTestIdle {
		t.Fatalf("state after shift = %s", m.State())
	}
}

func TestShiftDRIdleCycles(t *testing.T) {
	m := NewStateMachine()
	m.SetState(StateRunTestIdle)
	steps, err := m.ShiftDR([]byte{0xFF}, 8, false, 3)
	if err != nil {
		t.Fatalf("ShiftDR: %v", err)
	}
	for _, s := range steps[len(steps)-3:] {
		if s.TMS || s.TDI || s.Capture {
			t.Fatalf("idle step %+v, want all-zero", s)
		}
	}
	if m.State() != StateRunTestIdle {
		t.Fatalf("state = %s", m.State())
	}
}

func TestShiftIRPlan(t *testing.T) {
	m := NewStateMachine()
	m.SetState(StateRunTestIdle)
	steps, err := m.ShiftIR([]byte{0x0E}, 4, false)
	if err != nil {
		t.Fatalf("ShiftIR: %v", err)
	}
	// The IR path takes one more select cycle than the DR path.
	head := steps[:4]
	want := []Step{{TMS: true}, {TMS: true}, {}, {}}
	for i := range want {
		if head[i] != want[i] {
			t.Fatalf("step %d = %+v, want %+v", i, head[i], want[i])
		}
	}
	data := steps[4:8]
	if !data[3].TMS {
		t.Fatal("last data bit must leave via Exit1")
	}
}

func TestShiftErrors(t *testing.T) {
	m := NewStateMachine()
	if _, err := m.ShiftDR(nil, 0, false, 0); err == nil {
		t.Fatal("zero bits must fail")
	}
	if _, err := m.ShiftDR([]byte{0}, 9, false, 0); err == nil {
		t.Fatal("short buffer must fail")
	}
}

func TestBitHelpers(t *testing.T) {
	buf := make([]byte, BytesForBits(10))
	if len(buf) != 2 {
		t.Fatalf("BytesForBits(10) = %d", len(buf))
	}
	SetBit(buf, 9, true)
	if !Bit(buf, 9) || Bit(buf, 8) {
		t.Fatalf("bit ops wrong: % x", buf)
	}
	SetBit(buf, 9, false)
	if Bit(buf, 9) {
		t.Fatal("clear failed")
	}
}
