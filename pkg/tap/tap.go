package tap

import (
	"fmt"
)

// State represents one of the 16 defined IEEE 1149.1 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	numStates = 16
)

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle", "SelectDRScan", "CaptureDR",
	"ShiftDR", "Exit1DR", "PauseDR", "Exit2DR", "UpdateDR",
	"SelectIRScan", "CaptureIR", "ShiftIR", "Exit1IR", "PauseIR",
	"Exit2IR", "UpdateIR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// transitions[s][0] is the state after clocking TCK with TMS=0, [s][1] with
// TMS=1.
var transitions = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the next TAP state after clocking TCK with the provided
// TMS value.
func NextState(current State, tms bool) State {
	if current >= numStates {
		panic(fmt.Sprintf("tap: unhandled state %d", current))
	}
	if tms {
		return transitions[current][1]
	}
	return transitions[current][0]
}

// paths holds the shortest TMS sequence between every pair of states,
// computed once at init by breadth-first search over the state diagram.
var paths [numStates][numStates][]bool

func init() {
	for from := State(0); from < numStates; from++ {
		type node struct {
			state State
			tms   []bool
		}
		queue := []node{{state: from}}
		var visited [numStates]bool
		visited[from] = true
		paths[from][from] = []bool{}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, bit := range []bool{false, true} {
				next := NextState(cur.state, bit)
				if visited[next] {
					continue
				}
				visited[next] = true
				seq := append(append([]bool{}, cur.tms...), bit)
				paths[from][next] = seq
				queue = append(queue, node{state: next, tms: seq})
			}
		}
	}
}

// Path returns the shortest TMS sequence that moves the TAP controller from
// one state to another. The returned slice must not be modified.
func Path(from, to State) []bool {
	return paths[from][to]
}

// StateMachine tracks the TAP controller state locally. It performs no I/O;
// it produces the TMS bit sequences a hardware adapter must clock out.
type StateMachine struct {
	state State
}

// NewStateMachine creates a TAP state machine initialized to Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

// State reports the current TAP state tracked by the machine.
func (m *StateMachine) State() State {
	return m.state
}

// SetState forces the tracked state, for use after an out-of-band sequence
// (such as a line reset) whose effect on the controller is known.
func (m *StateMachine) SetState(s State) {
	m.state = s
}

// Clock advances the machine one TCK cycle with the provided TMS bit and
// returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Reset returns the IEEE-recommended five TMS=1 cycles and moves the tracked
// state to Test-Logic-Reset.
func (m *StateMachine) Reset() []bool {
	seq := make([]bool, 5)
	for i := range seq {
		seq[i] = true
		m.Clock(true)
	}
	return seq
}

// GoTo computes the minimal TMS sequence needed to reach the target state and
// updates the machine as a side effect.
func (m *StateMachine) GoTo(target State) []bool {
	seq := Path(m.state, target)
	m.state = target
	return seq
}
