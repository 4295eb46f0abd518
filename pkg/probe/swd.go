package probe

import (
	"math/bits"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
)

// SWD acknowledge codes, LSB-first on the wire.
const (
	swdAckOK    = 0b001
	swdAckWait  = 0b010
	swdAckFault = 0b100
)

// swdWaitRetries bounds back-to-back WAIT acknowledges before giving up.
const swdWaitRetries = 8

// jtagToSwdMagic is the 16-bit selection sequence from the ARM debug
// interface spec, clocked out LSB first between two line resets.
const jtagToSwdMagic = 0xE79E

// SwdBitIO is the line-level SWD surface of a bit-banging driver. One call
// clocks len(dir) cycles: where dir[i] is true the host drives swdio[i],
// where false the host samples SWDIO and the sampled level appears at the
// same index of the returned slice (undriven cycles report false).
type SwdBitIO interface {
	SwdIO(dir, swdio []bool) ([]bool, error)
}

// SwdScheduler turns raw SWD line I/O into AP/DP register transactions: it
// frames requests, checks acknowledges and parity, retries WAIT with sticky
// clears, and surfaces FAULT with the CTRL/STAT context. It implements
// RawDapAccess for any driver providing SwdBitIO.
type SwdScheduler struct {
	io  SwdBitIO
	dp  DpAddress
	log *zap.Logger
}

// NewSwdScheduler wraps the given line I/O.
func NewSwdScheduler(io SwdBitIO) *SwdScheduler {
	return &SwdScheduler{io: io, log: logging.Named("probe.swd")}
}

// LineReset drives more than 50 clocks with SWDIO high followed by idle
// cycles, leaving the DP in the reset line state.
func (s *SwdScheduler) LineReset() error {
	var dir, swdio []bool
	appendBits(&dir, &swdio, true, 51)
	appendBits(&dir, &swdio, false, 8)
	_, err := s.io.SwdIO(dir, swdio)
	return err
}

// SwitchToSwd performs the JTAG-to-SWD switch: line reset, the 0xE79E magic,
// a second line reset, and at least four idle cycles.
func (s *SwdScheduler) SwitchToSwd() error {
	var swdio []bool
	appendBits(nil, &swdio, true, 51)
	for i := 0; i < 16; i++ {
		swdio = append(swdio, jtagToSwdMagic&(1<<i) != 0)
	}
	appendBits(nil, &swdio, true, 51)
	appendBits(nil, &swdio, false, 8)

	dir := make([]bool, len(swdio))
	for i := range dir {
		dir[i] = true
	}
	if _, err := s.io.SwdIO(dir, swdio); err != nil {
		return err
	}
	if s.dp.Multidrop {
		return s.writeTargetSel()
	}
	return nil
}

// SelectDp records the DP to address. For a multidrop bus every following
// transaction is preceded by a TARGETSEL write after line reset.
func (s *SwdScheduler) SelectDp(dp DpAddress) error {
	if s.dp == dp {
		return nil
	}
	s.dp = dp
	if !dp.Multidrop {
		return nil
	}
	if err := s.LineReset(); err != nil {
		return err
	}
	return s.writeTargetSel()
}

// writeTargetSel writes the 32-bit target-select value to the TARGETSEL DP
// register. The target does not drive an acknowledge for this write, so the
// ACK cycles are ignored.
func (s *SwdScheduler) writeTargetSel() error {
	req := requestByte(PortDP, 0xC, false)
	var dir, swdio []bool
	pushByte(&dir, &swdio, req, true)
	// Turnaround, undriven ACK, turnaround.
	for i := 0; i < 5; i++ {
		dir = append(dir, false)
		swdio = append(swdio, false)
	}
	pushWord(&dir, &swdio, s.dp.TargetSel)
	appendBits(&dir, &swdio, false, 8)
	_, err := s.io.SwdIO(dir, swdio)
	return err
}

// RawReadRegister reads one AP/DP register. AP reads on a SW-DP are
// posted: the data phase of the transaction carries the result of the
// previous AP read, so the value is drained through RDBUFF.
func (s *SwdScheduler) RawReadRegister(addr RegisterAddress) (uint32, error) {
	if addr.Port == PortAP {
		if _, err := s.read(addr); err != nil {
			return 0, err
		}
		return s.read(rdbuffAddr)
	}
	return s.read(addr)
}

// read performs one read transaction under the WAIT retry policy.
func (s *SwdScheduler) read(addr RegisterAddress) (uint32, error) {
	var value uint32
	err := s.withRetries(func() (uint8, error) {
		ack, word, err := s.readOnce(addr)
		value = word
		return ack, err
	})
	return value, err
}

// RawWriteRegister writes one AP/DP register.
func (s *SwdScheduler) RawWriteRegister(addr RegisterAddress, value uint32) error {
	return s.withRetries(func() (uint8, error) {
		return s.writeOnce(addr, value)
	})
}

// RawReadBlock reads the same register repeatedly in issue order. For an
// AP register the reads pipeline: one priming transaction, then each scan
// returns the previous result, with the last word drained through RDBUFF.
func (s *SwdScheduler) RawReadBlock(addr RegisterAddress, out []uint32) error {
	if len(out) == 0 {
		return nil
	}
	if addr.Port != PortAP {
		for i := range out {
			word, err := s.read(addr)
			if err != nil {
				return err
			}
			out[i] = word
		}
		return nil
	}
	if _, err := s.read(addr); err != nil {
		return err
	}
	for i := 0; i < len(out)-1; i++ {
		word, err := s.read(addr)
		if err != nil {
			return err
		}
		out[i] = word
	}
	word, err := s.read(rdbuffAddr)
	if err != nil {
		return err
	}
	out[len(out)-1] = word
	return nil
}

// RawWriteBlock writes the same register repeatedly in issue order.
func (s *SwdScheduler) RawWriteBlock(addr RegisterAddress, values []uint32) error {
	for _, v := range values {
		if err := s.RawWriteRegister(addr, v); err != nil {
			return err
		}
	}
	return nil
}

// RawFlush is a no-op: SWD transactions complete synchronously.
func (s *SwdScheduler) RawFlush() error {
	return nil
}

// withRetries runs one transaction attempt, clearing sticky overrun and
// retrying on WAIT, and converting FAULT into a FaultError carrying
// CTRL/STAT.
func (s *SwdScheduler) withRetries(attempt func() (uint8, error)) error {
	for try := 0; try <= swdWaitRetries; try++ {
		ack, err := attempt()
		if err != nil {
			return err
		}
		switch ack {
		case swdAckOK:
			return nil
		case swdAckWait:
			s.log.Debug("WAIT ack, clearing sticky overrun", zap.Int("try", try))
			if err := s.clearSticky(abortOrunErrClr); err != nil {
				return err
			}
			continue
		case swdAckFault:
			ctrlStat, _ := s.readCtrlStatRaw()
			if err := s.clearSticky(abortAllClr); err != nil {
				return err
			}
			return &FaultError{CtrlStat: ctrlStat}
		default:
			// Protocol error: line not driven. Often a missing target.
			return &ProtocolError{Op: "transfer", Msg: "no valid SWD acknowledge"}
		}
	}
	if err := s.clearSticky(abortAllClr); err != nil {
		return err
	}
	return &WaitError{Retries: swdWaitRetries}
}

// ABORT register bits.
const (
	abortOrunErrClr = 1 << 4
	abortAllClr     = 0x1E // ORUNERRCLR | WDERRCLR | STKERRCLR | STKCMPCLR
)

// clearSticky writes the DP ABORT register without the retry wrapper.
func (s *SwdScheduler) clearSticky(value uint32) error {
	ack, err := s.writeOnce(RegisterAddress{Port: PortDP, Reg: 0x0}, value)
	if err != nil {
		return err
	}
	if ack != swdAckOK {
		return &ProtocolError{Op: "abort", Msg: "ABORT write not acknowledged"}
	}
	return nil
}

// readCtrlStatRaw reads DP CTRL/STAT once, for fault context only.
func (s *SwdScheduler) readCtrlStatRaw() (uint32, error) {
	ack, word, err := s.readOnce(RegisterAddress{Port: PortDP, Reg: 0x4})
	if err != nil || ack != swdAckOK {
		return 0, err
	}
	return word, nil
}

// readOnce performs one read transaction and returns the acknowledge and,
// when acknowledged OK, the data word.
func (s *SwdScheduler) readOnce(addr RegisterAddress) (uint8, uint32, error) {
	req := requestByte(addr.Port, addr.Reg, true)

	var dir, swdio []bool
	pushByte(&dir, &swdio, req, true)
	// Turnaround + 3 ACK bits + 32 data + parity, all sampled.
	ackStart := len(dir) + 1
	dataStart := ackStart + 3
	for i := 0; i < 1+3+33; i++ {
		dir = append(dir, false)
		swdio = append(swdio, false)
	}
	// Trailing turnaround plus idle cycles driven low.
	appendBits(&dir, &swdio, false, 9)

	sampled, err := s.io.SwdIO(dir, swdio)
	if err != nil {
		return 0, 0, err
	}
	ack := packAck(sampled[ackStart : ackStart+3])
	if ack != swdAckOK {
		return ack, 0, nil
	}
	var word uint32
	for i := 0; i < 32; i++ {
		if sampled[dataStart+i] {
			word |= 1 << i
		}
	}
	parity := sampled[dataStart+32]
	if parity != (bits.OnesCount32(word)%2 == 1) {
		return ack, 0, &ProtocolError{Op: "read", Msg: "data parity mismatch"}
	}
	return ack, word, nil
}

// writeOnce performs one write transaction and returns the acknowledge.
func (s *SwdScheduler) writeOnce(addr RegisterAddress, value uint32) (uint8, error) {
	req := requestByte(addr.Port, addr.Reg, false)

	var dir, swdio []bool
	pushByte(&dir, &swdio, req, true)
	// Turnaround + 3 sampled ACK bits + turnaround.
	ackStart := len(dir) + 1
	for i := 0; i < 1+3+1; i++ {
		dir = append(dir, false)
		swdio = append(swdio, false)
	}
	pushWord(&dir, &swdio, value)
	dir = append(dir, true)
	swdio = append(swdio, bits.OnesCount32(value)%2 == 1)
	appendBits(&dir, &swdio, false, 8)

	sampled, err := s.io.SwdIO(dir, swdio)
	if err != nil {
		return 0, err
	}
	return packAck(sampled[ackStart : ackStart+3]), nil
}

// requestByte frames the 8-bit request: start, APnDP, RnW, A[2:3], parity,
// stop, park.
func requestByte(port PortKind, reg uint8, read bool) uint8 {
	var b uint8 = 1 // start
	if port == PortAP {
		b |= 1 << 1
	}
	if read {
		b |= 1 << 2
	}
	a := (reg >> 2) & 0x3
	b |= a << 3
	parity := bits.OnesCount8(b>>1) % 2
	if parity == 1 {
		b |= 1 << 5
	}
	// stop is 0, park is 1
	b |= 1 << 7
	return b
}

func packAck(ack []bool) uint8 {
	var v uint8
	for i, bit := range ack {
		if bit {
			v |= 1 << i
		}
	}
	return v
}

func pushByte(dir, swdio *[]bool, b uint8, drive bool) {
	for i := 0; i < 8; i++ {
		*dir = append(*dir, drive)
		*swdio = append(*swdio, b&(1<<i) != 0)
	}
}

func pushWord(dir, swdio *[]bool, w uint32) {
	for i := 0; i < 32; i++ {
		*dir = append(*dir, true)
		*swdio = append(*swdio, w&(1<<i) != 0)
	}
}

func appendBits(dir, swdio *[]bool, level bool, n int) {
	for i := 0; i < n; i++ {
		if dir != nil {
			*dir = append(*dir, true)
		}
		*swdio = append(*swdio, level)
	}
}
