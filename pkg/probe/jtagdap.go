package probe

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// ADIv5 JTAG-DP instruction codes (4-bit IR).
const (
	jtagIRAbort  = 0x8
	jtagIRDpacc  = 0xA
	jtagIRApacc  = 0xB
	jtagIRIdcode = 0xE
	jtagIRBypass = 0xF
)

// JTAG-DP acknowledge codes from the 3 low bits of a DPACC/APACC scan.
const (
	jtagAckWait    = 0b001
	jtagAckOkFault = 0b010
)

const jtagWaitRetries = 8

// JtagDapScheduler provides RawDapAccess over an ADIv5 JTAG-DP reached
// through a scan chain: 35-bit DPACC/APACC scans with read results posted
// one scan behind, drained through RDBUFF.
type JtagDapScheduler struct {
	jtag JtagAccess
	ir   uint32 // currently loaded instruction, 0 when unknown
}

// NewJtagDapScheduler wraps the given JTAG access.
func NewJtagDapScheduler(j JtagAccess) *JtagDapScheduler {
	return &JtagDapScheduler{jtag: j}
}

// selectIR loads the instruction register if it differs from the cached one.
func (s *JtagDapScheduler) selectIR(ir uint32) error {
	if s.ir == ir {
		return nil
	}
	if err := s.jtag.WriteIR(ir, 4); err != nil {
		return err
	}
	s.ir = ir
	return nil
}

// scan performs one 35-bit DPACC/APACC scan. It returns the acknowledge and
// the 32 data bits captured, which belong to the previous posted read.
func (s *JtagDapScheduler) scan(addr RegisterAddress, read bool, value uint32) (uint8, uint32, error) {
	ir := uint32(jtagIRDpacc)
	if addr.Port == PortAP {
		ir = jtagIRApacc
	}
	if err := s.selectIR(ir); err != nil {
		return 0, 0, err
	}

	// DR layout, LSB first: RnW, A[3:2], data[31:0].
	buf := make([]byte, 5)
	if read {
		tap.SetBit(buf, 0, true)
	}
	a := addr.Reg >> 2
	tap.SetBit(buf, 1, a&1 != 0)
	tap.SetBit(buf, 2, a&2 != 0)
	for i := 0; i < 32; i++ {
		tap.SetBit(buf, 3+i, value&(1<<i) != 0)
	}

	out, err := s.jtag.TransferDR(buf, 35, true)
	if err != nil {
		return 0, 0, err
	}
	ack := out[0] & 0x7
	var data uint32
	for i := 0; i < 32; i++ {
		if tap.Bit(out, 3+i) {
			data |= 1 << i
		}
	}
	return ack, data, nil
}

// scanRetry repeats a scan while the DP acknowledges WAIT.
func (s *JtagDapScheduler) scanRetry(addr RegisterAddress, read bool, value uint32) (uint32, error) {
	for try := 0; try <= jtagWaitRetries; try++ {
		ack, data, err := s.scan(addr, read, value)
		if err != nil {
			return 0, err
		}
		switch ack {
		case jtagAckOkFault:
			return data, nil
		case jtagAckWait:
			continue
		default:
			return 0, &ProtocolError{Op: "scan", Msg: "invalid JTAG-DP acknowledge"}
		}
	}
	return 0, &WaitError{Retries: jtagWaitRetries}
}

// ctrlStat is DP CTRL/STAT; stickyErr is its STICKYERR flag.
var ctrlStatAddr = RegisterAddress{Port: PortDP, Reg: 0x4}

const stickyErrBit = 1 << 5

// checkStickyErr reads CTRL/STAT and, when STICKYERR is set, clears it and
// reports a FaultError. The OK/FAULT acknowledge is shared on JTAG, so this
// runs after every logical transaction.
func (s *JtagDapScheduler) checkStickyErr() error {
	if _, err := s.scanRetry(ctrlStatAddr, true, 0); err != nil {
		return err
	}
	ctrlStat, err := s.scanRetry(rdbuffAddr, true, 0)
	if err != nil {
		return err
	}
	if ctrlStat&stickyErrBit == 0 {
		return nil
	}
	// Write-1-to-clear on JTAG-DP.
	if _, err := s.scanRetry(ctrlStatAddr, false, ctrlStat|stickyErrBit); err != nil {
		return err
	}
	return &FaultError{CtrlStat: ctrlStat}
}

var rdbuffAddr = RegisterAddress{Port: PortDP, Reg: 0xC}

// RawReadRegister reads one AP/DP register, draining the posted result
// through RDBUFF.
func (s *JtagDapScheduler) RawReadRegister(addr RegisterAddress) (uint32, error) {
	if _, err := s.scanRetry(addr, true, 0); err != nil {
		return 0, err
	}
	data, err := s.scanRetry(rdbuffAddr, true, 0)
	if err != nil {
		return 0, err
	}
	if addr.Port == PortAP {
		if err := s.checkStickyErr(); err != nil {
			return 0, err
		}
	}
	return data, nil
}

// RawWriteRegister writes one AP/DP register.
func (s *JtagDapScheduler) RawWriteRegister(addr RegisterAddress, value uint32) error {
	if _, err := s.scanRetry(addr, false, value); err != nil {
		return err
	}
	if addr.Port == PortAP {
		return s.checkStickyErr()
	}
	return nil
}

// RawReadBlock pipelines posted reads: each scan returns the data of the
// previous one, and the final word is drained through RDBUFF.
func (s *JtagDapScheduler) RawReadBlock(addr RegisterAddress, out []uint32) error {
	if len(out) == 0 {
		return nil
	}
	if _, err := s.scanRetry(addr, true, 0); err != nil {
		return err
	}
	for i := 0; i < len(out)-1; i++ {
		data, err := s.scanRetry(addr, true, 0)
		if err != nil {
			return err
		}
		out[i] = data
	}
	last, err := s.scanRetry(rdbuffAddr, true, 0)
	if err != nil {
		return err
	}
	out[len(out)-1] = last
	return s.checkStickyErr()
}

// RawWriteBlock pipelines writes back to back.
func (s *JtagDapScheduler) RawWriteBlock(addr RegisterAddress, values []uint32) error {
	for _, v := range values {
		if _, err := s.scanRetry(addr, false, v); err != nil {
			return err
		}
	}
	return s.checkStickyErr()
}

// RawFlush verifies no sticky error is pending.
func (s *JtagDapScheduler) RawFlush() error {
	return s.checkStickyErr()
}

// SelectDp rejects multidrop addressing: it is SWD-only.
func (s *JtagDapScheduler) SelectDp(dp DpAddress) error {
	if dp.Multidrop {
		return &ProtocolError{Op: "select-dp", Msg: "multidrop is not available on JTAG"}
	}
	return nil
}

// InvalidateIR drops the cached instruction, forcing the next scan to reload
// IR. Drivers call this after out-of-band TAP activity.
func (s *JtagDapScheduler) InvalidateIR() {
	s.ir = 0
}
