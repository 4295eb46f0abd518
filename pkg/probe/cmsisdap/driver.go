// Package cmsisdap drives CMSIS-DAP probes, v1 (HID) and v2 (bulk). The
// protocol runs AP/DP transfers inside the probe firmware, so the driver
// implements RawDapAccess natively; raw JTAG scans go through the
// DAP_JTAG_Sequence command.
package cmsisdap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/tap"
)

// Driver is one open CMSIS-DAP probe.
type Driver struct {
	t        transport
	info     probe.Info
	protocol probe.WireProtocol
	speedKHz int
	attached bool
	caps     byte
	dapIndex uint8
	jtag     *jtagPort
	log      *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)
var _ probe.RawDapAccess = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:        t,
		info:     info,
		speedKHz: 1000,
		log:      logging.Named("probe.cmsisdap"),
	}
	caps, err := d.infoByte(infoCapabilities)
	if err != nil {
		t.Close()
		return nil, err
	}
	d.caps = caps
	if caps&capSWD == 0 && caps&capJTAG != 0 {
		d.protocol = probe.ProtocolJTAG
	}
	d.jtag = newJtagPort(d)
	return d, nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// infoByte runs DAP_Info for a single-byte field.
func (d *Driver) infoByte(id byte) (byte, error) {
	resp, err := d.t.Exchange([]byte{cmdInfo, id})
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 || resp[1] == 0 {
		return 0, nil
	}
	return resp[2], nil
}

// infoString runs DAP_Info for a string field.
func (d *Driver) infoString(id byte) (string, error) {
	resp, err := d.t.Exchange([]byte{cmdInfo, id})
	if err != nil {
		return "", err
	}
	if len(resp) < 2 {
		return "", nil
	}
	n := int(resp[1])
	if n == 0 || len(resp) < 2+n {
		return "", nil
	}
	s := resp[2 : 2+n]
	// Trailing NUL is part of the reported length.
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// FirmwareVersion reports the probe's CMSIS-DAP firmware version string.
func (d *Driver) FirmwareVersion() (string, error) {
	return d.infoString(infoFirmware)
}

// SelectProtocol chooses the wire protocol for the next Attach.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	switch p {
	case probe.ProtocolSWD:
		if d.caps&capSWD == 0 {
			return fmt.Errorf("%w: probe has no SWD support", probe.ErrUnsupportedProtocol)
		}
	case probe.ProtocolJTAG:
		if d.caps&capJTAG == 0 {
			return fmt.Errorf("%w: probe has no JTAG support", probe.ErrUnsupportedProtocol)
		}
	default:
		return fmt.Errorf("%w: %s", probe.ErrUnsupportedProtocol, p)
	}
	d.protocol = p
	return nil
}

// Protocol reports the selected wire protocol.
func (d *Driver) Protocol() probe.WireProtocol { return d.protocol }

// SpeedKHz reports the configured wire clock.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz reconfigures the wire clock; the setting takes effect
// immediately when attached.
func (d *Driver) SetSpeedKHz(khz int) error {
	if khz <= 0 {
		return fmt.Errorf("cmsisdap: speed %d kHz out of range", khz)
	}
	d.speedKHz = khz
	if d.attached {
		return d.setClock()
	}
	return nil
}

func (d *Driver) setClock() error {
	var cmd [5]byte
	cmd[0] = cmdSwjClock
	binary.LittleEndian.PutUint32(cmd[1:], uint32(d.speedKHz)*1000)
	return d.execute(cmd[:], "SWJ_Clock")
}

// execute runs a command that answers with a single status byte.
func (d *Driver) execute(cmd []byte, op string) error {
	resp, err := d.t.Exchange(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != dapOK {
		return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: op, Msg: "command rejected"}
	}
	return nil
}

// Attach brings the selected wire protocol up: DAP_Connect, clock and
// transfer configuration, and the SWJ selection sequence.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	port := byte(portSWD)
	if d.protocol == probe.ProtocolJTAG {
		port = portJTAG
	}
	resp, err := d.t.Exchange([]byte{cmdConnect, port})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != port {
		return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "Connect", Msg: fmt.Sprintf("probe refused port %d", port)}
	}
	if err := d.setClock(); err != nil {
		return err
	}
	// Idle cycles 0, 64 WAIT retries in firmware, no match retries.
	if err := d.execute([]byte{cmdTransferConfigure, 0x00, 64, 0, 0, 0}, "TransferConfigure"); err != nil {
		return err
	}
	if d.protocol == probe.ProtocolSWD {
		if err := d.swjSwitchToSWD(); err != nil {
			return err
		}
	} else if err := d.jtag.TapReset(); err != nil {
		return err
	}
	d.attached = true
	d.log.Debug("attached", zap.Stringer("protocol", d.protocol), zap.Int("speed_khz", d.speedKHz))
	return nil
}

// swjSwitchToSWD drives the JTAG-to-SWD selection: line reset, the 0xE79E
// switch sequence, a second line reset, and idle bits.
func (d *Driver) swjSwitchToSWD() error {
	seq := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // 56 ones
		0x9E, 0xE7, // JTAG-to-SWD select
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // 56 ones
		0x00, // idle
	}
	return d.swjSequence(seq, len(seq)*8)
}

// swjSequence clocks raw bits out on SWDIO/TMS.
func (d *Driver) swjSequence(data []byte, bits int) error {
	count := byte(bits)
	if bits >= 256 {
		count = 0
	}
	cmd := append([]byte{cmdSwjSequence, count}, data...)
	return d.execute(cmd, "SWJ_Sequence")
}

// Detach tears the wire down and closes the USB handle.
func (d *Driver) Detach() error {
	if d.t == nil {
		return nil
	}
	if d.attached {
		_ = d.execute([]byte{cmdDisconnect}, "Disconnect")
		d.attached = false
	}
	err := d.t.Close()
	d.t = nil
	return err
}

// TargetReset drives the probe's nRESET pin. assert pulls the line low.
func (d *Driver) TargetReset(assert bool) error {
	var out byte
	if !assert {
		out = pinNReset
	}
	// Select only nRESET, leave SWCLK/SWDIO alone, no wait.
	cmd := []byte{cmdSwjPins, out, pinNReset, 0, 0, 0, 0}
	resp, err := d.t.Exchange(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "SWJ_Pins", Msg: "short response"}
	}
	return nil
}

// RawDap exposes the firmware-side AP/DP transfer engine.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return d, true }

// Jtag exposes raw JTAG scans when the probe supports the JTAG port.
func (d *Driver) Jtag() (probe.JtagAccess, bool) {
	if d.caps&capJTAG == 0 {
		return nil, false
	}
	return d.jtag, true
}

// requestByte builds the DAP_Transfer request byte for one register access.
func requestByte(addr probe.RegisterAddress, read bool) byte {
	req := addr.A8() & 0x0C // A[3:2]
	if addr.Port == probe.PortAP {
		req |= reqApNDp
	}
	if read {
		req |= reqRnW
	}
	return req
}

// checkAck maps a DAP_Transfer response byte to an error.
func (d *Driver) checkAck(op string, response byte) error {
	if response&respProtocolError != 0 {
		return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: op, Msg: "SWD protocol error"}
	}
	switch response & 0x07 {
	case ackOK:
		return nil
	case ackWait:
		return &probe.WaitError{Retries: transferRetries}
	case ackFault:
		return d.faultError(op)
	default:
		return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: op, Msg: fmt.Sprintf("acknowledge %#x", response&0x07)}
	}
}

// faultError reads CTRL/STAT for diagnosis and clears the sticky flags
// through the ABORT register so the next transfer can proceed.
func (d *Driver) faultError(op string) error {
	ctrlStat, _ := d.transferOnce(probe.RegisterAddress{Port: probe.PortDP, Reg: 0x4}, true, 0)
	var abort [6]byte
	abort[0] = cmdWriteAbort
	abort[1] = d.dapIndex
	binary.LittleEndian.PutUint32(abort[2:], 0x1E) // STKERRCLR | WDERRCLR | ORUNERRCLR | STKCMPCLR
	_ = d.execute(abort[:], "WriteABORT")
	d.log.Debug("transfer fault", zap.String("op", op), zap.Uint32("ctrl_stat", ctrlStat))
	return &probe.FaultError{CtrlStat: ctrlStat}
}

// transferOnce runs a single DAP_Transfer without WAIT retry or fault
// recovery, for use inside the fault handler itself.
func (d *Driver) transferOnce(addr probe.RegisterAddress, read bool, value uint32) (uint32, error) {
	cmd := []byte{cmdTransfer, d.dapIndex, 1, requestByte(addr, read)}
	if !read {
		cmd = append(cmd, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(cmd[4:], value)
	}
	resp, err := d.t.Exchange(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 || resp[2]&0x07 != ackOK {
		return 0, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "Transfer", Msg: "single transfer failed"}
	}
	if read {
		if len(resp) < 7 {
			return 0, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "Transfer", Msg: "short read response"}
		}
		return binary.LittleEndian.Uint32(resp[3:]), nil
	}
	return 0, nil
}

// transfer runs one register access with WAIT retry and fault recovery.
func (d *Driver) transfer(addr probe.RegisterAddress, read bool, value uint32) (uint32, error) {
	op := "read " + addr.String()
	if !read {
		op = "write " + addr.String()
	}
	for attempt := 0; ; attempt++ {
		cmd := []byte{cmdTransfer, d.dapIndex, 1, requestByte(addr, read)}
		if !read {
			cmd = append(cmd, 0, 0, 0, 0)
			binary.LittleEndian.PutUint32(cmd[4:], value)
		}
		resp, err := d.t.Exchange(cmd)
		if err != nil {
			return 0, err
		}
		if len(resp) < 3 {
			return 0, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: op, Msg: "short response"}
		}
		err = d.checkAck(op, resp[2])
		if err == nil {
			if read {
				if len(resp) < 7 {
					return 0, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: op, Msg: "short read response"}
				}
				return binary.LittleEndian.Uint32(resp[3:]), nil
			}
			return 0, nil
		}
		var wait *probe.WaitError
		if errors.As(err, &wait) && attempt < transferRetries {
			continue
		}
		return 0, err
	}
}

// RawReadRegister reads one AP/DP register.
func (d *Driver) RawReadRegister(addr probe.RegisterAddress) (uint32, error) {
	return d.transfer(addr, true, 0)
}

// RawWriteRegister writes one AP/DP register.
func (d *Driver) RawWriteRegister(addr probe.RegisterAddress, value uint32) error {
	_, err := d.transfer(addr, false, value)
	return err
}

// blockLimit returns how many words fit in one DAP_TransferBlock packet.
// The response header is 4 bytes, the request header 5.
func (d *Driver) blockLimit() int {
	n := (d.t.PacketSize() - 5) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// RawReadBlock repeatedly reads the same register using DAP_TransferBlock,
// chunked to the probe's packet size.
func (d *Driver) RawReadBlock(addr probe.RegisterAddress, out []uint32) error {
	limit := d.blockLimit()
	for len(out) > 0 {
		n := len(out)
		if n > limit {
			n = limit
		}
		cmd := []byte{cmdTransferBlock, d.dapIndex, 0, 0, requestByte(addr, true)}
		binary.LittleEndian.PutUint16(cmd[2:], uint16(n))
		resp, err := d.t.Exchange(cmd)
		if err != nil {
			return err
		}
		if len(resp) < 4 {
			return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "TransferBlock", Msg: "short response"}
		}
		got := int(binary.LittleEndian.Uint16(resp[1:]))
		if err := d.checkAck("block read "+addr.String(), resp[3]); err != nil {
			return err
		}
		if got != n || len(resp) < 4+4*n {
			return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "TransferBlock", Msg: fmt.Sprintf("read %d of %d words", got, n)}
		}
		for i := 0; i < n; i++ {
			out[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
		}
		out = out[n:]
	}
	return nil
}

// RawWriteBlock repeatedly writes the same register using DAP_TransferBlock.
func (d *Driver) RawWriteBlock(addr probe.RegisterAddress, values []uint32) error {
	limit := d.blockLimit()
	for len(values) > 0 {
		n := len(values)
		if n > limit {
			n = limit
		}
		cmd := make([]byte, 5+4*n)
		cmd[0] = cmdTransferBlock
		cmd[1] = d.dapIndex
		binary.LittleEndian.PutUint16(cmd[2:], uint16(n))
		cmd[4] = requestByte(addr, false)
		for i, v := range values[:n] {
			binary.LittleEndian.PutUint32(cmd[5+4*i:], v)
		}
		resp, err := d.t.Exchange(cmd)
		if err != nil {
			return err
		}
		if len(resp) < 4 {
			return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "TransferBlock", Msg: "short response"}
		}
		if err := d.checkAck("block write "+addr.String(), resp[3]); err != nil {
			return err
		}
		if got := int(binary.LittleEndian.Uint16(resp[1:])); got != n {
			return &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "TransferBlock", Msg: fmt.Sprintf("wrote %d of %d words", got, n)}
		}
		values = values[n:]
	}
	return nil
}

// RawFlush is a no-op: every transfer completes before Exchange returns.
func (d *Driver) RawFlush() error { return nil }

// SelectDp targets one DP of a multidrop SWD bus by writing TARGETSEL
// during a line reset. The TARGETSEL write is never acknowledged, so it
// goes out through DAP_SWD_Sequence instead of a normal transfer.
func (d *Driver) SelectDp(dp probe.DpAddress) error {
	if !dp.Multidrop {
		return nil
	}
	if d.protocol != probe.ProtocolSWD {
		return fmt.Errorf("%w: multidrop needs SWD", probe.ErrUnsupportedProtocol)
	}

	// Line reset leaves every DP listening for TARGETSEL.
	if err := d.swjSequence([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}, 60); err != nil {
		return err
	}

	// TARGETSEL packet: request 0x99 (write DP reg 0xC), 5 turnaround
	// cycles ignored, then 32 data bits plus parity, all host-driven.
	data := make([]byte, 5)
	binary.LittleEndian.PutUint32(data, dp.TargetSel)
	if parity32(dp.TargetSel) {
		data[4] = 1
	}
	cmd := []byte{cmdSwdSequence, 3,
		8, 0x99, // request byte, output
		0x80 | 5, // 5 input cycles over the unanswered ack
		33,       // data plus parity, output
	}
	cmd = append(cmd, data...)
	return d.execute(cmd, "SWD_Sequence")
}

func parity32(v uint32) bool {
	v ^= v >> 16
	v ^= v >> 8
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 != 0
}

// jtagPort implements JtagAccess: the chain scheduler handles scan-chain
// bookkeeping while jtagBits translates step batches into
// DAP_JTAG_Sequence commands.
type jtagPort struct {
	*probe.ChainScheduler
	bits *jtagBits
}

func newJtagPort(d *Driver) *jtagPort {
	bits := &jtagBits{d: d}
	return &jtagPort{
		ChainScheduler: probe.NewChainScheduler(bits),
		bits:           bits,
	}
}

// JtagIO clocks raw steps through DAP_JTAG_Sequence.
func (p *jtagPort) JtagIO(steps []tap.Step) ([]bool, error) {
	return p.bits.JtagIO(steps)
}

// ConfigureChain installs the chain layout in both the scheduler and the
// probe firmware, which needs it for its own transfer engine.
func (p *jtagPort) ConfigureChain(params probe.ChainParams) error {
	if err := p.ChainScheduler.ConfigureChain(params); err != nil {
		return err
	}
	cmd := []byte{cmdJtagConfigure, byte(len(params.IRLengths))}
	cmd = append(cmd, params.IRLengths...)
	if err := p.bits.d.execute(cmd, "JTAG_Configure"); err != nil {
		return err
	}
	p.bits.d.dapIndex = uint8(params.TapIndex)
	return nil
}

// jtagBits sends TAP steps through DAP_JTAG_Sequence. A sequence holds up
// to 64 clocks sharing one TMS value and one capture flag, so consecutive
// steps are grouped on those two attributes.
type jtagBits struct {
	d *Driver
}

// sequence is one DAP_JTAG_Sequence entry under construction.
type sequence struct {
	tms     bool
	capture bool
	tdi     []byte
	bits    int
}

func (s *sequence) info() byte {
	n := byte(s.bits)
	if s.bits == 64 {
		n = 0
	}
	b := n
	if s.tms {
		b |= 1 << 6
	}
	if s.capture {
		b |= 1 << 7
	}
	return b
}

func (j *jtagBits) JtagIO(steps []tap.Step) ([]bool, error) {
	var seqs []sequence
	for _, st := range steps {
		n := len(seqs)
		if n == 0 || seqs[n-1].tms != st.TMS || seqs[n-1].capture != st.Capture || seqs[n-1].bits == 64 {
			seqs = append(seqs, sequence{
				tms:     st.TMS,
				capture: st.Capture,
				tdi:     make([]byte, 8),
			})
			n++
		}
		s := &seqs[n-1]
		tap.SetBit(s.tdi, s.bits, st.TDI)
		s.bits++
	}

	var out []bool
	for len(seqs) > 0 {
		batch, captured := j.fitPacket(seqs)
		got, err := j.send(seqs[:batch], captured)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
		seqs = seqs[batch:]
	}
	return out, nil
}

// fitPacket returns how many sequences fit in one command packet and the
// total bits captured by them.
func (j *jtagBits) fitPacket(seqs []sequence) (count, capturedBits int) {
	space := j.d.t.PacketSize() - 2
	for _, s := range seqs {
		need := 1 + tap.BytesForBits(s.bits)
		if need > space {
			break
		}
		space -= need
		count++
		if s.capture {
			capturedBits += s.bits
		}
	}
	if count == 0 {
		count = 1
	}
	return count, capturedBits
}

func (j *jtagBits) send(seqs []sequence, capturedBits int) ([]bool, error) {
	cmd := []byte{cmdJtagSequence, byte(len(seqs))}
	for _, s := range seqs {
		cmd = append(cmd, s.info())
		cmd = append(cmd, s.tdi[:tap.BytesForBits(s.bits)]...)
	}
	resp, err := j.d.t.Exchange(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != dapOK {
		return nil, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "JTAG_Sequence", Msg: "command rejected"}
	}

	out := make([]bool, 0, capturedBits)
	pos := 2
	for _, s := range seqs {
		if !s.capture {
			continue
		}
		n := tap.BytesForBits(s.bits)
		if pos+n > len(resp) {
			return nil, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "JTAG_Sequence", Msg: "short TDO data"}
		}
		for i := 0; i < s.bits; i++ {
			out = append(out, tap.Bit(resp[pos:pos+n], i))
		}
		pos += n
	}
	return out, nil
}
