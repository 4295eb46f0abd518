// Package gdbserver bridges one debugger to one core over the GDB remote
// serial protocol: TCP transport, packet framing with checksums, register
// and memory transfer, run control, and hardware breakpoints.
package gdbserver

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
)

const (
	maxPacketSize = 4096
	pollInterval  = 20 * time.Millisecond
	haltTimeout   = time.Second
)

// Server serves one core to GDB clients, one client at a time. The core is
// not shared: while a client is connected the server owns it.
type Server struct {
	core   core.Core
	layout []core.RegisterID
	width  int

	log *zap.Logger
}

// New builds a server for the core. The transfer register layout follows
// the architecture's conventional numbering.
func New(c core.Core) *Server {
	layout, width := registerLayout(c.Kind())
	return &Server{
		core:   c,
		layout: layout,
		width:  width,
		log:    logging.Named("gdbserver"),
	}
}

// registerLayout lists the registers of the g packet in order, and the
// per-register transfer width in bytes.
func registerLayout(kind core.Kind) ([]core.RegisterID, int) {
	switch kind {
	case core.Riscv:
		regs := make([]core.RegisterID, 0, 33)
		for i := 0; i < 32; i++ {
			regs = append(regs, core.RiscvX0+core.RegisterID(i))
		}
		return append(regs, core.RiscvCsrDpc), 4
	case core.Xtensa:
		regs := make([]core.RegisterID, 0, 17)
		for i := 0; i < 16; i++ {
			regs = append(regs, core.XtensaA0+core.RegisterID(i))
		}
		return append(regs, core.XtensaPC), 4
	case core.Armv8A:
		regs := make([]core.RegisterID, 0, 33)
		for i := 0; i < 31; i++ {
			regs = append(regs, core.Arm64X0+core.RegisterID(i))
		}
		return append(regs, core.Arm64SP, core.Arm64PC), 8
	default:
		// M-profile and ARMv7-A: r0..r12, sp, lr, pc, xpsr.
		regs := make([]core.RegisterID, 0, 17)
		for i := 0; i < 16; i++ {
			regs = append(regs, core.ArmR0+core.RegisterID(i))
		}
		return append(regs, core.ArmXPSR), 4
	}
}

// ListenAndServe listens on addr and serves clients until the listener
// fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts clients one at a time.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))
		if err := s.ServeConn(conn); err != nil {
			s.log.Info("client gone", zap.Error(err))
		}
	}
}

// session is the per-connection state.
type session struct {
	srv   *Server
	conn  net.Conn
	r     *bufio.Reader
	noAck bool
}

// ServeConn speaks the protocol on an established connection until the
// client detaches or the connection drops.
func (s *Server) ServeConn(conn net.Conn) error {
	defer conn.Close()
	sess := &session{srv: s, conn: conn, r: bufio.NewReader(conn)}
	for {
		payload, err := readPacket(sess.r)
		switch err {
		case nil:
		case errInterrupt:
			// Already stopped; nothing to interrupt between packets.
			continue
		case errBadChecksum:
			if err := writeAck(conn, false); err != nil {
				return err
			}
			continue
		default:
			return err
		}
		if !sess.noAck {
			if err := writeAck(conn, true); err != nil {
				return err
			}
		}
		reply, done := sess.dispatch(payload)
		if reply != nil {
			if err := sess.send(reply); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func (sess *session) send(payload []byte) error {
	for {
		if err := writePacket(sess.conn, payload); err != nil {
			return err
		}
		if sess.noAck {
			return nil
		}
		resend, err := readAck(sess.r)
		if err != nil {
			return err
		}
		if !resend {
			return nil
		}
	}
}

var (
	replyOK    = []byte("OK")
	replyErr   = []byte("E01")
	replyEmpty = []byte{}
	replyStop  = []byte("S05")
)

// dispatch handles one command. A nil reply means the handler already sent
// everything; done requests closing the connection.
func (sess *session) dispatch(payload []byte) (reply []byte, done bool) {
	if len(payload) == 0 {
		return replyEmpty, false
	}
	c := sess.srv.core
	switch payload[0] {
	case '?':
		return sess.stopReply(), false
	case 'g':
		return sess.readRegisters(), false
	case 'G':
		return sess.writeRegisters(payload[1:]), false
	case 'p':
		return sess.readOneRegister(payload[1:]), false
	case 'P':
		return sess.writeOneRegister(payload[1:]), false
	case 'm':
		return sess.readMemory(payload[1:]), false
	case 'M':
		return sess.writeMemory(payload[1:]), false
	case 'c':
		return sess.resume(payload[1:]), false
	case 's':
		return sess.step(), false
	case 'z', 'Z':
		return sess.breakpoint(payload), false
	case 'q':
		return sess.query(payload), false
	case 'Q':
		if bytes.Equal(payload, []byte("QStartNoAckMode")) {
			sess.noAck = true
			return replyOK, false
		}
		return replyEmpty, false
	case 'D':
		// Detaching resumes the target.
		if err := c.Run(); err != nil {
			sess.srv.log.Warn("resume on detach", zap.Error(err))
		}
		return replyOK, true
	case 'k':
		return nil, true
	default:
		return replyEmpty, false
	}
}

func (sess *session) query(payload []byte) []byte {
	q := string(payload)
	switch {
	case strings.HasPrefix(q, "qSupported"):
		return []byte(fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;hwbreak+", maxPacketSize))
	case q == "qAttached":
		return []byte("1")
	default:
		return replyEmpty
	}
}

func (sess *session) stopReply() []byte {
	st, err := sess.srv.core.Status()
	if err != nil {
		return replyErr
	}
	if !st.Halted {
		if _, err := sess.srv.core.Halt(haltTimeout); err != nil {
			return replyErr
		}
	}
	return replyStop
}

func (sess *session) regBytes(value uint64) []byte {
	buf := make([]byte, sess.srv.width)
	if sess.srv.width == 8 {
		binary.LittleEndian.PutUint64(buf, value)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
	return buf
}

func (sess *session) readRegisters() []byte {
	var out []byte
	for _, id := range sess.srv.layout {
		v, err := sess.srv.core.ReadCoreRegister(id)
		if err != nil {
			return replyErr
		}
		out = hex.AppendEncode(out, sess.regBytes(v))
	}
	return out
}

func (sess *session) writeRegisters(payload []byte) []byte {
	data, err := hex.DecodeString(string(payload))
	if err != nil || len(data) != len(sess.srv.layout)*sess.srv.width {
		return replyErr
	}
	for i, id := range sess.srv.layout {
		chunk := data[i*sess.srv.width:]
		var v uint64
		if sess.srv.width == 8 {
			v = binary.LittleEndian.Uint64(chunk)
		} else {
			v = uint64(binary.LittleEndian.Uint32(chunk))
		}
		if err := sess.srv.core.WriteCoreRegister(id, v); err != nil {
			return replyErr
		}
	}
	return replyOK
}

func (sess *session) readOneRegister(payload []byte) []byte {
	n, err := strconv.ParseUint(string(payload), 16, 16)
	if err != nil || int(n) >= len(sess.srv.layout) {
		return replyErr
	}
	v, err := sess.srv.core.ReadCoreRegister(sess.srv.layout[n])
	if err != nil {
		return replyErr
	}
	return hex.AppendEncode(nil, sess.regBytes(v))
}

func (sess *session) writeOneRegister(payload []byte) []byte {
	idx, val, ok := strings.Cut(string(payload), "=")
	if !ok {
		return replyErr
	}
	n, err := strconv.ParseUint(idx, 16, 16)
	if err != nil || int(n) >= len(sess.srv.layout) {
		return replyErr
	}
	data, err := hex.DecodeString(val)
	if err != nil || len(data) != sess.srv.width {
		return replyErr
	}
	var v uint64
	if sess.srv.width == 8 {
		v = binary.LittleEndian.Uint64(data)
	} else {
		v = uint64(binary.LittleEndian.Uint32(data))
	}
	if err := sess.srv.core.WriteCoreRegister(sess.srv.layout[n], v); err != nil {
		return replyErr
	}
	return replyOK
}

func parseAddrLen(s string) (addr uint64, n uint64, ok bool) {
	a, l, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, 0, false
	}
	n, err = strconv.ParseUint(l, 16, 32)
	if err != nil || n > maxPacketSize/2 {
		return 0, 0, false
	}
	return addr, n, true
}

func (sess *session) readMemory(payload []byte) []byte {
	addr, n, ok := parseAddrLen(string(payload))
	if !ok {
		return replyErr
	}
	buf := make([]byte, n)
	if err := sess.srv.core.Read(addr, buf); err != nil {
		return replyErr
	}
	return hex.AppendEncode(nil, buf)
}

func (sess *session) writeMemory(payload []byte) []byte {
	spec, data, found := strings.Cut(string(payload), ":")
	if !found {
		return replyErr
	}
	addr, n, ok := parseAddrLen(spec)
	if !ok {
		return replyErr
	}
	raw, err := hex.DecodeString(data)
	if err != nil || uint64(len(raw)) != n {
		return replyErr
	}
	if err := sess.srv.core.Write(addr, raw); err != nil {
		return replyErr
	}
	if err := sess.srv.core.Flush(); err != nil {
		return replyErr
	}
	return replyOK
}

// resume continues the target and blocks until it halts again or the
// client sends an interrupt.
func (sess *session) resume(payload []byte) []byte {
	if len(payload) > 0 {
		addr, err := strconv.ParseUint(string(payload), 16, 64)
		if err != nil {
			return replyErr
		}
		if err := sess.writePc(addr); err != nil {
			return replyErr
		}
	}
	if err := sess.srv.core.Run(); err != nil {
		return replyErr
	}
	for {
		st, err := sess.srv.core.Status()
		if err != nil {
			return replyErr
		}
		if st.Halted {
			return replyStop
		}
		if sess.interrupted() {
			if _, err := sess.srv.core.Halt(haltTimeout); err != nil {
				return replyErr
			}
			return replyStop
		}
	}
}

// interrupted polls the connection briefly for an interrupt byte.
func (sess *session) interrupted() bool {
	sess.conn.SetReadDeadline(time.Now().Add(pollInterval))
	defer sess.conn.SetReadDeadline(time.Time{})
	b, err := sess.r.ReadByte()
	if err != nil {
		return false
	}
	if b == interruptByte {
		return true
	}
	sess.r.UnreadByte()
	return false
}

func (sess *session) writePc(addr uint64) error {
	var pc core.RegisterID
	switch sess.srv.core.Kind() {
	case core.Riscv:
		pc = core.RiscvCsrDpc
	case core.Xtensa:
		pc = core.XtensaPC
	case core.Armv8A:
		pc = core.Arm64PC
	default:
		pc = core.ArmPC
	}
	return sess.srv.core.WriteCoreRegister(pc, addr)
}

func (sess *session) step() []byte {
	if _, err := sess.srv.core.Step(); err != nil {
		return replyErr
	}
	return replyStop
}

// breakpoint handles z/Z for hardware breakpoints. Software breakpoints
// are declined so GDB falls back to the hardware pool.
func (sess *session) breakpoint(payload []byte) []byte {
	parts := strings.Split(string(payload[1:]), ",")
	if len(parts) != 3 {
		return replyErr
	}
	if parts[0] != "1" {
		return replyEmpty
	}
	addr, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return replyErr
	}
	if payload[0] == 'Z' {
		err = sess.srv.core.SetHwBreakpoint(addr)
	} else {
		err = sess.srv.core.ClearHwBreakpoint(addr)
	}
	if err != nil {
		return replyErr
	}
	return replyOK
}
