// Package icdi drives the TI In-Circuit Debug Interface found on Stellaris
// and Tiva LaunchPads. The firmware speaks a GDB remote serial subset over
// bulk endpoints and performs all DAP work itself, so the driver exposes
// target memory and core registers directly instead of raw DP/AP access.
package icdi

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const (
	defaultPacketSize = 0x1828
	defaultSpeedKHz   = 2000

	sendRetries  = 3
	recvAttempts = 5
)

// transport is the raw byte pipe to the ICDI bulk endpoints.
type transport interface {
	Write(data []byte) (int, error)
	Read(data []byte) (int, error)
	Close() error
}

// Driver is one open ICDI probe.
type Driver struct {
	t          transport
	info       probe.Info
	version    string
	speedKHz   int
	speedByte  byte
	packetSize int
	attached   bool
	log        *zap.Logger
}

var _ probe.DebugProbe = (*Driver)(nil)

func newDriver(t transport, info probe.Info) (*Driver, error) {
	d := &Driver{
		t:          t,
		info:       info,
		speedKHz:   defaultSpeedKHz,
		speedByte:  '0',
		packetSize: defaultPacketSize,
		log:        logging.Named("probe.icdi"),
	}
	resp, err := d.remote("version")
	if err != nil {
		t.Close()
		return nil, err
	}
	raw, err := hex.DecodeString(string(resp))
	if err != nil {
		t.Close()
		return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "version", Msg: "response is not hex encoded"}
	}
	d.version = string(bytes.TrimRight(raw, "\n"))
	return d, nil
}

// Info returns the identity the driver was opened with.
func (d *Driver) Info() probe.Info { return d.info }

// Version reports the ICDI firmware version string.
func (d *Driver) Version() string { return d.version }

// SelectProtocol accepts only JTAG; the firmware owns the wire.
func (d *Driver) SelectProtocol(p probe.WireProtocol) error {
	if p != probe.ProtocolJTAG {
		return probe.ErrUnsupportedProtocol
	}
	return nil
}

// Protocol reports the wire protocol, which is always JTAG.
func (d *Driver) Protocol() probe.WireProtocol { return probe.ProtocolJTAG }

// SpeedKHz reports the configured clock rate.
func (d *Driver) SpeedKHz() int { return d.speedKHz }

// SetSpeedKHz maps the rate onto the firmware's five divider settings.
func (d *Driver) SetSpeedKHz(khz int) error {
	var setting byte
	switch {
	case khz < 91 || khz > 6000:
		return fmt.Errorf("icdi: speed %d kHz out of range", khz)
	case khz <= 150:
		setting = '4'
	case khz <= 200:
		setting = '3'
	case khz <= 300:
		setting = '2'
	case khz <= 750:
		setting = '1'
	default:
		setting = '0'
	}
	d.speedKHz = khz
	d.speedByte = setting
	if d.attached {
		return d.applySpeed()
	}
	return nil
}

func (d *Driver) applySpeed() error {
	_, err := d.remote("debug speed " + string(d.speedByte))
	return err
}

// Attach programs the clock, negotiates the packet size and switches the
// firmware into extended mode.
func (d *Driver) Attach() error {
	if d.attached {
		return nil
	}
	if err := d.applySpeed(); err != nil {
		return err
	}
	resp, err := d.command([]byte("qSupported"))
	if err != nil {
		return err
	}
	for _, feature := range bytes.Split(resp, []byte{';'}) {
		if !bytes.HasPrefix(feature, []byte("PacketSize=")) {
			continue
		}
		var size int
		if _, err := fmt.Sscanf(string(feature), "PacketSize=%x", &size); err == nil && size > 0 {
			d.packetSize = size
		}
	}
	if _, err := d.command([]byte("!")); err != nil {
		return err
	}
	d.attached = true
	d.log.Debug("attached",
		zap.String("version", d.version),
		zap.Int("packet_size", d.packetSize))
	return nil
}

// Detach turns the debug unit off and releases the USB handle. Idempotent.
func (d *Driver) Detach() error {
	if d.t == nil {
		return nil
	}
	if d.attached {
		// Best effort; the probe may already be gone.
		_, _ = d.remote("debug disable")
		d.attached = false
	}
	err := d.t.Close()
	d.t = nil
	return err
}

// TargetReset asserts reset via the firmware: sreset holds the core,
// hreset performs a hard reset and releases it.
func (d *Driver) TargetReset(assert bool) error {
	cmd := "debug hreset"
	if assert {
		cmd = "debug sreset"
	}
	_, err := d.remote(cmd)
	return err
}

// RawDap is unavailable: the firmware keeps the DAP to itself.
func (d *Driver) RawDap() (probe.RawDapAccess, bool) { return nil, false }

// Jtag is unavailable for the same reason.
func (d *Driver) Jtag() (probe.JtagAccess, bool) { return nil, false }

// remote runs a qRcmd monitor command and returns its payload.
func (d *Driver) remote(cmd string) ([]byte, error) {
	payload := append([]byte("qRcmd,"), hex.EncodeToString([]byte(cmd))...)
	return d.command(payload)
}

// command sends one packet and checks the reply for an Exx status.
func (d *Driver) command(payload []byte) ([]byte, error) {
	resp, err := d.sendPacket(payload)
	if err != nil {
		return nil, err
	}
	if len(resp) == 3 && resp[0] == 'E' && isHex(resp[1]) && isHex(resp[2]) {
		return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: string(payload), Msg: "status " + string(resp)}
	}
	return resp, nil
}

// sendPacket frames payload as $payload#xx, retransmits on NAK, and
// returns the acknowledged response payload.
func (d *Driver) sendPacket(payload []byte) ([]byte, error) {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	pkt := make([]byte, 0, len(payload)+4)
	pkt = append(pkt, '$')
	pkt = append(pkt, payload...)
	pkt = append(pkt, fmt.Sprintf("#%02x", sum)...)

	for try := 0; try < sendRetries; try++ {
		n, err := d.t.Write(pkt)
		if err != nil {
			return nil, err
		}
		if n != len(pkt) {
			return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "send", Msg: "short bulk write"}
		}
		resp, err := d.receive()
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "send", Msg: "empty response"}
		}
		if resp[0] == '-' {
			continue
		}
		if resp[0] != '+' {
			return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "send", Msg: fmt.Sprintf("unexpected response %q", resp[0])}
		}
		return parseResponse(resp[1:])
	}
	return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "send", Msg: "retransmit limit reached"}
}

// receive reads until one whole $...#xx frame (or a bare NAK) arrived.
// Some firmware revisions append a stray NUL after the checksum.
func (d *Driver) receive() ([]byte, error) {
	buf := make([]byte, d.packetSize)
	n := 0
	for reads := 0; reads < recvAttempts; reads++ {
		m, err := d.t.Read(buf[n:])
		if err != nil {
			return nil, err
		}
		n += m
		if n == 0 {
			continue
		}
		if buf[0] == '-' {
			break
		}
		if n >= 4 && buf[n-4] == '#' && buf[n-1] == 0 {
			n--
		}
		if n >= 3 && buf[n-3] == '#' {
			break
		}
	}
	return buf[:n], nil
}

// parseResponse extracts and verifies the payload of one $...#xx frame.
func parseResponse(frame []byte) ([]byte, error) {
	start := bytes.IndexByte(frame, '$')
	if start < 0 || len(frame) < start+3 || frame[len(frame)-3] != '#' {
		return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "receive", Msg: "malformed frame"}
	}
	payload := frame[start+1 : len(frame)-3]
	var sum byte
	for _, b := range payload {
		sum += b
	}
	if want := fmt.Sprintf("%02x", sum); string(frame[len(frame)-2:]) != want {
		return nil, &probe.ProtocolError{Kind: probe.KindICDI, Op: "receive", Msg: "checksum mismatch"}
	}
	return append([]byte(nil), payload...), nil
}

func isHex(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}
