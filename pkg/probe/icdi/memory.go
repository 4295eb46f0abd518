package icdi

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// The firmware performs memory transfers itself through the binary x/X
// packets, so the driver implements the memory surface directly.
var _ dap.Memory = (*Driver)(nil)

// Memory exposes target memory through the firmware's transfer engine.
func (d *Driver) Memory() dap.Memory { return d }

// chunk keeps one transfer plus framing and worst-case escaping inside a
// single packet.
func (d *Driver) chunk() int {
	n := (d.packetSize - 64) / 2
	if n < 64 {
		n = 64
	}
	return n
}

// Read fills out from target memory at address.
func (d *Driver) Read(address uint64, out []byte) error {
	for len(out) > 0 {
		n := len(out)
		if n > d.chunk() {
			n = d.chunk()
		}
		resp, err := d.command(fmt.Appendf(nil, "x%x,%x", address, n))
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(resp, []byte("OK:")) {
			return &probe.ProtocolError{Kind: probe.KindICDI, Op: "read memory", Msg: "missing OK prefix"}
		}
		data := unescape(resp[3:])
		if len(data) != n {
			return &probe.ProtocolError{Kind: probe.KindICDI, Op: "read memory", Msg: fmt.Sprintf("got %d of %d bytes", len(data), n)}
		}
		copy(out, data)
		out = out[n:]
		address += uint64(n)
	}
	return nil
}

// Write stores data to target memory at address.
func (d *Driver) Write(address uint64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > d.chunk() {
			n = d.chunk()
		}
		payload := fmt.Appendf(nil, "X%x,%x:", address, n)
		payload = append(payload, escape(data[:n])...)
		resp, err := d.command(payload)
		if err != nil {
			return err
		}
		if !bytes.Equal(resp, []byte("OK")) {
			return &probe.ProtocolError{Kind: probe.KindICDI, Op: "write memory", Msg: "missing OK reply"}
		}
		data = data[n:]
		address += uint64(n)
	}
	return nil
}

// Read32 fills out with little-endian words.
func (d *Driver) Read32(address uint64, out []uint32) error {
	raw := make([]byte, len(out)*4)
	if err := d.Read(address, raw); err != nil {
		return err
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return nil
}

// Write32 stores values as little-endian words.
func (d *Driver) Write32(address uint64, values []uint32) error {
	raw := make([]byte, 0, len(values)*4)
	for _, v := range values {
		raw = binary.LittleEndian.AppendUint32(raw, v)
	}
	return d.Write(address, raw)
}

func (d *Driver) ReadWord64(address uint64) (uint64, error) {
	var raw [8]byte
	if err := d.Read(address, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw[:]), nil
}

func (d *Driver) ReadWord32(address uint64) (uint32, error) {
	var raw [4]byte
	if err := d.Read(address, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

func (d *Driver) ReadWord16(address uint64) (uint16, error) {
	var raw [2]byte
	if err := d.Read(address, raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw[:]), nil
}

func (d *Driver) ReadWord8(address uint64) (uint8, error) {
	var raw [1]byte
	if err := d.Read(address, raw[:]); err != nil {
		return 0, err
	}
	return raw[0], nil
}

func (d *Driver) WriteWord64(address uint64, value uint64) error {
	return d.Write(address, binary.LittleEndian.AppendUint64(nil, value))
}

func (d *Driver) WriteWord32(address uint64, value uint32) error {
	return d.Write(address, binary.LittleEndian.AppendUint32(nil, value))
}

func (d *Driver) WriteWord16(address uint64, value uint16) error {
	return d.Write(address, binary.LittleEndian.AppendUint16(nil, value))
}

func (d *Driver) WriteWord8(address uint64, value uint8) error {
	return d.Write(address, []byte{value})
}

// Flush is a no-op: every packet completes before its reply.
func (d *Driver) Flush() error { return nil }

// ReadReg reads one core register through the firmware. The value comes
// back as hex in target byte order.
func (d *Driver) ReadReg(n uint16) (uint32, error) {
	resp, err := d.command(fmt.Appendf(nil, "p%x", n))
	if err != nil {
		return 0, err
	}
	raw, err := hex.DecodeString(string(resp))
	if err != nil || len(raw) != 4 {
		return 0, &probe.ProtocolError{Kind: probe.KindICDI, Op: "read register", Msg: "malformed value"}
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// WriteReg writes one core register through the firmware.
func (d *Driver) WriteReg(n uint16, value uint32) error {
	raw := binary.LittleEndian.AppendUint32(nil, value)
	resp, err := d.command(fmt.Appendf(nil, "P%x=%s", n, hex.EncodeToString(raw)))
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, []byte("OK")) {
		return &probe.ProtocolError{Kind: probe.KindICDI, Op: "write register", Msg: "missing OK reply"}
	}
	return nil
}

// escape protects the bytes the packet framing reserves. The escape
// marker is 0x7D; the following byte is xored with 0x20.
func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case '$', '#', '}', '*':
			out = append(out, '}', b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '}' && i+1 < len(data) {
			i++
			out = append(out, data[i]^0x20)
			continue
		}
		out = append(out, data[i])
	}
	return out
}
