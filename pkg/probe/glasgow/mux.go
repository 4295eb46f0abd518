package glasgow

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// Applet streams multiplexed over the one endpoint pair. Each packet is
// COBS encoded, carries the target as its first byte and ends with a
// zero delimiter.
const (
	targetRoot = 0x00
	targetSwd  = 0x01
)

// transport moves raw bytes to and from the applet.
type transport interface {
	Write(data []byte) error
	Read(buf []byte) (int, error)
	Close() error
}

// mux batches per-target output and splits the incoming stream back into
// per-target buffers. Output is held until a receive forces a flush, so
// consecutive commands ride in one USB transfer.
type mux struct {
	t   transport
	out map[byte][]byte
	in  map[byte][]byte

	// partial frame carried over between reads
	queue []byte
}

func newMux(t transport) *mux {
	return &mux{
		t:   t,
		out: map[byte][]byte{targetRoot: nil, targetSwd: nil},
		in:  map[byte][]byte{targetRoot: nil, targetSwd: nil},
	}
}

// send queues data for one target.
func (m *mux) send(target byte, data ...byte) {
	m.out[target] = append(m.out[target], data...)
}

// flush encodes and writes all queued output.
func (m *mux) flush() error {
	var out []byte
	for _, target := range []byte{targetRoot, targetSwd} {
		buf := m.out[target]
		if len(buf) == 0 {
			continue
		}
		packet := append([]byte{target}, buf...)
		out = append(out, cobsEncode(packet)...)
		out = append(out, 0x00)
		m.out[target] = nil
	}
	if len(out) == 0 {
		return nil
	}
	return m.t.Write(out)
}

// recv flushes queued output and reads until size bytes arrived for the
// target.
func (m *mux) recv(target byte, size int) ([]byte, error) {
	if err := m.flush(); err != nil {
		return nil, err
	}
	buf := make([]byte, 65536)
	for len(m.in[target]) < size {
		n, err := m.t.Read(buf)
		if err != nil {
			return nil, err
		}
		if err := m.dispatch(buf[:n]); err != nil {
			return nil, err
		}
	}
	data := m.in[target][:size]
	m.in[target] = m.in[target][size:]
	return data, nil
}

// dispatch appends raw input to the frame queue and hands every complete
// frame to its target buffer. The trailing partial frame stays queued.
func (m *mux) dispatch(data []byte) error {
	m.queue = append(m.queue, data...)
	for {
		end := -1
		for i, b := range m.queue {
			if b == 0x00 {
				end = i
				break
			}
		}
		if end < 0 {
			return nil
		}
		frame := m.queue[:end]
		m.queue = m.queue[end+1:]

		packet, err := cobsDecode(frame)
		if err != nil {
			return err
		}
		if len(packet) == 0 {
			return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "dispatch", Msg: "empty packet"}
		}
		target := packet[0]
		if _, ok := m.in[target]; !ok {
			return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "dispatch", Msg: "packet for unknown stream"}
		}
		m.in[target] = append(m.in[target], packet[1:]...)
	}
}

// cobsEncode frames data so it contains no zero bytes: each group is
// prefixed with the distance to the next zero.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+1+len(data)/254)
	codeIdx := 0
	out = append(out, 0)
	code := byte(1)
	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// cobsDecode reverses cobsEncode. The input must not contain the zero
// delimiter.
func cobsDecode(data []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); {
		code := data[i]
		if code == 0 || i+int(code) > len(data)+1 {
			return nil, &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "cobs", Msg: "malformed frame"}
		}
		i++
		for j := 1; j < int(code) && i < len(data); j++ {
			out = append(out, data[i])
			i++
		}
		if code != 0xFF && i < len(data) {
			out = append(out, 0)
		}
	}
	return out, nil
}
