package gdbserver

import (
	"bufio"
	"fmt"
	"io"
)

// interruptByte is the out-of-band stop request GDB sends while the target
// runs.
const interruptByte = 0x03

// errInterrupt is returned by readPacket when the client sent a bare
// interrupt byte instead of a packet.
var errInterrupt = fmt.Errorf("gdbserver: interrupt")

// errBadChecksum asks the caller to request a retransmit.
var errBadChecksum = fmt.Errorf("gdbserver: checksum mismatch")

func checksum(payload []byte) uint8 {
	var sum uint8
	for _, b := range payload {
		sum += b
	}
	return sum
}

// readPacket reads one $payload#xx frame, skipping acknowledgement bytes.
// The returned payload excludes the framing.
func readPacket(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case '$':
		case '+', '-':
			continue
		case interruptByte:
			return nil, errInterrupt
		default:
			continue
		}

		payload, err := r.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		payload = payload[:len(payload)-1]
		var sum [2]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			return nil, err
		}
		var want uint8
		if _, err := fmt.Sscanf(string(sum[:]), "%02x", &want); err != nil {
			return nil, fmt.Errorf("gdbserver: malformed checksum %q", sum)
		}
		if got := checksum(payload); got != want {
			return nil, errBadChecksum
		}
		return payload, nil
	}
}

func writePacket(w io.Writer, payload []byte) error {
	_, err := fmt.Fprintf(w, "$%s#%02x", payload, checksum(payload))
	return err
}

func writeAck(w io.Writer, ok bool) error {
	b := []byte{'+'}
	if !ok {
		b[0] = '-'
	}
	_, err := w.Write(b)
	return err
}

// readAck consumes the client's response to a sent packet and reports
// whether a retransmit was requested.
func readAck(r *bufio.Reader) (resend bool, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		switch b {
		case '+':
			return false, nil
		case '-':
			return true, nil
		case interruptByte:
			// Leave interrupts for the command loop.
			continue
		default:
			if err := r.UnreadByte(); err != nil {
				return false, err
			}
			return false, nil
		}
	}
}
