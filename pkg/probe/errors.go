package probe

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced during probe discovery and attach.
var (
	// ErrNotFound means no attached probe matched the selector.
	ErrNotFound = errors.New("probe: no probe matches selector")

	// ErrAmbiguous means the selector matched more than one probe.
	ErrAmbiguous = errors.New("probe: selector matches multiple probes")

	// ErrUnsupportedProtocol means the probe cannot speak the requested
	// wire protocol.
	ErrUnsupportedProtocol = errors.New("probe: wire protocol not supported")

	// ErrDetached is returned for transactions issued after Detach.
	ErrDetached = errors.New("probe: probe is detached")
)

// FaultError is returned when a SWD transfer acknowledges FAULT. CtrlStat
// carries the DP CTRL/STAT value read before the sticky flags were cleared.
type FaultError struct {
	CtrlStat uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("probe: DAP fault (CTRL/STAT=%#08x)", e.CtrlStat)
}

// WaitError is returned when a transfer kept acknowledging WAIT after the
// retry budget, sticky-overrun clears included, was exhausted.
type WaitError struct {
	Retries int
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("probe: target kept responding WAIT after %d retries", e.Retries)
}

// ProtocolError covers malformed or unexpected responses from the probe
// firmware itself, as opposed to the target.
type ProtocolError struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("probe: %s %s: %s", e.Kind, e.Op, e.Msg)
}

// TransportError wraps a USB-level failure. Higher layers must not retry
// the operation automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("probe: usb %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
