package ftdi

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const ftdiVendorID = 0x0403

// knownIDs lists the high-speed FTDI parts with an MPSSE engine.
var knownIDs = []probe.USBID{
	{VendorID: ftdiVendorID, ProductID: 0x6010, Name: "FT2232H"},
	{VendorID: ftdiVendorID, ProductID: 0x6011, Name: "FT4232H"},
	{VendorID: ftdiVendorID, ProductID: 0x6014, Name: "FT232H"},
}

// Factory enumerates and opens FTDI MPSSE probes.
var Factory = probe.Factory{
	Name:   "ftdi",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindFTDI, knownIDs)
}

// FTDI SIO control requests.
const (
	sioReset      = 0x00
	sioSetLatency = 0x09
	sioSetBitmode = 0x0B

	bitmodeMPSSE = 0x02
)

// usbTransport owns the FTDI device: channel A bulk endpoints plus the
// vendor control requests that configure the chip. FTDI prefixes every
// bulk-in packet with two modem status bytes, which Read strips.
type usbTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
	size int
}

func open(info probe.Info) (probe.DebugProbe, error) {
	t, err := openUSB(info)
	if err != nil {
		return nil, err
	}
	return newDriver(t, info)
}

func openUSB(info probe.Info) (*usbTransport, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(info.VendorID), gousb.ID(info.ProductID))
	if err != nil || dev == nil {
		ctx.Close()
		return nil, &probe.TransportError{Op: "open", Err: err}
	}
	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, &probe.TransportError{Op: "config", Err: err}
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, &probe.TransportError{Op: "interface", Err: err}
	}

	t := &usbTransport{ctx: ctx, dev: dev, intf: intf, size: 512}
	for _, ep := range intf.Setting.Endpoints {
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			t.out, _ = intf.OutEndpoint(ep.Number)
		case gousb.EndpointDirectionIn:
			t.in, _ = intf.InEndpoint(ep.Number)
			if ep.MaxPacketSize > 0 {
				t.size = ep.MaxPacketSize
			}
		}
	}
	if t.out == nil || t.in == nil {
		t.Close()
		return nil, &probe.ProtocolError{Kind: probe.KindFTDI, Op: "open", Msg: "no bulk endpoint pair on interface A"}
	}

	// Reset, short latency for interactive mode, MPSSE on.
	if err := t.control(sioReset, 0); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.control(sioSetLatency, 1); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.control(sioSetBitmode, uint16(bitmodeMPSSE)<<8|uint16(pinDirections)); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *usbTransport) control(request uint8, value uint16) error {
	// Index 1 addresses channel A.
	if _, err := t.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, request, value, 1, nil); err != nil {
		return &probe.TransportError{Op: fmt.Sprintf("control %#02x", request), Err: err}
	}
	return nil
}

func (t *usbTransport) Write(data []byte) error {
	_, err := t.out.Write(data)
	if err != nil {
		return &probe.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *usbTransport) Read(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, t.size)
	for len(out) < n {
		got, err := t.in.Read(buf)
		if err != nil {
			return nil, &probe.TransportError{Op: "read", Err: err}
		}
		if got <= 2 {
			continue
		}
		out = append(out, buf[2:got]...)
	}
	return out[:n], nil
}

func (t *usbTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
