package cmsisdap

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// transport carries one CMSIS-DAP command and returns its response. The two
// wire variants share it: v1 exchanges fixed-size HID reports on interrupt
// endpoints, v2 uses bulk endpoints with variable-length packets.
type transport interface {
	// Exchange sends one command packet and reads the matching response.
	Exchange(cmd []byte) ([]byte, error)

	PacketSize() int
	Close() error
}

// v2Transport is CMSIS-DAP v2: bulk endpoints on a vendor-specific
// interface.
type v2Transport struct {
	dev *probe.USBDevice
}

func openV2(info probe.Info) (*v2Transport, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, -1)
	if err != nil {
		return nil, err
	}
	return &v2Transport{dev: dev}, nil
}

func (t *v2Transport) Exchange(cmd []byte) ([]byte, error) {
	if _, err := t.dev.Write(cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, t.PacketSize())
	n, err := t.dev.Read(buf)
	if err != nil {
		return nil, err
	}
	resp := buf[:n]
	if len(resp) == 0 || resp[0] != cmd[0] {
		return nil, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "exchange", Msg: fmt.Sprintf("response %#x to command %#x", first(resp), cmd[0])}
	}
	return resp, nil
}

func (t *v2Transport) PacketSize() int {
	if s := t.dev.MaxPacketSize(); s > 0 {
		return s
	}
	return 64
}

func (t *v2Transport) Close() error { return t.dev.Close() }

// v1Transport is CMSIS-DAP v1: 64-byte reports on a HID interface's
// interrupt endpoints. The HID report layer is a plain pass-through, so
// driving the endpoints directly avoids a separate HID stack.
type v1Transport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
	size int
}

func openV1(info probe.Info) (*v1Transport, error) {
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

	t := &v1Transport{ctx: ctx, dev: dev, size: 64}
	for _, id := range cfg.Desc.Interfaces {
		if len(id.AltSettings) == 0 || id.AltSettings[0].Class != gousb.ClassHID {
			continue
		}
		intf, err := cfg.Interface(id.Number, 0)
		if err != nil {
			continue
		}
		for _, ep := range intf.Setting.Endpoints {
			if ep.TransferType != gousb.TransferTypeInterrupt {
				continue
			}
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
		if t.out != nil && t.in != nil {
			t.intf = intf
			break
		}
		intf.Close()
		t.out, t.in = nil, nil
	}
	if t.intf == nil {
		t.Close()
		return nil, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "open", Msg: "no HID interface with interrupt endpoints"}
	}
	return t, nil
}

func (t *v1Transport) Exchange(cmd []byte) ([]byte, error) {
	report := make([]byte, t.size)
	copy(report, cmd)
	if _, err := t.out.Write(report); err != nil {
		return nil, &probe.TransportError{Op: "write", Err: err}
	}
	buf := make([]byte, t.size)
	n, err := t.in.Read(buf)
	if err != nil {
		return nil, &probe.TransportError{Op: "read", Err: err}
	}
	resp := buf[:n]
	if len(resp) == 0 || resp[0] != cmd[0] {
		return nil, &probe.ProtocolError{Kind: probe.KindCMSISDAP, Op: "exchange", Msg: fmt.Sprintf("response %#x to command %#x", first(resp), cmd[0])}
	}
	return resp, nil
}

func (t *v1Transport) PacketSize() int { return t.size }

func (t *v1Transport) Close() error {
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

func first(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
