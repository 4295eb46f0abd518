package glasgow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const (
	glasgowVendorID  = 0x20B7
	glasgowProductID = 0x9DB1
)

// Factory opens Glasgow probes. Enumeration stays empty: there is no way
// to tell from the descriptors whether a device runs the probe applet or
// which interfaces are bound to it, so the selector must spell out
// "<serial>:<IN interface>:<OUT interface>".
var Factory = probe.Factory{
	Name:   "glasgow",
	Probes: func() []probe.Info { return nil },
	Open:   open,
}

func open(info probe.Info) (probe.DebugProbe, error) {
	serial, inNum, outNum, err := parseSelector(info.Serial)
	if err != nil {
		return nil, err
	}
	t, err := openUSB(serial, inNum, outNum)
	if err != nil {
		return nil, err
	}
	return newDriver(t, info)
}

func parseSelector(serial string) (string, int, int, error) {
	parts := strings.Split(serial, ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("glasgow: selector %q is not <serial>:<IN interface>:<OUT interface>", serial)
	}
	inNum, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("glasgow: bad IN interface in %q", serial)
	}
	outNum, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("glasgow: bad OUT interface in %q", serial)
	}
	return parts[0], inNum, outNum, nil
}

// usbTransport owns the two applet interfaces. Selecting alternate
// setting 1 on them takes the applet out of reset.
type usbTransport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	inIntf  *gousb.Interface
	outIntf *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
}

func openUSB(serial string, inNum, outNum int) (*usbTransport, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == glasgowVendorID && uint16(desc.Product) == glasgowProductID
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, &probe.TransportError{Op: "open", Err: err}
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		sn, _ := d.SerialNumber()
		if serial != "" && sn != serial {
			d.Close()
			continue
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: glasgow %q", probe.ErrNotFound, serial)
	}
	_ = dev.SetAutoDetach(true)

	t := &usbTransport{ctx: ctx, dev: dev}
	if err := t.claim(inNum, outNum); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *usbTransport) claim(inNum, outNum int) error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return &probe.TransportError{Op: "config", Err: err}
	}
	if t.inIntf, err = cfg.Interface(inNum, 1); err != nil {
		return &probe.TransportError{Op: fmt.Sprintf("claim IN interface %d", inNum), Err: err}
	}
	if t.outIntf, err = cfg.Interface(outNum, 1); err != nil {
		return &probe.TransportError{Op: fmt.Sprintf("claim OUT interface %d", outNum), Err: err}
	}
	for _, ep := range t.inIntf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			t.in, err = t.inIntf.InEndpoint(ep.Number)
			break
		}
	}
	for _, ep := range t.outIntf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut {
			t.out, err = t.outIntf.OutEndpoint(ep.Number)
			break
		}
	}
	if err != nil || t.in == nil || t.out == nil {
		return &probe.ProtocolError{Kind: probe.KindGlasgow, Op: "claim", Msg: "applet endpoints not found"}
	}
	return nil
}

func (t *usbTransport) Write(data []byte) error {
	if _, err := t.out.Write(data); err != nil {
		return &probe.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *usbTransport) Read(buf []byte) (int, error) {
	n, err := t.in.Read(buf)
	if err != nil {
		return 0, &probe.TransportError{Op: "read", Err: err}
	}
	return n, nil
}

func (t *usbTransport) Close() error {
	if t.inIntf != nil {
		t.inIntf.Close()
		t.inIntf = nil
	}
	if t.outIntf != nil {
		t.outIntf.Close()
		t.outIntf = nil
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
