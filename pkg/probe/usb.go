package probe

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

// DefaultUSBTimeout bounds individual bulk transfers.
const DefaultUSBTimeout = 5 * time.Second

// USBDevice wraps a claimed gousb device with its bulk endpoint pair. All
// probe drivers that talk bulk endpoints share this plumbing.
type USBDevice struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	maxPacket int
	timeout   time.Duration
}

// OpenUSB opens the first device matching vid/pid (and serial, when not
// empty), claims the requested interface and resolves its bulk endpoint
// pair. ifaceNum < 0 selects the first vendor-specific interface.
func OpenUSB(vid, pid uint16, serial string, ifaceNum int) (*USBDevice, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, &TransportError{Op: "open", Err: err}
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial != "" {
			sn, _ := d.SerialNumber()
			if sn != serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrNotFound, vid, pid)
	}

	// Best effort; not supported on all platforms.
	_ = dev.SetAutoDetach(true)

	u := &USBDevice{ctx: ctx, dev: dev, timeout: DefaultUSBTimeout}
	if err := u.claim(ifaceNum); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return u, nil
}

func (u *USBDevice) claim(ifaceNum int) error {
	cfg, err := u.dev.Config(1)
	if err != nil {
		return &TransportError{Op: "config", Err: err}
	}

	if ifaceNum < 0 {
		ifaceNum = 0
		for _, intf := range cfg.Desc.Interfaces {
			if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
				ifaceNum = intf.Number
				break
			}
		}
	}

	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		return &TransportError{Op: fmt.Sprintf("claim interface %d", ifaceNum), Err: err}
	}
	u.intf = intf

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if u.epOut == nil {
				out, err := intf.OutEndpoint(ep.Number)
				if err != nil {
					return &TransportError{Op: "open OUT endpoint", Err: err}
				}
				u.epOut = out
			}
		case gousb.EndpointDirectionIn:
			if u.epIn == nil {
				in, err := intf.InEndpoint(ep.Number)
				if err != nil {
					return &TransportError{Op: "open IN endpoint", Err: err}
				}
				u.epIn = in
				u.maxPacket = ep.MaxPacketSize
			}
		}
	}
	if u.epOut == nil || u.epIn == nil {
		return &ProtocolError{Op: "claim", Msg: "bulk endpoint pair not found"}
	}
	return nil
}

// MaxPacketSize reports the IN endpoint's packet size.
func (u *USBDevice) MaxPacketSize() int {
	return u.maxPacket
}

// SetTimeout adjusts the per-transfer timeout.
func (u *USBDevice) SetTimeout(d time.Duration) {
	u.timeout = d
}

// Write sends data on the bulk OUT endpoint.
func (u *USBDevice) Write(data []byte) (int, error) {
	n, err := u.epOut.Write(data)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// Read fills data from the bulk IN endpoint.
func (u *USBDevice) Read(data []byte) (int, error) {
	n, err := u.epIn.Read(data)
	if err != nil {
		return n, &TransportError{Op: "read", Err: err}
	}
	return n, nil
}

// Close releases the interface, device, and context. Idempotent.
func (u *USBDevice) Close() error {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
	return nil
}

// EnumerateUSB lists attached devices matching any of the given VID/PID
// pairs, classifying each with the provided kind and name.
func EnumerateUSB(kind Kind, known []USBID) []Info {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []Info
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range known {
			if uint16(desc.Vendor) == id.VendorID && uint16(desc.Product) == id.ProductID {
				return true
			}
		}
		return false
	})
	if err != nil && len(devs) == 0 {
		return nil
	}
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		name := ""
		for _, id := range known {
			if uint16(dev.Desc.Vendor) == id.VendorID && uint16(dev.Desc.Product) == id.ProductID {
				name = id.Name
				break
			}
		}
		found = append(found, Info{
			Kind:      kind,
			Name:      name,
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
			Serial:    serial,
		})
		dev.Close()
	}
	return found
}

// USBID is one known VID/PID pair with a display name.
type USBID struct {
	VendorID  uint16
	ProductID uint16
	Name      string
}
