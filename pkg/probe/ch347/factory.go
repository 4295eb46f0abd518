package ch347

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const wchVendorID = 0x1A86

// knownIDs lists the CH347 package variants. The T package only exposes
// the debug interface in mode 3; the F package always carries it.
var knownIDs = []probe.USBID{
	{VendorID: wchVendorID, ProductID: 0x55DD, Name: "CH347T"},
	{VendorID: wchVendorID, ProductID: 0x55DE, Name: "CH347F"},
	{VendorID: wchVendorID, ProductID: 0x55E8, Name: "CH347 HS"},
}

// Factory enumerates and opens CH347 probes.
var Factory = probe.Factory{
	Name:   "ch347",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindCH347, knownIDs)
}

func open(info probe.Info) (probe.DebugProbe, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, -1)
	if err != nil {
		return nil, err
	}
	return newDriver(&usbTransport{dev: dev}, info)
}

// usbTransport runs the write/read cycle of each vendor command on the
// bulk endpoint pair.
type usbTransport struct {
	dev *probe.USBDevice
}

func (t *usbTransport) Command(out []byte, readLen int) ([]byte, error) {
	if _, err := t.dev.Write(out); err != nil {
		return nil, err
	}
	buf := make([]byte, readLen)
	n, err := t.dev.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *usbTransport) Close() error {
	return t.dev.Close()
}
