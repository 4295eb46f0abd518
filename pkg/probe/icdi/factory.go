package icdi

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// The debug unit sits on interface 2; interfaces 0 and 1 carry the
// board's virtual serial port.
const (
	icdiVendorID  = 0x1CBE
	icdiProductID = 0x00FD
	icdiInterface = 2
)

var knownIDs = []probe.USBID{
	{VendorID: icdiVendorID, ProductID: icdiProductID, Name: "TI ICDI"},
}

// Factory enumerates and opens ICDI probes.
var Factory = probe.Factory{
	Name:   "icdi",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindICDI, knownIDs)
}

func open(info probe.Info) (probe.DebugProbe, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, icdiInterface)
	if err != nil {
		return nil, err
	}
	return newDriver(dev, info)
}
