package stlink

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const stVendorID = 0x0483

// knownIDs lists the ST-Link product IDs with debug-capable firmware. The
// original v1 (0x3744) speaks SCSI framing and is not supported.
var knownIDs = []probe.USBID{
	{VendorID: stVendorID, ProductID: 0x3748, Name: "ST-Link V2"},
	{VendorID: stVendorID, ProductID: 0x374B, Name: "ST-Link V2-1"},
	{VendorID: stVendorID, ProductID: 0x3752, Name: "ST-Link V2-1"},
	{VendorID: stVendorID, ProductID: 0x374D, Name: "ST-Link V3 Loader"},
	{VendorID: stVendorID, ProductID: 0x374E, Name: "ST-Link V3E"},
	{VendorID: stVendorID, ProductID: 0x374F, Name: "ST-Link V3S"},
	{VendorID: stVendorID, ProductID: 0x3753, Name: "ST-Link V3"},
	{VendorID: stVendorID, ProductID: 0x3754, Name: "ST-Link V3"},
}

// Factory enumerates and opens ST-Link probes.
var Factory = probe.Factory{
	Name:   "st-link",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindSTLink, knownIDs)
}

func open(info probe.Info) (probe.DebugProbe, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, 0)
	if err != nil {
		return nil, err
	}
	return newDriver(&usbTransport{dev: dev}, info)
}
