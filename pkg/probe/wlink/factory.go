package wlink

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const wchVendorID = 0x1A86

// knownIDs lists WCH-Link product IDs in RISC-V mode; 0x8012 is the DAP
// mode of the same hardware and enumerates as CMSIS-DAP instead.
var knownIDs = []probe.USBID{
	{VendorID: wchVendorID, ProductID: 0x8010, Name: "WCH-Link"},
}

// Factory enumerates and opens WCH-Link probes.
var Factory = probe.Factory{
	Name:   "wch-link",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindWCHLink, knownIDs)
}

func open(info probe.Info) (probe.DebugProbe, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, 0)
	if err != nil {
		return nil, err
	}
	return newDriver(&usbTransport{dev: dev}, info)
}
