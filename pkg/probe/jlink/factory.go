package jlink

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

const seggerVendorID = 0x1366

// knownIDs lists the J-Link product IDs that expose the plain bulk vendor
// interface.
var knownIDs = []probe.USBID{
	{VendorID: seggerVendorID, ProductID: 0x0101, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0102, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0103, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0104, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0105, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0107, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x0108, Name: "J-Link"},
	{VendorID: seggerVendorID, ProductID: 0x1015, Name: "J-Link OB"},
	{VendorID: seggerVendorID, ProductID: 0x1051, Name: "J-Link OB"},
}

// Factory enumerates and opens J-Link probes.
var Factory = probe.Factory{
	Name:   "j-link",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindJLink, knownIDs)
}

func open(info probe.Info) (probe.DebugProbe, error) {
	dev, err := probe.OpenUSB(info.VendorID, info.ProductID, info.Serial, 0)
	if err != nil {
		return nil, err
	}
	return newDriver(&usbTransport{dev: dev}, info)
}
