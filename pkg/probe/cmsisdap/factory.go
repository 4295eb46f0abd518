package cmsisdap

import (
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

// knownIDs lists well-known CMSIS-DAP VID/PID pairs. Probes with other IDs
// can still be opened through an explicit selector; this list only drives
// enumeration.
var knownIDs = []probe.USBID{
	{VendorID: 0x0D28, ProductID: 0x0204, Name: "DAPLink"},
	{VendorID: 0xC251, ProductID: 0xF001, Name: "Keil ULINKplus"},
	{VendorID: 0xC251, ProductID: 0xF002, Name: "Keil ULINK2"},
	{VendorID: 0x1FC9, ProductID: 0x0143, Name: "LPC-Link2"},
	{VendorID: 0x2E8A, ProductID: 0x000C, Name: "Raspberry Pi Debug Probe"},
	{VendorID: 0x303A, ProductID: 0x1002, Name: "ESP USB JTAG"},
	{VendorID: 0x31A6, ProductID: 0x0001, Name: "OpenTrace JTAG"},
}

// Factory enumerates and opens CMSIS-DAP probes.
var Factory = probe.Factory{
	Name:   "cmsis-dap",
	Probes: enumerate,
	Open:   open,
}

func enumerate() []probe.Info {
	return probe.EnumerateUSB(probe.KindCMSISDAP, knownIDs)
}

// open claims the probe, preferring the v2 bulk interface and falling back
// to the v1 HID transport when no bulk endpoints are exposed.
func open(info probe.Info) (probe.DebugProbe, error) {
	if t, err := openV2(info); err == nil {
		return newDriver(t, info)
	}
	t, err := openV1(info)
	if err != nil {
		return nil, err
	}
	return newDriver(t, info)
}
