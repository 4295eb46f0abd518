package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/ch347"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/cmsisdap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/ftdi"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/glasgow"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/icdi"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/jlink"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/stlink"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe/wlink"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

func registry() *probe.Registry {
	return probe.NewRegistry(
		cmsisdap.Factory,
		stlink.Factory,
		jlink.Factory,
		wlink.Factory,
		ftdi.Factory,
		ch347.Factory,
		icdi.Factory,
		glasgow.Factory,
	)
}

// parseSelector parses VID:PID[:serial]. An empty string matches every
// probe, which Open rejects unless exactly one is attached.
func parseSelector(s string) (probe.Selector, error) {
	if s == "" {
		return probe.Selector{}, nil
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return probe.Selector{}, fmt.Errorf("selector %q: want VID:PID[:serial]", s)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return probe.Selector{}, fmt.Errorf("selector %q: bad vendor ID", s)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return probe.Selector{}, fmt.Errorf("selector %q: bad product ID", s)
	}
	sel := probe.Selector{VendorID: uint16(vid), ProductID: uint16(pid)}
	if len(parts) == 3 {
		sel.Serial = parts[2]
	}
	return sel, nil
}

func openProbe() (probe.DebugProbe, error) {
	sel, err := parseSelector(probeSel)
	if err != nil {
		return nil, err
	}
	return registry().Open(sel)
}

func sessionOptions() (session.Options, error) {
	opts := session.Options{SpeedKHz: speedKHz}
	switch protoName {
	case "":
	case "swd":
		p := probe.ProtocolSWD
		opts.Protocol = &p
	case "jtag":
		p := probe.ProtocolJTAG
		opts.Protocol = &p
	default:
		return session.Options{}, fmt.Errorf("unknown protocol %q (want swd or jtag)", protoName)
	}
	return opts, nil
}

// openSession resolves the target description and connects. The caller
// owns the returned session and must Close it.
func openSession(targetFile, chipName string) (*session.Session, error) {
	if targetFile == "" {
		return nil, fmt.Errorf("a target description is required (--target-file)")
	}
	family, err := target.LoadFamily(targetFile)
	if err != nil {
		return nil, err
	}
	if chipName == "" {
		if len(family.Variants) != 1 {
			return nil, fmt.Errorf("family %q has %d chips, pick one with --chip", family.Name, len(family.Variants))
		}
		chipName = family.Variants[0].Name
	}
	opts, err := sessionOptions()
	if err != nil {
		return nil, err
	}
	p, err := openProbe()
	if err != nil {
		return nil, err
	}
	return session.New(p, family, chipName, opts)
}
