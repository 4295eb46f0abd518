package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/coresight"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/probe"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the probe and the target behind it",
	Long: `Open the selected probe, bring the wire protocol up, and report what is
reachable: the debug port IDR and, for ARM targets, the CoreSight
component tree behind the first MEM-AP.

No target description is needed; info works on unknown chips.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	p, err := openProbe()
	if err != nil {
		return err
	}
	defer p.Detach()

	opts, err := sessionOptions()
	if err != nil {
		return err
	}
	if opts.Protocol != nil {
		if err := p.SelectProtocol(*opts.Protocol); err != nil {
			return err
		}
	}
	if opts.SpeedKHz > 0 {
		if err := p.SetSpeedKHz(opts.SpeedKHz); err != nil {
			return err
		}
	}
	if err := p.Attach(); err != nil {
		return err
	}

	info := p.Info()
	fmt.Printf("Probe:    %s\n", info.Label())
	fmt.Printf("Protocol: %s at %d kHz\n", p.Protocol(), p.SpeedKHz())

	if j, ok := p.Jtag(); ok && p.Protocol() == probe.ProtocolJTAG {
		printChain(j)
	}

	raw, ok := p.RawDap()
	if !ok {
		fmt.Println("Target:   no raw debug port access on this probe")
		return nil
	}
	iface := dap.New(raw, dap.ADIv5)
	if err := iface.Connect(probe.DpAddress{}); err != nil {
		return fmt.Errorf("debug port: %w", err)
	}
	dpidr, err := iface.ReadDpRegister(0x0)
	if err != nil {
		return err
	}
	fmt.Printf("DPIDR:    %#08x\n", dpidr)

	for apIndex := uint8(0); apIndex < 8; apIndex++ {
		ap := dap.V5(apIndex)
		idr, ok := iface.ProbeAp(ap)
		if !ok {
			break
		}
		fmt.Printf("AP%d:      IDR %#08x\n", apIndex, idr)
		mem, err := dap.NewMemoryAP(iface, ap)
		if err != nil {
			continue
		}
		base, err := iface.ReadApRegister(ap, dap.MemApBase)
		if err != nil || base == 0xFFFFFFFF || base&0x2 == 0 {
			continue
		}
		root, err := coresight.Discover(mem, uint64(base)&^uint64(0xFFF))
		if err != nil {
			fmt.Printf("          ROM table unreadable: %v\n", err)
			continue
		}
		printComponent(root, "          ")
	}
	return nil
}

func printChain(j probe.JtagAccess) {
	sched := probe.NewChainScheduler(j)
	ids, err := sched.ScanIDCodes(16)
	if err != nil {
		fmt.Printf("Chain:    scan failed: %v\n", err)
		return
	}
	for n, raw := range ids {
		fmt.Printf("TAP%d:     %#08x  %s\n", n, raw, idcode.Decode(raw))
	}
}

func printComponent(c coresight.Component, indent string) {
	fmt.Printf("%s%#010x %-8s %s (part %#03x, %s)\n",
		indent, c.ID.BaseAddress, c.ID.Class, c.Peripheral, c.ID.PartNumber, c.ID.Designer.Name)
	for _, child := range c.Children {
		printComponent(child, indent+"  ")
	}
}
