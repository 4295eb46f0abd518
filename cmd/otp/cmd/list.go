package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached debug probes",
	Long: `Enumerate every attached probe across all supported driver families.

The printed VID:PID:serial triple is accepted by --probe on the other
commands. Glasgow devices do not show up here; address them explicitly
with --probe.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	probes := registry().List()
	if len(probes) == 0 {
		fmt.Println("No debug probes found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tVID:PID\tSERIAL")
	for _, p := range probes {
		fmt.Fprintf(w, "%s\t%s\t%04x:%04x\t%s\n", p.Kind, p.Name, p.VendorID, p.ProductID, p.Serial)
	}
	return w.Flush()
}
