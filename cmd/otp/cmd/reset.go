package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	resetTargetFile string
	resetChip       string
	resetHalt       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the target system",
	Long: `Issue a system reset through the debug connection. With --halt the core
is caught on the first instruction out of reset and left halted.

Examples:
  otp reset --target-file stm32f4.yaml --chip STM32F407VG
  otp reset --halt --target-file gd32vf103.yaml`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().StringVarP(&resetTargetFile, "target-file", "t", "", "target description YAML")
	resetCmd.Flags().StringVar(&resetChip, "chip", "", "chip name within the family")
	resetCmd.Flags().BoolVar(&resetHalt, "halt", false, "halt the core out of reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	s, err := openSession(resetTargetFile, resetChip)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.Core("")
	if err != nil {
		return err
	}
	if resetHalt {
		if err := c.ResetAndHalt(time.Second); err != nil {
			return err
		}
		pc, err := c.ProgramCounter()
		if err != nil {
			return err
		}
		fmt.Printf("Halted out of reset at %#x\n", pc)
		return nil
	}
	if err := c.Reset(); err != nil {
		return err
	}
	fmt.Println("Target reset.")
	return nil
}
