// Package cmd implements the otp command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/logging"
	"github.com/OpenTraceLab/OpenTraceProbe/internal/version"
)

var (
	// Global flags
	logLevel  string
	probeSel  string
	protoName string
	speedKHz  int
)

var rootCmd = &cobra.Command{
	Use:   "otp",
	Short: "Debug and flash embedded targets over USB probes",
	Long: `OpenTraceProbe talks to microcontroller debug ports through USB probes:
CMSIS-DAP, ST-Link, J-Link, WCH-Link, FTDI MPSSE, CH347, TI ICDI and
Glasgow.

Examples:
  otp list                                          # Show attached probes
  otp info --probe 0483:374b                        # Identify the target behind a probe
  otp flash firmware.elf --target-file stm32f4.yaml --chip STM32F407VG
  otp dump 0x08000000 256 --target-file stm32f4.yaml --chip STM32F407VG`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log verbosity (debug, info, warn, error); empty is silent")
	rootCmd.PersistentFlags().StringVarP(&probeSel, "probe", "p", "",
		"probe selector VID:PID[:serial], e.g. 0483:374b")
	rootCmd.PersistentFlags().StringVar(&protoName, "protocol", "",
		"wire protocol (swd, jtag); empty keeps the probe's default")
	rootCmd.PersistentFlags().IntVar(&speedKHz, "speed", 0,
		"interface clock in kHz; 0 keeps the probe's default")
}
