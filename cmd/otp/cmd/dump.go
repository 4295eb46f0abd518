package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	dumpTargetFile string
	dumpChip       string
	dumpOut        string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <address> <length>",
	Short: "Read target memory",
	Long: `Halt the core and read a memory range. Address and length accept 0x
prefixes. Without --out the bytes are printed as a hex dump; with --out
they are written raw to a file.

Examples:
  otp dump 0x08000000 256 --target-file stm32f4.yaml --chip STM32F407VG
  otp dump 0x20000000 0x4000 --out sram.bin --target-file nrf52.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringVarP(&dumpTargetFile, "target-file", "t", "", "target description YAML")
	dumpCmd.Flags().StringVar(&dumpChip, "chip", "", "chip name within the family")
	dumpCmd.Flags().StringVarP(&dumpOut, "out", "o", "", "write raw bytes to this file")
}

func runDump(cmd *cobra.Command, args []string) error {
	address, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", args[0], err)
	}
	length, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("bad length %q: %w", args[1], err)
	}

	s, err := openSession(dumpTargetFile, dumpChip)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.Core("")
	if err != nil {
		return err
	}
	if _, err := c.Halt(time.Second); err != nil {
		return err
	}

	buf := make([]byte, length)
	if err := c.Read(address, buf); err != nil {
		return err
	}

	if dumpOut != "" {
		if err := os.WriteFile(dumpOut, buf, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(buf), dumpOut)
		return nil
	}

	d := hex.Dumper(os.Stdout)
	defer d.Close()
	_, err = d.Write(buf)
	return err
}
