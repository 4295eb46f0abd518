package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
)

var (
	flashTargetFile string
	flashChip       string
	flashAddress    string
	flashVerify     bool
	flashKeep       bool
	flashChipErase  bool
	flashNoReset    bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Program an image into target flash",
	Long: `Stage an image against the chip's memory map and program it. ELF images
place themselves through their program headers; raw binaries need
--address. Programming runs the chip's flash algorithm on the target.

Examples:
  otp flash firmware.elf --target-file stm32f4.yaml --chip STM32F407VG
  otp flash app.bin --address 0x08004000 --target-file stm32f4.yaml --chip STM32F407VG
  otp flash firmware.elf --verify --keep-unwritten --target-file nrf52.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().StringVarP(&flashTargetFile, "target-file", "t", "", "target description YAML")
	flashCmd.Flags().StringVar(&flashChip, "chip", "", "chip name within the family")
	flashCmd.Flags().StringVar(&flashAddress, "address", "", "load address for raw binaries")
	flashCmd.Flags().BoolVar(&flashVerify, "verify", false, "verify after programming")
	flashCmd.Flags().BoolVar(&flashKeep, "keep-unwritten", false, "preserve flash bytes the image does not cover")
	flashCmd.Flags().BoolVar(&flashChipErase, "chip-erase", false, "erase the whole chip instead of touched sectors")
	flashCmd.Flags().BoolVar(&flashNoReset, "no-reset", false, "leave the target halted instead of resetting")
}

func runFlash(cmd *cobra.Command, args []string) error {
	path := args[0]

	s, err := openSession(flashTargetFile, flashChip)
	if err != nil {
		return err
	}
	defer s.Close()

	ld, err := s.Loader(flash.Options{
		Verify:        flashVerify,
		KeepUnwritten: flashKeep,
		ChipErase:     flashChipErase,
	})
	if err != nil {
		return err
	}
	ld.OnProgress(printProgress)

	if err := stageImage(ld, path); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	start := time.Now()
	if err := ld.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("Done in %.1fs.\n", time.Since(start).Seconds())

	if !flashNoReset {
		// The loader holds the core lease; take it back for the reset.
		s.Release("")
		c, err := s.Core("")
		if err != nil {
			return err
		}
		if err := c.Reset(); err != nil {
			return fmt.Errorf("reset after programming: %w", err)
		}
	}
	return nil
}

func stageImage(ld *flash.Loader, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if flashAddress != "" {
		address, err := strconv.ParseUint(flashAddress, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", flashAddress, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return ld.AddData(address, data)
	}
	return ld.AddElf(f)
}

func printProgress(e flash.Event) {
	switch ev := e.(type) {
	case flash.StartedErasing:
		fmt.Printf("Erasing %d KiB...\n", ev.TotalBytes/1024)
	case flash.FinishedErasing:
		fmt.Println("Erase done.")
	case flash.StartedProgramming:
		fmt.Printf("Programming %d KiB...\n", ev.TotalBytes/1024)
	case flash.FinishedProgramming:
		fmt.Println("Programming done.")
	}
}
