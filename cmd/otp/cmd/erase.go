package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

var (
	eraseTargetFile string
	eraseChip       string
	eraseAlgorithm  string
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the target's flash",
	Long: `Erase all flash covered by the chip's algorithm: one EraseAll call when
the algorithm has that entry, sector by sector otherwise.

Examples:
  otp erase --target-file stm32f4.yaml --chip STM32F407VG`,
	Args: cobra.NoArgs,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)

	eraseCmd.Flags().StringVarP(&eraseTargetFile, "target-file", "t", "", "target description YAML")
	eraseCmd.Flags().StringVar(&eraseChip, "chip", "", "chip name within the family")
	eraseCmd.Flags().StringVar(&eraseAlgorithm, "algorithm", "", "flash algorithm name; default is the chip's first")
}

func runErase(cmd *cobra.Command, args []string) error {
	s, err := openSession(eraseTargetFile, eraseChip)
	if err != nil {
		return err
	}
	defer s.Close()

	var algo *target.FlashAlgorithm
	if eraseAlgorithm != "" {
		algo, err = s.Family().Algorithm(eraseAlgorithm)
	} else {
		var algos []*target.FlashAlgorithm
		algos, err = s.Family().AlgorithmsFor(s.Chip())
		if err == nil {
			if len(algos) == 0 {
				err = fmt.Errorf("chip %q names no flash algorithms", s.Chip().Name)
			} else {
				algo = algos[0]
			}
		}
	}
	if err != nil {
		return err
	}

	c, err := s.Core("")
	if err != nil {
		return err
	}
	if err := c.ResetAndHalt(time.Second); err != nil {
		return err
	}

	rt, err := flash.NewRuntime(c, algo)
	if err != nil {
		return err
	}
	if err := rt.Load(); err != nil {
		return err
	}

	props := algo.FlashProperties
	if err := rt.Init(flash.OpErase, uint64(props.AddressRange.Start), 0); err != nil {
		return err
	}

	start := time.Now()
	if rt.SupportsEraseAll() {
		fmt.Println("Erasing chip...")
		if err := rt.EraseAll(); err != nil {
			return err
		}
	} else {
		fmt.Printf("Erasing %d KiB sector by sector...\n", props.AddressRange.Length()/1024)
		for addr := uint64(props.AddressRange.Start); addr < uint64(props.AddressRange.End); {
			base, size, ok := props.SectorAt(addr)
			if !ok {
				return fmt.Errorf("no sector layout at %#x", addr)
			}
			if !s.Chip().AliasAt(base) {
				if err := rt.EraseSector(base); err != nil {
					return err
				}
			}
			addr = base + size
		}
	}
	if err := rt.UnInit(flash.OpErase); err != nil {
		return err
	}
	fmt.Printf("Erased in %.1fs.\n", time.Since(start).Seconds())
	return nil
}
