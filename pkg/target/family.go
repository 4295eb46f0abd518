package target

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFamily decodes and validates one family description.
func ParseFamily(data []byte) (*Family, error) {
	var f Family
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("target: parse family: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFamily reads a family description from a YAML file.
func LoadFamily(path string) (*Family, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	return ParseFamily(data)
}

// Marshal serializes the family back to YAML.
func (f *Family) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate checks the family invariants: unique chip names, resolvable
// algorithm references, owned NVM regions, and non-overlapping per-core
// region ranges.
func (f *Family) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("target: family has no name")
	}
	algoNames := make(map[string]bool, len(f.FlashAlgorithms))
	for _, a := range f.FlashAlgorithms {
		if algoNames[a.Name] {
			return fmt.Errorf("target: duplicate flash algorithm %q", a.Name)
		}
		algoNames[a.Name] = true
	}

	chipNames := make(map[string]bool, len(f.Variants))
	for i := range f.Variants {
		chip := &f.Variants[i]
		if chipNames[chip.Name] {
			return fmt.Errorf("target: duplicate chip %q", chip.Name)
		}
		chipNames[chip.Name] = true

		if len(chip.Cores) == 0 {
			return fmt.Errorf("target: chip %q has no cores", chip.Name)
		}
		coreNames := make(map[string]bool, len(chip.Cores))
		for _, c := range chip.Cores {
			if !c.Kind.Valid() {
				return fmt.Errorf("target: chip %q core %q has unknown kind %q", chip.Name, c.Name, c.Kind)
			}
			coreNames[c.Name] = true
		}

		for _, name := range chip.FlashAlgorithms {
			if !algoNames[name] {
				return fmt.Errorf("target: chip %q references unknown algorithm %q", chip.Name, name)
			}
		}

		for ri, r := range chip.MemoryMap {
			if r.Range.End <= r.Range.Start {
				return fmt.Errorf("target: chip %q region %d has empty range", chip.Name, ri)
			}
			for _, owner := range r.Cores {
				if !coreNames[owner] {
					return fmt.Errorf("target: chip %q region %d names unknown core %q", chip.Name, ri, owner)
				}
			}
			if r.Kind == RegionNvm && len(r.Cores) == 0 {
				return fmt.Errorf("target: chip %q NVM region %d has no owning core", chip.Name, ri)
			}
		}
		if err := checkRegionOverlap(chip); err != nil {
			return err
		}
	}
	return nil
}

// checkRegionOverlap rejects overlapping ranges among regions sharing a
// core.
func checkRegionOverlap(chip *Chip) error {
	for i := range chip.MemoryMap {
		for j := i + 1; j < len(chip.MemoryMap); j++ {
			a, b := &chip.MemoryMap[i], &chip.MemoryMap[j]
			if !a.Range.Overlaps(b.Range) {
				continue
			}
			if shareCore(a.Cores, b.Cores) {
				return fmt.Errorf("target: chip %q regions %d and %d overlap for the same core",
					chip.Name, i, j)
			}
		}
	}
	return nil
}

func shareCore(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Chip returns the named variant, matching case-insensitively.
func (f *Family) Chip(name string) (*Chip, error) {
	for i := range f.Variants {
		if strings.EqualFold(f.Variants[i].Name, name) {
			return &f.Variants[i], nil
		}
	}
	return nil, fmt.Errorf("target: family %q has no chip %q", f.Name, name)
}

// Algorithm returns the named entry of the family's algorithm pool.
func (f *Family) Algorithm(name string) (*FlashAlgorithm, error) {
	for i := range f.FlashAlgorithms {
		if f.FlashAlgorithms[i].Name == name {
			return &f.FlashAlgorithms[i], nil
		}
	}
	return nil, fmt.Errorf("target: family %q has no algorithm %q", f.Name, name)
}

// AlgorithmsFor resolves a chip's algorithm references against the pool.
func (f *Family) AlgorithmsFor(chip *Chip) ([]*FlashAlgorithm, error) {
	out := make([]*FlashAlgorithm, 0, len(chip.FlashAlgorithms))
	for _, name := range chip.FlashAlgorithms {
		a, err := f.Algorithm(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// AlgorithmForRegion picks the algorithm whose address range covers the
// given NVM region.
func (f *Family) AlgorithmForRegion(chip *Chip, region *MemoryRegion) (*FlashAlgorithm, error) {
	algos, err := f.AlgorithmsFor(chip)
	if err != nil {
		return nil, err
	}
	for _, a := range algos {
		if a.FlashProperties.AddressRange.Contains(uint64(region.Range.Start), region.Range.Length()) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("target: chip %q has no algorithm for region %#x..%#x",
		chip.Name, uint64(region.Range.Start), uint64(region.Range.End))
}

// RegionAt finds the memory map entry containing the address range.
func (c *Chip) RegionAt(address, length uint64) *MemoryRegion {
	for i := range c.MemoryMap {
		if c.MemoryMap[i].Range.Contains(address, length) {
			return &c.MemoryMap[i]
		}
	}
	return nil
}

// Core returns the named core descriptor, or the first core when name is
// empty.
func (c *Chip) Core(name string) (*CoreDescriptor, error) {
	if name == "" && len(c.Cores) > 0 {
		return &c.Cores[0], nil
	}
	for i := range c.Cores {
		if c.Cores[i].Name == name {
			return &c.Cores[i], nil
		}
	}
	return nil, fmt.Errorf("target: chip %q has no core %q", c.Name, name)
}
