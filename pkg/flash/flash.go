// Package flash programs on-chip non-volatile memory by running vendor
// flash algorithms on the target CPU. The Runtime loads one algorithm blob
// into target RAM and drives its entry points; the Loader turns user image
// chunks into a sector/page layout and commits it region by region.
package flash

import (
	"fmt"
	"time"
)

// AlgorithmError reports a non-zero status code returned by an algorithm
// entry point. The region is aborted after a best-effort UnInit.
type AlgorithmError struct {
	Function string
	Code     uint32
	Address  uint64
}

func (e *AlgorithmError) Error() string {
	if e.Address != 0 {
		return fmt.Sprintf("flash: %s(%#x) returned %#x", e.Function, e.Address, e.Code)
	}
	return fmt.Sprintf("flash: %s returned %#x", e.Function, e.Code)
}

// RegionError reports image bytes that no memory map entry covers.
type RegionError struct {
	Address uint64
	Length  uint64
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("flash: no suitable memory region for %#x..%#x",
		e.Address, e.Address+e.Length)
}

// OverlapError reports two image chunks claiming the same address.
type OverlapError struct {
	Address uint64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("flash: image data overlaps at %#x", e.Address)
}

// Event is one element of the progress stream emitted during a flash
// operation. Exactly one Initialized precedes everything else; every
// Started has a matching Finished or Failed.
type Event interface {
	isEvent()
}

type Initialized struct {
	ChipErase bool
	Layouts   []*Layout
}

type StartedErasing struct {
	// TotalBytes is the sum of all sector sizes about to be erased.
	TotalBytes uint64
}

type SectorErased struct {
	Size    uint64
	Elapsed time.Duration
}

type FinishedErasing struct{}

type FailedErasing struct {
	Err error
}

type StartedProgramming struct {
	TotalBytes uint64
}

type PageProgrammed struct {
	Size    uint64
	Elapsed time.Duration
}

type FinishedProgramming struct{}

type FailedProgramming struct {
	Err error
}

func (Initialized) isEvent()         {}
func (StartedErasing) isEvent()      {}
func (SectorErased) isEvent()        {}
func (FinishedErasing) isEvent()     {}
func (FailedErasing) isEvent()       {}
func (StartedProgramming) isEvent()  {}
func (PageProgrammed) isEvent()      {}
func (FinishedProgramming) isEvent() {}
func (FailedProgramming) isEvent()   {}

// ProgressFunc receives events synchronously from the loader's calling
// goroutine. It must not block indefinitely.
type ProgressFunc func(Event)

func (f ProgressFunc) emit(e Event) {
	if f != nil {
		f(e)
	}
}
