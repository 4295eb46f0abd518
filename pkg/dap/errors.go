package dap

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedTransferWidth is returned when a request needs a
	// transfer width the AP does not implement, such as a byte access on
	// an AP limited to word transfers. Callers can fall back to an
	// aligned access pattern.
	ErrUnsupportedTransferWidth = errors.New("dap: transfer width not supported by this AP")

	// ErrNoMemAp means the addressed AP is not a MEM-AP.
	ErrNoMemAp = errors.New("dap: access port is not a MEM-AP")

	// ErrPowerUp means the debug domain did not acknowledge power-up.
	ErrPowerUp = errors.New("dap: debug power-up request not acknowledged")
)

// AddressError reports a memory access outside the AP's addressable range,
// for example a 64-bit address on an AP without the large address extension.
type AddressError struct {
	Address uint64
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("dap: address %#x not reachable through this AP", e.Address)
}
