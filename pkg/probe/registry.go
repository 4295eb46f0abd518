package probe

import (
	"fmt"
	"sort"
)

// Factory enumerates and opens probes of one driver family.
type Factory struct {
	Name string

	// Probes lists currently attached probes this driver can serve.
	// Enumeration failures are reported as an empty list; discovery of
	// other families must not be blocked by one failing driver.
	Probes func() []Info

	// Open claims the probe. The returned driver owns the USB handle
	// until Detach.
	Open func(Info) (DebugProbe, error)
}

// Registry is the explicit list of probe factories, built once at startup.
// It is immutable after construction.
type Registry struct {
	factories []Factory
}

// NewRegistry builds a registry from the given factories.
func NewRegistry(factories ...Factory) *Registry {
	out := make([]Factory, len(factories))
	copy(out, factories)
	return &Registry{factories: out}
}

// List enumerates every attached probe across all factories, sorted by
// VID:PID:serial for stable output.
func (r *Registry) List() []Info {
	var all []Info
	for _, f := range r.factories {
		all = append(all, f.Probes()...)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.VendorID != b.VendorID {
			return a.VendorID < b.VendorID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.Serial < b.Serial
	})
	return all
}

// Open finds the unique probe matching the selector and opens it. It fails
// with ErrNotFound or ErrAmbiguous when the match is not unique.
func (r *Registry) Open(sel Selector) (DebugProbe, error) {
	type match struct {
		factory Factory
		info    Info
	}
	var matches []match
	for _, f := range r.factories {
		for _, info := range f.Probes() {
			if sel.Matches(info) {
				matches = append(matches, match{factory: f, info: info})
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
	case 1:
		return matches[0].factory.Open(matches[0].info)
	default:
		return nil, fmt.Errorf("%w: %s matches %d probes", ErrAmbiguous, sel, len(matches))
	}
}
