package target

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/core"
)

// ResetSequence hooks vendor-specific connection and reset quirks into the
// session. Chips select a sequence by name in their description file.
type ResetSequence interface {
	// OnConnect runs right after the debug connection comes up, before
	// the first core operation.
	OnConnect(c core.Core) error

	// ResetSystemAndHalt replaces the architectural reset-and-halt for
	// chips where the standard mechanism is broken or insufficient.
	ResetSystemAndHalt(c core.Core, timeout time.Duration) error
}

var (
	resetMu        sync.RWMutex
	resetSequences = map[string]ResetSequence{}
)

// RegisterResetSequence installs a named sequence. Registering a duplicate
// name panics, mirroring database/sql driver registration.
func RegisterResetSequence(name string, seq ResetSequence) {
	resetMu.Lock()
	defer resetMu.Unlock()
	if _, dup := resetSequences[name]; dup {
		panic(fmt.Sprintf("target: reset sequence %q registered twice", name))
	}
	resetSequences[name] = seq
}

// LookupResetSequence resolves a chip's reset_sequence name. An empty name
// returns the default sequence.
func LookupResetSequence(name string) (ResetSequence, error) {
	if name == "" {
		return defaultResetSequence{}, nil
	}
	resetMu.RLock()
	defer resetMu.RUnlock()
	if seq, ok := resetSequences[name]; ok {
		return seq, nil
	}
	return nil, fmt.Errorf("target: unknown reset sequence %q (have %v)", name, resetSequenceNames())
}

func resetSequenceNames() []string {
	names := make([]string, 0, len(resetSequences))
	for n := range resetSequences {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// defaultResetSequence uses the core's architectural mechanisms unchanged.
type defaultResetSequence struct{}

func (defaultResetSequence) OnConnect(core.Core) error { return nil }

func (defaultResetSequence) ResetSystemAndHalt(c core.Core, timeout time.Duration) error {
	return c.ResetAndHalt(timeout)
}
