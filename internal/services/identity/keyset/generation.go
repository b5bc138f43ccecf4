package keyset

import (
	"fmt"

	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

// Generation selects one stage of the stored key set.
type Generation int

const (
	// Current is the most recently stored key set.
	Current Generation = iota
	// Previous is the key set Current replaced.
	Previous
)

// FallbackOrder is the order generations are tried during verification.
var FallbackOrder = []Generation{Current, Previous}

// Stage returns the secret-store stage label of g.
func (g Generation) Stage() string {
	switch g {
	case Current:
		return storage.StageCurrent
	case Previous:
		return storage.StagePrevious
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (g Generation) String() string {
	if stage := g.Stage(); stage != "" {
		return stage
	}
	return fmt.Sprintf("Generation(%d)", int(g))
}
