package discovery

import "github.com/gurisko/scopectl/internal/resource"

// Discovered is a parsed resource together with the root that found it
type Discovered struct {
	Resource resource.Resource
	Root     int
}

// Dedupe merges resources sharing an ID. The survivor comes from the
// earliest root; within one root the lexically smaller file path wins.
// Output keeps the order in which each ID was first seen.
func Dedupe(items []Discovered) []resource.Resource {
	index := make(map[string]int, len(items))
	kept := make([]Discovered, 0, len(items))
	for _, d := range items {
		i, ok := index[d.Resource.ID]
		if !ok {
			index[d.Resource.ID] = len(kept)
			kept = append(kept, d)
			continue
		}
		if preferred(d, kept[i]) {
			kept[i] = d
		}
	}

	out := make([]resource.Resource, len(kept))
	for i, d := range kept {
		out[i] = d.Resource
	}
	return out
}

func preferred(a, b Discovered) bool {
	if a.Root != b.Root {
		return a.Root < b.Root
	}
	return a.Resource.FilePath < b.Resource.FilePath
}

// Admitter is the streaming form of Dedupe. Roots are scanned in priority
// order, so the first occurrence of an ID is the one to keep. Unlike Dedupe
// it cannot replace a resource already emitted, so two files in the same
// root defining one ID resolve in walk order rather than path order.
type Admitter struct {
	seen map[string]bool
}

// NewAdmitter creates an empty Admitter
func NewAdmitter() *Admitter {
	return &Admitter{seen: make(map[string]bool)}
}

// Admit reports whether r is the first resource with its ID
func (a *Admitter) Admit(r resource.Resource) bool {
	if a.seen[r.ID] {
		return false
	}
	a.seen[r.ID] = true
	return true
}
