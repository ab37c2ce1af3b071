// Package detect classifies the difference between two page snapshots.
package detect

import (
	"maps"
	"slices"

	"pagewatch/pkg/watch"
)

// Kind is the classification of a snapshot comparison.
type Kind int

const (
	Unchanged Kind = iota
	Changed
	Missing
)

func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Missing:
		return "missing"
	default:
		return "unchanged"
	}
}

// Result is the outcome of Compare. Changes is set only for Changed, Missing only for Missing.
type Result struct {
	Changes []watch.Change
	Missing []string
	Kind    Kind
}

// Compare classifies next against prev.
//
// An empty prev is a baseline and always yields Unchanged. A selector that was
// present in prev and is absent in next makes the result Missing, which wins
// over any text change in the same comparison. Selectors absent in prev are
// ignored: their first appearance only establishes a new baseline.
func Compare(prev, next watch.Snapshot) Result {
	if len(prev) == 0 {
		return Result{Kind: Unchanged}
	}

	var missing []string
	var changes []watch.Change
	for _, sel := range slices.Sorted(maps.Keys(prev)) {
		old := prev[sel]
		cur, ok := next[sel]
		if !ok {
			missing = append(missing, sel)
			continue
		}
		if cur != old {
			changes = append(changes, watch.Change{Selector: sel, Old: old, New: cur})
		}
	}

	switch {
	case len(missing) > 0:
		return Result{Kind: Missing, Missing: missing}
	case len(changes) > 0:
		return Result{Kind: Changed, Changes: changes}
	default:
		return Result{Kind: Unchanged}
	}
}
