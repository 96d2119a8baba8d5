// Package reduce computes entity and relationship snapshots from observation
// logs. Reduction is a pure function of the observation set and the schema
// definition: the same inputs always produce byte-identical field maps, no
// matter what order the observations arrived in.
package reduce

import (
	"sort"
	"strings"

	"github.com/neotoma-io/neotoma/internal/types"
)

// Compare ranks two observations in the reducer's total order:
// source_priority descending, observed_at descending, source_id ascending,
// observation id ascending. Returns a negative value when a outranks b.
// The two id tiebreakers make the order total, so no two distinct
// observations ever compare equal.
func Compare(a, b *types.Observation) int {
	if a.SourcePriority != b.SourcePriority {
		if a.SourcePriority > b.SourcePriority {
			return -1
		}
		return 1
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		if a.ObservedAt.After(b.ObservedAt) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort orders observations in place, strongest first.
func Sort(obs []*types.Observation) {
	sort.Slice(obs, func(i, j int) bool { return Compare(obs[i], obs[j]) < 0 })
}

// CompareRelationship ranks relationship observations by the same total order.
func CompareRelationship(a, b *types.RelationshipObservation) int {
	if a.SourcePriority != b.SourcePriority {
		if a.SourcePriority > b.SourcePriority {
			return -1
		}
		return 1
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		if a.ObservedAt.After(b.ObservedAt) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortRelationships orders relationship observations in place, strongest first.
func SortRelationships(obs []*types.RelationshipObservation) {
	sort.Slice(obs, func(i, j int) bool { return CompareRelationship(obs[i], obs[j]) < 0 })
}
