package reduce

import (
	"sort"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

// Reduce folds an entity's observation log into a snapshot under def. Pure:
// given the same definition and observation set it produces identical field
// and provenance maps regardless of input order. The caller's slice is not
// mutated.
//
// Fields the definition does not declare never enter the snapshot. Fields the
// definition declares but an old observation recorded as unknown are lifted
// out of its extraction metadata, which is how promoted fields surface from
// historical observations without re-ingestion.
func Reduce(def *types.SchemaDefinition, entity *types.Entity, observations []*types.Observation, computedAt time.Time) *types.EntitySnapshot {
	obs := make([]*types.Observation, len(observations))
	copy(obs, observations)
	Sort(obs)

	snap := &types.EntitySnapshot{
		EntityID:         entity.ID,
		EntityType:       entity.EntityType,
		UserID:           entity.UserID,
		Fields:           make(map[string]any),
		FieldProvenance:  make(map[string]types.FieldProvenance),
		ObservationCount: len(obs),
		ComputedAt:       computedAt.UTC(),
	}

	for _, name := range fieldUniverse(def, obs) {
		if name == types.FieldDeleted {
			continue
		}
		fd, _ := def.FieldByName(name)
		value, prov, ok := mergeField(def, fd, name, obs)
		if !ok {
			continue
		}
		snap.Fields[name] = value
		snap.FieldProvenance[name] = prov
	}

	if deleted, prov, ok := deletionState(obs); ok {
		snap.Deleted = deleted
		snap.FieldProvenance[types.FieldDeleted] = prov
	}

	snap.CanonicalName = CanonicalName(def, snap.Fields)
	return snap
}

// effectiveValue returns the observation's value for a declared field,
// lifting from unknown-field metadata when the field was recorded before its
// promotion into the schema.
func effectiveValue(o *types.Observation, name string) (any, bool) {
	if v, ok := o.Fields[name]; ok {
		return v, true
	}
	if o.Metadata != nil {
		if v, ok := o.Metadata.UnknownFields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// fieldUniverse returns the sorted set of declared fields that at least one
// observation carries.
func fieldUniverse(def *types.SchemaDefinition, obs []*types.Observation) []string {
	seen := make(map[string]bool)
	for _, o := range obs {
		for name := range o.Fields {
			if !seen[name] && def.KnownField(name) {
				seen[name] = true
			}
		}
		if o.Metadata == nil {
			continue
		}
		for name := range o.Metadata.UnknownFields {
			if !seen[name] && def.KnownField(name) {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeField computes the winning value and provenance for one field. obs
// must already be in total order, strongest first.
func mergeField(def *types.SchemaDefinition, fd types.FieldDef, name string, obs []*types.Observation) (any, types.FieldProvenance, bool) {
	switch def.Policy(name) {
	case types.MergeMax:
		return extremeField(fd, name, obs, 1)
	case types.MergeMin:
		return extremeField(fd, name, obs, -1)
	case types.MergeUnion:
		return unionField(fd, name, obs, false)
	case types.MergeConcatDistinct:
		return unionField(fd, name, obs, true)
	default:
		for _, o := range obs {
			if v, ok := effectiveValue(o, name); ok {
				return NormalizeValue(fd, v), provenanceOf(o), true
			}
		}
	}
	return nil, types.FieldProvenance{}, false
}

// extremeField keeps the maximum (sign > 0) or minimum (sign < 0) normalized
// value. Ties keep the stronger observation. Nil values cannot be ordered and
// are skipped; when every carrier is nil the strongest carrier wins with nil.
func extremeField(fd types.FieldDef, name string, obs []*types.Observation, sign int) (any, types.FieldProvenance, bool) {
	var (
		best     any
		bestProv types.FieldProvenance
		found    bool
		anyProv  types.FieldProvenance
		anySeen  bool
	)
	for _, o := range obs {
		v, ok := effectiveValue(o, name)
		if !ok {
			continue
		}
		if !anySeen {
			anySeen = true
			anyProv = provenanceOf(o)
		}
		if v == nil {
			continue
		}
		nv := NormalizeValue(fd, v)
		if !found {
			best, bestProv, found = nv, provenanceOf(o), true
			continue
		}
		if c := compareValues(fd, nv, best); (sign > 0 && c > 0) || (sign < 0 && c < 0) {
			best, bestProv = nv, provenanceOf(o)
		}
	}
	if found {
		return best, bestProv, true
	}
	if anySeen {
		return nil, anyProv, true
	}
	return nil, types.FieldProvenance{}, false
}

// unionField accumulates set elements across observations. ordered=false
// sorts the union canonically; ordered=true keeps first-seen order walking
// strongest observation first (concat_distinct).
func unionField(fd types.FieldDef, name string, obs []*types.Observation, ordered bool) (any, types.FieldProvenance, bool) {
	var (
		elems []any
		seen  = make(map[string]bool)
		prov  types.FieldProvenance
		found bool
	)
	for _, o := range obs {
		v, ok := effectiveValue(o, name)
		if !ok || v == nil {
			continue
		}
		if !found {
			found = true
			prov = provenanceOf(o)
		}
		for _, e := range setElements(v) {
			k := encodeForOrder(e)
			if seen[k] {
				continue
			}
			seen[k] = true
			elems = append(elems, e)
		}
	}
	if !found {
		return nil, types.FieldProvenance{}, false
	}
	if !ordered {
		sort.Slice(elems, func(i, j int) bool {
			return encodeForOrder(elems[i]) < encodeForOrder(elems[j])
		})
	}
	if elems == nil {
		elems = []any{}
	}
	return elems, prov, true
}

func setElements(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// deletionState resolves the tombstone marker. Corrections assert
// _deleted=true at priority 1000; restorations assert false at 1001, so the
// ladder itself makes restoration win. Absent any marker the entity is live.
func deletionState(obs []*types.Observation) (bool, types.FieldProvenance, bool) {
	for _, o := range obs {
		if v, ok := o.Fields[types.FieldDeleted]; ok {
			b, _ := v.(bool)
			return b, provenanceOf(o), true
		}
	}
	return false, types.FieldProvenance{}, false
}

func provenanceOf(o *types.Observation) types.FieldProvenance {
	return types.FieldProvenance{
		ObservationID:    o.ID,
		SourceID:         o.SourceID,
		InterpretationID: o.InterpretationID,
		SourcePriority:   o.SourcePriority,
		ObservedAt:       o.ObservedAt.UTC(),
	}
}

// ProvenanceChain returns the full provenance for one field: the winning
// observation first, then every other carrier in total order. Empty when no
// observation carries the field.
func ProvenanceChain(def *types.SchemaDefinition, name string, observations []*types.Observation) []types.FieldProvenance {
	obs := make([]*types.Observation, len(observations))
	copy(obs, observations)
	Sort(obs)

	fd, _ := def.FieldByName(name)
	_, winner, ok := mergeField(def, fd, name, obs)
	if !ok {
		return nil
	}
	chain := []types.FieldProvenance{winner}
	for _, o := range obs {
		if _, carries := effectiveValue(o, name); !carries {
			continue
		}
		if o.ID == winner.ObservationID {
			continue
		}
		chain = append(chain, provenanceOf(o))
	}
	return chain
}

// ReduceRelationship folds a relationship triple's observations into a
// snapshot. Relationships carry no schema, so every field is last-writer-wins
// and values are stored as observed.
func ReduceRelationship(observations []*types.RelationshipObservation, computedAt time.Time) *types.RelationshipSnapshot {
	if len(observations) == 0 {
		return nil
	}
	obs := make([]*types.RelationshipObservation, len(observations))
	copy(obs, observations)
	SortRelationships(obs)

	head := obs[0]
	snap := &types.RelationshipSnapshot{
		RelationshipKey:  head.RelationshipKey,
		CanonicalHash:    head.CanonicalHash,
		UserID:           head.UserID,
		SourceEntityID:   head.SourceEntityID,
		RelationshipType: head.RelationshipType,
		TargetEntityID:   head.TargetEntityID,
		Fields:           make(map[string]any),
		FieldProvenance:  make(map[string]types.FieldProvenance),
		ObservationCount: len(obs),
		ComputedAt:       computedAt.UTC(),
	}

	for _, o := range obs {
		for name, v := range o.Fields {
			if name == types.FieldDeleted {
				continue
			}
			if _, won := snap.Fields[name]; won {
				continue
			}
			snap.Fields[name] = v
			snap.FieldProvenance[name] = relationshipProvenanceOf(o)
		}
	}

	for _, o := range obs {
		if v, ok := o.Fields[types.FieldDeleted]; ok {
			b, _ := v.(bool)
			snap.Deleted = b
			snap.FieldProvenance[types.FieldDeleted] = relationshipProvenanceOf(o)
			break
		}
	}
	return snap
}

func relationshipProvenanceOf(o *types.RelationshipObservation) types.FieldProvenance {
	return types.FieldProvenance{
		ObservationID:    o.ID,
		SourceID:         o.SourceID,
		InterpretationID: o.InterpretationID,
		SourcePriority:   o.SourcePriority,
		ObservedAt:       o.ObservedAt.UTC(),
	}
}
