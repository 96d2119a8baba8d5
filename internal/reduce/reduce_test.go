package reduce_test

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/types"
)

var (
	t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func testEntity() *types.Entity {
	return &types.Entity{ID: "ent-1", UserID: "alice", EntityType: "document"}
}

func documentDef() *types.SchemaDefinition {
	return &types.SchemaDefinition{
		EntityType: "document",
		Version:    "1.0",
		Fields: []types.FieldDef{
			{Name: "title", Type: types.TypeString},
			{Name: "views", Type: types.TypeNumber},
			{Name: "floor", Type: types.TypeNumber},
			{Name: "amount", Type: types.TypeNumber, Precision: 2},
			{Name: "tags", Type: types.TypeSet},
			{Name: "aliases", Type: types.TypeSet},
			{Name: "updated", Type: types.TypeTimestamp},
		},
		MergePolicies: map[string]types.MergePolicy{
			"views":   types.MergeMax,
			"floor":   types.MergeMin,
			"tags":    types.MergeUnion,
			"aliases": types.MergeConcatDistinct,
		},
		ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveIdentity},
	}
}

func obs(id, sourceID string, priority int, at time.Time, fields map[string]any) *types.Observation {
	return &types.Observation{
		ID:             id,
		UserID:         "alice",
		EntityID:       "ent-1",
		EntityType:     "document",
		SourceID:       sourceID,
		SchemaVersion:  "1.0",
		ObservedAt:     at,
		SourcePriority: priority,
		Fields:         fields,
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestPriorityBeatsRecency(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-a", "src-1", types.PriorityExtraction, t2, map[string]any{"title": "Draft v2"}),
		obs("obs-b", "src-2", types.PriorityStructured, t1, map[string]any{"title": "Final v1"}),
	}

	snap := reduce.Reduce(def, testEntity(), observations, t2)
	if snap.Fields["title"] != "Final v1" {
		t.Errorf("structured input must beat newer extraction, got %v", snap.Fields["title"])
	}
	if snap.FieldProvenance["title"].ObservationID != "obs-b" {
		t.Errorf("provenance must point at the winner, got %+v", snap.FieldProvenance["title"])
	}
}

func TestCorrectionOutranksEverything(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-a", "src-1", types.PriorityExtraction, t2, map[string]any{"title": "Extracted"}),
		obs("obs-b", "src-2", types.PriorityStructured, t2, map[string]any{"title": "Structured"}),
		obs("obs-c", "", types.PriorityCorrection, t0, map[string]any{"title": "Corrected"}),
	}

	snap := reduce.Reduce(def, testEntity(), observations, t2)
	if snap.Fields["title"] != "Corrected" {
		t.Errorf("correction must win despite being oldest, got %v", snap.Fields["title"])
	}
}

func TestRecencyWinsWithinPriority(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-a", "src-1", types.PriorityExtraction, t1, map[string]any{"title": "older"}),
		obs("obs-b", "src-1", types.PriorityExtraction, t2, map[string]any{"title": "newer"}),
	}

	snap := reduce.Reduce(def, testEntity(), observations, t2)
	if snap.Fields["title"] != "newer" {
		t.Errorf("newer observation must win at equal priority, got %v", snap.Fields["title"])
	}
}

func TestTiebreakSourceThenObservationID(t *testing.T) {
	def := documentDef()

	// Same priority, same instant: ascending source_id breaks the tie.
	observations := []*types.Observation{
		obs("obs-z", "src-b", types.PriorityExtraction, t1, map[string]any{"title": "from b"}),
		obs("obs-a", "src-a", types.PriorityExtraction, t1, map[string]any{"title": "from a"}),
	}
	snap := reduce.Reduce(def, testEntity(), observations, t2)
	if snap.Fields["title"] != "from a" {
		t.Errorf("lower source_id must win the tie, got %v", snap.Fields["title"])
	}

	// Same source too: ascending observation id decides.
	observations = []*types.Observation{
		obs("obs-2", "src-a", types.PriorityExtraction, t1, map[string]any{"title": "second"}),
		obs("obs-1", "src-a", types.PriorityExtraction, t1, map[string]any{"title": "first"}),
	}
	snap = reduce.Reduce(def, testEntity(), observations, t2)
	if snap.Fields["title"] != "first" {
		t.Errorf("lower observation id must win the final tie, got %v", snap.Fields["title"])
	}
}

func TestReduceDeterministicAcrossShuffles(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{
			"title": "v1", "views": 10, "floor": 5, "tags": []any{"b", "a"}, "aliases": []any{"x"},
		}),
		obs("obs-2", "src-b", types.PriorityExtraction, t1, map[string]any{
			"title": "v2", "views": 25, "floor": 3, "tags": []any{"c", "a"}, "aliases": []any{"y", "x"},
		}),
		obs("obs-3", "src-a", types.PriorityStructured, t0, map[string]any{
			"title": "v3", "views": 7, "amount": "12.5",
		}),
		obs("obs-4", "src-c", types.PriorityExtraction, t1, map[string]any{
			"tags": []any{"d"}, "updated": "2026-01-02T10:00:00+02:00",
		}),
		obs("obs-5", "", types.PriorityCorrection, t2, map[string]any{
			"floor": 4,
		}),
	}

	baseline := reduce.Reduce(def, testEntity(), observations, t2)
	wantFields := mustJSON(t, baseline.Fields)
	wantProv := mustJSON(t, baseline.FieldProvenance)

	for seed := int64(1); seed <= 20; seed++ {
		shuffled := make([]*types.Observation, len(observations))
		copy(shuffled, observations)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		snap := reduce.Reduce(def, testEntity(), shuffled, t2)
		if got := mustJSON(t, snap.Fields); got != wantFields {
			t.Fatalf("seed %d: fields diverged\n got %s\nwant %s", seed, got, wantFields)
		}
		if got := mustJSON(t, snap.FieldProvenance); got != wantProv {
			t.Fatalf("seed %d: provenance diverged", seed)
		}
	}
}

func TestMergePolicies(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{
			"views": 10, "floor": 5, "tags": []any{"b", "a"}, "aliases": []any{"x", "y"},
		}),
		obs("obs-2", "src-b", types.PriorityStructured, t1, map[string]any{
			"views": 3, "floor": 9, "tags": []any{"c", "a"}, "aliases": []any{"z", "y"},
		}),
	}

	snap := reduce.Reduce(def, testEntity(), observations, t2)

	if got := mustJSON(t, snap.Fields["views"]); got != "10" {
		t.Errorf("max policy: want 10, got %s", got)
	}
	if snap.FieldProvenance["views"].ObservationID != "obs-1" {
		t.Errorf("max provenance must follow the supplying observation")
	}
	if got := mustJSON(t, snap.Fields["floor"]); got != "5" {
		t.Errorf("min policy: want 5, got %s", got)
	}
	if got := mustJSON(t, snap.Fields["tags"]); got != `["a","b","c"]` {
		t.Errorf("union policy: want sorted distinct union, got %s", got)
	}
	// concat_distinct walks strongest-first: structured obs-2 leads.
	if got := mustJSON(t, snap.Fields["aliases"]); got != `["z","y","x"]` {
		t.Errorf("concat_distinct policy: want rank-ordered distinct, got %s", got)
	}
}

func TestTombstoneAndRestore(t *testing.T) {
	def := documentDef()
	base := []*types.Observation{
		obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{"title": "alive"}),
		obs("obs-2", "", types.PriorityCorrection, t1, map[string]any{types.FieldDeleted: true}),
	}

	snap := reduce.Reduce(def, testEntity(), base, t2)
	if !snap.Deleted {
		t.Fatal("deletion marker must tombstone the snapshot")
	}
	if _, ok := snap.Fields[types.FieldDeleted]; ok {
		t.Error("the deletion marker must not appear among snapshot fields")
	}
	if snap.Fields["title"] != "alive" {
		t.Error("other fields still reduce on a tombstoned snapshot")
	}

	restored := append(base, obs("obs-3", "", types.PriorityRestoration, t2, map[string]any{types.FieldDeleted: false}))
	snap = reduce.Reduce(def, testEntity(), restored, t2)
	if snap.Deleted {
		t.Fatal("restoration outranks deletion on the priority ladder")
	}
	if snap.FieldProvenance[types.FieldDeleted].ObservationID != "obs-3" {
		t.Errorf("tombstone provenance must point at the restoration")
	}
}

func TestUnknownFieldLift(t *testing.T) {
	def := documentDef()
	def.Version = "1.1"
	def.Fields = append(def.Fields, types.FieldDef{Name: "purchase_order", Type: types.TypeString})

	o := obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{"title": "Invoice 9"})
	o.Metadata = &types.ExtractionMetadata{
		UnknownFields: map[string]any{"purchase_order": "PO-9", "still_unknown": "x"},
	}

	snap := reduce.Reduce(def, testEntity(), []*types.Observation{o}, t2)
	if snap.Fields["purchase_order"] != "PO-9" {
		t.Errorf("promoted field must lift from historical extraction metadata, got %v", snap.Fields["purchase_order"])
	}
	if _, ok := snap.Fields["still_unknown"]; ok {
		t.Error("fields the schema does not declare stay out of snapshots")
	}
	if snap.FieldProvenance["purchase_order"].ObservationID != "obs-1" {
		t.Error("lifted fields carry the historical observation's provenance")
	}
}

func TestDirectFieldBeatsLiftedValue(t *testing.T) {
	def := documentDef()
	def.Fields = append(def.Fields, types.FieldDef{Name: "purchase_order", Type: types.TypeString})

	o := obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{"purchase_order": "PO-direct"})
	o.Metadata = &types.ExtractionMetadata{UnknownFields: map[string]any{"purchase_order": "PO-stale"}}

	snap := reduce.Reduce(def, testEntity(), []*types.Observation{o}, t2)
	if snap.Fields["purchase_order"] != "PO-direct" {
		t.Errorf("a schema-known value outranks the same observation's metadata copy, got %v", snap.Fields["purchase_order"])
	}
}

func TestNormalizationInSnapshots(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{
			"amount":  "12.5",
			"updated": "2026-01-02T10:00:00+02:00",
			"views":   "1e3",
		}),
	}

	snap := reduce.Reduce(def, testEntity(), observations, t2)
	if got := mustJSON(t, snap.Fields["amount"]); got != "12.50" {
		t.Errorf("declared precision pads the canonical decimal, got %s", got)
	}
	if snap.Fields["updated"] != "2026-01-02T08:00:00Z" {
		t.Errorf("timestamps normalize to UTC RFC3339, got %v", snap.Fields["updated"])
	}
	if got := mustJSON(t, snap.Fields["views"]); got != "1000" {
		t.Errorf("scientific notation normalizes to plain decimal, got %s", got)
	}
}

func TestProvenanceChain(t *testing.T) {
	def := documentDef()
	observations := []*types.Observation{
		obs("obs-1", "src-a", types.PriorityExtraction, t0, map[string]any{"title": "first"}),
		obs("obs-2", "src-b", types.PriorityStructured, t1, map[string]any{"title": "second"}),
		obs("obs-3", "src-c", types.PriorityExtraction, t2, map[string]any{"views": 1}),
	}

	chain := reduce.ProvenanceChain(def, "title", observations)
	if len(chain) != 2 {
		t.Fatalf("expected winner + one runner-up, got %d entries", len(chain))
	}
	if chain[0].ObservationID != "obs-2" {
		t.Errorf("winner first: got %s", chain[0].ObservationID)
	}
	if chain[1].ObservationID != "obs-1" {
		t.Errorf("runners-up in total order: got %s", chain[1].ObservationID)
	}

	if got := reduce.ProvenanceChain(def, "missing", observations); got != nil {
		t.Errorf("no carriers means no chain, got %v", got)
	}
}

func TestReduceEmptyObservations(t *testing.T) {
	snap := reduce.Reduce(documentDef(), testEntity(), nil, t2)
	if snap.ObservationCount != 0 || len(snap.Fields) != 0 || snap.Deleted {
		t.Errorf("empty log reduces to an empty live snapshot, got %+v", snap)
	}
}

func TestReduceRelationship(t *testing.T) {
	relObs := func(id, src string, priority int, at time.Time, fields map[string]any) *types.RelationshipObservation {
		r := &types.RelationshipObservation{
			ID:               id,
			UserID:           "alice",
			SourceEntityID:   "ent-1",
			RelationshipType: "works_at",
			TargetEntityID:   "ent-2",
			SourceID:         src,
			ObservedAt:       at,
			SourcePriority:   priority,
			Fields:           fields,
		}
		r.SetKey()
		return r
	}

	observations := []*types.RelationshipObservation{
		relObs("rel-1", "src-a", types.PriorityExtraction, t0, map[string]any{"role": "engineer", "since": "2020"}),
		relObs("rel-2", "src-b", types.PriorityStructured, t1, map[string]any{"role": "manager"}),
	}

	snap := reduce.ReduceRelationship(observations, t2)
	if snap.RelationshipKey != "ent-1|works_at|ent-2" {
		t.Fatalf("unexpected relationship key %q", snap.RelationshipKey)
	}
	if len(snap.CanonicalHash) != 24 {
		t.Fatalf("canonical hash must be 24 hex chars, got %q", snap.CanonicalHash)
	}
	if snap.Fields["role"] != "manager" {
		t.Errorf("relationship fields are last-writer-wins, got %v", snap.Fields["role"])
	}
	if snap.Fields["since"] != "2020" {
		t.Errorf("weaker observations still contribute unclaimed fields, got %v", snap.Fields["since"])
	}
	if snap.ObservationCount != 2 {
		t.Errorf("expected observation count 2, got %d", snap.ObservationCount)
	}

	tombstoned := append(observations,
		relObs("rel-3", "", types.PriorityCorrection, t2, map[string]any{types.FieldDeleted: true}))
	snap = reduce.ReduceRelationship(tombstoned, t2)
	if !snap.Deleted {
		t.Error("relationship deletion marker must tombstone the snapshot")
	}

	if got := reduce.ReduceRelationship(nil, t2); got != nil {
		t.Errorf("no observations reduce to no snapshot, got %+v", got)
	}
}
