package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// TestAppendObservationRoundTrip verifies an appended observation reads back
// with its fields, priority and UTC timestamp intact.
func TestAppendObservationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")
	src := seedSource(t, store, "alice", "bio page")

	o := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         "alice",
		EntityID:       e.ID,
		EntityType:     "person",
		SourceID:       src.ID,
		SchemaVersion:  "1.0",
		ObservedAt:     testTime(0),
		SourcePriority: types.PriorityExtraction,
		Fields:         map[string]any{"name": "Ada", "projects": 2.0, "active": true},
		Metadata: &types.ExtractionMetadata{
			Warnings: []string{"email failed validation"},
		},
	}
	if err := store.AppendObservation(ctx, o); err != nil {
		t.Fatalf("AppendObservation failed: %v", err)
	}

	got, err := store.GetObservation(ctx, "alice", o.ID)
	if err != nil {
		t.Fatalf("GetObservation failed: %v", err)
	}
	if got.Fields["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", got.Fields["name"])
	}
	if got.Fields["projects"] != 2.0 {
		t.Errorf("projects = %v, want 2", got.Fields["projects"])
	}
	if got.Fields["active"] != true {
		t.Errorf("active = %v, want true", got.Fields["active"])
	}
	if got.SourcePriority != types.PriorityExtraction {
		t.Errorf("priority = %d, want %d", got.SourcePriority, types.PriorityExtraction)
	}
	if !got.ObservedAt.Equal(testTime(0)) || got.ObservedAt.Location() != time.UTC {
		t.Errorf("observed_at = %v, want %v UTC", got.ObservedAt, testTime(0))
	}
	if got.Metadata == nil || len(got.Metadata.Warnings) != 1 {
		t.Errorf("metadata warnings = %+v, want one warning", got.Metadata)
	}

	if _, err := store.GetObservation(ctx, "bob", o.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
}

// TestAppendObservationRejectsOffLadderPriority verifies the priority check
// constraint: only ladder values are accepted.
func TestAppendObservationRejectsOffLadderPriority(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")
	o := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         "alice",
		EntityID:       e.ID,
		EntityType:     "person",
		SchemaVersion:  "1.0",
		ObservedAt:     testTime(0),
		SourcePriority: 7,
		Fields:         map[string]any{"name": "Ada"},
	}
	if err := store.AppendObservation(ctx, o); err == nil {
		t.Fatal("expected check-constraint error for priority 7, got nil")
	}
}

// TestListObservationsOrderingAndAsOf verifies ascending (observed_at, id)
// ordering and the time-travel cutoff.
func TestListObservationsOrderingAndAsOf(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")
	o1 := seedObservation(t, store, e, testTime(0), types.PriorityExtraction, map[string]any{"name": "A"})
	o2 := seedObservation(t, store, e, testTime(10), types.PriorityStructured, map[string]any{"name": "Ada"})
	o3 := seedObservation(t, store, e, testTime(20), types.PriorityCorrection, map[string]any{"name": "Ada L"})

	all, err := store.ListObservations(ctx, types.ObservationFilter{UserID: "alice", EntityID: e.ID})
	if err != nil {
		t.Fatalf("ListObservations failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d observations, want 3", len(all))
	}
	for i, want := range []string{o1.ID, o2.ID, o3.ID} {
		if all[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, all[i].ID, want)
		}
	}

	cutoff := testTime(10)
	upTo, err := store.ListObservations(ctx, types.ObservationFilter{UserID: "alice", EntityID: e.ID, AsOf: &cutoff})
	if err != nil {
		t.Fatalf("ListObservations with AsOf failed: %v", err)
	}
	if len(upTo) != 2 {
		t.Errorf("as-of list returned %d observations, want 2", len(upTo))
	}
	for _, o := range upTo {
		if o.ID == o3.ID {
			t.Errorf("as-of list leaked later observation %s", o3.ID)
		}
	}
}

// TestListObservationsBySource verifies the source and interpretation filters.
func TestListObservationsBySource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")
	src := seedSource(t, store, "alice", "page one")
	in := seedInterpretation(t, store, src, types.InterpretationConfig{ModelID: "m1"}, testTime(0))

	tagged := &types.Observation{
		ID:               idgen.NewObservationID(),
		UserID:           "alice",
		EntityID:         e.ID,
		EntityType:       "person",
		SourceID:         src.ID,
		InterpretationID: in.ID,
		SchemaVersion:    "1.0",
		ObservedAt:       testTime(1),
		SourcePriority:   types.PriorityExtraction,
		Fields:           map[string]any{"name": "Ada"},
	}
	if err := store.AppendObservation(ctx, tagged); err != nil {
		t.Fatalf("AppendObservation failed: %v", err)
	}
	seedObservation(t, store, e, testTime(2), types.PriorityStructured, map[string]any{"name": "Ada L"})

	bySource, err := store.ListObservations(ctx, types.ObservationFilter{UserID: "alice", SourceID: src.ID})
	if err != nil {
		t.Fatalf("ListObservations by source failed: %v", err)
	}
	if len(bySource) != 1 || bySource[0].ID != tagged.ID {
		t.Errorf("source filter returned %d observations, want exactly %s", len(bySource), tagged.ID)
	}

	byRun, err := store.ListObservations(ctx, types.ObservationFilter{UserID: "alice", InterpretationID: in.ID})
	if err != nil {
		t.Fatalf("ListObservations by interpretation failed: %v", err)
	}
	if len(byRun) != 1 || byRun[0].ID != tagged.ID {
		t.Errorf("interpretation filter returned %d observations, want exactly %s", len(byRun), tagged.ID)
	}
}

// TestRelationshipObservationKeyDerivation verifies the key and hash are
// derived on insert when absent and the key filter pins the triple.
func TestRelationshipObservationKeyDerivation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	ada := seedEntity(t, store, "alice", "person", "person:ada")
	neo := seedEntity(t, store, "alice", "project", "project:neo")

	r := &types.RelationshipObservation{
		ID:               idgen.NewRelationshipObservationID(),
		UserID:           "alice",
		SourceEntityID:   ada.ID,
		RelationshipType: "works_on",
		TargetEntityID:   neo.ID,
		ObservedAt:       testTime(0),
		SourcePriority:   types.PriorityExtraction,
		Fields:           map[string]any{"role": "lead"},
	}
	if err := store.AppendRelationshipObservation(ctx, r); err != nil {
		t.Fatalf("AppendRelationshipObservation failed: %v", err)
	}

	wantKey := types.RelationshipKey(ada.ID, "works_on", neo.ID)
	got, err := store.ListRelationshipObservations(ctx, types.RelationshipObservationFilter{
		UserID: "alice", RelationshipKey: wantKey,
	})
	if err != nil {
		t.Fatalf("ListRelationshipObservations failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("key filter returned %d observations, want 1", len(got))
	}
	if got[0].RelationshipKey != wantKey {
		t.Errorf("relationship_key = %q, want %q", got[0].RelationshipKey, wantKey)
	}
	if len(got[0].CanonicalHash) != 24 {
		t.Errorf("canonical_hash length = %d, want 24", len(got[0].CanonicalHash))
	}
	if got[0].Fields["role"] != "lead" {
		t.Errorf("role = %v, want lead", got[0].Fields["role"])
	}

	keys, err := store.ListRelationshipKeysForEntity(ctx, "alice", neo.ID)
	if err != nil {
		t.Fatalf("ListRelationshipKeysForEntity failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != wantKey {
		t.Errorf("keys for target = %v, want [%s]", keys, wantKey)
	}
}
