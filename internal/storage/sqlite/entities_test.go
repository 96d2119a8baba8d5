package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// TestResolutionKeyUniquePerTypeAndTenant verifies the
// (user_id, entity_type, resolution_key) constraint: a second entity with the
// same key conflicts, while another type or another tenant does not.
func TestResolutionKeyUniquePerTypeAndTenant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	seedEntity(t, store, "alice", "person", "person:ada")

	dup := &types.Entity{
		ID:            idgen.NewEntityID(),
		UserID:        "alice",
		EntityType:    "person",
		ResolutionKey: "person:ada",
	}
	if err := store.CreateEntity(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate resolution key, got %v", err)
	}

	// Same key string under a different type is a different identity space.
	seedEntity(t, store, "alice", "project", "person:ada")
	// And so is the same key under a different tenant.
	seedEntity(t, store, "bob", "person", "person:ada")
}

// TestGetEntityByResolutionKey verifies the resolver's lookup path.
func TestGetEntityByResolutionKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")

	got, err := store.GetEntityByResolutionKey(ctx, "alice", "person", "person:ada")
	if err != nil {
		t.Fatalf("GetEntityByResolutionKey failed: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("lookup returned %s, want %s", got.ID, e.ID)
	}

	if _, err := store.GetEntityByResolutionKey(ctx, "alice", "person", "person:grace"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown key, got %v", err)
	}
	if _, err := store.GetEntityByResolutionKey(ctx, "bob", "person", "person:ada"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
}

// TestListEntitiesExcludesMergedByDefault verifies redirected entities are
// hidden from the default listing and visible with IncludeMerged.
func TestListEntitiesExcludesMergedByDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	winner := seedEntity(t, store, "alice", "person", "person:ada")
	loser := seedEntity(t, store, "alice", "person", "person:ada-dup")
	seedEntity(t, store, "alice", "project", "project:neo")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.MarkEntityMerged(ctx, "alice", loser.ID, winner.ID, testTime(0))
	})
	if err != nil {
		t.Fatalf("merge transaction failed: %v", err)
	}

	people, err := store.ListEntities(ctx, types.EntityFilter{UserID: "alice", EntityType: "person"})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(people) != 1 || people[0].ID != winner.ID {
		t.Errorf("default list returned %d people, want only %s", len(people), winner.ID)
	}

	all, err := store.ListEntities(ctx, types.EntityFilter{UserID: "alice", EntityType: "person", IncludeMerged: true})
	if err != nil {
		t.Fatalf("ListEntities with IncludeMerged failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("IncludeMerged list returned %d people, want 2", len(all))
	}

	got, err := store.GetEntity(ctx, "alice", loser.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !got.IsMerged() || got.MergedToEntityID != winner.ID {
		t.Errorf("loser redirect = %q, want %s", got.MergedToEntityID, winner.ID)
	}
	if got.MergedAt == nil || !got.MergedAt.Equal(testTime(0)) {
		t.Errorf("merged_at = %v, want %v", got.MergedAt, testTime(0))
	}
}

// TestMarkEntityMergedIsOneShot verifies a redirected entity cannot be merged
// again and a missing entity reports not-found.
func TestMarkEntityMergedIsOneShot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	a := seedEntity(t, store, "alice", "person", "person:a")
	b := seedEntity(t, store, "alice", "person", "person:b")
	c := seedEntity(t, store, "alice", "person", "person:c")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.MarkEntityMerged(ctx, "alice", a.ID, b.ID, testTime(0))
	})
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.MarkEntityMerged(ctx, "alice", a.ID, c.ID, testTime(1))
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict re-merging a redirected entity, got %v", err)
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.MarkEntityMerged(ctx, "alice", "ent_missing", c.ID, testTime(1))
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound merging a missing entity, got %v", err)
	}
}

// TestSetEntityCanonicalName verifies the rename path and its not-found case.
func TestSetEntityCanonicalName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	e := seedEntity(t, store, "alice", "person", "person:ada")

	if err := store.SetEntityCanonicalName(ctx, "alice", e.ID, "Ada Lovelace"); err != nil {
		t.Fatalf("SetEntityCanonicalName failed: %v", err)
	}
	got, err := store.GetEntity(ctx, "alice", e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.CanonicalName != "Ada Lovelace" {
		t.Errorf("canonical name = %q, want %q", got.CanonicalName, "Ada Lovelace")
	}

	if err := store.SetEntityCanonicalName(ctx, "bob", e.ID, "X"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for cross-tenant rename, got %v", err)
	}
}

// TestListEntityMerges verifies the audit row is visible from both the loser
// and the winner side.
func TestListEntityMerges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	winner := seedEntity(t, store, "alice", "person", "person:w")
	loser := seedEntity(t, store, "alice", "person", "person:l")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.MarkEntityMerged(ctx, "alice", loser.ID, winner.ID, testTime(0)); err != nil {
			return err
		}
		return tx.AddEntityMerge(ctx, &types.EntityMerge{
			ID:                idgen.NewMergeID(),
			UserID:            "alice",
			FromEntityID:      loser.ID,
			ToEntityID:        winner.ID,
			ObservationsMoved: 4,
			MergedAt:          testTime(0),
		})
	})
	if err != nil {
		t.Fatalf("merge transaction failed: %v", err)
	}

	for _, side := range []string{loser.ID, winner.ID} {
		merges, err := store.ListEntityMerges(ctx, "alice", side)
		if err != nil {
			t.Fatalf("ListEntityMerges(%s) failed: %v", side, err)
		}
		if len(merges) != 1 {
			t.Fatalf("ListEntityMerges(%s) returned %d rows, want 1", side, len(merges))
		}
		if merges[0].ObservationsMoved != 4 {
			t.Errorf("observations_moved = %d, want 4", merges[0].ObservationsMoved)
		}
	}
}
