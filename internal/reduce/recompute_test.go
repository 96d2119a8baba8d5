package reduce_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/types"
)

type fixture struct {
	store *sqlite.Store
	reg   *schema.Registry
	rec   *reduce.Recomputer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := schema.NewRegistry(store, zap.NewNop())
	def := documentDef()
	def.UserID = "alice"
	def.CanonicalName = &types.CanonicalNameRule{Field: "title"}
	if _, err := reg.Register(ctx, def); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	return &fixture{
		store: store,
		reg:   reg,
		rec:   reduce.NewRecomputer(store, reg, nil, zap.NewNop()),
	}
}

func (f *fixture) createEntity(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateEntity(context.Background(), &types.Entity{
		ID:            id,
		UserID:        "alice",
		EntityType:    "document",
		ResolutionKey: "ext|" + id,
	})
	if err != nil {
		t.Fatalf("create entity %s: %v", id, err)
	}
}

func (f *fixture) appendObs(t *testing.T, o *types.Observation) {
	t.Helper()
	if err := f.store.AppendObservation(context.Background(), o); err != nil {
		t.Fatalf("append observation %s: %v", o.ID, err)
	}
}

func TestRecomputeEntityPersistsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createEntity(t, "ent-1")
	f.appendObs(t, obs("obs-1", "", types.PriorityExtraction, t0, map[string]any{"title": "  My   Doc "}))
	f.appendObs(t, obs("obs-2", "", types.PriorityStructured, t1, map[string]any{"views": 5}))

	snap, err := f.rec.RecomputeEntity(ctx, "alice", "ent-1")
	if err != nil {
		t.Fatalf("RecomputeEntity failed: %v", err)
	}
	if snap.ObservationCount != 2 {
		t.Errorf("expected 2 observations reduced, got %d", snap.ObservationCount)
	}

	stored, err := f.store.GetEntitySnapshot(ctx, "alice", "ent-1")
	if err != nil {
		t.Fatalf("GetEntitySnapshot failed: %v", err)
	}
	if stored.Fields["title"] != "  My   Doc " {
		t.Errorf("unexpected stored title %v", stored.Fields["title"])
	}
	if stored.CanonicalName != "my doc" {
		t.Errorf("expected canonical name 'my doc', got %q", stored.CanonicalName)
	}

	// The canonical name propagates onto the entity row.
	entity, err := f.store.GetEntity(ctx, "alice", "ent-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if entity.CanonicalName != "my doc" {
		t.Errorf("entity canonical name not updated, got %q", entity.CanonicalName)
	}
}

func TestRecomputeFollowsMergeRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createEntity(t, "ent-loser")
	f.createEntity(t, "ent-winner")

	// Leave a stale snapshot behind on the loser, then merge it away.
	o := obs("obs-1", "", types.PriorityExtraction, t0, map[string]any{"title": "doc"})
	o.EntityID = "ent-loser"
	f.appendObs(t, o)
	if _, err := f.rec.RecomputeEntity(ctx, "alice", "ent-loser"); err != nil {
		t.Fatalf("precompute loser: %v", err)
	}
	err := f.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.RepointObservations(ctx, "alice", "ent-loser", "ent-winner"); err != nil {
			return err
		}
		return tx.MarkEntityMerged(ctx, "alice", "ent-loser", "ent-winner", time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("merge setup failed: %v", err)
	}

	snap, err := f.rec.RecomputeEntity(ctx, "alice", "ent-loser")
	if err != nil {
		t.Fatalf("RecomputeEntity via redirect failed: %v", err)
	}
	if snap.EntityID != "ent-winner" {
		t.Errorf("recompute must land on the surviving entity, got %s", snap.EntityID)
	}

	// The loser's stale snapshot is gone.
	_, err = f.store.GetEntitySnapshot(ctx, "alice", "ent-loser")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected loser snapshot to be deleted, got %v", err)
	}
}

func TestRecomputeUnknownEntity(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.RecomputeEntity(context.Background(), "alice", "ent-ghost")
	if neoerr.TagOf(err) != neoerr.TagNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRecomputeEntityConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createEntity(t, "ent-1")
	for i, at := range []time.Time{t0, t1, t2} {
		f.appendObs(t, obs(
			[]string{"obs-a", "obs-b", "obs-c"}[i], "", types.PriorityExtraction, at,
			map[string]any{"title": "same doc"}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.rec.RecomputeEntity(ctx, "alice", "ent-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent recompute failed: %v", err)
	}

	snap, err := f.store.GetEntitySnapshot(ctx, "alice", "ent-1")
	if err != nil {
		t.Fatalf("GetEntitySnapshot failed: %v", err)
	}
	if snap.ObservationCount != 3 {
		t.Errorf("expected 3 observations in final snapshot, got %d", snap.ObservationCount)
	}
}

func TestRecomputeRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createEntity(t, "ent-1")
	f.createEntity(t, "ent-2")

	rel := &types.RelationshipObservation{
		ID:               "rel-1",
		UserID:           "alice",
		SourceEntityID:   "ent-1",
		RelationshipType: "cites",
		TargetEntityID:   "ent-2",
		ObservedAt:       t0,
		SourcePriority:   types.PriorityExtraction,
		Fields:           map[string]any{"page": 4},
	}
	rel.SetKey()
	if err := f.store.AppendRelationshipObservation(ctx, rel); err != nil {
		t.Fatalf("append relationship observation: %v", err)
	}

	if err := f.rec.RecomputeEntityRelationships(ctx, "alice", "ent-1"); err != nil {
		t.Fatalf("RecomputeEntityRelationships failed: %v", err)
	}

	snap, err := f.store.GetRelationshipSnapshot(ctx, "alice", rel.RelationshipKey)
	if err != nil {
		t.Fatalf("GetRelationshipSnapshot failed: %v", err)
	}
	if snap.ObservationCount != 1 || snap.RelationshipType != "cites" {
		t.Errorf("unexpected relationship snapshot %+v", snap)
	}

	_, err = f.rec.RecomputeRelationship(ctx, "alice", "ent-9|ghost|ent-8")
	if neoerr.TagOf(err) != neoerr.TagNotFound {
		t.Errorf("expected not_found for unknown relationship, got %v", err)
	}
}

func TestRecomputeTypeAfterPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createEntity(t, "ent-1")

	o := obs("obs-1", "", types.PriorityExtraction, t0, map[string]any{"title": "invoice 9"})
	o.Metadata = &types.ExtractionMetadata{UnknownFields: map[string]any{"purchase_order": "PO-9"}}
	f.appendObs(t, o)

	if _, err := f.rec.RecomputeEntity(ctx, "alice", "ent-1"); err != nil {
		t.Fatalf("initial recompute: %v", err)
	}
	snap, _ := f.store.GetEntitySnapshot(ctx, "alice", "ent-1")
	if _, ok := snap.Fields["purchase_order"]; ok {
		t.Fatal("unpromoted field must not appear in the snapshot")
	}

	if _, err := f.reg.UpdateIncremental(ctx, "alice", "document", []types.FieldDef{
		{Name: "purchase_order", Type: types.TypeString},
	}); err != nil {
		t.Fatalf("promote field: %v", err)
	}

	n, err := f.rec.RecomputeType(ctx, "alice", "document")
	if err != nil {
		t.Fatalf("RecomputeType failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entity recomputed, got %d", n)
	}

	snap, err = f.store.GetEntitySnapshot(ctx, "alice", "ent-1")
	if err != nil {
		t.Fatalf("GetEntitySnapshot failed: %v", err)
	}
	if snap.Fields["purchase_order"] != "PO-9" {
		t.Errorf("promoted field must surface from historical metadata, got %v", snap.Fields["purchase_order"])
	}
}
