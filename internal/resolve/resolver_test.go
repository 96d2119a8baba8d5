package resolve_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/resolve"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/types"
)

const testUser = "alice"

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func personDef() *types.SchemaDefinition {
	return &types.SchemaDefinition{
		EntityType: "person",
		Version:    "1.0",
		Fields: []types.FieldDef{
			{Name: "name", Type: types.TypeString},
			{Name: "email", Type: types.TypeEmail},
		},
		ResolutionKey: types.ResolutionKeySpec{
			Kind:   types.ResolveNatural,
			Fields: []string{"email"},
		},
	}
}

func noteDef() *types.SchemaDefinition {
	return &types.SchemaDefinition{
		EntityType: "note",
		Version:    "1.0",
		Fields: []types.FieldDef{
			{Name: "text", Type: types.TypeString},
			{Name: "score", Type: types.TypeNumber},
		},
		ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveContentHash},
	}
}

func eventDef() *types.SchemaDefinition {
	return &types.SchemaDefinition{
		EntityType: "event",
		Version:    "1.0",
		Fields: []types.FieldDef{
			{Name: "what", Type: types.TypeString},
		},
		ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveIdentity},
	}
}

func TestKeyNaturalCanonicalizes(t *testing.T) {
	def := personDef()
	a := resolve.Key(def, map[string]any{"email": "Ada@Example.COM "})
	b := resolve.Key(def, map[string]any{"email": "ada@example.com"})
	if a == "" || a != b {
		t.Errorf("expected identical canonical keys, got %q and %q", a, b)
	}

	c := resolve.Key(def, map[string]any{"email": "héloïse@example.com"})
	d := resolve.Key(def, map[string]any{"email": "heloise@example.com"})
	if c != d {
		t.Errorf("diacritics must not split identity: %q vs %q", c, d)
	}
}

func TestKeyNaturalMissingFields(t *testing.T) {
	def := personDef()
	if k := resolve.Key(def, map[string]any{"name": "Ada"}); k != "" {
		t.Errorf("expected empty key when nominated fields absent, got %q", k)
	}
}

func TestKeyContentHash(t *testing.T) {
	def := noteDef()
	a := resolve.Key(def, map[string]any{"text": "hello", "score": 42.5})
	b := resolve.Key(def, map[string]any{"score": "42.50", "text": "hello"})
	if a == "" || a != b {
		t.Errorf("field order and numeric form must not change the key: %q vs %q", a, b)
	}
	c := resolve.Key(def, map[string]any{"text": "goodbye", "score": 42.5})
	if c == a {
		t.Error("different content must produce a different key")
	}
}

func TestKeyIdentity(t *testing.T) {
	if k := resolve.Key(eventDef(), map[string]any{"what": "lunch"}); k != "" {
		t.Errorf("identity kind must produce no key, got %q", k)
	}
}

func TestResolveMintsThenReuses(t *testing.T) {
	store := newTestStore(t)
	r := resolve.NewResolver(store, zap.NewNop())
	ctx := context.Background()
	def := personDef()

	first, created, err := r.Resolve(ctx, testUser, def, map[string]any{"name": "Ada", "email": "ada@example.com"})
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if !created {
		t.Error("first sighting must mint an entity")
	}
	if !idgen.HasPrefix(first.ID, idgen.PrefixEntity) {
		t.Errorf("minted id %q lacks entity prefix", first.ID)
	}
	if first.CanonicalName != "ada" {
		t.Errorf("expected canonical name 'ada', got %q", first.CanonicalName)
	}

	second, created, err := r.Resolve(ctx, testUser, def, map[string]any{"email": "ADA@example.com"})
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if created {
		t.Error("second sighting must reuse, not mint")
	}
	if second.ID != first.ID {
		t.Errorf("expected %s, resolved %s", first.ID, second.ID)
	}
}

func TestResolveIsolatedPerTenant(t *testing.T) {
	store := newTestStore(t)
	r := resolve.NewResolver(store, zap.NewNop())
	ctx := context.Background()
	def := personDef()
	fields := map[string]any{"email": "ada@example.com"}

	a, _, err := r.Resolve(ctx, "alice", def, fields)
	if err != nil {
		t.Fatalf("Resolve alice: %v", err)
	}
	b, created, err := r.Resolve(ctx, "bob", def, fields)
	if err != nil {
		t.Fatalf("Resolve bob: %v", err)
	}
	if !created || a.ID == b.ID {
		t.Error("tenants must never share entities")
	}
}

func TestResolveIdentityMintsEveryTime(t *testing.T) {
	store := newTestStore(t)
	r := resolve.NewResolver(store, zap.NewNop())
	ctx := context.Background()
	def := eventDef()

	a, _, err := r.Resolve(ctx, testUser, def, map[string]any{"what": "lunch"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, created, err := r.Resolve(ctx, testUser, def, map[string]any{"what": "lunch"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || a.ID == b.ID {
		t.Error("identity resolution must mint a fresh entity per candidate")
	}
}

func TestResolveKeylessCandidateMints(t *testing.T) {
	store := newTestStore(t)
	r := resolve.NewResolver(store, zap.NewNop())
	ctx := context.Background()
	def := personDef()

	// No email: no identity evidence, so each sighting is a new entity.
	a, _, err := r.Resolve(ctx, testUser, def, map[string]any{"name": "Mystery"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, _, err := r.Resolve(ctx, testUser, def, map[string]any{"name": "Mystery"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.ID == b.ID {
		t.Error("keyless candidates must not collapse into one entity")
	}
}

// racingStore simulates losing a minting race: the first key lookup misses
// even though another writer has inserted the row.
type racingStore struct {
	storage.Store
	missed bool
}

func (r *racingStore) GetEntityByResolutionKey(ctx context.Context, userID, entityType, key string) (*types.Entity, error) {
	if !r.missed {
		r.missed = true
		return nil, storage.ErrNotFound
	}
	return r.Store.GetEntityByResolutionKey(ctx, userID, entityType, key)
}

func TestResolveLostRaceAdoptsWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def := personDef()

	winner, _, err := resolve.NewResolver(store, zap.NewNop()).
		Resolve(ctx, testUser, def, map[string]any{"email": "ada@example.com"})
	if err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	r := resolve.NewResolver(&racingStore{Store: store}, zap.NewNop())
	got, created, err := r.Resolve(ctx, testUser, def, map[string]any{"email": "ada@example.com"})
	if err != nil {
		t.Fatalf("Resolve after lost race failed: %v", err)
	}
	if created {
		t.Error("race loser must not report a mint")
	}
	if got.ID != winner.ID {
		t.Errorf("race loser resolved %s, want winner %s", got.ID, winner.ID)
	}
}

func TestResolveFollowsMergeRedirect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	reg := schema.NewRegistry(store, zap.NewNop())
	def := personDef()
	def.UserID = testUser
	if _, err := reg.Register(ctx, def); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	r := resolve.NewResolver(store, zap.NewNop())
	loser, _, err := r.Resolve(ctx, testUser, def, map[string]any{"email": "ada@example.com"})
	if err != nil {
		t.Fatalf("resolve loser: %v", err)
	}
	survivor, _, err := r.Resolve(ctx, testUser, def, map[string]any{"email": "lovelace@example.com"})
	if err != nil {
		t.Fatalf("resolve survivor: %v", err)
	}

	rec := reduce.NewRecomputer(store, reg, nil, zap.NewNop())
	if _, err := resolve.NewMerger(store, rec, zap.NewNop()).
		Merge(ctx, testUser, loser.ID, survivor.ID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, created, err := r.Resolve(ctx, testUser, def, map[string]any{"email": "ada@example.com"})
	if err != nil {
		t.Fatalf("resolve after merge: %v", err)
	}
	if created {
		t.Error("stale key must not mint")
	}
	if got.ID != survivor.ID {
		t.Errorf("stale key resolved %s, want survivor %s", got.ID, survivor.ID)
	}
}

// mergeFixture wires enough of the stack to exercise full merges.
type mergeFixture struct {
	store  *sqlite.Store
	reg    *schema.Registry
	rec    *reduce.Recomputer
	merger *resolve.Merger
	res    *resolve.Resolver
}

func newMergeFixture(t *testing.T) *mergeFixture {
	t.Helper()
	store := newTestStore(t)
	ctx := context.Background()
	reg := schema.NewRegistry(store, zap.NewNop())
	for _, def := range []*types.SchemaDefinition{personDef(), eventDef()} {
		def.UserID = testUser
		if _, err := reg.Register(ctx, def); err != nil {
			t.Fatalf("register %s: %v", def.EntityType, err)
		}
	}
	rec := reduce.NewRecomputer(store, reg, nil, zap.NewNop())
	return &mergeFixture{
		store:  store,
		reg:    reg,
		rec:    rec,
		merger: resolve.NewMerger(store, rec, zap.NewNop()),
		res:    resolve.NewResolver(store, zap.NewNop()),
	}
}

func (f *mergeFixture) person(t *testing.T, email string) *types.Entity {
	t.Helper()
	def := personDef()
	e, _, err := f.res.Resolve(context.Background(), testUser, def, map[string]any{"email": email})
	if err != nil {
		t.Fatalf("resolve person %s: %v", email, err)
	}
	return e
}

func (f *mergeFixture) observe(t *testing.T, entityID string, at time.Time, fields map[string]any) {
	t.Helper()
	err := f.store.AppendObservation(context.Background(), &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         testUser,
		EntityID:       entityID,
		EntityType:     "person",
		SchemaVersion:  "1.0",
		ObservedAt:     at,
		SourcePriority: types.PriorityExtraction,
		Fields:         fields,
	})
	if err != nil {
		t.Fatalf("append observation: %v", err)
	}
}

func TestMergeMovesObservationsAndRedirects(t *testing.T) {
	f := newMergeFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := f.person(t, "a@example.com")
	b := f.person(t, "b@example.com")
	f.observe(t, a.ID, t0, map[string]any{"name": "Ada"})
	f.observe(t, b.ID, t0.Add(time.Hour), map[string]any{"email": "b@example.com"})

	merge, err := f.merger.Merge(ctx, testUser, a.ID, b.ID)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merge.ObservationsMoved != 1 {
		t.Errorf("expected 1 observation moved, got %d", merge.ObservationsMoved)
	}

	obs, err := f.store.ListObservations(ctx, types.ObservationFilter{UserID: testUser, EntityID: b.ID})
	if err != nil {
		t.Fatalf("ListObservations failed: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected survivor to own 2 observations, got %d", len(obs))
	}

	from, err := f.store.GetEntity(ctx, testUser, a.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if from.MergedToEntityID != b.ID || from.MergedAt == nil {
		t.Errorf("loser not redirected: merged_to=%q merged_at=%v", from.MergedToEntityID, from.MergedAt)
	}

	// Loser's snapshot is gone; survivor's reflects both observations.
	if _, err := f.store.GetEntitySnapshot(ctx, testUser, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected loser snapshot deleted, got %v", err)
	}
	snap, err := f.store.GetEntitySnapshot(ctx, testUser, b.ID)
	if err != nil {
		t.Fatalf("survivor snapshot missing: %v", err)
	}
	if snap.Fields["name"] != "Ada" || snap.Fields["email"] != "b@example.com" {
		t.Errorf("survivor snapshot missing merged fields: %v", snap.Fields)
	}

	merges, err := f.store.ListEntityMerges(ctx, testUser, a.ID)
	if err != nil || len(merges) != 1 {
		t.Fatalf("expected 1 merge audit row, got %d (%v)", len(merges), err)
	}
	if merges[0].FromEntityID != a.ID || merges[0].ToEntityID != b.ID {
		t.Errorf("audit row wrong: %+v", merges[0])
	}

	events, err := f.store.ListTimelineEvents(ctx, types.EventFilter{
		UserID: testUser, EventType: types.EventEntityMerged,
	})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 merge event, got %d (%v)", len(events), err)
	}
}

func TestMergeRepointsRelationships(t *testing.T) {
	f := newMergeFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := f.person(t, "a@example.com")
	b := f.person(t, "b@example.com")
	c := f.person(t, "c@example.com")

	rel := &types.RelationshipObservation{
		ID:               idgen.NewRelationshipObservationID(),
		UserID:           testUser,
		SourceEntityID:   a.ID,
		RelationshipType: "knows",
		TargetEntityID:   c.ID,
		ObservedAt:       t0,
		SourcePriority:   types.PriorityExtraction,
	}
	rel.SetKey()
	if err := f.store.AppendRelationshipObservation(ctx, rel); err != nil {
		t.Fatalf("append relationship: %v", err)
	}
	oldKey := rel.RelationshipKey
	if _, err := f.rec.RecomputeRelationship(ctx, testUser, oldKey); err != nil {
		t.Fatalf("seed relationship snapshot: %v", err)
	}

	if _, err := f.merger.Merge(ctx, testUser, a.ID, b.ID); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if _, err := f.store.GetRelationshipSnapshot(ctx, testUser, oldKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale relationship snapshot survived: %v", err)
	}
	newKey := types.RelationshipKey(b.ID, "knows", c.ID)
	snap, err := f.store.GetRelationshipSnapshot(ctx, testUser, newKey)
	if err != nil {
		t.Fatalf("repointed relationship snapshot missing: %v", err)
	}
	if snap.SourceEntityID != b.ID || snap.TargetEntityID != c.ID {
		t.Errorf("unexpected endpoints: %s -> %s", snap.SourceEntityID, snap.TargetEntityID)
	}
}

func TestMergeIntoMergedTargetFollowsRedirect(t *testing.T) {
	f := newMergeFixture(t)
	ctx := context.Background()

	a := f.person(t, "a@example.com")
	b := f.person(t, "b@example.com")
	c := f.person(t, "c@example.com")

	if _, err := f.merger.Merge(ctx, testUser, a.ID, b.ID); err != nil {
		t.Fatalf("merge a->b: %v", err)
	}
	// Merging into the already-merged a lands on its survivor b.
	merge, err := f.merger.Merge(ctx, testUser, c.ID, a.ID)
	if err != nil {
		t.Fatalf("merge c->a: %v", err)
	}
	if merge.ToEntityID != b.ID {
		t.Errorf("expected merge to land on %s, got %s", b.ID, merge.ToEntityID)
	}
}

func TestMergeRejections(t *testing.T) {
	f := newMergeFixture(t)
	ctx := context.Background()

	a := f.person(t, "a@example.com")
	b := f.person(t, "b@example.com")

	if _, err := f.merger.Merge(ctx, testUser, a.ID, a.ID); !errors.Is(err, neoerr.ErrInvalidInput) {
		t.Errorf("self-merge: expected invalid_input, got %v", err)
	}
	if _, err := f.merger.Merge(ctx, testUser, "ent_missing", b.ID); !errors.Is(err, neoerr.ErrNotFound) {
		t.Errorf("unknown from: expected not_found, got %v", err)
	}
	if _, err := f.merger.Merge(ctx, testUser, a.ID, "ent_missing"); !errors.Is(err, neoerr.ErrNotFound) {
		t.Errorf("unknown to: expected not_found, got %v", err)
	}

	if _, err := f.merger.Merge(ctx, testUser, a.ID, b.ID); err != nil {
		t.Fatalf("merge a->b: %v", err)
	}
	if _, err := f.merger.Merge(ctx, testUser, a.ID, b.ID); !errors.Is(err, neoerr.ErrConflict) {
		t.Errorf("re-merge: expected conflict, got %v", err)
	}
	// b redirects back to itself via a: merging b into a must refuse.
	if _, err := f.merger.Merge(ctx, testUser, b.ID, a.ID); !errors.Is(err, neoerr.ErrConflict) {
		t.Errorf("cycle merge: expected conflict, got %v", err)
	}
}

func TestMergeAcrossTypesRejected(t *testing.T) {
	f := newMergeFixture(t)
	ctx := context.Background()

	person := f.person(t, "a@example.com")
	event, _, err := f.res.Resolve(ctx, testUser, eventDef(), map[string]any{"what": "lunch"})
	if err != nil {
		t.Fatalf("resolve event: %v", err)
	}
	if _, err := f.merger.Merge(ctx, testUser, person.ID, event.ID); !errors.Is(err, neoerr.ErrInvalidInput) {
		t.Errorf("cross-type merge: expected invalid_input, got %v", err)
	}
}
