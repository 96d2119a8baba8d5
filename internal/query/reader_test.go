package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/cache"
	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/interpret"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/query"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/resolve"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/types"
)

const testUser = "alice"

type fixture struct {
	store  *sqlite.Store
	reg    *schema.Registry
	rec    *reduce.Recomputer
	engine *interpret.Engine
	merger *resolve.Merger
	reader *query.Reader
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
	defs := []*types.SchemaDefinition{
		{
			EntityType: "person",
			UserID:     testUser,
			Fields: []types.FieldDef{
				{Name: "name", Type: types.TypeString},
				{Name: "email", Type: types.TypeEmail},
				{Name: "status", Type: types.TypeString},
			},
			ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveNatural, Fields: []string{"email"}},
		},
		{
			EntityType: "company",
			UserID:     testUser,
			Fields: []types.FieldDef{
				{Name: "name", Type: types.TypeString},
			},
			ResolutionKey: types.ResolutionKeySpec{Kind: types.ResolveNatural, Fields: []string{"name"}},
		},
	}
	for _, def := range defs {
		if _, err := reg.Register(ctx, def); err != nil {
			t.Fatalf("register %s: %v", def.EntityType, err)
		}
	}

	resolver := resolve.NewResolver(store, zap.NewNop())
	rec := reduce.NewRecomputer(store, reg, nil, zap.NewNop())
	engine := interpret.NewEngine(store, reg, resolver, rec, zap.NewNop(), interpret.Config{})
	return &fixture{
		store:  store,
		reg:    reg,
		rec:    rec,
		engine: engine,
		merger: resolve.NewMerger(store, rec, zap.NewNop()),
		reader: query.NewReader(store, reg, rec, nil, zap.NewNop()),
	}
}

func (f *fixture) source(t *testing.T, user, content string) string {
	t.Helper()
	src := &types.Source{
		ID:          idgen.NewSourceID(),
		UserID:      user,
		ContentHash: types.HashBytes([]byte(content)),
		StorageURL:  "blob://" + user + "/" + types.HashBytes([]byte(content)),
		MimeType:    "text/plain",
	}
	if err := f.store.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	return src.ID
}

func (f *fixture) run(t *testing.T, user, sourceID string, candidates ...*types.Candidate) *interpret.Result {
	t.Helper()
	res, err := f.engine.Run(context.Background(), user, sourceID, candidates, types.InterpretationConfig{
		Provider: "acme", ModelID: "extractor-v2",
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return res
}

func (f *fixture) person(t *testing.T, email string, fields map[string]any) string {
	t.Helper()
	all := map[string]any{"email": email}
	for k, v := range fields {
		all[k] = v
	}
	src := f.source(t, testUser, "seed "+email+" "+time.Now().String())
	res := f.run(t, testUser, src, &types.Candidate{EntityType: "person", Fields: all})
	return res.EntityIDs[0]
}

func TestEntitiesExcludesMergedByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.person(t, "a@x.io", map[string]any{"name": "Ada"})
	b := f.person(t, "b@x.io", map[string]any{"name": "Ada L"})
	if _, err := f.merger.Merge(ctx, testUser, a, b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	live, err := f.reader.Entities(ctx, types.EntityFilter{UserID: testUser, EntityType: "person"})
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != b {
		t.Errorf("default listing must exclude merged entities, got %+v", live)
	}

	all, err := f.reader.Entities(ctx, types.EntityFilter{UserID: testUser, EntityType: "person", IncludeMerged: true})
	if err != nil {
		t.Fatalf("Entities include_merged failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("include_merged must list both entities, got %d", len(all))
	}
}

func TestEntitySnapshotFollowsRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.person(t, "a@x.io", map[string]any{"name": "Ada"})
	b := f.person(t, "b@x.io", map[string]any{"name": "Ada Lovelace"})
	if _, err := f.merger.Merge(ctx, testUser, a, b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	res, err := f.reader.EntitySnapshot(ctx, testUser, a, nil)
	if err != nil {
		t.Fatalf("EntitySnapshot failed: %v", err)
	}
	if res.Snapshot.EntityID != b {
		t.Errorf("snapshot entity %s, want survivor %s", res.Snapshot.EntityID, b)
	}
	if res.RedirectedFrom != a {
		t.Errorf("redirect indicator %q, want %q", res.RedirectedFrom, a)
	}

	direct, err := f.reader.EntitySnapshot(ctx, testUser, b, nil)
	if err != nil {
		t.Fatalf("EntitySnapshot failed: %v", err)
	}
	if direct.RedirectedFrom != "" {
		t.Errorf("direct read must not flag a redirect, got %q", direct.RedirectedFrom)
	}
}

func TestEntitySnapshotRebuildsOnCacheMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.person(t, "a@x.io", map[string]any{"name": "Ada"})
	if err := f.store.DeleteEntitySnapshot(ctx, testUser, id); err != nil {
		t.Fatalf("drop snapshot: %v", err)
	}

	res, err := f.reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil {
		t.Fatalf("EntitySnapshot failed after drop: %v", err)
	}
	if res.Snapshot.Fields["name"] != "Ada" {
		t.Errorf("rebuilt snapshot fields: %v", res.Snapshot.Fields)
	}
}

func TestEntitySnapshotTimeTravel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	src := f.source(t, testUser, "history")
	res := f.run(t, testUser, src,
		&types.Candidate{EntityType: "person", Fields: map[string]any{"email": "a@x.io", "status": "open"}, ObservedAt: &t1},
		&types.Candidate{EntityType: "person", Fields: map[string]any{"email": "a@x.io", "status": "closed"}, ObservedAt: &t2},
	)
	id := res.EntityIDs[0]

	now, err := f.reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil {
		t.Fatalf("current snapshot failed: %v", err)
	}
	if now.Snapshot.Fields["status"] != "closed" {
		t.Errorf("current status %v, want closed", now.Snapshot.Fields["status"])
	}

	between := t1.Add(24 * time.Hour)
	past, err := f.reader.EntitySnapshot(ctx, testUser, id, &between)
	if err != nil {
		t.Fatalf("time-travel snapshot failed: %v", err)
	}
	if past.Snapshot.Fields["status"] != "open" {
		t.Errorf("status at %v: %v, want open", between, past.Snapshot.Fields["status"])
	}
	if past.Snapshot.ObservationCount != 1 {
		t.Errorf("time-travel reduces over %d observations, want 1", past.Snapshot.ObservationCount)
	}

	// The stored snapshot is untouched by a time-travel read.
	again, err := f.reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil || again.Snapshot.Fields["status"] != "closed" {
		t.Errorf("stored snapshot disturbed: %v (%v)", again, err)
	}

	before := t1.Add(-24 * time.Hour)
	if _, err := f.reader.EntitySnapshot(ctx, testUser, id, &before); !errors.Is(err, neoerr.ErrNotFound) {
		t.Errorf("read before first observation must be not_found, got %v", err)
	}
}

func TestObservationsTotalOrderAndRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	src := f.source(t, testUser, "content")
	res := f.run(t, testUser, src,
		&types.Candidate{EntityType: "person", Fields: map[string]any{"email": "a@x.io", "status": "guess"}, ObservedAt: &t1},
		&types.Candidate{EntityType: "person", Fields: map[string]any{"email": "a@x.io", "status": "asserted"}, SourcePriority: types.PriorityStructured, ObservedAt: &t1},
		&types.Candidate{EntityType: "person", Fields: map[string]any{"email": "a@x.io", "status": "newer guess"}, ObservedAt: &t2},
	)
	id := res.EntityIDs[0]

	obs, err := f.reader.Observations(ctx, types.ObservationFilter{UserID: testUser, EntityID: id})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(obs))
	}
	if obs[0].SourcePriority != types.PriorityStructured {
		t.Errorf("total order must put priority %d first, got %d", types.PriorityStructured, obs[0].SourcePriority)
	}
	if !obs[1].ObservedAt.After(obs[2].ObservedAt) {
		t.Error("ties on priority must order by recency, newest first")
	}

	// After a merge, listing by the old id returns the survivor's log.
	b := f.person(t, "b@x.io", map[string]any{"name": "B"})
	if _, err := f.merger.Merge(ctx, testUser, id, b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	moved, err := f.reader.Observations(ctx, types.ObservationFilter{UserID: testUser, EntityID: id})
	if err != nil {
		t.Fatalf("Observations after merge failed: %v", err)
	}
	if len(moved) != 4 {
		t.Errorf("survivor's log must include the moved observations, got %d", len(moved))
	}
}

func TestFieldProvenanceRunnersUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.person(t, "a@x.io", map[string]any{"status": "open"})

	correction := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         testUser,
		EntityID:       id,
		EntityType:     "person",
		SchemaVersion:  "1.0",
		ObservedAt:     time.Now().UTC(),
		SourcePriority: types.PriorityCorrection,
		Fields:         map[string]any{"status": "verified"},
	}
	if err := f.store.AppendObservation(ctx, correction); err != nil {
		t.Fatalf("append correction: %v", err)
	}
	if _, err := f.rec.RecomputeEntity(ctx, testUser, id); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	res, err := f.reader.FieldProvenance(ctx, testUser, id, "status")
	if err != nil {
		t.Fatalf("FieldProvenance failed: %v", err)
	}
	if res.Winner.ObservationID != correction.ID {
		t.Errorf("winner %s, want the correction %s", res.Winner.ObservationID, correction.ID)
	}
	if res.Winner.SourcePriority != types.PriorityCorrection {
		t.Errorf("winner priority %d", res.Winner.SourcePriority)
	}
	if len(res.RunnersUp) != 1 || res.RunnersUp[0].SourcePriority != types.PriorityExtraction {
		t.Errorf("runners-up must carry the losing extraction claim: %+v", res.RunnersUp)
	}
	// The correction has no source; the losing claim's chain still names one.
	if res.Source != nil {
		t.Errorf("corrections carry no source, got %+v", res.Source)
	}
	if res.RunnersUp[0].SourceID == "" {
		t.Error("the extraction claim must name its source")
	}

	if _, err := f.reader.FieldProvenance(ctx, testUser, id, "nickname"); !errors.Is(err, neoerr.ErrNotFound) {
		t.Errorf("uncarried field must be not_found, got %v", err)
	}
}

func TestRelationshipsDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.source(t, testUser, "employment")
	res := f.run(t, testUser, src, &types.Candidate{
		EntityType: "person",
		Fields:     map[string]any{"email": "a@x.io", "name": "Ada"},
		Relationships: []types.RelationshipCandidate{{
			RelationshipType: "works_at",
			TargetEntityType: "company",
			TargetFields:     map[string]any{"name": "Acme"},
		}},
	})
	person, company := res.EntityIDs[0], res.EntityIDs[1]

	tests := []struct {
		name    string
		entity  string
		dir     query.Direction
		relType string
		want    int
	}{
		{"person outbound", person, query.DirectionOutbound, "", 1},
		{"person inbound", person, query.DirectionInbound, "", 0},
		{"person both", person, query.DirectionBoth, "", 1},
		{"company inbound", company, query.DirectionInbound, "", 1},
		{"company outbound", company, query.DirectionOutbound, "", 0},
		{"type match", person, query.DirectionBoth, "works_at", 1},
		{"type miss", person, query.DirectionBoth, "knows", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rels, err := f.reader.Relationships(ctx, testUser, tt.entity, tt.dir, tt.relType)
			if err != nil {
				t.Fatalf("Relationships failed: %v", err)
			}
			if len(rels) != tt.want {
				t.Errorf("got %d relationships, want %d", len(rels), tt.want)
			}
		})
	}

	if _, err := f.reader.Relationships(ctx, testUser, person, "sideways", ""); !errors.Is(err, neoerr.ErrInvalidInput) {
		t.Errorf("bad direction must be invalid_input, got %v", err)
	}
}

func TestRelatedEntitiesBFS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ada -knows-> grace -works_at-> acme, and grace -knows-> ada (cycle).
	src := f.source(t, testUser, "social graph")
	res := f.run(t, testUser, src,
		&types.Candidate{
			EntityType: "person",
			Fields:     map[string]any{"email": "ada@x.io", "name": "Ada"},
			Relationships: []types.RelationshipCandidate{{
				RelationshipType: "knows",
				TargetEntityType: "person",
				TargetFields:     map[string]any{"email": "grace@x.io", "name": "Grace"},
			}},
		},
		&types.Candidate{
			EntityType: "person",
			Fields:     map[string]any{"email": "grace@x.io"},
			Relationships: []types.RelationshipCandidate{
				{
					RelationshipType: "works_at",
					TargetEntityType: "company",
					TargetFields:     map[string]any{"name": "Acme"},
				},
				{
					RelationshipType: "knows",
					TargetEntityType: "person",
					TargetFields:     map[string]any{"email": "ada@x.io"},
				},
			},
		},
	)
	ada := res.EntityIDs[0]

	depth1, err := f.reader.RelatedEntities(ctx, testUser, ada, nil, 1)
	if err != nil {
		t.Fatalf("depth 1 walk failed: %v", err)
	}
	if len(depth1) != 1 || depth1[0].Snapshot.Fields["email"] != "grace@x.io" {
		t.Errorf("depth 1 from ada must reach only grace, got %+v", depth1)
	}

	depth2, err := f.reader.RelatedEntities(ctx, testUser, ada, nil, 2)
	if err != nil {
		t.Fatalf("depth 2 walk failed: %v", err)
	}
	if len(depth2) != 2 {
		t.Fatalf("depth 2 must reach grace and acme exactly once each, got %d", len(depth2))
	}
	for _, re := range depth2 {
		if re.Snapshot.EntityType == "company" && re.Depth != 2 {
			t.Errorf("acme must be at depth 2, got %d", re.Depth)
		}
	}

	// The type filter narrows results without pruning traversal.
	companies, err := f.reader.RelatedEntities(ctx, testUser, ada, []string{"company"}, 2)
	if err != nil {
		t.Fatalf("typed walk failed: %v", err)
	}
	if len(companies) != 1 || companies[0].Snapshot.EntityType != "company" {
		t.Errorf("typed walk must surface acme through grace, got %+v", companies)
	}
}

func TestGraphNeighborhood(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.source(t, testUser, "hub")
	res := f.run(t, testUser, src,
		&types.Candidate{
			EntityType: "person",
			Fields:     map[string]any{"email": "hub@x.io", "name": "Hub"},
			Relationships: []types.RelationshipCandidate{{
				RelationshipType: "works_at",
				TargetEntityType: "company",
				TargetFields:     map[string]any{"name": "Acme"},
			}},
		},
		&types.Candidate{
			EntityType: "person",
			Fields:     map[string]any{"email": "fan@x.io"},
			Relationships: []types.RelationshipCandidate{{
				RelationshipType: "knows",
				TargetEntityType: "person",
				TargetFields:     map[string]any{"email": "hub@x.io"},
			}},
		},
	)
	hub := res.EntityIDs[0]

	hood, err := f.reader.GraphNeighborhood(ctx, testUser, hub, "person")
	if err != nil {
		t.Fatalf("GraphNeighborhood failed: %v", err)
	}
	if hood.Entity == nil || hood.Entity.EntityID != hub {
		t.Errorf("neighborhood center: %+v", hood.Entity)
	}
	if len(hood.Edges) != 2 {
		t.Errorf("expected 2 incident edges, got %d", len(hood.Edges))
	}
	if len(hood.Neighbors) != 2 {
		t.Errorf("expected 2 neighbors, got %d", len(hood.Neighbors))
	}

	if _, err := f.reader.GraphNeighborhood(ctx, testUser, hub, "company"); !errors.Is(err, neoerr.ErrInvalidInput) {
		t.Errorf("wrong node type must be invalid_input, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.person(t, "a@x.io", map[string]any{"name": "Ada"})

	ents, err := f.reader.Entities(ctx, types.EntityFilter{UserID: "mallory"})
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	if len(ents) != 0 {
		t.Errorf("another tenant must see no entities, got %d", len(ents))
	}
	if _, err := f.reader.EntitySnapshot(ctx, "mallory", id, nil); !errors.Is(err, neoerr.ErrNotFound) {
		t.Errorf("cross-tenant snapshot read must be not_found, got %v", err)
	}
	obs, err := f.reader.Observations(ctx, types.ObservationFilter{UserID: "mallory"})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("another tenant must see no observations, got %d", len(obs))
	}
	events, err := f.reader.Timeline(ctx, types.EventFilter{UserID: "mallory"})
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("another tenant must see no events, got %d", len(events))
	}
}

func TestTimelineFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.person(t, "a@x.io", map[string]any{"name": "Ada"})

	all, err := f.reader.Timeline(ctx, types.EventFilter{UserID: testUser})
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(all) < 2 {
		t.Fatalf("expected at least started+finished events, got %d", len(all))
	}

	finished, err := f.reader.Timeline(ctx, types.EventFilter{
		UserID: testUser, EventType: types.EventInterpretationFinished,
	})
	if err != nil {
		t.Fatalf("Timeline filtered failed: %v", err)
	}
	if len(finished) != 1 {
		t.Errorf("expected 1 finished event, got %d", len(finished))
	}
}

func TestSnapshotCacheReadThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mem := cache.NewMemory(8)
	rec := reduce.NewRecomputer(f.store, f.reg, mem, zap.NewNop())
	reader := query.NewReader(f.store, f.reg, rec, mem, zap.NewNop())

	id := f.person(t, "a@x.io", map[string]any{"name": "Ada"})

	// First read fills the cache.
	res, err := reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil {
		t.Fatalf("EntitySnapshot failed: %v", err)
	}
	if res.Snapshot.Fields["name"] != "Ada" {
		t.Fatalf("name = %v, want Ada", res.Snapshot.Fields["name"])
	}
	if mem.Len() != 1 {
		t.Fatalf("cache Len = %d after first read, want 1", mem.Len())
	}

	// A planted entry proves subsequent reads come from the cache.
	planted := *res.Snapshot
	planted.Fields = map[string]any{"name": "FROM-CACHE"}
	mem.Put(ctx, &planted)

	res, err = reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if res.Snapshot.Fields["name"] != "FROM-CACHE" {
		t.Errorf("expected the cached snapshot, got %v", res.Snapshot.Fields["name"])
	}

	// A recompute drops the entry and the next read sees the store again.
	if _, err := rec.RecomputeEntity(ctx, testUser, id); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	res, err = reader.EntitySnapshot(ctx, testUser, id, nil)
	if err != nil {
		t.Fatalf("read after invalidation failed: %v", err)
	}
	if res.Snapshot.Fields["name"] != "Ada" {
		t.Errorf("expected stored truth after invalidation, got %v", res.Snapshot.Fields["name"])
	}

	// Time travel never consults the cache.
	mem.Put(ctx, &planted)
	at := time.Now().UTC().Add(time.Minute)
	res, err = reader.EntitySnapshot(ctx, testUser, id, &at)
	if err != nil {
		t.Fatalf("time-travel read failed: %v", err)
	}
	if res.Snapshot.Fields["name"] != "Ada" {
		t.Errorf("time travel must reduce from the log, got %v", res.Snapshot.Fields["name"])
	}
}
