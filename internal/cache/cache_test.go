package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/cache"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/types"
)

var (
	_ reduce.Invalidator = (*cache.Memory)(nil)
	_ reduce.Invalidator = (*cache.Redis)(nil)
)

func snapshot(userID, entityID, name string) *types.EntitySnapshot {
	return &types.EntitySnapshot{
		EntityID:   entityID,
		EntityType: "person",
		UserID:     userID,
		Fields:     map[string]any{"name": name},
		FieldProvenance: map[string]types.FieldProvenance{
			"name": {
				ObservationID:  "obs-1",
				SourceID:       "src-1",
				SourcePriority: types.PriorityExtraction,
				ObservedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		ObservationCount: 1,
		ComputedAt:       time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory(0)

	if _, ok := m.Get(ctx, "u1", "ent-1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	m.Put(ctx, snapshot("u1", "ent-1", "Ada"))
	got, ok := m.Get(ctx, "u1", "ent-1")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Fields["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", got.Fields["name"])
	}

	// Same entity id under another tenant is a distinct entry.
	if _, ok := m.Get(ctx, "u2", "ent-1"); ok {
		t.Error("tenant u2 must not see u1's snapshot")
	}

	m.Invalidate(ctx, "u1", "ent-1")
	if _, ok := m.Get(ctx, "u1", "ent-1"); ok {
		t.Error("expected miss after Invalidate")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestMemoryReplacesExisting(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory(8)

	m.Put(ctx, snapshot("u1", "ent-1", "Ada"))
	m.Put(ctx, snapshot("u1", "ent-1", "Ada Lovelace"))

	got, ok := m.Get(ctx, "u1", "ent-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Fields["name"] != "Ada Lovelace" {
		t.Errorf("name = %v, want the replacement", got.Fields["name"])
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory(2)

	m.Put(ctx, snapshot("u1", "ent-1", "a"))
	m.Put(ctx, snapshot("u1", "ent-2", "b"))

	// Touch ent-1 so ent-2 becomes the eviction candidate.
	if _, ok := m.Get(ctx, "u1", "ent-1"); !ok {
		t.Fatal("expected hit for ent-1")
	}

	m.Put(ctx, snapshot("u1", "ent-3", "c"))

	if _, ok := m.Get(ctx, "u1", "ent-2"); ok {
		t.Error("ent-2 should have been evicted")
	}
	if _, ok := m.Get(ctx, "u1", "ent-1"); !ok {
		t.Error("ent-1 was touched and should survive")
	}
	if _, ok := m.Get(ctx, "u1", "ent-3"); !ok {
		t.Error("ent-3 was just inserted and should be present")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func newTestRedis(t *testing.T, opts ...cache.RedisOption) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := cache.NewRedis("redis://"+mr.Addr(), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	want := snapshot("u1", "ent-1", "Ada")
	r.Put(ctx, want)

	got, ok := r.Get(ctx, "u1", "ent-1")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.EntityID != want.EntityID || got.UserID != want.UserID {
		t.Errorf("identity = (%s, %s), want (%s, %s)",
			got.UserID, got.EntityID, want.UserID, want.EntityID)
	}
	if got.Fields["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", got.Fields["name"])
	}
	prov, ok := got.FieldProvenance["name"]
	if !ok {
		t.Fatal("provenance for name missing after round trip")
	}
	if prov.ObservationID != "obs-1" || prov.SourcePriority != types.PriorityExtraction {
		t.Errorf("provenance = %+v", prov)
	}
	if !prov.ObservedAt.Equal(want.FieldProvenance["name"].ObservedAt) {
		t.Errorf("observed_at drifted: %v", prov.ObservedAt)
	}

	if _, ok := r.Get(ctx, "u2", "ent-1"); ok {
		t.Error("tenant u2 must not see u1's snapshot")
	}
}

func TestRedisInvalidate(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	r.Put(ctx, snapshot("u1", "ent-1", "Ada"))
	if _, ok := r.Get(ctx, "u1", "ent-1"); !ok {
		t.Fatal("expected hit")
	}

	r.Invalidate(ctx, "u1", "ent-1")
	if _, ok := r.Get(ctx, "u1", "ent-1"); ok {
		t.Error("expected miss after Invalidate")
	}
	if got := len(mr.Keys()); got != 0 {
		t.Errorf("redis still holds %d keys", got)
	}

	// Invalidating an absent entry is a no-op.
	r.Invalidate(ctx, "u1", "ent-1")
}

func TestRedisNamespaceAndTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t, cache.WithNamespace("neo-test"), cache.WithTTL(time.Minute))

	r.Put(ctx, snapshot("u1", "ent-1", "Ada"))

	const key = "neo-test:snap:u1:ent-1"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := r.Get(ctx, "u1", "ent-1"); ok {
		t.Error("entry should have expired")
	}
}

func TestRedisCorruptEntryDropped(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	const key = "neotoma:snap:u1:ent-1"
	mr.Set(key, "{not json")

	if _, ok := r.Get(ctx, "u1", "ent-1"); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
	if mr.Exists(key) {
		t.Error("corrupt entry should have been deleted")
	}
}

func TestRedisClosedIsInert(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	r.Put(ctx, snapshot("u1", "ent-1", "Ada"))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, ok := r.Get(ctx, "u1", "ent-1"); ok {
		t.Error("Get after Close should miss")
	}
	r.Put(ctx, snapshot("u1", "ent-2", "b"))
	r.Invalidate(ctx, "u1", "ent-1")
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := cache.NewRedis("http://wrong-scheme", zap.NewNop()); err == nil {
		t.Fatal("expected error for non-redis URL")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := cache.NewRedis("redis://"+addr, zap.NewNop()); err == nil {
		t.Fatal("expected ping failure against a closed server")
	}
}
