package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Seed helpers shared by the storage tests. Each fails the test on error so
// call sites stay focused on the behavior under test.

// testTime returns a fixed base time offset by sec seconds. Seconds-precision
// UTC times round-trip exactly through the DATETIME columns, so ordering
// assertions stay deterministic.
func testTime(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func seedSource(t *testing.T, store *Store, userID, body string) *types.Source {
	t.Helper()
	data := []byte(body)
	hash := types.HashBytes(data)
	src := &types.Source{
		ID:          idgen.NewSourceID(),
		UserID:      userID,
		ContentHash: hash,
		StorageURL:  "file:///blobs/" + hash,
		MimeType:    "text/plain",
		FileSize:    int64(len(data)),
	}
	if err := store.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("CreateSource failed: %v", err)
	}
	return src
}

func seedEntity(t *testing.T, store *Store, userID, entityType, resolutionKey string) *types.Entity {
	t.Helper()
	e := &types.Entity{
		ID:            idgen.NewEntityID(),
		UserID:        userID,
		EntityType:    entityType,
		ResolutionKey: resolutionKey,
	}
	if err := store.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	return e
}

func seedObservation(t *testing.T, store *Store, e *types.Entity, observedAt time.Time, priority int, fields map[string]any) *types.Observation {
	t.Helper()
	o := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         e.UserID,
		EntityID:       e.ID,
		EntityType:     e.EntityType,
		SchemaVersion:  "1.0",
		ObservedAt:     observedAt,
		SourcePriority: priority,
		Fields:         fields,
	}
	if err := store.AppendObservation(context.Background(), o); err != nil {
		t.Fatalf("AppendObservation failed: %v", err)
	}
	return o
}

func seedInterpretation(t *testing.T, store *Store, src *types.Source, cfg types.InterpretationConfig, startedAt time.Time) *types.Interpretation {
	t.Helper()
	in := &types.Interpretation{
		ID:        idgen.NewInterpretationID(),
		UserID:    src.UserID,
		SourceID:  src.ID,
		Config:    cfg,
		StartedAt: startedAt,
	}
	if err := store.CreateInterpretation(context.Background(), in); err != nil {
		t.Fatalf("CreateInterpretation failed: %v", err)
	}
	return in
}
