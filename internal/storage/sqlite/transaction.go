package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Verify sqliteTx implements storage.Transaction at compile time
var _ storage.Transaction = (*sqliteTx)(nil)

// sqliteTx implements the storage.Transaction interface for SQLite.
// It wraps a dedicated database connection with an active transaction.
type sqliteTx struct {
	conn *sql.Conn // Dedicated connection for the transaction
}

// RunInTransaction executes a function within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for the same lock.
//
// Transaction lifecycle:
//  1. Acquire dedicated connection from pool
//  2. Begin IMMEDIATE transaction with retry on SQLITE_BUSY
//  3. Execute user function with Transaction interface
//  4. On success: COMMIT
//  5. On error or panic: ROLLBACK
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	// All operations in the transaction must use the same connection.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		return err // Rollback happens in defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Sources

func (t *sqliteTx) CreateSource(ctx context.Context, src *types.Source) error {
	return insertSource(ctx, t.conn, src)
}

func (t *sqliteTx) GetSourceByContentHash(ctx context.Context, userID, contentHash string) (*types.Source, error) {
	return getSourceByContentHash(ctx, t.conn, userID, contentHash)
}

// Interpretations

func (t *sqliteTx) CreateInterpretation(ctx context.Context, in *types.Interpretation) error {
	return insertInterpretation(ctx, t.conn, in, in.Config.Hash())
}

func (t *sqliteTx) FinishInterpretation(ctx context.Context, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error {
	return finishInterpretation(ctx, t.conn, userID, id, status, errMsg, finishedAt)
}

// Entities

func (t *sqliteTx) CreateEntity(ctx context.Context, e *types.Entity) error {
	return insertEntity(ctx, t.conn, e)
}

func (t *sqliteTx) GetEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	return getEntity(ctx, t.conn, userID, id)
}

func (t *sqliteTx) GetEntityByResolutionKey(ctx context.Context, userID, entityType, resolutionKey string) (*types.Entity, error) {
	return getEntityByResolutionKey(ctx, t.conn, userID, entityType, resolutionKey)
}

func (t *sqliteTx) SetEntityCanonicalName(ctx context.Context, userID, id, canonicalName string) error {
	return setEntityCanonicalName(ctx, t.conn, userID, id, canonicalName)
}

func (t *sqliteTx) MarkEntityMerged(ctx context.Context, userID, fromID, toID string, mergedAt time.Time) error {
	return markEntityMerged(ctx, t.conn, userID, fromID, toID, mergedAt)
}

// Observations

func (t *sqliteTx) AppendObservation(ctx context.Context, o *types.Observation) error {
	return insertObservation(ctx, t.conn, o)
}

func (t *sqliteTx) ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	return listObservations(ctx, t.conn, filter)
}

func (t *sqliteTx) AppendRelationshipObservation(ctx context.Context, r *types.RelationshipObservation) error {
	return insertRelationshipObservation(ctx, t.conn, r)
}

func (t *sqliteTx) ListRelationshipObservations(ctx context.Context, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error) {
	return listRelationshipObservations(ctx, t.conn, filter)
}

func (t *sqliteTx) ListRelationshipKeysForEntity(ctx context.Context, userID, entityID string) ([]string, error) {
	return listRelationshipKeysForEntity(ctx, t.conn, userID, entityID)
}

func (t *sqliteTx) RepointObservations(ctx context.Context, userID, fromEntityID, toEntityID string) (int, error) {
	return repointObservations(ctx, t.conn, userID, fromEntityID, toEntityID)
}

func (t *sqliteTx) RepointRelationshipObservations(ctx context.Context, userID, fromEntityID, toEntityID string) (int, error) {
	return repointRelationshipObservations(ctx, t.conn, userID, fromEntityID, toEntityID)
}

// Snapshots

func (t *sqliteTx) UpsertEntitySnapshot(ctx context.Context, s *types.EntitySnapshot) error {
	return upsertEntitySnapshot(ctx, t.conn, s)
}

func (t *sqliteTx) DeleteEntitySnapshot(ctx context.Context, userID, entityID string) error {
	return deleteEntitySnapshot(ctx, t.conn, userID, entityID)
}

func (t *sqliteTx) UpsertRelationshipSnapshot(ctx context.Context, s *types.RelationshipSnapshot) error {
	return upsertRelationshipSnapshot(ctx, t.conn, s)
}

func (t *sqliteTx) DeleteRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) error {
	return deleteRelationshipSnapshot(ctx, t.conn, userID, relationshipKey)
}

// Timeline and edges

func (t *sqliteTx) AppendTimelineEvent(ctx context.Context, e *types.TimelineEvent) error {
	return insertTimelineEvent(ctx, t.conn, e)
}

func (t *sqliteTx) AddSourceEntityEdge(ctx context.Context, e *types.SourceEntityEdge) error {
	return insertSourceEntityEdge(ctx, t.conn, e)
}

func (t *sqliteTx) AddSourceEventEdge(ctx context.Context, e *types.SourceEventEdge) error {
	return insertSourceEventEdge(ctx, t.conn, e)
}

// Merge audit

func (t *sqliteTx) AddEntityMerge(ctx context.Context, m *types.EntityMerge) error {
	return insertEntityMerge(ctx, t.conn, m)
}

// Schema registry

func (t *sqliteTx) PutSchemaDefinition(ctx context.Context, def *types.SchemaDefinition) error {
	return insertSchemaDefinition(ctx, t.conn, def)
}

func (t *sqliteTx) GetLatestSchemaDefinition(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error) {
	return getLatestSchemaDefinition(ctx, t.conn, userID, entityType)
}

func (t *sqliteTx) RecordUnknownField(ctx context.Context, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error {
	return recordUnknownField(ctx, t.conn, userID, entityType, fieldName, sample, sourceID, seenAt)
}

func (t *sqliteTx) DeleteSchemaCandidate(ctx context.Context, userID, entityType, fieldName string) error {
	return deleteSchemaCandidate(ctx, t.conn, userID, entityType, fieldName)
}

// Configuration and metadata

func (t *sqliteTx) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, t.conn, key, value)
}

func (t *sqliteTx) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, t.conn, key)
}

func (t *sqliteTx) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, t.conn, key, value)
}

func (t *sqliteTx) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, t.conn, key)
}
