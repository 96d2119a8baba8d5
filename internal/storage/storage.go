// Package storage provides the persistence contract for the memory substrate.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and sentinel errors referenced by both the sqlite
// implementation and its consumers (service, reduce, resolve, query).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on unique-constraint violations: duplicate content
// hash, duplicate resolution key, duplicate schema version.
var ErrConflict = errors.New("conflict")

// ErrImmutable is returned when a write targets a record that has become
// immutable (e.g. an interpretation in a terminal status).
var ErrImmutable = errors.New("immutable record")

// ErrNotInitialized is returned when the database schema has not been set up.
var ErrNotInitialized = errors.New("database not initialized")

// Store is the interface satisfied by *sqlite.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (instrumentation wrappers, mocks) can be
// substituted.
type Store interface {
	// Sources
	CreateSource(ctx context.Context, src *types.Source) error
	GetSource(ctx context.Context, userID, id string) (*types.Source, error)
	GetSourceByContentHash(ctx context.Context, userID, contentHash string) (*types.Source, error)
	ListSources(ctx context.Context, filter types.SourceFilter) ([]*types.Source, error)

	// Interpretations
	CreateInterpretation(ctx context.Context, in *types.Interpretation) error
	GetInterpretation(ctx context.Context, userID, id string) (*types.Interpretation, error)
	FindInterpretationByConfig(ctx context.Context, userID, sourceID, configHash string) (*types.Interpretation, error)
	FinishInterpretation(ctx context.Context, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error
	ListInterpretations(ctx context.Context, filter types.InterpretationFilter) ([]*types.Interpretation, error)
	CountInterpretationsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Entities
	CreateEntity(ctx context.Context, e *types.Entity) error
	GetEntity(ctx context.Context, userID, id string) (*types.Entity, error)
	GetEntityByResolutionKey(ctx context.Context, userID, entityType, resolutionKey string) (*types.Entity, error)
	ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error)
	SetEntityCanonicalName(ctx context.Context, userID, id, canonicalName string) error

	// Observations (append-only)
	AppendObservation(ctx context.Context, o *types.Observation) error
	GetObservation(ctx context.Context, userID, id string) (*types.Observation, error)
	ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error)
	AppendRelationshipObservation(ctx context.Context, r *types.RelationshipObservation) error
	ListRelationshipObservations(ctx context.Context, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error)
	ListRelationshipKeysForEntity(ctx context.Context, userID, entityID string) ([]string, error)

	// Snapshots (derived, recomputable)
	UpsertEntitySnapshot(ctx context.Context, s *types.EntitySnapshot) error
	GetEntitySnapshot(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error)
	QueryEntitySnapshots(ctx context.Context, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error)
	DeleteEntitySnapshot(ctx context.Context, userID, entityID string) error
	UpsertRelationshipSnapshot(ctx context.Context, s *types.RelationshipSnapshot) error
	GetRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) (*types.RelationshipSnapshot, error)
	QueryRelationshipSnapshots(ctx context.Context, filter types.RelationshipSnapshotFilter) ([]*types.RelationshipSnapshot, error)
	DeleteRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) error

	// Timeline
	AppendTimelineEvent(ctx context.Context, e *types.TimelineEvent) error
	GetTimelineEvent(ctx context.Context, userID, id string) (*types.TimelineEvent, error)
	ListTimelineEvents(ctx context.Context, filter types.EventFilter) ([]*types.TimelineEvent, error)

	// Audit edges
	AddSourceEntityEdge(ctx context.Context, e *types.SourceEntityEdge) error
	AddSourceEventEdge(ctx context.Context, e *types.SourceEventEdge) error
	ListEntitySourceEdges(ctx context.Context, userID, entityID string) ([]*types.SourceEntityEdge, error)
	ListSourceEntityEdges(ctx context.Context, userID, sourceID string) ([]*types.SourceEntityEdge, error)
	ListEventSourceEdges(ctx context.Context, userID, eventID string) ([]*types.SourceEventEdge, error)

	// Merge audit
	ListEntityMerges(ctx context.Context, userID, entityID string) ([]*types.EntityMerge, error)

	// Schema registry
	PutSchemaDefinition(ctx context.Context, def *types.SchemaDefinition) error
	GetSchemaDefinition(ctx context.Context, userID, entityType, version string) (*types.SchemaDefinition, error)
	GetLatestSchemaDefinition(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error)
	ListSchemaDefinitions(ctx context.Context, userID string) ([]*types.SchemaDefinition, error)
	ListSchemaVersions(ctx context.Context, userID, entityType string) ([]string, error)

	// Schema candidates (unknown-field promotion tracking)
	RecordUnknownField(ctx context.Context, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error
	ListSchemaCandidates(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error)
	DeleteSchemaCandidate(ctx context.Context, userID, entityType, fieldName string) error

	// Configuration
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	GetAllConfig(ctx context.Context) (map[string]string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of storage methods that execute within a
// single database transaction, for workflows where multiple writes must land
// atomically (ingest, interpretation commit, entity merge, schema evolution).
//
//   - All operations share one connection; nothing is visible until commit.
//   - An error from the callback rolls the transaction back.
//   - A panic in the callback rolls the transaction back.
//   - Returning nil commits.
type Transaction interface {
	// Sources
	CreateSource(ctx context.Context, src *types.Source) error
	GetSourceByContentHash(ctx context.Context, userID, contentHash string) (*types.Source, error)

	// Interpretations
	CreateInterpretation(ctx context.Context, in *types.Interpretation) error
	FinishInterpretation(ctx context.Context, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error

	// Entities
	CreateEntity(ctx context.Context, e *types.Entity) error
	GetEntity(ctx context.Context, userID, id string) (*types.Entity, error)
	GetEntityByResolutionKey(ctx context.Context, userID, entityType, resolutionKey string) (*types.Entity, error)
	SetEntityCanonicalName(ctx context.Context, userID, id, canonicalName string) error
	MarkEntityMerged(ctx context.Context, userID, fromID, toID string, mergedAt time.Time) error

	// Observations
	AppendObservation(ctx context.Context, o *types.Observation) error
	ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error)
	AppendRelationshipObservation(ctx context.Context, r *types.RelationshipObservation) error
	ListRelationshipObservations(ctx context.Context, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error)
	ListRelationshipKeysForEntity(ctx context.Context, userID, entityID string) ([]string, error)
	RepointObservations(ctx context.Context, userID, fromEntityID, toEntityID string) (int, error)
	RepointRelationshipObservations(ctx context.Context, userID, fromEntityID, toEntityID string) (int, error)

	// Snapshots
	UpsertEntitySnapshot(ctx context.Context, s *types.EntitySnapshot) error
	DeleteEntitySnapshot(ctx context.Context, userID, entityID string) error
	UpsertRelationshipSnapshot(ctx context.Context, s *types.RelationshipSnapshot) error
	DeleteRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) error

	// Timeline and edges
	AppendTimelineEvent(ctx context.Context, e *types.TimelineEvent) error
	AddSourceEntityEdge(ctx context.Context, e *types.SourceEntityEdge) error
	AddSourceEventEdge(ctx context.Context, e *types.SourceEventEdge) error

	// Merge audit
	AddEntityMerge(ctx context.Context, m *types.EntityMerge) error

	// Schema registry
	PutSchemaDefinition(ctx context.Context, def *types.SchemaDefinition) error
	GetLatestSchemaDefinition(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error)
	RecordUnknownField(ctx context.Context, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error
	DeleteSchemaCandidate(ctx context.Context, userID, entityType, fieldName string) error

	// Configuration and metadata
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}
