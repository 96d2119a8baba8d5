package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

const storageScopeName = "github.com/neotoma-io/neotoma/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in neotoma.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner   storage.Store
	tracer  trace.Tracer
	ops     metric.Int64Counter
	dur     metric.Float64Histogram
	errs    metric.Int64Counter
	obsAdds metric.Int64Counter
	srcAdds metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("neotoma.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("neotoma.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("neotoma.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	obsAdds, _ := m.Int64Counter("neotoma.observations.appended",
		metric.WithDescription("Observations appended to the log"),
	)
	srcAdds, _ := m.Int64Counter("neotoma.sources.created",
		metric.WithDescription("Sources admitted to content-addressed storage"),
	)
	return &InstrumentedStore{
		inner:   s,
		tracer:  Tracer(storageScopeName),
		ops:     ops,
		dur:     dur,
		errs:    errs,
		obsAdds: obsAdds,
		srcAdds: srcAdds,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func userAttr(userID string) attribute.KeyValue {
	return attribute.String("neo.user", userID)
}

// ── Sources ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateSource(ctx context.Context, src *types.Source) error {
	attrs := []attribute.KeyValue{
		userAttr(src.UserID),
		attribute.String("neo.source.mime", src.MimeType),
	}
	ctx, span, t := s.op(ctx, "CreateSource", attrs...)
	err := s.inner.CreateSource(ctx, src)
	s.done(ctx, span, t, err, attrs...)
	if err == nil {
		s.srcAdds.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return err
}

func (s *InstrumentedStore) GetSource(ctx context.Context, userID, id string) (*types.Source, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.source.id", id)}
	ctx, span, t := s.op(ctx, "GetSource", attrs...)
	v, err := s.inner.GetSource(ctx, userID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetSourceByContentHash(ctx context.Context, userID, contentHash string) (*types.Source, error) {
	attrs := []attribute.KeyValue{userAttr(userID)}
	ctx, span, t := s.op(ctx, "GetSourceByContentHash", attrs...)
	v, err := s.inner.GetSourceByContentHash(ctx, userID, contentHash)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListSources(ctx context.Context, filter types.SourceFilter) ([]*types.Source, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListSources", attrs...)
	v, err := s.inner.ListSources(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("neo.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Interpretations ──────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateInterpretation(ctx context.Context, in *types.Interpretation) error {
	attrs := []attribute.KeyValue{
		userAttr(in.UserID),
		attribute.String("neo.source.id", in.SourceID),
	}
	ctx, span, t := s.op(ctx, "CreateInterpretation", attrs...)
	err := s.inner.CreateInterpretation(ctx, in)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetInterpretation(ctx context.Context, userID, id string) (*types.Interpretation, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.interpretation.id", id)}
	ctx, span, t := s.op(ctx, "GetInterpretation", attrs...)
	v, err := s.inner.GetInterpretation(ctx, userID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) FindInterpretationByConfig(ctx context.Context, userID, sourceID, configHash string) (*types.Interpretation, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.source.id", sourceID)}
	ctx, span, t := s.op(ctx, "FindInterpretationByConfig", attrs...)
	v, err := s.inner.FindInterpretationByConfig(ctx, userID, sourceID, configHash)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) FinishInterpretation(ctx context.Context, userID, id string, status types.InterpretationStatus, errMsg string, finishedAt time.Time) error {
	attrs := []attribute.KeyValue{
		userAttr(userID),
		attribute.String("neo.interpretation.id", id),
		attribute.String("neo.interpretation.status", string(status)),
	}
	ctx, span, t := s.op(ctx, "FinishInterpretation", attrs...)
	err := s.inner.FinishInterpretation(ctx, userID, id, status, errMsg, finishedAt)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListInterpretations(ctx context.Context, filter types.InterpretationFilter) ([]*types.Interpretation, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListInterpretations", attrs...)
	v, err := s.inner.ListInterpretations(ctx, filter)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountInterpretationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	attrs := []attribute.KeyValue{userAttr(userID)}
	ctx, span, t := s.op(ctx, "CountInterpretationsSince", attrs...)
	v, err := s.inner.CountInterpretationsSince(ctx, userID, since)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Entities ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateEntity(ctx context.Context, e *types.Entity) error {
	attrs := []attribute.KeyValue{
		userAttr(e.UserID),
		attribute.String("neo.entity.type", e.EntityType),
	}
	ctx, span, t := s.op(ctx, "CreateEntity", attrs...)
	err := s.inner.CreateEntity(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", id)}
	ctx, span, t := s.op(ctx, "GetEntity", attrs...)
	v, err := s.inner.GetEntity(ctx, userID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetEntityByResolutionKey(ctx context.Context, userID, entityType, resolutionKey string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.type", entityType)}
	ctx, span, t := s.op(ctx, "GetEntityByResolutionKey", attrs...)
	v, err := s.inner.GetEntityByResolutionKey(ctx, userID, entityType, resolutionKey)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListEntities", attrs...)
	v, err := s.inner.ListEntities(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("neo.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SetEntityCanonicalName(ctx context.Context, userID, id, canonicalName string) error {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", id)}
	ctx, span, t := s.op(ctx, "SetEntityCanonicalName", attrs...)
	err := s.inner.SetEntityCanonicalName(ctx, userID, id, canonicalName)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Observations ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) AppendObservation(ctx context.Context, o *types.Observation) error {
	attrs := []attribute.KeyValue{
		userAttr(o.UserID),
		attribute.String("neo.entity.type", o.EntityType),
		attribute.Int("neo.observation.priority", o.SourcePriority),
	}
	ctx, span, t := s.op(ctx, "AppendObservation", attrs...)
	err := s.inner.AppendObservation(ctx, o)
	s.done(ctx, span, t, err, attrs...)
	if err == nil {
		s.obsAdds.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return err
}

func (s *InstrumentedStore) GetObservation(ctx context.Context, userID, id string) (*types.Observation, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.observation.id", id)}
	ctx, span, t := s.op(ctx, "GetObservation", attrs...)
	v, err := s.inner.GetObservation(ctx, userID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListObservations", attrs...)
	v, err := s.inner.ListObservations(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("neo.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) AppendRelationshipObservation(ctx context.Context, r *types.RelationshipObservation) error {
	attrs := []attribute.KeyValue{
		userAttr(r.UserID),
		attribute.String("neo.relationship.type", r.RelationshipType),
	}
	ctx, span, t := s.op(ctx, "AppendRelationshipObservation", attrs...)
	err := s.inner.AppendRelationshipObservation(ctx, r)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListRelationshipObservations(ctx context.Context, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListRelationshipObservations", attrs...)
	v, err := s.inner.ListRelationshipObservations(ctx, filter)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListRelationshipKeysForEntity(ctx context.Context, userID, entityID string) ([]string, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "ListRelationshipKeysForEntity", attrs...)
	v, err := s.inner.ListRelationshipKeysForEntity(ctx, userID, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Snapshots ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) UpsertEntitySnapshot(ctx context.Context, snap *types.EntitySnapshot) error {
	attrs := []attribute.KeyValue{
		userAttr(snap.UserID),
		attribute.String("neo.entity.type", snap.EntityType),
	}
	ctx, span, t := s.op(ctx, "UpsertEntitySnapshot", attrs...)
	err := s.inner.UpsertEntitySnapshot(ctx, snap)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetEntitySnapshot(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "GetEntitySnapshot", attrs...)
	v, err := s.inner.GetEntitySnapshot(ctx, userID, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) QueryEntitySnapshots(ctx context.Context, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "QueryEntitySnapshots", attrs...)
	v, err := s.inner.QueryEntitySnapshots(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("neo.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteEntitySnapshot(ctx context.Context, userID, entityID string) error {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "DeleteEntitySnapshot", attrs...)
	err := s.inner.DeleteEntitySnapshot(ctx, userID, entityID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) UpsertRelationshipSnapshot(ctx context.Context, snap *types.RelationshipSnapshot) error {
	attrs := []attribute.KeyValue{userAttr(snap.UserID)}
	ctx, span, t := s.op(ctx, "UpsertRelationshipSnapshot", attrs...)
	err := s.inner.UpsertRelationshipSnapshot(ctx, snap)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) (*types.RelationshipSnapshot, error) {
	attrs := []attribute.KeyValue{userAttr(userID)}
	ctx, span, t := s.op(ctx, "GetRelationshipSnapshot", attrs...)
	v, err := s.inner.GetRelationshipSnapshot(ctx, userID, relationshipKey)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) QueryRelationshipSnapshots(ctx context.Context, filter types.RelationshipSnapshotFilter) ([]*types.RelationshipSnapshot, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "QueryRelationshipSnapshots", attrs...)
	v, err := s.inner.QueryRelationshipSnapshots(ctx, filter)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) error {
	attrs := []attribute.KeyValue{userAttr(userID)}
	ctx, span, t := s.op(ctx, "DeleteRelationshipSnapshot", attrs...)
	err := s.inner.DeleteRelationshipSnapshot(ctx, userID, relationshipKey)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Timeline ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) AppendTimelineEvent(ctx context.Context, e *types.TimelineEvent) error {
	attrs := []attribute.KeyValue{
		userAttr(e.UserID),
		attribute.String("neo.event.type", e.EventType),
	}
	ctx, span, t := s.op(ctx, "AppendTimelineEvent", attrs...)
	err := s.inner.AppendTimelineEvent(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetTimelineEvent(ctx context.Context, userID, id string) (*types.TimelineEvent, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.event.id", id)}
	ctx, span, t := s.op(ctx, "GetTimelineEvent", attrs...)
	v, err := s.inner.GetTimelineEvent(ctx, userID, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListTimelineEvents(ctx context.Context, filter types.EventFilter) ([]*types.TimelineEvent, error) {
	attrs := []attribute.KeyValue{userAttr(filter.UserID)}
	ctx, span, t := s.op(ctx, "ListTimelineEvents", attrs...)
	v, err := s.inner.ListTimelineEvents(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("neo.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Audit edges ──────────────────────────────────────────────────────────────

func (s *InstrumentedStore) AddSourceEntityEdge(ctx context.Context, e *types.SourceEntityEdge) error {
	attrs := []attribute.KeyValue{userAttr(e.UserID)}
	ctx, span, t := s.op(ctx, "AddSourceEntityEdge", attrs...)
	err := s.inner.AddSourceEntityEdge(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AddSourceEventEdge(ctx context.Context, e *types.SourceEventEdge) error {
	attrs := []attribute.KeyValue{userAttr(e.UserID)}
	ctx, span, t := s.op(ctx, "AddSourceEventEdge", attrs...)
	err := s.inner.AddSourceEventEdge(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListEntitySourceEdges(ctx context.Context, userID, entityID string) ([]*types.SourceEntityEdge, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "ListEntitySourceEdges", attrs...)
	v, err := s.inner.ListEntitySourceEdges(ctx, userID, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListSourceEntityEdges(ctx context.Context, userID, sourceID string) ([]*types.SourceEntityEdge, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.source.id", sourceID)}
	ctx, span, t := s.op(ctx, "ListSourceEntityEdges", attrs...)
	v, err := s.inner.ListSourceEntityEdges(ctx, userID, sourceID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListEventSourceEdges(ctx context.Context, userID, eventID string) ([]*types.SourceEventEdge, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.event.id", eventID)}
	ctx, span, t := s.op(ctx, "ListEventSourceEdges", attrs...)
	v, err := s.inner.ListEventSourceEdges(ctx, userID, eventID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Merge audit ──────────────────────────────────────────────────────────────

func (s *InstrumentedStore) ListEntityMerges(ctx context.Context, userID, entityID string) ([]*types.EntityMerge, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "ListEntityMerges", attrs...)
	v, err := s.inner.ListEntityMerges(ctx, userID, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Schema registry ──────────────────────────────────────────────────────────

func (s *InstrumentedStore) PutSchemaDefinition(ctx context.Context, def *types.SchemaDefinition) error {
	attrs := []attribute.KeyValue{
		userAttr(def.UserID),
		attribute.String("neo.schema.type", def.EntityType),
		attribute.String("neo.schema.version", def.Version),
	}
	ctx, span, t := s.op(ctx, "PutSchemaDefinition", attrs...)
	err := s.inner.PutSchemaDefinition(ctx, def)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetSchemaDefinition(ctx context.Context, userID, entityType, version string) (*types.SchemaDefinition, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.schema.type", entityType)}
	ctx, span, t := s.op(ctx, "GetSchemaDefinition", attrs...)
	v, err := s.inner.GetSchemaDefinition(ctx, userID, entityType, version)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetLatestSchemaDefinition(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.schema.type", entityType)}
	ctx, span, t := s.op(ctx, "GetLatestSchemaDefinition", attrs...)
	v, err := s.inner.GetLatestSchemaDefinition(ctx, userID, entityType)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListSchemaDefinitions(ctx context.Context, userID string) ([]*types.SchemaDefinition, error) {
	attrs := []attribute.KeyValue{userAttr(userID)}
	ctx, span, t := s.op(ctx, "ListSchemaDefinitions", attrs...)
	v, err := s.inner.ListSchemaDefinitions(ctx, userID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListSchemaVersions(ctx context.Context, userID, entityType string) ([]string, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.schema.type", entityType)}
	ctx, span, t := s.op(ctx, "ListSchemaVersions", attrs...)
	v, err := s.inner.ListSchemaVersions(ctx, userID, entityType)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Schema candidates ────────────────────────────────────────────────────────

func (s *InstrumentedStore) RecordUnknownField(ctx context.Context, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error {
	attrs := []attribute.KeyValue{
		userAttr(userID),
		attribute.String("neo.schema.type", entityType),
		attribute.String("neo.field", fieldName),
	}
	ctx, span, t := s.op(ctx, "RecordUnknownField", attrs...)
	err := s.inner.RecordUnknownField(ctx, userID, entityType, fieldName, sample, sourceID, seenAt)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListSchemaCandidates(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	attrs := []attribute.KeyValue{userAttr(userID), attribute.String("neo.schema.type", entityType)}
	ctx, span, t := s.op(ctx, "ListSchemaCandidates", attrs...)
	v, err := s.inner.ListSchemaCandidates(ctx, userID, entityType)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteSchemaCandidate(ctx context.Context, userID, entityType, fieldName string) error {
	attrs := []attribute.KeyValue{
		userAttr(userID),
		attribute.String("neo.schema.type", entityType),
		attribute.String("neo.field", fieldName),
	}
	ctx, span, t := s.op(ctx, "DeleteSchemaCandidate", attrs...)
	err := s.inner.DeleteSchemaCandidate(ctx, userID, entityType, fieldName)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Configuration ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) SetConfig(ctx context.Context, key, value string) error {
	attrs := []attribute.KeyValue{attribute.String("neo.config.key", key)}
	ctx, span, t := s.op(ctx, "SetConfig", attrs...)
	err := s.inner.SetConfig(ctx, key, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetConfig(ctx context.Context, key string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("neo.config.key", key)}
	ctx, span, t := s.op(ctx, "GetConfig", attrs...)
	v, err := s.inner.GetConfig(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetAllConfig(ctx context.Context) (map[string]string, error) {
	ctx, span, t := s.op(ctx, "GetAllConfig")
	v, err := s.inner.GetAllConfig(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
