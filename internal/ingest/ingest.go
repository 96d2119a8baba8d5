// Package ingest is the write-side front door for source material. Raw bytes
// become content-addressed sources, structured records become a synthesized
// source plus caller-asserted observations, and corrections, deletions, and
// restorations append to the log at their ladder priorities.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/blob"
	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/interpret"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Ingestor owns the content store and the append-only correction paths.
type Ingestor struct {
	store   storage.Store
	blobs   blob.Store
	engine  *interpret.Engine
	schemas *schema.Registry
	rec     *reduce.Recomputer
	log     *zap.Logger
}

func NewIngestor(store storage.Store, blobs blob.Store, engine *interpret.Engine, schemas *schema.Registry, rec *reduce.Recomputer, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, blobs: blobs, engine: engine, schemas: schemas, rec: rec, log: log}
}

// UnstructuredRequest carries raw bytes for ingestion.
type UnstructuredRequest struct {
	UserID           string
	Data             []byte
	MimeType         string
	OriginalFilename string
	Provenance       map[string]any
}

// UnstructuredResult reports the source the bytes landed on. Deduplicated is
// true when the tenant had already ingested identical bytes.
type UnstructuredResult struct {
	Source       *types.Source `json:"source"`
	Deduplicated bool          `json:"deduplicated"`
}

// Unstructured stores raw bytes as a content-addressed source. Identical
// bytes from the same tenant dedupe to the existing source; identical bytes
// from different tenants yield distinct sources.
func (in *Ingestor) Unstructured(ctx context.Context, req UnstructuredRequest) (*UnstructuredResult, error) {
	if req.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	if len(req.Data) == 0 {
		return nil, neoerr.Invalid("source bytes are required")
	}
	mime := req.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	src, dedup, err := in.createSource(ctx, req.UserID, req.Data, mime, req.OriginalFilename, req.Provenance)
	if err != nil {
		return nil, err
	}
	return &UnstructuredResult{Source: src, Deduplicated: dedup}, nil
}

// StructuredRequest carries caller-asserted entity records. SourcePriority
// defaults to the structured rung; candidates may override it per record.
// IdempotencyKey, when set, is folded into the canonical payload so distinct
// logical writes of identical bodies stay distinct.
type StructuredRequest struct {
	UserID         string
	Entities       []*types.Candidate
	SourcePriority int
	IdempotencyKey string
}

// StructuredResult reports the synthesized source and the run that wrote the
// records. Replaying an identical payload returns the recorded source and
// prior run with Deduplicated set instead of appending twice.
type StructuredResult struct {
	Source         *types.Source         `json:"source"`
	Deduplicated   bool                  `json:"deduplicated"`
	Interpretation *types.Interpretation `json:"interpretation"`
	EntityIDs      []string              `json:"entity_ids"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Structured ingests caller-asserted records. The canonical JSON payload is
// the source's content, so idempotent resubmission rides the content-hash
// dedup path.
func (in *Ingestor) Structured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	if req.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	if len(req.Entities) == 0 {
		return nil, neoerr.Invalid("at least one entity record is required")
	}
	priority := req.SourcePriority
	if priority == 0 {
		priority = types.PriorityStructured
	}
	if !types.ValidPriority(priority) {
		return nil, neoerr.Invalid("source_priority %d is not on the priority ladder", priority)
	}

	candidates := make([]*types.Candidate, len(req.Entities))
	for i, c := range req.Entities {
		if c == nil {
			return nil, neoerr.Invalid("entity record %d is nil", i)
		}
		cc := *c
		if cc.SourcePriority == 0 {
			cc.SourcePriority = priority
		}
		candidates[i] = &cc
	}

	payload, err := canonicalPayload(candidates, req.IdempotencyKey)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInvalidInput, err, "encode structured payload")
	}
	src, dedup, err := in.createSource(ctx, req.UserID, payload, "application/json", "", nil)
	if err != nil {
		return nil, err
	}

	cfg := structuredRunConfig()
	if dedup {
		prior, err := in.engine.FindExisting(ctx, req.UserID, src.ID, cfg)
		if err == nil {
			ids, err := in.entityIDsOfRun(ctx, req.UserID, prior.ID)
			if err != nil {
				return nil, err
			}
			return &StructuredResult{Source: src, Deduplicated: true, Interpretation: prior, EntityIDs: ids}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "look up prior structured run")
		}
		// Same bytes landed earlier without a structured run over them;
		// write one now against the existing source.
	}

	res, err := in.engine.Run(ctx, req.UserID, src.ID, candidates, cfg)
	if err != nil {
		return nil, err
	}
	return &StructuredResult{
		Source:         src,
		Deduplicated:   dedup,
		Interpretation: res.Interpretation,
		EntityIDs:      res.EntityIDs,
		Warnings:       res.Warnings,
	}, nil
}

// Correct appends a user correction for one field at the correction priority,
// which outranks every extraction and structured claim in the reducer.
func (in *Ingestor) Correct(ctx context.Context, userID, entityID, field string, value any) (*types.Observation, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	if field == "" {
		return nil, neoerr.Invalid("field name is required")
	}
	if field == types.FieldDeleted {
		return nil, neoerr.Invalid("%s is reserved; use delete and restore", types.FieldDeleted)
	}

	entity, err := in.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}
	def, err := in.schemas.Latest(ctx, userID, entity.EntityType)
	if err != nil {
		return nil, err
	}
	if err := schema.CheckField(def, field, value); err != nil {
		return nil, err
	}

	// The source whose claim is being overridden gets a corrected audit edge.
	var correctedSource string
	if snap, err := in.store.GetEntitySnapshot(ctx, userID, entity.ID); err == nil {
		if prov, ok := snap.FieldProvenance[field]; ok {
			correctedSource = prov.SourceID
		}
	}

	obs := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         userID,
		EntityID:       entity.ID,
		EntityType:     entity.EntityType,
		SchemaVersion:  def.Version,
		ObservedAt:     time.Now().UTC(),
		SourcePriority: types.PriorityCorrection,
		Fields:         map[string]any{field: value},
	}
	if err := in.store.AppendObservation(ctx, obs); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "append correction")
	}
	if correctedSource != "" {
		if err := in.store.AddSourceEntityEdge(ctx, &types.SourceEntityEdge{
			SourceID: correctedSource,
			EntityID: entity.ID,
			UserID:   userID,
			EdgeType: types.EdgeCorrected,
		}); err != nil {
			in.log.Warn("corrected edge not recorded",
				zap.String("source_id", correctedSource), zap.Error(err))
		}
	}
	in.emitEntityEvent(ctx, userID, types.EventEntityCorrected, entity.ID, map[string]any{"field": field})
	in.recompute(ctx, userID, entity.ID)
	return obs, nil
}

// Delete appends a tombstone observation. History is retained; default
// queries stop returning the entity's snapshot until a restore.
func (in *Ingestor) Delete(ctx context.Context, userID, entityID string) (*types.Observation, error) {
	return in.setDeleted(ctx, userID, entityID, true)
}

// Restore appends a restoration observation one priority above the
// tombstone's, so it strictly supersedes a prior delete.
func (in *Ingestor) Restore(ctx context.Context, userID, entityID string) (*types.Observation, error) {
	return in.setDeleted(ctx, userID, entityID, false)
}

func (in *Ingestor) setDeleted(ctx context.Context, userID, entityID string, deleted bool) (*types.Observation, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	entity, err := in.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}
	def, err := in.schemas.Latest(ctx, userID, entity.EntityType)
	if err != nil {
		return nil, err
	}

	priority := types.PriorityCorrection
	eventType := types.EventEntityDeleted
	if !deleted {
		priority = types.PriorityRestoration
		eventType = types.EventEntityRestored
	}
	obs := &types.Observation{
		ID:             idgen.NewObservationID(),
		UserID:         userID,
		EntityID:       entity.ID,
		EntityType:     entity.EntityType,
		SchemaVersion:  def.Version,
		ObservedAt:     time.Now().UTC(),
		SourcePriority: priority,
		Fields:         map[string]any{types.FieldDeleted: deleted},
	}
	if err := in.store.AppendObservation(ctx, obs); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "append %s marker", eventType)
	}
	in.emitEntityEvent(ctx, userID, eventType, entity.ID, nil)
	in.recompute(ctx, userID, entity.ID)
	return obs, nil
}

// createSource persists bytes and the source row, deduplicating on the
// per-tenant content hash. The returned bool reports a dedup hit.
func (in *Ingestor) createSource(ctx context.Context, userID string, data []byte, mime, filename string, provenance map[string]any) (*types.Source, bool, error) {
	hash := types.HashBytes(data)
	existing, err := in.store.GetSourceByContentHash(ctx, userID, hash)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, neoerr.Wrap(neoerr.TagInternal, err, "look up content hash")
	}

	ref := blob.Ref{Tenant: userID, Hash: hash}
	if err := in.blobs.Put(ctx, ref, data); err != nil {
		return nil, false, neoerr.Wrap(neoerr.TagUnavailable, err, "persist source bytes")
	}
	src := &types.Source{
		ID:               idgen.NewSourceID(),
		UserID:           userID,
		ContentHash:      hash,
		StorageURL:       ref.URL(),
		MimeType:         mime,
		FileSize:         int64(len(data)),
		OriginalFilename: filename,
		Provenance:       provenance,
		CreatedAt:        time.Now().UTC(),
	}
	if err := in.store.CreateSource(ctx, src); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the insert race. The winner wrote identical bytes, so the
			// blob stays; report their row as a dedup hit.
			winner, rerr := in.store.GetSourceByContentHash(ctx, userID, hash)
			if rerr != nil {
				return nil, false, neoerr.Wrap(neoerr.TagInternal, rerr, "re-read source after lost insert race")
			}
			return winner, true, nil
		}
		if derr := in.blobs.Delete(ctx, ref); derr != nil {
			in.log.Warn("orphaned blob after failed source insert",
				zap.String("url", ref.URL()), zap.Error(derr))
		}
		return nil, false, neoerr.Wrap(neoerr.TagInternal, err, "insert source row")
	}
	in.emitIngested(ctx, src)
	return src, false, nil
}

// Open streams a stored source's bytes back.
func (in *Ingestor) Open(ctx context.Context, userID, sourceID string) (*types.Source, []byte, error) {
	src, err := in.store.GetSource(ctx, userID, sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, neoerr.NotFound("source %s not found", sourceID)
		}
		return nil, nil, neoerr.Wrap(neoerr.TagInternal, err, "load source %s", sourceID)
	}
	ref, err := blob.ParseURL(src.StorageURL)
	if err != nil {
		return nil, nil, neoerr.Wrap(neoerr.TagInternal, err, "source %s storage url", sourceID)
	}
	rc, err := in.blobs.Open(ctx, ref)
	if err != nil {
		return nil, nil, neoerr.Wrap(neoerr.TagUnavailable, err, "open source bytes")
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, neoerr.Wrap(neoerr.TagUnavailable, err, "read source bytes")
	}
	return src, data, nil
}

// liveEntity resolves id through any merge redirects to the surviving row.
func (in *Ingestor) liveEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	visited := make(map[string]struct{})
	for {
		e, err := in.store.GetEntity(ctx, userID, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, neoerr.NotFound("entity %s not found", id)
			}
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "load entity %s", id)
		}
		if !e.IsMerged() {
			return e, nil
		}
		if _, ok := visited[e.ID]; ok {
			return nil, neoerr.Internal("merge redirect cycle at %s", e.ID)
		}
		visited[e.ID] = struct{}{}
		id = e.MergedToEntityID
	}
}

func (in *Ingestor) entityIDsOfRun(ctx context.Context, userID, runID string) ([]string, error) {
	obs, err := in.store.ListObservations(ctx, types.ObservationFilter{UserID: userID, InterpretationID: runID})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list run observations")
	}
	ids := make([]string, 0, len(obs))
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		if _, ok := seen[o.EntityID]; !ok {
			seen[o.EntityID] = struct{}{}
			ids = append(ids, o.EntityID)
		}
	}
	return ids, nil
}

func (in *Ingestor) emitIngested(ctx context.Context, src *types.Source) {
	ev := &types.TimelineEvent{
		ID:         idgen.NewEventID(),
		UserID:     src.UserID,
		EventType:  types.EventSourceIngested,
		SourceID:   src.ID,
		OccurredAt: time.Now().UTC(),
		Fields: map[string]any{
			"content_hash": src.ContentHash,
			"mime_type":    src.MimeType,
			"file_size":    src.FileSize,
		},
	}
	if err := in.store.AppendTimelineEvent(ctx, ev); err != nil {
		in.log.Warn("timeline event not recorded",
			zap.String("event_type", ev.EventType), zap.Error(err))
		return
	}
	if err := in.store.AddSourceEventEdge(ctx, &types.SourceEventEdge{
		SourceID: src.ID,
		EventID:  ev.ID,
		UserID:   src.UserID,
		EdgeType: types.EdgeEmitted,
	}); err != nil {
		in.log.Warn("source event edge not recorded", zap.String("source_id", src.ID), zap.Error(err))
	}
}

func (in *Ingestor) emitEntityEvent(ctx context.Context, userID, eventType, entityID string, fields map[string]any) {
	ev := &types.TimelineEvent{
		ID:         idgen.NewEventID(),
		UserID:     userID,
		EventType:  eventType,
		EntityIDs:  []string{entityID},
		OccurredAt: time.Now().UTC(),
		Fields:     fields,
	}
	if err := in.store.AppendTimelineEvent(ctx, ev); err != nil {
		in.log.Warn("timeline event not recorded",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (in *Ingestor) recompute(ctx context.Context, userID, entityID string) {
	if _, err := in.rec.RecomputeEntity(ctx, userID, entityID); err != nil {
		in.log.Warn("snapshot recompute failed after write",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}

// structuredRunConfig is the synthetic interpretation config for
// caller-asserted records. It is constant so a replay of the same payload
// finds the prior run through the config hash.
func structuredRunConfig() types.InterpretationConfig {
	return types.InterpretationConfig{Provider: "caller", ModelID: "structured-ingest"}
}

// canonicalPayload renders a structured submission as canonical JSON.
// encoding/json writes map keys sorted, so identical records produce
// identical bytes regardless of the caller's field order.
func canonicalPayload(candidates []*types.Candidate, idempotencyKey string) ([]byte, error) {
	doc := map[string]any{"entities": candidates}
	if idempotencyKey != "" {
		doc["idempotency_key"] = idempotencyKey
	}
	return json.Marshal(doc)
}
