// Package interpret runs extraction passes over sources. The engine never
// extracts anything itself; it consumes extractor output (entity candidates)
// and turns each candidate into observations under the candidate's schema.
//
// Runs are recorded as interpretations. A failed run keeps every observation
// written before the failure: each observation is an independently valid fact
// discoverable by interpretation id. Reinterpretation is simply a new run
// over the same source; the reducer settles any disagreement.
package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/resolve"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Defaults applied when Config leaves a knob zero.
const (
	DefaultQuota       = 10000
	DefaultQuotaWindow = 24 * time.Hour
)

// Config tunes the engine.
type Config struct {
	// Quota caps interpretations per tenant inside QuotaWindow. Zero and
	// negative values apply DefaultQuota; Unlimited disables the cap.
	Quota int
	// QuotaWindow is the rolling window the quota counts over.
	QuotaWindow time.Duration
}

// Unlimited disables the interpretation quota.
const Unlimited = -1

// quotaReader is an optional store capability: a per-database override of the
// configured interpretation quota. The sqlite store implements it.
type quotaReader interface {
	GetInterpretQuota(ctx context.Context, fallback int) int
}

// Engine turns extractor candidates into observations.
type Engine struct {
	store    storage.Store
	schemas  *schema.Registry
	resolver *resolve.Resolver
	rec      *reduce.Recomputer
	log      *zap.Logger
	cfg      Config
}

// NewEngine wires an Engine.
func NewEngine(store storage.Store, schemas *schema.Registry, resolver *resolve.Resolver, rec *reduce.Recomputer, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Quota == 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.QuotaWindow <= 0 {
		cfg.QuotaWindow = DefaultQuotaWindow
	}
	return &Engine{store: store, schemas: schemas, resolver: resolver, rec: rec, log: log, cfg: cfg}
}

// Result reports what one run wrote.
type Result struct {
	Interpretation *types.Interpretation `json:"interpretation"`
	// EntityIDs are the distinct entities touched, in first-touch order.
	EntityIDs     []string `json:"entity_ids"`
	Observations  int      `json:"observations"`
	Relationships int      `json:"relationships"`
	// Warnings aggregates per-candidate validation warnings. Warnings never
	// block a write.
	Warnings []string `json:"warnings,omitempty"`
}

// FindExisting returns a prior run over sourceID under an identical config,
// or storage.ErrNotFound.
func (e *Engine) FindExisting(ctx context.Context, userID, sourceID string, cfg types.InterpretationConfig) (*types.Interpretation, error) {
	return e.store.FindInterpretationByConfig(ctx, userID, sourceID, cfg.Hash())
}

// Run executes one extraction pass: resolve an entity per candidate, split
// fields against the schema, append observations and relationship
// observations, then flip the run to a terminal status. Candidates are
// validated up front so malformed input never consumes quota or leaves a
// half-validated run row. A write failure mid-run marks the run failed and
// keeps everything already written.
func (e *Engine) Run(ctx context.Context, userID, sourceID string, candidates []*types.Candidate, cfg types.InterpretationConfig) (*Result, error) {
	if userID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	if sourceID == "" {
		return nil, neoerr.Invalid("source id is required")
	}
	defs, err := e.validate(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetSource(ctx, userID, sourceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.NotFound("source %s", sourceID)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load source %s", sourceID)
	}
	if err := e.checkQuota(ctx, userID); err != nil {
		return nil, err
	}

	run := &types.Interpretation{
		ID:        idgen.NewInterpretationID(),
		UserID:    userID,
		SourceID:  sourceID,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
		Status:    types.InterpretationRunning,
	}
	if err := e.store.CreateInterpretation(ctx, run); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "create interpretation")
	}
	e.emitRunEvent(ctx, run, types.EventInterpretationStarted, map[string]any{
		"candidates": len(candidates),
	})

	result := &Result{Interpretation: run}
	relKeys := make(map[string]bool)
	runErr := e.writeCandidates(ctx, run, candidates, defs, result, relKeys)

	if runErr != nil {
		e.finish(ctx, run, types.InterpretationFailed, runErr.Error(), result)
	} else {
		e.finish(ctx, run, types.InterpretationSucceeded, "", result)
	}

	// Observations written before a failure are valid facts; recompute
	// whatever was touched on both paths.
	e.recomputeTouched(ctx, userID, result.EntityIDs, relKeys)

	if runErr != nil {
		return result, neoerr.Wrap(neoerr.TagInternal, runErr, "interpretation %s failed", run.ID)
	}
	return result, nil
}

// validate rejects structurally unusable candidates and unregistered entity
// types before any row is written. Returns the schema for each entity type
// the run touches.
func (e *Engine) validate(ctx context.Context, userID string, candidates []*types.Candidate) (map[string]*types.SchemaDefinition, error) {
	defs := make(map[string]*types.SchemaDefinition)
	lookup := func(entityType string) error {
		if _, ok := defs[entityType]; ok {
			return nil
		}
		def, err := e.schemas.Latest(ctx, userID, entityType)
		if err != nil {
			if errors.Is(err, neoerr.ErrNotFound) {
				return neoerr.Schema("entity type %q is not registered", entityType)
			}
			return err
		}
		defs[entityType] = def
		return nil
	}
	for i, c := range candidates {
		if c == nil {
			return nil, neoerr.Invalid("candidate %d is nil", i)
		}
		if err := c.Validate(); err != nil {
			return nil, neoerr.Wrap(neoerr.TagInvalidInput, err, "candidate %d", i)
		}
		if err := lookup(c.EntityType); err != nil {
			return nil, err
		}
		for _, rc := range c.Relationships {
			if err := lookup(rc.TargetEntityType); err != nil {
				return nil, err
			}
		}
	}
	return defs, nil
}

func (e *Engine) checkQuota(ctx context.Context, userID string) error {
	quota := e.cfg.Quota
	if qr, ok := e.store.(quotaReader); ok {
		quota = qr.GetInterpretQuota(ctx, quota)
	}
	if quota <= 0 {
		return nil
	}
	since := time.Now().UTC().Add(-e.cfg.QuotaWindow)
	count, err := e.store.CountInterpretationsSince(ctx, userID, since)
	if err != nil {
		return neoerr.Wrap(neoerr.TagInternal, err, "count interpretations")
	}
	if count >= quota {
		return neoerr.Quota("interpretation quota reached: %d runs in the last %s (limit %d)",
			count, e.cfg.QuotaWindow, quota)
	}
	return nil
}

func (e *Engine) writeCandidates(ctx context.Context, run *types.Interpretation, candidates []*types.Candidate, defs map[string]*types.SchemaDefinition, result *Result, relKeys map[string]bool) error {
	touched := make(map[string]bool)
	touch := func(id string) {
		if !touched[id] {
			touched[id] = true
			result.EntityIDs = append(result.EntityIDs, id)
		}
	}

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
		def := defs[c.EntityType]
		entity, _, err := e.resolver.ResolveCandidate(ctx, run.UserID, def, c)
		if err != nil {
			return fmt.Errorf("candidate %d: resolve: %w", i, err)
		}
		touch(entity.ID)

		part := schema.PartitionFields(def, c.Fields)
		for j, w := range part.Warnings {
			part.Warnings[j] = fmt.Sprintf("%s %s: %s", c.EntityType, entity.ID, w)
		}
		result.Warnings = append(result.Warnings, part.Warnings...)

		obs := &types.Observation{
			ID:               idgen.NewObservationID(),
			UserID:           run.UserID,
			EntityID:         entity.ID,
			EntityType:       c.EntityType,
			SourceID:         run.SourceID,
			InterpretationID: run.ID,
			SchemaVersion:    def.Version,
			ObservedAt:       observedAt(c),
			SourcePriority:   priorityOf(c),
			Fields:           part.Known,
		}
		meta := &types.ExtractionMetadata{UnknownFields: part.Unknown, Warnings: part.Warnings}
		if !meta.IsZero() {
			obs.Metadata = meta
		}
		if err := e.store.AppendObservation(ctx, obs); err != nil {
			return fmt.Errorf("candidate %d: append observation: %w", i, err)
		}
		result.Observations++

		if err := e.store.AddSourceEntityEdge(ctx, &types.SourceEntityEdge{
			SourceID:         run.SourceID,
			EntityID:         entity.ID,
			UserID:           run.UserID,
			EdgeType:         types.EdgeObserved,
			InterpretationID: run.ID,
		}); err != nil {
			return fmt.Errorf("candidate %d: source edge: %w", i, err)
		}

		for _, name := range types.SortedFieldNames(part.Unknown) {
			if err := e.store.RecordUnknownField(ctx, run.UserID, c.EntityType, name,
				sampleOf(part.Unknown[name]), run.SourceID, obs.ObservedAt); err != nil {
				return fmt.Errorf("candidate %d: record unknown field %q: %w", i, name, err)
			}
		}

		for j := range c.Relationships {
			rc := &c.Relationships[j]
			key, err := e.writeRelationship(ctx, run, entity, c, rc, defs, touch)
			if err != nil {
				return fmt.Errorf("candidate %d relationship %d: %w", i, j, err)
			}
			relKeys[key] = true
			result.Relationships++
		}
	}
	return nil
}

func (e *Engine) writeRelationship(ctx context.Context, run *types.Interpretation, source *types.Entity, c *types.Candidate, rc *types.RelationshipCandidate, defs map[string]*types.SchemaDefinition, touch func(string)) (string, error) {
	target, _, err := e.resolver.ResolveCandidate(ctx, run.UserID, defs[rc.TargetEntityType], &types.Candidate{
		EntityType: rc.TargetEntityType,
		ExternalID: rc.TargetExternalID,
		Fields:     rc.TargetFields,
	})
	if err != nil {
		return "", fmt.Errorf("resolve target: %w", err)
	}
	touch(target.ID)

	rel := &types.RelationshipObservation{
		ID:               idgen.NewRelationshipObservationID(),
		UserID:           run.UserID,
		SourceEntityID:   source.ID,
		RelationshipType: rc.RelationshipType,
		TargetEntityID:   target.ID,
		SourceID:         run.SourceID,
		InterpretationID: run.ID,
		ObservedAt:       observedAt(c),
		SourcePriority:   priorityOf(c),
		Fields:           rc.Fields,
	}
	rel.SetKey()
	if err := e.store.AppendRelationshipObservation(ctx, rel); err != nil {
		return "", fmt.Errorf("append relationship observation: %w", err)
	}
	if err := e.store.AddSourceEntityEdge(ctx, &types.SourceEntityEdge{
		SourceID:         run.SourceID,
		EntityID:         target.ID,
		UserID:           run.UserID,
		EdgeType:         types.EdgeObserved,
		InterpretationID: run.ID,
	}); err != nil {
		return "", fmt.Errorf("target source edge: %w", err)
	}
	return rel.RelationshipKey, nil
}

// finish flips the run terminal and emits the finished event. Terminal writes
// run on a detached context so a cancelled run still lands its failed status.
func (e *Engine) finish(ctx context.Context, run *types.Interpretation, status types.InterpretationStatus, errMsg string, result *Result) {
	ctx = context.WithoutCancel(ctx)
	finishedAt := time.Now().UTC()
	if err := e.store.FinishInterpretation(ctx, run.UserID, run.ID, status, errMsg, finishedAt); err != nil {
		e.log.Error("failed to finish interpretation",
			zap.String("interpretation_id", run.ID), zap.Error(err))
		return
	}
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = &finishedAt
	e.emitRunEvent(ctx, run, types.EventInterpretationFinished, map[string]any{
		"status":        string(status),
		"observations":  result.Observations,
		"relationships": result.Relationships,
		"entities":      len(result.EntityIDs),
	})
	e.log.Info("interpretation finished",
		zap.String("interpretation_id", run.ID),
		zap.String("source_id", run.SourceID),
		zap.String("status", string(status)),
		zap.Int("observations", result.Observations),
		zap.Int("relationships", result.Relationships),
		zap.Int("warnings", len(result.Warnings)))
}

// emitRunEvent writes a timeline event for the run and ties it back to the
// source. Timeline is derived history; a failed emit logs and moves on.
func (e *Engine) emitRunEvent(ctx context.Context, run *types.Interpretation, eventType string, fields map[string]any) {
	event := &types.TimelineEvent{
		ID:               idgen.NewEventID(),
		UserID:           run.UserID,
		EventType:        eventType,
		SourceID:         run.SourceID,
		InterpretationID: run.ID,
		OccurredAt:       time.Now().UTC(),
		Fields:           fields,
	}
	if err := e.store.AppendTimelineEvent(ctx, event); err != nil {
		e.log.Warn("timeline event write failed",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := e.store.AddSourceEventEdge(ctx, &types.SourceEventEdge{
		SourceID:         run.SourceID,
		EventID:          event.ID,
		UserID:           run.UserID,
		EdgeType:         types.EdgeEmitted,
		InterpretationID: run.ID,
	}); err != nil {
		e.log.Warn("source event edge write failed",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (e *Engine) recomputeTouched(ctx context.Context, userID string, entityIDs []string, relKeys map[string]bool) {
	ctx = context.WithoutCancel(ctx)
	if err := e.rec.RecomputeEntities(ctx, userID, entityIDs); err != nil {
		e.log.Warn("post-run entity recompute failed", zap.Error(err))
	}
	for key := range relKeys {
		if _, err := e.rec.RecomputeRelationship(ctx, userID, key); err != nil {
			e.log.Warn("post-run relationship recompute failed",
				zap.String("relationship_key", key), zap.Error(err))
		}
	}
}

func priorityOf(c *types.Candidate) int {
	if c.SourcePriority != 0 {
		return c.SourcePriority
	}
	return types.PriorityExtraction
}

func observedAt(c *types.Candidate) time.Time {
	if c.ObservedAt != nil && !c.ObservedAt.IsZero() {
		return c.ObservedAt.UTC()
	}
	return time.Now().UTC()
}

// sampleOf renders an unknown-field value for candidate tracking. Samples are
// inputs to type inference, so strings stay bare rather than JSON-quoted.
func sampleOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
