// Package service assembles the substrate behind one facade. Transports
// (HTTP, CLI) construct a Service and call nothing else; every public
// operation is bounded by the configured timeout and returns errors carrying
// the stable tags from neoerr.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/blob"
	"github.com/neotoma-io/neotoma/internal/ingest"
	"github.com/neotoma-io/neotoma/internal/interpret"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/query"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/resolve"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// DefaultOpTimeout bounds public operations when Config.OpTimeout is unset.
const DefaultOpTimeout = 30 * time.Second

// Config tunes the facade.
type Config struct {
	// OpTimeout bounds every public operation. Zero selects DefaultOpTimeout.
	OpTimeout time.Duration
	// InterpretQuota caps interpretation runs per tenant inside QuotaWindow.
	// Zero selects the engine default; interpret.Unlimited disables it.
	InterpretQuota int
	QuotaWindow    time.Duration
}

// SnapshotCache is the optional snapshot cache the service threads through
// the read path and the recompute coordinator. Both cache implementations
// satisfy it; nil disables caching.
type SnapshotCache interface {
	Get(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, bool)
	Put(ctx context.Context, snap *types.EntitySnapshot)
	Invalidate(ctx context.Context, userID, entityID string)
	Close() error
}

// Service is the truth layer's single entry point.
type Service struct {
	cfg      Config
	store    storage.Store
	blobs    blob.Store
	snaps    SnapshotCache
	schemas  *schema.Registry
	resolver *resolve.Resolver
	merger   *resolve.Merger
	rec      *reduce.Recomputer
	engine   *interpret.Engine
	ingestor *ingest.Ingestor
	reader   *query.Reader
	log      *zap.Logger
}

// New wires a Service over an opened store and blob store. The Service takes
// ownership of both and of snaps; Close releases them.
func New(store storage.Store, blobs blob.Store, snaps SnapshotCache, log *zap.Logger, cfg Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	schemas := schema.NewRegistry(store, log)
	resolver := resolve.NewResolver(store, log)
	var inv reduce.Invalidator
	if snaps != nil {
		inv = snaps
	}
	rec := reduce.NewRecomputer(store, schemas, inv, log)
	engine := interpret.NewEngine(store, schemas, resolver, rec, log, interpret.Config{
		Quota:       cfg.InterpretQuota,
		QuotaWindow: cfg.QuotaWindow,
	})
	var qc query.SnapshotCache
	if snaps != nil {
		qc = snaps
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		snaps:    snaps,
		schemas:  schemas,
		resolver: resolver,
		merger:   resolve.NewMerger(store, rec, log),
		rec:      rec,
		engine:   engine,
		ingestor: ingest.NewIngestor(store, blobs, engine, schemas, rec, log),
		reader:   query.NewReader(store, schemas, rec, qc, log),
		log:      log,
	}
}

// Close releases the cache and the store.
func (s *Service) Close() error {
	var first error
	if s.snaps != nil {
		if err := s.snaps.Close(); err != nil {
			first = err
		}
	}
	if err := s.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// mapErr converts a context deadline or cancellation into the stable
// deadline_exceeded tag. Lower layers may have already classified the failure
// as internal before the deadline surfaced, so the tag is forced here rather
// than left to Wrap's first-tag-wins rule. Everything else passes through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &neoerr.Error{Tag: neoerr.TagDeadlineExceeded, Msg: "operation timed out", Err: err}
	}
	return err
}

// IngestUnstructuredRequest carries raw bytes plus, optionally, the extractor
// output to interpret against the stored source in the same call.
type IngestUnstructuredRequest struct {
	UserID           string
	Data             []byte
	MimeType         string
	OriginalFilename string
	Provenance       map[string]any

	// Interpret runs Candidates against the source once it is stored.
	// Extraction itself happens outside the core; callers hand in its output.
	Interpret  bool
	Candidates []*types.Candidate
	Config     types.InterpretationConfig
}

// IngestUnstructuredResult reports the stored source and, when interpretation
// ran, what it wrote.
type IngestUnstructuredResult struct {
	Source           *types.Source         `json:"source"`
	Deduplicated     bool                  `json:"deduplicated"`
	Interpretation   *types.Interpretation `json:"interpretation,omitempty"`
	EntityIDs        []string              `json:"entity_ids,omitempty"`
	ObservationCount int                   `json:"observation_count,omitempty"`
	Warnings         []string              `json:"warnings,omitempty"`
}

// IngestUnstructured stores raw content (deduplicated per tenant on content
// hash) and optionally interprets it.
func (s *Service) IngestUnstructured(ctx context.Context, req IngestUnstructuredRequest) (*IngestUnstructuredResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ur, err := s.ingestor.Unstructured(ctx, ingest.UnstructuredRequest{
		UserID:           req.UserID,
		Data:             req.Data,
		MimeType:         req.MimeType,
		OriginalFilename: req.OriginalFilename,
		Provenance:       req.Provenance,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	res := &IngestUnstructuredResult{Source: ur.Source, Deduplicated: ur.Deduplicated}
	if !req.Interpret {
		return res, nil
	}

	run, err := s.engine.Run(ctx, req.UserID, ur.Source.ID, req.Candidates, req.Config)
	if err != nil {
		// The source is durable regardless; report it alongside the failure.
		return res, mapErr(err)
	}
	res.Interpretation = run.Interpretation
	res.EntityIDs = run.EntityIDs
	res.ObservationCount = run.Observations
	res.Warnings = run.Warnings
	return res, nil
}

// IngestStructured persists caller-shaped entities at source priority 500 by
// default. Identical payloads deduplicate; an idempotency key distinguishes
// intentional resubmissions.
func (s *Service) IngestStructured(ctx context.Context, req ingest.StructuredRequest) (*ingest.StructuredResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.ingestor.Structured(ctx, req)
	return res, mapErr(err)
}

// Correct appends a user assertion for one field at priority 1000.
func (s *Service) Correct(ctx context.Context, userID, entityID, field string, value any) (*types.Observation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	obs, err := s.ingestor.Correct(ctx, userID, entityID, field, value)
	return obs, mapErr(err)
}

// DeleteEntity tombstones an entity with a priority-1000 observation. The
// log underneath is untouched.
func (s *Service) DeleteEntity(ctx context.Context, userID, entityID string) (*types.Observation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	obs, err := s.ingestor.Delete(ctx, userID, entityID)
	return obs, mapErr(err)
}

// RestoreEntity lifts a tombstone with a priority-1001 observation.
func (s *Service) RestoreEntity(ctx context.Context, userID, entityID string) (*types.Observation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	obs, err := s.ingestor.Restore(ctx, userID, entityID)
	return obs, mapErr(err)
}

// Reinterpret runs a fresh interpretation over an already-stored source.
// Prior runs and their observations are never touched.
func (s *Service) Reinterpret(ctx context.Context, userID, sourceID string, candidates []*types.Candidate, cfg types.InterpretationConfig) (*interpret.Result, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.engine.Run(ctx, userID, sourceID, candidates, cfg)
	return res, mapErr(err)
}

// MergeEntities redirects from onto to: observations move, from becomes a
// redirect, both snapshots recompute. Atomic.
func (s *Service) MergeEntities(ctx context.Context, userID, fromID, toID string) (*types.EntityMerge, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	m, err := s.merger.Merge(ctx, userID, fromID, toID)
	return m, mapErr(err)
}

// RegisterSchema registers a new entity type at version 1.0.
func (s *Service) RegisterSchema(ctx context.Context, def *types.SchemaDefinition) (*types.SchemaDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	out, err := s.schemas.Register(ctx, def)
	return out, mapErr(err)
}

// UpdateSchema applies an additive field extension, minting the next minor
// version.
func (s *Service) UpdateSchema(ctx context.Context, userID, entityType string, newFields []types.FieldDef) (*types.SchemaDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	out, err := s.schemas.UpdateIncremental(ctx, userID, entityType, newFields)
	return out, mapErr(err)
}

// Schema returns one schema version, or the latest when version is empty.
func (s *Service) Schema(ctx context.Context, userID, entityType, version string) (*types.SchemaDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var (
		def *types.SchemaDefinition
		err error
	)
	if version == "" {
		def, err = s.schemas.Latest(ctx, userID, entityType)
	} else {
		def, err = s.schemas.Get(ctx, userID, entityType, version)
	}
	return def, mapErr(err)
}

// Schemas lists the latest version of every registered entity type.
func (s *Service) Schemas(ctx context.Context, userID string) ([]*types.SchemaDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	defs, err := s.schemas.List(ctx, userID)
	return defs, mapErr(err)
}

// SchemaVersions lists the version history for one entity type.
func (s *Service) SchemaVersions(ctx context.Context, userID, entityType string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	vs, err := s.schemas.Versions(ctx, userID, entityType)
	return vs, mapErr(err)
}

// EntityTypes lists the distinct registered entity types visible to userID.
func (s *Service) EntityTypes(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ts, err := s.schemas.ListTypes(ctx, userID)
	return ts, mapErr(err)
}

// SchemaCandidates returns every recorded unknown field with its occurrence
// counts and inferred type, whether or not it clears the promotion thresholds.
func (s *Service) SchemaCandidates(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	cands, err := s.schemas.AnalyzeCandidates(ctx, userID, entityType)
	return cands, mapErr(err)
}

// SchemaRecommendations filters SchemaCandidates down to the fields that
// cleared the promotion thresholds and are ready to promote.
func (s *Service) SchemaRecommendations(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	cands, err := s.schemas.Recommendations(ctx, userID, entityType)
	return cands, mapErr(err)
}

// PromoteField declares a recurring unknown field, minting the next schema
// version. force skips the occurrence thresholds.
func (s *Service) PromoteField(ctx context.Context, userID, entityType, field string, force bool) (*types.SchemaDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	def, err := s.schemas.Promote(ctx, userID, entityType, field, force)
	return def, mapErr(err)
}

// ExportSchemaJSON renders a schema version (latest when version is empty) as
// a JSON Schema document.
func (s *Service) ExportSchemaJSON(ctx context.Context, userID, entityType, version string) ([]byte, error) {
	def, err := s.Schema(ctx, userID, entityType, version)
	if err != nil {
		return nil, err
	}
	out, err := schema.ExportJSONSchema(def)
	return out, mapErr(err)
}

// SeedSchemas registers every YAML schema definition under dir. Already
// registered types are skipped; returns how many were applied.
func (s *Service) SeedSchemas(ctx context.Context, dir string) (int, error) {
	n, err := s.schemas.ApplySeedDir(ctx, dir)
	return n, mapErr(err)
}

// WatchSeeds hot-loads new seed files dropped into dir until ctx ends.
func (s *Service) WatchSeeds(ctx context.Context, dir string) error {
	return s.schemas.Watch(ctx, dir)
}

// Entities lists entity identity rows.
func (s *Service) Entities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ents, err := s.reader.Entities(ctx, filter)
	return ents, mapErr(err)
}

// Snapshots lists entity snapshots matching the filter.
func (s *Service) Snapshots(ctx context.Context, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	snaps, err := s.reader.Snapshots(ctx, filter)
	return snaps, mapErr(err)
}

// EntitySnapshot returns current truth for an entity, or truth as of a past
// instant when at is set. Merge redirects are followed.
func (s *Service) EntitySnapshot(ctx context.Context, userID, entityID string, at *time.Time) (*query.SnapshotResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.reader.EntitySnapshot(ctx, userID, entityID, at)
	return res, mapErr(err)
}

// Observations lists observations in the reducer's total order.
func (s *Service) Observations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	obs, err := s.reader.Observations(ctx, filter)
	return obs, mapErr(err)
}

// FieldProvenance traces one snapshot field to the observation that won it.
func (s *Service) FieldProvenance(ctx context.Context, userID, entityID, field string) (*query.ProvenanceResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.reader.FieldProvenance(ctx, userID, entityID, field)
	return res, mapErr(err)
}

// Relationships lists relationship snapshots touching the entity.
func (s *Service) Relationships(ctx context.Context, userID, entityID string, dir query.Direction, relType string) ([]*types.RelationshipSnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rels, err := s.reader.Relationships(ctx, userID, entityID, dir, relType)
	return rels, mapErr(err)
}

// RelatedEntities walks the relationship graph breadth-first from the entity.
func (s *Service) RelatedEntities(ctx context.Context, userID, entityID string, entityTypes []string, depth int) ([]*query.RelatedEntity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rel, err := s.reader.RelatedEntities(ctx, userID, entityID, entityTypes, depth)
	return rel, mapErr(err)
}

// GraphNeighborhood returns the depth-1 view around one node.
func (s *Service) GraphNeighborhood(ctx context.Context, userID, nodeID, nodeType string) (*query.Neighborhood, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	hood, err := s.reader.GraphNeighborhood(ctx, userID, nodeID, nodeType)
	return hood, mapErr(err)
}

// Timeline lists timeline events, newest first.
func (s *Service) Timeline(ctx context.Context, filter types.EventFilter) ([]*types.TimelineEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	events, err := s.reader.Timeline(ctx, filter)
	return events, mapErr(err)
}

// Interpretations lists interpretation runs for audit.
func (s *Service) Interpretations(ctx context.Context, filter types.InterpretationFilter) ([]*types.Interpretation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	runs, err := s.reader.Interpretations(ctx, filter)
	return runs, mapErr(err)
}

// Sources lists source rows for audit.
func (s *Service) Sources(ctx context.Context, filter types.SourceFilter) ([]*types.Source, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	srcs, err := s.reader.Sources(ctx, filter)
	return srcs, mapErr(err)
}

// Source returns one source row without touching the blob store.
func (s *Service) Source(ctx context.Context, userID, sourceID string) (*types.Source, error) {
	if userID == "" || sourceID == "" {
		return nil, neoerr.Invalid("user id and source id are required")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	src, err := s.store.GetSource(ctx, userID, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, neoerr.NotFound("source %s not found", sourceID)
	}
	if err != nil {
		return nil, mapErr(neoerr.Wrap(neoerr.TagInternal, err, "load source %s", sourceID))
	}
	return src, nil
}

// OpenSource returns a source row together with its stored bytes.
func (s *Service) OpenSource(ctx context.Context, userID, sourceID string) (*types.Source, []byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	src, data, err := s.ingestor.Open(ctx, userID, sourceID)
	return src, data, mapErr(err)
}
