// Package query is the read side of the memory substrate: entity listings,
// snapshots (current and as-of a past instant), observations in total order,
// field provenance chains, relationships, graph walks, and the timeline.
//
// Every read is scoped by tenant at the storage layer; absent ids are
// not_found, empty filters are empty lists. Snapshots are treated as a cache:
// a miss rebuilds from the observation log instead of erroring.
package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Direction selects which relationship ends a listing matches.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionBoth     Direction = "both"
)

// Depth bounds for related-entity walks.
const (
	DefaultRelatedDepth = 1
	MaxRelatedDepth     = 5
)

// SnapshotCache fronts stored snapshots on the read path. Implementations are
// advisory: a miss falls through to the store. The recompute coordinator
// invalidates entries, so implementations also satisfy reduce.Invalidator.
type SnapshotCache interface {
	Get(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, bool)
	Put(ctx context.Context, snap *types.EntitySnapshot)
}

// Reader serves all read operations. snaps may be nil.
type Reader struct {
	store   storage.Store
	schemas *schema.Registry
	rec     *reduce.Recomputer
	snaps   SnapshotCache
	log     *zap.Logger
}

func NewReader(store storage.Store, schemas *schema.Registry, rec *reduce.Recomputer, snaps SnapshotCache, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{store: store, schemas: schemas, rec: rec, snaps: snaps, log: log}
}

// Entities lists entity identity rows. Merged (redirected) entities are
// excluded unless the filter opts in.
func (r *Reader) Entities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	ents, err := r.store.ListEntities(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list entities")
	}
	return ents, nil
}

// Snapshots lists entity snapshots matching the filter. Tombstoned entities
// stay suppressed unless the filter opts in.
func (r *Reader) Snapshots(ctx context.Context, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	snaps, err := r.store.QueryEntitySnapshots(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "query snapshots")
	}
	return snaps, nil
}

// SnapshotResult is one snapshot read. RedirectedFrom is set when the
// requested id had been merged away and the survivor's snapshot is returned.
type SnapshotResult struct {
	Snapshot       *types.EntitySnapshot `json:"snapshot"`
	RedirectedFrom string                `json:"redirected_from,omitempty"`
}

// EntitySnapshot returns current truth for an entity, following merge
// redirects. A non-nil at computes a time-travel snapshot from only the
// observations with observed_at <= at; the stored snapshot is untouched.
func (r *Reader) EntitySnapshot(ctx context.Context, userID, entityID string, at *time.Time) (*SnapshotResult, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	entity, err := r.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}
	res := &SnapshotResult{}
	if entity.ID != entityID {
		res.RedirectedFrom = entityID
	}

	if at != nil {
		snap, err := r.snapshotAt(ctx, userID, entity, at.UTC())
		if err != nil {
			return nil, err
		}
		res.Snapshot = snap
		return res, nil
	}

	snap, err := r.snapshot(ctx, userID, entity.ID)
	if err != nil {
		if errors.Is(err, neoerr.ErrNotFound) {
			return nil, err
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load snapshot for %s", entity.ID)
	}
	res.Snapshot = snap
	return res, nil
}

// snapshot reads the live snapshot for an already-resolved entity id: cache
// hit, then stored row, then rebuild from the observation log.
func (r *Reader) snapshot(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	if r.snaps != nil {
		if snap, ok := r.snaps.Get(ctx, userID, entityID); ok {
			return snap, nil
		}
	}
	snap, err := r.store.GetEntitySnapshot(ctx, userID, entityID)
	if errors.Is(err, storage.ErrNotFound) {
		snap, err = r.rec.RecomputeEntity(ctx, userID, entityID)
	}
	if err != nil {
		return nil, err
	}
	if r.snaps != nil {
		r.snaps.Put(ctx, snap)
	}
	return snap, nil
}

// snapshotAt reduces the entity's log as it stood at the given instant. The
// result is derived on the fly and never persisted.
func (r *Reader) snapshotAt(ctx context.Context, userID string, entity *types.Entity, at time.Time) (*types.EntitySnapshot, error) {
	def, err := r.schemas.Latest(ctx, userID, entity.EntityType)
	if err != nil {
		return nil, err
	}
	obs, err := r.store.ListObservations(ctx, types.ObservationFilter{
		UserID:   userID,
		EntityID: entity.ID,
		AsOf:     &at,
	})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list observations for %s", entity.ID)
	}
	if len(obs) == 0 {
		return nil, neoerr.NotFound("entity %s has no observations at %s", entity.ID, at.Format(time.RFC3339))
	}
	// ComputedAt is the requested instant so repeated reads are identical.
	return reduce.Reduce(def, entity, obs, at), nil
}

// Observations lists observations in the reducer's total order: priority
// descending, then recency, then source id, then observation id.
func (r *Reader) Observations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	if filter.EntityID != "" {
		entity, err := r.liveEntity(ctx, filter.UserID, filter.EntityID)
		if err != nil {
			return nil, err
		}
		filter.EntityID = entity.ID
	}
	obs, err := r.store.ListObservations(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list observations")
	}
	reduce.Sort(obs)
	return obs, nil
}

// ProvenanceResult is the answer to "where did this field value come from":
// the winning claim under the total order, the rest of the carriers as
// runners-up, and the winner's interpretation and source resolved when the
// claim has them (user corrections have neither).
type ProvenanceResult struct {
	EntityID       string                  `json:"entity_id"`
	Field          string                  `json:"field"`
	Winner         types.FieldProvenance   `json:"winner"`
	RunnersUp      []types.FieldProvenance `json:"runners_up,omitempty"`
	Source         *types.Source           `json:"source,omitempty"`
	Interpretation *types.Interpretation   `json:"interpretation,omitempty"`
}

// FieldProvenance traces one snapshot field back through its observation
// chain.
func (r *Reader) FieldProvenance(ctx context.Context, userID, entityID, field string) (*ProvenanceResult, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	if field == "" {
		return nil, neoerr.Invalid("field name is required")
	}
	entity, err := r.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}
	def, err := r.schemas.Latest(ctx, userID, entity.EntityType)
	if err != nil {
		return nil, err
	}
	obs, err := r.store.ListObservations(ctx, types.ObservationFilter{UserID: userID, EntityID: entity.ID})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list observations for %s", entity.ID)
	}

	chain := reduce.ProvenanceChain(def, field, obs)
	if len(chain) == 0 {
		return nil, neoerr.NotFound("no observation carries field %q for entity %s", field, entity.ID)
	}
	res := &ProvenanceResult{
		EntityID:  entity.ID,
		Field:     field,
		Winner:    chain[0],
		RunnersUp: chain[1:],
	}
	if id := chain[0].SourceID; id != "" {
		if src, err := r.store.GetSource(ctx, userID, id); err == nil {
			res.Source = src
		}
	}
	if id := chain[0].InterpretationID; id != "" {
		if run, err := r.store.GetInterpretation(ctx, userID, id); err == nil {
			res.Interpretation = run
		}
	}
	return res, nil
}

// Relationships lists relationship snapshots touching the entity in the given
// direction, optionally narrowed to one relationship type.
func (r *Reader) Relationships(ctx context.Context, userID, entityID string, dir Direction, relType string) ([]*types.RelationshipSnapshot, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	if dir == "" {
		dir = DirectionBoth
	}
	switch dir {
	case DirectionOutbound, DirectionInbound, DirectionBoth:
	default:
		return nil, neoerr.Invalid("direction %q is not one of outbound, inbound, both", dir)
	}
	entity, err := r.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}

	var snaps []*types.RelationshipSnapshot
	seen := make(map[string]struct{})
	add := func(batch []*types.RelationshipSnapshot) {
		for _, s := range batch {
			if _, ok := seen[s.RelationshipKey]; ok {
				continue
			}
			seen[s.RelationshipKey] = struct{}{}
			snaps = append(snaps, s)
		}
	}
	if dir == DirectionOutbound || dir == DirectionBoth {
		out, err := r.store.QueryRelationshipSnapshots(ctx, types.RelationshipSnapshotFilter{
			UserID: userID, SourceEntityID: entity.ID, RelationshipType: relType,
		})
		if err != nil {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "query outbound relationships")
		}
		add(out)
	}
	if dir == DirectionInbound || dir == DirectionBoth {
		in, err := r.store.QueryRelationshipSnapshots(ctx, types.RelationshipSnapshotFilter{
			UserID: userID, TargetEntityID: entity.ID, RelationshipType: relType,
		})
		if err != nil {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "query inbound relationships")
		}
		add(in)
	}
	return snaps, nil
}

// RelatedEntity is one node reached by a relationship walk.
type RelatedEntity struct {
	Snapshot *types.EntitySnapshot `json:"snapshot"`
	Depth    int                   `json:"depth"`
}

// RelatedEntities walks relationship snapshots breadth-first from the entity,
// up to depth hops (capped). Traversal crosses every node; entityTypes and
// tombstones only filter what is returned, so a person two hops away through
// a company still surfaces when only persons are requested.
func (r *Reader) RelatedEntities(ctx context.Context, userID, entityID string, entityTypes []string, depth int) ([]*RelatedEntity, error) {
	if userID == "" || entityID == "" {
		return nil, neoerr.Invalid("user id and entity id are required")
	}
	if depth <= 0 {
		depth = DefaultRelatedDepth
	}
	if depth > MaxRelatedDepth {
		depth = MaxRelatedDepth
	}
	origin, err := r.liveEntity(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}

	wantType := func(t string) bool {
		if len(entityTypes) == 0 {
			return true
		}
		for _, want := range entityTypes {
			if t == want {
				return true
			}
		}
		return false
	}

	visited := map[string]struct{}{origin.ID: {}}
	frontier := []string{origin.ID}
	var related []*RelatedEntity
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			edges, err := r.incidentEdges(ctx, userID, id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				neighbor := e.TargetEntityID
				if neighbor == id {
					neighbor = e.SourceEntityID
				}
				if _, ok := visited[neighbor]; ok {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)

				snap, err := r.neighborSnapshot(ctx, userID, neighbor)
				if err != nil {
					return nil, err
				}
				if snap == nil || snap.Deleted || !wantType(snap.EntityType) {
					continue
				}
				related = append(related, &RelatedEntity{Snapshot: snap, Depth: d})
			}
		}
		frontier = next
	}
	return related, nil
}

// Neighborhood is the depth-1 graph view around one node: its snapshot, every
// incident edge, and the live snapshots of the nodes at the other ends.
type Neighborhood struct {
	Entity    *types.EntitySnapshot            `json:"entity"`
	Edges     []*types.RelationshipSnapshot    `json:"edges"`
	Neighbors map[string]*types.EntitySnapshot `json:"neighbors,omitempty"`
}

// GraphNeighborhood returns the edges incident to the node and its immediate
// neighbors. nodeType, when given, guards against reading a node of the wrong
// kind.
func (r *Reader) GraphNeighborhood(ctx context.Context, userID, nodeID, nodeType string) (*Neighborhood, error) {
	if userID == "" || nodeID == "" {
		return nil, neoerr.Invalid("user id and node id are required")
	}
	entity, err := r.liveEntity(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	if nodeType != "" && entity.EntityType != nodeType {
		return nil, neoerr.Invalid("node %s is a %s, not a %s", nodeID, entity.EntityType, nodeType)
	}

	snap, err := r.neighborSnapshot(ctx, userID, entity.ID)
	if err != nil {
		return nil, err
	}
	edges, err := r.incidentEdges(ctx, userID, entity.ID)
	if err != nil {
		return nil, err
	}

	hood := &Neighborhood{Entity: snap, Edges: edges}
	for _, e := range edges {
		other := e.TargetEntityID
		if other == entity.ID {
			other = e.SourceEntityID
		}
		if other == entity.ID {
			continue // self-loop
		}
		if hood.Neighbors == nil {
			hood.Neighbors = make(map[string]*types.EntitySnapshot)
		}
		if _, ok := hood.Neighbors[other]; ok {
			continue
		}
		ns, err := r.neighborSnapshot(ctx, userID, other)
		if err != nil {
			return nil, err
		}
		if ns != nil && !ns.Deleted {
			hood.Neighbors[other] = ns
		}
	}
	return hood, nil
}

// Timeline lists timeline events, newest first.
func (r *Reader) Timeline(ctx context.Context, filter types.EventFilter) ([]*types.TimelineEvent, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	events, err := r.store.ListTimelineEvents(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list timeline events")
	}
	return events, nil
}

// Interpretations lists interpretation runs for audit.
func (r *Reader) Interpretations(ctx context.Context, filter types.InterpretationFilter) ([]*types.Interpretation, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	runs, err := r.store.ListInterpretations(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list interpretations")
	}
	return runs, nil
}

// Sources lists source rows for audit.
func (r *Reader) Sources(ctx context.Context, filter types.SourceFilter) ([]*types.Source, error) {
	if filter.UserID == "" {
		return nil, neoerr.Invalid("user id is required")
	}
	srcs, err := r.store.ListSources(ctx, filter)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list sources")
	}
	return srcs, nil
}

// incidentEdges returns relationship snapshots with the entity at either end.
func (r *Reader) incidentEdges(ctx context.Context, userID, entityID string) ([]*types.RelationshipSnapshot, error) {
	edges, err := r.store.QueryRelationshipSnapshots(ctx, types.RelationshipSnapshotFilter{
		UserID:   userID,
		EntityID: entityID,
	})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "query relationships for %s", entityID)
	}
	return edges, nil
}

// neighborSnapshot is the walk-tolerant variant of snapshot: an entity with no
// snapshot and no log yields nil rather than an error.
func (r *Reader) neighborSnapshot(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	snap, err := r.snapshot(ctx, userID, entityID)
	if err != nil {
		if errors.Is(err, neoerr.ErrNotFound) {
			return nil, nil
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load snapshot for %s", entityID)
	}
	return snap, nil
}

// liveEntity resolves id through merge redirects to the surviving row.
func (r *Reader) liveEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	visited := make(map[string]struct{})
	for {
		e, err := r.store.GetEntity(ctx, userID, id)
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
