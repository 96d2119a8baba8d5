package reduce

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/schema"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// recomputeParallelism caps concurrent entity recomputes during fanout.
const recomputeParallelism = 8

// Invalidator drops cached snapshots after a recompute. Implemented by the
// cache layer; a nil Invalidator is fine.
type Invalidator interface {
	Invalidate(ctx context.Context, userID, entityID string)
}

// Recomputer derives snapshots from observation logs and persists them.
// Concurrent recomputes of the same entity coalesce into one; the log plus
// the pure reducer make duplicate work harmless but pointless.
type Recomputer struct {
	store   storage.Store
	schemas *schema.Registry
	cache   Invalidator
	log     *zap.Logger
	group   singleflight.Group
}

// NewRecomputer wires a Recomputer. cache may be nil.
func NewRecomputer(store storage.Store, schemas *schema.Registry, cache Invalidator, log *zap.Logger) *Recomputer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recomputer{store: store, schemas: schemas, cache: cache, log: log}
}

// RecomputeEntity reduces the entity's observations and upserts its snapshot.
// Merge redirects are followed to the surviving entity; stale snapshots of
// merged-away entities encountered on the way are deleted. Returns the
// snapshot that was stored.
func (r *Recomputer) RecomputeEntity(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	key := userID + "\x00" + entityID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.recomputeEntity(ctx, userID, entityID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.EntitySnapshot), nil
}

func (r *Recomputer) recomputeEntity(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	entity, err := r.resolveLive(ctx, userID, entityID)
	if err != nil {
		return nil, err
	}

	def, err := r.schemas.Latest(ctx, userID, entity.EntityType)
	if err != nil {
		return nil, err
	}

	obs, err := r.store.ListObservations(ctx, types.ObservationFilter{
		UserID:   userID,
		EntityID: entity.ID,
	})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list observations for %s", entity.ID)
	}

	snap := Reduce(def, entity, obs, time.Now().UTC())
	if err := r.store.UpsertEntitySnapshot(ctx, snap); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "store snapshot for %s", entity.ID)
	}
	if snap.CanonicalName != entity.CanonicalName {
		if err := r.store.SetEntityCanonicalName(ctx, userID, entity.ID, snap.CanonicalName); err != nil {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "update canonical name for %s", entity.ID)
		}
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, userID, entity.ID)
	}
	r.log.Debug("recomputed entity snapshot",
		zap.String("entity_id", entity.ID),
		zap.Int("observations", snap.ObservationCount),
		zap.Bool("deleted", snap.Deleted))
	return snap, nil
}

// resolveLive walks merge redirects to the surviving entity, clearing any
// snapshot left behind on a merged-away entity.
func (r *Recomputer) resolveLive(ctx context.Context, userID, entityID string) (*types.Entity, error) {
	visited := make(map[string]bool)
	id := entityID
	for {
		if visited[id] {
			return nil, neoerr.Internal("merge redirect cycle at entity %s", id)
		}
		visited[id] = true

		entity, err := r.store.GetEntity(ctx, userID, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, neoerr.NotFound("entity %s", id)
			}
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "load entity %s", id)
		}
		if !entity.IsMerged() {
			return entity, nil
		}
		if err := r.store.DeleteEntitySnapshot(ctx, userID, entity.ID); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "drop stale snapshot for %s", entity.ID)
		}
		if r.cache != nil {
			r.cache.Invalidate(ctx, userID, entity.ID)
		}
		id = entity.MergedToEntityID
	}
}

// RecomputeEntities fans recomputation across ids with bounded parallelism.
// The first failure cancels the rest.
func (r *Recomputer) RecomputeEntities(ctx context.Context, userID string, entityIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeParallelism)
	for _, id := range entityIDs {
		g.Go(func() error {
			_, err := r.RecomputeEntity(ctx, userID, id)
			return err
		})
	}
	return g.Wait()
}

// RecomputeRelationship reduces one relationship key and upserts its snapshot.
func (r *Recomputer) RecomputeRelationship(ctx context.Context, userID, relationshipKey string) (*types.RelationshipSnapshot, error) {
	key := "rel\x00" + userID + "\x00" + relationshipKey
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.recomputeRelationship(ctx, userID, relationshipKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.RelationshipSnapshot), nil
}

func (r *Recomputer) recomputeRelationship(ctx context.Context, userID, relationshipKey string) (*types.RelationshipSnapshot, error) {
	obs, err := r.store.ListRelationshipObservations(ctx, types.RelationshipObservationFilter{
		UserID:          userID,
		RelationshipKey: relationshipKey,
	})
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list relationship observations %s", relationshipKey)
	}
	if len(obs) == 0 {
		return nil, neoerr.NotFound("relationship %s", relationshipKey)
	}

	snap := ReduceRelationship(obs, time.Now().UTC())
	if err := r.store.UpsertRelationshipSnapshot(ctx, snap); err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "store relationship snapshot %s", relationshipKey)
	}
	return snap, nil
}

// RecomputeEntityRelationships refreshes every relationship snapshot the
// entity participates in, on either side.
func (r *Recomputer) RecomputeEntityRelationships(ctx context.Context, userID, entityID string) error {
	keys, err := r.store.ListRelationshipKeysForEntity(ctx, userID, entityID)
	if err != nil {
		return neoerr.Wrap(neoerr.TagInternal, err, "list relationship keys for %s", entityID)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeParallelism)
	for _, key := range keys {
		g.Go(func() error {
			_, err := r.RecomputeRelationship(ctx, userID, key)
			return err
		})
	}
	return g.Wait()
}

// recomputePageSize bounds how many entities one recompute batch loads.
const recomputePageSize = 500

// RecomputeType recomputes every live entity of entityType, paging through
// the entity table. Used after a schema promotion so historical unknown-field
// data surfaces in snapshots.
func (r *Recomputer) RecomputeType(ctx context.Context, userID, entityType string) (int, error) {
	total := 0
	for offset := 0; ; offset += recomputePageSize {
		entities, err := r.store.ListEntities(ctx, types.EntityFilter{
			UserID:     userID,
			EntityType: entityType,
			Limit:      recomputePageSize,
			Offset:     offset,
		})
		if err != nil {
			return total, neoerr.Wrap(neoerr.TagInternal, err, "list %s entities", entityType)
		}
		ids := make([]string, 0, len(entities))
		for _, e := range entities {
			ids = append(ids, e.ID)
		}
		if err := r.RecomputeEntities(ctx, userID, ids); err != nil {
			return total, err
		}
		total += len(ids)
		if len(entities) < recomputePageSize {
			return total, nil
		}
	}
}
