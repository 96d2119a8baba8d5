package resolve

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Merger declares one entity a duplicate of another. The observation rewrite,
// the redirect mark, the audit row, and the timeline event commit in a single
// transaction; the survivor's snapshot is recomputed after commit. Merges are
// not reversible.
type Merger struct {
	store     storage.Store
	recompute *reduce.Recomputer
	log       *zap.Logger
}

// NewMerger wires a Merger.
func NewMerger(store storage.Store, recompute *reduce.Recomputer, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{store: store, recompute: recompute, log: log}
}

// Merge redirects fromID into toID and moves every observation across.
// A merged toID is resolved through its redirect first, so stale ids stay
// usable as merge targets. Returns the audit row.
func (m *Merger) Merge(ctx context.Context, userID, fromID, toID string) (*types.EntityMerge, error) {
	if fromID == "" || toID == "" {
		return nil, neoerr.Invalid("merge requires both entity ids")
	}
	if fromID == toID {
		return nil, neoerr.Invalid("cannot merge entity %s into itself", fromID)
	}

	from, err := m.getEntity(ctx, userID, fromID)
	if err != nil {
		return nil, err
	}
	if from.IsMerged() {
		return nil, neoerr.Conflict("entity %s is already merged into %s", from.ID, from.MergedToEntityID)
	}
	to, err := m.getEntity(ctx, userID, toID)
	if err != nil {
		return nil, err
	}
	// Land on the live survivor when the target itself was merged away.
	visited := map[string]bool{to.ID: true}
	for to.IsMerged() {
		to, err = m.getEntity(ctx, userID, to.MergedToEntityID)
		if err != nil {
			return nil, err
		}
		if visited[to.ID] {
			return nil, neoerr.Internal("merge redirect cycle at entity %s", to.ID)
		}
		visited[to.ID] = true
	}
	if to.ID == from.ID {
		return nil, neoerr.Conflict("entity %s already redirects into %s", toID, from.ID)
	}
	if from.EntityType != to.EntityType {
		return nil, neoerr.Invalid("cannot merge %s (%s) into %s (%s): entity types differ",
			from.ID, from.EntityType, to.ID, to.EntityType)
	}

	merge := &types.EntityMerge{
		ID:           idgen.NewMergeID(),
		UserID:       userID,
		FromEntityID: from.ID,
		ToEntityID:   to.ID,
		MergedAt:     time.Now().UTC(),
	}
	var relMoved int
	err = m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		// Relationship keys referencing the loser go stale once observations
		// repoint; capture them before the rewrite so their snapshots can be
		// dropped in the same transaction.
		staleKeys, err := tx.ListRelationshipKeysForEntity(ctx, userID, from.ID)
		if err != nil {
			return err
		}
		moved, err := tx.RepointObservations(ctx, userID, from.ID, to.ID)
		if err != nil {
			return err
		}
		merge.ObservationsMoved = moved
		relMoved, err = tx.RepointRelationshipObservations(ctx, userID, from.ID, to.ID)
		if err != nil {
			return err
		}
		if err := tx.MarkEntityMerged(ctx, userID, from.ID, to.ID, merge.MergedAt); err != nil {
			return err
		}
		if err := tx.DeleteEntitySnapshot(ctx, userID, from.ID); err != nil {
			return err
		}
		for _, key := range staleKeys {
			if err := tx.DeleteRelationshipSnapshot(ctx, userID, key); err != nil {
				return err
			}
		}
		if err := tx.AddEntityMerge(ctx, merge); err != nil {
			return err
		}
		return tx.AppendTimelineEvent(ctx, &types.TimelineEvent{
			ID:         idgen.NewEventID(),
			UserID:     userID,
			EventType:  types.EventEntityMerged,
			EntityIDs:  []string{from.ID, to.ID},
			OccurredAt: merge.MergedAt,
			Fields: map[string]any{
				"from_entity_id":                  from.ID,
				"to_entity_id":                    to.ID,
				"observations_moved":              moved,
				"relationship_observations_moved": relMoved,
			},
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, neoerr.Wrap(neoerr.TagConflict, err, "merge %s into %s", from.ID, to.ID)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "merge %s into %s", from.ID, to.ID)
	}

	m.log.Info("merged entities",
		zap.String("user_id", userID),
		zap.String("from", from.ID),
		zap.String("to", to.ID),
		zap.Int("observations_moved", merge.ObservationsMoved),
		zap.Int("relationship_observations_moved", relMoved))

	// Snapshots are derived; a failed recompute here leaves them to the next
	// read, never the merge itself.
	if _, err := m.recompute.RecomputeEntity(ctx, userID, to.ID); err != nil {
		m.log.Warn("post-merge snapshot recompute failed",
			zap.String("entity_id", to.ID), zap.Error(err))
	}
	if err := m.recompute.RecomputeEntityRelationships(ctx, userID, to.ID); err != nil {
		m.log.Warn("post-merge relationship recompute failed",
			zap.String("entity_id", to.ID), zap.Error(err))
	}
	return merge, nil
}

func (m *Merger) getEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	e, err := m.store.GetEntity(ctx, userID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.NotFound("entity %s", id)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load entity %s", id)
	}
	return e, nil
}
