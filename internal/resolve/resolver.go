// Package resolve assigns entity identity. A schema nominates a resolution
// strategy; the resolver turns candidate fields into a stable resolution key,
// reuses the entity that already owns the key, follows merge redirects to the
// survivor, and mints a fresh entity when the key is unclaimed.
//
// Concurrent first sightings of the same key race on the storage unique
// constraint; the loser re-reads and adopts the winner's entity, so the same
// key never yields two live entities.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/idgen"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/reduce"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// keyPartSeparator joins natural-key parts. A unit separator survives inside
// stored keys and never appears in canonicalized field text.
const keyPartSeparator = "\x1f"

// keyCanonOps canonicalize string key parts so case, accents, and stray
// whitespace do not split one real-world identity across entities.
var keyCanonOps = []string{
	types.CanonOpLowercase,
	types.CanonOpStripDiacritics,
	types.CanonOpCollapseWhitespace,
	types.CanonOpTrim,
}

// Resolver maps candidate fields to entity rows.
type Resolver struct {
	store storage.Store
	log   *zap.Logger
}

// NewResolver wires a Resolver.
func NewResolver(store storage.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// Key computes the resolution key for candidate fields under def.
//
//   - natural: canonicalized values of the nominated fields, joined in
//     declaration order. Empty when every nominated field is absent.
//   - content_hash: SHA-256 over every canonicalized candidate field.
//     Empty when the candidate carries no fields.
//   - identity: always empty; each candidate mints a fresh entity.
//
// An empty key means "no identity evidence": Resolve mints a new entity
// keyed by its own id rather than matching anything.
func Key(def *types.SchemaDefinition, fields map[string]any) string {
	switch def.ResolutionKey.Kind {
	case types.ResolveIdentity:
		return ""
	case types.ResolveContentHash:
		return contentHashKey(def, fields)
	case types.ResolveNatural:
		return naturalKey(def, fields)
	}
	return ""
}

func naturalKey(def *types.SchemaDefinition, fields map[string]any) string {
	parts := make([]string, 0, len(def.ResolutionKey.Fields))
	empty := true
	for _, name := range def.ResolutionKey.Fields {
		part := keyPart(def, name, fields[name])
		if part != "" {
			empty = false
		}
		parts = append(parts, part)
	}
	if empty {
		return ""
	}
	return strings.Join(parts, keyPartSeparator)
}

func contentHashKey(def *types.SchemaDefinition, fields map[string]any) string {
	names := types.SortedFieldNames(fields)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		part := keyPart(def, name, fields[name])
		if part == "" {
			continue
		}
		parts = append(parts, name+"="+part)
	}
	if len(parts) == 0 {
		return ""
	}
	return types.HashBytes([]byte(strings.Join(parts, keyPartSeparator)))
}

// keyPart renders one field value in canonical string form. Values normalize
// per their declared type first so "42.50" and 42.5 key identically.
func keyPart(def *types.SchemaDefinition, name string, value any) string {
	if value == nil {
		return ""
	}
	fd, _ := def.FieldByName(name)
	normalized := reduce.NormalizeValue(fd, value)
	if s, ok := normalized.(string); ok {
		return reduce.ApplyCanonOps(s, keyCanonOps)
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Sprintf("%v", normalized)
	}
	return string(data)
}

// externalKeyPrefix marks resolution keys supplied by the extractor rather
// than derived from fields.
const externalKeyPrefix = "ext|"

// CandidateKey computes the resolution key for an extractor candidate. An
// explicit external id is the strongest identity evidence and wins over any
// field-derived key.
func CandidateKey(def *types.SchemaDefinition, c *types.Candidate) string {
	if c.ExternalID != "" {
		return externalKeyPrefix + c.ExternalID
	}
	return Key(def, c.Fields)
}

// ResolveCandidate resolves an extractor candidate, honoring its external id.
func (r *Resolver) ResolveCandidate(ctx context.Context, userID string, def *types.SchemaDefinition, c *types.Candidate) (*types.Entity, bool, error) {
	if def == nil {
		return nil, false, neoerr.Invalid("schema definition is required to resolve an entity")
	}
	return r.resolveKey(ctx, userID, def, CandidateKey(def, c), c.Fields)
}

// Resolve returns the entity the candidate fields identify, creating it on
// first sight. The second return reports whether a row was minted. Resolution
// is repeatable: the same fields under the same schema reach the same entity
// for as long as that entity (or its merge survivor) exists.
func (r *Resolver) Resolve(ctx context.Context, userID string, def *types.SchemaDefinition, fields map[string]any) (*types.Entity, bool, error) {
	if def == nil {
		return nil, false, neoerr.Invalid("schema definition is required to resolve an entity")
	}
	return r.resolveKey(ctx, userID, def, Key(def, fields), fields)
}

func (r *Resolver) resolveKey(ctx context.Context, userID string, def *types.SchemaDefinition, key string, fields map[string]any) (*types.Entity, bool, error) {
	if key == "" {
		e, err := r.mint(ctx, userID, def, fields, "")
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	e, err := r.lookup(ctx, userID, def.EntityType, key)
	if err == nil {
		return e, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	minted, err := r.mint(ctx, userID, def, fields, key)
	if err == nil {
		return minted, true, nil
	}
	if errors.Is(err, neoerr.ErrConflict) {
		// Lost the insert race; the winner's row is visible now.
		e, err := r.lookup(ctx, userID, def.EntityType, key)
		if err != nil {
			return nil, false, err
		}
		r.log.Debug("resolution race settled by re-read",
			zap.String("entity_type", def.EntityType),
			zap.String("entity_id", e.ID))
		return e, false, nil
	}
	return nil, false, err
}

// lookup fetches the entity owning key and follows merge redirects to the
// survivor, so stale keys keep resolving to live identity.
func (r *Resolver) lookup(ctx context.Context, userID, entityType, key string) (*types.Entity, error) {
	e, err := r.store.GetEntityByResolutionKey(ctx, userID, entityType, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "lookup entity by key")
	}
	visited := map[string]bool{e.ID: true}
	for e.IsMerged() {
		next, err := r.store.GetEntity(ctx, userID, e.MergedToEntityID)
		if err != nil {
			return nil, neoerr.Wrap(neoerr.TagInternal, err, "follow redirect from %s", e.ID)
		}
		if visited[next.ID] {
			return nil, neoerr.Internal("merge redirect cycle at entity %s", next.ID)
		}
		visited[next.ID] = true
		e = next
	}
	return e, nil
}

func (r *Resolver) mint(ctx context.Context, userID string, def *types.SchemaDefinition, fields map[string]any, key string) (*types.Entity, error) {
	e := &types.Entity{
		ID:            idgen.NewEntityID(),
		UserID:        userID,
		EntityType:    def.EntityType,
		CanonicalName: reduce.CanonicalName(def, fields),
		ResolutionKey: key,
	}
	if key == "" {
		// Keyless entities occupy the unique index with their own id.
		e.ResolutionKey = e.ID
	}
	if err := r.store.CreateEntity(ctx, e); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, neoerr.Wrap(neoerr.TagConflict, err, "entity key already claimed")
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "create entity %s", e.ID)
	}
	r.log.Debug("minted entity",
		zap.String("entity_id", e.ID),
		zap.String("entity_type", def.EntityType),
		zap.String("user_id", userID))
	return e, nil
}
