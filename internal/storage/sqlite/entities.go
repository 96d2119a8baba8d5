package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

const entityColumns = `id, user_id, entity_type, canonical_name, resolution_key, merged_to_entity_id, merged_at, created_at`

func insertEntity(ctx context.Context, q dbtx, e *types.Entity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO entities (id, user_id, entity_type, canonical_name, resolution_key, merged_to_entity_id, merged_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.EntityType, e.CanonicalName, e.ResolutionKey,
		nullString(e.MergedToEntityID), nullTime(e.MergedAt), e.CreatedAt)
	return wrapDBErrorf(err, "insert entity %s", e.ID)
}

func scanEntity(row interface{ Scan(...interface{}) error }) (*types.Entity, error) {
	var e types.Entity
	var mergedTo sql.NullString
	var mergedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.UserID, &e.EntityType, &e.CanonicalName, &e.ResolutionKey,
		&mergedTo, &mergedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if mergedTo.Valid {
		e.MergedToEntityID = mergedTo.String
	}
	if mergedAt.Valid {
		t := mergedAt.Time.UTC()
		e.MergedAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func getEntity(ctx context.Context, q dbtx, userID, id string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get entity %s", id)
	}
	return e, nil
}

func getEntityByResolutionKey(ctx context.Context, q dbtx, userID, entityType, resolutionKey string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND entity_type = ? AND resolution_key = ?
	`, userID, entityType, resolutionKey)
	e, err := scanEntity(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get entity by resolution key %q", resolutionKey)
	}
	return e, nil
}

func listEntities(ctx context.Context, q dbtx, filter types.EntityFilter) ([]*types.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if !filter.IncludeMerged {
		query += ` AND merged_to_entity_id IS NULL`
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit), filter.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list entities", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, wrapDBError("scan entity", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func setEntityCanonicalName(ctx context.Context, q dbtx, userID, id, canonicalName string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE entities SET canonical_name = ? WHERE user_id = ? AND id = ?
	`, canonicalName, userID, id)
	if err != nil {
		return wrapDBErrorf(err, "set canonical name on %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if rows == 0 {
		return wrapDBErrorf(sql.ErrNoRows, "set canonical name on %s", id)
	}
	return nil
}

// markEntityMerged points the losing entity at the winner. The losing row is
// retained so stale references keep resolving through the redirect.
func markEntityMerged(ctx context.Context, q dbtx, userID, fromID, toID string, mergedAt time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE entities SET merged_to_entity_id = ?, merged_at = ?
		WHERE user_id = ? AND id = ? AND merged_to_entity_id IS NULL
	`, toID, mergedAt.UTC(), userID, fromID)
	if err != nil {
		return wrapDBErrorf(err, "mark entity %s merged", fromID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if rows == 0 {
		// Already merged or absent; caller decides which matters.
		if _, err := getEntity(ctx, q, userID, fromID); err != nil {
			return err
		}
		return wrapDBErrorf(errAlreadyMerged, "entity %s", fromID)
	}
	return nil
}

func insertEntityMerge(ctx context.Context, q dbtx, m *types.EntityMerge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entity_merges (id, user_id, from_entity_id, to_entity_id, observations_moved, merged_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.FromEntityID, m.ToEntityID, m.ObservationsMoved, m.MergedAt.UTC())
	return wrapDBErrorf(err, "insert entity merge %s", m.ID)
}

func listEntityMerges(ctx context.Context, q dbtx, userID, entityID string) ([]*types.EntityMerge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, from_entity_id, to_entity_id, observations_moved, merged_at
		FROM entity_merges
		WHERE user_id = ? AND (from_entity_id = ? OR to_entity_id = ?)
		ORDER BY merged_at, id
	`, userID, entityID, entityID)
	if err != nil {
		return nil, wrapDBError("list entity merges", err)
	}
	defer func() { _ = rows.Close() }()

	var merges []*types.EntityMerge
	for rows.Next() {
		var m types.EntityMerge
		if err := rows.Scan(&m.ID, &m.UserID, &m.FromEntityID, &m.ToEntityID, &m.ObservationsMoved, &m.MergedAt); err != nil {
			return nil, wrapDBError("scan entity merge", err)
		}
		m.MergedAt = m.MergedAt.UTC()
		merges = append(merges, &m)
	}
	return merges, rows.Err()
}

func (s *Store) CreateEntity(ctx context.Context, e *types.Entity) error {
	return insertEntity(ctx, s.db, e)
}

func (s *Store) GetEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	return getEntity(ctx, s.db, userID, id)
}

func (s *Store) GetEntityByResolutionKey(ctx context.Context, userID, entityType, resolutionKey string) (*types.Entity, error) {
	return getEntityByResolutionKey(ctx, s.db, userID, entityType, resolutionKey)
}

func (s *Store) ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	return listEntities(ctx, s.db, filter)
}

func (s *Store) SetEntityCanonicalName(ctx context.Context, userID, id, canonicalName string) error {
	return setEntityCanonicalName(ctx, s.db, userID, id, canonicalName)
}

func (s *Store) ListEntityMerges(ctx context.Context, userID, entityID string) ([]*types.EntityMerge, error) {
	return listEntityMerges(ctx, s.db, userID, entityID)
}
