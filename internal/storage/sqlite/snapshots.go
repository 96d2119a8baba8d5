package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/neotoma-io/neotoma/internal/types"
)

const entitySnapshotColumns = `entity_id, user_id, entity_type, canonical_name, fields, field_provenance, observation_count, deleted, computed_at`

func marshalProvenance(p map[string]types.FieldProvenance) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal field provenance: %w", err)
	}
	return string(data), nil
}

func unmarshalProvenance(data string) (map[string]types.FieldProvenance, error) {
	p := make(map[string]types.FieldProvenance)
	if data == "" || data == "{}" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal field provenance: %w", err)
	}
	return p, nil
}

func upsertEntitySnapshot(ctx context.Context, q dbtx, s *types.EntitySnapshot) error {
	fields, err := marshalJSON(s.Fields)
	if err != nil {
		return wrapDBError("encode snapshot fields", err)
	}
	provenance, err := marshalProvenance(s.FieldProvenance)
	if err != nil {
		return wrapDBError("encode snapshot provenance", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entity_snapshots (entity_id, user_id, entity_type, canonical_name, fields, field_provenance, observation_count, deleted, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			fields = excluded.fields,
			field_provenance = excluded.field_provenance,
			observation_count = excluded.observation_count,
			deleted = excluded.deleted,
			computed_at = excluded.computed_at
	`, s.EntityID, s.UserID, s.EntityType, s.CanonicalName, fields, provenance,
		s.ObservationCount, boolToInt(s.Deleted), s.ComputedAt.UTC())
	return wrapDBErrorf(err, "upsert entity snapshot %s", s.EntityID)
}

func scanEntitySnapshot(row interface{ Scan(...interface{}) error }) (*types.EntitySnapshot, error) {
	var s types.EntitySnapshot
	var fields, provenance string
	var deleted int
	if err := row.Scan(&s.EntityID, &s.UserID, &s.EntityType, &s.CanonicalName,
		&fields, &provenance, &s.ObservationCount, &deleted, &s.ComputedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if s.FieldProvenance, err = unmarshalProvenance(provenance); err != nil {
		return nil, err
	}
	s.Deleted = deleted != 0
	s.ComputedAt = s.ComputedAt.UTC()
	return &s, nil
}

func getEntitySnapshot(ctx context.Context, q dbtx, userID, entityID string) (*types.EntitySnapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entitySnapshotColumns+` FROM entity_snapshots WHERE user_id = ? AND entity_id = ?`, userID, entityID)
	s, err := scanEntitySnapshot(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get entity snapshot %s", entityID)
	}
	return s, nil
}

var fieldNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// jsonFilterValue normalizes a Go value for comparison against json_extract
// output. Booleans in SQLite's JSON functions surface as 0/1.
func jsonFilterValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func queryEntitySnapshots(ctx context.Context, q dbtx, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error) {
	query := `SELECT ` + entitySnapshotColumns + ` FROM entity_snapshots WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	// Deterministic clause order for the field filters.
	names := make([]string, 0, len(filter.FieldEquals))
	for name := range filter.FieldEquals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !fieldNameRe.MatchString(name) {
			return nil, fmt.Errorf("invalid snapshot field filter %q", name)
		}
		query += fmt.Sprintf(` AND json_extract(fields, '$.%s') = ?`, name) // #nosec G201 - name validated above
		args = append(args, jsonFilterValue(filter.FieldEquals[name]))
	}
	query += ` ORDER BY canonical_name, entity_id LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit), filter.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query entity snapshots", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*types.EntitySnapshot
	for rows.Next() {
		s, err := scanEntitySnapshot(rows)
		if err != nil {
			return nil, wrapDBError("scan entity snapshot", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func deleteEntitySnapshot(ctx context.Context, q dbtx, userID, entityID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM entity_snapshots WHERE user_id = ? AND entity_id = ?`, userID, entityID)
	return wrapDBErrorf(err, "delete entity snapshot %s", entityID)
}

const relSnapshotColumns = `user_id, relationship_key, canonical_hash, source_entity_id, relationship_type, target_entity_id, fields, field_provenance, observation_count, deleted, computed_at`

func upsertRelationshipSnapshot(ctx context.Context, q dbtx, s *types.RelationshipSnapshot) error {
	fields, err := marshalJSON(s.Fields)
	if err != nil {
		return wrapDBError("encode relationship snapshot fields", err)
	}
	provenance, err := marshalProvenance(s.FieldProvenance)
	if err != nil {
		return wrapDBError("encode relationship snapshot provenance", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO relationship_snapshots (user_id, relationship_key, canonical_hash, source_entity_id, relationship_type, target_entity_id, fields, field_provenance, observation_count, deleted, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, relationship_key) DO UPDATE SET
			fields = excluded.fields,
			field_provenance = excluded.field_provenance,
			observation_count = excluded.observation_count,
			deleted = excluded.deleted,
			computed_at = excluded.computed_at
	`, s.UserID, s.RelationshipKey, s.CanonicalHash, s.SourceEntityID, s.RelationshipType,
		s.TargetEntityID, fields, provenance, s.ObservationCount, boolToInt(s.Deleted), s.ComputedAt.UTC())
	return wrapDBErrorf(err, "upsert relationship snapshot %s", s.RelationshipKey)
}

func scanRelationshipSnapshot(row interface{ Scan(...interface{}) error }) (*types.RelationshipSnapshot, error) {
	var s types.RelationshipSnapshot
	var fields, provenance string
	var deleted int
	if err := row.Scan(&s.UserID, &s.RelationshipKey, &s.CanonicalHash, &s.SourceEntityID,
		&s.RelationshipType, &s.TargetEntityID, &fields, &provenance,
		&s.ObservationCount, &deleted, &s.ComputedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if s.FieldProvenance, err = unmarshalProvenance(provenance); err != nil {
		return nil, err
	}
	s.Deleted = deleted != 0
	s.ComputedAt = s.ComputedAt.UTC()
	return &s, nil
}

func getRelationshipSnapshot(ctx context.Context, q dbtx, userID, relationshipKey string) (*types.RelationshipSnapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+relSnapshotColumns+` FROM relationship_snapshots WHERE user_id = ? AND relationship_key = ?`, userID, relationshipKey)
	s, err := scanRelationshipSnapshot(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get relationship snapshot %s", relationshipKey)
	}
	return s, nil
}

func queryRelationshipSnapshots(ctx context.Context, q dbtx, filter types.RelationshipSnapshotFilter) ([]*types.RelationshipSnapshot, error) {
	query := `SELECT ` + relSnapshotColumns + ` FROM relationship_snapshots WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.EntityID != "" {
		query += ` AND (source_entity_id = ? OR target_entity_id = ?)`
		args = append(args, filter.EntityID, filter.EntityID)
	}
	if filter.SourceEntityID != "" {
		query += ` AND source_entity_id = ?`
		args = append(args, filter.SourceEntityID)
	}
	if filter.TargetEntityID != "" {
		query += ` AND target_entity_id = ?`
		args = append(args, filter.TargetEntityID)
	}
	if filter.RelationshipType != "" {
		query += ` AND relationship_type = ?`
		args = append(args, filter.RelationshipType)
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY relationship_key LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit, types.DefaultQueryLimit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query relationship snapshots", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*types.RelationshipSnapshot
	for rows.Next() {
		s, err := scanRelationshipSnapshot(rows)
		if err != nil {
			return nil, wrapDBError("scan relationship snapshot", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func deleteRelationshipSnapshot(ctx context.Context, q dbtx, userID, relationshipKey string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM relationship_snapshots WHERE user_id = ? AND relationship_key = ?`, userID, relationshipKey)
	return wrapDBErrorf(err, "delete relationship snapshot %s", relationshipKey)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) UpsertEntitySnapshot(ctx context.Context, snap *types.EntitySnapshot) error {
	return upsertEntitySnapshot(ctx, s.db, snap)
}

func (s *Store) GetEntitySnapshot(ctx context.Context, userID, entityID string) (*types.EntitySnapshot, error) {
	return getEntitySnapshot(ctx, s.db, userID, entityID)
}

func (s *Store) QueryEntitySnapshots(ctx context.Context, filter types.SnapshotFilter) ([]*types.EntitySnapshot, error) {
	return queryEntitySnapshots(ctx, s.db, filter)
}

func (s *Store) DeleteEntitySnapshot(ctx context.Context, userID, entityID string) error {
	return deleteEntitySnapshot(ctx, s.db, userID, entityID)
}

func (s *Store) UpsertRelationshipSnapshot(ctx context.Context, snap *types.RelationshipSnapshot) error {
	return upsertRelationshipSnapshot(ctx, s.db, snap)
}

func (s *Store) GetRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) (*types.RelationshipSnapshot, error) {
	return getRelationshipSnapshot(ctx, s.db, userID, relationshipKey)
}

func (s *Store) QueryRelationshipSnapshots(ctx context.Context, filter types.RelationshipSnapshotFilter) ([]*types.RelationshipSnapshot, error) {
	return queryRelationshipSnapshots(ctx, s.db, filter)
}

func (s *Store) DeleteRelationshipSnapshot(ctx context.Context, userID, relationshipKey string) error {
	return deleteRelationshipSnapshot(ctx, s.db, userID, relationshipKey)
}
