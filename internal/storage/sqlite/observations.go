package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

const observationColumns = `id, user_id, entity_id, entity_type, source_id, interpretation_id, schema_version, observed_at, source_priority, fields, extraction_metadata`

func marshalMetadata(m *types.ExtractionMetadata) (sql.NullString, error) {
	if m.IsZero() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(data sql.NullString) (*types.ExtractionMetadata, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var m types.ExtractionMetadata
	if err := json.Unmarshal([]byte(data.String), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func insertObservation(ctx context.Context, q dbtx, o *types.Observation) error {
	fields, err := marshalJSON(o.Fields)
	if err != nil {
		return wrapDBError("encode observation fields", err)
	}
	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return wrapDBError("encode extraction metadata", err)
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO observations (id, user_id, entity_id, entity_type, source_id, interpretation_id, schema_version, observed_at, source_priority, fields, extraction_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.EntityID, o.EntityType, nullString(o.SourceID), nullString(o.InterpretationID),
		o.SchemaVersion, o.ObservedAt.UTC(), o.SourcePriority, fields, metadata)
	return wrapDBErrorf(err, "insert observation %s", o.ID)
}

func scanObservation(row interface{ Scan(...interface{}) error }) (*types.Observation, error) {
	var o types.Observation
	var sourceID, interpretationID sql.NullString
	var fields string
	var metadata sql.NullString
	if err := row.Scan(&o.ID, &o.UserID, &o.EntityID, &o.EntityType, &sourceID, &interpretationID,
		&o.SchemaVersion, &o.ObservedAt, &o.SourcePriority, &fields, &metadata); err != nil {
		return nil, err
	}
	o.SourceID = sourceID.String
	o.InterpretationID = interpretationID.String
	o.ObservedAt = o.ObservedAt.UTC()
	var err error
	if o.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if o.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &o, nil
}

func getObservation(ctx context.Context, q dbtx, userID, id string) (*types.Observation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE user_id = ? AND id = ?`, userID, id)
	o, err := scanObservation(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get observation %s", id)
	}
	return o, nil
}

// listObservations returns matching observations ordered by (observed_at, id)
// ascending. The reducer applies its own total order; this ordering just
// keeps pagination stable.
func listObservations(ctx context.Context, q dbtx, filter types.ObservationFilter) ([]*types.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.InterpretationID != "" {
		query += ` AND interpretation_id = ?`
		args = append(args, filter.InterpretationID)
	}
	if filter.AsOf != nil {
		query += ` AND observed_at <= ?`
		args = append(args, filter.AsOf.UTC())
	}
	query += ` ORDER BY observed_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list observations", err)
	}
	defer func() { _ = rows.Close() }()

	var observations []*types.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, wrapDBError("scan observation", err)
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// repointObservations rewrites entity_id on the loser's observations during a
// merge. The fact content is untouched; entity_id is a structural reference.
func repointObservations(ctx context.Context, q dbtx, userID, fromEntityID, toEntityID string) (int, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE observations SET entity_id = ? WHERE user_id = ? AND entity_id = ?
	`, toEntityID, userID, fromEntityID)
	if err != nil {
		return 0, wrapDBErrorf(err, "repoint observations %s -> %s", fromEntityID, toEntityID)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, wrapDBError("rows affected", err)
	}
	return int(moved), nil
}

const relObservationColumns = `id, user_id, source_entity_id, relationship_type, target_entity_id, relationship_key, canonical_hash, source_id, interpretation_id, observed_at, source_priority, fields, extraction_metadata`

func insertRelationshipObservation(ctx context.Context, q dbtx, r *types.RelationshipObservation) error {
	if r.RelationshipKey == "" || r.CanonicalHash == "" {
		r.SetKey()
	}
	fields, err := marshalJSON(r.Fields)
	if err != nil {
		return wrapDBError("encode relationship fields", err)
	}
	metadata, err := marshalMetadata(r.Metadata)
	if err != nil {
		return wrapDBError("encode extraction metadata", err)
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO relationship_observations (id, user_id, source_entity_id, relationship_type, target_entity_id, relationship_key, canonical_hash, source_id, interpretation_id, observed_at, source_priority, fields, extraction_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.SourceEntityID, r.RelationshipType, r.TargetEntityID, r.RelationshipKey,
		r.CanonicalHash, nullString(r.SourceID), nullString(r.InterpretationID),
		r.ObservedAt.UTC(), r.SourcePriority, fields, metadata)
	return wrapDBErrorf(err, "insert relationship observation %s", r.ID)
}

func scanRelationshipObservation(row interface{ Scan(...interface{}) error }) (*types.RelationshipObservation, error) {
	var r types.RelationshipObservation
	var sourceID, interpretationID sql.NullString
	var fields string
	var metadata sql.NullString
	if err := row.Scan(&r.ID, &r.UserID, &r.SourceEntityID, &r.RelationshipType, &r.TargetEntityID,
		&r.RelationshipKey, &r.CanonicalHash, &sourceID, &interpretationID,
		&r.ObservedAt, &r.SourcePriority, &fields, &metadata); err != nil {
		return nil, err
	}
	r.SourceID = sourceID.String
	r.InterpretationID = interpretationID.String
	r.ObservedAt = r.ObservedAt.UTC()
	var err error
	if r.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if r.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func listRelationshipObservations(ctx context.Context, q dbtx, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error) {
	query := `SELECT ` + relObservationColumns + ` FROM relationship_observations WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	if filter.RelationshipKey != "" {
		query += ` AND relationship_key = ?`
		args = append(args, filter.RelationshipKey)
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
	if filter.AsOf != nil {
		query += ` AND observed_at <= ?`
		args = append(args, filter.AsOf.UTC())
	}
	query += ` ORDER BY observed_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list relationship observations", err)
	}
	defer func() { _ = rows.Close() }()

	var observations []*types.RelationshipObservation
	for rows.Next() {
		r, err := scanRelationshipObservation(rows)
		if err != nil {
			return nil, wrapDBError("scan relationship observation", err)
		}
		observations = append(observations, r)
	}
	return observations, rows.Err()
}

func listRelationshipKeysForEntity(ctx context.Context, q dbtx, userID, entityID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT relationship_key FROM relationship_observations
		WHERE user_id = ? AND (source_entity_id = ? OR target_entity_id = ?)
		ORDER BY relationship_key
	`, userID, entityID, entityID)
	if err != nil {
		return nil, wrapDBError("list relationship keys", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapDBError("scan relationship key", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// repointRelationshipObservations rewrites the merged entity's id on both
// ends of relationship rows and recomputes each affected key and hash.
func repointRelationshipObservations(ctx context.Context, q dbtx, userID, fromEntityID, toEntityID string) (int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_entity_id, relationship_type, target_entity_id
		FROM relationship_observations
		WHERE user_id = ? AND (source_entity_id = ? OR target_entity_id = ?)
	`, userID, fromEntityID, fromEntityID)
	if err != nil {
		return 0, wrapDBError("select relationship observations for repoint", err)
	}

	type rewrite struct {
		id     string
		src    string
		relTyp string
		dst    string
	}
	var rewrites []rewrite
	for rows.Next() {
		var rw rewrite
		if err := rows.Scan(&rw.id, &rw.src, &rw.relTyp, &rw.dst); err != nil {
			_ = rows.Close()
			return 0, wrapDBError("scan relationship row", err)
		}
		rewrites = append(rewrites, rw)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, wrapDBError("iterate relationship rows", err)
	}
	_ = rows.Close()

	for _, rw := range rewrites {
		if rw.src == fromEntityID {
			rw.src = toEntityID
		}
		if rw.dst == fromEntityID {
			rw.dst = toEntityID
		}
		key := types.RelationshipKey(rw.src, rw.relTyp, rw.dst)
		hash := types.CanonicalRelationshipHash(key)
		if _, err := q.ExecContext(ctx, `
			UPDATE relationship_observations
			SET source_entity_id = ?, target_entity_id = ?, relationship_key = ?, canonical_hash = ?
			WHERE id = ?
		`, rw.src, rw.dst, key, hash, rw.id); err != nil {
			return 0, wrapDBErrorf(err, "repoint relationship observation %s", rw.id)
		}
	}
	return len(rewrites), nil
}

func (s *Store) AppendObservation(ctx context.Context, o *types.Observation) error {
	return insertObservation(ctx, s.db, o)
}

func (s *Store) GetObservation(ctx context.Context, userID, id string) (*types.Observation, error) {
	return getObservation(ctx, s.db, userID, id)
}

func (s *Store) ListObservations(ctx context.Context, filter types.ObservationFilter) ([]*types.Observation, error) {
	return listObservations(ctx, s.db, filter)
}

func (s *Store) AppendRelationshipObservation(ctx context.Context, r *types.RelationshipObservation) error {
	return insertRelationshipObservation(ctx, s.db, r)
}

func (s *Store) ListRelationshipObservations(ctx context.Context, filter types.RelationshipObservationFilter) ([]*types.RelationshipObservation, error) {
	return listRelationshipObservations(ctx, s.db, filter)
}

func (s *Store) ListRelationshipKeysForEntity(ctx context.Context, userID, entityID string) ([]string, error) {
	return listRelationshipKeysForEntity(ctx, s.db, userID, entityID)
}
