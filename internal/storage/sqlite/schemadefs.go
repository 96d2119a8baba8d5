package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/neotoma-io/neotoma/internal/types"
)

// maxCandidateSamples caps how many example values are retained per unknown
// field. Enough for type inference, small enough to keep rows cheap.
const maxCandidateSamples = 5

func insertSchemaDefinition(ctx context.Context, q dbtx, def *types.SchemaDefinition) error {
	major, minor, err := types.ParseVersion(def.Version)
	if err != nil {
		return wrapDBError("parse schema version", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(def)
	if err != nil {
		return wrapDBError("encode schema definition", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO schema_definitions (user_id, entity_type, version, major, minor, definition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, def.UserID, def.EntityType, def.Version, major, minor, string(encoded), def.CreatedAt.UTC())
	return wrapDBErrorf(err, "insert schema %s v%s", def.EntityType, def.Version)
}

func scanSchemaDefinition(row interface{ Scan(...interface{}) error }) (*types.SchemaDefinition, error) {
	var userID, entityType, version, encoded string
	var createdAt time.Time
	if err := row.Scan(&userID, &entityType, &version, &encoded, &createdAt); err != nil {
		return nil, err
	}
	var def types.SchemaDefinition
	if err := json.Unmarshal([]byte(encoded), &def); err != nil {
		return nil, err
	}
	// Columns are authoritative over the encoded copy.
	def.UserID = userID
	def.EntityType = entityType
	def.Version = version
	def.CreatedAt = createdAt.UTC()
	return &def, nil
}

// getSchemaDefinition fetches one exact version. Tenant-scoped lookups fall
// back to the shared registry when the tenant has no row.
func getSchemaDefinition(ctx context.Context, q dbtx, userID, entityType, version string) (*types.SchemaDefinition, error) {
	const query = `SELECT user_id, entity_type, version, definition, created_at
		FROM schema_definitions WHERE user_id = ? AND entity_type = ? AND version = ?`
	def, err := scanSchemaDefinition(q.QueryRowContext(ctx, query, userID, entityType, version))
	if isNotFound(err) && userID != types.SharedTenant {
		def, err = scanSchemaDefinition(q.QueryRowContext(ctx, query, types.SharedTenant, entityType, version))
	}
	if err != nil {
		return nil, wrapDBErrorf(err, "get schema %s v%s", entityType, version)
	}
	return def, nil
}

// getLatestSchemaDefinition returns the highest version visible to userID.
// A tenant that has registered any version of the type shadows the shared
// registry entirely; otherwise the shared latest applies.
func getLatestSchemaDefinition(ctx context.Context, q dbtx, userID, entityType string) (*types.SchemaDefinition, error) {
	const query = `SELECT user_id, entity_type, version, definition, created_at
		FROM schema_definitions WHERE user_id = ? AND entity_type = ?
		ORDER BY major DESC, minor DESC LIMIT 1`
	def, err := scanSchemaDefinition(q.QueryRowContext(ctx, query, userID, entityType))
	if isNotFound(err) && userID != types.SharedTenant {
		def, err = scanSchemaDefinition(q.QueryRowContext(ctx, query, types.SharedTenant, entityType))
	}
	if err != nil {
		return nil, wrapDBErrorf(err, "get latest schema %s", entityType)
	}
	return def, nil
}

// listSchemaDefinitions returns every definition version visible to userID,
// shared registry included, ordered by type then version.
func listSchemaDefinitions(ctx context.Context, q dbtx, userID string) ([]*types.SchemaDefinition, error) {
	query := `SELECT user_id, entity_type, version, definition, created_at
		FROM schema_definitions WHERE user_id = ?`
	args := []interface{}{userID}
	if userID != types.SharedTenant {
		query = `SELECT user_id, entity_type, version, definition, created_at
			FROM schema_definitions WHERE user_id IN (?, ?)`
		args = []interface{}{userID, types.SharedTenant}
	}
	query += ` ORDER BY entity_type, major, minor, user_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list schema definitions", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*types.SchemaDefinition
	for rows.Next() {
		def, err := scanSchemaDefinition(rows)
		if err != nil {
			return nil, wrapDBError("scan schema definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// listSchemaVersions returns the version strings for entityType under the
// same shadowing rule as getLatestSchemaDefinition, oldest first.
func listSchemaVersions(ctx context.Context, q dbtx, userID, entityType string) ([]string, error) {
	const query = `SELECT version FROM schema_definitions
		WHERE user_id = ? AND entity_type = ? ORDER BY major, minor`
	rows, err := q.QueryContext(ctx, query, userID, entityType)
	if err != nil {
		return nil, wrapDBError("list schema versions", err)
	}
	versions, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 && userID != types.SharedTenant {
		rows, err = q.QueryContext(ctx, query, types.SharedTenant, entityType)
		if err != nil {
			return nil, wrapDBError("list schema versions", err)
		}
		if versions, err = collectStrings(rows); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// recordUnknownField upserts one sighting of an undeclared field. Occurrences
// increment per sighting; samples accumulate up to the cap; distinct sources
// are tracked in a side table.
func recordUnknownField(ctx context.Context, q dbtx, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error {
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	samples := "[]"
	if sample != "" {
		data, err := json.Marshal([]string{sample})
		if err != nil {
			return wrapDBError("encode candidate sample", err)
		}
		samples = string(data)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO schema_candidates (user_id, entity_type, field_name, occurrences, samples, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (user_id, entity_type, field_name) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen,
			samples = CASE
				WHEN ? = '' OR json_array_length(samples) >= ? THEN samples
				ELSE json_insert(samples, '$[#]', ?)
			END
	`, userID, entityType, fieldName, samples, seenAt.UTC(), seenAt.UTC(),
		sample, maxCandidateSamples, sample)
	if err != nil {
		return wrapDBErrorf(err, "record unknown field %s.%s", entityType, fieldName)
	}
	if sourceID != "" {
		_, err = q.ExecContext(ctx, `
			INSERT OR IGNORE INTO schema_candidate_sources (user_id, entity_type, field_name, source_id)
			VALUES (?, ?, ?, ?)
		`, userID, entityType, fieldName, sourceID)
		if err != nil {
			return wrapDBErrorf(err, "record candidate source %s.%s", entityType, fieldName)
		}
	}
	return nil
}

func listSchemaCandidates(ctx context.Context, q dbtx, userID, entityType string) ([]*types.SchemaCandidate, error) {
	query := `
		SELECT c.user_id, c.entity_type, c.field_name, c.occurrences, c.samples, c.first_seen, c.last_seen,
			(SELECT COUNT(*) FROM schema_candidate_sources s
			 WHERE s.user_id = c.user_id AND s.entity_type = c.entity_type AND s.field_name = c.field_name)
		FROM schema_candidates c WHERE c.user_id = ?`
	args := []interface{}{userID}
	if entityType != "" {
		query += ` AND c.entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY c.occurrences DESC, c.entity_type, c.field_name`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list schema candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []*types.SchemaCandidate
	for rows.Next() {
		var c types.SchemaCandidate
		var samples string
		if err := rows.Scan(&c.UserID, &c.EntityType, &c.FieldName, &c.Occurrences,
			&samples, &c.FirstSeen, &c.LastSeen, &c.DistinctSources); err != nil {
			return nil, wrapDBError("scan schema candidate", err)
		}
		if c.Samples, err = unmarshalStrings(samples); err != nil {
			return nil, wrapDBError("decode candidate samples", err)
		}
		c.FirstSeen = c.FirstSeen.UTC()
		c.LastSeen = c.LastSeen.UTC()
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

func deleteSchemaCandidate(ctx context.Context, q dbtx, userID, entityType, fieldName string) error {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM schema_candidate_sources WHERE user_id = ? AND entity_type = ? AND field_name = ?
	`, userID, entityType, fieldName); err != nil {
		return wrapDBErrorf(err, "delete candidate sources %s.%s", entityType, fieldName)
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM schema_candidates WHERE user_id = ? AND entity_type = ? AND field_name = ?
	`, userID, entityType, fieldName); err != nil {
		return wrapDBErrorf(err, "delete candidate %s.%s", entityType, fieldName)
	}
	return nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrapDBError("scan string row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *Store) PutSchemaDefinition(ctx context.Context, def *types.SchemaDefinition) error {
	return insertSchemaDefinition(ctx, s.db, def)
}

func (s *Store) GetSchemaDefinition(ctx context.Context, userID, entityType, version string) (*types.SchemaDefinition, error) {
	return getSchemaDefinition(ctx, s.db, userID, entityType, version)
}

func (s *Store) GetLatestSchemaDefinition(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error) {
	return getLatestSchemaDefinition(ctx, s.db, userID, entityType)
}

func (s *Store) ListSchemaDefinitions(ctx context.Context, userID string) ([]*types.SchemaDefinition, error) {
	return listSchemaDefinitions(ctx, s.db, userID)
}

func (s *Store) ListSchemaVersions(ctx context.Context, userID, entityType string) ([]string, error) {
	return listSchemaVersions(ctx, s.db, userID, entityType)
}

func (s *Store) RecordUnknownField(ctx context.Context, userID, entityType, fieldName, sample, sourceID string, seenAt time.Time) error {
	return recordUnknownField(ctx, s.db, userID, entityType, fieldName, sample, sourceID, seenAt)
}

func (s *Store) ListSchemaCandidates(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	return listSchemaCandidates(ctx, s.db, userID, entityType)
}

func (s *Store) DeleteSchemaCandidate(ctx context.Context, userID, entityType, fieldName string) error {
	return deleteSchemaCandidate(ctx, s.db, userID, entityType, fieldName)
}
