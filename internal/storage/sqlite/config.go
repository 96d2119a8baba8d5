package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

func setConfig(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapDBError("set config", err)
}

// getConfig returns "" for unset keys rather than an error.
func getConfig(ctx context.Context, q dbtx, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, wrapDBError("get config", err)
}

func setMetadata(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapDBError("set metadata", err)
}

func getMetadata(ctx context.Context, q dbtx, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, wrapDBError("get metadata", err)
}

// SetConfig sets a configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, s.db, key, value)
}

// GetConfig gets a configuration value.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, s.db, key)
}

// GetAllConfig gets all configuration key-value pairs.
func (s *Store) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, wrapDBError("list config", err)
	}
	defer func() { _ = rows.Close() }()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapDBError("scan config row", err)
		}
		config[key] = value
	}
	return config, rows.Err()
}

// DeleteConfig deletes a configuration value.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	return wrapDBError("delete config", err)
}

// configKeyInterpretQuota overrides the per-tenant interpretation cap for
// one database. A stored value of 0 disables the cap.
const configKeyInterpretQuota = "quotas.interpretations"

// GetInterpretQuota reads the per-database interpretation quota override.
// Returns fallback when unset or unparseable.
func (s *Store) GetInterpretQuota(ctx context.Context, fallback int) int {
	value, err := getConfig(ctx, s.db, configKeyInterpretQuota)
	if err != nil || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
