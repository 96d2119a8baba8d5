package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// dbtx is the intersection of *sql.DB, *sql.Conn and *sql.Tx used by the
// row-level helpers, so Store methods and Transaction methods share one
// implementation.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ dbtx = (*sql.DB)(nil)
	_ dbtx = (*sql.Conn)(nil)
	_ dbtx = (*sql.Tx)(nil)
)

// IsUniqueConstraintError checks if an error is a UNIQUE constraint violation.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyConstraintError checks if an error is a FOREIGN KEY constraint
// violation.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "FOREIGN KEY constraint failed") ||
		strings.Contains(errStr, "foreign key constraint failed")
}

// isBusyError checks if an error is a SQLITE_BUSY / locked condition worth
// retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn, retrying
// with exponential backoff when another writer holds the lock. IMMEDIATE
// acquires the write lock up front, so lock conflicts surface here rather
// than at first write.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries uint64, initialDelay time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.MaxInterval = 500 * time.Millisecond

	attempt := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// marshalJSON encodes v for a TEXT column, mapping nil maps to their empty
// JSON form.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalFields decodes a fields TEXT column into a map. Empty or NULL
// columns decode to an empty map, never nil.
func unmarshalFields(data string) (map[string]any, error) {
	fields := make(map[string]any)
	if data == "" || data == "{}" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields column: %w", err)
	}
	return fields, nil
}

// unmarshalStrings decodes a JSON array TEXT column.
func unmarshalStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string array column: %w", err)
	}
	return out, nil
}

// nullString maps "" to NULL for optional reference columns, so foreign keys
// stay satisfiable when the reference is absent.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil *time.Time to NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// limitOrDefault applies the default query cap when a filter names no limit.
func limitOrDefault(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
