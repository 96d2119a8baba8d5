package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/neotoma-io/neotoma/internal/storage"
)

// wrapDBError wraps a database error with operation context.
// sql.ErrNoRows becomes storage.ErrNotFound and UNIQUE violations become
// storage.ErrConflict so callers can branch without driver knowledge.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if IsUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf wraps a database error with formatted operation context.
func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// isNotFound checks if an error is or wraps storage.ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// errAlreadyMerged marks a merge targeting an entity that is already
// redirected. Surfaces to callers as a conflict.
var errAlreadyMerged = fmt.Errorf("%w: entity already merged", storage.ErrConflict)
