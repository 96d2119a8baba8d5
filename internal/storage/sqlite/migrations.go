// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"
)

// Migration is a single idempotent schema change. Migrations run in order
// during database initialization; each must be safe to re-run.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []Migration{
	{"interpretation_config_hash", migrateInterpretationConfigHash},
	{"relationship_snapshot_endpoint_indexes", migrateRelationshipSnapshotIndexes},
	{"candidate_samples_json", migrateCandidateSamplesJSON},
}

// RunMigrations applies all registered migrations under an EXCLUSIVE lock so
// parallel processes cannot race on check-then-modify operations.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true
	return nil
}

// columnExists reports whether a table already has a column, for idempotent
// ALTER TABLE migrations.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateInterpretationConfigHash backfills the config_hash column on
// databases created before interpretation idempotency keyed on it.
func migrateInterpretationConfigHash(db *sql.DB) error {
	exists, err := columnExists(db, "interpretations", "config_hash")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.Exec(`ALTER TABLE interpretations ADD COLUMN config_hash TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_interpretations_config ON interpretations(user_id, source_id, config_hash)`)
	return err
}

// migrateRelationshipSnapshotIndexes adds per-endpoint indexes used by the
// relationship query path.
func migrateRelationshipSnapshotIndexes(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_rel_snapshots_src ON relationship_snapshots(user_id, source_entity_id, deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_snapshots_dst ON relationship_snapshots(user_id, target_entity_id, deleted)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateCandidateSamplesJSON converts the old single sample_value column to
// the samples JSON array used by type inference.
func migrateCandidateSamplesJSON(db *sql.DB) error {
	hasOld, err := columnExists(db, "schema_candidates", "sample_value")
	if err != nil {
		return err
	}
	if !hasOld {
		return nil
	}
	hasNew, err := columnExists(db, "schema_candidates", "samples")
	if err != nil {
		return err
	}
	if !hasNew {
		if _, err := db.Exec(`ALTER TABLE schema_candidates ADD COLUMN samples TEXT NOT NULL DEFAULT '[]'`); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`UPDATE schema_candidates SET samples = json_array(sample_value) WHERE samples = '[]' AND sample_value != ''`); err != nil {
		return err
	}
	_, err = db.Exec(`ALTER TABLE schema_candidates DROP COLUMN sample_value`)
	return err
}
