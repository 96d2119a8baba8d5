package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/neotoma-io/neotoma/internal/storage"
)

// pragmaTail is appended to every connection URI: enforced foreign keys, a
// 30s busy timeout so writers wait out short lock contention, and the
// driver's sqlite time format for DATETIME columns.
const pragmaTail = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"

// Store implements storage.Store on a single SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

func init() {
	// The embedded SQLite build is WASM. Cache the JIT output under the user
	// cache dir so it compiles once per driver version instead of on every
	// process start; fall back to an in-memory cache if that dir is unusable.
	cache := wazero.NewCompilationCache()
	if userCache, err := os.UserCacheDir(); err == nil {
		if c, err := wazero.NewCompilationCacheWithDir(filepath.Join(userCache, "neotoma", "wasm")); err == nil {
			cache = c
		}
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// connString normalizes path into a driver URI and reports whether it names
// an in-memory database.
func connString(path string) (string, bool, error) {
	switch {
	case path == ":memory:":
		// cache=shared (with a name, or sharing silently doesn't happen) lets
		// every pooled connection see the same data. WAL cannot run in
		// memory, hence DELETE journaling.
		return "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&" + pragmaTail, true, nil

	case strings.HasPrefix(path, "file:"):
		uri := path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			uri += "&" + pragmaTail
		}
		return uri, strings.Contains(path, "mode=memory"), nil

	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", false, fmt.Errorf("failed to create directory: %w", err)
		}
		return "file:" + path + "?" + pragmaTail, false, nil
	}
}

// New opens (creating if needed) the database at path and brings the schema
// up to date. Pass ":memory:" for an ephemeral database.
func New(ctx context.Context, path string) (*Store, error) {
	connStr, inMemory, err := connString(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// In-memory databases are per-connection. A pool of one keeps every
		// handle looking at the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL allows one writer plus N readers. Capping the pool at NumCPU+1
		// keeps goroutines from piling up behind the write lock, and SQLite
		// has no reason to recycle connections.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	if err := verifySchemaCompatibility(db); err != nil {
		return nil, fmt.Errorf("schema probe failed: %w. Database may be from an incompatible version", err)
	}

	abs := path
	if path != ":memory:" {
		if abs, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}
	return &Store{db: db, dbPath: abs}, nil
}

// Close checkpoints the WAL and closes the pool. Skipping the checkpoint can
// strand recent writes in the -wal file between process invocations. Safe to
// call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path of the backing database file.
func (s *Store) Path() string {
	return s.dbPath
}
