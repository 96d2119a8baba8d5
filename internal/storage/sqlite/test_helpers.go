package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// newTestStore opens a store for one test and closes it on cleanup. The
// default is a file under t.TempDir() so pooled connections behave as in
// production; pass ":memory:" to exercise the single-connection path.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "neotoma-test.db")
	}

	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open test store at %s: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}
