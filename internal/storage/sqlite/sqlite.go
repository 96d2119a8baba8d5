// Package sqlite implements the storage interface using SQLite.
//
// The package is split into focused files:
//
// Core components:
//   - store.go: Store struct, New() constructor, WASM runtime cache setup,
//     connection pool policy, and lifecycle methods (Close, Path)
//   - transaction.go: RunInTransaction and the Transaction implementation
//   - schema.go: Database schema definitions
//   - migrations.go: Named, idempotent schema migrations
//
// Row-level operations, shared between Store and Transaction via the dbtx
// interface in util.go:
//   - sources.go: Sources and interpretations
//   - entities.go: Entities, merge markers, merge audit
//   - observations.go: Entity and relationship observation logs
//   - snapshots.go: Derived entity and relationship snapshots
//   - timeline.go: Timeline events and source audit edges
//   - schemadefs.go: Schema registry and unknown-field candidates
//   - config.go: Configuration and metadata key-value tables
//
// Supporting components:
//   - errors.go: Mapping of driver errors onto storage sentinels
//   - util.go: dbtx interface, busy retry, JSON column helpers
package sqlite
