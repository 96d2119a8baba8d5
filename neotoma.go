// Package neotoma provides a minimal public API for embedding the truth
// layer in Go programs.
//
// Most integrations should talk to a running daemon over its HTTP API. This
// package exports only the essential types and constructors for programs
// that want to open a data directory and ingest or query in-process.
package neotoma

import (
	"context"
	"path/filepath"

	"github.com/neotoma-io/neotoma/internal/blob"
	"github.com/neotoma-io/neotoma/internal/service"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Core types for ingesting and reading back entities
type (
	Source           = types.Source
	Observation      = types.Observation
	Candidate        = types.Candidate
	EntitySnapshot   = types.EntitySnapshot
	FieldProvenance  = types.FieldProvenance
	SchemaDefinition = types.SchemaDefinition
)

// Source priority ladder. Higher wins in the reducer; the set is closed.
const (
	PriorityLegacy      = types.PriorityLegacy
	PriorityExtraction  = types.PriorityExtraction
	PriorityStructured  = types.PriorityStructured
	PriorityCorrection  = types.PriorityCorrection
	PriorityRestoration = types.PriorityRestoration
)

// Store provides the minimal interface for programmatic access to the
// observation log and snapshots.
type Store = storage.Store

// Service is the full truth layer: ingest, correct, merge, query.
type Service = service.Service

// NewSQLiteStore opens a Neotoma SQLite database for direct storage access.
// Most embedders should use Open instead and go through the Service.
func NewSQLiteStore(ctx context.Context, dbPath string) (Store, error) {
	return sqlite.New(ctx, dbPath)
}

// Open wires a Service over a data directory using the default layout
// (neotoma.db plus a blobs/ subdirectory). The caller owns the returned
// Service and must Close it.
func Open(ctx context.Context, dataDir string) (*Service, error) {
	store, err := sqlite.New(ctx, filepath.Join(dataDir, "neotoma.db"))
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewFileStore(filepath.Join(dataDir, "blobs"))
	if err != nil {
		store.Close()
		return nil, err
	}
	return service.New(store, blobs, nil, nil, service.Config{}), nil
}
