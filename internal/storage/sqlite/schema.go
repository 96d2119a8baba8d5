package sqlite

import (
	"database/sql"
	"fmt"
)

const schema = `
-- Sources: content-addressed raw material, deduplicated per tenant
CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content_hash TEXT NOT NULL CHECK(length(content_hash) = 64),
    storage_url TEXT NOT NULL,
    mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    file_size INTEGER NOT NULL DEFAULT 0,
    original_filename TEXT NOT NULL DEFAULT '',
    provenance TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (user_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_sources_user_created ON sources(user_id, created_at);

-- Interpretations: one extraction pass over one source under one config
CREATE TABLE IF NOT EXISTS interpretations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model_id TEXT NOT NULL DEFAULT '',
    temperature REAL NOT NULL DEFAULT 0,
    prompt_hash TEXT NOT NULL DEFAULT '',
    code_version TEXT NOT NULL DEFAULT '',
    config_hash TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'succeeded', 'failed')),
    error TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE,
    -- terminal statuses must carry finished_at
    CHECK (
        (status = 'running' AND finished_at IS NULL) OR
        (status IN ('succeeded', 'failed') AND finished_at IS NOT NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_interpretations_source ON interpretations(user_id, source_id);
CREATE INDEX IF NOT EXISTS idx_interpretations_config ON interpretations(user_id, source_id, config_hash);
CREATE INDEX IF NOT EXISTS idx_interpretations_started ON interpretations(user_id, started_at);

-- Entities: identity-only rows; all asserted state lives in observations
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    canonical_name TEXT NOT NULL DEFAULT '',
    resolution_key TEXT NOT NULL,
    merged_to_entity_id TEXT,
    merged_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (user_id, entity_type, resolution_key),
    FOREIGN KEY (merged_to_entity_id) REFERENCES entities(id),
    -- a merged entity must carry both redirect fields
    CHECK (
        (merged_to_entity_id IS NULL AND merged_at IS NULL) OR
        (merged_to_entity_id IS NOT NULL AND merged_at IS NOT NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(user_id, entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_merged ON entities(merged_to_entity_id) WHERE merged_to_entity_id IS NOT NULL;

-- Observations: append-only facts about entities
CREATE TABLE IF NOT EXISTS observations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    source_id TEXT,
    interpretation_id TEXT,
    schema_version TEXT NOT NULL DEFAULT '1.0',
    observed_at DATETIME NOT NULL,
    source_priority INTEGER NOT NULL DEFAULT 100 CHECK(source_priority IN (0, 100, 500, 1000, 1001)),
    fields TEXT NOT NULL DEFAULT '{}',
    extraction_metadata TEXT,
    FOREIGN KEY (entity_id) REFERENCES entities(id),
    FOREIGN KEY (source_id) REFERENCES sources(id),
    FOREIGN KEY (interpretation_id) REFERENCES interpretations(id)
);

CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(user_id, entity_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_observations_source ON observations(user_id, source_id);
CREATE INDEX IF NOT EXISTS idx_observations_interpretation ON observations(interpretation_id);

-- Relationship observations: append-only facts about (source, type, target) triples
CREATE TABLE IF NOT EXISTS relationship_observations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_entity_id TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    relationship_key TEXT NOT NULL,
    canonical_hash TEXT NOT NULL CHECK(length(canonical_hash) = 24),
    source_id TEXT,
    interpretation_id TEXT,
    observed_at DATETIME NOT NULL,
    source_priority INTEGER NOT NULL DEFAULT 100 CHECK(source_priority IN (0, 100, 500, 1000, 1001)),
    fields TEXT NOT NULL DEFAULT '{}',
    extraction_metadata TEXT,
    FOREIGN KEY (source_entity_id) REFERENCES entities(id),
    FOREIGN KEY (target_entity_id) REFERENCES entities(id),
    FOREIGN KEY (source_id) REFERENCES sources(id)
);

CREATE INDEX IF NOT EXISTS idx_rel_observations_key ON relationship_observations(user_id, relationship_key, observed_at);
CREATE INDEX IF NOT EXISTS idx_rel_observations_src ON relationship_observations(user_id, source_entity_id);
CREATE INDEX IF NOT EXISTS idx_rel_observations_dst ON relationship_observations(user_id, target_entity_id);

-- Entity snapshots: derived current truth, rebuildable from observations
CREATE TABLE IF NOT EXISTS entity_snapshots (
    entity_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    canonical_name TEXT NOT NULL DEFAULT '',
    fields TEXT NOT NULL DEFAULT '{}',
    field_provenance TEXT NOT NULL DEFAULT '{}',
    observation_count INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    computed_at DATETIME NOT NULL,
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entity_snapshots_type ON entity_snapshots(user_id, entity_type, deleted);
CREATE INDEX IF NOT EXISTS idx_entity_snapshots_name ON entity_snapshots(user_id, canonical_name);

-- Relationship snapshots: derived current truth per relationship triple
CREATE TABLE IF NOT EXISTS relationship_snapshots (
    user_id TEXT NOT NULL,
    relationship_key TEXT NOT NULL,
    canonical_hash TEXT NOT NULL,
    source_entity_id TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    field_provenance TEXT NOT NULL DEFAULT '{}',
    observation_count INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    computed_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, relationship_key)
);

CREATE INDEX IF NOT EXISTS idx_rel_snapshots_src ON relationship_snapshots(user_id, source_entity_id, deleted);
CREATE INDEX IF NOT EXISTS idx_rel_snapshots_dst ON relationship_snapshots(user_id, target_entity_id, deleted);

-- Timeline events: derived, immutable happenings
CREATE TABLE IF NOT EXISTS timeline_events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    entity_ids TEXT NOT NULL DEFAULT '[]',
    source_id TEXT,
    interpretation_id TEXT,
    occurred_at DATETIME NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (source_id) REFERENCES sources(id)
);

CREATE INDEX IF NOT EXISTS idx_timeline_user_time ON timeline_events(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_timeline_type ON timeline_events(user_id, event_type);

-- Join table so events can be found by any entity they touch
CREATE TABLE IF NOT EXISTS timeline_event_entities (
    event_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    PRIMARY KEY (event_id, entity_id),
    FOREIGN KEY (event_id) REFERENCES timeline_events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_entities_entity ON timeline_event_entities(entity_id);

-- Audit edges: which source touched which entity/event
CREATE TABLE IF NOT EXISTS source_entity_edges (
    source_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    edge_type TEXT NOT NULL DEFAULT 'observed',
    interpretation_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source_id, entity_id, edge_type),
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE,
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_source_entity_edges_entity ON source_entity_edges(user_id, entity_id);

CREATE TABLE IF NOT EXISTS source_event_edges (
    source_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    edge_type TEXT NOT NULL DEFAULT 'emitted',
    interpretation_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source_id, event_id, edge_type),
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE,
    FOREIGN KEY (event_id) REFERENCES timeline_events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_source_event_edges_event ON source_event_edges(user_id, event_id);

-- Merge audit trail
CREATE TABLE IF NOT EXISTS entity_merges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    from_entity_id TEXT NOT NULL,
    to_entity_id TEXT NOT NULL,
    observations_moved INTEGER NOT NULL DEFAULT 0,
    merged_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entity_merges_from ON entity_merges(user_id, from_entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_merges_to ON entity_merges(user_id, to_entity_id);

-- Schema registry: immutable versioned definitions, user_id='' means global
CREATE TABLE IF NOT EXISTS schema_definitions (
    user_id TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    version TEXT NOT NULL,
    major INTEGER NOT NULL,
    minor INTEGER NOT NULL,
    definition TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, entity_type, version)
);

CREATE INDEX IF NOT EXISTS idx_schema_definitions_latest ON schema_definitions(user_id, entity_type, major, minor);

-- Schema candidates: unknown fields counted toward promotion
CREATE TABLE IF NOT EXISTS schema_candidates (
    user_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    field_name TEXT NOT NULL,
    occurrences INTEGER NOT NULL DEFAULT 0,
    samples TEXT NOT NULL DEFAULT '[]',
    first_seen DATETIME NOT NULL,
    last_seen DATETIME NOT NULL,
    PRIMARY KEY (user_id, entity_type, field_name)
);

-- Distinct-source tracking for candidate promotion thresholds
CREATE TABLE IF NOT EXISTS schema_candidate_sources (
    user_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    field_name TEXT NOT NULL,
    source_id TEXT NOT NULL,
    PRIMARY KEY (user_id, entity_type, field_name, source_id)
);

-- Config table for settings
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Metadata table for internal state
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// verifySchemaCompatibility probes one query per load-bearing table so an
// incompatible database fails loudly at open instead of mid-operation.
func verifySchemaCompatibility(db *sql.DB) error {
	probes := []string{
		`SELECT id, user_id, content_hash, storage_url FROM sources LIMIT 0`,
		`SELECT id, user_id, source_id, config_hash, status FROM interpretations LIMIT 0`,
		`SELECT id, user_id, entity_type, resolution_key, merged_to_entity_id FROM entities LIMIT 0`,
		`SELECT id, user_id, entity_id, schema_version, source_priority, fields FROM observations LIMIT 0`,
		`SELECT id, user_id, relationship_key, canonical_hash FROM relationship_observations LIMIT 0`,
		`SELECT entity_id, user_id, fields, field_provenance, deleted FROM entity_snapshots LIMIT 0`,
		`SELECT user_id, relationship_key, fields, deleted FROM relationship_snapshots LIMIT 0`,
		`SELECT id, user_id, event_type, occurred_at FROM timeline_events LIMIT 0`,
		`SELECT user_id, entity_type, version, definition FROM schema_definitions LIMIT 0`,
	}
	for _, probe := range probes {
		if _, err := db.Exec(probe); err != nil {
			return fmt.Errorf("probe %q: %w", probe, err)
		}
	}
	return nil
}
