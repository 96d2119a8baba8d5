package types

import "time"

// DefaultQueryLimit caps result sets when a filter names no limit.
const DefaultQueryLimit = 100

// SourceFilter selects sources within one tenant.
type SourceFilter struct {
	UserID   string
	MimeType string
	Limit    int
	Offset   int
}

// ObservationFilter selects observations within one tenant. AsOf, when set,
// restricts to observations with observed_at <= AsOf (time-travel reads).
type ObservationFilter struct {
	UserID           string
	EntityID         string
	EntityType       string
	SourceID         string
	InterpretationID string
	AsOf             *time.Time
	Limit            int
}

// RelationshipObservationFilter selects relationship observations.
// RelationshipKey, when set, pins an exact triple.
type RelationshipObservationFilter struct {
	UserID           string
	RelationshipKey  string
	SourceEntityID   string
	TargetEntityID   string
	RelationshipType string
	AsOf             *time.Time
	Limit            int
}

// EntityFilter selects entity identity rows. Merged (redirected) entities are
// excluded unless IncludeMerged is set.
type EntityFilter struct {
	UserID        string
	EntityType    string
	IncludeMerged bool
	Limit         int
	Offset        int
}

// SnapshotFilter selects entity snapshots. FieldEquals matches snapshot
// fields by exact canonical value. Tombstoned snapshots are excluded unless
// IncludeDeleted is set.
type SnapshotFilter struct {
	UserID         string
	EntityType     string
	FieldEquals    map[string]any
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// RelationshipSnapshotFilter selects relationship snapshots touching an
// entity. EntityID matches either end unless a directed field is set.
type RelationshipSnapshotFilter struct {
	UserID           string
	EntityID         string
	SourceEntityID   string
	TargetEntityID   string
	RelationshipType string
	IncludeDeleted   bool
	Limit            int
}

// EventFilter selects timeline events in a time window, newest first.
type EventFilter struct {
	UserID    string
	EntityID  string
	EventType string
	From      *time.Time
	To        *time.Time
	Limit     int
}

// InterpretationFilter selects interpretation runs.
type InterpretationFilter struct {
	UserID   string
	SourceID string
	Status   InterpretationStatus
	Limit    int
}
