// Package types defines the core data structures of the neotoma memory substrate.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SharedTenant is the distinguished null-tenant that marks shared/global rows
// (currently only schema definitions). Every other row carries a real tenant id.
const SharedTenant = ""

// Source priority ladder. Closed set, integer-ordered, higher wins in the
// reducer. PriorityRestoration sits one above PriorityCorrection so that a
// restoration strictly supersedes a prior deletion.
const (
	PriorityLegacy      = 0    // legacy / unknown provenance
	PriorityExtraction  = 100  // ai extraction (default)
	PriorityStructured  = 500  // structured ingest, caller-asserted fields
	PriorityCorrection  = 1000 // user correction / deletion
	PriorityRestoration = 1001 // user restoration, beats a prior deletion
)

// ValidPriority reports whether p is one of the ladder rungs. The ladder is
// closed: arbitrary integers are rejected at the write path.
func ValidPriority(p int) bool {
	switch p {
	case PriorityLegacy, PriorityExtraction, PriorityStructured, PriorityCorrection, PriorityRestoration:
		return true
	}
	return false
}

// FieldDeleted is the reserved observation field expressing soft deletion.
// An observation with {_deleted: true} at PriorityCorrection tombstones the
// entity; a later {_deleted: false} at PriorityRestoration revives it.
const FieldDeleted = "_deleted"

// Source is content-addressed raw material. Immutable after creation.
// (user_id, content_hash) is unique per tenant: resubmitting identical bytes
// dedups to the existing source and the caller sees Deduplicated=true.
type Source struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	ContentHash      string         `json:"content_hash"`
	StorageURL       string         `json:"storage_url"`
	MimeType         string         `json:"mime_type"`
	FileSize         int64          `json:"file_size"`
	OriginalFilename string         `json:"original_filename,omitempty"`
	Provenance       map[string]any `json:"provenance,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// HashBytes computes the content hash used for per-tenant source dedup.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InterpretationStatus is the lifecycle state of one extraction pass.
type InterpretationStatus string

const (
	InterpretationRunning   InterpretationStatus = "running"
	InterpretationSucceeded InterpretationStatus = "succeeded"
	InterpretationFailed    InterpretationStatus = "failed"
)

// IsTerminal reports whether the status is final. Interpretations are
// immutable once terminal.
func (s InterpretationStatus) IsTerminal() bool {
	return s == InterpretationSucceeded || s == InterpretationFailed
}

// IsValid reports whether s is a known status value.
func (s InterpretationStatus) IsValid() bool {
	switch s {
	case InterpretationRunning, InterpretationSucceeded, InterpretationFailed:
		return true
	}
	return false
}

// InterpretationConfig identifies the configuration one extraction pass ran
// under. Two runs over the same source with different configs are distinct
// interpretations; neither mutates the other's observations.
type InterpretationConfig struct {
	Provider    string  `json:"provider"`
	ModelID     string  `json:"model_id"`
	Temperature float64 `json:"temperature"`
	PromptHash  string  `json:"prompt_hash"`
	CodeVersion string  `json:"code_version"`
}

// Hash returns a stable digest of the config, used to detect that a source
// has already been interpreted under identical settings.
func (c InterpretationConfig) Hash() string {
	payload, _ := json.Marshal(c)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Interpretation is one attempt to extract observations from one source under
// one configuration. Immutable after reaching a terminal status.
type Interpretation struct {
	ID         string               `json:"id"`
	UserID     string               `json:"user_id"`
	SourceID   string               `json:"source_id"`
	Config     InterpretationConfig `json:"config"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Status     InterpretationStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
}

// ExtractionMetadata rides along with an observation: extracted-but-unknown
// fields, validation warnings, and extractor quality metrics. Warnings are
// never errors; the observation is written regardless.
type ExtractionMetadata struct {
	UnknownFields map[string]any     `json:"unknown_fields,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
	Quality       map[string]float64 `json:"quality,omitempty"`
}

// IsZero reports whether the metadata carries nothing worth persisting.
func (m *ExtractionMetadata) IsZero() bool {
	return m == nil || (len(m.UnknownFields) == 0 && len(m.Warnings) == 0 && len(m.Quality) == 0)
}

// Observation is an immutable fact about a single entity. Never updated or
// deleted after insert; a merge may repoint EntityID (a structural reference,
// not part of the fact) but the content is frozen.
//
// Fields holds only schema-defined keys for EntityType@SchemaVersion.
// Extracted keys the schema does not know live in Metadata.UnknownFields.
type Observation struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	EntityID         string              `json:"entity_id"`
	EntityType       string              `json:"entity_type"`
	SourceID         string              `json:"source_id,omitempty"`
	InterpretationID string              `json:"interpretation_id,omitempty"`
	SchemaVersion    string              `json:"schema_version"`
	ObservedAt       time.Time           `json:"observed_at"`
	SourcePriority   int                 `json:"source_priority"`
	Fields           map[string]any      `json:"fields"`
	Metadata         *ExtractionMetadata `json:"extraction_metadata,omitempty"`
}

// IsDeletion reports whether the observation asserts _deleted=true.
func (o *Observation) IsDeletion() bool {
	v, ok := o.Fields[FieldDeleted]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// RelationshipKey builds the canonical string form of a relationship triple.
// Stable across machines; the relationship reducer groups by it.
func RelationshipKey(sourceEntityID, relationshipType, targetEntityID string) string {
	return sourceEntityID + "|" + relationshipType + "|" + targetEntityID
}

// CanonicalRelationshipHash is a 24-hex truncation of SHA-256 over the
// relationship key, used as a stable compare/index token.
func CanonicalRelationshipHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:12])
}

// RelationshipObservation is an immutable fact about a relationship triple.
// Same envelope as Observation, keyed by (source, type, target).
type RelationshipObservation struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	SourceEntityID   string              `json:"source_entity_id"`
	RelationshipType string              `json:"relationship_type"`
	TargetEntityID   string              `json:"target_entity_id"`
	RelationshipKey  string              `json:"relationship_key"`
	CanonicalHash    string              `json:"canonical_hash"`
	SourceID         string              `json:"source_id,omitempty"`
	InterpretationID string              `json:"interpretation_id,omitempty"`
	ObservedAt       time.Time           `json:"observed_at"`
	SourcePriority   int                 `json:"source_priority"`
	Fields           map[string]any      `json:"fields,omitempty"`
	Metadata         *ExtractionMetadata `json:"extraction_metadata,omitempty"`
}

// SetKey fills RelationshipKey and CanonicalHash from the triple.
func (r *RelationshipObservation) SetKey() {
	r.RelationshipKey = RelationshipKey(r.SourceEntityID, r.RelationshipType, r.TargetEntityID)
	r.CanonicalHash = CanonicalRelationshipHash(r.RelationshipKey)
}

// IsDeletion reports whether the observation asserts _deleted=true.
func (r *RelationshipObservation) IsDeletion() bool {
	v, ok := r.Fields[FieldDeleted]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Entity is an identity-only record: a stable reference target that asserts
// nothing. If MergedToEntityID is set the entity is redirected and is hidden
// from default queries.
type Entity struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	EntityType       string     `json:"entity_type"`
	CanonicalName    string     `json:"canonical_name,omitempty"`
	ResolutionKey    string     `json:"resolution_key,omitempty"`
	MergedToEntityID string     `json:"merged_to_entity_id,omitempty"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IsMerged reports whether the entity has been redirected into another.
func (e *Entity) IsMerged() bool { return e.MergedToEntityID != "" }

// FieldProvenance identifies the observation that won a snapshot field under
// the reducer's total order.
type FieldProvenance struct {
	ObservationID    string    `json:"observation_id"`
	SourceID         string    `json:"source_id,omitempty"`
	InterpretationID string    `json:"interpretation_id,omitempty"`
	SourcePriority   int       `json:"source_priority"`
	ObservedAt       time.Time `json:"observed_at"`
}

// EntitySnapshot is the derived, recomputable view of current truth for an
// entity. Identical observation multisets under an identical schema reduce to
// byte-identical snapshots. Snapshots may be discarded and rebuilt at any time.
type EntitySnapshot struct {
	EntityID         string                     `json:"entity_id"`
	EntityType       string                     `json:"entity_type"`
	UserID           string                     `json:"user_id"`
	CanonicalName    string                     `json:"canonical_name,omitempty"`
	Fields           map[string]any             `json:"fields"`
	FieldProvenance  map[string]FieldProvenance `json:"field_provenance"`
	ObservationCount int                        `json:"observation_count"`
	Deleted          bool                       `json:"deleted,omitempty"`
	ComputedAt       time.Time                  `json:"computed_at"`
}

// RelationshipSnapshot mirrors EntitySnapshot for a relationship triple.
type RelationshipSnapshot struct {
	RelationshipKey  string                     `json:"relationship_key"`
	CanonicalHash    string                     `json:"canonical_hash"`
	UserID           string                     `json:"user_id"`
	SourceEntityID   string                     `json:"source_entity_id"`
	RelationshipType string                     `json:"relationship_type"`
	TargetEntityID   string                     `json:"target_entity_id"`
	Fields           map[string]any             `json:"fields"`
	FieldProvenance  map[string]FieldProvenance `json:"field_provenance"`
	ObservationCount int                        `json:"observation_count"`
	Deleted          bool                       `json:"deleted,omitempty"`
	ComputedAt       time.Time                  `json:"computed_at"`
}

// TimelineEvent is a derived, immutable record of something that happened to
// one or more entities.
type TimelineEvent struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	EventType        string         `json:"event_type"`
	EntityIDs        []string       `json:"entity_ids,omitempty"`
	SourceID         string         `json:"source_id,omitempty"`
	InterpretationID string         `json:"interpretation_id,omitempty"`
	OccurredAt       time.Time      `json:"occurred_at"`
	Fields           map[string]any `json:"fields,omitempty"`
}

// Timeline event types emitted by the core.
const (
	EventSourceIngested         = "source_ingested"
	EventInterpretationStarted  = "interpretation_started"
	EventInterpretationFinished = "interpretation_finished"
	EventEntityCorrected        = "entity_corrected"
	EventEntityMerged           = "entity_merged"
	EventEntityDeleted          = "entity_deleted"
	EventEntityRestored         = "entity_restored"
	EventSchemaPromoted         = "schema_promoted"
)

// SourceEntityEdge is an audit edge tying a source to an entity it touched.
type SourceEntityEdge struct {
	SourceID         string    `json:"source_id"`
	EntityID         string    `json:"entity_id"`
	UserID           string    `json:"user_id"`
	EdgeType         string    `json:"edge_type"`
	InterpretationID string    `json:"interpretation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SourceEventEdge is an audit edge tying a source to a timeline event.
type SourceEventEdge struct {
	SourceID         string    `json:"source_id"`
	EventID          string    `json:"event_id"`
	UserID           string    `json:"user_id"`
	EdgeType         string    `json:"edge_type"`
	InterpretationID string    `json:"interpretation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Edge types for source audit edges.
const (
	EdgeObserved  = "observed"
	EdgeCorrected = "corrected"
	EdgeEmitted   = "emitted"
)

// EntityMerge is the audit row a merge writes. Merges are atomic: the
// observation rewrite, the redirect mark, and this row commit together.
type EntityMerge struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	FromEntityID      string    `json:"from_entity_id"`
	ToEntityID        string    `json:"to_entity_id"`
	ObservationsMoved int       `json:"observations_moved"`
	MergedAt          time.Time `json:"merged_at"`
}

// Candidate is one extractor-produced entity proposal: what the
// interpretation engine consumes. The engine itself never extracts.
type Candidate struct {
	EntityType     string                  `json:"entity_type"`
	ExternalID     string                  `json:"external_id,omitempty"`
	Fields         map[string]any          `json:"fields"`
	Relationships  []RelationshipCandidate `json:"relationships,omitempty"`
	SourcePriority int                     `json:"source_priority,omitempty"`
	ObservedAt     *time.Time              `json:"observed_at,omitempty"`
}

// Validate checks the candidate is structurally usable. Field-level problems
// are downstream warnings, not rejections; this only rejects shapes the
// engine cannot process at all.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.EntityType) == "" {
		return fmt.Errorf("candidate entity_type is required")
	}
	if len(c.Fields) == 0 && c.ExternalID == "" {
		return fmt.Errorf("candidate for %q carries no fields and no external_id", c.EntityType)
	}
	if c.SourcePriority != 0 && !ValidPriority(c.SourcePriority) {
		return fmt.Errorf("candidate source_priority %d is not on the priority ladder", c.SourcePriority)
	}
	for i := range c.Relationships {
		if err := c.Relationships[i].Validate(); err != nil {
			return fmt.Errorf("relationship %d: %w", i, err)
		}
	}
	return nil
}

// RelationshipCandidate proposes an edge from the enclosing candidate's
// entity to a target entity, which is resolved (or minted) by the same rules.
type RelationshipCandidate struct {
	RelationshipType string         `json:"relationship_type"`
	TargetEntityType string         `json:"target_entity_type"`
	TargetExternalID string         `json:"target_external_id,omitempty"`
	TargetFields     map[string]any `json:"target_fields,omitempty"`
	Fields           map[string]any `json:"fields,omitempty"`
}

// Validate checks the relationship candidate names a type and a resolvable target.
func (rc *RelationshipCandidate) Validate() error {
	if strings.TrimSpace(rc.RelationshipType) == "" {
		return fmt.Errorf("relationship_type is required")
	}
	if strings.TrimSpace(rc.TargetEntityType) == "" {
		return fmt.Errorf("target_entity_type is required")
	}
	if rc.TargetExternalID == "" && len(rc.TargetFields) == 0 {
		return fmt.Errorf("relationship target needs target_external_id or target_fields")
	}
	return nil
}

// SortedFieldNames returns the keys of a field map in ascending order.
// Deterministic iteration for hashing and canonical encoding.
func SortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
