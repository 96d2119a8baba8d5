package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FieldType is the declared type of a schema field. The closed set below is
// what validation and canonical encoding understand.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"      // YYYY-MM-DD
	TypeTimestamp FieldType = "timestamp" // RFC3339, normalized to UTC
	TypeUUID      FieldType = "uuid"
	TypeEmail     FieldType = "email"
	TypeSet       FieldType = "set"  // unordered collection, array-encoded sorted
	TypeJSON      FieldType = "json" // opaque structured value
)

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeTimestamp, TypeUUID, TypeEmail, TypeSet, TypeJSON:
		return true
	}
	return false
}

// MergePolicy decides how the reducer combines competing values for a field.
type MergePolicy string

const (
	// MergeLastWriterWins keeps the value from the highest-ranked observation.
	// The default when a schema names no policy for a field.
	MergeLastWriterWins MergePolicy = "last_writer_wins"
	// MergeMax keeps the maximum comparable value across observations.
	MergeMax MergePolicy = "max"
	// MergeMin keeps the minimum comparable value across observations.
	MergeMin MergePolicy = "min"
	// MergeUnion accumulates set members across observations.
	MergeUnion MergePolicy = "union"
	// MergeConcatDistinct accumulates list elements in rank order, dropping
	// duplicates.
	MergeConcatDistinct MergePolicy = "concat_distinct"
)

// IsValid reports whether p is a known merge policy.
func (p MergePolicy) IsValid() bool {
	switch p {
	case MergeLastWriterWins, MergeMax, MergeMin, MergeUnion, MergeConcatDistinct:
		return true
	}
	return false
}

// Canonicalization operations for canonical-name computation.
const (
	CanonOpLowercase          = "lowercase"
	CanonOpStripDiacritics    = "strip_diacritics"
	CanonOpCollapseWhitespace = "collapse_whitespace"
	CanonOpTrim               = "trim"
)

// ValidCanonOp reports whether op is a known canonicalization operation.
// Unknown operations are rejected at schema registration, never skipped.
func ValidCanonOp(op string) bool {
	switch op {
	case CanonOpLowercase, CanonOpStripDiacritics, CanonOpCollapseWhitespace, CanonOpTrim:
		return true
	}
	return false
}

// CanonicalNameRule nominates the field a snapshot's canonical name derives
// from and the ordered operations applied to it.
type CanonicalNameRule struct {
	Field string   `json:"field" yaml:"field"`
	Ops   []string `json:"ops,omitempty" yaml:"ops,omitempty"`
}

// ResolutionKeyKind selects how the resolver derives an entity's resolution key.
type ResolutionKeyKind string

const (
	// ResolveNatural keys on schema-nominated natural-key fields.
	ResolveNatural ResolutionKeyKind = "natural"
	// ResolveContentHash keys on a hash over all canonicalized candidate fields.
	ResolveContentHash ResolutionKeyKind = "content_hash"
	// ResolveIdentity mints a fresh entity per candidate, no matching.
	ResolveIdentity ResolutionKeyKind = "identity"
)

// IsValid reports whether k is a known resolution kind.
func (k ResolutionKeyKind) IsValid() bool {
	switch k {
	case ResolveNatural, ResolveContentHash, ResolveIdentity:
		return true
	}
	return false
}

// ResolutionKeySpec is a schema's entity-resolution strategy.
type ResolutionKeySpec struct {
	Kind   ResolutionKeyKind `json:"kind" yaml:"kind"`
	Fields []string          `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// FieldDef declares one schema field.
type FieldDef struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	// Validation is an optional anchored regular expression applied to the
	// string form of the value. Failures are warnings, not rejections.
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`
	// Precision is the decimal places number values are normalized to.
	// Zero means no declared precision (trailing zeros trimmed).
	Precision int `json:"precision,omitempty" yaml:"precision,omitempty"`
}

// SchemaDefinition is one registered version of one entity type. Definitions
// are immutable once written; evolution registers a new minor version.
// UserID is SharedTenant for globally visible definitions.
type SchemaDefinition struct {
	EntityType      string                 `json:"entity_type" yaml:"entity_type"`
	Version         string                 `json:"version" yaml:"version"`
	UserID          string                 `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Fields          []FieldDef             `json:"fields" yaml:"fields"`
	MergePolicies   map[string]MergePolicy `json:"merge_policies,omitempty" yaml:"merge_policies,omitempty"`
	CanonicalName   *CanonicalNameRule     `json:"canonical_name,omitempty" yaml:"canonical_name,omitempty"`
	ExtractionRules map[string]string      `json:"extraction_rules,omitempty" yaml:"extraction_rules,omitempty"`
	ResolutionKey   ResolutionKeySpec      `json:"resolution_key" yaml:"resolution_key"`
	CreatedAt       time.Time              `json:"created_at,omitempty" yaml:"-"`
}

// FieldByName returns the definition for name, if declared.
func (s *SchemaDefinition) FieldByName(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// KnownField reports whether name is declared by this version. The reserved
// deletion field is always known.
func (s *SchemaDefinition) KnownField(name string) bool {
	if name == FieldDeleted {
		return true
	}
	_, ok := s.FieldByName(name)
	return ok
}

// Policy returns the merge policy for a field, defaulting to last-writer-wins.
func (s *SchemaDefinition) Policy(field string) MergePolicy {
	if p, ok := s.MergePolicies[field]; ok {
		return p
	}
	return MergeLastWriterWins
}

// RequiredFields returns the names of fields marked required.
func (s *SchemaDefinition) RequiredFields() []string {
	var req []string
	for _, f := range s.Fields {
		if f.Required {
			req = append(req, f.Name)
		}
	}
	return req
}

var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// ParseVersion splits a MAJOR.MINOR schema version string.
func ParseVersion(v string) (major, minor int, err error) {
	m := versionRe.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid schema version %q: want MAJOR.MINOR", v)
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, nil
}

// CompareVersions orders two MAJOR.MINOR version strings. Returns -1, 0, or 1.
// Malformed versions sort before well-formed ones.
func CompareVersions(a, b string) int {
	am, an, aerr := ParseVersion(a)
	bm, bn, berr := ParseVersion(b)
	if aerr != nil || berr != nil {
		switch {
		case aerr != nil && berr != nil:
			return strings.Compare(a, b)
		case aerr != nil:
			return -1
		default:
			return 1
		}
	}
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if an != bn {
		if an < bn {
			return -1
		}
		return 1
	}
	return 0
}

// BumpMinor returns the next minor version string, e.g. "1.0" to "1.1".
func BumpMinor(v string) (string, error) {
	major, minor, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", major, minor+1), nil
}

// SchemaCandidate tracks one unknown field observed in extraction metadata,
// counted toward promotion into the schema. A field is promotable once it has
// been seen at least 3 times across at least 2 distinct sources.
//
// InferredType is derived from Samples by the schema engine; the store leaves
// it empty.
type SchemaCandidate struct {
	UserID          string    `json:"user_id,omitempty"`
	EntityType      string    `json:"entity_type"`
	FieldName       string    `json:"field_name"`
	InferredType    FieldType `json:"inferred_type,omitempty"`
	Occurrences     int       `json:"occurrences"`
	DistinctSources int       `json:"distinct_sources"`
	Samples         []string  `json:"samples,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Promotion thresholds for schema candidates.
const (
	CandidateMinOccurrences     = 3
	CandidateMinDistinctSources = 2
)

// Promotable reports whether the candidate clears both promotion thresholds.
func (c *SchemaCandidate) Promotable() bool {
	return c.Occurrences >= CandidateMinOccurrences && c.DistinctSources >= CandidateMinDistinctSources
}
