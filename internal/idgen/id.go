// Package idgen mints prefixed identifiers for every persisted record kind.
// Prefixes make ids self-describing in logs and wire payloads.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// ID prefixes, one per record kind.
const (
	PrefixSource         = "src"
	PrefixInterpretation = "run"
	PrefixEntity         = "ent"
	PrefixObservation    = "obs"
	PrefixRelationship   = "rel"
	PrefixEvent          = "evt"
	PrefixMerge          = "mrg"
)

// EncodeBase36 renders data as exactly length base36 digits (0-9, a-z),
// zero-padded on the left and keeping the least significant digits when the
// value needs more room.
func EncodeBase36(data []byte, length int) string {
	s := new(big.Int).SetBytes(data).Text(36)
	if len(s) > length {
		return s[len(s)-length:]
	}
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	return s
}

// randomBase36 returns 19 base36 chars of crypto randomness (96 bits).
func randomBase36() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic("idgen: rand.Read: " + err.Error())
	}
	return EncodeBase36(buf[:], 19)
}

// NewSourceID mints a source id. Sources and interpretation runs use UUIDs
// since they surface in external provenance records.
func NewSourceID() string { return PrefixSource + "_" + uuid.NewString() }

// NewInterpretationID mints an interpretation run id.
func NewInterpretationID() string { return PrefixInterpretation + "_" + uuid.NewString() }

// NewEntityID mints an entity id.
func NewEntityID() string { return PrefixEntity + "_" + randomBase36() }

// NewObservationID mints an observation id.
func NewObservationID() string { return PrefixObservation + "_" + randomBase36() }

// NewRelationshipObservationID mints a relationship observation id.
func NewRelationshipObservationID() string { return PrefixRelationship + "_" + randomBase36() }

// NewEventID mints a timeline event id.
func NewEventID() string { return PrefixEvent + "_" + randomBase36() }

// NewMergeID mints an entity merge audit id.
func NewMergeID() string { return PrefixMerge + "_" + randomBase36() }

// Prefix returns the kind prefix of an id, or "" if the id has none.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// HasPrefix reports whether id carries the given kind prefix.
func HasPrefix(id, prefix string) bool { return Prefix(id) == prefix }
