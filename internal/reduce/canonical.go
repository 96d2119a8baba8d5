package reduce

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/neotoma-io/neotoma/internal/types"
)

// diacriticStripper decomposes to NFD, drops combining marks, and recomposes.
var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var defaultCanonOps = []string{
	types.CanonOpLowercase,
	types.CanonOpStripDiacritics,
	types.CanonOpCollapseWhitespace,
	types.CanonOpTrim,
}

// CanonicalName derives the display-independent name for an entity from its
// reduced fields. The schema nominates the source field and the operations;
// without a rule the name falls back through "name", "title", then the first
// resolution key field, with all operations applied.
func CanonicalName(def *types.SchemaDefinition, fields map[string]any) string {
	var sourceField string
	ops := defaultCanonOps
	if def.CanonicalName != nil {
		sourceField = def.CanonicalName.Field
		if def.CanonicalName.Ops != nil {
			ops = def.CanonicalName.Ops
		}
	}

	value, ok := lookupNameValue(def, fields, sourceField)
	if !ok {
		return ""
	}
	return ApplyCanonOps(value, ops)
}

func lookupNameValue(def *types.SchemaDefinition, fields map[string]any, nominated string) (string, bool) {
	candidates := []string{nominated, "name", "title"}
	candidates = append(candidates, def.ResolutionKey.Fields...)
	for _, field := range candidates {
		if field == "" {
			continue
		}
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s, true
		}
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

// ApplyCanonOps runs the named operations over s in order. Unknown operations
// never reach here; schema registration rejects them.
func ApplyCanonOps(s string, ops []string) string {
	for _, op := range ops {
		switch op {
		case types.CanonOpLowercase:
			s = strings.ToLower(s)
		case types.CanonOpStripDiacritics:
			if out, _, err := transform.String(diacriticStripper, s); err == nil {
				s = out
			}
		case types.CanonOpCollapseWhitespace:
			s = strings.Join(strings.Fields(s), " ")
		case types.CanonOpTrim:
			s = strings.TrimSpace(s)
		}
	}
	return s
}
