package reduce

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neotoma-io/neotoma/internal/types"
)

// NormalizeValue converts an observed value to its canonical form for the
// declared field type. Canonical forms are what snapshots store, so equal
// inputs always serialize to equal bytes. Values that cannot be normalized
// are returned as observed; ingestion already recorded the warning and the
// reducer never fails over data shape.
func NormalizeValue(fd types.FieldDef, value any) any {
	if value == nil {
		return nil
	}
	switch fd.Type {
	case types.TypeNumber:
		d, ok := toDecimal(value)
		if !ok {
			return value
		}
		return json.Number(canonicalDecimal(d, fd.Precision))
	case types.TypeTimestamp:
		t, ok := parseTimestamp(value)
		if !ok {
			return value
		}
		return t.UTC().Format(time.RFC3339Nano)
	case types.TypeDate:
		s, ok := value.(string)
		if !ok {
			return value
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return value
		}
		return t.Format("2006-01-02")
	case types.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			if v == "true" {
				return true
			}
			if v == "false" {
				return false
			}
		}
		return value
	case types.TypeUUID:
		if s, ok := value.(string); ok {
			return strings.ToLower(s)
		}
		return value
	case types.TypeSet:
		return normalizeSet(value)
	}
	return value
}

// toDecimal accepts the value shapes JSON decoding and Go callers produce.
func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt32(v), true
	}
	return decimal.Decimal{}, false
}

// canonicalDecimal renders d with exactly precision decimal places, or with
// trailing zeros trimmed when no precision is declared.
func canonicalDecimal(d decimal.Decimal, precision int) string {
	if precision > 0 {
		return d.Round(int32(precision)).StringFixed(int32(precision))
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}

func parseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// normalizeSet returns the unique elements of a set value sorted by their
// canonical JSON encoding. Element values are preserved; only order and
// duplicates change.
func normalizeSet(value any) any {
	var elems []any
	switch v := value.(type) {
	case []any:
		elems = v
	case []string:
		for _, s := range v {
			elems = append(elems, s)
		}
	default:
		return value
	}
	type keyed struct {
		key  string
		elem any
	}
	seen := make(map[string]bool, len(elems))
	uniq := make([]keyed, 0, len(elems))
	for _, e := range elems {
		k := encodeForOrder(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		uniq = append(uniq, keyed{k, e})
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].key < uniq[j].key })
	out := make([]any, len(uniq))
	for i, u := range uniq {
		out[i] = u.elem
	}
	return out
}

func encodeForOrder(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// compareValues orders two normalized values of the same declared type for
// max/min policies. Numbers compare numerically; dates, timestamps, and
// strings compare lexicographically, which matches chronology for the
// canonical date and timestamp encodings.
func compareValues(fd types.FieldDef, a, b any) int {
	if fd.Type == types.TypeNumber {
		da, aok := toDecimal(a)
		db, bok := toDecimal(b)
		if aok && bok {
			return da.Cmp(db)
		}
	}
	if fd.Type == types.TypeTimestamp {
		ta, aok := parseTimestamp(a)
		tb, bok := parseTimestamp(b)
		if aok && bok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(encodeForOrder(a), encodeForOrder(b))
}
