package schema

import (
	"fmt"
	"regexp"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Partition is the result of splitting candidate fields against a schema
// definition. Known fields go into the observation; unknown fields are
// preserved in extraction metadata. Warnings never reject a candidate.
type Partition struct {
	Known    map[string]any
	Unknown  map[string]any
	Warnings []string
}

// PartitionFields splits fields into schema-known and unknown per def. The
// reserved deletion marker is always known. Required fields that are absent,
// and values that fail the declared type or validation pattern, produce
// warnings; the values are kept as observed so corrections stay possible.
func PartitionFields(def *types.SchemaDefinition, fields map[string]any) Partition {
	p := Partition{
		Known:   make(map[string]any, len(fields)),
		Unknown: make(map[string]any),
	}
	for _, name := range types.SortedFieldNames(fields) {
		value := fields[name]
		if name == types.FieldDeleted {
			p.Known[name] = value
			continue
		}
		fd, ok := def.FieldByName(name)
		if !ok {
			p.Unknown[name] = value
			continue
		}
		if w := checkValue(fd, value); w != "" {
			p.Warnings = append(p.Warnings, w)
		}
		p.Known[name] = value
	}
	for _, name := range def.RequiredFields() {
		if _, ok := fields[name]; !ok {
			p.Warnings = append(p.Warnings, fmt.Sprintf("required field %q missing", name))
		}
	}
	return p
}

// CheckField validates a single field assignment against def. Unlike
// PartitionFields it rejects: direct assertions such as corrections have no
// lossy-extraction excuse, so an undeclared name is a schema violation and a
// non-conforming value is invalid input.
func CheckField(def *types.SchemaDefinition, name string, value any) error {
	if name == types.FieldDeleted {
		if _, ok := value.(bool); !ok {
			return neoerr.Invalid("%s takes a boolean, got %T", types.FieldDeleted, value)
		}
		return nil
	}
	fd, ok := def.FieldByName(name)
	if !ok {
		return neoerr.Schema("field %q is not declared by %s@%s", name, def.EntityType, def.Version)
	}
	if w := checkValue(fd, value); w != "" {
		return neoerr.Invalid("%s", w)
	}
	return nil
}

// checkValue returns a warning when value does not conform to the declared
// field type or validation pattern, and "" when it does. Nil values always
// pass; a nil is an explicit clear, not a type error.
func checkValue(fd types.FieldDef, value any) string {
	if value == nil {
		return ""
	}
	switch fd.Type {
	case types.TypeString:
		s, ok := value.(string)
		if !ok {
			return typeWarning(fd, value)
		}
		if fd.Validation != "" {
			re, err := regexp.Compile(fd.Validation)
			if err == nil && !re.MatchString(s) {
				return fmt.Sprintf("field %q: value does not match validation pattern %q", fd.Name, fd.Validation)
			}
		}
	case types.TypeNumber:
		switch v := value.(type) {
		case float64, float32, int, int64, int32:
		case string:
			if !numberRe.MatchString(v) {
				return typeWarning(fd, value)
			}
		default:
			return typeWarning(fd, value)
		}
	case types.TypeBoolean:
		switch v := value.(type) {
		case bool:
		case string:
			if v != "true" && v != "false" {
				return typeWarning(fd, value)
			}
		default:
			return typeWarning(fd, value)
		}
	case types.TypeDate:
		s, ok := value.(string)
		if !ok || !dateRe.MatchString(s) {
			return typeWarning(fd, value)
		}
	case types.TypeTimestamp:
		s, ok := value.(string)
		if !ok || !timestampRe.MatchString(s) {
			return typeWarning(fd, value)
		}
	case types.TypeUUID:
		s, ok := value.(string)
		if !ok || !uuidRe.MatchString(s) {
			return typeWarning(fd, value)
		}
	case types.TypeEmail:
		s, ok := value.(string)
		if !ok || !emailRe.MatchString(s) {
			return typeWarning(fd, value)
		}
	case types.TypeSet:
		switch value.(type) {
		case []any, []string:
		default:
			return typeWarning(fd, value)
		}
	case types.TypeJSON:
		// Anything JSON-encodable passes.
	}
	return ""
}

func typeWarning(fd types.FieldDef, value any) string {
	return fmt.Sprintf("field %q: value %v is not a valid %s", fd.Name, value, fd.Type)
}
