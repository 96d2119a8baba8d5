package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/types"
)

// ExportJSONSchema renders a registered definition as a draft-07 JSON Schema
// document. Observations only carry declared fields, so additionalProperties
// is false; the reserved deletion marker stays internal and is not exported.
func ExportJSONSchema(def *types.SchemaDefinition) ([]byte, error) {
	if def == nil {
		return nil, neoerr.Invalid("schema definition is required")
	}
	root := &jsonschema.Schema{
		Schema:               "http://json-schema.org/draft-07/schema#",
		Title:                def.EntityType,
		Description:          fmt.Sprintf("Neotoma entity type %s, schema version %s", def.EntityType, def.Version),
		Type:                 "object",
		Properties:           make(map[string]*jsonschema.Schema, len(def.Fields)),
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}

	var order []string
	for _, f := range def.Fields {
		root.Properties[f.Name] = propertySchema(f)
		order = append(order, f.Name)
	}
	root.PropertyOrder = order
	root.Required = def.RequiredFields()

	extra := make(map[string]any)
	if len(def.MergePolicies) > 0 {
		extra["x-merge-policies"] = def.MergePolicies
	}
	extra["x-resolution-key"] = def.ResolutionKey
	if def.CanonicalName != nil {
		extra["x-canonical-name"] = def.CanonicalName
	}
	root.Extra = extra

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "encode json schema for %s", def.EntityType)
	}
	return data, nil
}

func propertySchema(f types.FieldDef) *jsonschema.Schema {
	var s *jsonschema.Schema
	switch f.Type {
	case types.TypeString:
		s = &jsonschema.Schema{Type: "string"}
		if f.Validation != "" {
			s.Pattern = f.Validation
		}
	case types.TypeNumber:
		s = &jsonschema.Schema{Type: "number"}
	case types.TypeBoolean:
		s = &jsonschema.Schema{Type: "boolean"}
	case types.TypeDate:
		s = &jsonschema.Schema{Type: "string", Format: "date"}
	case types.TypeTimestamp:
		s = &jsonschema.Schema{Type: "string", Format: "date-time"}
	case types.TypeUUID:
		s = &jsonschema.Schema{Type: "string", Format: "uuid"}
	case types.TypeEmail:
		s = &jsonschema.Schema{Type: "string", Format: "email"}
	case types.TypeSet:
		s = &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{}}
	default:
		// json and anything future-unknown export as unconstrained.
		s = &jsonschema.Schema{}
	}
	return s
}
