package adapter

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// convertJSONSchemaToGenai converts JSON Schema to Gemini genai.Schema
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	genaiSchema := &genai.Schema{}

	typ := schema.Type
	if typ == "" && len(schema.Types) > 0 {
		// ["integer", "null"] style: the first non-null type wins
		for _, t := range schema.Types {
			if t == "null" {
				nullable := true
				genaiSchema.Nullable = &nullable
				continue
			}
			if typ == "" {
				typ = t
			}
		}
	}

	switch typ {
	case "object":
		genaiSchema.Type = genai.TypeObject
	case "string":
		genaiSchema.Type = genai.TypeString
	case "integer":
		genaiSchema.Type = genai.TypeInteger
	case "number":
		genaiSchema.Type = genai.TypeNumber
	case "boolean":
		genaiSchema.Type = genai.TypeBoolean
	case "array":
		genaiSchema.Type = genai.TypeArray
	default:
		if typ != "" {
			return nil, goerr.New("unsupported schema type", goerr.V("type", typ))
		}
	}

	if schema.Description != "" {
		genaiSchema.Description = schema.Description
	}

	if len(schema.Enum) > 0 {
		genaiSchema.Enum = make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			if s, ok := v.(string); ok {
				genaiSchema.Enum = append(genaiSchema.Enum, s)
			}
		}
	}

	if len(schema.Properties) > 0 {
		genaiSchema.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, propSchema := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(propSchema)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema",
					goerr.V("property", name))
			}
			genaiSchema.Properties[name] = converted
		}
	}

	if len(schema.Required) > 0 {
		genaiSchema.Required = schema.Required
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		genaiSchema.Items = converted
	}

	return genaiSchema, nil
}
