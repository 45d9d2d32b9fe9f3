package workflow

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// documentSchema is the structural contract for workflow files, checked
// before the semantic validation in Parse. Shape errors surface here with
// JSON-pointer locations instead of as scattered decode failures.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "jobs"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "on": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "events": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "inputs": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "type": {"enum": ["string", "boolean", "choice"]},
              "required": {"type": "boolean"},
              "default": {"type": "string"},
              "options": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "secrets": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "jobs": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["uses"],
        "additionalProperties": false,
        "properties": {
          "uses": {"type": "string", "minLength": 1},
          "needs": {"type": "array", "items": {"type": "string"}},
          "if": {"type": "string"},
          "with": {"type": "object"},
          "secrets": {"type": "array", "items": {"type": "string"}},
          "timeout": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("workflow.schema.json", documentSchema)

func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse workflow yaml: %w", err)
	}
	if err := compiledSchema.Validate(toJSONValue(doc)); err != nil {
		return fmt.Errorf("workflow schema: %w", err)
	}
	return nil
}

// toJSONValue rewrites yaml.v3 output into the JSON-compatible value shapes
// the schema validator expects.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toJSONValue(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
