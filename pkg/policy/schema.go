package policy

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// graphSchema is the JSON Schema every policy document must satisfy
// before structural validation. It catches shape errors early with
// editor-friendly messages.
const graphSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "entry", "nodes", "edges"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "entry": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind", "config"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["condition", "operator", "action"]},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "label"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "label": {"enum": ["true-branch", "false-branch", "next"]}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("policy-graph.json", graphSchema)

func validateSchema(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidGraph, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema violation: %v", ErrInvalidGraph, err)
	}
	return nil
}
