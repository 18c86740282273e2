package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keel-sh/keel/internal/apperrors"
)

// manifestSchema is the structural JSON Schema for manifest v0.1.
// Field-level semantics (capability shapes, semver) stay out of the
// schema; those are handled with warnings in Validate.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "name", "version", "entry", "sandbox"],
  "properties": {
    "schema_version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "entry": {"type": "string", "minLength": 1},
    "sandbox": {"enum": ["wasm", "native"]},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "oauth_scopes": {"type": "array", "items": {"type": "string"}},
    "resources": {
      "type": "object",
      "properties": {
        "cpu": {"type": "string"},
        "mem": {"type": "string"}
      }
    },
    "ui": {
      "type": "object",
      "properties": {
        "hints": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("manifest-v0.1.json", manifestSchema)

// validateSchema checks the manifest's structure against the embedded
// JSON Schema. The manifest is round-tripped through JSON so the
// validator sees plain decoded values.
func validateSchema(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for schema validation: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode manifest for schema validation: %w", err)
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return apperrors.NewValidationError(m.Name, err.Error())
	}
	return nil
}
