package metric

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema used to validate extraction outputs
// beyond the required-key check.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema parses and compiles a JSON Schema document. A malformed
// schema is a configuration error and fails here, before any sample runs.
func CompileSchema(schemaJSON string) (*Schema, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling JSON schema: %w", err)
	}

	return &Schema{compiled: sch}, nil
}

// Validity scores 1 when the actual text parses as JSON conforming to the
// schema, else 0. Parse and validation failures score 0, not an error.
func (s *Schema) Validity(actual string) Value {
	var doc interface{}
	if err := json.Unmarshal([]byte(actual), &doc); err != nil {
		return Defined(0)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return Defined(0)
	}
	return Defined(1)
}
