package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeDefinition parses a workflow definition from JSON or YAML bytes.
// YAML documents are normalised to JSON first so step configs keep their
// raw JSON form.
func DecodeDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeInvalidDefinition, "empty workflow definition")
	}

	if trimmed[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewErrorf(ErrCodeInvalidDefinition, "parse yaml definition: %s", err.Error()).WithCause(err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeInvalidDefinition, "normalise yaml definition: %s", err.Error()).WithCause(err)
		}
		trimmed = b
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(trimmed, &def); err != nil {
		return nil, NewError(ErrCodeInvalidDefinition, fmt.Sprintf("parse definition: %s", err.Error())).WithCause(err)
	}
	return &def, nil
}
