package validation

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/rendis/advisor/pkg/schema"
)

// DefinitionValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (unique ids, registered kinds, decodable step configs)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	kinds      KindLookup
}

var _ Validator = (*DefinitionValidator)(nil)

// NewDefinitionValidator creates a DefinitionValidator.
// kinds may be nil to skip handler registration checks.
func NewDefinitionValidator(kinds KindLookup) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, kinds: kinds}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeInvalidDefinition, "workflow definition is nil")
		return r
	}

	result := structural(v.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, v.kinds))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError(schema.ErrCodeInvalidDefinition)
}

// ParseDefinition decodes a JSON or YAML document and validates it. The raw
// document is checked against the schema first so unknown fields are caught.
func (v *DefinitionValidator) ParseDefinition(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	def, err := schema.DecodeDefinition(data)
	if err != nil {
		return nil, nil, err
	}
	normalized, err := documentJSON(data)
	if err != nil {
		return nil, nil, err
	}
	result := structural(v.jsonSchema.ValidateDocument(normalized))
	if result.Valid() {
		result.Merge(validateSemantic(def, v.kinds))
	}
	return def, result, nil
}

// structural turns a schema failure into a ValidationResult with one issue
// per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	ae := schema.AsAdvisorError(err, schema.ErrCodeInvalidDefinition)
	if violations, ok := ae.Details["violations"].([]Violation); ok {
		for _, vi := range violations {
			result.AddError(vi.Path, schema.ErrCodeInvalidDefinition, vi.Message)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeInvalidDefinition, ae.Message)
	return result
}

// documentJSON returns data as JSON, converting YAML documents.
func documentJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "parse yaml definition: %s", err.Error()).WithCause(err)
	}
	return json.Marshal(doc)
}
