package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/advisor/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const workflowSchemaURL = "https://advisor.local/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://advisor.local/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "service_type": { "type": "string" },
    "category": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "order": { "type": "integer", "minimum": 0 },
        "kind": {
          "type": "string",
          "enum": ["llm", "conditional", "transform", "user_input", "api_call"]
        },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "config": { "type": "object" },
        "active": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of workflow definitions.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateDefinition validates def against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "failed to serialize workflow definition").WithCause(err)
	}
	return v.validateDocument(doc)
}

// ValidateDocument validates raw JSON bytes against the workflow schema.
// Unknown fields are reported here, before decoding drops them.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "parse definition: %s", err.Error()).WithCause(err)
	}
	return v.validateDocument(doc)
}

func (v *JSONSchemaValidator) validateDocument(doc any) error {
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toAdvisorError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// Violation is one schema failure at an instance location.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func toAdvisorError(err error) *schema.AdvisorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidDefinition, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeInvalidDefinition, verr.Error())
	}
	msg := violations[0].Path + ": " + violations[0].Message
	if len(violations) > 1 {
		msg = fmt.Sprintf("definition failed schema validation with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeInvalidDefinition, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the error tree and keeps the leaves.
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{Path: pointer(verr.InstanceLocation), Message: verr.Error()}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// pointer renders an instance location as a JSON pointer.
func pointer(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}
