package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Defaults applied to LLM steps that omit sampling parameters.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// StepConfig is one variant of the step config union. Exactly one concrete
// type exists per StepKind.
type StepConfig interface {
	Kind() StepKind
	Validate() error
}

// LLMConfig is the config for llm steps.
type LLMConfig struct {
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	InputVariables []string `json:"input_variables,omitempty"`
}

func (c *LLMConfig) Kind() StepKind { return StepKindLLM }

func (c *LLMConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Model) == "" {
		missing = append(missing, "model")
	}
	if strings.TrimSpace(c.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return NewErrorf(ErrCodeMissingLLMConfig,
			"LLM step missing %s configuration", strings.Join(missing, " and ")).
			WithDetails(map[string]any{"missing": missing})
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return NewError(ErrCodeInvalidConfig, "max_tokens must be positive")
	}
	return nil
}

// EffectiveTemperature returns the configured temperature or the default.
func (c *LLMConfig) EffectiveTemperature() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// EffectiveMaxTokens returns the configured token limit or the default.
func (c *LLMConfig) EffectiveMaxTokens() int {
	if c.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *c.MaxTokens
}

// Expression languages accepted by conditional and transform steps.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"
)

// ConditionalConfig is the config for conditional steps.
type ConditionalConfig struct {
	Condition   string `json:"condition"`
	Language    string `json:"language,omitempty"` // expr (default) | cel
	TrueBranch  string `json:"true_branch,omitempty"`
	FalseBranch string `json:"false_branch,omitempty"`
}

func (c *ConditionalConfig) Kind() StepKind { return StepKindConditional }

func (c *ConditionalConfig) Validate() error {
	if strings.TrimSpace(c.Condition) == "" {
		return NewError(ErrCodeMissingCondition, "conditional step missing condition")
	}
	switch c.Language {
	case "", LanguageExpr, LanguageCEL:
		return nil
	default:
		return NewErrorf(ErrCodeInvalidConfig, "unsupported condition language %q", c.Language)
	}
}

// Built-in transform types.
const (
	TransformExtract   = "extract"
	TransformFormat    = "format"
	TransformAggregate = "aggregate"
)

// TransformConfig is the config for transform steps. Either Code or
// TransformType must be set; Code wins when both are present.
type TransformConfig struct {
	Code          string         `json:"code,omitempty"`
	Language      string         `json:"language,omitempty"` // expr (default) | jq
	TransformType string         `json:"transform_type,omitempty"`
	Fields        []string       `json:"fields,omitempty"`
	Template      map[string]any `json:"template,omitempty"`
}

func (c *TransformConfig) Kind() StepKind { return StepKindTransform }

func (c *TransformConfig) Validate() error {
	if strings.TrimSpace(c.Code) == "" && c.TransformType == "" {
		return NewError(ErrCodeMissingTransformConfig, "transform step requires code or transform_type")
	}
	switch c.Language {
	case "", LanguageExpr, LanguageJQ:
	default:
		return NewErrorf(ErrCodeInvalidConfig, "unsupported transform language %q", c.Language)
	}
	if c.Code != "" {
		return nil
	}
	switch c.TransformType {
	case TransformExtract, TransformFormat, TransformAggregate:
		return nil
	default:
		return NewErrorf(ErrCodeInvalidConfig, "unknown transform_type %q", c.TransformType)
	}
}

// InputField declares one field a user_input step requires. It decodes from
// either a bare string or an object with a name.
type InputField struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

func (f *InputField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &f.Name)
	}
	type plain InputField
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = InputField(p)
	return nil
}

// UserInputConfig is the config for user_input steps.
type UserInputConfig struct {
	Fields []InputField `json:"fields"`
}

func (c *UserInputConfig) Kind() StepKind { return StepKindUserInput }

func (c *UserInputConfig) Validate() error {
	for i, f := range c.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return NewErrorf(ErrCodeInvalidConfig, "fields[%d] has no name", i)
		}
	}
	return nil
}

// Response formats accepted by api_call steps.
const (
	ResponseFormatJSON = "json"
	ResponseFormatText = "text"
)

// APICallConfig is the config for api_call steps.
type APICallConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	ResponseFormat string            `json:"response_format,omitempty"`
	Timeout        string            `json:"timeout,omitempty"`
}

func (c *APICallConfig) Kind() StepKind { return StepKindAPICall }

func (c *APICallConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return NewError(ErrCodeMissingURL, "api_call step missing url")
	}
	switch c.ResponseFormat {
	case "", ResponseFormatJSON, ResponseFormatText:
		return nil
	default:
		return NewErrorf(ErrCodeInvalidConfig, "unsupported response_format %q", c.ResponseFormat)
	}
}

// EffectiveMethod returns the upper-cased method, GET when unset.
func (c *APICallConfig) EffectiveMethod() string {
	if c.Method == "" {
		return "GET"
	}
	return strings.ToUpper(c.Method)
}

// DecodeStepConfig decodes raw config into the variant matching kind and
// validates it. This is the single point where step config is interpreted.
func DecodeStepConfig(kind StepKind, raw json.RawMessage) (StepConfig, error) {
	var cfg StepConfig
	switch kind {
	case StepKindLLM:
		cfg = &LLMConfig{}
	case StepKindConditional:
		cfg = &ConditionalConfig{}
	case StepKindTransform:
		cfg = &TransformConfig{}
	case StepKindUserInput:
		cfg = &UserInputConfig{}
	case StepKindAPICall:
		cfg = &APICallConfig{}
	default:
		return nil, NewErrorf(ErrCodeUnknownStepKind, "unknown step kind %q", kind).
			WithDetails(map[string]any{"kind": string(kind), "known": StepKinds})
	}

	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, NewError(ErrCodeInvalidConfig, fmt.Sprintf("malformed %s config: %s", kind, err.Error())).
			WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
