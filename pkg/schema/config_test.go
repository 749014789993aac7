package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCode(t *testing.T, err error, code string) *AdvisorError {
	t.Helper()
	require.Error(t, err)
	var ae *AdvisorError
	require.True(t, errors.As(err, &ae), "expected *AdvisorError, got %T", err)
	assert.Equal(t, code, ae.Code)
	return ae
}

func TestDecodeStepConfig_UnknownKind(t *testing.T) {
	_, err := DecodeStepConfig("webhook", nil)
	requireCode(t, err, ErrCodeUnknownStepKind)
}

func TestDecodeStepConfig_LLM(t *testing.T) {
	cfg, err := DecodeStepConfig(StepKindLLM, json.RawMessage(`{"model":"m","prompt":"hi"}`))
	require.NoError(t, err)

	llm, ok := cfg.(*LLMConfig)
	require.True(t, ok)
	assert.Equal(t, StepKindLLM, llm.Kind())
	assert.Equal(t, DefaultTemperature, llm.EffectiveTemperature())
	assert.Equal(t, DefaultMaxTokens, llm.EffectiveMaxTokens())
}

func TestDecodeStepConfig_LLMOverrides(t *testing.T) {
	cfg, err := DecodeStepConfig(StepKindLLM, json.RawMessage(`{"model":"m","prompt":"hi","temperature":0,"max_tokens":10}`))
	require.NoError(t, err)

	llm := cfg.(*LLMConfig)
	assert.Equal(t, 0.0, llm.EffectiveTemperature())
	assert.Equal(t, 10, llm.EffectiveMaxTokens())
}

func TestDecodeStepConfig_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		kind StepKind
		raw  string
		code string
	}{
		{"llm without model", StepKindLLM, `{"prompt":"x"}`, ErrCodeMissingLLMConfig},
		{"llm without prompt", StepKindLLM, `{"model":"x"}`, ErrCodeMissingLLMConfig},
		{"llm empty", StepKindLLM, ``, ErrCodeMissingLLMConfig},
		{"conditional", StepKindConditional, `{}`, ErrCodeMissingCondition},
		{"transform", StepKindTransform, `{}`, ErrCodeMissingTransformConfig},
		{"api call", StepKindAPICall, `{"method":"POST"}`, ErrCodeMissingURL},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeStepConfig(tc.kind, json.RawMessage(tc.raw))
			requireCode(t, err, tc.code)
		})
	}
}

func TestDecodeStepConfig_Malformed(t *testing.T) {
	_, err := DecodeStepConfig(StepKindLLM, json.RawMessage(`{"model": 5}`))
	requireCode(t, err, ErrCodeInvalidConfig)
}

func TestDecodeStepConfig_UnknownTransformType(t *testing.T) {
	_, err := DecodeStepConfig(StepKindTransform, json.RawMessage(`{"transform_type":"pivot"}`))
	requireCode(t, err, ErrCodeInvalidConfig)
}

func TestInputField_DecodesStringsAndObjects(t *testing.T) {
	cfg, err := DecodeStepConfig(StepKindUserInput, json.RawMessage(`{"fields":["a",{"name":"b","label":"B"}]}`))
	require.NoError(t, err)

	ui := cfg.(*UserInputConfig)
	require.Len(t, ui.Fields, 2)
	assert.Equal(t, "a", ui.Fields[0].Name)
	assert.Equal(t, "b", ui.Fields[1].Name)
	assert.Equal(t, "B", ui.Fields[1].Label)
}

func TestAPICallConfig_DefaultMethod(t *testing.T) {
	cfg, err := DecodeStepConfig(StepKindAPICall, json.RawMessage(`{"url":"http://x","method":"post"}`))
	require.NoError(t, err)
	assert.Equal(t, "POST", cfg.(*APICallConfig).EffectiveMethod())

	assert.Equal(t, "GET", (&APICallConfig{URL: "http://x"}).EffectiveMethod())
}

func TestActiveSteps_FiltersAndOrders(t *testing.T) {
	def := &WorkflowDefinition{Steps: []StepDefinition{
		{ID: "c", Order: 3},
		{ID: "a", Order: 1},
		{ID: "x", Order: 2, Active: Bool(false)},
		{ID: "b", Order: 2},
	}}

	active := def.ActiveSteps()
	require.Len(t, active, 3)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
	assert.Equal(t, "c", active[2].ID)
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryDefinition, CategoryOf(ErrCodeNoActiveSteps))
	assert.Equal(t, CategoryConfig, CategoryOf(ErrCodeMissingURL))
	assert.Equal(t, CategoryCollaborator, CategoryOf(ErrCodeCollaborator))
	assert.Equal(t, CategoryEvaluation, CategoryOf(ErrCodeHandlerPanic))
	assert.Equal(t, CategoryValidation, CategoryOf(ErrCodeValidation))
	assert.Equal(t, CategoryInfrastructure, CategoryOf(ErrCodeStore))
}

func TestAsAdvisorError(t *testing.T) {
	assert.Nil(t, AsAdvisorError(nil, ErrCodeStore))

	orig := NewError(ErrCodeMissingURL, "x")
	assert.Same(t, orig, AsAdvisorError(orig, ErrCodeStore))

	wrapped := AsAdvisorError(errors.New("disk full"), ErrCodeStore)
	assert.Equal(t, ErrCodeStore, wrapped.Code)
	assert.Equal(t, "disk full", wrapped.Message)
	assert.True(t, IsCode(wrapped, ErrCodeStore))
}

func TestDecodeDefinition_YAML(t *testing.T) {
	def, err := DecodeDefinition([]byte(`
id: wf-1
name: Demo
steps:
  - id: s1
    order: 1
    kind: llm
    config:
      model: anthropic/claude-3.5-sonnet
      prompt: "Hello {{client_name}}"
`))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", def.ID)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, StepKindLLM, def.Steps[0].Kind)
	assert.JSONEq(t, `{"model":"anthropic/claude-3.5-sonnet","prompt":"Hello {{client_name}}"}`, string(def.Steps[0].Config))
}

func TestDecodeDefinition_Empty(t *testing.T) {
	_, err := DecodeDefinition([]byte("  "))
	requireCode(t, err, ErrCodeInvalidDefinition)
}
