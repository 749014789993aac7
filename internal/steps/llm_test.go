package steps

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/rendis/advisor/internal/llm"
	"github.com/rendis/advisor/internal/pricing"
	"github.com/rendis/advisor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCompleter records requests and returns a canned completion.
type mockCompleter struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	resp     *llm.Completion
	err      error
}

func (m *mockCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

const llmTestPricing = `
version: test
models:
  test/model:
    input: 1
    output: 2
`

func llmHandler(t *testing.T, c llm.Completer, logger *slog.Logger) *LLMHandler {
	t.Helper()
	table, err := pricing.Parse([]byte(llmTestPricing))
	require.NoError(t, err)
	return NewLLMHandler(c, pricing.NewCalculator(table), logger)
}

func TestLLM_InterpolatesAndReportsUsage(t *testing.T) {
	mc := &mockCompleter{resp: &llm.Completion{
		Text: "Projected growth of 12%", PromptTokens: 1_000_000, CompletionTokens: 500_000,
		Model: "test/model", Provider: llm.ProviderOpenRouter,
	}}
	ex := executorWith(t, llmHandler(t, mc, nil))

	ec := newContext(map[string]any{"revenue": float64(120000)})
	require.NoError(t, ec.SetStepOutput("intake", 1, "three years of accounts"))

	res := ex.Dispatch(context.Background(), stepDef("forecast", schema.StepKindLLM, `{
		"model": "test/model",
		"system_prompt": "You advise {{client_name}}.",
		"prompt": "Revenue {{revenue}}. History: {{step_1_output}}. Unknown: {{missing}}"
	}`), ec)

	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, "Projected growth of 12%", res.Output)

	require.Len(t, mc.requests, 1)
	req := mc.requests[0]
	assert.Equal(t, "test/model", req.Model)
	assert.Equal(t, schema.DefaultTemperature, req.Temperature)
	assert.Equal(t, schema.DefaultMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "You advise Acme Ltd."}, req.Messages[0])
	assert.Equal(t, "Revenue 120000. History: three years of accounts. Unknown: {{missing}}", req.Messages[1].Content)

	require.NotNil(t, res.Usage)
	assert.Equal(t, llm.ProviderOpenRouter, res.Usage.Provider)
	assert.Equal(t, "test/model", res.Usage.Model)
	assert.Equal(t, 1_500_000, res.Usage.TotalTokens)
	assert.InDelta(t, 2.0, res.Usage.CostUSD, 1e-9)
}

func TestLLM_NoSystemPromptAndCustomSampling(t *testing.T) {
	mc := &mockCompleter{resp: &llm.Completion{Text: "ok", Model: "test/model"}}
	ex := executorWith(t, llmHandler(t, mc, nil))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"test/model","prompt":"hi","temperature":0.2,"max_tokens":300}`), newContext(nil))
	require.True(t, res.Success)

	req := mc.requests[0]
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 300, req.MaxTokens)
	assert.Equal(t, llm.ProviderOpenRouter, res.Usage.Provider)
}

func TestLLM_PricesByRequestedModelWhenEchoUnknown(t *testing.T) {
	mc := &mockCompleter{resp: &llm.Completion{
		Text: "ok", PromptTokens: 1_000_000, CompletionTokens: 0, Model: "test/model-2024-06-01",
	}}
	ex := executorWith(t, llmHandler(t, mc, nil))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"test/model","prompt":"hi"}`), newContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, "test/model-2024-06-01", res.Usage.Model)
	assert.InDelta(t, 1.0, res.Usage.CostUSD, 1e-9)
}

func TestLLM_UnknownModelCostsNothing(t *testing.T) {
	mc := &mockCompleter{resp: &llm.Completion{Text: "ok", PromptTokens: 10, CompletionTokens: 10, Model: "other/model"}}
	ex := executorWith(t, llmHandler(t, mc, nil))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"other/model","prompt":"hi"}`), newContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, 0.0, res.Usage.CostUSD)
	assert.Equal(t, 20, res.Usage.TotalTokens)
}

func TestLLM_ProviderErrorIsCollaboratorError(t *testing.T) {
	mc := &mockCompleter{err: &llm.ProviderError{StatusCode: 503, Message: "overloaded"}}
	ex := executorWith(t, llmHandler(t, mc, nil))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"test/model","prompt":"hi"}`), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
	assert.Equal(t, 503, res.Error.Details["status_code"])
	assert.Contains(t, res.Error.Message, "overloaded")
	assert.Len(t, mc.requests, 1, "no retry")
}

func TestLLM_WarnsOnMissingInputVariables(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mc := &mockCompleter{resp: &llm.Completion{Text: "ok", Model: "test/model"}}
	ex := executorWith(t, llmHandler(t, mc, logger))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"test/model","prompt":"{{revenue}} {{sector}}","input_variables":["revenue","sector"]}`),
		newContext(map[string]any{"revenue": 1}))
	require.True(t, res.Success)

	output := buf.String()
	assert.Contains(t, output, "declared input variable not found")
	assert.Contains(t, output, "variable=sector")
	assert.NotContains(t, output, "variable=revenue")
}

func TestLLM_NoCompleterConfigured(t *testing.T) {
	ex := executorWith(t, NewLLMHandler(nil, nil, nil))

	res := ex.Dispatch(context.Background(), stepDef("s1", schema.StepKindLLM,
		`{"model":"test/model","prompt":"hi"}`), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
}
