package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/internal/validation"
	"github.com/rendis/advisor/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	mu         sync.Mutex
	workflows  map[string]*schema.WorkflowDefinition
	executions []*store.Execution
	events     []*store.Event
	lastFilter store.ExecutionFilter
}

func newMockStore() *mockStore {
	return &mockStore{workflows: make(map[string]*schema.WorkflowDefinition)}
}

func (m *mockStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.ID] = def
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.workflows[id]; ok {
		return d, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*schema.WorkflowDefinition, 0)
	for _, d := range m.workflows {
		if filter.ServiceType != "" && d.ServiceType != filter.ServiceType {
			continue
		}
		result = append(result, d)
	}
	return result, nil
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	result := make([]*store.Execution, 0)
	for _, e := range m.executions {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Mock Engine ---

type mockEngine struct {
	mu           sync.Mutex
	requests     []engine.RunRequest
	runResult    *engine.RunResult
	runErr       error
	cancelled    bool
	cancelErr    error
	statusResult *engine.ExecutionStatus
	statusErr    error
	prepared     []engine.RunRequest
	rejection    *engine.RunResult
}

var (
	_ engine.Engine  = (*mockEngine)(nil)
	_ engine.Starter = (*mockEngine)(nil)
)

func (m *mockEngine) Prepare(_ context.Context, req engine.RunRequest) (*engine.PreparedRun, *engine.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared = append(m.prepared, req)
	if m.rejection != nil {
		return nil, m.rejection, nil
	}
	if req.ExecutionID == "" {
		req.ExecutionID = "exec-async"
	}
	return &engine.PreparedRun{ExecutionID: req.ExecutionID, Request: req}, nil, nil
}

func (m *mockEngine) Execute(ctx context.Context, prepared *engine.PreparedRun) *engine.RunResult {
	res, _ := m.ExecuteWorkflow(ctx, prepared.Request)
	return res
}

func (m *mockEngine) ExecuteWorkflow(_ context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.runResult == nil && m.runErr == nil {
		return &engine.RunResult{Success: true, ExecutionID: req.ExecutionID}, nil
	}
	return m.runResult, m.runErr
}

func (m *mockEngine) CancelExecution(_ context.Context, _ string) (bool, error) {
	return m.cancelled, m.cancelErr
}

func (m *mockEngine) GetExecutionStatus(_ context.Context, _ string) (*engine.ExecutionStatus, error) {
	return m.statusResult, m.statusErr
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newValidator(t *testing.T) *validation.DefinitionValidator {
	t.Helper()
	v, err := validation.NewDefinitionValidator(nil)
	require.NoError(t, err)
	return v
}

// --- Run ---

func TestRunTool(t *testing.T) {
	eng := &mockEngine{runResult: &engine.RunResult{
		Success:     true,
		ExecutionID: "exec-1",
		Output:      map[string]any{"summary": "done"},
	}}
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng})

	req := buildRequest("advisor.run", map[string]any{
		"workflow_id": "forecasting-standard",
		"practice_id": "practice-1",
		"client_name": "Acme Ltd",
		"input":       map[string]any{"industry": "retail"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.Len(t, eng.requests, 1)
	got := eng.requests[0]
	assert.Equal(t, "forecasting-standard", got.WorkflowID)
	assert.Equal(t, "practice-1", got.PracticeID)
	assert.Equal(t, "Acme Ltd", got.ClientName)
	assert.Equal(t, "retail", got.InputData["industry"])

	var res engine.RunResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "exec-1", res.ExecutionID)
}

func TestRunToolFailedRunIsStillAResult(t *testing.T) {
	eng := &mockEngine{runResult: &engine.RunResult{
		ExecutionID: "exec-1",
		Error:       schema.NewError(schema.ErrCodeEvaluation, "step failed"),
	}}
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{
		"workflow_id": "w", "practice_id": "p",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeEvaluation)
}

func TestRunToolEngineError(t *testing.T) {
	eng := &mockEngine{runErr: schema.NewError(schema.ErrCodeStore, "db down")}
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{
		"workflow_id": "w", "practice_id": "p",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolMissingParams(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{"practice_id": "p"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{"workflow_id": "w"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolAsync(t *testing.T) {
	eng := &mockEngine{}
	pool := engine.NewRunPool(eng.ExecuteWorkflow, 2, nil)
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng, Starter: eng, Pool: pool})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{
		"workflow_id": "w", "practice_id": "p", "async": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var accepted struct {
		ExecutionID string `json:"execution_id"`
		Accepted    bool   `json:"accepted"`
	}
	unmarshalResult(t, result, &accepted)
	assert.True(t, accepted.Accepted)
	assert.Equal(t, "exec-async", accepted.ExecutionID)

	pool.Wait()
	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.prepared, 1)
	require.Len(t, eng.requests, 1)
	assert.Equal(t, accepted.ExecutionID, eng.requests[0].ExecutionID)
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestRunToolAsyncRejectedRunIsNotQueued(t *testing.T) {
	eng := &mockEngine{rejection: &engine.RunResult{
		Error: schema.NewError(schema.ErrCodeDefinitionNotFound, "Workflow not found"),
	}}
	pool := engine.NewRunPool(eng.ExecuteWorkflow, 1, nil)
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng, Starter: eng, Pool: pool})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{
		"workflow_id": "missing", "practice_id": "p", "async": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var res engine.RunResult
	unmarshalResult(t, result, &res)
	assert.False(t, res.Success)
	assert.Empty(t, res.ExecutionID)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeDefinitionNotFound, res.Error.Code)
	assert.NotContains(t, extractText(t, result), "accepted")

	pool.Wait()
	assert.Equal(t, engine.PoolMetrics{}, pool.Metrics())
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Empty(t, eng.requests)
}

func TestRunToolAsyncWithoutPool(t *testing.T) {
	eng := &mockEngine{}
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng, Starter: eng})

	result, err := s.handleRun(context.Background(), buildRequest("advisor.run", map[string]any{
		"workflow_id": "w", "practice_id": "p", "async": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Cancel / Status ---

func TestCancelTool(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{Engine: &mockEngine{cancelled: true}})

	result, err := s.handleCancel(context.Background(), buildRequest("advisor.cancel", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-1", out["execution_id"])
	assert.Equal(t, true, out["cancelled"])

	result, err = s.handleCancel(context.Background(), buildRequest("advisor.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	eng := &mockEngine{statusResult: &engine.ExecutionStatus{
		Execution: &store.Execution{ID: "exec-123", Status: schema.ExecutionStatusRunning, Progress: 40},
		Steps:     []*store.StepExecution{{StepID: "analyze_history", Status: schema.StepStatusCompleted}},
	}}
	s := NewAdvisorServer(AdvisorServerDeps{Engine: eng})

	result, err := s.handleStatus(context.Background(), buildRequest("advisor.status", map[string]any{
		"execution_id": "exec-123",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "exec-123")
	assert.Contains(t, text, "running")
	assert.Contains(t, text, "analyze_history")
}

func TestStatusToolErrors(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{Engine: &mockEngine{
		statusErr: schema.NewError(schema.ErrCodeNotFound, "execution not found"),
	}})

	result, err := s.handleStatus(context.Background(), buildRequest("advisor.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("advisor.status", map[string]any{"execution_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

// --- Define ---

func validDefinition() map[string]any {
	return map[string]any{
		"id":   "quick-review",
		"name": "Quick Review",
		"steps": []any{
			map[string]any{
				"id": "summary", "order": 1, "kind": "llm",
				"config": map[string]any{"model": "anthropic/claude-3.5-sonnet", "prompt": "Summarize {{client_name}}"},
			},
		},
	}
}

func TestDefineTool(t *testing.T) {
	ms := newMockStore()
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms, Validator: newValidator(t)})

	result, err := s.handleDefine(context.Background(), buildRequest("advisor.define", map[string]any{
		"definition": validDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "quick-review", out["workflow_id"])
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, float64(1), out["active_steps"])

	stored, err := ms.GetWorkflow(context.Background(), "quick-review")
	require.NoError(t, err)
	assert.Equal(t, "Quick Review", stored.Name)
}

func TestDefineToolYAMLDocumentDryRun(t *testing.T) {
	ms := newMockStore()
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms, Validator: newValidator(t)})

	doc := `
id: intake
steps:
  - id: collect
    kind: user_input
    config:
      fields: [revenue]
`
	result, err := s.handleDefine(context.Background(), buildRequest("advisor.define", map[string]any{
		"document": doc,
		"dry_run":  true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, false, out["stored"])
	assert.Empty(t, ms.workflows)
}

func TestDefineToolInvalid(t *testing.T) {
	ms := newMockStore()
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms, Validator: newValidator(t)})

	def := validDefinition()
	def["steps"] = []any{
		map[string]any{"id": "a", "kind": "llm", "config": map[string]any{"prompt": "x"}},
		map[string]any{"id": "a", "kind": "transform"},
	}
	result, err := s.handleDefine(context.Background(), buildRequest("advisor.define", map[string]any{
		"definition": def,
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, schema.ErrCodeMissingLLMConfig)
	assert.Contains(t, text, "duplicate step id")
	assert.Empty(t, ms.workflows)
}

func TestDefineToolMissingDefinition(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{Validator: newValidator(t)})

	result, err := s.handleDefine(context.Background(), buildRequest("advisor.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Query ---

func TestQueryWorkflows(t *testing.T) {
	ms := newMockStore()
	ms.workflows["a"] = &schema.WorkflowDefinition{ID: "a", ServiceType: "valuation", Steps: []schema.StepDefinition{{ID: "s", Kind: schema.StepKindLLM}}}
	ms.workflows["b"] = &schema.WorkflowDefinition{ID: "b", ServiceType: "forecasting"}
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"service_type": "valuation"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Workflows []templateSummary `json:"workflows"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Workflows, 1)
	assert.Equal(t, "a", out.Workflows[0].ID)
	assert.Equal(t, 1, out.Workflows[0].Steps)
}

func TestQueryExecutions(t *testing.T) {
	ms := newMockStore()
	ms.executions = []*store.Execution{
		{ID: "e1", Status: schema.ExecutionStatusCompleted},
		{ID: "e2", Status: schema.ExecutionStatusFailed},
	}
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "executions",
		"filter": map[string]any{
			"status":      "failed",
			"practice_id": "practice-1",
			"limit":       float64(10),
			"since":       "2026-02-01T00:00:00Z",
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "e2")
	assert.NotContains(t, text, "e1")
	assert.Equal(t, "practice-1", ms.lastFilter.PracticeID)
	assert.Equal(t, 10, ms.lastFilter.Limit)
	require.NotNil(t, ms.lastFilter.Since)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), *ms.lastFilter.Since)
}

func TestQueryExecutionsBadSince(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{Store: newMockStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"since": "yesterday"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func seedEvents(ms *mockStore) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	ms.events = []*store.Event{
		{ExecutionID: "exec-1", Type: schema.EventExecutionStarted, Sequence: 1, Timestamp: base},
		{ExecutionID: "exec-1", StepID: "s1", Type: schema.EventStepCompleted, Sequence: 2, Timestamp: base.Add(time.Second)},
		{ExecutionID: "exec-1", Type: schema.EventExecutionCompleted, Sequence: 3, Timestamp: base.Add(2 * time.Second)},
	}
}

func TestQueryEvents(t *testing.T) {
	ms := newMockStore()
	seedEvents(ms)
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "exec-1", "since": float64(1)},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 2)
	assert.Equal(t, schema.EventStepCompleted, out.Events[0].Type)

	result, err = s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTimeline(t *testing.T) {
	ms := newMockStore()
	seedEvents(ms)
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "timeline",
		"filter":   map[string]any{"execution_id": "exec-1"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var tl store.Timeline
	unmarshalResult(t, result, &tl)
	assert.Equal(t, schema.ExecutionStatusCompleted, tl.Status)
	assert.Equal(t, 3, tl.Events)
	require.Len(t, tl.Steps, 1)
	assert.Equal(t, "s1", tl.Steps[0].StepID)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{Store: newMockStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("advisor.query", map[string]any{
		"resource": "agents",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Templates ---

func TestTemplatesList(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{})

	result, err := s.handleTemplates(context.Background(), buildRequest("advisor.templates", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Templates []templateSummary `json:"templates"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Templates, 4)

	result, err = s.handleTemplates(context.Background(), buildRequest("advisor.templates", map[string]any{
		"action":   "list",
		"category": "Tax Planning",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Len(t, out.Templates, 1)
	assert.Equal(t, "profit-extraction-standard", out.Templates[0].ID)
}

func TestTemplatesInstall(t *testing.T) {
	ms := newMockStore()
	s := NewAdvisorServer(AdvisorServerDeps{Store: ms})

	result, err := s.handleTemplates(context.Background(), buildRequest("advisor.templates", map[string]any{
		"action":       "install",
		"template_ids": []any{"valuation-standard"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Installed []string `json:"installed"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"valuation-standard"}, out.Installed)
	assert.Contains(t, ms.workflows, "valuation-standard")

	result, err = s.handleTemplates(context.Background(), buildRequest("advisor.templates", map[string]any{
		"action":       "install",
		"template_ids": []any{"valuation-standard"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Installed)
}

func TestTemplatesUnknownAction(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{})
	result, err := s.handleTemplates(context.Background(), buildRequest("advisor.templates", map[string]any{
		"action": "delete",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
