package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/internal/templates"
	"github.com/rendis/advisor/pkg/schema"
)

// handleRun executes a workflow, synchronously unless async is set.
func (s *AdvisorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	practiceID, err := req.RequireString("practice_id")
	if err != nil {
		return mcp.NewToolResultError("practice_id is required"), nil
	}

	runReq := engine.RunRequest{
		WorkflowID: workflowID,
		PracticeID: practiceID,
		ClientID:   req.GetString("client_id", ""),
		ClientName: req.GetString("client_name", ""),
		InputData:  mcp.ParseStringMap(req, "input", nil),
		ExecutedBy: req.GetString("executed_by", ""),
	}

	if req.GetBool("async", false) {
		if s.pool == nil || s.starter == nil {
			return mcp.NewToolResultError("async runs are not enabled on this server"), nil
		}
		// The record is created before returning so status and cancel see it.
		started, startErr := s.pool.Start(ctx, s.starter, runReq, s.logAsyncResult)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", startErr)), nil
		}
		if started.Error != nil {
			return marshalResult(started)
		}
		return marshalResult(map[string]any{
			"execution_id": started.ExecutionID,
			"accepted":     true,
		})
	}

	result, runErr := s.engine.ExecuteWorkflow(ctx, runReq)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

func (s *AdvisorServer) logAsyncResult(req engine.RunRequest, res *engine.RunResult, err error) {
	attrs := []any{
		slog.String("execution_id", req.ExecutionID),
		slog.String("workflow_id", req.WorkflowID),
	}
	switch {
	case err != nil:
		s.logger.Error("async run failed", append(attrs, slog.String("error", err.Error()))...)
	case res.Error != nil:
		s.logger.Warn("async run did not complete", append(attrs, slog.String("code", res.Error.Code))...)
	default:
		s.logger.Info("async run completed", attrs...)
	}
}

// handleCancel requests cancellation of an execution.
func (s *AdvisorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	cancelled, cancelErr := s.engine.CancelExecution(ctx, executionID)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"cancelled":    cancelled,
	})
}

// handleStatus returns an execution and its step rows.
func (s *AdvisorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, statusErr := s.engine.GetExecutionStatus(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleDefine validates a workflow definition and stores it.
func (s *AdvisorServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var data []byte
	if defRaw := mcp.ParseStringMap(req, "definition", nil); defRaw != nil {
		b, marshalErr := json.Marshal(defRaw)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
		}
		data = b
	} else if doc := req.GetString("document", ""); doc != "" {
		data = []byte(doc)
	} else {
		return mcp.NewToolResultError("definition or document is required"), nil
	}

	def, result, parseErr := s.validator.ParseDefinition(data)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", parseErr)), nil
	}
	if !result.Valid() {
		payload, _ := json.Marshal(map[string]any{
			"valid":    false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return mcp.NewToolResultError(string(payload)), nil
	}

	stored := false
	if !req.GetBool("dry_run", false) {
		if storeErr := s.store.SaveWorkflow(ctx, def); storeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
		}
		stored = true
	}

	return marshalResult(map[string]any{
		"workflow_id":  def.ID,
		"active_steps": len(def.ActiveSteps()),
		"valid":        true,
		"stored":       stored,
		"warnings":     result.Warnings,
	})
}

// handleQuery lists workflows, executions, events, or a replayed timeline.
func (s *AdvisorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "timeline":
		return s.queryTimeline(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleTemplates lists the built-in catalog or installs it.
func (s *AdvisorServer) handleTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "list":
		serviceType := req.GetString("service_type", "")
		category := req.GetString("category", "")
		out := make([]templateSummary, 0)
		for _, def := range templates.All() {
			if serviceType != "" && def.ServiceType != serviceType {
				continue
			}
			if category != "" && def.Category != category {
				continue
			}
			out = append(out, summarize(def))
		}
		return marshalResult(map[string]any{"templates": out})
	case "install":
		ids := req.GetStringSlice("template_ids", nil)
		installed, installErr := templates.Install(ctx, s.store, req.GetBool("overwrite", false), ids...)
		if installErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("install failed: %v", installErr)), nil
		}
		if installed == nil {
			installed = []string{}
		}
		return marshalResult(map[string]any{"installed": installed})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Query helpers ---

func (s *AdvisorServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		ServiceType: extractString(filter, "service_type"),
		Category:    extractString(filter, "category"),
		Limit:       extractInt(filter, "limit", 50),
	}

	defs, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	out := make([]templateSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summarize(d))
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *AdvisorServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		PracticeID: extractString(filter, "practice_id"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since := extractString(filter, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		ef.Since = &t
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *AdvisorServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *AdvisorServer) queryTimeline(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	if executionID == "" {
		return mcp.NewToolResultError("timeline query requires 'execution_id' in filter"), nil
	}

	tl, err := store.NewEventLog(s.store).Replay(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return marshalResult(tl)
}

// --- Internal helpers ---

type templateSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Category    string `json:"category,omitempty"`
	Version     int    `json:"version,omitempty"`
	Steps       int    `json:"steps"`
}

func summarize(d *schema.WorkflowDefinition) templateSummary {
	return templateSummary{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		ServiceType: d.ServiceType,
		Category:    d.Category,
		Version:     d.Version,
		Steps:       len(d.ActiveSteps()),
	}
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
