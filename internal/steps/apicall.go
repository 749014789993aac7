package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
)

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the api_call handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          HTTPDoer
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	// maxErrorBodyDetail caps the response body copied into error details.
	maxErrorBodyDetail = 4096
)

// APICallHandler calls an outbound HTTP endpoint and returns its response body.
type APICallHandler struct {
	config       HTTPConfig
	interpolator *expressions.PromptInterpolator
}

// NewAPICallHandler creates an APICallHandler, applying defaults for zero fields.
func NewAPICallHandler(cfg HTTPConfig) *APICallHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &APICallHandler{config: cfg, interpolator: expressions.NewPromptInterpolator()}
}

func (h *APICallHandler) Kind() schema.StepKind { return schema.StepKindAPICall }

func (h *APICallHandler) Handle(ctx context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error) {
	c, err := configAs[*schema.APICallConfig](cfg)
	if err != nil {
		return nil, err
	}

	chain := ec.Chain()
	rawURL := h.interpolator.Interpolate(c.URL, chain)

	timeout := h.config.DefaultTimeout
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "invalid timeout %q", c.Timeout)
		}
		timeout = d
	}

	var bodyReader io.Reader
	if c.Body != nil {
		b, err := json.Marshal(c.Body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidConfig, "api_call body is not JSON-encodable").WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, c.EffectiveMethod(), rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "API call failed: invalid request for %q", rawURL).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, h.interpolator.Interpolate(v, chain))
	}

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "API call failed: %v", err).
			WithCause(err).
			WithDetails(map[string]any{"url": rawURL, "method": req.Method})
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCollaborator, "API call failed: reading response body").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "API call failed: %s", resp.Status).
			WithDetails(map[string]any{
				"url":         rawURL,
				"method":      req.Method,
				"status_code": resp.StatusCode,
				"body":        truncate(bodyBytes, maxErrorBodyDetail),
				"duration_ms": durationMs,
			})
	}

	if int64(len(bodyBytes)) > h.config.MaxResponseBody {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "API call failed: response body exceeds %d bytes", h.config.MaxResponseBody).
			WithDetails(map[string]any{
				"url":         rawURL,
				"status_code": resp.StatusCode,
				"limit":       h.config.MaxResponseBody,
				"truncated":   true,
			})
	}

	if c.ResponseFormat == schema.ResponseFormatText {
		return &Result{Output: string(bodyBytes)}, nil
	}

	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		// 204 and 205 carry no content by definition.
		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
			return &Result{Output: nil}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "API call failed: empty response body, expected JSON").
			WithDetails(map[string]any{"url": rawURL, "status_code": resp.StatusCode})
	}
	var parsed any
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "API call failed: invalid JSON response: %v", err).
			WithCause(err).
			WithDetails(map[string]any{
				"url":         rawURL,
				"status_code": resp.StatusCode,
				"body":        truncate(bodyBytes, maxErrorBodyDetail),
			})
	}
	return &Result{Output: parsed}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...(%d bytes truncated)", b[:n], len(b)-n)
}

var _ Handler = (*APICallHandler)(nil)
