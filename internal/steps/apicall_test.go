package steps

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rendis/advisor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiExecutor(t *testing.T, cfg HTTPConfig) *Executor {
	t.Helper()
	return executorWith(t, NewAPICallHandler(cfg))
}

func apiStep(t *testing.T, cfg map[string]any) schema.StepDefinition {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return schema.StepDefinition{ID: "api", Kind: schema.StepKindAPICall, Config: raw}
}

func TestAPICall_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/companies/12345", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"ACME LTD","status":"active"}`))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(),
		apiStep(t, map[string]any{"url": srv.URL + "/companies/{{ company_number }}"}),
		newContext(map[string]any{"company_number": "12345"}))

	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, map[string]any{"name": "ACME LTD", "status": "active"}, res.Output)
}

func TestAPICall_POST_JSONBodyAndHeaders(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "Acme Ltd", r.Header.Get("X-Client"))
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"headers": map[string]string{
			"Authorization": "Bearer {{token}}",
			"X-Client":      "{{client_name}}",
		},
		"body": map[string]any{"period": "2024", "value": 123},
	}), newContext(map[string]any{"token": "tok-1"}))

	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, "2024", received["period"])
	assert.Equal(t, float64(123), received["value"])
}

func TestAPICall_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain report"))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(),
		apiStep(t, map[string]any{"url": srv.URL, "response_format": "text"}), newContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, "plain report", res.Output)
}

func TestAPICall_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"company not found"}`))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{"url": srv.URL}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
	assert.Equal(t, http.StatusNotFound, res.Error.Details["status_code"])
	assert.Equal(t, `{"error":"company not found"}`, res.Error.Details["body"])
	assert.Contains(t, res.Error.Message, "404")
}

func TestAPICall_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{"url": srv.URL}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
}

func TestAPICall_EmptyBody(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		success bool
	}{
		{"no content", http.StatusNoContent, true},
		{"reset content", http.StatusResetContent, true},
		{"ok without body", http.StatusOK, false},
		{"created without body", http.StatusCreated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ex := apiExecutor(t, HTTPConfig{})
			res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{"url": srv.URL, "method": "DELETE"}), newContext(nil))
			require.Equal(t, tt.success, res.Success)
			if tt.success {
				assert.Nil(t, res.Output)
				return
			}
			require.NotNil(t, res.Error)
			assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
			assert.Equal(t, tt.status, res.Error.Details["status_code"])
		})
	}
}

func TestAPICall_EmptyBodyAsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(),
		apiStep(t, map[string]any{"url": srv.URL, "response_format": "text"}), newContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, "", res.Output)
}

func TestAPICall_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{MaxResponseBody: 10})
	for _, format := range []string{"text", "json"} {
		res := ex.Dispatch(context.Background(),
			apiStep(t, map[string]any{"url": srv.URL, "response_format": format}), newContext(nil))
		require.False(t, res.Success, format)
		assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
		assert.Equal(t, int64(10), res.Error.Details["limit"])
		assert.Equal(t, true, res.Error.Details["truncated"])
	}
}

func TestAPICall_ResponseBodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10)))
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{MaxResponseBody: 10})
	res := ex.Dispatch(context.Background(),
		apiStep(t, map[string]any{"url": srv.URL, "response_format": "text"}), newContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, "xxxxxxxxxx", res.Output)
}

func TestAPICall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ex := apiExecutor(t, HTTPConfig{})
	res := ex.Dispatch(context.Background(),
		apiStep(t, map[string]any{"url": srv.URL, "timeout": "50ms"}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
}

type recordingDoer struct {
	req *http.Request
	err error
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.req = req
	return nil, d.err
}

func TestAPICall_TransportError(t *testing.T) {
	doer := &recordingDoer{err: errors.New("dial tcp: connection refused")}
	ex := apiExecutor(t, HTTPConfig{Client: doer})

	res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{"url": "http://localhost:1/x"}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, res.Error.Code)
	assert.Contains(t, res.Error.Message, "connection refused")
	require.NotNil(t, doer.req)
	assert.Equal(t, http.MethodGet, doer.req.Method)
}

func TestAPICall_ConfigErrors(t *testing.T) {
	ex := apiExecutor(t, HTTPConfig{})

	res := ex.Dispatch(context.Background(), apiStep(t, map[string]any{"method": "GET"}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeMissingURL, res.Error.Code)

	res = ex.Dispatch(context.Background(), apiStep(t, map[string]any{"url": "http://x", "timeout": "soon"}), newContext(nil))
	require.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeInvalidConfig, res.Error.Code)
}
