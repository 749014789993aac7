// Package llm defines the generative-AI collaborator consumed by llm steps.
package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the provider's answer and its token usage.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	// Model is the model the provider reports having used.
	Model    string
	Provider string
}

// TotalTokens returns prompt plus completion tokens.
func (c *Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// Completer produces completions. Implementations must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ProviderError reports a failed provider call. StatusCode is 0 when no HTTP
// response was received.
type ProviderError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "llm provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
