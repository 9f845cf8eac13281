// Package llm abstracts text generation behind a small Provider
// interface so handlers and the watcher never see provider internals.
package llm

import "context"

// Request is one generation call.
type Request struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`      // overrides the provider default
	MaxTokens int    `json:"max_tokens,omitempty"` // overrides the provider default
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the provider's answer.
type Response struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Provider generates text. Implementations classify their failures
// with the shared fault kinds so callers can tell retryable from
// fatal.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
