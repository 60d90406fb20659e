package model

import "context"

// Request captures a single-shot generation: system instructions plus one
// user input. Capabilities are invoke-and-return, so there is no streaming or
// tool-calling surface here; provider adapters stay thin.
type Request struct {
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
}

// TokenUsage captures token usage statistics for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed generation.
type Result struct {
	Text  string      `json:"text"`
	Model string      `json:"model"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// Model is the provider-neutral generation interface. Implementations must
// honor ctx cancellation and be safe for concurrent use.
type Model interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
}
