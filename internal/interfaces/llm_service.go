package interfaces

import (
	"context"
)

// GenerateRequest carries a single text-generation call to an LLM backend.
type GenerateRequest struct {
	// System is the system prompt. Optional.
	System string

	// Prompt is the user message.
	Prompt string

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float64
}

// GenerateResult is the backend response plus the metadata recorded into
// generation_meta on the draft.
type GenerateResult struct {
	Text      string
	Backend   string // "claude" or "gemini"
	Model     string
	LatencyMS int64
}

// LLMProvider defines the interface for text generation backends. The
// generation stage holds a primary and a fallback provider and degrades
// between them inside the stage's deadline budget.
type LLMProvider interface {
	// Name returns the backend identifier ("claude", "gemini").
	Name() string

	// Generate produces a completion for the request. Implementations must
	// honor ctx cancellation and deadline.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// HealthCheck verifies the backend is reachable and authenticated.
	HealthCheck(ctx context.Context) error
}
