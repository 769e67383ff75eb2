package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

const llmParseSystem = `You extract structured data from trending social and developer content.
Respond with a single JSON object and nothing else, using exactly these keys:
title, summary, key_points (array of strings), keywords (array of strings),
sentiment (one of: positive, negative, neutral, mixed), language (BCP-47 code),
confidence_model (number 0..1 rating your own extraction quality).`

// LLMParser extracts the structured payload with a language model. Backend
// failures are recoverable; a response that is not JSON is retried too,
// since the same prompt can yield valid JSON on another attempt.
type LLMParser struct {
	provider  interfaces.LLMProvider
	maxTokens int
}

// NewLLMParser creates a model-backed parse backend.
func NewLLMParser(provider interfaces.LLMProvider, maxTokens int) *LLMParser {
	return &LLMParser{provider: provider, maxTokens: maxTokens}
}

func (p *LLMParser) Name() string { return "llm:" + p.provider.Name() }

func (p *LLMParser) Parse(ctx context.Context, src *models.TrendSource) (map[string]any, float64, error) {
	if src.Title == "" && src.NormalizedText == "" {
		return nil, 0, UnrecoverableError("empty_input", fmt.Errorf("source %s has no title or text", src.ID))
	}

	prompt := fmt.Sprintf("Platform: %s\nTitle: %s\n\nContent:\n%s",
		src.SourcePlatform, src.Title, truncate(src.NormalizedText, 6000))

	result, err := p.provider.Generate(ctx, &interfaces.GenerateRequest{
		System:      llmParseSystem,
		Prompt:      prompt,
		MaxTokens:   p.maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, 0, RecoverableError("backend", err)
	}

	payload, err := decodeJSONObject(result.Text)
	if err != nil {
		return nil, 0, RecoverableError("malformed_json", err)
	}

	payload["schema_version"] = SchemaVersionV1
	confidence, _ := payload["confidence_model"].(float64)
	return payload, confidence, nil
}

// decodeJSONObject tolerates markdown fencing around the reply by
// extracting the outermost JSON object from the response text.
func decodeJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in response: %w", err)
	}
	return payload, nil
}
