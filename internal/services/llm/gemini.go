package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// GeminiProvider generates content through the Google Gemini API.
type GeminiProvider struct {
	client *genai.Client
	cfg    common.GeminiConfig
	retry  *RetryConfig
	logger arbor.ILogger
}

// NewGeminiProvider creates a Gemini-backed provider. The API key comes
// from config (env override GEMINI_API_KEY is applied at config load).
func NewGeminiProvider(ctx context.Context, cfg common.GeminiConfig, logger arbor.ILogger) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		cfg:    cfg,
		retry:  NewDefaultRetryConfig(),
		logger: logger,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Generate runs one GenerateContent call with short rate-limit retries.
func (p *GeminiProvider) Generate(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = p.cfg.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temp)),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}

	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	start := time.Now()

	var resp *genai.GenerateContentResponse
	var apiErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		resp, apiErr = p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
		if apiErr == nil {
			break
		}
		if attempt == p.retry.MaxRetries || !IsRateLimitError(apiErr) {
			break
		}

		backoff := p.retry.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		p.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Gemini API call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if apiErr != nil {
		return nil, fmt.Errorf("gemini API call failed: %w", apiErr)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini API")
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty text in Gemini response")
	}

	return &interfaces.GenerateResult{
		Text:      text,
		Backend:   p.Name(),
		Model:     p.cfg.Model,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// HealthCheck issues a minimal single-token request.
func (p *GeminiProvider) HealthCheck(ctx context.Context) error {
	contents := []*genai.Content{
		genai.NewContentFromText("ping", genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: 1,
	}
	if _, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config); err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	return nil
}
