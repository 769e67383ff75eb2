// Package llm provides the Claude and Gemini text-generation backends plus
// the primary/fallback pairing consumed by the generation stage.
package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// BuildProviders constructs the primary and fallback providers from config.
// The default provider becomes primary; when fallback is enabled and the
// other backend has credentials, it becomes the in-stage degrade target.
// fallback is nil when disabled or unconfigured.
func BuildProviders(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (primary, fallback interfaces.LLMProvider, err error) {
	build := func(name string) (interfaces.LLMProvider, error) {
		switch name {
		case "claude":
			return NewClaudeProvider(cfg.Claude, logger)
		case "gemini":
			return NewGeminiProvider(ctx, cfg.Gemini, logger)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}

	primaryName := cfg.LLM.DefaultProvider
	if primaryName == "" {
		primaryName = "claude"
	}

	primary, err = build(primaryName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build primary llm provider: %w", err)
	}

	if !cfg.LLM.FallbackEnabled {
		return primary, nil, nil
	}

	fallbackName := "gemini"
	if primaryName == "gemini" {
		fallbackName = "claude"
	}

	fallback, err = build(fallbackName)
	if err != nil {
		// A missing fallback key degrades to single-backend operation
		// rather than failing startup.
		logger.Warn().Err(err).
			Str("fallback", fallbackName).
			Msg("Fallback LLM provider unavailable, running single-backend")
		return primary, nil, nil
	}

	logger.Info().
		Str("primary", primary.Name()).
		Str("fallback", fallback.Name()).
		Msg("LLM providers initialized")
	return primary, fallback, nil
}
