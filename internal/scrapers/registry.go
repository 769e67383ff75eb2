// Package scrapers holds the per-platform trend scraper adapters and the
// registry the coordinator dispatches through. The coordinator never
// branches on platform identity itself; it looks adapters up here.
package scrapers

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// BuildRegistry constructs the scraper for every enabled source platform.
func BuildRegistry(cfg *common.Config, logger arbor.ILogger) map[string]interfaces.TrendScraper {
	registry := make(map[string]interfaces.TrendScraper)

	for _, source := range cfg.Scraper.EnabledSources {
		switch source {
		case "github":
			registry[source] = NewGithubScraper(cfg.Scraper.GithubToken, logger)
		case "webboard":
			if cfg.Scraper.WebBoardURL == "" {
				logger.Warn().Msg("webboard source enabled without a board URL, skipping")
				continue
			}
			registry[source] = NewWebBoardScraper(cfg.Scraper.WebBoardURL, nil, logger)
		default:
			logger.Warn().Str("source", source).Msg("Unknown scrape source in config, skipping")
		}
	}

	logger.Info().Int("scrapers", len(registry)).Msg("Scraper registry built")
	return registry
}
