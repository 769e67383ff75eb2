package scrape

import (
	"math"
	"time"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/models"
)

// Metric keys scrapers populate on TrendSource.PlatformMetrics.
const (
	MetricPlatformPercentile = "platform_percentile"
	MetricVelocity           = "velocity"
	MetricCrossPlatform      = "cross_platform"
	MetricStarsPerDay        = "stars_per_day"
	MetricContributors       = "contributors"
	MetricReleaseDownloads   = "release_downloads"
)

// HeatScorer computes the normalized heat score for scraped items: a
// weighted composite of platform percentile, velocity, freshness and
// cross-platform presence, multiplied by a per-platform weight and, for
// GitHub items, a developer-signal boost.
type HeatScorer struct {
	cfg common.HeatScoreConfig
}

// NewHeatScorer creates a scorer from configuration.
func NewHeatScorer(cfg common.HeatScoreConfig) *HeatScorer {
	return &HeatScorer{cfg: cfg}
}

// Score returns the item's heat score in [0,1] plus the per-component
// breakdown stored alongside it for explainability.
func (h *HeatScorer) Score(src *models.TrendSource, now time.Time) (float64, map[string]float64) {
	metrics := src.PlatformMetrics

	percentile := clamp01(metrics[MetricPlatformPercentile])
	velocity := clamp01(metrics[MetricVelocity])
	cross := clamp01(metrics[MetricCrossPlatform])
	freshness := h.freshness(src.PublishedAt, now)

	wp, wv, wf, wc := h.normalizedWeights()
	base := wp*percentile + wv*velocity + wf*freshness + wc*cross

	platformBoost := 1.0
	if w, ok := h.cfg.PlatformWeights[src.SourcePlatform]; ok && w > 0 {
		platformBoost = w
	}

	githubBoost := 1.0
	if src.SourcePlatform == "github" {
		githubBoost = h.githubBoost(metrics)
	}

	score := clamp01(base * platformBoost * githubBoost)

	breakdown := map[string]float64{
		"platform_percentile": percentile,
		"velocity":            velocity,
		"freshness":           freshness,
		"cross_platform":      cross,
		"base":                base,
		"platform_boost":      platformBoost,
		"github_boost":        githubBoost,
	}
	return score, breakdown
}

// freshness decays exponentially with a configured half-life and drops to
// zero past the max age, so stale items never outrank fresh ones on
// engagement alone.
func (h *HeatScorer) freshness(publishedAt, now time.Time) float64 {
	if publishedAt.IsZero() || publishedAt.After(now) {
		return 1.0
	}
	ageHours := now.Sub(publishedAt).Hours()
	if h.cfg.FreshnessMaxAgeHours > 0 && ageHours > h.cfg.FreshnessMaxAgeHours {
		return 0
	}
	halfLife := h.cfg.FreshnessHalfLifeHours
	if halfLife <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * ageHours / halfLife)
}

// githubBoost maps developer signals (star velocity, contributor activity,
// release adoption) through log1p normalization into a multiplier of
// base + range*composite.
func (h *HeatScorer) githubBoost(metrics map[string]float64) float64 {
	composite := (logNorm(metrics[MetricStarsPerDay], h.cfg.GithubStarVelocityCap) +
		logNorm(metrics[MetricContributors], h.cfg.GithubContributorCap) +
		logNorm(metrics[MetricReleaseDownloads], h.cfg.GithubReleaseCap)) / 3.0
	return h.cfg.GithubBoostBase + h.cfg.GithubBoostRange*composite
}

func (h *HeatScorer) normalizedWeights() (wp, wv, wf, wc float64) {
	wp = h.cfg.WeightPlatformPercentile
	wv = h.cfg.WeightVelocity
	wf = h.cfg.WeightFreshness
	wc = h.cfg.WeightCrossPlatform
	total := wp + wv + wf + wc
	if total <= 0 {
		return 0.45, 0.25, 0.20, 0.10
	}
	return wp / total, wv / total, wf / total, wc / total
}

func logNorm(value, limit float64) float64 {
	if value <= 0 || limit <= 0 {
		return 0
	}
	return clamp01(math.Log1p(value) / math.Log1p(limit))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
