package models

import (
	"fmt"
	"time"
)

// Parse workflow statuses for a TrendSource.
const (
	ParseStatusPending      = "pending"
	ParseStatusProcessing   = "processing"
	ParseStatusCompleted    = "completed"
	ParseStatusFailed       = "failed"
	ParseStatusDelayed      = "delayed"
	ParseStatusManualReview = "manual_review"
)

// Capture modes controlling how a scrape run selects items.
const (
	CaptureModeHybrid = "hybrid"
	CaptureModeByHot  = "by_hot"
	CaptureModeByTime = "by_time"
)

// Sort strategies for ranked output.
const (
	SortStrategyHybrid     = "hybrid"
	SortStrategyEngagement = "engagement"
	SortStrategyRecency    = "recency"
)

// TrendSource is one scraped trending item. The triple
// (SourcePlatform, SourceID, SourceUpdatedAt) is unique; re-ingestion of an
// unchanged item is a no-op enforced through the SourceIngestRecord ledger.
type TrendSource struct {
	ID              string    `json:"id"`
	SourcePlatform  string    `json:"source_platform" badgerhold:"index"`
	SourceChannel   string    `json:"source_channel"`
	SourceType      string    `json:"source_type"`
	SourceID        string    `json:"source_id" badgerhold:"index"`
	SourceURL       string    `json:"source_url"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Author          string    `json:"author"`
	AuthorID        string    `json:"author_id"`
	Language        string    `json:"language"`
	EngagementScore float64   `json:"engagement_score"`
	CaptureMode     string    `json:"capture_mode"`
	SortStrategy    string    `json:"sort_strategy"`
	PublishedAt     time.Time `json:"published_at"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`

	// Normalized fields
	NormalizedText string            `json:"normalized_text"`
	Hashtags       []string          `json:"hashtags"`
	Mentions       []string          `json:"mentions"`
	ExternalURLs   []string          `json:"external_urls"`
	MediaURLs      []string          `json:"media_urls"`
	MediaAssets    []MediaAsset      `json:"media_assets"`
	Multimodal     map[string]string `json:"multimodal"`

	// Ranking fields
	NormalizedHeatScore float64            `json:"normalized_heat_score"`
	HeatBreakdown       map[string]float64 `json:"heat_breakdown"`
	PlatformMetrics     map[string]float64 `json:"platform_metrics"`

	// Parse workflow fields
	ParseStatus        string         `json:"parse_status" badgerhold:"index"`
	ParsePayload       map[string]any `json:"parse_payload"`
	ParseSchemaVersion string         `json:"parse_schema_version"`
	ParseConfidence    float64        `json:"parse_confidence"`
	ParseAttempts      int            `json:"parse_attempts"`
	ParseErrorKind     string         `json:"parse_error_kind"`
	ParseLastError     string         `json:"parse_last_error"`
	ParseRetryAt       *time.Time     `json:"parse_retry_at"`
	ParsedAt           *time.Time     `json:"parsed_at"`

	PipelineRunID string    `json:"pipeline_run_id"`
	ContentHash   string    `json:"content_hash" badgerhold:"index"`
	ScrapedAt     time.Time `json:"scraped_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// IngestKey returns the idempotency key for the dedup triple.
func (s *TrendSource) IngestKey() string {
	return IngestKey(s.SourcePlatform, s.SourceID, s.SourceUpdatedAt)
}

// IngestKey builds the ledger key for a (platform, source_id, updated_at) triple.
func IngestKey(platform, sourceID string, updatedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", platform, sourceID, updatedAt.UTC().Unix())
}

// MediaAsset is one normalized media attachment on a source item.
type MediaAsset struct {
	Kind   string `json:"kind"` // image, video, audio
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// SourceIngestRecord is the append-only idempotency ledger row. Existence of
// the key gates ingestion before any other side effect.
type SourceIngestRecord struct {
	IdempotencyKey  string    `json:"idempotency_key"`
	SourcePlatform  string    `json:"source_platform" badgerhold:"index"`
	SourceID        string    `json:"source_id"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

// ScraperState holds the persisted incremental-poll watermark for one
// (platform, channel) pair. Read at startup, written after each successful
// poll; survives process restart.
type ScraperState struct {
	Platform  string            `json:"platform" badgerhold:"index"`
	Channel   string            `json:"channel"`
	Cursor    time.Time         `json:"cursor"`
	ETags     map[string]string `json:"etags"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StateKey returns the storage key for a scraper state row.
func (s *ScraperState) StateKey() string {
	return s.Platform + ":" + s.Channel
}
