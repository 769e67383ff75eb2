package models

import (
	"strconv"
	"time"
)

// ContentDraft statuses.
const (
	DraftStatusSummarized     = "summarized"
	DraftStatusQualityChecked = "quality_checked"
	DraftStatusPublished      = "published"
	DraftStatusRejected       = "rejected"
)

// GenerationMeta records how a draft was produced, attached for
// observability and debugging.
type GenerationMeta struct {
	Backend      string  `json:"backend"`
	Model        string  `json:"model"`
	LatencyMS    float64 `json:"latency_ms"`
	UsedFallback bool    `json:"used_fallback"`
	Attempt      int     `json:"attempt"`
	PromptHash   string  `json:"prompt_hash"`
	OutputHash   string  `json:"output_hash"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
}

// QualityDetails carries the per-check breakdown behind the headline scores.
type QualityDetails struct {
	Issues         []string `json:"issues"`
	BannedWords    []string `json:"banned_words,omitempty"`
	GateReason     string   `json:"gate_reason,omitempty"`
	RepairAttempts int      `json:"repair_attempts"`
	GateEligible   bool     `json:"gate_eligible"`
}

// ContentDraft is one generated, platform-targeted piece. Created by the
// generation stage, mutated by the publish gate (scores, status) and by
// publishers (status -> published); never deleted except by explicit user
// action.
type ContentDraft struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id" badgerhold:"index"`
	PipelineRunID   string         `json:"pipeline_run_id" badgerhold:"index"`
	TargetPlatform  string         `json:"target_platform" badgerhold:"index"`
	Title           string         `json:"title"`
	Body            string         `json:"body"`
	Summary         string         `json:"summary"`
	Hashtags        []string       `json:"hashtags"`
	MediaURLs       []string       `json:"media_urls"`
	VideoURL        string         `json:"video_url"`
	VideoProvider   string         `json:"video_provider"`
	Language        string         `json:"language"`
	Status          string         `json:"status" badgerhold:"index"`
	QualityScore    float64        `json:"quality_score"`
	ComplianceScore float64        `json:"compliance_score"`
	RepetitionRatio float64        `json:"repetition_ratio"`
	QualityDetails  QualityDetails `json:"quality_details"`
	GenerationMeta  GenerationMeta `json:"generation_meta"`
	CurrentVersion  int            `json:"current_version"`
	ContentHash     string         `json:"content_hash"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DraftVersion is an immutable snapshot of a draft's content state.
// Append-only: rollback copies a selected version forward as a new version,
// never mutates history.
type DraftVersion struct {
	ID          string         `json:"id"`
	DraftID     string         `json:"draft_id" badgerhold:"index"`
	VersionNo   int            `json:"version_no"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Summary     string         `json:"summary"`
	Hashtags    []string       `json:"hashtags"`
	MediaURLs   []string       `json:"media_urls"`
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Params      map[string]any `json:"params"`
	ContentHash string         `json:"content_hash" badgerhold:"index"`
	CreatedAt   time.Time      `json:"created_at"`
}

// VersionKey returns the unique storage key for (draft_id, version_no).
func VersionKey(draftID string, versionNo int) string {
	return draftID + ":" + strconv.Itoa(versionNo)
}

// PublishRecord is one best-effort publish outcome for a draft.
type PublishRecord struct {
	ID             string     `json:"id"`
	DraftID        string     `json:"draft_id" badgerhold:"index"`
	PipelineRunID  string     `json:"pipeline_run_id" badgerhold:"index"`
	Platform       string     `json:"platform"`
	PlatformPostID string     `json:"platform_post_id"`
	PlatformURL    string     `json:"platform_url"`
	Status         string     `json:"status"` // success, failed
	ErrorMessage   string     `json:"error_message"`
	RetryCount     int        `json:"retry_count"`
	PublishedAt    *time.Time `json:"published_at"`
}
