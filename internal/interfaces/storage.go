// -----------------------------------------------------------------------
// Last Modified: Wednesday, 8th October 2025 12:10:32 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trendpipe/internal/models"
)

// SourceStorage - interface for trend source persistence
type SourceStorage interface {
	// Row operations
	SaveSource(ctx context.Context, source *models.TrendSource) error
	GetSource(ctx context.Context, id string) (*models.TrendSource, error)
	GetSourceByNaturalKey(ctx context.Context, platform, sourceID string) (*models.TrendSource, error)
	GetSourceByContentHash(ctx context.Context, hash string) (*models.TrendSource, error)
	ListSourcesByRun(ctx context.Context, runID string) ([]*models.TrendSource, error)
	ListSourcesByParseStatus(ctx context.Context, status string, limit int) ([]*models.TrendSource, error)
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*models.TrendSource, error)
	CountSources(ctx context.Context) (int, error)

	// Ingest ledger. RecordIngest inserts the idempotency key and returns
	// false without error when the key was already present.
	RecordIngest(ctx context.Context, record *models.SourceIngestRecord) (bool, error)

	// Scraper watermark state, keyed by platform:channel
	SaveScraperState(ctx context.Context, state *models.ScraperState) error
	GetScraperState(ctx context.Context, platform, channel string) (*models.ScraperState, error)
}

// DraftStorage - interface for content draft and version persistence
type DraftStorage interface {
	SaveDraft(ctx context.Context, draft *models.ContentDraft) error
	GetDraft(ctx context.Context, id string) (*models.ContentDraft, error)
	ListDraftsByRun(ctx context.Context, runID string) ([]*models.ContentDraft, error)
	ListDraftsByStatus(ctx context.Context, status string, limit int) ([]*models.ContentDraft, error)

	// Version history. Versions are append-only; SaveVersion fails on a
	// duplicate (draft_id, version_no) pair.
	SaveVersion(ctx context.Context, version *models.DraftVersion) error
	GetVersion(ctx context.Context, draftID string, versionNo int) (*models.DraftVersion, error)
	ListVersions(ctx context.Context, draftID string) ([]*models.DraftVersion, error)

	// Publish ledger
	SavePublishRecord(ctx context.Context, record *models.PublishRecord) error
	ListPublishRecordsByRun(ctx context.Context, runID string) ([]*models.PublishRecord, error)
	// ListAcceptedDrafts returns the most recently gate-accepted drafts for
	// a platform, newest first, for near-duplicate comparison.
	ListAcceptedDrafts(ctx context.Context, platform string, limit int) ([]*models.ContentDraft, error)
}

// ParseStorage - interface for parse cache and dead-letter persistence
type ParseStorage interface {
	GetCacheEntry(ctx context.Context, contentHash, schemaVersion string) (*models.ParseCacheEntry, error)
	SaveCacheEntry(ctx context.Context, entry *models.ParseCacheEntry) error

	SaveDeadLetter(ctx context.Context, entry *models.ParseDeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.ParseDeadLetter, error)
	ListDeadLetters(ctx context.Context, status string, limit int) ([]*models.ParseDeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// RunStorage - interface for pipeline run and schedule persistence
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.PipelineRun, error)
	ListRunsByStatus(ctx context.Context, status string) ([]*models.PipelineRun, error)

	SaveSchedule(ctx context.Context, schedule *models.ScheduleConfig) error
	GetSchedule(ctx context.Context, name string) (*models.ScheduleConfig, error)
	ListSchedules(ctx context.Context) ([]*models.ScheduleConfig, error)
	DeleteSchedule(ctx context.Context, name string) error
}

// StorageManager provides access to all storage interfaces over a single
// Badger instance
type StorageManager interface {
	SourceStorage() SourceStorage
	DraftStorage() DraftStorage
	ParseStorage() ParseStorage
	RunStorage() RunStorage
	Close() error
}
