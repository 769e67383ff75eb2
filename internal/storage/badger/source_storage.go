package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// SourceStorage implements the SourceStorage interface for Badger
type SourceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSourceStorage creates a new SourceStorage instance
func NewSourceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SourceStorage {
	return &SourceStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SourceStorage) SaveSource(ctx context.Context, source *models.TrendSource) error {
	if source.ID == "" {
		return fmt.Errorf("source ID is required")
	}

	now := time.Now().UTC()
	if source.ScrapedAt.IsZero() {
		source.ScrapedAt = now
	}
	source.LastSeenAt = now

	if err := s.db.Store().Upsert(source.ID, source); err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

func (s *SourceStorage) GetSource(ctx context.Context, id string) (*models.TrendSource, error) {
	var source models.TrendSource
	if err := s.db.Store().Get(id, &source); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("source %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &source, nil
}

func (s *SourceStorage) GetSourceByNaturalKey(ctx context.Context, platform, sourceID string) (*models.TrendSource, error) {
	var sources []models.TrendSource
	err := s.db.Store().Find(&sources,
		badgerhold.Where("SourcePlatform").Eq(platform).And("SourceID").Eq(sourceID))
	if err != nil {
		return nil, fmt.Errorf("failed to find source: %w", err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("source %s/%s: %w", platform, sourceID, common.ErrNotFound)
	}
	return &sources[0], nil
}

// GetSourceByContentHash returns a stored source carrying the given content
// hash. Ingest uses it to drop items whose content already arrived under a
// different source ID.
func (s *SourceStorage) GetSourceByContentHash(ctx context.Context, hash string) (*models.TrendSource, error) {
	var sources []models.TrendSource
	err := s.db.Store().Find(&sources,
		badgerhold.Where("ContentHash").Eq(hash).Index("ContentHash").Limit(1))
	if err != nil {
		return nil, fmt.Errorf("failed to find source by content hash: %w", err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("source hash %s: %w", hash, common.ErrNotFound)
	}
	return &sources[0], nil
}

func (s *SourceStorage) ListSourcesByRun(ctx context.Context, runID string) ([]*models.TrendSource, error) {
	var sources []models.TrendSource
	err := s.db.Store().Find(&sources, badgerhold.Where("PipelineRunID").Eq(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to list sources for run: %w", err)
	}
	return toPointers(sources), nil
}

func (s *SourceStorage) ListSourcesByParseStatus(ctx context.Context, status string, limit int) ([]*models.TrendSource, error) {
	var sources []models.TrendSource
	query := badgerhold.Where("ParseStatus").Eq(status).Index("ParseStatus")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&sources, query); err != nil {
		return nil, fmt.Errorf("failed to list sources by parse status: %w", err)
	}
	return toPointers(sources), nil
}

// ListDueForRetry returns delayed sources whose retry time has passed.
func (s *SourceStorage) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*models.TrendSource, error) {
	var sources []models.TrendSource
	query := badgerhold.Where("ParseStatus").Eq(models.ParseStatusDelayed).Index("ParseStatus")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&sources, query); err != nil {
		return nil, fmt.Errorf("failed to list delayed sources: %w", err)
	}

	due := make([]*models.TrendSource, 0, len(sources))
	for i := range sources {
		src := &sources[i]
		if src.ParseRetryAt == nil || !src.ParseRetryAt.After(now) {
			due = append(due, src)
		}
	}
	return due, nil
}

func (s *SourceStorage) CountSources(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.TrendSource{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count sources: %w", err)
	}
	return int(count), nil
}

// RecordIngest inserts the idempotency key for a scraped item. Returns false
// when the key already exists, which callers treat as "skip, no side
// effects".
func (s *SourceStorage) RecordIngest(ctx context.Context, record *models.SourceIngestRecord) (bool, error) {
	if record.IdempotencyKey == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = time.Now().UTC()
	}

	err := s.db.Store().Insert(record.IdempotencyKey, record)
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record ingest: %w", err)
	}
	return true, nil
}

// SaveScraperState upserts the incremental cursor for a platform/channel
// pair. An empty channel is the platform's default stream.
func (s *SourceStorage) SaveScraperState(ctx context.Context, state *models.ScraperState) error {
	if state.Platform == "" {
		return fmt.Errorf("scraper state requires a platform")
	}
	state.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(state.StateKey(), state); err != nil {
		return fmt.Errorf("failed to save scraper state: %w", err)
	}
	return nil
}

func (s *SourceStorage) GetScraperState(ctx context.Context, platform, channel string) (*models.ScraperState, error) {
	key := platform + ":" + channel
	var state models.ScraperState
	if err := s.db.Store().Get(key, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("scraper state %s: %w", key, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scraper state: %w", err)
	}
	return &state, nil
}

func toPointers[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}
