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

// DraftStorage implements the DraftStorage interface for Badger
type DraftStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDraftStorage creates a new DraftStorage instance
func NewDraftStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DraftStorage {
	return &DraftStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DraftStorage) SaveDraft(ctx context.Context, draft *models.ContentDraft) error {
	if draft.ID == "" {
		return fmt.Errorf("draft ID is required")
	}

	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now

	if err := s.db.Store().Upsert(draft.ID, draft); err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

func (s *DraftStorage) GetDraft(ctx context.Context, id string) (*models.ContentDraft, error) {
	var draft models.ContentDraft
	if err := s.db.Store().Get(id, &draft); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("draft %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return &draft, nil
}

func (s *DraftStorage) ListDraftsByRun(ctx context.Context, runID string) ([]*models.ContentDraft, error) {
	var drafts []models.ContentDraft
	err := s.db.Store().Find(&drafts, badgerhold.Where("PipelineRunID").Eq(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts for run: %w", err)
	}
	return toPointers(drafts), nil
}

func (s *DraftStorage) ListDraftsByStatus(ctx context.Context, status string, limit int) ([]*models.ContentDraft, error) {
	var drafts []models.ContentDraft
	query := badgerhold.Where("Status").Eq(status).Index("Status").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&drafts, query); err != nil {
		return nil, fmt.Errorf("failed to list drafts by status: %w", err)
	}
	return toPointers(drafts), nil
}

// SaveVersion appends an immutable version snapshot. The (draft_id,
// version_no) pair is the storage key, so rewriting history fails with
// ErrAlreadyExists.
func (s *DraftStorage) SaveVersion(ctx context.Context, version *models.DraftVersion) error {
	if version.DraftID == "" {
		return fmt.Errorf("version draft ID is required")
	}
	if version.VersionNo < 1 {
		return fmt.Errorf("version number must be >= 1, got %d", version.VersionNo)
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	key := models.VersionKey(version.DraftID, version.VersionNo)
	err := s.db.Store().Insert(key, version)
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("version %s: %w", key, common.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save draft version: %w", err)
	}
	return nil
}

func (s *DraftStorage) GetVersion(ctx context.Context, draftID string, versionNo int) (*models.DraftVersion, error) {
	key := models.VersionKey(draftID, versionNo)
	var version models.DraftVersion
	if err := s.db.Store().Get(key, &version); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("draft version %s: %w", key, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get draft version: %w", err)
	}
	return &version, nil
}

func (s *DraftStorage) ListVersions(ctx context.Context, draftID string) ([]*models.DraftVersion, error) {
	var versions []models.DraftVersion
	err := s.db.Store().Find(&versions,
		badgerhold.Where("DraftID").Eq(draftID).Index("DraftID").SortBy("VersionNo"))
	if err != nil {
		return nil, fmt.Errorf("failed to list draft versions: %w", err)
	}
	return toPointers(versions), nil
}

func (s *DraftStorage) SavePublishRecord(ctx context.Context, record *models.PublishRecord) error {
	if record.ID == "" {
		return fmt.Errorf("publish record ID is required")
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save publish record: %w", err)
	}
	return nil
}

func (s *DraftStorage) ListPublishRecordsByRun(ctx context.Context, runID string) ([]*models.PublishRecord, error) {
	var records []models.PublishRecord
	err := s.db.Store().Find(&records, badgerhold.Where("PipelineRunID").Eq(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to list publish records: %w", err)
	}
	return toPointers(records), nil
}

// ListAcceptedDrafts returns the most recently gate-accepted drafts for a
// platform, newest first. The gate compares new candidates against these for
// near-duplicate blocking.
func (s *DraftStorage) ListAcceptedDrafts(ctx context.Context, platform string, limit int) ([]*models.ContentDraft, error) {
	var drafts []models.ContentDraft
	query := badgerhold.Where("TargetPlatform").Eq(platform).Index("TargetPlatform").
		And("Status").In(models.DraftStatusQualityChecked, models.DraftStatusPublished).
		SortBy("UpdatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&drafts, query); err != nil {
		return nil, fmt.Errorf("failed to list accepted drafts: %w", err)
	}
	return toPointers(drafts), nil
}
