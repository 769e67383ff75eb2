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

// ParseStorage implements the ParseStorage interface for Badger
type ParseStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewParseStorage creates a new ParseStorage instance
func NewParseStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ParseStorage {
	return &ParseStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ParseStorage) GetCacheEntry(ctx context.Context, contentHash, schemaVersion string) (*models.ParseCacheEntry, error) {
	key := models.ParseCacheKey(contentHash, schemaVersion)
	var entry models.ParseCacheEntry
	if err := s.db.Store().Get(key, &entry); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("parse cache entry %s: %w", key, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get parse cache entry: %w", err)
	}
	return &entry, nil
}

func (s *ParseStorage) SaveCacheEntry(ctx context.Context, entry *models.ParseCacheEntry) error {
	if entry.ContentHash == "" || entry.SchemaVersion == "" {
		return fmt.Errorf("cache entry requires content hash and schema version")
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if err := s.db.Store().Upsert(entry.CacheKey(), entry); err != nil {
		return fmt.Errorf("failed to save parse cache entry: %w", err)
	}
	return nil
}

func (s *ParseStorage) SaveDeadLetter(ctx context.Context, entry *models.ParseDeadLetter) error {
	if entry.ID == "" {
		return fmt.Errorf("dead letter ID is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

func (s *ParseStorage) GetDeadLetter(ctx context.Context, id string) (*models.ParseDeadLetter, error) {
	var entry models.ParseDeadLetter
	if err := s.db.Store().Get(id, &entry); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("dead letter %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &entry, nil
}

func (s *ParseStorage) ListDeadLetters(ctx context.Context, status string, limit int) ([]*models.ParseDeadLetter, error) {
	var entries []models.ParseDeadLetter
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(status).Index("Status").SortBy("CreatedAt").Reverse()
	} else {
		query = badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return toPointers(entries), nil
}

func (s *ParseStorage) CountDeadLetters(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ParseDeadLetter{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(count), nil
}
