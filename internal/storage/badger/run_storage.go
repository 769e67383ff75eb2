package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// RunStorage implements the RunStorage interface for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := s.db.Store().Get(id, &run); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) ListRuns(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	var runs []models.PipelineRun
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return toPointers(runs), nil
}

func (s *RunStorage) ListRunsByStatus(ctx context.Context, status string) ([]*models.PipelineRun, error) {
	var runs []models.PipelineRun
	err := s.db.Store().Find(&runs,
		badgerhold.Where("Status").Eq(status).Index("Status").SortBy("StartedAt").Reverse())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	return toPointers(runs), nil
}

func (s *RunStorage) SaveSchedule(ctx context.Context, schedule *models.ScheduleConfig) error {
	if schedule.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	// Keyed by name so updates replace the existing schedule.
	if err := s.db.Store().Upsert(schedule.Name, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func (s *RunStorage) GetSchedule(ctx context.Context, name string) (*models.ScheduleConfig, error) {
	var schedule models.ScheduleConfig
	if err := s.db.Store().Get(name, &schedule); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("schedule %s: %w", name, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &schedule, nil
}

func (s *RunStorage) ListSchedules(ctx context.Context) ([]*models.ScheduleConfig, error) {
	var schedules []models.ScheduleConfig
	err := s.db.Store().Find(&schedules, badgerhold.Where("Name").Ne("").SortBy("Name"))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return toPointers(schedules), nil
}

func (s *RunStorage) DeleteSchedule(ctx context.Context, name string) error {
	if err := s.db.Store().Delete(name, &models.ScheduleConfig{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}
