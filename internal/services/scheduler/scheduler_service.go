// Package scheduler runs cron-driven pipeline launches from persisted
// schedule definitions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// jobEntry represents a registered job with metadata
type jobEntry struct {
	name      string
	schedule  string
	handler   func() error
	enabled   bool
	cronID    cron.EntryID
	lastRun   *time.Time
	nextRun   *time.Time
	isRunning bool
	lastError string
}

// Service implements interfaces.SchedulerService on robfig/cron.
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	jobMu   sync.Mutex // protects jobs map and entries
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// LoadSchedules registers every enabled persisted schedule as a cron job
// that hands its config to launch. Called before Start.
func (s *Service) LoadSchedules(ctx context.Context, runs interfaces.RunStorage, launch func(schedule *models.ScheduleConfig) error) error {
	schedules, err := runs.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	for _, schedule := range schedules {
		if !schedule.Enabled {
			s.logger.Debug().Str("schedule", schedule.Name).Msg("Skipping disabled schedule")
			continue
		}
		sched := schedule
		if err := s.RegisterJob(sched.Name, sched.CronExpression, func() error {
			return launch(sched)
		}); err != nil {
			s.logger.Warn().Err(err).Str("schedule", sched.Name).Msg("Failed to register schedule")
			continue
		}
	}

	s.logger.Info().Int("schedules", len(schedules)).Msg("Schedules loaded")
	return nil
}

// Start begins the scheduler.
func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true
	s.refreshNextRunsLocked()

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler, waiting for in-flight jobs to finish.
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// RegisterJob registers a new job with the scheduler.
func (s *Service) RegisterJob(name string, schedule string, handler func() error) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
		enabled:  true,
	}

	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %q: %w", schedule, name, err)
	}
	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job", name).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// EnableJob enables a disabled job.
func (s *Service) EnableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job %q not found", name)
	}
	if entry.enabled {
		return nil
	}

	cronID, err := s.cron.AddFunc(entry.schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("failed to re-add job %q: %w", name, err)
	}
	entry.cronID = cronID
	entry.enabled = true

	s.logger.Info().Str("job", name).Msg("Job enabled")
	return nil
}

// DisableJob disables an enabled job.
func (s *Service) DisableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job %q not found", name)
	}
	if !entry.enabled {
		return nil
	}

	s.cron.Remove(entry.cronID)
	entry.enabled = false

	s.logger.Info().Str("job", name).Msg("Job disabled")
	return nil
}

// TriggerJobNow manually triggers a registered job.
func (s *Service) TriggerJobNow(name string) error {
	s.jobMu.Lock()
	_, exists := s.jobs[name]
	s.jobMu.Unlock()
	if !exists {
		return fmt.Errorf("job %q not found", name)
	}

	common.SafeGo(s.logger, "scheduler:"+name, func() { s.execute(name) })
	return nil
}

// GetJobStatus returns the status of a specific job.
func (s *Service) GetJobStatus(name string) (*interfaces.JobStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return s.statusLocked(entry), nil
}

// GetAllJobStatuses returns all job statuses.
func (s *Service) GetAllJobStatuses() map[string]*interfaces.JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	statuses := make(map[string]*interfaces.JobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		statuses[name] = s.statusLocked(entry)
	}
	return statuses
}

func (s *Service) statusLocked(entry *jobEntry) *interfaces.JobStatus {
	status := &interfaces.JobStatus{
		Name:      entry.name,
		Enabled:   entry.enabled,
		Schedule:  entry.schedule,
		LastRun:   entry.lastRun,
		NextRun:   entry.nextRun,
		IsRunning: entry.isRunning,
		LastError: entry.lastError,
	}
	if entry.enabled {
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			n := next
			status.NextRun = &n
		}
	}
	return status
}

func (s *Service) refreshNextRunsLocked() {
	for _, entry := range s.jobs {
		if !entry.enabled {
			continue
		}
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			n := next
			entry.nextRun = &n
		}
	}
}

// execute runs one job, guarding against overlapping executions of the
// same job.
func (s *Service) execute(name string) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists || entry.isRunning {
		s.jobMu.Unlock()
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	started := time.Now()
	s.logger.Info().Str("job", name).Msg("Job started")
	err := handler()

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &started
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("Job failed")
		return
	}
	s.logger.Info().
		Str("job", name).
		Dur("duration", time.Since(started)).
		Msg("Job completed")
}
