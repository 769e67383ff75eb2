package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// memStore is an in-memory StorageManager for orchestrator tests.
type memStore struct {
	mu sync.Mutex

	sources map[string]*models.TrendSource
	ingest  map[string]bool
	states  map[string]*models.ScraperState

	drafts   map[string]*models.ContentDraft
	versions map[string]*models.DraftVersion
	records  map[string]*models.PublishRecord

	cache       map[string]*models.ParseCacheEntry
	deadLetters map[string]*models.ParseDeadLetter

	runs      map[string]*models.PipelineRun
	schedules map[string]*models.ScheduleConfig
}

func newMemStore() *memStore {
	return &memStore{
		sources:     map[string]*models.TrendSource{},
		ingest:      map[string]bool{},
		states:      map[string]*models.ScraperState{},
		drafts:      map[string]*models.ContentDraft{},
		versions:    map[string]*models.DraftVersion{},
		records:     map[string]*models.PublishRecord{},
		cache:       map[string]*models.ParseCacheEntry{},
		deadLetters: map[string]*models.ParseDeadLetter{},
		runs:        map[string]*models.PipelineRun{},
		schedules:   map[string]*models.ScheduleConfig{},
	}
}

func (m *memStore) SourceStorage() interfaces.SourceStorage { return m }
func (m *memStore) DraftStorage() interfaces.DraftStorage   { return m }
func (m *memStore) ParseStorage() interfaces.ParseStorage   { return m }
func (m *memStore) RunStorage() interfaces.RunStorage       { return m }
func (m *memStore) Close() error                            { return nil }

// --- SourceStorage ---

func (m *memStore) SaveSource(_ context.Context, source *models.TrendSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *source
	m.sources[source.ID] = &clone
	return nil
}

func (m *memStore) GetSource(_ context.Context, id string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *src
	return &clone, nil
}

func (m *memStore) GetSourceByNaturalKey(_ context.Context, platform, sourceID string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.SourcePlatform == platform && src.SourceID == sourceID {
			clone := *src
			return &clone, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memStore) GetSourceByContentHash(_ context.Context, hash string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.ContentHash == hash {
			clone := *src
			return &clone, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memStore) ListSourcesByRun(_ context.Context, runID string) ([]*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrendSource
	for _, src := range m.sources {
		if src.PipelineRunID == runID {
			clone := *src
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListSourcesByParseStatus(_ context.Context, status string, limit int) ([]*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrendSource
	for _, src := range m.sources {
		if src.ParseStatus == status {
			clone := *src
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListDueForRetry(_ context.Context, now time.Time, limit int) ([]*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrendSource
	for _, src := range m.sources {
		if src.ParseStatus == models.ParseStatusDelayed && src.ParseRetryAt != nil && !src.ParseRetryAt.After(now) {
			clone := *src
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountSources(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources), nil
}

func (m *memStore) RecordIngest(_ context.Context, record *models.SourceIngestRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ingest[record.IdempotencyKey] {
		return false, nil
	}
	m.ingest[record.IdempotencyKey] = true
	return true, nil
}

func (m *memStore) SaveScraperState(_ context.Context, state *models.ScraperState) error {
	if state.Platform == "" {
		return fmt.Errorf("scraper state requires a platform")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *state
	m.states[state.StateKey()] = &clone
	return nil
}

func (m *memStore) GetScraperState(_ context.Context, platform, channel string) (*models.ScraperState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[platform+":"+channel]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *state
	return &clone, nil
}

// --- DraftStorage ---

func (m *memStore) SaveDraft(_ context.Context, draft *models.ContentDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *draft
	m.drafts[draft.ID] = &clone
	return nil
}

func (m *memStore) GetDraft(_ context.Context, id string) (*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *draft
	return &clone, nil
}

func (m *memStore) ListDraftsByRun(_ context.Context, runID string) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, draft := range m.drafts {
		if draft.PipelineRunID == runID {
			clone := *draft
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListDraftsByStatus(_ context.Context, status string, limit int) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, draft := range m.drafts {
		if draft.Status == status {
			clone := *draft
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SaveVersion(_ context.Context, version *models.DraftVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.VersionKey(version.DraftID, version.VersionNo)
	if _, ok := m.versions[key]; ok {
		return common.ErrAlreadyExists
	}
	clone := *version
	m.versions[key] = &clone
	return nil
}

func (m *memStore) GetVersion(_ context.Context, draftID string, versionNo int) (*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.versions[models.VersionKey(draftID, versionNo)]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *version
	return &clone, nil
}

func (m *memStore) ListVersions(_ context.Context, draftID string) ([]*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DraftVersion
	for _, version := range m.versions {
		if version.DraftID == draftID {
			clone := *version
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNo < out[j].VersionNo })
	return out, nil
}

func (m *memStore) SavePublishRecord(_ context.Context, record *models.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *memStore) ListPublishRecordsByRun(_ context.Context, runID string) ([]*models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PublishRecord
	for _, record := range m.records {
		if record.PipelineRunID == runID {
			clone := *record
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DraftID < out[j].DraftID })
	return out, nil
}

func (m *memStore) ListAcceptedDrafts(_ context.Context, platform string, limit int) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, draft := range m.drafts {
		accepted := draft.Status == models.DraftStatusQualityChecked || draft.Status == models.DraftStatusPublished
		if draft.TargetPlatform == platform && accepted {
			clone := *draft
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ParseStorage ---

func (m *memStore) GetCacheEntry(_ context.Context, contentHash, schemaVersion string) (*models.ParseCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[models.ParseCacheKey(contentHash, schemaVersion)]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *memStore) SaveCacheEntry(_ context.Context, entry *models.ParseCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.cache[entry.CacheKey()] = &clone
	return nil
}

func (m *memStore) SaveDeadLetter(_ context.Context, entry *models.ParseDeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.deadLetters[entry.ID] = &clone
	return nil
}

func (m *memStore) GetDeadLetter(_ context.Context, id string) (*models.ParseDeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.deadLetters[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *memStore) ListDeadLetters(_ context.Context, status string, limit int) ([]*models.ParseDeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ParseDeadLetter
	for _, entry := range m.deadLetters {
		if status == "" || entry.Status == status {
			clone := *entry
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountDeadLetters(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deadLetters), nil
}

// --- RunStorage ---

func (m *memStore) SaveRun(_ context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (m *memStore) ListRuns(_ context.Context, limit int) ([]*models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PipelineRun
	for _, run := range m.runs {
		clone := *run
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListRunsByStatus(_ context.Context, status string) ([]*models.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PipelineRun
	for _, run := range m.runs {
		if run.Status == status {
			clone := *run
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) SaveSchedule(_ context.Context, schedule *models.ScheduleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *schedule
	m.schedules[schedule.Name] = &clone
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, name string) (*models.ScheduleConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	schedule, ok := m.schedules[name]
	if !ok {
		return nil, common.ErrNotFound
	}
	clone := *schedule
	return &clone, nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]*models.ScheduleConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduleConfig
	for _, schedule := range m.schedules {
		clone := *schedule
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) DeleteSchedule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[name]; !ok {
		return common.ErrNotFound
	}
	delete(m.schedules, name)
	return nil
}
