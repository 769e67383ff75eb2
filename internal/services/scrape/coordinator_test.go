package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/coordination"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// memSourceStore is an in-memory SourceStorage for coordinator tests.
type memSourceStore struct {
	mu      sync.Mutex
	sources map[string]*models.TrendSource
	ledger  map[string]bool
	states  map[string]*models.ScraperState
}

func newMemSourceStore() *memSourceStore {
	return &memSourceStore{
		sources: map[string]*models.TrendSource{},
		ledger:  map[string]bool{},
		states:  map[string]*models.ScraperState{},
	}
}

func (m *memSourceStore) SaveSource(ctx context.Context, s *models.TrendSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = s
	return nil
}

func (m *memSourceStore) GetSource(ctx context.Context, id string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s, nil
}

func (m *memSourceStore) GetSourceByNaturalKey(ctx context.Context, platform, sourceID string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.SourcePlatform == platform && s.SourceID == sourceID {
			return s, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memSourceStore) GetSourceByContentHash(ctx context.Context, hash string) (*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.ContentHash == hash {
			return s, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memSourceStore) ListSourcesByRun(ctx context.Context, runID string) ([]*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrendSource
	for _, s := range m.sources {
		if s.PipelineRunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSourceStore) ListSourcesByParseStatus(ctx context.Context, status string, limit int) ([]*models.TrendSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrendSource
	for _, s := range m.sources {
		if s.ParseStatus == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSourceStore) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*models.TrendSource, error) {
	return nil, nil
}

func (m *memSourceStore) CountSources(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources), nil
}

func (m *memSourceStore) RecordIngest(ctx context.Context, r *models.SourceIngestRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger[r.IdempotencyKey] {
		return false, nil
	}
	m.ledger[r.IdempotencyKey] = true
	return true, nil
}

func (m *memSourceStore) SaveScraperState(ctx context.Context, s *models.ScraperState) error {
	if s.Platform == "" {
		return fmt.Errorf("scraper state requires a platform")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.StateKey()] = s
	return nil
}

func (m *memSourceStore) GetScraperState(ctx context.Context, platform, channel string) (*models.ScraperState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[platform+":"+channel]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s, nil
}

// stubScraper returns canned batches or errors, recording the state it saw.
type stubScraper struct {
	mu        sync.Mutex
	platform  string
	batches   []*interfaces.ScrapeBatch
	errs      []error
	calls     int
	seenState []*models.ScraperState
}

func (s *stubScraper) Platform() string { return s.platform }

func (s *stubScraper) Scrape(ctx context.Context, job *models.ScrapeJob, state *models.ScraperState) (*interfaces.ScrapeBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.seenState = append(s.seenState, state)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.batches) {
		return s.batches[idx], nil
	}
	return &interfaces.ScrapeBatch{}, nil
}

func testScraperConfig() common.ScraperConfig {
	return common.ScraperConfig{
		Concurrency:             1,
		RequestTimeout:          "5s",
		RetryMaxAttempts:        1,
		RetryBaseDelay:          "1ms",
		BreakerFailureThreshold: 2,
		BreakerOpenWindow:       "60s",
		SourceRPS:               map[string]float64{},
		SourcePriorities:        map[string]int{"github": 5},
	}
}

func newTestCoordinator(t *testing.T, scraper interfaces.TrendScraper, cfg common.ScraperConfig) (*Coordinator, *coordination.LocalBackend, *memSourceStore) {
	t.Helper()
	backend := coordination.NewLocalBackend(16, cfg.BreakerFailureThreshold,
		common.Duration(cfg.BreakerOpenWindow, time.Minute), 100*time.Millisecond)
	store := newMemSourceStore()
	coord := NewCoordinator(backend, []interfaces.TrendScraper{scraper}, store,
		NewHeatScorer(testHeatConfig()), cfg, arbor.NewLogger())
	t.Cleanup(func() { backend.Close() })
	return coord, backend, store
}

func item(platform, sourceID string, updatedAt time.Time) *models.TrendSource {
	return &models.TrendSource{
		SourcePlatform:  platform,
		SourceID:        sourceID,
		SourceUpdatedAt: updatedAt,
		Title:           "title " + sourceID,
		NormalizedText:  "body " + sourceID,
		PublishedAt:     updatedAt,
		PlatformMetrics: map[string]float64{MetricPlatformPercentile: 0.5},
	}
}

func runJob(t *testing.T, coord *Coordinator, backend *coordination.LocalBackend, job *models.ScrapeJob) *models.ScrapeResult {
	t.Helper()
	ctx := context.Background()

	ch, cancel, err := backend.SubscribeResults(job.RunID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, coord.Submit(ctx, job))
	coord.Start(ctx)
	defer coord.Stop()

	select {
	case result := <-ch:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scrape result")
		return nil
	}
}

func TestCoordinatorIngestsNewItems(t *testing.T) {
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	scraper := &stubScraper{
		platform: "github",
		batches: []*interfaces.ScrapeBatch{{
			Items:      []*models.TrendSource{item("github", "a/x", updatedAt), item("github", "b/y", updatedAt)},
			NextCursor: updatedAt,
			ETags:      map[string]string{"https://api.github.com/search": `"e1"`},
		}},
	}
	coord, backend, store := newTestCoordinator(t, scraper, testScraperConfig())

	result := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github", Channel: "trending"})

	assert.Empty(t, result.Error)
	assert.Equal(t, 2, result.ItemsStored)
	assert.Equal(t, 2, result.ItemsSeen)

	stored, err := store.ListSourcesByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, s := range stored {
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.ContentHash)
		assert.Equal(t, models.ParseStatusPending, s.ParseStatus)
		assert.Greater(t, s.NormalizedHeatScore, 0.0)
	}

	state, err := store.GetScraperState(context.Background(), "github", "trending")
	require.NoError(t, err)
	assert.True(t, state.Cursor.Equal(updatedAt))
	assert.Equal(t, `"e1"`, state.ETags["https://api.github.com/search"])
}

func TestCoordinatorSkipsSeenTriples(t *testing.T) {
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	batch := func() *interfaces.ScrapeBatch {
		return &interfaces.ScrapeBatch{Items: []*models.TrendSource{item("github", "a/x", updatedAt)}}
	}
	scraper := &stubScraper{platform: "github", batches: []*interfaces.ScrapeBatch{batch(), batch()}}
	coord, backend, store := newTestCoordinator(t, scraper, testScraperConfig())

	first := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github"})
	assert.Equal(t, 1, first.ItemsStored)

	second := runJob(t, coord, backend, &models.ScrapeJob{ID: "j2", RunID: "run-1", Platform: "github"})
	assert.Equal(t, 0, second.ItemsStored, "re-seen triple must not store again")
	assert.Equal(t, 1, second.ItemsSeen)

	count, err := store.CountSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinatorOpenBreakerDefersJob(t *testing.T) {
	cfg := testScraperConfig()
	cfg.BreakerOpenWindow = "50ms"
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	scraper := &stubScraper{
		platform: "github",
		errs:     []error{errors.New("upstream 500"), errors.New("upstream 500")},
		batches: []*interfaces.ScrapeBatch{nil, nil,
			{Items: []*models.TrendSource{item("github", "a/x", updatedAt)}}},
	}
	coord, backend, _ := newTestCoordinator(t, scraper, cfg)

	// Two failing jobs reach the threshold and open the breaker.
	r1 := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github"})
	assert.NotEmpty(t, r1.Error)
	r2 := runJob(t, coord, backend, &models.ScrapeJob{ID: "j2", RunID: "run-1", Platform: "github"})
	assert.NotEmpty(t, r2.Error)

	// The next job is deferred past the open window, then runs as the
	// half-open probe and succeeds.
	r3 := runJob(t, coord, backend, &models.ScrapeJob{ID: "j3", RunID: "run-1", Platform: "github"})
	assert.Empty(t, r3.Error)
	assert.False(t, r3.Skipped, "deferred job must run, not be dropped")
	assert.Equal(t, 1, r3.ItemsStored)

	scraper.mu.Lock()
	calls := scraper.calls
	scraper.mu.Unlock()
	assert.Equal(t, 3, calls, "deferred job reaches the upstream after the window")
	assert.Equal(t, coordination.BreakerClosed, backend.BreakerSnapshot("github").State)
}

func TestCoordinatorSkipsAfterDeferralBudget(t *testing.T) {
	cfg := testScraperConfig()
	scraper := &stubScraper{
		platform: "github",
		errs:     []error{errors.New("upstream 500"), errors.New("upstream 500")},
	}
	coord, backend, _ := newTestCoordinator(t, scraper, cfg)

	r1 := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github"})
	assert.NotEmpty(t, r1.Error)
	r2 := runJob(t, coord, backend, &models.ScrapeJob{ID: "j2", RunID: "run-1", Platform: "github"})
	assert.NotEmpty(t, r2.Error)
	require.Equal(t, coordination.BreakerOpen, backend.BreakerSnapshot("github").State)

	// A job whose deferral budget is already spent is skipped without
	// reaching the scraper.
	scraper.mu.Lock()
	callsBefore := scraper.calls
	scraper.mu.Unlock()
	r3 := runJob(t, coord, backend, &models.ScrapeJob{
		ID: "j3", RunID: "run-1", Platform: "github", Attempt: maxBreakerDeferrals,
	})
	assert.True(t, r3.Skipped, "exhausted deferral budget must skip, not fail, the job")
	assert.Empty(t, r3.Error)

	scraper.mu.Lock()
	defer scraper.mu.Unlock()
	assert.Equal(t, callsBefore, scraper.calls, "skipped job must not hit the upstream")
}

func TestCoordinatorPersistsStateWithoutChannel(t *testing.T) {
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	scraper := &stubScraper{
		platform: "github",
		batches: []*interfaces.ScrapeBatch{{
			Items:      []*models.TrendSource{item("github", "a/x", updatedAt)},
			NextCursor: updatedAt,
			ETags:      map[string]string{"https://api.github.com/search": `"e1"`},
		}},
	}
	coord, backend, store := newTestCoordinator(t, scraper, testScraperConfig())

	result := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github"})
	assert.Empty(t, result.Error)

	// Channel-less jobs persist their watermark under the platform's
	// default stream.
	state, err := store.GetScraperState(context.Background(), "github", "")
	require.NoError(t, err)
	assert.True(t, state.Cursor.Equal(updatedAt))
	assert.Equal(t, `"e1"`, state.ETags["https://api.github.com/search"])
}

func TestCoordinatorDedupsByContentHash(t *testing.T) {
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	twin := func(sourceID string) *models.TrendSource {
		s := item("github", sourceID, updatedAt)
		s.Title = "same trending story"
		s.NormalizedText = "identical body text"
		return s
	}
	scraper := &stubScraper{
		platform: "github",
		batches: []*interfaces.ScrapeBatch{
			{Items: []*models.TrendSource{twin("a/x"), twin("b/y")}},
			{Items: []*models.TrendSource{twin("c/z")}},
		},
	}
	coord, backend, store := newTestCoordinator(t, scraper, testScraperConfig())

	// Two items with identical content under different source IDs: the
	// ledger admits both triples, the content hash stores only one.
	first := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github"})
	assert.Equal(t, 2, first.ItemsSeen)
	assert.Equal(t, 1, first.ItemsStored)

	// A later job carrying the same content under a third ID stores nothing.
	second := runJob(t, coord, backend, &models.ScrapeJob{ID: "j2", RunID: "run-1", Platform: "github"})
	assert.Equal(t, 1, second.ItemsSeen)
	assert.Equal(t, 0, second.ItemsStored)

	count, err := store.CountSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinatorHotCaptureJumpsQueue(t *testing.T) {
	scraper := &stubScraper{platform: "github"}
	coord, backend, _ := newTestCoordinator(t, scraper, testScraperConfig())
	ctx := context.Background()

	require.NoError(t, coord.Submit(ctx, &models.ScrapeJob{ID: "plain", RunID: "run-1", Platform: "github"}))
	require.NoError(t, coord.Submit(ctx, &models.ScrapeJob{
		ID: "hot", RunID: "run-1", Platform: "github", CaptureMode: models.CaptureModeByHot,
	}))

	// The hotness-driven job outranks the earlier plain one.
	first, err := backend.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hot", first.ID)
	assert.Equal(t, 15, first.Priority)

	second, err := backend.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain", second.ID)
}

func TestCoordinatorPassesPersistedState(t *testing.T) {
	updatedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	scraper := &stubScraper{
		platform: "github",
		batches: []*interfaces.ScrapeBatch{
			{Items: []*models.TrendSource{item("github", "a/x", updatedAt)}, NextCursor: updatedAt},
			{},
		},
	}
	coord, backend, _ := newTestCoordinator(t, scraper, testScraperConfig())

	runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "github", Channel: "trending"})
	runJob(t, coord, backend, &models.ScrapeJob{ID: "j2", RunID: "run-1", Platform: "github", Channel: "trending"})

	scraper.mu.Lock()
	defer scraper.mu.Unlock()
	require.Len(t, scraper.seenState, 2)
	assert.Nil(t, scraper.seenState[0], "first poll has no persisted state")
	require.NotNil(t, scraper.seenState[1], "second poll must receive the stored watermark")
	assert.True(t, scraper.seenState[1].Cursor.Equal(updatedAt))
}

func TestCoordinatorUnknownPlatform(t *testing.T) {
	scraper := &stubScraper{platform: "github"}
	coord, backend, _ := newTestCoordinator(t, scraper, testScraperConfig())

	result := runJob(t, coord, backend, &models.ScrapeJob{ID: "j1", RunID: "run-1", Platform: "mystery"})
	assert.Contains(t, result.Error, "no scraper registered")
}
