package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/coordination"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// Coordinator drains the shared scrape queue with a bounded worker pool.
// Every upstream call passes the per-source circuit breaker and rate
// limiter; fetched items go through the idempotent ingest ledger before any
// row is written.
type Coordinator struct {
	backend  coordination.Backend
	scrapers map[string]interfaces.TrendScraper
	sources  interfaces.SourceStorage
	heat     *HeatScorer
	cfg      common.ScraperConfig
	logger   arbor.ILogger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCoordinator creates a scrape coordinator over the given backend and
// scraper set.
func NewCoordinator(
	backend coordination.Backend,
	scrapers []interfaces.TrendScraper,
	sources interfaces.SourceStorage,
	heat *HeatScorer,
	cfg common.ScraperConfig,
	logger arbor.ILogger,
) *Coordinator {
	byPlatform := make(map[string]interfaces.TrendScraper, len(scrapers))
	for _, s := range scrapers {
		byPlatform[s.Platform()] = s
	}
	return &Coordinator{
		backend:  backend,
		scrapers: byPlatform,
		sources:  sources,
		heat:     heat,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the worker pool. Workers run until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info().Int("workers", c.cfg.Concurrency).Msg("Scrape coordinator started")
}

// Stop cancels workers and waits for in-flight jobs to finish.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Scrape coordinator stopped")
}

// Submit enqueues one scrape job, applying the configured source priority
// when the job carries none.
func (c *Coordinator) Submit(ctx context.Context, job *models.ScrapeJob) error {
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.Priority == 0 {
		job.Priority = c.cfg.SourcePriorities[job.Platform]
	}
	// Hotness-driven captures jump the queue so they run while the
	// ranking signal is still fresh.
	if job.CaptureMode == models.CaptureModeByHot {
		job.Priority += 10
	}
	job.EnqueuedAt = time.Now().UTC()
	return c.backend.Enqueue(ctx, job)
}

// SubscribeResults streams results for one run. Callers must invoke the
// returned cancel func when done.
func (c *Coordinator) SubscribeResults(runID string) (<-chan *models.ScrapeResult, func(), error) {
	return c.backend.SubscribeResults(runID)
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		job, err := c.backend.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, coordination.ErrClosed) {
				return
			}
			c.logger.Warn().Err(err).Int("worker", id).Msg("Dequeue failed")
			continue
		}

		result := c.execute(ctx, job)
		if result == nil {
			// Deferred behind an open breaker; a result follows later.
			continue
		}
		if err := c.backend.PublishResult(ctx, result); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish scrape result")
		}
	}
}

// maxBreakerDeferrals caps how many times one job is re-enqueued behind an
// open breaker before it is skipped.
const maxBreakerDeferrals = 3

// execute runs one job end to end: breaker acquire, rate limit, fetch with
// bounded retries, ingest, watermark persist. Returns nil when the job was
// deferred behind an open breaker; its result arrives on a later pass.
func (c *Coordinator) execute(ctx context.Context, job *models.ScrapeJob) *models.ScrapeResult {
	result := &models.ScrapeResult{
		JobID:    job.ID,
		RunID:    job.RunID,
		Platform: job.Platform,
		Channel:  job.Channel,
	}
	defer func() { result.CompletedAt = time.Now().UTC() }()

	scraper, ok := c.scrapers[job.Platform]
	if !ok {
		result.Error = fmt.Sprintf("no scraper registered for platform %s", job.Platform)
		return result
	}

	state, err := c.sources.GetScraperState(ctx, job.Platform, job.Channel)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		result.Error = fmt.Sprintf("failed to load scraper state: %v", err)
		return result
	}

	var batch *interfaces.ScrapeBatch
	attempts := c.cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	baseDelay := common.Duration(c.cfg.RetryBaseDelay, 500*time.Millisecond)

	for attempt := 1; attempt <= attempts; attempt++ {
		probe, err := c.backend.Acquire(job.Platform)
		if err != nil {
			// An open breaker defers the job until the half-open window
			// rather than dropping it. The deferral budget bounds how long
			// one job waits out a sick source; exhausting it skips the job.
			if errors.Is(err, coordination.ErrCircuitOpen) {
				if job.Attempt < maxBreakerDeferrals {
					c.deferJob(job)
					return nil
				}
				c.logger.Info().
					Str("platform", job.Platform).
					Str("job_id", job.ID).
					Int("deferrals", job.Attempt).
					Msg("Breaker still open after deferral budget, skipping scrape job")
				result.Skipped = true
				return result
			}
			result.Error = err.Error()
			return result
		}

		if err := c.limiter(job.Platform).Wait(ctx); err != nil {
			c.backend.ReportFailure(job.Platform, probe)
			result.Error = err.Error()
			return result
		}

		reqCtx, cancel := context.WithTimeout(ctx, common.Duration(c.cfg.RequestTimeout, 30*time.Second))
		batch, err = scraper.Scrape(reqCtx, job, state)
		cancel()

		if err == nil {
			c.backend.ReportSuccess(job.Platform, probe)
			break
		}

		c.backend.ReportFailure(job.Platform, probe)
		c.logger.Warn().Err(err).
			Str("platform", job.Platform).
			Int("attempt", attempt).
			Msg("Scrape attempt failed")

		if attempt == attempts {
			result.Error = err.Error()
			return result
		}
		select {
		case <-time.After(baseDelay * (1 << (attempt - 1))):
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			return result
		}
	}

	if batch.NotModified {
		result.NotModified = true
	}

	stored, seen := c.ingest(ctx, job, batch.Items)
	result.ItemsStored = stored
	result.ItemsSeen = seen

	if err := c.persistState(ctx, job, state, batch); err != nil {
		c.logger.Warn().Err(err).
			Str("platform", job.Platform).
			Str("channel", job.Channel).
			Msg("Failed to persist scraper state")
	}

	return result
}

// deferJob re-enqueues a breaker-refused job once the open window has had a
// chance to elapse, so it runs against the half-open probe instead of being
// dropped. When re-enqueueing fails the job surfaces as skipped.
func (c *Coordinator) deferJob(job *models.ScrapeJob) {
	job.Attempt++

	window := common.Duration(c.cfg.BreakerOpenWindow, 60*time.Second)
	delay := window
	if snap := c.backend.BreakerSnapshot(job.Platform); !snap.OpenedAt.IsZero() {
		remaining := time.Until(snap.OpenedAt.Add(window))
		if remaining < 0 {
			remaining = 0
		}
		delay = remaining + 10*time.Millisecond
	}

	c.logger.Info().
		Str("platform", job.Platform).
		Str("job_id", job.ID).
		Int("deferral", job.Attempt).
		Str("delay", delay.String()).
		Msg("Breaker open, deferring scrape job")

	time.AfterFunc(delay, func() {
		if err := c.backend.Enqueue(context.Background(), job); err == nil {
			return
		} else if !errors.Is(err, coordination.ErrClosed) {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to re-enqueue deferred scrape job")
		}
		skipped := &models.ScrapeResult{
			JobID:       job.ID,
			RunID:       job.RunID,
			Platform:    job.Platform,
			Channel:     job.Channel,
			Skipped:     true,
			CompletedAt: time.Now().UTC(),
		}
		if err := c.backend.PublishResult(context.Background(), skipped); err != nil && !errors.Is(err, coordination.ErrClosed) {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish deferred job result")
		}
	})
}

// ingest runs each fetched item through the idempotency ledger and stores
// the new ones with their heat score. Re-seen triples are skipped entirely,
// as are items whose content and media hash already exist under another
// source ID.
func (c *Coordinator) ingest(ctx context.Context, job *models.ScrapeJob, items []*models.TrendSource) (stored, seen int) {
	now := time.Now().UTC()
	batchHashes := make(map[string]bool, len(items))

	for _, item := range items {
		seen++

		record := &models.SourceIngestRecord{
			IdempotencyKey:  item.IngestKey(),
			SourcePlatform:  item.SourcePlatform,
			SourceID:        item.SourceID,
			SourceUpdatedAt: item.SourceUpdatedAt,
		}
		inserted, err := c.sources.RecordIngest(ctx, record)
		if err != nil {
			c.logger.Error().Err(err).Str("source_id", item.SourceID).Msg("Ingest ledger write failed")
			continue
		}
		if !inserted {
			continue
		}

		// Content dedup: the same text and media arriving under a second
		// source ID is dropped, not stored twice.
		contentKey := item.Title + " " + item.NormalizedText
		if len(item.MediaURLs) > 0 {
			contentKey += " " + strings.Join(item.MediaURLs, " ")
		}
		hash := common.ContentHash(contentKey)
		if batchHashes[hash] {
			continue
		}
		if _, err := c.sources.GetSourceByContentHash(ctx, hash); err == nil {
			c.logger.Debug().
				Str("source_id", item.SourceID).
				Str("content_hash", hash).
				Msg("Duplicate content, skipping item")
			continue
		} else if !errors.Is(err, common.ErrNotFound) {
			c.logger.Error().Err(err).Str("source_id", item.SourceID).Msg("Content hash lookup failed")
			continue
		}
		batchHashes[hash] = true

		if item.ID == "" {
			item.ID = common.NewSourceID()
		}
		item.PipelineRunID = job.RunID
		item.SourceChannel = job.Channel
		item.ParseStatus = models.ParseStatusPending
		item.ContentHash = hash
		item.NormalizedHeatScore, item.HeatBreakdown = c.heat.Score(item, now)

		if err := c.sources.SaveSource(ctx, item); err != nil {
			c.logger.Error().Err(err).Str("source_id", item.SourceID).Msg("Failed to save source")
			continue
		}
		stored++
	}
	return stored, seen
}

func (c *Coordinator) persistState(ctx context.Context, job *models.ScrapeJob, prev *models.ScraperState, batch *interfaces.ScrapeBatch) error {
	state := prev
	if state == nil {
		state = &models.ScraperState{
			Platform: job.Platform,
			Channel:  job.Channel,
			ETags:    map[string]string{},
		}
	}
	if !batch.NextCursor.IsZero() && batch.NextCursor.After(state.Cursor) {
		state.Cursor = batch.NextCursor
	}
	for url, etag := range batch.ETags {
		if state.ETags == nil {
			state.ETags = map[string]string{}
		}
		state.ETags[url] = etag
	}
	return c.sources.SaveScraperState(ctx, state)
}

// limiter returns (lazily creating) the per-source token bucket. Sources
// without a configured rate are unlimited.
func (c *Coordinator) limiter(platform string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	if l, ok := c.limiters[platform]; ok {
		return l
	}
	rps := c.cfg.SourceRPS[platform]
	var l *rate.Limiter
	if rps <= 0 {
		l = rate.NewLimiter(rate.Inf, 1)
	} else {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
	}
	c.limiters[platform] = l
	return l
}
