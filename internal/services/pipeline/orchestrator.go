// Package pipeline sequences a run through the stage state machine:
// scraping, categorizing, summarizing, quality_checking, optional
// video_generating, publishing, completed. failed is terminal from any
// stage. Retry and requeue edges belong to the scrape coordinator and parse
// router; the orchestrator only drives stages forward.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
	"github.com/ternarybob/trendpipe/internal/services/gate"
	"github.com/ternarybob/trendpipe/internal/services/generate"
	"github.com/ternarybob/trendpipe/internal/services/parse"
	"github.com/ternarybob/trendpipe/internal/services/scrape"
)

const scrapeStageTimeout = 5 * time.Minute

// Orchestrator wires the resilience components into the per-run state
// machine and records run-level outcomes.
type Orchestrator struct {
	coordinator *scrape.Coordinator
	router      *parse.Router
	stage       *generate.Stage
	gate        *gate.Gate
	video       interfaces.VideoService // nil when no provider is configured
	publishers  map[string]interfaces.Publisher
	sources     interfaces.SourceStorage
	drafts      interfaces.DraftStorage
	runs        interfaces.RunStorage
	cfg         *common.Config
	logger      arbor.ILogger
	now         func() time.Time
}

// NewOrchestrator assembles the pipeline. videoSvc may be nil; runs that
// request video then skip the video stage with a warning.
func NewOrchestrator(
	coordinator *scrape.Coordinator,
	router *parse.Router,
	stage *generate.Stage,
	publishGate *gate.Gate,
	videoSvc interfaces.VideoService,
	publishers map[string]interfaces.Publisher,
	storage interfaces.StorageManager,
	cfg *common.Config,
	logger arbor.ILogger,
) *Orchestrator {
	return &Orchestrator{
		coordinator: coordinator,
		router:      router,
		stage:       stage,
		gate:        publishGate,
		video:       videoSvc,
		publishers:  publishers,
		sources:     storage.SourceStorage(),
		drafts:      storage.DraftStorage(),
		runs:        storage.RunStorage(),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Run executes one pipeline run to a terminal status. The returned run
// carries the final state even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, trigger string, config models.RunConfig) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:          common.NewRunID(),
		TriggerType: trigger,
		Config:      config,
		Status:      models.RunStatusRunning,
		Timing:      map[string]float64{},
		StartedAt:   o.now(),
	}
	if err := o.enterStage(ctx, run, models.StageScraping); err != nil {
		return run, err
	}

	o.logger.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Strs("sources", config.Sources).
		Strs("platforms", config.TargetPlatforms).
		Msg("Pipeline run started")

	selected, err := o.stageScraping(ctx, run)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	if err := o.enterStage(ctx, run, models.StageCategorizing); err != nil {
		return run, err
	}
	selected = o.stageCategorizing(run, selected)

	if err := o.enterStage(ctx, run, models.StageSummarizing); err != nil {
		return run, err
	}
	drafts, err := o.stageSummarizing(ctx, run, selected)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	if err := o.enterStage(ctx, run, models.StageQualityChecking); err != nil {
		return run, err
	}
	accepted, err := o.stageQualityChecking(ctx, run, drafts)
	if err != nil {
		return o.fail(ctx, run, err)
	}

	if run.Config.GenerateVideo {
		if err := o.enterStage(ctx, run, models.StageVideoGenerating); err != nil {
			return run, err
		}
		o.stageVideoGenerating(ctx, run, accepted)
	}

	if err := o.enterStage(ctx, run, models.StagePublishing); err != nil {
		return run, err
	}
	if err := o.stagePublishing(ctx, run, accepted); err != nil {
		return o.fail(ctx, run, err)
	}

	return o.complete(ctx, run)
}

// RunFromSchedule adapts a persisted schedule into a run config; the
// scheduler registers this as each schedule's launch handler.
func (o *Orchestrator) RunFromSchedule(ctx context.Context, schedule *models.ScheduleConfig) (*models.PipelineRun, error) {
	return o.Run(ctx, "cron", models.RunConfig{
		Sources:         schedule.Sources,
		Query:           schedule.Query,
		CategoryFilter:  schedule.Categories,
		TargetPlatforms: schedule.TargetPlatforms,
		GenerateVideo:   schedule.GenerateVideo,
		VideoProvider:   schedule.VideoProvider,
		CaptureMode:     schedule.CaptureMode,
		SortStrategy:    schedule.SortStrategy,
		StartTime:       schedule.StartTime,
		EndTime:         schedule.EndTime,
	})
}

// GetRun loads a run by ID.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	return o.runs.GetRun(ctx, id)
}

// stageScraping submits one job per configured source and awaits every
// result. Queue backpressure on an individual job skips that source; the
// stage fails only when no job could be submitted at all.
func (o *Orchestrator) stageScraping(ctx context.Context, run *models.PipelineRun) ([]*models.TrendSource, error) {
	defer o.recordTiming(run, models.StageScraping)()

	results, cancel, err := o.coordinator.SubscribeResults(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to scrape results: %w", err)
	}
	defer cancel()

	submitted := 0
	for _, source := range run.Config.Sources {
		job := &models.ScrapeJob{
			RunID:       run.ID,
			Platform:    source,
			Query:       run.Config.Query,
			CaptureMode: run.Config.CaptureMode,
			MaxItems:    run.Config.MaxItems,
		}
		if err := o.coordinator.Submit(ctx, job); err != nil {
			o.logger.Warn().Err(err).
				Str("run_id", run.ID).
				Str("platform", source).
				Msg("Failed to submit scrape job, skipping source")
			continue
		}
		submitted++
	}
	if submitted == 0 {
		return nil, fmt.Errorf("no scrape jobs could be submitted")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, scrapeStageTimeout)
	defer waitCancel()

	for received := 0; received < submitted; {
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("scrape stage timed out after %d/%d results: %w", received, submitted, waitCtx.Err())
		case result, ok := <-results:
			if !ok {
				return nil, fmt.Errorf("scrape result stream closed after %d/%d results", received, submitted)
			}
			received++
			run.ItemsScraped += result.ItemsStored
			o.logger.Info().
				Str("run_id", run.ID).
				Str("platform", result.Platform).
				Int("stored", result.ItemsStored).
				Bool("skipped", result.Skipped).
				Str("error", result.Error).
				Msg("Scrape job finished")
		}
	}

	sources, err := o.sources.ListSourcesByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scraped sources: %w", err)
	}
	return sources, nil
}

// stageCategorizing filters by category terms and the capture window, then
// ranks by the effective sort strategy, trimming to MaxItems. Ties break on
// SourceID for a deterministic order.
func (o *Orchestrator) stageCategorizing(run *models.PipelineRun, sources []*models.TrendSource) []*models.TrendSource {
	defer o.recordTiming(run, models.StageCategorizing)()

	filtered := sources
	if len(run.Config.CategoryFilter) > 0 {
		filtered = filtered[:0:0]
		for _, src := range sources {
			if matchesCategory(src, run.Config.CategoryFilter) {
				filtered = append(filtered, src)
			}
		}
	}
	filtered = filterByWindow(filtered, run.Config)

	strategy := effectiveSort(run.Config)
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		switch strategy {
		case models.SortStrategyRecency:
			if !a.SourceUpdatedAt.Equal(b.SourceUpdatedAt) {
				return a.SourceUpdatedAt.After(b.SourceUpdatedAt)
			}
		case models.SortStrategyEngagement:
			if a.EngagementScore != b.EngagementScore {
				return a.EngagementScore > b.EngagementScore
			}
		default:
			if a.NormalizedHeatScore != b.NormalizedHeatScore {
				return a.NormalizedHeatScore > b.NormalizedHeatScore
			}
		}
		return a.SourceID < b.SourceID
	})

	if max := run.Config.MaxItems; max > 0 && len(filtered) > max {
		filtered = filtered[:max]
	}

	o.logger.Info().
		Str("run_id", run.ID).
		Int("in", len(sources)).
		Int("selected", len(filtered)).
		Msg("Sources categorized and ranked")
	return filtered
}

// effectiveSort resolves the hybrid strategy against the capture mode:
// time-driven captures rank by recency, hotness-driven by engagement.
func effectiveSort(cfg models.RunConfig) string {
	if cfg.SortStrategy != models.SortStrategyHybrid {
		return cfg.SortStrategy
	}
	switch cfg.CaptureMode {
	case models.CaptureModeByTime:
		return models.SortStrategyRecency
	case models.CaptureModeByHot:
		return models.SortStrategyEngagement
	}
	return models.SortStrategyHybrid
}

// filterByWindow drops items outside the configured capture window. Only
// time-aware capture modes carry one; unparseable bounds are ignored.
func filterByWindow(sources []*models.TrendSource, cfg models.RunConfig) []*models.TrendSource {
	if cfg.CaptureMode != models.CaptureModeByTime && cfg.CaptureMode != models.CaptureModeHybrid {
		return sources
	}
	var start, end time.Time
	if cfg.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, cfg.StartTime); err == nil {
			start = t
		}
	}
	if cfg.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, cfg.EndTime); err == nil {
			end = t
		}
	}
	if start.IsZero() && end.IsZero() {
		return sources
	}

	out := sources[:0:0]
	for _, src := range sources {
		ts := src.PublishedAt
		if ts.IsZero() {
			ts = src.SourceUpdatedAt
		}
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}
		out = append(out, src)
	}
	return out
}

func matchesCategory(src *models.TrendSource, categories []string) bool {
	haystack := strings.ToLower(src.Title + " " + src.Description + " " + strings.Join(src.Hashtags, " "))
	for _, category := range categories {
		if category == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(category)) {
			return true
		}
	}
	return false
}

// stageSummarizing parses every selected source, then generates one draft
// per (parsed source, target platform). Per-item parse and generation
// failures are absorbed: the router owns retry scheduling and the item
// simply does not produce a draft this run.
func (o *Orchestrator) stageSummarizing(ctx context.Context, run *models.PipelineRun, sources []*models.TrendSource) ([]*models.ContentDraft, error) {
	defer o.recordTiming(run, models.StageSummarizing)()

	if len(run.Config.TargetPlatforms) == 0 {
		return nil, fmt.Errorf("run config names no target platforms")
	}

	var drafts []*models.ContentDraft
	for _, src := range sources {
		if err := o.router.ProcessSource(ctx, src); err != nil {
			o.logger.Warn().Err(err).
				Str("run_id", run.ID).
				Str("source_id", src.ID).
				Msg("Parse failed, source routed for retry or dead-lettered")
			continue
		}

		parsed, err := o.sources.GetSource(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload parsed source %s: %w", src.ID, err)
		}
		if parsed.ParseStatus != models.ParseStatusCompleted {
			continue
		}

		for _, platform := range run.Config.TargetPlatforms {
			draft, err := o.stage.Generate(ctx, parsed, platform, run.ID)
			if err != nil {
				o.logger.Warn().Err(err).
					Str("run_id", run.ID).
					Str("source_id", src.ID).
					Str("platform", platform).
					Msg("Generation failed for item")
				continue
			}
			drafts = append(drafts, draft)
		}
	}

	o.logger.Info().
		Str("run_id", run.ID).
		Int("sources", len(sources)).
		Int("drafts", len(drafts)).
		Msg("Summarizing stage finished")
	return drafts, nil
}

// acceptedHistoryLimit bounds how many prior accepted drafts per platform
// seed the near-duplicate check.
const acceptedHistoryLimit = 50

// stageQualityChecking gates the whole batch against recently accepted
// drafts and persists every decision.
func (o *Orchestrator) stageQualityChecking(ctx context.Context, run *models.PipelineRun, drafts []*models.ContentDraft) ([]*models.ContentDraft, error) {
	defer o.recordTiming(run, models.StageQualityChecking)()

	var history []*models.ContentDraft
	for _, platform := range run.Config.TargetPlatforms {
		prior, err := o.drafts.ListAcceptedDrafts(ctx, platform, acceptedHistoryLimit)
		if err != nil {
			o.logger.Warn().Err(err).
				Str("run_id", run.ID).
				Str("platform", platform).
				Msg("Failed to load accepted draft history")
			continue
		}
		history = append(history, prior...)
	}

	decisions := o.gate.CheckAgainst(drafts, history)

	var accepted []*models.ContentDraft
	for i, draft := range drafts {
		draft.UpdatedAt = o.now()
		if err := o.drafts.SaveDraft(ctx, draft); err != nil {
			return nil, fmt.Errorf("failed to persist gate decision for draft %s: %w", draft.ID, err)
		}
		if decisions[i].Accepted {
			accepted = append(accepted, draft)
		} else {
			run.ItemsRejected++
		}
	}

	o.logger.Info().
		Str("run_id", run.ID).
		Int("checked", len(drafts)).
		Int("accepted", len(accepted)).
		Int("rejected", len(drafts)-len(accepted)).
		Msg("Publish gate finished")
	return accepted, nil
}

// stageVideoGenerating attaches a generated video to each accepted draft.
// Failures degrade to publishing without video rather than failing the run.
func (o *Orchestrator) stageVideoGenerating(ctx context.Context, run *models.PipelineRun, drafts []*models.ContentDraft) {
	defer o.recordTiming(run, models.StageVideoGenerating)()

	if o.video == nil {
		o.logger.Warn().Str("run_id", run.ID).Msg("Video requested but no provider configured, skipping")
		return
	}

	for _, draft := range drafts {
		prompt := draft.Summary
		if prompt == "" {
			prompt = draft.Title
		}
		url, provider, err := o.video.Generate(ctx, &interfaces.VideoRequest{
			Prompt:      prompt,
			DurationSec: 5,
			AspectRatio: "9:16",
		})
		if err != nil {
			o.logger.Warn().Err(err).
				Str("run_id", run.ID).
				Str("draft_id", draft.ID).
				Msg("Video generation failed, publishing without video")
			continue
		}

		draft.VideoURL = url
		draft.VideoProvider = provider
		draft.UpdatedAt = o.now()
		if err := o.drafts.SaveDraft(ctx, draft); err != nil {
			o.logger.Warn().Err(err).Str("draft_id", draft.ID).Msg("Failed to persist video URL")
		}
	}
}

// stagePublishing delivers accepted drafts best-effort and records each
// outcome. Individual publisher failures never fail the run.
func (o *Orchestrator) stagePublishing(ctx context.Context, run *models.PipelineRun, drafts []*models.ContentDraft) error {
	defer o.recordTiming(run, models.StagePublishing)()

	for _, draft := range drafts {
		record := &models.PublishRecord{
			ID:            common.NewPublishRecordID(),
			DraftID:       draft.ID,
			PipelineRunID: run.ID,
			Platform:      draft.TargetPlatform,
		}

		publisher, ok := o.publishers[draft.TargetPlatform]
		if !ok {
			record.Status = "failed"
			record.ErrorMessage = "no publisher configured for platform"
			o.logger.Warn().
				Str("draft_id", draft.ID).
				Str("platform", draft.TargetPlatform).
				Msg("No publisher configured, draft stays quality_checked")
		} else if result, err := publisher.Publish(ctx, draft); err != nil {
			record.Status = "failed"
			record.ErrorMessage = err.Error()
			record.RetryCount = o.cfg.Publisher.RetryMax
		} else {
			now := o.now()
			record.Status = "success"
			record.PlatformPostID = result.ExternalID
			record.PlatformURL = result.URL
			record.PublishedAt = &now

			draft.Status = models.DraftStatusPublished
			draft.UpdatedAt = now
			if err := o.drafts.SaveDraft(ctx, draft); err != nil {
				return fmt.Errorf("failed to persist published draft %s: %w", draft.ID, err)
			}
			run.ItemsPublished++
		}

		if err := o.drafts.SavePublishRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to persist publish record for draft %s: %w", draft.ID, err)
		}
	}
	return nil
}

// enterStage appends the transition and persists the run so an observer
// always sees the current stage.
func (o *Orchestrator) enterStage(ctx context.Context, run *models.PipelineRun, stage string) error {
	run.CurrentStage = stage
	run.StateHistory = append(run.StateHistory, stage)
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run at stage %s: %w", stage, err)
	}
	return nil
}

// recordTiming returns a func that stores the stage's elapsed milliseconds.
func (o *Orchestrator) recordTiming(run *models.PipelineRun, stage string) func() {
	start := o.now()
	return func() {
		run.Timing[stage] = float64(o.now().Sub(start).Milliseconds())
	}
}

func (o *Orchestrator) complete(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error) {
	run.Status = models.RunStatusCompleted
	run.CurrentStage = models.StageCompleted
	run.StateHistory = append(run.StateHistory, models.StageCompleted)
	now := o.now()
	run.FinishedAt = &now

	if err := o.runs.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to finalize run: %w", err)
	}

	o.logger.Info().
		Str("run_id", run.ID).
		Int("scraped", run.ItemsScraped).
		Int("published", run.ItemsPublished).
		Int("rejected", run.ItemsRejected).
		Msg("Pipeline run completed")
	return run, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *models.PipelineRun, cause error) (*models.PipelineRun, error) {
	run.Status = models.RunStatusFailed
	run.CurrentStage = models.StageFailed
	run.StateHistory = append(run.StateHistory, models.StageFailed)
	run.ErrorMessage = cause.Error()
	now := o.now()
	run.FinishedAt = &now

	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist failed run")
	}

	o.logger.Error().Err(cause).
		Str("run_id", run.ID).
		Msg("Pipeline run failed")
	return run, cause
}
