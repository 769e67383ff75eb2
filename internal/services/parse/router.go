package parse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// Router drives the parse workflow for scraped items: cache lookup, backend
// invocation, contract validation, confidence routing, delayed retries and
// the dead letter queue.
type Router struct {
	sources interfaces.SourceStorage
	store   interfaces.ParseStorage
	parser  Parser
	cfg     common.ParseConfig
	logger  arbor.ILogger
	now     func() time.Time
}

// NewRouter creates a parse router.
func NewRouter(
	sources interfaces.SourceStorage,
	store interfaces.ParseStorage,
	parser Parser,
	cfg common.ParseConfig,
	logger arbor.ILogger,
) *Router {
	return &Router{
		sources: sources,
		store:   store,
		parser:  parser,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// ProcessBatch parses pending items plus any delayed items whose retry time
// has arrived. Returns the number of items that reached completed.
func (r *Router) ProcessBatch(ctx context.Context) (int, error) {
	pending, err := r.sources.ListSourcesByParseStatus(ctx, models.ParseStatusPending, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending sources: %w", err)
	}
	due, err := r.sources.ListDueForRetry(ctx, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}

	completed := 0
	for _, src := range append(pending, due...) {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if err := r.ProcessSource(ctx, src); err != nil {
			r.logger.Warn().Err(err).Str("source_id", src.ID).Msg("Parse routing failed")
			continue
		}
		if src.ParseStatus == models.ParseStatusCompleted {
			completed++
		}
	}
	return completed, nil
}

// ProcessSource runs one item through the full parse workflow and persists
// the resulting status transition.
func (r *Router) ProcessSource(ctx context.Context, src *models.TrendSource) error {
	src.ParseStatus = models.ParseStatusProcessing
	if err := r.sources.SaveSource(ctx, src); err != nil {
		return fmt.Errorf("failed to mark source processing: %w", err)
	}

	// Cache lookup by (content_hash, schema_version): identical content
	// never re-invokes the backend.
	if r.cfg.CacheEnabled && src.ContentHash != "" {
		entry, err := r.store.GetCacheEntry(ctx, src.ContentHash, r.cfg.SchemaVersion)
		if err == nil {
			entry.HitCount++
			if err := r.store.SaveCacheEntry(ctx, entry); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to bump cache hit count")
			}
			return r.complete(ctx, src, entry.Payload, entry.Confidence)
		}
		if !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("cache lookup failed: %w", err)
		}
	}

	src.ParseAttempts++
	retries := r.cfg.LowConfidenceRetries
	var payload map[string]any
	var confidence float64
	for {
		var err error
		payload, _, err = r.parser.Parse(ctx, src)
		if err != nil {
			return r.routeFailure(ctx, src, classify(err))
		}

		contract, err := ValidateContract(payload)
		if err != nil {
			return r.routeFailure(ctx, src, classify(err))
		}

		confidence = Confidence(contract)
		if confidence >= r.cfg.LowConfidenceThreshold || retries <= 0 {
			break
		}
		// A weak but valid result gets a bounded in-run re-parse before the
		// delayed backoff path; it does not consume an attempt.
		retries--
		r.logger.Debug().
			Str("source_id", src.ID).
			Float64("confidence", confidence).
			Msg("Low confidence, re-parsing in-run")
	}

	if confidence < r.cfg.LowConfidenceThreshold {
		return r.routeLowConfidence(ctx, src, confidence)
	}

	if r.cfg.CacheEnabled && src.ContentHash != "" {
		entry := &models.ParseCacheEntry{
			ContentHash:   src.ContentHash,
			SchemaVersion: r.cfg.SchemaVersion,
			Payload:       payload,
			Confidence:    confidence,
		}
		if err := r.store.SaveCacheEntry(ctx, entry); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to save parse cache entry")
		}
	}

	return r.complete(ctx, src, payload, confidence)
}

// Replay re-runs a dead-lettered item by ID. Missing IDs fail with
// ErrNotFound. The entry stays pending until the re-run actually completes,
// so a failed replay remains visible for another attempt.
func (r *Router) Replay(ctx context.Context, deadLetterID string) error {
	entry, err := r.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return err
	}

	src, err := r.sources.GetSource(ctx, entry.SourceRowID)
	if err != nil {
		return fmt.Errorf("dead letter %s source row: %w", deadLetterID, err)
	}

	// Replay gets a fresh attempt budget.
	src.ParseAttempts = 0
	src.ParseRetryAt = nil

	if err := r.ProcessSource(ctx, src); err != nil {
		return err
	}
	if src.ParseStatus != models.ParseStatusCompleted {
		return fmt.Errorf("replay of %s ended in %s", deadLetterID, src.ParseStatus)
	}

	now := r.now().UTC()
	entry.Status = models.DeadLetterResolved
	entry.ReplayedAt = &now
	if err := r.store.SaveDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to mark dead letter resolved: %w", err)
	}
	return nil
}

func (r *Router) complete(ctx context.Context, src *models.TrendSource, payload map[string]any, confidence float64) error {
	now := r.now().UTC()
	src.ParsePayload = payload
	src.ParseSchemaVersion = r.cfg.SchemaVersion
	src.ParseConfidence = confidence
	src.ParseStatus = models.ParseStatusCompleted
	src.ParseErrorKind = ""
	src.ParseLastError = ""
	src.ParseRetryAt = nil
	src.ParsedAt = &now
	return r.sources.SaveSource(ctx, src)
}

// routeFailure applies the retry/DLQ policy: recoverable failures below the
// attempt cap go to delayed with exponential backoff; everything else is
// dead-lettered and marked failed.
func (r *Router) routeFailure(ctx context.Context, src *models.TrendSource, perr *Error) error {
	src.ParseErrorKind = perr.Kind
	src.ParseLastError = perr.Error()

	if perr.Retryable() && src.ParseAttempts < r.cfg.RecoverableMaxAttempts {
		retryAt := r.now().UTC().Add(r.backoff(src.ParseAttempts))
		src.ParseStatus = models.ParseStatusDelayed
		src.ParseRetryAt = &retryAt
		r.logger.Debug().
			Str("source_id", src.ID).
			Str("code", perr.Code).
			Int("attempt", src.ParseAttempts).
			Str("retry_at", retryAt.Format(time.RFC3339)).
			Msg("Parse delayed for retry")
		return r.sources.SaveSource(ctx, src)
	}

	src.ParseStatus = models.ParseStatusFailed
	src.ParseRetryAt = nil
	if err := r.sources.SaveSource(ctx, src); err != nil {
		return err
	}
	return r.deadLetter(ctx, src, perr)
}

// routeLowConfidence keeps retrying a structurally valid but weak result
// until the manual review threshold, then parks the item for a human.
func (r *Router) routeLowConfidence(ctx context.Context, src *models.TrendSource, confidence float64) error {
	src.ParseConfidence = confidence
	src.ParseErrorKind = models.ParseErrorLowConfidence
	src.ParseLastError = fmt.Sprintf("confidence %.3f below threshold %.3f", confidence, r.cfg.LowConfidenceThreshold)

	if src.ParseAttempts < r.cfg.ManualReviewAfter {
		retryAt := r.now().UTC().Add(r.backoff(src.ParseAttempts))
		src.ParseStatus = models.ParseStatusDelayed
		src.ParseRetryAt = &retryAt
		return r.sources.SaveSource(ctx, src)
	}

	src.ParseStatus = models.ParseStatusManualReview
	src.ParseRetryAt = nil
	r.logger.Info().
		Str("source_id", src.ID).
		Float64("confidence", confidence).
		Msg("Parse routed to manual review")
	return r.sources.SaveSource(ctx, src)
}

func (r *Router) deadLetter(ctx context.Context, src *models.TrendSource, perr *Error) error {
	entry := &models.ParseDeadLetter{
		ID:             common.NewDeadLetterID(),
		SourceRowID:    src.ID,
		SourcePlatform: src.SourcePlatform,
		SourceID:       src.SourceID,
		ContentHash:    src.ContentHash,
		SchemaVersion:  r.cfg.SchemaVersion,
		ErrorKind:      perr.Kind,
		ErrorCode:      perr.Code,
		ErrorMessage:   perr.Error(),
		Retryable:      perr.Retryable(),
		Attempts:       src.ParseAttempts,
		Status:         models.DeadLetterPending,
		PayloadSnapshot: map[string]any{
			"title":    src.Title,
			"text":     truncate(src.NormalizedText, 2000),
			"platform": src.SourcePlatform,
		},
	}
	if err := r.store.SaveDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	r.logger.Warn().
		Str("source_id", src.ID).
		Str("dead_letter_id", entry.ID).
		Str("code", perr.Code).
		Msg("Parse dead-lettered")
	return nil
}

// backoff returns base * 2^(attempt-1), capped at the configured max.
func (r *Router) backoff(attempt int) time.Duration {
	base := common.Duration(r.cfg.RetryBaseDelay, 30*time.Second)
	maxDelay := common.Duration(r.cfg.RetryMaxDelay, 30*time.Minute)
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}
