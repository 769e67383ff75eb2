package video

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollMaxWait  = 10 * time.Minute
)

// Service submits a generation task to the primary provider, degrading to
// the fallback on submit failure, then polls until a terminal status or the
// wait bound expires. Poll failures of an already-submitted task do not
// fall back: the task is running somewhere, switching providers would
// orphan it.
type Service struct {
	primary      interfaces.VideoProvider
	fallback     interfaces.VideoProvider // may be nil
	pollInterval time.Duration
	pollMaxWait  time.Duration
	logger       arbor.ILogger
}

// NewService builds the video service from config. Returns nil when no
// provider has credentials; the orchestrator treats a nil service as
// video generation being unavailable.
func NewService(cfg common.VideoConfig, logger arbor.ILogger) *Service {
	providers := map[string]interfaces.VideoProvider{}
	if cfg.KelingAccessKey != "" && cfg.KelingSecretKey != "" {
		providers["keling"] = NewKelingProvider(cfg)
	}
	if cfg.RunwayAPIKey != "" {
		providers["runway"] = NewRunwayProvider(cfg)
	}
	if cfg.PikaAPIKey != "" {
		providers["pika"] = NewPikaProvider(cfg)
	}

	primary := providers[cfg.DefaultProvider]
	var fallback interfaces.VideoProvider
	for _, name := range []string{"keling", "runway", "pika"} {
		p := providers[name]
		if p == nil {
			continue
		}
		if primary == nil {
			primary = p
			continue
		}
		if p != primary && fallback == nil {
			fallback = p
		}
	}
	if primary == nil {
		return nil
	}
	if !cfg.FallbackEnabled {
		fallback = nil
	}

	return &Service{
		primary:      primary,
		fallback:     fallback,
		pollInterval: common.Duration(cfg.PollInterval, defaultPollInterval),
		pollMaxWait:  common.Duration(cfg.PollMaxWait, defaultPollMaxWait),
		logger:       logger,
	}
}

// Generate runs one full submit-and-await cycle and returns the video URL
// plus the provider that produced it.
func (s *Service) Generate(ctx context.Context, req *interfaces.VideoRequest) (url, provider string, err error) {
	provider = s.primary.Name()
	taskID, err := s.primary.Submit(ctx, req)
	if err != nil && s.fallback != nil {
		s.logger.Warn().Err(err).
			Str("primary", s.primary.Name()).
			Str("fallback", s.fallback.Name()).
			Msg("Primary video provider submit failed, degrading to fallback")
		provider = s.fallback.Name()
		taskID, err = s.fallback.Submit(ctx, req)
	}
	if err != nil {
		return "", "", fmt.Errorf("video submit failed: %w", err)
	}

	active := s.primary
	if provider != s.primary.Name() {
		active = s.fallback
	}

	url, err = s.await(ctx, active, taskID)
	if err != nil {
		return "", "", err
	}
	return url, provider, nil
}

// await polls the task to a terminal status. The loop is bounded by
// pollMaxWait and by ctx.
func (s *Service) await(ctx context.Context, provider interfaces.VideoProvider, taskID string) (string, error) {
	deadline := time.NewTimer(s.pollMaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("video task %s did not finish within %s", taskID, s.pollMaxWait)
		case <-ticker.C:
		}

		result, err := provider.Poll(ctx, taskID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Video poll failed, will retry")
			continue
		}

		switch result.Status {
		case interfaces.VideoStatusSucceeded:
			if result.URL == "" {
				return "", fmt.Errorf("video task %s succeeded without a URL", taskID)
			}
			return result.URL, nil
		case interfaces.VideoStatusFailed:
			return "", fmt.Errorf("video task %s failed: %s", taskID, result.Error)
		}
	}
}
