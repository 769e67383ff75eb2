// -----------------------------------------------------------------------
// Last Modified: Wednesday, 5th November 2025 8:17:54 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/coordination"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
	"github.com/ternarybob/trendpipe/internal/publishers"
	"github.com/ternarybob/trendpipe/internal/scrapers"
	"github.com/ternarybob/trendpipe/internal/services/gate"
	"github.com/ternarybob/trendpipe/internal/services/generate"
	"github.com/ternarybob/trendpipe/internal/services/llm"
	"github.com/ternarybob/trendpipe/internal/services/parse"
	"github.com/ternarybob/trendpipe/internal/services/pipeline"
	"github.com/ternarybob/trendpipe/internal/services/scheduler"
	"github.com/ternarybob/trendpipe/internal/services/scrape"
	"github.com/ternarybob/trendpipe/internal/services/video"
	"github.com/ternarybob/trendpipe/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Backend        coordination.Backend

	Coordinator *scrape.Coordinator
	Router      *parse.Router
	Stage       *generate.Stage
	Gate        *gate.Gate

	Publishers   map[string]interfaces.Publisher
	VideoService interfaces.VideoService

	Orchestrator     *pipeline.Orchestrator
	SchedulerService *scheduler.Service

	cancel context.CancelFunc
}

// New builds the full component graph from configuration. Nothing is
// running yet; call Start afterwards.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	storageManager, err := badger.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	backend, err := buildBackend(cfg)
	if err != nil {
		storageManager.Close()
		return nil, err
	}
	a.Backend = backend

	scraperSet := scrapers.BuildRegistry(cfg, logger)
	scraperList := make([]interfaces.TrendScraper, 0, len(scraperSet))
	for _, s := range scraperSet {
		scraperList = append(scraperList, s)
	}

	heat := scrape.NewHeatScorer(cfg.HeatScore)
	a.Coordinator = scrape.NewCoordinator(backend, scraperList, storageManager.SourceStorage(), heat, cfg.Scraper, logger)

	primary, fallback, err := llm.BuildProviders(ctx, cfg, logger)
	if err != nil {
		a.closeInfra()
		return nil, fmt.Errorf("failed to build LLM providers: %w", err)
	}

	var parser parse.Parser = parse.NewHeuristicParser()
	if cfg.Parse.Backend == "llm" {
		parser = parse.NewLLMParser(primary, cfg.Generation.MaxTokens)
	}
	a.Router = parse.NewRouter(storageManager.SourceStorage(), storageManager.ParseStorage(), parser, cfg.Parse, logger)

	profile, err := generate.LoadConstraintProfile(cfg.Generation.ConstraintProfilePath)
	if err != nil {
		a.closeInfra()
		return nil, fmt.Errorf("failed to load constraint profile: %w", err)
	}
	a.Stage = generate.NewStage(primary, fallback, storageManager.DraftStorage(), profile, cfg.Generation, logger)

	a.Gate = gate.NewGate(cfg.Gate, logger)
	a.Publishers = publishers.BuildRegistry(cfg.Publisher, logger)

	if svc := video.NewService(cfg.Video, logger); svc != nil {
		a.VideoService = svc
	}

	a.Orchestrator = pipeline.NewOrchestrator(
		a.Coordinator, a.Router, a.Stage, a.Gate, a.VideoService,
		a.Publishers, storageManager, cfg, logger,
	)

	a.SchedulerService = scheduler.NewService(logger)
	return a, nil
}

// Start launches the coordinator workers, the parse retry drain and the
// cron scheduler with every enabled persisted schedule.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Coordinator.Start(ctx)

	if a.Config.Parse.Enabled {
		interval := common.Duration(a.Config.Parse.RetryDrainInterval, 30*time.Second)
		common.SafeGoWithContext(ctx, a.Logger, "parse-retry-drain", func() {
			a.drainParseRetries(ctx, interval)
		})
	}

	if a.Config.Scheduler.Enabled {
		err := a.SchedulerService.LoadSchedules(ctx, a.StorageManager.RunStorage(), func(schedule *models.ScheduleConfig) error {
			_, err := a.Orchestrator.RunFromSchedule(ctx, schedule)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to load schedules: %w", err)
		}
		if err := a.SchedulerService.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.Logger.Info().
		Str("coordination", a.Config.Coordination.Backend).
		Int("publishers", len(a.Publishers)).
		Bool("scheduler", a.Config.Scheduler.Enabled).
		Msg("Application started")
	return nil
}

// drainParseRetries periodically runs the parse router so delayed items
// whose retry time has arrived are re-attempted between pipeline runs.
func (a *App) drainParseRetries(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Router.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Warn().Err(err).Msg("Parse retry drain failed")
			}
		}
	}
}

// RunOnce executes a single manual pipeline run built from the static
// configuration: all enabled sources, all credentialed platforms.
func (a *App) RunOnce(ctx context.Context) (*models.PipelineRun, error) {
	platforms := make([]string, 0, len(a.Publishers))
	for platform := range a.Publishers {
		platforms = append(platforms, platform)
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no publisher platforms configured")
	}

	return a.Orchestrator.Run(ctx, "manual", models.RunConfig{
		Sources:         a.Config.Scraper.EnabledSources,
		TargetPlatforms: platforms,
	})
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown() {
	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.closeInfra()
	a.Logger.Info().Msg("Application stopped")
}

func (a *App) closeInfra() {
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Coordination backend close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
}

func buildBackend(cfg *common.Config) (coordination.Backend, error) {
	switch cfg.Coordination.Backend {
	case "", "local":
		return coordination.NewLocalBackend(
			cfg.Coordination.QueueMaxSize,
			cfg.Scraper.BreakerFailureThreshold,
			common.Duration(cfg.Scraper.BreakerOpenWindow, time.Minute),
			common.Duration(cfg.Coordination.EnqueueTimeout, 2*time.Second),
		), nil
	case "nats":
		return coordination.NewNATSBackend(coordination.NATSOptions{
			URL:              cfg.Coordination.NATSURL,
			SubjectPrefix:    cfg.Coordination.SubjectPrefix,
			InstanceID:       uuid.New().String()[:8],
			QueueMaxSize:     cfg.Coordination.QueueMaxSize,
			FailureThreshold: cfg.Scraper.BreakerFailureThreshold,
			OpenWindow:       common.Duration(cfg.Scraper.BreakerOpenWindow, time.Minute),
			EnqueueTimeout:   common.Duration(cfg.Coordination.EnqueueTimeout, 2*time.Second),
		})
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.Coordination.Backend)
	}
}
