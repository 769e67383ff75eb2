// -----------------------------------------------------------------------
// Last Modified: Wednesday, 5th November 2025 8:17:54 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trendpipe/internal/app"
	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/services/generate"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	runOnce      = flag.Bool("once", false, "Execute one pipeline run and exit")
	replayID     = flag.String("replay", "", "Replay a dead-lettered parse item by ID and exit")
	rollbackSpec = flag.String("rollback", "", "Roll a draft back to a version, as <draft_id>:<version_no>, and exit")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("trendpipe version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("trendpipe.toml"); err == nil {
			configFiles = append(configFiles, "trendpipe.toml")
		} else if _, err := os.Stat("deployments/local/trendpipe.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/trendpipe.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetFullVersion())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Shutdown()

	switch {
	case *replayID != "":
		if err := application.Router.Replay(ctx, *replayID); err != nil {
			logger.Fatal().Err(err).Str("dead_letter_id", *replayID).Msg("Replay failed")
			os.Exit(1)
		}
		logger.Info().Str("dead_letter_id", *replayID).Msg("Dead letter replayed")

	case *rollbackSpec != "":
		draftID, versionNo, err := parseRollbackSpec(*rollbackSpec)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid -rollback value")
			os.Exit(1)
		}
		versioner := generate.NewVersioner(application.StorageManager.DraftStorage())
		draft, err := versioner.Rollback(ctx, draftID, versionNo)
		if err != nil {
			logger.Fatal().Err(err).Str("draft_id", draftID).Msg("Rollback failed")
			os.Exit(1)
		}
		logger.Info().
			Str("draft_id", draft.ID).
			Int("current_version", draft.CurrentVersion).
			Msg("Draft rolled back")

	case *runOnce:
		application.Coordinator.Start(ctx)
		run, err := application.RunOnce(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Pipeline run failed")
			os.Exit(1)
		}
		logger.Info().
			Str("run_id", run.ID).
			Int("scraped", run.ItemsScraped).
			Int("published", run.ItemsPublished).
			Int("rejected", run.ItemsRejected).
			Msg("Pipeline run finished")

	default:
		if err := application.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start application")
			os.Exit(1)
		}
		<-ctx.Done()
		logger.Info().Msg("Shutdown signal received")
	}
}

func parseRollbackSpec(spec string) (string, int, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return "", 0, fmt.Errorf("expected <draft_id>:<version_no>, got %q", spec)
	}
	versionNo, err := strconv.Atoi(spec[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("version must be an integer: %w", err)
	}
	return spec[:idx], versionNo, nil
}
