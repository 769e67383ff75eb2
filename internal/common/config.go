package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment"` // "development" or "production"
	Logging      LoggingConfig      `toml:"logging"`
	Storage      StorageConfig      `toml:"storage"`
	Coordination CoordinationConfig `toml:"coordination"`
	Scraper      ScraperConfig      `toml:"scraper"`
	HeatScore    HeatScoreConfig    `toml:"heat_score"`
	Parse        ParseConfig        `toml:"parse"`
	Generation   GenerationConfig   `toml:"generation"`
	Gate         GateConfig         `toml:"gate"`
	Publisher    PublisherConfig    `toml:"publisher"`
	Video        VideoConfig        `toml:"video"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	LLM          LLMConfig          `toml:"llm"`
	Claude       ClaudeConfig       `toml:"claude"`
	Gemini       GeminiConfig       `toml:"gemini"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// CoordinationConfig selects the breaker/queue backend shared across
// process instances.
type CoordinationConfig struct {
	Backend        string `toml:"backend"`  // "local" or "nats"
	NATSURL        string `toml:"nats_url"` // required when backend = "nats"
	SubjectPrefix  string `toml:"subject_prefix"`
	QueueMaxSize   int    `toml:"queue_max_size"`
	EnqueueTimeout string `toml:"enqueue_timeout"` // backpressure window, e.g. "2s"
	DequeueTimeout string `toml:"dequeue_timeout"` // empty-queue poll timeout
}

type ScraperConfig struct {
	EnabledSources          []string           `toml:"enabled_sources"`
	Concurrency             int                `toml:"concurrency"`
	RequestTimeout          string             `toml:"request_timeout"`
	RetryMaxAttempts        int                `toml:"retry_max_attempts"`
	RetryBaseDelay          string             `toml:"retry_base_delay"`
	BreakerFailureThreshold int                `toml:"breaker_failure_threshold"`
	BreakerOpenWindow       string             `toml:"breaker_open_window"`
	SourceRPS               map[string]float64 `toml:"source_rps"` // per-source requests/second
	SourcePriorities        map[string]int     `toml:"source_priorities"`
	GithubToken             string             `toml:"github_token"`
	WebBoardURL             string             `toml:"web_board_url"`
}

// HeatScoreConfig sets the weighted-composite ranking parameters. Weights
// are normalized before use so only their ratio matters.
type HeatScoreConfig struct {
	WeightPlatformPercentile float64            `toml:"weight_platform_percentile"`
	WeightVelocity           float64            `toml:"weight_velocity"`
	WeightFreshness          float64            `toml:"weight_freshness"`
	WeightCrossPlatform      float64            `toml:"weight_cross_platform"`
	FreshnessHalfLifeHours   float64            `toml:"freshness_half_life_hours"`
	FreshnessMaxAgeHours     float64            `toml:"freshness_max_age_hours"`
	PlatformWeights          map[string]float64 `toml:"platform_weights"`
	GithubBoostBase          float64            `toml:"github_boost_base"`
	GithubBoostRange         float64            `toml:"github_boost_range"`
	GithubStarVelocityCap    float64            `toml:"github_star_velocity_cap"`
	GithubContributorCap     float64            `toml:"github_contributor_cap"`
	GithubReleaseCap         float64            `toml:"github_release_cap"`
}

type ParseConfig struct {
	Enabled                bool    `toml:"enabled"`
	Backend                string  `toml:"backend"` // "heuristic" or "llm"
	SchemaVersion          string  `toml:"schema_version"`
	BatchSize              int     `toml:"batch_size"`
	CacheEnabled           bool    `toml:"cache_enabled"`
	LowConfidenceThreshold float64 `toml:"low_confidence_threshold"`
	LowConfidenceRetries   int     `toml:"low_confidence_retries"`
	ManualReviewAfter      int     `toml:"manual_review_after"` // total attempts before manual_review
	RecoverableMaxAttempts int     `toml:"recoverable_max_attempts"`
	RetryBaseDelay         string  `toml:"retry_base_delay"`
	RetryMaxDelay          string  `toml:"retry_max_delay"`
	RetryDrainInterval     string  `toml:"retry_drain_interval"` // background sweep for due retries
}

type GenerationConfig struct {
	ConstraintProfilePath string   `toml:"constraint_profile_path"` // YAML per-platform profiles
	BannedWords           []string `toml:"banned_words"`
	MaxTokens             int      `toml:"max_tokens"`
	StageTimeout          string   `toml:"stage_timeout"`
	SelfRepairMaxAttempts int      `toml:"self_repair_max_attempts"`
	MaxRepeatRatio        float64  `toml:"max_repeat_ratio"`
}

type GateConfig struct {
	Enabled            bool    `toml:"enabled"`
	MinQualityScore    float64 `toml:"min_quality_score"`
	MinComplianceScore float64 `toml:"min_compliance_score"`
	MaxRepetitionRatio float64 `toml:"max_repetition_ratio"`
	NearDuplicateBits  int     `toml:"near_duplicate_bits"` // max hamming distance between simhashes
}

type PublisherConfig struct {
	RetryMax       int    `toml:"retry_max"`
	RetryDelay     string `toml:"retry_delay"`
	WechatAppID    string `toml:"wechat_app_id"`
	WechatSecret   string `toml:"wechat_secret"`
	WeiboToken     string `toml:"weibo_token"`
	XiaohongshuKey string `toml:"xiaohongshu_key"`
	DouyinToken    string `toml:"douyin_token"`
}

type VideoConfig struct {
	DefaultProvider string `toml:"default_provider"`
	FallbackEnabled bool   `toml:"fallback_enabled"`
	PollInterval    string `toml:"poll_interval"`
	PollMaxWait     string `toml:"poll_max_wait"`
	KelingAccessKey string `toml:"keling_access_key"`
	KelingSecretKey string `toml:"keling_secret_key"`
	KelingBaseURL   string `toml:"keling_base_url"`
	RunwayAPIKey    string `toml:"runway_api_key"`
	RunwayBaseURL   string `toml:"runway_base_url"`
	PikaAPIKey      string `toml:"pika_api_key"`
	PikaBaseURL     string `toml:"pika_base_url"`
}

type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
}

type LLMConfig struct {
	DefaultProvider string `toml:"default_provider"` // "claude" or "gemini"
	FallbackEnabled bool   `toml:"fallback_enabled"`
}

type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/trendpipe",
			},
		},
		Coordination: CoordinationConfig{
			Backend:        "local",
			SubjectPrefix:  "trendpipe",
			QueueMaxSize:   256,
			EnqueueTimeout: "2s",
			DequeueTimeout: "1s",
		},
		Scraper: ScraperConfig{
			EnabledSources:          []string{"github", "webboard"},
			Concurrency:             5,
			RequestTimeout:          "30s",
			RetryMaxAttempts:        3,
			RetryBaseDelay:          "500ms",
			BreakerFailureThreshold: 5,
			BreakerOpenWindow:       "60s",
			SourceRPS:               map[string]float64{},
			SourcePriorities:        map[string]int{},
		},
		HeatScore: HeatScoreConfig{
			WeightPlatformPercentile: 0.45,
			WeightVelocity:           0.25,
			WeightFreshness:          0.20,
			WeightCrossPlatform:      0.10,
			FreshnessHalfLifeHours:   12,
			FreshnessMaxAgeHours:     72,
			PlatformWeights:          map[string]float64{},
			GithubBoostBase:          0.75,
			GithubBoostRange:         0.50,
			GithubStarVelocityCap:    500,
			GithubContributorCap:     2000,
			GithubReleaseCap:         100000,
		},
		Parse: ParseConfig{
			Enabled:                true,
			Backend:                "heuristic",
			SchemaVersion:          "v1",
			BatchSize:              50,
			CacheEnabled:           true,
			LowConfidenceThreshold: 0.55,
			LowConfidenceRetries:   1,
			ManualReviewAfter:      4,
			RecoverableMaxAttempts: 5,
			RetryBaseDelay:         "30s",
			RetryMaxDelay:          "30m",
			RetryDrainInterval:     "30s",
		},
		Generation: GenerationConfig{
			ConstraintProfilePath: "./config/constraints.yaml",
			MaxTokens:             2048,
			StageTimeout:          "90s",
			SelfRepairMaxAttempts: 2,
			MaxRepeatRatio:        0.60,
		},
		Gate: GateConfig{
			Enabled:            true,
			MinQualityScore:    0.60,
			MinComplianceScore: 0.70,
			MaxRepetitionRatio: 0.60,
			NearDuplicateBits:  5,
		},
		Publisher: PublisherConfig{
			RetryMax:   3,
			RetryDelay: "5s",
		},
		Video: VideoConfig{
			DefaultProvider: "keling",
			FallbackEnabled: true,
			PollInterval:    "10s",
			PollMaxWait:     "10m",
			KelingBaseURL:   "https://api.klingai.com/v1",
			RunwayBaseURL:   "https://api.dev.runwayml.com/v1",
			PikaBaseURL:     "https://api.pika.art/v1",
		},
		Scheduler: SchedulerConfig{Enabled: true},
		LLM: LLMConfig{
			DefaultProvider: "claude",
			FallbackEnabled: true,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			Timeout:     "60s",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     "60s",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each TOML file in
// order (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Coordination.QueueMaxSize < 1 {
		return fmt.Errorf("coordination.queue_max_size must be >= 1")
	}
	if c.Scraper.Concurrency < 1 {
		return fmt.Errorf("scraper.concurrency must be >= 1")
	}
	if c.Scraper.BreakerFailureThreshold < 1 {
		return fmt.Errorf("scraper.breaker_failure_threshold must be >= 1")
	}
	if c.Generation.SelfRepairMaxAttempts < 0 {
		return fmt.Errorf("generation.self_repair_max_attempts must be >= 0")
	}
	switch strings.ToLower(c.Coordination.Backend) {
	case "local", "nats":
	default:
		return fmt.Errorf("coordination.backend must be \"local\" or \"nats\", got %q", c.Coordination.Backend)
	}
	durations := []struct {
		name, value string
	}{
		{"coordination.enqueue_timeout", c.Coordination.EnqueueTimeout},
		{"coordination.dequeue_timeout", c.Coordination.DequeueTimeout},
		{"scraper.request_timeout", c.Scraper.RequestTimeout},
		{"scraper.retry_base_delay", c.Scraper.RetryBaseDelay},
		{"scraper.breaker_open_window", c.Scraper.BreakerOpenWindow},
		{"parse.retry_base_delay", c.Parse.RetryBaseDelay},
		{"parse.retry_max_delay", c.Parse.RetryMaxDelay},
		{"generation.stage_timeout", c.Generation.StageTimeout},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
	}
	return nil
}

// Duration parses a duration config field, falling back to def when the
// field is empty or malformed. Validate catches malformed fields at load
// time; the fallback guards configs built directly in code.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRENDPIPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRENDPIPE_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("TRENDPIPE_COORDINATION_BACKEND"); v != "" {
		cfg.Coordination.Backend = v
	}
	if v := os.Getenv("TRENDPIPE_NATS_URL"); v != "" {
		cfg.Coordination.NATSURL = v
	}
	if v := os.Getenv("TRENDPIPE_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Coordination.QueueMaxSize = n
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Scraper.GithubToken = v
	}
}
