package models

import "time"

// Pipeline run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Pipeline stage names, in execution order. VideoGenerating is only entered
// when the run config requests video.
const (
	StageScraping        = "scraping"
	StageCategorizing    = "categorizing"
	StageSummarizing     = "summarizing"
	StageQualityChecking = "quality_checking"
	StageVideoGenerating = "video_generating"
	StagePublishing      = "publishing"
	StageCompleted       = "completed"
	StageFailed          = "failed"
)

// RunConfig is the input configuration snapshot for a pipeline run.
type RunConfig struct {
	Sources         []string `json:"sources"`
	Query           string   `json:"query"`
	CategoryFilter  []string `json:"category_filter"`
	TargetPlatforms []string `json:"target_platforms"`
	GenerateVideo   bool     `json:"generate_video"`
	VideoProvider   string   `json:"video_provider"`
	MaxItems        int      `json:"max_items"`
	CaptureMode     string   `json:"capture_mode"`
	SortStrategy    string   `json:"sort_strategy"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
}

// PipelineRun records one orchestration execution.
type PipelineRun struct {
	ID             string             `json:"id"`
	TriggerType    string             `json:"trigger_type"` // manual, cron
	Config         RunConfig          `json:"config"`
	Status         string             `json:"status" badgerhold:"index"`
	CurrentStage   string             `json:"current_stage"`
	StateHistory   []string           `json:"state_history"`
	Timing         map[string]float64 `json:"timing"` // stage -> elapsed ms
	ItemsScraped   int                `json:"items_scraped"`
	ItemsPublished int                `json:"items_published"`
	ItemsRejected  int                `json:"items_rejected"`
	ErrorMessage   string             `json:"error_message"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     *time.Time         `json:"finished_at"`
}

// ScheduleConfig is a named cron schedule whose strategy fields control which
// scrape jobs a triggered run submits.
type ScheduleConfig struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CronExpression  string    `json:"cron_expression"`
	Sources         []string  `json:"sources"`
	Query           string    `json:"query"`
	Categories      []string  `json:"categories"`
	TargetPlatforms []string  `json:"target_platforms"`
	CaptureMode     string    `json:"capture_mode"`
	SortStrategy    string    `json:"sort_strategy"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	GenerateVideo   bool      `json:"generate_video"`
	VideoProvider   string    `json:"video_provider"`
	Enabled         bool      `json:"enabled" badgerhold:"index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
