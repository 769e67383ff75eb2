package models

import "time"

// ScrapeJob is a unit of scrape work handed to the coordinator's bounded
// priority queue. Higher Priority values dequeue first; ties dequeue in
// enqueue order.
type ScrapeJob struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Platform    string    `json:"platform"`
	Channel     string    `json:"channel"`
	Query       string    `json:"query,omitempty"`
	Category    string    `json:"category,omitempty"`
	CaptureMode string    `json:"capture_mode,omitempty"`
	MaxItems    int       `json:"max_items"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// ScrapeResult reports the outcome of one executed scrape job back to the
// run that enqueued it.
type ScrapeResult struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	Platform    string    `json:"platform"`
	Channel     string    `json:"channel"`
	ItemsStored int       `json:"items_stored"`
	ItemsSeen   int       `json:"items_seen"`
	NotModified bool      `json:"not_modified"`
	Error       string    `json:"error,omitempty"`
	Skipped     bool      `json:"skipped"` // breaker refused the job and its deferral budget ran out
	CompletedAt time.Time `json:"completed_at"`
}
