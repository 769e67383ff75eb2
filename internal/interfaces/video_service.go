package interfaces

import "context"

// Video task statuses reported by Poll.
const (
	VideoStatusPending   = "pending"
	VideoStatusRunning   = "running"
	VideoStatusSucceeded = "succeeded"
	VideoStatusFailed    = "failed"
)

// VideoRequest describes a text-to-video generation task.
type VideoRequest struct {
	Prompt      string
	DurationSec int
	AspectRatio string // e.g. "9:16"
}

// VideoResult is the polled state of a submitted task.
type VideoResult struct {
	Status string
	URL    string // set when Status == succeeded
	Error  string // set when Status == failed
}

// VideoService runs a request through submit and poll, degrading from the
// primary to the fallback provider on submit failure. Returns the video URL
// and the provider that served it.
type VideoService interface {
	Generate(ctx context.Context, req *VideoRequest) (url, provider string, err error)
}

// VideoProvider defines the interface for asynchronous video generation
// backends (Keling, Runway). Submit returns a task ID which is then polled
// until a terminal status.
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req *VideoRequest) (string, error)
	Poll(ctx context.Context, taskID string) (*VideoResult, error)
}
