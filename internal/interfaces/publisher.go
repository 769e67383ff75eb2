package interfaces

import (
	"context"

	"github.com/ternarybob/trendpipe/internal/models"
)

// PublishResult identifies the published artifact on the target platform.
type PublishResult struct {
	ExternalID string
	URL        string
}

// Publisher delivers a gate-accepted draft to one target platform.
type Publisher interface {
	// Platform returns the target platform identifier
	// ("wechat", "weibo", "xiaohongshu", "douyin").
	Platform() string

	// Publish sends the draft's current version to the platform.
	Publish(ctx context.Context, draft *models.ContentDraft) (*PublishResult, error)
}
