package publishers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/models"
)

// Default platform API endpoints. Constructors accept an override so tests
// and self-hosted gateways can point elsewhere.
const (
	wechatEndpoint      = "https://api.weixin.qq.com/cgi-bin/draft/add"
	weiboEndpoint       = "https://api.weibo.com/2/statuses/share.json"
	xiaohongshuEndpoint = "https://open.xiaohongshu.com/api/v2/note/publish"
	douyinEndpoint      = "https://open.douyin.com/api/v1/content/publish"
)

func newPlatformPublisher(platform, endpoint string, cfg common.PublisherConfig, payload payloadFunc, auth authFunc, logger arbor.ILogger) *httpPublisher {
	retryDelay := common.Duration(cfg.RetryDelay, 5*time.Second)
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}
	return &httpPublisher{
		platform:   platform,
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		payload:    payload,
		auth:       auth,
		retryMax:   retryMax,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// NewWechatPublisher posts long-form drafts into the official-account draft
// box. endpoint overrides the default API URL when non-empty.
func NewWechatPublisher(cfg common.PublisherConfig, endpoint string, logger arbor.ILogger) *httpPublisher {
	if endpoint == "" {
		endpoint = wechatEndpoint
	}
	payload := func(draft *models.ContentDraft) map[string]any {
		return map[string]any{
			"articles": []map[string]any{{
				"title":   draft.Title,
				"digest":  draft.Summary,
				"content": draft.Body,
			}},
		}
	}
	auth := func(req *http.Request) {
		q := req.URL.Query()
		q.Set("appid", cfg.WechatAppID)
		q.Set("secret", cfg.WechatSecret)
		req.URL.RawQuery = q.Encode()
	}
	return newPlatformPublisher("wechat", endpoint, cfg, payload, auth, logger)
}

// NewWeiboPublisher posts short statuses with inline hashtags.
func NewWeiboPublisher(cfg common.PublisherConfig, endpoint string, logger arbor.ILogger) *httpPublisher {
	if endpoint == "" {
		endpoint = weiboEndpoint
	}
	payload := func(draft *models.ContentDraft) map[string]any {
		status := draft.Body
		if len(draft.Hashtags) > 0 {
			var tags []string
			for _, tag := range draft.Hashtags {
				tags = append(tags, "#"+strings.TrimPrefix(tag, "#")+"#")
			}
			status += "\n" + strings.Join(tags, " ")
		}
		return map[string]any{"status": status}
	}
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.WeiboToken)
	}
	return newPlatformPublisher("weibo", endpoint, cfg, payload, auth, logger)
}

// NewXiaohongshuPublisher posts notes with separate title, body and tags.
func NewXiaohongshuPublisher(cfg common.PublisherConfig, endpoint string, logger arbor.ILogger) *httpPublisher {
	if endpoint == "" {
		endpoint = xiaohongshuEndpoint
	}
	payload := func(draft *models.ContentDraft) map[string]any {
		return map[string]any{
			"title":  draft.Title,
			"desc":   draft.Body,
			"tags":   draft.Hashtags,
			"images": draft.MediaURLs,
		}
	}
	auth := func(req *http.Request) {
		req.Header.Set("X-Api-Key", cfg.XiaohongshuKey)
	}
	return newPlatformPublisher("xiaohongshu", endpoint, cfg, payload, auth, logger)
}

// NewDouyinPublisher posts video captions; the video URL comes from the
// video-generation stage when one was produced.
func NewDouyinPublisher(cfg common.PublisherConfig, endpoint string, logger arbor.ILogger) *httpPublisher {
	if endpoint == "" {
		endpoint = douyinEndpoint
	}
	payload := func(draft *models.ContentDraft) map[string]any {
		return map[string]any{
			"text":      draft.Body,
			"video_url": draft.VideoURL,
			"hashtags":  draft.Hashtags,
		}
	}
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.DouyinToken)
	}
	return newPlatformPublisher("douyin", endpoint, cfg, payload, auth, logger)
}
