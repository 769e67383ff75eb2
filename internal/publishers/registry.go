package publishers

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// BuildRegistry constructs a publisher for every platform with credentials
// configured. Platforms without credentials are simply absent; the
// orchestrator skips drafts targeting them.
func BuildRegistry(cfg common.PublisherConfig, logger arbor.ILogger) map[string]interfaces.Publisher {
	registry := make(map[string]interfaces.Publisher)

	if cfg.WechatAppID != "" && cfg.WechatSecret != "" {
		registry["wechat"] = NewWechatPublisher(cfg, "", logger)
	}
	if cfg.WeiboToken != "" {
		registry["weibo"] = NewWeiboPublisher(cfg, "", logger)
	}
	if cfg.XiaohongshuKey != "" {
		registry["xiaohongshu"] = NewXiaohongshuPublisher(cfg, "", logger)
	}
	if cfg.DouyinToken != "" {
		registry["douyin"] = NewDouyinPublisher(cfg, "", logger)
	}

	logger.Info().Int("publishers", len(registry)).Msg("Publisher registry built")
	return registry
}
