package video

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
)

const (
	kelingDefaultBaseURL = "https://api.klingai.com/v1/videos/text2video"
	runwayDefaultBaseURL = "https://api.dev.runwayml.com/v1/text_to_video"
	pikaDefaultBaseURL   = "https://api.pika.art/v1"
)

// NewKelingProvider creates the Keling text-to-video adapter.
func NewKelingProvider(cfg common.VideoConfig) interfaces.VideoProvider {
	baseURL := cfg.KelingBaseURL
	if baseURL == "" {
		baseURL = kelingDefaultBaseURL
	}
	return &httpVideoProvider{
		name:      "keling",
		submitURL: baseURL,
		pollURL:   baseURL,
		client:    newHTTPClient(),
		auth: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+cfg.KelingAccessKey+":"+cfg.KelingSecretKey)
		},
		buildBody: func(req *interfaces.VideoRequest) map[string]any {
			return map[string]any{
				"prompt":       req.Prompt,
				"duration":     req.DurationSec,
				"aspect_ratio": req.AspectRatio,
			}
		},
		parseTask: func(body []byte) (string, error) {
			var parsed struct {
				Data struct {
					TaskID string `json:"task_id"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", fmt.Errorf("unparseable keling response: %w", err)
			}
			if parsed.Data.TaskID == "" {
				return "", fmt.Errorf("keling response missing task_id")
			}
			return parsed.Data.TaskID, nil
		},
		parsePoll: func(body []byte) (*interfaces.VideoResult, error) {
			var parsed struct {
				Data struct {
					TaskStatus string `json:"task_status"`
					TaskResult struct {
						Videos []struct {
							URL string `json:"url"`
						} `json:"videos"`
					} `json:"task_result"`
					TaskStatusMsg string `json:"task_status_msg"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("unparseable keling poll response: %w", err)
			}

			result := &interfaces.VideoResult{}
			switch strings.ToLower(parsed.Data.TaskStatus) {
			case "succeed", "succeeded":
				result.Status = interfaces.VideoStatusSucceeded
				if len(parsed.Data.TaskResult.Videos) > 0 {
					result.URL = parsed.Data.TaskResult.Videos[0].URL
				}
			case "failed":
				result.Status = interfaces.VideoStatusFailed
				result.Error = parsed.Data.TaskStatusMsg
			case "processing":
				result.Status = interfaces.VideoStatusRunning
			default:
				result.Status = interfaces.VideoStatusPending
			}
			return result, nil
		},
	}
}

// NewRunwayProvider creates the Runway text-to-video adapter.
func NewRunwayProvider(cfg common.VideoConfig) interfaces.VideoProvider {
	baseURL := cfg.RunwayBaseURL
	if baseURL == "" {
		baseURL = runwayDefaultBaseURL
	}
	return &httpVideoProvider{
		name:      "runway",
		submitURL: baseURL,
		pollURL:   baseURL,
		client:    newHTTPClient(),
		auth: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+cfg.RunwayAPIKey)
		},
		buildBody: func(req *interfaces.VideoRequest) map[string]any {
			return map[string]any{
				"promptText": req.Prompt,
				"duration":   req.DurationSec,
				"ratio":      req.AspectRatio,
			}
		},
		parseTask: func(body []byte) (string, error) {
			var parsed struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", fmt.Errorf("unparseable runway response: %w", err)
			}
			if parsed.ID == "" {
				return "", fmt.Errorf("runway response missing id")
			}
			return parsed.ID, nil
		},
		parsePoll: func(body []byte) (*interfaces.VideoResult, error) {
			var parsed struct {
				Status  string   `json:"status"`
				Output  []string `json:"output"`
				Failure string   `json:"failure"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("unparseable runway poll response: %w", err)
			}

			result := &interfaces.VideoResult{}
			switch strings.ToUpper(parsed.Status) {
			case "SUCCEEDED":
				result.Status = interfaces.VideoStatusSucceeded
				if len(parsed.Output) > 0 {
					result.URL = parsed.Output[0]
				}
			case "FAILED":
				result.Status = interfaces.VideoStatusFailed
				result.Error = parsed.Failure
			case "RUNNING":
				result.Status = interfaces.VideoStatusRunning
			default:
				result.Status = interfaces.VideoStatusPending
			}
			return result, nil
		},
	}
}

// NewPikaProvider creates the Pika text-to-video adapter.
func NewPikaProvider(cfg common.VideoConfig) interfaces.VideoProvider {
	baseURL := cfg.PikaBaseURL
	if baseURL == "" {
		baseURL = pikaDefaultBaseURL
	}
	return &httpVideoProvider{
		name:      "pika",
		submitURL: baseURL + "/generate",
		pollURL:   baseURL + "/generate",
		client:    newHTTPClient(),
		auth: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+cfg.PikaAPIKey)
		},
		buildBody: func(req *interfaces.VideoRequest) map[string]any {
			return map[string]any{
				"prompt":       req.Prompt,
				"style":        "realistic",
				"duration":     req.DurationSec,
				"aspect_ratio": req.AspectRatio,
			}
		},
		parseTask: func(body []byte) (string, error) {
			var parsed struct {
				ID     string `json:"id"`
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", fmt.Errorf("unparseable pika response: %w", err)
			}
			if parsed.ID != "" {
				return parsed.ID, nil
			}
			if parsed.TaskID != "" {
				return parsed.TaskID, nil
			}
			return "", fmt.Errorf("pika response missing task id")
		},
		parsePoll: func(body []byte) (*interfaces.VideoResult, error) {
			var parsed struct {
				Status    string `json:"status"`
				VideoURL  string `json:"video_url"`
				OutputURL string `json:"output_url"`
				Error     string `json:"error"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, fmt.Errorf("unparseable pika poll response: %w", err)
			}

			result := &interfaces.VideoResult{}
			switch strings.ToLower(parsed.Status) {
			case "completed", "finished":
				result.Status = interfaces.VideoStatusSucceeded
				result.URL = parsed.VideoURL
				if result.URL == "" {
					result.URL = parsed.OutputURL
				}
			case "failed":
				result.Status = interfaces.VideoStatusFailed
				result.Error = parsed.Error
			case "processing":
				result.Status = interfaces.VideoStatusRunning
			default:
				result.Status = interfaces.VideoStatusPending
			}
			return result, nil
		},
	}
}
