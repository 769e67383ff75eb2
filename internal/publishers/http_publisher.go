// Package publishers holds the per-platform publish adapters and their
// registry. Publishing is best-effort with bounded retry: transient upstream
// failures retry with growing delay, request rejections fail immediately.
package publishers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// payloadFunc shapes a draft into the platform's post body.
type payloadFunc func(draft *models.ContentDraft) map[string]any

// authFunc attaches platform credentials to the outgoing request.
type authFunc func(req *http.Request)

// postResponse is the normalized shape every adapter expects back.
type postResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// httpPublisher is the shared JSON-over-HTTP publish implementation. The
// platform adapters differ only in endpoint, credentials and payload shape.
type httpPublisher struct {
	platform   string
	endpoint   string
	client     *http.Client
	payload    payloadFunc
	auth       authFunc
	retryMax   int
	retryDelay time.Duration
	logger     arbor.ILogger
}

func (p *httpPublisher) Platform() string {
	return p.platform
}

// Publish posts the draft, retrying on transport errors and 5xx responses.
// 4xx responses are the platform rejecting the content; retrying cannot
// help, so they fail immediately.
func (p *httpPublisher) Publish(ctx context.Context, draft *models.ContentDraft) (*interfaces.PublishResult, error) {
	body, err := json.Marshal(p.payload(draft))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s post: %w", p.platform, err)
	}

	var lastErr error
	delay := p.retryDelay
	for attempt := 0; attempt <= p.retryMax; attempt++ {
		if attempt > 0 {
			p.logger.Warn().
				Str("platform", p.platform).
				Str("draft_id", draft.ID).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("Retrying publish")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, retryable, err := p.post(ctx, body)
		if err == nil {
			p.logger.Info().
				Str("platform", p.platform).
				Str("draft_id", draft.ID).
				Str("post_id", result.ExternalID).
				Msg("Draft published")
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("publish to %s failed: %w", p.platform, lastErr)
}

func (p *httpPublisher) post(ctx context.Context, body []byte) (*interfaces.PublishResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.auth != nil {
		p.auth(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed postResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, false, fmt.Errorf("unparseable response: %w", err)
		}
		return &interfaces.PublishResult{ExternalID: parsed.ID, URL: parsed.URL}, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("upstream error %d: %s", resp.StatusCode, truncateBody(respBody))
	default:
		return nil, false, fmt.Errorf("rejected with status %d: %s", resp.StatusCode, truncateBody(respBody))
	}
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
