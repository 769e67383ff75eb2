// Package video drives asynchronous text-to-video generation: submit to a
// primary provider with fallback on submit failure, then poll to a terminal
// status under a bounded wait.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/trendpipe/internal/interfaces"
)

// httpVideoProvider is the shared submit/poll implementation. Keling,
// Runway and Pika differ only in endpoints, auth and response field names,
// which the mapping funcs absorb.
type httpVideoProvider struct {
	name      string
	submitURL string
	pollURL   string // task ID appended as a path segment
	client    *http.Client
	auth      func(req *http.Request)
	buildBody func(req *interfaces.VideoRequest) map[string]any
	parseTask func(body []byte) (string, error)
	parsePoll func(body []byte) (*interfaces.VideoResult, error)
}

func (p *httpVideoProvider) Name() string {
	return p.name
}

func (p *httpVideoProvider) Submit(ctx context.Context, req *interfaces.VideoRequest) (string, error) {
	payload, err := json.Marshal(p.buildBody(req))
	if err != nil {
		return "", fmt.Errorf("failed to encode %s task: %w", p.name, err)
	}

	body, err := p.do(ctx, http.MethodPost, p.submitURL, payload)
	if err != nil {
		return "", err
	}
	return p.parseTask(body)
}

func (p *httpVideoProvider) Poll(ctx context.Context, taskID string) (*interfaces.VideoResult, error) {
	body, err := p.do(ctx, http.MethodGet, p.pollURL+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	return p.parsePoll(body)
}

func (p *httpVideoProvider) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", p.name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	p.auth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, truncateBody(body))
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
