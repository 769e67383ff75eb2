package scrapers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
	"github.com/ternarybob/trendpipe/internal/services/scrape"
)

const webboardUserAgent = "trendpipe/1.0"

// WebBoardScraper polls an HTML trending board (hot list pages that expose
// ranked entries) with conditional requests, converting entry bodies to
// markdown for downstream parsing.
type WebBoardScraper struct {
	baseURL   string
	client    *http.Client
	converter *md.Converter
	logger    arbor.ILogger
	now       func() time.Time
}

// NewWebBoardScraper creates the web-board adapter for one board URL.
func NewWebBoardScraper(baseURL string, client *http.Client, logger arbor.ILogger) *WebBoardScraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebBoardScraper{
		baseURL:   baseURL,
		client:    client,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *WebBoardScraper) Platform() string {
	return "webboard"
}

// Scrape fetches the board page. The persisted ETag is replayed as
// If-None-Match; a 304 reports NotModified, skipping the parse entirely.
func (s *WebBoardScraper) Scrape(ctx context.Context, job *models.ScrapeJob, state *models.ScraperState) (*interfaces.ScrapeBatch, error) {
	boardURL := s.baseURL
	if job.Channel != "" {
		joined, err := url.JoinPath(s.baseURL, job.Channel)
		if err != nil {
			return nil, fmt.Errorf("invalid board channel %q: %w", job.Channel, err)
		}
		boardURL = joined
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, boardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build board request: %w", err)
	}
	req.Header.Set("User-Agent", webboardUserAgent)
	if state != nil {
		if etag := state.ETags[boardURL]; etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("board request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.logger.Debug().Str("url", boardURL).Msg("Board unchanged since last poll")
		return &interfaces.ScrapeBatch{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("board returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse board HTML: %w", err)
	}

	batch := &interfaces.ScrapeBatch{}
	if etag := resp.Header.Get("ETag"); etag != "" {
		batch.ETags = map[string]string{boardURL: etag}
	}

	maxItems := job.MaxItems
	if maxItems <= 0 {
		maxItems = 30
	}

	entries := doc.Find("article, li.item, div.entry")
	total := entries.Length()
	cursor := time.Time{}
	if state != nil {
		cursor = state.Cursor
	}

	entries.EachWithBreak(func(rank int, sel *goquery.Selection) bool {
		if len(batch.Items) >= maxItems {
			return false
		}

		item := s.toSource(sel, boardURL, rank, total)
		if item == nil {
			return true
		}
		if !cursor.IsZero() && !item.SourceUpdatedAt.After(cursor) {
			return true
		}

		batch.Items = append(batch.Items, item)
		if item.SourceUpdatedAt.After(batch.NextCursor) {
			batch.NextCursor = item.SourceUpdatedAt
		}
		return true
	})

	s.logger.Debug().
		Str("url", boardURL).
		Int("entries", total).
		Int("items", len(batch.Items)).
		Msg("Board scrape completed")
	return batch, nil
}

func (s *WebBoardScraper) toSource(sel *goquery.Selection, boardURL string, rank, total int) *models.TrendSource {
	title := strings.TrimSpace(sel.Find("h1, h2, h3, .title").First().Text())
	if title == "" {
		return nil
	}

	link, _ := sel.Find("a[href]").First().Attr("href")
	if link != "" {
		if resolved, err := url.Parse(link); err == nil {
			if base, err := url.Parse(boardURL); err == nil {
				link = base.ResolveReference(resolved).String()
			}
		}
	}

	sourceID, ok := sel.Attr("data-id")
	if !ok || sourceID == "" {
		sourceID = link
	}
	if sourceID == "" {
		return nil
	}

	bodyHTML, err := sel.Html()
	if err != nil {
		bodyHTML = ""
	}
	body, err := s.converter.ConvertString(bodyHTML)
	if err != nil {
		body = strings.TrimSpace(sel.Text())
	}

	now := s.now()
	updatedAt := now
	if ts, ok := sel.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			updatedAt = parsed
		}
	}

	percentile := 1.0
	if total > 1 {
		percentile = 1 - float64(rank)/float64(total-1)
	}

	return &models.TrendSource{
		SourcePlatform:  "webboard",
		SourceType:      "post",
		SourceID:        sourceID,
		SourceURL:       link,
		Title:           title,
		Description:     truncate(body, 500),
		PublishedAt:     updatedAt,
		SourceUpdatedAt: updatedAt,
		NormalizedText:  body,
		ExternalURLs:    nonEmpty(link),
		PlatformMetrics: map[string]float64{
			scrape.MetricPlatformPercentile: percentile,
		},
		ScrapedAt:  now,
		LastSeenAt: now,
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
