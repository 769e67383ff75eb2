package scrapers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/models"
	"github.com/ternarybob/trendpipe/internal/services/scrape"
)

const boardPage = `<!DOCTYPE html>
<html><body>
<article data-id="post-1">
  <h2 class="title">First trending post</h2>
  <a href="/posts/1">link</a>
  <time datetime="2026-08-20T10:00:00Z">Aug 20</time>
  <p>Body of the <strong>first</strong> post.</p>
</article>
<article data-id="post-2">
  <h2 class="title">Second trending post</h2>
  <a href="/posts/2">link</a>
  <time datetime="2026-08-21T12:00:00Z">Aug 21</time>
  <p>Body of the second post.</p>
</article>
<article>
  <p>Entry without a title is skipped.</p>
</article>
</body></html>`

func newBoardServer(t *testing.T, etag string) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if etag != "" {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(boardPage))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestWebBoardScrapeParsesEntries(t *testing.T) {
	server, _ := newBoardServer(t, `"v1"`)
	scraper := NewWebBoardScraper(server.URL, server.Client(), arbor.NewLogger())

	batch, err := scraper.Scrape(context.Background(), &models.ScrapeJob{MaxItems: 10}, nil)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2, "the title-less entry is dropped")

	first := batch.Items[0]
	assert.Equal(t, "webboard", first.SourcePlatform)
	assert.Equal(t, "post-1", first.SourceID)
	assert.Equal(t, "First trending post", first.Title)
	assert.Contains(t, first.SourceURL, "/posts/1")
	assert.Contains(t, first.NormalizedText, "**first**", "body is converted to markdown")
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), first.SourceUpdatedAt)
	assert.Greater(t, first.PlatformMetrics[scrape.MetricPlatformPercentile], 0.0)

	assert.Equal(t, `"v1"`, batch.ETags[server.URL])
	assert.Equal(t, time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC), batch.NextCursor,
		"cursor advances to the newest entry")
}

func TestWebBoardScrapeNotModified(t *testing.T) {
	server, hits := newBoardServer(t, `"v1"`)
	scraper := NewWebBoardScraper(server.URL, server.Client(), arbor.NewLogger())

	state := &models.ScraperState{
		Platform: "webboard",
		ETags:    map[string]string{server.URL: `"v1"`},
	}
	batch, err := scraper.Scrape(context.Background(), &models.ScrapeJob{}, state)
	require.NoError(t, err)
	assert.True(t, batch.NotModified)
	assert.Empty(t, batch.Items)
	assert.Equal(t, 1, *hits)
}

func TestWebBoardScrapeCursorFilters(t *testing.T) {
	server, _ := newBoardServer(t, "")
	scraper := NewWebBoardScraper(server.URL, server.Client(), arbor.NewLogger())

	state := &models.ScraperState{
		Platform: "webboard",
		Cursor:   time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC),
	}
	batch, err := scraper.Scrape(context.Background(), &models.ScrapeJob{}, state)
	require.NoError(t, err)
	require.Len(t, batch.Items, 1, "entries at or before the watermark are skipped")
	assert.Equal(t, "post-2", batch.Items[0].SourceID)
}

func TestWebBoardScrapeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	scraper := NewWebBoardScraper(server.URL, server.Client(), arbor.NewLogger())
	_, err := scraper.Scrape(context.Background(), &models.ScrapeJob{}, nil)
	assert.Error(t, err)
}

func TestWebBoardScrapeMaxItems(t *testing.T) {
	server, _ := newBoardServer(t, "")
	scraper := NewWebBoardScraper(server.URL, server.Client(), arbor.NewLogger())

	batch, err := scraper.Scrape(context.Background(), &models.ScrapeJob{MaxItems: 1}, nil)
	require.NoError(t, err)
	assert.Len(t, batch.Items, 1)
}
