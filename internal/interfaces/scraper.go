package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trendpipe/internal/models"
)

// ScrapeBatch is the output of one scraper poll: the fetched items plus the
// watermark advance the coordinator should persist on success.
type ScrapeBatch struct {
	Items []*models.TrendSource

	// NextCursor is the new high-water mark. Zero means unchanged.
	NextCursor time.Time

	// ETags maps request URLs to the validators returned by the upstream,
	// replayed as If-None-Match on the next poll.
	ETags map[string]string

	// NotModified reports that every conditional request returned 304.
	NotModified bool
}

// TrendScraper fetches candidate trend items from one platform. Scrapers are
// stateless between calls; the coordinator supplies the persisted cursor and
// ETag state and stores the batch's advance afterwards.
type TrendScraper interface {
	// Platform returns the source platform identifier ("github", "webboard").
	Platform() string

	// Scrape executes one poll for the job. A nil state means no watermark
	// has been persisted yet and the scraper starts from its default window.
	Scrape(ctx context.Context, job *models.ScrapeJob, state *models.ScraperState) (*ScrapeBatch, error)
}
