package scrapers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
	"github.com/ternarybob/trendpipe/internal/services/scrape"
)

const (
	githubDefaultWindow = 7 * 24 * time.Hour
	githubDefaultItems  = 25
	githubMinStars      = 50
)

// GithubScraper finds trending repositories through the search API, ranked
// by stars, and enriches each hit with the velocity signals the heat scorer
// consumes.
type GithubScraper struct {
	client *github.Client
	logger arbor.ILogger
	now    func() time.Time
}

// NewGithubScraper creates the GitHub adapter. An empty token uses
// unauthenticated access with its much lower rate limits.
func NewGithubScraper(token string, logger arbor.ILogger) *GithubScraper {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(context.Background(), ts)
		client = github.NewClient(tc)
	} else {
		client = github.NewClient(nil)
	}

	return &GithubScraper{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (s *GithubScraper) Platform() string {
	return "github"
}

// Scrape runs one trending search. The persisted cursor bounds the creation
// window so repeated polls only surface repos newer than the last sweep.
func (s *GithubScraper) Scrape(ctx context.Context, job *models.ScrapeJob, state *models.ScraperState) (*interfaces.ScrapeBatch, error) {
	since := s.now().Add(-githubDefaultWindow)
	if state != nil && state.Cursor.After(since) {
		since = state.Cursor
	}

	query := job.Query
	if query == "" {
		query = fmt.Sprintf("stars:>%d", githubMinStars)
	}
	query = fmt.Sprintf("%s created:>%s", query, since.UTC().Format("2006-01-02"))

	maxItems := job.MaxItems
	if maxItems <= 0 {
		maxItems = githubDefaultItems
	}

	result, _, err := s.client.Search.Repositories(ctx, query, &github.SearchOptions{
		Sort:  "stars",
		Order: "desc",
		ListOptions: github.ListOptions{
			PerPage: maxItems,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("github search failed: %w", err)
	}

	batch := &interfaces.ScrapeBatch{}
	total := len(result.Repositories)
	for rank, repo := range result.Repositories {
		if rank >= maxItems {
			break
		}
		item := s.toSource(ctx, repo, rank, total)
		batch.Items = append(batch.Items, item)
		if item.SourceUpdatedAt.After(batch.NextCursor) {
			batch.NextCursor = item.SourceUpdatedAt
		}
	}

	s.logger.Debug().
		Str("query", query).
		Int("items", len(batch.Items)).
		Msg("GitHub trending search completed")
	return batch, nil
}

func (s *GithubScraper) toSource(ctx context.Context, repo *github.Repository, rank, total int) *models.TrendSource {
	now := s.now()

	stars := float64(repo.GetStargazersCount())
	ageDays := now.Sub(repo.GetCreatedAt().Time).Hours() / 24
	if ageDays < 1 {
		ageDays = 1
	}

	metrics := map[string]float64{
		scrape.MetricStarsPerDay: stars / ageDays,
	}
	if total > 1 {
		metrics[scrape.MetricPlatformPercentile] = 1 - float64(rank)/float64(total-1)
	} else {
		metrics[scrape.MetricPlatformPercentile] = 1
	}
	if contributors := s.contributorCount(ctx, repo); contributors > 0 {
		metrics[scrape.MetricContributors] = contributors
	}
	if downloads := s.releaseDownloads(ctx, repo); downloads > 0 {
		metrics[scrape.MetricReleaseDownloads] = downloads
	}

	text := repo.GetFullName()
	if repo.GetDescription() != "" {
		text += ": " + repo.GetDescription()
	}

	updatedAt := repo.GetPushedAt().Time
	if updatedAt.IsZero() {
		updatedAt = repo.GetCreatedAt().Time
	}

	return &models.TrendSource{
		SourcePlatform:  "github",
		SourceType:      "repository",
		SourceID:        strconv.FormatInt(repo.GetID(), 10),
		SourceURL:       repo.GetHTMLURL(),
		Title:           repo.GetFullName(),
		Description:     repo.GetDescription(),
		Author:          repo.GetOwner().GetLogin(),
		AuthorID:        strconv.FormatInt(repo.GetOwner().GetID(), 10),
		Language:        strings.ToLower(repo.GetLanguage()),
		EngagementScore: stars,
		PublishedAt:     repo.GetCreatedAt().Time,
		SourceUpdatedAt: updatedAt,
		NormalizedText:  text,
		Hashtags:        repo.Topics,
		ExternalURLs:    []string{repo.GetHTMLURL()},
		PlatformMetrics: metrics,
		ScrapedAt:       now,
		LastSeenAt:      now,
	}
}

// contributorCount approximates the contributor total from the pagination
// trailer of a single-item page, avoiding a full listing sweep.
func (s *GithubScraper) contributorCount(ctx context.Context, repo *github.Repository) float64 {
	_, resp, err := s.client.Repositories.ListContributors(ctx, repo.GetOwner().GetLogin(), repo.GetName(),
		&github.ListContributorsOptions{
			Anon:        "false",
			ListOptions: github.ListOptions{PerPage: 1},
		})
	if err != nil || resp == nil {
		return 0
	}
	if resp.LastPage > 0 {
		return float64(resp.LastPage)
	}
	return 1
}

func (s *GithubScraper) releaseDownloads(ctx context.Context, repo *github.Repository) float64 {
	releases, _, err := s.client.Repositories.ListReleases(ctx, repo.GetOwner().GetLogin(), repo.GetName(),
		&github.ListOptions{PerPage: 5})
	if err != nil {
		return 0
	}

	var downloads float64
	for _, release := range releases {
		for _, asset := range release.Assets {
			downloads += float64(asset.GetDownloadCount())
		}
	}
	return downloads
}
