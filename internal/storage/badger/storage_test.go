package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func TestIngestLedgerIdempotency(t *testing.T) {
	db := newTestDB(t)
	storage := NewSourceStorage(db, arbor.NewLogger())
	ctx := context.Background()

	updatedAt := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	record := &models.SourceIngestRecord{
		IdempotencyKey:  models.IngestKey("github", "owner/repo", updatedAt),
		SourcePlatform:  "github",
		SourceID:        "owner/repo",
		SourceUpdatedAt: updatedAt,
	}

	inserted, err := storage.RecordIngest(ctx, record)
	require.NoError(t, err)
	assert.True(t, inserted, "first ingest of a triple must insert")

	inserted, err = storage.RecordIngest(ctx, record)
	require.NoError(t, err)
	assert.False(t, inserted, "repeat ingest of the same triple must be a no-op")

	// A changed updated_at is a new triple and must insert.
	bumped := &models.SourceIngestRecord{
		IdempotencyKey:  models.IngestKey("github", "owner/repo", updatedAt.Add(time.Hour)),
		SourcePlatform:  "github",
		SourceID:        "owner/repo",
		SourceUpdatedAt: updatedAt.Add(time.Hour),
	}
	inserted, err = storage.RecordIngest(ctx, bumped)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestScraperStateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	storage := NewSourceStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.GetScraperState(ctx, "github", "trending")
	assert.ErrorIs(t, err, common.ErrNotFound)

	cursor := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	state := &models.ScraperState{
		Platform: "github",
		Channel:  "trending",
		Cursor:   cursor,
		ETags:    map[string]string{"https://api.github.com/search": `W/"abc123"`},
	}
	require.NoError(t, storage.SaveScraperState(ctx, state))

	loaded, err := storage.GetScraperState(ctx, "github", "trending")
	require.NoError(t, err)
	assert.True(t, loaded.Cursor.Equal(cursor))
	assert.Equal(t, `W/"abc123"`, loaded.ETags["https://api.github.com/search"])
}

func TestScraperStateDefaultStream(t *testing.T) {
	db := newTestDB(t)
	storage := NewSourceStorage(db, arbor.NewLogger())
	ctx := context.Background()

	// Jobs without a channel persist under the platform's default stream.
	state := &models.ScraperState{
		Platform: "github",
		ETags:    map[string]string{"https://api.github.com/search": `W/"def456"`},
	}
	require.NoError(t, storage.SaveScraperState(ctx, state))

	loaded, err := storage.GetScraperState(ctx, "github", "")
	require.NoError(t, err)
	assert.Equal(t, `W/"def456"`, loaded.ETags["https://api.github.com/search"])

	assert.Error(t, storage.SaveScraperState(ctx, &models.ScraperState{Channel: "trending"}))
}

func TestGetSourceByContentHash(t *testing.T) {
	db := newTestDB(t)
	storage := NewSourceStorage(db, arbor.NewLogger())
	ctx := context.Background()

	hash := common.ContentHash("a trending repository body")
	src := &models.TrendSource{ID: "s1", SourcePlatform: "github", SourceID: "a", ContentHash: hash}
	require.NoError(t, storage.SaveSource(ctx, src))

	found, err := storage.GetSourceByContentHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)

	_, err = storage.GetSourceByContentHash(ctx, common.ContentHash("something else"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSourceParseStatusQueries(t *testing.T) {
	db := newTestDB(t)
	storage := NewSourceStorage(db, arbor.NewLogger())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	rows := []*models.TrendSource{
		{ID: "s1", SourcePlatform: "github", SourceID: "a", ParseStatus: models.ParseStatusPending},
		{ID: "s2", SourcePlatform: "github", SourceID: "b", ParseStatus: models.ParseStatusDelayed, ParseRetryAt: &past},
		{ID: "s3", SourcePlatform: "github", SourceID: "c", ParseStatus: models.ParseStatusDelayed, ParseRetryAt: &future},
	}
	for _, row := range rows {
		require.NoError(t, storage.SaveSource(ctx, row))
	}

	pending, err := storage.ListSourcesByParseStatus(ctx, models.ParseStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].ID)

	due, err := storage.ListDueForRetry(ctx, time.Now().UTC(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1, "only delayed rows whose retry time has passed are due")
	assert.Equal(t, "s2", due[0].ID)
}

func TestDraftVersionsAreAppendOnly(t *testing.T) {
	db := newTestDB(t)
	storage := NewDraftStorage(db, arbor.NewLogger())
	ctx := context.Background()

	v1 := &models.DraftVersion{
		ID:        "v1",
		DraftID:   "drf_1",
		VersionNo: 1,
		Title:     "original",
	}
	require.NoError(t, storage.SaveVersion(ctx, v1))

	// Rewriting an existing version number must fail.
	dup := &models.DraftVersion{ID: "v1b", DraftID: "drf_1", VersionNo: 1, Title: "rewritten"}
	err := storage.SaveVersion(ctx, dup)
	assert.ErrorIs(t, err, common.ErrAlreadyExists)

	require.NoError(t, storage.SaveVersion(ctx, &models.DraftVersion{
		ID: "v2", DraftID: "drf_1", VersionNo: 2, Title: "edited",
	}))

	versions, err := storage.ListVersions(ctx, "drf_1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].VersionNo)
	assert.Equal(t, "original", versions[0].Title, "history must be immutable")

	_, err = storage.GetVersion(ctx, "drf_1", 99)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestParseCacheRoundTrip(t *testing.T) {
	db := newTestDB(t)
	storage := NewParseStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.GetCacheEntry(ctx, "abc123", "v1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	entry := &models.ParseCacheEntry{
		ContentHash:   "abc123",
		SchemaVersion: "v1",
		Payload:       map[string]any{"title": "hello"},
		Confidence:    0.91,
	}
	require.NoError(t, storage.SaveCacheEntry(ctx, entry))

	loaded, err := storage.GetCacheEntry(ctx, "abc123", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0.91, loaded.Confidence)
	assert.Equal(t, "hello", loaded.Payload["title"])

	// Same hash under a different schema version is a separate entry.
	_, err = storage.GetCacheEntry(ctx, "abc123", "v2")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeadLetterLifecycle(t *testing.T) {
	db := newTestDB(t)
	storage := NewParseStorage(db, arbor.NewLogger())
	ctx := context.Background()

	entry := &models.ParseDeadLetter{
		ID:           "dlq_1",
		SourceRowID:  "s1",
		ErrorKind:    models.ParseErrorUnrecoverable,
		ErrorMessage: "schema violation: title too long",
		Status:       models.DeadLetterPending,
	}
	require.NoError(t, storage.SaveDeadLetter(ctx, entry))

	pending, err := storage.ListDeadLetters(ctx, models.DeadLetterPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	now := time.Now().UTC()
	entry.Status = models.DeadLetterResolved
	entry.ReplayedAt = &now
	require.NoError(t, storage.SaveDeadLetter(ctx, entry))

	pending, err = storage.ListDeadLetters(ctx, models.DeadLetterPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = storage.GetDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestScheduleRoundTrip(t *testing.T) {
	db := newTestDB(t)
	storage := NewRunStorage(db, arbor.NewLogger())
	ctx := context.Background()

	schedule := &models.ScheduleConfig{
		Name:           "morning-trends",
		CronExpression: "0 7 * * *",
		Sources:        []string{"github"},
		Enabled:        true,
	}
	require.NoError(t, storage.SaveSchedule(ctx, schedule))
	assert.NotEmpty(t, schedule.ID)

	schedule.CronExpression = "0 8 * * *"
	require.NoError(t, storage.SaveSchedule(ctx, schedule))

	loaded, err := storage.GetSchedule(ctx, "morning-trends")
	require.NoError(t, err)
	assert.Equal(t, "0 8 * * *", loaded.CronExpression)

	schedules, err := storage.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1, "upsert by name must not duplicate")

	require.NoError(t, storage.DeleteSchedule(ctx, "morning-trends"))
	_, err = storage.GetSchedule(ctx, "morning-trends")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
