package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// memDrafts is an in-memory DraftStorage for stage and versioner tests.
type memDrafts struct {
	mu       sync.Mutex
	drafts   map[string]*models.ContentDraft
	versions map[string]*models.DraftVersion
	records  map[string]*models.PublishRecord
}

func newMemDrafts() *memDrafts {
	return &memDrafts{
		drafts:   map[string]*models.ContentDraft{},
		versions: map[string]*models.DraftVersion{},
		records:  map[string]*models.PublishRecord{},
	}
}

func (m *memDrafts) SaveDraft(ctx context.Context, d *models.ContentDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drafts[d.ID] = &cp
	return nil
}

func (m *memDrafts) GetDraft(ctx context.Context, id string) (*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, fmt.Errorf("draft %s: %w", id, common.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *memDrafts) ListDraftsByRun(ctx context.Context, runID string) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, d := range m.drafts {
		if d.PipelineRunID == runID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDrafts) ListDraftsByStatus(ctx context.Context, status string, limit int) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, d := range m.drafts {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDrafts) SaveVersion(ctx context.Context, v *models.DraftVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.VersionKey(v.DraftID, v.VersionNo)
	if _, exists := m.versions[key]; exists {
		return fmt.Errorf("version %s: %w", key, common.ErrAlreadyExists)
	}
	cp := *v
	m.versions[key] = &cp
	return nil
}

func (m *memDrafts) GetVersion(ctx context.Context, draftID string, versionNo int) (*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[models.VersionKey(draftID, versionNo)]
	if !ok {
		return nil, fmt.Errorf("draft version: %w", common.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (m *memDrafts) ListVersions(ctx context.Context, draftID string) ([]*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DraftVersion
	for no := 1; ; no++ {
		v, ok := m.versions[models.VersionKey(draftID, no)]
		if !ok {
			break
		}
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDrafts) SavePublishRecord(ctx context.Context, r *models.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memDrafts) ListPublishRecordsByRun(ctx context.Context, runID string) ([]*models.PublishRecord, error) {
	return nil, nil
}

func (m *memDrafts) ListAcceptedDrafts(ctx context.Context, platform string, limit int) ([]*models.ContentDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ContentDraft
	for _, d := range m.drafts {
		if d.TargetPlatform == platform &&
			(d.Status == models.DraftStatusQualityChecked || d.Status == models.DraftStatusPublished) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeLLM returns scripted responses.
type fakeLLM struct {
	mu    sync.Mutex
	name  string
	texts []string
	errs  []error
	calls int
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) Generate(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	text := ""
	if idx < len(f.texts) {
		text = f.texts[idx]
	} else if len(f.texts) > 0 {
		text = f.texts[len(f.texts)-1]
	}
	return &interfaces.GenerateResult{Text: text, Backend: f.name, Model: f.name + "-model", LatencyMS: 5}, nil
}

func (f *fakeLLM) HealthCheck(ctx context.Context) error { return nil }

func draftJSON(title, body string, hashtags ...string) string {
	if hashtags == nil {
		hashtags = []string{}
	}
	data, _ := json.Marshal(map[string]any{
		"title":    title,
		"body":     body,
		"summary":  "short recap",
		"hashtags": hashtags,
	})
	return string(data)
}

func validBody() string {
	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet"}
	var b strings.Builder
	for i := 0; i < 12; i++ {
		for _, w := range words {
			b.WriteString(w)
			b.WriteString(fmt.Sprintf("%d ", i))
		}
	}
	return strings.TrimSpace(b.String())
}

func testGenConfig() common.GenerationConfig {
	return common.GenerationConfig{
		MaxTokens:             1024,
		StageTimeout:          "5s",
		SelfRepairMaxAttempts: 2,
		MaxRepeatRatio:        0.60,
	}
}

func parsedSource() *models.TrendSource {
	return &models.TrendSource{
		ID:             "src_1",
		SourcePlatform: "github",
		ParseStatus:    models.ParseStatusCompleted,
		ParsePayload: map[string]any{
			"title":    "Trending repo",
			"summary":  "A repo is trending.",
			"keywords": []string{"go", "cache"},
		},
	}
}

func newTestStage(primary, fallback interfaces.LLMProvider, cfg common.GenerationConfig) (*Stage, *memDrafts) {
	drafts := newMemDrafts()
	stage := NewStage(primary, fallback, drafts, DefaultConstraintProfile(), cfg, arbor.NewLogger())
	return stage, drafts
}

func TestStageGeneratesDraftWithMeta(t *testing.T) {
	primary := &fakeLLM{name: "claude", texts: []string{draftJSON("A solid weibo title", validBody())}}
	stage, drafts := newTestStage(primary, nil, testGenConfig())

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)

	assert.Equal(t, models.DraftStatusSummarized, draft.Status)
	assert.Equal(t, "claude", draft.GenerationMeta.Backend)
	assert.False(t, draft.GenerationMeta.UsedFallback)
	assert.Equal(t, 1, draft.GenerationMeta.Attempt)
	assert.NotEmpty(t, draft.GenerationMeta.PromptHash)
	assert.NotEmpty(t, draft.GenerationMeta.OutputHash)
	assert.Equal(t, 1, draft.CurrentVersion)
	assert.True(t, draft.QualityDetails.GateEligible)

	version, err := drafts.GetVersion(context.Background(), draft.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, draft.Title, version.Title)
	assert.Equal(t, draft.ContentHash, version.ContentHash)
}

func TestStageDegradesToFallback(t *testing.T) {
	primary := &fakeLLM{name: "claude", errs: []error{errors.New("rate limited")}}
	fallback := &fakeLLM{name: "gemini", texts: []string{draftJSON("A solid weibo title", validBody())}}
	stage, _ := newTestStage(primary, fallback, testGenConfig())

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)

	assert.Equal(t, "gemini", draft.GenerationMeta.Backend)
	assert.True(t, draft.GenerationMeta.UsedFallback,
		"in-stage degrade must be recorded on generation_meta")
}

func TestStageBothBackendsFail(t *testing.T) {
	primary := &fakeLLM{name: "claude", errs: []error{errors.New("down")}}
	fallback := &fakeLLM{name: "gemini", errs: []error{errors.New("also down")}}
	stage, _ := newTestStage(primary, fallback, testGenConfig())

	_, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback failed")
}

func TestStageSelfRepairBounded(t *testing.T) {
	// Title stays too long for weibo on every attempt: the stage must stop
	// after the configured repairs and keep the best candidate.
	bad := draftJSON(strings.Repeat("long title ", 10), validBody())
	primary := &fakeLLM{name: "claude", texts: []string{bad, bad, bad, bad, bad}}
	cfg := testGenConfig()
	cfg.SelfRepairMaxAttempts = 2
	stage, _ := newTestStage(primary, nil, cfg)

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)

	assert.Equal(t, 3, primary.calls, "initial attempt plus exactly two repairs")
	assert.Equal(t, 2, draft.QualityDetails.RepairAttempts)
	assert.False(t, draft.QualityDetails.GateEligible)
	assert.NotEmpty(t, draft.QualityDetails.Issues)
}

func TestStageRepairStopsOnceClean(t *testing.T) {
	bad := draftJSON("x", "too short")
	good := draftJSON("A solid weibo title", validBody())
	primary := &fakeLLM{name: "claude", texts: []string{bad, good}}
	stage, _ := newTestStage(primary, nil, testGenConfig())

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)

	assert.Equal(t, 2, primary.calls, "repair loop must stop as soon as a candidate is clean")
	assert.Equal(t, 1, draft.QualityDetails.RepairAttempts)
	assert.True(t, draft.QualityDetails.GateEligible)
	assert.Equal(t, "A solid weibo title", draft.Title, "the clean candidate must win")
}

func TestStageKeepsBestWhenRepairRegresses(t *testing.T) {
	near := draftJSON("A solid weibo title", "slightly short body here")
	worse := draftJSON("", "")
	primary := &fakeLLM{name: "claude", texts: []string{near, worse, worse}}
	cfg := testGenConfig()
	cfg.SelfRepairMaxAttempts = 2
	stage, _ := newTestStage(primary, nil, cfg)

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "A solid weibo title", draft.Title,
		"a regressing repair must not replace the better earlier candidate")
}

func TestStageRejectsUnparsedSource(t *testing.T) {
	stage, _ := newTestStage(&fakeLLM{name: "claude"}, nil, testGenConfig())

	src := parsedSource()
	src.ParseStatus = models.ParseStatusPending
	_, err := stage.Generate(context.Background(), src, "weibo", "run-1")
	assert.Error(t, err)
}

func TestStageBannedWordsZeroCompliance(t *testing.T) {
	text := draftJSON("A solid weibo title", validBody()+" forbiddenword")
	primary := &fakeLLM{name: "claude", texts: []string{text, text, text}}
	profile := DefaultConstraintProfile()
	profile.BannedWords = []string{"forbiddenword"}

	drafts := newMemDrafts()
	stage := NewStage(primary, nil, drafts, profile, testGenConfig(), arbor.NewLogger())

	draft, err := stage.Generate(context.Background(), parsedSource(), "weibo", "run-1")
	require.NoError(t, err)
	assert.Zero(t, draft.ComplianceScore)
	assert.Contains(t, draft.QualityDetails.BannedWords, "forbiddenword")
}

func TestVersionerRollback(t *testing.T) {
	drafts := newMemDrafts()
	versioner := NewVersioner(drafts)
	ctx := context.Background()

	draft := &models.ContentDraft{ID: "drf_1", Title: "v1 title", Body: "v1 body"}
	_, err := versioner.Append(ctx, draft, "p1", "m1", nil)
	require.NoError(t, err)

	draft.Title = "v2 title"
	draft.Body = "v2 body"
	_, err = versioner.Append(ctx, draft, "p2", "m1", nil)
	require.NoError(t, err)
	require.NoError(t, drafts.SaveDraft(ctx, draft))

	rolled, err := versioner.Rollback(ctx, "drf_1", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1 title", rolled.Title)
	assert.Equal(t, 3, rolled.CurrentVersion, "rollback appends a new head version")

	history, err := versioner.History(ctx, "drf_1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "v2 title", history[1].Title, "rollback must not rewrite old versions")
	assert.Equal(t, "v1 title", history[2].Title)
}

func TestVersionerRollbackUnknownVersion(t *testing.T) {
	drafts := newMemDrafts()
	versioner := NewVersioner(drafts)
	ctx := context.Background()

	draft := &models.ContentDraft{ID: "drf_1", Title: "t", Body: "b"}
	_, err := versioner.Append(ctx, draft, "p", "m", nil)
	require.NoError(t, err)
	require.NoError(t, drafts.SaveDraft(ctx, draft))

	_, err = versioner.Rollback(ctx, "drf_1", 42)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = versioner.Rollback(ctx, "drf_missing", 1)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRepetitionRatio(t *testing.T) {
	assert.Zero(t, repetitionRatio("one"))
	assert.Zero(t, repetitionRatio("all tokens differ here now"))

	looped := strings.TrimSpace(strings.Repeat("same phrase ", 20))
	assert.Greater(t, repetitionRatio(looped), 0.8)
}
