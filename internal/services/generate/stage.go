package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

const draftSystemPrompt = `You write platform-native social content from structured trend data.
Respond with a single JSON object and nothing else, using exactly these keys:
title, body, summary, hashtags (array of strings, without the # prefix).`

// Stage turns parsed trend items into platform-targeted drafts. Each
// generation runs inside a fixed deadline budget: if the primary backend
// fails or the budget runs low, the stage degrades to the fallback backend
// in the same pass rather than failing the item. Drafts that violate their
// constraint envelope get a bounded number of self-repair attempts, and the
// best candidate seen is kept either way.
type Stage struct {
	primary  interfaces.LLMProvider
	fallback interfaces.LLMProvider // may be nil
	drafts   interfaces.DraftStorage
	versions *Versioner
	profile  *ConstraintProfile
	cfg      common.GenerationConfig
	logger   arbor.ILogger
	now      func() time.Time
}

// NewStage creates a generation stage. fallback may be nil when only one
// backend is configured.
func NewStage(
	primary, fallback interfaces.LLMProvider,
	drafts interfaces.DraftStorage,
	profile *ConstraintProfile,
	cfg common.GenerationConfig,
	logger arbor.ILogger,
) *Stage {
	return &Stage{
		primary:  primary,
		fallback: fallback,
		drafts:   drafts,
		versions: NewVersioner(drafts),
		profile:  profile,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// draftContent is the JSON shape the backends return.
type draftContent struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Summary  string   `json:"summary"`
	Hashtags []string `json:"hashtags"`
}

type candidate struct {
	content draftContent
	result  *interfaces.GenerateResult
	issues  []string
	banned  []string
	quality float64
	prompt  string
}

// Generate produces, evaluates and persists one draft for a parsed source
// item on one target platform.
func (s *Stage) Generate(ctx context.Context, src *models.TrendSource, platform, runID string) (*models.ContentDraft, error) {
	if src.ParseStatus != models.ParseStatusCompleted {
		return nil, fmt.Errorf("source %s is not parsed (status %s)", src.ID, src.ParseStatus)
	}

	budget := common.Duration(s.cfg.StageTimeout, 90*time.Second)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	constraint := s.profile.For(platform)
	prompt := s.buildPrompt(src, platform, constraint)

	usedFallback := false
	attempt := 0
	var best *candidate

	for {
		attempt++
		result, degraded, err := s.callWithDegrade(ctx, prompt)
		if err != nil {
			if best != nil {
				// Budget or backends exhausted mid-repair: ship the best
				// candidate we have instead of losing the item.
				s.logger.Warn().Err(err).Str("source_id", src.ID).Msg("Repair generation failed, keeping best draft")
				break
			}
			return nil, fmt.Errorf("generation failed for source %s: %w", src.ID, err)
		}
		usedFallback = usedFallback || degraded

		cand, err := s.evaluate(result, platform, prompt)
		if err != nil {
			if best != nil {
				break
			}
			return nil, err
		}

		if best == nil || cand.quality > best.quality {
			best = cand
		}
		if len(best.issues) == 0 || attempt > s.cfg.SelfRepairMaxAttempts {
			break
		}
		prompt = s.buildRepairPrompt(src, platform, constraint, cand)
	}

	return s.persist(ctx, src, platform, runID, best, usedFallback, attempt)
}

// callWithDegrade tries the primary backend and falls back in-stage on
// failure. Both calls share the surrounding deadline budget.
func (s *Stage) callWithDegrade(ctx context.Context, prompt string) (*interfaces.GenerateResult, bool, error) {
	req := &interfaces.GenerateRequest{
		System:    draftSystemPrompt,
		Prompt:    prompt,
		MaxTokens: s.cfg.MaxTokens,
	}

	result, err := s.primary.Generate(ctx, req)
	if err == nil {
		return result, false, nil
	}
	if s.fallback == nil || ctx.Err() != nil {
		return nil, false, err
	}

	s.logger.Warn().Err(err).
		Str("primary", s.primary.Name()).
		Str("fallback", s.fallback.Name()).
		Msg("Primary generation backend failed, degrading to fallback")

	result, ferr := s.fallback.Generate(ctx, req)
	if ferr != nil {
		return nil, true, fmt.Errorf("primary failed (%v); fallback failed: %w", err, ferr)
	}
	return result, true, nil
}

func (s *Stage) evaluate(result *interfaces.GenerateResult, platform, prompt string) (*candidate, error) {
	var content draftContent
	text := result.Text
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}
	if err := json.Unmarshal([]byte(text), &content); err != nil {
		return nil, fmt.Errorf("backend %s returned non-JSON draft: %w", result.Backend, err)
	}

	probe := &models.ContentDraft{
		TargetPlatform: platform,
		Title:          content.Title,
		Body:           content.Body,
		Hashtags:       content.Hashtags,
	}
	issues, banned := s.profile.Violations(probe)
	if r := repetitionRatio(content.Body); s.cfg.MaxRepeatRatio > 0 && r > s.cfg.MaxRepeatRatio {
		issues = append(issues, fmt.Sprintf("body too repetitive: ratio %.2f above %.2f", r, s.cfg.MaxRepeatRatio))
	}

	return &candidate{
		content: content,
		result:  result,
		issues:  issues,
		banned:  banned,
		quality: s.qualityScore(content, platform, issues),
		prompt:  prompt,
	}, nil
}

func (s *Stage) persist(ctx context.Context, src *models.TrendSource, platform, runID string, best *candidate, usedFallback bool, attempt int) (*models.ContentDraft, error) {
	repetition := repetitionRatio(best.content.Body)
	compliance := s.complianceScore(best)

	draft := &models.ContentDraft{
		ID:              common.NewDraftID(),
		SourceID:        src.ID,
		PipelineRunID:   runID,
		TargetPlatform:  platform,
		Title:           best.content.Title,
		Body:            best.content.Body,
		Summary:         best.content.Summary,
		Hashtags:        best.content.Hashtags,
		MediaURLs:       src.MediaURLs,
		Language:        src.Language,
		Status:          models.DraftStatusSummarized,
		QualityScore:    best.quality,
		ComplianceScore: compliance,
		RepetitionRatio: repetition,
		QualityDetails: models.QualityDetails{
			Issues:         best.issues,
			BannedWords:    best.banned,
			RepairAttempts: attempt - 1,
			GateEligible:   len(best.issues) == 0,
		},
		GenerationMeta: models.GenerationMeta{
			Backend:      best.result.Backend,
			Model:        best.result.Model,
			LatencyMS:    float64(best.result.LatencyMS),
			UsedFallback: usedFallback,
			Attempt:      attempt,
			PromptHash:   common.PromptHash(best.prompt),
			OutputHash:   common.PromptHash(best.result.Text),
			MaxTokens:    s.cfg.MaxTokens,
		},
	}

	if _, err := s.versions.Append(ctx, draft, best.prompt, best.result.Model, map[string]any{
		"backend":       best.result.Backend,
		"used_fallback": usedFallback,
	}); err != nil {
		return nil, fmt.Errorf("failed to record draft version: %w", err)
	}
	if err := s.drafts.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	s.logger.Info().
		Str("draft_id", draft.ID).
		Str("platform", platform).
		Str("backend", draft.GenerationMeta.Backend).
		Bool("used_fallback", usedFallback).
		Int("repair_attempts", draft.QualityDetails.RepairAttempts).
		Float64("quality", draft.QualityScore).
		Msg("Draft generated")
	return draft, nil
}

func (s *Stage) buildPrompt(src *models.TrendSource, platform string, constraint PlatformConstraint) string {
	var b strings.Builder
	b.WriteString(constraint.PromptBlock(platform))
	b.WriteString("\nTrend data:\n")

	payload, _ := json.MarshalIndent(src.ParsePayload, "", "  ")
	b.Write(payload)

	if len(s.profile.BannedWords) > 0 {
		b.WriteString("\n\nNever use these words: ")
		b.WriteString(strings.Join(s.profile.BannedWords, ", "))
	}
	return b.String()
}

func (s *Stage) buildRepairPrompt(src *models.TrendSource, platform string, constraint PlatformConstraint, prev *candidate) string {
	var b strings.Builder
	b.WriteString("Your previous draft violated these constraints:\n")
	for _, issue := range prev.issues {
		b.WriteString("- " + issue + "\n")
	}
	b.WriteString("\nRewrite it to satisfy every constraint. Previous draft:\n")
	prevJSON, _ := json.Marshal(prev.content)
	b.Write(prevJSON)
	b.WriteString("\n\n")
	b.WriteString(s.buildPrompt(src, platform, constraint))
	return b.String()
}

// qualityScore is a 0..1 composite: constraint fit, structural
// completeness, and low repetition.
func (s *Stage) qualityScore(content draftContent, platform string, issues []string) float64 {
	fit := 1.0
	if n := len(issues); n > 0 {
		fit -= 0.25 * float64(n)
		if fit < 0 {
			fit = 0
		}
	}

	structure := 0.0
	if content.Title != "" {
		structure += 0.4
	}
	if content.Body != "" {
		structure += 0.4
	}
	if content.Summary != "" {
		structure += 0.2
	}

	return 0.5*fit + 0.3*structure + 0.2*(1-repetitionRatio(content.Body))
}

// complianceScore penalizes rule issues; any banned word zeroes it.
func (s *Stage) complianceScore(c *candidate) float64 {
	if len(c.banned) > 0 {
		return 0
	}
	score := 1.0 - 0.2*float64(len(c.issues))
	if score < 0 {
		return 0
	}
	return score
}

// repetitionRatio measures repeated token bigrams: 0 for fully varied text,
// approaching 1 when the same phrases loop.
func repetitionRatio(text string) float64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) < 2 {
		return 0
	}
	total := len(tokens) - 1
	seen := make(map[string]bool, total)
	unique := 0
	for i := 0; i < total; i++ {
		bigram := tokens[i] + " " + tokens[i+1]
		if !seen[bigram] {
			seen[bigram] = true
			unique++
		}
	}
	return 1 - float64(unique)/float64(total)
}
