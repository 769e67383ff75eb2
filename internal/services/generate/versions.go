package generate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/interfaces"
	"github.com/ternarybob/trendpipe/internal/models"
)

// Versioner maintains the append-only version history of drafts. Every
// content change appends a snapshot; rollback copies an old snapshot
// forward as a new head version, never rewriting history.
type Versioner struct {
	drafts interfaces.DraftStorage
}

// NewVersioner creates a draft versioner over the given storage.
func NewVersioner(drafts interfaces.DraftStorage) *Versioner {
	return &Versioner{drafts: drafts}
}

// Append snapshots the draft's current content as the next version and
// advances CurrentVersion. The caller persists the draft afterwards.
func (v *Versioner) Append(ctx context.Context, draft *models.ContentDraft, prompt, model string, params map[string]any) (*models.DraftVersion, error) {
	version := &models.DraftVersion{
		ID:          uuid.New().String(),
		DraftID:     draft.ID,
		VersionNo:   draft.CurrentVersion + 1,
		Title:       draft.Title,
		Body:        draft.Body,
		Summary:     draft.Summary,
		Hashtags:    append([]string(nil), draft.Hashtags...),
		MediaURLs:   append([]string(nil), draft.MediaURLs...),
		Prompt:      prompt,
		Model:       model,
		Params:      params,
		ContentHash: common.ContentHash(draft.Title + " " + draft.Body),
	}
	if err := v.drafts.SaveVersion(ctx, version); err != nil {
		return nil, err
	}

	draft.CurrentVersion = version.VersionNo
	draft.ContentHash = version.ContentHash
	return version, nil
}

// Rollback restores the draft's content to an earlier version by appending
// that snapshot as a new head version. Unknown draft or version numbers
// fail with ErrNotFound.
func (v *Versioner) Rollback(ctx context.Context, draftID string, versionNo int) (*models.ContentDraft, error) {
	draft, err := v.drafts.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	target, err := v.drafts.GetVersion(ctx, draftID, versionNo)
	if err != nil {
		return nil, err
	}

	draft.Title = target.Title
	draft.Body = target.Body
	draft.Summary = target.Summary
	draft.Hashtags = append([]string(nil), target.Hashtags...)
	draft.MediaURLs = append([]string(nil), target.MediaURLs...)

	params := map[string]any{"rolled_back_from": versionNo}
	if _, err := v.Append(ctx, draft, "", target.Model, params); err != nil {
		return nil, fmt.Errorf("failed to append rollback version: %w", err)
	}

	if err := v.drafts.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save rolled back draft: %w", err)
	}
	return draft, nil
}

// History lists a draft's versions in ascending order.
func (v *Versioner) History(ctx context.Context, draftID string) ([]*models.DraftVersion, error) {
	return v.drafts.ListVersions(ctx, draftID)
}
