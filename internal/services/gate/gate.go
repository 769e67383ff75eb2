// Package gate decides publish eligibility for generated drafts: score
// thresholds plus near-duplicate blocking within a publish batch.
package gate

import (
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/models"
)

// ErrGateRejected marks a draft that failed the publish gate. The rejection
// reason is recorded on the draft itself.
var ErrGateRejected = errors.New("draft rejected by publish gate")

// Decision is the gate outcome for one draft in a batch.
type Decision struct {
	DraftID     string
	Accepted    bool
	Reason      string
	DuplicateOf string // leader draft ID when rejected as a near-duplicate
}

// Gate is a pure decision function over already-computed draft scores plus
// the batch itself. It mutates draft status and gate reason in memory; the
// caller persists.
type Gate struct {
	cfg    common.GateConfig
	logger arbor.ILogger
}

func NewGate(cfg common.GateConfig, logger arbor.ILogger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Check evaluates a publish batch. Every draft gets a decision: threshold
// failures reject individually, then near-duplicate clustering runs over
// the survivors per target platform. The first passing draft of a cluster
// is its leader; later near-duplicates are rejected referencing it.
func (g *Gate) Check(batch []*models.ContentDraft) []Decision {
	return g.CheckAgainst(batch, nil)
}

// CheckAgainst evaluates a batch with previously accepted drafts seeded as
// cluster leaders, so near-duplicate blocking also catches content that
// already passed the gate in an earlier run.
func (g *Gate) CheckAgainst(batch, history []*models.ContentDraft) []Decision {
	decisions := make([]Decision, 0, len(batch))
	leaders := make(map[string][]leader) // target platform -> accepted fingerprints

	for _, prior := range history {
		leaders[prior.TargetPlatform] = append(leaders[prior.TargetPlatform], leader{
			draftID:     prior.ID,
			fingerprint: Simhash(prior.Title + " " + prior.Body),
		})
	}

	for _, draft := range batch {
		decision := Decision{DraftID: draft.ID}

		if reason := g.thresholdFailure(draft); reason != "" {
			g.reject(draft, &decision, reason)
			decisions = append(decisions, decision)
			continue
		}

		fingerprint := Simhash(draft.Title + " " + draft.Body)
		if dup := g.findDuplicate(leaders[draft.TargetPlatform], fingerprint); dup != "" {
			decision.DuplicateOf = dup
			g.reject(draft, &decision, fmt.Sprintf("near-duplicate of draft %s", dup))
			decisions = append(decisions, decision)
			continue
		}

		leaders[draft.TargetPlatform] = append(leaders[draft.TargetPlatform], leader{
			draftID:     draft.ID,
			fingerprint: fingerprint,
		})

		draft.Status = models.DraftStatusQualityChecked
		draft.QualityDetails.GateReason = ""
		decision.Accepted = true
		decisions = append(decisions, decision)

		g.logger.Debug().
			Str("draft_id", draft.ID).
			Str("platform", draft.TargetPlatform).
			Msg("Draft passed publish gate")
	}
	return decisions
}

// CheckOne evaluates a single draft outside batch context. Threshold checks
// only; near-duplicate blocking needs a batch.
func (g *Gate) CheckOne(draft *models.ContentDraft) error {
	decisions := g.Check([]*models.ContentDraft{draft})
	if !decisions[0].Accepted {
		return fmt.Errorf("%s: %w", decisions[0].Reason, ErrGateRejected)
	}
	return nil
}

func (g *Gate) thresholdFailure(draft *models.ContentDraft) string {
	switch {
	case draft.QualityScore < g.cfg.MinQualityScore:
		return fmt.Sprintf("quality score %.2f below minimum %.2f", draft.QualityScore, g.cfg.MinQualityScore)
	case draft.ComplianceScore < g.cfg.MinComplianceScore:
		return fmt.Sprintf("compliance score %.2f below minimum %.2f", draft.ComplianceScore, g.cfg.MinComplianceScore)
	case g.cfg.MaxRepetitionRatio > 0 && draft.RepetitionRatio > g.cfg.MaxRepetitionRatio:
		return fmt.Sprintf("repetition ratio %.2f above maximum %.2f", draft.RepetitionRatio, g.cfg.MaxRepetitionRatio)
	}
	return ""
}

// leader is an accepted draft's fingerprint, the reference point for
// near-duplicate rejection within its platform cluster.
type leader struct {
	draftID     string
	fingerprint uint64
}

func (g *Gate) findDuplicate(accepted []leader, fingerprint uint64) string {
	for _, l := range accepted {
		if HammingDistance(l.fingerprint, fingerprint) <= g.cfg.NearDuplicateBits {
			return l.draftID
		}
	}
	return ""
}

func (g *Gate) reject(draft *models.ContentDraft, decision *Decision, reason string) {
	draft.Status = models.DraftStatusRejected
	draft.QualityDetails.GateReason = reason
	decision.Reason = reason

	g.logger.Info().
		Str("draft_id", draft.ID).
		Str("platform", draft.TargetPlatform).
		Str("reason", reason).
		Msg("Draft rejected by publish gate")
}
