// Package adaptation implements Adaptation (C10): turns a Reflection insight
// with confidence ≥ 0.7 into exactly one concrete Knowledge Store mutation,
// and records the rollback recipe needed to undo it, mirroring an
// enable/disable kill-switch pairing generalized to five action kinds.
package adaptation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
)

const minConfidence = 0.7

// KnowledgeStore is the subset of the Knowledge Store (C4) Adaptation mutates.
type KnowledgeStore interface {
	Blacklist(ctx context.Context, coin, reason string) error
	Unblacklist(ctx context.Context, coin string) error
	SetTrend(ctx context.Context, coin string, trend types.Trend) error
	AddRule(ctx context.Context, r types.RegimeRule) error
	DeactivateRule(ctx context.Context, id string) error
	DeactivatePattern(ctx context.Context, id, reason string) error
	ReactivatePattern(ctx context.Context, id string) error
	AdjustPatternConfidence(ctx context.Context, id string, delta decimal.Decimal) error
}

// adjustParamDelta is the fixed, opaque nudge ADJUST_PARAM applies to a
// pattern's confidence; rollback applies the same magnitude negated.
var adjustParamDelta = decimal.NewFromFloat(0.1)

// Store is the subset of the Store (C2) Adaptation persists to and reads from.
type Store interface {
	SaveAdaptation(ctx context.Context, a types.Adaptation) error
	LatestProfitSnapshot(ctx context.Context, tf types.SnapshotTimeframe) (*types.ProfitSnapshot, error)
}

// Applier is Adaptation (C10).
type Applier struct {
	logger    *zap.Logger
	knowledge KnowledgeStore
	store     Store
}

// New constructs an Applier.
func New(logger *zap.Logger, knowledge KnowledgeStore, store Store) *Applier {
	return &Applier{logger: logger, knowledge: knowledge, store: store}
}

// preMetrics is the opaque snapshot captured alongside an Adaptation row.
type preMetrics struct {
	WinRate  decimal.Decimal `json:"win_rate"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
	Target   string          `json:"target"`
}

// ApplyInsight maps one insight to exactly one knowledge mutation and
// records it as a pending Adaptation. Insights below minConfidence are
// ignored below the confidence floor.
func (a *Applier) ApplyInsight(ctx context.Context, insight types.Insight) (*types.Adaptation, error) {
	if insight.Confidence.LessThan(decimal.NewFromFloat(minConfidence)) {
		return nil, nil
	}

	action, target, err := classify(insight)
	if err != nil {
		a.logger.Debug("adaptation: insight not actionable", zap.Error(err))
		return nil, nil
	}

	snap, err := a.store.LatestProfitSnapshot(ctx, types.TimeframeAll)
	if err != nil {
		return nil, fmt.Errorf("loading pre-adaptation snapshot: %w", err)
	}
	pre := preMetrics{Target: target}
	if snap != nil {
		// ProfitSnapshot.WinRate is a percentage; pre_metrics carries a fraction.
		pre.WinRate = snap.WinRate.Div(decimal.NewFromInt(100))
		pre.TotalPnL = snap.TotalPnL
	}
	preJSON, err := json.Marshal(pre)
	if err != nil {
		return nil, fmt.Errorf("marshaling pre_metrics: %w", err)
	}

	if err := a.applyMutation(ctx, action, target, insight); err != nil {
		return nil, fmt.Errorf("applying mutation: %w", err)
	}

	adaptation := types.Adaptation{
		AdaptationID:      utils.GenerateID("adapt"),
		Timestamp:         time.Now(),
		InsightType:       insight.Type,
		Action:            action,
		Target:            target,
		Description:       insight.SuggestedAction,
		PreMetrics:        preJSON,
		InsightConfidence: insight.Confidence,
		InsightEvidence:   insight.Evidence,
		Effectiveness:     types.EffectivenessPending,
	}
	if err := a.store.SaveAdaptation(ctx, adaptation); err != nil {
		return nil, fmt.Errorf("saving adaptation: %w", err)
	}

	a.logger.Info("adaptation applied", zap.String("adaptation_id", adaptation.AdaptationID),
		zap.String("action", string(action)), zap.String("target", target))
	return &adaptation, nil
}

// classify maps an Insight's category/type/evidence into one of the five
// actions. Coin-targeted problem insights blacklist; coin-targeted
// opportunity insights favor; regime insights create a rule; pattern
// problem insights deactivate the pattern; pattern opportunity insights
// nudge its confidence up via ADJUST_PARAM. Anything else is not
// actionable here.
func classify(insight types.Insight) (types.AdaptationAction, string, error) {
	target := extractTarget(insight)
	if target == "" {
		return "", "", fmt.Errorf("insight carries no identifiable target")
	}

	switch insight.Type {
	case types.InsightCoin:
		if insight.Category == types.CategoryProblem {
			return types.ActionBlacklist, target, nil
		}
		if insight.Category == types.CategoryOpportunity {
			return types.ActionFavor, target, nil
		}
		return "", "", fmt.Errorf("coin insight with category %q not actionable", insight.Category)
	case types.InsightPattern:
		if insight.Category == types.CategoryProblem {
			return types.ActionDeactivatePattern, target, nil
		}
		if insight.Category == types.CategoryOpportunity {
			return types.ActionAdjustParam, target, nil
		}
		return "", "", fmt.Errorf("pattern insight with category %q not actionable", insight.Category)
	case types.InsightRegime:
		return types.ActionCreateRule, target, nil
	default:
		return "", "", fmt.Errorf("insight type %q has no mutation mapping", insight.Type)
	}
}

// extractTarget pulls a coin/pattern identifier out of an insight's title.
// Insights are LLM-authored free text; the title is expected to lead with
// the identifier (e.g. "DOGE: persistent losses").
func extractTarget(insight types.Insight) string {
	title := insight.Title
	for i, r := range title {
		if r == ':' || r == ' ' {
			if i == 0 {
				continue
			}
			return title[:i]
		}
	}
	return title
}

func (a *Applier) applyMutation(ctx context.Context, action types.AdaptationAction, target string, insight types.Insight) error {
	switch action {
	case types.ActionBlacklist:
		return a.knowledge.Blacklist(ctx, target, insight.Description)
	case types.ActionFavor:
		return a.knowledge.SetTrend(ctx, target, types.TrendImproving)
	case types.ActionCreateRule:
		return a.knowledge.AddRule(ctx, types.RegimeRule{
			RuleID:      target,
			Description: insight.Description,
			Condition:   map[string]any{"source_insight": insight.Title},
			Action:      types.RuleCaution,
			IsActive:    true,
		})
	case types.ActionDeactivatePattern:
		return a.knowledge.DeactivatePattern(ctx, target, insight.Description)
	case types.ActionAdjustParam:
		return a.knowledge.AdjustPatternConfidence(ctx, target, adjustParamDelta)
	default:
		return fmt.Errorf("unsupported mutation action %q", action)
	}
}

// Rollback applies the inverse mutation for a prior Adaptation and records
// a new ROLLBACK adaptation row recording the inverse mutation.
func (a *Applier) Rollback(ctx context.Context, adapt types.Adaptation) (*types.Adaptation, error) {
	var err error
	switch adapt.Action {
	case types.ActionBlacklist:
		err = a.knowledge.Unblacklist(ctx, adapt.Target)
	case types.ActionFavor:
		err = a.knowledge.SetTrend(ctx, adapt.Target, types.TrendStable)
	case types.ActionCreateRule:
		err = a.knowledge.DeactivateRule(ctx, adapt.Target)
	case types.ActionDeactivatePattern:
		err = a.knowledge.ReactivatePattern(ctx, adapt.Target)
	case types.ActionAdjustParam:
		err = a.knowledge.AdjustPatternConfidence(ctx, adapt.Target, adjustParamDelta.Neg())
	default:
		return nil, fmt.Errorf("action %q has no rollback recipe", adapt.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("rolling back %s: %w", adapt.AdaptationID, err)
	}

	rollback := types.Adaptation{
		AdaptationID:      utils.GenerateID("adapt"),
		Timestamp:         time.Now(),
		InsightType:       adapt.InsightType,
		Action:            types.ActionRollback,
		Target:            adapt.Target,
		Description:       fmt.Sprintf("rollback of %s (%s)", adapt.AdaptationID, adapt.Action),
		PreMetrics:         adapt.PostMetrics,
		InsightConfidence: adapt.InsightConfidence,
		Effectiveness:     types.EffectivenessPending,
	}
	if err := a.store.SaveAdaptation(ctx, rollback); err != nil {
		return nil, fmt.Errorf("saving rollback adaptation: %w", err)
	}

	a.logger.Info("adaptation rolled back", zap.String("original_id", adapt.AdaptationID), zap.String("rollback_id", rollback.AdaptationID))
	return &rollback, nil
}
