// Package quickupdate implements Quick Update (C7): the synchronous,
// sub-10ms knowledge refresh run on every closed trade, directly on the
// Sniper's call stack (off its hot tick path, but still latency-sensitive).
package quickupdate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// KnowledgeStore is the subset of the Knowledge Store (C4) Quick Update drives.
type KnowledgeStore interface {
	UpdateCoinScore(ctx context.Context, coin string, delta types.TradeDelta) (*types.CoinAdaptation, error)
	RecordPatternOutcome(ctx context.Context, patternID string, won bool, pnl decimal.Decimal) (deactivated bool, err error)
}

// ActivityLogger appends one row to the dashboard activity feed.
type ActivityLogger interface {
	AppendActivity(ctx context.Context, e types.ActivityLogEntry) error
}

// Updater is Quick Update (C7).
type Updater struct {
	logger    *zap.Logger
	knowledge KnowledgeStore
	activity  ActivityLogger
}

// New constructs a Quick Update handler.
func New(logger *zap.Logger, knowledge KnowledgeStore, activity ActivityLogger) *Updater {
	return &Updater{logger: logger, knowledge: knowledge, activity: activity}
}

// Update runs its four steps and returns within the budget: no LLM call,
// no lock held across more than one coin/pattern mutation.
func (u *Updater) Update(ctx context.Context, coin string, patternID *string, won bool, pnl decimal.Decimal) types.QuickUpdateResult {
	start := time.Now()
	result := types.QuickUpdateResult{Coin: coin}

	adaptation, err := u.knowledge.UpdateCoinScore(ctx, coin, types.TradeDelta{Won: won, PnL: pnl})
	if err != nil {
		u.logger.Warn("quick update: coin score update failed", zap.String("coin", coin), zap.Error(err))
	} else {
		result.CoinAdaptation = adaptation
		if adaptation != nil {
			result.NewStatus = adaptation.NewStatus
		}
	}

	if patternID != nil {
		deactivated, err := u.knowledge.RecordPatternOutcome(ctx, *patternID, won, pnl)
		if err != nil {
			u.logger.Warn("quick update: pattern outcome failed", zap.String("pattern_id", *patternID), zap.Error(err))
		} else if deactivated {
			id := *patternID
			result.PatternDeactivated = &id
		}
	}

	if u.activity != nil {
		_ = u.activity.AppendActivity(ctx, types.ActivityLogEntry{
			TS:        time.Now(),
			Component: "quickupdate",
			Message:   coinOutcomeMessage(coin, won, pnl),
		})
	}

	result.ElapsedUS = time.Since(start).Microseconds()
	return result
}

func coinOutcomeMessage(coin string, won bool, pnl decimal.Decimal) string {
	if won {
		return coin + " trade closed profitably (" + pnl.StringFixed(2) + ")"
	}
	return coin + " trade closed at a loss (" + pnl.StringFixed(2) + ")"
}
