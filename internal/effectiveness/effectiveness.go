// Package effectiveness implements the Effectiveness Monitor (C11): an
// hourly sweep that measures whether a pending Adaptation actually helped,
// rates it, and flags harmful ones for rollback. Win-rate/pnl deltas are
// aggregated into post_metrics on the same hourly ticker-loop cadence used
// by the rest of the background cycles.
package effectiveness

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

const (
	minHoursBeforeMeasurement = 24 * time.Hour
	minTradesMeasured         = 10

	thresholdHighlyEffective = 10 // percentage points
	thresholdEffective       = 3
	thresholdIneffective     = -3
	thresholdHarmful         = -10
	rollbackPnLThreshold     = -20 // USD
)

// Store is the subset of the Store (C2) the Effectiveness Monitor reads and writes.
type Store interface {
	PendingAdaptations(ctx context.Context, olderThan time.Time) ([]types.Adaptation, error)
	JournalEntriesSince(ctx context.Context, since time.Time) ([]types.JournalEntry, error)
	UpdateAdaptationEffectiveness(ctx context.Context, id string, postMetrics json.RawMessage, eff types.Effectiveness, measuredAt time.Time) error
}

// Rollbacker executes the inverse mutation for a harmful adaptation.
type Rollbacker interface {
	Rollback(ctx context.Context, adapt types.Adaptation) (*types.Adaptation, error)
}

// Monitor is the Effectiveness Monitor (C11).
type Monitor struct {
	logger    *zap.Logger
	store     Store
	rollbacks Rollbacker
	// autoRollback, when true, executes flagged rollbacks immediately
	// instead of waiting for an orchestrator command (allows
	// either; the dashboard override surface is the intended trigger, this
	// flag exists for deployments without an operator watching it).
	autoRollback bool
}

// New constructs an Effectiveness Monitor.
func New(logger *zap.Logger, store Store, rollbacks Rollbacker, autoRollback bool) *Monitor {
	return &Monitor{logger: logger, store: store, rollbacks: rollbacks, autoRollback: autoRollback}
}

type postMetrics struct {
	WinRate  decimal.Decimal `json:"win_rate"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
	Trades   int             `json:"trades"`
}

type preMetricsView struct {
	WinRate  decimal.Decimal `json:"win_rate"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// Run ticks the hourly sweep until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("effectiveness sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over eligible pending adaptations.
func (m *Monitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-minHoursBeforeMeasurement)
	pending, err := m.store.PendingAdaptations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("loading pending adaptations: %w", err)
	}

	for _, adapt := range pending {
		if err := m.measure(ctx, adapt); err != nil {
			m.logger.Warn("effectiveness: measuring adaptation failed", zap.String("adaptation_id", adapt.AdaptationID), zap.Error(err))
		}
	}
	return nil
}

func (m *Monitor) measure(ctx context.Context, adapt types.Adaptation) error {
	entries, err := m.store.JournalEntriesSince(ctx, adapt.Timestamp)
	if err != nil {
		return fmt.Errorf("loading post-adaptation trades: %w", err)
	}
	if len(entries) < minTradesMeasured {
		return nil
	}

	pnls := make([]decimal.Decimal, len(entries))
	total := decimal.Zero
	for i, e := range entries {
		pnls[i] = e.PnLUSD
		total = total.Add(e.PnLUSD)
	}
	winRate := utils.CalculateWinRate(pnls)

	var pre preMetricsView
	if len(adapt.PreMetrics) > 0 {
		if err := json.Unmarshal(adapt.PreMetrics, &pre); err != nil {
			return fmt.Errorf("unmarshaling pre_metrics: %w", err)
		}
	}

	deltaWinRatePP := winRate.Sub(pre.WinRate).Mul(decimal.NewFromInt(100))
	deltaPnL := total.Sub(pre.TotalPnL)

	rating := rate(deltaWinRatePP)

	post := postMetrics{WinRate: winRate, TotalPnL: total, Trades: len(entries)}
	postJSON, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshaling post_metrics: %w", err)
	}

	measuredAt := time.Now()
	if err := m.store.UpdateAdaptationEffectiveness(ctx, adapt.AdaptationID, postJSON, rating, measuredAt); err != nil {
		return fmt.Errorf("recording effectiveness: %w", err)
	}

	m.logger.Info("adaptation effectiveness measured",
		zap.String("adaptation_id", adapt.AdaptationID),
		zap.String("rating", string(rating)),
		zap.String("delta_win_rate_pp", deltaWinRatePP.StringFixed(2)),
		zap.String("delta_pnl", deltaPnL.StringFixed(2)))

	flagRollback := rating == types.EffectivenessHarmful &&
		deltaPnL.LessThan(decimal.NewFromInt(rollbackPnLThreshold)) &&
		len(entries) >= minTradesMeasured

	if flagRollback {
		m.logger.Warn("adaptation flagged for rollback", zap.String("adaptation_id", adapt.AdaptationID))
		if m.autoRollback && m.rollbacks != nil {
			if _, err := m.rollbacks.Rollback(ctx, adapt); err != nil {
				m.logger.Warn("effectiveness: auto-rollback failed", zap.String("adaptation_id", adapt.AdaptationID), zap.Error(err))
			}
		}
	}
	return nil
}

func rate(deltaWinRatePP decimal.Decimal) types.Effectiveness {
	switch {
	case deltaWinRatePP.GreaterThanOrEqual(decimal.NewFromInt(thresholdHighlyEffective)):
		return types.EffectivenessHighlyEffective
	case deltaWinRatePP.GreaterThanOrEqual(decimal.NewFromInt(thresholdEffective)):
		return types.EffectivenessEffective
	case deltaWinRatePP.GreaterThanOrEqual(decimal.NewFromInt(thresholdIneffective)):
		return types.EffectivenessNeutral
	case deltaWinRatePP.GreaterThan(decimal.NewFromInt(thresholdHarmful)):
		return types.EffectivenessIneffective
	default:
		return types.EffectivenessHarmful
	}
}
