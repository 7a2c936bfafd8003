// Package strategist implements the Strategist (C8): a 180s cooperative
// cycle that asks the LLM Gateway for new entry conditions and publishes a
// validated set to the Sniper.
package strategist

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
)

// PriceView is the read surface the Strategist needs from the Price Source.
type PriceView interface {
	GetPrice(coin string) (types.PriceTick, bool)
}

// KnowledgeView is the read surface the Strategist needs from the Knowledge Store.
type KnowledgeView interface {
	GetStrategistContext() types.StrategistContext
}

// SniperView is what the Strategist reads from and publishes to the Sniper.
type SniperView interface {
	GetStatus() SniperStatus
	SetConditions(conditions []types.TradeCondition)
}

// SniperStatus mirrors sniper.Status to avoid an import cycle on the concrete type.
type SniperStatus struct {
	Balance           decimal.Decimal
	InPositions       decimal.Decimal
	OpenPositionCount int
}

// Persister is the subset of the Store the Strategist writes new conditions to.
type Persister interface {
	SaveCondition(ctx context.Context, c types.TradeCondition) error
	JournalEntriesSince(ctx context.Context, since time.Time) ([]types.JournalEntry, error)
}

// CooldownGate reports whether a coin is currently cooling down.
type CooldownGate interface {
	InCooldown(ctx context.Context, coin string) bool
}

// Gateway is the subset of the LLM Gateway the Strategist calls.
type Gateway interface {
	Query(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const maxPositionsDefault = 5

// Strategist is the Strategist (C8).
type Strategist struct {
	logger     *zap.Logger
	coins      []string
	prices     PriceView
	knowledge  KnowledgeView
	sniper     SniperView
	persister  Persister
	cooldowns  CooldownGate
	gateway    Gateway
	limits     ValidationLimits
	strategyID string
}

// Deps bundles the Strategist's collaborators.
type Deps struct {
	Coins     []string
	Prices    PriceView
	Knowledge KnowledgeView
	Sniper    SniperView
	Persister Persister
	Cooldowns CooldownGate
	Gateway   Gateway
}

// New constructs a Strategist.
func New(logger *zap.Logger, deps Deps) *Strategist {
	return &Strategist{
		logger:     logger,
		coins:      deps.Coins,
		prices:     deps.Prices,
		knowledge:  deps.Knowledge,
		sniper:     deps.Sniper,
		persister:  deps.Persister,
		cooldowns:  deps.Cooldowns,
		gateway:    deps.Gateway,
		limits:     DefaultLimits(),
		strategyID: "strategist-v1",
	}
}

// Run ticks the cycle on interval until ctx is cancelled. On cycle error the
// loop logs and sleeps 30s before the next attempt rather than terminating,
// treating a missed cycle as non-fatal.
func (s *Strategist) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cycle(ctx); err != nil {
				s.logger.Warn("strategist cycle failed, backing off", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second):
				}
			}
		}
	}
}

func (s *Strategist) cycle(ctx context.Context) error {
	kCtx := s.knowledge.GetStrategistContext()

	if rule, action := matchingNoTradeRule(kCtx.ActiveRules); rule != "" {
		s.logger.Info("strategist: regime rule blocks trading this cycle", zap.String("rule", rule), zap.String("action", string(action)))
		s.sniper.SetConditions(nil)
		return nil
	}

	recent, err := s.persister.JournalEntriesSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Warn("strategist: recent performance lookup failed", zap.Error(err))
	}

	userPrompt, err := s.buildPrompt(kCtx, recent)
	if err != nil {
		return fmt.Errorf("building prompt: %w", err)
	}

	raw, err := s.gateway.Query(ctx, systemPrompt, userPrompt)
	if err != nil {
		s.logger.Warn("strategist: llm query failed, skipping cycle", zap.Error(err))
		return nil
	}

	var resp llmResponse
	if err := llm.ExtractJSON(raw, &resp); err != nil {
		s.logger.Warn("strategist: malformed llm response, skipping cycle", zap.Error(err))
		return nil
	}
	if resp.NoTradeReason != "" {
		s.logger.Info("strategist: llm declined to trade", zap.String("reason", resp.NoTradeReason))
		s.sniper.SetConditions(nil)
		return nil
	}

	avoid := make(map[string]bool, len(kCtx.AvoidCoins))
	for _, c := range kCtx.AvoidCoins {
		avoid[c] = true
	}

	now := time.Now()
	var accepted []types.TradeCondition
	for i, p := range resp.Conditions {
		if len(accepted) >= s.limits.MaxConditions {
			break
		}
		tick, ok := s.prices.GetPrice(p.Coin)
		current := decimal.Zero
		if ok {
			current = tick.Price
		}

		cond, err := validateCondition(p, current, avoid, s.cooldownCheck(ctx), s.limits)
		if err != nil {
			s.logger.Debug("strategist: rejected proposed condition", zap.Int("index", i), zap.Error(err))
			continue
		}
		cond = stampCondition(cond, utils.GenerateConditionID(), s.strategyID, now)
		if err := s.persister.SaveCondition(ctx, cond); err != nil {
			s.logger.Warn("strategist: persisting condition failed", zap.String("condition_id", cond.ID), zap.Error(err))
			continue
		}
		accepted = append(accepted, cond)
	}

	s.sniper.SetConditions(accepted)
	s.logger.Info("strategist cycle complete", zap.Int("accepted", len(accepted)), zap.Int("proposed", len(resp.Conditions)))
	return nil
}

func (s *Strategist) cooldownCheck(ctx context.Context) func(string) bool {
	return func(coin string) bool {
		if s.cooldowns == nil {
			return false
		}
		return s.cooldowns.InCooldown(ctx, coin)
	}
}

func matchingNoTradeRule(rules []types.RegimeRule) (string, types.RuleAction) {
	for _, r := range rules {
		if r.IsActive && r.Action == types.RuleNoTrade {
			return r.Description, r.Action
		}
	}
	return "", ""
}

func (s *Strategist) buildPrompt(kCtx types.StrategistContext, recent []types.JournalEntry) (string, error) {
	rows := make([]promptPriceRow, 0, len(s.coins))
	for _, c := range s.coins {
		tick, ok := s.prices.GetPrice(c)
		if !ok {
			continue
		}
		rows = append(rows, promptPriceRow{Coin: c, Price: tick.Price, Change24h: tick.Change24h})
	}

	status := s.sniper.GetStatus()
	limits := s.limits

	return buildUserPrompt(promptData{
		Prices:            rows,
		GoodCoins:         joinCoins(kCtx.GoodCoins),
		AvoidCoins:        joinCoins(kCtx.AvoidCoins),
		Rules:             kCtx.ActiveRules,
		Patterns:          kCtx.WinningPatterns,
		Balance:           status.Balance,
		InPositions:       status.InPositions,
		OpenPositionCount: status.OpenPositionCount,
		MaxPositions:      maxPositionsDefault,
		RecentSummary:     summarizeRecent(recent),
		MaxConditions:     limits.MaxConditions,
		MinSize:           limits.MinPositionSizeUSD,
		MaxSize:           limits.MaxPositionSizeUSD,
		MinSL:             limits.MinStopLossPct,
		MaxSL:             limits.MaxStopLossPct,
		MinTP:             limits.MinTakeProfitPct,
		MaxTP:             limits.MaxTakeProfitPct,
		MinTol:            limits.TriggerToleranceMin,
		MaxTol:            limits.TriggerTolerance,
	})
}

func summarizeRecent(entries []types.JournalEntry) string {
	if len(entries) == 0 {
		return "no closed trades yet"
	}
	wins := 0
	total := decimal.Zero
	for _, e := range entries {
		if e.PnLUSD.GreaterThan(decimal.Zero) {
			wins++
		}
		total = total.Add(e.PnLUSD)
	}
	return fmt.Sprintf("%d trades, %d wins, total pnl %s", len(entries), wins, total.StringFixed(2))
}
