package strategist

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// ValidationLimits bounds what the LLM is allowed to propose, enforced
// independently of the prompt instructions (defense in depth: the prompt
// asks nicely, this rejects what slips through).
type ValidationLimits struct {
	MinPositionSizeUSD decimal.Decimal
	MaxPositionSizeUSD decimal.Decimal
	MinStopLossPct     decimal.Decimal
	MaxStopLossPct     decimal.Decimal
	MinTakeProfitPct   decimal.Decimal
	MaxTakeProfitPct   decimal.Decimal
	MaxConditions      int
	TriggerTolerance   decimal.Decimal // e.g. 0.003 = 0.3%
	TriggerToleranceMin decimal.Decimal // e.g. 0.001 = 0.1%
}

// DefaultLimits returns the prompt-stated bounds.
func DefaultLimits() ValidationLimits {
	return ValidationLimits{
		MinPositionSizeUSD: decimal.NewFromInt(20),
		MaxPositionSizeUSD: decimal.NewFromInt(100),
		MinStopLossPct:     decimal.NewFromFloat(0.005),
		MaxStopLossPct:     decimal.NewFromFloat(0.05),
		MinTakeProfitPct:   decimal.NewFromFloat(0.005),
		MaxTakeProfitPct:   decimal.NewFromFloat(0.05),
		MaxConditions:      3,
		TriggerToleranceMin: decimal.NewFromFloat(0.001),
		TriggerTolerance:   decimal.NewFromFloat(0.003),
	}
}

// proposedCondition is the shape the LLM is asked to emit per entry in "conditions".
type proposedCondition struct {
	Coin             string  `json:"coin"`
	Direction        string  `json:"direction"`
	TriggerPrice     string  `json:"trigger_price"`
	TriggerCondition string  `json:"trigger_condition"`
	StopLossPct      string  `json:"stop_loss_pct"`
	TakeProfitPct    string  `json:"take_profit_pct"`
	PositionSizeUSD  string  `json:"position_size_usd"`
	Reasoning        string  `json:"reasoning"`
	PatternID        *string `json:"pattern_id,omitempty"`
}

// llmResponse is the full JSON object shape returned by the gateway.
type llmResponse struct {
	Conditions       []proposedCondition `json:"conditions"`
	MarketAssessment string              `json:"market_assessment"`
	NoTradeReason    string              `json:"no_trade_reason,omitempty"`
}

// validateCondition runs the validation checks: range checks, blacklist/avoid
// check, cooldown check, trigger-vs-current tolerance, non-empty reasoning.
// LONG-only is enforced here per the prompt's stated constraint.
func validateCondition(p proposedCondition, currentPrice decimal.Decimal, avoidCoins map[string]bool, inCooldown func(coin string) bool, limits ValidationLimits) (types.TradeCondition, error) {
	if strings.TrimSpace(p.Reasoning) == "" {
		return types.TradeCondition{}, fmt.Errorf("empty reasoning")
	}
	if p.Direction != string(types.DirectionLong) {
		return types.TradeCondition{}, fmt.Errorf("non-LONG direction %q rejected", p.Direction)
	}
	if avoidCoins[p.Coin] {
		return types.TradeCondition{}, fmt.Errorf("coin %s is blacklisted/avoided", p.Coin)
	}
	if inCooldown != nil && inCooldown(p.Coin) {
		return types.TradeCondition{}, fmt.Errorf("coin %s is in cooldown", p.Coin)
	}

	trigger, err := decimal.NewFromString(p.TriggerPrice)
	if err != nil {
		return types.TradeCondition{}, fmt.Errorf("invalid trigger_price: %w", err)
	}
	sizeUSD, err := decimal.NewFromString(p.PositionSizeUSD)
	if err != nil {
		return types.TradeCondition{}, fmt.Errorf("invalid position_size_usd: %w", err)
	}
	stopLossPct, err := decimal.NewFromString(p.StopLossPct)
	if err != nil {
		return types.TradeCondition{}, fmt.Errorf("invalid stop_loss_pct: %w", err)
	}
	takeProfitPct, err := decimal.NewFromString(p.TakeProfitPct)
	if err != nil {
		return types.TradeCondition{}, fmt.Errorf("invalid take_profit_pct: %w", err)
	}

	if sizeUSD.LessThan(limits.MinPositionSizeUSD) || sizeUSD.GreaterThan(limits.MaxPositionSizeUSD) {
		return types.TradeCondition{}, fmt.Errorf("position_size_usd %s out of range", sizeUSD)
	}
	if stopLossPct.LessThan(limits.MinStopLossPct) || stopLossPct.GreaterThan(limits.MaxStopLossPct) {
		return types.TradeCondition{}, fmt.Errorf("stop_loss_pct %s out of range", stopLossPct)
	}
	if takeProfitPct.LessThan(limits.MinTakeProfitPct) || takeProfitPct.GreaterThan(limits.MaxTakeProfitPct) {
		return types.TradeCondition{}, fmt.Errorf("take_profit_pct %s out of range", takeProfitPct)
	}

	triggerCondition := types.TriggerCondition(p.TriggerCondition)
	if triggerCondition != types.TriggerAbove && triggerCondition != types.TriggerBelow {
		return types.TradeCondition{}, fmt.Errorf("invalid trigger_condition %q", p.TriggerCondition)
	}

	if !currentPrice.IsZero() {
		distance := trigger.Sub(currentPrice).Div(currentPrice).Abs()
		if distance.LessThan(limits.TriggerToleranceMin) || distance.GreaterThan(limits.TriggerTolerance) {
			return types.TradeCondition{}, fmt.Errorf("trigger_price %s outside tolerance band of current price %s", trigger, currentPrice)
		}
	}

	return types.TradeCondition{
		Coin:             p.Coin,
		Direction:        types.DirectionLong,
		TriggerPrice:     trigger,
		TriggerCondition: triggerCondition,
		StopLossPct:      stopLossPct,
		TakeProfitPct:    takeProfitPct,
		PositionSizeUSD:  sizeUSD,
		Reasoning:        p.Reasoning,
		PatternID:        p.PatternID,
	}, nil
}

// stampCondition fills in the generated ID, strategy ID, and a +5 minute validity window.
func stampCondition(c types.TradeCondition, id, strategyID string, now time.Time) types.TradeCondition {
	c.ID = id
	c.StrategyID = strategyID
	c.CreatedAt = now
	c.ValidUntil = now.Add(5 * time.Minute)
	return c
}
