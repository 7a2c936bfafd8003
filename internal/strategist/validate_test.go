package strategist

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func validProposal() proposedCondition {
	return proposedCondition{
		Coin:             "BTC",
		Direction:        string(types.DirectionLong),
		TriggerPrice:     "50100",
		TriggerCondition: string(types.TriggerAbove),
		StopLossPct:      "0.01",
		TakeProfitPct:    "0.02",
		PositionSizeUSD:  "100",
		Reasoning:        "breakout above resistance",
	}
}

func TestValidateConditionAccepted(t *testing.T) {
	limits := DefaultLimits()
	currentPrice := decimal.NewFromInt(50000)

	cond, err := validateCondition(validProposal(), currentPrice, map[string]bool{}, nil, limits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cond.Coin != "BTC" || cond.Direction != types.DirectionLong {
		t.Errorf("unexpected condition: %+v", cond)
	}
}

func TestValidateConditionRejectsShort(t *testing.T) {
	p := validProposal()
	p.Direction = "SHORT"
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected SHORT direction to be rejected")
	}
}

func TestValidateConditionRejectsEmptyReasoning(t *testing.T) {
	p := validProposal()
	p.Reasoning = "   "
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected empty reasoning to be rejected")
	}
}

func TestValidateConditionRejectsBlacklistedCoin(t *testing.T) {
	p := validProposal()
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{"BTC": true}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected blacklisted coin to be rejected")
	}
}

func TestValidateConditionRejectsCooldownCoin(t *testing.T) {
	p := validProposal()
	inCooldown := func(coin string) bool { return coin == "BTC" }
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, inCooldown, DefaultLimits())
	if err == nil {
		t.Fatal("expected coin in cooldown to be rejected")
	}
}

func TestValidateConditionRejectsOutOfRangeSize(t *testing.T) {
	p := validProposal()
	p.PositionSizeUSD = "5" // below DefaultLimits().MinPositionSizeUSD
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected undersized position to be rejected")
	}
}

func TestValidateConditionSizeBoundaryInclusive(t *testing.T) {
	for _, size := range []string{"20", "100"} {
		p := validProposal()
		p.PositionSizeUSD = size
		if _, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits()); err != nil {
			t.Errorf("expected position_size_usd of exactly %s to be accepted, got error: %v", size, err)
		}
	}
}

func TestValidateConditionSizeBoundaryExclusive(t *testing.T) {
	for _, size := range []string{"19.99", "100.01"} {
		p := validProposal()
		p.PositionSizeUSD = size
		if _, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits()); err == nil {
			t.Errorf("expected position_size_usd of %s to be rejected", size)
		}
	}
}

func TestValidateConditionRejectsStopLossOutOfRange(t *testing.T) {
	p := validProposal()
	p.StopLossPct = "0.20" // above DefaultLimits().MaxStopLossPct
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected out-of-range stop loss to be rejected")
	}
}

func TestValidateConditionRejectsTakeProfitOutOfRange(t *testing.T) {
	p := validProposal()
	p.TakeProfitPct = "0.08" // above DefaultLimits().MaxTakeProfitPct
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected out-of-range take profit to be rejected")
	}
}

func TestValidateConditionRejectsTriggerTooCloseToCurrentPrice(t *testing.T) {
	p := validProposal()
	p.TriggerPrice = "50005" // within 0.1% of current price
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected trigger too close to current price to be rejected")
	}
}

func TestValidateConditionRejectsTriggerTooFarFromCurrentPrice(t *testing.T) {
	p := validProposal()
	p.TriggerPrice = "60000" // well outside the 0.3% tolerance band
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected trigger too far from current price to be rejected")
	}
}

func TestValidateConditionRejectsInvalidTriggerCondition(t *testing.T) {
	p := validProposal()
	p.TriggerCondition = "sideways"
	_, err := validateCondition(p, decimal.NewFromInt(50000), map[string]bool{}, nil, DefaultLimits())
	if err == nil {
		t.Fatal("expected invalid trigger_condition to be rejected")
	}
}

func TestStampConditionSetsIDAndValidityWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := stampCondition(types.TradeCondition{}, "cond-1", "strat-1", now)
	if c.ID != "cond-1" || c.StrategyID != "strat-1" {
		t.Errorf("unexpected stamped condition: %+v", c)
	}
	if !c.ValidUntil.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("expected 5 minute validity window, got %v", c.ValidUntil.Sub(now))
	}
}
