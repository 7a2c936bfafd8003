package sniper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestExitTriggeredLongTakeProfitWinsTie(t *testing.T) {
	p := types.Position{
		Direction:       types.DirectionLong,
		TakeProfitPrice: d(110),
		StopLossPrice:   d(110), // identical to simulate both gates crossed at once
	}
	reason, price, ok := exitTriggered(p, d(110))
	if !ok || reason != types.ExitTakeProfit || !price.Equal(d(110)) {
		t.Errorf("exitTriggered tie = (%s, %s, %v), want (%s, 110, true)", reason, price, ok, types.ExitTakeProfit)
	}
}

func TestExitTriggeredLongStopLoss(t *testing.T) {
	p := types.Position{Direction: types.DirectionLong, TakeProfitPrice: d(120), StopLossPrice: d(95)}
	reason, _, ok := exitTriggered(p, d(94))
	if !ok || reason != types.ExitStopLoss {
		t.Errorf("expected stop loss exit, got (%s, %v)", reason, ok)
	}
}

func TestExitTriggeredNoneInRange(t *testing.T) {
	p := types.Position{Direction: types.DirectionLong, TakeProfitPrice: d(120), StopLossPrice: d(95)}
	_, _, ok := exitTriggered(p, d(105))
	if ok {
		t.Error("expected no exit between stop loss and take profit")
	}
}

func TestExitTriggeredShortNeverFires(t *testing.T) {
	// No SHORT position can exist (riskGateAllows rejects it at entry), but
	// exitTriggered should still refuse to evaluate one defensively.
	p := types.Position{Direction: types.DirectionShort, TakeProfitPrice: d(90), StopLossPrice: d(105)}
	if _, _, ok := exitTriggered(p, d(80)); ok {
		t.Error("expected exitTriggered to never fire for a SHORT position")
	}
}

func TestEntryTriggered(t *testing.T) {
	above := types.TradeCondition{TriggerCondition: types.TriggerAbove, TriggerPrice: d(100)}
	if !entryTriggered(above, d(100)) {
		t.Error("expected ABOVE trigger at exactly the trigger price")
	}
	if entryTriggered(above, d(99)) {
		t.Error("expected ABOVE trigger to not fire below the trigger price")
	}

	below := types.TradeCondition{TriggerCondition: types.TriggerBelow, TriggerPrice: d(100)}
	if !entryTriggered(below, d(100)) {
		t.Error("expected BELOW trigger at exactly the trigger price")
	}
	if entryTriggered(below, d(101)) {
		t.Error("expected BELOW trigger to not fire above the trigger price")
	}
}

func TestPnLLong(t *testing.T) {
	long := types.Position{Direction: types.DirectionLong, EntryPrice: d(100), SizeUSD: d(1000)}
	if got := pnl(long, d(110)); !got.Equal(d(100)) {
		t.Errorf("long pnl = %s, want 100", got)
	}
}

func TestStopLossAndTakeProfitPrice(t *testing.T) {
	longCond := types.TradeCondition{Direction: types.DirectionLong, StopLossPct: d(0.02), TakeProfitPct: d(0.05)}
	if got := stopLossPrice(longCond, d(100)); !got.Equal(d(98)) {
		t.Errorf("long stop loss = %s, want 98", got)
	}
	if got := takeProfitPrice(longCond, d(100)); !got.Equal(d(105)) {
		t.Errorf("long take profit = %s, want 105", got)
	}
}

type fakeKnowledge struct{ status map[string]types.CoinStatus }

func (f *fakeKnowledge) Status(coin string) types.CoinStatus {
	if s, ok := f.status[coin]; ok {
		return s
	}
	return types.CoinStatusNormal
}

type fakeCooldowns struct{ coins map[string]bool }

func (f *fakeCooldowns) Set(ctx context.Context, coin string)             { f.coins[coin] = true }
func (f *fakeCooldowns) InCooldown(ctx context.Context, coin string) bool { return f.coins[coin] }

type fakeJournal struct {
	entries []types.Position
	exits   []types.JournalEntry
}

func (f *fakeJournal) RecordEntry(pos types.Position)        { f.entries = append(f.entries, pos) }
func (f *fakeJournal) RecordExit(entry types.JournalEntry)   { f.exits = append(f.exits, entry) }

type fakeQuickUpdate struct{ calls int }

func (f *fakeQuickUpdate) Update(ctx context.Context, coin string, patternID *string, won bool, pnl decimal.Decimal) types.QuickUpdateResult {
	f.calls++
	return types.QuickUpdateResult{}
}

func newTestSniper(startingBalance decimal.Decimal, knowledge KnowledgeView, cooldowns CooldownGate, journal Journal) *Sniper {
	return New(zap.NewNop(), startingBalance, Deps{
		Journal:      journal,
		QuickUpdate:  &fakeQuickUpdate{},
		Knowledge:    knowledge,
		Cooldowns:    cooldowns,
		SizeModifier: func(s types.CoinStatus) decimal.Decimal { return decimal.NewFromInt(1) },
	})
}

func longCondition(coin string, trigger decimal.Decimal) types.TradeCondition {
	return types.TradeCondition{
		ID:               coin + "-cond",
		Coin:             coin,
		Direction:        types.DirectionLong,
		TriggerPrice:     trigger,
		TriggerCondition: types.TriggerAbove,
		StopLossPct:      d(0.02),
		TakeProfitPct:    d(0.05),
		PositionSizeUSD:  d(100),
		ValidUntil:       time.Now().Add(time.Hour),
	}
}

func TestOnTickExecutesEntryWhenConditionTriggers(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, journal)
	s.SetConditions([]types.TradeCondition{longCondition("BTC", d(50000))})

	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: time.Now().UnixMilli()})

	status := s.GetStatus()
	if len(status.OpenPositions) != 1 {
		t.Fatalf("expected one open position, got %d", len(status.OpenPositions))
	}
	if len(journal.entries) != 1 {
		t.Errorf("expected journal.RecordEntry to be called once, got %d", len(journal.entries))
	}
}

func TestOnTickRejectsShortCondition(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, journal)
	cond := longCondition("BTC", d(50000))
	cond.Direction = types.DirectionShort
	s.SetConditions([]types.TradeCondition{cond})

	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: time.Now().UnixMilli()})

	if status := s.GetStatus(); len(status.OpenPositions) != 0 {
		t.Errorf("expected no position opened for a SHORT condition, got %d", len(status.OpenPositions))
	}
}

func TestOnTickRejectsEntryForBlacklistedCoin(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{"BTC": types.CoinStatusBlacklisted}}, &fakeCooldowns{coins: map[string]bool{}}, journal)
	s.SetConditions([]types.TradeCondition{longCondition("BTC", d(50000))})

	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: time.Now().UnixMilli()})

	if status := s.GetStatus(); len(status.OpenPositions) != 0 {
		t.Errorf("expected no position opened for a blacklisted coin, got %d", len(status.OpenPositions))
	}
}

func TestOnTickRejectsEntryWhenInCooldown(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{"BTC": true}}, journal)
	s.SetConditions([]types.TradeCondition{longCondition("BTC", d(50000))})

	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: time.Now().UnixMilli()})

	if status := s.GetStatus(); len(status.OpenPositions) != 0 {
		t.Errorf("expected no position opened while in cooldown, got %d", len(status.OpenPositions))
	}
}

func TestOnTickRejectsEntryPastValidUntil(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, journal)
	cond := longCondition("BTC", d(50000))
	cond.ValidUntil = time.Now().Add(-time.Minute)
	s.SetConditions([]types.TradeCondition{cond})

	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: time.Now().UnixMilli()})

	if status := s.GetStatus(); len(status.OpenPositions) != 0 {
		t.Errorf("expected no position opened for an expired condition, got %d", len(status.OpenPositions))
	}
}

func TestOnTickEnforcesMaxPositions(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(100000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, journal)

	coins := []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA"}
	conditions := make([]types.TradeCondition, len(coins))
	for i, coin := range coins {
		conditions[i] = longCondition(coin, d(50000))
	}
	s.SetConditions(conditions)

	for _, coin := range coins {
		s.OnTick(context.Background(), types.PriceTick{Coin: coin, Price: d(50100), TS: time.Now().UnixMilli()})
	}

	status := s.GetStatus()
	if len(status.OpenPositions) != maxPositions {
		t.Errorf("expected at most %d open positions, got %d", maxPositions, len(status.OpenPositions))
	}
}

func TestOnTickExecutesExitAndUpdatesBalance(t *testing.T) {
	journal := &fakeJournal{}
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, journal)
	s.SetConditions([]types.TradeCondition{longCondition("BTC", d(50000))})

	now := time.Now()
	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: d(50100), TS: now.UnixMilli()})
	entryBalance := s.GetStatus().Balance

	// Price rallies past take-profit (+5%).
	exitPrice := d(50100).Mul(d(1.06))
	s.OnTick(context.Background(), types.PriceTick{Coin: "BTC", Price: exitPrice, TS: now.Add(time.Minute).UnixMilli()})

	status := s.GetStatus()
	if len(status.OpenPositions) != 0 {
		t.Fatalf("expected the position to be closed, got %d still open", len(status.OpenPositions))
	}
	if len(journal.exits) != 1 {
		t.Fatalf("expected one RecordExit call, got %d", len(journal.exits))
	}
	if journal.exits[0].ExitReason != types.ExitTakeProfit {
		t.Errorf("expected a take-profit exit, got %s", journal.exits[0].ExitReason)
	}
	if !status.Balance.GreaterThan(entryBalance) {
		t.Errorf("expected balance to increase after a winning exit: entry=%s, after=%s", entryBalance, status.Balance)
	}
}

func TestPruneExpiredDropsTriggeredAndExpiredConditions(t *testing.T) {
	s := newTestSniper(d(1000), &fakeKnowledge{status: map[string]types.CoinStatus{}}, &fakeCooldowns{coins: map[string]bool{}}, &fakeJournal{})
	expired := longCondition("BTC", d(50000))
	expired.ValidUntil = time.Now().Add(-time.Minute)
	triggered := longCondition("ETH", d(3000))
	triggered.Triggered = true
	fresh := longCondition("SOL", d(150))

	s.SetConditions([]types.TradeCondition{expired, triggered, fresh})
	dropped := s.PruneExpired()
	if dropped != 2 {
		t.Errorf("expected 2 conditions dropped, got %d", dropped)
	}
	status := s.GetStatus()
	if len(status.ActiveConditions) != 1 || status.ActiveConditions[0].Coin != "SOL" {
		t.Errorf("expected only the fresh SOL condition to remain, got %+v", status.ActiveConditions)
	}
}
