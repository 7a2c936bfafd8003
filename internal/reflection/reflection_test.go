package reflection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestDueOnTradeCountThreshold(t *testing.T) {
	r := New(zap.NewNop(), nil, nil)
	if r.Due() {
		t.Fatal("expected a fresh Reflector to not be due")
	}
	for i := 0; i < triggerTrades; i++ {
		r.NoteTradeClosed()
	}
	if !r.Due() {
		t.Error("expected Due() once tradesSince reaches the trigger threshold")
	}
}

func TestDueOnIntervalElapsed(t *testing.T) {
	r := New(zap.NewNop(), nil, nil)
	r.lastRun = time.Now().Add(-triggerInterval - time.Minute)
	if !r.Due() {
		t.Error("expected Due() once the trigger interval has elapsed")
	}
}

func entry(coin string, pnl float64, hour int, reason types.ExitReason) types.JournalEntry {
	return types.JournalEntry{
		Position:   types.Position{Coin: coin},
		PnLUSD:     decimal.NewFromFloat(pnl),
		HourOfDay:  hour,
		ExitReason: reason,
	}
}

func TestAggregateEmptyEntries(t *testing.T) {
	agg := aggregate(nil)
	if agg.best != "n/a" || agg.worst != "n/a" {
		t.Errorf("expected n/a best/worst for no entries, got best=%q worst=%q", agg.best, agg.worst)
	}
	if agg.earlyExitRate != "0" {
		t.Errorf("expected 0 early-exit rate for no entries, got %q", agg.earlyExitRate)
	}
}

func TestAggregateComputesPerCoinAndPerHourStats(t *testing.T) {
	entries := []types.JournalEntry{
		entry("BTC", 20, 10, types.ExitTakeProfit),
		entry("BTC", -10, 10, types.ExitStopLoss),
		entry("ETH", 15, 14, types.ExitTakeProfit),
	}
	agg := aggregate(entries)

	if agg.summary != "3 closed trades reviewed" {
		t.Errorf("summary = %q", agg.summary)
	}

	var btcRow *coinRow
	for i := range agg.byCoin {
		if agg.byCoin[i].Coin == "BTC" {
			btcRow = &agg.byCoin[i]
		}
	}
	if btcRow == nil {
		t.Fatal("expected a BTC row in the per-coin aggregation")
	}
	if btcRow.Trades != 2 {
		t.Errorf("BTC trades = %d, want 2", btcRow.Trades)
	}
	if btcRow.WinRate != "50.0" {
		t.Errorf("BTC win rate = %q, want 50.0", btcRow.WinRate)
	}
	if btcRow.TotalPnL != "10.00" {
		t.Errorf("BTC total pnl = %q, want 10.00", btcRow.TotalPnL)
	}

	// 1 of 3 trades exited on a stop loss.
	wantRate := "33.3"
	if agg.earlyExitRate != wantRate {
		t.Errorf("earlyExitRate = %q, want %q", agg.earlyExitRate, wantRate)
	}

	if agg.best == "n/a" || agg.worst == "n/a" {
		t.Errorf("expected a real best/worst trade, got best=%q worst=%q", agg.best, agg.worst)
	}
	if !strings.Contains(agg.best, "BTC") {
		t.Errorf("expected BTC (pnl +20) to be the best trade, got %q", agg.best)
	}
	if !strings.Contains(agg.worst, "BTC") {
		t.Errorf("expected BTC (pnl -10) to be the worst trade, got %q", agg.worst)
	}
}

func TestWinRatePctHandlesZeroTrades(t *testing.T) {
	if got := winRatePct(0, 0); got != "0" {
		t.Errorf("winRatePct(0,0) = %q, want 0", got)
	}
	if got := winRatePct(1, 4); got != "25.0" {
		t.Errorf("winRatePct(1,4) = %q, want 25.0", got)
	}
}

func TestBuildPromptRendersAggregation(t *testing.T) {
	agg := aggregation{
		summary:       "2 closed trades reviewed",
		byCoin:        []coinRow{{Coin: "BTC", Trades: 2, WinRate: "50.0", TotalPnL: "10.00"}},
		byHour:        []hourRow{{Hour: 10, Trades: 2, WinRate: "50.0"}},
		best:          "BTC pnl 20.00 (take_profit)",
		worst:         "BTC pnl -10.00 (stop_loss)",
		earlyExitRate: "50.0",
	}
	prompt, err := buildPrompt(agg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"2 closed trades reviewed", "BTC", "50.0", "take_profit", "stop_loss"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

type fakeReflectionStore struct {
	entries       []types.JournalEntry
	savedSummary  string
	savedInsights []types.Insight
}

func (f *fakeReflectionStore) RecentJournalEntries(ctx context.Context, n int) ([]types.JournalEntry, error) {
	return f.entries, nil
}
func (f *fakeReflectionStore) SaveReflection(ctx context.Context, reflectionID string, ts time.Time, summary string) error {
	f.savedSummary = summary
	return nil
}
func (f *fakeReflectionStore) SaveInsights(ctx context.Context, reflectionID string, insights []types.Insight) error {
	f.savedInsights = insights
	return nil
}

type fakeGateway struct {
	response string
	err      error
}

func (f *fakeGateway) Query(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

func TestCycleSavesReflectionAndInsights(t *testing.T) {
	store := &fakeReflectionStore{entries: []types.JournalEntry{entry("BTC", 20, 10, types.ExitTakeProfit)}}
	gateway := &fakeGateway{response: `{"insights":[{"type":"coin","category":"opportunity","title":"BTC: strong performer","confidence":0.8}]}`}
	r := New(zap.NewNop(), store, gateway)
	r.NoteTradeClosed()

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.savedSummary == "" {
		t.Error("expected a reflection summary to be saved")
	}
	if len(store.savedInsights) != 1 {
		t.Fatalf("expected one saved insight, got %d", len(store.savedInsights))
	}
	if r.tradesSince != 0 {
		t.Errorf("expected tradesSince to reset after a cycle, got %d", r.tradesSince)
	}
}

func TestCycleSkipsSaveOnMalformedGatewayResponse(t *testing.T) {
	store := &fakeReflectionStore{}
	gateway := &fakeGateway{response: "not json"}
	r := New(zap.NewNop(), store, gateway)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("expected a malformed response to be swallowed, got error: %v", err)
	}
	if store.savedSummary != "" {
		t.Error("expected no reflection to be saved on a malformed gateway response")
	}
}

func TestCycleSkipsSaveOnGatewayError(t *testing.T) {
	store := &fakeReflectionStore{}
	gateway := &fakeGateway{err: context.DeadlineExceeded}
	r := New(zap.NewNop(), store, gateway)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("expected a gateway error to be swallowed, got error: %v", err)
	}
	if store.savedSummary != "" {
		t.Error("expected no reflection to be saved when the gateway call fails")
	}
}
