package effectiveness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestRateThresholds(t *testing.T) {
	cases := []struct {
		deltaPP float64
		want    types.Effectiveness
	}{
		{12, types.EffectivenessHighlyEffective},
		{10, types.EffectivenessHighlyEffective},
		{5, types.EffectivenessEffective},
		{3, types.EffectivenessEffective},
		{0, types.EffectivenessNeutral},
		{-3, types.EffectivenessNeutral},
		{-5, types.EffectivenessIneffective},
		{-10, types.EffectivenessHarmful},
		{-25, types.EffectivenessHarmful},
	}
	for _, c := range cases {
		got := rate(decimal.NewFromFloat(c.deltaPP))
		if got != c.want {
			t.Errorf("rate(%v) = %s, want %s", c.deltaPP, got, c.want)
		}
	}
}

type fakeStore struct {
	pending  []types.Adaptation
	entries  []types.JournalEntry
	updates  []string
	ratings  []types.Effectiveness
}

func (f *fakeStore) PendingAdaptations(ctx context.Context, olderThan time.Time) ([]types.Adaptation, error) {
	return f.pending, nil
}
func (f *fakeStore) JournalEntriesSince(ctx context.Context, since time.Time) ([]types.JournalEntry, error) {
	return f.entries, nil
}
func (f *fakeStore) UpdateAdaptationEffectiveness(ctx context.Context, id string, postMetrics json.RawMessage, eff types.Effectiveness, measuredAt time.Time) error {
	f.updates = append(f.updates, id)
	f.ratings = append(f.ratings, eff)
	return nil
}

type fakeRollbacker struct {
	rolledBack []string
}

func (f *fakeRollbacker) Rollback(ctx context.Context, adapt types.Adaptation) (*types.Adaptation, error) {
	f.rolledBack = append(f.rolledBack, adapt.AdaptationID)
	return &types.Adaptation{AdaptationID: "rb-" + adapt.AdaptationID}, nil
}

func entriesWithPnL(n int, pnlEach decimal.Decimal) []types.JournalEntry {
	entries := make([]types.JournalEntry, n)
	for i := range entries {
		entries[i] = types.JournalEntry{Position: types.Position{ID: "e"}, PnLUSD: pnlEach}
	}
	return entries
}

func TestSweepSkipsAdaptationsWithTooFewTrades(t *testing.T) {
	pre, _ := json.Marshal(preMetricsView{WinRate: decimal.Zero, TotalPnL: decimal.Zero})
	store := &fakeStore{
		pending: []types.Adaptation{{AdaptationID: "adapt-1", PreMetrics: pre, Timestamp: time.Now().Add(-48 * time.Hour)}},
		entries: entriesWithPnL(3, decimal.NewFromInt(10)), // below minTradesMeasured
	}
	m := New(zap.NewNop(), store, &fakeRollbacker{}, false)
	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.updates) != 0 {
		t.Errorf("expected no effectiveness update with too few trades, got %v", store.updates)
	}
}

func TestSweepFlagsHarmfulAdaptationForAutoRollback(t *testing.T) {
	pre, _ := json.Marshal(preMetricsView{WinRate: decimal.NewFromFloat(0.60), TotalPnL: decimal.Zero})
	store := &fakeStore{
		pending: []types.Adaptation{{AdaptationID: "adapt-1", PreMetrics: pre, Timestamp: time.Now().Add(-48 * time.Hour)}},
		entries: entriesWithPnL(12, decimal.NewFromInt(-5)),
	}
	rollbacker := &fakeRollbacker{}
	m := New(zap.NewNop(), store, rollbacker, true)
	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.updates) != 1 || store.ratings[0] != types.EffectivenessHarmful {
		t.Fatalf("expected one harmful rating, got %v / %v", store.updates, store.ratings)
	}
	if len(rollbacker.rolledBack) != 1 || rollbacker.rolledBack[0] != "adapt-1" {
		t.Errorf("expected auto-rollback of adapt-1, got %v", rollbacker.rolledBack)
	}
}

func TestSweepDoesNotAutoRollbackWhenDisabled(t *testing.T) {
	pre, _ := json.Marshal(preMetricsView{WinRate: decimal.NewFromFloat(0.60), TotalPnL: decimal.Zero})
	store := &fakeStore{
		pending: []types.Adaptation{{AdaptationID: "adapt-1", PreMetrics: pre, Timestamp: time.Now().Add(-48 * time.Hour)}},
		entries: entriesWithPnL(12, decimal.NewFromInt(-5)),
	}
	rollbacker := &fakeRollbacker{}
	m := New(zap.NewNop(), store, rollbacker, false)
	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rollbacker.rolledBack) != 0 {
		t.Errorf("expected no rollback with autoRollback disabled, got %v", rollbacker.rolledBack)
	}
}
