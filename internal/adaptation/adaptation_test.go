package adaptation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestExtractTarget(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"DOGE: persistent losses", "DOGE"},
		{"BTC - overtrading", "BTC"},
		{"SOL chasing breakouts", "SOL"},
		{"nocolonorspace", "nocolonorspace"},
	}
	for _, c := range cases {
		got := extractTarget(types.Insight{Title: c.title})
		if got != c.want {
			t.Errorf("extractTarget(%q) = %q, want %q", c.title, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		insight    types.Insight
		wantAction types.AdaptationAction
		wantTarget string
		wantErr    bool
	}{
		{
			name:       "coin problem blacklists",
			insight:    types.Insight{Type: types.InsightCoin, Category: types.CategoryProblem, Title: "DOGE: losses"},
			wantAction: types.ActionBlacklist,
			wantTarget: "DOGE",
		},
		{
			name:       "coin opportunity favors",
			insight:    types.Insight{Type: types.InsightCoin, Category: types.CategoryOpportunity, Title: "ETH: strong trend"},
			wantAction: types.ActionFavor,
			wantTarget: "ETH",
		},
		{
			name:       "pattern opportunity adjusts its confidence",
			insight:    types.Insight{Type: types.InsightPattern, Category: types.CategoryOpportunity, Title: "breakout-long"},
			wantAction: types.ActionAdjustParam,
			wantTarget: "breakout-long",
		},
		{
			name:       "pattern problem deactivates",
			insight:    types.Insight{Type: types.InsightPattern, Category: types.CategoryProblem, Title: "breakout-long: low hit rate"},
			wantAction: types.ActionDeactivatePattern,
			wantTarget: "breakout-long",
		},
		{
			name:       "regime insight always creates a rule",
			insight:    types.Insight{Type: types.InsightRegime, Title: "high-volatility: widen stops"},
			wantAction: types.ActionCreateRule,
			wantTarget: "high-volatility",
		},
		{
			name:    "untitled insight has no target",
			insight: types.Insight{Type: types.InsightCoin, Category: types.CategoryProblem, Title: ""},
			wantErr: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			action, target, err := classify(c.insight)
			if c.wantErr {
				if err == nil {
					t.Fatalf("classify(%+v): expected error, got action=%s target=%s", c.insight, action, target)
				}
				return
			}
			if err != nil {
				t.Fatalf("classify(%+v): unexpected error: %v", c.insight, err)
			}
			if action != c.wantAction || target != c.wantTarget {
				t.Errorf("classify(%+v) = (%s, %s), want (%s, %s)", c.insight, action, target, c.wantAction, c.wantTarget)
			}
		})
	}
}

type fakeKnowledge struct {
	blacklisted   map[string]string
	unblacklisted map[string]bool
	trends        map[string]types.Trend
	rules         []types.RegimeRule
	deactivated   map[string]bool
	reactivated   map[string]bool
	confidence    map[string]decimal.Decimal
}

func newFakeKnowledge() *fakeKnowledge {
	return &fakeKnowledge{
		blacklisted:   map[string]string{},
		unblacklisted: map[string]bool{},
		trends:        map[string]types.Trend{},
		deactivated:   map[string]bool{},
		reactivated:   map[string]bool{},
		confidence:    map[string]decimal.Decimal{},
	}
}

func (f *fakeKnowledge) Blacklist(ctx context.Context, coin, reason string) error {
	f.blacklisted[coin] = reason
	return nil
}
func (f *fakeKnowledge) Unblacklist(ctx context.Context, coin string) error {
	f.unblacklisted[coin] = true
	return nil
}
func (f *fakeKnowledge) SetTrend(ctx context.Context, coin string, trend types.Trend) error {
	f.trends[coin] = trend
	return nil
}
func (f *fakeKnowledge) AddRule(ctx context.Context, r types.RegimeRule) error {
	f.rules = append(f.rules, r)
	return nil
}
func (f *fakeKnowledge) DeactivateRule(ctx context.Context, id string) error {
	f.deactivated[id] = true
	return nil
}
func (f *fakeKnowledge) DeactivatePattern(ctx context.Context, id, reason string) error {
	f.deactivated[id] = true
	return nil
}
func (f *fakeKnowledge) ReactivatePattern(ctx context.Context, id string) error {
	f.reactivated[id] = true
	return nil
}
func (f *fakeKnowledge) AdjustPatternConfidence(ctx context.Context, id string, delta decimal.Decimal) error {
	f.confidence[id] = f.confidence[id].Add(delta)
	return nil
}

type fakeStore struct {
	snapshot *types.ProfitSnapshot
	saved    []types.Adaptation
}

func (f *fakeStore) SaveAdaptation(ctx context.Context, a types.Adaptation) error {
	f.saved = append(f.saved, a)
	return nil
}
func (f *fakeStore) LatestProfitSnapshot(ctx context.Context, tf types.SnapshotTimeframe) (*types.ProfitSnapshot, error) {
	return f.snapshot, nil
}

func TestApplyInsightBelowConfidenceIsIgnored(t *testing.T) {
	know := newFakeKnowledge()
	store := &fakeStore{}
	applier := New(zap.NewNop(), know, store)

	insight := types.Insight{
		Type:       types.InsightCoin,
		Category:   types.CategoryProblem,
		Title:      "DOGE: overtrading",
		Confidence: decimal.NewFromFloat(0.5),
	}
	adapt, err := applier.ApplyInsight(context.Background(), insight)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapt != nil {
		t.Fatalf("expected no adaptation below confidence threshold, got %+v", adapt)
	}
	if len(know.blacklisted) != 0 {
		t.Errorf("expected no blacklist mutation, got %v", know.blacklisted)
	}
}

func TestApplyInsightBlacklistsAndRecordsAdaptation(t *testing.T) {
	know := newFakeKnowledge()
	store := &fakeStore{snapshot: &types.ProfitSnapshot{WinRate: decimal.NewFromFloat(42), TotalPnL: decimal.NewFromInt(100)}}
	applier := New(zap.NewNop(), know, store)

	insight := types.Insight{
		Type:        types.InsightCoin,
		Category:    types.CategoryProblem,
		Title:       "DOGE: persistent losses",
		Description: "six straight losing trades",
		Confidence:  decimal.NewFromFloat(0.85),
	}
	adapt, err := applier.ApplyInsight(context.Background(), insight)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapt == nil {
		t.Fatal("expected an adaptation to be recorded")
	}
	if reason, ok := know.blacklisted["DOGE"]; !ok || reason != insight.Description {
		t.Errorf("expected DOGE blacklisted with reason %q, got %v", insight.Description, know.blacklisted)
	}
	if adapt.Action != types.ActionBlacklist || adapt.Target != "DOGE" {
		t.Errorf("unexpected adaptation: %+v", adapt)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one saved adaptation, got %d", len(store.saved))
	}
}

func TestRollbackAppliesInverseMutation(t *testing.T) {
	know := newFakeKnowledge()
	store := &fakeStore{}
	applier := New(zap.NewNop(), know, store)

	original := types.Adaptation{
		AdaptationID: "adapt-1",
		Action:       types.ActionBlacklist,
		Target:       "DOGE",
		Timestamp:    time.Now().Add(-48 * time.Hour),
	}
	rollback, err := applier.Rollback(context.Background(), original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !know.unblacklisted["DOGE"] {
		t.Errorf("expected DOGE to be unblacklisted")
	}
	if rollback.Action != types.ActionRollback || rollback.Target != "DOGE" {
		t.Errorf("unexpected rollback adaptation: %+v", rollback)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected the rollback to be persisted, got %d saved rows", len(store.saved))
	}
}

func TestApplyInsightAdjustsPatternConfidence(t *testing.T) {
	know := newFakeKnowledge()
	store := &fakeStore{}
	applier := New(zap.NewNop(), know, store)

	insight := types.Insight{
		Type:       types.InsightPattern,
		Category:   types.CategoryOpportunity,
		Title:      "breakout-long",
		Confidence: decimal.NewFromFloat(0.8),
	}
	adapt, err := applier.ApplyInsight(context.Background(), insight)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapt == nil || adapt.Action != types.ActionAdjustParam || adapt.Target != "breakout-long" {
		t.Fatalf("unexpected adaptation: %+v", adapt)
	}
	if !know.confidence["breakout-long"].Equal(adjustParamDelta) {
		t.Errorf("expected breakout-long confidence nudged by %s, got %s", adjustParamDelta, know.confidence["breakout-long"])
	}
}

func TestRollbackAppliesInverseAdjustParamDelta(t *testing.T) {
	know := newFakeKnowledge()
	store := &fakeStore{}
	applier := New(zap.NewNop(), know, store)

	original := types.Adaptation{
		AdaptationID: "adapt-2",
		Action:       types.ActionAdjustParam,
		Target:       "breakout-long",
		Timestamp:    time.Now().Add(-48 * time.Hour),
	}
	if _, err := applier.Rollback(context.Background(), original); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !know.confidence["breakout-long"].Equal(adjustParamDelta.Neg()) {
		t.Errorf("expected the inverse delta applied, got %s", know.confidence["breakout-long"])
	}
}

func TestRollbackUnsupportedActionErrors(t *testing.T) {
	applier := New(zap.NewNop(), newFakeKnowledge(), &fakeStore{})
	_, err := applier.Rollback(context.Background(), types.Adaptation{Action: types.ActionRollback})
	if err == nil {
		t.Fatal("expected an error rolling back a ROLLBACK action")
	}
}
