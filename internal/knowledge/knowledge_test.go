package knowledge

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func pnl(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestUpdateCoinScoreHoldsStatusBelowMinTrades(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < minTradesForTransition-1; i++ {
		if _, err := s.UpdateCoinScore(ctx, "BTC", types.TradeDelta{Won: false, PnL: pnl(-10)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := s.Status("BTC"); got != types.CoinStatusUnknown {
		t.Errorf("expected status to stay UNKNOWN below minimum trade count, got %s", got)
	}
}

func TestUpdateCoinScoreBlacklistsOnSustainedLosses(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	var lastAdapt *types.CoinAdaptation
	for i := 0; i < 6; i++ {
		adapt, err := s.UpdateCoinScore(ctx, "DOGE", types.TradeDelta{Won: false, PnL: pnl(-10)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if adapt != nil {
			lastAdapt = adapt
		}
	}
	if got := s.Status("DOGE"); got != types.CoinStatusBlacklisted {
		t.Fatalf("expected DOGE to be blacklisted after sustained losses, got %s", got)
	}
	if lastAdapt == nil || lastAdapt.NewStatus != types.CoinStatusBlacklisted {
		t.Errorf("expected a CoinAdaptation transitioning to BLACKLISTED, got %+v", lastAdapt)
	}
}

func TestUpdateCoinScoreFavorsOnSustainedWins(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := s.UpdateCoinScore(ctx, "ETH", types.TradeDelta{Won: true, PnL: pnl(20)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := s.Status("ETH"); got != types.CoinStatusFavored {
		t.Fatalf("expected ETH to be favored after sustained wins, got %s", got)
	}
}

func TestUpdateCoinScoreBlacklistedCoinStaysBlacklistedUntilExplicitUnblacklist(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := s.UpdateCoinScore(ctx, "DOGE", types.TradeDelta{Won: false, PnL: pnl(-10)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Even a run of wins afterward should not move a BLACKLISTED coin on its own.
	for i := 0; i < 6; i++ {
		if _, err := s.UpdateCoinScore(ctx, "DOGE", types.TradeDelta{Won: true, PnL: pnl(20)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := s.Status("DOGE"); got != types.CoinStatusBlacklisted {
		t.Fatalf("expected DOGE to remain BLACKLISTED without explicit Unblacklist, got %s", got)
	}

	if err := s.Unblacklist(ctx, "DOGE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Status("DOGE"); got == types.CoinStatusBlacklisted {
		t.Errorf("expected DOGE to leave BLACKLISTED after Unblacklist, got %s", got)
	}
}

func TestAdjustPatternConfidenceAppliesAndClampsDelta(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	if err := s.AddPattern(ctx, types.TradingPattern{PatternID: "breakout-long", Confidence: pnl(0.5)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AdjustPatternConfidence(ctx, "breakout-long", pnl(0.1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := s.GetPattern("breakout-long")
	if !ok || !p.Confidence.Equal(pnl(0.6)) {
		t.Fatalf("expected confidence 0.6 after +0.1, got %+v", p)
	}

	if err := s.AdjustPatternConfidence(ctx, "breakout-long", pnl(-10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ = s.GetPattern("breakout-long")
	if !p.Confidence.Equal(pnl(0.1)) {
		t.Errorf("expected confidence clamped at the 0.1 floor, got %s", p.Confidence)
	}
}

func TestAdjustPatternConfidenceUnknownPatternErrors(t *testing.T) {
	s := New(zap.NewNop(), nil)
	if err := s.AdjustPatternConfidence(context.Background(), "nonexistent", pnl(0.1)); err == nil {
		t.Fatal("expected an error adjusting confidence for an unknown pattern")
	}
}

func TestComputeConfidenceDefaultsBelowThreeUses(t *testing.T) {
	p := types.TradingPattern{TimesUsed: 2, Wins: 2, Losses: 0}
	got := computeConfidence(p)
	want := decimal.NewFromFloat(0.5)
	if !got.Equal(want) {
		t.Errorf("computeConfidence(%+v) = %s, want %s", p, got, want)
	}
}

func TestComputeConfidenceStaysWithinBounds(t *testing.T) {
	allLosses := types.TradingPattern{TimesUsed: 20, Wins: 0, Losses: 20}
	got := computeConfidence(allLosses)
	lo := decimal.NewFromFloat(0.1)
	if got.LessThan(lo) || !got.Equal(lo) && got.LessThan(lo) {
		t.Errorf("expected confidence at or above lower bound 0.1, got %s", got)
	}

	allWins := types.TradingPattern{TimesUsed: 20, Wins: 20, Losses: 0}
	got = computeConfidence(allWins)
	hi := decimal.NewFromFloat(0.9)
	if got.GreaterThan(hi) {
		t.Errorf("expected confidence at or below upper bound 0.9, got %s", got)
	}
}

func TestRecordPatternOutcomeDeactivatesOnLowConfidence(t *testing.T) {
	s := New(zap.NewNop(), nil)
	ctx := context.Background()

	if err := s.AddPattern(ctx, types.TradingPattern{PatternID: "breakout-long"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var deactivated bool
	var err error
	for i := 0; i < 10; i++ {
		deactivated, err = s.RecordPatternOutcome(ctx, "breakout-long", false, pnl(-15))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deactivated {
			break
		}
	}
	if !deactivated {
		t.Fatal("expected the pattern to deactivate after a long losing streak")
	}
	p, ok := s.GetPattern("breakout-long")
	if !ok {
		t.Fatal("expected pattern to still exist after deactivation")
	}
	if p.IsActive {
		t.Errorf("expected pattern to be marked inactive, got %+v", p)
	}
}
