package orchestrator

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestDefaultSizeModifier(t *testing.T) {
	cases := []struct {
		status types.CoinStatus
		want   decimal.Decimal
	}{
		{types.CoinStatusBlacklisted, decimal.Zero},
		{types.CoinStatusReduced, decimal.NewFromFloat(0.5)},
		{types.CoinStatusFavored, decimal.NewFromFloat(1.5)},
		{types.CoinStatusNormal, decimal.NewFromInt(1)},
		{types.CoinStatusUnknown, decimal.NewFromInt(1)},
	}
	for _, c := range cases {
		got := defaultSizeModifier(c.status)
		if !got.Equal(c.want) {
			t.Errorf("defaultSizeModifier(%s) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestSumDecimal(t *testing.T) {
	vals := []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(-3), decimal.NewFromFloat(1.5)}
	got := sumDecimal(vals)
	want := decimal.NewFromFloat(8.5)
	if !got.Equal(want) {
		t.Errorf("sumDecimal(%v) = %s, want %s", vals, got, want)
	}
}

func TestSumDecimalEmpty(t *testing.T) {
	got := sumDecimal(nil)
	if !got.Equal(decimal.Zero) {
		t.Errorf("sumDecimal(nil) = %s, want 0", got)
	}
}

func position(id string) types.Position { return types.Position{ID: id} }

func TestBuildSnapshotComputesStatistics(t *testing.T) {
	now := time.Now()
	entries := []types.JournalEntry{
		{Position: position("1"), PnLUSD: decimal.NewFromInt(20)},
		{Position: position("2"), PnLUSD: decimal.NewFromInt(-10)},
		{Position: position("3"), PnLUSD: decimal.NewFromInt(30)},
	}
	snap := buildSnapshot(types.TimeframeDay, now, decimal.NewFromInt(1000), entries)

	if snap.Timeframe != types.TimeframeDay {
		t.Errorf("unexpected timeframe: %s", snap.Timeframe)
	}
	if !snap.TotalPnL.Equal(decimal.NewFromInt(40)) {
		t.Errorf("TotalPnL = %s, want 40", snap.TotalPnL)
	}
	wantWinRate := decimal.NewFromFloat(200).Div(decimal.NewFromInt(3)) // 2/3 * 100
	if !snap.WinRate.Round(4).Equal(wantWinRate.Round(4)) {
		t.Errorf("WinRate = %s, want ~%s", snap.WinRate, wantWinRate)
	}
	if snap.Sharpe == nil {
		t.Error("expected a Sharpe ratio with >=2 entries")
	}
}

func TestBuildSnapshotOmitsSharpeBelowTwoEntries(t *testing.T) {
	entries := []types.JournalEntry{{Position: position("1"), PnLUSD: decimal.NewFromInt(10)}}
	snap := buildSnapshot(types.TimeframeHour, time.Now(), decimal.NewFromInt(500), entries)
	if snap.Sharpe != nil {
		t.Errorf("expected no Sharpe ratio with a single entry, got %v", snap.Sharpe)
	}
}

func TestBuildSnapshotEmptyEntries(t *testing.T) {
	snap := buildSnapshot(types.TimeframeAll, time.Now(), decimal.NewFromInt(1000), nil)
	if !snap.TotalPnL.IsZero() {
		t.Errorf("expected zero TotalPnL for no entries, got %s", snap.TotalPnL)
	}
	if !snap.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected Balance passthrough, got %s", snap.Balance)
	}
}

func TestAcquirePIDFileEmptyPathIsNoOp(t *testing.T) {
	f, err := acquirePIDFile("")
	if err != nil || f != nil {
		t.Fatalf("expected (nil, nil) for an empty path, got (%v, %v)", f, err)
	}
}

func TestAcquirePIDFileWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paperbot.pid")
	f, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected pid file to exist: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file contents = %q, want %q", data, strconv.Itoa(os.Getpid()))
	}
}

func TestAcquirePIDFileRefusesWhenProcessStillAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paperbot.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := acquirePIDFile(path); err == nil {
		t.Fatal("expected acquirePIDFile to refuse while the recorded pid is still alive")
	}
}

func TestProcessAliveFalseForImplausiblePID(t *testing.T) {
	if processAlive(1 << 30) {
		t.Error("expected an implausible pid to report not alive")
	}
}
