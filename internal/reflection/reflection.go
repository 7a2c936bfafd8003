// Package reflection implements Reflection (C9): a periodic look-back over
// recent journal entries that asks the LLM Gateway for structured Insights,
// persisted for Adaptation (C10) to consume.
package reflection

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	triggerInterval = 1 * time.Hour
	triggerTrades   = 10
	lookbackEntries = 200
)

// Store is the subset of the Store (C2) Reflection reads and writes.
type Store interface {
	RecentJournalEntries(ctx context.Context, n int) ([]types.JournalEntry, error)
	SaveReflection(ctx context.Context, reflectionID string, ts time.Time, summary string) error
	SaveInsights(ctx context.Context, reflectionID string, insights []types.Insight) error
}

// Gateway is the subset of the LLM Gateway Reflection calls.
type Gateway interface {
	Query(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Reflector is Reflection (C9).
type Reflector struct {
	logger        *zap.Logger
	store         Store
	gateway       Gateway
	lastRun       time.Time
	tradesSince   int
	idSeq         int
}

// New constructs a Reflector.
func New(logger *zap.Logger, store Store, gateway Gateway) *Reflector {
	return &Reflector{logger: logger, store: store, gateway: gateway, lastRun: time.Now()}
}

// NoteTradeClosed increments the trade counter that can trigger an early reflection cycle.
func (r *Reflector) NoteTradeClosed() {
	r.tradesSince++
}

// Due reports whether the trigger condition is satisfied.
func (r *Reflector) Due() bool {
	return time.Since(r.lastRun) >= triggerInterval || r.tradesSince >= triggerTrades
}

// Run ticks on interval, invoking a reflection cycle whenever Due() is true.
// Errors are logged and the loop continues, matching the Strategist's handling of a missed cycle.
func (r *Reflector) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.Due() {
				continue
			}
			if err := r.Cycle(ctx); err != nil {
				r.logger.Warn("reflection cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle runs one reflection round unconditionally.
func (r *Reflector) Cycle(ctx context.Context) error {
	entries, err := r.store.RecentJournalEntries(ctx, lookbackEntries)
	if err != nil {
		return fmt.Errorf("loading recent journal entries: %w", err)
	}

	agg := aggregate(entries)
	userPrompt, err := buildPrompt(agg)
	if err != nil {
		return fmt.Errorf("building reflection prompt: %w", err)
	}

	raw, err := r.gateway.Query(ctx, systemPrompt, userPrompt)
	if err != nil {
		r.logger.Warn("reflection: llm query failed, skipping cycle", zap.Error(err))
		r.resetTimers()
		return nil
	}

	var resp reflectionResponse
	if err := llm.ExtractJSON(raw, &resp); err != nil {
		r.logger.Warn("reflection: malformed llm response, skipping cycle", zap.Error(err))
		r.resetTimers()
		return nil
	}

	r.idSeq++
	reflectionID := fmt.Sprintf("refl-%d-%d", time.Now().Unix(), r.idSeq)
	if err := r.store.SaveReflection(ctx, reflectionID, time.Now(), agg.summary); err != nil {
		return fmt.Errorf("saving reflection: %w", err)
	}
	if len(resp.Insights) > 0 {
		if err := r.store.SaveInsights(ctx, reflectionID, resp.Insights); err != nil {
			return fmt.Errorf("saving insights: %w", err)
		}
	}

	r.logger.Info("reflection cycle complete", zap.String("reflection_id", reflectionID), zap.Int("insights", len(resp.Insights)))
	r.resetTimers()
	return nil
}

func (r *Reflector) resetTimers() {
	r.lastRun = time.Now()
	r.tradesSince = 0
}

type reflectionResponse struct {
	Insights []types.Insight `json:"insights"`
}

const systemPrompt = `You are a conservative spot-crypto paper-trading analyst reviewing recent
closed trades. You identify concrete, evidence-backed patterns, not
speculation. You respond with a single JSON object and nothing else.`

const userPromptTemplate = `Trade summary (most recent closed trades):
{{.Summary}}

Win rate by coin:
{{range .ByCoin}}  {{.Coin}}: {{.Trades}} trades, {{.WinRate}}% win rate, total pnl {{.TotalPnL}}
{{end}}

Win rate by hour of day:
{{range .ByHour}}  hour {{.Hour}}: {{.Trades}} trades, {{.WinRate}}% win rate
{{end}}

Best trade: {{.Best}}
Worst trade: {{.Worst}}
Early-exit (stop-loss) rate: {{.EarlyExitRate}}%

Identify up to 5 insights. Each insight has:
  type: one of coin, pattern, time, regime, exit
  category: one of opportunity, problem, observation
  title, description, evidence (cite the numbers above), suggested_action, confidence (0-1)

Respond with exactly this JSON shape and nothing else:
{"insights":[{"type":"...","category":"...","title":"...","description":"...","evidence":"...","suggested_action":"...","confidence":0.0}]}`

var promptTmpl = template.Must(template.New("reflection_user").Parse(userPromptTemplate))

type coinRow struct {
	Coin     string
	Trades   int
	WinRate  string
	TotalPnL string
}

type hourRow struct {
	Hour    int
	Trades  int
	WinRate string
}

type aggregation struct {
	summary       string
	byCoin        []coinRow
	byHour        []hourRow
	best          string
	worst         string
	earlyExitRate string
}

func aggregate(entries []types.JournalEntry) aggregation {
	if len(entries) == 0 {
		return aggregation{summary: "no closed trades in the lookback window", best: "n/a", worst: "n/a", earlyExitRate: "0"}
	}

	type coinAgg struct {
		trades, wins int
		pnl          decimal.Decimal
	}
	byCoin := map[string]*coinAgg{}
	byHour := map[int]*coinAgg{}

	var best, worst *types.JournalEntry
	stopLosses := 0

	for i := range entries {
		e := &entries[i]
		ca, ok := byCoin[e.Coin]
		if !ok {
			ca = &coinAgg{}
			byCoin[e.Coin] = ca
		}
		ca.trades++
		ca.pnl = ca.pnl.Add(e.PnLUSD)
		if e.PnLUSD.GreaterThan(decimal.Zero) {
			ca.wins++
		}

		ha, ok := byHour[e.HourOfDay]
		if !ok {
			ha = &coinAgg{}
			byHour[e.HourOfDay] = ha
		}
		ha.trades++
		if e.PnLUSD.GreaterThan(decimal.Zero) {
			ha.wins++
		}

		if e.ExitReason == types.ExitStopLoss {
			stopLosses++
		}
		if best == nil || e.PnLUSD.GreaterThan(best.PnLUSD) {
			best = e
		}
		if worst == nil || e.PnLUSD.LessThan(worst.PnLUSD) {
			worst = e
		}
	}

	var coinRows []coinRow
	for coin, ca := range byCoin {
		coinRows = append(coinRows, coinRow{
			Coin:     coin,
			Trades:   ca.trades,
			WinRate:  winRatePct(ca.wins, ca.trades),
			TotalPnL: ca.pnl.StringFixed(2),
		})
	}
	var hourRows []hourRow
	for hour, ha := range byHour {
		hourRows = append(hourRows, hourRow{Hour: hour, Trades: ha.trades, WinRate: winRatePct(ha.wins, ha.trades)})
	}

	earlyExitRate := decimal.NewFromInt(int64(stopLosses)).Div(decimal.NewFromInt(int64(len(entries)))).Mul(decimal.NewFromInt(100)).StringFixed(1)

	return aggregation{
		summary:       fmt.Sprintf("%d closed trades reviewed", len(entries)),
		byCoin:        coinRows,
		byHour:        hourRows,
		best:          describeTrade(best),
		worst:         describeTrade(worst),
		earlyExitRate: earlyExitRate,
	}
}

func describeTrade(e *types.JournalEntry) string {
	if e == nil {
		return "n/a"
	}
	return fmt.Sprintf("%s pnl %s (%s)", e.Coin, e.PnLUSD.StringFixed(2), e.ExitReason)
}

func winRatePct(wins, trades int) string {
	if trades == 0 {
		return "0"
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(trades))).Mul(decimal.NewFromInt(100)).StringFixed(1)
}

func buildPrompt(a aggregation) (string, error) {
	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, struct {
		Summary       string
		ByCoin        []coinRow
		ByHour        []hourRow
		Best          string
		Worst         string
		EarlyExitRate string
	}{a.summary, a.byCoin, a.byHour, a.best, a.worst, a.earlyExitRate})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
