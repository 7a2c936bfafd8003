// Package orchestrator boots every component in dependency order, wires
// their read/write interfaces together, and runs the cooperative
// background tasks that drive the engine once the wiring is complete.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/adaptation"
	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/cooldown"
	"github.com/atlas-desktop/trading-backend/internal/effectiveness"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/journal"
	"github.com/atlas-desktop/trading-backend/internal/knowledge"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/pricesource"
	"github.com/atlas-desktop/trading-backend/internal/quickupdate"
	"github.com/atlas-desktop/trading-backend/internal/reflection"
	"github.com/atlas-desktop/trading-backend/internal/sniper"
	"github.com/atlas-desktop/trading-backend/internal/store"
	"github.com/atlas-desktop/trading-backend/internal/strategist"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
)

// DefaultCoins is the tracked coin universe when none is supplied.
var DefaultCoins = []string{"BTC", "ETH", "SOL", "BNB", "XRP"}

// Engine owns every component and the cooperative tasks that drive them.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	store       *store.Store
	gateway     *llm.Gateway
	feed        *pricesource.Feed
	cooldowns   *cooldown.Tracker
	knowledge   *knowledge.Store
	journal     *journal.Journal
	quickUpdate *quickupdate.Updater
	sniper      *sniper.Sniper
	strategist  *strategist.Strategist
	reflector   *reflection.Reflector
	applier     *adaptation.Applier
	monitor     *effectiveness.Monitor
	server      *api.Server
	metrics     *api.Metrics
	bus         *events.Bus

	startingBalance decimal.Decimal
	pidFile         *os.File

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the engine and every component it owns, in dependency order:
// Store -> LLM Gateway -> Price Source -> Knowledge Store -> Journal ->
// Quick Update -> Condition Matcher -> Strategist -> Reflection ->
// Adaptation -> Effectiveness Monitor -> dashboard API.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Engine, error) {
	st, err := store.Open(ctx, logger, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gateway := llm.New(logger.Named("llm"), llm.Config{
		Provider:    llm.Provider(cfg.LLM.Provider),
		Host:        cfg.LLM.Host,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   2048,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})

	feed := pricesource.New(logger.Named("pricesource"), cfg.Exchange.WSURL, DefaultCoins)

	cooldowns := cooldown.NewTracker(logger.Named("cooldown"), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Trading.CooldownMinutes)*time.Minute)

	kstore := knowledge.New(logger.Named("knowledge"), st)
	if err := seedKnowledge(ctx, st, kstore); err != nil {
		return nil, fmt.Errorf("seeding knowledge store: %w", err)
	}

	jrnl := journal.New(logger.Named("journal"), st, feed)

	updater := quickupdate.New(logger.Named("quickupdate"), kstore, st)

	registry := prometheus.NewRegistry()
	metrics := api.NewMetrics(registry)

	bus := events.NewBus(logger.Named("eventbus"), events.DefaultConfig())

	startingBalance := cfg.Trading.StartingBalance
	snp := sniper.New(logger.Named("sniper"), startingBalance, sniper.Deps{
		Journal:      jrnl,
		QuickUpdate:  updater,
		Knowledge:    kstore,
		Cooldowns:    cooldowns,
		Persister:    st,
		SizeModifier: defaultSizeModifier,
		Events:       bus,
	})

	if balance, cds, ok, err := restoreRuntimeState(ctx, st, snp); err != nil {
		logger.Warn("no prior runtime state to restore", zap.Error(err))
	} else if ok {
		startingBalance = balance
		cooldowns.Restore(cds)
	}

	strat := strategist.New(logger.Named("strategist"), strategist.Deps{
		Coins:     DefaultCoins,
		Prices:    feed,
		Knowledge: kstore,
		Sniper:    &sniperAdapter{snp},
		Persister: st,
		Cooldowns: cooldownAdapter{cooldowns},
		Gateway:   gateway,
	})

	reflector := reflection.New(logger.Named("reflection"), st, gateway)

	applier := adaptation.New(logger.Named("adaptation"), kstore, st)

	monitor := effectiveness.New(logger.Named("effectiveness"), st, applier, true)

	server := api.NewServer(logger.Named("api"), api.Deps{
		Sniper:     snp,
		Knowledge:  kstore,
		Prices:     feed,
		Store:      st,
		Reflection: reflector,
		Adaptation: applier,
		Registry:   registry,
	})

	e := &Engine{
		logger:          logger,
		cfg:             cfg,
		store:           st,
		gateway:         gateway,
		feed:            feed,
		cooldowns:       cooldowns,
		knowledge:       kstore,
		journal:         jrnl,
		quickUpdate:     updater,
		sniper:          snp,
		strategist:      strat,
		reflector:       reflector,
		applier:         applier,
		monitor:         monitor,
		server:          server,
		metrics:         metrics,
		bus:             bus,
		startingBalance: startingBalance,
	}

	feed.OnTick(func(tick types.PriceTick) {
		metrics.TicksProcessed.Inc()
		e.sniper.OnTick(context.Background(), tick)
	})

	bus.SubscribeAll(func(ev events.Event) error {
		server.Broadcast(ev)
		return nil
	})
	bus.Subscribe(events.EventTypeEntry, e.logActivity)
	bus.Subscribe(events.EventTypeExit, e.logActivity)
	bus.Subscribe(events.EventTypeAdaptation, e.logActivity)

	return e, nil
}

// logActivity appends a dashboard activity-feed row for entry/exit/
// adaptation events fanned out over the bus.
func (e *Engine) logActivity(ev events.Event) error {
	component := string(ev.GetType())
	return e.store.AppendActivity(context.Background(), types.ActivityLogEntry{
		TS:        ev.GetTimestamp(),
		Component: component,
		Message:   fmt.Sprintf("%s event %s", component, ev.GetID()),
	})
}

// seedKnowledge loads persisted coin scores, patterns, and regime rules into
// the in-memory Knowledge Store before anything else starts reading it.
func seedKnowledge(ctx context.Context, st *store.Store, kstore *knowledge.Store) error {
	scores, err := st.LoadCoinScores(ctx)
	if err != nil {
		return fmt.Errorf("loading coin scores: %w", err)
	}
	kstore.LoadCoinScores(scores)

	patterns, err := st.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("loading patterns: %w", err)
	}
	kstore.LoadPatterns(patterns)

	rules, err := st.LoadRegimeRules(ctx)
	if err != nil {
		return fmt.Errorf("loading regime rules: %w", err)
	}
	kstore.LoadRules(rules)
	return nil
}

// restoreRuntimeState reloads balance, cooldowns, open positions, and
// active conditions after a restart so the paper book survives a crash.
func restoreRuntimeState(ctx context.Context, st *store.Store, snp *sniper.Sniper) (startingBalance decimal.Decimal, cooldowns map[string]time.Time, found bool, err error) {
	balance, starting, cds, found, err := st.LoadRuntimeState(ctx)
	if err != nil || !found {
		return decimal.Zero, nil, false, err
	}

	positions, err := st.LoadOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, nil, false, fmt.Errorf("loading open positions: %w", err)
	}
	conditions, err := st.LoadActiveConditions(ctx)
	if err != nil {
		return decimal.Zero, nil, false, fmt.Errorf("loading active conditions: %w", err)
	}

	snp.Restore(balance, positions, conditions)
	return starting, cds, true, nil
}

// defaultSizeModifier scales position size down for coins whose status
// reflects a degraded recent track record, per the Knowledge Store's
// status classification.
func defaultSizeModifier(status types.CoinStatus) decimal.Decimal {
	switch status {
	case types.CoinStatusBlacklisted:
		return decimal.Zero
	case types.CoinStatusReduced:
		return decimal.NewFromFloat(0.5)
	case types.CoinStatusFavored:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromInt(1)
	}
}

// acquirePIDFile enforces the single-live-process invariant: if the PID
// file exists and names a running process, boot refuses to proceed.
func acquirePIDFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if processAlive(pid) {
				return nil, fmt.Errorf("another instance is already running (pid %d)", pid)
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating pid file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return f, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Run acquires the PID file, starts every cooperative task and the
// dashboard server, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	pidFile, err := acquirePIDFile(e.cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("pid file check: %w", err)
	}
	e.pidFile = pidFile

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.feed.Run(runCtx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.journal.Run(runCtx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.strategist.Run(runCtx, e.cfg.Intervals.Strategist) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.reflectionLoop(runCtx, e.cfg.Intervals.Reflection) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.monitor.Run(runCtx, e.cfg.Intervals.Effectiveness) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.healthLoop(runCtx, e.cfg.Intervals.Health) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.snapshotLoop(runCtx, e.cfg.Intervals.Snapshot) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.server.BroadcastLoop(runCtx) }()

	addr := fmt.Sprintf("%s:%d", e.cfg.Dashboard.Host, e.cfg.Dashboard.Port)
	serverErr := make(chan error, 1)
	go func() {
		if err := e.server.Start(addr); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		cancel()
		e.wg.Wait()
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// reflectionLoop drives Reflection's trigger-gated cycle and, on every
// cycle that produced insights, hands each fresh insight to Adaptation.
func (e *Engine) reflectionLoop(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.reflector.Due() {
				continue
			}
			cycleStart := time.Now()
			if err := e.reflector.Cycle(ctx); err != nil {
				e.logger.Warn("reflection cycle failed", zap.Error(err))
				continue
			}
			n := e.applyFreshInsights(ctx, cycleStart)
			e.bus.Publish(events.NewReflectionEvent(fmt.Sprintf("refl-%d", cycleStart.Unix()), n))
		}
	}
}

// applyFreshInsights polls the Store for insights recorded since the last
// sweep, routes each one through Adaptation, and returns how many it saw.
func (e *Engine) applyFreshInsights(ctx context.Context, since time.Time) int {
	insights, err := e.store.InsightsSince(ctx, since)
	if err != nil {
		e.logger.Warn("loading fresh insights", zap.Error(err))
		return 0
	}
	for _, insight := range insights {
		adapt, err := e.applier.ApplyInsight(ctx, insight)
		if err != nil {
			e.logger.Warn("applying insight", zap.String("insight", insight.Title), zap.Error(err))
			continue
		}
		if adapt != nil {
			e.metrics.AdaptationsTotal.WithLabelValues(string(adapt.Action)).Inc()
			e.bus.Publish(events.NewAdaptationEvent(adapt.AdaptationID, string(adapt.Action), adapt.Target))
		}
	}
	return len(insights)
}

// healthLoop logs feed health once per tick and keeps the Prometheus
// gauges the dashboard exposes current.
func (e *Engine) healthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := e.sniper.GetStatus()
			e.metrics.OpenPositions.Set(float64(len(status.OpenPositions)))
			e.metrics.ActiveConditions.Set(float64(len(status.ActiveConditions)))
			e.bus.Publish(events.NewConditionEvent(len(status.ActiveConditions)))

			feedStatus := e.feed.Status()
			e.bus.Publish(events.NewHealthEvent("pricesource", string(feedStatus)))
			if feedStatus == types.FeedDown {
				e.logger.Warn("price feed down")
			}
		}
	}
}

// snapshotLoop persists a rolling profitability snapshot for the
// dashboard's timeframe views.
func (e *Engine) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.takeSnapshot(ctx); err != nil {
				e.logger.Warn("profit snapshot failed", zap.Error(err))
			}
		}
	}
}

// snapshotWindows maps each dashboard timeframe to how far back its
// snapshot looks for journal entries.
var snapshotWindows = map[types.SnapshotTimeframe]time.Duration{
	types.TimeframeHour:  time.Hour,
	types.TimeframeDay:   24 * time.Hour,
	types.TimeframeWeek:  7 * 24 * time.Hour,
	types.TimeframeMonth: 30 * 24 * time.Hour,
}

// takeSnapshot persists one ProfitSnapshot per dashboard timeframe, each
// computed from the journal entries closed within that window.
func (e *Engine) takeSnapshot(ctx context.Context) error {
	status := e.sniper.GetStatus()
	now := time.Now()

	for tf, window := range snapshotWindows {
		entries, err := e.store.JournalEntriesSince(ctx, now.Add(-window))
		if err != nil {
			return fmt.Errorf("loading journal entries for %s snapshot: %w", tf, err)
		}
		if err := e.store.SaveProfitSnapshot(ctx, buildSnapshot(tf, now, status.Balance, entries)); err != nil {
			return fmt.Errorf("saving %s snapshot: %w", tf, err)
		}
	}

	allEntries, err := e.store.RecentJournalEntries(ctx, 10000)
	if err != nil {
		return fmt.Errorf("loading journal entries for all_time snapshot: %w", err)
	}
	allTime := buildSnapshot(types.TimeframeAll, now, status.Balance, allEntries)
	if err := e.store.SaveProfitSnapshot(ctx, allTime); err != nil {
		return fmt.Errorf("saving all_time snapshot: %w", err)
	}

	return e.store.SaveEquityPoint(ctx, types.EquityPoint{TS: now, Balance: status.Balance, TotalPnL: allTime.TotalPnL})
}

func buildSnapshot(tf types.SnapshotTimeframe, ts time.Time, balance decimal.Decimal, entries []types.JournalEntry) types.ProfitSnapshot {
	pnls := make([]decimal.Decimal, len(entries))
	equity := make([]decimal.Decimal, len(entries)+1)
	equity[0] = balance
	for i, e := range entries {
		pnls[i] = e.PnLUSD
		equity[i+1] = equity[i].Add(e.PnLUSD)
	}

	snap := types.ProfitSnapshot{
		TS:           ts,
		Timeframe:    tf,
		Balance:      balance,
		TotalPnL:     sumDecimal(pnls),
		WinRate:      utils.CalculateWinRate(pnls).Mul(decimal.NewFromInt(100)),
		ProfitFactor: utils.CalculateProfitFactor(pnls),
		MaxDrawdown:  utils.CalculateMaxDrawdown(equity),
	}
	if len(pnls) >= 2 {
		sharpe := utils.CalculateSharpeRatio(pnls, decimal.Zero, 365)
		snap.Sharpe = &sharpe
	}
	return snap
}

func sumDecimal(vals []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range vals {
		total = total.Add(v)
	}
	return total
}

// Stop drains in-flight work and releases every resource in reverse
// dependency order.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.feed.Stop()
	e.journal.Flush()

	_ = e.sniper.Checkpoint(ctx, e.cooldowns.Snapshot())

	e.bus.Stop()

	if err := e.cooldowns.Close(); err != nil {
		e.logger.Warn("closing cooldown tracker", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.server.Stop(shutdownCtx); err != nil {
		e.logger.Warn("stopping dashboard server", zap.Error(err))
	}

	e.store.Close()

	if e.pidFile != nil {
		name := e.pidFile.Name()
		e.pidFile.Close()
		os.Remove(name)
	}
	return nil
}

// sniperAdapter narrows *sniper.Sniper to strategist.SniperView, converting
// the concrete Status into the Strategist's locally-defined view type so
// the two packages never import each other's concrete structs.
type sniperAdapter struct {
	s *sniper.Sniper
}

func (a *sniperAdapter) GetStatus() strategist.SniperStatus {
	st := a.s.GetStatus()
	return strategist.SniperStatus{
		Balance:           st.Balance,
		InPositions:       len(st.OpenPositions) > 0,
		OpenPositionCount: len(st.OpenPositions),
	}
}

func (a *sniperAdapter) SetConditions(conditions []types.TradeCondition) {
	a.s.SetConditions(conditions)
}

// cooldownAdapter exposes the read-only CooldownGate surface the
// Strategist needs without handing it Set/Restore/Snapshot/Close.
type cooldownAdapter struct {
	t *cooldown.Tracker
}

func (c cooldownAdapter) InCooldown(ctx context.Context, coin string) bool {
	return c.t.InCooldown(ctx, coin)
}
