// Package sniper implements the Condition Matcher (C5): the hot-path
// tick handler that triggers position exits and entries. Checks run as a
// sequential pass/fail verdict so the per-tick scan stays allocation-light
// and does no I/O of its own, with the Sniper owning its own state behind message-style
// accessors rather than exposing its mutex. SHORT is a schema-legal
// direction that riskGateAllows rejects outright; every position the
// Sniper ever opens is LONG.
package sniper

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
)

const (
	maxPositions     = 5
	maxPerCoin       = 1
	maxExposurePct   = "0.10"
	defaultCooldown  = 30 * time.Minute
)

// Journal receives entry/exit notifications off the hot path.
type Journal interface {
	RecordEntry(pos types.Position)
	RecordExit(entry types.JournalEntry)
}

// QuickUpdater is invoked synchronously after every exit (C7).
type QuickUpdater interface {
	Update(ctx context.Context, coin string, patternID *string, won bool, pnl decimal.Decimal) types.QuickUpdateResult
}

// KnowledgeView is the read surface the risk gate needs from the Knowledge Store (C4).
type KnowledgeView interface {
	Status(coin string) types.CoinStatus
}

// CooldownGate is the read/write surface the risk gate needs from the cooldown tracker.
type CooldownGate interface {
	Set(ctx context.Context, coin string)
	InCooldown(ctx context.Context, coin string) bool
}

// Persister is the subset of the Store the Sniper checkpoints its runtime state to.
type Persister interface {
	SavePosition(ctx context.Context, p types.Position) error
	DeletePosition(ctx context.Context, id string) error
	SaveCondition(ctx context.Context, c types.TradeCondition) error
	SaveRuntimeState(ctx context.Context, balance, startingBalance decimal.Decimal, cooldowns map[string]time.Time) error
}

// PositionSizeModifier resolves a coin's status into a position-size multiplier.
type PositionSizeModifier func(types.CoinStatus) decimal.Decimal

// EventPublisher fans entry/exit notifications out to the dashboard bus.
// Optional: a nil EventPublisher is a no-op, matching Journal/QuickUpdate's
// off-path, best-effort handling.
type EventPublisher interface {
	Publish(event events.Event)
}

// Sniper is the Condition Matcher (C5). All mutable state is owned by it
// alone; callers interact through the methods below, never the fields.
type Sniper struct {
	logger *zap.Logger

	journal      Journal
	quickUpdate  QuickUpdater
	knowledge    KnowledgeView
	cooldowns    CooldownGate
	persister    Persister
	sizeModifier PositionSizeModifier
	events       EventPublisher

	mu               sync.Mutex
	running          bool
	balance          decimal.Decimal
	startingBalance  decimal.Decimal
	inPositions      decimal.Decimal
	openPositions    []types.Position
	activeConditions []types.TradeCondition
	tickCount        uint64
	idSeq            uint64
}

// Deps bundles the Sniper's collaborators.
type Deps struct {
	Journal      Journal
	QuickUpdate  QuickUpdater
	Knowledge    KnowledgeView
	Cooldowns    CooldownGate
	Persister    Persister
	SizeModifier PositionSizeModifier
	Events       EventPublisher
}

// New constructs a Sniper with the given starting balance.
func New(logger *zap.Logger, startingBalance decimal.Decimal, deps Deps) *Sniper {
	return &Sniper{
		logger:           logger,
		journal:          deps.Journal,
		quickUpdate:      deps.QuickUpdate,
		knowledge:        deps.Knowledge,
		cooldowns:        deps.Cooldowns,
		persister:        deps.Persister,
		sizeModifier:     deps.SizeModifier,
		events:           deps.Events,
		running:          true,
		balance:          startingBalance,
		startingBalance:  startingBalance,
		inPositions:      decimal.Zero,
		openPositions:    nil,
		activeConditions: nil,
	}
}

// Restore re-hydrates persisted positions and conditions on boot.
func (s *Sniper) Restore(balance decimal.Decimal, positions []types.Position, conditions []types.TradeCondition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balance = balance
	s.openPositions = positions
	s.activeConditions = conditions
	s.inPositions = decimal.Zero
	for _, p := range positions {
		s.inPositions = s.inPositions.Add(p.SizeUSD)
	}
}

// SetRunning toggles the kill-switch gate checked at the top of OnTick.
func (s *Sniper) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// SetConditions atomically replaces the active condition set (copy-on-write).
func (s *Sniper) SetConditions(conditions []types.TradeCondition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.TradeCondition, len(conditions))
	copy(cp, conditions)
	s.activeConditions = cp
}

// AddCondition appends one condition to the active set.
func (s *Sniper) AddCondition(c types.TradeCondition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConditions = append(s.activeConditions, c)
}

// Status is a point-in-time deep copy of the Sniper's runtime state.
type Status struct {
	Running          bool
	Balance          decimal.Decimal
	InPositions      decimal.Decimal
	OpenPositions    []types.Position
	ActiveConditions []types.TradeCondition
	TickCount        uint64
}

// GetStatus returns a deep copy of the current runtime state.
func (s *Sniper) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]types.Position, len(s.openPositions))
	copy(positions, s.openPositions)
	conditions := make([]types.TradeCondition, len(s.activeConditions))
	copy(conditions, s.activeConditions)

	return Status{
		Running:          s.running,
		Balance:          s.balance,
		InPositions:      s.inPositions,
		OpenPositions:    positions,
		ActiveConditions: conditions,
		TickCount:        s.tickCount,
	}
}

// OnTick is the hot path: O(C+P), no LLM call, and the scan itself does no
// I/O. On an exit the Journal write is queued, but Quick Update runs
// synchronously and writes through to the Store before OnTick returns; ctx
// is carried for those collaborators.
func (s *Sniper) OnTick(ctx context.Context, tick types.PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.tickCount++

	remaining := s.openPositions[:0]
	for _, p := range s.openPositions {
		if p.Coin != tick.Coin {
			remaining = append(remaining, p)
			continue
		}
		if reason, exitPrice, ok := exitTriggered(p, tick.Price); ok {
			s.executeExit(ctx, p, exitPrice, reason, tick)
			continue
		}
		remaining = append(remaining, p)
	}
	s.openPositions = remaining

	for i := 0; i < len(s.activeConditions); i++ {
		c := s.activeConditions[i]
		if c.Coin != tick.Coin || c.Triggered {
			continue
		}
		if !entryTriggered(c, tick.Price) {
			continue
		}
		if !s.riskGateAllows(ctx, c, tick) {
			continue
		}
		s.activeConditions[i].Triggered = true
		s.executeEntry(ctx, c, tick)
	}
}

// exitTriggered implements the exit rule: take-profit wins the tie when
// both gates are crossed in the same tick. Every open position is LONG —
// riskGateAllows rejects SHORT at entry — so there is no SHORT-direction
// mirror to evaluate here.
func exitTriggered(p types.Position, price decimal.Decimal) (types.ExitReason, decimal.Decimal, bool) {
	if p.Direction != types.DirectionLong {
		return "", decimal.Zero, false
	}
	if price.GreaterThanOrEqual(p.TakeProfitPrice) {
		return types.ExitTakeProfit, price, true
	}
	if price.LessThanOrEqual(p.StopLossPrice) {
		return types.ExitStopLoss, price, true
	}
	return "", decimal.Zero, false
}

func entryTriggered(c types.TradeCondition, price decimal.Decimal) bool {
	switch c.TriggerCondition {
	case types.TriggerAbove:
		return price.GreaterThanOrEqual(c.TriggerPrice)
	case types.TriggerBelow:
		return price.LessThanOrEqual(c.TriggerPrice)
	}
	return false
}

// riskGateAllows implements the risk gate as a single pass/fail check,
// in the documented order, aborting at the first failing rule.
func (s *Sniper) riskGateAllows(ctx context.Context, c types.TradeCondition, tick types.PriceTick) bool {
	if c.Direction != types.DirectionLong {
		return false
	}
	if time.Now().After(c.ValidUntil) {
		return false
	}
	if len(s.openPositions) >= maxPositions {
		return false
	}
	perCoin := 0
	for _, p := range s.openPositions {
		if p.Coin == c.Coin {
			perCoin++
		}
	}
	if perCoin >= maxPerCoin {
		return false
	}
	if s.knowledge != nil && s.knowledge.Status(c.Coin) == types.CoinStatusBlacklisted {
		return false
	}
	if s.cooldowns != nil && s.cooldowns.InCooldown(ctx, c.Coin) {
		return false
	}

	modifier := decimal.NewFromInt(1)
	if s.sizeModifier != nil {
		modifier = s.sizeModifier(s.statusOf(c.Coin))
	}
	effective := c.PositionSizeUSD.Mul(modifier)
	if effective.LessThanOrEqual(decimal.Zero) {
		return false
	}
	available := s.balance.Sub(s.inPositions)
	if available.LessThan(effective) {
		return false
	}

	maxExposure, _ := decimal.NewFromString(maxExposurePct)
	if s.balance.IsZero() {
		return false
	}
	exposureRatio := s.inPositions.Add(effective).Div(s.balance)
	if exposureRatio.GreaterThan(maxExposure) {
		return false
	}

	return true
}

func (s *Sniper) statusOf(coin string) types.CoinStatus {
	if s.knowledge == nil {
		return types.CoinStatusNormal
	}
	return s.knowledge.Status(coin)
}

func (s *Sniper) executeEntry(ctx context.Context, c types.TradeCondition, tick types.PriceTick) {
	modifier := decimal.NewFromInt(1)
	if s.sizeModifier != nil {
		modifier = s.sizeModifier(s.statusOf(c.Coin))
	}
	effective := c.PositionSizeUSD.Mul(modifier)

	s.idSeq++
	pos := types.Position{
		ID:              utils.GeneratePositionID(),
		Coin:            c.Coin,
		Direction:       c.Direction,
		EntryPrice:      tick.Price,
		SizeUSD:         effective,
		EntryTS:         time.UnixMilli(tick.TS),
		StopLossPrice:   stopLossPrice(c, tick.Price),
		TakeProfitPrice: takeProfitPrice(c, tick.Price),
		StrategyID:      c.StrategyID,
		PatternID:       c.PatternID,
		ConditionID:     c.ID,
	}

	s.balance = s.balance.Sub(effective)
	s.inPositions = s.inPositions.Add(effective)
	s.openPositions = append(s.openPositions, pos)

	if s.cooldowns != nil {
		s.cooldowns.Set(ctx, c.Coin)
	}
	if s.journal != nil {
		s.journal.RecordEntry(pos)
	}
	if s.events != nil {
		s.events.Publish(events.NewEntryEvent(pos.ID, pos.Coin, string(pos.Direction), pos.EntryPrice, pos.SizeUSD))
	}
}

// stopLossPrice and takeProfitPrice assume LONG; riskGateAllows rejects
// SHORT before a condition ever reaches here.
func stopLossPrice(c types.TradeCondition, entry decimal.Decimal) decimal.Decimal {
	return entry.Mul(decimal.NewFromInt(1).Sub(c.StopLossPct))
}

func takeProfitPrice(c types.TradeCondition, entry decimal.Decimal) decimal.Decimal {
	return entry.Mul(decimal.NewFromInt(1).Add(c.TakeProfitPct))
}

func (s *Sniper) executeExit(ctx context.Context, p types.Position, exitPrice decimal.Decimal, reason types.ExitReason, tick types.PriceTick) {
	pnlUSD := pnl(p, exitPrice)
	pnlPct := decimal.Zero
	if !p.SizeUSD.IsZero() {
		pnlPct = pnlUSD.Div(p.SizeUSD)
	}

	s.balance = s.balance.Add(p.SizeUSD).Add(pnlUSD)
	s.inPositions = s.inPositions.Sub(p.SizeUSD)

	exitTS := time.UnixMilli(tick.TS)
	entry := types.JournalEntry{
		Position:   p,
		ExitPrice:  exitPrice,
		ExitTS:     exitTS,
		ExitReason: reason,
		PnLUSD:     pnlUSD,
		PnLPct:     pnlPct,
		DurationS:  int64(exitTS.Sub(p.EntryTS).Seconds()),
		HourOfDay:  exitTS.Hour(),
		DayOfWeek:  int(exitTS.Weekday()),
	}

	if s.journal != nil {
		s.journal.RecordExit(entry)
	}
	if s.quickUpdate != nil {
		s.quickUpdate.Update(ctx, p.Coin, p.PatternID, pnlUSD.GreaterThan(decimal.Zero), pnlUSD)
	}
	if s.events != nil {
		s.events.Publish(events.NewExitEvent(p.ID, p.Coin, string(reason), exitPrice, pnlUSD, s.balance))
	}
}

// pnl computes P&L in USD for a closed LONG position.
func pnl(p types.Position, exitPrice decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	change := exitPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
	return p.SizeUSD.Mul(change)
}

// Checkpoint persists {balance, open_positions, active_conditions} to the Store.
func (s *Sniper) Checkpoint(ctx context.Context, cooldowns map[string]time.Time) error {
	s.mu.Lock()
	balance := s.balance
	startingBalance := s.startingBalance
	positions := make([]types.Position, len(s.openPositions))
	copy(positions, s.openPositions)
	conditions := make([]types.TradeCondition, len(s.activeConditions))
	copy(conditions, s.activeConditions)
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	for _, p := range positions {
		if err := s.persister.SavePosition(ctx, p); err != nil {
			return err
		}
	}
	for _, c := range conditions {
		if err := s.persister.SaveCondition(ctx, c); err != nil {
			return err
		}
	}
	return s.persister.SaveRuntimeState(ctx, balance, startingBalance, cooldowns)
}

// PruneExpired drops expired conditions as a cheap periodic step.
func (s *Sniper) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.activeConditions[:0]
	dropped := 0
	for _, c := range s.activeConditions {
		if c.Triggered || now.After(c.ValidUntil) {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	s.activeConditions = kept
	return dropped
}
