// Package knowledge implements the Knowledge Store (C4): the in-memory
// authoritative image of coin scores, patterns, and regime rules, with
// write-through persistence to the Store. Per its shared-resource
// policy, each coin and each pattern is guarded by its own lock rather
// than one global mutex; readers receive cloned copies.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Persister is the subset of the Store (C2) the Knowledge Store writes through to.
type Persister interface {
	SaveCoinScore(ctx context.Context, score types.CoinScore) error
	SavePattern(ctx context.Context, pattern types.TradingPattern) error
	SaveRegimeRule(ctx context.Context, rule types.RegimeRule) error
}

var (
	thirtyPct     = decimal.NewFromFloat(0.30)
	fortyFivePct  = decimal.NewFromFloat(0.45)
	sixtyPct      = decimal.NewFromFloat(0.60)
	fiftyPct      = decimal.NewFromFloat(0.50)
	minTradesForTransition = 5
)

type coinEntry struct {
	mu    sync.RWMutex
	score types.CoinScore
}

type patternEntry struct {
	mu      sync.RWMutex
	pattern types.TradingPattern
}

// Store is the Knowledge Store (C4).
type Store struct {
	logger    *zap.Logger
	persister Persister

	coinsMu sync.RWMutex
	coins   map[string]*coinEntry

	patternsMu sync.RWMutex
	patterns   map[string]*patternEntry

	rulesMu sync.RWMutex
	rules   map[string]*types.RegimeRule
}

// New constructs an empty Knowledge Store.
func New(logger *zap.Logger, persister Persister) *Store {
	return &Store{
		logger:    logger,
		persister: persister,
		coins:     make(map[string]*coinEntry),
		patterns:  make(map[string]*patternEntry),
		rules:     make(map[string]*types.RegimeRule),
	}
}

// LoadCoinScores re-hydrates coin scores on boot.
func (s *Store) LoadCoinScores(scores []types.CoinScore) {
	s.coinsMu.Lock()
	defer s.coinsMu.Unlock()
	for _, sc := range scores {
		s.coins[sc.Coin] = &coinEntry{score: sc}
	}
}

// LoadPatterns re-hydrates patterns on boot.
func (s *Store) LoadPatterns(patterns []types.TradingPattern) {
	s.patternsMu.Lock()
	defer s.patternsMu.Unlock()
	for _, p := range patterns {
		s.patterns[p.PatternID] = &patternEntry{pattern: p}
	}
}

// LoadRules re-hydrates regime rules on boot.
func (s *Store) LoadRules(rules []types.RegimeRule) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	for i := range rules {
		r := rules[i]
		s.rules[r.RuleID] = &r
	}
}

func (s *Store) coin(coin string) *coinEntry {
	s.coinsMu.Lock()
	defer s.coinsMu.Unlock()
	e, ok := s.coins[coin]
	if !ok {
		e = &coinEntry{score: types.CoinScore{Coin: coin, Status: types.CoinStatusUnknown, Trend: types.TrendStable}}
		s.coins[coin] = e
	}
	return e
}

// GetCoinScore returns a copy of the current score for coin.
func (s *Store) GetCoinScore(coin string) types.CoinScore {
	e := s.coin(coin)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.score
}

// Status returns the derived coin status, UNKNOWN if never scored.
func (s *Store) Status(coin string) types.CoinStatus {
	sc := s.GetCoinScore(coin)
	if sc.TotalTrades == 0 {
		return types.CoinStatusUnknown
	}
	return sc.Status
}

// AllCoinScores returns a snapshot of every tracked coin's score, for the dashboard.
func (s *Store) AllCoinScores() []types.CoinScore {
	s.coinsMu.RLock()
	coins := make([]*coinEntry, 0, len(s.coins))
	for _, e := range s.coins {
		coins = append(coins, e)
	}
	s.coinsMu.RUnlock()

	out := make([]types.CoinScore, 0, len(coins))
	for _, e := range coins {
		e.mu.RLock()
		out = append(out, e.score)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

// AllPatterns returns a snapshot of every tracked pattern, for the dashboard.
func (s *Store) AllPatterns() []types.TradingPattern {
	s.patternsMu.RLock()
	patterns := make([]*patternEntry, 0, len(s.patterns))
	for _, e := range s.patterns {
		patterns = append(patterns, e)
	}
	s.patternsMu.RUnlock()

	out := make([]types.TradingPattern, 0, len(patterns))
	for _, e := range patterns {
		e.mu.RLock()
		out = append(out, e.pattern)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

// UpdateCoinScore folds a trade outcome into coin's score and recomputes
// derived fields and status per the transition table below.
func (s *Store) UpdateCoinScore(ctx context.Context, coin string, delta types.TradeDelta) (*types.CoinAdaptation, error) {
	e := s.coin(coin)
	e.mu.Lock()
	defer e.mu.Unlock()

	sc := &e.score
	oldStatus := sc.Status
	if sc.TotalTrades == 0 && oldStatus == "" {
		oldStatus = types.CoinStatusUnknown
	}

	sc.TotalTrades++
	if delta.Won {
		sc.Wins++
	} else {
		sc.Losses++
	}
	sc.TotalPnL = sc.TotalPnL.Add(delta.PnL)
	sc.AvgPnL = sc.TotalPnL.Div(decimal.NewFromInt(int64(sc.TotalTrades)))
	sc.WinRate = decimal.NewFromInt(int64(sc.Wins)).Div(decimal.NewFromInt(int64(sc.TotalTrades)))

	if delta.Won {
		sc.AvgWinner = weightedAvg(sc.AvgWinner, sc.Wins-1, delta.PnL)
	} else {
		sc.AvgLoser = weightedAvg(sc.AvgLoser, sc.Losses-1, delta.PnL)
	}

	newStatus, reason := nextStatus(oldStatus, *sc)
	sc.Status = newStatus
	sc.IsBlacklisted = newStatus == types.CoinStatusBlacklisted
	if sc.IsBlacklisted {
		sc.BlacklistReason = reason
	}
	sc.Trend = deriveTrend(*sc)
	sc.LastUpdated = time.Now()

	if s.persister != nil {
		if err := s.persister.SaveCoinScore(ctx, *sc); err != nil {
			s.logger.Warn("save coin score failed", zap.String("coin", coin), zap.Error(err))
		}
	}

	if newStatus == oldStatus {
		return nil, nil
	}
	return &types.CoinAdaptation{Coin: coin, OldStatus: oldStatus, NewStatus: newStatus, Reason: reason}, nil
}

func weightedAvg(prevAvg decimal.Decimal, prevCount int, newValue decimal.Decimal) decimal.Decimal {
	if prevCount <= 0 {
		return newValue.Abs()
	}
	total := prevAvg.Mul(decimal.NewFromInt(int64(prevCount))).Add(newValue.Abs())
	return total.Div(decimal.NewFromInt(int64(prevCount + 1)))
}

// nextStatus implements the state-transition table exactly, strict < / >= as documented.
func nextStatus(current types.CoinStatus, sc types.CoinScore) (types.CoinStatus, string) {
	if sc.TotalTrades < minTradesForTransition {
		if current == "" {
			return types.CoinStatusUnknown, ""
		}
		return current, ""
	}

	switch current {
	case types.CoinStatusBlacklisted:
		// Only Unblacklist (external call) moves off BLACKLISTED.
		return current, sc.BlacklistReason
	case types.CoinStatusReduced:
		if sc.WinRate.GreaterThanOrEqual(fiftyPct) {
			return types.CoinStatusNormal, "win rate recovered above 50%"
		}
	case types.CoinStatusFavored:
		if sc.WinRate.LessThan(sixtyPct) || sc.TotalPnL.LessThanOrEqual(decimal.Zero) {
			return types.CoinStatusNormal, "no longer meets favored criteria"
		}
	}

	if sc.WinRate.LessThan(thirtyPct) && sc.TotalPnL.LessThan(decimal.Zero) {
		return types.CoinStatusBlacklisted, fmt.Sprintf("win_rate=%s total_pnl=%s", sc.WinRate.StringFixed(4), sc.TotalPnL.StringFixed(2))
	}
	if sc.WinRate.GreaterThanOrEqual(sixtyPct) && sc.TotalPnL.GreaterThan(decimal.Zero) {
		if current != types.CoinStatusBlacklisted && current != types.CoinStatusReduced {
			return types.CoinStatusFavored, "win rate and pnl qualify for favored"
		}
	}
	if sc.WinRate.LessThan(fortyFivePct) {
		if current != types.CoinStatusBlacklisted && current != types.CoinStatusReduced {
			return types.CoinStatusReduced, "win rate below 45%"
		}
	}

	if current == "" {
		return types.CoinStatusNormal, ""
	}
	return current, ""
}

func deriveTrend(sc types.CoinScore) types.Trend {
	switch {
	case sc.WinRate.GreaterThanOrEqual(sixtyPct):
		return types.TrendImproving
	case sc.WinRate.LessThan(fortyFivePct):
		return types.TrendDeclining
	default:
		return types.TrendStable
	}
}

// Blacklist forcibly blacklists coin with reason.
func (s *Store) Blacklist(ctx context.Context, coin, reason string) error {
	e := s.coin(coin)
	e.mu.Lock()
	e.score.IsBlacklisted = true
	e.score.Status = types.CoinStatusBlacklisted
	e.score.BlacklistReason = reason
	snapshot := e.score
	e.mu.Unlock()

	if s.persister != nil {
		return s.persister.SaveCoinScore(ctx, snapshot)
	}
	return nil
}

// Unblacklist clears a coin's blacklist, restoring NORMAL status (used by rollback).
func (s *Store) Unblacklist(ctx context.Context, coin string) error {
	e := s.coin(coin)
	e.mu.Lock()
	e.score.IsBlacklisted = false
	e.score.Status = types.CoinStatusNormal
	e.score.BlacklistReason = ""
	snapshot := e.score
	e.mu.Unlock()

	if s.persister != nil {
		return s.persister.SaveCoinScore(ctx, snapshot)
	}
	return nil
}

// SetTrend sets a coin's trend directly (used by FAVOR adaptations).
func (s *Store) SetTrend(ctx context.Context, coin string, trend types.Trend) error {
	e := s.coin(coin)
	e.mu.Lock()
	e.score.Trend = trend
	snapshot := e.score
	e.mu.Unlock()

	if s.persister != nil {
		return s.persister.SaveCoinScore(ctx, snapshot)
	}
	return nil
}

func (s *Store) patternEntryFor(id string) (*patternEntry, bool) {
	s.patternsMu.RLock()
	e, ok := s.patterns[id]
	s.patternsMu.RUnlock()
	return e, ok
}

// GetPattern returns a copy of the pattern, if known.
func (s *Store) GetPattern(id string) (types.TradingPattern, bool) {
	e, ok := s.patternEntryFor(id)
	if !ok {
		return types.TradingPattern{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pattern, true
}

// AddPattern registers a new pattern with the default confidence (0.5, times_used<3).
func (s *Store) AddPattern(ctx context.Context, p types.TradingPattern) error {
	if p.Confidence.IsZero() {
		p.Confidence = decimal.NewFromFloat(0.5)
	}
	p.IsActive = true

	s.patternsMu.Lock()
	s.patterns[p.PatternID] = &patternEntry{pattern: p}
	s.patternsMu.Unlock()

	if s.persister != nil {
		return s.persister.SavePattern(ctx, p)
	}
	return nil
}

// RecordPatternOutcome folds one trade outcome into a pattern and recomputes
// confidence per the formula below, deactivating on confidence < 0.3.
func (s *Store) RecordPatternOutcome(ctx context.Context, id string, won bool, pnl decimal.Decimal) (deactivated bool, err error) {
	e, ok := s.patternEntryFor(id)
	if !ok {
		return false, fmt.Errorf("unknown pattern %s", id)
	}

	e.mu.Lock()
	p := &e.pattern
	p.TimesUsed++
	if won {
		p.Wins++
	} else {
		p.Losses++
	}
	p.TotalPnL = p.TotalPnL.Add(pnl)
	p.Confidence = computeConfidence(*p)
	if p.Confidence.LessThan(decimal.NewFromFloat(0.3)) {
		p.IsActive = false
		deactivated = true
	}
	snapshot := *p
	e.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SavePattern(ctx, snapshot); err != nil {
			s.logger.Warn("save pattern failed", zap.String("pattern_id", id), zap.Error(err))
		}
	}
	return deactivated, nil
}

// computeConfidence implements the pattern-confidence formula exactly.
func computeConfidence(p types.TradingPattern) decimal.Decimal {
	if p.TimesUsed < 3 {
		return decimal.NewFromFloat(0.5)
	}

	total := decimal.NewFromInt(int64(p.Wins + p.Losses))
	winRate := decimal.Zero
	if total.GreaterThan(decimal.Zero) {
		winRate = decimal.NewFromInt(int64(p.Wins)).Div(total)
	}

	base := decimal.NewFromFloat(0.5).Add(winRate.Sub(decimal.NewFromFloat(0.5)).Mul(decimal.NewFromFloat(0.5)))
	usage := decimal.NewFromInt(int64(p.TimesUsed)).Div(decimal.NewFromInt(20))
	if usage.GreaterThan(decimal.NewFromInt(1)) {
		usage = decimal.NewFromInt(1)
	}
	scale := decimal.NewFromFloat(0.7).Add(usage.Mul(decimal.NewFromFloat(0.3)))
	confidence := base.Mul(scale)

	lo := decimal.NewFromFloat(0.1)
	hi := decimal.NewFromFloat(0.9)
	if confidence.LessThan(lo) {
		return lo
	}
	if confidence.GreaterThan(hi) {
		return hi
	}
	return confidence
}

// DeactivatePattern explicitly deactivates a pattern (used by Adaptation).
func (s *Store) DeactivatePattern(ctx context.Context, id, reason string) error {
	e, ok := s.patternEntryFor(id)
	if !ok {
		return fmt.Errorf("unknown pattern %s", id)
	}
	e.mu.Lock()
	e.pattern.IsActive = false
	snapshot := e.pattern
	e.mu.Unlock()
	s.logger.Info("pattern deactivated", zap.String("pattern_id", id), zap.String("reason", reason))

	if s.persister != nil {
		return s.persister.SavePattern(ctx, snapshot)
	}
	return nil
}

// AdjustPatternConfidence nudges a pattern's confidence by an opaque delta,
// clamped to the same [0.1, 0.9] bounds RecordPatternOutcome enforces, and
// persists the result. Used by ADJUST_PARAM adaptations and their rollback
// (same delta, negated).
func (s *Store) AdjustPatternConfidence(ctx context.Context, id string, delta decimal.Decimal) error {
	e, ok := s.patternEntryFor(id)
	if !ok {
		return fmt.Errorf("unknown pattern %s", id)
	}
	e.mu.Lock()
	adjusted := e.pattern.Confidence.Add(delta)
	lo := decimal.NewFromFloat(0.1)
	hi := decimal.NewFromFloat(0.9)
	if adjusted.LessThan(lo) {
		adjusted = lo
	}
	if adjusted.GreaterThan(hi) {
		adjusted = hi
	}
	e.pattern.Confidence = adjusted
	snapshot := e.pattern
	e.mu.Unlock()

	if s.persister != nil {
		return s.persister.SavePattern(ctx, snapshot)
	}
	return nil
}

// ReactivatePattern explicitly reactivates a pattern (used by rollback).
func (s *Store) ReactivatePattern(ctx context.Context, id string) error {
	e, ok := s.patternEntryFor(id)
	if !ok {
		return fmt.Errorf("unknown pattern %s", id)
	}
	e.mu.Lock()
	e.pattern.IsActive = true
	snapshot := e.pattern
	e.mu.Unlock()

	if s.persister != nil {
		return s.persister.SavePattern(ctx, snapshot)
	}
	return nil
}

// GetActiveRules returns a copy of every active regime rule.
func (s *Store) GetActiveRules() []types.RegimeRule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()

	out := make([]types.RegimeRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// AddRule registers a new RegimeRule (used by CREATE_RULE adaptations).
func (s *Store) AddRule(ctx context.Context, r types.RegimeRule) error {
	r.IsActive = true
	s.rulesMu.Lock()
	s.rules[r.RuleID] = &r
	s.rulesMu.Unlock()

	if s.persister != nil {
		return s.persister.SaveRegimeRule(ctx, r)
	}
	return nil
}

// UpdateRuleStats records a rule trigger and its estimated savings.
func (s *Store) UpdateRuleStats(ctx context.Context, id string, savedPnl decimal.Decimal) error {
	s.rulesMu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.rulesMu.Unlock()
		return fmt.Errorf("unknown rule %s", id)
	}
	r.TimesTriggered++
	r.EstimatedSaves = r.EstimatedSaves.Add(savedPnl)
	snapshot := *r
	s.rulesMu.Unlock()

	if s.persister != nil {
		return s.persister.SaveRegimeRule(ctx, snapshot)
	}
	return nil
}

// DeactivateRule deactivates a rule (used by CREATE_RULE rollback).
func (s *Store) DeactivateRule(ctx context.Context, id string) error {
	s.rulesMu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.rulesMu.Unlock()
		return fmt.Errorf("unknown rule %s", id)
	}
	r.IsActive = false
	snapshot := *r
	s.rulesMu.Unlock()

	if s.persister != nil {
		return s.persister.SaveRegimeRule(ctx, snapshot)
	}
	return nil
}

// GetStrategistContext builds the knowledge summary the Strategist (C8) reads each cycle.
func (s *Store) GetStrategistContext() types.StrategistContext {
	s.coinsMu.RLock()
	coins := make([]*coinEntry, 0, len(s.coins))
	for _, e := range s.coins {
		coins = append(coins, e)
	}
	s.coinsMu.RUnlock()

	var good, avoid []string
	var summaries []types.CoinScore
	for _, e := range coins {
		e.mu.RLock()
		sc := e.score
		e.mu.RUnlock()

		summaries = append(summaries, sc)
		switch sc.Status {
		case types.CoinStatusFavored, types.CoinStatusNormal:
			good = append(good, sc.Coin)
		case types.CoinStatusBlacklisted, types.CoinStatusReduced:
			avoid = append(avoid, sc.Coin)
		}
	}
	sort.Strings(good)
	sort.Strings(avoid)
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Coin < summaries[j].Coin })

	s.patternsMu.RLock()
	var winning []types.TradingPattern
	for _, e := range s.patterns {
		e.mu.RLock()
		if e.pattern.IsActive && e.pattern.Confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.6)) {
			winning = append(winning, e.pattern)
		}
		e.mu.RUnlock()
	}
	s.patternsMu.RUnlock()
	sort.Slice(winning, func(i, j int) bool { return winning[i].PatternID < winning[j].PatternID })

	return types.StrategistContext{
		GoodCoins:        good,
		AvoidCoins:       avoid,
		ActiveRules:      s.GetActiveRules(),
		WinningPatterns:  winning,
		TopCoinSummaries: summaries,
	}
}
