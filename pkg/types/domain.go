// Package types provides shared type definitions for the trading backend.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a condition or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// TriggerCondition is the comparison used to fire a trade condition.
type TriggerCondition string

const (
	TriggerAbove TriggerCondition = "ABOVE"
	TriggerBelow TriggerCondition = "BELOW"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitExpiry     ExitReason = "expiry"
)

// CoinStatus is the derived coin-status state used for position sizing.
type CoinStatus string

const (
	CoinStatusUnknown     CoinStatus = "UNKNOWN"
	CoinStatusNormal      CoinStatus = "NORMAL"
	CoinStatusReduced     CoinStatus = "REDUCED"
	CoinStatusFavored     CoinStatus = "FAVORED"
	CoinStatusBlacklisted CoinStatus = "BLACKLISTED"
)

// Trend is the coin-score trend classification.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// AdaptationAction enumerates the knowledge mutations Adaptation (C10) can apply.
type AdaptationAction string

const (
	ActionBlacklist          AdaptationAction = "BLACKLIST"
	ActionFavor              AdaptationAction = "FAVOR"
	ActionCreateRule         AdaptationAction = "CREATE_RULE"
	ActionDeactivatePattern  AdaptationAction = "DEACTIVATE_PATTERN"
	ActionAdjustParam        AdaptationAction = "ADJUST_PARAM"
	ActionRollback           AdaptationAction = "ROLLBACK"
)

// Effectiveness is the rating Effectiveness Monitor (C11) assigns to an Adaptation.
type Effectiveness string

const (
	EffectivenessPending         Effectiveness = "pending"
	EffectivenessHighlyEffective Effectiveness = "highly_effective"
	EffectivenessEffective       Effectiveness = "effective"
	EffectivenessNeutral         Effectiveness = "neutral"
	EffectivenessIneffective     Effectiveness = "ineffective"
	EffectivenessHarmful         Effectiveness = "harmful"
)

// InsightType classifies a Reflection (C9) insight.
type InsightType string

const (
	InsightCoin   InsightType = "coin"
	InsightPattern InsightType = "pattern"
	InsightTime   InsightType = "time"
	InsightRegime InsightType = "regime"
	InsightExit   InsightType = "exit"
)

// InsightCategory classifies the tone of an insight.
type InsightCategory string

const (
	CategoryOpportunity InsightCategory = "opportunity"
	CategoryProblem     InsightCategory = "problem"
	CategoryObservation InsightCategory = "observation"
)

// SnapshotTimeframe is the bucket a ProfitSnapshot covers.
type SnapshotTimeframe string

const (
	TimeframeHour  SnapshotTimeframe = "hour"
	TimeframeDay   SnapshotTimeframe = "day"
	TimeframeWeek  SnapshotTimeframe = "week"
	TimeframeMonth SnapshotTimeframe = "month"
	TimeframeAll   SnapshotTimeframe = "all_time"
)

// RuleAction is the effect a RegimeRule applies when triggered.
type RuleAction string

const (
	RuleNoTrade      RuleAction = "NO_TRADE"
	RuleReduceSize   RuleAction = "REDUCE_SIZE"
	RuleIncreaseSize RuleAction = "INCREASE_SIZE"
	RuleCaution      RuleAction = "CAUTION"
)

// FeedStatus is emitted by the Price Source on connection/health changes.
type FeedStatus string

const (
	FeedConnected FeedStatus = "connected"
	FeedStale     FeedStatus = "feed_stale"
	FeedDown      FeedStatus = "down"
)

// PriceTick is one price observation for one coin (C1), immutable, dropped after dispatch.
type PriceTick struct {
	Coin      string          `json:"coin"`
	Price     decimal.Decimal `json:"price"`
	TS        int64           `json:"ts"` // monotonic ms
	Vol24h    decimal.Decimal `json:"vol_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
}

// TradeCondition is produced by the Strategist (C8), owned by the Sniper (C5) while active.
type TradeCondition struct {
	ID               string           `json:"id"`
	Coin             string           `json:"coin"`
	Direction        Direction        `json:"direction"`
	TriggerPrice     decimal.Decimal  `json:"trigger_price"`
	TriggerCondition TriggerCondition `json:"trigger_condition"`
	StopLossPct      decimal.Decimal  `json:"stop_loss_pct"`
	TakeProfitPct    decimal.Decimal  `json:"take_profit_pct"`
	PositionSizeUSD  decimal.Decimal  `json:"position_size_usd"`
	Reasoning        string           `json:"reasoning"`
	StrategyID       string           `json:"strategy_id"`
	PatternID        *string          `json:"pattern_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ValidUntil       time.Time        `json:"valid_until"`
	Triggered        bool             `json:"triggered"`
}

// Position is an open simulated trade, owned exclusively by the Sniper (C5).
type Position struct {
	ID              string          `json:"id"`
	Coin            string          `json:"coin"`
	Direction       Direction       `json:"direction"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	SizeUSD         decimal.Decimal `json:"size_usd"`
	EntryTS         time.Time       `json:"entry_ts"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	StrategyID      string          `json:"strategy_id"`
	PatternID       *string         `json:"pattern_id,omitempty"`
	ConditionID     string          `json:"condition_id"`
}

// MarketContext is the opaque regime/volatility snapshot carried on a JournalEntry.
type MarketContext struct {
	Regime     *string          `json:"regime,omitempty"`
	Volatility *decimal.Decimal `json:"volatility,omitempty"`
	BTCTrend   *string          `json:"btc_trend,omitempty"`
	Funding    *decimal.Decimal `json:"funding,omitempty"`
}

// JournalEntry (TradeResult) is an append-only record owned by the Journal (C6).
type JournalEntry struct {
	Position
	ExitPrice     decimal.Decimal  `json:"exit_price"`
	ExitTS        time.Time        `json:"exit_ts"`
	ExitReason    ExitReason       `json:"exit_reason"`
	PnLUSD        decimal.Decimal  `json:"pnl_usd"`
	PnLPct        decimal.Decimal  `json:"pnl_pct"`
	DurationS     int64            `json:"duration_s"`
	MarketContext MarketContext    `json:"market_context"`
	HourOfDay     int              `json:"hour_of_day"`
	DayOfWeek     int              `json:"day_of_week"`
	PricePlus1m   *decimal.Decimal `json:"price_plus_1m,omitempty"`
	PricePlus5m   *decimal.Decimal `json:"price_plus_5m,omitempty"`
	PricePlus15m  *decimal.Decimal `json:"price_plus_15m,omitempty"`
	MissedProfit  *decimal.Decimal `json:"missed_profit,omitempty"`
}

// CoinScore is the per-coin performance ledger owned by the Knowledge Store (C4).
type CoinScore struct {
	Coin            string          `json:"coin"`
	TotalTrades     int             `json:"total_trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	AvgPnL          decimal.Decimal `json:"avg_pnl"`
	WinRate         decimal.Decimal `json:"win_rate"`
	AvgWinner       decimal.Decimal `json:"avg_winner"`
	AvgLoser        decimal.Decimal `json:"avg_loser"`
	IsBlacklisted   bool            `json:"is_blacklisted"`
	BlacklistReason string          `json:"blacklist_reason,omitempty"`
	Status          CoinStatus      `json:"status"`
	Trend           Trend           `json:"trend"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// TradingPattern is a reusable entry/exit recipe tracked by the Knowledge Store (C4).
type TradingPattern struct {
	PatternID       string          `json:"pattern_id"`
	Description     string          `json:"description"`
	EntryConditions map[string]any  `json:"entry_conditions"`
	ExitConditions  map[string]any  `json:"exit_conditions"`
	TimesUsed       int             `json:"times_used"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	Confidence      decimal.Decimal `json:"confidence"`
	IsActive        bool            `json:"is_active"`
}

// RegimeRule is a market-regime guard tracked by the Knowledge Store (C4).
type RegimeRule struct {
	RuleID         string         `json:"rule_id"`
	Description    string         `json:"description"`
	Condition      map[string]any `json:"condition"`
	Action         RuleAction     `json:"action"`
	TimesTriggered int            `json:"times_triggered"`
	EstimatedSaves decimal.Decimal `json:"estimated_saves"`
	IsActive       bool           `json:"is_active"`
}

// Adaptation is one concrete knowledge mutation derived from an Insight (C10), measured by C11.
type Adaptation struct {
	AdaptationID            string          `json:"adaptation_id"`
	Timestamp               time.Time       `json:"timestamp"`
	InsightType              InsightType     `json:"insight_type"`
	Action                  AdaptationAction `json:"action"`
	Target                  string          `json:"target"`
	Description             string          `json:"description"`
	PreMetrics              json.RawMessage `json:"pre_metrics"`
	InsightConfidence       decimal.Decimal `json:"insight_confidence"`
	InsightEvidence         string          `json:"insight_evidence,omitempty"`
	PostMetrics             json.RawMessage `json:"post_metrics,omitempty"`
	Effectiveness           Effectiveness   `json:"effectiveness"`
	EffectivenessMeasuredAt *time.Time      `json:"effectiveness_measured_at,omitempty"`
}

// ProfitSnapshot is a point-in-time P&L summary, taken by the Orchestrator (C12).
type ProfitSnapshot struct {
	TS           time.Time         `json:"ts"`
	Timeframe    SnapshotTimeframe `json:"timeframe"`
	TotalPnL     decimal.Decimal   `json:"total_pnl"`
	WinRate      decimal.Decimal   `json:"win_rate"`
	ProfitFactor decimal.Decimal   `json:"profit_factor"`
	MaxDrawdown  decimal.Decimal   `json:"max_drawdown"`
	Sharpe       *decimal.Decimal  `json:"sharpe,omitempty"`
	Balance      decimal.Decimal   `json:"balance"`
}

// EquityPoint is one tick of the account equity curve, sampled alongside
// each profitability snapshot for the dashboard's balance-over-time chart.
type EquityPoint struct {
	TS       time.Time       `json:"ts"`
	Balance  decimal.Decimal `json:"balance"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// RuntimeState is the Sniper's persisted state, re-hydrated on boot.
type RuntimeState struct {
	StartingBalance  decimal.Decimal      `json:"starting_balance"`
	Balance          decimal.Decimal      `json:"balance"`
	OpenPositions    []Position           `json:"open_positions"`
	ActiveConditions []TradeCondition     `json:"active_conditions"`
	Cooldowns        map[string]time.Time `json:"cooldowns"`
}

// Insight is the structured output of a Reflection (C9) round.
type Insight struct {
	Type             InsightType     `json:"type"`
	Category         InsightCategory `json:"category"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Evidence         string          `json:"evidence"`
	SuggestedAction  string          `json:"suggested_action"`
	Confidence       decimal.Decimal `json:"confidence"`
}

// ActivityLogEntry is an append-only row backing the dashboard activity feed.
type ActivityLogEntry struct {
	TS        time.Time       `json:"ts"`
	Component string          `json:"component"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// CoinAdaptation records a coin-status transition produced by UpdateCoinScore.
type CoinAdaptation struct {
	Coin      string     `json:"coin"`
	OldStatus CoinStatus `json:"old_status"`
	NewStatus CoinStatus `json:"new_status"`
	Reason    string     `json:"reason"`
}

// TradeDelta is the outcome of one closed trade fed to the Knowledge Store.
type TradeDelta struct {
	Won bool
	PnL decimal.Decimal
}

// StrategistContext is the knowledge summary handed to the Strategist (C8) per cycle.
type StrategistContext struct {
	GoodCoins          []string         `json:"good_coins"`
	AvoidCoins         []string         `json:"avoid_coins"`
	ActiveRules        []RegimeRule     `json:"active_rules"`
	WinningPatterns    []TradingPattern `json:"winning_patterns"`
	TopCoinSummaries   []CoinScore      `json:"top_coin_summaries"`
}

// QuickUpdateResult is returned synchronously by Quick Update (C7).
type QuickUpdateResult struct {
	Coin            string          `json:"coin"`
	NewStatus       CoinStatus      `json:"new_status"`
	CoinAdaptation  *CoinAdaptation `json:"coin_adaptation,omitempty"`
	PatternDeactivated *string      `json:"pattern_deactivated,omitempty"`
	ElapsedUS       int64           `json:"elapsed_us"`
}
