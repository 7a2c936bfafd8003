// Package store implements the Store (C2): the durable Postgres-backed
// record of knowledge, journal, and runtime state, built on a
// pgxpool-based database layer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Store wraps a pgx connection pool and exposes write-through persistence
// for every component that needs it.
type Store struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// Open connects to Postgres, applies migrations, and returns a ready Store.
func Open(ctx context.Context, logger *zap.Logger, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing store dsn: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating store connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	s := &Store{logger: logger, pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// HealthCheck reports whether the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- coin scores ---

// SaveCoinScore upserts a coin's full score row.
func (s *Store) SaveCoinScore(ctx context.Context, sc types.CoinScore) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO coin_scores (coin, total_trades, wins, losses, total_pnl, avg_pnl, win_rate,
			avg_winner, avg_loser, is_blacklisted, blacklist_reason, status, trend, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (coin) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl = EXCLUDED.total_pnl,
			avg_pnl = EXCLUDED.avg_pnl,
			win_rate = EXCLUDED.win_rate,
			avg_winner = EXCLUDED.avg_winner,
			avg_loser = EXCLUDED.avg_loser,
			is_blacklisted = EXCLUDED.is_blacklisted,
			blacklist_reason = EXCLUDED.blacklist_reason,
			status = EXCLUDED.status,
			trend = EXCLUDED.trend,
			last_updated = EXCLUDED.last_updated`,
		sc.Coin, sc.TotalTrades, sc.Wins, sc.Losses, sc.TotalPnL, sc.AvgPnL, sc.WinRate,
		sc.AvgWinner, sc.AvgLoser, sc.IsBlacklisted, sc.BlacklistReason, string(sc.Status), string(sc.Trend), sc.LastUpdated)
	return err
}

// LoadCoinScores returns every persisted coin score, used to re-hydrate the Knowledge Store on boot.
func (s *Store) LoadCoinScores(ctx context.Context) ([]types.CoinScore, error) {
	rows, err := s.pool.Query(ctx, `SELECT coin, total_trades, wins, losses, total_pnl, avg_pnl, win_rate,
		avg_winner, avg_loser, is_blacklisted, blacklist_reason, status, trend, last_updated FROM coin_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CoinScore
	for rows.Next() {
		var sc types.CoinScore
		var status, trend string
		if err := rows.Scan(&sc.Coin, &sc.TotalTrades, &sc.Wins, &sc.Losses, &sc.TotalPnL, &sc.AvgPnL, &sc.WinRate,
			&sc.AvgWinner, &sc.AvgLoser, &sc.IsBlacklisted, &sc.BlacklistReason, &status, &trend, &sc.LastUpdated); err != nil {
			return nil, err
		}
		sc.Status = types.CoinStatus(status)
		sc.Trend = types.Trend(trend)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// --- trading patterns ---

// SavePattern upserts a pattern row.
func (s *Store) SavePattern(ctx context.Context, p types.TradingPattern) error {
	entry, err := json.Marshal(p.EntryConditions)
	if err != nil {
		return fmt.Errorf("marshal entry_conditions: %w", err)
	}
	exit, err := json.Marshal(p.ExitConditions)
	if err != nil {
		return fmt.Errorf("marshal exit_conditions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO trading_patterns (pattern_id, description, entry_conditions, exit_conditions,
			times_used, wins, losses, total_pnl, confidence, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (pattern_id) DO UPDATE SET
			description = EXCLUDED.description,
			entry_conditions = EXCLUDED.entry_conditions,
			exit_conditions = EXCLUDED.exit_conditions,
			times_used = EXCLUDED.times_used,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl = EXCLUDED.total_pnl,
			confidence = EXCLUDED.confidence,
			is_active = EXCLUDED.is_active`,
		p.PatternID, p.Description, entry, exit, p.TimesUsed, p.Wins, p.Losses, p.TotalPnL, p.Confidence, p.IsActive)
	return err
}

// LoadPatterns returns every persisted pattern.
func (s *Store) LoadPatterns(ctx context.Context) ([]types.TradingPattern, error) {
	rows, err := s.pool.Query(ctx, `SELECT pattern_id, description, entry_conditions, exit_conditions,
		times_used, wins, losses, total_pnl, confidence, is_active FROM trading_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TradingPattern
	for rows.Next() {
		var p types.TradingPattern
		var entry, exit []byte
		if err := rows.Scan(&p.PatternID, &p.Description, &entry, &exit, &p.TimesUsed, &p.Wins, &p.Losses,
			&p.TotalPnL, &p.Confidence, &p.IsActive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(entry, &p.EntryConditions); err != nil {
			return nil, fmt.Errorf("unmarshal entry_conditions: %w", err)
		}
		if err := json.Unmarshal(exit, &p.ExitConditions); err != nil {
			return nil, fmt.Errorf("unmarshal exit_conditions: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- regime rules ---

// SaveRegimeRule upserts a regime rule row.
func (s *Store) SaveRegimeRule(ctx context.Context, r types.RegimeRule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO regime_rules (rule_id, description, condition, action, times_triggered, estimated_saves, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (rule_id) DO UPDATE SET
			description = EXCLUDED.description,
			condition = EXCLUDED.condition,
			action = EXCLUDED.action,
			times_triggered = EXCLUDED.times_triggered,
			estimated_saves = EXCLUDED.estimated_saves,
			is_active = EXCLUDED.is_active`,
		r.RuleID, r.Description, cond, string(r.Action), r.TimesTriggered, r.EstimatedSaves, r.IsActive)
	return err
}

// LoadRegimeRules returns every persisted regime rule.
func (s *Store) LoadRegimeRules(ctx context.Context) ([]types.RegimeRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT rule_id, description, condition, action, times_triggered,
		estimated_saves, is_active FROM regime_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RegimeRule
	for rows.Next() {
		var r types.RegimeRule
		var cond []byte
		var action string
		if err := rows.Scan(&r.RuleID, &r.Description, &cond, &action, &r.TimesTriggered, &r.EstimatedSaves, &r.IsActive); err != nil {
			return nil, err
		}
		r.Action = types.RuleAction(action)
		if err := json.Unmarshal(cond, &r.Condition); err != nil {
			return nil, fmt.Errorf("unmarshal condition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- trade conditions / positions (Sniper runtime state) ---

// SaveCondition upserts an active trade condition.
func (s *Store) SaveCondition(ctx context.Context, c types.TradeCondition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_conditions (id, coin, direction, trigger_price, trigger_condition,
			stop_loss_pct, take_profit_pct, position_size_usd, reasoning, strategy_id, pattern_id,
			created_at, valid_until, triggered)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET triggered = EXCLUDED.triggered`,
		c.ID, c.Coin, string(c.Direction), c.TriggerPrice, string(c.TriggerCondition), c.StopLossPct,
		c.TakeProfitPct, c.PositionSizeUSD, c.Reasoning, c.StrategyID, c.PatternID, c.CreatedAt, c.ValidUntil, c.Triggered)
	return err
}

// LoadActiveConditions returns untriggered, unexpired conditions, used to re-hydrate the Sniper on boot.
func (s *Store) LoadActiveConditions(ctx context.Context) ([]types.TradeCondition, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, coin, direction, trigger_price, trigger_condition,
		stop_loss_pct, take_profit_pct, position_size_usd, reasoning, strategy_id, pattern_id,
		created_at, valid_until, triggered FROM trade_conditions WHERE triggered = FALSE AND valid_until > NOW()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TradeCondition
	for rows.Next() {
		var c types.TradeCondition
		var direction, trigger string
		if err := rows.Scan(&c.ID, &c.Coin, &direction, &c.TriggerPrice, &trigger, &c.StopLossPct,
			&c.TakeProfitPct, &c.PositionSizeUSD, &c.Reasoning, &c.StrategyID, &c.PatternID,
			&c.CreatedAt, &c.ValidUntil, &c.Triggered); err != nil {
			return nil, err
		}
		c.Direction = types.Direction(direction)
		c.TriggerCondition = types.TriggerCondition(trigger)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SavePosition upserts an open position.
func (s *Store) SavePosition(ctx context.Context, p types.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (id, coin, direction, entry_price, size_usd, entry_ts, stop_loss_price,
			take_profit_price, strategy_id, pattern_id, condition_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Coin, string(p.Direction), p.EntryPrice, p.SizeUSD, p.EntryTS, p.StopLossPrice,
		p.TakeProfitPrice, p.StrategyID, p.PatternID, p.ConditionID)
	return err
}

// DeletePosition removes a closed position from the open-positions table.
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	return err
}

// LoadOpenPositions returns every persisted open position, used to re-hydrate the Sniper on boot.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, coin, direction, entry_price, size_usd, entry_ts,
		stop_loss_price, take_profit_price, strategy_id, pattern_id, condition_id FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var direction string
		if err := rows.Scan(&p.ID, &p.Coin, &direction, &p.EntryPrice, &p.SizeUSD, &p.EntryTS,
			&p.StopLossPrice, &p.TakeProfitPrice, &p.StrategyID, &p.PatternID, &p.ConditionID); err != nil {
			return nil, err
		}
		p.Direction = types.Direction(direction)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- journal ---

// SaveJournalEntry appends a closed-trade record.
func (s *Store) SaveJournalEntry(ctx context.Context, e types.JournalEntry) error {
	mc, err := json.Marshal(e.MarketContext)
	if err != nil {
		return fmt.Errorf("marshal market_context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO journal_entries (id, coin, direction, entry_price, size_usd, entry_ts, stop_loss_price,
			take_profit_price, strategy_id, pattern_id, condition_id, exit_price, exit_ts, exit_reason,
			pnl_usd, pnl_pct, duration_s, market_context, hour_of_day, day_of_week,
			price_plus_1m, price_plus_5m, price_plus_15m, missed_profit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET
			price_plus_1m = EXCLUDED.price_plus_1m,
			price_plus_5m = EXCLUDED.price_plus_5m,
			price_plus_15m = EXCLUDED.price_plus_15m,
			missed_profit = EXCLUDED.missed_profit`,
		e.ID, e.Coin, string(e.Direction), e.EntryPrice, e.SizeUSD, e.EntryTS, e.StopLossPrice,
		e.TakeProfitPrice, e.StrategyID, e.PatternID, e.ConditionID, e.ExitPrice, e.ExitTS, string(e.ExitReason),
		e.PnLUSD, e.PnLPct, e.DurationS, mc, e.HourOfDay, e.DayOfWeek,
		e.PricePlus1m, e.PricePlus5m, e.PricePlus15m, e.MissedProfit)
	return err
}

// RecentJournalEntries returns the most recent n closed trades, newest first.
func (s *Store) RecentJournalEntries(ctx context.Context, n int) ([]types.JournalEntry, error) {
	return s.queryJournal(ctx, `SELECT id, coin, direction, entry_price, size_usd, entry_ts, stop_loss_price,
		take_profit_price, strategy_id, pattern_id, condition_id, exit_price, exit_ts, exit_reason,
		pnl_usd, pnl_pct, duration_s, market_context, hour_of_day, day_of_week,
		price_plus_1m, price_plus_5m, price_plus_15m, missed_profit
		FROM journal_entries ORDER BY exit_ts DESC LIMIT $1`, n)
}

// JournalEntriesSince returns closed trades with exit_ts >= since, oldest first.
func (s *Store) JournalEntriesSince(ctx context.Context, since time.Time) ([]types.JournalEntry, error) {
	return s.queryJournal(ctx, `SELECT id, coin, direction, entry_price, size_usd, entry_ts, stop_loss_price,
		take_profit_price, strategy_id, pattern_id, condition_id, exit_price, exit_ts, exit_reason,
		pnl_usd, pnl_pct, duration_s, market_context, hour_of_day, day_of_week,
		price_plus_1m, price_plus_5m, price_plus_15m, missed_profit
		FROM journal_entries WHERE exit_ts >= $1 ORDER BY exit_ts ASC`, since)
}

func (s *Store) queryJournal(ctx context.Context, sql string, args ...any) ([]types.JournalEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.JournalEntry
	for rows.Next() {
		var e types.JournalEntry
		var direction, exitReason string
		var mc []byte
		if err := rows.Scan(&e.ID, &e.Coin, &direction, &e.EntryPrice, &e.SizeUSD, &e.EntryTS, &e.StopLossPrice,
			&e.TakeProfitPrice, &e.StrategyID, &e.PatternID, &e.ConditionID, &e.ExitPrice, &e.ExitTS, &exitReason,
			&e.PnLUSD, &e.PnLPct, &e.DurationS, &mc, &e.HourOfDay, &e.DayOfWeek,
			&e.PricePlus1m, &e.PricePlus5m, &e.PricePlus15m, &e.MissedProfit); err != nil {
			return nil, err
		}
		e.Direction = types.Direction(direction)
		e.ExitReason = types.ExitReason(exitReason)
		if len(mc) > 0 {
			if err := json.Unmarshal(mc, &e.MarketContext); err != nil {
				return nil, fmt.Errorf("unmarshal market_context: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdatePostTradeCapture patches the delayed price/missed-profit fields captured after exit.
func (s *Store) UpdatePostTradeCapture(ctx context.Context, id string, plus1m, plus5m, plus15m, missedProfit *decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `UPDATE journal_entries SET price_plus_1m = COALESCE($2, price_plus_1m),
		price_plus_5m = COALESCE($3, price_plus_5m), price_plus_15m = COALESCE($4, price_plus_15m),
		missed_profit = COALESCE($5, missed_profit) WHERE id = $1`,
		id, plus1m, plus5m, plus15m, missedProfit)
	return err
}

// --- reflections / insights ---

// SaveReflection persists one reflection round, summary text only (individual
// insights go to SaveInsights keyed by the same reflection_id).
func (s *Store) SaveReflection(ctx context.Context, reflectionID string, ts time.Time, summary string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO reflections (reflection_id, ts, summary) VALUES ($1,$2,$3)`,
		reflectionID, ts, summary)
	return err
}

// SaveInsight appends a single Reflection (C9) insight under reflectionID.
func (s *Store) SaveInsight(ctx context.Context, reflectionID string, i types.Insight) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO insights (reflection_id, type, category, title, description, evidence,
		suggested_action, confidence) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		reflectionID, string(i.Type), string(i.Category), i.Title, i.Description, i.Evidence, i.SuggestedAction, i.Confidence)
	return err
}

// SaveInsights appends every insight from one reflection round under reflectionID.
func (s *Store) SaveInsights(ctx context.Context, reflectionID string, insights []types.Insight) error {
	for _, i := range insights {
		if err := s.SaveInsight(ctx, reflectionID, i); err != nil {
			return err
		}
	}
	return nil
}

// InsightsSince returns insights recorded since the given time, for Adaptation (C10) to consume.
func (s *Store) InsightsSince(ctx context.Context, since time.Time) ([]types.Insight, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, category, title, description, evidence, suggested_action, confidence
		FROM insights WHERE created_at >= $1 ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Insight
	for rows.Next() {
		var i types.Insight
		var typ, cat string
		if err := rows.Scan(&typ, &cat, &i.Title, &i.Description, &i.Evidence, &i.SuggestedAction, &i.Confidence); err != nil {
			return nil, err
		}
		i.Type = types.InsightType(typ)
		i.Category = types.InsightCategory(cat)
		out = append(out, i)
	}
	return out, rows.Err()
}

// --- adaptations ---

// SaveAdaptation inserts a new adaptation record.
func (s *Store) SaveAdaptation(ctx context.Context, a types.Adaptation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO adaptations (adaptation_id, timestamp, insight_type, action, target, description,
			pre_metrics, insight_confidence, insight_evidence, post_metrics, effectiveness, effectiveness_measured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.AdaptationID, a.Timestamp, string(a.InsightType), string(a.Action), a.Target, a.Description,
		a.PreMetrics, a.InsightConfidence, a.InsightEvidence, a.PostMetrics, string(a.Effectiveness), a.EffectivenessMeasuredAt)
	return err
}

// UpdateAdaptationEffectiveness records the Effectiveness Monitor's (C11) rating.
func (s *Store) UpdateAdaptationEffectiveness(ctx context.Context, id string, postMetrics json.RawMessage, eff types.Effectiveness, measuredAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE adaptations SET post_metrics = $2, effectiveness = $3,
		effectiveness_measured_at = $4 WHERE adaptation_id = $1`, id, postMetrics, string(eff), measuredAt)
	return err
}

// PendingAdaptations returns adaptations not yet measured by the Effectiveness Monitor.
func (s *Store) PendingAdaptations(ctx context.Context, olderThan time.Time) ([]types.Adaptation, error) {
	rows, err := s.pool.Query(ctx, `SELECT adaptation_id, timestamp, insight_type, action, target, description,
		pre_metrics, insight_confidence, insight_evidence, post_metrics, effectiveness, effectiveness_measured_at
		FROM adaptations WHERE effectiveness = 'pending' AND timestamp <= $1`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Adaptation
	for rows.Next() {
		var a types.Adaptation
		var insightType, action, eff string
		if err := rows.Scan(&a.AdaptationID, &a.Timestamp, &insightType, &action, &a.Target, &a.Description,
			&a.PreMetrics, &a.InsightConfidence, &a.InsightEvidence, &a.PostMetrics, &eff, &a.EffectivenessMeasuredAt); err != nil {
			return nil, err
		}
		a.InsightType = types.InsightType(insightType)
		a.Action = types.AdaptationAction(action)
		a.Effectiveness = types.Effectiveness(eff)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAdaptation fetches a single adaptation row by ID, for dashboard-triggered rollback.
func (s *Store) GetAdaptation(ctx context.Context, id string) (types.Adaptation, error) {
	var a types.Adaptation
	var insightType, action, eff string
	err := s.pool.QueryRow(ctx, `SELECT adaptation_id, timestamp, insight_type, action, target, description,
		pre_metrics, insight_confidence, insight_evidence, post_metrics, effectiveness, effectiveness_measured_at
		FROM adaptations WHERE adaptation_id = $1`, id).Scan(
		&a.AdaptationID, &a.Timestamp, &insightType, &action, &a.Target, &a.Description,
		&a.PreMetrics, &a.InsightConfidence, &a.InsightEvidence, &a.PostMetrics, &eff, &a.EffectivenessMeasuredAt)
	if err != nil {
		return types.Adaptation{}, err
	}
	a.InsightType = types.InsightType(insightType)
	a.Action = types.AdaptationAction(action)
	a.Effectiveness = types.Effectiveness(eff)
	return a, nil
}

// RecentAdaptations returns the most recent n adaptations, newest first, for the dashboard.
func (s *Store) RecentAdaptations(ctx context.Context, n int) ([]types.Adaptation, error) {
	rows, err := s.pool.Query(ctx, `SELECT adaptation_id, timestamp, insight_type, action, target, description,
		pre_metrics, insight_confidence, insight_evidence, post_metrics, effectiveness, effectiveness_measured_at
		FROM adaptations ORDER BY timestamp DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Adaptation
	for rows.Next() {
		var a types.Adaptation
		var insightType, action, eff string
		if err := rows.Scan(&a.AdaptationID, &a.Timestamp, &insightType, &action, &a.Target, &a.Description,
			&a.PreMetrics, &a.InsightConfidence, &a.InsightEvidence, &a.PostMetrics, &eff, &a.EffectivenessMeasuredAt); err != nil {
			return nil, err
		}
		a.InsightType = types.InsightType(insightType)
		a.Action = types.AdaptationAction(action)
		a.Effectiveness = types.Effectiveness(eff)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- profit snapshots ---

// SaveProfitSnapshot inserts a point-in-time P&L summary.
func (s *Store) SaveProfitSnapshot(ctx context.Context, p types.ProfitSnapshot) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO profit_snapshots (ts, timeframe, total_pnl, win_rate,
		profit_factor, max_drawdown, sharpe, balance) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.TS, string(p.Timeframe), p.TotalPnL, p.WinRate, p.ProfitFactor, p.MaxDrawdown, p.Sharpe, p.Balance)
	return err
}

// LatestProfitSnapshot returns the most recent snapshot for a timeframe, if any.
func (s *Store) LatestProfitSnapshot(ctx context.Context, tf types.SnapshotTimeframe) (*types.ProfitSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT ts, timeframe, total_pnl, win_rate, profit_factor, max_drawdown, sharpe, balance
		FROM profit_snapshots WHERE timeframe = $1 ORDER BY ts DESC LIMIT 1`, string(tf))

	var p types.ProfitSnapshot
	var timeframe string
	if err := row.Scan(&p.TS, &timeframe, &p.TotalPnL, &p.WinRate, &p.ProfitFactor, &p.MaxDrawdown, &p.Sharpe, &p.Balance); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.Timeframe = types.SnapshotTimeframe(timeframe)
	return &p, nil
}

// --- equity points ---

// SaveEquityPoint appends one sample to the account equity curve.
func (s *Store) SaveEquityPoint(ctx context.Context, p types.EquityPoint) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO equity_points (ts, balance, total_pnl) VALUES ($1,$2,$3)`,
		p.TS, p.Balance, p.TotalPnL)
	return err
}

// EquityCurve returns up to n of the most recent equity points, oldest first.
func (s *Store) EquityCurve(ctx context.Context, n int) ([]types.EquityPoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT ts, balance, total_pnl FROM
		(SELECT ts, balance, total_pnl FROM equity_points ORDER BY ts DESC LIMIT $1) recent
		ORDER BY ts ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EquityPoint
	for rows.Next() {
		var p types.EquityPoint
		if err := rows.Scan(&p.TS, &p.Balance, &p.TotalPnL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- activity log ---

// AppendActivity records one activity-feed row for the dashboard.
func (s *Store) AppendActivity(ctx context.Context, e types.ActivityLogEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO activity_log (ts, component, message, fields) VALUES ($1,$2,$3,$4)`,
		e.TS, e.Component, e.Message, e.Fields)
	return err
}

// RecentActivity returns the last n activity-feed rows, newest first.
func (s *Store) RecentActivity(ctx context.Context, n int) ([]types.ActivityLogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT ts, component, message, fields FROM activity_log ORDER BY ts DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ActivityLogEntry
	for rows.Next() {
		var e types.ActivityLogEntry
		if err := rows.Scan(&e.TS, &e.Component, &e.Message, &e.Fields); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- runtime state ---

// SaveRuntimeState persists the Sniper's balance and cooldown snapshot.
func (s *Store) SaveRuntimeState(ctx context.Context, balance, startingBalance decimal.Decimal, cooldowns map[string]time.Time) error {
	blob, err := json.Marshal(cooldowns)
	if err != nil {
		return fmt.Errorf("marshal cooldowns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO runtime_state (id, balance, starting_balance, cooldowns, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, cooldowns = EXCLUDED.cooldowns, updated_at = EXCLUDED.updated_at`,
		balance, startingBalance, blob)
	return err
}

// LoadRuntimeState returns the persisted balance/cooldown snapshot, if any.
func (s *Store) LoadRuntimeState(ctx context.Context) (balance, startingBalance decimal.Decimal, cooldowns map[string]time.Time, found bool, err error) {
	row := s.pool.QueryRow(ctx, `SELECT balance, starting_balance, cooldowns FROM runtime_state WHERE id = 1`)
	var blob []byte
	if scanErr := row.Scan(&balance, &startingBalance, &blob); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return decimal.Zero, decimal.Zero, nil, false, nil
		}
		return decimal.Zero, decimal.Zero, nil, false, scanErr
	}
	cooldowns = make(map[string]time.Time)
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &cooldowns); err != nil {
			return decimal.Zero, decimal.Zero, nil, false, fmt.Errorf("unmarshal cooldowns: %w", err)
		}
	}
	return balance, startingBalance, cooldowns, true, nil
}
