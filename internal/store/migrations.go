package store

import (
	"context"
	"fmt"
)

// migrations is applied in order, each idempotent via IF NOT EXISTS.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS coin_scores (
		coin TEXT PRIMARY KEY,
		total_trades INT NOT NULL DEFAULT 0,
		wins INT NOT NULL DEFAULT 0,
		losses INT NOT NULL DEFAULT 0,
		total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		avg_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		win_rate DECIMAL(10, 6) NOT NULL DEFAULT 0,
		avg_winner DECIMAL(20, 8) NOT NULL DEFAULT 0,
		avg_loser DECIMAL(20, 8) NOT NULL DEFAULT 0,
		is_blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
		blacklist_reason TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'UNKNOWN',
		trend VARCHAR(20) NOT NULL DEFAULT 'stable',
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coin_scores_status ON coin_scores(status)`,

	`CREATE TABLE IF NOT EXISTS trading_patterns (
		pattern_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		entry_conditions JSONB NOT NULL DEFAULT '{}',
		exit_conditions JSONB NOT NULL DEFAULT '{}',
		times_used INT NOT NULL DEFAULT 0,
		wins INT NOT NULL DEFAULT 0,
		losses INT NOT NULL DEFAULT 0,
		total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		confidence DECIMAL(10, 6) NOT NULL DEFAULT 0.5,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_patterns_active ON trading_patterns(is_active)`,

	`CREATE TABLE IF NOT EXISTS regime_rules (
		rule_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		condition JSONB NOT NULL DEFAULT '{}',
		action VARCHAR(20) NOT NULL,
		times_triggered INT NOT NULL DEFAULT 0,
		estimated_saves DECIMAL(20, 8) NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trade_conditions (
		id TEXT PRIMARY KEY,
		coin TEXT NOT NULL,
		direction VARCHAR(5) NOT NULL,
		trigger_price DECIMAL(20, 8) NOT NULL,
		trigger_condition VARCHAR(5) NOT NULL,
		stop_loss_pct DECIMAL(10, 6) NOT NULL,
		take_profit_pct DECIMAL(10, 6) NOT NULL,
		position_size_usd DECIMAL(20, 8) NOT NULL,
		reasoning TEXT,
		strategy_id TEXT NOT NULL,
		pattern_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL,
		triggered BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_conditions_coin ON trade_conditions(coin)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_conditions_triggered ON trade_conditions(triggered)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		coin TEXT NOT NULL,
		direction VARCHAR(5) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		size_usd DECIMAL(20, 8) NOT NULL,
		entry_ts TIMESTAMPTZ NOT NULL,
		stop_loss_price DECIMAL(20, 8) NOT NULL,
		take_profit_price DECIMAL(20, 8) NOT NULL,
		strategy_id TEXT NOT NULL,
		pattern_id TEXT,
		condition_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_coin ON positions(coin)`,

	`CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		coin TEXT NOT NULL,
		direction VARCHAR(5) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		size_usd DECIMAL(20, 8) NOT NULL,
		entry_ts TIMESTAMPTZ NOT NULL,
		stop_loss_price DECIMAL(20, 8) NOT NULL,
		take_profit_price DECIMAL(20, 8) NOT NULL,
		strategy_id TEXT NOT NULL,
		pattern_id TEXT,
		condition_id TEXT NOT NULL,
		exit_price DECIMAL(20, 8) NOT NULL,
		exit_ts TIMESTAMPTZ NOT NULL,
		exit_reason VARCHAR(20) NOT NULL,
		pnl_usd DECIMAL(20, 8) NOT NULL,
		pnl_pct DECIMAL(10, 6) NOT NULL,
		duration_s BIGINT NOT NULL,
		market_context JSONB NOT NULL DEFAULT '{}',
		hour_of_day INT NOT NULL,
		day_of_week INT NOT NULL,
		price_plus_1m DECIMAL(20, 8),
		price_plus_5m DECIMAL(20, 8),
		price_plus_15m DECIMAL(20, 8),
		missed_profit DECIMAL(20, 8),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_entries_coin ON journal_entries(coin)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_entries_exit_ts ON journal_entries(exit_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_entries_pattern ON journal_entries(pattern_id)`,

	`CREATE TABLE IF NOT EXISTS reflections (
		reflection_id TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		summary TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reflections_ts ON reflections(ts)`,

	`CREATE TABLE IF NOT EXISTS insights (
		id BIGSERIAL PRIMARY KEY,
		reflection_id TEXT NOT NULL REFERENCES reflections(reflection_id),
		type VARCHAR(20) NOT NULL,
		category VARCHAR(20) NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		evidence TEXT,
		suggested_action TEXT,
		confidence DECIMAL(10, 6) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_created_at ON insights(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_reflection_id ON insights(reflection_id)`,

	`CREATE TABLE IF NOT EXISTS adaptations (
		adaptation_id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		insight_type VARCHAR(20) NOT NULL,
		action VARCHAR(20) NOT NULL,
		target TEXT NOT NULL,
		description TEXT NOT NULL,
		pre_metrics JSONB NOT NULL,
		insight_confidence DECIMAL(10, 6) NOT NULL,
		insight_evidence TEXT,
		post_metrics JSONB,
		effectiveness VARCHAR(20) NOT NULL DEFAULT 'pending',
		effectiveness_measured_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_adaptations_effectiveness ON adaptations(effectiveness)`,
	`CREATE INDEX IF NOT EXISTS idx_adaptations_timestamp ON adaptations(timestamp)`,

	`CREATE TABLE IF NOT EXISTS profit_snapshots (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		timeframe VARCHAR(10) NOT NULL,
		total_pnl DECIMAL(20, 8) NOT NULL,
		win_rate DECIMAL(10, 6) NOT NULL,
		profit_factor DECIMAL(10, 4) NOT NULL,
		max_drawdown DECIMAL(20, 8) NOT NULL,
		sharpe DECIMAL(10, 4),
		balance DECIMAL(20, 8) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profit_snapshots_ts ON profit_snapshots(ts)`,

	`CREATE TABLE IF NOT EXISTS equity_points (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		balance DECIMAL(20, 8) NOT NULL,
		total_pnl DECIMAL(20, 8) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_equity_points_ts ON equity_points(ts)`,

	`CREATE TABLE IF NOT EXISTS activity_log (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		component VARCHAR(50) NOT NULL,
		message TEXT NOT NULL,
		fields JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_ts ON activity_log(ts DESC)`,

	`CREATE TABLE IF NOT EXISTS runtime_state (
		id SMALLINT PRIMARY KEY DEFAULT 1,
		balance DECIMAL(20, 8) NOT NULL,
		starting_balance DECIMAL(20, 8) NOT NULL,
		cooldowns JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT single_row CHECK (id = 1)
	)`,
}

func (s *Store) runMigrations(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
