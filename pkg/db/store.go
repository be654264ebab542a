package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"apollo-core/pkg/crypto"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

const agentColumns = `
	id, token, symbol, currency, is_active,
	base_stake, daily_profit_target, daily_loss_limit, initial_balance,
	stop_loss_mode, cadence, profile, duration_ticks,
	recovery_level, recovery_attempts, last_loss,
	compound_level, compound_stake, banked_profit,
	daily_profit, daily_loss, profit_peak,
	trade_count, win_count, loss_count, ops_since_pause,
	last_trade_at, next_eligible_at, updated_at`

func scanAgent(scan func(...any) error) (AgentRecord, error) {
	var a AgentRecord
	var active int
	var lastTrade, nextEligible sql.NullTime
	err := scan(
		&a.ID, &a.Token, &a.Symbol, &a.Currency, &active,
		&a.BaseStake, &a.DailyProfitTarget, &a.DailyLossLimit, &a.InitialBalance,
		&a.StopLossMode, &a.Cadence, &a.Profile, &a.DurationTicks,
		&a.RecoveryLevel, &a.RecoveryAttempts, &a.LastLoss,
		&a.CompoundLevel, &a.CompoundStake, &a.BankedProfit,
		&a.DailyProfit, &a.DailyLoss, &a.ProfitPeak,
		&a.TradeCount, &a.WinCount, &a.LossCount, &a.OpsSincePause,
		&lastTrade, &nextEligible, &a.UpdatedAt,
	)
	if err != nil {
		return AgentRecord{}, err
	}
	a.IsActive = active == 1
	if lastTrade.Valid {
		t := lastTrade.Time
		a.LastTradeAt = &t
	}
	if nextEligible.Valid {
		t := nextEligible.Time
		a.NextEligibleAt = &t
	}
	return a, nil
}

// LoadActiveAgents returns all agents flagged active, for startup resync.
func (d *Database) LoadActiveAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.Token, err = d.openToken(a.Token); err != nil {
			return nil, fmt.Errorf("open token for %s: %w", a.ID, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgent returns a single agent row.
func (d *Database) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return AgentRecord{}, ErrNotFound
	}
	if err != nil {
		return AgentRecord{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	if a.Token, err = d.openToken(a.Token); err != nil {
		return AgentRecord{}, fmt.Errorf("open token for %s: %w", id, err)
	}
	return a, nil
}

// GetAgents batch-fetches agent rows by id in a single query. Missing ids are
// silently absent from the result.
func (d *Database) GetAgents(ctx context.Context, ids []string) (map[string]AgentRecord, error) {
	if len(ids) == 0 {
		return map[string]AgentRecord{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("batch query agents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]AgentRecord, len(ids))
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.Token, err = d.openToken(a.Token); err != nil {
			return nil, fmt.Errorf("open token for %s: %w", a.ID, err)
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// UpsertAgent writes the full agent row (activation path).
func (d *Database) UpsertAgent(ctx context.Context, a AgentRecord) error {
	token, err := d.sealToken(a.Token)
	if err != nil {
		return fmt.Errorf("seal token for %s: %w", a.ID, err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO agents (
			id, token, symbol, currency, is_active,
			base_stake, daily_profit_target, daily_loss_limit, initial_balance,
			stop_loss_mode, cadence, profile, duration_ticks,
			recovery_level, recovery_attempts, last_loss,
			compound_level, compound_stake, banked_profit,
			daily_profit, daily_loss, profit_peak,
			trade_count, win_count, loss_count, ops_since_pause,
			last_trade_at, next_eligible_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			symbol = excluded.symbol,
			currency = excluded.currency,
			is_active = excluded.is_active,
			base_stake = excluded.base_stake,
			daily_profit_target = excluded.daily_profit_target,
			daily_loss_limit = excluded.daily_loss_limit,
			initial_balance = excluded.initial_balance,
			stop_loss_mode = excluded.stop_loss_mode,
			cadence = excluded.cadence,
			profile = excluded.profile,
			duration_ticks = excluded.duration_ticks,
			recovery_level = excluded.recovery_level,
			recovery_attempts = excluded.recovery_attempts,
			last_loss = excluded.last_loss,
			compound_level = excluded.compound_level,
			compound_stake = excluded.compound_stake,
			banked_profit = excluded.banked_profit,
			daily_profit = excluded.daily_profit,
			daily_loss = excluded.daily_loss,
			profit_peak = excluded.profit_peak,
			trade_count = excluded.trade_count,
			win_count = excluded.win_count,
			loss_count = excluded.loss_count,
			ops_since_pause = excluded.ops_since_pause,
			last_trade_at = excluded.last_trade_at,
			next_eligible_at = excluded.next_eligible_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.ID, token, a.Symbol, a.Currency, boolToInt(a.IsActive),
		a.BaseStake, a.DailyProfitTarget, a.DailyLossLimit, a.InitialBalance,
		a.StopLossMode, a.Cadence, a.Profile, a.DurationTicks,
		a.RecoveryLevel, a.RecoveryAttempts, a.LastLoss,
		a.CompoundLevel, a.CompoundStake, a.BankedProfit,
		a.DailyProfit, a.DailyLoss, a.ProfitPeak,
		a.TradeCount, a.WinCount, a.LossCount, a.OpsSincePause,
		nullTime(a.LastTradeAt), nullTime(a.NextEligibleAt),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// SetAgentActive flips the active flag; deactivating an absent row is a no-op.
func (d *Database) SetAgentActive(ctx context.Context, id string, active bool) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE agents SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set agent %s active=%v: %w", id, active, err)
	}
	return nil
}

// SaveRiskState persists the money-management fields and session accumulators
// after a settlement-driven transition.
func (d *Database) SaveRiskState(ctx context.Context, a AgentRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE agents SET
			recovery_level = ?, recovery_attempts = ?, last_loss = ?,
			compound_level = ?, compound_stake = ?, banked_profit = ?,
			daily_profit = ?, daily_loss = ?, profit_peak = ?,
			trade_count = ?, win_count = ?, loss_count = ?, ops_since_pause = ?,
			last_trade_at = ?, next_eligible_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		a.RecoveryLevel, a.RecoveryAttempts, a.LastLoss,
		a.CompoundLevel, a.CompoundStake, a.BankedProfit,
		a.DailyProfit, a.DailyLoss, a.ProfitPeak,
		a.TradeCount, a.WinCount, a.LossCount, a.OpsSincePause,
		nullTime(a.LastTradeAt), nullTime(a.NextEligibleAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("save risk state %s: %w", a.ID, err)
	}
	return nil
}

// InsertTrade stores a newly opened trade.
func (d *Database) InsertTrade(ctx context.Context, t TradeRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, agent_id, symbol, contract_type, direction, stake,
			payout, contract_id, entry_price, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AgentID, t.Symbol, t.ContractType, t.Direction, t.Stake,
		t.Payout, t.ContractID, t.EntryPrice, t.Status, t.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// SettleTrade records the settlement outcome of a trade.
func (d *Database) SettleTrade(ctx context.Context, id string, exitPrice, profit float64, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, profit = ?, status = ?, settled_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, exitPrice, profit, status, id)
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", id, err)
	}
	return nil
}

// UpdateTradeEntry backfills the entry price once the venue reports it.
func (d *Database) UpdateTradeEntry(ctx context.Context, id string, entryPrice float64) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE trades SET entry_price = ? WHERE id = ? AND entry_price = 0`, entryPrice, id)
	if err != nil {
		return fmt.Errorf("update trade entry %s: %w", id, err)
	}
	return nil
}

// AppendRiskEvent audits one state-machine transition.
func (d *Database) AppendRiskEvent(ctx context.Context, e RiskEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_events (agent_id, event, recovery_level, compound_level, detail)
		VALUES (?, ?, ?, ?, ?)
	`, e.AgentID, e.Event, e.RecoveryLevel, e.CompoundLevel, e.Detail)
	if err != nil {
		return fmt.Errorf("append risk event: %w", err)
	}
	return nil
}

// RecentLogs returns the newest log rows for an agent, newest first.
func (d *Database) RecentLogs(ctx context.Context, agentID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(agent_id, ''), level, category, message, COALESCE(metadata, ''), created_at
		FROM engine_logs WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Level, &e.Category, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListTrades returns an agent's most recent trades, newest first.
func (d *Database) ListTrades(ctx context.Context, agentID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, agent_id, symbol, contract_type, direction, stake,
			payout, contract_id, entry_price, exit_price, profit, status,
			opened_at, settled_at
		FROM trades WHERE agent_id = ?
		ORDER BY opened_at DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var settled sql.NullTime
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Symbol, &t.ContractType, &t.Direction, &t.Stake,
			&t.Payout, &t.ContractID, &t.EntryPrice, &t.ExitPrice, &t.Profit, &t.Status,
			&t.OpenedAt, &settled); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if settled.Valid {
			ts := settled.Time
			t.SettledAt = &ts
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// StaleOpenTrades returns trades still marked OPEN that were opened before
// the cutoff. These are orphans from a crash or a lost contract stream.
func (d *Database) StaleOpenTrades(ctx context.Context, before time.Time) ([]TradeRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, agent_id, symbol, contract_type, direction, stake,
			payout, contract_id, entry_price, exit_price, profit, status,
			opened_at, settled_at
		FROM trades WHERE status = 'OPEN' AND opened_at < ?
	`, before)
	if err != nil {
		return nil, fmt.Errorf("query stale trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var settled sql.NullTime
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Symbol, &t.ContractType, &t.Direction, &t.Stake,
			&t.Payout, &t.ContractID, &t.EntryPrice, &t.ExitPrice, &t.Profit, &t.Status,
			&t.OpenedAt, &settled); err != nil {
			return nil, fmt.Errorf("scan stale trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CreateUser stores a new operator account.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the account for an email, or nil when absent.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?`, email)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// sealToken encrypts a venue token for storage when a keyring is configured.
func (d *Database) sealToken(token string) (string, error) {
	if d.Keys == nil || token == "" {
		return token, nil
	}
	return d.Keys.Encrypt(token)
}

// openToken reverses sealToken. Rows written before encryption was enabled
// are plaintext and pass through unchanged.
func (d *Database) openToken(token string) (string, error) {
	if d.Keys == nil || !crypto.IsEncrypted(token) {
		return token, nil
	}
	return d.Keys.Decrypt(token)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
