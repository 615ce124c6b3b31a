package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"papertrade-go/models"
	"papertrade-go/portfolio"
	"papertrade-go/risk"
)

// Store SQLite 持久层：账本状态（重启续跑）、成交流水、信号、
// 风控事件审计与权益曲线。
type Store struct {
	db *sql.DB
}

type EquityPoint struct {
	Ts            string  `json:"ts"`
	Balance       float64 `json:"balance"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
}

type RiskEvent struct {
	ID     int64  `json:"id"`
	Ts     string `json:"ts"`
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/papertrade.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA temp_store = MEMORY;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply sqlite pragma failed: %s: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS portfolio_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			updated_at TEXT NOT NULL,
			state TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			signal_id TEXT,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			stop_loss REAL,
			take_profit REAL,
			partial INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			funding_fee REAL NOT NULL DEFAULT 0,
			realized_pnl REAL,
			close_reason TEXT,
			status TEXT NOT NULL,
			entry_time TEXT NOT NULL,
			closed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT,
			direction TEXT NOT NULL,
			confidence REAL NOT NULL,
			regime TEXT,
			rationale TEXT,
			votes TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			symbol TEXT,
			kind TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS equity_curve (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			balance REAL,
			unrealized_pnl REAL,
			equity REAL
		);`,
		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			end_equity REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			trades_closed INTEGER NOT NULL,
			return_pct REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_entry_time ON trades(symbol, entry_time);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_events_ts ON risk_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_curve_ts ON equity_curve(ts);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SavePortfolioState 覆盖保存账本状态（单行表，JSON 序列化）
func (s *Store) SavePortfolioState(state portfolio.State) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO portfolio_state (id, updated_at, state) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at, state=excluded.state`,
		time.Now().UTC().Format(time.RFC3339), string(raw),
	)
	return err
}

// LoadPortfolioState 载入账本状态。ok=false 表示首次启动没有存档。
func (s *Store) LoadPortfolioState() (portfolio.State, bool, error) {
	if s == nil {
		return portfolio.State{}, false, nil
	}
	var raw string
	err := s.db.QueryRow(`SELECT state FROM portfolio_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return portfolio.State{}, false, nil
	}
	if err != nil {
		return portfolio.State{}, false, err
	}
	var state portfolio.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return portfolio.State{}, false, fmt.Errorf("账本存档损坏: %w", err)
	}
	return state, true, nil
}

// SaveTrade 插入或更新一笔持仓记录（开仓与平仓各写一次）
func (s *Store) SaveTrade(t models.Trade) error {
	if s == nil || t.ID == "" {
		return nil
	}
	var exitPrice, realized sql.NullFloat64
	var closeReason, closedAt sql.NullString
	if t.Status == models.TradeClosed {
		exitPrice = sql.NullFloat64{Float64: t.ExitPrice, Valid: true}
		realized = sql.NullFloat64{Float64: t.RealizedPnL, Valid: true}
		closeReason = sql.NullString{String: string(t.CloseReason), Valid: true}
		closedAt = sql.NullString{String: t.ClosedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO trades (id, signal_id, symbol, direction, entry_price, exit_price, quantity, leverage,
			stop_loss, take_profit, partial, latency_ms, funding_fee, realized_pnl, close_reason, status, entry_time, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			exit_price=excluded.exit_price,
			funding_fee=excluded.funding_fee,
			realized_pnl=excluded.realized_pnl,
			close_reason=excluded.close_reason,
			status=excluded.status,
			closed_at=excluded.closed_at`,
		t.ID, t.SignalID, t.Symbol, string(t.Direction), t.EntryPrice, exitPrice, t.Quantity, t.Leverage,
		t.StopLoss, t.TakeProfit, boolToInt(t.Partial), t.LatencyMs, t.FundingFee,
		realized, closeReason, string(t.Status), t.EntryTime.UTC().Format(time.RFC3339), closedAt,
	)
	return err
}

// SaveSignal 保存一条合成信号（投票明细 JSON 序列化）
func (s *Store) SaveSignal(sig models.Signal) error {
	if s == nil || sig.ID == "" {
		return nil
	}
	votes, _ := json.Marshal(sig.Votes)
	_, err := s.db.Exec(
		`INSERT INTO signals (id, ts, symbol, timeframe, direction, confidence, regime, rationale, votes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sig.ID, sig.GeneratedAt.UTC().Format(time.RFC3339), sig.Symbol, sig.Timeframe,
		string(sig.Direction), sig.Confidence, string(sig.Regime), sig.Rationale, string(votes),
	)
	return err
}

// SaveRiskEvent 风控审计：准入拒绝、订单拒绝、冷却触发、行情失效
func (s *Store) SaveRiskEvent(symbol, kind, detail string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO risk_events (ts, symbol, kind, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), symbol, kind, detail,
	)
	return err
}

// SaveAdmission 保存一次准入决策为风控事件
func (s *Store) SaveAdmission(symbol string, d risk.Decision) error {
	if s == nil || d.Allowed {
		return nil
	}
	return s.SaveRiskEvent(symbol, string(d.Reason), d.Detail)
}

// SaveEquity 追加一个权益曲线采样点
func (s *Store) SaveEquity(balance, upl float64) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO equity_curve (ts, balance, unrealized_pnl, equity) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), balance, upl, balance+upl,
	)
	return err
}

// SaveDailySnapshot 归档一天的绩效
func (s *Store) SaveDailySnapshot(snap models.DailySnapshot) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO daily_snapshots (date, start_equity, end_equity, realized_pnl, trades_closed, return_pct)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
			end_equity=excluded.end_equity,
			realized_pnl=excluded.realized_pnl,
			trades_closed=excluded.trades_closed,
			return_pct=excluded.return_pct`,
		snap.Date, snap.StartEquity, snap.EndEquity, snap.RealizedPnL, snap.TradesClosed, snap.ReturnPercent,
	)
	return err
}

// RecentSignals 最近的信号记录
func (s *Store) RecentSignals(limit int) ([]models.Signal, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT id, ts, symbol, timeframe, direction, confidence, regime, rationale, votes
		 FROM signals ORDER BY ts DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		var (
			sig              models.Signal
			ts, dir, reg     string
			rationale, votes sql.NullString
		)
		if err := rows.Scan(&sig.ID, &ts, &sig.Symbol, &sig.Timeframe, &dir, &sig.Confidence, &reg, &rationale, &votes); err != nil {
			return nil, err
		}
		sig.Direction = models.Direction(dir)
		sig.Regime = models.RegimeLabel(reg)
		sig.Rationale = rationale.String
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sig.GeneratedAt = t
		}
		if votes.Valid && votes.String != "" {
			_ = json.Unmarshal([]byte(votes.String), &sig.Votes)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// RecentRiskEvents 最近的风控事件
func (s *Store) RecentRiskEvents(limit int) ([]RiskEvent, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, ts, COALESCE(symbol,''), kind, COALESCE(detail,'')
		 FROM risk_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RiskEvent
	for rows.Next() {
		var ev RiskEvent
		if err := rows.Scan(&ev.ID, &ev.Ts, &ev.Symbol, &ev.Kind, &ev.Detail); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EquityTrendSince 某时刻之后的权益曲线
func (s *Store) EquityTrendSince(since time.Time) ([]EquityPoint, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT ts, balance, unrealized_pnl, equity FROM equity_curve WHERE ts >= ? ORDER BY id ASC`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		var balance, upl, equity sql.NullFloat64
		if err := rows.Scan(&p.Ts, &balance, &upl, &equity); err != nil {
			return nil, err
		}
		p.Balance = balance.Float64
		p.UnrealizedPnL = upl.Float64
		p.Equity = equity.Float64
		out = append(out, p)
	}
	return out, rows.Err()
}

// DailySnapshots 已归档的每日绩效
func (s *Store) DailySnapshots(limit int) ([]models.DailySnapshot, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.db.Query(
		`SELECT date, start_equity, end_equity, realized_pnl, trades_closed, return_pct
		 FROM daily_snapshots ORDER BY date DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DailySnapshot
	for rows.Next() {
		var snap models.DailySnapshot
		if err := rows.Scan(&snap.Date, &snap.StartEquity, &snap.EndEquity,
			&snap.RealizedPnL, &snap.TradesClosed, &snap.ReturnPercent); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// TradeHistory 已平仓交易流水
func (s *Store) TradeHistory(symbol string, limit int) ([]models.Trade, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query := `SELECT id, signal_id, symbol, direction, entry_price, exit_price, quantity, leverage,
		stop_loss, take_profit, partial, latency_ms, funding_fee, realized_pnl, close_reason, status, entry_time, closed_at
		FROM trades WHERE status = 'closed'`
	args := []any{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			t                     models.Trade
			dir, status, entryTS  string
			exitPrice, realized   sql.NullFloat64
			closeReason, closedAt sql.NullString
			partial               int
		)
		if err := rows.Scan(&t.ID, &t.SignalID, &t.Symbol, &dir, &t.EntryPrice, &exitPrice, &t.Quantity, &t.Leverage,
			&t.StopLoss, &t.TakeProfit, &partial, &t.LatencyMs, &t.FundingFee,
			&realized, &closeReason, &status, &entryTS, &closedAt); err != nil {
			return nil, err
		}
		t.Direction = models.Direction(dir)
		t.Status = models.TradeStatus(status)
		t.Partial = partial == 1
		t.ExitPrice = exitPrice.Float64
		t.RealizedPnL = realized.Float64
		t.CloseReason = models.CloseReason(closeReason.String)
		if ts, err := time.Parse(time.RFC3339, entryTS); err == nil {
			t.EntryTime = ts
		}
		if closedAt.Valid {
			if ts, err := time.Parse(time.RFC3339, closedAt.String); err == nil {
				t.ClosedAt = ts
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
