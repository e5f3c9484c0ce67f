package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Decision is one full cycle record: what the agent saw, what the model said,
// and what was done about it
type Decision struct {
	ID            int64          `json:"id"`
	AgentID       string         `json:"agent_id"`
	Cycle         int            `json:"cycle"`
	Timestamp     time.Time      `json:"timestamp"`
	UserPrompt    string         `json:"user_prompt"`
	CoTTrace      string         `json:"cot_trace"`
	RawResponse   string         `json:"raw_response,omitempty"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Equity        float64        `json:"equity"`
	Available     float64        `json:"available"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	PositionCount int            `json:"position_count"`
	MarginUsedPct float64        `json:"margin_used_pct"`
	ParseNotes    []string       `json:"parse_notes,omitempty"`
	Actions       []ActionRecord `json:"actions"`
}

// ActionRecord is the per-action outcome inside a cycle
type ActionRecord struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Leverage  int       `json:"leverage,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trade is one realized round trip (full or partial close)
type Trade struct {
	ID          int64     `json:"id"`
	AgentID     string    `json:"agent_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Leverage    int       `json:"leverage"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// EquityPoint is one sample of the account equity curve. NetDeposit is the
// external transfer detected since the previous sample (negative for
// withdrawals); analytics subtract the cumulative sum so capital inflows
// don't read as trading returns.
type EquityPoint struct {
	AgentID       string    `json:"agent_id"`
	Cycle         int       `json:"cycle"`
	Timestamp     time.Time `json:"timestamp"`
	Equity        float64   `json:"equity"`
	WalletBalance float64   `json:"wallet_balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	NetDeposit    float64   `json:"net_deposit"`
}

// Store persists decisions, trades and equity points for all agents.
// SQLite by default, PostgreSQL when a connection string is configured.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to PostgreSQL when postgresURL is set, otherwise opens the
// SQLite file at sqlitePath (":memory:" works for tests)
func Open(sqlitePath, postgresURL string) (*Store, error) {
	if postgresURL != "" {
		if !strings.Contains(postgresURL, "connect_timeout") {
			sep := "?"
			if strings.Contains(postgresURL, "?") {
				sep = "&"
			}
			postgresURL += sep + "connect_timeout=30"
		}
		db, err := sql.Open("postgres", postgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}

		store := &Store{db: db, postgres: true}
		if err := store.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		log.Printf("✅ Connected to PostgreSQL ledger")
		return store, nil
	}

	if sqlitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", sqlitePath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if sqlitePath == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite connection failed: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsCol := "DATETIME"
	if s.postgres {
		idCol = "SERIAL PRIMARY KEY"
		tsCol = "TIMESTAMPTZ"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS decisions (
		id %[1]s,
		agent_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		timestamp %[2]s NOT NULL,
		user_prompt TEXT,
		cot_trace TEXT,
		raw_response TEXT,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		equity REAL NOT NULL,
		available REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		position_count INTEGER NOT NULL,
		margin_used_pct REAL NOT NULL,
		parse_notes TEXT,
		UNIQUE(agent_id, cycle)
	);

	CREATE TABLE IF NOT EXISTS decision_actions (
		id %[1]s,
		decision_id INTEGER NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		leverage INTEGER,
		order_id TEXT,
		success BOOLEAN NOT NULL,
		error TEXT,
		timestamp %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id %[1]s,
		agent_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		leverage INTEGER NOT NULL,
		opened_at %[2]s NOT NULL,
		closed_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS equity_points (
		id %[1]s,
		agent_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		timestamp %[2]s NOT NULL,
		equity REAL NOT NULL,
		wallet_balance REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		net_deposit REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id, cycle);
	CREATE INDEX IF NOT EXISTS idx_actions_decision ON decision_actions(decision_id);
	CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(agent_id, closed_at);
	CREATE INDEX IF NOT EXISTS idx_equity_agent ON equity_points(agent_id, timestamp);
	`, idCol, tsCol)

	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $N for PostgreSQL
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// MaxCycle returns the highest persisted cycle for an agent, 0 when none.
// Used on startup so cycle numbering survives restarts.
func (s *Store) MaxCycle(agentID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(s.rebind("SELECT MAX(cycle) FROM decisions WHERE agent_id = ?"), agentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max cycle: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// SaveDecision persists one cycle record with its actions in a transaction
func (s *Store) SaveDecision(d *Decision) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	notesJSON, _ := json.Marshal(d.ParseNotes)

	// raw_response is only worth keeping when something went wrong
	rawResponse := d.RawResponse
	if d.Success {
		rawResponse = ""
	}

	var decisionID int64
	if s.postgres {
		err = tx.QueryRow(s.rebind(`
			INSERT INTO decisions (
				agent_id, cycle, timestamp, user_prompt, cot_trace, raw_response,
				success, error_message, equity, available, unrealized_pnl,
				position_count, margin_used_pct, parse_notes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			d.AgentID, d.Cycle, d.Timestamp, d.UserPrompt, d.CoTTrace, rawResponse,
			d.Success, d.ErrorMessage, d.Equity, d.Available, d.UnrealizedPnL,
			d.PositionCount, d.MarginUsedPct, string(notesJSON)).Scan(&decisionID)
		if err != nil {
			return err
		}
	} else {
		result, err := tx.Exec(`
			INSERT INTO decisions (
				agent_id, cycle, timestamp, user_prompt, cot_trace, raw_response,
				success, error_message, equity, available, unrealized_pnl,
				position_count, margin_used_pct, parse_notes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.AgentID, d.Cycle, d.Timestamp, d.UserPrompt, d.CoTTrace, rawResponse,
			d.Success, d.ErrorMessage, d.Equity, d.Available, d.UnrealizedPnL,
			d.PositionCount, d.MarginUsedPct, string(notesJSON))
		if err != nil {
			return err
		}
		decisionID, err = result.LastInsertId()
		if err != nil {
			return err
		}
	}
	d.ID = decisionID

	for _, a := range d.Actions {
		_, err = tx.Exec(s.rebind(`
			INSERT INTO decision_actions (
				decision_id, kind, symbol, quantity, price, leverage, order_id,
				success, error, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			decisionID, a.Kind, a.Symbol, a.Quantity, a.Price, a.Leverage,
			a.OrderID, a.Success, a.Error, a.Timestamp)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordTrade persists one realized trade
func (s *Store) RecordTrade(t *Trade) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO trades (
			agent_id, symbol, side, quantity, entry_price, exit_price,
			realized_pnl, leverage, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.AgentID, t.Symbol, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, t.Leverage, t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecordEquityPoint appends one equity curve sample
func (s *Store) RecordEquityPoint(p *EquityPoint) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO equity_points (agent_id, cycle, timestamp, equity, wallet_balance, unrealized_pnl, net_deposit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.AgentID, p.Cycle, p.Timestamp, p.Equity, p.WalletBalance, p.UnrealizedPnL, p.NetDeposit)
	if err != nil {
		return fmt.Errorf("failed to record equity point: %w", err)
	}
	return nil
}

// Decisions returns a page of cycle records, oldest first within the page.
// offset skips that many records counting back from the newest.
func (s *Store) Decisions(agentID string, n, offset int) ([]*Decision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, agent_id, cycle, timestamp, user_prompt, cot_trace, raw_response,
			success, error_message, equity, available, unrealized_pnl,
			position_count, margin_used_pct, parse_notes
		FROM decisions
		WHERE agent_id = ?
		ORDER BY cycle DESC
		LIMIT ? OFFSET ?`), agentID, n, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d, err := s.scanDecision(rows)
		if err != nil {
			continue
		}
		decisions = append(decisions, d)
	}

	// reverse so charts read old to new
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	return decisions, nil
}

// LatestDecision returns the most recent cycle record, nil when none exists
func (s *Store) LatestDecision(agentID string) (*Decision, error) {
	decisions, err := s.Decisions(agentID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(decisions) == 0 {
		return nil, nil
	}
	return decisions[len(decisions)-1], nil
}

func (s *Store) scanDecision(rows *sql.Rows) (*Decision, error) {
	var d Decision
	var notesJSON string
	err := rows.Scan(
		&d.ID, &d.AgentID, &d.Cycle, &d.Timestamp, &d.UserPrompt, &d.CoTTrace,
		&d.RawResponse, &d.Success, &d.ErrorMessage, &d.Equity, &d.Available,
		&d.UnrealizedPnL, &d.PositionCount, &d.MarginUsedPct, &notesJSON,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(notesJSON), &d.ParseNotes)
	d.Actions, _ = s.loadActions(d.ID)
	return &d, nil
}

func (s *Store) loadActions(decisionID int64) ([]ActionRecord, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT kind, symbol, quantity, price, leverage, order_id, success, error, timestamp
		FROM decision_actions
		WHERE decision_id = ?
		ORDER BY timestamp`), decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []ActionRecord
	for rows.Next() {
		var a ActionRecord
		var leverage sql.NullInt64
		var orderID, errMsg sql.NullString
		if err := rows.Scan(&a.Kind, &a.Symbol, &a.Quantity, &a.Price, &leverage, &orderID, &a.Success, &errMsg, &a.Timestamp); err != nil {
			continue
		}
		a.Leverage = int(leverage.Int64)
		a.OrderID = orderID.String
		a.Error = errMsg.String
		actions = append(actions, a)
	}
	return actions, nil
}

// Trades returns the latest n realized trades, newest first. n <= 0 means all.
func (s *Store) Trades(agentID string, n int) ([]*Trade, error) {
	query := `
		SELECT id, agent_id, symbol, side, quantity, entry_price, exit_price,
			realized_pnl, leverage, opened_at, closed_at
		FROM trades
		WHERE agent_id = ?
		ORDER BY closed_at DESC`
	args := []interface{}{agentID}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Symbol, &t.Side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.RealizedPnL, &t.Leverage,
			&t.OpenedAt, &t.ClosedAt); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, nil
}

// EquityHistory returns the latest n equity samples, oldest first. n <= 0 means all.
func (s *Store) EquityHistory(agentID string, n int) ([]*EquityPoint, error) {
	query := `
		SELECT agent_id, cycle, timestamp, equity, wallet_balance, unrealized_pnl, net_deposit
		FROM equity_points
		WHERE agent_id = ?
		ORDER BY timestamp DESC`
	args := []interface{}{agentID}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity history: %w", err)
	}
	defer rows.Close()

	var points []*EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.AgentID, &p.Cycle, &p.Timestamp, &p.Equity, &p.WalletBalance, &p.UnrealizedPnL, &p.NetDeposit); err != nil {
			continue
		}
		points = append(points, &p)
	}

	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// LastEquityPoint returns the most recent equity sample, nil when none exists
func (s *Store) LastEquityPoint(agentID string) (*EquityPoint, error) {
	points, err := s.EquityHistory(agentID, 1)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points[len(points)-1], nil
}

// FirstEquitySince returns the earliest equity sample at or after t, used to
// anchor the daily loss limit at the UTC day boundary
func (s *Store) FirstEquitySince(agentID string, t time.Time) (*EquityPoint, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT agent_id, cycle, timestamp, equity, wallet_balance, unrealized_pnl, net_deposit
		FROM equity_points
		WHERE agent_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT 1`), agentID, t)

	var p EquityPoint
	err := row.Scan(&p.AgentID, &p.Cycle, &p.Timestamp, &p.Equity, &p.WalletBalance, &p.UnrealizedPnL, &p.NetDeposit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query day start equity: %w", err)
	}
	return &p, nil
}

// RealizedPnLSince sums realized pnl closed at or after t. Compared against
// the wallet balance delta to spot external deposits and withdrawals.
func (s *Store) RealizedPnLSince(agentID string, t time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRow(s.rebind(`
		SELECT SUM(realized_pnl) FROM trades
		WHERE agent_id = ? AND closed_at >= ?`), agentID, t).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return sum.Float64, nil
}
