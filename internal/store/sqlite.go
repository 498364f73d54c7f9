package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"grid_quant/internal/domain"

	_ "modernc.org/sqlite"
)

// Filter narrows list queries. Empty fields match everything.
type Filter struct {
	Symbol    string
	Direction domain.Direction
	Limit     int
}

// SQLiteRepository 成交与对账流水，只做审计与状态查询，网格状态以账本文件为准。
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			trade_side TEXT NOT NULL,
			price REAL NOT NULL,
			filled REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(symbol, order_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			anchor INTEGER NOT NULL,
			targets INTEGER NOT NULL,
			kept INTEGER NOT NULL,
			created INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			close_disabled INTEGER NOT NULL,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_strategy ON fills(symbol, direction);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_strategy ON sync_runs(symbol, direction);`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}

	return nil
}

// InsertFill 记录一次成交；订单号只在交易对内唯一，同一交易对同一订单重复推送时返回 false
func (r *SQLiteRepository) InsertFill(ctx context.Context, fill domain.FillRecord) (bool, error) {
	if fill.CreatedAt.IsZero() {
		fill.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO fills (order_id, client_order_id, symbol, direction, trade_side, price, filled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.OrderID,
		fill.ClientOrderID,
		fill.Symbol,
		string(fill.Direction),
		string(fill.TradeSide),
		fill.Price,
		fill.Filled,
		fill.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ListFills(ctx context.Context, filter Filter) ([]domain.FillRecord, error) {
	where, args := filter.clause()
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, client_order_id, symbol, direction, trade_side, price, filled, created_at FROM fills`+where+
			` ORDER BY id DESC LIMIT ?`, append(args, filter.limit())...)
	if err != nil {
		return nil, fmt.Errorf("查询成交记录: %w", err)
	}
	defer rows.Close()

	var out []domain.FillRecord
	for rows.Next() {
		var f domain.FillRecord
		var dir, side string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.ClientOrderID, &f.Symbol, &dir, &side, &f.Price, &f.Filled, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描成交记录: %w", err)
		}
		f.Direction = domain.Direction(dir)
		f.TradeSide = domain.TradeSide(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) InsertSyncRun(ctx context.Context, run domain.SyncRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO sync_runs (symbol, direction, trigger_source, anchor, targets, kept, created, cancelled, close_disabled, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Symbol,
		string(run.Direction),
		run.Trigger,
		run.Anchor,
		run.Targets,
		run.Kept,
		run.Created,
		run.Cancelled,
		boolToInt(run.CloseDisabled),
		nullableString(run.ErrorMessage),
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListSyncRuns(ctx context.Context, filter Filter) ([]domain.SyncRun, error) {
	where, args := filter.clause()
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, direction, trigger_source, anchor, targets, kept, created, cancelled,
			close_disabled, COALESCE(error_message, ''), created_at
		FROM sync_runs`+where+` ORDER BY id DESC LIMIT ?`, append(args, filter.limit())...)
	if err != nil {
		return nil, fmt.Errorf("查询对账记录: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncRun
	for rows.Next() {
		var s domain.SyncRun
		var dir string
		var closeDisabled int
		if err := rows.Scan(&s.ID, &s.Symbol, &dir, &s.Trigger, &s.Anchor, &s.Targets, &s.Kept,
			&s.Created, &s.Cancelled, &closeDisabled, &s.ErrorMessage, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描对账记录: %w", err)
		}
		s.Direction = domain.Direction(dir)
		s.CloseDisabled = closeDisabled == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
