// Package postgres implements internal/store's repositories atop
// sqlx + lib/pq, grounded on the source's trades_repo.go connection and
// duplicate-key handling pattern, generalized from trade inserts to
// upserts keyed on BacktestRow.timestamp / FilterHash; task rows use
// plain INSERT and UPDATE keyed on TaskID.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/dropleader/internal/store"
)

// Open connects to Postgres with the pool sizing the source applies to
// its own trades_repo connection.
func Open(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	return db, nil
}

// isUniqueViolation mirrors the source's trades_repo.go pq.Error("23505")
// check, here used to treat a race on CREATE as benign: the losing insert
// returns nil without re-reading the row.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// --- BacktestRepo ---

type backtestRepo struct{ db *sqlx.DB }

// NewBacktestRepo constructs a store.BacktestRepo.
func NewBacktestRepo(db *sqlx.DB) store.BacktestRepo { return &backtestRepo{db: db} }

type backtestRowDB struct {
	Timestamp              time.Time `db:"ts"`
	Hour                   int       `db:"hour"`
	Rankings               []byte    `db:"rankings"`
	RemovedSymbols         []byte    `db:"removed_symbols"`
	TotalMarketVolume      float64   `db:"total_market_volume"`
	TotalMarketQuoteVolume float64   `db:"total_market_quote_volume"`
	BTCPrice               float64   `db:"btc_price"`
	BTCPriceChange24h      float64   `db:"btc_price_change_24h"`
	BTCDOMPrice            *float64  `db:"btcdom_price"`
	BTCDOMPriceChange24h   *float64  `db:"btcdom_price_change_24h"`
	CalculationDurationMs  int64     `db:"calculation_duration_ms"`
	CreatedAt              time.Time `db:"created_at"`
}

func (r *backtestRepo) Upsert(ctx context.Context, row store.BacktestRow) error {
	rankings, err := json.Marshal(row.Rankings)
	if err != nil {
		return fmt.Errorf("marshal rankings: %w", err)
	}
	removed, err := json.Marshal(row.RemovedSymbols)
	if err != nil {
		return fmt.Errorf("marshal removed symbols: %w", err)
	}
	// Idempotency requirement (§9): the whole document is replaced on
	// timestamp collision, never partially merged.
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backtest_rows (
			ts, hour, rankings, removed_symbols, total_market_volume,
			total_market_quote_volume, btc_price, btc_price_change_24h,
			btcdom_price, btcdom_price_change_24h, calculation_duration_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (ts) DO UPDATE SET
			hour = EXCLUDED.hour,
			rankings = EXCLUDED.rankings,
			removed_symbols = EXCLUDED.removed_symbols,
			total_market_volume = EXCLUDED.total_market_volume,
			total_market_quote_volume = EXCLUDED.total_market_quote_volume,
			btc_price = EXCLUDED.btc_price,
			btc_price_change_24h = EXCLUDED.btc_price_change_24h,
			btcdom_price = EXCLUDED.btcdom_price,
			btcdom_price_change_24h = EXCLUDED.btcdom_price_change_24h,
			calculation_duration_ms = EXCLUDED.calculation_duration_ms,
			created_at = EXCLUDED.created_at
	`, row.Timestamp, row.Hour, rankings, removed, row.TotalMarketVolume,
		row.TotalMarketQuoteVolume, row.BTCPrice, row.BTCPriceChange24h,
		row.BTCDOMPrice, row.BTCDOMPriceChange24h, row.CalculationDuration.Milliseconds(), row.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return nil // lost an upsert race to a concurrent identical write
	}
	if err != nil {
		return fmt.Errorf("upsert backtest row: %w", err)
	}
	return nil
}

func (r *backtestRepo) GetByTimestamp(ctx context.Context, ts time.Time) (*store.BacktestRow, error) {
	var row backtestRowDB
	err := r.db.GetContext(ctx, &row, `SELECT * FROM backtest_rows WHERE ts = $1`, ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backtest row: %w", err)
	}
	return fromDB(row)
}

func (r *backtestRepo) Latest(ctx context.Context) (*store.BacktestRow, error) {
	var row backtestRowDB
	err := r.db.GetContext(ctx, &row, `SELECT * FROM backtest_rows ORDER BY ts DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest backtest row: %w", err)
	}
	return fromDB(row)
}

func (r *backtestRepo) ListRange(ctx context.Context, tr store.TimeRange) ([]store.BacktestRow, error) {
	var rows []backtestRowDB
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM backtest_rows WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC`, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("list backtest rows: %w", err)
	}
	out := make([]store.BacktestRow, 0, len(rows))
	for _, r := range rows {
		br, err := fromDB(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *br)
	}
	return out, nil
}

func fromDB(row backtestRowDB) (*store.BacktestRow, error) {
	var rankings, removed []store.LeaderboardItem
	if err := json.Unmarshal(row.Rankings, &rankings); err != nil {
		return nil, fmt.Errorf("unmarshal rankings: %w", err)
	}
	if err := json.Unmarshal(row.RemovedSymbols, &removed); err != nil {
		return nil, fmt.Errorf("unmarshal removed symbols: %w", err)
	}
	return &store.BacktestRow{
		Timestamp:              row.Timestamp,
		Hour:                   row.Hour,
		Rankings:               rankings,
		RemovedSymbols:         removed,
		TotalMarketVolume:      row.TotalMarketVolume,
		TotalMarketQuoteVolume: row.TotalMarketQuoteVolume,
		BTCPrice:               row.BTCPrice,
		BTCPriceChange24h:      row.BTCPriceChange24h,
		BTCDOMPrice:            row.BTCDOMPrice,
		BTCDOMPriceChange24h:   row.BTCDOMPriceChange24h,
		CalculationDuration:    time.Duration(row.CalculationDurationMs) * time.Millisecond,
		CreatedAt:              row.CreatedAt,
	}, nil
}

// --- FilterCacheRepo ---

type filterCacheRepo struct{ db *sqlx.DB }

// NewFilterCacheRepo constructs a store.FilterCacheRepo.
func NewFilterCacheRepo(db *sqlx.DB) store.FilterCacheRepo { return &filterCacheRepo{db: db} }

type filterCacheRowDB struct {
	FilterHash     string    `db:"filter_hash"`
	Criteria       string    `db:"criteria"`
	ValidSymbols   []byte    `db:"valid_symbols"`
	InvalidSymbols []byte    `db:"invalid_symbols"`
	InvalidReasons []byte    `db:"invalid_reasons"`
	Statistics     []byte    `db:"statistics"`
	ProcessingMs   int64     `db:"processing_time_ms"`
	CreatedAt      time.Time `db:"created_at"`
	LastUsedAt     time.Time `db:"last_used_at"`
	HitCount       int64     `db:"hit_count"`
}

func (r *filterCacheRepo) Get(ctx context.Context, hash string) (*store.SymbolFilterCacheEntry, error) {
	var row filterCacheRowDB
	err := r.db.GetContext(ctx, &row, `SELECT * FROM symbol_filter_cache WHERE filter_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get filter cache entry: %w", err)
	}
	var valid, invalid []string
	var reasons map[string][]string
	var stats map[string]int
	if err := json.Unmarshal(row.ValidSymbols, &valid); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.InvalidSymbols, &invalid); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.InvalidReasons, &reasons); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.Statistics, &stats); err != nil {
		return nil, err
	}
	return &store.SymbolFilterCacheEntry{
		FilterHash:     row.FilterHash,
		Criteria:       row.Criteria,
		ValidSymbols:   valid,
		InvalidSymbols: invalid,
		InvalidReasons: reasons,
		Statistics:     stats,
		ProcessingTime: time.Duration(row.ProcessingMs) * time.Millisecond,
		CreatedAt:      row.CreatedAt,
		LastUsedAt:     row.LastUsedAt,
		HitCount:       row.HitCount,
	}, nil
}

func (r *filterCacheRepo) Upsert(ctx context.Context, e store.SymbolFilterCacheEntry) error {
	valid, _ := json.Marshal(e.ValidSymbols)
	invalid, _ := json.Marshal(e.InvalidSymbols)
	reasons, _ := json.Marshal(e.InvalidReasons)
	stats, _ := json.Marshal(e.Statistics)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO symbol_filter_cache (
			filter_hash, criteria, valid_symbols, invalid_symbols, invalid_reasons,
			statistics, processing_time_ms, created_at, last_used_at, hit_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (filter_hash) DO UPDATE SET
			valid_symbols = EXCLUDED.valid_symbols,
			invalid_symbols = EXCLUDED.invalid_symbols,
			invalid_reasons = EXCLUDED.invalid_reasons,
			statistics = EXCLUDED.statistics,
			processing_time_ms = EXCLUDED.processing_time_ms,
			last_used_at = EXCLUDED.last_used_at,
			hit_count = EXCLUDED.hit_count
	`, e.FilterHash, e.Criteria, valid, invalid, reasons, stats,
		e.ProcessingTime.Milliseconds(), e.CreatedAt, e.LastUsedAt, e.HitCount)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("upsert filter cache entry: %w", err)
	}
	return nil
}

func (r *filterCacheRepo) BumpHit(ctx context.Context, hash string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE symbol_filter_cache SET hit_count = hit_count + 1, last_used_at = $2
		WHERE filter_hash = $1`, hash, at)
	if err != nil {
		return fmt.Errorf("bump filter cache hit: %w", err)
	}
	return nil
}

func (r *filterCacheRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM symbol_filter_cache WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge filter cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- TaskRepo ---

type taskRepo struct{ db *sqlx.DB }

// NewTaskRepo constructs a store.TaskRepo.
func NewTaskRepo(db *sqlx.DB) store.TaskRepo { return &taskRepo{db: db} }

type taskRowDB struct {
	TaskID           string         `db:"task_id"`
	Status           string         `db:"status"`
	Params           []byte         `db:"params"`
	CurrentTime      sql.NullTime   `db:"current_time"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ProcessingTimeMs int64          `db:"processing_time_ms"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r *taskRepo) Insert(ctx context.Context, t store.AsyncBacktestTask) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal task params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO async_backtest_tasks (task_id, status, params, started_at, processing_time_ms)
		VALUES ($1,$2,$3,$4,$5)
	`, t.TaskID, string(t.Status), params, t.StartedAt, t.ProcessingTimeMs)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *taskRepo) Update(ctx context.Context, t store.AsyncBacktestTask) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE async_backtest_tasks SET
			status = $2, current_time = $3, completed_at = $4,
			error_message = $5, processing_time_ms = $6
		WHERE task_id = $1
	`, t.TaskID, string(t.Status), t.CurrentTime, t.CompletedAt, t.ErrorMessage, t.ProcessingTimeMs)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, taskID string) (*store.AsyncBacktestTask, error) {
	var row taskRowDB
	err := r.db.GetContext(ctx, &row, `SELECT * FROM async_backtest_tasks WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return taskFromDB(row)
}

func (r *taskRepo) ListByStatus(ctx context.Context, status store.TaskStatus) ([]store.AsyncBacktestTask, error) {
	var rows []taskRowDB
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM async_backtest_tasks WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	out := make([]store.AsyncBacktestTask, 0, len(rows))
	for _, row := range rows {
		t, err := taskFromDB(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func taskFromDB(row taskRowDB) (*store.AsyncBacktestTask, error) {
	var params store.BacktestParams
	if err := json.Unmarshal(row.Params, &params); err != nil {
		return nil, fmt.Errorf("unmarshal task params: %w", err)
	}
	t := &store.AsyncBacktestTask{
		TaskID:           row.TaskID,
		Status:           store.TaskStatus(row.Status),
		Params:           params,
		ProcessingTimeMs: row.ProcessingTimeMs,
	}
	if row.CurrentTime.Valid {
		t.CurrentTime = &row.CurrentTime.Time
	}
	if row.StartedAt.Valid {
		t.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		t.CompletedAt = &row.CompletedAt.Time
	}
	if row.ErrorMessage.Valid {
		t.ErrorMessage = &row.ErrorMessage.String
	}
	return t, nil
}
