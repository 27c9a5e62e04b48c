// Package store implements the ObjectStore capability (§6): indexed
// persistence with upsert for BacktestRow, SymbolFilterCacheEntry, and
// AsyncBacktestTask. The upsert-via-unique-constraint shape is grounded on
// the source's trades_repo.go pq.Error(23505) duplicate-key handling,
// generalized to ON CONFLICT ... DO UPDATE for BacktestRow and
// SymbolFilterCacheEntry; AsyncBacktestTask rows use plain INSERT/UPDATE.
package store

import (
	"context"
	"time"
)

// TimeRange is an equality/range query bound on a timestamp column.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// LeaderboardItem mirrors §3's per-symbol row shape.
type LeaderboardItem struct {
	Rank               int
	Symbol             string
	BaseAsset          string
	QuoteAsset         string
	PriceChange24h     float64
	PriceAtTime        float64
	Price24hAgo        float64
	Volume24h          float64
	QuoteVolume24h     float64
	MarketShare        float64
	Volatility24h      float64
	High24h            float64
	Low24h             float64
	FutureSymbol       *string
	FuturePriceAtTime  *float64
	CurrentFundingRate *float64
	FundingRateHistory []FundingObservation
}

// FundingObservation mirrors §4.7's persisted funding shape.
type FundingObservation struct {
	FundingTime time.Time
	FundingRate float64
	MarkPrice   *float64
}

// BacktestRow is one persisted record per period instant (§3).
type BacktestRow struct {
	Timestamp              time.Time
	Hour                   int
	Rankings               []LeaderboardItem
	RemovedSymbols         []LeaderboardItem
	TotalMarketVolume      float64
	TotalMarketQuoteVolume float64
	BTCPrice               float64
	BTCPriceChange24h      float64
	BTCDOMPrice            *float64
	BTCDOMPriceChange24h   *float64
	CalculationDuration    time.Duration
	CreatedAt              time.Time
}

// SymbolFilterCacheEntry is one cached eligibility-filter result (§3, §4.3).
type SymbolFilterCacheEntry struct {
	FilterHash      string
	Criteria        string // canonical JSON used to derive FilterHash
	ValidSymbols    []string
	InvalidSymbols  []string
	InvalidReasons  map[string][]string
	Statistics      map[string]int
	ProcessingTime  time.Duration
	CreatedAt       time.Time
	LastUsedAt      time.Time
	HitCount        int64
}

// TaskStatus is an AsyncBacktestTask lifecycle state (§3, §4.9).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// BacktestParams is the parameter contract for a backtest invocation (§6).
type BacktestParams struct {
	StartTime          time.Time
	EndTime            time.Time
	Symbols            []string
	Limit              int
	MinVolumeThreshold float64
	QuoteAsset         string
	MinHistoryDays     int
	GranularityHours   int
}

// AsyncBacktestTask is one persisted task row (§3).
type AsyncBacktestTask struct {
	TaskID           string
	Status           TaskStatus
	Params           BacktestParams
	CurrentTime      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     *string
	ProcessingTimeMs int64
}

// BacktestRepo persists BacktestRow with upsert-on-timestamp semantics.
type BacktestRepo interface {
	Upsert(ctx context.Context, row BacktestRow) error
	GetByTimestamp(ctx context.Context, ts time.Time) (*BacktestRow, error)
	Latest(ctx context.Context) (*BacktestRow, error)
	ListRange(ctx context.Context, tr TimeRange) ([]BacktestRow, error)
}

// FilterCacheRepo persists SymbolFilterCacheEntry rows.
type FilterCacheRepo interface {
	Get(ctx context.Context, hash string) (*SymbolFilterCacheEntry, error)
	Upsert(ctx context.Context, entry SymbolFilterCacheEntry) error
	BumpHit(ctx context.Context, hash string, at time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskRepo persists AsyncBacktestTask rows.
type TaskRepo interface {
	Insert(ctx context.Context, task AsyncBacktestTask) error
	Update(ctx context.Context, task AsyncBacktestTask) error
	Get(ctx context.Context, taskID string) (*AsyncBacktestTask, error)
	ListByStatus(ctx context.Context, status TaskStatus) ([]AsyncBacktestTask, error)
}

// Store aggregates the three repositories the core persists through.
type Store struct {
	Backtests BacktestRepo
	Filters   FilterCacheRepo
	Tasks     TaskRepo
}
