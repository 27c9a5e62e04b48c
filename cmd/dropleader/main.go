// Command dropleader runs the drop-leaderboard backtest core: ad-hoc and
// scheduled backtests, task management, and filter-cache maintenance.
package main

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/dropleader/internal/backtest"
	"github.com/sawpanic/dropleader/internal/board"
	"github.com/sawpanic/dropleader/internal/config"
	"github.com/sawpanic/dropleader/internal/eligibility"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/filtercache"
	"github.com/sawpanic/dropleader/internal/funding"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/store"
	"github.com/sawpanic/dropleader/internal/store/postgres"
	"github.com/sawpanic/dropleader/internal/tasks"
	"github.com/sawpanic/dropleader/internal/window"
)

const appName = "dropleader"

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Historical drop-leaderboard backtest core",
		Version: "v0.1.0",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults applied if omitted)")

	rootCmd.AddCommand(newBacktestCmd())
	rootCmd.AddCommand(newSchedulerCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newFilterCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	if configPath == "" {
		return config.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	return cfg
}

// deps bundles every wired component a subcommand needs; not every
// subcommand uses all of them.
type deps struct {
	cfg     config.Config
	metrics *metrics.Collector
	feed    feed.MarketFeed
	store   *store.Store
	cache   *filtercache.Cache
	elig    *eligibility.Filter
	window  *window.Engine
	board   *board.Builder
	funding *funding.Enricher
	engine  *backtest.Engine
	tasks   *tasks.Supervisor
}

func wire(cfg config.Config) *deps {
	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	mf := feed.New(feed.Config{
		APIKey:        cfg.Feed.APIKey,
		APISecret:     cfg.Feed.APISecret,
		BaseURL:       cfg.Feed.BaseURL,
		FuturesURL:    cfg.Feed.FuturesURL,
		MaxRetries:    cfg.Feed.MaxRetries,
		BackoffBase:   time.Duration(cfg.Feed.BackoffBaseMs) * time.Millisecond,
		BreakerWindow: 60 * time.Second,
	})

	db, err := postgres.Open(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, time.Duration(cfg.Store.ConnMaxLifetime)*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	objStore := &store.Store{
		Backtests: postgres.NewBacktestRepo(db),
		Filters:   postgres.NewFilterCacheRepo(db),
		Tasks:     postgres.NewTaskRepo(db),
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr, DB: cfg.Cache.DB})
	cache := filtercache.New(rc, objStore.Filters, cfg.Cache.TTLDays, m)

	elig := eligibility.New(mf, m)
	win := window.New(mf, m)
	brd := board.New(mf, m)
	fnd := funding.New(mf, m)

	engine := backtest.New(mf, objStore, cache, elig, win, brd, fnd, m)
	supervisor := tasks.New(objStore.Tasks, engine, m)

	return &deps{
		cfg: cfg, metrics: m, feed: mf, store: objStore, cache: cache,
		elig: elig, window: win, board: brd, funding: fnd,
		engine: engine, tasks: supervisor,
	}
}
