// Package metrics wires the core's counters and gauges into
// client_golang's default registry. The source's own collector is a
// hand-rolled struct dashboard fed to an out-of-scope HTTP endpoint; since
// that endpoint is not part of this core, the metrics here are registered
// directly against prometheus instead, which is the library's own idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the gauges/counters the core's components update.
type Collector struct {
	PoolConcurrency      *prometheus.GaugeVec
	PoolAdjustments      *prometheus.CounterVec
	PoolJobsRetried      *prometheus.CounterVec
	CacheHits            prometheus.Counter
	CacheMisses          prometheus.Counter
	WindowEvictions      prometheus.Counter
	FundingEnrichFailure prometheus.Counter
	SchedulerDispatches  prometheus.Counter
	SchedulerSkips       *prometheus.CounterVec
	TaskTransitions      *prometheus.CounterVec
	PeriodDuration       prometheus.Histogram
}

// New registers and returns a Collector on reg. Pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests to avoid duplicate-registration panics across test cases.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		PoolConcurrency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dropleader",
			Subsystem: "pool",
			Name:      "concurrency",
			Help:      "current in-flight job budget per pool name",
		}, []string{"pool"}),
		PoolAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "pool",
			Name:      "adjustments_total",
			Help:      "adaptive concurrency adjustments, labeled grow|shrink",
		}, []string{"pool", "direction"}),
		PoolJobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "pool",
			Name:      "jobs_retried_total",
			Help:      "job retry attempts",
		}, []string{"pool"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "filtercache",
			Name:      "hits_total",
			Help:      "eligibility filter cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "filtercache",
			Name:      "misses_total",
			Help:      "eligibility filter cache misses",
		}),
		WindowEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "window",
			Name:      "evictions_total",
			Help:      "symbols evicted from a period for a failed fetch or zero candles",
		}),
		FundingEnrichFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "funding",
			Name:      "enrich_failures_total",
			Help:      "rows persisted without funding enrichment",
		}),
		SchedulerDispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "async backtest tasks dispatched by the scheduler",
		}),
		SchedulerSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "scheduler fires skipped, labeled by reason",
		}, []string{"reason"}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropleader",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "AsyncBacktestTask state transitions",
		}, []string{"to"}),
		PeriodDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dropleader",
			Subsystem: "backtest",
			Name:      "period_duration_seconds",
			Help:      "wall time to process one period instant",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
