// Package pool implements ConcurrencyPool (§4.1): a bounded, optionally
// adaptive worker pool over a finite job sequence, with per-job retry and
// exponential backoff. The bounded in-flight/backoff/retry shape is
// grounded on the source's provider-guard retry loop, generalized from a
// single HTTP fetcher to an arbitrary job closure.
package pool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/dropleader/internal/metrics"
)

// Options configures a Pool run (§4.1).
type Options struct {
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int
	Adaptive           bool
	Retry              bool
	MaxRetries         int
	Name               string // metrics label
}

// Metrics is the result bookkeeping returned alongside a run's outputs.
type Metrics struct {
	Processed        int
	Failed           int
	Retried          int
	AvgResponseTime  time.Duration
	FinalConcurrency int
	Adjustments      int
}

// Result pairs a job's input with its outcome.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Pool runs a processor over items with bounded concurrency (§4.1). The
// pool never introduces ordering between independent jobs: callers must
// not assume Results arrive or complete in input order.
type Pool[T, R any] struct {
	opts Options
	m    *metrics.Collector // optional, may be nil
}

// New constructs a Pool. m may be nil when metrics are not wired (e.g. in
// unit tests).
func New[T, R any](opts Options, m *metrics.Collector) *Pool[T, R] {
	if opts.InitialConcurrency <= 0 {
		opts.InitialConcurrency = 1
	}
	if opts.MinConcurrency <= 0 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.MinConcurrency {
		opts.MaxConcurrency = opts.MinConcurrency
	}
	if opts.InitialConcurrency > opts.MaxConcurrency {
		opts.InitialConcurrency = opts.MaxConcurrency
	}
	return &Pool[T, R]{opts: opts, m: m}
}

type task[T any] struct {
	idx     int
	item    T
	attempt int
}

// run holds the mutable state of a single Run call so its methods can stay
// small instead of one long closure-laden function body.
type run[T, R any] struct {
	p          *Pool[T, R]
	processor  func(context.Context, T) (R, error)
	results    []Result[T, R]
	tokens     chan struct{}
	jobCh      chan task[T]
	allDone    chan struct{}
	retryWG    sync.WaitGroup
	circulating int64
	shrinkDebt  int64
	remaining   int64

	mu          sync.Mutex
	completed   int
	failed      int
	retried     int
	adjustments int
	latencies   []time.Duration
	errFlags    []bool
}

// Run processes items through processor with the pool's bounded
// concurrency, retry, and adaptive-adjustment policy. It blocks until
// every item has reached a terminal result.
func (p *Pool[T, R]) Run(ctx context.Context, items []T, processor func(context.Context, T) (R, error)) ([]Result[T, R], Metrics) {
	r := &run[T, R]{
		p:         p,
		processor: processor,
		results:   make([]Result[T, R], len(items)),
		tokens:    make(chan struct{}, p.opts.MaxConcurrency),
		jobCh:     make(chan task[T], len(items)*2+1),
		allDone:   make(chan struct{}),
		remaining: int64(len(items)),
	}
	if len(items) == 0 {
		close(r.allDone)
		return r.results, Metrics{}
	}

	r.mint(p.opts.InitialConcurrency)
	for i, it := range items {
		r.jobCh <- task[T]{idx: i, item: it}
	}

	workerCount := p.opts.MaxConcurrency
	for i := 0; i < workerCount; i++ {
		go r.worker(ctx)
	}

	<-r.allDone
	r.retryWG.Wait()
	return r.results, r.snapshot()
}

func (r *run[T, R]) mint(n int) {
	for i := 0; i < n; i++ {
		r.tokens <- struct{}{}
		atomic.AddInt64(&r.circulating, 1)
	}
}

func (r *run[T, R]) worker(ctx context.Context) {
	for {
		select {
		case <-r.allDone:
			return
		case <-ctx.Done():
			return
		case <-r.tokens:
		}

		select {
		case j, ok := <-r.jobCh:
			if !ok {
				r.returnToken()
				return
			}
			r.process(ctx, j)
		default:
			r.returnToken()
		}
	}
}

// returnToken gives a token back to circulation, unless a pending shrink
// owes a debt — in which case this token is simply not recirculated,
// which is how the pool actually lowers its in-flight ceiling.
func (r *run[T, R]) returnToken() {
	for {
		debt := atomic.LoadInt64(&r.shrinkDebt)
		if debt <= 0 {
			r.tokens <- struct{}{}
			return
		}
		if atomic.CompareAndSwapInt64(&r.shrinkDebt, debt, debt-1) {
			return
		}
	}
}

func (r *run[T, R]) process(ctx context.Context, j task[T]) {
	start := time.Now()
	val, err := r.processor(ctx, j.item)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.latencies = append(r.latencies, elapsed)
	r.errFlags = append(r.errFlags, err != nil)
	r.mu.Unlock()

	if err != nil && r.p.opts.Retry && j.attempt < r.p.opts.MaxRetries {
		r.mu.Lock()
		r.retried++
		r.mu.Unlock()
		if r.p.m != nil {
			r.p.m.PoolJobsRetried.WithLabelValues(r.p.opts.Name).Inc()
		}
		r.retryWG.Add(1)
		backoff := Backoff(j.attempt + 1)
		go func() {
			defer r.retryWG.Done()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			r.jobCh <- task[T]{idx: j.idx, item: j.item, attempt: j.attempt + 1}
		}()
		r.returnToken()
		return
	}

	r.results[j.idx] = Result[T, R]{Item: j.item, Value: val, Err: err}
	r.mu.Lock()
	r.completed++
	if err != nil {
		r.failed++
	}
	r.mu.Unlock()
	r.maybeAdapt()

	if atomic.AddInt64(&r.remaining, -1) == 0 {
		close(r.allDone)
		return
	}
	r.returnToken()
}

// maybeAdapt implements the §4.1 adaptive concurrency rule: every 20
// completions, shrink on slow/erroring runs or grow on fast/clean ones.
func (r *run[T, R]) maybeAdapt() {
	if !r.p.opts.Adaptive {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed == 0 || r.completed%20 != 0 {
		return
	}

	window := r.latencies
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	avg := time.Duration(0)
	if len(window) > 0 {
		avg = sum / time.Duration(len(window))
	}

	errWindow := r.errFlags
	if len(errWindow) > 10 {
		errWindow = errWindow[len(errWindow)-10:]
	}
	errCount := 0
	for _, e := range errWindow {
		if e {
			errCount++
		}
	}
	errRate := 0.0
	if len(errWindow) > 0 {
		errRate = float64(errCount) / float64(len(errWindow))
	}

	current := int(atomic.LoadInt64(&r.circulating))
	next := current
	switch {
	case avg > 5000*time.Millisecond || errRate > 0.10:
		next = int(math.Floor(float64(current) * 0.8))
		if next < r.p.opts.MinConcurrency {
			next = r.p.opts.MinConcurrency
		}
	case avg < 2000*time.Millisecond && errRate < 0.05:
		next = current + 1
		if next > r.p.opts.MaxConcurrency {
			next = r.p.opts.MaxConcurrency
		}
	}
	if next == current {
		return
	}
	if next > current {
		r.mint(next - current)
	} else {
		atomic.AddInt64(&r.shrinkDebt, int64(current-next))
		atomic.AddInt64(&r.circulating, int64(next-current))
	}
	r.adjustments++
	if r.p.m != nil {
		dir := "grow"
		if next < current {
			dir = "shrink"
		}
		r.p.m.PoolAdjustments.WithLabelValues(r.p.opts.Name, dir).Inc()
	}
}

func (r *run[T, R]) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	avg := time.Duration(0)
	if len(r.latencies) > 0 {
		var sum time.Duration
		for _, d := range r.latencies {
			sum += d
		}
		avg = sum / time.Duration(len(r.latencies))
	}
	final := int(atomic.LoadInt64(&r.circulating))
	if r.p.m != nil {
		r.p.m.PoolConcurrency.WithLabelValues(r.p.opts.Name).Set(float64(final))
	}
	return Metrics{
		Processed:        r.completed,
		Failed:           r.failed,
		Retried:          r.retried,
		AvgResponseTime:  avg,
		FinalConcurrency: final,
		Adjustments:      r.adjustments,
	}
}

// Backoff returns 2^attempt seconds, the §4.1 retry delay.
func Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}
