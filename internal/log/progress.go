// Package log provides CLI progress reporting on top of zerolog, the way
// the source's spinner reports long-running scans: a TTY gets a spinner
// line, a non-TTY gets plain structured log lines.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// SpinnerStyle selects the frame set for an interactive terminal.
type SpinnerStyle int

const (
	StyleDots SpinnerStyle = iota
	StyleLine
)

var frames = map[SpinnerStyle][]string{
	StyleDots: {"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	StyleLine: {"-", "\\", "|", "/"},
}

// ProgressConfig configures a BacktestProgress reporter.
type ProgressConfig struct {
	Label        string
	Style        SpinnerStyle
	TickInterval time.Duration
}

// BacktestProgress reports BacktestEngine period-loop progress (§4.8.5):
// one Update call per enumerated period instant.
type BacktestProgress struct {
	mu        sync.Mutex
	cfg       ProgressConfig
	isTTY     bool
	total     int
	done      int
	frameIdx  int
	startedAt time.Time
	stop      chan struct{}
}

// NewBacktestProgress creates a reporter; total may be 0 if the period
// count is not known up front.
func NewBacktestProgress(cfg ProgressConfig, total int) *BacktestProgress {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	return &BacktestProgress{
		cfg:       cfg,
		isTTY:     term.IsTerminal(int(os.Stdout.Fd())),
		total:     total,
		startedAt: time.Now(),
	}
}

// Start begins the background spinner tick when attached to a TTY; under
// redirected output it logs one start line and Update drives log lines.
func (p *BacktestProgress) Start() {
	if !p.isTTY {
		log.Info().Str("label", p.cfg.Label).Msg("backtest started")
		return
	}
	p.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.render()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *BacktestProgress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := frames[p.cfg.Style]
	frame := set[p.frameIdx%len(set)]
	p.frameIdx++
	if p.total > 0 {
		fmt.Printf("\r%s %s %d/%d periods", frame, p.cfg.Label, p.done, p.total)
	} else {
		fmt.Printf("\r%s %s %d periods", frame, p.cfg.Label, p.done)
	}
}

// Update records that processing has reached one more period instant.
func (p *BacktestProgress) Update(t time.Time) {
	p.mu.Lock()
	p.done++
	p.mu.Unlock()
	if !p.isTTY {
		log.Debug().Time("period", t).Int("done", p.done).Msg("period reached")
	}
}

// Stop halts the spinner goroutine and prints a final summary line.
func (p *BacktestProgress) Stop() {
	if p.isTTY && p.stop != nil {
		close(p.stop)
		fmt.Println()
	}
	log.Info().Str("label", p.cfg.Label).Int("periods", p.done).Dur("elapsed", time.Since(p.startedAt)).Msg("backtest finished")
}
