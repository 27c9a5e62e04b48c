package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/config"
	"github.com/sawpanic/dropleader/internal/store"
)

type fakeSupervisor struct {
	interrupted []store.AsyncBacktestTask
	dispatched  []store.BacktestParams
}

func (s *fakeSupervisor) StartAsync(ctx context.Context, params store.BacktestParams) (string, error) {
	s.dispatched = append(s.dispatched, params)
	return "task-1", nil
}
func (s *fakeSupervisor) ListInterrupted(ctx context.Context) ([]store.AsyncBacktestTask, error) {
	return s.interrupted, nil
}

type fakeBackfill struct{ calls int }

func (f *fakeBackfill) Backfill(ctx context.Context) error {
	f.calls++
	return nil
}

type fakeBacktestRepo struct{ latest *store.BacktestRow }

func (r *fakeBacktestRepo) Upsert(ctx context.Context, row store.BacktestRow) error { return nil }
func (r *fakeBacktestRepo) GetByTimestamp(ctx context.Context, ts time.Time) (*store.BacktestRow, error) {
	return nil, nil
}
func (r *fakeBacktestRepo) Latest(ctx context.Context) (*store.BacktestRow, error) {
	return r.latest, nil
}
func (r *fakeBacktestRepo) ListRange(ctx context.Context, tr store.TimeRange) ([]store.BacktestRow, error) {
	return nil, nil
}

func testCfg() (config.SchedulerConfig, config.BacktestDefault) {
	return config.SchedulerConfig{FireHours: []int{0, 8, 16}, FireMinute: 10, EpochStart: "2020-01-01T00:00:00Z"},
		config.BacktestDefault{GranularityHours: 8}
}

func TestIsFireTimeMatchesConfiguredHourAndMinute(t *testing.T) {
	cfg, defaults := testCfg()
	s := New(cfg, defaults, &fakeBacktestRepo{}, &fakeSupervisor{}, nil, nil)

	require.True(t, s.isFireTime(time.Date(2026, 1, 5, 8, 10, 0, 0, time.UTC)))
	require.False(t, s.isFireTime(time.Date(2026, 1, 5, 8, 11, 0, 0, time.UTC)))
	require.False(t, s.isFireTime(time.Date(2026, 1, 5, 9, 10, 0, 0, time.UTC)))
}

func TestFireSkipsWhenTaskAlreadyRunning(t *testing.T) {
	cfg, defaults := testCfg()
	sup := &fakeSupervisor{interrupted: []store.AsyncBacktestTask{{TaskID: "live", Status: store.TaskRunning}}}
	s := New(cfg, defaults, &fakeBacktestRepo{}, sup, nil, nil)

	s.fire(context.Background(), time.Date(2026, 1, 5, 8, 10, 0, 0, time.UTC))
	require.Empty(t, sup.dispatched)
}

func TestFireRunsBackfillBeforeDispatch(t *testing.T) {
	cfg, defaults := testCfg()
	sup := &fakeSupervisor{}
	bf := &fakeBackfill{}
	s := New(cfg, defaults, &fakeBacktestRepo{}, sup, bf, nil)

	s.fire(context.Background(), time.Date(2026, 1, 5, 8, 10, 0, 0, time.UTC))
	require.Equal(t, 1, bf.calls)
	require.Len(t, sup.dispatched, 1)
}

func TestFireDispatchesFixedParams(t *testing.T) {
	cfg, defaults := testCfg()
	sup := &fakeSupervisor{}
	s := New(cfg, defaults, &fakeBacktestRepo{}, sup, nil, nil)

	s.fire(context.Background(), time.Date(2026, 1, 5, 8, 10, 0, 0, time.UTC))
	require.Len(t, sup.dispatched, 1)
	p := sup.dispatched[0]
	require.Equal(t, 30, p.Limit)
	require.Equal(t, 400000.0, p.MinVolumeThreshold)
	require.Equal(t, "USDT", p.QuoteAsset)
	require.True(t, p.StartTime.Before(p.EndTime))
}

func TestNextStartTimeFallsBackToEpochWhenNoRowsExist(t *testing.T) {
	cfg, defaults := testCfg()
	s := New(cfg, defaults, &fakeBacktestRepo{}, &fakeSupervisor{}, nil, nil)

	start, err := s.nextStartTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.EpochStartTime(), start)
}

func TestNextStartTimeAdvancesFromLastRow(t *testing.T) {
	cfg, defaults := testCfg()
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeBacktestRepo{latest: &store.BacktestRow{Timestamp: last}}
	s := New(cfg, defaults, repo, &fakeSupervisor{}, nil, nil)

	start, err := s.nextStartTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, last.Add(8*time.Hour), start)
}

func TestNextFireBoundaryReturnsNextHourStrictlyAfterNow(t *testing.T) {
	cfg, defaults := testCfg()
	s := New(cfg, defaults, &fakeBacktestRepo{}, &fakeSupervisor{}, nil, nil)

	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	boundary := s.nextFireBoundary(now)
	require.Equal(t, time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC), boundary)
}

func TestSortedHours(t *testing.T) {
	require.Equal(t, []int{0, 8, 16}, sortedHours([]int{16, 0, 8}))
}
