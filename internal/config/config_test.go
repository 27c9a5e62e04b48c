package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsMaxBelowMinConcurrency(t *testing.T) {
	cfg := Default()
	cfg.Pool.MinConcurrency = 5
	cfg.Pool.MaxConcurrency = 2
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveGranularity(t *testing.T) {
	cfg := Default()
	cfg.Backtest.GranularityHours = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnparseableEpoch(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.EpochStart = "not-a-time"
	require.Error(t, cfg.Validate())
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backtest:\n  limit: 25\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Backtest.Limit)
	require.Equal(t, "USDT", cfg.Backtest.QuoteAsset) // untouched default survives the merge
}

func TestLoadRejectsInvalidMergedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backtest:\n  granularity_hours: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEpochStartTimeFallsBackOnParseFailure(t *testing.T) {
	s := SchedulerConfig{EpochStart: "garbage"}
	require.Equal(t, 2020, s.EpochStartTime().Year())
}
