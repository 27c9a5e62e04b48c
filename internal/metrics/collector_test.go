package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectorsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	c.PoolConcurrency.WithLabelValues("window").Set(4)
	c.PoolAdjustments.WithLabelValues("window", "grow").Inc()
	c.CacheHits.Inc()
	c.SchedulerSkips.WithLabelValues("already_running").Inc()
	c.TaskTransitions.WithLabelValues("completed").Inc()
	c.PeriodDuration.Observe(1.25)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCacheMissesCounterIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.CacheMisses.Inc()
	c.CacheMisses.Inc()

	var m dto.Metric
	require.NoError(t, c.CacheMisses.Write(&m))
	require.Equal(t, 2.0, m.GetCounter().GetValue())
}

func TestDuplicateRegistrationOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}
