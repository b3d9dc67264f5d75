package metrics_test

import (
	"testing"
	"time"

	"github.com/aretw0/sigbridge/internal/metrics"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := metrics.New()
	c.SetRunning(3)

	c.TickCompleted(1, 2*time.Millisecond, 3)
	c.TickCompleted(2, 3*time.Millisecond, 2)
	c.SessionError(1, domain.CodeTransportFailed)
	c.WorkerStopped(1, orchestrator.ReasonFailed, nil)
	c.WorkerStopped(0, orchestrator.ReasonStopped, nil)
	c.WorkerStopped(2, orchestrator.ReasonStopped, nil)
	c.SessionError(2, "")

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"sigbridge_ticks_total",
		"sigbridge_tick_duration_seconds",
		"sigbridge_workers_running",
		"sigbridge_worker_stops_total",
		"sigbridge_session_errors_total",
	} {
		assert.True(t, names[want], want)
	}

	count, err := testutil.GatherAndCount(c.Registry(), "sigbridge_worker_stops_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per reason")

	count, err = testutil.GatherAndCount(c.Registry(), "sigbridge_session_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
