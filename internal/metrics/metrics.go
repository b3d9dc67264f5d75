// Package metrics exports run progress as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sigbridge"

// Collector implements orchestrator.Observer on top of a private registry.
type Collector struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	running      prometheus.Gauge
	stops        *prometheus.CounterVec
	errors       *prometheus.CounterVec
}

var _ orchestrator.Observer = (*Collector)(nil)

// New creates a Collector. Go runtime and process collectors are registered too.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed scatter/gather ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one tick across all workers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Workers still taking part in the run.",
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_stops_total",
			Help:      "Workers that left the run, by reason.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Fatal session errors, by error code.",
		}, []string{"code"}),
	}
	c.registry.MustRegister(
		c.ticks, c.tickDuration, c.running, c.stops, c.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry to expose.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SetRunning records the worker count before the first tick.
func (c *Collector) SetRunning(n int) { c.running.Set(float64(n)) }

func (c *Collector) TickCompleted(_ uint64, elapsed time.Duration, running int) {
	c.ticks.Inc()
	c.tickDuration.Observe(elapsed.Seconds())
	c.running.Set(float64(running))
}

func (c *Collector) WorkerStopped(_ int, reason orchestrator.StopReason, _ error) {
	c.stops.WithLabelValues(string(reason)).Inc()
}

func (c *Collector) SessionError(_ int, code domain.ErrorCode) {
	if code == "" {
		code = "UNKNOWN"
	}
	c.errors.WithLabelValues(string(code)).Inc()
}
