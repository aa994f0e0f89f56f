// Package metrics exports engine counters to Prometheus. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "digestd"

// Metrics holds the engine's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	claimsTotal         *prometheus.CounterVec
	deliveryAttempts    *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	tickDuration        prometheus.Histogram
	runsInFlight        prometheus.Gauge
	consecutiveFailures *prometheus.GaugeVec
	reclaimedTotal      *prometheus.CounterVec
}

// New creates the collectors and registers them with Go and process
// collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by outcome",
		}, []string{"outcome"}), // succeeded, succeeded_with_warnings, suppressed, failed
		claimsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Ledger claim attempts by outcome and trigger",
		}, []string{"outcome", "trigger"}),
		deliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Webhook delivery attempts by channel and result",
		}, []string{"channel", "result"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"stage"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduler ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Pipelines currently executing",
		}),
		consecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configuration_consecutive_failures",
			Help:      "Consecutive failed runs per configuration",
		}, []string{"configuration_id"}),
		reclaimedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_total",
			Help:      "Stale runs found by the reclaimer, by action",
		}, []string{"action"}), // reclaimed, abandoned
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Claim(outcome, trigger string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(outcome, trigger).Inc()
}

func (m *Metrics) DeliveryAttempt(channel string, delivered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.deliveryAttempts.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.runsInFlight.Set(float64(n))
}

// SetConsecutiveFailures records n for a configuration; zero removes the
// series so healthy configurations do not accumulate labels
func (m *Metrics) SetConsecutiveFailures(configurationID string, n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.consecutiveFailures.DeleteLabelValues(configurationID)
		return
	}
	m.consecutiveFailures.WithLabelValues(configurationID).Set(float64(n))
}

func (m *Metrics) StaleRuns(reclaimed, abandoned int) {
	if m == nil {
		return
	}
	m.reclaimedTotal.WithLabelValues("reclaimed").Add(float64(reclaimed))
	m.reclaimedTotal.WithLabelValues("abandoned").Add(float64(abandoned))
}
