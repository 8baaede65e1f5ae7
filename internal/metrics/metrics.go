// Package metrics exposes call and device counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
)

var (
	_ call.Metrics   = (*Metrics)(nil)
	_ device.Metrics = (*Metrics)(nil)
)

const namespace = "click2call"

type Metrics struct {
	registry *prometheus.Registry

	CallsStarted       prometheus.Counter
	CallsEnded         *prometheus.CounterVec
	CallDuration       prometheus.Histogram
	CallsActive        prometheus.Gauge
	DialFailures       *prometheus.CounterVec
	DeviceSwitchErrors *prometheus.CounterVec
	MuteFallbacks      *prometheus.CounterVec
}

// New registers every metric on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls that reached the active state",
		}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls torn down, by end reason",
		}, []string{"reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls that started",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently active",
		}),
		DialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Call setup failures, by stage",
		}, []string{"stage"}),
		DeviceSwitchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_switch_failures_total",
			Help:      "Failed attempts to switch a device on a live call, by kind",
		}, []string{"kind"}),
		MuteFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mute_fallbacks_total",
			Help:      "Mute toggles that needed a fallback strategy, by target",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		m.CallsStarted,
		m.CallsEnded,
		m.CallDuration,
		m.CallsActive,
		m.DialFailures,
		m.DeviceSwitchErrors,
		m.MuteFallbacks,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) CallStarted() {
	m.CallsStarted.Inc()
	m.CallsActive.Inc()
}

func (m *Metrics) CallEnded(reason string, started bool, duration time.Duration) {
	m.CallsEnded.WithLabelValues(reason).Inc()
	if !started {
		return
	}
	m.CallsActive.Dec()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) DialFailed(stage string) {
	m.DialFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) DeviceSwitchFailed(kind string) {
	m.DeviceSwitchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) MuteFallback(target string) {
	m.MuteFallbacks.WithLabelValues(target).Inc()
}
