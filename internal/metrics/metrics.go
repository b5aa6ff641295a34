// Package metrics exposes a Prometheus /metrics endpoint for the
// validator process. Ambient-stack addition: the spec's Non-goals
// exclude compute-unit metering, not basic operational visibility.
package metrics

import (
	"net/http"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters and gauges the validator updates as it
// runs.
type Metrics struct {
	InstructionsExecuted prometheus.Counter
	FeesCollected        prometheus.Counter
	ActiveConnections    prometheus.Gauge
	CPIDepth             prometheus.Histogram

	latency ewma.MovingAverage
	gauge   prometheus.Gauge
}

// New registers the validator's metrics against reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		InstructionsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sealevel_instructions_executed_total",
			Help: "Total instructions dispatched by the Program Caller.",
		}),
		FeesCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sealevel_fees_collected_lamports_total",
			Help: "Total lamports deducted as transaction fees.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sealevel_registered_programs",
			Help: "Number of child program connections currently registered.",
		}),
		CPIDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sealevel_cpi_depth",
			Help:    "Depth reached by cross-program invocation chains.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		latency: ewma.NewMovingAverage(),
		gauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sealevel_instruction_exec_latency_ms_ewma",
			Help: "Exponentially weighted moving average of instruction execution latency.",
		}),
	}
	return m
}

// ObserveLatency folds one instruction's wall-clock execution time into
// the rolling average gauge.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latency.Add(float64(d.Milliseconds()))
	m.gauge.Set(m.latency.Value())
}

// Handler returns the HTTP handler serving the registry's current state.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
