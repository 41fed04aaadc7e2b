// Package metrics exposes the producer's Prometheus instrumentation,
// grounded in other_examples/21383f06_xiu-parca-agent__pkg-profiler-profiler.go.go's
// promauto.With(reg).NewCounterVec(...) idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge internal/session and internal/producer
// report to.
type Metrics struct {
	SamplesEmitted   *prometheus.CounterVec
	SamplesSkipped   *prometheus.CounterVec
	RecordsLost      prometheus.Counter
	EnqueuedFootprint *prometheus.GaugeVec
	GuardrailTrips   prometheus.Counter
	SessionsActive   prometheus.Gauge
}

// New registers and returns a Metrics bound to reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SamplesEmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tracedperf_producer_samples_emitted_total",
			Help: "Number of perf_sample packets emitted, by session.",
		}, []string{"session_id"}),
		SamplesSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tracedperf_producer_samples_skipped_total",
			Help: "Number of perf_sample packets emitted with a skip reason, by session and reason.",
		}, []string{"session_id", "reason"}),
		RecordsLost: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tracedperf_producer_kernel_records_lost_total",
			Help: "Number of kernel ring-buffer records reported lost across all readers.",
		}),
		EnqueuedFootprint: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracedperf_producer_unwind_enqueued_footprint_bytes",
			Help: "Current bytes enqueued in the unwind queue, by session.",
		}, []string{"session_id"}),
		GuardrailTrips: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tracedperf_producer_guardrail_trips_total",
			Help: "Number of sessions purged by the memory guardrail.",
		}),
		SessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tracedperf_producer_sessions_active",
			Help: "Number of sessions currently tracked by the producer.",
		}),
	}
}
