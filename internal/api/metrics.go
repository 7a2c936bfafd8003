package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus collectors exposed on /metrics: tick rate,
// queue depths, LLM latency, and adaptation counts per the ambient
// observability surface.
type Metrics struct {
	TicksProcessed   prometheus.Counter
	JournalQueueSize prometheus.Gauge
	LLMRequestMS     prometheus.Histogram
	LLMErrors        prometheus.Counter
	AdaptationsTotal *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	ActiveConditions prometheus.Gauge
}

// NewMetrics registers and returns the collector set.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		TicksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperbot_ticks_processed_total",
			Help: "Price ticks delivered to the matcher.",
		}),
		JournalQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paperbot_journal_queue_size",
			Help: "Pending entries in the journal write queue.",
		}),
		LLMRequestMS: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "paperbot_llm_request_duration_ms",
			Help:    "LLM Gateway request latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}),
		LLMErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "paperbot_llm_errors_total",
			Help: "LLM Gateway requests that exhausted retries.",
		}),
		AdaptationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paperbot_adaptations_total",
			Help: "Adaptations applied, labeled by action.",
		}, []string{"action"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paperbot_open_positions",
			Help: "Currently open simulated positions.",
		}),
		ActiveConditions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paperbot_active_conditions",
			Help: "Currently active entry conditions.",
		}),
	}
}
