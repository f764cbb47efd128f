// Package metrics declares the Prometheus instruments named in
// spec.md §6: per-host poll counters, publish counters, buffer gauge,
// and the publish-latency / loop-lag histograms.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every instrument the collector exposes. Register
// attaches them all to a registry; components hold onto the narrower
// per-component views they need (see actor.Metrics, uplink.Metrics).
type Metrics struct {
	PollSuccess *prometheus.CounterVec
	PollError   *prometheus.CounterVec

	PublishSuccess *prometheus.CounterVec
	PublishError   prometheus.Counter

	BufferSize prometheus.Gauge

	PublishLatency prometheus.Histogram
	LoopLag        prometheus.Histogram

	ChannelOverflow prometheus.Counter
}

// New constructs the instrument set, unregistered.
func New() *Metrics {
	return &Metrics{
		PollSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sunspec",
			Name:      "poll_success_total",
			Help:      "Successful polling cycles, by device host.",
		}, []string{"host"}),
		PollError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sunspec",
			Name:      "poll_error_total",
			Help:      "Polling cycle failures, by device host and error kind.",
		}, []string{"host", "kind"}),
		PublishSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sunspec",
			Name:      "publish_success_total",
			Help:      "Acknowledged publishes, by container batch size bucket.",
		}, []string{"batch_size"}),
		PublishError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sunspec",
			Name:      "publish_error_total",
			Help:      "Publish attempts that did not receive an acknowledgement.",
		}),
		BufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sunspec",
			Name:      "buffer_size",
			Help:      "Rows currently present in the durable buffer.",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sunspec",
			Name:      "publish_latency_seconds",
			Help:      "Time from drain to acknowledged publish.",
			Buckets:   prometheus.DefBuckets,
		}),
		LoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sunspec",
			Name:      "loop_lag_seconds",
			Help:      "actual_cycle_duration - poll_interval, per Device Actor cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ChannelOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sunspec",
			Name:      "channel_overflow_total",
			Help:      "Observations dropped because the telemetry channel was full.",
		}),
	}
}

// BatchSizeBucket labels a PublishSuccess observation by order of
// magnitude rather than by exact count, keeping the batch_size label's
// cardinality bounded regardless of how large a single publish batch
// grows.
func BatchSizeBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 10:
		return "2-10"
	case n <= 100:
		return "11-100"
	default:
		return "100+"
	}
}

// Register attaches every instrument to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.PollSuccess, m.PollError,
		m.PublishSuccess, m.PublishError,
		m.BufferSize,
		m.PublishLatency, m.LoopLag,
		m.ChannelOverflow,
	)
}
