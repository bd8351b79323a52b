package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sbs_relay"

// RelayMetrics holds the producer-side metrics: capture and publish.
type RelayMetrics struct {
	LinesCaptured     prometheus.Counter
	LinesPublished    *prometheus.CounterVec
	CaptureReconnects prometheus.Counter
	WALActive         prometheus.Gauge
	WALBytes          prometheus.Gauge
	WALReplayed       prometheus.Counter
}

// PipelineMetrics holds the consumer-side metrics.
type PipelineMetrics struct {
	Messages     *prometheus.CounterVec
	SinkErrors   *prometheus.CounterVec
	SinkDuration *prometheus.HistogramVec
	DeadLettered prometheus.Counter
}

// NewRelayMetrics initializes and registers the producer metrics with reg.
// A nil reg uses the default registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &RelayMetrics{
		LinesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "lines_total",
			Help:      "Total number of non-empty lines read from the receiver feed.",
		}),
		LinesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Total number of publish attempts by status.",
		}, []string{"status"}), // status: ok, error
		CaptureReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "reconnects_total",
			Help:      "Total number of receiver feed (re)connection attempts.",
		}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		WALBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "wal_bytes",
			Help:      "Bytes currently held by the WAL.",
		}),
		WALReplayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "wal_replayed_total",
			Help:      "Total number of lines replayed from the WAL into the queue.",
		}),
	}
}

// NewPipelineMetrics initializes and registers the consumer metrics with reg.
// A nil reg uses the default registry.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PipelineMetrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of handled deliveries by outcome.",
		}, []string{"outcome"}), // outcome: acked, rejected, failed
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "sink_errors_total",
			Help:      "Total number of failed sink writes by sink.",
		}, []string{"sink"}), // sink: store, cache, audit
		SinkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "sink_duration_seconds",
			Help:      "Latency of sink writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dead_lettered_total",
			Help:      "Total number of deliveries moved to the dead-letter stream.",
		}),
	}
}
