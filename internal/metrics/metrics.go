// Package metrics holds the Prometheus collectors this subsystem exports,
// promoted from the original's inline stats/telemetry counters the same
// way logical_replication_writer_processor.go promotes its ad hoc flush
// counters into a *Metrics struct (Flushes, FlushHistNanos, FlushRowCount,
// FlushBytes).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of counters and histograms this module exports.
// A single instance is created per process and threaded through the
// components that need it.
type Metrics struct {
	ObjectsPacked       prometheus.Counter
	GroupsClosed        prometheus.Counter
	GroupsCompleted     prometheus.Counter
	ApplyFailures       *prometheus.CounterVec
	GroupCompleteNanos  prometheus.Histogram
	StreamEntriesPushed prometheus.Counter
	StreamEntriesPopped prometheus.Counter
	AckLatencyNanos     prometheus.Histogram
	ActiveAckReaders    prometheus.Gauge
}

// New constructs a Metrics struct and registers its collectors against
// reg. Passing a fresh prometheus.NewRegistry() keeps tests isolated from
// the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ObjectsPacked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "generator", Name: "objects_packed_total",
			Help: "Replication objects packed into stream entries.",
		}),
		GroupsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "groupcommit", Name: "groups_closed_total",
			Help: "Transaction groups closed.",
		}),
		GroupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "groupcommit", Name: "groups_completed_total",
			Help: "Transaction groups completed.",
		}),
		ApplyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "applier", Name: "apply_failures_total",
			Help: "Replication object apply failures by object kind.",
		}, []string{"kind"}),
		GroupCompleteNanos: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replicore", Subsystem: "groupcommit", Name: "complete_latency_nanos",
			Help:    "Latency from group close to group complete, in nanoseconds.",
			Buckets: prometheus.ExponentialBuckets(1e5, 2, 16),
		}),
		StreamEntriesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "applier", Name: "stream_entries_pushed_total",
			Help: "Stream entries handed from the consumer daemon to the dispatcher.",
		}),
		StreamEntriesPopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicore", Subsystem: "applier", Name: "stream_entries_popped_total",
			Help: "Stream entries popped by the dispatcher daemon.",
		}),
		AckLatencyNanos: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replicore", Subsystem: "transfer", Name: "ack_latency_nanos",
			Help:    "Latency from send to ack, in nanoseconds.",
			Buckets: prometheus.ExponentialBuckets(1e5, 2, 16),
		}),
		ActiveAckReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replicore", Subsystem: "transfer", Name: "active_ack_readers",
			Help: "Ack readers currently tracked as alive by the control channel.",
		}),
	}
	reg.MustRegister(
		m.ObjectsPacked, m.GroupsClosed, m.GroupsCompleted, m.ApplyFailures,
		m.GroupCompleteNanos, m.StreamEntriesPushed, m.StreamEntriesPopped,
		m.AckLatencyNanos, m.ActiveAckReaders,
	)
	return m
}
