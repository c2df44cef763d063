// Package metrics holds the process-wide prometheus metrics for the
// gossip engine: local write/read latency, merge outcomes, transport
// framing, and peer liveness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus collectors for one engine instance.
type Metrics struct {
	// local operation latency
	PutLatency    prometheus.Histogram
	GetLatency    prometheus.Histogram
	DeleteLatency prometheus.Histogram
	QueryLatency  prometheus.Histogram

	// merge engine outcomes
	MergeApplied       prometheus.Counter
	MergeSkippedStale  prometheus.Counter
	MergeConflicts     prometheus.Counter
	MergeResolverFallback prometheus.Counter
	MergeBatchSize     prometheus.Histogram
	MergeLatency       prometheus.Histogram

	// sync orchestrator / transport
	SyncRounds      prometheus.Counter
	SyncAttempts    *prometheus.CounterVec
	SyncLatency     *prometheus.HistogramVec
	SyncBytesSent   prometheus.Counter
	SyncBytesRecv   prometheus.Counter
	SyncCompression prometheus.Counter

	// peer directory / discovery
	PeersKnown     prometheus.Gauge
	PeersEvicted   prometheus.Counter
	BeaconsSent    prometheus.Counter
	BeaconsRecv    prometheus.Counter

	Errors *prometheus.CounterVec
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		PutLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_latency_seconds",
			Help:      "Latency of local Put operations",
			Buckets:   prometheus.DefBuckets,
		}),
		GetLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "get_latency_seconds",
			Help:      "Latency of local Get operations",
			Buckets:   prometheus.DefBuckets,
		}),
		DeleteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delete_latency_seconds",
			Help:      "Latency of local Delete operations",
			Buckets:   prometheus.DefBuckets,
		}),
		QueryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Latency of QueryDocuments calls",
			Buckets:   prometheus.DefBuckets,
		}),

		MergeApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_applied_total",
			Help:      "Total remote oplog entries applied by the merge engine",
		}),
		MergeSkippedStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_skipped_stale_total",
			Help:      "Total remote oplog entries skipped because a later local write already won",
		}),
		MergeConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_total",
			Help:      "Total concurrent writes detected during merge",
		}),
		MergeResolverFallback: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_resolver_fallback_total",
			Help:      "Total times a configured resolver failed and merge fell back to last-write-wins",
		}),
		MergeBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_batch_size",
			Help:      "Number of oplog entries per applied merge batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		MergeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_latency_seconds",
			Help:      "Latency of one ApplyBatch call",
			Buckets:   prometheus.DefBuckets,
		}),

		SyncRounds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rounds_total",
			Help:      "Total orchestrator sync rounds started",
		}),
		SyncAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Total sync attempts against a peer by result",
		}, []string{"result"}),
		SyncLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_latency_seconds",
			Help:      "Latency of a sync exchange with one peer",
			Buckets:   prometheus.DefBuckets,
		}, []string{"peer"}),
		SyncBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_bytes_sent_total",
			Help:      "Total bytes written to sync connections",
		}),
		SyncBytesRecv: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_bytes_received_total",
			Help:      "Total bytes read from sync connections",
		}),
		SyncCompression: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_compressed_frames_total",
			Help:      "Total frames sent with brotli compression applied",
		}),

		PeersKnown: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Current number of peers in the directory",
		}),
		PeersEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Total peers evicted for exceeding the liveness deadline",
		}),
		BeaconsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_beacons_sent_total",
			Help:      "Total UDP discovery beacons broadcast",
		}),
		BeaconsRecv: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_beacons_received_total",
			Help:      "Total UDP discovery beacons received",
		}),

		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by component",
		}, []string{"component"}),
	}
}
