package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

var (
	// WAL metrics
	WalEntriesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_wal_entries_written_total",
			Help: "Total number of WAL entries written by shard",
		},
		[]string{"shard"},
	)

	WalBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_wal_bytes_written_total",
			Help: "Total bytes appended to the WAL by shard",
		},
		[]string{"shard"},
	)

	WalSyncOperations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_wal_sync_operations_total",
			Help: "Total number of WAL fsync operations",
		},
	)

	WalDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_wal_degraded",
			Help: "Whether the shard WAL is degraded and writes fall back to the recovery ring",
		},
		[]string{"shard"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_raft_is_leader",
			Help: "Whether this node leads the group (1 = leader, 0 = follower)",
		},
		[]string{"group_id"},
	)

	RaftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_raft_term",
			Help: "Current Raft term by group",
		},
		[]string{"group_id"},
	)

	RaftCommitIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_raft_commit_index",
			Help: "Current Raft commit index by group",
		},
		[]string{"group_id"},
	)

	RaftAppliedIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_raft_applied_index",
			Help: "Last applied Raft log index by group",
		},
		[]string{"group_id"},
	)

	RaftElections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_raft_elections_total",
			Help: "Total number of elections started by group",
		},
		[]string{"group_id"},
	)

	RaftProposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_raft_proposals_total",
			Help: "Total number of commands proposed by group",
		},
		[]string{"group_id"},
	)

	// Consistency metrics
	ConsistencyReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_consistency_reads_total",
			Help: "Total coordinated reads by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	ConsistencyWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_consistency_writes_total",
			Help: "Total coordinated writes by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	ConsistencyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_consistency_latency_seconds",
			Help:    "Coordinated operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ReadRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_read_repairs_total",
			Help: "Total read repair operations performed",
		},
	)

	HintsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_hints_stored_total",
			Help: "Total hinted handoff records stored",
		},
	)

	HintsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_hints_replayed_total",
			Help: "Total hinted handoff records replayed successfully",
		},
	)

	// Shard metrics
	ShardOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_shard_operations_total",
			Help: "Total shard operations by type",
		},
		[]string{"operation"},
	)

	ShardCacheHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_shard_cache_hit_rate",
			Help: "Cache hit rate per shard",
		},
		[]string{"shard"},
	)

	ShardMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_shard_memory_bytes",
			Help: "Estimated memory usage per shard",
		},
		[]string{"shard"},
	)

	CrossShardOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_cross_shard_operations_total",
			Help: "Total cross-shard operations by type and state",
		},
		[]string{"type", "state"},
	)

	// Range metrics
	RangesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_ranges_total",
			Help: "Total number of ranges on this node",
		},
	)

	RangeSplits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_range_splits_total",
			Help: "Total committed range splits",
		},
	)

	// Compression metrics
	CompressionRatio = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_compression_ratio",
			Help:    "Compression ratio (original/compressed) by algorithm",
			Buckets: []float64{0.5, 1, 1.5, 2, 3, 5, 10, 25, 100},
		},
		[]string{"algorithm"},
	)

	// Pub/Sub metrics
	PubSubPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_pubsub_published_total",
			Help: "Total messages published by channel",
		},
		[]string{"channel"},
	)

	PubSubDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_pubsub_dropped_total",
			Help: "Total messages dropped on full subscriber queues",
		},
	)
)

// Init registers all metrics with the default registry. Safe to call more
// than once; registration happens on the first call.
func Init() {
	initOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(
		WalEntriesWritten,
		WalBytesWritten,
		WalSyncOperations,
		WalDegraded,
		RaftLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftAppliedIndex,
		RaftElections,
		RaftProposals,
		ConsistencyReads,
		ConsistencyWrites,
		ConsistencyLatency,
		ReadRepairs,
		HintsStored,
		HintsReplayed,
		ShardOperations,
		ShardCacheHitRate,
		ShardMemoryBytes,
		CrossShardOperations,
		RangesTotal,
		RangeSplits,
		CompressionRatio,
		PubSubPublished,
		PubSubDropped,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer tracks an operation duration and observes it into a histogram.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer against observer.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time.
func (t *Timer) ObserveDuration() {
	t.observer.Observe(time.Since(t.start).Seconds())
}
