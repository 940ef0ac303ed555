package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the coordination core.
type Metrics struct {
	// Distributed lock metrics
	LockRequestsTotal prometheus.Counter
	LockDeclinesTotal prometheus.Counter
	LockWaitDuration  prometheus.Histogram

	// Chunk metrics
	CommitsTotal    prometheus.Counter
	ConflictsTotal  prometheus.Counter
	CommitDuration  prometheus.Histogram
	PatchesTotal    prometheus.Counter
	ChunkPeersTotal *prometheus.GaugeVec
	TriggersTotal   prometheus.Counter

	// Hub metrics
	RequestsTotal     *prometheus.CounterVec
	RequestFailures   prometheus.Counter
	BroadcastDuration prometheus.Histogram

	// Raft metrics
	RaftTerm             *prometheus.GaugeVec
	RaftElectionsTotal   prometheus.Counter
	RaftAppendsTotal     prometheus.Counter
	RaftCommittedEntries prometheus.Counter

	// Chord metrics
	ChordStabilizeTotal prometheus.Counter
	ChordLookupsTotal   prometheus.Counter
}

// New creates and registers all metrics with the given registerer. The
// self address distinguishes processes scraping into one registry.
func New(reg prometheus.Registerer, selfAddress string) *Metrics {
	labels := prometheus.Labels{"peer": selfAddress}
	factory := promauto.With(reg)

	return &Metrics{
		LockRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "lock_requests_total",
			Help:        "Total number of distributed write-lock attempts",
			ConstLabels: labels,
		}),
		LockDeclinesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "lock_declines_total",
			Help:        "Total number of declined lock requests",
			ConstLabels: labels,
		}),
		LockWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "lock_wait_duration_seconds",
			Help:        "Histogram of distributed write-lock acquisition times",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "commits_total",
			Help:        "Total number of committed chunk transactions",
			ConstLabels: labels,
		}),
		ConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "conflicts_total",
			Help:        "Total number of chunk transactions aborted by conflict",
			ConstLabels: labels,
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "commit_duration_seconds",
			Help:        "Histogram of chunk commit durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "patches_total",
			Help:        "Total number of remote revisions patched into containers",
			ConstLabels: labels,
		}),
		ChunkPeersTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "peers_total",
			Help:        "Current replica peer-set size per chunk",
			ConstLabels: labels,
		}, []string{"chunk_id"}),
		TriggersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chunk",
			Name:        "triggers_total",
			Help:        "Total number of trigger invocations",
			ConstLabels: labels,
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "hub",
			Name:        "requests_total",
			Help:        "Total number of outbound requests by message type",
			ConstLabels: labels,
		}, []string{"type"}),
		RequestFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "hub",
			Name:        "request_failures_total",
			Help:        "Total number of failed outbound requests",
			ConstLabels: labels,
		}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mapapi",
			Subsystem:   "hub",
			Name:        "broadcast_duration_seconds",
			Help:        "Histogram of broadcast round durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RaftTerm: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "mapapi",
			Subsystem:   "raft",
			Name:        "term",
			Help:        "Current raft term per chunk",
			ConstLabels: labels,
		}, []string{"chunk_id"}),
		RaftElectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "raft",
			Name:        "elections_total",
			Help:        "Total number of elections held",
			ConstLabels: labels,
		}),
		RaftAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "raft",
			Name:        "appends_total",
			Help:        "Total number of log entries appended",
			ConstLabels: labels,
		}),
		RaftCommittedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "raft",
			Name:        "committed_entries_total",
			Help:        "Total number of log entries committed",
			ConstLabels: labels,
		}),
		ChordStabilizeTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chord",
			Name:        "stabilize_rounds_total",
			Help:        "Total number of stabilization rounds",
			ConstLabels: labels,
		}),
		ChordLookupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "mapapi",
			Subsystem:   "chord",
			Name:        "lookups_total",
			Help:        "Total number of successor lookups",
			ConstLabels: labels,
		}),
	}
}

// NewNop creates metrics registered nowhere, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}
