// Package metrics holds the process's Prometheus collectors. Every
// metric here is wired: each is incremented or set from a concrete
// point in the peer/peergroup/txbroadcast/confidence pipeline, not just
// declared defensively.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedPeers tracks the current number of ready connections.
	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spvnet_connected_peers",
			Help: "Current number of ready peer connections",
		},
	)

	// PeerHandshakeFailures counts handshakes that did not reach
	// StateReady, labeled by failure kind.
	PeerHandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spvnet_peer_handshake_failures_total",
			Help: "Handshakes that failed before reaching the ready state",
		},
		[]string{"kind"},
	)

	// PeerDisconnects counts peers reported failed through
	// Peer.OnFailure, labeled by failure kind. Handshake failures are
	// included; a clean Close is not counted.
	PeerDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spvnet_peer_disconnects_total",
			Help: "Peer failures reported via OnFailure, by cause",
		},
		[]string{"kind"},
	)

	// StallDisconnects counts peers dropped by the stall detector.
	StallDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spvnet_stall_disconnects_total",
			Help: "Peers disconnected for producing no ping activity within the stall window",
		},
	)

	// BloomFilterRecalculations counts times the merged Bloom filter
	// was rebuilt and pushed to connected peers.
	BloomFilterRecalculations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spvnet_bloom_filter_recalculations_total",
			Help: "Times the merged Bloom filter was rebuilt and reapplied",
		},
	)

	// FilterExhaustions counts times a peer's filter was judged
	// exhausted and a fresh one had to be requested.
	FilterExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spvnet_filter_exhaustions_total",
			Help: "Times a peer's Bloom filter was judged exhausted",
		},
	)

	// BroadcastPropagationSeconds measures how long a local broadcast
	// took to reach its required propagation count.
	BroadcastPropagationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spvnet_broadcast_propagation_duration_seconds",
			Help:    "Time for a broadcast transaction to reach the required peer propagation count",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BroadcastOutcomes counts completed broadcasts by outcome.
	BroadcastOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spvnet_broadcast_outcomes_total",
			Help: "Broadcast outcomes by result",
		},
		[]string{"outcome"},
	)

	// ConfidenceTableSize tracks the current number of distinct
	// transaction hashes tracked by the confidence table.
	ConfidenceTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spvnet_confidence_table_size",
			Help: "Current number of entries in the transaction confidence table",
		},
	)

	// ConfidenceTableExpirations counts entries dropped by TTL.
	ConfidenceTableExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spvnet_confidence_table_expirations_total",
			Help: "Confidence table entries dropped after their TTL elapsed",
		},
	)

	// DiscoveryRounds counts discovery fan-out invocations by outcome.
	DiscoveryRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spvnet_discovery_rounds_total",
			Help: "Discovery fan-out invocations by outcome",
		},
		[]string{"outcome"},
	)
)
