// Package metrics declares the Prometheus collectors that back the
// (external) HTTP diagnostics endpoint. doryd's core never serves HTTP
// itself; this package only registers and updates collectors so that
// endpoint can scrape github.com/prometheus/client_golang's default
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doryd_ingest_frames_total",
		Help: "Total frames accepted by ingest, by endpoint kind.",
	}, []string{"endpoint"})

	PoolBytesInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doryd_pool_bytes_in_use",
		Help: "Bytes currently held in pool blocks across all live messages.",
	})

	PoolBytesCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doryd_pool_bytes_capacity",
		Help: "Configured pool capacity in bytes.",
	})

	BatchesEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doryd_batches_emitted_total",
		Help: "Batches emitted by a batcher, by topic.",
	}, []string{"topic"})

	ProduceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doryd_produce_requests_total",
		Help: "Produce requests written to a broker connection.",
	}, []string{"broker_id"})

	ProduceLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doryd_produce_latency_seconds",
		Help:    "Time from produce request write to matching ack.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"broker_id"})

	ConnectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doryd_connector_state",
		Help: "Current connector state (1 = the connector's state matches this label, 0 otherwise).",
	}, []string{"broker_id", "state"})

	// Discard counts themselves are registered by internal/anomaly.New,
	// which owns the doryd_discards_total collector so its in-process
	// counters and the scraped metric never drift apart.

	PossibleDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doryd_possible_duplicates_total",
		Help: "Messages resent after a reconnect whose original ack was never observed.",
	})

	MetadataRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doryd_metadata_refresh_total",
		Help: "Metadata fetch attempts, by outcome.",
	}, []string{"outcome"})

	RebalancesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doryd_rebalances_total",
		Help: "Dispatcher rebalances completed.",
	})

	IngestCPURejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doryd_ingest_cpu_rejections_total",
		Help: "Stream connections rejected by the CPU admission guard.",
	})

	IngestCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doryd_ingest_cpu_percent",
		Help: "Most recently sampled CPU percentage used by the admission guard.",
	})
)

func init() {
	prometheus.MustRegister(
		IngestFramesTotal,
		PoolBytesInUse,
		PoolBytesCapacity,
		BatchesEmittedTotal,
		ProduceRequestsTotal,
		ProduceLatencySeconds,
		ConnectorState,
		PossibleDuplicatesTotal,
		MetadataRefreshTotal,
		RebalancesTotal,
		IngestCPURejectionsTotal,
		IngestCPUPercent,
	)
}

// RecordProduceLatency observes the time between a produce request's wire
// write and its matching ack, for one broker.
func RecordProduceLatency(brokerID string, d time.Duration) {
	ProduceLatencySeconds.WithLabelValues(brokerID).Observe(d.Seconds())
}

// SetConnectorState zeroes every known state label for brokerID except
// the one the connector is actually in, so a Grafana panel can graph
// state as a step function without stale 1s left behind.
func SetConnectorState(brokerID string, states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		ConnectorState.WithLabelValues(brokerID, s).Set(v)
	}
}
