// Package telemetry holds the Prometheus metrics shared by every component.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Harvester side
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_events_emitted_total",
		Help: "Updates emitted by platform adapters, by kind",
	}, []string{"platform", "kind"})
	EventsMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_events_malformed_total",
		Help: "Platform payloads that could not be parsed",
	}, []string{"platform"})
	DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_duplicates_dropped_total",
		Help: "Messages suppressed because their ID was already emitted",
	}, []string{"platform"})
	UnknownRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_unknown_removals_total",
		Help: "Removals dropped because the target ID was never emitted",
	}, []string{"platform"})
	DiscoveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_discovery_failures_total",
		Help: "Failed identity discovery attempts",
	}, []string{"platform"})

	// Seed
	SeedOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatnexus_seed_open",
		Help: "1 when the relay connection is open",
	}, []string{"seed"})
	SeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_seed_reconnects_total",
		Help: "Reconnect attempts scheduled",
	}, []string{"seed"})
	SeedQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatnexus_seed_queue_depth",
		Help: "Updates waiting for the relay connection",
	}, []string{"seed"})
	SeedQueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_seed_queue_dropped_total",
		Help: "Queued updates dropped because the queue was full",
	}, []string{"seed"})

	// Consumer side
	PacerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatnexus_pacer_queue_depth",
		Help: "Messages waiting in the delivery pacer",
	})
	PacerDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_pacer_delivered_total",
		Help: "Messages delivered to the renderer, by path",
	}, []string{"path"})
	PacerWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatnexus_pacer_wait_seconds",
		Help:    "Time a paced message spent queued",
		Buckets: []float64{.01, .05, .1, .25, .5, .75, 1, 1.5},
	})
	ViewersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatnexus_viewers",
		Help: "Aggregated viewer count",
	})

	// Sinks
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_archive_uploads_total",
		Help: "Archive file uploads, by result",
	}, []string{"result"})
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatnexus_archive_upload_duration_seconds",
		Help:    "Archive upload duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	KafkaWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatnexus_kafka_writes_total",
		Help: "Kafka message writes, by result",
	}, []string{"result"})
)

// SetOpen sets the open gauge of a seed.
func SetOpen(seed string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	SeedOpen.WithLabelValues(seed).Set(v)
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
