// Package metrics provides Prometheus metrics for the packsync server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Core operation metrics
	opsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsync_operations_total",
			Help: "Total number of core operations by outcome code",
		},
		[]string{"op", "code"},
	)

	opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packsync_operation_duration_seconds",
			Help:    "Core operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Pack cache metrics
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packsync_cache_hits_total",
			Help: "Pack metadata served from the in-memory cache",
		},
	)

	cacheReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packsync_cache_reloads_total",
			Help: "Pack metadata reloads from durable storage",
		},
	)

	cachedPacks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packsync_cached_packs",
			Help: "Number of packs currently cached in memory",
		},
	)

	// World lifecycle metrics
	worldTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsync_world_transitions_total",
			Help: "World lock-state transitions by target state",
		},
		[]string{"state"},
	)

	// Transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packsync_bytes_uploaded_total",
			Help: "Total bytes received by file upload endpoints",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packsync_bytes_downloaded_total",
			Help: "Total bytes served by file download endpoints",
		},
	)

	// Refresh event metrics
	eventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packsync_refresh_events_total",
			Help: "Refresh notifications published to subscribers",
		},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packsync_event_subscribers",
			Help: "Currently connected event stream subscribers",
		},
	)
)

// RecordOp records the outcome of one core operation.
func RecordOp(op, code string, seconds float64) {
	opsTotal.WithLabelValues(op, code).Inc()
	opDuration.WithLabelValues(op).Observe(seconds)
}

// RecordCacheHit counts a pack served from memory.
func RecordCacheHit() { cacheHits.Inc() }

// RecordCacheReload counts a reload from durable storage.
func RecordCacheReload() { cacheReloads.Inc() }

// SetCachedPacks updates the cached pack gauge.
func SetCachedPacks(n int) { cachedPacks.Set(float64(n)) }

// RecordWorldTransition counts a lock-state change.
func RecordWorldTransition(state string) {
	if state == "" {
		state = "idle"
	}
	worldTransitions.WithLabelValues(state).Inc()
}

// RecordUpload adds to the upload byte counter.
func RecordUpload(n int64) { bytesUploaded.Add(float64(n)) }

// RecordDownload adds to the download byte counter.
func RecordDownload(n int64) { bytesDownloaded.Add(float64(n)) }

// RecordEventPublished counts one refresh broadcast.
func RecordEventPublished() { eventsPublished.Inc() }

// SetSubscribers updates the subscriber gauge.
func SetSubscribers(n int) { subscribersActive.Set(float64(n)) }

// Handler returns the metrics HTTP handler.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
