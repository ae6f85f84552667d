// Package metrics provides Prometheus metrics for the image viewer core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decoded page cache
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_cache_requests_total",
			Help: "Total page cache lookups",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imgview_cache_evictions_total",
			Help: "Total entries evicted from the page cache",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imgview_cache_entries",
			Help: "Number of decoded pages held in memory",
		},
	)

	// Decoding
	decodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_decodes_total",
			Help: "Total page decodes from source",
		},
		[]string{"status"},
	)

	decodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgview_decode_duration_seconds",
			Help:    "Time to read, decode and normalize one page",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Persisted tier
	diskCacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_disk_cache_operations_total",
			Help: "Total persisted cache operations",
		},
		[]string{"operation", "status"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgview_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Prefetch
	warmEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_warm_entries_total",
			Help: "Total pages processed by cache warming",
		},
		[]string{"status"},
	)

	// Rendering
	composeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgview_compose_duration_seconds",
			Help:    "Canvas composition duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	navigationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_navigation_total",
			Help: "Total navigation steps",
		},
		[]string{"direction", "result"},
	)

	// Session events
	sessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgview_session_events_total",
			Help: "Total viewer session events published",
		},
		[]string{"type"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imgview_session_subscribers",
			Help: "Number of session event subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records a page cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordEviction records one evicted page.
func RecordEviction() {
	cacheEvictionsTotal.Inc()
}

// SetCacheEntries sets the number of cached pages.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordDecode records a decode from source.
func RecordDecode(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	decodesTotal.WithLabelValues(status).Inc()
	if success {
		decodeDuration.Observe(duration.Seconds())
	}
}

// RecordDiskCache records a persisted cache operation ("load", "save", "clear").
func RecordDiskCache(operation, status string) {
	diskCacheOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordStorageOperation records a storage backend call.
func RecordStorageOperation(backend, operation string, duration time.Duration) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordWarm records one page processed by a warm pass.
func RecordWarm(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	warmEntriesTotal.WithLabelValues(status).Inc()
}

// RecordCompose records a canvas composition ("single" or "spread").
func RecordCompose(mode string, duration time.Duration) {
	composeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordNavigation records a navigation step.
func RecordNavigation(direction string, moved bool) {
	result := "moved"
	if !moved {
		result = "refused"
	}
	navigationTotal.WithLabelValues(direction, result).Inc()
}

// RecordSessionEvent records a published viewer session event.
func RecordSessionEvent(eventType string) {
	sessionEventsTotal.WithLabelValues(eventType).Inc()
}

// SetSubscribers sets the number of session event subscribers.
func SetSubscribers(n int) {
	subscribersActive.Set(float64(n))
}
