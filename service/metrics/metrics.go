package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quicklook"

// Outcomes of a product
const (
	OutcomeComposited = "composited"
	OutcomeSkipped    = "skipped"
)

// Results of a cache lookup
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

var (
	// Products counts the processed products, by outcome and stage of the failure (if any)
	Products = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_total",
			Help:      "Number of products processed, by outcome and failing stage.",
		},
		[]string{"outcome", "stage"},
	)

	// CacheLookups counts the lookups of the file cache
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Number of cache lookups, by result.",
		},
		[]string{"result"},
	)

	// DownloadedBytes counts the bytes written to the cache
	DownloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Number of bytes downloaded from the catalog.",
		},
	)

	// RunDuration observes the duration of the runs, in seconds
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a run, from search to the last product.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

var register sync.Once

// Register registers all the metrics to the default registerer. It can be called several times.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(Products, CacheLookups, DownloadedBytes, RunDuration)
	})
}
