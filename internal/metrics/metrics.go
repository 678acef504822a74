// Package metrics holds the node's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "osd"

var (
	// MapEpoch is the epoch of the node's current map.
	MapEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "map_epoch",
		Help:      "Epoch of the currently published cluster map",
	})

	SuperblockNewestMap = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "superblock_newest_map",
		Help:      "Newest map epoch recorded in the superblock",
	})

	SuperblockOldestMap = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "superblock_oldest_map",
		Help:      "Oldest map epoch recorded in the superblock",
	})

	// State is the lifecycle state as its numeric value.
	State = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "state",
		Help:      "Lifecycle state (0 initializing, 1 preboot, 2 booting, 3 active, 4 stopping)",
	})

	MapCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "map_cache_hits_total",
		Help:      "Map cache hits",
	}, []string{"cache"}) // cache: map/blob

	MapCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "map_cache_misses_total",
		Help:      "Map cache misses",
	}, []string{"cache"})

	MapBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "map_batches_total",
		Help:      "Map pushes handled, by outcome",
	}, []string{"result"}) // applied/stale/gap/dropped/error

	PGs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pgs",
		Help:      "Placement groups present in the directory",
	})

	PGCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pg_creates_total",
		Help:      "Placement group creation requests, by outcome",
	}, []string{"result"}) // created/dropped/joined

	PGAdvance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pg_advance_seconds",
		Help:      "Time for a placement group to advance to a target epoch",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Messages dispatched, by kind",
	}, []string{"kind"})
)

// RecordCacheLookup counts one lookup in the named cache.
func RecordCacheLookup(cache string, hit bool) {
	if hit {
		MapCacheHits.WithLabelValues(cache).Inc()
		return
	}
	MapCacheMisses.WithLabelValues(cache).Inc()
}

// RecordBatch counts one map push with the given outcome.
func RecordBatch(result string) {
	MapBatches.WithLabelValues(result).Inc()
}

// RecordPGCreate counts one creation request with the given outcome.
func RecordPGCreate(result string) {
	PGCreates.WithLabelValues(result).Inc()
}

// RecordPGAdvance observes how long one pg advance took.
func RecordPGAdvance(d time.Duration) {
	PGAdvance.Observe(d.Seconds())
}

// RecordMessage counts one dispatched message.
func RecordMessage(kind string) {
	Messages.WithLabelValues(kind).Inc()
}
