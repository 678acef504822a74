package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(MapCacheHits.WithLabelValues("map"))
	misses := testutil.ToFloat64(MapCacheMisses.WithLabelValues("map"))

	RecordCacheLookup("map", true)
	RecordCacheLookup("map", false)
	RecordCacheLookup("map", false)

	if got := testutil.ToFloat64(MapCacheHits.WithLabelValues("map")) - hits; got != 1 {
		t.Errorf("hits delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MapCacheMisses.WithLabelValues("map")) - misses; got != 2 {
		t.Errorf("misses delta = %v, want 2", got)
	}
}

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(MapBatches.WithLabelValues("applied"))
	RecordBatch("applied")
	if got := testutil.ToFloat64(MapBatches.WithLabelValues("applied")) - before; got != 1 {
		t.Errorf("batches delta = %v, want 1", got)
	}

	// Histograms and the remaining vectors only need to accept observations.
	RecordPGAdvance(3 * time.Millisecond)
	RecordPGCreate("created")
	RecordMessage("osd_map")
}
