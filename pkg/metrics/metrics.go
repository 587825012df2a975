// Package metrics instruments the background sync loop. The collectors are
// always registered; they're only exposed when the mount command enables the
// optional listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncPasses counts completed sync passes by result.
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snfs_sync_passes_total",
		Help: "Completed background sync passes, labeled by result.",
	}, []string{"result"})

	// SyncSkipped counts sync cycles abandoned after retry exhaustion.
	SyncSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snfs_sync_skipped_total",
		Help: "Sync cycles skipped because the server was unreachable.",
	})

	// SyncDuration observes how long each sync pass takes, including
	// retries.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snfs_sync_duration_seconds",
		Help:    "Duration of background sync passes.",
		Buckets: prometheus.DefBuckets,
	})

	// Conflicts counts notes that were edited both locally and remotely
	// and resolved by keeping both copies.
	Conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snfs_sync_conflicts_total",
		Help: "Merge conflicts resolved by retaining both versions.",
	})

	// Notes tracks the number of notes currently served by the mount.
	Notes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snfs_notes",
		Help: "Notes currently visible in the mounted filesystem.",
	})

	// DirtyNotes tracks notes with local edits awaiting push.
	DirtyNotes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snfs_dirty_notes",
		Help: "Notes with unsynced local edits.",
	})
)

// Serve exposes the collectors on addr. It blocks, so callers run it in its
// own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
