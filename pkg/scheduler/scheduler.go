// Package scheduler runs the background reconciliation loop. It's the only
// code that talks to the network after mount: the foreground filesystem
// path always serves from the store cache.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/snfs/pkg/api"
	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/metrics"
	"github.com/sidkik/snfs/pkg/store"
)

// flushTimeout bounds the best-effort final push on unmount.
const flushTimeout = 10 * time.Second

// Scheduler periodically reconciles the store with the sync server.
type Scheduler struct {
	store    *store.Store
	client   api.Client
	interval time.Duration
	clock    clockwork.Clock
}

// New creates a scheduler that syncs every interval. Callers are expected
// to have enforced the interval floor already.
func New(st *store.Store, client api.Client, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		client:   client,
		interval: interval,
		clock:    clockwork.NewRealClock(),
	}
}

// Run loops until ctx is canceled. It's intended to run in its own
// goroutine, separate from the goroutines serving filesystem calls.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}

		if err := s.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A skipped cycle isn't fatal: the filesystem keeps serving
			// from cache, and the next tick resumes from the last
			// confirmed cursor.
			metrics.SyncSkipped.Inc()
			log.WithError(err).Warn(
				"Sync cycle skipped. Will retry at the next interval.")
		}
	}
}

// Flush makes one final best-effort push of any remaining dirty notes.
// It's called during unmount, after Run has stopped.
func (s *Scheduler) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if len(s.store.SnapshotDirty()) == 0 {
		return
	}

	log.Info("Flushing unsynced notes before unmount.")
	if err := s.syncOnce(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush unsynced notes. " +
			"They will be pushed by the next mount.")
	}
}

// syncOnce performs one full pass: snapshot dirty notes under the store
// lock, run the network transaction outside it, then merge the results
// under the lock again. A slow server never stalls filesystem calls.
func (s *Scheduler) syncOnce(ctx context.Context) error {
	start := time.Now()
	dirty := s.store.SnapshotDirty()

	result, err := s.client.Sync(ctx, dirty)
	if err != nil {
		metrics.SyncPasses.WithLabelValues("error").Inc()
		return errors.WithContext(err, "sync")
	}

	// If the mount is going away, abandon the pass rather than apply a
	// merge that races teardown. Nothing was confirmed to the store, so no
	// state is lost.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	conflicts := s.store.ApplyRemote(result.Changes, result.Confirmed)

	metrics.SyncPasses.WithLabelValues("ok").Inc()
	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	metrics.Conflicts.Add(float64(len(conflicts)))
	notes, dirtyCount := s.store.Counts()
	metrics.Notes.Set(float64(notes))
	metrics.DirtyNotes.Set(float64(dirtyCount))

	log.WithFields(log.Fields{
		"pushed":    len(dirty),
		"pulled":    len(result.Changes),
		"conflicts": len(conflicts),
	}).Debug("Sync pass complete")
	return nil
}
