package transcode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tunerhub/models"
)

// BulkEpisode is one backfill candidate handed to StartBulk.
type BulkEpisode struct {
	ID        int64
	SourceURL string
	Meta      Metadata
}

type bulkRun struct {
	models.BulkRun
	cancel chan struct{}
}

// stopLocked closes the cancel channel once. Caller holds the engine mutex.
func (r *bulkRun) stopLocked() {
	select {
	case <-r.cancel:
	default:
		close(r.cancel)
	}
}

// StartBulk launches a background pass that transcodes every listed episode
// not already cached, in order, without ever evicting. One run at a time;
// a second request while one is active fails Busy.
func (e *Engine) StartBulk(seriesID string, episodes []BulkEpisode) (models.BulkRun, error) {
	e.mu.Lock()
	if e.run != nil && e.run.State == models.BulkRunning {
		id := e.run.ID
		e.mu.Unlock()
		return models.BulkRun{}, fmt.Errorf("bulk transcode %s still running: %w", id, models.ErrBusy)
	}

	queue := make([]BulkEpisode, 0, len(episodes))
	skipped := 0
	for _, ep := range episodes {
		if j, ok := e.jobs[ep.ID]; ok && j.State == models.TranscodeComplete {
			skipped++
			continue
		}
		queue = append(queue, ep)
	}

	run := &bulkRun{
		BulkRun: models.BulkRun{
			ID:        uuid.NewString(),
			SeriesID:  seriesID,
			State:     models.BulkRunning,
			Total:     len(episodes),
			Skipped:   skipped,
			StartedAt: time.Now(),
		},
		cancel: make(chan struct{}),
	}
	e.run = run
	e.mu.Unlock()

	log.Printf("[transcode] bulk run %s: %d of %d episodes queued (%d already cached)",
		run.ID, len(queue), run.Total, skipped)

	go e.runBulk(run, queue)

	return run.BulkRun, nil
}

// CancelBulk stops a run from starting more episodes and settles it
// immediately. Jobs already running finish (or fail) on their own; the
// canceled run stops counting them.
func (e *Engine) CancelBulk(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil || e.run.ID != runID {
		return fmt.Errorf("bulk run %s: %w", runID, models.ErrNotFound)
	}
	if e.run.State == models.BulkRunning {
		e.run.stopLocked()
	}
	return nil
}

// BulkStatus reports the current or most recent backfill run.
func (e *Engine) BulkStatus() (models.BulkRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == nil {
		return models.BulkRun{}, fmt.Errorf("bulk transcode: %w: no run on record", models.ErrNotFound)
	}
	return e.run.BulkRun, nil
}

// runBulk is the backfill driver: pop one episode whenever a slot is free,
// never evict, and fold finished jobs into the counters. An episode whose
// job got evicted by an interactive start counts as failed and is not
// re-queued; re-queueing could ping-pong against a viewer replaying the
// same episode indefinitely.
func (e *Engine) runBulk(run *bulkRun, queue []BulkEpisode) {
	started := make(map[int64]struct{})

	for {
		select {
		case <-run.cancel:
			e.mu.Lock()
			if run.State == models.BulkRunning {
				run.State = models.BulkCanceled
			}
			e.mu.Unlock()
			if len(queue) > 0 || len(started) > 0 {
				log.Printf("[transcode] bulk run %s: canceled (%d unstarted, %d still running)", run.ID, len(queue), len(started))
			}
			// Jobs still running are abandoned to their own exits; a
			// canceled run stops counting.
			queue = nil
			started = map[int64]struct{}{}
		default:
		}

		e.reapStarted(run, started)

		if len(queue) == 0 {
			if len(started) == 0 {
				break
			}
			time.Sleep(e.pollInterval)
			continue
		}

		e.mu.Lock()
		free := len(e.active) < e.cfg.MaxConcurrent
		e.mu.Unlock()
		if !free {
			time.Sleep(e.pollInterval)
			continue
		}

		ep := queue[0]
		queue = queue[1:]

		_, err := e.StartTranscode(context.Background(), ep.ID, ep.SourceURL, Bulk, ep.Meta)
		switch {
		case errors.Is(err, errAtCapacity):
			// An interactive start took the slot between the check and
			// the claim; put the episode back and wait.
			queue = append([]BulkEpisode{ep}, queue...)
			time.Sleep(e.pollInterval)
		case err != nil && !errors.Is(err, ErrStartupTimeout):
			e.mu.Lock()
			run.Failed++
			e.mu.Unlock()
			log.Printf("[transcode] bulk run %s: episode %d failed to start: %v", run.ID, ep.ID, err)
		default:
			// A startup-timeout job is still flagged Transcoding; its exit
			// settles it like any other start.
			started[ep.ID] = struct{}{}
		}
	}

	e.mu.Lock()
	if run.State == models.BulkRunning {
		run.State = models.BulkComplete
	}
	run.EndedAt = time.Now()
	snap := run.BulkRun
	e.mu.Unlock()

	log.Printf("[transcode] bulk run %s %s: %d completed, %d failed, %d skipped of %d",
		snap.ID, snap.State, snap.Completed, snap.Failed, snap.Skipped, snap.Total)
}

// reapStarted folds settled jobs into the run counters. A job that vanished
// from the table (deleted mid-run) counts as failed.
func (e *Engine) reapStarted(run *bulkRun, started map[int64]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id := range started {
		j, ok := e.jobs[id]
		if ok && (j.State == models.TranscodePending || j.State == models.TranscodeTranscoding) {
			continue
		}
		switch {
		case !ok:
			run.Failed++
		case j.State == models.TranscodeComplete:
			run.Completed++
		default:
			run.Failed++
		}
		delete(started, id)
	}
}
