package transcode

import (
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"tunerhub/models"
)

// recoverFromDisk rebuilds the jobs table from cache directories left by a
// previous run. A sidecar still saying Transcoding means the process died
// with the directory half-written; the partial output is useless, so the
// directory goes. Complete entries with a playlist are restored as-is.
func (e *Engine) recoverFromDisk() {
	entries, err := afero.ReadDir(e.fs, e.cfg.CacheRoot)
	if err != nil {
		log.Printf("[transcode] recovery scan failed: %v", err)
		return
	}

	restored, abandoned := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		episodeID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		dir := filepath.Join(e.cfg.CacheRoot, entry.Name())
		side, err := e.readSidecar(dir)
		if err != nil {
			continue
		}

		switch side.State {
		case models.TranscodeTranscoding, models.TranscodePending:
			if err := e.fs.RemoveAll(dir); err != nil {
				log.Printf("[transcode] episode %d: remove abandoned dir: %v", episodeID, err)
				continue
			}
			abandoned++
		case models.TranscodeComplete:
			info, err := e.fs.Stat(filepath.Join(dir, playlistName))
			if err != nil || info.Size() == 0 {
				continue
			}
			j := &job{
				TranscodeJob: models.TranscodeJob{
					EpisodeID:    episodeID,
					State:        models.TranscodeComplete,
					Dir:          dir,
					SourceURL:    side.SourceURL,
					StartTime:    side.StartTime,
					LastAccessed: entry.ModTime(),
					Progress:     1,
				},
				meta: Metadata{
					ShowName:    side.ShowName,
					EpisodeName: side.EpisodeName,
					AirDate:     side.AirDate,
				},
			}
			if side.EndTime != nil {
				j.EndTime = *side.EndTime
			}
			e.jobs[episodeID] = j
			restored++
		}
		// Error entries are left on disk and rebuilt on request.
	}

	if restored > 0 || abandoned > 0 {
		log.Printf("[transcode] recovery: %d complete entries restored, %d abandoned directories removed", restored, abandoned)
	}
}

func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.cleanupDone:
			return
		}
	}
}

// sweepExpired removes cache directories untouched for longer than the
// retention window. This is the engine's only retention policy.
func (e *Engine) sweepExpired() {
	entries, err := afero.ReadDir(e.fs, e.cfg.CacheRoot)
	if err != nil {
		log.Printf("[transcode] cleanup scan failed: %v", err)
		return
	}

	cutoff := time.Now().Add(-e.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !entry.ModTime().Before(cutoff) {
			continue
		}
		episodeID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			// Not one of ours; leave it alone.
			continue
		}
		if err := e.DeleteTranscode(episodeID); err != nil {
			log.Printf("[transcode] episode %d: cleanup failed: %v", episodeID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[transcode] cleanup removed %d expired cache entries", removed)
	}
}

// DeleteTranscode removes an episode's cache entry, terminating a running
// transcoder first. Removing an episode that was never transcoded is a
// no-op, not an error, so callers can use it as a blanket cleanup.
func (e *Engine) DeleteTranscode(episodeID int64) error {
	e.mu.Lock()
	j, ok := e.jobs[episodeID]
	var (
		cmd    *exec.Cmd
		exited <-chan struct{}
	)
	if ok {
		j.canceled = true
		cmd, exited = j.cmd, j.exited
		e.removeActiveLocked(episodeID)
		delete(e.jobs, episodeID)
	}
	e.mu.Unlock()

	if cmd != nil {
		e.terminate(episodeID, cmd, exited)
	}

	if err := e.fs.RemoveAll(e.dir(episodeID)); err != nil {
		return fmt.Errorf("remove transcode dir: %w", err)
	}
	if ok {
		log.Printf("[transcode] episode %d: cache entry removed", episodeID)
	}
	return nil
}

// Shutdown stops the retention sweep and terminates every running
// transcoder in parallel. Sidecars keep their Transcoding state on purpose:
// the next startup recognizes those directories as abandoned and reaps them.
func (e *Engine) Shutdown() {
	close(e.cleanupDone)

	type handle struct {
		id     int64
		cmd    *exec.Cmd
		exited <-chan struct{}
	}

	e.mu.Lock()
	if e.run != nil && e.run.State == models.BulkRunning {
		e.run.stopLocked()
	}
	handles := make([]handle, 0, len(e.active))
	for _, id := range e.active {
		j := e.jobs[id]
		if j == nil {
			continue
		}
		j.canceled = true
		handles = append(handles, handle{id, j.cmd, j.exited})
	}
	e.active = nil
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h handle) {
			defer wg.Done()
			e.terminate(h.id, h.cmd, h.exited)
		}(h)
	}
	wg.Wait()

	log.Printf("[transcode] shutdown complete (%d transcodes stopped)", len(handles))
}
