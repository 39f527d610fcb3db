package transcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunerhub/models"
)

func bulkEpisodes(ids ...int64) []BulkEpisode {
	out := make([]BulkEpisode, 0, len(ids))
	for _, id := range ids {
		out = append(out, BulkEpisode{ID: id, SourceURL: "http://dvr/auto/v0"})
	}
	return out
}

func waitForRunDone(t *testing.T, e *Engine, timeout time.Duration) models.BulkRun {
	t.Helper()
	var run models.BulkRun
	waitFor(t, timeout, func() bool {
		var err error
		run, err = e.BulkStatus()
		return err == nil && run.State != models.BulkRunning
	}, "bulk run never settled")
	return run
}

func TestBulkBackfillCompletesQueue(t *testing.T) {
	e, spawns := newTestEngine(t, Config{MaxConcurrent: 1}, scriptQuickComplete)

	// Pre-cache one episode so the run skips it.
	_, err := e.StartTranscode(context.Background(), 1, "http://dvr/auto/v1", Interactive, Metadata{})
	require.NoError(t, err)
	waitFor(t, 3*time.Second, func() bool {
		s, err := e.Status(1)
		return err == nil && s.State == models.TranscodeComplete
	}, "precached episode never completed")

	run, err := e.StartBulk("S1", bulkEpisodes(1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, models.BulkRunning, run.State)
	require.Equal(t, 3, run.Total)
	require.Equal(t, 1, run.Skipped)

	done := waitForRunDone(t, e, 10*time.Second)
	require.Equal(t, models.BulkComplete, done.State)
	require.Equal(t, 2, done.Completed)
	require.Zero(t, done.Failed)
	require.Equal(t, 1, done.Skipped)
	require.EqualValues(t, 3, spawns.Load()) // 1 precache + 2 bulk
	require.False(t, done.EndedAt.IsZero())
}

func TestBulkSecondRunWhileActiveIsBusy(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxConcurrent: 1}, scriptLongRunning)

	run, err := e.StartBulk("S1", bulkEpisodes(1, 2))
	require.NoError(t, err)

	_, err = e.StartBulk("S2", bulkEpisodes(3))
	require.ErrorIs(t, err, models.ErrBusy)

	require.NoError(t, e.CancelBulk(run.ID))
	done := waitForRunDone(t, e, 10*time.Second)
	require.Equal(t, models.BulkCanceled, done.State)

	require.ErrorIs(t, e.CancelBulk("no-such-run"), models.ErrNotFound)
}

func TestBulkJobEvictedByInteractiveStartCountsAsFailed(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxConcurrent: 1}, scriptLongRunning)

	run, err := e.StartBulk("S1", bulkEpisodes(1))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		s, err := e.Status(1)
		return err == nil && s.State == models.TranscodeTranscoding
	}, "bulk job never started")

	// A viewer shows up for a different episode; the bulk job loses its slot.
	_, err = e.StartTranscode(context.Background(), 2, "http://dvr/auto/v2", Interactive, Metadata{})
	require.NoError(t, err)

	done := waitForRunDone(t, e, 10*time.Second)
	require.Equal(t, models.BulkComplete, done.State)
	require.Equal(t, 1, done.Failed)
	require.Zero(t, done.Completed)
	require.Equal(t, "S1", run.SeriesID)

	evicted, err := e.Status(1)
	require.NoError(t, err)
	require.Equal(t, models.TranscodeError, evicted.State)
}
