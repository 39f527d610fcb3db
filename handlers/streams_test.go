package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"tunerhub/models"
	"tunerhub/services/transcode"
)

type startCall struct {
	episodeID int64
	sourceURL string
	mode      transcode.StartMode
	meta      transcode.Metadata
}

var segmentName = regexp.MustCompile(`^segment\d{4}\.ts$`)

// fakeEngine serves segments from an in-memory fs and validates names the
// way the real engine does.
type fakeEngine struct {
	mu           sync.Mutex
	fs           afero.Fs
	starts       []startCall
	startErr     error
	jobs         map[int64]models.TranscodeJob
	bulkRun      models.BulkRun
	bulkErr      error
	bulkSeries   string
	bulkEpisodes []transcode.BulkEpisode
	canceled     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fs: afero.NewMemMapFs(), jobs: make(map[int64]models.TranscodeJob)}
}

func (f *fakeEngine) dir(episodeID int64) string {
	return fmt.Sprintf("/cache/%d", episodeID)
}

func (f *fakeEngine) StartTranscode(ctx context.Context, episodeID int64, sourceURL string, mode transcode.StartMode, meta transcode.Metadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, startCall{episodeID, sourceURL, mode, meta})
	return f.dir(episodeID), nil
}

func (f *fakeEngine) Segment(ctx context.Context, episodeID int64, name string) (afero.File, string, error) {
	if name != "stream.m3u8" && !segmentName.MatchString(name) {
		return nil, "", fmt.Errorf("segment %q: %w", name, models.ErrInvalidArgument)
	}
	file, err := f.fs.Open(f.dir(episodeID) + "/" + name)
	if err != nil {
		return nil, "", fmt.Errorf("episode %d %s: %w", episodeID, name, models.ErrNotFound)
	}
	contentType := "video/mp2t"
	if name == "stream.m3u8" {
		contentType = "application/vnd.apple.mpegurl"
	}
	return file, contentType, nil
}

func (f *fakeEngine) Status(episodeID int64) (models.TranscodeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[episodeID]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("episode %d: %w", episodeID, models.ErrNotFound)
	}
	return job, nil
}

func (f *fakeEngine) List() []models.TranscodeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TranscodeJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeEngine) StartBulk(seriesID string, episodes []transcode.BulkEpisode) (models.BulkRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return models.BulkRun{}, f.bulkErr
	}
	f.bulkSeries = seriesID
	f.bulkEpisodes = episodes
	return f.bulkRun, nil
}

func (f *fakeEngine) CancelBulk(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, runID)
	return nil
}

func (f *fakeEngine) BulkStatus() (models.BulkRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return models.BulkRun{}, f.bulkErr
	}
	return f.bulkRun, nil
}

type fakeStreamCatalog struct {
	episodes map[int64]models.Episode
	series   map[int64]models.Series
	bySeries map[int64][]models.Episode
}

func (f *fakeStreamCatalog) Episode(episodeID int64) (*models.Episode, error) {
	e, ok := f.episodes[episodeID]
	if !ok {
		return nil, fmt.Errorf("episode %d: %w", episodeID, models.ErrNotFound)
	}
	return &e, nil
}

func (f *fakeStreamCatalog) SeriesEpisodes(seriesRowID int64) (*models.Series, []models.Episode, error) {
	s, ok := f.series[seriesRowID]
	if !ok {
		return nil, nil, fmt.Errorf("series %d: %w", seriesRowID, models.ErrNotFound)
	}
	return &s, f.bySeries[seriesRowID], nil
}

func newStreamsFixture() (*StreamsHandler, *fakeEngine, *fakeStreamCatalog) {
	engine := newFakeEngine()
	catalog := &fakeStreamCatalog{
		episodes: map[int64]models.Episode{
			42: {
				ID:              42,
				Title:           "Nova",
				EpisodeTitle:    "Pilot",
				Duration:        1800,
				SourceURL:       "http://10.0.0.9:5004/auto/v2.1",
				OriginalAirdate: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
			},
		},
		series:   map[int64]models.Series{7: {ID: 7, SeriesID: "S1", Title: "Nova"}},
		bySeries: map[int64][]models.Episode{},
	}
	return NewStreamsHandler(engine, catalog), engine, catalog
}

func get(t *testing.T, h http.HandlerFunc, path string, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, path, nil), vars)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestPlaylistColdStart(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	require.NoError(t, afero.WriteFile(engine.fs, "/cache/42/stream.m3u8", []byte("#EXTM3U\nsegment0000.ts\n"), 0o644))

	rec := get(t, h.Playlist, "/stream/42/playlist.m3u8", map[string]string{"episodeID": "42"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Contains(t, rec.Body.String(), "#EXTM3U")

	require.Len(t, engine.starts, 1)
	call := engine.starts[0]
	require.Equal(t, int64(42), call.episodeID)
	require.Equal(t, "http://10.0.0.9:5004/auto/v2.1", call.sourceURL)
	require.Equal(t, transcode.Interactive, call.mode)
	require.Equal(t, "Nova", call.meta.ShowName)
	require.Equal(t, "Pilot", call.meta.EpisodeName)
	require.Equal(t, "2024-03-09", call.meta.AirDate)
	require.Equal(t, 1800, call.meta.DurationSeconds)
}

func TestPlaylistUnknownEpisode(t *testing.T) {
	h, engine, _ := newStreamsFixture()

	rec := get(t, h.Playlist, "/stream/99/playlist.m3u8", map[string]string{"episodeID": "99"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, engine.starts)
}

func TestPlaylistBadID(t *testing.T) {
	h, _, _ := newStreamsFixture()
	rec := get(t, h.Playlist, "/stream/nope/playlist.m3u8", map[string]string{"episodeID": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaylistUpstreamFailure(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	engine.startErr = fmt.Errorf("episode 42: %w", models.ErrUpstreamUnreachable)

	rec := get(t, h.Playlist, "/stream/42/playlist.m3u8", map[string]string{"episodeID": "42"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSegmentServed(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	payload := []byte{0x47, 0x40, 0x11, 0x10}
	require.NoError(t, afero.WriteFile(engine.fs, "/cache/42/segment0003.ts", payload, 0o644))

	rec := get(t, h.Segment, "/stream/42/segment0003.ts", map[string]string{"episodeID": "42", "filename": "segment0003.ts"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestSegmentRejectsTraversal(t *testing.T) {
	h, _, _ := newStreamsFixture()
	rec := get(t, h.Segment, "/stream/42/x", map[string]string{"episodeID": "42", "filename": "../../../etc/passwd"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSegmentMissing(t *testing.T) {
	h, _, _ := newStreamsFixture()
	rec := get(t, h.Segment, "/stream/42/segment9999.ts", map[string]string{"episodeID": "42", "filename": "segment9999.ts"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReportsJob(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	engine.jobs[42] = models.TranscodeJob{EpisodeID: 42, State: models.TranscodeTranscoding, Progress: 0.5}

	rec := get(t, h.Status, "/stream/42/status", map[string]string{"episodeID": "42"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"transcoding"`)
	require.Contains(t, rec.Body.String(), `"progress":0.5`)
}

func TestStatusUnknownEpisode(t *testing.T) {
	h, _, _ := newStreamsFixture()
	rec := get(t, h.Status, "/stream/404/status", map[string]string{"episodeID": "404"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTranscodes(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	engine.jobs[1] = models.TranscodeJob{EpisodeID: 1, State: models.TranscodeComplete}
	engine.jobs[2] = models.TranscodeJob{EpisodeID: 2, State: models.TranscodeTranscoding}

	rec := get(t, h.ListTranscodes, "/stream/transcodes", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"episodeId":1`)
	require.Contains(t, rec.Body.String(), `"episodeId":2`)
}

func TestStartBulkQueuesSeries(t *testing.T) {
	h, engine, catalog := newStreamsFixture()
	catalog.bySeries[7] = []models.Episode{
		{ID: 42, Title: "Nova", EpisodeTitle: "Pilot", SourceURL: "http://10.0.0.9:5004/a", Duration: 1800},
		{ID: 43, Title: "Nova", EpisodeTitle: "Two", SourceURL: "http://10.0.0.9:5004/b", Duration: 1750},
	}
	engine.bulkRun = models.BulkRun{ID: "run-1", SeriesID: "S1", State: models.BulkRunning, Total: 2}

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/series/7/transcode", nil), map[string]string{"seriesID": "7"})
	rec := httptest.NewRecorder()
	h.StartBulk(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "S1", engine.bulkSeries)
	require.Len(t, engine.bulkEpisodes, 2)
	require.Equal(t, int64(42), engine.bulkEpisodes[0].ID)
	require.Equal(t, "Nova", engine.bulkEpisodes[0].Meta.ShowName)
	require.Contains(t, rec.Body.String(), `"id":"run-1"`)
}

func TestStartBulkWhileRunning(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	engine.bulkErr = fmt.Errorf("bulk run: %w", models.ErrBusy)

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/series/7/transcode", nil), map[string]string{"seriesID": "7"})
	rec := httptest.NewRecorder()
	h.StartBulk(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBulkStatusBeforeAnyRun(t *testing.T) {
	h, engine, _ := newStreamsFixture()
	engine.bulkErr = fmt.Errorf("no bulk run: %w", models.ErrNotFound)

	rec := get(t, h.BulkStatus, "/stream/bulk", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelBulk(t *testing.T) {
	h, engine, _ := newStreamsFixture()

	req := mux.SetURLVars(httptest.NewRequest(http.MethodDelete, "/stream/bulk/run-1", nil), map[string]string{"runID": "run-1"})
	rec := httptest.NewRecorder()
	h.CancelBulk(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"run-1"}, engine.canceled)
}
