package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"tunerhub/models"
	"tunerhub/services/dvr"
	"tunerhub/services/transcode"
)

type streamEngine interface {
	StartTranscode(ctx context.Context, episodeID int64, sourceURL string, mode transcode.StartMode, meta transcode.Metadata) (string, error)
	Segment(ctx context.Context, episodeID int64, name string) (afero.File, string, error)
	Status(episodeID int64) (models.TranscodeJob, error)
	List() []models.TranscodeJob
	StartBulk(seriesID string, episodes []transcode.BulkEpisode) (models.BulkRun, error)
	CancelBulk(runID string) error
	BulkStatus() (models.BulkRun, error)
}

type streamCatalog interface {
	Episode(episodeID int64) (*models.Episode, error)
	SeriesEpisodes(seriesRowID int64) (*models.Series, []models.Episode, error)
}

// StreamsHandler serves recorded-content HLS out of the transcode cache and
// drives the series backfill runs.
type StreamsHandler struct {
	engine  streamEngine
	catalog streamCatalog
}

var _ streamEngine = (*transcode.Engine)(nil)
var _ streamCatalog = (*dvr.Service)(nil)

func NewStreamsHandler(engine streamEngine, catalog streamCatalog) *StreamsHandler {
	return &StreamsHandler{engine: engine, catalog: catalog}
}

func transcodeMeta(e models.Episode) transcode.Metadata {
	meta := transcode.Metadata{
		ShowName:        e.Title,
		EpisodeName:     e.EpisodeTitle,
		DurationSeconds: e.Duration,
	}
	if !e.OriginalAirdate.IsZero() {
		meta.AirDate = e.OriginalAirdate.Format("2006-01-02")
	}
	return meta
}

// Playlist ensures a transcode exists for the episode and serves its HLS
// playlist. A cold start blocks until the transcoder produces the playlist
// or the startup bound expires; repeat requests reuse the running job.
func (h *StreamsHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	episode, err := h.catalog.Episode(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.engine.StartTranscode(r.Context(), id, episode.SourceURL, transcode.Interactive, transcodeMeta(*episode)); err != nil {
		writeError(w, err)
		return
	}

	f, contentType, err := h.engine.Segment(r.Context(), id, "stream.m3u8")
	if err != nil {
		writeError(w, err)
		return
	}
	serveHLS(w, f, contentType)
}

// Segment serves one file out of an episode's cache directory. The engine
// only hands out the playlist and numbered segments, so traversal attempts
// die there with InvalidArgument.
func (h *StreamsHandler) Segment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	f, contentType, err := h.engine.Segment(r.Context(), id, mux.Vars(r)["filename"])
	if err != nil {
		writeError(w, err)
		return
	}
	serveHLS(w, f, contentType)
}

// Status reports the job entry for one episode.
func (h *StreamsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := h.engine.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ListTranscodes dumps every cache entry, newest first.
func (h *StreamsHandler) ListTranscodes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.List())
}

// StartBulk kicks off a backfill run over every episode of a series.
func (h *StreamsHandler) StartBulk(w http.ResponseWriter, r *http.Request) {
	rowID, err := pathID(r, "seriesID")
	if err != nil {
		writeError(w, err)
		return
	}

	series, episodes, err := h.catalog.SeriesEpisodes(rowID)
	if err != nil {
		writeError(w, err)
		return
	}

	candidates := make([]transcode.BulkEpisode, 0, len(episodes))
	for _, e := range episodes {
		candidates = append(candidates, transcode.BulkEpisode{
			ID:        e.ID,
			SourceURL: e.SourceURL,
			Meta:      transcodeMeta(e),
		})
	}

	run, err := h.engine.StartBulk(series.SeriesID, candidates)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// BulkStatus reports the most recent backfill run.
func (h *StreamsHandler) BulkStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.BulkStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// CancelBulk stops a running backfill. In-flight transcodes finish; queued
// episodes are dropped.
func (h *StreamsHandler) CancelBulk(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CancelBulk(mux.Vars(r)["runID"]); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}
