package handlers

import (
	"context"
	"net/http"
	"time"

	"tunerhub/models"
	"tunerhub/services/dvr"
)

type dvrCatalog interface {
	Series() ([]models.Series, error)
	SeriesEpisodes(seriesRowID int64) (*models.Series, []models.Episode, error)
	Sync(ctx context.Context) (dvr.SyncStats, error)
	LastSync() (time.Time, dvr.SyncStats)
}

// SeriesHandler reads the recording catalog and triggers catalog syncs.
type SeriesHandler struct {
	catalog dvrCatalog
}

var _ dvrCatalog = (*dvr.Service)(nil)

func NewSeriesHandler(catalog dvrCatalog) *SeriesHandler {
	return &SeriesHandler{catalog: catalog}
}

// List returns every mirrored series.
func (h *SeriesHandler) List(w http.ResponseWriter, r *http.Request) {
	series, err := h.catalog.Series()
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, series)
}

type seriesEpisodesResponse struct {
	Series   models.Series `json:"series"`
	Episodes []episodeView `json:"episodes"`
}

// Episodes returns one series with its episodes, play URLs rewritten to the
// local HLS proxy.
func (h *SeriesHandler) Episodes(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, seriesEpisodesResponse{
		Series:   *series,
		Episodes: viewEpisodes(episodes),
	})
}

// Sync runs a catalog sync pass right now. An already-running pass rejects
// the request rather than queueing a second walk of the appliances.
func (h *SeriesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	stats, err := h.catalog.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
