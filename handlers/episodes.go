package handlers

import (
	"context"
	"fmt"
	"net/http"

	"tunerhub/models"
	"tunerhub/services/dvr"
)

type episodeService interface {
	Episode(episodeID int64) (*models.Episode, error)
	UpdateProgress(ctx context.Context, episodeID int64, position int, watched bool) error
	DeleteEpisode(ctx context.Context, episodeID int64, rerecord bool) error
}

// EpisodesHandler reads single episodes and writes progress through to the
// owning appliance.
type EpisodesHandler struct {
	dvr episodeService
}

var _ episodeService = (*dvr.Service)(nil)

func NewEpisodesHandler(dvr episodeService) *EpisodesHandler {
	return &EpisodesHandler{dvr: dvr}
}

// Get returns one episode with its play URL rewritten.
func (h *EpisodesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	episode, err := h.dvr.Episode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewEpisode(*episode))
}

type progressRequest struct {
	Position int  `json:"position"`
	Watched  bool `json:"watched"`
}

// UpdateProgress stores a resume position. The local row is the source of
// truth; the appliance mirror write happens behind this call and its
// failure does not fail the request.
func (h *EpisodesHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Position < 0 {
		writeError(w, fmt.Errorf("%w: position must not be negative", models.ErrInvalidArgument))
		return
	}

	if err := h.dvr.UpdateProgress(r.Context(), id, req.Position, req.Watched); err != nil {
		writeError(w, err)
		return
	}

	episode, err := h.dvr.Episode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewEpisode(*episode))
}

// Delete removes a recording from the appliance, the transcode cache, and
// the local mirror, in that order. The appliance delete failing aborts the
// chain so the catalog never claims a recording is gone while the appliance
// still holds it.
func (h *EpisodesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "episodeID")
	if err != nil {
		writeError(w, err)
		return
	}

	rerecord := r.URL.Query().Get("rerecord") == "1"
	if err := h.dvr.DeleteEpisode(r.Context(), id, rerecord); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
