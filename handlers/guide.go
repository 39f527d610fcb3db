package handlers

import (
	"context"
	"net/http"
	"strconv"

	"tunerhub/models"
	"tunerhub/services/guide"
)

type guideReader interface {
	Guide(ctx context.Context) ([]guide.ChannelGuide, error)
	Channels(ctx context.Context) ([]models.GuideChannel, error)
	Now(ctx context.Context) ([]models.GuideProgram, error)
	Search(ctx context.Context, query, channel string, limit int) ([]models.GuideProgram, error)
}

// GuideHandler serves the cached program guide. Reads behind the handler
// refresh the cache when it has gone stale.
type GuideHandler struct {
	guide guideReader
}

var _ guideReader = (*guide.Service)(nil)

func NewGuideHandler(g guideReader) *GuideHandler {
	return &GuideHandler{guide: g}
}

// Guide returns the full cached window grouped by channel.
func (h *GuideHandler) Guide(w http.ResponseWriter, r *http.Request) {
	channels, err := h.guide.Guide(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, channels)
}

// Channels lists the known guide channels.
func (h *GuideHandler) Channels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.guide.Channels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, channels)
}

// Now returns what is airing at this instant on every channel.
func (h *GuideHandler) Now(w http.ResponseWriter, r *http.Request) {
	programs, err := h.guide.Now(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, programs)
}

// Search matches upcoming programs against ?q=, optionally scoped to one
// ?channel=. ?limit= caps the result count.
func (h *GuideHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	programs, err := h.guide.Search(r.Context(), q.Get("q"), q.Get("channel"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, programs)
}
