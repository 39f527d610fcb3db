package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"tunerhub/models"
	"tunerhub/services/livetv"
)

type liveAllocator interface {
	Watch(ctx context.Context, channel, clientID string) (models.Tuner, error)
	Heartbeat(clientID string) bool
	Release(clientID string) error
	Tuners() []livetv.TunerSnapshot
	Channels(ctx context.Context) ([]models.LiveChannel, error)
	Segment(ctx context.Context, tunerKey, name string) (afero.File, string, error)
}

// LiveHandler binds clients to tuners and serves the live HLS window.
type LiveHandler struct {
	allocator liveAllocator
}

var _ liveAllocator = (*livetv.Allocator)(nil)

func NewLiveHandler(allocator liveAllocator) *LiveHandler {
	return &LiveHandler{allocator: allocator}
}

type watchRequest struct {
	Channel  string `json:"channel"`
	ClientID string `json:"clientId"`
}

type watchResponse struct {
	ClientID    string       `json:"clientId"`
	Tuner       models.Tuner `json:"tuner"`
	PlaylistURL string       `json:"playlistUrl"`
}

// Watch allocates (or joins) a tuner for a channel. Clients that do not
// bring their own id get a generated one they must echo in heartbeats.
func (h *LiveHandler) Watch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	tuner, err := h.allocator.Watch(r.Context(), req.Channel, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, watchResponse{
		ClientID:    req.ClientID,
		Tuner:       tuner,
		PlaylistURL: fmt.Sprintf("/live/%s/playlist.m3u8", tuner.Key()),
	})
}

type clientRequest struct {
	ClientID string `json:"clientId"`
}

// Heartbeat keeps a viewer's seat. A viewer the sweeper already reaped gets
// NotFound and should call Watch again.
func (h *LiveHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, fmt.Errorf("%w: clientId is required", models.ErrInvalidArgument))
		return
	}

	if !h.allocator.Heartbeat(req.ClientID) {
		writeError(w, fmt.Errorf("viewer %s: %w", req.ClientID, models.ErrNotFound))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stop detaches a viewer immediately instead of waiting for the reaper.
func (h *LiveHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, fmt.Errorf("%w: clientId is required", models.ErrInvalidArgument))
		return
	}

	if err := h.allocator.Release(req.ClientID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Tuners reports every tuner slot with its state and viewer count.
func (h *LiveHandler) Tuners(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.allocator.Tuners())
}

// Channels returns the merged lineup across appliances.
func (h *LiveHandler) Channels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.allocator.Channels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, channels)
}

// Playlist serves a tuner's live playlist.
func (h *LiveHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	f, contentType, err := h.allocator.Segment(r.Context(), mux.Vars(r)["tunerID"], "stream.m3u8")
	if err != nil {
		writeError(w, err)
		return
	}
	serveHLS(w, f, contentType)
}

// Segment serves one segment of a tuner's live window.
func (h *LiveHandler) Segment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, contentType, err := h.allocator.Segment(r.Context(), vars["tunerID"], vars["filename"])
	if err != nil {
		writeError(w, err)
		return
	}
	serveHLS(w, f, contentType)
}
