// Package handlers is the HTTP face of the server: thin adapters that
// validate input, call one service, and translate domain errors into
// status codes. Each handler declares the narrow slice of a service it
// consumes so tests can stand in fakes.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"tunerhub/models"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encoding response: %v", err)
	}
}

// decodeJSON parses a request body strictly; unknown fields are an error so
// a misspelled key fails loudly instead of being silently dropped.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s %q is not a positive integer", models.ErrInvalidArgument, name, raw)
	}
	return id, nil
}

// serveHLS streams an open cache file with its HLS content type. Playlists
// mutate while a transcode runs, so they are never cacheable; segments are
// immutable once written.
func serveHLS(w http.ResponseWriter, f afero.File, contentType string) {
	defer f.Close()
	w.Header().Set("Content-Type", contentType)
	if strings.HasSuffix(contentType, "mpegurl") {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[http] streaming %s: %v", f.Name(), err)
	}
}

// episodeView is what clients receive for an episode: playUrl points at
// this server's HLS proxy, sourceUrl keeps the appliance's raw stream, and
// the resume position is also exposed in the minutes granularity players
// seek by.
type episodeView struct {
	models.Episode
	ResumeMinutes int `json:"resumeMinutes"`
}

func viewEpisode(e models.Episode) episodeView {
	e.PlayURL = fmt.Sprintf("/stream/%d/playlist.m3u8", e.ID)
	return episodeView{Episode: e, ResumeMinutes: e.ResumeMinutes()}
}

func viewEpisodes(episodes []models.Episode) []episodeView {
	out := make([]episodeView, len(episodes))
	for i, e := range episodes {
		out[i] = viewEpisode(e)
	}
	return out
}
