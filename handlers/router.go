package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"tunerhub/api"
	"tunerhub/utils"
)

// Deps collects the constructed handlers the router mounts.
type Deps struct {
	Streams  *StreamsHandler
	Live     *LiveHandler
	Series   *SeriesHandler
	Episodes *EpisodesHandler
	Guide    *GuideHandler
	Rules    *RulesHandler
	Devices  *DevicesHandler
	Artwork  *ArtworkHandler
	System   *SystemHandler
}

// NewRouter mounts every route. Literal paths are registered before
// patterns that share a prefix; mux matches in registration order, which is
// what keeps /live/tuners out of the {tunerID} routes.
func NewRouter(d Deps) *mux.Router {
	r := utils.NewRouter()
	r.Use(api.RequestLogger())

	// A discovery pass broadcasts and wakes every appliance; a misbehaving
	// client must not turn that into a LAN flood. Watch churn is cheaper
	// but still claims tuners, so it gets a looser limit.
	discoverLimit := api.NewIPRateLimiter(rate.Every(30*time.Second), 2)
	watchLimit := api.NewIPRateLimiter(rate.Every(2*time.Second), 10)

	// Recorded playback.
	r.HandleFunc("/stream/transcodes", d.Streams.ListTranscodes).Methods(http.MethodGet)
	r.HandleFunc("/stream/bulk", d.Streams.BulkStatus).Methods(http.MethodGet)
	r.HandleFunc("/stream/bulk/{runID}", d.Streams.CancelBulk).Methods(http.MethodDelete)
	r.HandleFunc("/stream/{episodeID}/playlist.m3u8", d.Streams.Playlist).Methods(http.MethodGet)
	r.HandleFunc("/stream/{episodeID}/status", d.Streams.Status).Methods(http.MethodGet)
	r.HandleFunc("/stream/{episodeID}/{filename}", d.Streams.Segment).Methods(http.MethodGet)

	// Live TV.
	r.HandleFunc("/live/watch", api.RateLimitHandlerFunc(watchLimit, d.Live.Watch)).Methods(http.MethodPost)
	r.HandleFunc("/live/heartbeat", d.Live.Heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/live/stop", d.Live.Stop).Methods(http.MethodPost)
	r.HandleFunc("/live/tuners", d.Live.Tuners).Methods(http.MethodGet)
	r.HandleFunc("/live/channels", d.Live.Channels).Methods(http.MethodGet)
	r.HandleFunc("/live/{tunerID}/playlist.m3u8", d.Live.Playlist).Methods(http.MethodGet)
	r.HandleFunc("/live/{tunerID}/{filename}", d.Live.Segment).Methods(http.MethodGet)

	// Recording catalog.
	r.HandleFunc("/series", d.Series.List).Methods(http.MethodGet)
	r.HandleFunc("/series/{seriesID}/episodes", d.Series.Episodes).Methods(http.MethodGet)
	r.HandleFunc("/series/{seriesID}/transcode", d.Streams.StartBulk).Methods(http.MethodPost)
	r.HandleFunc("/episodes/{episodeID}", d.Episodes.Get).Methods(http.MethodGet)
	r.HandleFunc("/episodes/{episodeID}", d.Episodes.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/episodes/{episodeID}/progress", d.Episodes.UpdateProgress).Methods(http.MethodPut)
	r.HandleFunc("/dvr/sync", d.Series.Sync).Methods(http.MethodPost)

	// Guide and recording rules.
	r.HandleFunc("/guide", d.Guide.Guide).Methods(http.MethodGet)
	r.HandleFunc("/guide/channels", d.Guide.Channels).Methods(http.MethodGet)
	r.HandleFunc("/guide/now", d.Guide.Now).Methods(http.MethodGet)
	r.HandleFunc("/guide/search", d.Guide.Search).Methods(http.MethodGet)
	r.HandleFunc("/recording-rules", d.Rules.List).Methods(http.MethodGet)
	r.HandleFunc("/recording-rules", d.Rules.Add).Methods(http.MethodPost)
	r.HandleFunc("/recording-rules/{ruleID}", d.Rules.Change).Methods(http.MethodPut)
	r.HandleFunc("/recording-rules/{ruleID}", d.Rules.Delete).Methods(http.MethodDelete)

	// Appliances.
	r.HandleFunc("/devices", d.Devices.List).Methods(http.MethodGet)
	r.HandleFunc("/devices/discover", api.RateLimitHandlerFunc(discoverLimit, d.Devices.Discover)).Methods(http.MethodPost)

	// Odds and ends.
	r.HandleFunc("/artwork", d.Artwork.Fetch).Methods(http.MethodGet)
	r.HandleFunc("/status", d.System.Status).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{name}/run", d.System.RunTask).Methods(http.MethodPost)

	return r
}
