// Package hdhr speaks the HTTP dialects of HDHomeRun-style appliances and
// their vendor cloud. Everything network-shaped lives here; services above
// work with models types.
package hdhr

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"tunerhub/models"
)

// DiscoverResponse is an appliance's discover.json document.
type DiscoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	StorageID       string `json:"StorageID"`
	StorageURL      string `json:"StorageURL"`
	TunerCount      int    `json:"TunerCount"`
	FreeSpace       int64  `json:"FreeSpace"`
	TotalSpace      int64  `json:"TotalSpace"`
}

// ToDevice converts the wire document into the domain type. Address fields
// not present in the document fall back to the probed ip.
func (d DiscoverResponse) ToDevice(ip, via string) models.Device {
	return models.Device{
		DeviceID:        d.DeviceID,
		FriendlyName:    d.FriendlyName,
		ModelNumber:     d.ModelNumber,
		FirmwareName:    d.FirmwareName,
		FirmwareVersion: d.FirmwareVersion,
		DeviceAuth:      d.DeviceAuth,
		IP:              ip,
		BaseURL:         d.BaseURL,
		LineupURL:       d.LineupURL,
		StorageURL:      d.StorageURL,
		TunerCount:      d.TunerCount,
		FreeSpace:       d.FreeSpace,
		TotalSpace:      d.TotalSpace,
		Online:          true,
		DiscoveredVia:   via,
		LastSeen:        time.Now().UTC(),
	}
}

// CloudDevice is one entry of the vendor's unauthenticated discover list,
// keyed server-side by the caller's public address.
type CloudDevice struct {
	DeviceID    string `json:"DeviceID"`
	LocalIP     string `json:"LocalIP"`
	BaseURL     string `json:"BaseURL"`
	DiscoverURL string `json:"DiscoverURL"`
	LineupURL   string `json:"LineupURL"`
}

// LineupEntry is one channel in lineup.json. Flag fields arrive as 0/1.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	VideoCodec  string `json:"VideoCodec"`
	AudioCodec  string `json:"AudioCodec"`
	HD          int    `json:"HD"`
	DRM         int    `json:"DRM"`
	Favorite    int    `json:"Favorite"`
	URL         string `json:"URL"`
}

func (l LineupEntry) ToChannel(deviceID string) models.LiveChannel {
	return models.LiveChannel{
		DeviceID:    deviceID,
		GuideNumber: l.GuideNumber,
		GuideName:   l.GuideName,
		VideoCodec:  l.VideoCodec,
		AudioCodec:  l.AudioCodec,
		HD:          l.HD == 1,
		DRM:         l.DRM == 1,
		Favorite:    l.Favorite == 1,
		URL:         l.URL,
	}
}

// TunerStatus is one entry of status.json.
type TunerStatus struct {
	Resource              string `json:"Resource"`
	InUse                 int    `json:"InUse"`
	VctNumber             string `json:"VctNumber"`
	VctName               string `json:"VctName"`
	Frequency             int64  `json:"Frequency"`
	SignalStrengthPercent int    `json:"SignalStrengthPercent"`
	SignalQualityPercent  int    `json:"SignalQualityPercent"`
	SymbolQualityPercent  int    `json:"SymbolQualityPercent"`
	TargetIP              string `json:"TargetIP"`
}

// Busy reports whether the tuner is serving something right now. Older
// firmware omits InUse and only sets VctNumber while tuned.
func (t TunerStatus) Busy() bool {
	return t.InUse == 1 || t.VctNumber != ""
}

// TunerIndex parses the trailing index from a resource name like "tuner2".
// Returns -1 for non-tuner resources.
func (t TunerStatus) TunerIndex() int {
	m := tunerResourceRe.FindStringSubmatch(t.Resource)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

var tunerResourceRe = regexp.MustCompile(`^tuner(\d+)$`)

// RecordedSeries is one series-level entry of recorded_files.json.
type RecordedSeries struct {
	SeriesID    string      `json:"SeriesID"`
	Title       string      `json:"Title"`
	Category    string      `json:"Category"`
	ImageURL    string      `json:"ImageURL"`
	StartTime   json.Number `json:"StartTime"`
	EpisodesURL string      `json:"EpisodesURL"`
}

func (s RecordedSeries) ToSeries(deviceRowID int64) models.Series {
	return models.Series{
		DeviceRowID: deviceRowID,
		SeriesID:    s.SeriesID,
		Title:       s.Title,
		Category:    s.Category,
		ImageURL:    s.ImageURL,
	}
}

// RecordedEpisode is one episode entry of recorded_files.json?SeriesID=.
// Times are Unix seconds; Resume may be the all-ones watched marker.
type RecordedEpisode struct {
	SeriesID        string      `json:"SeriesID"`
	ProgramID       string      `json:"ProgramID"`
	Title           string      `json:"Title"`
	EpisodeTitle    string      `json:"EpisodeTitle"`
	EpisodeNumber   string      `json:"EpisodeNumber"`
	Synopsis        string      `json:"Synopsis"`
	Category        string      `json:"Category"`
	ImageURL        string      `json:"ImageURL"`
	ChannelName     string      `json:"ChannelName"`
	ChannelNumber   string      `json:"ChannelNumber"`
	OriginalAirdate json.Number `json:"OriginalAirdate"`
	StartTime       json.Number `json:"StartTime"`
	EndTime         json.Number `json:"EndTime"`
	RecordStartTime json.Number `json:"RecordStartTime"`
	RecordEndTime   json.Number `json:"RecordEndTime"`
	RecordSuccess   int         `json:"RecordSuccess"`
	Resume          uint32      `json:"Resume"`
	Filename        string      `json:"Filename"`
	PlayURL         string      `json:"PlayURL"`
	CmdURL          string      `json:"CmdURL"`
}

// ToEpisode converts a wire episode, canonicalizing the watched marker: the
// all-ones resume becomes watched=true with the position pinned to the
// episode duration, so the raw value never reaches storage.
func (e RecordedEpisode) ToEpisode(seriesRowID int64) models.Episode {
	start := epochTime(e.StartTime)
	end := epochTime(e.EndTime)

	duration := 0
	if !start.IsZero() && end.After(start) {
		duration = int(end.Sub(start) / time.Second)
	}

	resume := 0
	watched := false
	if e.Resume == models.WatchedSentinel {
		watched = true
		resume = duration
	} else {
		resume = int(e.Resume)
	}

	season, episode := parseEpisodeNumber(e.EpisodeNumber)

	return models.Episode{
		SeriesRowID:     seriesRowID,
		SeriesID:        e.SeriesID,
		ProgramID:       e.ProgramID,
		Title:           e.Title,
		EpisodeTitle:    e.EpisodeTitle,
		EpisodeNumber:   e.EpisodeNumber,
		Season:          season,
		Episode:         episode,
		Synopsis:        e.Synopsis,
		Category:        e.Category,
		ImageURL:        e.ImageURL,
		ChannelName:     e.ChannelName,
		ChannelNumber:   e.ChannelNumber,
		OriginalAirdate: epochTime(e.OriginalAirdate),
		StartTime:       start,
		EndTime:         end,
		RecordStartTime: epochTime(e.RecordStartTime),
		RecordEndTime:   epochTime(e.RecordEndTime),
		RecordSuccess:   e.RecordSuccess == 1,
		Duration:        duration,
		SourceURL:       e.PlayURL,
		CmdURL:          e.CmdURL,
		ResumePosition:  resume,
		Watched:         watched,
	}
}

var episodeNumberRe = regexp.MustCompile(`^S(\d+)E(\d+)$`)

// parseEpisodeNumber splits "S05E06" into (5, 6). Specials and unnumbered
// episodes come back as (0, 0).
func parseEpisodeNumber(raw string) (season, episode int) {
	m := episodeNumberRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0
	}
	season, _ = strconv.Atoi(m[1])
	episode, _ = strconv.Atoi(m[2])
	return season, episode
}

// CloudRule is one entry of api/recording_rules.
type CloudRule struct {
	RecordingRuleID          json.Number `json:"RecordingRuleID"`
	SeriesID                 string      `json:"SeriesID"`
	Title                    string      `json:"Title"`
	Synopsis                 string      `json:"Synopsis"`
	ImageURL                 string      `json:"ImageURL"`
	Category                 string      `json:"Category"`
	ChannelOnly              string      `json:"ChannelOnly"`
	TeamOnly                 string      `json:"TeamOnly"`
	RecentOnly               int         `json:"RecentOnly"`
	AfterOriginalAirdateOnly json.Number `json:"AfterOriginalAirdateOnly"`
	DateTimeOnly             json.Number `json:"DateTimeOnly"`
	Priority                 int         `json:"Priority"`
	StartPadding             int         `json:"StartPadding"`
	EndPadding               int         `json:"EndPadding"`
}

func (r CloudRule) ToRule() models.RecordingRule {
	return models.RecordingRule{
		RuleID:                   r.RecordingRuleID.String(),
		SeriesID:                 r.SeriesID,
		Title:                    r.Title,
		Synopsis:                 r.Synopsis,
		ImageURL:                 r.ImageURL,
		Category:                 r.Category,
		ChannelOnly:              r.ChannelOnly,
		TeamOnly:                 r.TeamOnly,
		RecentOnly:               r.RecentOnly == 1,
		AfterOriginalAirdateOnly: epochTime(r.AfterOriginalAirdateOnly),
		DateTimeOnly:             epochTime(r.DateTimeOnly),
		Priority:                 r.Priority,
		StartPadding:             r.StartPadding,
		EndPadding:               r.EndPadding,
	}
}

// GuideChannelResponse is one channel block of api/guide, programs inline.
type GuideChannelResponse struct {
	GuideNumber string       `json:"GuideNumber"`
	GuideName   string       `json:"GuideName"`
	Affiliate   string       `json:"Affiliate"`
	ImageURL    string       `json:"ImageURL"`
	Guide       []GuideEntry `json:"Guide"`
}

func (c GuideChannelResponse) ToChannel() models.GuideChannel {
	return models.GuideChannel{
		GuideNumber: c.GuideNumber,
		GuideName:   c.GuideName,
		Affiliate:   c.Affiliate,
		ImageURL:    c.ImageURL,
	}
}

// GuideEntry is one airing inside a guide channel block.
type GuideEntry struct {
	StartTime       json.Number `json:"StartTime"`
	EndTime         json.Number `json:"EndTime"`
	Title           string      `json:"Title"`
	EpisodeNumber   string      `json:"EpisodeNumber"`
	EpisodeTitle    string      `json:"EpisodeTitle"`
	Synopsis        string      `json:"Synopsis"`
	OriginalAirdate json.Number `json:"OriginalAirdate"`
	SeriesID        string      `json:"SeriesID"`
	ProgramID       string      `json:"ProgramID"`
	ImageURL        string      `json:"ImageURL"`
	PosterURL       string      `json:"PosterURL"`
	Filter          []string    `json:"Filter"`
}

func (g GuideEntry) ToProgram(channelRowID int64, guideNumber string) models.GuideProgram {
	return models.GuideProgram{
		ChannelRowID:    channelRowID,
		GuideNumber:     guideNumber,
		SeriesID:        g.SeriesID,
		ProgramID:       g.ProgramID,
		Title:           g.Title,
		EpisodeNumber:   g.EpisodeNumber,
		EpisodeTitle:    g.EpisodeTitle,
		Synopsis:        g.Synopsis,
		ImageURL:        g.ImageURL,
		PosterURL:       g.PosterURL,
		OriginalAirdate: epochTime(g.OriginalAirdate),
		StartTime:       epochTime(g.StartTime),
		EndTime:         epochTime(g.EndTime),
		Filter:          g.Filter,
	}
}

// epochTime tolerates absent, zero, and string-typed Unix timestamps, all of
// which appear in appliance output depending on firmware.
func epochTime(n json.Number) time.Time {
	if n.String() == "" {
		return time.Time{}
	}
	sec, err := n.Int64()
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
