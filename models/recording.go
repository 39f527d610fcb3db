package models

import "time"

// WatchedSentinel is the resume value an appliance reports for a fully
// watched recording. It is canonicalized at the storage boundary and never
// written to the database as-is.
const WatchedSentinel uint32 = 0xFFFFFFFF

// Series groups recorded episodes that share an upstream series identifier.
// The aggregate columns are maintained by database triggers as episodes
// come and go.
type Series struct {
	ID            int64     `json:"id"`
	DeviceRowID   int64     `json:"-"`
	SeriesID      string    `json:"seriesId"`
	Title         string    `json:"title"`
	Category      string    `json:"category,omitempty"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	EpisodeCount  int       `json:"episodeCount"`
	TotalDuration int       `json:"totalDuration"` // seconds
	FirstRecorded time.Time `json:"firstRecorded,omitempty"`
	LastRecorded  time.Time `json:"lastRecorded,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Episode is one recording on a DVR appliance, mirrored locally. PlayURL
// points at this server's HLS playlist; SourceURL is the appliance's raw
// MPEG-TS stream the transcoder reads from.
type Episode struct {
	ID               int64     `json:"id"`
	SeriesRowID      int64     `json:"-"`
	SeriesID         string    `json:"seriesId"`
	ProgramID        string    `json:"programId"`
	Title            string    `json:"title"`
	EpisodeTitle     string    `json:"episodeTitle,omitempty"`
	EpisodeNumber    string    `json:"episodeNumber,omitempty"` // raw form, e.g. "S05E06"
	Season           int       `json:"season,omitempty"`
	Episode          int       `json:"episode,omitempty"`
	Synopsis         string    `json:"synopsis,omitempty"`
	Category         string    `json:"category,omitempty"`
	ImageURL         string    `json:"imageUrl,omitempty"`
	ChannelName      string    `json:"channelName,omitempty"`
	ChannelNumber    string    `json:"channelNumber,omitempty"`
	OriginalAirdate  time.Time `json:"originalAirdate,omitempty"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	RecordStartTime  time.Time `json:"recordStartTime,omitempty"`
	RecordEndTime    time.Time `json:"recordEndTime,omitempty"`
	RecordSuccess    bool      `json:"recordSuccess"`
	Duration         int       `json:"duration"` // seconds
	SourceURL        string    `json:"sourceUrl"`
	CmdURL           string    `json:"-"`
	PlayURL          string    `json:"playUrl,omitempty"`
	ResumePosition   int       `json:"resumePosition"` // seconds
	Watched          bool      `json:"watched"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ResumeMinutes returns the resume position rounded down to whole minutes,
// the granularity playback clients seek by.
func (e Episode) ResumeMinutes() int {
	return e.ResumePosition / 60
}
