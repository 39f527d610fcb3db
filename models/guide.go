package models

import "time"

// GuideChannel is a channel known to the vendor guide service.
type GuideChannel struct {
	ID          int64     `json:"id"`
	GuideNumber string    `json:"guideNumber"`
	GuideName   string    `json:"guideName"`
	Affiliate   string    `json:"affiliate,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GuideProgram is one airing. Rows are append-only: identity is
// (channel, series, start time), and a re-fetch updates fields in place
// rather than deleting history.
type GuideProgram struct {
	ID              int64     `json:"id"`
	ChannelRowID    int64     `json:"-"`
	GuideNumber     string    `json:"guideNumber"`
	SeriesID        string    `json:"seriesId"`
	ProgramID       string    `json:"programId,omitempty"`
	Title           string    `json:"title"`
	EpisodeNumber   string    `json:"episodeNumber,omitempty"`
	EpisodeTitle    string    `json:"episodeTitle,omitempty"`
	Synopsis        string    `json:"synopsis,omitempty"`
	ImageURL        string    `json:"imageUrl,omitempty"`
	PosterURL       string    `json:"posterUrl,omitempty"`
	OriginalAirdate time.Time `json:"originalAirdate,omitempty"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	Filter          []string  `json:"filter,omitempty"`
	RecordingRule   bool      `json:"recordingRule"`
}

// Airing reports whether the program is on air at the given instant.
func (p GuideProgram) Airing(at time.Time) bool {
	return !p.StartTime.After(at) && p.EndTime.After(at)
}

// RecordingRule mirrors one vendor-cloud recording rule. RuleID is assigned
// upstream; local rows are reconciled against the cloud listing.
type RecordingRule struct {
	ID                       int64     `json:"id"`
	RuleID                   string    `json:"ruleId"`
	SeriesID                 string    `json:"seriesId"`
	Title                    string    `json:"title"`
	Synopsis                 string    `json:"synopsis,omitempty"`
	ImageURL                 string    `json:"imageUrl,omitempty"`
	Category                 string    `json:"category,omitempty"`
	ChannelOnly              string    `json:"channelOnly,omitempty"`
	TeamOnly                 string    `json:"teamOnly,omitempty"`
	RecentOnly               bool      `json:"recentOnly"`
	AfterOriginalAirdateOnly time.Time `json:"afterOriginalAirdateOnly,omitempty"`
	DateTimeOnly             time.Time `json:"dateTimeOnly,omitempty"`
	Priority                 int       `json:"priority"`
	StartPadding             int       `json:"startPadding"` // seconds
	EndPadding               int       `json:"endPadding"`   // seconds
	UpdatedAt                time.Time `json:"updatedAt"`
}

// OneShot reports whether the rule records a single airing rather than a
// series.
func (r RecordingRule) OneShot() bool {
	return !r.DateTimeOnly.IsZero()
}
