package models

import "time"

// TranscodeState is the lifecycle position of a cache entry.
type TranscodeState string

const (
	TranscodePending     TranscodeState = "pending"
	TranscodeTranscoding TranscodeState = "transcoding"
	TranscodeComplete    TranscodeState = "complete"
	TranscodeError       TranscodeState = "error"
)

// TranscodeJob tracks one episode's HLS rendition in the cache. Exactly one
// job exists per episode at any time.
type TranscodeJob struct {
	EpisodeID    int64          `json:"episodeId"`
	State        TranscodeState `json:"state"`
	Dir          string         `json:"dir"`
	SourceURL    string         `json:"sourceUrl"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime,omitempty"`
	LastAccessed time.Time      `json:"lastAccessed"`
	SegmentCount int            `json:"segmentCount,omitempty"`
	Progress     float64        `json:"progress"` // 0..1, estimated from segments
	Error        string         `json:"error,omitempty"`
}

// Active reports whether the job holds or is about to hold a transcoder
// process slot.
func (j TranscodeJob) Active() bool {
	return j.State == TranscodePending || j.State == TranscodeTranscoding
}

// BulkRunState is the lifecycle of a backfill pass over a series.
type BulkRunState string

const (
	BulkRunning  BulkRunState = "running"
	BulkComplete BulkRunState = "complete"
	BulkCanceled BulkRunState = "canceled"
)

// BulkRun reports the progress of a series-wide transcode backfill.
type BulkRun struct {
	ID        string       `json:"id"`
	SeriesID  string       `json:"seriesId"`
	State     BulkRunState `json:"state"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt,omitempty"`
}
