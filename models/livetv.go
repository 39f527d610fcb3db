package models

import (
	"fmt"
	"time"
)

// TunerState is the allocator's view of one physical tuner.
type TunerState string

const (
	TunerIdle     TunerState = "idle"
	TunerActive   TunerState = "active"
	TunerCooldown TunerState = "cooldown"
	TunerOffline  TunerState = "offline"
)

// Tuner is one tuner slot on an appliance. The allocator owns transitions;
// the database row is a mirror for visibility across restarts.
type Tuner struct {
	ID            int64      `json:"id"`
	DeviceID      string     `json:"deviceId"`
	Index         int        `json:"index"`
	State         TunerState `json:"state"`
	Channel       string     `json:"channel,omitempty"`
	ViewerCount   int        `json:"viewerCount"`
	CooldownUntil time.Time  `json:"cooldownUntil,omitempty"`
	LastAccessed  time.Time  `json:"lastAccessed,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Key identifies a tuner slot uniquely across appliances. The form is safe
// for URLs and directory names, so the same key appears in stream paths and
// under the live cache root.
func (t Tuner) Key() string {
	return fmt.Sprintf("%s-tuner-%d", t.DeviceID, t.Index)
}

// Viewer is a playback client attached to a live tuner stream. Clients renew
// with heartbeats; a viewer that misses enough of them is swept.
type Viewer struct {
	ClientID      string    `json:"clientId"`
	TunerKey      string    `json:"tunerKey"`
	Channel       string    `json:"channel"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// LiveChannel is one entry from an appliance lineup.
type LiveChannel struct {
	DeviceID    string `json:"deviceId"`
	GuideNumber string `json:"guideNumber"`
	GuideName   string `json:"guideName"`
	VideoCodec  string `json:"videoCodec,omitempty"`
	AudioCodec  string `json:"audioCodec,omitempty"`
	HD          bool   `json:"hd"`
	DRM         bool   `json:"drm"`
	Favorite    bool   `json:"favorite"`
	URL         string `json:"-"`
}
