package models

import "time"

// Discovery sources, in order of address authority. A device reported over
// UDP keeps its UDP-reported address even when a cloud or subnet pass also
// finds it.
const (
	DiscoveredUDP   = "udp"
	DiscoveredCloud = "cloud"
	DiscoveredScan  = "scan"
)

// Device is a tuner or DVR appliance on the network.
type Device struct {
	ID              int64     `json:"id"`
	DeviceID        string    `json:"deviceId"`
	FriendlyName    string    `json:"friendlyName"`
	ModelNumber     string    `json:"modelNumber"`
	FirmwareName    string    `json:"firmwareName,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	DeviceAuth      string    `json:"-"`
	IP              string    `json:"ip"`
	BaseURL         string    `json:"baseUrl"`
	LineupURL       string    `json:"lineupUrl,omitempty"`
	StorageURL      string    `json:"storageUrl,omitempty"`
	TunerCount      int       `json:"tunerCount"`
	FreeSpace       int64     `json:"freeSpace,omitempty"`
	TotalSpace      int64     `json:"totalSpace,omitempty"`
	Online          bool      `json:"online"`
	DiscoveredVia   string    `json:"discoveredVia"`
	LastSeen        time.Time `json:"lastSeen"`
}

// IsDVR reports whether the appliance exposes a recording engine. Only DVR
// devices serve recorded_files.json and accept recorded/cmd posts.
func (d Device) IsDVR() bool {
	return d.StorageURL != ""
}

// HasTuners reports whether the appliance can serve live channel streams.
func (d Device) HasTuners() bool {
	return d.TunerCount > 0
}
