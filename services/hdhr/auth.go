package hdhr

import (
	"context"
	"fmt"
	"log"

	"tunerhub/models"
)

type deviceAuthStore interface {
	ListOnline() ([]models.Device, error)
	UpdateAuth(deviceID, auth string) error
}

type applianceDiscoverer interface {
	Discover(ctx context.Context, baseURL string) (*DiscoverResponse, error)
}

// DeviceAuthSource feeds the cloud client DeviceAuth tokens held by the
// local appliances. Tokens rotate on the appliance side; when the cloud
// rejects one, RefreshAuth re-reads discover.json from the appliances and
// persists whatever they hand out now.
type DeviceAuthSource struct {
	devices   deviceAuthStore
	appliance applianceDiscoverer
}

func NewDeviceAuthSource(devices deviceAuthStore, appliance applianceDiscoverer) *DeviceAuthSource {
	return &DeviceAuthSource{devices: devices, appliance: appliance}
}

// DeviceAuth returns a stored token from any online appliance.
func (s *DeviceAuthSource) DeviceAuth(ctx context.Context) (string, error) {
	devices, err := s.devices.ListOnline()
	if err != nil {
		return "", fmt.Errorf("device auth lookup: %w", err)
	}
	for _, d := range devices {
		if d.DeviceAuth != "" {
			return d.DeviceAuth, nil
		}
	}
	return s.RefreshAuth(ctx)
}

// RefreshAuth asks each online appliance for a fresh token and stores the
// first one offered. One unreachable appliance does not fail the refresh
// while another can still answer.
func (s *DeviceAuthSource) RefreshAuth(ctx context.Context) (string, error) {
	devices, err := s.devices.ListOnline()
	if err != nil {
		return "", fmt.Errorf("device auth refresh: %w", err)
	}

	for _, d := range devices {
		doc, err := s.appliance.Discover(ctx, d.BaseURL)
		if err != nil {
			log.Printf("[hdhr] auth refresh via %s failed: %v", d.DeviceID, err)
			continue
		}
		if doc.DeviceAuth == "" {
			continue
		}
		if err := s.devices.UpdateAuth(d.DeviceID, doc.DeviceAuth); err != nil {
			log.Printf("[hdhr] storing refreshed auth for %s: %v", d.DeviceID, err)
		}
		return doc.DeviceAuth, nil
	}

	return "", fmt.Errorf("no online appliance offered a device auth token: %w", models.ErrAuthExpired)
}
