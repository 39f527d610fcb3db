package handlers

import (
	"context"
	"net/http"
	"time"

	"tunerhub/internal/database"
	"tunerhub/models"
	"tunerhub/services/discovery"
)

type deviceLister interface {
	List() ([]models.Device, error)
}

type discoveryRunner interface {
	Run(ctx context.Context) ([]models.Device, error)
	LastRun() (time.Time, int)
}

// DevicesHandler lists known appliances and triggers discovery passes.
type DevicesHandler struct {
	devices   deviceLister
	discovery discoveryRunner
}

var _ deviceLister = (*database.DeviceRepository)(nil)
var _ discoveryRunner = (*discovery.Service)(nil)

func NewDevicesHandler(devices deviceLister, disc discoveryRunner) *DevicesHandler {
	return &DevicesHandler{devices: devices, discovery: disc}
}

// List returns every appliance ever seen, online or not. Offline rows stay
// so recordings remain attributable to the device that made them.
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List()
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

type discoverResponse struct {
	Found   int             `json:"found"`
	Devices []models.Device `json:"devices"`
}

// Discover runs a discovery pass now and returns what it found. A pass
// already in flight rejects the request.
func (h *DevicesHandler) Discover(w http.ResponseWriter, r *http.Request) {
	found, err := h.discovery.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, discoverResponse{Found: len(found), Devices: found})
}
