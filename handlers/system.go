package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tunerhub/models"
	"tunerhub/services/dvr"
	"tunerhub/services/livetv"
	"tunerhub/services/scheduler"
)

type taskRunner interface {
	RunNow(name string) error
	Status() []scheduler.TaskStatus
}

type discoveryInfo interface {
	LastRun() (time.Time, int)
}

type syncInfo interface {
	LastSync() (time.Time, dvr.SyncStats)
}

type transcodeLister interface {
	List() []models.TranscodeJob
}

type tunerLister interface {
	Tuners() []livetv.TunerSnapshot
}

// SystemHandler aggregates one status document across the planes and lets
// operators kick scheduled tasks by hand.
type SystemHandler struct {
	tasks      taskRunner
	discovery  discoveryInfo
	sync       syncInfo
	transcodes transcodeLister
	tuners     tunerLister
	devices    deviceLister
}

var _ taskRunner = (*scheduler.Service)(nil)

func NewSystemHandler(tasks taskRunner, disc discoveryInfo, sync syncInfo, transcodes transcodeLister, tuners tunerLister, devices deviceLister) *SystemHandler {
	return &SystemHandler{
		tasks:      tasks,
		discovery:  disc,
		sync:       sync,
		transcodes: transcodes,
		tuners:     tuners,
		devices:    devices,
	}
}

type deviceSummary struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

type discoverySummary struct {
	LastRun *time.Time `json:"lastRun,omitempty"`
	Found   int        `json:"found"`
}

type syncSummary struct {
	LastSync *time.Time    `json:"lastSync,omitempty"`
	Stats    dvr.SyncStats `json:"stats"`
}

type transcodeSummary struct {
	Active int `json:"active"`
	Cached int `json:"cached"`
}

type statusResponse struct {
	Time       time.Time              `json:"time"`
	Devices    deviceSummary          `json:"devices"`
	Discovery  discoverySummary       `json:"discovery"`
	Sync       syncSummary            `json:"sync"`
	Transcodes transcodeSummary       `json:"transcodes"`
	Tuners     []livetv.TunerSnapshot `json:"tuners"`
	Tasks      []scheduler.TaskStatus `json:"tasks"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Status reports where everything stands: appliance inventory, last
// discovery and sync passes, cache occupancy, tuner slots, and the
// scheduled tasks.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List()
	if err != nil {
		writeError(w, err)
		return
	}
	summary := deviceSummary{Total: len(devices)}
	for _, d := range devices {
		if d.Online {
			summary.Online++
		}
	}

	lastRun, found := h.discovery.LastRun()
	lastSync, stats := h.sync.LastSync()

	jobs := h.transcodes.List()
	transcodes := transcodeSummary{Cached: len(jobs)}
	for _, j := range jobs {
		if j.Active() {
			transcodes.Active++
		}
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Time:       time.Now().UTC(),
		Devices:    summary,
		Discovery:  discoverySummary{LastRun: timePtr(lastRun), Found: found},
		Sync:       syncSummary{LastSync: timePtr(lastSync), Stats: stats},
		Transcodes: transcodes,
		Tuners:     h.tuners.Tuners(),
		Tasks:      h.tasks.Status(),
	})
}

// RunTask starts a scheduled task immediately. The run happens in the
// background; progress lands in /status.
func (h *SystemHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.tasks.RunNow(name); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started", "task": name})
}
