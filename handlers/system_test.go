package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"tunerhub/models"
	"tunerhub/services/dvr"
	"tunerhub/services/livetv"
	"tunerhub/services/scheduler"
)

type fakeTaskRunner struct {
	runErr error
	ran    []string
	status []scheduler.TaskStatus
}

func (f *fakeTaskRunner) RunNow(name string) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.ran = append(f.ran, name)
	return nil
}

func (f *fakeTaskRunner) Status() []scheduler.TaskStatus { return f.status }

type fakeTranscodeLister struct{ jobs []models.TranscodeJob }

func (f *fakeTranscodeLister) List() []models.TranscodeJob { return f.jobs }

type fakeTunerLister struct{ tuners []livetv.TunerSnapshot }

func (f *fakeTunerLister) Tuners() []livetv.TunerSnapshot { return f.tuners }

func newSystemFixture() (*SystemHandler, *fakeTaskRunner) {
	tasks := &fakeTaskRunner{status: []scheduler.TaskStatus{
		{Name: "discovery", Schedule: "@every 10m", Runs: 3},
		{Name: "dvr-sync", Schedule: "@every 6h", Runs: 1},
	}}
	disc := &fakeDiscoveryRunner{
		found:   []models.Device{{DeviceID: "1050A1B2"}},
		lastRun: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	sync := &fakeDVRCatalog{
		stats:    dvr.SyncStats{Devices: 1, Series: 4, Episodes: 40},
		lastSync: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
	transcodes := &fakeTranscodeLister{jobs: []models.TranscodeJob{
		{EpisodeID: 1, State: models.TranscodeComplete},
		{EpisodeID: 2, State: models.TranscodeTranscoding},
		{EpisodeID: 3, State: models.TranscodePending},
	}}
	tuners := &fakeTunerLister{tuners: []livetv.TunerSnapshot{
		{Tuner: models.Tuner{DeviceID: "1050A1B2", Index: 0, State: models.TunerActive}},
	}}
	devices := &fakeDeviceLister{devices: []models.Device{
		{DeviceID: "1050A1B2", Online: true},
		{DeviceID: "1050FFFF", Online: false},
	}}
	return NewSystemHandler(tasks, disc, sync, transcodes, tuners, devices), tasks
}

func TestStatusAggregates(t *testing.T) {
	h, _ := newSystemFixture()

	rec := get(t, h.Status, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Devices struct {
			Total  int `json:"total"`
			Online int `json:"online"`
		} `json:"devices"`
		Discovery struct {
			LastRun *time.Time `json:"lastRun"`
			Found   int        `json:"found"`
		} `json:"discovery"`
		Sync struct {
			Stats dvr.SyncStats `json:"stats"`
		} `json:"sync"`
		Transcodes struct {
			Active int `json:"active"`
			Cached int `json:"cached"`
		} `json:"transcodes"`
		Tasks []scheduler.TaskStatus `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Devices.Total)
	require.Equal(t, 1, resp.Devices.Online)
	require.NotNil(t, resp.Discovery.LastRun)
	require.Equal(t, 1, resp.Discovery.Found)
	require.Equal(t, int64(40), resp.Sync.Stats.Episodes)
	require.Equal(t, 2, resp.Transcodes.Active)
	require.Equal(t, 3, resp.Transcodes.Cached)
	require.Len(t, resp.Tasks, 2)
}

func TestStatusBeforeFirstPass(t *testing.T) {
	h := NewSystemHandler(
		&fakeTaskRunner{},
		&fakeDiscoveryRunner{},
		&fakeDVRCatalog{},
		&fakeTranscodeLister{},
		&fakeTunerLister{},
		&fakeDeviceLister{},
	)

	rec := get(t, h.Status, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	// Zero times are omitted rather than rendered as year one.
	require.NotContains(t, rec.Body.String(), "0001-01-01")
}

func TestRunTask(t *testing.T) {
	h, tasks := newSystemFixture()

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/tasks/discovery/run", nil),
		map[string]string{"name": "discovery"})
	rec := httptest.NewRecorder()
	h.RunTask(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"discovery"}, tasks.ran)
	require.Contains(t, rec.Body.String(), `"task":"discovery"`)
}

func TestRunTaskUnknown(t *testing.T) {
	h, tasks := newSystemFixture()
	tasks.runErr = fmt.Errorf("task ghost: %w", models.ErrNotFound)

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/tasks/ghost/run", nil),
		map[string]string{"name": "ghost"})
	rec := httptest.NewRecorder()
	h.RunTask(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTaskAlreadyRunning(t *testing.T) {
	h, tasks := newSystemFixture()
	tasks.runErr = fmt.Errorf("task discovery: %w", models.ErrBusy)

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/tasks/discovery/run", nil),
		map[string]string{"name": "discovery"})
	rec := httptest.NewRecorder()
	h.RunTask(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
