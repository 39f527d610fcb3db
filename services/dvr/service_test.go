package dvr

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunerhub/internal/database"
	"tunerhub/models"
	"tunerhub/services/hdhr"
)

type resumeCall struct {
	cmdURL string
	resume int
}

type deleteCall struct {
	cmdURL   string
	rerecord bool
}

type fakeAppliance struct {
	mu          sync.Mutex
	seriesFn    func(device models.Device) ([]hdhr.RecordedSeries, error)
	episodesFn  func(device models.Device, seriesID string) ([]hdhr.RecordedEpisode, error)
	resumeErr   error
	deleteErr   error
	seriesCalls []string
	resumeCalls []resumeCall
	deleteCalls []deleteCall
}

func (f *fakeAppliance) RecordedSeries(_ context.Context, device models.Device) ([]hdhr.RecordedSeries, error) {
	f.mu.Lock()
	f.seriesCalls = append(f.seriesCalls, device.DeviceID)
	fn := f.seriesFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(device)
}

func (f *fakeAppliance) RecordedEpisodes(_ context.Context, device models.Device, seriesID string) ([]hdhr.RecordedEpisode, error) {
	f.mu.Lock()
	fn := f.episodesFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(device, seriesID)
}

func (f *fakeAppliance) SetResume(_ context.Context, cmdURL string, resumeSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumeCalls = append(f.resumeCalls, resumeCall{cmdURL: cmdURL, resume: resumeSeconds})
	return nil
}

func (f *fakeAppliance) DeleteRecording(_ context.Context, cmdURL string, rerecord bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleteCalls = append(f.deleteCalls, deleteCall{cmdURL: cmdURL, rerecord: rerecord})
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	deleted []int64
}

func (c *fakeCache) DeleteTranscode(episodeID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, episodeID)
	return nil
}

func (c *fakeCache) deletedIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.deleted...)
}

type fixture struct {
	db       *database.DB
	devices  *database.DeviceRepository
	series   *database.SeriesRepository
	episodes *database.EpisodeRepository
	fake     *fakeAppliance
	cache    *fakeCache
	svc      *Service
}

func newTestService(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "dvr.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fx := &fixture{
		db:       db,
		devices:  database.NewDeviceRepository(db.Connection()),
		series:   database.NewSeriesRepository(db.Connection()),
		episodes: database.NewEpisodeRepository(db.Connection()),
		fake:     &fakeAppliance{},
		cache:    &fakeCache{},
	}
	fx.svc = NewService(fx.fake, fx.devices, fx.series, fx.episodes, fx.cache)
	return fx
}

func seedDVRDevice(t *testing.T, devices *database.DeviceRepository, deviceID string) models.Device {
	t.Helper()
	d := models.Device{
		DeviceID:      deviceID,
		FriendlyName:  "HDHomeRun SCRIBE 4K",
		BaseURL:       "http://192.168.1.50:80",
		StorageURL:    "http://192.168.1.50:80/recorded_files.json",
		TunerCount:    2,
		Online:        true,
		DiscoveredVia: models.DiscoveredUDP,
	}
	require.NoError(t, devices.Upsert(&d))
	return d
}

func seedTunerOnlyDevice(t *testing.T, devices *database.DeviceRepository, deviceID string) models.Device {
	t.Helper()
	d := models.Device{
		DeviceID:      deviceID,
		FriendlyName:  "HDHomeRun FLEX DUO",
		BaseURL:       "http://192.168.1.60:80",
		TunerCount:    2,
		Online:        true,
		DiscoveredVia: models.DiscoveredUDP,
	}
	require.NoError(t, devices.Upsert(&d))
	return d
}

// seedEpisode plants one series with one episode and returns the episode row.
func seedEpisode(t *testing.T, fx *fixture, deviceRowID int64, cmdURL string) *models.Episode {
	t.Helper()
	s := &models.Series{DeviceRowID: deviceRowID, SeriesID: "S100", Title: "Night Shift"}
	require.NoError(t, fx.series.Upsert(s))

	start := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	e := &models.Episode{
		SeriesRowID: s.ID,
		SeriesID:    "S100",
		ProgramID:   "EP100",
		Title:       "Night Shift",
		StartTime:   start,
		EndTime:     start.Add(30 * time.Minute),
		Duration:    1800,
		SourceURL:   "http://192.168.1.50:80/play?id=EP100",
		CmdURL:      cmdURL,
	}
	require.NoError(t, fx.episodes.Upsert(e))
	return e
}

func epoch(t time.Time) json.Number {
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}

func wireSeries(seriesID, title string) hdhr.RecordedSeries {
	return hdhr.RecordedSeries{
		SeriesID:    seriesID,
		Title:       title,
		Category:    "series",
		ImageURL:    "http://img.example/" + seriesID + ".jpg",
		EpisodesURL: "http://192.168.1.50:80/recorded_files.json?SeriesID=" + seriesID,
	}
}

func wireEpisode(seriesID, programID string, start time.Time, seconds int, resume uint32) hdhr.RecordedEpisode {
	return hdhr.RecordedEpisode{
		SeriesID:      seriesID,
		ProgramID:     programID,
		Title:         "Title " + programID,
		EpisodeNumber: "S01E01",
		StartTime:     epoch(start),
		EndTime:       epoch(start.Add(time.Duration(seconds) * time.Second)),
		RecordSuccess: 1,
		Resume:        resume,
		PlayURL:       "http://192.168.1.50:80/play?id=" + programID,
		CmdURL:        "http://192.168.1.50:80/recorded/cmd?id=" + programID,
	}
}

func TestSyncMirrorsCatalog(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	seedTunerOnlyDevice(t, fx.devices, "20D4E5F6")

	base := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	catalog := []hdhr.RecordedSeries{wireSeries("S1", "Badger Creek"), wireSeries("S2", "Arctic Line")}
	episodes := map[string][]hdhr.RecordedEpisode{
		"S1": {
			wireEpisode("S1", "EP1", base, 1800, 600),
			wireEpisode("S1", "EP2", base.Add(24*time.Hour), 1800, models.WatchedSentinel),
		},
		"S2": {wireEpisode("S2", "EP3", base, 3600, 0)},
	}
	fx.fake.seriesFn = func(models.Device) ([]hdhr.RecordedSeries, error) { return catalog, nil }
	fx.fake.episodesFn = func(_ models.Device, seriesID string) ([]hdhr.RecordedEpisode, error) {
		return episodes[seriesID], nil
	}

	stats, err := fx.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, SyncStats{Devices: 1, Series: 2, Episodes: 3}, stats)

	// Only the DVR-capable appliance is consulted.
	require.Equal(t, []string{"10A1B2C3"}, fx.fake.seriesCalls)

	// Series come back title-sorted with trigger-maintained aggregates.
	series, err := fx.svc.Series()
	require.NoError(t, err)
	require.Len(t, series, 2)
	require.Equal(t, "Arctic Line", series[0].Title)
	require.Equal(t, "Badger Creek", series[1].Title)
	require.Equal(t, 2, series[1].EpisodeCount)
	require.Equal(t, 3600, series[1].TotalDuration)

	_, eps, err := fx.svc.SeriesEpisodes(series[1].ID)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	require.Equal(t, "EP1", eps[0].ProgramID)
	require.Equal(t, 600, eps[0].ResumePosition)
	require.False(t, eps[0].Watched)
	require.Equal(t, "http://192.168.1.50:80/play?id=EP1", eps[0].SourceURL)
	require.Equal(t, "http://192.168.1.50:80/recorded/cmd?id=EP1", eps[0].CmdURL)

	// The all-ones resume marker lands as watched with the position pinned
	// to the duration.
	require.True(t, eps[1].Watched)
	require.Equal(t, 1800, eps[1].ResumePosition)

	// The pass refreshes the device's last_seen.
	_, err = fx.db.Connection().Exec(`UPDATE devices SET last_seen = ? WHERE device_id = ?`,
		time.Now().Add(-24*time.Hour).UTC(), device.DeviceID)
	require.NoError(t, err)
	_, err = fx.svc.Sync(context.Background())
	require.NoError(t, err)
	got, err := fx.devices.GetByDeviceID(device.DeviceID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), got.LastSeen, time.Minute)
}

func TestSyncRemovesVanishedRows(t *testing.T) {
	fx := newTestService(t)
	seedDVRDevice(t, fx.devices, "10A1B2C3")

	base := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	catalog := []hdhr.RecordedSeries{wireSeries("S1", "Badger Creek"), wireSeries("S2", "Arctic Line")}
	episodes := map[string][]hdhr.RecordedEpisode{
		"S1": {wireEpisode("S1", "EP1", base, 1800, 0), wireEpisode("S1", "EP2", base.Add(time.Hour), 1800, 0)},
		"S2": {wireEpisode("S2", "EP3", base, 3600, 0)},
	}
	fx.fake.seriesFn = func(models.Device) ([]hdhr.RecordedSeries, error) { return catalog, nil }
	fx.fake.episodesFn = func(_ models.Device, seriesID string) ([]hdhr.RecordedEpisode, error) {
		return episodes[seriesID], nil
	}

	_, err := fx.svc.Sync(context.Background())
	require.NoError(t, err)

	// The appliance drops one episode and one whole series.
	catalog = catalog[:1]
	episodes["S1"] = episodes["S1"][:1]

	stats, err := fx.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Removed)

	series, err := fx.svc.Series()
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, "Badger Creek", series[0].Title)

	_, eps, err := fx.svc.SeriesEpisodes(series[0].ID)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "EP1", eps[0].ProgramID)
}

func TestSyncKeepsMirrorWhenUpstreamFails(t *testing.T) {
	fx := newTestService(t)
	seedDVRDevice(t, fx.devices, "10A1B2C3")

	base := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	catalog := []hdhr.RecordedSeries{wireSeries("S1", "Badger Creek")}
	fx.fake.seriesFn = func(models.Device) ([]hdhr.RecordedSeries, error) { return catalog, nil }
	fx.fake.episodesFn = func(_ models.Device, seriesID string) ([]hdhr.RecordedEpisode, error) {
		return []hdhr.RecordedEpisode{
			wireEpisode("S1", "EP1", base, 1800, 0),
			wireEpisode("S1", "EP2", base.Add(time.Hour), 1800, 0),
		}, nil
	}
	_, err := fx.svc.Sync(context.Background())
	require.NoError(t, err)

	// A failed episode feed must not prune the series' local episodes.
	fx.fake.episodesFn = func(models.Device, string) ([]hdhr.RecordedEpisode, error) {
		return nil, models.ErrUpstreamUnavailable
	}
	stats, err := fx.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Removed)

	series, err := fx.svc.Series()
	require.NoError(t, err)
	require.Len(t, series, 1)
	_, eps, err := fx.svc.SeriesEpisodes(series[0].ID)
	require.NoError(t, err)
	require.Len(t, eps, 2)

	// A failed catalog feed skips the appliance entirely.
	fx.fake.seriesFn = func(models.Device) ([]hdhr.RecordedSeries, error) {
		return nil, models.ErrUpstreamUnavailable
	}
	stats, err = fx.svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, SyncStats{}, stats)

	series, err = fx.svc.Series()
	require.NoError(t, err)
	require.Len(t, series, 1)
}

func TestSyncRejectsOverlappingPass(t *testing.T) {
	fx := newTestService(t)
	seedDVRDevice(t, fx.devices, "10A1B2C3")

	entered := make(chan struct{})
	release := make(chan struct{})
	fx.fake.seriesFn = func(models.Device) ([]hdhr.RecordedSeries, error) {
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := fx.svc.Sync(context.Background())
		done <- err
	}()

	<-entered
	_, err := fx.svc.Sync(context.Background())
	require.ErrorIs(t, err, models.ErrBusy)

	close(release)
	require.NoError(t, <-done)

	// With the first pass finished the guard is released again.
	fx.fake.seriesFn = nil
	_, err = fx.svc.Sync(context.Background())
	require.NoError(t, err)
}

func TestUpdateProgressWritesThrough(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "http://192.168.1.50:80/recorded/cmd?id=EP100")

	require.NoError(t, fx.svc.UpdateProgress(context.Background(), ep.ID, 600, false))

	got, err := fx.svc.Episode(ep.ID)
	require.NoError(t, err)
	require.Equal(t, 600, got.ResumePosition)
	require.Equal(t, 10, got.ResumeMinutes())
	require.False(t, got.Watched)

	require.Len(t, fx.fake.resumeCalls, 1)
	require.Equal(t, ep.CmdURL, fx.fake.resumeCalls[0].cmdURL)
	require.Equal(t, 600, fx.fake.resumeCalls[0].resume)

	// Watched mirrors the all-ones marker, not the position.
	require.NoError(t, fx.svc.UpdateProgress(context.Background(), ep.ID, 1800, true))
	got, err = fx.svc.Episode(ep.ID)
	require.NoError(t, err)
	require.True(t, got.Watched)
	require.Equal(t, 1800, got.ResumePosition)
	require.Len(t, fx.fake.resumeCalls, 2)
	require.Equal(t, int(models.WatchedSentinel), fx.fake.resumeCalls[1].resume)
}

func TestUpdateProgressSurvivesApplianceFailure(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "http://192.168.1.50:80/recorded/cmd?id=EP100")

	fx.fake.resumeErr = errors.New("connection refused")
	require.NoError(t, fx.svc.UpdateProgress(context.Background(), ep.ID, 900, false))

	got, err := fx.svc.Episode(ep.ID)
	require.NoError(t, err)
	require.Equal(t, 900, got.ResumePosition)
}

func TestUpdateProgressRejectsFinishedButUnwatched(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "http://192.168.1.50:80/recorded/cmd?id=EP100")

	err := fx.svc.UpdateProgress(context.Background(), ep.ID, ep.Duration, false)
	require.ErrorIs(t, err, models.ErrConflict)

	got, err := fx.svc.Episode(ep.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ResumePosition)
	require.Empty(t, fx.fake.resumeCalls)

	// The same position is fine when the caller marks it watched.
	require.NoError(t, fx.svc.UpdateProgress(context.Background(), ep.ID, ep.Duration, true))
}

func TestUpdateProgressValidates(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "")

	require.ErrorIs(t, fx.svc.UpdateProgress(context.Background(), ep.ID, -1, false), models.ErrInvalidArgument)
	require.ErrorIs(t, fx.svc.UpdateProgress(context.Background(), 9999, 60, false), models.ErrNotFound)

	// No command url: the local write still lands, nothing is mirrored.
	require.NoError(t, fx.svc.UpdateProgress(context.Background(), ep.ID, 60, false))
	require.Empty(t, fx.fake.resumeCalls)
}

func TestDeleteEpisodeFailsFast(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "http://192.168.1.50:80/recorded/cmd?id=EP100")

	fx.fake.deleteErr = models.ErrUpstreamUnavailable
	err := fx.svc.DeleteEpisode(context.Background(), ep.ID, false)
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)

	// Nothing local was touched.
	_, err = fx.svc.Episode(ep.ID)
	require.NoError(t, err)
	require.Empty(t, fx.cache.deletedIDs())
}

func TestDeleteEpisodeRemovesCacheAndRow(t *testing.T) {
	fx := newTestService(t)
	device := seedDVRDevice(t, fx.devices, "10A1B2C3")
	ep := seedEpisode(t, fx, device.ID, "http://192.168.1.50:80/recorded/cmd?id=EP100")

	require.NoError(t, fx.svc.DeleteEpisode(context.Background(), ep.ID, true))

	require.Len(t, fx.fake.deleteCalls, 1)
	require.Equal(t, ep.CmdURL, fx.fake.deleteCalls[0].cmdURL)
	require.True(t, fx.fake.deleteCalls[0].rerecord)
	require.Equal(t, []int64{ep.ID}, fx.cache.deletedIDs())

	_, err := fx.svc.Episode(ep.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	// Deleting again reports the row as gone.
	require.ErrorIs(t, fx.svc.DeleteEpisode(context.Background(), ep.ID, false), models.ErrNotFound)
}
