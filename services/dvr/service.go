// Package dvr mirrors the recording catalogs of DVR appliances into the
// local store and brokers progress and delete operations between clients,
// the store, and the appliances. Local rows are authoritative for
// user-visible state; appliance writes are best-effort mirrors, except the
// delete path, which must succeed upstream before anything local changes.
package dvr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tunerhub/models"
	"tunerhub/services/hdhr"
)

// writeThroughTimeout bounds the resume mirror POST. The request already
// succeeded locally by then, so a slow appliance only costs the caller this
// long, never the write.
const writeThroughTimeout = 5 * time.Second

// applianceAPI is the slice of the appliance client the service uses.
type applianceAPI interface {
	RecordedSeries(ctx context.Context, device models.Device) ([]hdhr.RecordedSeries, error)
	RecordedEpisodes(ctx context.Context, device models.Device, seriesID string) ([]hdhr.RecordedEpisode, error)
	SetResume(ctx context.Context, cmdURL string, resumeSeconds int) error
	DeleteRecording(ctx context.Context, cmdURL string, rerecord bool) error
}

type deviceStore interface {
	ListOnline() ([]models.Device, error)
	Upsert(d *models.Device) error
}

type seriesStore interface {
	Upsert(s *models.Series) error
	GetByID(id int64) (*models.Series, error)
	List() ([]models.Series, error)
	DeleteMissing(deviceRowID int64, keep []string) (int64, error)
}

type episodeStore interface {
	Upsert(e *models.Episode) error
	GetByID(id int64) (*models.Episode, error)
	ListBySeries(seriesRowID int64) ([]models.Episode, error)
	UpdateProgress(id int64, resumeSeconds int, watched bool) error
	DeleteMissing(seriesRowID int64, keep []string) (int64, error)
	Delete(id int64) error
}

// cachePurger drops an episode's HLS output when the recording goes away.
type cachePurger interface {
	DeleteTranscode(episodeID int64) error
}

// SyncStats summarizes one catalog sync pass.
type SyncStats struct {
	Devices  int   `json:"devices"`
	Series   int   `json:"series"`
	Episodes int   `json:"episodes"`
	Removed  int64 `json:"removed"`
}

// Service keeps the local recording mirror in step with the appliances.
type Service struct {
	appliance applianceAPI
	devices   deviceStore
	series    seriesStore
	episodes  episodeStore
	cache     cachePurger

	mu        sync.Mutex
	syncing   bool
	lastSync  time.Time
	lastStats SyncStats
}

func NewService(appliance applianceAPI, devices deviceStore, series seriesStore, episodes episodeStore, cache cachePurger) *Service {
	return &Service{
		appliance: appliance,
		devices:   devices,
		series:    series,
		episodes:  episodes,
		cache:     cache,
	}
}

// Sync walks every online DVR appliance and reconciles the local catalog
// against it: series and episodes are upserted, rows the appliance no longer
// reports are removed. One failing appliance does not poison the pass.
// Overlapping passes are rejected.
func (s *Service) Sync(ctx context.Context) (SyncStats, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return SyncStats{}, fmt.Errorf("metadata sync: %w", models.ErrBusy)
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	devices, err := s.devices.ListOnline()
	if err != nil {
		return SyncStats{}, fmt.Errorf("metadata sync: %w", err)
	}

	var stats SyncStats
	for _, device := range devices {
		if !device.IsDVR() {
			continue
		}
		if err := s.syncDevice(ctx, device, &stats); err != nil {
			log.Printf("[dvr] sync of %s failed: %v", device.DeviceID, err)
			continue
		}
		stats.Devices++
	}

	s.mu.Lock()
	s.lastSync = time.Now().UTC()
	s.lastStats = stats
	s.mu.Unlock()

	log.Printf("[dvr] sync finished: %d devices, %d series, %d episodes, %d removed",
		stats.Devices, stats.Series, stats.Episodes, stats.Removed)
	return stats, nil
}

// syncDevice reconciles one appliance. Prune steps only run for feeds that
// were actually fetched, so a mid-pass upstream failure never wipes a
// healthy local mirror.
func (s *Service) syncDevice(ctx context.Context, device models.Device, stats *SyncStats) error {
	wireSeries, err := s.appliance.RecordedSeries(ctx, device)
	if err != nil {
		return err
	}

	device.LastSeen = time.Now().UTC()
	if err := s.devices.Upsert(&device); err != nil {
		return err
	}

	keepSeries := make([]string, 0, len(wireSeries))
	for _, ws := range wireSeries {
		series := ws.ToSeries(device.ID)
		if err := s.series.Upsert(&series); err != nil {
			log.Printf("[dvr] series %s on %s: %v", ws.SeriesID, device.DeviceID, err)
			continue
		}
		keepSeries = append(keepSeries, series.SeriesID)
		stats.Series++

		wireEpisodes, err := s.appliance.RecordedEpisodes(ctx, device, ws.SeriesID)
		if err != nil {
			log.Printf("[dvr] episodes of %s on %s: %v", ws.SeriesID, device.DeviceID, err)
			continue
		}

		keepEpisodes := make([]string, 0, len(wireEpisodes))
		for _, we := range wireEpisodes {
			episode := we.ToEpisode(series.ID)
			if err := s.episodes.Upsert(&episode); err != nil {
				log.Printf("[dvr] episode %s of %s: %v", we.ProgramID, ws.SeriesID, err)
				continue
			}
			keepEpisodes = append(keepEpisodes, episode.ProgramID)
			stats.Episodes++
		}

		removed, err := s.episodes.DeleteMissing(series.ID, keepEpisodes)
		if err != nil {
			log.Printf("[dvr] pruning episodes of %s: %v", ws.SeriesID, err)
			continue
		}
		stats.Removed += removed
	}

	removed, err := s.series.DeleteMissing(device.ID, keepSeries)
	if err != nil {
		return err
	}
	stats.Removed += removed
	return nil
}

// LastSync reports when the mirror last reconciled and what that pass did.
// The zero time means no pass has completed since startup.
func (s *Service) LastSync() (time.Time, SyncStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastStats
}

// Series lists every mirrored series, ordered by title.
func (s *Service) Series() ([]models.Series, error) {
	return s.series.List()
}

// SeriesEpisodes returns one series and its episodes in airing order.
func (s *Service) SeriesEpisodes(seriesRowID int64) (*models.Series, []models.Episode, error) {
	series, err := s.series.GetByID(seriesRowID)
	if err != nil {
		return nil, nil, err
	}
	episodes, err := s.episodes.ListBySeries(seriesRowID)
	if err != nil {
		return nil, nil, err
	}
	return series, episodes, nil
}

// Episode fetches one mirrored episode.
func (s *Service) Episode(episodeID int64) (*models.Episode, error) {
	return s.episodes.GetByID(episodeID)
}

// UpdateProgress stores a viewing position locally, then mirrors it to the
// appliance. The local write is authoritative and a row where the position
// reaches the duration must be watched; the mirror POST is fire-and-observe
// with its own short deadline and never fails the call.
func (s *Service) UpdateProgress(ctx context.Context, episodeID int64, position int, watched bool) error {
	if position < 0 {
		return fmt.Errorf("update progress: %w: negative position", models.ErrInvalidArgument)
	}
	episode, err := s.episodes.GetByID(episodeID)
	if err != nil {
		return err
	}
	if !watched && episode.Duration > 0 && position == episode.Duration {
		return fmt.Errorf("update progress for episode %d: %w: position equals the duration but watched is false",
			episodeID, models.ErrConflict)
	}

	if err := s.episodes.UpdateProgress(episodeID, position, watched); err != nil {
		return err
	}

	if episode.CmdURL == "" {
		log.Printf("[dvr] episode %d: no command url, resume stays local", episodeID)
		return nil
	}
	resume := position
	if watched {
		resume = int(models.WatchedSentinel)
	}
	wctx, cancel := context.WithTimeout(ctx, writeThroughTimeout)
	defer cancel()
	if err := s.appliance.SetResume(wctx, episode.CmdURL, resume); err != nil {
		log.Printf("[dvr] episode %d: resume write-through failed: %v", episodeID, err)
	}
	return nil
}

// DeleteEpisode removes a recording from its appliance, then the transcode
// cache, then the local row. The appliance delete is fail-fast: when it
// errors nothing local is touched. A second delete of the same episode
// reports NotFound.
func (s *Service) DeleteEpisode(ctx context.Context, episodeID int64, rerecord bool) error {
	episode, err := s.episodes.GetByID(episodeID)
	if err != nil {
		return err
	}

	if err := s.appliance.DeleteRecording(ctx, episode.CmdURL, rerecord); err != nil {
		return fmt.Errorf("delete episode %d: %w", episodeID, err)
	}

	if err := s.cache.DeleteTranscode(episodeID); err != nil {
		log.Printf("[dvr] episode %d: cache removal failed: %v", episodeID, err)
	}
	if err := s.episodes.Delete(episodeID); err != nil {
		return err
	}

	log.Printf("[dvr] episode %d (%s) deleted, rerecord=%v", episodeID, episode.Title, rerecord)
	return nil
}
