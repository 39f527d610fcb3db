package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Settings holds every runtime option. Durations are stored in the unit the
// field name says so the settings file stays hand-editable.
type Settings struct {
	ListenAddr string `json:"listen_addr"`
	DataDir    string `json:"data_dir"`
	CacheDir   string `json:"cache_dir"`
	LiveDir    string `json:"live_dir"`
	FFmpegPath string `json:"ffmpeg_path"`
	LogFile    string `json:"log_file"`

	SegmentDuration         int `json:"segment_duration"`
	CleanupIntervalMinutes  int `json:"cleanup_interval_minutes"`
	MaxCacheAgeDays         int `json:"max_cache_age_days"`
	MaxConcurrentTranscodes int `json:"max_concurrent_transcodes"`

	LiveSegmentDuration    int `json:"live_segment_duration"`
	LiveBufferMinutes      int `json:"live_buffer_minutes"`
	ClientHeartbeatSeconds int `json:"client_heartbeat_seconds"`
	MissedHeartbeats       int `json:"missed_heartbeats"`
	TunerCooldownSeconds   int `json:"tuner_cooldown_seconds"`
	MaxViewersPerTuner     int `json:"max_viewers_per_tuner"`

	DiscoveryIntervalMinutes int `json:"discovery_interval_minutes"`
	SyncIntervalHours        int `json:"sync_interval_hours"`
	GuideRefreshHours        int `json:"guide_refresh_hours"`

	MaxConnections int `json:"max_connections"`
}

// Defaults returns the settings used when no file exists yet. Environment
// variables override file values on load, so containers can run without a
// settings file at all.
func Defaults() Settings {
	return Settings{
		ListenAddr:               ":8080",
		DataDir:                  "./data",
		SegmentDuration:          4,
		CleanupIntervalMinutes:   60,
		MaxCacheAgeDays:          30,
		MaxConcurrentTranscodes:  2,
		LiveSegmentDuration:      6,
		LiveBufferMinutes:        60,
		ClientHeartbeatSeconds:   30,
		MissedHeartbeats:         2,
		TunerCooldownSeconds:     300,
		MaxViewersPerTuner:       10,
		DiscoveryIntervalMinutes: 10,
		SyncIntervalHours:        6,
		GuideRefreshHours:        12,
		MaxConnections:           256,
		FFmpegPath:               "ffmpeg",
	}
}

// Derived directories fall back to subdirectories of DataDir when unset.

func (s Settings) CachePath() string {
	if s.CacheDir != "" {
		return s.CacheDir
	}
	return filepath.Join(s.DataDir, "cache")
}

func (s Settings) LivePath() string {
	if s.LiveDir != "" {
		return s.LiveDir
	}
	return filepath.Join(s.DataDir, "live")
}

func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "tunerhub.db")
}

func (s Settings) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

func (s Settings) MaxCacheAge() time.Duration {
	return time.Duration(s.MaxCacheAgeDays) * 24 * time.Hour
}

func (s Settings) ClientHeartbeat() time.Duration {
	return time.Duration(s.ClientHeartbeatSeconds) * time.Second
}

// ViewerTimeout is how long a viewer may go silent before being swept.
func (s Settings) ViewerTimeout() time.Duration {
	return time.Duration(s.MissedHeartbeats) * s.ClientHeartbeat()
}

func (s Settings) TunerCooldown() time.Duration {
	return time.Duration(s.TunerCooldownSeconds) * time.Second
}

func (s Settings) LiveBuffer() time.Duration {
	return time.Duration(s.LiveBufferMinutes) * time.Minute
}

func (s Settings) DiscoveryInterval() time.Duration {
	return time.Duration(s.DiscoveryIntervalMinutes) * time.Minute
}

// Manager loads, serves, and persists settings. Reads return copies; the
// file on disk is replaced atomically.
type Manager struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewManager reads {dataDir}/settings.json, seeding defaults when the file
// is missing. Environment overrides are applied after the file is read.
func NewManager(dataDir string) (*Manager, error) {
	if dataDir == "" {
		dataDir = envStr("TUNERHUB_DATA_DIR", Defaults().DataDir)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: Defaults(),
	}
	m.settings.DataDir = dataDir

	if err := m.load(); err != nil {
		return nil, err
	}
	m.applyEnv()

	return m, nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Update applies fn to the settings under the write lock and persists the
// result.
func (m *Manager) Update(fn func(*Settings)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.settings)
	m.normalizeLocked()
	return m.saveLocked()
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return m.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	// Decode over the defaults so absent keys keep their default values.
	if err := json.Unmarshal(data, &m.settings); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	m.normalizeLocked()
	return nil
}

func (m *Manager) applyEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.settings
	s.ListenAddr = envStr("TUNERHUB_LISTEN_ADDR", s.ListenAddr)
	s.CacheDir = envStr("TUNERHUB_CACHE_DIR", s.CacheDir)
	s.LiveDir = envStr("TUNERHUB_LIVE_DIR", s.LiveDir)
	s.FFmpegPath = envStr("TUNERHUB_FFMPEG", s.FFmpegPath)
	s.LogFile = envStr("TUNERHUB_LOG_FILE", s.LogFile)
	s.SegmentDuration = envInt("TUNERHUB_SEGMENT_DURATION", s.SegmentDuration)
	s.MaxConcurrentTranscodes = envInt("TUNERHUB_MAX_TRANSCODES", s.MaxConcurrentTranscodes)
	s.MaxViewersPerTuner = envInt("TUNERHUB_MAX_VIEWERS", s.MaxViewersPerTuner)
	m.normalizeLocked()
}

// normalizeLocked clamps values a hand-edited file could break.
func (m *Manager) normalizeLocked() {
	s := &m.settings
	d := Defaults()
	if s.SegmentDuration <= 0 {
		s.SegmentDuration = d.SegmentDuration
	}
	if s.LiveSegmentDuration <= 0 {
		s.LiveSegmentDuration = d.LiveSegmentDuration
	}
	if s.MaxConcurrentTranscodes < 1 {
		s.MaxConcurrentTranscodes = 1
	}
	if s.MaxViewersPerTuner < 1 {
		s.MaxViewersPerTuner = 1
	}
	if s.MissedHeartbeats < 1 {
		s.MissedHeartbeats = d.MissedHeartbeats
	}
	if s.ClientHeartbeatSeconds <= 0 {
		s.ClientHeartbeatSeconds = d.ClientHeartbeatSeconds
	}
	if s.CleanupIntervalMinutes <= 0 {
		s.CleanupIntervalMinutes = d.CleanupIntervalMinutes
	}
	if s.MaxCacheAgeDays <= 0 {
		s.MaxCacheAgeDays = d.MaxCacheAgeDays
	}
	if s.TunerCooldownSeconds < 0 {
		s.TunerCooldownSeconds = d.TunerCooldownSeconds
	}
	if s.LiveBufferMinutes <= 0 {
		s.LiveBufferMinutes = d.LiveBufferMinutes
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = d.MaxConnections
	}
	if s.FFmpegPath == "" {
		s.FFmpegPath = d.FFmpegPath
	}
}

func (m *Manager) saveLocked() error {
	tmp := m.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create settings temp file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.settings); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync settings: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close settings temp file: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}

	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
