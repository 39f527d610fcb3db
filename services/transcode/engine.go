// Package transcode is the HLS cache engine for recorded episodes. It
// guarantees at most one transcoder process per episode, materializes
// segments into a stable per-episode directory, and serves playlists and
// segments out of that directory while the transcoder is still writing.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"tunerhub/models"
)

const (
	playlistName = "stream.m3u8"
	sidecarName  = "transcode.json"

	defaultPlaylistTimeout = 15 * time.Second
	defaultSegmentTimeout  = 5 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
	defaultStopGrace       = 5 * time.Second

	// maxStderrLines bounds the transcoder stderr tail kept per job and
	// dumped into the sidecar on failure.
	maxStderrLines = 20
)

// ErrStartupTimeout means the transcoder produced no playlist inside the
// startup window. The child keeps running; either it recovers on its own or
// the retention sweep reaps its directory.
var ErrStartupTimeout = errors.New("transcoder produced no playlist in time")

// errAtCapacity tells the bulk driver the slots filled up between its
// capacity check and the start call.
var errAtCapacity = errors.New("transcode slots full")

var segmentNamePattern = regexp.MustCompile(`^segment\d{4}\.ts$`)

// StartMode selects the engine's behavior at the concurrency bound.
// Interactive starts evict the oldest running job to make room; bulk starts
// back off so the backfill driver's queue absorbs the wait.
type StartMode int

const (
	Interactive StartMode = iota
	Bulk
)

// Metadata travels with a job into its sidecar so a cache directory stays
// self-describing across restarts. DurationSeconds, when known, lets Status
// estimate progress from the segment count.
type Metadata struct {
	ShowName        string
	EpisodeName     string
	AirDate         string
	DurationSeconds int
}

// Config carries the engine's tunables. Zero values fall back to the
// defaults applied in NewEngine.
type Config struct {
	CacheRoot       string
	FFmpegPath      string
	SegmentSeconds  int
	MaxConcurrent   int
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

type job struct {
	models.TranscodeJob

	meta       Metadata
	cmd        *exec.Cmd
	exited     chan struct{}
	stderrTail []string

	// canceled marks a job settled by eviction, deletion, or shutdown;
	// the exit watcher stands down when it sees it.
	canceled bool
}

// Engine owns the jobs table, the ordered active list, and the cache
// directory tree. One mutex covers the table and the list.
type Engine struct {
	cfg Config
	fs  afero.Fs

	mu     sync.Mutex
	jobs   map[int64]*job
	active []int64 // episode ids holding a transcoder slot, oldest first
	run    *bulkRun

	// execCommand is swapped for a fake transcoder in tests.
	execCommand func(name string, arg ...string) *exec.Cmd

	playlistTimeout time.Duration
	segmentTimeout  time.Duration
	pollInterval    time.Duration
	stopGrace       time.Duration

	cleanupDone chan struct{}
}

// NewEngine prepares the cache root, recovers jobs from sidecars left by a
// previous run, and starts the retention sweep.
func NewEngine(cfg Config, fs afero.Fs) (*Engine, error) {
	if cfg.CacheRoot == "" {
		return nil, errors.New("transcode: cache root is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 4
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if err := fs.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	e := &Engine{
		cfg:             cfg,
		fs:              fs,
		jobs:            make(map[int64]*job),
		execCommand:     exec.Command,
		playlistTimeout: defaultPlaylistTimeout,
		segmentTimeout:  defaultSegmentTimeout,
		pollInterval:    defaultPollInterval,
		stopGrace:       defaultStopGrace,
		cleanupDone:     make(chan struct{}),
	}

	e.recoverFromDisk()

	go e.cleanupLoop()

	log.Printf("[transcode] engine ready (root=%s, max_concurrent=%d)", cfg.CacheRoot, cfg.MaxConcurrent)
	return e, nil
}

func (e *Engine) dir(episodeID int64) string {
	return filepath.Join(e.cfg.CacheRoot, strconv.FormatInt(episodeID, 10))
}

// StartTranscode materializes an HLS rendition for one episode and returns
// its cache directory. It is idempotent: a Complete or still-running job
// returns its directory without spawning anything. At the concurrency bound
// an interactive start evicts the oldest running job; a bulk start returns
// errAtCapacity so the backfill driver re-queues the episode.
func (e *Engine) StartTranscode(ctx context.Context, episodeID int64, sourceURL string, mode StartMode, meta Metadata) (string, error) {
	if episodeID <= 0 {
		return "", fmt.Errorf("start transcode: %w: episode id %d", models.ErrInvalidArgument, episodeID)
	}
	if sourceURL == "" {
		return "", fmt.Errorf("start transcode %d: %w: no source url", episodeID, models.ErrInvalidArgument)
	}

	e.mu.Lock()
	if j, ok := e.jobs[episodeID]; ok && j.State != models.TranscodeError {
		// Complete, or a process is already on it. Same directory either way.
		j.LastAccessed = time.Now()
		dir := j.Dir
		e.mu.Unlock()
		return dir, nil
	}

	if len(e.active) >= e.cfg.MaxConcurrent {
		if mode == Bulk {
			dir := e.dir(episodeID)
			e.mu.Unlock()
			return dir, errAtCapacity
		}
		e.evictOldestLocked()
	}

	now := time.Now()
	j := &job{
		TranscodeJob: models.TranscodeJob{
			EpisodeID:    episodeID,
			State:        models.TranscodePending,
			Dir:          e.dir(episodeID),
			SourceURL:    sourceURL,
			StartTime:    now,
			LastAccessed: now,
		},
		meta:   meta,
		exited: make(chan struct{}),
	}
	e.jobs[episodeID] = j

	if err := e.spawnLocked(j); err != nil {
		j.State = models.TranscodeError
		j.Error = err.Error()
		j.EndTime = time.Now()
		e.mu.Unlock()
		return "", fmt.Errorf("episode %d: %w", episodeID, err)
	}
	dir := j.Dir
	e.mu.Unlock()

	if err := e.waitForPlaylist(ctx, dir); err != nil {
		if errors.Is(err, ErrStartupTimeout) {
			// The job stays flagged Transcoding; the child may still come
			// around, and the retention sweep handles it if not.
			return dir, fmt.Errorf("episode %d: %w", episodeID, ErrStartupTimeout)
		}
		return dir, err
	}
	return dir, nil
}

// spawnLocked creates the cache directory, persists the Transcoding sidecar,
// and starts the child. Caller holds the engine mutex, which is what makes
// the capacity check and the slot claim atomic.
func (e *Engine) spawnLocked(j *job) error {
	if err := e.fs.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("create transcode dir: %w", err)
	}

	side := sidecarForLocked(j)
	side.State = models.TranscodeTranscoding
	if err := e.writeSidecar(j.Dir, side); err != nil {
		return err
	}

	args := recordedArgs(j.SourceURL, e.cfg.SegmentSeconds, j.Dir)
	cmd := e.execCommand(e.cfg.FFmpegPath, args...)
	cmd.Dir = j.Dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}

	j.cmd = cmd
	j.State = models.TranscodeTranscoding
	e.active = append(e.active, j.EpisodeID)

	log.Printf("[transcode] episode %d: transcoder started (pid=%d)", j.EpisodeID, cmd.Process.Pid)

	go e.watch(j, stderr)
	return nil
}

// watch owns the child from start to exit: drains stderr into the bounded
// tail, then settles the job and its sidecar when the process ends.
func (e *Engine) watch(j *job, stderr io.Reader) {
	tail := collectStderr(stderr)
	waitErr := j.cmd.Wait()
	close(j.exited)

	segments := e.countSegments(j.Dir)

	e.mu.Lock()
	if j.canceled {
		e.mu.Unlock()
		return
	}
	e.removeActiveLocked(j.EpisodeID)
	j.EndTime = time.Now()
	j.SegmentCount = segments
	j.stderrTail = tail
	if waitErr != nil {
		j.State = models.TranscodeError
		j.Error = fmt.Sprintf("transcoder: %v", waitErr)
	} else {
		j.State = models.TranscodeComplete
		j.Progress = 1
	}
	side := sidecarForLocked(j)
	elapsed := j.EndTime.Sub(j.StartTime)
	e.mu.Unlock()

	if err := e.writeSidecar(j.Dir, side); err != nil {
		log.Printf("[transcode] episode %d: sidecar update failed: %v", j.EpisodeID, err)
	}

	if waitErr != nil {
		log.Printf("[transcode] episode %d: transcoder failed after %s: %v", j.EpisodeID, elapsed.Round(time.Second), waitErr)
	} else {
		log.Printf("[transcode] episode %d: complete, %d segments in %s", j.EpisodeID, segments, elapsed.Round(time.Second))
	}
}

// evictOldestLocked frees one slot for an interactive start by terminating
// the longest-running job. The active list is the concurrency bound, so the
// slot frees immediately; process teardown and directory removal happen off
// the lock.
func (e *Engine) evictOldestLocked() {
	if len(e.active) == 0 {
		return
	}
	id := e.active[0]
	e.active = e.active[1:]
	j := e.jobs[id]
	if j == nil {
		return
	}
	j.canceled = true
	j.State = models.TranscodeError
	j.Error = "evicted for a newer playback request"
	j.EndTime = time.Now()
	cmd, exited := j.cmd, j.exited

	log.Printf("[transcode] episode %d: evicting oldest transcode", id)

	go func() {
		e.terminate(id, cmd, exited)
		if err := e.fs.RemoveAll(j.Dir); err != nil {
			log.Printf("[transcode] episode %d: remove evicted dir: %v", id, err)
		}
	}()
}

// terminate asks the child to stop and escalates to a hard kill after the
// grace window.
func (e *Engine) terminate(episodeID int64, cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
		return
	case <-time.After(e.stopGrace):
	}
	log.Printf("[transcode] episode %d: transcoder ignored interrupt, killing", episodeID)
	_ = cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		log.Printf("[transcode] episode %d: transcoder did not exit after kill", episodeID)
	}
}

// waitForPlaylist polls until the transcoder writes a non-empty playlist.
func (e *Engine) waitForPlaylist(ctx context.Context, dir string) error {
	path := filepath.Join(dir, playlistName)
	deadline := time.Now().Add(e.playlistTimeout)
	for {
		if info, err := e.fs.Stat(path); err == nil && info.Size() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStartupTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// Segment opens one file from an episode's cache directory, waiting briefly
// for the transcoder to produce it while the job is still running. Only the
// playlist and 4-digit segment names are served. The caller closes the
// returned file.
func (e *Engine) Segment(ctx context.Context, episodeID int64, name string) (afero.File, string, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return nil, "", fmt.Errorf("segment %q: %w: path separators rejected", name, models.ErrInvalidArgument)
	}
	if name != playlistName && !segmentNamePattern.MatchString(name) {
		return nil, "", fmt.Errorf("segment %q: %w: only %s and segmentNNNN.ts are served", name, models.ErrInvalidArgument, playlistName)
	}

	e.mu.Lock()
	j, ok := e.jobs[episodeID]
	var dir string
	var state models.TranscodeState
	if ok {
		j.LastAccessed = time.Now()
		dir, state = j.Dir, j.State
	}
	e.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("episode %d: %w: no transcode on record", episodeID, models.ErrNotFound)
	}

	// The playlist is what a player blocks on right after a cold start, so
	// it gets the longer startup window.
	timeout := e.segmentTimeout
	if name == playlistName {
		timeout = e.playlistTimeout
	}

	path := filepath.Join(dir, name)
	deadline := time.Now().Add(timeout)
	for {
		if info, err := e.fs.Stat(path); err == nil && info.Size() > 0 {
			f, err := e.fs.Open(path)
			if err != nil {
				return nil, "", fmt.Errorf("open %s: %w", name, err)
			}
			return f, contentTypeFor(name), nil
		}

		// Waiting only makes sense while the transcoder can still produce
		// the file.
		if state != models.TranscodePending && state != models.TranscodeTranscoding {
			break
		}
		if time.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(e.pollInterval):
		}

		e.mu.Lock()
		if cur, stillThere := e.jobs[episodeID]; stillThere {
			state = cur.State
		} else {
			state = models.TranscodeError
		}
		e.mu.Unlock()
	}

	return nil, "", fmt.Errorf("episode %d: %s not in cache (state %s): %w", episodeID, name, state, models.ErrNotFound)
}

// Status reports one job's lifecycle. For a running job the segment count
// and progress estimate are refreshed from disk.
func (e *Engine) Status(episodeID int64) (models.TranscodeJob, error) {
	e.mu.Lock()
	j, ok := e.jobs[episodeID]
	var snap models.TranscodeJob
	var expected int
	if ok {
		snap = j.TranscodeJob
		if e.cfg.SegmentSeconds > 0 {
			expected = j.meta.DurationSeconds / e.cfg.SegmentSeconds
		}
	}
	e.mu.Unlock()
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("episode %d: %w: no transcode on record", episodeID, models.ErrNotFound)
	}

	if snap.State == models.TranscodeTranscoding {
		snap.SegmentCount = e.countSegments(snap.Dir)
		if expected > 0 {
			progress := float64(snap.SegmentCount) / float64(expected)
			if progress > 0.99 {
				progress = 0.99
			}
			snap.Progress = progress
		}
	}
	return snap, nil
}

// List snapshots every job, newest start first.
func (e *Engine) List() []models.TranscodeJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.TranscodeJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.TranscodeJob)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartTime.After(out[b].StartTime)
	})
	return out
}

func (e *Engine) removeActiveLocked(episodeID int64) {
	for i, id := range e.active {
		if id == episodeID {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// countSegments tallies the .ts files in a cache directory.
func (e *Engine) countSegments(dir string) int {
	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".ts") {
			n++
		}
	}
	return n
}

// collectStderr drains the transcoder's stderr into a bounded tail. ffmpeg
// separates progress updates with carriage returns, so the scanner splits on
// both CR and LF; progress lines are dropped, everything else is kept.
func collectStderr(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	scanner.Split(scanTranscoderLines)

	var tail []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "frame=") {
			continue
		}
		tail = append(tail, line)
		if len(tail) > maxStderrLines {
			tail = tail[1:]
		}
	}
	return tail
}

func scanTranscoderLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] != '\r' && data[i] != '\n' {
			continue
		}
		advance := i + 1
		for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
