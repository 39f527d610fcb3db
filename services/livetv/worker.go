package livetv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"tunerhub/models"
)

const (
	livePlaylist = "stream.m3u8"
	firstSegment = "segment-0.ts"

	// firstSegmentMinBytes is the sanity size below which segment-0.ts is
	// still being written and not worth handing to a player.
	firstSegmentMinBytes = 10 * 1024

	// maxErrorLines bounds the per-worker ring of error-tagged stderr lines.
	maxErrorLines = 40

	trimInterval = time.Minute
)

var liveSegmentPattern = regexp.MustCompile(`^segment-\d+\.ts$`)

// liveArgs builds the transcoder argv for a live feed. The input side
// tolerates the corrupt frames and timestamp jumps broadcast streams produce;
// the HLS muxer appends an open-ended playlist of independent MPEG-TS
// segments so a player can join mid-stream.
func liveArgs(sourceURL string, segmentSeconds int, dir string) []string {
	return []string{
		"-fflags", "discardcorrupt+genpts",
		"-err_detect", "ignore_err",
		"-analyzeduration", "3000000",
		"-probesize", "10000000",
		"-avoid_negative_ts", "make_zero",
		"-i", sourceURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "append_list+omit_endlist+independent_segments",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-hls_segment_filename", filepath.Join(dir, "segment-%d.ts"),
		filepath.Join(dir, livePlaylist),
	}
}

func contentTypeFor(name string) string {
	if strings.HasSuffix(name, ".m3u8") {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}

// worker is one transcoder child bound to a tuner-to-channel pairing. The
// allocator creates workers while allocating and stops them on release
// expiry, device loss, and shutdown.
type worker struct {
	key       string
	channel   string
	dir       string
	fs        afero.Fs
	stopGrace time.Duration
	poll      time.Duration

	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex
	ring    []string
	stopped bool
}

// startWorker spawns the live transcoder for a tuner and blocks until it
// produces a playlist. A child that cannot produce one inside the startup
// window is torn down along with its directory.
func (a *Allocator) startWorker(ctx context.Context, key, channel, sourceURL string) (*worker, error) {
	w := &worker{
		key:       key,
		channel:   channel,
		dir:       filepath.Join(a.cfg.LiveRoot, key),
		fs:        a.fs,
		stopGrace: a.stopGrace,
		poll:      a.pollInterval,
		exited:    make(chan struct{}),
	}

	if err := a.fs.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create live dir: %w", err)
	}

	args := liveArgs(sourceURL, a.cfg.SegmentSeconds, w.dir)
	cmd := a.execCommand(a.cfg.FFmpegPath, args...)
	cmd.Dir = w.dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = a.fs.RemoveAll(w.dir)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = a.fs.RemoveAll(w.dir)
		return nil, fmt.Errorf("start live transcoder: %w", err)
	}
	w.cmd = cmd

	go w.drain(stderr)

	log.Printf("[livetv] tuner %s: worker started for channel %s (pid=%d)", key, channel, cmd.Process.Pid)

	if err := w.waitForPlaylist(ctx, a.playlistTimeout); err != nil {
		w.stop()
		return nil, err
	}

	if a.cfg.BufferWindow > 0 {
		go w.trimLoop(a.cfg.BufferWindow)
	}
	return w, nil
}

// drain follows the child's stderr until exit, keeping error-tagged lines in
// the bounded ring. Progress updates are dropped.
func (w *worker) drain(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	scanner.Split(scanStderrLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "frame=") {
			continue
		}
		if strings.Contains(strings.ToLower(line), "error") {
			log.Printf("[livetv] tuner %s: transcoder: %s", w.key, line)
			w.recordError(line)
		}
	}

	err := w.cmd.Wait()
	close(w.exited)
	if err != nil {
		w.recordError(fmt.Sprintf("transcoder exited: %v", err))
		if !w.isStopped() {
			log.Printf("[livetv] tuner %s: worker died: %v", w.key, err)
		}
	}
}

func (w *worker) recordError(line string) {
	w.mu.Lock()
	w.ring = append(w.ring, line)
	if len(w.ring) > maxErrorLines {
		w.ring = w.ring[1:]
	}
	w.mu.Unlock()
}

// errorTail snapshots the worker's recent error lines.
func (w *worker) errorTail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ring) == 0 {
		return nil
	}
	out := make([]string, len(w.ring))
	copy(out, w.ring)
	return out
}

func (w *worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// hasExited reports whether the child process is gone, deliberately or not.
func (w *worker) hasExited() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

// waitForPlaylist polls until the child writes a non-empty playlist, the
// child dies, or the window closes.
func (w *worker) waitForPlaylist(ctx context.Context, timeout time.Duration) error {
	path := filepath.Join(w.dir, livePlaylist)
	deadline := time.Now().Add(timeout)
	for {
		if info, err := w.fs.Stat(path); err == nil && info.Size() > 0 {
			return nil
		}
		select {
		case <-w.exited:
			return fmt.Errorf("tuner %s: %w: live transcoder exited before producing a playlist", w.key, models.ErrUpstreamUnavailable)
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tuner %s: %w: live transcoder produced no playlist in time", w.key, models.ErrUpstreamUnavailable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// waitForFirstSegment polls segment-0.ts until it reaches a playable size.
func (w *worker) waitForFirstSegment(ctx context.Context, timeout time.Duration) error {
	path := filepath.Join(w.dir, firstSegment)
	deadline := time.Now().Add(timeout)
	for {
		if info, err := w.fs.Stat(path); err == nil && info.Size() >= firstSegmentMinBytes {
			return nil
		}
		select {
		case <-w.exited:
			return fmt.Errorf("tuner %s: live transcoder exited before the first segment", w.key)
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tuner %s: first segment not ready after %s", w.key, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// stop terminates the child, escalating to a hard kill after the grace
// window, and removes the output directory. Safe to call more than once.
func (w *worker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(os.Interrupt)
		select {
		case <-w.exited:
		case <-time.After(w.stopGrace):
			log.Printf("[livetv] tuner %s: worker ignored interrupt, killing", w.key)
			_ = w.cmd.Process.Kill()
			select {
			case <-w.exited:
			case <-time.After(2 * time.Second):
				log.Printf("[livetv] tuner %s: worker did not exit after kill", w.key)
			}
		}
	}

	if err := w.fs.RemoveAll(w.dir); err != nil {
		log.Printf("[livetv] tuner %s: remove live dir: %v", w.key, err)
	}
}

// trimLoop drops segments that age out of the buffer window. The playlist
// itself keeps growing; players follow the live edge, so the trim bounds the
// disk rather than the manifest.
func (w *worker) trimLoop(window time.Duration) {
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.exited:
			return
		case <-ticker.C:
			w.trimSegments(time.Now().Add(-window))
		}
	}
}

// trimSegments removes segment files last written before the cutoff.
func (w *worker) trimSegments(cutoff time.Time) {
	entries, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !liveSegmentPattern.MatchString(entry.Name()) {
			continue
		}
		if !entry.ModTime().Before(cutoff) {
			continue
		}
		if err := w.fs.Remove(filepath.Join(w.dir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[livetv] tuner %s: trimmed %d segments outside the buffer window", w.key, removed)
	}
}

// scanStderrLines splits on both CR and LF because ffmpeg separates progress
// updates with carriage returns.
func scanStderrLines(data []byte, atEOF bool) (int, []byte, error) {
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
