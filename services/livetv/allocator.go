// Package livetv binds streaming viewers to appliance tuners. The allocator
// owns the tuner state machine and the viewer table under a single mutex;
// each active tuner carries one live-stream worker producing an HLS window
// on disk. The relational mirror trails the in-memory state so tuner and
// viewer activity stays inspectable across restarts.
package livetv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"tunerhub/models"
	"tunerhub/services/hdhr"
)

const (
	defaultPlaylistTimeout = 15 * time.Second
	defaultSegmentTimeout  = 5 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
	defaultStopGrace       = 5 * time.Second

	defaultViewerSweepEvery = 30 * time.Second
	defaultTunerSweepEvery  = time.Minute

	// firstSegmentTimeout bounds the wait for segment-0.ts after a fresh
	// worker start. Missing it is logged, not fatal; the playlist already
	// exists and players re-poll.
	firstSegmentTimeout = 10 * time.Second
)

// errSlotUnavailable tells the allocation walk that a claimed slot's
// appliance declined, so the walk moves to the next candidate.
var errSlotUnavailable = errors.New("tuner slot unavailable")

// applianceAPI is the slice of the appliance client the allocator needs.
type applianceAPI interface {
	Status(ctx context.Context, device models.Device) ([]hdhr.TunerStatus, error)
	Lineup(ctx context.Context, device models.Device) ([]hdhr.LineupEntry, error)
	ProbeChannel(ctx context.Context, streamURL string) error
}

// tunerMirror is the durable mirror of tuners and viewers. Mirror failures
// are logged and never fail an allocation.
type tunerMirror interface {
	UpsertTuner(t *models.Tuner) error
	ListTuners() ([]models.Tuner, error)
	ResetRuntimeState() error
	SaveViewer(v *models.Viewer) error
	DeleteViewer(clientID string) error
	DeleteViewersForTuner(tunerKey string) error
}

// Config carries the allocator's tunables. Zero values fall back to the
// defaults applied in NewAllocator.
type Config struct {
	LiveRoot           string
	FFmpegPath         string
	SegmentSeconds     int
	MaxViewersPerTuner int
	Cooldown           time.Duration
	ViewerTimeout      time.Duration
	BufferWindow       time.Duration
}

type tunerSlot struct {
	models.Tuner
	worker *worker
}

// TunerSnapshot is one tuner plus its worker's recent error lines.
type TunerSnapshot struct {
	models.Tuner
	RecentErrors []string `json:"recentErrors,omitempty"`
}

// Allocator owns the tuner pool. One mutex covers the device view, the tuner
// map, and the viewer table; network calls and worker startups happen off
// the lock against a claimed slot.
type Allocator struct {
	cfg       Config
	fs        afero.Fs
	appliance applianceAPI
	mirror    tunerMirror

	mu      sync.Mutex
	devices map[string]models.Device
	tuners  map[string]*tunerSlot
	viewers map[string]*models.Viewer
	order   []string // tuner keys, device id then index

	// execCommand is swapped for a fake transcoder in tests.
	execCommand func(name string, arg ...string) *exec.Cmd

	playlistTimeout time.Duration
	segmentTimeout  time.Duration
	pollInterval    time.Duration
	stopGrace       time.Duration

	viewerSweepEvery time.Duration
	tunerSweepEvery  time.Duration
	sweepDone        chan struct{}
}

// NewAllocator prepares the live cache root, clears directories left by a
// previous run, reloads the mirrored tuner rows as idle slots, and starts
// the viewer and tuner sweeps.
func NewAllocator(cfg Config, appliance applianceAPI, mirror tunerMirror, fs afero.Fs) (*Allocator, error) {
	if cfg.LiveRoot == "" {
		return nil, errors.New("livetv: live root is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	if cfg.MaxViewersPerTuner <= 0 {
		cfg.MaxViewersPerTuner = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.ViewerTimeout <= 0 {
		cfg.ViewerTimeout = time.Minute
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if err := fs.MkdirAll(cfg.LiveRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create live root: %w", err)
	}

	a := &Allocator{
		cfg:              cfg,
		fs:               fs,
		appliance:        appliance,
		mirror:           mirror,
		devices:          make(map[string]models.Device),
		tuners:           make(map[string]*tunerSlot),
		viewers:          make(map[string]*models.Viewer),
		execCommand:      exec.Command,
		playlistTimeout:  defaultPlaylistTimeout,
		segmentTimeout:   defaultSegmentTimeout,
		pollInterval:     defaultPollInterval,
		stopGrace:        defaultStopGrace,
		viewerSweepEvery: defaultViewerSweepEvery,
		tunerSweepEvery:  defaultTunerSweepEvery,
		sweepDone:        make(chan struct{}),
	}

	a.clearLiveRoot()

	a.mu.Lock()
	a.restoreMirrorLocked()
	a.mu.Unlock()

	go a.sweepLoop()

	log.Printf("[livetv] allocator ready (root=%s, max_viewers_per_tuner=%d)", cfg.LiveRoot, cfg.MaxViewersPerTuner)
	return a, nil
}

// clearLiveRoot removes per-tuner directories left over from a previous run.
// No worker survives a restart, so anything on disk is stale.
func (a *Allocator) clearLiveRoot() {
	entries, err := afero.ReadDir(a.fs, a.cfg.LiveRoot)
	if err != nil {
		return
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := a.fs.RemoveAll(filepath.Join(a.cfg.LiveRoot, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[livetv] removed %d stale live directories", removed)
	}
}

// restoreMirrorLocked reloads mirrored tuner rows as idle slots. The rows'
// runtime columns are reset first; the devices themselves stay unknown until
// a discovery pass registers them, which keeps the slots unallocatable.
func (a *Allocator) restoreMirrorLocked() {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.ResetRuntimeState(); err != nil {
		log.Printf("[livetv] mirror reset: %v", err)
	}
	rows, err := a.mirror.ListTuners()
	if err != nil {
		log.Printf("[livetv] mirror load: %v", err)
		return
	}
	for _, row := range rows {
		row.State = models.TunerIdle
		row.Channel = ""
		row.ViewerCount = 0
		key := row.Key()
		if _, ok := a.tuners[key]; ok {
			continue
		}
		a.tuners[key] = &tunerSlot{Tuner: row}
		a.order = append(a.order, key)
	}
	a.sortOrderLocked()
	if len(rows) > 0 {
		log.Printf("[livetv] restored %d tuner slots from mirror", len(rows))
	}
}

// SyncDevices reconciles the tuner pool with a discovery pass: tuner-capable
// devices gain one slot per tuner, and devices absent from the pass go
// offline along with their workers and viewers.
func (a *Allocator) SyncDevices(devices []models.Device) {
	a.mu.Lock()
	seen := make(map[string]bool, len(devices))
	added := 0
	for _, dev := range devices {
		if !dev.HasTuners() {
			continue
		}
		seen[dev.DeviceID] = true
		a.devices[dev.DeviceID] = dev
		for i := 0; i < dev.TunerCount; i++ {
			t := models.Tuner{DeviceID: dev.DeviceID, Index: i, State: models.TunerIdle}
			key := t.Key()
			if slot, ok := a.tuners[key]; ok {
				if slot.State == models.TunerOffline {
					slot.State = models.TunerIdle
					slot.LastError = ""
					a.mirrorTunerLocked(slot)
				}
				continue
			}
			slot := &tunerSlot{Tuner: t}
			a.tuners[key] = slot
			a.order = append(a.order, key)
			a.mirrorTunerLocked(slot)
			added++
		}
	}

	var stop []*worker
	for id, dev := range a.devices {
		if seen[id] {
			continue
		}
		dev.Online = false
		a.devices[id] = dev
		for _, key := range a.order {
			slot := a.tuners[key]
			if slot == nil || slot.DeviceID != id || slot.State == models.TunerOffline {
				continue
			}
			if slot.worker != nil {
				stop = append(stop, slot.worker)
			}
			a.dropViewersForTunerLocked(slot)
			slot.State = models.TunerOffline
			slot.Channel = ""
			slot.CooldownUntil = time.Time{}
			slot.worker = nil
			a.mirrorTunerLocked(slot)
		}
	}
	a.sortOrderLocked()
	total := len(a.tuners)
	a.mu.Unlock()

	for _, w := range stop {
		w.stop()
	}
	if added > 0 || len(stop) > 0 {
		log.Printf("[livetv] tuner pool synced: %d slots (%d new, %d workers stopped)", total, added, len(stop))
	}
}

func (a *Allocator) sortOrderLocked() {
	sort.Slice(a.order, func(i, j int) bool {
		ti, tj := a.tuners[a.order[i]], a.tuners[a.order[j]]
		if ti.DeviceID != tj.DeviceID {
			return ti.DeviceID < tj.DeviceID
		}
		return ti.Index < tj.Index
	})
}

// Watch binds a viewer to a tuner streaming the channel. An active tuner on
// the same channel is shared under the per-tuner cap; otherwise idle slots
// are claimed in pool order, then cooling slots, each gated by an appliance
// availability check and a probe of the live URL before a worker starts.
func (a *Allocator) Watch(ctx context.Context, channel, clientID string) (models.Tuner, error) {
	if channel == "" {
		return models.Tuner{}, fmt.Errorf("watch: %w: channel is required", models.ErrInvalidArgument)
	}
	if clientID == "" {
		return models.Tuner{}, fmt.Errorf("watch: %w: client id is required", models.ErrInvalidArgument)
	}
	now := time.Now()

	a.mu.Lock()
	if v, ok := a.viewers[clientID]; ok {
		if slot, live := a.tuners[v.TunerKey]; live && v.Channel == channel && slot.State == models.TunerActive {
			// Same client asking again is a renewal, not a new seat.
			v.LastHeartbeat = now
			slot.LastAccessed = now
			a.mirrorViewerLocked(v)
			snap := slot.Tuner
			a.mu.Unlock()
			return snap, nil
		}
		// Channel change: drop the old seat first.
		a.releaseLocked(v, now)
	}
	if slot := a.shareableLocked(channel); slot != nil {
		a.promoteLocked(slot)
		a.registerViewerLocked(slot, channel, clientID, now)
		a.mirrorTunerLocked(slot)
		snap := slot.Tuner
		a.mu.Unlock()
		return snap, nil
	}
	order := make([]string, len(a.order))
	copy(order, a.order)
	a.mu.Unlock()

	for _, want := range []models.TunerState{models.TunerIdle, models.TunerCooldown} {
		for _, key := range order {
			c, ok := a.claim(key, want, channel, clientID, now)
			if !ok {
				continue
			}
			snap, err := a.commit(ctx, c)
			if err == nil {
				return snap, nil
			}
			if errors.Is(err, errSlotUnavailable) {
				continue
			}
			return models.Tuner{}, err
		}
	}
	return models.Tuner{}, fmt.Errorf("channel %s: %w", channel, models.ErrNoTunersAvailable)
}

// shareableLocked finds a tuner already producing the channel: an active one
// under the viewer cap, or a cooling one whose worker is still alive.
func (a *Allocator) shareableLocked(channel string) *tunerSlot {
	for _, key := range a.order {
		slot := a.tuners[key]
		if slot == nil || slot.Channel != channel {
			continue
		}
		if slot.worker != nil && slot.worker.hasExited() {
			continue
		}
		switch slot.State {
		case models.TunerActive:
			if slot.ViewerCount < a.cfg.MaxViewersPerTuner {
				return slot
			}
		case models.TunerCooldown:
			if slot.worker != nil {
				return slot
			}
		}
	}
	return nil
}

// promoteLocked moves a cooling slot back to active without touching its
// worker.
func (a *Allocator) promoteLocked(slot *tunerSlot) {
	if slot.State == models.TunerCooldown {
		slot.State = models.TunerActive
		slot.CooldownUntil = time.Time{}
		log.Printf("[livetv] tuner %s: reattached during cooldown, channel %s", slot.Key(), slot.Channel)
	}
}

// slotClaim captures everything commit needs to finish an allocation off
// the lock, and everything a revert needs to put back.
type slotClaim struct {
	key          string
	channel      string
	clientID     string
	dev          models.Device
	prevState    models.TunerState
	prevChannel  string
	prevCooldown time.Time
	oldWorker    *worker
	now          time.Time
}

// claim marks a slot active for the requested channel and registers the
// viewer, so concurrent watchers of the same channel share it instead of
// claiming another slot. The appliance work happens afterwards in commit.
func (a *Allocator) claim(key string, want models.TunerState, channel, clientID string, now time.Time) (*slotClaim, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.tuners[key]
	if !ok || slot.State != want {
		return nil, false
	}
	if want == models.TunerCooldown && slot.ViewerCount > 0 {
		return nil, false
	}
	dev, ok := a.devices[slot.DeviceID]
	if !ok || !dev.Online {
		return nil, false
	}

	c := &slotClaim{
		key:          key,
		channel:      channel,
		clientID:     clientID,
		dev:          dev,
		prevState:    slot.State,
		prevChannel:  slot.Channel,
		prevCooldown: slot.CooldownUntil,
		oldWorker:    slot.worker,
		now:          now,
	}
	slot.State = models.TunerActive
	slot.Channel = channel
	slot.CooldownUntil = time.Time{}
	a.registerViewerLocked(slot, channel, clientID, now)
	a.mirrorTunerLocked(slot)
	return c, true
}

// commit checks the appliance, probes the live URL, and starts the worker
// for a claimed slot. Availability refusals revert the claim and let the
// walk continue; probe and startup failures surface to the caller.
func (a *Allocator) commit(ctx context.Context, c *slotClaim) (models.Tuner, error) {
	free, err := a.applianceHasFreeTuner(ctx, c.dev)
	if err != nil {
		a.revertClaim(c, fmt.Sprintf("status check failed: %v", err))
		return models.Tuner{}, errSlotUnavailable
	}
	if !free {
		a.revertClaim(c, "")
		return models.Tuner{}, errSlotUnavailable
	}

	streamURL := hdhr.StreamURL(c.dev, c.channel)
	if err := a.appliance.ProbeChannel(ctx, streamURL); err != nil {
		a.revertClaim(c, err.Error())
		return models.Tuner{}, err
	}

	// A cooling slot bound to another channel gives up its worker here,
	// after the probe said the new channel is viable.
	if c.oldWorker != nil {
		c.oldWorker.stop()
	}

	w, err := a.startWorker(ctx, c.key, c.channel, streamURL)
	if err != nil {
		a.failClaim(c, err.Error())
		return models.Tuner{}, err
	}

	a.mu.Lock()
	slot, ok := a.tuners[c.key]
	if !ok || slot.State != models.TunerActive || slot.Channel != c.channel {
		a.mu.Unlock()
		w.stop()
		return models.Tuner{}, fmt.Errorf("tuner %s: %w: device went offline during startup", c.key, models.ErrNoTunersAvailable)
	}
	slot.worker = w
	slot.LastAccessed = time.Now()
	slot.LastError = ""
	a.mirrorTunerLocked(slot)
	snap := slot.Tuner
	a.mu.Unlock()

	if err := w.waitForFirstSegment(ctx, firstSegmentTimeout); err != nil {
		log.Printf("[livetv] %v", err)
	}
	return snap, nil
}

// revertClaim puts a claimed slot back the way claim found it, keeping the
// old worker attached, and drops the viewers registered meanwhile.
func (a *Allocator) revertClaim(c *slotClaim, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.tuners[c.key]
	if !ok || slot.State != models.TunerActive || slot.Channel != c.channel {
		return
	}
	a.dropViewersForTunerLocked(slot)
	slot.State = c.prevState
	slot.Channel = c.prevChannel
	slot.CooldownUntil = c.prevCooldown
	if lastError != "" {
		slot.LastError = lastError
	}
	a.mirrorTunerLocked(slot)
}

// failClaim settles a claimed slot whose old worker is already gone and
// whose replacement never came up.
func (a *Allocator) failClaim(c *slotClaim, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.tuners[c.key]
	if !ok || slot.State != models.TunerActive || slot.Channel != c.channel {
		return
	}
	a.dropViewersForTunerLocked(slot)
	slot.State = models.TunerIdle
	slot.Channel = ""
	slot.CooldownUntil = time.Time{}
	slot.worker = nil
	slot.LastError = lastError
	a.mirrorTunerLocked(slot)
}

// applianceHasFreeTuner asks the device how many tuner resources are busy.
// The device picks the physical tuner itself on /auto streams, so the check
// is device-level, not slot-level.
func (a *Allocator) applianceHasFreeTuner(ctx context.Context, dev models.Device) (bool, error) {
	statuses, err := a.appliance.Status(ctx, dev)
	if err != nil {
		return false, err
	}
	busy := 0
	for _, s := range statuses {
		if s.TunerIndex() >= 0 && s.Busy() {
			busy++
		}
	}
	return busy < dev.TunerCount, nil
}

func (a *Allocator) registerViewerLocked(slot *tunerSlot, channel, clientID string, now time.Time) {
	v := &models.Viewer{
		ClientID:      clientID,
		TunerKey:      slot.Key(),
		Channel:       channel,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	a.viewers[clientID] = v
	slot.ViewerCount++
	slot.LastAccessed = now
	a.mirrorViewerLocked(v)
}

// Heartbeat renews a viewer's lease and reports whether the client is known.
func (a *Allocator) Heartbeat(clientID string) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.viewers[clientID]
	if !ok {
		return false
	}
	v.LastHeartbeat = now
	if slot, live := a.tuners[v.TunerKey]; live {
		slot.LastAccessed = now
	}
	a.mirrorViewerLocked(v)
	return true
}

// Release detaches a viewer. The last viewer off a tuner moves it to
// cooldown; the worker keeps running so a returning viewer reattaches
// without a restart.
func (a *Allocator) Release(clientID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.viewers[clientID]
	if !ok {
		return fmt.Errorf("viewer %s: %w", clientID, models.ErrNotFound)
	}
	a.releaseLocked(v, time.Now())
	return nil
}

func (a *Allocator) releaseLocked(v *models.Viewer, now time.Time) {
	delete(a.viewers, v.ClientID)
	if a.mirror != nil {
		if err := a.mirror.DeleteViewer(v.ClientID); err != nil {
			log.Printf("[livetv] mirror viewer delete: %v", err)
		}
	}

	slot, ok := a.tuners[v.TunerKey]
	if !ok {
		return
	}
	if slot.ViewerCount > 0 {
		slot.ViewerCount--
	}
	if slot.ViewerCount == 0 && slot.State == models.TunerActive {
		slot.State = models.TunerCooldown
		slot.CooldownUntil = now.Add(a.cfg.Cooldown)
		slot.LastAccessed = now
		log.Printf("[livetv] tuner %s: last viewer left, cooling down", slot.Key())
	}
	a.mirrorTunerLocked(slot)
}

func (a *Allocator) dropViewersForTunerLocked(slot *tunerSlot) {
	key := slot.Key()
	for id, v := range a.viewers {
		if v.TunerKey == key {
			delete(a.viewers, id)
		}
	}
	slot.ViewerCount = 0
	if a.mirror != nil {
		if err := a.mirror.DeleteViewersForTuner(key); err != nil {
			log.Printf("[livetv] mirror viewer purge: %v", err)
		}
	}
}

func (a *Allocator) sweepLoop() {
	viewerTicker := time.NewTicker(a.viewerSweepEvery)
	tunerTicker := time.NewTicker(a.tunerSweepEvery)
	defer viewerTicker.Stop()
	defer tunerTicker.Stop()
	for {
		select {
		case <-a.sweepDone:
			return
		case <-viewerTicker.C:
			a.sweepDeadViewers(time.Now())
		case <-tunerTicker.C:
			a.sweepTuners(time.Now())
		}
	}
}

// sweepDeadViewers releases viewers silent for strictly longer than the
// viewer timeout. A heartbeat landing exactly on the threshold keeps its
// seat.
func (a *Allocator) sweepDeadViewers(now time.Time) {
	a.mu.Lock()
	var dead []*models.Viewer
	for _, v := range a.viewers {
		if now.Sub(v.LastHeartbeat) > a.cfg.ViewerTimeout {
			dead = append(dead, v)
		}
	}
	for _, v := range dead {
		log.Printf("[livetv] viewer %s: no heartbeat for %s, releasing", v.ClientID, now.Sub(v.LastHeartbeat).Round(time.Second))
		a.releaseLocked(v, now)
	}
	a.mu.Unlock()
}

// sweepTuners retires cooldowns that sat untouched past the cooldown window
// and reclaims active slots whose worker died underneath their viewers.
func (a *Allocator) sweepTuners(now time.Time) {
	a.mu.Lock()
	var stop []*worker
	for _, key := range a.order {
		slot := a.tuners[key]
		if slot == nil {
			continue
		}
		switch slot.State {
		case models.TunerCooldown:
			if slot.ViewerCount == 0 && now.After(slot.LastAccessed.Add(a.cfg.Cooldown)) {
				if slot.worker != nil {
					stop = append(stop, slot.worker)
				}
				a.resetSlotLocked(slot, "")
				log.Printf("[livetv] tuner %s: cooldown expired, back to idle", key)
			}
		case models.TunerActive:
			if slot.worker != nil && slot.worker.hasExited() {
				w := slot.worker
				stop = append(stop, w)
				a.dropViewersForTunerLocked(slot)
				a.resetSlotLocked(slot, lastLine(w.errorTail()))
				log.Printf("[livetv] tuner %s: worker died, reclaiming slot", key)
			}
		}
	}
	a.mu.Unlock()

	for _, w := range stop {
		w.stop()
	}
}

func (a *Allocator) resetSlotLocked(slot *tunerSlot, lastError string) {
	slot.State = models.TunerIdle
	slot.Channel = ""
	slot.ViewerCount = 0
	slot.CooldownUntil = time.Time{}
	slot.worker = nil
	slot.LastError = lastError
	a.mirrorTunerLocked(slot)
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return "worker exited unexpectedly"
	}
	return lines[len(lines)-1]
}

func (a *Allocator) mirrorTunerLocked(slot *tunerSlot) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.UpsertTuner(&slot.Tuner); err != nil {
		log.Printf("[livetv] mirror tuner %s: %v", slot.Key(), err)
	}
}

func (a *Allocator) mirrorViewerLocked(v *models.Viewer) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.SaveViewer(v); err != nil {
		log.Printf("[livetv] mirror viewer %s: %v", v.ClientID, err)
	}
}

// Tuners snapshots the pool in allocation order.
func (a *Allocator) Tuners() []TunerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]TunerSnapshot, 0, len(a.order))
	for _, key := range a.order {
		slot := a.tuners[key]
		if slot == nil {
			continue
		}
		snap := TunerSnapshot{Tuner: slot.Tuner}
		if slot.worker != nil {
			snap.RecentErrors = slot.worker.errorTail()
		}
		out = append(out, snap)
	}
	return out
}

// Channels merges the lineups of every online tuner device, deduplicated by
// guide number in device order, sorted numerically.
func (a *Allocator) Channels(ctx context.Context) ([]models.LiveChannel, error) {
	a.mu.Lock()
	devs := make([]models.Device, 0, len(a.devices))
	for _, dev := range a.devices {
		if dev.Online && dev.HasTuners() {
			devs = append(devs, dev)
		}
	}
	a.mu.Unlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].DeviceID < devs[j].DeviceID })

	seen := make(map[string]bool)
	var out []models.LiveChannel
	failures := 0
	for _, dev := range devs {
		entries, err := a.appliance.Lineup(ctx, dev)
		if err != nil {
			failures++
			log.Printf("[livetv] lineup for %s: %v", dev.DeviceID, err)
			continue
		}
		for _, entry := range entries {
			if seen[entry.GuideNumber] {
				continue
			}
			seen[entry.GuideNumber] = true
			out = append(out, entry.ToChannel(dev.DeviceID))
		}
	}
	if len(devs) > 0 && failures == len(devs) {
		return nil, fmt.Errorf("channel lineup: %w: no appliance answered", models.ErrUpstreamUnavailable)
	}
	sortChannels(out)
	return out, nil
}

func sortChannels(chans []models.LiveChannel) {
	sort.Slice(chans, func(i, j int) bool {
		am, an := splitGuideNumber(chans[i].GuideNumber)
		bm, bn := splitGuideNumber(chans[j].GuideNumber)
		if am != bm {
			return am < bm
		}
		if an != bn {
			return an < bn
		}
		return chans[i].GuideNumber < chans[j].GuideNumber
	})
}

func splitGuideNumber(n string) (int, int) {
	major, minor, _ := strings.Cut(n, ".")
	a, _ := strconv.Atoi(major)
	b, _ := strconv.Atoi(minor)
	return a, b
}

// Segment opens one file from a tuner's live directory, waiting briefly for
// the worker to produce it. Only the playlist and segment-N.ts names are
// served. The caller closes the returned file.
func (a *Allocator) Segment(ctx context.Context, tunerKey, name string) (afero.File, string, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return nil, "", fmt.Errorf("segment %q: %w: path separators rejected", name, models.ErrInvalidArgument)
	}
	if name != livePlaylist && !liveSegmentPattern.MatchString(name) {
		return nil, "", fmt.Errorf("segment %q: %w: only %s and segment-N.ts are served", name, models.ErrInvalidArgument, livePlaylist)
	}

	a.mu.Lock()
	slot, ok := a.tuners[tunerKey]
	var w *worker
	if ok {
		slot.LastAccessed = time.Now()
		w = slot.worker
	}
	a.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("tuner %s: %w", tunerKey, models.ErrNotFound)
	}
	if w == nil {
		return nil, "", fmt.Errorf("tuner %s: %w: not streaming", tunerKey, models.ErrNotFound)
	}

	path := filepath.Join(w.dir, name)
	deadline := time.Now().Add(a.segmentTimeout)
	for {
		if info, err := a.fs.Stat(path); err == nil && info.Size() > 0 {
			f, err := a.fs.Open(path)
			if err != nil {
				return nil, "", fmt.Errorf("open %s: %w", name, err)
			}
			return f, contentTypeFor(name), nil
		}
		if w.hasExited() || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}
	return nil, "", fmt.Errorf("tuner %s: %s not available: %w", tunerKey, name, models.ErrNotFound)
}

// Shutdown stops the sweeps and every live worker.
func (a *Allocator) Shutdown() {
	close(a.sweepDone)

	a.mu.Lock()
	var workers []*worker
	for _, slot := range a.tuners {
		if slot.worker != nil {
			workers = append(workers, slot.worker)
			slot.worker = nil
		}
		if slot.State == models.TunerActive || slot.State == models.TunerCooldown {
			slot.State = models.TunerIdle
			slot.Channel = ""
			slot.ViewerCount = 0
			slot.CooldownUntil = time.Time{}
		}
	}
	a.viewers = make(map[string]*models.Viewer)
	a.mu.Unlock()

	var wg conc.WaitGroup
	for _, w := range workers {
		wg.Go(w.stop)
	}
	wg.Wait()

	log.Printf("[livetv] allocator stopped (%d live streams ended)", len(workers))
}
