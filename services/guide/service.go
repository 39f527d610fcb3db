// Package guide keeps a read-mostly mirror of the vendor program guide and
// brokers recording-rule mutations. The guide cache refreshes on a staleness
// threshold; rules live authoritatively in the vendor cloud and the local
// table only follows confirmed cloud state.
package guide

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	unidecode "github.com/mozillazg/go-unidecode"
	"github.com/sourcegraph/conc"

	"tunerhub/models"
	"tunerhub/services/hdhr"
)

const (
	// staleAfter is how old the newest channel stamp may get before a read
	// triggers a refresh.
	staleAfter = 15 * time.Minute

	// fetchWindow is the forward window one refresh covers. The vendor
	// caps a single guide request at a day.
	fetchWindow = 24 * time.Hour

	// searchWindow bounds how far ahead Search looks.
	searchWindow = 7 * 24 * time.Hour

	// programHistory is how long finished airings are kept before the
	// post-refresh prune drops them.
	programHistory = 24 * time.Hour

	defaultSearchLimit = 50
)

type cloudAPI interface {
	Rules(ctx context.Context) ([]hdhr.CloudRule, error)
	AddRule(ctx context.Context, change hdhr.RuleChange) error
	ChangeRule(ctx context.Context, change hdhr.RuleChange) error
	DeleteRule(ctx context.Context, ruleID string) error
	Guide(ctx context.Context, start time.Time, window time.Duration, channel string) ([]hdhr.GuideChannelResponse, error)
}

type applianceNotifier interface {
	NotifyRecordingEvent(ctx context.Context, device models.Device) error
}

type guideStore interface {
	UpsertChannel(c *models.GuideChannel) error
	ListChannels() ([]models.GuideChannel, error)
	ChannelFreshness() (map[string]time.Time, error)
	UpsertProgram(p *models.GuideProgram) error
	ProgramsForChannel(guideNumber string, from, to time.Time) ([]models.GuideProgram, error)
	ProgramsInWindow(from, to time.Time) ([]models.GuideProgram, error)
	NowPlaying(at time.Time) ([]models.GuideProgram, error)
	PrunePrograms(endedBefore time.Time) (int64, error)
}

type ruleStore interface {
	ReplaceAll(rules []models.RecordingRule) error
	List() ([]models.RecordingRule, error)
	DeleteByRuleID(ruleID string) error
	SeriesIDsWithRules() (map[string]bool, error)
}

type deviceLister interface {
	ListOnline() ([]models.Device, error)
}

// Service owns the guide cache and the recording-rule broker.
type Service struct {
	cloud     cloudAPI
	appliance applianceNotifier
	guide     guideStore
	rules     ruleStore
	devices   deviceLister

	mu         sync.Mutex
	refreshing bool
}

func NewService(cloud cloudAPI, appliance applianceNotifier, guide guideStore, rules ruleStore, devices deviceLister) *Service {
	return &Service{
		cloud:     cloud,
		appliance: appliance,
		guide:     guide,
		rules:     rules,
		devices:   devices,
	}
}

// ChannelGuide is one channel's slice of the program guide.
type ChannelGuide struct {
	Channel  models.GuideChannel   `json:"channel"`
	Programs []models.GuideProgram `json:"programs"`
}

// Refresh pulls the next day's listings from the cloud and upserts them.
// A refresh already in flight satisfies the call.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	start := time.Now()
	blocks, err := s.cloud.Guide(ctx, start, fetchWindow, "")
	if err != nil {
		return fmt.Errorf("guide refresh: %w", err)
	}

	channels, programs := 0, 0
	for _, block := range blocks {
		channel := block.ToChannel()
		if err := s.guide.UpsertChannel(&channel); err != nil {
			log.Printf("[guide] channel %s: %v", block.GuideNumber, err)
			continue
		}
		channels++
		for _, entry := range block.Guide {
			program := entry.ToProgram(channel.ID, channel.GuideNumber)
			if err := s.guide.UpsertProgram(&program); err != nil {
				log.Printf("[guide] program %q on %s: %v", entry.Title, block.GuideNumber, err)
				continue
			}
			programs++
		}
	}

	if removed, err := s.guide.PrunePrograms(start.Add(-programHistory)); err != nil {
		log.Printf("[guide] prune failed: %v", err)
	} else if removed > 0 {
		log.Printf("[guide] pruned %d finished programs", removed)
	}

	log.Printf("[guide] refreshed %d channels, %d programs in %s",
		channels, programs, time.Since(start).Round(time.Millisecond))
	return nil
}

// ensureFresh refreshes the cache when the newest channel stamp is past the
// staleness threshold. A failed refresh over existing data is logged and the
// stale cache serves the read; with nothing cached the failure surfaces.
func (s *Service) ensureFresh(ctx context.Context) error {
	stamps, err := s.guide.ChannelFreshness()
	if err != nil {
		return fmt.Errorf("guide freshness: %w", err)
	}
	var newest time.Time
	for _, at := range stamps {
		if at.After(newest) {
			newest = at
		}
	}
	if len(stamps) > 0 && time.Since(newest) < staleAfter {
		return nil
	}

	if err := s.Refresh(ctx); err != nil {
		if len(stamps) == 0 {
			return err
		}
		log.Printf("[guide] refresh failed, serving stale cache: %v", err)
	}
	return nil
}

// Channels lists the guide's channels in lineup order.
func (s *Service) Channels(ctx context.Context) ([]models.GuideChannel, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return s.guide.ListChannels()
}

// Guide returns the next day of listings grouped by channel.
func (s *Service) Guide(ctx context.Context) ([]ChannelGuide, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	programs, err := s.guide.ProgramsInWindow(now, now.Add(fetchWindow))
	if err != nil {
		return nil, err
	}
	channels, err := s.guide.ListChannels()
	if err != nil {
		return nil, err
	}
	s.flagRules(programs)

	byNumber := make(map[string][]models.GuideProgram, len(channels))
	for _, p := range programs {
		byNumber[p.GuideNumber] = append(byNumber[p.GuideNumber], p)
	}

	out := make([]ChannelGuide, 0, len(channels))
	for _, c := range channels {
		out = append(out, ChannelGuide{Channel: c, Programs: byNumber[c.GuideNumber]})
	}
	return out, nil
}

// Now returns the airing covering this instant on every channel.
func (s *Service) Now(ctx context.Context) ([]models.GuideProgram, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}
	programs, err := s.guide.NowPlaying(time.Now())
	if err != nil {
		return nil, err
	}
	s.flagRules(programs)
	return programs, nil
}

// Search matches query against title, episode title, and synopsis over the
// next week, case- and accent-folded. channel narrows to one channel; limit
// caps the result count.
func (s *Service) Search(ctx context.Context, query, channel string, limit int) ([]models.GuideProgram, error) {
	folded := fold(strings.TrimSpace(query))
	if folded == "" {
		return nil, fmt.Errorf("guide search: %w: empty query", models.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	var (
		candidates []models.GuideProgram
		err        error
	)
	if channel != "" {
		candidates, err = s.guide.ProgramsForChannel(channel, now, now.Add(searchWindow))
	} else {
		candidates, err = s.guide.ProgramsInWindow(now, now.Add(searchWindow))
	}
	if err != nil {
		return nil, err
	}

	matches := make([]models.GuideProgram, 0, limit)
	for _, p := range candidates {
		if !matchesQuery(p, folded) {
			continue
		}
		matches = append(matches, p)
		if len(matches) == limit {
			break
		}
	}
	s.flagRules(matches)
	return matches, nil
}

// flagRules marks programs whose series has an active recording rule.
func (s *Service) flagRules(programs []models.GuideProgram) {
	if len(programs) == 0 {
		return
	}
	flagged, err := s.rules.SeriesIDsWithRules()
	if err != nil {
		log.Printf("[guide] rule flags unavailable: %v", err)
		return
	}
	for i := range programs {
		programs[i].RecordingRule = flagged[programs[i].SeriesID]
	}
}

func fold(s string) string {
	return strings.ToLower(unidecode.Unidecode(s))
}

func matchesQuery(p models.GuideProgram, folded string) bool {
	return strings.Contains(fold(p.Title), folded) ||
		strings.Contains(fold(p.EpisodeTitle), folded) ||
		strings.Contains(fold(p.Synopsis), folded)
}

// Rules fetches the cloud's rule set, reconciles the mirror against it
// wholesale, and returns the mirrored rows.
func (s *Service) Rules(ctx context.Context) ([]models.RecordingRule, error) {
	wire, err := s.cloud.Rules(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]models.RecordingRule, 0, len(wire))
	for _, w := range wire {
		rules = append(rules, w.ToRule())
	}
	if err := s.rules.ReplaceAll(rules); err != nil {
		return nil, err
	}
	return s.rules.List()
}

// AddRule creates a rule in the cloud, nudges every appliance to resync, and
// returns the reconciled rule set.
func (s *Service) AddRule(ctx context.Context, change hdhr.RuleChange) ([]models.RecordingRule, error) {
	if err := s.cloud.AddRule(ctx, change); err != nil {
		return nil, err
	}
	s.notifyAppliances(ctx)
	return s.Rules(ctx)
}

// ChangeRule updates an existing cloud rule and returns the reconciled set.
func (s *Service) ChangeRule(ctx context.Context, change hdhr.RuleChange) ([]models.RecordingRule, error) {
	if err := s.cloud.ChangeRule(ctx, change); err != nil {
		return nil, err
	}
	s.notifyAppliances(ctx)
	return s.Rules(ctx)
}

// DeleteRule removes a cloud rule, nudges the appliances, and drops the
// mirrored row. A mirror already missing the row is fine; the cloud delete
// is what counts.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	if err := s.cloud.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	s.notifyAppliances(ctx)

	if err := s.rules.DeleteByRuleID(ruleID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}

// notifyAppliances posts recording_events.post?sync to every online
// appliance in parallel. Failures are logged; the appliances poll the cloud
// on their own schedule anyway.
func (s *Service) notifyAppliances(ctx context.Context) {
	devices, err := s.devices.ListOnline()
	if err != nil {
		log.Printf("[guide] appliance resync skipped: %v", err)
		return
	}

	var wg conc.WaitGroup
	for _, device := range devices {
		device := device
		wg.Go(func() {
			if err := s.appliance.NotifyRecordingEvent(ctx, device); err != nil {
				log.Printf("[guide] resync notify %s: %v", device.DeviceID, err)
			}
		})
	}
	wg.Wait()
}
