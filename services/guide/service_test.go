package guide

import (
	"context"
	"encoding/json"
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

type fakeCloud struct {
	mu          sync.Mutex
	guideFn     func(start time.Time, window time.Duration, channel string) ([]hdhr.GuideChannelResponse, error)
	guideCalls  int
	rules       []hdhr.CloudRule
	rulesErr    error
	addErr      error
	nextRuleID  int
	addCalls    []hdhr.RuleChange
	changeCalls []hdhr.RuleChange
	deleteCalls []string
}

func (f *fakeCloud) Guide(_ context.Context, start time.Time, window time.Duration, channel string) ([]hdhr.GuideChannelResponse, error) {
	f.mu.Lock()
	f.guideCalls++
	fn := f.guideFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(start, window, channel)
}

func (f *fakeCloud) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guideCalls
}

func (f *fakeCloud) Rules(context.Context) ([]hdhr.CloudRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return append([]hdhr.CloudRule(nil), f.rules...), nil
}

func (f *fakeCloud) AddRule(_ context.Context, change hdhr.RuleChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.addCalls = append(f.addCalls, change)
	f.nextRuleID++
	recent := 0
	if change.RecentOnly {
		recent = 1
	}
	f.rules = append(f.rules, hdhr.CloudRule{
		RecordingRuleID: json.Number(strconv.Itoa(100 + f.nextRuleID)),
		SeriesID:        change.SeriesID,
		Title:           "Rule " + change.SeriesID,
		ChannelOnly:     change.ChannelOnly,
		RecentOnly:      recent,
		Priority:        change.Priority,
	})
	return nil
}

func (f *fakeCloud) ChangeRule(_ context.Context, change hdhr.RuleChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changeCalls = append(f.changeCalls, change)
	for i := range f.rules {
		if f.rules[i].RecordingRuleID.String() == change.RecordingRuleID {
			f.rules[i].Priority = change.Priority
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeCloud) DeleteRule(_ context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, ruleID)
	kept := make([]hdhr.CloudRule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.RecordingRuleID.String() != ruleID {
			kept = append(kept, r)
		}
	}
	f.rules = kept
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	notified []string
}

func (f *fakeNotifier) NotifyRecordingEvent(_ context.Context, device models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, device.DeviceID)
	return f.err
}

func (f *fakeNotifier) devices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

type fixture struct {
	db      *database.DB
	cloud   *fakeCloud
	notify  *fakeNotifier
	guide   *database.GuideRepository
	rules   *database.RuleRepository
	devices *database.DeviceRepository
	svc     *Service
}

func newTestService(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "guide.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fx := &fixture{
		db:      db,
		cloud:   &fakeCloud{},
		notify:  &fakeNotifier{},
		guide:   database.NewGuideRepository(db.Connection()),
		rules:   database.NewRuleRepository(db.Connection()),
		devices: database.NewDeviceRepository(db.Connection()),
	}
	fx.svc = NewService(fx.cloud, fx.notify, fx.guide, fx.rules, fx.devices)
	return fx
}

func (fx *fixture) seedOnlineDevice(t *testing.T, deviceID string) {
	t.Helper()
	d := models.Device{
		DeviceID:      deviceID,
		BaseURL:       "http://192.168.1.50:80",
		TunerCount:    2,
		Online:        true,
		DiscoveredVia: models.DiscoveredUDP,
	}
	require.NoError(t, fx.devices.Upsert(&d))
}

// seedProgram plants a channel + airing directly, which also stamps the
// cache fresh so reads skip the cloud.
func (fx *fixture) seedProgram(t *testing.T, guideNumber, seriesID, title, synopsis string, start time.Time, minutes int) {
	t.Helper()
	c := models.GuideChannel{GuideNumber: guideNumber, GuideName: "CH " + guideNumber}
	require.NoError(t, fx.guide.UpsertChannel(&c))
	p := models.GuideProgram{
		ChannelRowID: c.ID,
		GuideNumber:  guideNumber,
		SeriesID:     seriesID,
		Title:        title,
		Synopsis:     synopsis,
		StartTime:    start.UTC(),
		EndTime:      start.Add(time.Duration(minutes) * time.Minute).UTC(),
	}
	require.NoError(t, fx.guide.UpsertProgram(&p))
}

func (fx *fixture) markStale(t *testing.T) {
	t.Helper()
	_, err := fx.db.Connection().Exec(`UPDATE guide_channels SET fetched_at = ?`,
		time.Now().Add(-time.Hour).UTC())
	require.NoError(t, err)
}

func epoch(t time.Time) json.Number {
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}

func airing(seriesID, title string, start time.Time, minutes int) hdhr.GuideEntry {
	return hdhr.GuideEntry{
		SeriesID:  seriesID,
		ProgramID: "PR-" + seriesID,
		Title:     title,
		StartTime: epoch(start),
		EndTime:   epoch(start.Add(time.Duration(minutes) * time.Minute)),
	}
}

func TestRefreshUpsertsGuide(t *testing.T) {
	fx := newTestService(t)

	now := time.Now().UTC().Truncate(time.Second)
	fx.cloud.guideFn = func(time.Time, time.Duration, string) ([]hdhr.GuideChannelResponse, error) {
		return []hdhr.GuideChannelResponse{
			{GuideNumber: "10.1", GuideName: "KTEN", Guide: []hdhr.GuideEntry{
				airing("S10", "Morning News", now.Add(-10*time.Minute), 60),
			}},
			{GuideNumber: "5.1", GuideName: "KXII", Guide: []hdhr.GuideEntry{
				airing("S5", "Quiz Hour", now, 30),
				airing("S5", "Quiz Hour", now.Add(30*time.Minute), 30),
			}},
		}, nil
	}

	require.NoError(t, fx.svc.Refresh(context.Background()))

	channels, err := fx.svc.Channels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	require.Equal(t, "5.1", channels[0].GuideNumber)
	require.Equal(t, "10.1", channels[1].GuideNumber)
	require.Equal(t, 1, fx.cloud.calls())

	guide, err := fx.svc.Guide(context.Background())
	require.NoError(t, err)
	require.Len(t, guide, 2)
	require.Len(t, guide[0].Programs, 2)
	require.Equal(t, "Quiz Hour", guide[0].Programs[0].Title)
	require.Len(t, guide[1].Programs, 1)

	// A second refresh of the same window updates rows in place.
	require.NoError(t, fx.svc.Refresh(context.Background()))
	guide, err = fx.svc.Guide(context.Background())
	require.NoError(t, err)
	require.Len(t, guide[0].Programs, 2)
}

func TestReadsRefreshOnlyWhenStale(t *testing.T) {
	fx := newTestService(t)
	fx.cloud.guideFn = func(time.Time, time.Duration, string) ([]hdhr.GuideChannelResponse, error) {
		return []hdhr.GuideChannelResponse{{GuideNumber: "2.1", GuideName: "WBAP"}}, nil
	}

	// Empty cache: the first read refreshes.
	_, err := fx.svc.Channels(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fx.cloud.calls())

	// Fresh cache: subsequent reads skip the cloud.
	_, err = fx.svc.Channels(context.Background())
	require.NoError(t, err)
	_, err = fx.svc.Now(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fx.cloud.calls())

	// Past the threshold the next read refreshes again.
	fx.markStale(t)
	_, err = fx.svc.Channels(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, fx.cloud.calls())
}

func TestReadsServeStaleCacheWhenCloudFails(t *testing.T) {
	fx := newTestService(t)
	now := time.Now()
	fx.seedProgram(t, "5.1", "S5", "Quiz Hour", "", now.Add(-5*time.Minute), 30)
	fx.markStale(t)

	fx.cloud.guideFn = func(time.Time, time.Duration, string) ([]hdhr.GuideChannelResponse, error) {
		return nil, models.ErrUpstreamUnavailable
	}

	guide, err := fx.svc.Guide(context.Background())
	require.NoError(t, err)
	require.Len(t, guide, 1)
	require.Len(t, guide[0].Programs, 1)
}

func TestReadsFailWhenCloudFailsAndNothingCached(t *testing.T) {
	fx := newTestService(t)
	fx.cloud.guideFn = func(time.Time, time.Duration, string) ([]hdhr.GuideChannelResponse, error) {
		return nil, models.ErrUpstreamUnavailable
	}

	_, err := fx.svc.Guide(context.Background())
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}

func TestNowReturnsCurrentAirings(t *testing.T) {
	fx := newTestService(t)
	now := time.Now()
	fx.seedProgram(t, "2.1", "S2", "On Air", "", now.Add(-10*time.Minute), 30)
	fx.seedProgram(t, "5.1", "S5", "Later Tonight", "", now.Add(time.Hour), 30)

	playing, err := fx.svc.Now(context.Background())
	require.NoError(t, err)
	require.Len(t, playing, 1)
	require.Equal(t, "On Air", playing[0].Title)
	require.Equal(t, 0, fx.cloud.calls())
}

func TestSearchFoldsAndScopes(t *testing.T) {
	fx := newTestService(t)
	now := time.Now()
	fx.seedProgram(t, "2.1", "S1", "Café Internationale", "", now.Add(time.Hour), 30)
	fx.seedProgram(t, "5.1", "S2", "Nature Today", "a café on every corner", now.Add(2*time.Hour), 30)
	fx.seedProgram(t, "7.1", "S3", "Cafe Racer", "", now.Add(8*24*time.Hour), 30)

	// Accent folding matches both near-term airings; the 8-day-out one is
	// past the search window.
	matches, err := fx.svc.Search(context.Background(), "CAFE", "", 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Channel scoping.
	matches, err = fx.svc.Search(context.Background(), "cafe", "5.1", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "Nature Today", matches[0].Title)

	// Limit caps the result set.
	matches, err = fx.svc.Search(context.Background(), "cafe", "", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, err = fx.svc.Search(context.Background(), "   ", "", 0)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRulesReconcileMirror(t *testing.T) {
	fx := newTestService(t)
	fx.cloud.rules = []hdhr.CloudRule{
		{RecordingRuleID: "101", SeriesID: "S1", Title: "Show One", Priority: 1},
		{RecordingRuleID: "102", SeriesID: "S2", Title: "Show Two", Priority: 0},
	}

	rules, err := fx.svc.Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "102", rules[0].RuleID) // cloud priority order

	// The cloud dropped a rule; the mirror follows wholesale.
	fx.cloud.rules = fx.cloud.rules[:1]
	rules, err = fx.svc.Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "101", rules[0].RuleID)
}

func TestGuideFlagsProgramsWithRules(t *testing.T) {
	fx := newTestService(t)
	now := time.Now()
	fx.seedProgram(t, "2.1", "S1", "Ruled Show", "", now, 30)
	fx.seedProgram(t, "2.1", "S2", "Free Show", "", now.Add(time.Hour), 30)
	require.NoError(t, fx.rules.ReplaceAll([]models.RecordingRule{{RuleID: "101", SeriesID: "S1"}}))

	guide, err := fx.svc.Guide(context.Background())
	require.NoError(t, err)
	require.Len(t, guide, 1)
	require.Len(t, guide[0].Programs, 2)
	require.True(t, guide[0].Programs[0].RecordingRule)
	require.False(t, guide[0].Programs[1].RecordingRule)
}

func TestAddRuleFansOutAndReconciles(t *testing.T) {
	fx := newTestService(t)
	fx.seedOnlineDevice(t, "AAA1")
	fx.seedOnlineDevice(t, "BBB2")

	rules, err := fx.svc.AddRule(context.Background(), hdhr.RuleChange{SeriesID: "S9", RecentOnly: true, ChannelOnly: "2.1"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "S9", rules[0].SeriesID)
	require.True(t, rules[0].RecentOnly)
	require.Equal(t, "2.1", rules[0].ChannelOnly)

	require.Len(t, fx.cloud.addCalls, 1)
	require.ElementsMatch(t, []string{"AAA1", "BBB2"}, fx.notify.devices())

	// Appliance notify failures stay best-effort.
	fx.notify.err = models.ErrUpstreamUnreachable
	_, err = fx.svc.AddRule(context.Background(), hdhr.RuleChange{SeriesID: "S10"})
	require.NoError(t, err)
}

func TestAddRuleCloudFailureShortCircuits(t *testing.T) {
	fx := newTestService(t)
	fx.seedOnlineDevice(t, "AAA1")
	fx.cloud.addErr = models.ErrUpstreamUnavailable

	_, err := fx.svc.AddRule(context.Background(), hdhr.RuleChange{SeriesID: "S9"})
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	require.Empty(t, fx.notify.devices())

	local, err := fx.rules.List()
	require.NoError(t, err)
	require.Empty(t, local)
}

func TestChangeRuleReconciles(t *testing.T) {
	fx := newTestService(t)
	_, err := fx.svc.AddRule(context.Background(), hdhr.RuleChange{SeriesID: "S9", Priority: 1})
	require.NoError(t, err)

	rules, err := fx.svc.ChangeRule(context.Background(), hdhr.RuleChange{RecordingRuleID: "101", Priority: 5})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 5, rules[0].Priority)
}

func TestDeleteRuleRemovesMirrorRow(t *testing.T) {
	fx := newTestService(t)
	fx.seedOnlineDevice(t, "AAA1")
	_, err := fx.svc.AddRule(context.Background(), hdhr.RuleChange{SeriesID: "S9"})
	require.NoError(t, err)

	require.NoError(t, fx.svc.DeleteRule(context.Background(), "101"))
	require.Equal(t, []string{"101"}, fx.cloud.deleteCalls)

	local, err := fx.rules.List()
	require.NoError(t, err)
	require.Empty(t, local)

	// Deleting a rule the mirror never had still succeeds once the cloud
	// confirmed it.
	require.NoError(t, fx.svc.DeleteRule(context.Background(), "999"))
}
