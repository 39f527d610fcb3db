package hdhr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"tunerhub/models"
)

// fakeAuth is a hand-rolled AuthSource tracking refresh calls.
type fakeAuth struct {
	mu       sync.Mutex
	token    string
	next     string
	refreshs int
}

func (f *fakeAuth) DeviceAuth(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeAuth) RefreshAuth(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs++
	if f.next != "" {
		f.token = f.next
	}
	return f.token, nil
}

func TestRulesRefreshesAuthOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("DeviceAuth") != "fresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`[{"RecordingRuleID":12,"SeriesID":"C1","Title":"Show"}]`))
	}))
	defer srv.Close()

	auth := &fakeAuth{token: "stale", next: "fresh"}
	client := NewCloudClient(srv.URL, auth)

	rules, err := client.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].RecordingRuleID.String() != "12" {
		t.Errorf("RecordingRuleID = %s", rules[0].RecordingRuleID)
	}
	if auth.refreshs != 1 {
		t.Errorf("refresh count = %d, want exactly 1", auth.refreshs)
	}
}

func TestRulesAuthExpiredAfterSecondRejection(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	auth := &fakeAuth{token: "stale", next: "still-stale"}
	client := NewCloudClient(srv.URL, auth)

	_, err := client.Rules(context.Background())
	if !errors.Is(err, models.ErrAuthExpired) {
		t.Fatalf("want ErrAuthExpired, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want exactly 2", attempts)
	}
	if auth.refreshs != 1 {
		t.Errorf("refresh count = %d, want exactly 1", auth.refreshs)
	}
}

func TestGuideClampsWindow(t *testing.T) {
	var gotDuration string
	var gotChannel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDuration = r.URL.Query().Get("Duration")
		gotChannel = r.URL.Query().Get("Channel")
		w.Write([]byte(`[{"GuideNumber":"5.1","GuideName":"WABC","Guide":[]}]`))
	}))
	defer srv.Close()

	client := NewCloudClient(srv.URL, &fakeAuth{token: "tok"})
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	if _, err := client.Guide(context.Background(), start, 48*time.Hour, "5.1"); err != nil {
		t.Fatalf("Guide: %v", err)
	}
	if gotDuration != strconv.Itoa(86400) {
		t.Errorf("Duration = %s, want 86400", gotDuration)
	}
	if gotChannel != "5.1" {
		t.Errorf("Channel = %s, want 5.1", gotChannel)
	}
}

func TestAddRuleEncodesForm(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotForm = r.PostForm
	}))
	defer srv.Close()

	client := NewCloudClient(srv.URL, &fakeAuth{token: "tok"})
	airdate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := client.AddRule(context.Background(), RuleChange{
		SeriesID:                 "C55",
		ChannelOnly:              "7.1",
		RecentOnly:               true,
		AfterOriginalAirdateOnly: airdate,
		StartPadding:             30,
		EndPadding:               60,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	want := map[string]string{
		"Cmd":                      "add",
		"DeviceAuth":               "tok",
		"SeriesID":                 "C55",
		"ChannelOnly":              "7.1",
		"RecentOnly":               "1",
		"AfterOriginalAirdateOnly": strconv.FormatInt(airdate.Unix(), 10),
		"StartPadding":             "30",
		"EndPadding":               "60",
	}
	for k, v := range want {
		if gotForm.Get(k) != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm.Get(k), v)
		}
	}
	if gotForm.Get("DateTimeOnly") != "" {
		t.Error("zero DateTimeOnly should be omitted")
	}
}

func TestAddRuleRequiresSeries(t *testing.T) {
	client := NewCloudClient("http://unused", &fakeAuth{token: "tok"})
	err := client.AddRule(context.Background(), RuleChange{})
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestDeleteRuleEncodesForm(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
	}))
	defer srv.Close()

	client := NewCloudClient(srv.URL, &fakeAuth{token: "tok"})
	if err := client.DeleteRule(context.Background(), "4242"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if gotForm.Get("Cmd") != "delete" || gotForm.Get("RecordingRuleID") != "4242" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestChangeRulePriorityReorder(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
	}))
	defer srv.Close()

	client := NewCloudClient(srv.URL, &fakeAuth{token: "tok"})
	err := client.ChangeRule(context.Background(), RuleChange{
		RecordingRuleID:      "10",
		AfterRecordingRuleID: "4",
	})
	if err != nil {
		t.Fatalf("ChangeRule: %v", err)
	}
	if gotForm.Get("Cmd") != "change" || gotForm.Get("AfterRecordingRuleID") != "4" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestCloudUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewCloudClient(srv.URL, &fakeAuth{token: "tok"})
	_, err := client.Rules(context.Background())
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Errorf("want ErrUpstreamUnavailable, got %v", err)
	}
}
