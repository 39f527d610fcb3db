package hdhr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"tunerhub/models"
)

const (
	// DefaultCloudURL is the vendor API all non-test deployments talk to.
	DefaultCloudURL = "https://api.hdhomerun.com"

	cloudTimeout = 10 * time.Second

	// The guide endpoint caps one request's window at a day.
	maxGuideWindow = 24 * time.Hour
)

// errAuthRejected marks a 403 from the cloud. It stays internal: after the
// refresh-and-retry dance fails, callers see models.ErrAuthExpired.
var errAuthRejected = errors.New("device auth rejected")

// AuthSource supplies the DeviceAuth token the cloud wants, and refreshes
// it from an appliance when the cloud stops accepting it.
type AuthSource interface {
	DeviceAuth(ctx context.Context) (string, error)
	RefreshAuth(ctx context.Context) (string, error)
}

// CloudClient talks to the vendor's cloud API. Auth failures trigger one
// token refresh and one retry; a second rejection surfaces as AuthExpired.
type CloudClient struct {
	client  *http.Client
	baseURL string
	auth    AuthSource
}

// NewCloudClient builds a cloud client. An empty baseURL selects the vendor
// endpoint.
func NewCloudClient(baseURL string, auth AuthSource) *CloudClient {
	if baseURL == "" {
		baseURL = DefaultCloudURL
	}
	return &CloudClient{
		client:  &http.Client{Timeout: cloudTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
	}
}

// DiscoverDevices fetches the appliances the cloud has seen behind the
// caller's public address. The endpoint takes no DeviceAuth, which lets
// discovery run before any appliance has handed us a token.
func (c *CloudClient) DiscoverDevices(ctx context.Context) ([]CloudDevice, error) {
	var out []CloudDevice
	if err := c.getJSON(ctx, c.baseURL+"/discover", &out); err != nil {
		return nil, fmt.Errorf("cloud device list: %w", err)
	}
	return out, nil
}

// Rules fetches the account's recording rules.
func (c *CloudClient) Rules(ctx context.Context) ([]CloudRule, error) {
	var out []CloudRule
	err := c.withAuth(ctx, func(auth string) error {
		u := fmt.Sprintf("%s/api/recording_rules?DeviceAuth=%s", c.baseURL, url.QueryEscape(auth))
		return c.getJSON(ctx, u, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("list recording rules: %w", err)
	}
	return out, nil
}

// RuleChange carries the writable fields of a recording rule operation.
// Zero values are omitted from the request.
type RuleChange struct {
	SeriesID                 string
	RecordingRuleID          string
	AfterRecordingRuleID     string
	ChannelOnly              string
	TeamOnly                 string
	RecentOnly               bool
	AfterOriginalAirdateOnly time.Time
	DateTimeOnly             time.Time
	Priority                 int
	StartPadding             int
	EndPadding               int
}

func (rc RuleChange) values(cmd string) url.Values {
	v := url.Values{}
	v.Set("Cmd", cmd)
	if rc.SeriesID != "" {
		v.Set("SeriesID", rc.SeriesID)
	}
	if rc.RecordingRuleID != "" {
		v.Set("RecordingRuleID", rc.RecordingRuleID)
	}
	if rc.AfterRecordingRuleID != "" {
		v.Set("AfterRecordingRuleID", rc.AfterRecordingRuleID)
	}
	if rc.ChannelOnly != "" {
		v.Set("ChannelOnly", rc.ChannelOnly)
	}
	if rc.TeamOnly != "" {
		v.Set("TeamOnly", rc.TeamOnly)
	}
	if rc.RecentOnly {
		v.Set("RecentOnly", "1")
	}
	if !rc.AfterOriginalAirdateOnly.IsZero() {
		v.Set("AfterOriginalAirdateOnly", strconv.FormatInt(rc.AfterOriginalAirdateOnly.Unix(), 10))
	}
	if !rc.DateTimeOnly.IsZero() {
		v.Set("DateTimeOnly", strconv.FormatInt(rc.DateTimeOnly.Unix(), 10))
	}
	if rc.Priority != 0 {
		v.Set("Priority", strconv.Itoa(rc.Priority))
	}
	if rc.StartPadding != 0 {
		v.Set("StartPadding", strconv.Itoa(rc.StartPadding))
	}
	if rc.EndPadding != 0 {
		v.Set("EndPadding", strconv.Itoa(rc.EndPadding))
	}
	return v
}

// AddRule creates a rule. A DateTimeOnly value records a single airing.
func (c *CloudClient) AddRule(ctx context.Context, change RuleChange) error {
	if change.SeriesID == "" {
		return fmt.Errorf("add rule: %w: series id required", models.ErrInvalidArgument)
	}
	if err := c.postRule(ctx, change.values("add")); err != nil {
		return fmt.Errorf("add rule for %s: %w", change.SeriesID, err)
	}
	return nil
}

// ChangeRule updates priority, padding, or filters on an existing rule.
func (c *CloudClient) ChangeRule(ctx context.Context, change RuleChange) error {
	if change.RecordingRuleID == "" {
		return fmt.Errorf("change rule: %w: rule id required", models.ErrInvalidArgument)
	}
	if err := c.postRule(ctx, change.values("change")); err != nil {
		return fmt.Errorf("change rule %s: %w", change.RecordingRuleID, err)
	}
	return nil
}

// DeleteRule removes a rule.
func (c *CloudClient) DeleteRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("delete rule: %w: rule id required", models.ErrInvalidArgument)
	}
	v := url.Values{}
	v.Set("Cmd", "delete")
	v.Set("RecordingRuleID", ruleID)
	if err := c.postRule(ctx, v); err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	return nil
}

// Guide fetches program listings. The window is clamped to the endpoint's
// 24 hour maximum; channel narrows the response to one channel when set.
func (c *CloudClient) Guide(ctx context.Context, start time.Time, window time.Duration, channel string) ([]GuideChannelResponse, error) {
	if window <= 0 || window > maxGuideWindow {
		window = maxGuideWindow
	}

	var out []GuideChannelResponse
	err := c.withAuth(ctx, func(auth string) error {
		u := fmt.Sprintf("%s/api/guide?DeviceAuth=%s&Start=%d&Duration=%d",
			c.baseURL, url.QueryEscape(auth), start.Unix(), int64(window/time.Second))
		if channel != "" {
			u += "&Channel=" + url.QueryEscape(channel)
		}
		return c.getJSON(ctx, u, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch guide: %w", err)
	}
	return out, nil
}

func (c *CloudClient) postRule(ctx context.Context, form url.Values) error {
	return c.withAuth(ctx, func(auth string) error {
		form.Set("DeviceAuth", auth)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/recording_rules", strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrUpstreamUnreachable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		return cloudError(resp)
	})
}

// withAuth runs fn with the current token, refreshing and retrying exactly
// once when the cloud rejects it.
func (c *CloudClient) withAuth(ctx context.Context, fn func(auth string) error) error {
	auth, err := c.auth.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("resolve device auth: %w", err)
	}

	err = retry.Do(
		func() error { return fn(auth) },
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errAuthRejected) }),
		retry.OnRetry(func(_ uint, _ error) {
			refreshed, refreshErr := c.auth.RefreshAuth(ctx)
			if refreshErr != nil {
				log.Printf("[cloud] device auth refresh failed: %v", refreshErr)
				return
			}
			auth = refreshed
		}),
	)
	if errors.Is(err, errAuthRejected) {
		return fmt.Errorf("%w: cloud rejected refreshed token", models.ErrAuthExpired)
	}
	return err
}

func (c *CloudClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if err := cloudError(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(body) == 0 || string(body) == "null" {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func cloudError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return errAuthRejected
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: cloud status %d", models.ErrUpstreamUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected cloud status %d", resp.StatusCode)
	}
}
