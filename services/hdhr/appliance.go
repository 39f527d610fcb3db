package hdhr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tunerhub/models"
)

const (
	// Appliances answer LAN requests fast; anything slower than this is
	// effectively down.
	applianceTimeout = 10 * time.Second

	// probeTimeout bounds the live pre-check. A healthy tuner starts
	// pushing transport stream bytes well inside this.
	probeTimeout = 3 * time.Second

	// probeReadSize is how much of the stream the pre-check drains to
	// confirm data actually flows.
	probeReadSize = 1024

	maxBodySize = 32 * 1024 * 1024 // recorded_files.json on a full DVR gets large
)

// Appliance error codes surfaced via the X-HDHomeRun-Error header.
const (
	errCodeAllTunersInUse = 805
	errCodeTunerInUse     = 804
	errCodeDRM            = 811
)

// ApplianceClient talks to tuner and DVR appliances over their LAN HTTP
// surface. One client serves all devices.
type ApplianceClient struct {
	client *http.Client
}

func NewApplianceClient() *ApplianceClient {
	return &ApplianceClient{
		client: &http.Client{Timeout: applianceTimeout},
	}
}

// Discover fetches and decodes {base}/discover.json.
func (c *ApplianceClient) Discover(ctx context.Context, baseURL string) (*DiscoverResponse, error) {
	var out DiscoverResponse
	if err := c.getJSON(ctx, strings.TrimRight(baseURL, "/")+"/discover.json", &out); err != nil {
		return nil, fmt.Errorf("discover %s: %w", baseURL, err)
	}
	if out.DeviceID == "" {
		return nil, fmt.Errorf("discover %s: %w: response carries no device id", baseURL, models.ErrInvalidArgument)
	}
	return &out, nil
}

// Lineup fetches the device's channel lineup.
func (c *ApplianceClient) Lineup(ctx context.Context, device models.Device) ([]LineupEntry, error) {
	url := device.LineupURL
	if url == "" {
		url = strings.TrimRight(device.BaseURL, "/") + "/lineup.json"
	}
	var out []LineupEntry
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, fmt.Errorf("lineup for %s: %w", device.DeviceID, err)
	}
	return out, nil
}

// Status fetches the device's tuner status list.
func (c *ApplianceClient) Status(ctx context.Context, device models.Device) ([]TunerStatus, error) {
	var out []TunerStatus
	if err := c.getJSON(ctx, strings.TrimRight(device.BaseURL, "/")+"/status.json", &out); err != nil {
		return nil, fmt.Errorf("status for %s: %w", device.DeviceID, err)
	}
	return out, nil
}

// RecordedSeries lists the series groups on a DVR appliance.
func (c *ApplianceClient) RecordedSeries(ctx context.Context, device models.Device) ([]RecordedSeries, error) {
	if !device.IsDVR() {
		return nil, fmt.Errorf("device %s: %w: no recording engine", device.DeviceID, models.ErrInvalidArgument)
	}
	var out []RecordedSeries
	if err := c.getJSON(ctx, device.StorageURL, &out); err != nil {
		return nil, fmt.Errorf("recorded series for %s: %w", device.DeviceID, err)
	}
	return out, nil
}

// RecordedEpisodes lists one series' episodes on a DVR appliance.
func (c *ApplianceClient) RecordedEpisodes(ctx context.Context, device models.Device, seriesID string) ([]RecordedEpisode, error) {
	if !device.IsDVR() {
		return nil, fmt.Errorf("device %s: %w: no recording engine", device.DeviceID, models.ErrInvalidArgument)
	}
	url := device.StorageURL
	if strings.Contains(url, "?") {
		url += "&SeriesID=" + seriesID
	} else {
		url += "?SeriesID=" + seriesID
	}
	var out []RecordedEpisode
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, fmt.Errorf("recorded episodes for %s/%s: %w", device.DeviceID, seriesID, err)
	}
	return out, nil
}

// SetResume writes a resume position through to the recording's engine.
func (c *ApplianceClient) SetResume(ctx context.Context, cmdURL string, resumeSeconds int) error {
	if cmdURL == "" {
		return fmt.Errorf("set resume: %w: recording has no command url", models.ErrInvalidArgument)
	}
	url := fmt.Sprintf("%s&cmd=set&Resume=%d", cmdURL, resumeSeconds)
	if err := c.post(ctx, url); err != nil {
		return fmt.Errorf("set resume: %w", err)
	}
	return nil
}

// DeleteRecording removes a recording from its appliance. rerecord asks the
// engine to record the episode again when it next airs.
func (c *ApplianceClient) DeleteRecording(ctx context.Context, cmdURL string, rerecord bool) error {
	if cmdURL == "" {
		return fmt.Errorf("delete recording: %w: recording has no command url", models.ErrInvalidArgument)
	}
	flag := 0
	if rerecord {
		flag = 1
	}
	url := fmt.Sprintf("%s&cmd=delete&rerecord=%d", cmdURL, flag)
	if err := c.post(ctx, url); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// NotifyRecordingEvent tells a DVR engine to resynchronize its rules with
// the cloud immediately instead of waiting for its own poll.
func (c *ApplianceClient) NotifyRecordingEvent(ctx context.Context, device models.Device) error {
	url := strings.TrimRight(device.BaseURL, "/") + "/recording_events.post?sync"
	if err := c.post(ctx, url); err != nil {
		return fmt.Errorf("notify recording event on %s: %w", device.DeviceID, err)
	}
	return nil
}

// StreamURL builds the live stream address for a channel on a device.
func StreamURL(device models.Device, channel string) string {
	return fmt.Sprintf("http://%s:5004/auto/v%s", device.IP, channel)
}

// ProbeChannel checks that a channel can actually be tuned before a worker
// is committed to it. It opens the stream, drains a small read, and closes.
func (c *ApplianceClient) ProbeChannel(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w: %v", streamURL, models.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if err := applianceError(resp); err != nil {
		return fmt.Errorf("probe %s: %w", streamURL, err)
	}

	// A tuner can return 200 and then stall; require actual bytes.
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeReadSize))
	if err != nil && n == 0 {
		return fmt.Errorf("probe %s: %w: stream produced no data", streamURL, models.ErrUpstreamUnavailable)
	}
	return nil
}

func (c *ApplianceClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if err := applianceError(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Appliances return a bare "null" for empty collections.
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

func (c *ApplianceClient) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return applianceError(resp)
}

// applianceError maps an appliance response onto the shared error kinds.
// The vendor header wins over the HTTP status: a 503 carrying error 805
// means "all tuners busy", not "server broken".
func applianceError(resp *http.Response) error {
	if header := resp.Header.Get("X-HDHomeRun-Error"); header != "" {
		switch code := parseErrorCode(header); code {
		case errCodeAllTunersInUse:
			return fmt.Errorf("%w: %s", models.ErrNoTunersAvailable, header)
		case errCodeTunerInUse:
			return fmt.Errorf("%w: %s", models.ErrTunerBusy, header)
		case errCodeDRM:
			return fmt.Errorf("%w: %s", models.ErrDrmProtected, header)
		default:
			return fmt.Errorf("%w: appliance error %s", models.ErrUpstreamUnavailable, header)
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", models.ErrUpstreamUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func parseErrorCode(header string) int {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return 0
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return code
}
