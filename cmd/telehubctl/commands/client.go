package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// errAPIFailure wraps error bodies returned by the daemon.
var errAPIFailure = errors.New("api request failed")

// Client is a thin JSON client for the telehub HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates a client rooted at base (e.g. "http://localhost:8080").
func NewClient(base string) *Client {
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// AgeInfo is the data/ping freshness pair reported per channel.
type AgeInfo struct {
	Data int64 `json:"data"`
	Ping int64 `json:"ping"`
}

// ChannelEntry is one channel as reported by /api/channels.
type ChannelEntry struct {
	ID      string  `json:"id"`
	DevID   string  `json:"devid"`
	Recv    uint64  `json:"recv"`
	Rate    int     `json:"rate"`
	Tick    int64   `json:"tick"`
	DevTick int64   `json:"devtick"`
	Elapsed int64   `json:"elapsed"`
	Age     AgeInfo `json:"age"`
	RSSI    int     `json:"rssi"`
	Flags   int     `json:"flags"`
	Parked  int     `json:"parked"`
	VIN     string  `json:"vin,omitempty"`
	IP      string  `json:"ip,omitempty"`
	Data    [][]any `json:"data,omitempty"`
}

// ChannelStats is the stats block of an /api/get response.
type ChannelStats struct {
	Tick    int64   `json:"tick"`
	DevTick int64   `json:"devtick"`
	Elapsed int64   `json:"elapsed"`
	Age     AgeInfo `json:"age"`
	RSSI    int     `json:"rssi"`
	Flags   int     `json:"flags"`
	Parked  int     `json:"parked"`
}

// GetResult is the full /api/get response.
type GetResult struct {
	Stats ChannelStats `json:"stats"`
	Data  [][]any      `json:"data"`
}

// CommandResult is the /api/command response for both dispatch and polling.
type CommandResult struct {
	Result string `json:"result"`
	Token  int    `json:"token"`
	Msg    string `json:"msg"`
	Error  string `json:"error"`
}

// Channels fetches the channel listing, optionally filtered by device id.
func (c *Client) Channels(ctx context.Context, devid string, extend, withData bool) ([]ChannelEntry, error) {
	q := url.Values{}
	if devid != "" {
		q.Set("devid", devid)
	}
	if extend {
		q.Set("extend", "1")
	}
	if withData {
		q.Set("data", "1")
	}

	if devid != "" {
		var entry ChannelEntry
		if err := c.getJSON(ctx, "/api/channels", q, &entry); err != nil {
			return nil, err
		}
		if entry.ID == "" {
			return nil, nil
		}
		return []ChannelEntry{entry}, nil
	}

	var listing struct {
		Channels []ChannelEntry `json:"channels"`
	}
	if err := c.getJSON(ctx, "/api/channels", q, &listing); err != nil {
		return nil, err
	}
	return listing.Channels, nil
}

// Get fetches the stats and latest samples of one device.
func (c *Client) Get(ctx context.Context, devid string) (*GetResult, error) {
	q := url.Values{}
	q.Set("id", devid)

	var res GetResult
	if err := c.getJSON(ctx, "/api/get", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendCommand dispatches a command to the device and returns the daemon's
// verdict (pending with a token, or failed).
func (c *Client) SendCommand(ctx context.Context, devid, cmd string) (*CommandResult, error) {
	q := url.Values{}
	q.Set("id", devid)
	q.Set("cmd", cmd)

	var res CommandResult
	if err := c.getJSON(ctx, "/api/command", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PollCommand checks the status of a previously dispatched command.
func (c *Client) PollCommand(ctx context.Context, devid string, token int) (*CommandResult, error) {
	q := url.Values{}
	q.Set("id", devid)
	q.Set("token", fmt.Sprintf("%d", token))

	var res CommandResult
	if err := c.getJSON(ctx, "/api/command", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Clear evicts the channel with the given channel id.
func (c *Client) Clear(ctx context.Context, channelID string) error {
	q := url.Values{}
	q.Set("cmd", "clear")
	q.Set("id", channelID)

	var ignored json.RawMessage
	return c.getJSON(ctx, "/api/channels", q, &ignored)
}

// getJSON issues a GET and decodes the JSON response into out. Error
// bodies ({result:"failed", error:…}) are surfaced as errors.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s", errAPIFailure, apiErr.Error)
		}
		return fmt.Errorf("%w: HTTP %d", errAPIFailure, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
