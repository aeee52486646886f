package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/microstorm/bletrack/internal/httputil"
	"github.com/microstorm/bletrack/internal/monitor"
)

// Client queries a running host over HTTP.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the host at base, e.g. "http://127.0.0.1:8080".
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Stats is the /api/stats response.
type Stats struct {
	Readings         uint64 `json:"readings"`
	SkippedReadings  uint64 `json:"skipped_readings"`
	RejectedReadings uint64 `json:"rejected_readings"`
	EpochsRun        uint64 `json:"epochs_run"`
	EpochsDropped    uint64 `json:"epochs_dropped"`
	EpochsFailed     uint64 `json:"epochs_failed"`
	Resamples        uint64 `json:"resamples"`
	DegenerateResets uint64 `json:"degenerate_resets"`
	Session          string `json:"session"`
	Version          string `json:"version"`
	StreamClients    int    `json:"stream_clients"`
}

// Estimate returns the latest estimate of the host.
func (c *Client) Estimate(ctx context.Context) (monitor.Message, error) {
	var m monitor.Message
	err := c.get(ctx, "/api/estimate", &m)
	return m, err
}

// Stats returns the host counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.get(ctx, "/api/stats", &s)
	return s, err
}

// Anchors returns the per-anchor state.
func (c *Client) Anchors(ctx context.Context) ([]AnchorView, error) {
	var a []AnchorView
	err := c.get(ctx, "/api/anchors", &a)
	return a, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("GET %s: reading body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("GET %s: %s: %s", path, resp.Status, e.Error)
		}
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decoding: %w", path, err)
	}
	return nil
}
