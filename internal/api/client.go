// internal/api/client.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/topographica/livemap/pkg/core"
)

// ErrFetchFailed is returned for every failed snapshot fetch: transport
// errors, non-200 statuses and malformed payloads alike.
var ErrFetchFailed = errors.New("fetch failed")

// maxBody caps how much of a players.json response is read.
const maxBody = 4 << 20

// Client fetches player snapshots from the map server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client. A zero timeout falls back to 30 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PlayersURL returns the snapshot URL for a world folder name.
func (c *Client) PlayersURL(world string) string {
	return c.baseURL + "/players.json?world=" + url.QueryEscape(world)
}

// Healthcheck checks if the map server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// FetchPlayers requests the current snapshot for a world. Any failure wraps
// ErrFetchFailed.
func (c *Client) FetchPlayers(ctx context.Context, world string) (core.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PlayersURL(world), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	snap, err := DecodePlayers(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return snap, nil
}
