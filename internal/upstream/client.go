// Package upstream implements the client for the master server list: the
// full snapshot endpoint and the rate-limited per-id lookup.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fxradar/fxradar/internal/radar"
)

// Config controls the upstream client.
type Config struct {
	// BaseURL is the list service root, e.g. https://servers-frontend.fivem.net/api/servers.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client talks to the master list over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// New builds a Client with a pooled transport sized for lookup bursts.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fxradar/1.0"
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// listEntry mirrors one record of the snapshot payload.
type listEntry struct {
	EndPoint string    `json:"EndPoint"`
	Data     entryData `json:"Data"`
}

type entryData struct {
	Hostname         string            `json:"hostname"`
	Clients          int               `json:"clients"`
	SvMaxclients     int               `json:"svMaxclients"`
	GameType         string            `json:"gametype"`
	MapName          string            `json:"mapname"`
	Resources        []string          `json:"resources"`
	Vars             map[string]string `json:"vars"`
	IconURI          string            `json:"iconUri"`
	ConnectEndPoints []string          `json:"connectEndPoints"`
}

// List downloads the full advertised snapshot.
func (c *Client) List(ctx context.Context) ([]radar.Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}

	var entries []listEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode server list: %w", err)
	}

	servers := make([]radar.Server, 0, len(entries))
	for _, e := range entries {
		if e.EndPoint == "" {
			continue
		}
		servers = append(servers, radar.Server{
			ID:         e.EndPoint,
			Name:       e.Data.Hostname,
			Players:    e.Data.Clients,
			MaxPlayers: e.Data.SvMaxclients,
			GameType:   e.Data.GameType,
			MapName:    e.Data.MapName,
			Resources:  e.Data.Resources,
			Vars:       e.Data.Vars,
			IconURI:    e.Data.IconURI,
			Status:     radar.StatusUnknown,
		})
	}
	return servers, nil
}

// Lookup resolves one id to its join address. The provider rate limits this
// endpoint aggressively; callers own the backoff.
func (c *Client) Lookup(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/single/"+id, nil)
	if err != nil {
		return "", fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("lookup %s: %w", id, err)
	}

	var entry listEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return "", fmt.Errorf("decode lookup %s: %w", id, err)
	}
	if len(entry.Data.ConnectEndPoints) == 0 {
		return "", fmt.Errorf("lookup %s: %w", id, radar.ErrNotFound)
	}
	return entry.Data.ConnectEndPoints[0], nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return radar.ErrRateLimited
	case code == http.StatusNotFound:
		return radar.ErrNotFound
	default:
		return &StatusError{Code: code}
	}
}

// StatusError reports an unexpected upstream HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected upstream status %d", e.Code)
}

// IsTransient reports whether the status is worth retrying.
func (e *StatusError) IsTransient() bool {
	return e.Code >= 500
}

var _ radar.Upstream = (*Client)(nil)

// IsNotFound reports whether err wraps radar.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, radar.ErrNotFound)
}
