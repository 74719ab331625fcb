// Package scanner probes game servers directly over their own HTTP info
// endpoints. Direct scans bypass the rate-limited upstream entirely, so the
// only throttle here is a bound on concurrent probes.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/telemetry"
)

// Probe defaults. Game servers answer /info.json fast or not at all, so the
// timeout stays short and the fan-out wide.
const (
	DefaultTimeout     = 4 * time.Second
	DefaultConcurrency = 150

	maxBodyBytes = 4 << 20
)

// Config controls the direct prober.
type Config struct {
	Timeout     time.Duration
	Concurrency int
	UserAgent   string
}

// Prober fetches server manifests over plain HTTP.
type Prober struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Prober with a transport sized for the configured fan-out.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fxradar/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 15 * time.Second,
				}).DialContext,
				MaxIdleConns:        cfg.Concurrency,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// infoPayload mirrors the /info.json manifest a server publishes itself.
type infoPayload struct {
	Resources []string          `json:"resources"`
	Vars      map[string]string `json:"vars"`
}

// dynamicPayload mirrors /dynamic.json, which carries the live player count.
type dynamicPayload struct {
	Clients int `json:"clients"`
}

// Probe fetches one server's manifest. An unreachable or malformed server
// comes back offline with an error tag; that is still a completed scan. The
// address mapping is never touched here, offline servers keep theirs.
func (p *Prober) Probe(ctx context.Context, id, address string) radar.ScanResult {
	start := time.Now()
	result := radar.ScanResult{ServerID: id, Kind: radar.TaskScan, Address: address}

	info, err := p.fetchInfo(ctx, address)
	if err != nil {
		result.Online = false
		result.ErrorTag = string(radar.ClassifyLookupError(err))
		telemetry.ObserveScan(false, time.Since(start))
		p.logger.Debug("probe failed",
			zap.String("server_id", id),
			zap.String("address", address),
			zap.Error(err),
		)
		return result
	}

	result.Online = true
	result.Resources = info.Resources

	// Player count is best effort. A server that answers /info.json but not
	// /dynamic.json is still online.
	if dyn, err := p.fetchDynamic(ctx, address); err == nil {
		result.Players = dyn.Clients
	}

	telemetry.ObserveScan(true, time.Since(start))
	return result
}

func (p *Prober) fetchInfo(ctx context.Context, address string) (*infoPayload, error) {
	body, err := p.get(ctx, "http://"+address+"/info.json")
	if err != nil {
		return nil, err
	}
	var info infoPayload
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode info.json: %w", err)
	}
	return &info, nil
}

func (p *Prober) fetchDynamic(ctx context.Context, address string) (*dynamicPayload, error) {
	body, err := p.get(ctx, "http://"+address+"/dynamic.json")
	if err != nil {
		return nil, err
	}
	var dyn dynamicPayload
	if err := json.Unmarshal(body, &dyn); err != nil {
		return nil, fmt.Errorf("decode dynamic.json: %w", err)
	}
	return &dyn, nil
}

func (p *Prober) get(ctx context.Context, url string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read probe %s: %w", url, err)
	}
	return body, nil
}

// ProbeAll scans every task with bounded concurrency and returns one result
// per task, in task order. A task without an address is not probed; it is
// reported offline with a tag.
func (p *Prober) ProbeAll(ctx context.Context, tasks []radar.Task) []radar.ScanResult {
	results := make([]radar.ScanResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			if task.Address == "" {
				results[i] = radar.ScanResult{
					ServerID: task.ServerID,
					Kind:     radar.TaskScan,
					ErrorTag: "no_address",
				}
				return nil
			}
			results[i] = p.Probe(gctx, task.ServerID, task.Address)
			return nil
		})
	}
	// Probes never return errors, they report offline results instead.
	_ = g.Wait()
	return results
}

var _ radar.Prober = (*Prober)(nil)
