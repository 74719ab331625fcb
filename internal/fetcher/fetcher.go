// Package fetcher resolves address tasks against the upstream lookup
// endpoint. Batches run in small throttled chunks and the delay between
// batches adapts to how the upstream is responding.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/telemetry"
)

// Batch shape defaults.
const (
	DefaultBatchSize     = 30
	DefaultChunkSize     = 10
	DefaultChunkInterval = 500 * time.Millisecond
	DefaultLookupTimeout = 10 * time.Second
)

// Config controls batch resolution.
type Config struct {
	// BatchSize caps how many tasks one ResolveBatch call will touch.
	BatchSize int
	// ChunkSize is how many lookups run between throttle waits.
	ChunkSize int
	// ChunkInterval is the minimum spacing between chunks.
	ChunkInterval time.Duration
	// LookupTimeout bounds each individual upstream call.
	LookupTimeout time.Duration
	Backoff       BackoffConfig
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
}

// Fetcher turns claimed address tasks into submit-ready results.
type Fetcher struct {
	upstream radar.Upstream
	backoff  *Backoff
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
}

// New builds a Fetcher. The limiter spaces chunks; the backoff controller
// spaces batches.
func New(up radar.Upstream, cfg Config, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		upstream: up,
		backoff:  NewBackoff(cfg.Backoff),
		limiter:  rate.NewLimiter(rate.Every(cfg.ChunkInterval), 1),
		cfg:      cfg,
		logger:   logger,
	}
}

// ResolveBatch looks up every task and returns one result per task, in task
// order. Failed lookups come back with an empty address and an error tag so
// the queue can requeue or park them. The only error return is context
// cancellation mid-batch.
func (f *Fetcher) ResolveBatch(ctx context.Context, tasks []radar.Task) ([]radar.ScanResult, error) {
	if len(tasks) > f.cfg.BatchSize {
		tasks = tasks[:f.cfg.BatchSize]
	}

	results := make([]radar.ScanResult, len(tasks))
	outcomes := make([]radar.Outcome, len(tasks))

	for start := 0; start < len(tasks); start += f.cfg.ChunkSize {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("chunk throttle: %w", err)
		}
		end := min(start+f.cfg.ChunkSize, len(tasks))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], outcomes[i] = f.resolveOne(ctx, tasks[i])
			}(i)
		}
		wg.Wait()
	}

	delay := f.backoff.Observe(outcomes)
	telemetry.SetLookupDelay(delay)
	f.logger.Debug("resolved lookup batch",
		zap.Int("tasks", len(tasks)),
		zap.Duration("next_delay", delay),
	)
	return results, nil
}

func (f *Fetcher) resolveOne(ctx context.Context, task radar.Task) (radar.ScanResult, radar.Outcome) {
	cctx, cancel := context.WithTimeout(ctx, f.cfg.LookupTimeout)
	defer cancel()

	result := radar.ScanResult{ServerID: task.ServerID, Kind: radar.TaskAddress}

	addr, err := f.upstream.Lookup(cctx, task.ServerID)
	if err != nil {
		outcome := radar.ClassifyLookupError(err)
		telemetry.ObserveLookup(outcome)
		result.ErrorTag = string(outcome)
		f.logger.Debug("lookup failed",
			zap.String("server_id", task.ServerID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return result, outcome
	}

	result.Address = addr
	telemetry.ObserveLookup(radar.OutcomeSuccess)
	return result, radar.OutcomeSuccess
}

// Delay returns the current inter-batch delay.
func (f *Fetcher) Delay() time.Duration {
	return f.backoff.Delay()
}

// Pause sleeps for the current inter-batch delay or until ctx is done.
func (f *Fetcher) Pause(ctx context.Context) error {
	t := time.NewTimer(f.backoff.Delay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
