// Package dispatcher manages worker fan-out and the upstream sync loop that
// feeds the queue.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/aggregate"
	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/telemetry"
	"github.com/fxradar/fxradar/internal/worker"
)

// DefaultSyncInterval spaces upstream snapshot pulls. The full list is one
// cheap call; the per-id lookups are the expensive part.
const DefaultSyncInterval = 10 * time.Minute

// Config controls the dispatcher.
type Config struct {
	SyncInterval time.Duration
}

// Dispatcher runs the worker pool and keeps the queue fed from upstream
// snapshots.
type Dispatcher struct {
	upstream radar.Upstream
	queue    *queue.Queue
	engine   *aggregate.Engine
	kv       kv.Provider
	workers  []*worker.Worker
	cfg      Config
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	up radar.Upstream,
	q *queue.Queue,
	engine *aggregate.Engine,
	provider kv.Provider,
	workers []*worker.Worker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		upstream: up,
		queue:    q,
		engine:   engine,
		kv:       provider,
		workers:  workers,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts the workers and the sync loop, blocking until ctx finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.syncLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) syncLoop(ctx context.Context) {
	if err := d.SyncOnce(ctx); err != nil {
		d.logger.Error("initial upstream sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.SyncOnce(ctx); err != nil {
				d.logger.Error("upstream sync failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce pulls the upstream snapshot, upserts the cached server records,
// queues address work for new and stale ids, queues scans for fresh
// mappings, and drops servers that disappeared from the snapshot.
func (d *Dispatcher) SyncOnce(ctx context.Context) error {
	servers, err := d.upstream.List(ctx)
	if err != nil {
		return fmt.Errorf("pull upstream snapshot: %w", err)
	}

	current := make(map[string]struct{}, len(servers))
	records := make(map[string]string, len(servers))
	ids := make([]string, 0, len(servers))
	for _, srv := range servers {
		blob, err := json.Marshal(srv)
		if err != nil {
			return fmt.Errorf("encode server record: %w", err)
		}
		current[srv.ID] = struct{}{}
		records[srv.ID] = string(blob)
		ids = append(ids, srv.ID)
	}
	if len(records) > 0 {
		if err := d.kv.HSet(ctx, kv.KeyServers, records); err != nil {
			return fmt.Errorf("upsert server records: %w", err)
		}
	}

	removed, err := d.dropVanished(ctx, current)
	if err != nil {
		return err
	}

	summary, err := d.queue.EnqueueAddresses(ctx, ids)
	if err != nil {
		return fmt.Errorf("queue address work: %w", err)
	}
	scans, err := d.queue.EnqueueScans(ctx)
	if err != nil {
		return fmt.Errorf("queue scan work: %w", err)
	}

	if counters, err := d.queue.Stats(ctx); err == nil {
		telemetry.SetQueueDepth(radar.TaskAddress, counters.PendingAddress)
		telemetry.SetQueueDepth(radar.TaskScan, counters.PendingScan)
	}

	d.logger.Info("synced upstream snapshot",
		zap.Int("servers", len(servers)),
		zap.Int("address_added", summary.Added),
		zap.Int("address_skipped", summary.Skipped),
		zap.Int("scans_queued", scans),
		zap.Int("removed", removed),
	)
	return nil
}

// dropVanished removes ids the upstream no longer advertises. Their cached
// records, pending and in-flight work, address mappings, status counters,
// and resource attribution all go with them; a partially cleaned ghost would
// otherwise be re-queued by the scan enqueue in this same pass.
func (d *Dispatcher) dropVanished(ctx context.Context, current map[string]struct{}) (int, error) {
	known, err := d.kv.SMembers(ctx, kv.KeyKnown)
	if err != nil {
		return 0, fmt.Errorf("list known ids: %w", err)
	}
	var vanished []string
	for _, id := range known {
		if _, ok := current[id]; !ok {
			vanished = append(vanished, id)
		}
	}
	if len(vanished) == 0 {
		return 0, nil
	}

	if err := d.queue.Forget(ctx, vanished); err != nil {
		return 0, fmt.Errorf("forget vanished ids: %w", err)
	}
	for _, id := range vanished {
		if _, err := d.kv.HDel(ctx, kv.KeyServers, id); err != nil {
			return 0, fmt.Errorf("drop server record: %w", err)
		}
	}
	if d.engine != nil {
		if err := d.engine.Forget(ctx, vanished); err != nil {
			return 0, fmt.Errorf("forget vanished servers: %w", err)
		}
	}
	return len(vanished), nil
}
