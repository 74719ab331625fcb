// Package aggregate maintains the resource ranking index: scan results fold
// into per-resource server and player counts, and a pre-sorted top-K slice is
// materialized periodically so the read path never sorts the full index.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/telemetry"
)

// Materialization defaults.
const (
	DefaultTopK            = 100
	DefaultFlushAfterFolds = 32
	DefaultFlushInterval   = 2 * time.Second
	minResourceNameLength  = 2
	persistTimeoutOnStop   = 5 * time.Second
)

// Config controls ranking and flush coalescing.
type Config struct {
	// TopK is how many ranked resources the materialized snapshot carries.
	TopK int
	// FlushAfterFolds forces a flush once this many results have folded
	// since the last one.
	FlushAfterFolds int
	// FlushInterval bounds how long a dirty index can go unflushed.
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.FlushAfterFolds <= 0 {
		c.FlushAfterFolds = DefaultFlushAfterFolds
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

// FlushHook runs after each materialized snapshot write. The composition
// root hangs notification and archival on it.
type FlushHook func(ctx context.Context, snap radar.Snapshot)

type resourceCounts struct {
	Servers int `json:"servers"`
	Players int `json:"players"`
}

// serverState is one server's current contribution to the index.
type serverState struct {
	Resources []string           `json:"resources,omitempty"`
	Players   int                `json:"players"`
	Status    radar.ServerStatus `json:"status"`
}

// persistedState is the durable blob. Per-server attribution is the source
// the index rebuilds from after a restart; resource names with zero counts
// are kept so the entities survive server churn.
type persistedState struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Servers     map[string]serverState `json:"servers"`
	Resources   []string               `json:"resources"`
	Snapshot    radar.Snapshot         `json:"snapshot"`
}

// Engine folds scan results and serves the materialized projection.
type Engine struct {
	mu      sync.Mutex
	index   map[string]*resourceCounts
	servers map[string]serverState
	dirty   bool
	folded  int

	snap atomic.Pointer[radar.Snapshot]

	kv     kv.Provider
	clock  radar.Clock
	cfg    Config
	hook   FlushHook
	logger *zap.Logger
}

// New constructs an empty Engine. hook may be nil.
func New(provider kv.Provider, clock radar.Clock, cfg Config, hook FlushHook, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		index:   make(map[string]*resourceCounts),
		servers: make(map[string]serverState),
		kv:      provider,
		clock:   clock,
		cfg:     cfg,
		hook:    hook,
		logger:  logger,
	}
}

// Fold applies a batch of scan results. An online result replaces the
// server's previous attribution wholesale, so a rescan corrects any stale
// counts it left behind. An offline result only marks status; the counts it
// contributed stay until the server is rescanned or forgotten.
func (e *Engine) Fold(ctx context.Context, results []radar.ScanResult) error {
	e.mu.Lock()
	for _, res := range results {
		prev := e.servers[res.ServerID]
		if !res.Online {
			prev.Status = radar.StatusOffline
			e.servers[res.ServerID] = prev
			continue
		}
		manifest := filterManifest(res.Resources)
		e.detach(prev)
		for _, name := range manifest {
			c := e.index[name]
			if c == nil {
				c = &resourceCounts{}
				e.index[name] = c
			}
			c.Servers++
			c.Players += res.Players
		}
		e.servers[res.ServerID] = serverState{
			Resources: manifest,
			Players:   res.Players,
			Status:    radar.StatusOnline,
		}
	}
	e.dirty = true
	e.folded += len(results)
	needFlush := e.folded >= e.cfg.FlushAfterFolds
	e.mu.Unlock()

	if needFlush {
		return e.Flush(ctx)
	}
	return nil
}

// Forget drops servers that disappeared from the upstream snapshot, removing
// their attribution from the index.
func (e *Engine) Forget(ctx context.Context, ids []string) error {
	e.mu.Lock()
	changed := false
	for _, id := range ids {
		prev, ok := e.servers[id]
		if !ok {
			continue
		}
		e.detach(prev)
		delete(e.servers, id)
		changed = true
	}
	if changed {
		e.dirty = true
	}
	e.mu.Unlock()

	if changed {
		return e.Flush(ctx)
	}
	return nil
}

// detach removes one server's previous contribution. Counts decay to zero
// but the resource entry itself persists. Caller holds the lock.
func (e *Engine) detach(prev serverState) {
	for _, name := range prev.Resources {
		if c := e.index[name]; c != nil {
			c.Servers--
			c.Players -= prev.Players
		}
	}
}

// Snapshot returns the last materialized projection. Before the first flush
// it materializes on demand.
func (e *Engine) Snapshot() radar.Snapshot {
	if snap := e.snap.Load(); snap != nil {
		return *snap
	}
	e.mu.Lock()
	snap := e.materialize()
	e.mu.Unlock()
	e.snap.Store(&snap)
	return snap
}

// Flush materializes the projection, persists the durable blob, and runs the
// flush hook. Safe to call on a clean engine; it still rewrites the blob.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	snap := e.materialize()
	blob, err := json.Marshal(e.persisted(snap))
	e.dirty = false
	e.folded = 0
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode aggregate state: %w", err)
	}
	e.snap.Store(&snap)

	if err := e.kv.Set(ctx, kv.KeySnapshot, blob); err != nil {
		return fmt.Errorf("persist aggregate state: %w", err)
	}
	telemetry.ObserveSnapshotFlush()
	e.logger.Debug("flushed aggregate snapshot",
		zap.Int("top_resources", len(snap.TopResources)),
		zap.Int("total_resources", snap.TotalResources),
	)
	if e.hook != nil {
		e.hook(ctx, snap)
	}
	return nil
}

// Run owns the coalescing timer: a dirty index is flushed at least every
// FlushInterval even when the fold threshold is never reached. Returns when
// ctx is canceled, after a final flush of any dirty state.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			dirty := e.dirty
			e.mu.Unlock()
			if dirty {
				fctx, cancel := context.WithTimeout(context.Background(), persistTimeoutOnStop)
				defer cancel()
				if err := e.Flush(fctx); err != nil {
					e.logger.Warn("final aggregate flush failed", zap.Error(err))
				}
			}
			return ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			dirty := e.dirty
			e.mu.Unlock()
			if !dirty {
				continue
			}
			if err := e.Flush(ctx); err != nil {
				e.logger.Warn("periodic aggregate flush failed", zap.Error(err))
			}
		}
	}
}

// Restore loads the durable blob and rebuilds the index from per-server
// attribution. A missing blob is a fresh start, not an error.
func (e *Engine) Restore(ctx context.Context) error {
	blob, err := e.kv.Get(ctx, kv.KeySnapshot)
	if errors.Is(err, kv.ErrMissing) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load aggregate state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode aggregate state: %w", err)
	}

	e.mu.Lock()
	e.index = make(map[string]*resourceCounts, len(state.Resources))
	for _, name := range state.Resources {
		e.index[name] = &resourceCounts{}
	}
	e.servers = state.Servers
	if e.servers == nil {
		e.servers = make(map[string]serverState)
	}
	for _, srv := range e.servers {
		for _, name := range srv.Resources {
			c := e.index[name]
			if c == nil {
				c = &resourceCounts{}
				e.index[name] = c
			}
			c.Servers++
			c.Players += srv.Players
		}
	}
	snap := state.Snapshot
	e.mu.Unlock()

	e.snap.Store(&snap)
	e.logger.Info("restored aggregate state",
		zap.Int("servers", len(state.Servers)),
		zap.Int("resources", len(state.Resources)),
	)
	return nil
}

// SearchResources returns ranked resources whose name contains q, paginated.
// This walks the full index, so it is for the search endpoint, not the hot
// read path.
func (e *Engine) SearchResources(q string, limit, offset int) ([]radar.Resource, int) {
	e.mu.Lock()
	matches := make([]radar.Resource, 0, 64)
	for name, c := range e.index {
		if q != "" && !containsFold(name, q) {
			continue
		}
		matches = append(matches, radar.Resource{
			Name:        name,
			ServerCount: c.Servers,
			PlayerCount: c.Players,
		})
	}
	e.mu.Unlock()

	sortRanked(matches)
	total := len(matches)
	if offset >= total {
		return []radar.Resource{}, total
	}
	end := min(offset+limit, total)
	return matches[offset:end], total
}

// materialize computes the snapshot. Caller holds the lock.
func (e *Engine) materialize() radar.Snapshot {
	ranked := make([]radar.Resource, 0, len(e.index))
	for name, c := range e.index {
		if c.Servers <= 0 {
			continue
		}
		ranked = append(ranked, radar.Resource{
			Name:        name,
			ServerCount: c.Servers,
			PlayerCount: c.Players,
		})
	}
	sortRanked(ranked)
	if len(ranked) > e.cfg.TopK {
		ranked = ranked[:e.cfg.TopK]
	}

	online := 0
	players := 0
	for _, srv := range e.servers {
		if srv.Status == radar.StatusOnline {
			online++
			players += srv.Players
		}
	}
	return radar.Snapshot{
		GeneratedAt:    e.clock.Now(),
		TopResources:   ranked,
		TotalResources: len(e.index),
		TotalServers:   len(e.servers),
		ServersOnline:  online,
		TotalPlayers:   players,
	}
}

// persisted builds the durable blob contents. Caller holds the lock.
func (e *Engine) persisted(snap radar.Snapshot) persistedState {
	names := make([]string, 0, len(e.index))
	for name := range e.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return persistedState{
		GeneratedAt: snap.GeneratedAt,
		Servers:     e.servers,
		Resources:   names,
		Snapshot:    snap,
	}
}

// filterManifest drops noise tokens and duplicate names from one manifest.
// Duplicates must not double count a server.
func filterManifest(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if len(name) < minResourceNameLength {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// sortRanked orders by server count desc, player count desc, then name asc.
func sortRanked(items []radar.Resource) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ServerCount != b.ServerCount {
			return a.ServerCount > b.ServerCount
		}
		if a.PlayerCount != b.PlayerCount {
			return a.PlayerCount > b.PlayerCount
		}
		return a.Name < b.Name
	})
}
