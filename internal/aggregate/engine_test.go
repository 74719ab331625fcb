package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/radar"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newEngine(t *testing.T, hook FlushHook) (*Engine, kv.Provider) {
	t.Helper()
	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e := New(provider, clock, Config{TopK: 5, FlushAfterFolds: 100}, hook, zap.NewNop())
	return e, provider
}

func online(id string, players int, resources ...string) radar.ScanResult {
	return radar.ScanResult{
		ServerID:  id,
		Kind:      radar.TaskScan,
		Online:    true,
		Players:   players,
		Resources: resources,
	}
}

func offline(id string) radar.ScanResult {
	return radar.ScanResult{ServerID: id, Kind: radar.TaskScan, ErrorTag: "timeout"}
}

func findResource(t *testing.T, items []radar.Resource, name string) radar.Resource {
	t.Helper()
	for _, r := range items {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("resource %q not in snapshot", name)
	return radar.Resource{}
}

func TestFoldCountsServersAndPlayers(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	err := e.Fold(context.Background(), []radar.ScanResult{
		online("a", 10, "r1", "r2"),
		online("b", 5, "r1"),
	})
	require.NoError(t, err)

	snap := e.Snapshot()
	r1 := findResource(t, snap.TopResources, "r1")
	require.Equal(t, 2, r1.ServerCount)
	require.Equal(t, 15, r1.PlayerCount)

	r2 := findResource(t, snap.TopResources, "r2")
	require.Equal(t, 1, r2.ServerCount)
	require.Equal(t, 10, r2.PlayerCount)

	require.Equal(t, 2, snap.TotalServers)
	require.Equal(t, 2, snap.ServersOnline)
	require.Equal(t, 15, snap.TotalPlayers)
}

func TestFoldDeduplicatesWithinOneManifest(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	require.NoError(t, e.Fold(context.Background(), []radar.ScanResult{
		online("a", 10, "r1", "r1"),
	}))

	r1 := findResource(t, e.Snapshot().TopResources, "r1")
	require.Equal(t, 1, r1.ServerCount)
	require.Equal(t, 10, r1.PlayerCount)
}

func TestFoldFiltersShortTokens(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	require.NoError(t, e.Fold(context.Background(), []radar.ScanResult{
		online("a", 10, "x", "ok"),
	}))

	snap := e.Snapshot()
	require.Equal(t, 1, snap.TotalResources)
	require.Equal(t, "ok", snap.TopResources[0].Name)
}

func TestRescanReplacesAttribution(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{online("a", 10, "r1", "r2")}))
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{online("a", 4, "r2", "r3")}))

	snap := e.Snapshot()
	// r1 decayed to zero but the entity persists in the index.
	require.Equal(t, 3, snap.TotalResources)
	for _, r := range snap.TopResources {
		require.NotEqual(t, "r1", r.Name, "zero-count resources stay out of the ranking")
	}
	require.Equal(t, 1, findResource(t, snap.TopResources, "r2").ServerCount)
	require.Equal(t, 4, findResource(t, snap.TopResources, "r2").PlayerCount)
	require.Equal(t, 4, findResource(t, snap.TopResources, "r3").PlayerCount)
}

func TestOfflineKeepsAttribution(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{online("a", 10, "r1")}))
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{offline("a")}))

	snap := e.Snapshot()
	// Stale attribution is accepted until the next successful rescan.
	require.Equal(t, 1, findResource(t, snap.TopResources, "r1").ServerCount)
	require.Equal(t, 0, snap.ServersOnline)
	require.Equal(t, 1, snap.TotalServers)
	require.Equal(t, 0, snap.TotalPlayers)
}

func TestForgetRemovesAttribution(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{
		online("a", 10, "r1"),
		online("b", 5, "r1"),
	}))
	require.NoError(t, e.Forget(ctx, []string{"a", "missing"}))

	snap := e.Snapshot()
	require.Equal(t, 1, findResource(t, snap.TopResources, "r1").ServerCount)
	require.Equal(t, 5, findResource(t, snap.TopResources, "r1").PlayerCount)
	require.Equal(t, 1, snap.TotalServers)
}

func TestRankingOrder(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	require.NoError(t, e.Fold(context.Background(), []radar.ScanResult{
		online("a", 50, "common", "alpha"),
		online("b", 10, "common", "beta"),
		online("c", 10, "beta"),
	}))

	snap := e.Snapshot()
	require.Equal(t, "common", snap.TopResources[0].Name)
	require.Equal(t, "beta", snap.TopResources[1].Name, "ties break by player count")
	require.Equal(t, "alpha", snap.TopResources[2].Name)
}

func TestTopKTruncation(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	results := []radar.ScanResult{
		online("a", 1, "res-one", "res-two", "res-three", "res-four", "res-five", "res-six", "res-seven"),
	}
	require.NoError(t, e.Fold(context.Background(), results))

	snap := e.Snapshot()
	require.Len(t, snap.TopResources, 5)
	require.Equal(t, 7, snap.TotalResources)
}

func TestFlushThresholdTriggersPersist(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	flushes := 0
	e := New(provider, clock, Config{TopK: 5, FlushAfterFolds: 2}, func(context.Context, radar.Snapshot) {
		flushes++
	}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, e.Fold(ctx, []radar.ScanResult{online("a", 1, "r1")}))
	require.Zero(t, flushes)
	_, err := provider.Get(ctx, kv.KeySnapshot)
	require.ErrorIs(t, err, kv.ErrMissing)

	require.NoError(t, e.Fold(ctx, []radar.ScanResult{online("b", 1, "r1")}))
	require.Equal(t, 1, flushes)
	_, err = provider.Get(ctx, kv.KeySnapshot)
	require.NoError(t, err)
}

func TestRestoreRebuildsIndex(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	first := New(provider, clock, Config{}, nil, zap.NewNop())
	require.NoError(t, first.Fold(ctx, []radar.ScanResult{
		online("a", 10, "r1", "r2"),
		online("b", 5, "r1"),
	}))
	require.NoError(t, first.Fold(ctx, []radar.ScanResult{online("a", 4, "r2")}))
	require.NoError(t, first.Flush(ctx))

	second := New(provider, clock, Config{}, nil, zap.NewNop())
	require.NoError(t, second.Restore(ctx))

	snap := second.Snapshot()
	require.Equal(t, 1, findResource(t, snap.TopResources, "r1").ServerCount)
	require.Equal(t, 5, findResource(t, snap.TopResources, "r1").PlayerCount)
	require.Equal(t, 1, findResource(t, snap.TopResources, "r2").ServerCount)
	require.Equal(t, 2, snap.TotalResources)

	// Diffing still works after restore: a rescan of b replaces its counts.
	require.NoError(t, second.Fold(ctx, []radar.ScanResult{online("b", 3, "r2")}))
	snap = second.Snapshot()
	for _, r := range snap.TopResources {
		require.NotEqual(t, "r1", r.Name)
	}
	require.Equal(t, 2, findResource(t, snap.TopResources, "r2").ServerCount)
}

func TestRestoreMissingBlobIsFreshStart(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	require.NoError(t, e.Restore(context.Background()))
	require.Zero(t, e.Snapshot().TotalServers)
}

func TestSearchResourcesPagination(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, nil)
	require.NoError(t, e.Fold(context.Background(), []radar.ScanResult{
		online("a", 1, "esx_menu", "esx_jobs", "mysql-async", "chat"),
	}))

	page, total := e.SearchResources("esx", 1, 0)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)

	rest, total := e.SearchResources("esx", 10, 1)
	require.Equal(t, 2, total)
	require.Len(t, rest, 1)
	require.NotEqual(t, page[0].Name, rest[0].Name)

	none, total := e.SearchResources("esx", 10, 5)
	require.Zero(t, len(none))
	require.Equal(t, 2, total)
}
