package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/aggregate"
	"github.com/fxradar/fxradar/internal/identity"
	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/radar"
)

type fakeUpstream struct {
	mu      sync.Mutex
	servers []radar.Server
}

func (f *fakeUpstream) List(context.Context) ([]radar.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers, nil
}

func (f *fakeUpstream) Lookup(context.Context, string) (string, error) {
	return "", radar.ErrNotFound
}

func (f *fakeUpstream) set(servers []radar.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = servers
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSyncOnceUpsertsAndQueues(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ident := identity.New(provider, 0)
	engine := aggregate.New(provider, clock, aggregate.Config{}, nil, zap.NewNop())
	q := queue.New(provider, ident, engine, clock, queue.Config{}, zap.NewNop())
	up := &fakeUpstream{servers: []radar.Server{
		{ID: "aaa", Name: "Alpha RP", Players: 30},
		{ID: "bbb", Name: "Beta Freeroam", Players: 5},
	}}

	d := New(up, q, engine, provider, nil, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, d.SyncOnce(ctx))

	raw, err := provider.HGet(ctx, kv.KeyServers, "aaa")
	require.NoError(t, err)
	var srv radar.Server
	require.NoError(t, json.Unmarshal([]byte(raw), &srv))
	require.Equal(t, "Alpha RP", srv.Name)

	counters, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counters.Known)
	require.Equal(t, int64(2), counters.PendingAddress)
	require.Zero(t, counters.PendingScan)
}

func TestSyncOnceQueuesScansForFreshMappings(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ident := identity.New(provider, 0)
	engine := aggregate.New(provider, clock, aggregate.Config{}, nil, zap.NewNop())
	q := queue.New(provider, ident, engine, clock, queue.Config{}, zap.NewNop())
	up := &fakeUpstream{servers: []radar.Server{{ID: "aaa"}}}

	require.NoError(t, ident.Record(context.Background(), "aaa", "198.51.100.1:30120", clock.Now()))

	d := New(up, q, engine, provider, nil, Config{}, zap.NewNop())
	require.NoError(t, d.SyncOnce(context.Background()))

	counters, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, counters.PendingAddress, "fresh mapping needs no address work")
	require.Equal(t, int64(1), counters.PendingScan)
}

func TestSyncOnceDropsVanishedServers(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ident := identity.New(provider, 0)
	engine := aggregate.New(provider, clock, aggregate.Config{}, nil, zap.NewNop())
	q := queue.New(provider, ident, engine, clock, queue.Config{}, zap.NewNop())
	up := &fakeUpstream{servers: []radar.Server{{ID: "aaa"}, {ID: "bbb"}}}

	d := New(up, q, engine, provider, nil, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, d.SyncOnce(ctx))

	// Attribute some resources to bbb, then drop it from the snapshot.
	require.NoError(t, engine.Fold(ctx, []radar.ScanResult{{
		ServerID: "bbb", Kind: radar.TaskScan, Online: true, Players: 5, Resources: []string{"chat"},
	}}))
	up.set([]radar.Server{{ID: "aaa"}})
	require.NoError(t, d.SyncOnce(ctx))

	counters, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counters.Known)

	_, err = provider.HGet(ctx, kv.KeyServers, "bbb")
	require.ErrorIs(t, err, kv.ErrMissing)

	snap := engine.Snapshot()
	require.Zero(t, snap.TotalServers)

	// aaa is still pending address work, bbb's pending entry is gone.
	require.Equal(t, int64(1), counters.PendingAddress)
}

// A dropped server must take its address mapping and status with it;
// otherwise the scan enqueue in the same sync pass would re-queue the id and
// the next fold would resurrect it in the aggregates.
func TestSyncOnceVanishedServerStaysGone(t *testing.T) {
	t.Parallel()

	provider := kv.NewMemoryProvider()
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ident := identity.New(provider, 0)
	engine := aggregate.New(provider, clock, aggregate.Config{}, nil, zap.NewNop())
	q := queue.New(provider, ident, engine, clock, queue.Config{}, zap.NewNop())
	up := &fakeUpstream{servers: []radar.Server{{ID: "aaa"}, {ID: "bbb"}}}

	d := New(up, q, engine, provider, nil, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, d.SyncOnce(ctx))

	// bbb resolves and completes one online scan through the queue.
	tasks, err := q.ClaimBatch(ctx, "w1", radar.TaskAddress, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	_, err = q.SubmitResults(ctx, []radar.ScanResult{
		{ServerID: "aaa", Kind: radar.TaskAddress, Address: "198.51.100.1:30120"},
		{ServerID: "bbb", Kind: radar.TaskAddress, Address: "198.51.100.2:30120"},
	})
	require.NoError(t, err)
	require.NoError(t, d.SyncOnce(ctx))
	tasks, err = q.ClaimBatch(ctx, "w1", radar.TaskScan, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	_, err = q.SubmitResults(ctx, []radar.ScanResult{
		{ServerID: "aaa", Kind: radar.TaskScan, Online: true, Players: 3, Resources: []string{"chat"}},
		{ServerID: "bbb", Kind: radar.TaskScan, Online: true, Players: 5, Resources: []string{"chat"}},
	})
	require.NoError(t, err)

	up.set([]radar.Server{{ID: "aaa"}})
	require.NoError(t, d.SyncOnce(ctx))

	pending, err := provider.SIsMember(ctx, kv.KeyPendingScan, "bbb")
	require.NoError(t, err)
	require.False(t, pending, "vanished server must not be re-queued for scanning")

	_, err = ident.Lookup(ctx, "bbb")
	require.ErrorIs(t, err, radar.ErrNotFound)

	counters, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counters.Known)
	require.Equal(t, int64(1), counters.Online, "status counter keeps only surviving ids")

	snap := engine.Snapshot()
	require.Equal(t, 1, snap.TotalServers)
	require.Equal(t, 3, snap.TotalPlayers)

	// Later passes find nothing left to drag back in.
	require.NoError(t, d.SyncOnce(ctx))
	pending, err = provider.SIsMember(ctx, kv.KeyPendingScan, "bbb")
	require.NoError(t, err)
	require.False(t, pending)
}
