package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// providers returns both implementations so every behavior is asserted
// against the memory store and a real Redis protocol server.
func providers(t *testing.T) map[string]Provider {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Provider{
		"memory": NewMemoryProvider(),
		"redis":  NewRedisProviderFromClient(client),
	}
}

func TestBlobRoundTrip(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := p.Get(ctx, "snapshot")
			require.ErrorIs(t, err, ErrMissing)

			require.NoError(t, p.Set(ctx, "snapshot", []byte(`{"top":[]}`)))
			got, err := p.Get(ctx, "snapshot")
			require.NoError(t, err)
			require.Equal(t, []byte(`{"top":[]}`), got)
		})
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			val, err := p.GetInt(ctx, "counter")
			require.NoError(t, err)
			require.Zero(t, val)

			val, err = p.IncrBy(ctx, "counter", 5)
			require.NoError(t, err)
			require.EqualValues(t, 5, val)

			val, err = p.IncrBy(ctx, "counter", -2)
			require.NoError(t, err)
			require.EqualValues(t, 3, val)

			val, err = p.GetInt(ctx, "counter")
			require.NoError(t, err)
			require.EqualValues(t, 3, val)
		})
	}
}

func TestHashOperations(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.HSet(ctx, "addrs", map[string]string{
				"a": "1.2.3.4:30120",
				"b": "5.6.7.8:30120",
			}))

			got, err := p.HGet(ctx, "addrs", "a")
			require.NoError(t, err)
			require.Equal(t, "1.2.3.4:30120", got)

			_, err = p.HGet(ctx, "addrs", "missing")
			require.ErrorIs(t, err, ErrMissing)

			all, err := p.HGetAll(ctx, "addrs")
			require.NoError(t, err)
			require.Len(t, all, 2)

			n, err := p.HLen(ctx, "addrs")
			require.NoError(t, err)
			require.EqualValues(t, 2, n)

			removed, err := p.HDel(ctx, "addrs", "a", "missing")
			require.NoError(t, err)
			require.EqualValues(t, 1, removed)
		})
	}
}

func TestSetOperations(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			added, err := p.SAdd(ctx, "pending", "a", "b", "c")
			require.NoError(t, err)
			require.EqualValues(t, 3, added)

			// Re-adding existing members is a no-op.
			added, err = p.SAdd(ctx, "pending", "a", "d")
			require.NoError(t, err)
			require.EqualValues(t, 1, added)

			ok, err := p.SIsMember(ctx, "pending", "b")
			require.NoError(t, err)
			require.True(t, ok)

			removed, err := p.SRem(ctx, "pending", "b", "zzz")
			require.NoError(t, err)
			require.EqualValues(t, 1, removed)

			n, err := p.SCard(ctx, "pending")
			require.NoError(t, err)
			require.EqualValues(t, 3, n)

			members, err := p.SMembers(ctx, "pending")
			require.NoError(t, err)
			sort.Strings(members)
			require.Equal(t, []string{"a", "c", "d"}, members)
		})
	}
}

func TestClaimMovesAndStamps(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := p.SAdd(ctx, "pending", "a", "b", "c")
			require.NoError(t, err)

			claimed, err := p.Claim(ctx, "pending", "processing", 2, "scan|w1|12345")
			require.NoError(t, err)
			require.Len(t, claimed, 2)

			for _, id := range claimed {
				stamp, err := p.HGet(ctx, "processing", id)
				require.NoError(t, err)
				require.Equal(t, "scan|w1|12345", stamp)

				ok, err := p.SIsMember(ctx, "pending", id)
				require.NoError(t, err)
				require.False(t, ok)
			}

			remaining, err := p.SCard(ctx, "pending")
			require.NoError(t, err)
			require.EqualValues(t, 1, remaining)

			// Asking for more than remains returns what is left, not an error.
			claimed, err = p.Claim(ctx, "pending", "processing", 10, "scan|w2|12345")
			require.NoError(t, err)
			require.Len(t, claimed, 1)

			claimed, err = p.Claim(ctx, "pending", "processing", 10, "scan|w3|12345")
			require.NoError(t, err)
			require.Empty(t, claimed)
		})
	}
}

// TestClaimNoDoubleClaim drives concurrent claimers against one pending set
// and asserts the returned id sets never intersect.
func TestClaimNoDoubleClaim(t *testing.T) {
	t.Parallel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := make([]string, 0, 200)
			for i := 0; i < 200; i++ {
				ids = append(ids, fmt.Sprintf("srv-%03d", i))
			}
			_, err := p.SAdd(ctx, "pending", ids...)
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						claimed, err := p.Claim(ctx, "pending", "processing", 7, "addr|w|1")
						if err != nil || len(claimed) == 0 {
							return
						}
						mu.Lock()
						for _, id := range claimed {
							seen[id]++
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			for id, count := range seen {
				require.Equalf(t, 1, count, "id %s claimed %d times", id, count)
			}
			require.Len(t, seen, len(ids))
		})
	}
}
