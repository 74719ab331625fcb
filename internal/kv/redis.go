package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// claimScript pops up to n members from the pending set and stamps each into
// the processing hash in one atomic server-side step.
var claimScript = redis.NewScript(`
local popped = redis.call('SPOP', KEYS[1], tonumber(ARGV[1]))
for _, member in ipairs(popped) do
  redis.call('HSET', KEYS[2], member, ARGV[2])
end
return popped
`)

// RedisProvider implements Provider on a Redis-compatible server.
type RedisProvider struct {
	client *redis.Client
}

// RedisConfig carries connection settings for NewRedisProvider.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(ctx context.Context, cfg RedisConfig) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("ping redis: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisProvider{client: client}, nil
}

// NewRedisProviderFromClient wraps an existing client (used in tests).
func NewRedisProviderFromClient(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

// Ping verifies the connection is alive.
func (p *RedisProvider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisProvider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// Get reads a blob slot.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set overwrites a blob slot. Keys are TTL-free; durability outlives restarts.
func (p *RedisProvider) Set(ctx context.Context, key string, value []byte) error {
	if err := p.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// IncrBy adjusts a counter.
func (p *RedisProvider) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := p.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return val, nil
}

// GetInt reads a counter; absent keys read as zero.
func (p *RedisProvider) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := p.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis getint %s: %w", key, err)
	}
	return val, nil
}

// HSet writes hash fields.
func (p *RedisProvider) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := p.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HGet reads one hash field.
func (p *RedisProvider) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := p.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMissing
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s %s: %w", key, field, err)
	}
	return val, nil
}

// HGetAll reads a whole hash.
func (p *RedisProvider) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return val, nil
}

// HDel removes hash fields.
func (p *RedisProvider) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := p.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return n, nil
}

// HLen returns the field count of a hash.
func (p *RedisProvider) HLen(ctx context.Context, key string) (int64, error) {
	n, err := p.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen %s: %w", key, err)
	}
	return n, nil
}

// SAdd inserts members.
func (p *RedisProvider) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := p.client.SAdd(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return n, nil
}

// SRem removes members.
func (p *RedisProvider) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := p.client.SRem(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis srem %s: %w", key, err)
	}
	return n, nil
}

// SCard returns set cardinality.
func (p *RedisProvider) SCard(ctx context.Context, key string) (int64, error) {
	n, err := p.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard %s: %w", key, err)
	}
	return n, nil
}

// SIsMember reports membership.
func (p *RedisProvider) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := p.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember %s: %w", key, err)
	}
	return ok, nil
}

// SMembers enumerates a set.
func (p *RedisProvider) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := p.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

// Claim runs the pop-and-stamp script.
func (p *RedisProvider) Claim(ctx context.Context, src, dst string, n int64, stamp string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	res, err := claimScript.Run(ctx, p.client, []string{src, dst}, n, stamp).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim %s->%s: %w", src, dst, err)
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("redis claim %s->%s: unexpected reply %T", src, dst, res)
	}
	members := make([]string, 0, len(raw))
	for _, m := range raw {
		s, ok := m.(string)
		if !ok {
			return nil, fmt.Errorf("redis claim %s->%s: unexpected member %T", src, dst, m)
		}
		members = append(members, s)
	}
	return members, nil
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
