// Package kv defines the interface for the backing key-value store.
// The pipeline's durable state is hashes, sets, counters, and one blob slot;
// every mutation the multi-worker model performs against shared state maps to
// a single atomic operation here, so application code never runs a
// read-modify-write round trip against the store.
package kv

import (
	"context"
	"errors"
)

// ErrMissing signals that the requested key or field does not exist.
var ErrMissing = errors.New("kv: missing key")

// Provider is the common interface for the backing store.
type Provider interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases client connections.
	Close() error

	// Get reads a blob slot; ErrMissing when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites a blob slot.
	Set(ctx context.Context, key string, value []byte) error

	// IncrBy adjusts an integer counter and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// GetInt reads a counter; absent keys read as zero.
	GetInt(ctx context.Context, key string) (int64, error)

	// HSet writes hash fields, overwriting existing values.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGet reads one hash field; ErrMissing when absent.
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll reads a whole hash; absent hashes read as empty.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes hash fields and returns how many existed.
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	// HLen returns the field count of a hash.
	HLen(ctx context.Context, key string) (int64, error)

	// SAdd inserts members and returns how many were newly added.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	// SRem removes members and returns how many were present.
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	// SCard returns the cardinality of a set.
	SCard(ctx context.Context, key string) (int64, error)
	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// SMembers enumerates a set. Reserved for admin paths; the hot paths
	// never enumerate the full id sets.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Claim atomically pops up to n members from the src set and inserts
	// each into the dst hash with the given stamp. No two concurrent
	// callers can receive the same member; this is the move-and-stamp
	// primitive the task queue's claim semantics depend on.
	Claim(ctx context.Context, src, dst string, n int64, stamp string) ([]string, error)
}
