// Package identity maps opaque server ids to their last known network
// address and resolution time.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/radar"
)

// DefaultFreshness is the window after which a mapping is stale and
// eligible for re-resolution.
const DefaultFreshness = 24 * time.Hour

// Store reads and writes address mappings. At most one mapping exists per
// id; Record overwrites, never appends.
type Store struct {
	kv        kv.Provider
	freshness time.Duration
}

// New constructs a Store. A non-positive freshness falls back to the default.
func New(provider kv.Provider, freshness time.Duration) *Store {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Store{kv: provider, freshness: freshness}
}

// Freshness returns the configured staleness window.
func (s *Store) Freshness() time.Duration {
	return s.freshness
}

// Record writes the resolved address for id with the given timestamp.
// Last writer wins by call completion time.
func (s *Store) Record(ctx context.Context, id, address string, at time.Time) error {
	if err := s.kv.HSet(ctx, kv.KeyAddresses, map[string]string{id: address}); err != nil {
		return fmt.Errorf("record address: %w", err)
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	if err := s.kv.HSet(ctx, kv.KeyAddressTimes, map[string]string{id: ts}); err != nil {
		return fmt.Errorf("record address time: %w", err)
	}
	return nil
}

// Lookup returns the mapping for id or radar.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (radar.AddressMapping, error) {
	addr, err := s.kv.HGet(ctx, kv.KeyAddresses, id)
	if errors.Is(err, kv.ErrMissing) {
		return radar.AddressMapping{}, radar.ErrNotFound
	}
	if err != nil {
		return radar.AddressMapping{}, fmt.Errorf("lookup address: %w", err)
	}
	mapping := radar.AddressMapping{ServerID: id, Address: addr}
	raw, err := s.kv.HGet(ctx, kv.KeyAddressTimes, id)
	if err == nil {
		if unix, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			mapping.ResolvedAt = time.Unix(unix, 0).UTC()
		}
	}
	return mapping, nil
}

// Fresh reports whether id has a mapping younger than the freshness window.
func (s *Store) Fresh(ctx context.Context, id string, now time.Time) (bool, error) {
	mapping, err := s.Lookup(ctx, id)
	if errors.Is(err, radar.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(mapping.ResolvedAt) < s.freshness, nil
}

// Forget drops id's mapping and timestamp. Used when the id no longer
// exists upstream; a missing mapping is a no-op.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.kv.HDel(ctx, kv.KeyAddresses, id); err != nil {
		return fmt.Errorf("forget address: %w", err)
	}
	if _, err := s.kv.HDel(ctx, kv.KeyAddressTimes, id); err != nil {
		return fmt.Errorf("forget address time: %w", err)
	}
	return nil
}

// ResolvedCount returns how many ids currently hold a mapping.
func (s *Store) ResolvedCount(ctx context.Context) (int64, error) {
	n, err := s.kv.HLen(ctx, kv.KeyAddresses)
	if err != nil {
		return 0, fmt.Errorf("count addresses: %w", err)
	}
	return n, nil
}
