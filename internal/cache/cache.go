// Package cache is a TTL'd read-through projection of cached server records.
// The KV store stays authoritative; entries here only save the read path a
// round trip and expire on their own.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/radar"
)

// Cache defaults.
const (
	DefaultSize = 2048
	DefaultTTL  = 30 * time.Second
)

// ServerCache resolves server details by id, merging the cached upstream
// record with the live status and address hashes.
type ServerCache struct {
	lru *expirable.LRU[string, radar.Server]
	kv  kv.Provider
}

// New builds a ServerCache.
func New(provider kv.Provider, size int, ttl time.Duration) *ServerCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ServerCache{
		lru: expirable.NewLRU[string, radar.Server](size, nil, ttl),
		kv:  provider,
	}
}

// Get returns one server's merged record. Unknown ids map to
// radar.ErrNotFound.
func (c *ServerCache) Get(ctx context.Context, id string) (radar.Server, error) {
	if srv, ok := c.lru.Get(id); ok {
		return srv, nil
	}
	srv, err := c.load(ctx, id)
	if err != nil {
		return radar.Server{}, err
	}
	c.lru.Add(id, srv)
	return srv, nil
}

// Invalidate drops one id from the projection.
func (c *ServerCache) Invalidate(id string) {
	c.lru.Remove(id)
}

func (c *ServerCache) load(ctx context.Context, id string) (radar.Server, error) {
	raw, err := c.kv.HGet(ctx, kv.KeyServers, id)
	if errors.Is(err, kv.ErrMissing) {
		return radar.Server{}, radar.ErrNotFound
	}
	if err != nil {
		return radar.Server{}, fmt.Errorf("load server record: %w", err)
	}
	var srv radar.Server
	if err := json.Unmarshal([]byte(raw), &srv); err != nil {
		return radar.Server{}, fmt.Errorf("decode server record: %w", err)
	}
	if status, err := c.kv.HGet(ctx, kv.KeyStatus, id); err == nil {
		srv.Status = radar.ServerStatus(status)
	}
	if addr, err := c.kv.HGet(ctx, kv.KeyAddresses, id); err == nil {
		srv.Address = addr
	}
	return srv, nil
}

// All returns every cached server record with statuses and addresses merged
// in. It reads the store directly; search results should not lag behind the
// projection TTL.
func (c *ServerCache) All(ctx context.Context) ([]radar.Server, error) {
	records, err := c.kv.HGetAll(ctx, kv.KeyServers)
	if err != nil {
		return nil, fmt.Errorf("list server records: %w", err)
	}
	statuses, err := c.kv.HGetAll(ctx, kv.KeyStatus)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	addresses, err := c.kv.HGetAll(ctx, kv.KeyAddresses)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}

	servers := make([]radar.Server, 0, len(records))
	for id, raw := range records {
		var srv radar.Server
		if err := json.Unmarshal([]byte(raw), &srv); err != nil {
			continue
		}
		if status, ok := statuses[id]; ok {
			srv.Status = radar.ServerStatus(status)
		}
		if addr, ok := addresses[id]; ok {
			srv.Address = addr
		}
		servers = append(servers, srv)
	}
	return servers, nil
}
