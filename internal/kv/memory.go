package kv

import (
	"context"
	"sync"
)

// MemoryProvider implements Provider with in-process maps. It exists for
// development and tests; it is not the source of truth in any deployment
// with more than one worker process.
type MemoryProvider struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	ints   map[string]int64
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
}

// NewMemoryProvider constructs an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		blobs:  make(map[string][]byte),
		ints:   make(map[string]int64),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

// Ping always succeeds.
func (p *MemoryProvider) Ping(context.Context) error { return nil }

// Close releases nothing.
func (p *MemoryProvider) Close() error { return nil }

// Get reads a blob slot.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	val, ok := p.blobs[key]
	if !ok {
		return nil, ErrMissing
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set overwrites a blob slot.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	p.blobs[key] = cp
	return nil
}

// IncrBy adjusts a counter.
func (p *MemoryProvider) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ints[key] += delta
	return p.ints[key], nil
}

// GetInt reads a counter; absent keys read as zero.
func (p *MemoryProvider) GetInt(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ints[key], nil
}

// HSet writes hash fields.
func (p *MemoryProvider) HSet(_ context.Context, key string, fields map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		p.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

// HGet reads one hash field.
func (p *MemoryProvider) HGet(_ context.Context, key, field string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	val, ok := p.hashes[key][field]
	if !ok {
		return "", ErrMissing
	}
	return val, nil
}

// HGetAll reads a whole hash.
func (p *MemoryProvider) HGetAll(_ context.Context, key string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.hashes[key]))
	for f, v := range p.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HDel removes hash fields.
func (p *MemoryProvider) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int64
	for _, f := range fields {
		if _, ok := p.hashes[key][f]; ok {
			delete(p.hashes[key], f)
			removed++
		}
	}
	return removed, nil
}

// HLen returns the field count of a hash.
func (p *MemoryProvider) HLen(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.hashes[key])), nil
}

// SAdd inserts members.
func (p *MemoryProvider) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sets[key]
	if s == nil {
		s = make(map[string]struct{}, len(members))
		p.sets[key] = s
	}
	var added int64
	for _, m := range members {
		if _, ok := s[m]; !ok {
			s[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

// SRem removes members.
func (p *MemoryProvider) SRem(_ context.Context, key string, members ...string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := p.sets[key][m]; ok {
			delete(p.sets[key], m)
			removed++
		}
	}
	return removed, nil
}

// SCard returns set cardinality.
func (p *MemoryProvider) SCard(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.sets[key])), nil
}

// SIsMember reports membership.
func (p *MemoryProvider) SIsMember(_ context.Context, key, member string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sets[key][member]
	return ok, nil
}

// SMembers enumerates a set.
func (p *MemoryProvider) SMembers(_ context.Context, key string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sets[key]))
	for m := range p.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

// Claim pops up to n members from src and stamps them into dst under one
// lock acquisition, matching the Redis script's atomicity.
func (p *MemoryProvider) Claim(_ context.Context, src, dst string, n int64, stamp string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	srcSet := p.sets[src]
	dstHash := p.hashes[dst]
	if dstHash == nil {
		dstHash = make(map[string]string)
		p.hashes[dst] = dstHash
	}
	claimed := make([]string, 0, n)
	for m := range srcSet {
		if int64(len(claimed)) >= n {
			break
		}
		delete(srcSet, m)
		dstHash[m] = stamp
		claimed = append(claimed, m)
	}
	return claimed, nil
}
