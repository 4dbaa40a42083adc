// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache implements the Process Manager's two caches: a list cache
// keyed by provider name and a descriptor cache keyed by canonical process
// id with a secondary bare-id index, both with lazy TTL expiry.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a generic, bounded, lazily-expiring cache. Reads are
// concurrent-safe; writes to a given key are serialized by the underlying
// lock. There is no cross-entry consistency guarantee.
type TTLCache[K comparable, V any] struct {
	ttl time.Duration

	mu    sync.Mutex
	inner *lru.Cache[K, entry[V]]
}

// New constructs a TTLCache holding at most size entries, each valid for
// ttl after being written.
func New[K comparable, V any](size int, ttl time.Duration) *TTLCache[K, V] {
	if size <= 0 {
		size = 1024
	}
	inner, err := lru.New[K, entry[V]](size)
	if err != nil {
		// lru.New only fails for size <= 0, already guarded above.
		panic(err)
	}
	return &TTLCache[K, V]{ttl: ttl, inner: inner}
}

// Get returns the cached value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.inner.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.inner.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put writes value under key with the cache's configured TTL.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)})
}

// Remove evicts key, if present.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// DescriptorCache indexes values by canonical process id, with a secondary
// index from bare id to the set of canonical ids sharing it, so a write
// under one canonical id and a read by bare id stay consistent without two
// independently-expiring copies of the same entry (the split-brain the
// source's two-write-through-keys design invites).
type DescriptorCache[V any] struct {
	primary *TTLCache[string, V]

	mu        sync.Mutex
	bareIndex map[string]map[string]struct{} // bare id -> set of canonical ids
}

// NewDescriptorCache constructs a DescriptorCache with the given bound and
// TTL, applied uniformly to the primary entries.
func NewDescriptorCache[V any](size int, ttl time.Duration) *DescriptorCache[V] {
	return &DescriptorCache[V]{
		primary:   New[string, V](size, ttl),
		bareIndex: make(map[string]map[string]struct{}),
	}
}

// Put stores value under its canonical id and records it against bareID so
// GetByBare can find it.
func (c *DescriptorCache[V]) Put(canonicalID, bareID string, value V) {
	c.primary.Put(canonicalID, value)
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.bareIndex[bareID]
	if !ok {
		set = make(map[string]struct{})
		c.bareIndex[bareID] = set
	}
	set[canonicalID] = struct{}{}
}

// Get returns the descriptor stored under a canonical id.
func (c *DescriptorCache[V]) Get(canonicalID string) (V, bool) {
	return c.primary.Get(canonicalID)
}

// GetByBare returns a live descriptor registered against bareID; when
// several canonical ids share bareID, which one is returned is not defined
// and can differ between calls. It evicts any stale canonical
// entries it encounters from the bare index as it goes.
func (c *DescriptorCache[V]) GetByBare(bareID string) (V, bool) {
	c.mu.Lock()
	set, ok := c.bareIndex[bareID]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	candidates := make([]string, 0, len(set))
	for cid := range set {
		candidates = append(candidates, cid)
	}
	c.mu.Unlock()

	for _, cid := range candidates {
		if v, ok := c.primary.Get(cid); ok {
			return v, true
		}
		c.removeFromBareIndex(bareID, cid)
	}
	var zero V
	return zero, false
}

// Remove evicts canonicalID from the primary cache and from every bare-id
// entry that references it, keeping the two indexes evicted together.
func (c *DescriptorCache[V]) Remove(canonicalID, bareID string) {
	c.primary.Remove(canonicalID)
	c.removeFromBareIndex(bareID, canonicalID)
}

func (c *DescriptorCache[V]) removeFromBareIndex(bareID, canonicalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.bareIndex[bareID]; ok {
		delete(set, canonicalID)
		if len(set) == 0 {
			delete(c.bareIndex, bareID)
		}
	}
}
