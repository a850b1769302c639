// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querycache memoizes answered questions per conversational state.
package querycache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

const (
	// DefaultTTL is how long an entry is served.
	DefaultTTL = 15 * time.Minute

	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 256
)

// Entry is one cached answer.
//
// Description:
//
//	Entries are keyed by (normalized question, context fingerprint). The
//	stored Fingerprint is compared again on Get so that an entry is never
//	served under a different conversational state. SchemaVersion records
//	the schema the query was generated against.
type Entry struct {
	Query         string
	Result        *datatypes.QueryResult
	Answer        string
	Fingerprint   string
	SchemaVersion uint64
	CreatedAt     time.Time
}

func (e Entry) clone() Entry {
	e.Result = e.Result.Clone()
	return e
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
}

// Observer receives cache events, typically to feed metrics.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEviction(reason string)
}

type nopObserver struct{}

func (nopObserver) CacheHit()            {}
func (nopObserver) CacheMiss()           {}
func (nopObserver) CacheEviction(string) {}

// Cache is a thread-safe TTL + LRU cache of answered questions.
//
// Description:
//
//	Implements a fixed-size cache that evicts the least recently used
//	entry when capacity is reached and treats entries older than the TTL
//	as absent. Uses container/list for O(1) access and eviction. The cache
//	is advisory: dropping any entry at any time is always correct.
//
// Thread Safety: All methods are safe for concurrent use.
//
// Performance:
//
//	| Operation    | Complexity |
//	|--------------|------------|
//	| Get          | O(1)       |
//	| Put          | O(1)       |
//	| Delete       | O(1)       |
//	| PurgeExpired | O(n)       |
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // Front = most recent, Back = least recent
	now      func() time.Time
	observer Observer

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

type cacheItem struct {
	key   string
	entry Entry
}

// New creates a cache.
//
// Inputs:
//   - maxEntries: Capacity. Values <= 0 use DefaultMaxEntries.
//   - ttl: Entry lifetime. Values <= 0 use DefaultTTL.
//
// Outputs:
//   - *Cache: Empty cache. Never nil.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: maxEntries,
		ttl:      ttl,
		items:    make(map[string]*list.Element, maxEntries),
		order:    list.New(),
		now:      time.Now,
		observer: nopObserver{},
	}
}

// SetObserver installs an event observer. Nil restores the no-op observer.
func (c *Cache) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// NormalizeQuestion folds case and whitespace and drops trailing
// punctuation so trivially different phrasings share a key.
//
// Example:
//
//	NormalizeQuestion("  How many  Assets? ") // "how many assets"
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimRight(q, "?.! ")
}

// Key derives the cache key for a question under a fingerprint.
func Key(question, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuestion(question)))
	h.Write([]byte{0x1f})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for (question, fingerprint).
//
// Outputs:
//   - Entry: A copy whose Result may be modified freely.
//   - bool: False on miss, expiry or fingerprint mismatch.
func (c *Cache) Get(question, fingerprint string) (Entry, bool) {
	key := Key(question, fingerprint)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return c.miss()
	}
	item := elem.Value.(*cacheItem)
	if c.expired(item.entry) {
		c.removeElement(elem)
		c.expirations.Add(1)
		c.observer.CacheEviction("expired")
		return c.miss()
	}
	if item.entry.Fingerprint != fingerprint {
		return c.miss()
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	c.observer.CacheHit()
	return item.entry.clone(), true
}

// Put stores entry under (question, fingerprint), replacing any previous
// entry. Entry.Fingerprint is set to fingerprint and a zero CreatedAt is
// set to now.
func (c *Cache) Put(question, fingerprint string, entry Entry) {
	key := Key(question, fingerprint)
	entry = entry.clone()
	entry.Fingerprint = fingerprint
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheItem).entry = entry
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, entry: entry})
}

// Delete removes the entry for (question, fingerprint).
//
// Outputs:
//   - bool: True if an entry was removed.
func (c *Cache) Delete(question, fingerprint string) bool {
	key := Key(question, fingerprint)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Purge drops every entry. Counters are kept.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// PurgeExpired drops entries older than the TTL and returns how many were
// removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*cacheItem).entry) {
			c.removeElement(elem)
			c.expirations.Add(1)
			c.observer.CacheEviction("expired")
			removed++
		}
		elem = prev
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns activity counters and the current size.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.Len(),
		Capacity:    c.capacity,
	}
}

// StartJanitor purges expired entries every interval until ctx is done.
// The returned channel is closed when the janitor exits.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.PurgeExpired(); n > 0 {
					slog.Debug("Purged expired cache entries", "count", n)
				}
			}
		}
	}()
	return done
}

// miss records a miss. Caller must hold the lock.
func (c *Cache) miss() (Entry, bool) {
	c.misses.Add(1)
	c.observer.CacheMiss()
	return Entry{}, false
}

func (c *Cache) expired(e Entry) bool {
	return c.now().Sub(e.CreatedAt) >= c.ttl
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *Cache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
		c.evictions.Add(1)
		c.observer.CacheEviction("capacity")
	}
}

// removeElement removes an element from both the list and map.
// Caller must hold the lock.
func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}
