// Package session tracks the remote agent thread belonging to each
// conversation. The cache is bounded by entry count and TTL; entries removed
// by expiry or LRU eviction schedule a best-effort, fire-and-forget deletion
// of the remote thread so server-side sessions are not leaked when local
// tracking forgets them.
package session

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// cleanupTimeout bounds a single remote thread deletion attempt.
const cleanupTimeout = 30 * time.Second

// ThreadDeleter releases a remote agent thread. Implemented by the agent
// platform client; failures are logged by the cache and never propagated.
type ThreadDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

// entry is the value stored in the LRU list elements. The key is kept here
// because eviction starts from list nodes.
type entry struct {
	key       string
	threadID  string
	expiresAt time.Time
}

// Cache is a concurrency-safe conversation-id -> thread-id map with TTL and
// LRU eviction. A map gives O(1) lookup; a doubly-linked list maintains
// recency ordering (front = most recently used).
//
// Capacity and TTL are fixed at construction. The deleter is bound lazily
// via BindDeleter once the agent client exists; until then, evictions skip
// remote cleanup silently.
type Cache struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List

	maxSize int
	ttl     time.Duration
	now     func() time.Time

	deleter atomic.Pointer[deleterBox]

	hits            atomic.Int64
	misses          atomic.Int64
	evictions       atomic.Int64
	cleanupFailures atomic.Int64
}

// deleterBox wraps the interface so it fits in an atomic.Pointer.
type deleterBox struct{ d ThreadDeleter }

// New creates a session cache holding at most maxSize entries, each living
// at most ttl from its last write.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// BindDeleter attaches the remote cleanup handle. Safe to call concurrently;
// the last bound deleter wins. Entries evicted before any deleter is bound
// are removed locally without remote cleanup.
func (c *Cache) BindDeleter(d ThreadDeleter) {
	c.deleter.Store(&deleterBox{d: d})
}

// Get returns the thread id for key, refreshing its recency. Expired entries
// are treated as absent and scheduled for remote cleanup.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el, true)
		c.misses.Add(1)
		return "", false
	}
	c.lru.MoveToFront(el)
	c.hits.Add(1)
	return e.threadID, true
}

// Set inserts or overwrites the thread id for key. An overwrite refreshes TTL
// and recency without cleaning up the previous value (last-write-wins). When
// the insert exceeds capacity, the least recently used entry is evicted and
// its thread scheduled for remote cleanup. Set never fails; internal cleanup
// errors are swallowed and logged.
func (c *Cache) Set(key, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpiredLocked()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.threadID = threadID
		e.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{
		key:       key,
		threadID:  threadID,
		expiresAt: c.now().Add(c.ttl),
	})
	c.items[key] = el

	for len(c.items) > c.maxSize {
		if back := c.lru.Back(); back != nil {
			c.removeLocked(back, true)
		}
	}
}

// Pop removes and returns the entry for key without scheduling remote
// cleanup: the caller takes ownership of the thread (used to relabel an
// unusable session for later cleanup rather than immediate deletion).
func (c *Cache) Pop(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el, true)
		return "", false
	}
	c.removeLocked(el, false)
	return e.threadID, true
}

// MarkCorrupt pops key and reinserts its thread under a synthetic
// "{key}_corrupt_{n}" key, so a session deemed unusable still receives
// eventual remote cleanup instead of being silently dropped. Returns the
// corrupt key, or ok=false when key was absent.
func (c *Cache) MarkCorrupt(key string) (string, bool) {
	threadID, ok := c.Pop(key)
	if !ok {
		return "", false
	}
	corrupt := fmt.Sprintf("%s_corrupt_%d", key, 1000+rand.IntN(9000))
	c.Set(corrupt, threadID)
	return corrupt, true
}

// Len returns the number of live entries after sweeping expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepExpiredLocked()
	return len(c.items)
}

// Keys returns the live keys, most recently used first. Used by the debug
// endpoint only.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepExpiredLocked()
	keys := make([]string, 0, len(c.items))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Stats reports cache counters for diagnostics and metrics.
type Stats struct {
	Size            int
	MaxSize         int
	TTL             time.Duration
	Hits            int64
	Misses          int64
	Evictions       int64
	CleanupFailures int64
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return Stats{
		Size:            size,
		MaxSize:         c.maxSize,
		TTL:             c.ttl,
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Evictions:       c.evictions.Load(),
		CleanupFailures: c.cleanupFailures.Load(),
	}
}

// sweepExpiredLocked removes all expired entries, scheduling remote cleanup
// for each. Expiry is evaluated opportunistically on cache operations; there
// is no dedicated background reaper. Caller must hold c.mu.
func (c *Cache) sweepExpiredLocked() {
	now := c.now()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el, true)
		}
		el = prev
	}
}

// removeLocked unlinks an entry and, when cleanup is requested, schedules a
// fire-and-forget remote thread deletion. Caller must hold c.mu.
func (c *Cache) removeLocked(el *list.Element, cleanup bool) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.items, e.key)
	if cleanup {
		c.evictions.Add(1)
		c.scheduleCleanup(e.key, e.threadID)
	}
}

// scheduleCleanup dispatches a non-blocking remote thread deletion. Failures
// are logged with the key and thread id but never surface to the operation
// that triggered the eviction. With no deleter bound, cleanup is skipped --
// expected during startup, before any agent session exists.
func (c *Cache) scheduleCleanup(key, threadID string) {
	box := c.deleter.Load()
	if box == nil || box.d == nil {
		slog.Debug("thread cleanup skipped, no deleter bound", "key", key, "thread_id", threadID)
		return
	}
	d := box.d
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := d.DeleteThread(ctx, threadID); err != nil {
			c.cleanupFailures.Add(1)
			slog.LogAttrs(ctx, slog.LevelWarn, "failed to delete evicted thread",
				slog.String("key", key),
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
			return
		}
		slog.Info("thread deleted on eviction", "key", key, "thread_id", threadID)
	}()
}
