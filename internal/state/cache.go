// Package state implements the two-tier conversation state cache: a fast
// in-process L1 in front of a durable document store, with the L2 calls
// guarded by a circuit breaker so a store outage degrades reads to misses
// instead of stalling every conversation.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/agentcore/internal/infra"
	"github.com/haasonsaas/agentcore/internal/retry"
	"github.com/haasonsaas/agentcore/internal/store"
)

// MetricsRecorder receives cache events. Implementations must be safe for
// concurrent use; a nil recorder disables recording.
type MetricsRecorder interface {
	CacheHit(namespace string)
	CacheMiss(namespace string)
	CacheEviction(namespace string)
}

// CacheConfig configures a StateCache.
type CacheConfig struct {
	// DefaultTTL is the time-to-live for namespaces without an override.
	DefaultTTL time.Duration
	// NamespaceTTL overrides the TTL per namespace.
	NamespaceTTL map[string]time.Duration
	// MaxEntries limits L1 size across all namespaces (0 = unlimited).
	MaxEntries int
	// SweepInterval sets how often expired L1 entries are removed in the
	// background (0 = no sweeping).
	SweepInterval time.Duration
	// Metrics receives hit/miss/eviction events when set.
	Metrics MetricsRecorder
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type cacheEntry struct {
	value        json.RawMessage
	expiresAt    time.Time // set once per write, never extended implicitly
	lastAccessed time.Time // drives LRU eviction
}

// StateCache is the shared two-tier cache. L1 is a map under a mutex held
// only for in-memory bookkeeping; every L2 call happens off that lock and
// through the store breaker. Writers to the same key are serialized by a
// per-key lock held across the full L1-update-then-L2-write sequence, so a
// reader can never observe a value from a superseded write once Set returns.
type StateCache struct {
	config  CacheConfig
	backend store.Store
	breaker *infra.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry

	// loading tracks in-flight L2 reads so only one goroutine fetches a
	// missing key while the rest wait.
	loadingMu sync.Mutex
	loading   map[string]chan struct{}

	// keyLocks serializes writers per key.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*keyLock

	stopCh  chan struct{}
	stopped atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStateCache creates a cache over the given durable backend. The breaker
// guards every L2 call; pass one dedicated to the store dependency.
func NewStateCache(config CacheConfig, backend store.Store, breaker *infra.CircuitBreaker) *StateCache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "state")
	}
	if backend != nil && breaker == nil {
		breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "store"})
	}

	c := &StateCache{
		config:   config,
		backend:  backend,
		breaker:  breaker,
		logger:   config.Logger,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry),
		loading:  make(map[string]chan struct{}),
		keyLocks: make(map[string]*keyLock),
		stopCh:   make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go c.sweepLoop(config.SweepInterval)
	}

	return c
}

func cacheKey(namespace, key string) string {
	return namespace + "/" + key
}

func (c *StateCache) ttlFor(namespace string) time.Duration {
	if ttl, ok := c.config.NamespaceTTL[namespace]; ok && ttl > 0 {
		return ttl
	}
	return c.config.DefaultTTL
}

// Get returns the cached value for namespace/key. An L1 hit refreshes the
// entry's last-accessed time. On a miss the durable tier is consulted when
// its breaker allows; a disallowed or failed L2 read degrades to absent.
func (c *StateCache) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool) {
	ck := cacheKey(namespace, key)

	c.mu.Lock()
	entry, ok := c.entries[ck]
	if ok {
		if c.now().Before(entry.expiresAt) {
			entry.lastAccessed = c.now()
			value := entry.value
			c.mu.Unlock()
			c.hits.Add(1)
			c.recordHit(namespace)
			return value, true
		}
		delete(c.entries, ck)
	}
	c.mu.Unlock()

	c.misses.Add(1)
	c.recordMiss(namespace)

	return c.readThrough(ctx, namespace, key)
}

// readThrough performs the single-flight L2 read and populates L1 on a hit.
func (c *StateCache) readThrough(ctx context.Context, namespace, key string) (json.RawMessage, bool) {
	if c.backend == nil {
		return nil, false
	}

	ck := cacheKey(namespace, key)

	c.loadingMu.Lock()
	if ch, inFlight := c.loading[ck]; inFlight {
		c.loadingMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false
		}
		// The loader populated L1 on success; reread it.
		c.mu.Lock()
		entry, ok := c.entries[ck]
		if ok && c.now().Before(entry.expiresAt) {
			entry.lastAccessed = c.now()
			value := entry.value
			c.mu.Unlock()
			return value, true
		}
		c.mu.Unlock()
		return nil, false
	}
	ch := make(chan struct{})
	c.loading[ck] = ch
	c.loadingMu.Unlock()

	defer func() {
		c.loadingMu.Lock()
		delete(c.loading, ck)
		close(ch)
		c.loadingMu.Unlock()
	}()

	// Serialize with writers to the same key. Without this a slow L2 read
	// that started before a Set could repopulate L1 with the superseded
	// value after that Set returned.
	unlock := c.lockKey(ck)
	defer unlock()

	// A write may have landed while we waited for the key lock.
	c.mu.Lock()
	if entry, ok := c.entries[ck]; ok && c.now().Before(entry.expiresAt) {
		entry.lastAccessed = c.now()
		value := entry.value
		c.mu.Unlock()
		return value, true
	}
	c.mu.Unlock()

	start := c.now()
	value, err := infra.ExecuteWithResult(c.breaker, ctx, func(ctx context.Context) (json.RawMessage, error) {
		// Reads are idempotent: allow one bounded retry on transient failures.
		v, r := retry.DoWithValue(ctx, retry.DefaultConfig(), func() (json.RawMessage, error) {
			value, found, err := c.backend.Get(ctx, namespace, key)
			if err != nil {
				return nil, retry.Transient(err)
			}
			if !found {
				return nil, nil
			}
			return value, nil
		})
		return v, r.Err
	})
	if err != nil {
		c.logger.Warn("durable read failed",
			"dependency", "store",
			"namespace", namespace,
			"elapsed", c.now().Sub(start),
			"breaker_state", c.breaker.State(),
			"error", err,
		)
		return nil, false
	}
	if value == nil {
		return nil, false
	}

	c.populate(namespace, ck, value)
	return value, true
}

// populate inserts an L2-sourced value into L1 with the namespace TTL.
func (c *StateCache) populate(namespace, ck string, value json.RawMessage) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictLRU()
	}
	c.entries[ck] = &cacheEntry{
		value:        value,
		expiresAt:    now.Add(c.ttlFor(namespace)),
		lastAccessed: now,
	}
}

// Set writes the value to L1 and, when persist is set, through to the
// durable tier. The per-key lock is held across the whole sequence so
// concurrent writers to one key cannot interleave their L1 and L2 updates;
// a failed or breaker-rejected write-through invalidates L1 so no reader
// observes a value the durable tier never accepted.
func (c *StateCache) Set(ctx context.Context, namespace, key string, value json.RawMessage, persist bool) error {
	ck := cacheKey(namespace, key)

	unlock := c.lockKey(ck)
	defer unlock()

	now := c.now()
	c.mu.Lock()
	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		if _, exists := c.entries[ck]; !exists {
			c.evictLRU()
		}
	}
	c.entries[ck] = &cacheEntry{
		value:        value,
		expiresAt:    now.Add(c.ttlFor(namespace)),
		lastAccessed: now,
	}
	c.mu.Unlock()

	if !persist || c.backend == nil {
		return nil
	}

	start := c.now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.backend.Set(ctx, namespace, key, value, false)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.entries, ck)
		c.mu.Unlock()
		c.logger.Warn("durable write failed, entry invalidated",
			"dependency", "store",
			"namespace", namespace,
			"elapsed", c.now().Sub(start),
			"breaker_state", c.breaker.State(),
			"error", err,
		)
		return err
	}
	return nil
}

// Invalidate removes the entry from L1 and, when alsoDurable is set, from
// the durable tier.
func (c *StateCache) Invalidate(ctx context.Context, namespace, key string, alsoDurable bool) error {
	ck := cacheKey(namespace, key)

	unlock := c.lockKey(ck)
	defer unlock()

	c.mu.Lock()
	delete(c.entries, ck)
	c.mu.Unlock()

	if !alsoDurable || c.backend == nil {
		return nil
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.backend.Delete(ctx, namespace, key)
	})
}

// lockKey acquires the per-key writer lock, returning the release func.
func (c *StateCache) lockKey(ck string) func() {
	c.keyLocksMu.Lock()
	lock := c.keyLocks[ck]
	if lock == nil {
		lock = &keyLock{}
		c.keyLocks[ck] = lock
	}
	lock.refs++
	c.keyLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.keyLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(c.keyLocks, ck)
		}
		c.keyLocksMu.Unlock()
	}
}

// evictLRU removes the entry with the oldest last access. Eviction is by
// access recency, never by soonest expiry. Must be called with mu held.
func (c *StateCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
			first = false
		}
	}

	if !first {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
		if c.config.Metrics != nil {
			ns, _, _ := strings.Cut(oldestKey, "/")
			c.config.Metrics.CacheEviction(ns)
		}
	}
}

// Sweep removes expired L1 entries and reports how many were removed.
func (c *StateCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *StateCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

// Len returns the number of L1 entries (including expired, not yet swept).
func (c *StateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweeper.
func (c *StateCache) Close() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
}

// Stats returns cache statistics for health reporting.
func (c *StateCache) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Size:      size,
		MaxSize:   c.config.MaxEntries,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func (c *StateCache) recordHit(namespace string) {
	if c.config.Metrics != nil {
		c.config.Metrics.CacheHit(namespace)
	}
}

func (c *StateCache) recordMiss(namespace string) {
	if c.config.Metrics != nil {
		c.config.Metrics.CacheMiss(namespace)
	}
}
