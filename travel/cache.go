/*
cache.go - Fingerprint-keyed calculation cache

PURPOSE:
  Avoids recomputing allowances for inputs that have not physically
  changed. Entries are addressed purely by Fingerprint, so an edited
  address or rate produces a different key and a guaranteed miss. Explicit
  invalidation (invalidation.go) only drops entries nobody will ask for
  again.

CRITICAL INVARIANTS:
  1. AT MOST ONE COMPUTATION per fingerprint at a time. Concurrent callers
     share the in-flight result (singleflight + a re-read inside the flight).
  2. EXPIRED = MISS. A read at or after ExpiresAt never returns the entry,
     independent of janitor timing.
  3. INDEXED BEFORE VISIBLE. A fingerprint is added to the reverse index
     and written to the store under the same mutex invalidation uses, so it
     never exists in the store without its index entries. Stores that drop
     entries on their own (EvictionNotifier) unindex them as they go.
  5. NO WRITE AFTER INVALIDATION. Every invalidation bumps the generation.
     A computation whose inputs were read under an older generation is
     returned to its callers but not stored, so an entry derived from a
     superseded address or rate cannot reappear after its eviction.
  4. CACHE IS OPTIONAL. Store read failures are retried a bounded number of
     times, then the cache is bypassed and the result computed directly.

CANCELLATION:
  The shared computation runs on a context detached from any single
  caller. A waiter that gives up gets ctx.Err(); the computation finishes
  and is stored for the others.

SEE ALSO:
  - store.go: CacheStore interface
  - index.go: Reverse index
  - janitor.go: Periodic sweep of expired entries
*/
package travel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL     = 12 * time.Hour
	DefaultReadRetries  = 2
	DefaultRetryBackoff = 20 * time.Millisecond
)

// ComputeFunc produces a result on a cache miss.
type ComputeFunc func(ctx context.Context) (CalculationResult, error)

// CacheOptions configures a Cache. Zero values pick the defaults.
type CacheOptions struct {
	TTL          time.Duration
	ReadRetries  uint64
	RetryBackoff time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Bypasses     int64 `json:"bypasses"`
	Computations int64 `json:"computations"`
	Discarded    int64 `json:"discarded"`
	Indexed      int   `json:"indexed"`
}

// Cache is safe for concurrent use.
type Cache struct {
	store        CacheStore
	ttl          time.Duration
	readRetries  uint64
	retryBackoff time.Duration
	now          func() time.Time
	logger       *slog.Logger

	group singleflight.Group

	// mu serializes index updates with store writes and evictions.
	mu         sync.Mutex
	index      *reverseIndex
	generation uint64

	hits, misses, bypasses, computations, discarded atomic.Int64
}

// NewCache wraps store with the fingerprint cache semantics.
func NewCache(store CacheStore, opts CacheOptions) *Cache {
	c := &Cache{
		store:        store,
		ttl:          opts.TTL,
		readRetries:  opts.ReadRetries,
		retryBackoff: opts.RetryBackoff,
		now:          opts.Now,
		logger:       opts.Logger,
		index:        newReverseIndex(),
		generation:   1,
	}
	if n, ok := store.(EvictionNotifier); ok {
		// Runs inside store calls the Cache makes while holding mu.
		n.NotifyEvicted(func(fp Fingerprint) { c.index.remove(fp) })
	}
	if c.ttl <= 0 {
		c.ttl = DefaultCacheTTL
	}
	if c.readRetries == 0 {
		c.readRetries = DefaultReadRetries
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = DefaultRetryBackoff
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// TTL returns the lifetime given to new entries.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Generation returns the invalidation counter. Callers that read inputs
// before building a CacheKey take it first and pass it in CacheKey.Generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// =============================================================================
// READ PATH
// =============================================================================

// GetOrCompute returns the cached result for key.Fingerprint, or runs compute
// exactly once across all concurrent callers and caches its result.
func (c *Cache) GetOrCompute(ctx context.Context, key CacheKey, compute ComputeFunc) (CalculationResult, error) {
	if key.Fingerprint == "" {
		return CalculationResult{}, fmt.Errorf("%w: empty fingerprint", ErrInvalidRequest)
	}
	if key.Generation == 0 {
		key.Generation = c.Generation()
	}

	entry, found, err := c.read(ctx, key.Fingerprint)
	if err != nil {
		if ctx.Err() != nil {
			return CalculationResult{}, ctx.Err()
		}
		c.bypasses.Add(1)
		c.logger.Warn("cache read failed, computing without cache",
			"fingerprint", key.Fingerprint.Short(), "error", err)
		return c.run(ctx, compute)
	}
	if found {
		c.hits.Add(1)
		return entry.Result, nil
	}
	c.misses.Add(1)

	flight := c.group.DoChan(string(key.Fingerprint), func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), key, compute)
	})
	select {
	case <-ctx.Done():
		return CalculationResult{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return CalculationResult{}, res.Err
		}
		return res.Val.(CalculationResult), nil
	}
}

// read returns only unexpired entries. Transient store errors are retried.
func (c *Cache) read(ctx context.Context, fp Fingerprint) (CacheEntry, bool, error) {
	var (
		entry CacheEntry
		found bool
	)
	backoff := retry.WithMaxRetries(c.readRetries, retry.NewConstant(c.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		entry, found, err = c.store.Get(ctx, fp)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	if !found || entry.Expired(c.now()) {
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// fill runs inside the single flight for key.Fingerprint.
func (c *Cache) fill(ctx context.Context, key CacheKey, compute ComputeFunc) (CalculationResult, error) {
	// A flight that finished just before this one started may have stored it.
	if entry, found, err := c.read(ctx, key.Fingerprint); err == nil && found {
		return entry.Result, nil
	}

	res, err := c.run(ctx, compute)
	if err != nil {
		return CalculationResult{}, err
	}
	c.put(ctx, key, res)
	return res, nil
}

func (c *Cache) run(ctx context.Context, compute ComputeFunc) (CalculationResult, error) {
	c.computations.Add(1)
	return compute(ctx)
}

// =============================================================================
// WRITE PATH
// =============================================================================

func (c *Cache) put(ctx context.Context, key CacheKey, res CalculationResult) {
	now := c.now()
	entry := CacheEntry{
		Fingerprint: key.Fingerprint,
		Result:      res,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key.Generation < c.generation {
		c.discarded.Add(1)
		c.logger.Debug("inputs invalidated during computation, result not cached",
			"fingerprint", key.Fingerprint.Short(), "employee_id", key.EmployeeID, "subproject_id", key.SubprojectID)
		return
	}
	c.index.add(key)
	if err := c.store.Put(ctx, entry); err != nil {
		// The index may now name a missing entry; eviction tolerates that.
		c.logger.Warn("cache write failed", "fingerprint", key.Fingerprint.Short(), "error", err)
	}
}

// invalidate evicts every fingerprint indexed under dim/id.
func (c *Cache) invalidate(ctx context.Context, dim dimension, id string) (int, error) {
	if id == "" {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	fps := c.index.take(dim, id)
	if len(fps) == 0 {
		return 0, nil
	}
	n, err := c.store.Evict(ctx, fps...)
	if err != nil {
		return 0, fmt.Errorf("evict %d entries for %s %q: %w: %w", len(fps), dim, id, ErrCacheUnavailable, err)
	}
	return n, nil
}

// EvictExpired removes every entry expired at now and returns how many went.
// Idempotent; unexpired entries are never touched.
func (c *Cache) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fps, err := c.store.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w: %w", ErrCacheUnavailable, err)
	}
	c.index.remove(fps...)
	return len(fps), nil
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	indexed := c.index.size()
	c.mu.Unlock()

	return CacheStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Bypasses:     c.bypasses.Load(),
		Computations: c.computations.Load(),
		Discarded:    c.discarded.Load(),
		Indexed:      indexed,
	}
}

// indexed reports whether fp is registered under dim/id. Used by tests.
func (c *Cache) indexed(dim dimension, id string, fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.contains(dim, id, fp)
}
