/*
janitor.go - Periodic sweep of expired cache entries

PURPOSE:
  Removes expired entries so the cache does not grow without bound. Not
  safety-critical: reads already treat expired entries as misses, so a
  janitor that stops running only costs memory.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps once immediately on start
  - RunNow triggers a synchronous sweep (maintenance endpoint, CLI)

USAGE:
  janitor := travel.NewJanitor(cache, time.Hour, logger)
  janitor.Start()
  // ... later
  janitor.Stop()
*/
package travel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultJanitorInterval is how often expired entries are swept.
const DefaultJanitorInterval = 15 * time.Minute

// Janitor sweeps a Cache on a fixed interval.
type Janitor struct {
	Cache    *Cache
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewJanitor creates a janitor. A non-positive interval uses the default.
func NewJanitor(cache *Cache, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{Cache: cache, Interval: interval, Now: cache.now, Logger: logger}
}

// Start begins periodic sweeping. Calling Start twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker != nil {
		return
	}
	j.ticker = time.NewTicker(j.Interval)
	j.stop = make(chan struct{})
	j.wg.Add(1)
	go j.run(j.ticker, j.stop)

	j.Logger.Info("cache janitor started", "interval", j.Interval)
}

// Stop halts the janitor and waits for an in-progress sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker == nil {
		return
	}
	j.ticker.Stop()
	close(j.stop)
	j.wg.Wait()
	j.ticker = nil
	j.Logger.Info("cache janitor stopped")
}

func (j *Janitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer j.wg.Done()

	j.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			j.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow sweeps once and returns the number of evicted entries.
func (j *Janitor) RunNow(ctx context.Context) (int, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Cache.EvictExpired(ctx, now())
	if err != nil {
		j.Logger.Warn("cache sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		j.Logger.Info("cache sweep completed", "evicted", n)
	}
	return n, nil
}
