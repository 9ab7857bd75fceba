package travel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// stubDirectory is a map-backed Directory with an optional artificial delay.
type stubDirectory struct {
	mu    sync.Mutex
	homes map[string]GeoPoint
	sites map[string]SubprojectSite
	delay time.Duration
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{homes: map[string]GeoPoint{}, sites: map[string]SubprojectSite{}}
}

func (d *stubDirectory) wait(ctx context.Context) error {
	if d.delay == 0 {
		return nil
	}
	select {
	case <-time.After(d.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *stubDirectory) HomeLocation(ctx context.Context, id string) (GeoPoint, error) {
	if err := d.wait(ctx); err != nil {
		return GeoPoint{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.homes[id]
	if !ok {
		return GeoPoint{}, ErrEmployeeNotFound
	}
	return p, nil
}

func (d *stubDirectory) SubprojectSite(ctx context.Context, id string) (SubprojectSite, error) {
	if err := d.wait(ctx); err != nil {
		return SubprojectSite{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sites[id]
	if !ok {
		return SubprojectSite{}, ErrSubprojectNotFound
	}
	return s, nil
}

// mapStore is a CacheStore over a plain map with switchable failures.
type mapStore struct {
	mu       sync.Mutex
	entries  map[Fingerprint]CacheEntry
	failGets atomic.Bool
	gets     atomic.Int64
}

func newMapStore() *mapStore {
	return &mapStore{entries: map[Fingerprint]CacheEntry{}}
}

var errStoreDown = errors.New("store down")

func (m *mapStore) Get(_ context.Context, fp Fingerprint) (CacheEntry, bool, error) {
	m.gets.Add(1)
	if m.failGets.Load() {
		return CacheEntry{}, false, errStoreDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	return e, ok, nil
}

func (m *mapStore) Put(_ context.Context, e CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Fingerprint] = e
	return nil
}

func (m *mapStore) Evict(_ context.Context, fps ...Fingerprint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, fp := range fps {
		if _, ok := m.entries[fp]; ok {
			delete(m.entries, fp)
			n++
		}
	}
	return n, nil
}

func (m *mapStore) Sweep(_ context.Context, now time.Time) ([]Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept []Fingerprint
	for fp, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, fp)
			swept = append(swept, fp)
		}
	}
	return swept, nil
}

func (m *mapStore) has(fp Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[fp]
	return ok
}

// boundedStore keeps at most capacity entries, dropping the oldest, and
// reports drops like an LRU would.
type boundedStore struct {
	*mapStore
	capacity int
	order    []Fingerprint
	onEvict  func(Fingerprint)
}

func newBoundedStore(capacity int) *boundedStore {
	return &boundedStore{mapStore: newMapStore(), capacity: capacity}
}

func (b *boundedStore) NotifyEvicted(fn func(Fingerprint)) { b.onEvict = fn }

func (b *boundedStore) Put(ctx context.Context, e CacheEntry) error {
	if !b.has(e.Fingerprint) {
		b.order = append(b.order, e.Fingerprint)
	}
	if err := b.mapStore.Put(ctx, e); err != nil {
		return err
	}
	for len(b.order) > b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		if n, _ := b.mapStore.Evict(ctx, oldest); n > 0 && b.onEvict != nil {
			b.onEvict(oldest)
		}
	}
	return nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
