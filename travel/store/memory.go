// Package store provides in-memory implementations of the travel store and
// directory interfaces.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/travel"
)

// =============================================================================
// MEMORY CACHE - Bounded LRU of cache entries
// =============================================================================

// DefaultMaxEntries bounds the in-process cache.
const DefaultMaxEntries = 10_000

// MemoryCache implements travel.CacheStore on a thread-safe LRU. When full,
// the least recently used entry is dropped and reported to the function
// registered with NotifyEvicted.
type MemoryCache struct {
	entries *lru.Cache[travel.Fingerprint, travel.CacheEntry]
	onEvict func(travel.Fingerprint)
}

// NewMemoryCache creates a cache holding at most maxEntries entries.
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	m := &MemoryCache{}
	entries, err := lru.NewWithEvict(maxEntries, func(fp travel.Fingerprint, _ travel.CacheEntry) {
		if m.onEvict != nil {
			m.onEvict(fp)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	m.entries = entries
	return m, nil
}

// NotifyEvicted registers fn for entries leaving the LRU, capacity drops
// included. Register before first use.
func (m *MemoryCache) NotifyEvicted(fn func(travel.Fingerprint)) {
	m.onEvict = fn
}

func (m *MemoryCache) Get(_ context.Context, fp travel.Fingerprint) (travel.CacheEntry, bool, error) {
	entry, ok := m.entries.Get(fp)
	return entry, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, entry travel.CacheEntry) error {
	m.entries.Add(entry.Fingerprint, entry)
	return nil
}

func (m *MemoryCache) Evict(_ context.Context, fps ...travel.Fingerprint) (int, error) {
	var n int
	for _, fp := range fps {
		if m.entries.Remove(fp) {
			n++
		}
	}
	return n, nil
}

// Sweep removes expired entries. Callers serialize it with Put (the Cache
// does), otherwise a fresh entry written between Peek and Remove could go.
func (m *MemoryCache) Sweep(_ context.Context, now time.Time) ([]travel.Fingerprint, error) {
	var swept []travel.Fingerprint
	for _, fp := range m.entries.Keys() {
		entry, ok := m.entries.Peek(fp)
		if !ok || !entry.Expired(now) {
			continue
		}
		if m.entries.Remove(fp) {
			swept = append(swept, fp)
		}
	}
	return swept, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryCache) Len() int {
	return m.entries.Len()
}

// =============================================================================
// MEMORY AUDIT - Append-only slice per travel request
// =============================================================================

type MemoryAudit struct {
	mu        sync.RWMutex
	seq       int64
	byRequest map[string][]travel.AuditRecord
	ids       map[string]bool
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{
		byRequest: make(map[string][]travel.AuditRecord),
		ids:       make(map[string]bool),
	}
}

// Append adds a record. Append-only.
func (m *MemoryAudit) Append(_ context.Context, rec travel.AuditRecord) (travel.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[rec.ID] {
		return travel.AuditRecord{}, travel.ErrDuplicateAuditRecord
	}
	m.seq++
	rec.Sequence = m.seq
	m.byRequest[rec.TravelRequestID] = append(m.byRequest[rec.TravelRequestID], rec)
	m.ids[rec.ID] = true
	return rec, nil
}

func (m *MemoryAudit) LoadByRequest(_ context.Context, travelRequestID string) ([]travel.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.byRequest[travelRequestID]
	result := make([]travel.AuditRecord, len(recs))
	copy(result, recs)
	return result, nil
}

// =============================================================================
// MEMORY DIRECTORY - Employees, projects and subprojects
// =============================================================================

type project struct {
	defaultCostPerKm *decimal.Decimal
	active           bool
}

type subproject struct {
	projectID string
	location  travel.GeoPoint
	costPerKm *decimal.Decimal
}

// MemoryDirectory implements travel.Directory. Its setters publish change
// notifications when a Publisher is attached.
type MemoryDirectory struct {
	Publisher events.Publisher

	mu          sync.RWMutex
	employees   map[string]travel.GeoPoint
	projects    map[string]project
	subprojects map[string]subproject
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		employees:   make(map[string]travel.GeoPoint),
		projects:    make(map[string]project),
		subprojects: make(map[string]subproject),
	}
}

func (d *MemoryDirectory) HomeLocation(_ context.Context, employeeID string) (travel.GeoPoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	home, ok := d.employees[employeeID]
	if !ok {
		return travel.GeoPoint{}, fmt.Errorf("%w: %s", travel.ErrEmployeeNotFound, employeeID)
	}
	return home, nil
}

func (d *MemoryDirectory) SubprojectSite(_ context.Context, subprojectID string) (travel.SubprojectSite, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sp, ok := d.subprojects[subprojectID]
	if !ok {
		return travel.SubprojectSite{}, fmt.Errorf("%w: %s", travel.ErrSubprojectNotFound, subprojectID)
	}
	p, ok := d.projects[sp.projectID]
	return travel.SubprojectSite{
		SubprojectID:            subprojectID,
		ProjectID:               sp.projectID,
		Location:                sp.location,
		CostPerKm:               sp.costPerKm,
		ProjectDefaultCostPerKm: p.defaultCostPerKm,
		ProjectActive:           ok && p.active,
	}, nil
}

// SetHomeLocation creates or moves an employee.
func (d *MemoryDirectory) SetHomeLocation(ctx context.Context, employeeID string, home travel.GeoPoint) error {
	if err := home.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	_, existed := d.employees[employeeID]
	d.employees[employeeID] = home
	d.mu.Unlock()

	if existed {
		return d.publish(ctx, events.AddressChanged(employeeID))
	}
	return nil
}

// SetProject creates or updates a project. A nil default means no default.
func (d *MemoryDirectory) SetProject(ctx context.Context, projectID string, defaultCostPerKm *decimal.Decimal, active bool) error {
	d.mu.Lock()
	_, existed := d.projects[projectID]
	d.projects[projectID] = project{defaultCostPerKm: defaultCostPerKm, active: active}
	d.mu.Unlock()

	if existed {
		return d.publish(ctx, events.RateChanged("", projectID))
	}
	return nil
}

// SetSubproject creates a subproject or updates its location and override.
func (d *MemoryDirectory) SetSubproject(ctx context.Context, subprojectID, projectID string, location travel.GeoPoint, costPerKm *decimal.Decimal) error {
	if err := location.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	prev, existed := d.subprojects[subprojectID]
	d.subprojects[subprojectID] = subproject{projectID: projectID, location: location, costPerKm: costPerKm}
	d.mu.Unlock()

	if !existed {
		return nil
	}
	if prev.location != location {
		if err := d.publish(ctx, events.SiteChanged(subprojectID)); err != nil {
			return err
		}
	}
	if !sameRate(prev.costPerKm, costPerKm) {
		return d.publish(ctx, events.RateChanged(subprojectID, ""))
	}
	return nil
}

func (d *MemoryDirectory) publish(ctx context.Context, ev events.Change) error {
	if d.Publisher == nil {
		return nil
	}
	return d.Publisher.Publish(ctx, ev)
}

func sameRate(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
