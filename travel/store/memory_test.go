package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/travel"
)

var t0 = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

func entry(fp string, expires time.Time) travel.CacheEntry {
	return travel.CacheEntry{
		Fingerprint: travel.Fingerprint(fp),
		Result:      travel.CalculationResult{Fingerprint: travel.Fingerprint(fp)},
		CreatedAt:   t0,
		ExpiresAt:   expires,
	}
}

func TestMemoryCache_PutGetEvict(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(10)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, entry("fp-a", t0.Add(time.Hour))))

	got, found, err := c.Get(ctx, "fp-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, travel.Fingerprint("fp-a"), got.Result.Fingerprint)

	n, err := c.Evict(ctx, "fp-a", "fp-missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err = c.Get(ctx, "fp-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_BoundedByLRU(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(2)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, entry("fp-1", t0.Add(time.Hour))))
	require.NoError(t, c.Put(ctx, entry("fp-2", t0.Add(time.Hour))))
	_, _, _ = c.Get(ctx, "fp-1") // fp-2 becomes least recently used
	require.NoError(t, c.Put(ctx, entry("fp-3", t0.Add(time.Hour))))

	assert.Equal(t, 2, c.Len())
	_, found, _ := c.Get(ctx, "fp-2")
	assert.False(t, found)
	_, found, _ = c.Get(ctx, "fp-1")
	assert.True(t, found)
}

func TestMemoryCache_LRUDropsLeaveTheIndex(t *testing.T) {
	// GIVEN: A cache over a two-entry LRU
	ctx := context.Background()
	mem, err := NewMemoryCache(2)
	require.NoError(t, err)
	cache := travel.NewCache(mem, travel.CacheOptions{TTL: time.Hour})

	// WHEN: Fifty distinct employees are calculated and a sweep runs
	for i := 0; i < 50; i++ {
		fp := travel.Fingerprint(fmt.Sprintf("fp-%02d", i))
		key := travel.CacheKey{Fingerprint: fp, EmployeeID: fmt.Sprintf("emp-%02d", i), SubprojectID: "sub-1", ProjectID: "proj-1"}
		_, err := cache.GetOrCompute(ctx, key, func(context.Context) (travel.CalculationResult, error) {
			return travel.CalculationResult{Fingerprint: fp}, nil
		})
		require.NoError(t, err)
	}
	_, err = cache.EvictExpired(ctx, time.Now())
	require.NoError(t, err)

	// THEN: Only what the LRU holds stays indexed
	assert.Equal(t, 2, mem.Len())
	assert.LessOrEqual(t, cache.Stats().Indexed, 2)

	// AND: Explicit eviction also reports through the callback
	var dropped []travel.Fingerprint
	mem.NotifyEvicted(func(fp travel.Fingerprint) { dropped = append(dropped, fp) })
	n, err := mem.Evict(ctx, "fp-49")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []travel.Fingerprint{"fp-49"}, dropped)
}

func TestMemoryCache_Sweep(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(0)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, entry("fp-old", t0)))
	require.NoError(t, c.Put(ctx, entry("fp-new", t0.Add(time.Minute))))

	swept, err := c.Sweep(ctx, t0)

	require.NoError(t, err)
	assert.Equal(t, []travel.Fingerprint{"fp-old"}, swept)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryAudit_AppendOnly(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAudit()

	first, err := a.Append(ctx, travel.AuditRecord{ID: "a-1", TravelRequestID: "tr-1"})
	require.NoError(t, err)
	second, err := a.Append(ctx, travel.AuditRecord{ID: "a-2", TravelRequestID: "tr-1"})
	require.NoError(t, err)
	_, err = a.Append(ctx, travel.AuditRecord{ID: "a-3", TravelRequestID: "tr-2"})
	require.NoError(t, err)

	_, err = a.Append(ctx, travel.AuditRecord{ID: "a-1", TravelRequestID: "tr-1"})
	assert.ErrorIs(t, err, travel.ErrDuplicateAuditRecord)

	recs, err := a.LoadByRequest(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.Sequence, recs[0].Sequence)
	assert.Equal(t, second.Sequence, recs[1].Sequence)
	assert.Less(t, first.Sequence, second.Sequence)

	// Mutating the returned slice does not touch the ledger.
	recs[0].ID = "tampered"
	again, err := a.LoadByRequest(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", again[0].ID)
}

type recordingPublisher struct {
	got []events.Change
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Change) error {
	p.got = append(p.got, ev)
	return nil
}

func TestMemoryDirectory_PublishesOnChange(t *testing.T) {
	// GIVEN: A directory with a recording publisher
	ctx := context.Background()
	pub := &recordingPublisher{}
	d := NewMemoryDirectory()
	d.Publisher = pub
	rate := decimal.RequireFromString("0.70")
	site := travel.GeoPoint{Latitude: 46.948, Longitude: 7.4474}

	// WHEN: Creating records
	require.NoError(t, d.SetProject(ctx, "proj-1", &rate, true))
	require.NoError(t, d.SetSubproject(ctx, "sub-1", "proj-1", site, nil))
	require.NoError(t, d.SetHomeLocation(ctx, "emp-1", travel.GeoPoint{Latitude: 47.3769, Longitude: 8.5417}))

	// THEN: Nothing is published for new records
	assert.Empty(t, pub.got)

	// WHEN: Editing them
	require.NoError(t, d.SetHomeLocation(ctx, "emp-1", travel.GeoPoint{Latitude: 47.5, Longitude: 7.6}))
	override := decimal.RequireFromString("0.80")
	require.NoError(t, d.SetSubproject(ctx, "sub-1", "proj-1", site, &override))
	require.NoError(t, d.SetSubproject(ctx, "sub-1", "proj-1", travel.GeoPoint{Latitude: 46.9, Longitude: 7.4}, &override))

	// THEN: One change per edit, of the right kind
	require.Len(t, pub.got, 3)
	assert.Equal(t, events.KindAddressChanged, pub.got[0].Kind)
	assert.Equal(t, events.KindRateChanged, pub.got[1].Kind)
	assert.Equal(t, "sub-1", pub.got[1].SubprojectID)
	assert.Equal(t, events.KindSiteChanged, pub.got[2].Kind)
}

func TestMemoryDirectory_Lookups(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	rate := decimal.RequireFromString("0.70")
	require.NoError(t, d.SetProject(ctx, "proj-1", &rate, true))
	require.NoError(t, d.SetSubproject(ctx, "sub-1", "proj-1", travel.GeoPoint{Latitude: 46.948, Longitude: 7.4474}, nil))

	site, err := d.SubprojectSite(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", site.ProjectID)
	assert.True(t, site.ProjectActive)
	assert.Nil(t, site.CostPerKm)
	require.NotNil(t, site.ProjectDefaultCostPerKm)
	assert.True(t, site.ProjectDefaultCostPerKm.Equal(rate))

	_, err = d.SubprojectSite(ctx, "ghost")
	assert.ErrorIs(t, err, travel.ErrSubprojectNotFound)
	_, err = d.HomeLocation(ctx, "ghost")
	assert.ErrorIs(t, err, travel.ErrEmployeeNotFound)

	err = d.SetHomeLocation(ctx, "emp-x", travel.GeoPoint{Latitude: 91})
	assert.ErrorIs(t, err, travel.ErrInvalidCoordinate)
}
