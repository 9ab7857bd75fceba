package travel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/travel-allowance/events"
	"github.com/warp/travel-allowance/travel"
	"github.com/warp/travel-allowance/travel/store"
)

var (
	zurich = travel.GeoPoint{Latitude: 47.3769, Longitude: 8.5417}
	bern   = travel.GeoPoint{Latitude: 46.9480, Longitude: 7.4474}
	basel  = travel.GeoPoint{Latitude: 47.5596, Longitude: 7.5886}
)

type fixture struct {
	dir    *store.MemoryDirectory
	cache  *travel.Cache
	audit  *store.MemoryAudit
	engine *travel.Engine
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func rate(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// newFixture builds an engine over in-memory stores with emp-1 in Zürich and
// sub-bern (project proj-1, default 0.70/km) in Bern.
func newFixture(t *testing.T, audit travel.AuditStore) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}

	f.dir = store.NewMemoryDirectory()
	require.NoError(t, f.dir.SetProject(ctx, "proj-1", rate("0.70"), true))
	require.NoError(t, f.dir.SetSubproject(ctx, "sub-bern", "proj-1", bern, nil))
	require.NoError(t, f.dir.SetHomeLocation(ctx, "emp-1", zurich))

	mem, err := store.NewMemoryCache(100)
	require.NoError(t, err)
	f.cache = travel.NewCache(mem, travel.CacheOptions{TTL: 12 * time.Hour, Now: f.clock})

	if audit == nil {
		f.audit = store.NewMemoryAudit()
		audit = f.audit
	}
	f.engine = travel.NewEngine(travel.EngineConfig{
		Directory: f.dir,
		Cache:     f.cache,
		Audit:     audit,
		Now:       f.clock,
	})
	return f
}

func input(days int) travel.CalculationInput {
	return travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "sub-bern", DaysPerWeek: days}
}

func TestEngine_PreviewZurichBern(t *testing.T) {
	// GIVEN: Employee in Zürich, site in Bern at the project default rate
	f := newFixture(t, nil)

	// WHEN: Previewing three office days a week
	res, err := f.engine.PreviewCalculation(context.Background(), input(3))

	// THEN: Round-trip allowance on the rounded distance
	require.NoError(t, err)
	assert.True(t, res.DistanceKm.GreaterThanOrEqual(decimal.RequireFromString("95.5")))
	assert.True(t, res.DistanceKm.LessThanOrEqual(decimal.RequireFromString("95.7")))
	assert.Equal(t, "133.84", res.DailyAllowance.StringFixed(2))
	assert.Equal(t, "401.52", res.WeeklyAllowance.StringFixed(2))
	assert.Equal(t, "1739.92", res.MonthlyAllowance.StringFixed(2))
	assert.Equal(t, "0.7", res.CostPerKmUsed.String())
	assert.Equal(t, travel.DefaultPolicy.Version, res.RuleVersion)
	assert.Equal(t, f.clock(), res.ComputedAt)

	// AND: Previews are never audited
	trail, err := f.engine.GetAuditTrail(context.Background(), "any")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestEngine_DailyWeeklyCoherence(t *testing.T) {
	f := newFixture(t, nil)

	for days := 1; days <= 7; days++ {
		res, err := f.engine.PreviewCalculation(context.Background(), input(days))
		require.NoError(t, err)

		expectedDaily := res.DistanceKm.Mul(res.CostPerKmUsed).Mul(decimal.NewFromInt(2)).Round(2)
		assert.True(t, res.DailyAllowance.Equal(expectedDaily), "days=%d", days)
		assert.True(t, res.WeeklyAllowance.Equal(res.DailyAllowance.Mul(decimal.NewFromInt(int64(days)))), "days=%d", days)
	}
}

func TestEngine_SameInputsHitCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)
	f.advance(time.Hour)
	second, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.engine.CacheStats().Computations)
}

func TestEngine_SubprojectOverrideWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.dir.SetSubproject(ctx, "sub-bern", "proj-1", bern, rate("0.50")))

	res, err := f.engine.PreviewCalculation(ctx, input(5))

	require.NoError(t, err)
	assert.Equal(t, "0.5", res.CostPerKmUsed.String())
	assert.Equal(t, "95.60", res.DailyAllowance.StringFixed(2))
	assert.Equal(t, "478.00", res.WeeklyAllowance.StringFixed(2))
}

func TestEngine_AddressChangeNeverServesStaleResult(t *testing.T) {
	// GIVEN: A cached result for the Zürich address
	f := newFixture(t, nil)
	ctx := context.Background()
	before, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)

	// WHEN: The employee moves to Basel (no invalidation wired)
	require.NoError(t, f.dir.SetHomeLocation(ctx, "emp-1", basel))
	after, err := f.engine.PreviewCalculation(ctx, input(3))

	// THEN: The new address produces a new fingerprint and a new result
	require.NoError(t, err)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.False(t, before.DistanceKm.Equal(after.DistanceKm))
	assert.Equal(t, int64(2), f.engine.CacheStats().Computations)
}

func TestEngine_ChangeEventsEvictViaBus(t *testing.T) {
	// GIVEN: A directory publishing to a bus consumed by the coordinator
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewChanBus(16)
	defer bus.Close()
	changes, err := bus.Subscribe()
	require.NoError(t, err)
	f.dir.Publisher = bus
	go f.engine.Coordinator().Run(ctx, changes)

	_, err = f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.CacheStats().Indexed)

	// WHEN: The project default rate changes
	require.NoError(t, f.dir.SetProject(ctx, "proj-1", rate("0.75"), true))

	// THEN: The old entry is evicted eagerly
	require.Eventually(t, func() bool { return f.engine.CacheStats().Indexed == 0 }, time.Second, 5*time.Millisecond)

	res, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)
	assert.Equal(t, "0.75", res.CostPerKmUsed.String())
}

func TestEngine_CalculateAndAudit(t *testing.T) {
	// GIVEN: One travel request calculated at submission and at approval
	f := newFixture(t, nil)
	ctx := context.Background()

	submitted, err := f.engine.CalculateAndAudit(ctx, "tr-1", input(3))
	require.NoError(t, err)
	f.advance(24 * time.Hour) // past TTL, approval recomputes
	approved, err := f.engine.CalculateAndAudit(ctx, "tr-1", input(3))
	require.NoError(t, err)

	// WHEN: Reading the trail
	trail, err := f.engine.GetAuditTrail(ctx, "tr-1")

	// THEN: Two records in creation order, each faithful to its result
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Less(t, trail[0].Sequence, trail[1].Sequence)
	assert.True(t, trail[0].Result.SameAmounts(submitted))
	assert.True(t, trail[1].Result.SameAmounts(approved))
	assert.Equal(t, zurich, trail[0].Input.Home)
	assert.Equal(t, bern, trail[0].Input.Site)
	assert.Equal(t, travel.RateFromProjectDefault, trail[0].Input.RateSource)
	assert.Equal(t, "proj-1", trail[0].ProjectID)
	assert.Equal(t, travel.DefaultPolicy.Version, trail[0].RuleVersion)
	assert.True(t, trail[1].RecordedAt.After(trail[0].RecordedAt))
	assert.Equal(t, int64(2), f.engine.CacheStats().Computations)
}

func TestEngine_AuditSurvivesCacheEviction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.CalculateAndAudit(ctx, "tr-1", input(3))
	require.NoError(t, err)

	_, err = f.engine.InvalidateCache(ctx, travel.InvalidateRequest{EmployeeID: "emp-1"})
	require.NoError(t, err)
	f.advance(48 * time.Hour)
	_, err = f.engine.CleanupExpired(ctx)
	require.NoError(t, err)

	trail, err := f.engine.GetAuditTrail(ctx, "tr-1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, travel.AuditRecord) (travel.AuditRecord, error) {
	return travel.AuditRecord{}, errors.New("connection reset")
}

func (brokenAudit) LoadByRequest(context.Context, string) ([]travel.AuditRecord, error) {
	return nil, errors.New("connection reset")
}

func TestEngine_AuditFailureFailsCalculateOnly(t *testing.T) {
	// GIVEN: An audit store that cannot write
	f := newFixture(t, brokenAudit{})
	ctx := context.Background()

	// WHEN: Calculating for a travel request
	_, err := f.engine.CalculateAndAudit(ctx, "tr-1", input(3))

	// THEN: The call fails with an audit write error
	require.ErrorIs(t, err, travel.ErrAuditWriteFailed)

	// AND: Previews keep working
	_, err = f.engine.PreviewCalculation(ctx, input(3))
	assert.NoError(t, err)
}

func TestEngine_InputErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.dir.SetProject(ctx, "proj-closed", rate("0.70"), false))
	require.NoError(t, f.dir.SetSubproject(ctx, "sub-closed", "proj-closed", bern, nil))
	require.NoError(t, f.dir.SetProject(ctx, "proj-norate", nil, true))
	require.NoError(t, f.dir.SetSubproject(ctx, "sub-norate", "proj-norate", bern, nil))

	tests := []struct {
		name string
		in   travel.CalculationInput
		want error
	}{
		{"zero days", travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "sub-bern", DaysPerWeek: 0}, travel.ErrInvalidFrequency},
		{"eight days", travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "sub-bern", DaysPerWeek: 8}, travel.ErrInvalidFrequency},
		{"missing ids", travel.CalculationInput{DaysPerWeek: 3}, travel.ErrInvalidRequest},
		{"unknown employee", travel.CalculationInput{EmployeeID: "ghost", SubprojectID: "sub-bern", DaysPerWeek: 3}, travel.ErrEmployeeNotFound},
		{"unknown subproject", travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "ghost", DaysPerWeek: 3}, travel.ErrRateNotFound},
		{"inactive project", travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "sub-closed", DaysPerWeek: 3}, travel.ErrRateNotFound},
		{"no rate", travel.CalculationInput{EmployeeID: "emp-1", SubprojectID: "sub-norate", DaysPerWeek: 3}, travel.ErrRateNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.PreviewCalculation(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.engine.CalculateAndAudit(ctx, "", input(3))
	assert.ErrorIs(t, err, travel.ErrInvalidRequest)
	assert.Equal(t, int64(0), f.engine.CacheStats().Computations)
}

func TestEngine_InvalidateCache(t *testing.T) {
	// GIVEN: Two employees working on the same subproject
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.dir.SetHomeLocation(ctx, "emp-2", basel))
	_, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)
	_, err = f.engine.PreviewCalculation(ctx, travel.CalculationInput{EmployeeID: "emp-2", SubprojectID: "sub-bern", DaysPerWeek: 3})
	require.NoError(t, err)

	t.Run("requires an id", func(t *testing.T) {
		_, err := f.engine.InvalidateCache(ctx, travel.InvalidateRequest{})
		assert.ErrorIs(t, err, travel.ErrInvalidRequest)
	})

	t.Run("by employee forces recompute", func(t *testing.T) {
		n, err := f.engine.InvalidateCache(ctx, travel.InvalidateRequest{EmployeeID: "emp-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		before := f.engine.CacheStats().Computations
		_, err = f.engine.PreviewCalculation(ctx, input(3))
		require.NoError(t, err)
		assert.Equal(t, before+1, f.engine.CacheStats().Computations)
	})

	t.Run("by subproject evicts both", func(t *testing.T) {
		n, err := f.engine.InvalidateCache(ctx, travel.InvalidateRequest{SubprojectID: "sub-bern"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = f.engine.InvalidateCache(ctx, travel.InvalidateRequest{SubprojectID: "sub-bern"})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestEngine_CleanupExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.PreviewCalculation(ctx, input(3))
	require.NoError(t, err)

	n, err := f.engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.advance(12 * time.Hour)
	n, err = f.engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type slowDirectory struct {
	travel.Directory
}

func (d slowDirectory) HomeLocation(ctx context.Context, id string) (travel.GeoPoint, error) {
	<-ctx.Done()
	return travel.GeoPoint{}, ctx.Err()
}

func TestEngine_DirectoryTimeoutIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	engine := travel.NewEngine(travel.EngineConfig{
		Directory:   slowDirectory{f.dir},
		Cache:       f.cache,
		Audit:       f.audit,
		RateTimeout: 10 * time.Millisecond,
	})

	_, err := engine.PreviewCalculation(context.Background(), input(3))

	assert.ErrorIs(t, err, travel.ErrUnavailable)
	assert.True(t, travel.IsRetryable(err))
}
