/*
engine.go - Service facade for travel cost calculations

PURPOSE:
  The single entry point used by the travel-request workflow and by the
  admin/reporting surface. Collaborators (directory, cache store, audit
  store) are injected; there is no global state.

OPERATIONS:
  PreviewCalculation  cache-backed, never audited
  CalculateAndAudit   cache-backed, appends an audit record (hard failure
                      if the record cannot be written)
  GetAuditTrail       audit records of one travel request, oldest first
  InvalidateCache     administrative eviction by employee/subproject/project
  CleanupExpired      one janitor sweep

REQUEST FLOW:
  1. Validate input (IDs, days per week)
  2. Load home location and resolve the site rate (bounded by RateTimeout)
  3. Build the fingerprint from the values
  4. Cache.GetOrCompute -> Distance + AllowancePolicy.Calculate on a miss
  5. CalculateAndAudit only: AuditLedger.Record
*/
package travel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EngineConfig wires an Engine. Directory, Cache and Audit are required.
type EngineConfig struct {
	Directory   Directory
	Cache       *Cache
	Audit       AuditStore
	Policy      *AllowancePolicy
	RateTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Engine implements the calculation, caching and audit operations.
type Engine struct {
	directory   Directory
	rates       *RateResolver
	cache       *Cache
	ledger      *AuditLedger
	coordinator *Coordinator
	policy      AllowancePolicy
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// InvalidateRequest selects what to evict. Empty fields are ignored.
type InvalidateRequest struct {
	EmployeeID   string
	SubprojectID string
	ProjectID    string
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	policy := DefaultPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RateTimeout
	if timeout <= 0 {
		timeout = DefaultRateTimeout
	}

	ledger := NewAuditLedger(cfg.Audit)
	ledger.Now = now

	return &Engine{
		directory:   cfg.Directory,
		rates:       &RateResolver{Directory: cfg.Directory, Timeout: timeout},
		cache:       cfg.Cache,
		ledger:      ledger,
		coordinator: NewCoordinator(cfg.Cache, logger),
		policy:      policy,
		timeout:     timeout,
		now:         now,
		logger:      logger,
	}
}

// Coordinator returns the invalidation coordinator bound to the engine's cache.
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// RuleVersion returns the allowance policy version stamped on results.
func (e *Engine) RuleVersion() string { return e.policy.Version }

// =============================================================================
// CALCULATIONS
// =============================================================================

// PreviewCalculation computes (or fetches) the allowance without auditing it.
func (e *Engine) PreviewCalculation(ctx context.Context, in CalculationInput) (CalculationResult, error) {
	res, _, _, err := e.calculate(ctx, in)
	return res, err
}

// CalculateAndAudit computes (or fetches) the allowance and appends an audit
// record for travelRequestID. If the record cannot be written the call fails,
// even though a result was available.
func (e *Engine) CalculateAndAudit(ctx context.Context, travelRequestID string, in CalculationInput) (CalculationResult, error) {
	if travelRequestID == "" {
		return CalculationResult{}, fmt.Errorf("%w: travel request id is required", ErrInvalidRequest)
	}

	res, snapshot, projectID, err := e.calculate(ctx, in)
	if err != nil {
		return CalculationResult{}, err
	}

	rec, err := e.ledger.Record(ctx, travelRequestID, in, projectID, snapshot, res, e.policy.Version)
	if err != nil {
		e.logger.Error("audit write failed",
			"travel_request_id", travelRequestID, "employee_id", in.EmployeeID, "error", err)
		return CalculationResult{}, err
	}
	e.logger.Info("calculation audited",
		"travel_request_id", travelRequestID, "audit_id", rec.ID,
		"fingerprint", res.Fingerprint.Short(), "weekly_allowance", res.WeeklyAllowance.StringFixed(MoneyPlaces))
	return res, nil
}

func (e *Engine) calculate(ctx context.Context, in CalculationInput) (CalculationResult, InputSnapshot, string, error) {
	if in.EmployeeID == "" || in.SubprojectID == "" {
		return CalculationResult{}, InputSnapshot{}, "", fmt.Errorf("%w: employee and subproject ids are required", ErrInvalidRequest)
	}
	if err := ValidateFrequency(in.DaysPerWeek); err != nil {
		return CalculationResult{}, InputSnapshot{}, "", err
	}

	generation := e.cache.Generation()
	home, err := e.homeLocation(ctx, in.EmployeeID)
	if err != nil {
		return CalculationResult{}, InputSnapshot{}, "", err
	}
	rate, err := e.rates.Resolve(ctx, in.SubprojectID)
	if err != nil {
		return CalculationResult{}, InputSnapshot{}, "", err
	}
	if err := rate.Site.Location.Validate(); err != nil {
		return CalculationResult{}, InputSnapshot{}, "", err
	}

	snapshot := InputSnapshot{
		DaysPerWeek: in.DaysPerWeek,
		Home:        home,
		Site:        rate.Site.Location,
		CostPerKm:   rate.CostPerKm,
		RateSource:  rate.Source,
	}
	key := CacheKey{
		Fingerprint:  NewFingerprint(home, rate.Site.Location, rate.CostPerKm, in.DaysPerWeek, e.policy.Version),
		EmployeeID:   in.EmployeeID,
		SubprojectID: in.SubprojectID,
		ProjectID:    rate.Site.ProjectID,
		Generation:   generation,
	}

	res, err := e.cache.GetOrCompute(ctx, key, func(context.Context) (CalculationResult, error) {
		return e.compute(key.Fingerprint, snapshot)
	})
	if err != nil {
		return CalculationResult{}, InputSnapshot{}, "", err
	}
	return res, snapshot, rate.Site.ProjectID, nil
}

func (e *Engine) homeLocation(ctx context.Context, employeeID string) (GeoPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	home, err := e.directory.HomeLocation(ctx, employeeID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return GeoPoint{}, fmt.Errorf("home location of %q: %w", employeeID, ErrUnavailable)
		}
		return GeoPoint{}, fmt.Errorf("home location of %q: %w", employeeID, err)
	}
	if err := home.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return home, nil
}

// compute is the pure part: distance and allowance for fixed inputs.
func (e *Engine) compute(fp Fingerprint, snap InputSnapshot) (CalculationResult, error) {
	dist, err := Distance(snap.Home, snap.Site)
	if err != nil {
		return CalculationResult{}, err
	}
	allowance, err := e.policy.Calculate(dist, snap.CostPerKm, snap.DaysPerWeek)
	if err != nil {
		return CalculationResult{}, err
	}
	return CalculationResult{
		Fingerprint:      fp,
		DistanceKm:       dist,
		DailyAllowance:   allowance.Daily,
		WeeklyAllowance:  allowance.Weekly,
		MonthlyAllowance: allowance.Monthly,
		CostPerKmUsed:    snap.CostPerKm,
		DaysPerWeek:      snap.DaysPerWeek,
		RuleVersion:      e.policy.Version,
		ComputedAt:       e.now().UTC(),
	}, nil
}

// =============================================================================
// AUDIT & MAINTENANCE
// =============================================================================

// GetAuditTrail returns every audit record of a travel request, oldest first.
func (e *Engine) GetAuditTrail(ctx context.Context, travelRequestID string) ([]AuditRecord, error) {
	return e.ledger.Trail(ctx, travelRequestID)
}

// InvalidateCache evicts entries indexed under any of the given IDs.
// Idempotent: a second call with the same IDs evicts nothing.
func (e *Engine) InvalidateCache(ctx context.Context, req InvalidateRequest) (int, error) {
	if req.EmployeeID == "" && req.SubprojectID == "" && req.ProjectID == "" {
		return 0, fmt.Errorf("%w: at least one of employee, subproject or project id is required", ErrInvalidRequest)
	}

	var total int
	if req.EmployeeID != "" {
		n, err := e.coordinator.OnAddressChanged(ctx, req.EmployeeID)
		if err != nil {
			return total, err
		}
		total += n
	}
	n, err := e.coordinator.OnRateChanged(ctx, RateChange{SubprojectID: req.SubprojectID, ProjectID: req.ProjectID})
	total += n
	return total, err
}

// CleanupExpired sweeps expired cache entries once.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	return e.cache.EvictExpired(ctx, e.now())
}

// CacheStats returns the cache counters.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}
