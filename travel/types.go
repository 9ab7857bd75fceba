/*
Package travel provides the travel cost calculation and caching engine.

PURPOSE:
  Converts an employee's home location and a work-site location into a
  recurring travel allowance. Results are cached by a fingerprint of the
  physical inputs, eagerly invalidated when an address or rate changes, and
  every calculation bound to a travel request is written to an append-only
  audit ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - GeoPoint: A WGS84 coordinate pair
  - CalculationInput: The semantic request (employee, subproject, frequency)
  - CalculationResult: The immutable outcome of one calculation
  - CacheEntry: A result stored under its fingerprint with a TTL
  - AuditRecord: The compliance record of a request-bound calculation

DESIGN PRINCIPLES:
  1. Precision: Money and distance use decimal.Decimal at every boundary
  2. Value keys: Cache entries are addressed by the values that produced
     them, never by employee or subproject IDs
  3. Immutability: Results and audit records are never modified
  4. Degradation: The cache is an optimization; the audit ledger is not

USAGE:
  engine := travel.NewEngine(travel.EngineConfig{
      Directory: dir,
      Cache:     travel.NewCache(memStore, travel.CacheOptions{}),
      Audit:     auditStore,
  })
  res, err := engine.PreviewCalculation(ctx, travel.CalculationInput{
      EmployeeID: "emp-1", SubprojectID: "sub-1", DaysPerWeek: 3,
  })

SEE ALSO:
  - engine.go: Service facade exposing the public operations
  - cache.go: Fingerprint-keyed cache with single-flight computation
  - ledger.go: Append-only audit ledger
*/
package travel

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GEO POINT
// =============================================================================

// GeoPoint is an immutable WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// =============================================================================
// IDENTIFIERS & INPUTS
// =============================================================================

// CalculationInput is the semantic key of a calculation. The same input can
// produce different results over time as addresses and rates change.
type CalculationInput struct {
	EmployeeID   string
	SubprojectID string
	DaysPerWeek  int
}

// RateSource records where the effective cost per km came from.
type RateSource string

const (
	RateFromSubproject     RateSource = "subproject"
	RateFromProjectDefault RateSource = "project_default"
)

// SubprojectSite is what the project directory knows about a work site.
// CostPerKm is the optional subproject override.
type SubprojectSite struct {
	SubprojectID            string
	ProjectID               string
	Location                GeoPoint
	CostPerKm               *decimal.Decimal
	ProjectDefaultCostPerKm *decimal.Decimal
	ProjectActive           bool
}

// Employee is a directory record for the persistent stores.
type Employee struct {
	ID   string
	Name string
	Home GeoPoint
}

// Project is a directory record. DefaultCostPerKm may be nil.
type Project struct {
	ID               string
	Name             string
	DefaultCostPerKm *decimal.Decimal
	Active           bool
}

// Subproject is a work site. CostPerKm, when set, overrides the project
// default.
type Subproject struct {
	ID        string
	ProjectID string
	Name      string
	Location  GeoPoint
	CostPerKm *decimal.Decimal
}

// InputSnapshot captures the physical inputs a calculation was based on.
type InputSnapshot struct {
	DaysPerWeek int             `json:"days_per_week"`
	Home        GeoPoint        `json:"home"`
	Site        GeoPoint        `json:"site"`
	CostPerKm   decimal.Decimal `json:"cost_per_km"`
	RateSource  RateSource      `json:"rate_source"`
}

// =============================================================================
// CALCULATION RESULT
// =============================================================================

// CalculationResult is produced once and never modified.
// DistanceKm carries 3 decimals, all money fields carry 2.
type CalculationResult struct {
	Fingerprint      Fingerprint     `json:"fingerprint"`
	DistanceKm       decimal.Decimal `json:"distance_km"`
	DailyAllowance   decimal.Decimal `json:"daily_allowance"`
	WeeklyAllowance  decimal.Decimal `json:"weekly_allowance"`
	MonthlyAllowance decimal.Decimal `json:"monthly_allowance"`
	CostPerKmUsed    decimal.Decimal `json:"cost_per_km_used"`
	DaysPerWeek      int             `json:"days_per_week"`
	RuleVersion      string          `json:"rule_version"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// SameAmounts reports whether two results agree on every audited figure.
// ComputedAt is ignored.
func (r CalculationResult) SameAmounts(o CalculationResult) bool {
	return r.DistanceKm.Equal(o.DistanceKm) &&
		r.DailyAllowance.Equal(o.DailyAllowance) &&
		r.WeeklyAllowance.Equal(o.WeeklyAllowance) &&
		r.MonthlyAllowance.Equal(o.MonthlyAllowance) &&
		r.CostPerKmUsed.Equal(o.CostPerKmUsed)
}

// =============================================================================
// CACHE ENTRY
// =============================================================================

// CacheEntry is owned by the cache. It is created on a miss and destroyed by
// expiry or invalidation; nothing updates it in place.
type CacheEntry struct {
	Fingerprint Fingerprint
	Result      CalculationResult
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry must be treated as a miss at now.
// A read exactly at ExpiresAt is already a miss.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheKey is what the cache needs to store and reverse-index one result.
// Only Fingerprint addresses the entry; the IDs feed the invalidation index.
//
// Generation is the Cache.Generation observed before the inputs behind
// Fingerprint were read. Zero means "when GetOrCompute is called".
type CacheKey struct {
	Fingerprint  Fingerprint
	EmployeeID   string
	SubprojectID string
	ProjectID    string
	Generation   uint64
}

// =============================================================================
// AUDIT RECORD
// =============================================================================

// AuditRecord is the compliance record of what was calculated and on what
// inputs. Append-only: never updated, never deleted by application code.
type AuditRecord struct {
	ID              string
	Sequence        int64
	TravelRequestID string
	EmployeeID      string
	SubprojectID    string
	ProjectID       string
	Input           InputSnapshot
	Result          CalculationResult
	RuleVersion     string
	ComputedAt      time.Time
	RecordedAt      time.Time
}
