/*
allowance.go - Distance x rate x frequency into money

PURPOSE:
  Turns a distance, a cost per km and a weekly frequency into daily, weekly
  and monthly allowances. Pure arithmetic on decimal.Decimal.

ROUNDING POLICY (ch-travel/v1):
  - distance = haversine great-circle distance on a sphere of radius
    6378137 m (EarthRadiusMeters, orb's WGS84 equatorial radius), in km,
    rounded half-up to 3 decimals (distance.go)
  - Round trip is always applied (home -> site -> home, factor 2)
  - Half-up rounding (away from zero) to 2 decimals at every step
  - daily   = round(distance * rate * 2, 2)
  - weekly  = round(daily * daysPerWeek, 2)
  - monthly = round(weekly * 52 / 12, 2)

  The policy version travels with every result and audit record. Changing
  any rule above requires a new Version so historical audits stay
  interpretable and old cache entries can never be hit.
*/
package travel

import (
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the fixed precision of every monetary amount.
const MoneyPlaces = 2

// RoundingMode selects how money is rounded.
type RoundingMode string

const (
	RoundingHalfUp   RoundingMode = "half_up"
	RoundingHalfEven RoundingMode = "half_even"
)

// AllowancePolicy is a versioned set of allowance rules.
type AllowancePolicy struct {
	Version       string
	RoundTrip     bool
	Rounding      RoundingMode
	WeeksPerYear  int64
	MonthsPerYear int64
}

// DefaultPolicy is the policy applied at every call site.
var DefaultPolicy = AllowancePolicy{
	Version:       "ch-travel/v1",
	RoundTrip:     true,
	Rounding:      RoundingHalfUp,
	WeeksPerYear:  52,
	MonthsPerYear: 12,
}

// Allowance holds the three amounts for one calculation.
type Allowance struct {
	Daily   decimal.Decimal
	Weekly  decimal.Decimal
	Monthly decimal.Decimal
}

// ValidateFrequency rejects days per week outside 1..7.
func ValidateFrequency(daysPerWeek int) error {
	if daysPerWeek < 1 || daysPerWeek > 7 {
		return &FrequencyError{DaysPerWeek: daysPerWeek}
	}
	return nil
}

// Calculate computes the allowances. It fails only on invalid ranges.
func (p AllowancePolicy) Calculate(distanceKm, costPerKm decimal.Decimal, daysPerWeek int) (Allowance, error) {
	if err := ValidateFrequency(daysPerWeek); err != nil {
		return Allowance{}, err
	}
	if distanceKm.IsNegative() {
		return Allowance{}, &AmountError{Field: "distance_km", Value: distanceKm}
	}
	if costPerKm.IsNegative() {
		return Allowance{}, &AmountError{Field: "cost_per_km", Value: costPerKm}
	}

	trip := distanceKm.Mul(costPerKm)
	if p.RoundTrip {
		trip = trip.Mul(decimal.NewFromInt(2))
	}
	daily := p.round(trip)
	weekly := p.round(daily.Mul(decimal.NewFromInt(int64(daysPerWeek))))

	weeks, months := p.WeeksPerYear, p.MonthsPerYear
	if weeks <= 0 || months <= 0 {
		weeks, months = 52, 12
	}
	monthly := p.round(weekly.Mul(decimal.NewFromInt(weeks)).Div(decimal.NewFromInt(months)))

	return Allowance{Daily: daily, Weekly: weekly, Monthly: monthly}, nil
}

func (p AllowancePolicy) round(d decimal.Decimal) decimal.Decimal {
	if p.Rounding == RoundingHalfEven {
		return d.RoundBank(MoneyPlaces)
	}
	return d.Round(MoneyPlaces)
}
