package travel

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/shopspring/decimal"
)

// DistancePlaces is the fixed precision of every distance the engine emits.
const DistancePlaces = 3

// EarthRadiusMeters is the sphere radius the haversine distance uses. It is
// part of the allowance rule version: changing it changes audited amounts.
const EarthRadiusMeters = orb.EarthRadius

// Validate rejects points outside the WGS84 range, including NaN and Inf.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return &CoordinateError{Point: p, Field: "latitude"}
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return &CoordinateError{Point: p, Field: "longitude"}
	}
	return nil
}

// orbPoint converts to orb's (lon, lat) ordering.
func (p GeoPoint) orbPoint() orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

// Distance returns the great-circle distance between a and b in kilometers,
// rounded half-up to 3 decimals.
//
// The haversine formula is symmetric and yields exactly zero for identical
// points. Results are only guaranteed to agree with other geodesic engines to
// the rounded precision.
func Distance(a, b GeoPoint) (decimal.Decimal, error) {
	if err := a.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := b.Validate(); err != nil {
		return decimal.Zero, err
	}
	meters := geo.DistanceHaversine(a.orbPoint(), b.orbPoint())
	return decimal.NewFromFloat(meters).Div(decimal.NewFromInt(1000)).Round(DistancePlaces), nil
}
