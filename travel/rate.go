package travel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRateTimeout bounds a single directory round trip for rate lookups.
const DefaultRateTimeout = 300 * time.Millisecond

// Directory is the read side of the employee and project collaborators.
// Implementations return ErrEmployeeNotFound / ErrSubprojectNotFound for
// unknown IDs and should honour ctx deadlines.
type Directory interface {
	HomeLocation(ctx context.Context, employeeID string) (GeoPoint, error)
	SubprojectSite(ctx context.Context, subprojectID string) (SubprojectSite, error)
}

// ResolvedRate is a site together with the rate that applies to it.
type ResolvedRate struct {
	Site      SubprojectSite
	CostPerKm decimal.Decimal
	Source    RateSource
}

// RateResolver determines the applicable cost per km for a subproject.
type RateResolver struct {
	Directory Directory
	Timeout   time.Duration
}

// NewRateResolver creates a resolver with the default timeout.
func NewRateResolver(dir Directory) *RateResolver {
	return &RateResolver{Directory: dir, Timeout: DefaultRateTimeout}
}

// Resolve loads the subproject site and picks its effective rate.
func (r *RateResolver) Resolve(ctx context.Context, subprojectID string) (ResolvedRate, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	site, err := r.Directory.SubprojectSite(ctx, subprojectID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSubprojectNotFound):
			return ResolvedRate{}, &RateNotFoundError{SubprojectID: subprojectID, Reason: "subproject does not exist"}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrUnavailable):
			return ResolvedRate{}, fmt.Errorf("resolve rate for %q: %w", subprojectID, ErrUnavailable)
		default:
			return ResolvedRate{}, fmt.Errorf("resolve rate for %q: %w", subprojectID, err)
		}
	}

	rate, source, err := EffectiveRate(site)
	if err != nil {
		return ResolvedRate{}, err
	}
	return ResolvedRate{Site: site, CostPerKm: rate, Source: source}, nil
}

// ResolveRate returns only the effective cost per km.
func (r *RateResolver) ResolveRate(ctx context.Context, subprojectID string) (decimal.Decimal, error) {
	resolved, err := r.Resolve(ctx, subprojectID)
	if err != nil {
		return decimal.Zero, err
	}
	return resolved.CostPerKm, nil
}

// EffectiveRate applies the override rule: the subproject's own rate if set,
// else the parent project's default. Inactive projects resolve to nothing.
func EffectiveRate(site SubprojectSite) (decimal.Decimal, RateSource, error) {
	if !site.ProjectActive {
		return decimal.Zero, "", &RateNotFoundError{
			SubprojectID: site.SubprojectID, ProjectID: site.ProjectID, Reason: "project inactive",
		}
	}

	var (
		rate   decimal.Decimal
		source RateSource
	)
	switch {
	case site.CostPerKm != nil:
		rate, source = *site.CostPerKm, RateFromSubproject
	case site.ProjectDefaultCostPerKm != nil:
		rate, source = *site.ProjectDefaultCostPerKm, RateFromProjectDefault
	default:
		return decimal.Zero, "", &RateNotFoundError{
			SubprojectID: site.SubprojectID, ProjectID: site.ProjectID, Reason: "no subproject or project rate set",
		}
	}

	if rate.IsNegative() {
		return decimal.Zero, "", &AmountError{Field: "cost_per_km", Value: rate}
	}
	return rate, source, nil
}
