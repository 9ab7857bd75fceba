/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract. Amounts and distances are serialized as
  fixed-precision strings (2 and 3 decimal places) so clients never see
  binary floating point.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers validate
  before calling the engine. Domain validation still runs in the engine.
*/
package api

import (
	"time"

	"github.com/warp/travel-allowance/travel"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CalculationRequest is the body of preview and audited calculations.
type CalculationRequest struct {
	EmployeeID   string `json:"employee_id" validate:"required"`
	SubprojectID string `json:"subproject_id" validate:"required"`
	DaysPerWeek  int    `json:"days_per_week" validate:"min=1,max=7"`
}

func (r CalculationRequest) toInput() travel.CalculationInput {
	return travel.CalculationInput{
		EmployeeID:   r.EmployeeID,
		SubprojectID: r.SubprojectID,
		DaysPerWeek:  r.DaysPerWeek,
	}
}

// InvalidateRequest selects cache entries to evict. At least one ID is required.
type InvalidateRequest struct {
	EmployeeID   string `json:"employee_id,omitempty" validate:"required_without_all=SubprojectID ProjectID"`
	SubprojectID string `json:"subproject_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// CalculationDTO represents a calculation result.
type CalculationDTO struct {
	Fingerprint      string    `json:"fingerprint"`
	DistanceKm       string    `json:"distance_km"`
	DailyAllowance   string    `json:"daily_allowance"`
	WeeklyAllowance  string    `json:"weekly_allowance"`
	MonthlyAllowance string    `json:"monthly_allowance"`
	CostPerKmUsed    string    `json:"cost_per_km_used"`
	DaysPerWeek      int       `json:"days_per_week"`
	RuleVersion      string    `json:"rule_version"`
	ComputedAt       time.Time `json:"computed_at"`
}

func toCalculationDTO(res travel.CalculationResult) CalculationDTO {
	return CalculationDTO{
		Fingerprint:      string(res.Fingerprint),
		DistanceKm:       res.DistanceKm.StringFixed(travel.DistancePlaces),
		DailyAllowance:   res.DailyAllowance.StringFixed(travel.MoneyPlaces),
		WeeklyAllowance:  res.WeeklyAllowance.StringFixed(travel.MoneyPlaces),
		MonthlyAllowance: res.MonthlyAllowance.StringFixed(travel.MoneyPlaces),
		CostPerKmUsed:    res.CostPerKmUsed.StringFixed(travel.MoneyPlaces),
		DaysPerWeek:      res.DaysPerWeek,
		RuleVersion:      res.RuleVersion,
		ComputedAt:       res.ComputedAt,
	}
}

// InputDTO is the input snapshot an audit record was based on.
type InputDTO struct {
	DaysPerWeek int             `json:"days_per_week"`
	Home        travel.GeoPoint `json:"home"`
	Site        travel.GeoPoint `json:"site"`
	CostPerKm   string          `json:"cost_per_km"`
	RateSource  string          `json:"rate_source"`
}

// AuditRecordDTO represents one audit ledger entry.
type AuditRecordDTO struct {
	ID              string         `json:"id"`
	Sequence        int64          `json:"sequence"`
	TravelRequestID string         `json:"travel_request_id"`
	EmployeeID      string         `json:"employee_id"`
	SubprojectID    string         `json:"subproject_id"`
	ProjectID       string         `json:"project_id,omitempty"`
	Input           InputDTO       `json:"input"`
	Result          CalculationDTO `json:"result"`
	RuleVersion     string         `json:"rule_version"`
	ComputedAt      time.Time      `json:"computed_at"`
	RecordedAt      time.Time      `json:"recorded_at"`
}

func toAuditRecordDTOs(recs []travel.AuditRecord) []AuditRecordDTO {
	dtos := make([]AuditRecordDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = AuditRecordDTO{
			ID:              rec.ID,
			Sequence:        rec.Sequence,
			TravelRequestID: rec.TravelRequestID,
			EmployeeID:      rec.EmployeeID,
			SubprojectID:    rec.SubprojectID,
			ProjectID:       rec.ProjectID,
			Input: InputDTO{
				DaysPerWeek: rec.Input.DaysPerWeek,
				Home:        rec.Input.Home,
				Site:        rec.Input.Site,
				CostPerKm:   rec.Input.CostPerKm.StringFixed(travel.MoneyPlaces),
				RateSource:  string(rec.Input.RateSource),
			},
			Result:      toCalculationDTO(rec.Result),
			RuleVersion: rec.RuleVersion,
			ComputedAt:  rec.ComputedAt,
			RecordedAt:  rec.RecordedAt,
		}
	}
	return dtos
}

// AuditTrailDTO wraps the records of one travel request.
type AuditTrailDTO struct {
	TravelRequestID string           `json:"travel_request_id"`
	Records         []AuditRecordDTO `json:"records"`
}

// EvictionDTO reports how many cache entries an operation removed.
type EvictionDTO struct {
	Evicted int `json:"evicted"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
