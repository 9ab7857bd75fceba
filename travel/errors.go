/*
errors.go - Centralized error types for the calculation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters (HTTP, stores, event consumers) classify with errors.Is/As and
  never match on message text.

ERROR CATEGORIES:
  1. Input errors - Caller bugs, never retried (coordinate, frequency, amount)
  2. Data-integrity errors - Missing or unusable reference data (rate, lookups)
  3. Infrastructure errors - Cache and directory availability
  4. Audit errors - Hard failures of request-bound calculations

RETRY POLICY:
  Nothing is retried automatically except cache reads, which get a bounded
  number of attempts before the cache is bypassed (see cache.go).

SEE ALSO:
  - cache.go: ErrCacheUnavailable is absorbed there, never surfaced
  - ledger.go: Produces AuditWriteError
*/
package travel

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidCoordinate is returned for latitude/longitude outside WGS84 range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrInvalidFrequency is returned when days per week is outside 1..7.
	ErrInvalidFrequency = errors.New("invalid frequency: days per week must be 1..7")

	// ErrInvalidAmount is returned for negative distances or rates.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRequest is returned for malformed engine calls (empty IDs).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateNotFound is a data-integrity error: neither subproject nor
	// project provides a usable cost per km.
	ErrRateNotFound = errors.New("rate not found")

	// ErrEmployeeNotFound is returned by directories for unknown employees.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrSubprojectNotFound is returned by directories for unknown subprojects.
	ErrSubprojectNotFound = errors.New("subproject not found")

	// ErrUnavailable is returned when a collaborator did not answer in time.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrCacheUnavailable marks cache store failures. The engine degrades to
	// direct computation when it sees this.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrAuditWriteFailed is returned when an audit record could not be made
	// durable. It always aborts CalculateAndAudit.
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrAppendOnly is returned by audit stores on any attempt to rewrite history.
	ErrAppendOnly = errors.New("audit ledger is append-only")

	// ErrDuplicateAuditRecord is returned when an audit record ID already exists.
	ErrDuplicateAuditRecord = errors.New("duplicate audit record")
)

// =============================================================================
// STRUCTURED ERRORS - Echo the offending input
// =============================================================================

// CoordinateError reports which point was out of range.
type CoordinateError struct {
	Point GeoPoint
	Field string // "latitude" or "longitude"
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate: %s out of range in (%v, %v)",
		e.Field, e.Point.Latitude, e.Point.Longitude)
}

func (e *CoordinateError) Unwrap() error { return ErrInvalidCoordinate }

// FrequencyError reports a rejected days-per-week value.
type FrequencyError struct {
	DaysPerWeek int
}

func (e *FrequencyError) Error() string {
	return fmt.Sprintf("invalid frequency: %d days per week (allowed 1..7)", e.DaysPerWeek)
}

func (e *FrequencyError) Unwrap() error { return ErrInvalidFrequency }

// AmountError reports a negative distance or rate.
type AmountError struct {
	Field string
	Value decimal.Decimal
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount: %s must not be negative (got %s)", e.Field, e.Value.String())
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// RateNotFoundError explains why no rate could be resolved.
type RateNotFoundError struct {
	SubprojectID string
	ProjectID    string
	Reason       string
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("rate not found for subproject %q (project %q): %s",
		e.SubprojectID, e.ProjectID, e.Reason)
}

func (e *RateNotFoundError) Unwrap() error { return ErrRateNotFound }

// AuditWriteError wraps the store failure behind a missing audit record.
type AuditWriteError struct {
	TravelRequestID string
	Err             error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed for travel request %q: %v", e.TravelRequestID, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *AuditWriteError) Unwrap() []error { return []error{ErrAuditWriteFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCoordinate) ||
		errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if the error indicates missing reference data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRateNotFound) ||
		errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrSubprojectNotFound)
}

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCacheUnavailable)
}
