/*
ledger.go - Append-only audit ledger of request-bound calculations

PURPOSE:
  Records what was calculated, on which inputs and under which rule
  version, every time a calculation is bound to a travel request (at
  submission and at any approval-time re-verification). The ledger is
  independent of the cache: an evicted entry never erases its audit
  record, and an approved allowance is whatever was audited.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. DURABLE BEFORE SUCCESS: Record returns only after the store accepted
     the write. Any failure is an AuditWriteError.
  3. ORDERED: Trail returns records in creation order.

SEE ALSO:
  - store.go: AuditStore interface
  - engine.go: CalculateAndAudit
*/
package travel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLedger writes and reads audit records through an AuditStore.
type AuditLedger struct {
	Store AuditStore
	Now   func() time.Time
}

// NewAuditLedger creates a ledger over store.
func NewAuditLedger(store AuditStore) *AuditLedger {
	return &AuditLedger{Store: store, Now: time.Now}
}

// Record appends one audit record. This is the ONLY write operation.
func (l *AuditLedger) Record(
	ctx context.Context,
	travelRequestID string,
	input CalculationInput,
	projectID string,
	snapshot InputSnapshot,
	result CalculationResult,
	ruleVersion string,
) (AuditRecord, error) {
	if travelRequestID == "" {
		return AuditRecord{}, fmt.Errorf("%w: travel request id is required", ErrInvalidRequest)
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	rec := AuditRecord{
		ID:              uuid.NewString(),
		TravelRequestID: travelRequestID,
		EmployeeID:      input.EmployeeID,
		SubprojectID:    input.SubprojectID,
		ProjectID:       projectID,
		Input:           snapshot,
		Result:          result,
		RuleVersion:     ruleVersion,
		ComputedAt:      result.ComputedAt,
		RecordedAt:      now().UTC(),
	}

	stored, err := l.Store.Append(ctx, rec)
	if err != nil {
		return AuditRecord{}, &AuditWriteError{TravelRequestID: travelRequestID, Err: err}
	}
	return stored, nil
}

// Trail returns the audit records of a travel request, oldest first.
// Read-only.
func (l *AuditLedger) Trail(ctx context.Context, travelRequestID string) ([]AuditRecord, error) {
	if travelRequestID == "" {
		return nil, fmt.Errorf("%w: travel request id is required", ErrInvalidRequest)
	}
	recs, err := l.Store.LoadByRequest(ctx, travelRequestID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail for %q: %w", travelRequestID, err)
	}
	return recs, nil
}
