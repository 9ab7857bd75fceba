/*
store.go - Persistence interfaces for cache entries and audit records

PURPOSE:
  Defines the boundary between the engine and its backing stores. The
  engine is agnostic to technology: an in-process LRU, a SQL table or a
  distributed cache all work as long as the contracts below hold.

KEY INTERFACES:
  CacheStore: Fingerprint-keyed entries with TTL metadata (get/put/evict/sweep)
  AuditStore: Append-only audit records

APPEND-ONLY CONTRACT:
  AuditStore has exactly one write operation, Append. There is no Update
  and no Delete. Retention deletion is an administrative operation outside
  the application.

IMPLEMENTATIONS:
  - travel/store/memory.go: In-memory (LRU cache, slice-backed audit)
  - store/sqlite/sqlite.go: SQLite (directory, cache table, audit table)
  - store/postgres/postgres.go: PostgreSQL (directory, audit table)

SEE ALSO:
  - cache.go: Uses CacheStore
  - ledger.go: Uses AuditStore
*/
package travel

import (
	"context"
	"time"
)

// =============================================================================
// CACHE STORE
// =============================================================================

// CacheStore holds cache entries. Only the Cache writes to it.
type CacheStore interface {
	// Get returns the entry for fp. found is false on a miss. Expiry is
	// checked by the caller, stores may return expired entries.
	Get(ctx context.Context, fp Fingerprint) (entry CacheEntry, found bool, err error)

	// Put stores or replaces the entry under its fingerprint.
	Put(ctx context.Context, entry CacheEntry) error

	// Evict removes the given fingerprints. Missing keys are not an error.
	Evict(ctx context.Context, fps ...Fingerprint) (int, error)

	// Sweep removes every entry expired at now and returns their fingerprints.
	// Unexpired entries are never touched.
	Sweep(ctx context.Context, now time.Time) ([]Fingerprint, error)
}

// EvictionNotifier is implemented by stores that drop entries on their own,
// such as a size-bounded LRU. fn runs synchronously inside Put, Evict or
// Sweep for every entry that leaves the store, and must not call back into
// the store.
type EvictionNotifier interface {
	NotifyEvicted(fn func(Fingerprint))
}

// =============================================================================
// AUDIT STORE
// =============================================================================

// AuditStore persists audit records.
// IMPORTANT: APPEND-ONLY. No Update, No Delete. Ever.
type AuditStore interface {
	// Append durably writes one record. Returns ErrDuplicateAuditRecord if
	// the ID exists. The returned record carries the store-assigned Sequence.
	Append(ctx context.Context, rec AuditRecord) (AuditRecord, error)

	// LoadByRequest returns all records of a travel request in creation order.
	LoadByRequest(ctx context.Context, travelRequestID string) ([]AuditRecord, error)
}
