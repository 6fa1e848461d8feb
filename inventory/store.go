/*
store.go - Persistence interfaces for the stock ledger

PURPOSE:
  Defines what the engine needs from its collaborators:
  - Store:    the append-only ledger itself
  - Products: product metadata lookup (master data, read-only here)
  - AuditLog: who did what, kept apart from the ledger

APPEND-IF-LATEST CONTRACT:
  Store.Append(entry) succeeds only if entry.Seq is exactly one past the
  key's latest sequence at the moment of the write. Two writers that read
  the same snapshot compute the same Seq; the second append fails with
  ErrConcurrentModification instead of silently overwriting the first
  writer's effect (lost update).

  SQL stores enforce this with UNIQUE(store_code, product_code, seq);
  the memory store checks under its mutex.

APPEND-ONLY:
  There is no Update or Delete. Corrections are new entries (reconcile).

IMPLEMENTATIONS:
  - inventory/store/memory.go: in-memory, for tests and dev
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - ledger.go: Engine using these interfaces
*/
package inventory

import (
	"context"
	"time"
)

// =============================================================================
// STORE - append-only ledger persistence
// =============================================================================

// Store persists ledger entries.
type Store interface {
	// Latest returns the newest entry for key. ok is false if none exists.
	Latest(ctx context.Context, key Key) (entry Entry, ok bool, err error)

	// Append persists entry if entry.Seq is exactly latest+1 for its key.
	// Returns ErrConcurrentModification otherwise. This is the ONLY write.
	Append(ctx context.Context, entry Entry) error

	// History returns up to limit entries for key, newest first.
	History(ctx context.Context, key Key, limit int) ([]Entry, error)

	// LatestByStore returns the newest entry of every product in a store.
	LatestByStore(ctx context.Context, store string) ([]Entry, error)

	// EntriesByRun returns every entry tagged with runID, in append order.
	EntriesByRun(ctx context.Context, runID string) ([]Entry, error)
}

// Products looks up product metadata. Returns ErrProductNotFound when the
// code is unknown.
type Products interface {
	Product(ctx context.Context, code string) (Product, error)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	Store     string
	Subject   string // product code or batch id
	Detail    map[string]string
}

type AuditAction string

const (
	AuditReceive            AuditAction = "receive"
	AuditIssue              AuditAction = "issue"
	AuditReconcile          AuditAction = "reconcile"
	AuditProductionStarted  AuditAction = "production_started"
	AuditProductionFinished AuditAction = "production_finished"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Store   string
	Actor   string
	Actions []AuditAction
	Limit   int
}
