/*
store.go - Persistence interfaces for the transaction store

PURPOSE:
  Defines the boundary between the reconciliation core and the database.
  The transaction store is append-mostly:
  - Deliveries, payments and adjustments may be updated, one row at a time,
    through an atomic read-modify-write (Update* take a mutate func).
  - Every other collection is insert-only apart from the soft-delete flag.
  - The audit log is insert-only, full stop. SetDeleted and Purge against
    an audit ref fail with InvariantViolationError.

READ SEMANTICS:
  List queries exclude soft-deleted rows unless Filter.IncludeDeleted is set.
  Lookup returns rows regardless of the flag so the recycle bin can restore.

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and development
  - store/sqlite: SQLite with structural triggers guarding the audit log
*/
package ledger

import (
	"context"
	"time"
)

// Filter selects transaction rows belonging to one party.
type Filter struct {
	Kind           Kind
	PartyID        string
	Range          DateRange
	IncludeDeleted bool
}

// PartyStore persists counter-parties and employees.
type PartyStore interface {
	InsertCounterParty(ctx context.Context, cp CounterParty) error
	// CounterParty returns the row even when soft-deleted.
	CounterParty(ctx context.Context, id string) (CounterParty, error)
	InsertEmployee(ctx context.Context, e Employee) error
	Employee(ctx context.Context, id string) (Employee, error)
}

// TransactionStore persists the rows balances are folded from.
type TransactionStore interface {
	InsertDelivery(ctx context.Context, d Delivery) error
	Delivery(ctx context.Context, id string) (Delivery, error)
	// UpdateDelivery reads the row, applies mutate and writes it back as one
	// atomic step. A changed MaterialPriceAtTime is rejected.
	UpdateDelivery(ctx context.Context, id string, mutate func(*Delivery) error) (Delivery, error)
	Deliveries(ctx context.Context, f Filter) ([]Delivery, error)

	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, id string, mutate func(*Payment) error) (Payment, error)
	Payments(ctx context.Context, f Filter) ([]Payment, error)

	InsertAdjustment(ctx context.Context, a Adjustment) error
	UpdateAdjustment(ctx context.Context, id string, mutate func(*Adjustment) error) (Adjustment, error)
	Adjustments(ctx context.Context, f Filter) ([]Adjustment, error)

	InsertOpeningBalance(ctx context.Context, o OpeningBalanceEntry) error
	OpeningBalances(ctx context.Context, f Filter) ([]OpeningBalanceEntry, error)

	InsertCapitalMovement(ctx context.Context, c CapitalMovement) error
	CapitalMovements(ctx context.Context, dir Direction, f Filter) ([]CapitalMovement, error)

	// InsertAttendance fails with ConflictError on a duplicate
	// (employee, period_start, period_end).
	InsertAttendance(ctx context.Context, a AttendancePeriod) error
	Attendance(ctx context.Context, f Filter) ([]AttendancePeriod, error)
}

// RecycleStore backs the soft-delete / restore / permanent-delete lifecycle.
type RecycleStore interface {
	Lookup(ctx context.Context, ref EntityRef) (Record, error)
	// SetDeleted sets (at != nil) or clears (at == nil) the soft-delete flag.
	SetDeleted(ctx context.Context, ref EntityRef, at *time.Time) error
	ListDeleted(ctx context.Context, t EntityType, r DateRange) ([]Record, error)
	// References counts rows, deleted or not, that point at ref.
	References(ctx context.Context, ref EntityRef) (map[Relation]int, error)
	Purge(ctx context.Context, ref EntityRef) error
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Entity  *EntityRef
	Type    EntityType
	ActorID string
	Actions []AuditAction
	Range   DateRange
	Limit   int
}

// AuditStore is append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// AuditEntries returns matches newest first.
	AuditEntries(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	CountAudit(ctx context.Context) (int, error)
}

// Store is everything the engine needs.
type Store interface {
	PartyStore
	TransactionStore
	RecycleStore
	AuditStore
}

// Matches reports whether an audit entry passes the filter.
// Stores that filter in memory share this.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Entity != nil && (e.EntityType != f.Entity.Type || e.EntityID != f.Entity.ID) {
		return false
	}
	if f.Type != "" && e.EntityType != f.Type {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.Range.Contains(e.CreatedAt)
}
