package sqlite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// RECYCLE BIN (ledger.RecycleStore)
// =============================================================================

func auditImmutable(ref ledger.EntityRef) error {
	return &ledger.InvariantViolationError{Ref: ref, Reason: "audit log entries are immutable"}
}

// scope returns the table and WHERE clause addressing ref. Party tables are
// shared by every kind, so the kind is part of the key.
func scope(ref ledger.EntityRef) (table, where string, args []any, err error) {
	table, err = tableFor(ref.Type)
	if err != nil {
		return "", "", nil, err
	}
	if kind, ok := ref.Type.Kind(); ok && kind != ledger.KindEmployee {
		return table, "id = ? AND kind = ?", []any{ref.ID, kind}, nil
	}
	return table, "id = ?", []any{ref.ID}, nil
}

func (s *Store) Lookup(ctx context.Context, ref ledger.EntityRef) (ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(ctx, s.db, ref)
}

func (s *Store) lookup(ctx context.Context, q sqlx.QueryerContext, ref ledger.EntityRef) (ledger.Record, error) {
	if kind, ok := ref.Type.Kind(); ok && kind != ledger.KindEmployee {
		cp, err := s.counterParty(ctx, q, ref.ID)
		if err != nil {
			if ledger.IsNotFound(err) {
				return nil, notFound(ref)
			}
			return nil, err
		}
		if cp.Kind != kind {
			return nil, notFound(ref)
		}
		return cp, nil
	}
	if ref.Type == ledger.EntityAuditLog {
		entries, err := s.auditEntries(ctx, q, `WHERE id = ?`, []any{ref.ID}, 1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, notFound(ref)
		}
		return entries[0], nil
	}

	table, where, args, err := scope(ref)
	if err != nil {
		return nil, err
	}
	recs, err := selectRecords(ctx, q, ref.Type, `SELECT * FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	if len(recs) == 0 {
		return nil, notFound(ref)
	}
	return recs[0], nil
}

// selectRecords scans rows of one non-party table into their ledger type.
func selectRecords(ctx context.Context, q sqlx.QueryerContext, t ledger.EntityType, query string, args ...any) ([]ledger.Record, error) {
	switch t {
	case ledger.EntityEmployee:
		return scanAs[ledger.Employee](ctx, q, query, args...)
	case ledger.EntityDelivery:
		return scanAs[ledger.Delivery](ctx, q, query, args...)
	case ledger.EntityPayment:
		return scanAs[ledger.Payment](ctx, q, query, args...)
	case ledger.EntityAdjustment:
		return scanAs[ledger.Adjustment](ctx, q, query, args...)
	case ledger.EntityOpeningBalance:
		return scanAs[ledger.OpeningBalanceEntry](ctx, q, query, args...)
	case ledger.EntityCapitalInjection, ledger.EntityWithdrawal:
		return scanAs[ledger.CapitalMovement](ctx, q, query, args...)
	case ledger.EntityAttendance:
		return scanAs[ledger.AttendancePeriod](ctx, q, query, args...)
	}
	return nil, &ledger.ValidationError{Field: "entity_type", Message: fmt.Sprintf("unsupported entity type %q", t)}
}

func scanAs[T ledger.Record](ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]ledger.Record, error) {
	var rows []T
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]ledger.Record, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out, nil
}

func (s *Store) SetDeleted(ctx context.Context, ref ledger.EntityRef, at *time.Time) error {
	if ref.Type == ledger.EntityAuditLog {
		return auditImmutable(ref)
	}
	table, where, args, err := scope(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET deleted_at = ? WHERE `+where,
		append([]any{utcPtr(at)}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("failed to set deleted flag on %s: %w", ref, translate(err, ref))
	}
	return expectRow(res, ref)
}

func (s *Store) ListDeleted(ctx context.Context, t ledger.EntityType, r ledger.DateRange) ([]ledger.Record, error) {
	if t == ledger.EntityAuditLog {
		return nil, &ledger.ValidationError{Field: "entity_type", Message: "audit log entries are never deleted"}
	}
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []ledger.Record
	if kind, ok := t.Kind(); ok && kind != ledger.KindEmployee {
		var ids []string
		if err := s.db.SelectContext(ctx, &ids,
			`SELECT id FROM counter_parties WHERE kind = ? AND deleted_at IS NOT NULL`, kind,
		); err != nil {
			return nil, fmt.Errorf("failed to list deleted %s: %w", t, err)
		}
		for _, id := range ids {
			cp, err := s.counterParty(ctx, s.db, id)
			if err != nil {
				return nil, err
			}
			recs = append(recs, cp)
		}
	} else {
		recs, err = selectRecords(ctx, s.db, t, `SELECT * FROM `+table+` WHERE deleted_at IS NOT NULL`)
		if err != nil {
			return nil, fmt.Errorf("failed to list deleted %s: %w", t, err)
		}
	}

	out := recs[:0]
	for _, rec := range recs {
		if at := deletedAt(rec); at != nil && r.Contains(*at) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().ID < out[j].Ref().ID })
	return out, nil
}

func deletedAt(rec ledger.Record) *time.Time {
	switch v := rec.(type) {
	case ledger.CounterParty:
		return v.DeletedAt
	case ledger.Employee:
		return v.DeletedAt
	case ledger.Delivery:
		return v.DeletedAt
	case ledger.Payment:
		return v.DeletedAt
	case ledger.Adjustment:
		return v.DeletedAt
	case ledger.OpeningBalanceEntry:
		return v.DeletedAt
	case ledger.CapitalMovement:
		return v.DeletedAt
	case ledger.AttendancePeriod:
		return v.DeletedAt
	}
	return nil
}

// referenceQueries lists, per kind, the COUNT queries whose rows point at a
// party. Every query takes the party id as its only argument and ignores
// the soft-delete flag.
var referenceQueries = map[ledger.Kind][]struct {
	rel   ledger.Relation
	query string
}{
	ledger.KindClient: {
		{ledger.RelationDeliveries, `SELECT COUNT(*) FROM deliveries WHERE client_id = ?`},
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE (kind = 'client' AND party_id = ?1) OR project_id = ?1`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'client' AND party_id = ?`},
		{ledger.RelationOpeningBalances, `SELECT COUNT(*) FROM opening_balances WHERE (kind = 'client' AND party_id = ?1) OR project_id = ?1`},
		{ledger.RelationCapitalInjections, `SELECT COUNT(*) FROM capital_injections WHERE project_id = ?`},
		{ledger.RelationWithdrawals, `SELECT COUNT(*) FROM withdrawals WHERE project_id = ?`},
	},
	ledger.KindCrusher: {
		{ledger.RelationDeliveries, `SELECT COUNT(*) FROM deliveries WHERE crusher_id = ?`},
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE kind = 'crusher' AND party_id = ?`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'crusher' AND party_id = ?`},
		{ledger.RelationOpeningBalances, `SELECT COUNT(*) FROM opening_balances WHERE kind = 'crusher' AND party_id = ?`},
	},
	ledger.KindSupplier: {
		{ledger.RelationDeliveries, `SELECT COUNT(*) FROM deliveries WHERE supplier_id = ?`},
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE kind = 'supplier' AND party_id = ?`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'supplier' AND party_id = ?`},
		{ledger.RelationOpeningBalances, `SELECT COUNT(*) FROM opening_balances WHERE kind = 'supplier' AND party_id = ?`},
	},
	ledger.KindContractor: {
		{ledger.RelationDeliveries, `SELECT COUNT(*) FROM deliveries WHERE contractor_id = ?`},
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE kind = 'contractor' AND party_id = ?`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'contractor' AND party_id = ?`},
		{ledger.RelationOpeningBalances, `SELECT COUNT(*) FROM opening_balances WHERE kind = 'contractor' AND party_id = ?`},
	},
	ledger.KindAdministration: {
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE kind = 'administration' AND party_id = ?`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'administration' AND party_id = ?`},
		{ledger.RelationOpeningBalances, `SELECT COUNT(*) FROM opening_balances WHERE kind = 'administration' AND party_id = ?`},
		{ledger.RelationCapitalInjections, `SELECT COUNT(*) FROM capital_injections WHERE administration_id = ?`},
		{ledger.RelationWithdrawals, `SELECT COUNT(*) FROM withdrawals WHERE administration_id = ?`},
	},
	ledger.KindEmployee: {
		{ledger.RelationPayments, `SELECT COUNT(*) FROM payments WHERE kind = 'employee' AND party_id = ?`},
		{ledger.RelationAdjustments, `SELECT COUNT(*) FROM adjustments WHERE kind = 'employee' AND party_id = ?`},
		{ledger.RelationAttendance, `SELECT COUNT(*) FROM attendance WHERE employee_id = ?`},
	},
}

// References counts rows pointing at a party or employee. Transaction rows
// are leaves and are never referenced.
func (s *Store) References(ctx context.Context, ref ledger.EntityRef) (map[ledger.Relation]int, error) {
	if ref.Type == ledger.EntityAuditLog {
		return nil, auditImmutable(ref)
	}
	refs := make(map[ledger.Relation]int)
	kind, ok := ref.Type.Kind()
	if !ok {
		return refs, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rq := range referenceQueries[kind] {
		var n int
		if err := s.db.GetContext(ctx, &n, rq.query, ref.ID); err != nil {
			return nil, fmt.Errorf("failed to count %s referencing %s: %w", rq.rel, ref, err)
		}
		if n > 0 {
			refs[rq.rel] += n
		}
	}
	return refs, nil
}

// Purge removes the row. Price lists cascade with their party.
func (s *Store) Purge(ctx context.Context, ref ledger.EntityRef) error {
	if ref.Type == ledger.EntityAuditLog {
		return auditImmutable(ref)
	}
	table, where, args, err := scope(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("failed to purge %s: %w", ref, translate(err, ref))
	}
	return expectRow(res, ref)
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectRow(res rowsAffected, ref ledger.EntityRef) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound(ref)
	}
	return nil
}
