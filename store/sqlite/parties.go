package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// COUNTER-PARTIES (ledger.PartyStore)
// =============================================================================

const insertCounterParty = `
	INSERT INTO counter_parties (id, kind, name, phone, opening_balance, partner_type, created_at, deleted_at)
	VALUES (:id, :kind, :name, :phone, :opening_balance, :partner_type, :created_at, :deleted_at)
`

// InsertCounterParty stores the party and its price list atomically.
func (s *Store) InsertCounterParty(ctx context.Context, cp ledger.CounterParty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.CreatedAt = utc(cp.CreatedAt)
	cp.DeletedAt = utcPtr(cp.DeletedAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertCounterParty, cp); err != nil {
		return translate(err, cp.Ref())
	}
	for i, p := range cp.Prices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO party_prices (party_id, position, material, price) VALUES (?, ?, ?, ?)`,
			cp.ID, i, p.Material, p.Price,
		); err != nil {
			if isUniqueConstraintError(err) {
				return &ledger.ValidationError{Field: "prices", Message: fmt.Sprintf("material %q listed twice", p.Material)}
			}
			return fmt.Errorf("failed to insert price: %w", err)
		}
	}
	return tx.Commit()
}

// CounterParty returns the party even when soft-deleted.
func (s *Store) CounterParty(ctx context.Context, id string) (ledger.CounterParty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counterParty(ctx, s.db, id)
}

func (s *Store) counterParty(ctx context.Context, q sqlx.QueryerContext, id string) (ledger.CounterParty, error) {
	var cp ledger.CounterParty
	err := sqlx.GetContext(ctx, q, &cp, `SELECT * FROM counter_parties WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CounterParty{}, notFound(ledger.EntityRef{Type: "counter_party", ID: id})
	}
	if err != nil {
		return ledger.CounterParty{}, fmt.Errorf("failed to get counter-party: %w", err)
	}
	if err := sqlx.SelectContext(ctx, q, &cp.Prices,
		`SELECT material, price FROM party_prices WHERE party_id = ? ORDER BY position`, id,
	); err != nil {
		return ledger.CounterParty{}, fmt.Errorf("failed to get price list: %w", err)
	}
	if len(cp.Prices) == 0 {
		cp.Prices = nil
	}
	return cp, nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

const insertEmployee = `
	INSERT INTO employees (id, name, basic_salary, status, start_date, end_date, created_at, deleted_at)
	VALUES (:id, :name, :basic_salary, :status, :start_date, :end_date, :created_at, :deleted_at)
`

func (s *Store) InsertEmployee(ctx context.Context, e ledger.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.StartDate = utc(e.StartDate)
	e.EndDate = utcPtr(e.EndDate)
	e.CreatedAt = utc(e.CreatedAt)
	e.DeletedAt = utcPtr(e.DeletedAt)

	_, err := s.db.NamedExecContext(ctx, insertEmployee, e)
	return translate(err, e.Ref())
}

func (s *Store) Employee(ctx context.Context, id string) (ledger.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e ledger.Employee
	err := s.db.GetContext(ctx, &e, `SELECT * FROM employees WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Employee{}, notFound(ledger.EntityRef{Type: ledger.EntityEmployee, ID: id})
	}
	if err != nil {
		return ledger.Employee{}, fmt.Errorf("failed to get employee: %w", err)
	}
	return e, nil
}
