package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// QUERY BUILDING
// =============================================================================

// partyColumn is the delivery column referencing a kind.
var partyColumn = map[ledger.Kind]string{
	ledger.KindClient:     "client_id",
	ledger.KindCrusher:    "crusher_id",
	ledger.KindSupplier:   "supplier_id",
	ledger.KindContractor: "contractor_id",
}

// listQuery builds "SELECT * FROM table WHERE ..." for a Filter. The date
// range is applied in Go so that it behaves exactly like DateRange.Contains.
type listQuery struct {
	conds []string
	args  []any
}

func (q *listQuery) where(cond string, args ...any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
}

func (q *listQuery) sql(table, order string, f ledger.Filter) string {
	if !f.IncludeDeleted {
		q.where("deleted_at IS NULL")
	}
	b := strings.Builder{}
	b.WriteString("SELECT * FROM ")
	b.WriteString(table)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	b.WriteString(", id")
	return b.String()
}

// ownedBy adds kind/party conditions for polymorphic tables.
func (q *listQuery) ownedBy(f ledger.Filter) {
	if f.Kind != 0 {
		q.where("kind = ?", f.Kind)
	}
	if f.PartyID != "" {
		q.where("party_id = ?", f.PartyID)
	}
}

func inRange[T any](rows []T, r ledger.DateRange, at func(T) time.Time) []T {
	if r.IsOpen() {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		if r.Contains(at(row)) {
			out = append(out, row)
		}
	}
	return out
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// =============================================================================
// DELIVERIES
// =============================================================================

const insertDelivery = `
	INSERT INTO deliveries (
		id, client_id, crusher_id, supplier_id, contractor_id, material, voucher_number,
		car_volume, discount_volume, net_quantity, price_per_meter, material_price_at_time,
		contractor_charge_per_meter, total_value, crusher_total_cost, supplier_total_cost,
		contractor_total_charge, delivered_at, version, created_at, updated_at, deleted_at
	) VALUES (
		:id, :client_id, :crusher_id, :supplier_id, :contractor_id, :material, :voucher_number,
		:car_volume, :discount_volume, :net_quantity, :price_per_meter, :material_price_at_time,
		:contractor_charge_per_meter, :total_value, :crusher_total_cost, :supplier_total_cost,
		:contractor_total_charge, :delivered_at, :version, :created_at, :updated_at, :deleted_at
	)
`

// updateDelivery writes every mutable column, guarded by the version read
// in the same transaction. material_price_at_time is written back as read;
// the trigger aborts if a caller changed it.
const updateDelivery = `
	UPDATE deliveries SET
		contractor_id = :contractor_id, voucher_number = :voucher_number,
		car_volume = :car_volume, discount_volume = :discount_volume, net_quantity = :net_quantity,
		price_per_meter = :price_per_meter, material_price_at_time = :material_price_at_time,
		contractor_charge_per_meter = :contractor_charge_per_meter, total_value = :total_value,
		crusher_total_cost = :crusher_total_cost, supplier_total_cost = :supplier_total_cost,
		contractor_total_charge = :contractor_total_charge, delivered_at = :delivered_at,
		version = :version, updated_at = :updated_at
	WHERE id = :id AND version = :expected_version
`

func deliveryUTC(d ledger.Delivery) ledger.Delivery {
	d.DeliveredAt = utc(d.DeliveredAt)
	d.CreatedAt = utc(d.CreatedAt)
	d.UpdatedAt = utc(d.UpdatedAt)
	d.DeletedAt = utcPtr(d.DeletedAt)
	return d
}

func (s *Store) InsertDelivery(ctx context.Context, d ledger.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, insertDelivery, deliveryUTC(d))
	return translate(err, d.Ref())
}

func (s *Store) Delivery(ctx context.Context, id string) (ledger.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d ledger.Delivery
	err := s.db.GetContext(ctx, &d, `SELECT * FROM deliveries WHERE id = ?`, id)
	if noRows(err) {
		return ledger.Delivery{}, notFound(ledger.EntityRef{Type: ledger.EntityDelivery, ID: id})
	}
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// UpdateDelivery is a read-modify-write inside one database transaction.
// The UPDATE only matches the version that was read, so a writer that
// slipped in between (another process on the same file) is detected.
func (s *Store) UpdateDelivery(ctx context.Context, id string, mutate func(*ledger.Delivery) error) (ledger.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := ledger.EntityRef{Type: ledger.EntityDelivery, ID: id}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orig ledger.Delivery
	if err := tx.GetContext(ctx, &orig, `SELECT * FROM deliveries WHERE id = ?`, id); err != nil {
		if noRows(err) {
			return ledger.Delivery{}, notFound(ref)
		}
		return ledger.Delivery{}, fmt.Errorf("failed to read delivery: %w", err)
	}

	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Delivery{}, err
	}
	if !next.MaterialPriceAtTime.Equal(orig.MaterialPriceAtTime) {
		return ledger.Delivery{}, &ledger.InvariantViolationError{
			Ref: ref, Field: "material_price_at_time", Reason: "price is locked at creation",
		}
	}
	next.ID = orig.ID
	next.CreatedAt = orig.CreatedAt
	next.MaterialPriceAtTime = orig.MaterialPriceAtTime
	next.Version = orig.Version + 1
	next = deliveryUTC(next)

	res, err := tx.NamedExecContext(ctx, updateDelivery, struct {
		ledger.Delivery
		ExpectedVersion int `json:"expected_version"`
	}{next, orig.Version})
	if err != nil {
		return ledger.Delivery{}, translate(err, ref)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ledger.Delivery{}, fmt.Errorf("failed to update delivery: %w", err)
	} else if n == 0 {
		return ledger.Delivery{}, fmt.Errorf("delivery %s at version %d: %w", id, orig.Version, ledger.ErrConcurrentModification)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Delivery{}, fmt.Errorf("failed to commit delivery update: %w", err)
	}
	return next, nil
}

func (s *Store) Deliveries(ctx context.Context, f ledger.Filter) ([]ledger.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	if f.PartyID != "" {
		col, ok := partyColumn[f.Kind]
		if !ok {
			return nil, nil
		}
		q.where(col+" = ?", f.PartyID)
	}
	var rows []ledger.Delivery
	if err := s.db.SelectContext(ctx, &rows, q.sql("deliveries", "delivered_at", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return inRange(rows, f.Range, func(d ledger.Delivery) time.Time { return d.DeliveredAt }), nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const insertPayment = `
	INSERT INTO payments (id, kind, party_id, project_id, amount, method, paid_at, note, created_at, updated_at, deleted_at)
	VALUES (:id, :kind, :party_id, :project_id, :amount, :method, :paid_at, :note, :created_at, :updated_at, :deleted_at)
`

func paymentUTC(p ledger.Payment) ledger.Payment {
	p.PaidAt = utc(p.PaidAt)
	p.CreatedAt = utc(p.CreatedAt)
	p.UpdatedAt = utc(p.UpdatedAt)
	p.DeletedAt = utcPtr(p.DeletedAt)
	return p
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, insertPayment, paymentUTC(p))
	return translate(err, p.Ref())
}

func (s *Store) UpdatePayment(ctx context.Context, id string, mutate func(*ledger.Payment) error) (ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := ledger.EntityRef{Type: ledger.EntityPayment, ID: id}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orig ledger.Payment
	if err := tx.GetContext(ctx, &orig, `SELECT * FROM payments WHERE id = ?`, id); err != nil {
		if noRows(err) {
			return ledger.Payment{}, notFound(ref)
		}
		return ledger.Payment{}, fmt.Errorf("failed to read payment: %w", err)
	}
	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Payment{}, err
	}
	next.ID, next.Kind, next.PartyID, next.CreatedAt = orig.ID, orig.Kind, orig.PartyID, orig.CreatedAt
	next = paymentUTC(next)

	if _, err := tx.NamedExecContext(ctx, `
		UPDATE payments SET project_id = :project_id, amount = :amount, method = :method,
			paid_at = :paid_at, note = :note, updated_at = :updated_at
		WHERE id = :id`, next); err != nil {
		return ledger.Payment{}, translate(err, ref)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payment{}, fmt.Errorf("failed to commit payment update: %w", err)
	}
	return next, nil
}

func (s *Store) Payments(ctx context.Context, f ledger.Filter) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	q.ownedBy(f)
	var rows []ledger.Payment
	if err := s.db.SelectContext(ctx, &rows, q.sql("payments", "paid_at", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return inRange(rows, f.Range, func(p ledger.Payment) time.Time { return p.PaidAt }), nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const insertAdjustment = `
	INSERT INTO adjustments (id, kind, party_id, amount, reason, created_at, updated_at, deleted_at)
	VALUES (:id, :kind, :party_id, :amount, :reason, :created_at, :updated_at, :deleted_at)
`

func adjustmentUTC(a ledger.Adjustment) ledger.Adjustment {
	a.CreatedAt = utc(a.CreatedAt)
	a.UpdatedAt = utc(a.UpdatedAt)
	a.DeletedAt = utcPtr(a.DeletedAt)
	return a
}

func (s *Store) InsertAdjustment(ctx context.Context, a ledger.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, insertAdjustment, adjustmentUTC(a))
	return translate(err, a.Ref())
}

func (s *Store) UpdateAdjustment(ctx context.Context, id string, mutate func(*ledger.Adjustment) error) (ledger.Adjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := ledger.EntityRef{Type: ledger.EntityAdjustment, ID: id}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Adjustment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orig ledger.Adjustment
	if err := tx.GetContext(ctx, &orig, `SELECT * FROM adjustments WHERE id = ?`, id); err != nil {
		if noRows(err) {
			return ledger.Adjustment{}, notFound(ref)
		}
		return ledger.Adjustment{}, fmt.Errorf("failed to read adjustment: %w", err)
	}
	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Adjustment{}, err
	}
	next.ID, next.Kind, next.PartyID, next.CreatedAt = orig.ID, orig.Kind, orig.PartyID, orig.CreatedAt
	next = adjustmentUTC(next)

	if _, err := tx.NamedExecContext(ctx,
		`UPDATE adjustments SET amount = :amount, reason = :reason, updated_at = :updated_at WHERE id = :id`,
		next,
	); err != nil {
		return ledger.Adjustment{}, translate(err, ref)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Adjustment{}, fmt.Errorf("failed to commit adjustment update: %w", err)
	}
	return next, nil
}

func (s *Store) Adjustments(ctx context.Context, f ledger.Filter) ([]ledger.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	q.ownedBy(f)
	var rows []ledger.Adjustment
	if err := s.db.SelectContext(ctx, &rows, q.sql("adjustments", "created_at", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}
	return inRange(rows, f.Range, func(a ledger.Adjustment) time.Time { return a.CreatedAt }), nil
}

// =============================================================================
// OPENING BALANCES
// =============================================================================

const insertOpeningBalance = `
	INSERT INTO opening_balances (id, kind, party_id, project_id, amount, note, created_at, deleted_at)
	VALUES (:id, :kind, :party_id, :project_id, :amount, :note, :created_at, :deleted_at)
`

func (s *Store) InsertOpeningBalance(ctx context.Context, o ledger.OpeningBalanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.CreatedAt = utc(o.CreatedAt)
	o.DeletedAt = utcPtr(o.DeletedAt)
	_, err := s.db.NamedExecContext(ctx, insertOpeningBalance, o)
	return translate(err, o.Ref())
}

func (s *Store) OpeningBalances(ctx context.Context, f ledger.Filter) ([]ledger.OpeningBalanceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	q.ownedBy(f)
	var rows []ledger.OpeningBalanceEntry
	if err := s.db.SelectContext(ctx, &rows, q.sql("opening_balances", "created_at", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list opening balances: %w", err)
	}
	return inRange(rows, f.Range, func(o ledger.OpeningBalanceEntry) time.Time { return o.CreatedAt }), nil
}

// =============================================================================
// CAPITAL MOVEMENTS
// =============================================================================

func capitalTable(dir ledger.Direction) string {
	if dir == ledger.DirectionWithdrawal {
		return "withdrawals"
	}
	return "capital_injections"
}

func (s *Store) InsertCapitalMovement(ctx context.Context, c ledger.CapitalMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.At = utc(c.At)
	c.CreatedAt = utc(c.CreatedAt)
	c.DeletedAt = utcPtr(c.DeletedAt)
	query := `INSERT INTO ` + capitalTable(c.Direction) + `
		(id, direction, administration_id, project_id, amount, at, note, created_at, deleted_at)
		VALUES (:id, :direction, :administration_id, :project_id, :amount, :at, :note, :created_at, :deleted_at)`
	_, err := s.db.NamedExecContext(ctx, query, c)
	return translate(err, c.Ref())
}

func (s *Store) CapitalMovements(ctx context.Context, dir ledger.Direction, f ledger.Filter) ([]ledger.CapitalMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	if f.PartyID != "" {
		q.where("administration_id = ?", f.PartyID)
	}
	var rows []ledger.CapitalMovement
	if err := s.db.SelectContext(ctx, &rows, q.sql(capitalTable(dir), "at", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", capitalTable(dir), err)
	}
	return inRange(rows, f.Range, func(c ledger.CapitalMovement) time.Time { return c.At }), nil
}

// =============================================================================
// ATTENDANCE
// =============================================================================

const insertAttendance = `
	INSERT INTO attendance (id, employee_id, period_start, period_end, period_days,
		attendance_days, absence_days, worked_days, note, created_at, deleted_at)
	VALUES (:id, :employee_id, :period_start, :period_end, :period_days,
		:attendance_days, :absence_days, :worked_days, :note, :created_at, :deleted_at)
`

func (s *Store) InsertAttendance(ctx context.Context, a ledger.AttendancePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.PeriodStart = utc(a.PeriodStart)
	a.PeriodEnd = utc(a.PeriodEnd)
	a.CreatedAt = utc(a.CreatedAt)
	a.DeletedAt = utcPtr(a.DeletedAt)
	_, err := s.db.NamedExecContext(ctx, insertAttendance, a)
	return translate(err, a.Ref())
}

func (s *Store) Attendance(ctx context.Context, f ledger.Filter) ([]ledger.AttendancePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q listQuery
	if f.PartyID != "" {
		q.where("employee_id = ?", f.PartyID)
	}
	var rows []ledger.AttendancePeriod
	if err := s.db.SelectContext(ctx, &rows, q.sql("attendance", "period_start", f), q.args...); err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	return inRange(rows, f.Range, func(a ledger.AttendancePeriod) time.Time { return a.PeriodStart }), nil
}
