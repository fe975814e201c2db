/*
Package engine is the single entry point external collaborators call.

PURPOSE:
  Wires the reconciliation core together: the balance and payroll
  calculators, the delivery price lock, the audit trail, the recycle bin
  and the payload factory. The API layer and the CLI only talk to Engine.

OPERATIONS:
  Writes:  CreateTransaction, UpdateTransaction, RegisterCounterParty,
           RegisterEmployee, SoftDelete, Restore, PermanentDelete
  Reads:   ComputeBalance, ComputeEmployeeBalance, ListTransactions,
           ListDeleted, AuditLog, CounterParty, Employee
  Audit:   AppendAuditEntry, RecordBlocked

WRITE FLOW:
  1. Decode and validate the payload (factory)
  2. Check that every referenced party exists and is active
  3. Write the row (price lock and recompute for deliveries)
  4. Append the audit entry
  5. Count the mutation

  Nothing is cached. Every read re-folds committed rows.

USAGE:
  store, _ := sqlite.New("ledger.db")
  eng := engine.New(store, engine.WithLogger(log), engine.WithMetrics(metrics))

  row, err := eng.CreateTransaction(ctx, actor, factory.KindPayment, payload)
  bal, err := eng.ComputeBalance(ctx, "cli-1", ledger.KindClient)
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/quarry-ledger/audit"
	"github.com/warp/quarry-ledger/delivery"
	"github.com/warp/quarry-ledger/factory"
	"github.com/warp/quarry-ledger/ledger"
	"github.com/warp/quarry-ledger/payroll"
)

// Engine implements the operations of the reconciliation core.
type Engine struct {
	store      ledger.Store
	balances   *ledger.Calculator
	payroll    *payroll.Calculator
	deliveries *delivery.Service
	trail      *audit.Trail
	bin        *audit.Bin
	factory    *factory.Factory
	metrics    *Metrics
	log        logrus.FieldLogger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New wires an engine over a store.
func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	e.balances = ledger.NewCalculator(store)
	e.payroll = payroll.NewCalculator(store)
	e.deliveries = delivery.NewService(store, e.log)
	e.trail = audit.NewTrail(store, e.log)
	e.bin = audit.NewBin(store, e.trail, e.log)
	e.factory = factory.New()
	return e
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction decodes a payload of the given kind, stores the row and
// audits it.
func (e *Engine) CreateTransaction(ctx context.Context, actor audit.Actor, kind factory.Kind, payload []byte) (ledger.Record, error) {
	tx, err := e.factory.ParseTransaction(kind, payload)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	var rec ledger.Record
	switch kind {
	case factory.KindDelivery:
		d, err := e.deliveries.Create(ctx, *tx.Delivery)
		if err != nil {
			return nil, err
		}
		rec = d

	case factory.KindPayment:
		p := *tx.Payment
		if err := e.requireParty(ctx, p.Kind, p.PartyID); err != nil {
			return nil, err
		}
		if err := e.requireProject(ctx, p.ProjectID); err != nil {
			return nil, err
		}
		p.ID = orNewID(p.ID)
		p.PaidAt = orNow(p.PaidAt, now)
		p.CreatedAt, p.UpdatedAt = now, now
		if err := e.store.InsertPayment(ctx, p); err != nil {
			return nil, err
		}
		rec = p

	case factory.KindAdjustment:
		a := *tx.Adjustment
		if err := e.requireParty(ctx, a.Kind, a.PartyID); err != nil {
			return nil, err
		}
		a.ID = orNewID(a.ID)
		a.CreatedAt = orNow(a.CreatedAt, now)
		a.UpdatedAt = now
		if err := e.store.InsertAdjustment(ctx, a); err != nil {
			return nil, err
		}
		rec = a

	case factory.KindAttendance:
		a := *tx.Attendance
		a.ID = orNewID(a.ID)
		a.CreatedAt = now
		stored, err := e.payroll.RecordAttendance(ctx, a)
		if err != nil {
			return nil, err
		}
		rec = stored

	case factory.KindCapitalInjection, factory.KindWithdrawal:
		c := *tx.Capital
		if err := e.requireParty(ctx, ledger.KindAdministration, c.AdministrationID); err != nil {
			return nil, err
		}
		if err := e.requireProject(ctx, c.ProjectID); err != nil {
			return nil, err
		}
		c.ID = orNewID(c.ID)
		c.At = orNow(c.At, now)
		c.CreatedAt = now
		if err := e.store.InsertCapitalMovement(ctx, c); err != nil {
			return nil, err
		}
		rec = c

	case factory.KindOpeningBalance:
		o := *tx.Opening
		if err := e.requireParty(ctx, o.Kind, o.PartyID); err != nil {
			return nil, err
		}
		if err := e.requireProject(ctx, o.ProjectID); err != nil {
			return nil, err
		}
		o.ID = orNewID(o.ID)
		o.CreatedAt = now
		if err := e.store.InsertOpeningBalance(ctx, o); err != nil {
			return nil, err
		}
		rec = o
	}

	e.metrics.mutation(string(kind), string(ledger.AuditCreate))
	if _, err := e.trail.Append(ctx, actor, ledger.AuditCreate, rec.Ref(), nil, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// UpdateTransaction patches a delivery, payment or adjustment. Delivery
// updates without an explicit version are pinned to the version read for
// the audit snapshot, so a concurrent writer surfaces as
// ErrConcurrentModification instead of an audit entry with a stale "before".
func (e *Engine) UpdateTransaction(ctx context.Context, actor audit.Actor, kind factory.Kind, id string, payload []byte) (ledger.Record, error) {
	up, err := e.factory.ParseUpdate(kind, payload)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	var before, after ledger.Record
	switch kind {
	case factory.KindDelivery:
		current, err := e.store.Delivery(ctx, id)
		if err != nil {
			return nil, err
		}
		patch := *up.Delivery
		if patch.ExpectedVersion == 0 {
			patch.ExpectedVersion = current.Version
		}
		updated, err := e.deliveries.Update(ctx, id, patch)
		if err != nil {
			return nil, err
		}
		before, after = current, updated

	case factory.KindPayment:
		var prev ledger.Payment
		if up.Payment.ProjectID != nil {
			if err := e.requireProject(ctx, *up.Payment.ProjectID); err != nil {
				return nil, err
			}
		}
		updated, err := e.store.UpdatePayment(ctx, id, func(p *ledger.Payment) error {
			if p.IsDeleted() {
				return &ledger.NotFoundError{Ref: p.Ref(), Reason: "soft-deleted"}
			}
			prev = *p
			up.Payment.Apply(p)
			p.UpdatedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		before, after = prev, updated

	case factory.KindAdjustment:
		var prev ledger.Adjustment
		updated, err := e.store.UpdateAdjustment(ctx, id, func(a *ledger.Adjustment) error {
			if a.IsDeleted() {
				return &ledger.NotFoundError{Ref: a.Ref(), Reason: "soft-deleted"}
			}
			prev = *a
			up.Adjustment.Apply(a)
			a.UpdatedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		before, after = prev, updated
	}

	e.metrics.mutation(string(kind), string(ledger.AuditUpdate))
	if _, err := e.trail.Append(ctx, actor, ledger.AuditUpdate, after.Ref(), before, after); err != nil {
		return after, err
	}
	return after, nil
}

// =============================================================================
// BALANCES AND STATEMENTS
// =============================================================================

// ComputeBalance folds a counter-party's rows. Employees go through
// ComputeEmployeeBalance.
func (e *Engine) ComputeBalance(ctx context.Context, partyID string, kind ledger.Kind) (ledger.Balance, error) {
	if kind == ledger.KindEmployee {
		return ledger.Balance{}, &ledger.ValidationError{Field: "kind", Message: "employee balances are computed by payroll"}
	}
	bal, err := e.balances.ComputeBalance(ctx, partyID, kind)
	if err != nil {
		return ledger.Balance{}, err
	}
	e.metrics.balanceRead(kind.String())
	return bal, nil
}

// invalidReasons labels the payroll_invalid counter.
var invalidReasons = map[string]string{
	payroll.ReasonNoSalary:     "no_salary",
	payroll.ReasonNoAttendance: "no_attendance",
	payroll.ReasonZeroEarned:   "zero_earned",
}

// ComputeEmployeeBalance runs payroll. An invalid result is returned, not
// an error, and is logged so missing attendance data gets noticed.
func (e *Engine) ComputeEmployeeBalance(ctx context.Context, employeeID string) (payroll.Result, error) {
	res, err := e.payroll.ComputeEmployeeBalance(ctx, employeeID)
	if err != nil {
		return payroll.Result{}, err
	}
	e.metrics.balanceRead(ledger.KindEmployee.String())
	if !res.Valid {
		e.log.WithFields(logrus.Fields{
			"employee_id": employeeID,
			"reason":      res.Reason,
			"worked_days": res.TotalWorkedDays,
		}).Warn("payroll calculation invalid, balance forced to neutral")
		e.metrics.invalidPayroll(invalidReasons[res.Reason])
	}
	return res, nil
}

// ListTransactions returns the statement of any party, employees included.
func (e *Engine) ListTransactions(ctx context.Context, partyID string, kind ledger.Kind, r ledger.DateRange) (ledger.Statement, error) {
	if kind == ledger.KindEmployee {
		return e.payroll.ListTransactions(ctx, partyID, r)
	}
	return e.balances.ListTransactions(ctx, partyID, kind, r)
}

// =============================================================================
// RECYCLE BIN
// =============================================================================

func (e *Engine) SoftDelete(ctx context.Context, actor audit.Actor, ref ledger.EntityRef) (ledger.Record, error) {
	rec, err := e.bin.SoftDelete(ctx, actor, ref)
	if rec != nil {
		e.metrics.mutation(string(ref.Type), string(ledger.AuditDelete))
	}
	return rec, err
}

func (e *Engine) Restore(ctx context.Context, actor audit.Actor, ref ledger.EntityRef) (ledger.Record, error) {
	rec, err := e.bin.Restore(ctx, actor, ref)
	if rec != nil {
		e.metrics.mutation(string(ref.Type), string(ledger.AuditRestore))
	}
	return rec, err
}

func (e *Engine) PermanentDelete(ctx context.Context, actor audit.Actor, ref ledger.EntityRef) error {
	err := e.bin.PermanentDelete(ctx, actor, ref)
	switch {
	case err == nil:
		e.metrics.mutation(string(ref.Type), string(ledger.AuditPermanentDelete))
	case errors.Is(err, ledger.ErrReferentialGuard):
		e.metrics.mutation(string(ref.Type), string(ledger.AuditBlocked))
	}
	return err
}

func (e *Engine) ListDeleted(ctx context.Context, t ledger.EntityType, r ledger.DateRange) ([]ledger.Record, error) {
	return e.bin.ListDeleted(ctx, t, r)
}

// =============================================================================
// AUDIT
// =============================================================================

// AppendAuditEntry records an entry on behalf of an external collaborator.
func (e *Engine) AppendAuditEntry(ctx context.Context, actor audit.Actor, action ledger.AuditAction, ref ledger.EntityRef, before, after any) (ledger.AuditEntry, error) {
	return e.trail.Append(ctx, actor, action, ref, before, after)
}

// RecordBlocked records a refused attempt, e.g. an authorization failure
// in the API layer.
func (e *Engine) RecordBlocked(ctx context.Context, actor audit.Actor, attempted ledger.AuditAction, ref ledger.EntityRef, reason string) (ledger.AuditEntry, error) {
	return e.trail.Blocked(ctx, actor, attempted, ref, reason)
}

// AuditLog queries the trail, newest first.
func (e *Engine) AuditLog(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return e.trail.Query(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

// requireParty checks that an active party of the given kind exists.
func (e *Engine) requireParty(ctx context.Context, kind ledger.Kind, id string) error {
	ref := ledger.EntityRef{Type: ledger.EntityTypeFor(kind), ID: id}
	if kind == ledger.KindEmployee {
		emp, err := e.store.Employee(ctx, id)
		if err != nil {
			return notFoundAs(err, ref)
		}
		if emp.IsDeleted() {
			return &ledger.NotFoundError{Ref: ref, Reason: "soft-deleted"}
		}
		return nil
	}
	cp, err := e.store.CounterParty(ctx, id)
	switch {
	case err != nil:
		return notFoundAs(err, ref)
	case cp.Kind != kind:
		return &ledger.NotFoundError{Ref: ref, Reason: "registered as " + cp.Kind.String()}
	case cp.IsDeleted():
		return &ledger.NotFoundError{Ref: ref, Reason: "soft-deleted"}
	}
	return nil
}

// requireProject checks an optional project reference. Projects are clients.
func (e *Engine) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return nil
	}
	if err := e.requireParty(ctx, ledger.KindClient, projectID); err != nil {
		return fmt.Errorf("project_id: %w", err)
	}
	return nil
}

func notFoundAs(err error, ref ledger.EntityRef) error {
	if ledger.IsNotFound(err) {
		return &ledger.NotFoundError{Ref: ref}
	}
	return err
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
