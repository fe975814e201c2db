package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// RESULT
// =============================================================================

// Status summarises an employee balance.
type Status string

const (
	StatusDue      Status = "due"      // business owes the employee
	StatusOverpaid Status = "overpaid" // employee was paid more than earned
	StatusBalanced Status = "balanced"
	StatusNeutral  Status = "neutral" // calculation invalid, balance forced to 0
)

// Invalid-result reasons.
const (
	ReasonNoSalary     = "basic salary must be greater than zero"
	ReasonNoAttendance = "no valid attendance periods"
	ReasonZeroEarned   = "total earned salary is zero"
)

// PeriodResult is the payroll view of one attendance period.
type PeriodResult struct {
	AttendanceID string          `json:"attendance_id"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	PeriodDays   int             `json:"period_days"`
	WorkedDays   int             `json:"worked_days"`
	DailyRate    decimal.Decimal `json:"daily_rate"`
	Earned       decimal.Decimal `json:"earned"`
	Valid        bool            `json:"valid"`
}

// Result is the outcome of ComputeEmployeeBalance.
type Result struct {
	EmployeeID        string          `json:"employee_id"`
	TotalEarnedSalary decimal.Decimal `json:"total_earned_salary"`
	TotalPayments     decimal.Decimal `json:"total_payments"`
	TotalAdjustments  decimal.Decimal `json:"total_adjustments"`
	Balance           decimal.Decimal `json:"balance"`
	Status            Status          `json:"balance_status"`
	Valid             bool            `json:"valid"`
	Reason            string          `json:"reason,omitempty"`

	// Raw totals over every normalized period, reported even when invalid.
	TotalWorkedDays int            `json:"total_worked_days"`
	TotalPeriodDays int            `json:"total_period_days"`
	ValidPeriods    int            `json:"valid_periods"`
	Periods         []PeriodResult `json:"periods"`
}

// =============================================================================
// COMPUTE - Pure payroll fold
// =============================================================================

// Compute folds an employee's rows. Soft-deleted rows are skipped.
//
// NOTE: the balance sign is inverted relative to ledger.Balance.
// A negative balance means the business owes the employee.
func Compute(emp ledger.Employee, periods []ledger.AttendancePeriod, payments []ledger.Payment, adjustments []ledger.Adjustment) Result {
	res := Result{
		EmployeeID:        emp.ID,
		TotalEarnedSalary: decimal.Zero,
		TotalPayments:     decimal.Zero,
		TotalAdjustments:  decimal.Zero,
		Balance:           decimal.Zero,
		Valid:             true,
	}
	salaryOK := emp.BasicSalary.IsPositive()
	if !salaryOK {
		res.Valid, res.Reason = false, ReasonNoSalary
	}

	for _, raw := range periods {
		if raw.IsDeleted() {
			continue
		}
		a := Normalize(raw)
		pr := PeriodResult{
			AttendanceID: a.ID,
			PeriodStart:  a.PeriodStart,
			PeriodEnd:    a.PeriodEnd,
			PeriodDays:   a.PeriodDays,
			WorkedDays:   a.WorkedDays,
			DailyRate:    decimal.Zero,
			Earned:       decimal.Zero,
			Valid:        Usable(a),
		}
		res.TotalPeriodDays += a.PeriodDays
		res.TotalWorkedDays += a.WorkedDays
		if pr.Valid {
			res.ValidPeriods++
			if salaryOK {
				pr.DailyRate = emp.BasicSalary.Div(decimal.NewFromInt(int64(a.PeriodDays)))
				pr.Earned = ledger.Money(pr.DailyRate.Mul(decimal.NewFromInt(int64(a.WorkedDays))))
				res.TotalEarnedSalary = res.TotalEarnedSalary.Add(pr.Earned)
			}
		}
		res.Periods = append(res.Periods, pr)
	}

	for _, p := range payments {
		if !p.IsDeleted() {
			res.TotalPayments = res.TotalPayments.Add(p.Amount)
		}
	}
	for _, adj := range adjustments {
		if !adj.IsDeleted() {
			res.TotalAdjustments = res.TotalAdjustments.Add(adj.Amount)
		}
	}

	switch {
	case !res.Valid:
	case res.ValidPeriods == 0:
		res.Valid, res.Reason = false, ReasonNoAttendance
	case res.TotalEarnedSalary.IsZero():
		res.Valid, res.Reason = false, ReasonZeroEarned
	}
	if !res.Valid {
		res.Status = StatusNeutral
		return res
	}

	res.Balance = res.TotalPayments.Sub(res.TotalEarnedSalary.Add(res.TotalAdjustments))
	switch {
	case res.Balance.IsNegative():
		res.Status = StatusDue
	case res.Balance.IsPositive():
		res.Status = StatusOverpaid
	default:
		res.Status = StatusBalanced
	}
	return res
}

// =============================================================================
// CALCULATOR - Loads rows and computes
// =============================================================================

// Store is the slice of ledger.Store payroll reads and writes.
type Store interface {
	Employee(ctx context.Context, id string) (ledger.Employee, error)
	Attendance(ctx context.Context, f ledger.Filter) ([]ledger.AttendancePeriod, error)
	InsertAttendance(ctx context.Context, a ledger.AttendancePeriod) error
	Payments(ctx context.Context, f ledger.Filter) ([]ledger.Payment, error)
	Adjustments(ctx context.Context, f ledger.Filter) ([]ledger.Adjustment, error)
}

// Calculator computes employee balances and records attendance.
type Calculator struct {
	Store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{Store: store}
}

// ComputeEmployeeBalance loads the employee's rows and runs Compute.
// A missing or soft-deleted employee is NotFound; an invalid calculation
// is not an error.
func (c *Calculator) ComputeEmployeeBalance(ctx context.Context, employeeID string) (Result, error) {
	emp, err := c.activeEmployee(ctx, employeeID)
	if err != nil {
		return Result{}, err
	}
	periods, payments, adjustments, err := c.load(ctx, employeeID, ledger.DateRange{})
	if err != nil {
		return Result{}, err
	}
	return Compute(emp, periods, payments, adjustments), nil
}

// RecordAttendance validates, normalizes and stores one attendance period.
// Nothing is stored when validation fails.
func (c *Calculator) RecordAttendance(ctx context.Context, a ledger.AttendancePeriod) (ledger.AttendancePeriod, error) {
	prepared, err := Prepare(a)
	if err != nil {
		return ledger.AttendancePeriod{}, err
	}
	if _, err := c.activeEmployee(ctx, a.EmployeeID); err != nil {
		return ledger.AttendancePeriod{}, err
	}
	if err := c.Store.InsertAttendance(ctx, prepared); err != nil {
		return ledger.AttendancePeriod{}, err
	}
	return prepared, nil
}

func (c *Calculator) activeEmployee(ctx context.Context, id string) (ledger.Employee, error) {
	ref := ledger.EntityRef{Type: ledger.EntityEmployee, ID: id}
	emp, err := c.Store.Employee(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Employee{}, &ledger.NotFoundError{Ref: ref}
		}
		return ledger.Employee{}, err
	}
	if emp.IsDeleted() {
		return ledger.Employee{}, &ledger.NotFoundError{Ref: ref, Reason: "soft-deleted"}
	}
	return emp, nil
}

func (c *Calculator) load(ctx context.Context, employeeID string, r ledger.DateRange) (
	periods []ledger.AttendancePeriod, payments []ledger.Payment, adjustments []ledger.Adjustment, err error,
) {
	f := ledger.Filter{Kind: ledger.KindEmployee, PartyID: employeeID, Range: r}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		periods, err = c.Store.Attendance(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		payments, err = c.Store.Payments(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		adjustments, err = c.Store.Adjustments(gctx, f)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, nil, nil, fmt.Errorf("load employee/%s: %w", employeeID, err)
	}
	return periods, payments, adjustments, nil
}
