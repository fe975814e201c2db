/*
Package payroll computes what the business owes its employees.

PURPOSE:
  Employees are paid a monthly salary prorated over recorded attendance
  periods. Each period carries its own day count, and the daily rate is
  always relative to that period (never a fixed 30-day month), so short
  and long periods prorate correctly.

SIGN CONVENTION (inverted, keep it):
  balance = Σ payments − (Σ earned + Σ adjustments)

    balance < 0   business still owes the employee       ("due")
    balance > 0   employee was overpaid                  ("overpaid")
    balance = 0                                          ("balanced")

  Every other counter-party reports "positive = more owed" in the opposite
  direction. Employees are a cost center; dashboards rely on this sign.

INVALID RESULTS:
  A salary <= 0, no valid attendance periods, or zero earnings make the
  calculation untrustworthy. The result is then Valid=false, Status
  "neutral", Balance 0, with Reason set. Raw day totals are still reported.

SEE ALSO:
  - attendance.go: Normalize and Validate for attendance rows
  - calculator.go: Compute and the store-backed Calculator
*/
package payroll

import (
	"fmt"
	"math"
	"time"

	"github.com/warp/quarry-ledger/ledger"
)

const day = 24 * time.Hour

// PeriodDays counts the days of an inclusive period: ceil((end-start)/day) + 1.
// It is <= 0 when end precedes start by more than a day.
func PeriodDays(start, end time.Time) int {
	return int(math.Ceil(float64(end.Sub(start))/float64(day))) + 1
}

// Normalize fills the derived fields of an attendance row. It is applied to
// every row loaded for payroll so that legacy rows (absence-only, or with a
// missing period_days) never reach the calculator in raw form.
//
//   - PeriodDays is derived from the dates when missing.
//   - WorkedDays comes from AttendanceDays as-is, or PeriodDays-AbsenceDays.
//     Rows with neither keep their stored WorkedDays.
func Normalize(a ledger.AttendancePeriod) ledger.AttendancePeriod {
	if a.PeriodDays <= 0 {
		a.PeriodDays = PeriodDays(a.PeriodStart, a.PeriodEnd)
	}
	switch {
	case a.AttendanceDays != nil:
		a.WorkedDays = *a.AttendanceDays
	case a.AbsenceDays != nil:
		a.WorkedDays = a.PeriodDays - *a.AbsenceDays
	}
	return a
}

// Usable reports whether a normalized period counts toward payroll.
func Usable(a ledger.AttendancePeriod) bool {
	return a.PeriodDays > 0 && a.WorkedDays >= 0
}

// Validate checks an attendance row before it is stored. Exactly one of
// AttendanceDays/AbsenceDays must be set, within [0, period days].
func Validate(a ledger.AttendancePeriod) error {
	if a.EmployeeID == "" {
		return &ledger.ValidationError{Field: "employee_id", Message: "is required"}
	}
	if a.PeriodStart.IsZero() || a.PeriodEnd.IsZero() {
		return &ledger.ValidationError{Field: "period_start", Message: "period start and end are required"}
	}
	if a.PeriodEnd.Before(a.PeriodStart) {
		return &ledger.ValidationError{Field: "period_end", Message: "must not precede period_start"}
	}
	if (a.AttendanceDays == nil) == (a.AbsenceDays == nil) {
		return &ledger.ValidationError{Field: "attendance_days", Message: "exactly one of attendance_days or absence_days must be supplied"}
	}

	days := a.PeriodDays
	if days <= 0 {
		days = PeriodDays(a.PeriodStart, a.PeriodEnd)
	}
	field, value := "attendance_days", a.AttendanceDays
	if value == nil {
		field, value = "absence_days", a.AbsenceDays
	}
	if *value < 0 || *value > days {
		return &ledger.ValidationError{Field: field, Message: fmt.Sprintf("%d is outside 0..%d", *value, days)}
	}
	return nil
}

// Prepare validates a row and returns it normalized, ready to persist.
func Prepare(a ledger.AttendancePeriod) (ledger.AttendancePeriod, error) {
	if err := Validate(a); err != nil {
		return ledger.AttendancePeriod{}, err
	}
	a.PeriodStart = a.PeriodStart.UTC()
	a.PeriodEnd = a.PeriodEnd.UTC()
	return Normalize(a), nil
}
