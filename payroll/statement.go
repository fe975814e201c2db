package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/quarry-ledger/ledger"
)

// Entries turns a payroll result and the employee's money rows into statement
// lines under the payroll sign convention: payments add, earned salary and
// adjustments subtract. Only valid periods produce a line.
func Entries(res Result, payments []ledger.Payment, adjustments []ledger.Adjustment) []ledger.Entry {
	var out []ledger.Entry
	for _, p := range res.Periods {
		if !p.Valid || p.Earned.IsZero() {
			continue
		}
		out = append(out, ledger.Entry{
			At:  p.PeriodEnd,
			Ref: ledger.EntityRef{Type: ledger.EntityAttendance, ID: p.AttendanceID},
			Description: fmt.Sprintf("salary %s..%s (%d/%d days)",
				p.PeriodStart.Format(time.DateOnly), p.PeriodEnd.Format(time.DateOnly), p.WorkedDays, p.PeriodDays),
			Amount: p.Earned.Neg(),
		})
	}
	for _, p := range payments {
		if !p.IsDeleted() {
			out = append(out, ledger.Entry{At: p.PaidAt, Ref: p.Ref(), Description: "payment (" + string(p.Method) + ")", Amount: p.Amount})
		}
	}
	for _, a := range adjustments {
		if !a.IsDeleted() {
			out = append(out, ledger.Entry{At: a.CreatedAt, Ref: a.Ref(), Description: "adjustment: " + a.Reason, Amount: a.Amount.Neg()})
		}
	}
	ledger.SortEntries(out)
	return out
}

// ListTransactions builds an employee statement. When the calculation is
// invalid the lines are still listed but Closing is forced to zero, matching
// the neutral balance.
func (c *Calculator) ListTransactions(ctx context.Context, employeeID string, r ledger.DateRange) (ledger.Statement, error) {
	if err := r.Validate(); err != nil {
		return ledger.Statement{}, err
	}
	emp, err := c.activeEmployee(ctx, employeeID)
	if err != nil {
		return ledger.Statement{}, err
	}
	periods, payments, adjustments, err := c.load(ctx, employeeID, ledger.DateRange{})
	if err != nil {
		return ledger.Statement{}, err
	}
	res := Compute(emp, periods, payments, adjustments)

	st := ledger.Statement{Kind: ledger.KindEmployee, PartyID: employeeID, Range: r, BroughtForward: decimal.Zero}
	running := decimal.Zero
	for _, e := range Entries(res, payments, adjustments) {
		if !r.From.IsZero() && e.At.Before(r.From) {
			st.BroughtForward = st.BroughtForward.Add(e.Amount)
			running = st.BroughtForward
			continue
		}
		if !r.To.IsZero() && e.At.After(r.To) {
			continue
		}
		running = running.Add(e.Amount)
		e.Running = running
		st.Entries = append(st.Entries, e)
	}
	st.Closing = running
	if !res.Valid {
		st.Closing = decimal.Zero
	}
	return st, nil
}
