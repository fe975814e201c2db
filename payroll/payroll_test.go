package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quarry-ledger/ledger"
	"github.com/warp/quarry-ledger/payroll"
	"github.com/warp/quarry-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intp(n int) *int { return &n }

func employee(salary string) ledger.Employee {
	return ledger.Employee{
		ID:          "emp-1",
		Name:        "Samir",
		BasicSalary: ledger.MustDecimal(salary),
		Status:      ledger.EmploymentActive,
		StartDate:   date(2024, time.January, 1),
	}
}

func worked(id string, start, end time.Time, days int) ledger.AttendancePeriod {
	return ledger.AttendancePeriod{ID: id, EmployeeID: "emp-1", PeriodStart: start, PeriodEnd: end, AttendanceDays: intp(days)}
}

func payment(id, amount string) ledger.Payment {
	return ledger.Payment{
		ID: id, Kind: ledger.KindEmployee, PartyID: "emp-1",
		Amount: ledger.MustDecimal(amount), Method: ledger.MethodCash, PaidAt: date(2024, time.February, 5),
	}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, ledger.MustDecimal(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// NORMALIZATION AND VALIDATION
// =============================================================================

func TestPeriodDays_Inclusive(t *testing.T) {
	assert.Equal(t, 30, payroll.PeriodDays(date(2024, time.April, 1), date(2024, time.April, 30)))
	assert.Equal(t, 31, payroll.PeriodDays(date(2024, time.January, 1), date(2024, time.January, 31)))
	assert.Equal(t, 1, payroll.PeriodDays(date(2024, time.January, 1), date(2024, time.January, 1)))
	// A partial trailing day rounds up.
	assert.Equal(t, 3, payroll.PeriodDays(date(2024, time.January, 1), date(2024, time.January, 2).Add(6*time.Hour)))
}

func TestNormalize_LegacyAbsenceOnlyRow(t *testing.T) {
	// GIVEN: A legacy row with only absence days and no stored period_days
	a := ledger.AttendancePeriod{
		PeriodStart: date(2024, time.April, 1),
		PeriodEnd:   date(2024, time.April, 30),
		AbsenceDays: intp(4),
	}

	// WHEN: Normalizing
	n := payroll.Normalize(a)

	// THEN: Both derived fields are filled
	assert.Equal(t, 30, n.PeriodDays)
	assert.Equal(t, 26, n.WorkedDays)
	assert.True(t, payroll.Usable(n))
}

func TestNormalize_KeepsStoredPeriodDays(t *testing.T) {
	a := worked("a", date(2024, time.April, 1), date(2024, time.April, 30), 20)
	a.PeriodDays = 26

	n := payroll.Normalize(a)

	assert.Equal(t, 26, n.PeriodDays)
	assert.Equal(t, 20, n.WorkedDays)
}

func TestValidate(t *testing.T) {
	start, end := date(2024, time.April, 1), date(2024, time.April, 30)

	tests := []struct {
		name  string
		row   ledger.AttendancePeriod
		field string
	}{
		{"end before start", ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: end, PeriodEnd: start, AttendanceDays: intp(1)}, "period_end"},
		{"neither days field", ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end}, "attendance_days"},
		{"both days fields", ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end, AttendanceDays: intp(1), AbsenceDays: intp(1)}, "attendance_days"},
		{"attendance exceeds period", ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end, AttendanceDays: intp(31)}, "attendance_days"},
		{"negative absence", ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end, AbsenceDays: intp(-1)}, "absence_days"},
		{"missing employee", ledger.AttendancePeriod{PeriodStart: start, PeriodEnd: end, AttendanceDays: intp(1)}, "employee_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := payroll.Validate(tc.row)
			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}

	assert.NoError(t, payroll.Validate(ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end, AttendanceDays: intp(30)}))
	assert.NoError(t, payroll.Validate(ledger.AttendancePeriod{EmployeeID: "e", PeriodStart: start, PeriodEnd: end, AbsenceDays: intp(0)}))
}

// =============================================================================
// COMPUTE
// =============================================================================

func TestCompute_ProratesFullAndHalfPeriod(t *testing.T) {
	// GIVEN: Salary 3000 and a 30-day period
	emp := employee("3000")
	april := func(days int) []ledger.AttendancePeriod {
		return []ledger.AttendancePeriod{worked("a", date(2024, time.April, 1), date(2024, time.April, 30), days)}
	}

	// WHEN/THEN: 30 worked days earn the full salary, 15 earn half
	requireDecimal(t, "3000", payroll.Compute(emp, april(30), nil, nil).TotalEarnedSalary)
	requireDecimal(t, "1500", payroll.Compute(emp, april(15), nil, nil).TotalEarnedSalary)
}

func TestCompute_EachPeriodUsesItsOwnDayCount(t *testing.T) {
	// GIVEN: Salary 6000, a full 30-day and a full 31-day period
	emp := employee("6000")
	periods := []ledger.AttendancePeriod{
		worked("apr", date(2024, time.April, 1), date(2024, time.April, 30), 30),
		worked("may", date(2024, time.May, 1), date(2024, time.May, 31), 31),
	}

	// WHEN: Computing
	res := payroll.Compute(emp, periods, nil, nil)

	// THEN: Each period earns the full salary
	require.True(t, res.Valid)
	requireDecimal(t, "12000", res.TotalEarnedSalary)
	require.Len(t, res.Periods, 2)
	assert.Equal(t, 31, res.Periods[1].PeriodDays)
	assert.Equal(t, 61, res.TotalPeriodDays)
	assert.Equal(t, 61, res.TotalWorkedDays)
}

func TestCompute_InvertedSignConvention(t *testing.T) {
	// GIVEN: 3000 earned, 1000 paid, a +200 adjustment
	emp := employee("3000")
	periods := []ledger.AttendancePeriod{worked("a", date(2024, time.April, 1), date(2024, time.April, 30), 30)}
	adjustments := []ledger.Adjustment{{ID: "adj", Kind: ledger.KindEmployee, PartyID: "emp-1", Amount: ledger.MustDecimal("200")}}

	// WHEN: Computing
	res := payroll.Compute(emp, periods, []ledger.Payment{payment("p1", "1000")}, adjustments)

	// THEN: Negative balance means the business still owes the employee
	// (payments − (earned + adjustments) = 1000 − 3200)
	requireDecimal(t, "-2200", res.Balance)
	assert.Equal(t, payroll.StatusDue, res.Status)

	// AND: Overpaying flips the sign
	res = payroll.Compute(emp, periods, []ledger.Payment{payment("p1", "3500")}, nil)
	requireDecimal(t, "500", res.Balance)
	assert.Equal(t, payroll.StatusOverpaid, res.Status)

	res = payroll.Compute(emp, periods, []ledger.Payment{payment("p1", "3000")}, nil)
	assert.True(t, res.Balance.IsZero())
	assert.Equal(t, payroll.StatusBalanced, res.Status)
}

func TestCompute_ZeroSalaryIsNeutral(t *testing.T) {
	// GIVEN: Salary 0, attendance recorded, large payments
	emp := employee("0")
	periods := []ledger.AttendancePeriod{worked("a", date(2024, time.April, 1), date(2024, time.April, 30), 22)}

	// WHEN: Computing
	res := payroll.Compute(emp, periods, []ledger.Payment{payment("p1", "90000")}, nil)

	// THEN: Invalid, neutral, zero balance; raw day totals still visible
	assert.False(t, res.Valid)
	assert.Equal(t, payroll.ReasonNoSalary, res.Reason)
	assert.Equal(t, payroll.StatusNeutral, res.Status)
	assert.True(t, res.Balance.IsZero())
	assert.Equal(t, 22, res.TotalWorkedDays)
	assert.Equal(t, 30, res.TotalPeriodDays)
	requireDecimal(t, "90000", res.TotalPayments)
}

func TestCompute_NoAttendanceIsNeutral(t *testing.T) {
	res := payroll.Compute(employee("3000"), nil, []ledger.Payment{payment("p1", "500")}, nil)

	assert.False(t, res.Valid)
	assert.Equal(t, payroll.ReasonNoAttendance, res.Reason)
	assert.True(t, res.Balance.IsZero())
}

func TestCompute_ZeroWorkedDaysIsNeutral(t *testing.T) {
	periods := []ledger.AttendancePeriod{worked("a", date(2024, time.April, 1), date(2024, time.April, 30), 0)}

	res := payroll.Compute(employee("3000"), periods, []ledger.Payment{payment("p1", "500")}, nil)

	assert.False(t, res.Valid)
	assert.Equal(t, payroll.ReasonZeroEarned, res.Reason)
	assert.Equal(t, payroll.StatusNeutral, res.Status)
	assert.True(t, res.Balance.IsZero())
}

func TestCompute_SkipsDeletedRows(t *testing.T) {
	deletedAt := date(2024, time.May, 1)
	periods := []ledger.AttendancePeriod{
		worked("a", date(2024, time.April, 1), date(2024, time.April, 30), 30),
		worked("b", date(2024, time.May, 1), date(2024, time.May, 31), 31),
	}
	periods[1].DeletedAt = &deletedAt
	pay := payment("p1", "100")
	pay.DeletedAt = &deletedAt

	res := payroll.Compute(employee("3000"), periods, []ledger.Payment{pay}, nil)

	requireDecimal(t, "3000", res.TotalEarnedSalary)
	assert.True(t, res.TotalPayments.IsZero())
	assert.Equal(t, 1, res.ValidPeriods)
}

// =============================================================================
// CALCULATOR (store-backed)
// =============================================================================

func TestCalculator_RecordAndCompute(t *testing.T) {
	// GIVEN: An employee in the store
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.InsertEmployee(ctx, employee("3000")))
	calc := payroll.NewCalculator(store)

	// WHEN: Recording an absence-based period and a payment
	a := ledger.AttendancePeriod{
		ID: "att-1", EmployeeID: "emp-1",
		PeriodStart: date(2024, time.April, 1), PeriodEnd: date(2024, time.April, 30),
		AbsenceDays: intp(15),
	}
	stored, err := calc.RecordAttendance(ctx, a)
	require.NoError(t, err)
	require.NoError(t, store.InsertPayment(ctx, payment("p1", "1000")))

	// THEN: The stored row is normalized and the balance is prorated
	assert.Equal(t, 30, stored.PeriodDays)
	assert.Equal(t, 15, stored.WorkedDays)

	res, err := calc.ComputeEmployeeBalance(ctx, "emp-1")
	require.NoError(t, err)
	requireDecimal(t, "1500", res.TotalEarnedSalary)
	requireDecimal(t, "-500", res.Balance)
}

func TestCalculator_RejectsInvalidAndDuplicatePeriods(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.InsertEmployee(ctx, employee("3000")))
	calc := payroll.NewCalculator(store)

	// Invalid rows are never stored.
	_, err := calc.RecordAttendance(ctx, ledger.AttendancePeriod{
		ID: "bad", EmployeeID: "emp-1",
		PeriodStart: date(2024, time.April, 1), PeriodEnd: date(2024, time.April, 30),
		AttendanceDays: intp(40),
	})
	require.ErrorIs(t, err, ledger.ErrValidation)
	rows, err := store.Attendance(ctx, ledger.Filter{PartyID: "emp-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Same employee and period twice is a conflict.
	_, err = calc.RecordAttendance(ctx, worked("a1", date(2024, time.April, 1), date(2024, time.April, 30), 30))
	require.NoError(t, err)
	_, err = calc.RecordAttendance(ctx, worked("a2", date(2024, time.April, 1), date(2024, time.April, 30), 20))
	require.ErrorIs(t, err, ledger.ErrConflict)
}

func TestCalculator_UnknownOrDeletedEmployee(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	calc := payroll.NewCalculator(store)

	_, err := calc.ComputeEmployeeBalance(ctx, "ghost")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, store.InsertEmployee(ctx, employee("3000")))
	now := time.Now()
	require.NoError(t, store.SetDeleted(ctx, ledger.EntityRef{Type: ledger.EntityEmployee, ID: "emp-1"}, &now))

	_, err = calc.ComputeEmployeeBalance(ctx, "emp-1")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCalculator_StatementClosingMatchesBalance(t *testing.T) {
	// GIVEN: Two periods, a payment and an adjustment
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.InsertEmployee(ctx, employee("6000")))
	calc := payroll.NewCalculator(store)
	_, err := calc.RecordAttendance(ctx, worked("apr", date(2024, time.April, 1), date(2024, time.April, 30), 30))
	require.NoError(t, err)
	_, err = calc.RecordAttendance(ctx, worked("may", date(2024, time.May, 1), date(2024, time.May, 31), 31))
	require.NoError(t, err)
	require.NoError(t, store.InsertPayment(ctx, payment("p1", "5000")))
	require.NoError(t, store.InsertAdjustment(ctx, ledger.Adjustment{
		ID: "adj", Kind: ledger.KindEmployee, PartyID: "emp-1", Amount: ledger.MustDecimal("250"),
		Reason: "bonus", CreatedAt: date(2024, time.June, 1),
	}))

	// WHEN: Listing the full statement
	st, err := calc.ListTransactions(ctx, "emp-1", ledger.DateRange{})
	require.NoError(t, err)
	res, err := calc.ComputeEmployeeBalance(ctx, "emp-1")
	require.NoError(t, err)

	// THEN: Closing equals the payroll balance, lines are chronological
	require.Len(t, st.Entries, 4)
	assert.True(t, st.Closing.Equal(res.Balance), "closing %s balance %s", st.Closing, res.Balance)
	requireDecimal(t, "-7250", st.Closing)
	assert.Equal(t, ledger.EntityPayment, st.Entries[0].Ref.Type)
	assert.Equal(t, ledger.EntityAdjustment, st.Entries[3].Ref.Type)

	// AND: A window starting in May carries April forward
	st, err = calc.ListTransactions(ctx, "emp-1", ledger.DateRange{From: date(2024, time.May, 1)})
	require.NoError(t, err)
	requireDecimal(t, "-1000", st.BroughtForward)
	requireDecimal(t, "-7250", st.Closing)
}
