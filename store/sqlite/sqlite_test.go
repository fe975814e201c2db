package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quarry-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return ledger.MustDecimal(s) }

func at(d int) time.Time { return time.Date(2024, time.May, d, 9, 30, 0, 0, time.UTC) }

func seedParties(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, cp := range []ledger.CounterParty{
		{ID: "cli-1", Kind: ledger.KindClient, Name: "Quarry Road", OpeningBalance: dec("100"), CreatedAt: at(1)},
		{ID: "cru-1", Kind: ledger.KindCrusher, Name: "North Crusher", CreatedAt: at(1), Prices: []ledger.MaterialPrice{
			{Material: "sand", Price: dec("20")},
			{Material: "gravel", Price: dec("27.5")},
		}},
		{ID: "con-1", Kind: ledger.KindContractor, Name: "Haulers", CreatedAt: at(1)},
		{ID: "adm-1", Kind: ledger.KindAdministration, Name: "Partner", PartnerType: ledger.PartnerTypePartner, CreatedAt: at(1)},
	} {
		require.NoError(t, s.InsertCounterParty(ctx, cp))
	}
}

func sampleDelivery(id string) ledger.Delivery {
	return ledger.Delivery{
		ID: id, ClientID: "cli-1", CrusherID: "cru-1", ContractorID: "con-1", Material: "sand",
		VoucherNumber: "V-" + id, CarVolume: dec("20"), DiscountVolume: dec("0"), NetQuantity: dec("20"),
		PricePerMeter: dec("30"), MaterialPriceAtTime: dec("20"), ContractorChargePerMeter: dec("5"),
		TotalValue: dec("600"), CrusherTotalCost: dec("400"), SupplierTotalCost: dec("0"),
		ContractorTotalCharge: dec("100"), DeliveredAt: at(3), Version: 1, CreatedAt: at(3), UpdatedAt: at(3),
	}
}

// =============================================================================
// PARTIES
// =============================================================================

func TestStore_CounterPartyRoundTrip(t *testing.T) {
	// GIVEN: a crusher with an ordered price list
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	// WHEN: it is read back
	cp, err := s.CounterParty(ctx, "cru-1")
	require.NoError(t, err)

	// THEN: kind, prices and order survive
	assert.Equal(t, ledger.KindCrusher, cp.Kind)
	require.Len(t, cp.Prices, 2)
	assert.Equal(t, "sand", cp.Prices[0].Material)
	assert.Equal(t, "gravel", cp.Prices[1].Material)
	price, ok := cp.PriceFor("gravel")
	assert.True(t, ok)
	assert.True(t, dec("27.5").Equal(price))
	assert.True(t, at(1).Equal(cp.CreatedAt))
	assert.False(t, cp.IsDeleted())

	client, err := s.CounterParty(ctx, "cli-1")
	require.NoError(t, err)
	assert.Nil(t, client.Prices)
	assert.True(t, dec("100").Equal(client.OpeningBalance))
}

func TestStore_CounterPartyErrors(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := s.CounterParty(ctx, "nope")
		assert.True(t, ledger.IsNotFound(err))
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := s.InsertCounterParty(ctx, ledger.CounterParty{ID: "cli-1", Kind: ledger.KindClient, Name: "again", CreatedAt: at(2)})
		assert.ErrorIs(t, err, ledger.ErrConflict)
	})

	t.Run("material listed twice", func(t *testing.T) {
		err := s.InsertCounterParty(ctx, ledger.CounterParty{
			ID: "sup-1", Kind: ledger.KindSupplier, Name: "Supplier", CreatedAt: at(2),
			Prices: []ledger.MaterialPrice{{Material: "sand", Price: dec("1")}, {Material: "sand", Price: dec("2")}},
		})
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = s.CounterParty(ctx, "sup-1")
		assert.True(t, ledger.IsNotFound(err), "party insert must roll back with its prices")
	})
}

func TestStore_EmployeeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEmployee(ctx, ledger.Employee{
		ID: "emp-1", Name: "Driver", BasicSalary: dec("3000"), Status: ledger.EmploymentActive,
		StartDate: at(1), CreatedAt: at(1),
	}))

	e, err := s.Employee(ctx, "emp-1")
	require.NoError(t, err)
	assert.True(t, dec("3000").Equal(e.BasicSalary))
	assert.Equal(t, ledger.EmploymentActive, e.Status)
	assert.Nil(t, e.EndDate)
}

// =============================================================================
// DELIVERIES
// =============================================================================

func TestStore_UpdateDeliveryBumpsVersion(t *testing.T) {
	// GIVEN: a stored delivery at version 1
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))

	// WHEN: its volume is changed
	updated, err := s.UpdateDelivery(ctx, "d1", func(d *ledger.Delivery) error {
		d.CarVolume = dec("25")
		d.NetQuantity = dec("25")
		d.UpdatedAt = at(4)
		return nil
	})
	require.NoError(t, err)

	// THEN: the version advances and the price is unchanged
	assert.Equal(t, 2, updated.Version)
	stored, err := s.Delivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.True(t, dec("25").Equal(stored.NetQuantity))
	assert.True(t, dec("20").Equal(stored.MaterialPriceAtTime))
	assert.True(t, at(3).Equal(stored.CreatedAt))
}

func TestStore_DeliveryPriceIsLocked(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))

	t.Run("through the store", func(t *testing.T) {
		_, err := s.UpdateDelivery(ctx, "d1", func(d *ledger.Delivery) error {
			d.MaterialPriceAtTime = dec("35")
			return nil
		})
		assert.True(t, ledger.IsFatal(err))
	})

	t.Run("through raw SQL", func(t *testing.T) {
		// GIVEN: a session that bypasses the Go layer
		_, err := s.db.Exec(`UPDATE deliveries SET material_price_at_time = '35' WHERE id = 'd1'`)

		// THEN: the trigger aborts it
		require.Error(t, err)
		assert.True(t, ledger.IsFatal(translate(err, ledger.EntityRef{Type: ledger.EntityDelivery, ID: "d1"})))
	})

	d, err := s.Delivery(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, dec("20").Equal(d.MaterialPriceAtTime))
	assert.Equal(t, 1, d.Version)
}

func TestStore_UpdateDeliveryBuildsOnStoredVersion(t *testing.T) {
	// GIVEN: a delivery whose version was moved on by another writer
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))
	_, err := s.db.Exec(`UPDATE deliveries SET version = 7 WHERE id = 'd1'`)
	require.NoError(t, err)

	// WHEN: it is updated through the store
	d, err := s.UpdateDelivery(ctx, "d1", func(d *ledger.Delivery) error {
		d.VoucherNumber = "V-d1b"
		d.Version = 1
		return nil
	})

	// THEN: the new version follows the stored one, not the caller's copy
	require.NoError(t, err)
	assert.Equal(t, 8, d.Version)
	assert.Equal(t, "V-d1b", d.VoucherNumber)
}

func TestStore_DeliveryVoucherIsUnique(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))

	dup := sampleDelivery("d2")
	dup.VoucherNumber = "V-d1"
	err := s.InsertDelivery(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	var conflict *ledger.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "voucher number", conflict.Key)

	// Empty vouchers never collide.
	a, b := sampleDelivery("d3"), sampleDelivery("d4")
	a.VoucherNumber, b.VoucherNumber = "", ""
	require.NoError(t, s.InsertDelivery(ctx, a))
	require.NoError(t, s.InsertDelivery(ctx, b))
}

func TestStore_DeliveriesFilter(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	for i, id := range []string{"d1", "d2", "d3"} {
		d := sampleDelivery(id)
		d.DeliveredAt = at(3 + i)
		require.NoError(t, s.InsertDelivery(ctx, d))
	}
	now := at(10)
	require.NoError(t, s.SetDeleted(ctx, ledger.EntityRef{Type: ledger.EntityDelivery, ID: "d2"}, &now))

	t.Run("by contractor excludes deleted", func(t *testing.T) {
		rows, err := s.Deliveries(ctx, ledger.Filter{Kind: ledger.KindContractor, PartyID: "con-1"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "d1", rows[0].ID)
		assert.Equal(t, "d3", rows[1].ID)
	})

	t.Run("include deleted within range", func(t *testing.T) {
		rows, err := s.Deliveries(ctx, ledger.Filter{
			Kind: ledger.KindClient, PartyID: "cli-1", IncludeDeleted: true,
			Range: ledger.DateRange{From: at(4), To: at(5)},
		})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, rows[0].IsDeleted())
	})

	t.Run("administration owns no deliveries", func(t *testing.T) {
		rows, err := s.Deliveries(ctx, ledger.Filter{Kind: ledger.KindAdministration, PartyID: "adm-1"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

// =============================================================================
// OTHER TRANSACTION ROWS
// =============================================================================

func TestStore_PaymentsAndAdjustments(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertPayment(ctx, ledger.Payment{
		ID: "p1", Kind: ledger.KindClient, PartyID: "cli-1", Amount: dec("250.5"),
		Method: ledger.MethodBankTransfer, PaidAt: at(5), CreatedAt: at(5), UpdatedAt: at(5),
	}))
	require.NoError(t, s.InsertAdjustment(ctx, ledger.Adjustment{
		ID: "a1", Kind: ledger.KindClient, PartyID: "cli-1", Amount: dec("-10"), Reason: "rounding",
		CreatedAt: at(6), UpdatedAt: at(6),
	}))

	p, err := s.UpdatePayment(ctx, "p1", func(p *ledger.Payment) error {
		p.Amount = dec("260")
		p.PartyID = "someone-else"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cli-1", p.PartyID, "owner is not patchable")

	payments, err := s.Payments(ctx, ledger.Filter{Kind: ledger.KindClient, PartyID: "cli-1"})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, dec("260").Equal(payments[0].Amount))
	assert.Equal(t, ledger.MethodBankTransfer, payments[0].Method)

	_, err = s.UpdateAdjustment(ctx, "a1", func(a *ledger.Adjustment) error {
		a.Reason = "rounding fix"
		return nil
	})
	require.NoError(t, err)
	adjustments, err := s.Adjustments(ctx, ledger.Filter{Kind: ledger.KindClient, PartyID: "cli-1"})
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, "rounding fix", adjustments[0].Reason)
	assert.True(t, dec("-10").Equal(adjustments[0].Amount))

	_, err = s.UpdatePayment(ctx, "missing", func(*ledger.Payment) error { return nil })
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_CapitalMovementsUseSeparateTables(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertCapitalMovement(ctx, ledger.CapitalMovement{
		ID: "c1", Direction: ledger.DirectionInjection, AdministrationID: "adm-1", ProjectID: "cli-1",
		Amount: dec("5000"), At: at(2), CreatedAt: at(2),
	}))
	require.NoError(t, s.InsertCapitalMovement(ctx, ledger.CapitalMovement{
		ID: "c2", Direction: ledger.DirectionWithdrawal, AdministrationID: "adm-1", ProjectID: "cli-1",
		Amount: dec("1000"), At: at(3), CreatedAt: at(3),
	}))

	in, err := s.CapitalMovements(ctx, ledger.DirectionInjection, ledger.Filter{PartyID: "adm-1"})
	require.NoError(t, err)
	out, err := s.CapitalMovements(ctx, ledger.DirectionWithdrawal, ledger.Filter{PartyID: "adm-1"})
	require.NoError(t, err)

	require.Len(t, in, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", in[0].ID)
	assert.Equal(t, ledger.EntityWithdrawal, out[0].Ref().Type)

	rec, err := s.Lookup(ctx, ledger.EntityRef{Type: ledger.EntityWithdrawal, ID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.Ref().ID)
	_, err = s.Lookup(ctx, ledger.EntityRef{Type: ledger.EntityCapitalInjection, ID: "c2"})
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_AttendanceIsUniquePerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	days := 26
	period := ledger.AttendancePeriod{
		ID: "att-1", EmployeeID: "emp-1", PeriodStart: at(1), PeriodEnd: at(30),
		PeriodDays: 30, AttendanceDays: &days, WorkedDays: 26, CreatedAt: at(30),
	}
	require.NoError(t, s.InsertAttendance(ctx, period))

	dup := period
	dup.ID = "att-2"
	err := s.InsertAttendance(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	rows, err := s.Attendance(ctx, ledger.Filter{PartyID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AttendanceDays)
	assert.Equal(t, 26, *rows[0].AttendanceDays)
	assert.Nil(t, rows[0].AbsenceDays)
}

func TestStore_BalanceFoldMatchesMemory(t *testing.T) {
	// GIVEN: the client scenario from the calculator tests, stored in SQLite
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))
	require.NoError(t, s.InsertPayment(ctx, ledger.Payment{
		ID: "p1", Kind: ledger.KindClient, PartyID: "cli-1", Amount: dec("450"),
		Method: ledger.MethodCash, PaidAt: at(5), CreatedAt: at(5), UpdatedAt: at(5),
	}))

	// WHEN: the balance is folded
	bal, err := ledger.NewCalculator(s).ComputeBalance(ctx, "cli-1", ledger.KindClient)
	require.NoError(t, err)

	// THEN: 100 opening + 600 delivered - 450 paid
	assert.True(t, dec("250").Equal(bal.Balance), "got %s", bal.Balance)
}

// =============================================================================
// RECYCLE BIN
// =============================================================================

func TestStore_SoftDeleteLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	ref := ledger.EntityRef{Type: ledger.EntityContractor, ID: "con-1"}
	deleted := at(9)

	require.NoError(t, s.SetDeleted(ctx, ref, &deleted))

	bin, err := s.ListDeleted(ctx, ledger.EntityContractor, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, ref, bin[0].Ref())

	bin, err = s.ListDeleted(ctx, ledger.EntityContractor, ledger.DateRange{From: at(10)})
	require.NoError(t, err)
	assert.Empty(t, bin)

	require.NoError(t, s.SetDeleted(ctx, ref, nil))
	rec, err := s.Lookup(ctx, ref)
	require.NoError(t, err)
	assert.False(t, rec.IsDeleted())

	// Kind is part of the key.
	err = s.SetDeleted(ctx, ledger.EntityRef{Type: ledger.EntityClient, ID: "con-1"}, &deleted)
	assert.True(t, ledger.IsNotFound(err))

	_, err = s.ListDeleted(ctx, ledger.EntityAuditLog, ledger.DateRange{})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestStore_ReferencesCountDeletedRows(t *testing.T) {
	// GIVEN: a client with one delivery and one soft-deleted payment
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertDelivery(ctx, sampleDelivery("d1")))
	require.NoError(t, s.InsertPayment(ctx, ledger.Payment{
		ID: "p1", Kind: ledger.KindClient, PartyID: "cli-1", Amount: dec("10"),
		Method: ledger.MethodCash, PaidAt: at(5), CreatedAt: at(5), UpdatedAt: at(5),
	}))
	deleted := at(6)
	require.NoError(t, s.SetDeleted(ctx, ledger.EntityRef{Type: ledger.EntityPayment, ID: "p1"}, &deleted))
	require.NoError(t, s.InsertCapitalMovement(ctx, ledger.CapitalMovement{
		ID: "c1", Direction: ledger.DirectionInjection, AdministrationID: "adm-1", ProjectID: "cli-1",
		Amount: dec("1"), At: at(2), CreatedAt: at(2),
	}))

	// WHEN: references are counted
	refs, err := s.References(ctx, ledger.EntityRef{Type: ledger.EntityClient, ID: "cli-1"})
	require.NoError(t, err)

	// THEN: every relation is listed, deleted rows included
	assert.Equal(t, map[ledger.Relation]int{
		ledger.RelationDeliveries:        1,
		ledger.RelationPayments:          1,
		ledger.RelationCapitalInjections: 1,
	}, refs)

	crusher, err := s.References(ctx, ledger.EntityRef{Type: ledger.EntityCrusher, ID: "cru-1"})
	require.NoError(t, err)
	assert.Equal(t, map[ledger.Relation]int{ledger.RelationDeliveries: 1}, crusher)

	leaf, err := s.References(ctx, ledger.EntityRef{Type: ledger.EntityPayment, ID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestStore_PurgeRemovesPartyAndPrices(t *testing.T) {
	s := newTestStore(t)
	seedParties(t, s)
	ctx := context.Background()

	require.NoError(t, s.Purge(ctx, ledger.EntityRef{Type: ledger.EntityCrusher, ID: "cru-1"}))

	_, err := s.CounterParty(ctx, "cru-1")
	assert.True(t, ledger.IsNotFound(err))
	var n int
	require.NoError(t, s.db.Get(&n, `SELECT COUNT(*) FROM party_prices WHERE party_id = 'cru-1'`))
	assert.Zero(t, n)

	err = s.Purge(ctx, ledger.EntityRef{Type: ledger.EntityCrusher, ID: "cru-1"})
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func appendAudit(t *testing.T, s *Store, id string, action ledger.AuditAction, ref ledger.EntityRef, when time.Time) {
	t.Helper()
	require.NoError(t, s.AppendAudit(context.Background(), ledger.AuditEntry{
		ID: id, ActorID: "u-1", ActorRole: "admin", Action: action,
		EntityType: ref.Type, EntityID: ref.ID,
		NewValues: json.RawMessage(`{"amount":"10"}`), CreatedAt: when,
	}))
}

func TestStore_AuditLogIsAppendOnly(t *testing.T) {
	// GIVEN: one audit entry
	s := newTestStore(t)
	ctx := context.Background()
	ref := ledger.EntityRef{Type: ledger.EntityPayment, ID: "p1"}
	appendAudit(t, s, "au-1", ledger.AuditCreate, ref, at(1))
	auditRef := ledger.EntityRef{Type: ledger.EntityAuditLog, ID: "au-1"}

	// WHEN: every path that could change it is tried
	_, updateErr := s.db.Exec(`UPDATE audit_log SET reason = 'edited' WHERE id = 'au-1'`)
	_, deleteErr := s.db.Exec(`DELETE FROM audit_log WHERE id = 'au-1'`)
	softErr := s.SetDeleted(ctx, auditRef, nil)
	purgeErr := s.Purge(ctx, auditRef)

	// THEN: each one fails and the log is unchanged
	require.Error(t, updateErr)
	require.Error(t, deleteErr)
	assert.True(t, ledger.IsFatal(translate(updateErr, auditRef)))
	assert.True(t, ledger.IsFatal(translate(deleteErr, auditRef)))
	assert.True(t, ledger.IsFatal(softErr))
	assert.True(t, ledger.IsFatal(purgeErr))

	n, err := s.CountAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entries, err := s.AuditEntries(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Reason)

	err = s.AppendAudit(ctx, entries[0])
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestStore_AuditEntriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := ledger.EntityRef{Type: ledger.EntityPayment, ID: "p1"}
	d1 := ledger.EntityRef{Type: ledger.EntityDelivery, ID: "d1"}
	appendAudit(t, s, "au-1", ledger.AuditCreate, p1, at(1))
	appendAudit(t, s, "au-2", ledger.AuditCreate, d1, at(2))
	appendAudit(t, s, "au-3", ledger.AuditUpdate, d1, at(3))
	appendAudit(t, s, "au-4", ledger.AuditDelete, p1, at(4))

	ids := func(entries []ledger.AuditEntry) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter ledger.AuditFilter
		want   []string
	}{
		{"all newest first", ledger.AuditFilter{}, []string{"au-4", "au-3", "au-2", "au-1"}},
		{"by entity", ledger.AuditFilter{Entity: &d1}, []string{"au-3", "au-2"}},
		{"by type", ledger.AuditFilter{Type: ledger.EntityPayment}, []string{"au-4", "au-1"}},
		{"by actions", ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditUpdate, ledger.AuditDelete}}, []string{"au-4", "au-3"}},
		{"by range", ledger.AuditFilter{Range: ledger.DateRange{From: at(2), To: at(3)}}, []string{"au-3", "au-2"}},
		{"limit", ledger.AuditFilter{Limit: 2}, []string{"au-4", "au-3"}},
		{"unknown actor", ledger.AuditFilter{ActorID: "ghost"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.AuditEntries(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(entries))
		})
	}

	entries, err := s.AuditEntries(ctx, ledger.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Nil(t, entries[0].OldValues)
	assert.JSONEq(t, `{"amount":"10"}`, string(entries[0].NewValues))
	assert.True(t, at(4).Equal(entries[0].CreatedAt))
}
