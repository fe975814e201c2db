package memory

import (
	"context"
	"sort"
	"time"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// RECYCLE BIN
// =============================================================================

func auditImmutable(ref ledger.EntityRef) error {
	return &ledger.InvariantViolationError{Ref: ref, Reason: "audit log entries are immutable"}
}

func notFound(ref ledger.EntityRef) error { return &ledger.NotFoundError{Ref: ref} }

func (m *Memory) Lookup(_ context.Context, ref ledger.EntityRef) (ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.lookupLocked(ref)
	if !ok {
		return nil, notFound(ref)
	}
	return rec, nil
}

func (m *Memory) lookupLocked(ref ledger.EntityRef) (ledger.Record, bool) {
	if kind, ok := ref.Type.Kind(); ok {
		if kind == ledger.KindEmployee {
			e, found := m.employees[ref.ID]
			return e, found
		}
		cp, found := m.parties[ref.ID]
		if !found || cp.Kind != kind {
			return nil, false
		}
		return cloneParty(cp), true
	}

	var (
		rec   ledger.Record
		found bool
	)
	switch ref.Type {
	case ledger.EntityDelivery:
		rec, found = m.deliveries[ref.ID]
	case ledger.EntityPayment:
		rec, found = m.payments[ref.ID]
	case ledger.EntityAdjustment:
		rec, found = m.adjustments[ref.ID]
	case ledger.EntityOpeningBalance:
		rec, found = m.openings[ref.ID]
	case ledger.EntityCapitalInjection:
		rec, found = m.injections[ref.ID]
	case ledger.EntityWithdrawal:
		rec, found = m.withdrawals[ref.ID]
	case ledger.EntityAttendance:
		var a ledger.AttendancePeriod
		a, found = m.attendance[ref.ID]
		rec = cloneAttendance(a)
	case ledger.EntityAuditLog:
		for _, e := range m.audit {
			if e.ID == ref.ID {
				return e, true
			}
		}
	}
	if !found {
		return nil, false
	}
	return rec, true
}

func (m *Memory) SetDeleted(_ context.Context, ref ledger.EntityRef, at *time.Time) error {
	if ref.Type == ledger.EntityAuditLog {
		return auditImmutable(ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(ref); !ok {
		return notFound(ref)
	}

	var stamp *time.Time
	if at != nil {
		t := at.UTC()
		stamp = &t
	}
	switch ref.Type {
	case ledger.EntityEmployee:
		setDeleted(m.employees, ref.ID, stamp, func(r *ledger.Employee) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityDelivery:
		setDeleted(m.deliveries, ref.ID, stamp, func(r *ledger.Delivery) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityPayment:
		setDeleted(m.payments, ref.ID, stamp, func(r *ledger.Payment) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityAdjustment:
		setDeleted(m.adjustments, ref.ID, stamp, func(r *ledger.Adjustment) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityOpeningBalance:
		setDeleted(m.openings, ref.ID, stamp, func(r *ledger.OpeningBalanceEntry) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityCapitalInjection:
		setDeleted(m.injections, ref.ID, stamp, func(r *ledger.CapitalMovement) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityWithdrawal:
		setDeleted(m.withdrawals, ref.ID, stamp, func(r *ledger.CapitalMovement) *ledger.SoftDelete { return &r.SoftDelete })
	case ledger.EntityAttendance:
		setDeleted(m.attendance, ref.ID, stamp, func(r *ledger.AttendancePeriod) *ledger.SoftDelete { return &r.SoftDelete })
	default:
		setDeleted(m.parties, ref.ID, stamp, func(r *ledger.CounterParty) *ledger.SoftDelete { return &r.SoftDelete })
	}
	return nil
}

func setDeleted[T any](coll map[string]T, id string, at *time.Time, flag func(*T) *ledger.SoftDelete) {
	row := coll[id]
	flag(&row).DeletedAt = at
	coll[id] = row
}

func (m *Memory) ListDeleted(_ context.Context, t ledger.EntityType, r ledger.DateRange) ([]ledger.Record, error) {
	if t == ledger.EntityAuditLog {
		return nil, &ledger.ValidationError{Field: "entity_type", Message: "audit log entries are never deleted"}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Record
	collect := func(rec ledger.Record, s ledger.SoftDelete) {
		if s.IsDeleted() && r.Contains(*s.DeletedAt) {
			out = append(out, rec)
		}
	}
	if kind, ok := t.Kind(); ok && kind != ledger.KindEmployee {
		for _, cp := range m.parties {
			if cp.Kind == kind {
				collect(cloneParty(cp), cp.SoftDelete)
			}
		}
	}
	switch t {
	case ledger.EntityEmployee:
		for _, e := range m.employees {
			collect(e, e.SoftDelete)
		}
	case ledger.EntityDelivery:
		for _, d := range m.deliveries {
			collect(d, d.SoftDelete)
		}
	case ledger.EntityPayment:
		for _, p := range m.payments {
			collect(p, p.SoftDelete)
		}
	case ledger.EntityAdjustment:
		for _, a := range m.adjustments {
			collect(a, a.SoftDelete)
		}
	case ledger.EntityOpeningBalance:
		for _, o := range m.openings {
			collect(o, o.SoftDelete)
		}
	case ledger.EntityCapitalInjection:
		for _, c := range m.injections {
			collect(c, c.SoftDelete)
		}
	case ledger.EntityWithdrawal:
		for _, c := range m.withdrawals {
			collect(c, c.SoftDelete)
		}
	case ledger.EntityAttendance:
		for _, a := range m.attendance {
			collect(cloneAttendance(a), a.SoftDelete)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().ID < out[j].Ref().ID })
	return out, nil
}

// References counts rows pointing at a party or employee. Transaction rows
// are leaves and are never referenced.
func (m *Memory) References(_ context.Context, ref ledger.EntityRef) (map[ledger.Relation]int, error) {
	if ref.Type == ledger.EntityAuditLog {
		return nil, auditImmutable(ref)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make(map[ledger.Relation]int)
	kind, ok := ref.Type.Kind()
	if !ok {
		return refs, nil
	}
	id := ref.ID

	for _, d := range m.deliveries {
		if d.PartyID(kind) == id {
			refs[ledger.RelationDeliveries]++
		}
	}
	for _, p := range m.payments {
		if (p.Kind == kind && p.PartyID == id) || (kind == ledger.KindClient && p.ProjectID == id) {
			refs[ledger.RelationPayments]++
		}
	}
	for _, a := range m.adjustments {
		if a.Kind == kind && a.PartyID == id {
			refs[ledger.RelationAdjustments]++
		}
	}
	for _, o := range m.openings {
		if (o.Kind == kind && o.PartyID == id) || (kind == ledger.KindClient && o.ProjectID == id) {
			refs[ledger.RelationOpeningBalances]++
		}
	}
	for rel, coll := range map[ledger.Relation]map[string]ledger.CapitalMovement{
		ledger.RelationCapitalInjections: m.injections,
		ledger.RelationWithdrawals:       m.withdrawals,
	} {
		for _, c := range coll {
			if (kind == ledger.KindAdministration && c.AdministrationID == id) || (kind == ledger.KindClient && c.ProjectID == id) {
				refs[rel]++
			}
		}
	}
	if kind == ledger.KindEmployee {
		for _, a := range m.attendance {
			if a.EmployeeID == id {
				refs[ledger.RelationAttendance]++
			}
		}
	}
	return refs, nil
}

func (m *Memory) Purge(_ context.Context, ref ledger.EntityRef) error {
	if ref.Type == ledger.EntityAuditLog {
		return auditImmutable(ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(ref); !ok {
		return notFound(ref)
	}
	switch ref.Type {
	case ledger.EntityEmployee:
		delete(m.employees, ref.ID)
	case ledger.EntityDelivery:
		delete(m.deliveries, ref.ID)
	case ledger.EntityPayment:
		delete(m.payments, ref.ID)
	case ledger.EntityAdjustment:
		delete(m.adjustments, ref.ID)
	case ledger.EntityOpeningBalance:
		delete(m.openings, ref.ID)
	case ledger.EntityCapitalInjection:
		delete(m.injections, ref.ID)
	case ledger.EntityWithdrawal:
		delete(m.withdrawals, ref.ID)
	case ledger.EntityAttendance:
		delete(m.attendance, ref.ID)
	default:
		delete(m.parties, ref.ID)
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.audit {
		if existing.ID == e.ID {
			return &ledger.ConflictError{Entity: ledger.EntityAuditLog, Key: e.ID}
		}
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) AuditEntries(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if f.Matches(m.audit[i]) {
			out = append(out, m.audit[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) CountAudit(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit), nil
}
