// Package memory provides an in-memory ledger.Store for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps every collection in maps guarded by one RWMutex. Each write
// touches a single row under the write lock, which makes Update* an atomic
// read-modify-write.
type Memory struct {
	mu sync.RWMutex

	parties     map[string]ledger.CounterParty
	employees   map[string]ledger.Employee
	deliveries  map[string]ledger.Delivery
	payments    map[string]ledger.Payment
	adjustments map[string]ledger.Adjustment
	openings    map[string]ledger.OpeningBalanceEntry
	injections  map[string]ledger.CapitalMovement
	withdrawals map[string]ledger.CapitalMovement
	attendance  map[string]ledger.AttendancePeriod
	audit       []ledger.AuditEntry
}

var _ ledger.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		parties:     make(map[string]ledger.CounterParty),
		employees:   make(map[string]ledger.Employee),
		deliveries:  make(map[string]ledger.Delivery),
		payments:    make(map[string]ledger.Payment),
		adjustments: make(map[string]ledger.Adjustment),
		openings:    make(map[string]ledger.OpeningBalanceEntry),
		injections:  make(map[string]ledger.CapitalMovement),
		withdrawals: make(map[string]ledger.CapitalMovement),
		attendance:  make(map[string]ledger.AttendancePeriod),
	}
}

// =============================================================================
// PARTIES
// =============================================================================

func (m *Memory) InsertCounterParty(_ context.Context, cp ledger.CounterParty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parties[cp.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityTypeFor(cp.Kind), Key: cp.ID}
	}
	m.parties[cp.ID] = cloneParty(cp)
	return nil
}

func (m *Memory) CounterParty(_ context.Context, id string) (ledger.CounterParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.parties[id]
	if !ok {
		return ledger.CounterParty{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: "counter_party", ID: id}}
	}
	return cloneParty(cp), nil
}

func (m *Memory) InsertEmployee(_ context.Context, e ledger.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.employees[e.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityEmployee, Key: e.ID}
	}
	m.employees[e.ID] = e
	return nil
}

func (m *Memory) Employee(_ context.Context, id string) (ledger.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[id]
	if !ok {
		return ledger.Employee{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: ledger.EntityEmployee, ID: id}}
	}
	return e, nil
}

// =============================================================================
// DELIVERIES
// =============================================================================

func (m *Memory) InsertDelivery(_ context.Context, d ledger.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityDelivery, Key: d.ID}
	}
	if err := m.checkVoucherLocked(d); err != nil {
		return err
	}
	m.deliveries[d.ID] = d
	return nil
}

func (m *Memory) checkVoucherLocked(d ledger.Delivery) error {
	if d.VoucherNumber == "" {
		return nil
	}
	for id, other := range m.deliveries {
		if id != d.ID && other.VoucherNumber == d.VoucherNumber {
			return &ledger.ConflictError{Entity: ledger.EntityDelivery, Key: "voucher " + d.VoucherNumber}
		}
	}
	return nil
}

func (m *Memory) Delivery(_ context.Context, id string) (ledger.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ledger.Delivery{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: ledger.EntityDelivery, ID: id}}
	}
	return d, nil
}

func (m *Memory) UpdateDelivery(_ context.Context, id string, mutate func(*ledger.Delivery) error) (ledger.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.deliveries[id]
	if !ok {
		return ledger.Delivery{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: ledger.EntityDelivery, ID: id}}
	}
	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Delivery{}, err
	}
	if !next.MaterialPriceAtTime.Equal(orig.MaterialPriceAtTime) {
		return ledger.Delivery{}, &ledger.InvariantViolationError{
			Ref: orig.Ref(), Field: "material_price_at_time", Reason: "price is locked at creation",
		}
	}
	next.ID = orig.ID
	next.CreatedAt = orig.CreatedAt
	next.Version = orig.Version + 1
	if err := m.checkVoucherLocked(next); err != nil {
		return ledger.Delivery{}, err
	}
	m.deliveries[id] = next
	return next, nil
}

func (m *Memory) Deliveries(_ context.Context, f ledger.Filter) ([]ledger.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Delivery
	for _, d := range m.deliveries {
		if !visible(d.SoftDelete, f) || !f.Range.Contains(d.DeliveredAt) {
			continue
		}
		if f.PartyID != "" && d.PartyID(f.Kind) != f.PartyID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].DeliveredAt, out[i].ID, out[j].DeliveredAt, out[j].ID) })
	return out, nil
}

// =============================================================================
// PAYMENTS AND ADJUSTMENTS
// =============================================================================

func (m *Memory) InsertPayment(_ context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityPayment, Key: p.ID}
	}
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) UpdatePayment(_ context.Context, id string, mutate func(*ledger.Payment) error) (ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.payments[id]
	if !ok {
		return ledger.Payment{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: ledger.EntityPayment, ID: id}}
	}
	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Payment{}, err
	}
	next.ID, next.Kind, next.PartyID, next.CreatedAt = orig.ID, orig.Kind, orig.PartyID, orig.CreatedAt
	m.payments[id] = next
	return next, nil
}

func (m *Memory) Payments(_ context.Context, f ledger.Filter) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Payment
	for _, p := range m.payments {
		if visible(p.SoftDelete, f) && owned(p.Kind, p.PartyID, f) && f.Range.Contains(p.PaidAt) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].PaidAt, out[i].ID, out[j].PaidAt, out[j].ID) })
	return out, nil
}

func (m *Memory) InsertAdjustment(_ context.Context, a ledger.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adjustments[a.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityAdjustment, Key: a.ID}
	}
	m.adjustments[a.ID] = a
	return nil
}

func (m *Memory) UpdateAdjustment(_ context.Context, id string, mutate func(*ledger.Adjustment) error) (ledger.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.adjustments[id]
	if !ok {
		return ledger.Adjustment{}, &ledger.NotFoundError{Ref: ledger.EntityRef{Type: ledger.EntityAdjustment, ID: id}}
	}
	next := orig
	if err := mutate(&next); err != nil {
		return ledger.Adjustment{}, err
	}
	next.ID, next.Kind, next.PartyID, next.CreatedAt = orig.ID, orig.Kind, orig.PartyID, orig.CreatedAt
	m.adjustments[id] = next
	return next, nil
}

func (m *Memory) Adjustments(_ context.Context, f ledger.Filter) ([]ledger.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Adjustment
	for _, a := range m.adjustments {
		if visible(a.SoftDelete, f) && owned(a.Kind, a.PartyID, f) && f.Range.Contains(a.CreatedAt) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

// =============================================================================
// OPENING BALANCES, CAPITAL, ATTENDANCE
// =============================================================================

func (m *Memory) InsertOpeningBalance(_ context.Context, o ledger.OpeningBalanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.openings[o.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityOpeningBalance, Key: o.ID}
	}
	m.openings[o.ID] = o
	return nil
}

func (m *Memory) OpeningBalances(_ context.Context, f ledger.Filter) ([]ledger.OpeningBalanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.OpeningBalanceEntry
	for _, o := range m.openings {
		if visible(o.SoftDelete, f) && owned(o.Kind, o.PartyID, f) && f.Range.Contains(o.CreatedAt) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *Memory) capital(dir ledger.Direction) map[string]ledger.CapitalMovement {
	if dir == ledger.DirectionWithdrawal {
		return m.withdrawals
	}
	return m.injections
}

func (m *Memory) InsertCapitalMovement(_ context.Context, c ledger.CapitalMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.capital(c.Direction)
	if _, ok := coll[c.ID]; ok {
		return &ledger.ConflictError{Entity: c.Ref().Type, Key: c.ID}
	}
	coll[c.ID] = c
	return nil
}

func (m *Memory) CapitalMovements(_ context.Context, dir ledger.Direction, f ledger.Filter) ([]ledger.CapitalMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.CapitalMovement
	for _, c := range m.capital(dir) {
		if !visible(c.SoftDelete, f) || !f.Range.Contains(c.At) {
			continue
		}
		if f.PartyID != "" && c.AdministrationID != f.PartyID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].At, out[i].ID, out[j].At, out[j].ID) })
	return out, nil
}

func (m *Memory) InsertAttendance(_ context.Context, a ledger.AttendancePeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attendance[a.ID]; ok {
		return &ledger.ConflictError{Entity: ledger.EntityAttendance, Key: a.ID}
	}
	for _, other := range m.attendance {
		if other.EmployeeID == a.EmployeeID && other.PeriodStart.Equal(a.PeriodStart) && other.PeriodEnd.Equal(a.PeriodEnd) {
			return &ledger.ConflictError{
				Entity: ledger.EntityAttendance,
				Key:    a.EmployeeID + " " + a.PeriodStart.Format(time.DateOnly) + ".." + a.PeriodEnd.Format(time.DateOnly),
			}
		}
	}
	m.attendance[a.ID] = cloneAttendance(a)
	return nil
}

func (m *Memory) Attendance(_ context.Context, f ledger.Filter) ([]ledger.AttendancePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AttendancePeriod
	for _, a := range m.attendance {
		if !visible(a.SoftDelete, f) || !f.Range.Contains(a.PeriodStart) {
			continue
		}
		if f.PartyID != "" && a.EmployeeID != f.PartyID {
			continue
		}
		out = append(out, cloneAttendance(a))
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].PeriodStart, out[i].ID, out[j].PeriodStart, out[j].ID) })
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func visible(s ledger.SoftDelete, f ledger.Filter) bool {
	return f.IncludeDeleted || !s.IsDeleted()
}

func owned(kind ledger.Kind, partyID string, f ledger.Filter) bool {
	if f.Kind != 0 && kind != f.Kind {
		return false
	}
	return f.PartyID == "" || partyID == f.PartyID
}

func before(ti time.Time, idi string, tj time.Time, idj string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idi < idj
}

func cloneParty(cp ledger.CounterParty) ledger.CounterParty {
	if cp.Prices != nil {
		cp.Prices = append([]ledger.MaterialPrice(nil), cp.Prices...)
	}
	return cp
}

func cloneAttendance(a ledger.AttendancePeriod) ledger.AttendancePeriod {
	if a.AttendanceDays != nil {
		v := *a.AttendanceDays
		a.AttendanceDays = &v
	}
	if a.AbsenceDays != nil {
		v := *a.AbsenceDays
		a.AbsenceDays = &v
	}
	return a
}
