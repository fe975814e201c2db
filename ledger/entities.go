package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTITY REFERENCES
// =============================================================================

// EntityType names a persisted collection. Counter-party entity types share
// their name with the matching Kind.
type EntityType string

const (
	EntityClient           EntityType = "client"
	EntityContractor       EntityType = "contractor"
	EntityCrusher          EntityType = "crusher"
	EntitySupplier         EntityType = "supplier"
	EntityAdministration   EntityType = "administration"
	EntityEmployee         EntityType = "employee"
	EntityDelivery         EntityType = "delivery"
	EntityPayment          EntityType = "payment"
	EntityAdjustment       EntityType = "adjustment"
	EntityAttendance       EntityType = "attendance"
	EntityCapitalInjection EntityType = "capital_injection"
	EntityWithdrawal       EntityType = "withdrawal"
	EntityOpeningBalance   EntityType = "opening_balance"
	EntityAuditLog         EntityType = "audit_log"
)

var entityTypes = []EntityType{
	EntityClient, EntityContractor, EntityCrusher, EntitySupplier, EntityAdministration,
	EntityEmployee, EntityDelivery, EntityPayment, EntityAdjustment, EntityAttendance,
	EntityCapitalInjection, EntityWithdrawal, EntityOpeningBalance, EntityAuditLog,
}

// ParseEntityType validates a transported entity type name.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range entityTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", s)}
}

// EntityTypeFor returns the entity type under which a kind's parties are stored.
func EntityTypeFor(k Kind) EntityType { return EntityType(k.String()) }

// Kind returns the counter-party kind for party entity types.
func (t EntityType) Kind() (Kind, bool) {
	k, err := ParseKind(string(t))
	if err != nil {
		return 0, false
	}
	return k, true
}

// EntityRef addresses a single row in any collection.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

func (r EntityRef) String() string { return string(r.Type) + "/" + r.ID }

// Record is implemented by every persisted row.
type Record interface {
	Ref() EntityRef
	IsDeleted() bool
}

// SoftDelete is embedded in every row that can sit in the recycle bin.
type SoftDelete struct {
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (s SoftDelete) IsDeleted() bool { return s.DeletedAt != nil }

// =============================================================================
// COUNTER-PARTIES
// =============================================================================

// PartnerType distinguishes administration entities.
type PartnerType string

const (
	PartnerTypePartner PartnerType = "partner"
	PartnerTypeFunder  PartnerType = "funder"
)

// MaterialPrice is one entry of a crusher price list or a supplier's
// material+price pairs.
type MaterialPrice struct {
	Material string          `json:"material"`
	Price    decimal.Decimal `json:"price"`
}

// CounterParty is any external party the business owes or is owed by.
//
// OpeningBalance is the legacy flat scalar. Clients and administration
// entities still fold it; crushers, contractors and suppliers fold the
// per-project OpeningBalanceEntry rows instead.
type CounterParty struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Prices         []MaterialPrice `json:"prices,omitempty"`
	PartnerType    PartnerType     `json:"partner_type,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SoftDelete
}

func (c CounterParty) Ref() EntityRef { return EntityRef{Type: EntityTypeFor(c.Kind), ID: c.ID} }

// PriceFor looks up the current price of a material.
func (c CounterParty) PriceFor(material string) (decimal.Decimal, bool) {
	for _, p := range c.Prices {
		if p.Material == material {
			return p.Price, true
		}
	}
	return decimal.Zero, false
}

// EmploymentStatus is informational; payroll does not branch on it.
type EmploymentStatus string

const (
	EmploymentActive     EmploymentStatus = "active"
	EmploymentSuspended  EmploymentStatus = "suspended"
	EmploymentTerminated EmploymentStatus = "terminated"
)

// Employee is a salaried worker. BasicSalary must be positive for payroll
// to produce a trustworthy number.
type Employee struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	BasicSalary decimal.Decimal  `json:"basic_salary"`
	Status      EmploymentStatus `json:"status"`
	StartDate   time.Time        `json:"start_date"`
	EndDate     *time.Time       `json:"end_date,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	SoftDelete
}

func (e Employee) Ref() EntityRef { return EntityRef{Type: EntityEmployee, ID: e.ID} }

// =============================================================================
// TRANSACTION STORE ROWS
// =============================================================================

// Delivery is one truck load delivered to a client. Cost fields are
// recomputed on every write from the volume/rate fields and the locked
// MaterialPriceAtTime (see package delivery).
type Delivery struct {
	ID                       string          `json:"id"`
	ClientID                 string          `json:"client_id"`
	CrusherID                string          `json:"crusher_id,omitempty"`
	SupplierID               string          `json:"supplier_id,omitempty"`
	ContractorID             string          `json:"contractor_id,omitempty"`
	Material                 string          `json:"material"`
	VoucherNumber            string          `json:"voucher_number,omitempty"`
	CarVolume                decimal.Decimal `json:"car_volume"`
	DiscountVolume           decimal.Decimal `json:"discount_volume"`
	NetQuantity              decimal.Decimal `json:"net_quantity"`
	PricePerMeter            decimal.Decimal `json:"price_per_meter"`
	MaterialPriceAtTime      decimal.Decimal `json:"material_price_at_time"`
	ContractorChargePerMeter decimal.Decimal `json:"contractor_charge_per_meter"`
	TotalValue               decimal.Decimal `json:"total_value"`
	CrusherTotalCost         decimal.Decimal `json:"crusher_total_cost"`
	SupplierTotalCost        decimal.Decimal `json:"supplier_total_cost"`
	ContractorTotalCharge    decimal.Decimal `json:"contractor_total_charge"`
	DeliveredAt              time.Time       `json:"delivered_at"`
	Version                  int             `json:"version"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	SoftDelete
}

func (d Delivery) Ref() EntityRef { return EntityRef{Type: EntityDelivery, ID: d.ID} }

// PartyID returns the id the delivery references for a kind, or "".
func (d Delivery) PartyID(k Kind) string {
	switch k {
	case KindClient:
		return d.ClientID
	case KindCrusher:
		return d.CrusherID
	case KindSupplier:
		return d.SupplierID
	case KindContractor:
		return d.ContractorID
	}
	return ""
}

// PaymentMethod records how money moved.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheque       PaymentMethod = "cheque"
	MethodOther        PaymentMethod = "other"
)

// Payment reduces the balance of the party it references, whatever the
// direction of the money.
type Payment struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	PartyID   string          `json:"party_id"`
	ProjectID string          `json:"project_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	PaidAt    time.Time       `json:"paid_at"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	SoftDelete
}

func (p Payment) Ref() EntityRef { return EntityRef{Type: EntityPayment, ID: p.ID} }

// Adjustment is a signed correction. Positive always increases what the
// business owes the party (for clients: what the client owes the business).
type Adjustment struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	PartyID   string          `json:"party_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	SoftDelete
}

func (a Adjustment) Ref() EntityRef { return EntityRef{Type: EntityAdjustment, ID: a.ID} }

// OpeningBalanceEntry attributes a starting amount to a party+project pair.
type OpeningBalanceEntry struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	PartyID   string          `json:"party_id"`
	ProjectID string          `json:"project_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SoftDelete
}

func (o OpeningBalanceEntry) Ref() EntityRef { return EntityRef{Type: EntityOpeningBalance, ID: o.ID} }

// Direction tells capital injections and withdrawals apart.
type Direction string

const (
	DirectionInjection  Direction = "injection"
	DirectionWithdrawal Direction = "withdrawal"
)

// CapitalMovement is a capital injection into, or withdrawal from, a
// project by an administration entity. Injections and withdrawals live in
// separate collections.
type CapitalMovement struct {
	ID               string          `json:"id"`
	Direction        Direction       `json:"direction"`
	AdministrationID string          `json:"administration_id"`
	ProjectID        string          `json:"project_id"`
	Amount           decimal.Decimal `json:"amount"`
	At               time.Time       `json:"at"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	SoftDelete
}

func (c CapitalMovement) Ref() EntityRef {
	if c.Direction == DirectionWithdrawal {
		return EntityRef{Type: EntityWithdrawal, ID: c.ID}
	}
	return EntityRef{Type: EntityCapitalInjection, ID: c.ID}
}

// AttendancePeriod records days worked for an employee over an inclusive
// period. Exactly one of AttendanceDays or AbsenceDays is set on input;
// PeriodDays and WorkedDays are derived (see payroll.Normalize).
type AttendancePeriod struct {
	ID             string    `json:"id"`
	EmployeeID     string    `json:"employee_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	PeriodDays     int       `json:"period_days"`
	AttendanceDays *int      `json:"attendance_days,omitempty"`
	AbsenceDays    *int      `json:"absence_days,omitempty"`
	WorkedDays     int       `json:"worked_days"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SoftDelete
}

func (a AttendancePeriod) Ref() EntityRef { return EntityRef{Type: EntityAttendance, ID: a.ID} }

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditAction is the kind of mutation an audit entry records.
type AuditAction string

const (
	AuditCreate          AuditAction = "create"
	AuditUpdate          AuditAction = "update"
	AuditDelete          AuditAction = "delete"
	AuditRestore         AuditAction = "restore"
	AuditPermanentDelete AuditAction = "permanent_delete"
	AuditBlocked         AuditAction = "blocked"
)

// AuditEntry is write-once. No store exposes a way to change one.
type AuditEntry struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	Action     AuditAction     `json:"action"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OldValues  json.RawMessage `json:"old_values"`
	NewValues  json.RawMessage `json:"new_values"`
	Reason     string          `json:"reason,omitempty"`
	IP         string          `json:"ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (a AuditEntry) Ref() EntityRef { return EntityRef{Type: EntityAuditLog, ID: a.ID} }
func (a AuditEntry) IsDeleted() bool { return false }

// Compile-time checks that every row is a Record.
var (
	_ Record = CounterParty{}
	_ Record = Employee{}
	_ Record = Delivery{}
	_ Record = Payment{}
	_ Record = Adjustment{}
	_ Record = OpeningBalanceEntry{}
	_ Record = CapitalMovement{}
	_ Record = AttendancePeriod{}
	_ Record = AuditEntry{}
)
