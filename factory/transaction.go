/*
Package factory converts JSON transaction payloads into typed rows.

PURPOSE:
  The API layer (and the CLI) hand the engine a transaction kind plus a raw
  JSON payload. The factory decodes the payload into the matching Go struct,
  validates its shape and returns a Transaction carrying exactly one typed
  draft. Domain rules that need the store (party exists, price list has the
  material) stay in the delivery, payroll and ledger packages.

JSON SCHEMA (payment):
  {
    "kind": "client",
    "party_id": "cli-1",
    "project_id": "",
    "amount": "250.00",
    "method": "bank_transfer",
    "paid_at": "2024-03-01"
  }

  Amounts may be JSON numbers or strings. Times accept RFC 3339 or a bare
  YYYY-MM-DD date (midnight UTC).

KEY FEATURES:
  - Unknown fields are rejected
  - Shape validation with go-playground/validator, reported as
    ledger.ValidationError using the JSON field name
  - A positive opening balance must name a project
  - Opening rows only for kinds that fold them (not clients or
    administration, whose opening is the scalar on the party)
  - Amounts are checked again after rounding to cents

USAGE:
  f := factory.New()
  tx, err := f.ParseTransaction(factory.KindPayment, payload)
  if err != nil {
      return err // *ledger.ValidationError
  }
  store.InsertPayment(ctx, *tx.Payment)

SEE ALSO:
  - engine/engine.go: CreateTransaction / UpdateTransaction
  - delivery/service.go: Draft and Patch types
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/quarry-ledger/delivery"
	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// TRANSACTION KINDS
// =============================================================================

// Kind names a transaction collection accepted by CreateTransaction.
type Kind string

const (
	KindDelivery         Kind = "delivery"
	KindPayment          Kind = "payment"
	KindAdjustment       Kind = "adjustment"
	KindAttendance       Kind = "attendance"
	KindCapitalInjection Kind = "capital_injection"
	KindWithdrawal       Kind = "withdrawal"
	KindOpeningBalance   Kind = "opening_balance"
)

var kinds = []Kind{
	KindDelivery, KindPayment, KindAdjustment, KindAttendance,
	KindCapitalInjection, KindWithdrawal, KindOpeningBalance,
}

// ParseKind validates a transported transaction kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &ledger.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown transaction kind %q", s)}
}

// EntityType is the collection rows of this kind are stored in.
func (k Kind) EntityType() ledger.EntityType { return ledger.EntityType(k) }

// Updatable reports whether rows of this kind accept UpdateTransaction.
func (k Kind) Updatable() bool {
	return k == KindDelivery || k == KindPayment || k == KindAdjustment
}

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Time accepts RFC 3339 timestamps and bare YYYY-MM-DD dates.
type Time struct{ time.Time }

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
}

func (t Time) MarshalJSON() ([]byte, error) { return json.Marshal(t.Time) }

// DeliveryJSON is the create payload for a delivery. MaterialPriceAtTime is
// accepted for round-trips but never used: the price is resolved from the
// source's price list.
type DeliveryJSON struct {
	ID                       string           `json:"id,omitempty"`
	ClientID                 string           `json:"client_id" validate:"required"`
	CrusherID                string           `json:"crusher_id,omitempty" validate:"excluded_with=SupplierID"`
	SupplierID               string           `json:"supplier_id,omitempty"`
	ContractorID             string           `json:"contractor_id,omitempty"`
	Material                 string           `json:"material" validate:"required"`
	VoucherNumber            string           `json:"voucher_number,omitempty" validate:"max=64"`
	CarVolume                decimal.Decimal  `json:"car_volume" validate:"gt=0"`
	DiscountVolume           decimal.Decimal  `json:"discount_volume" validate:"gte=0"`
	PricePerMeter            decimal.Decimal  `json:"price_per_meter" validate:"gte=0"`
	ContractorChargePerMeter decimal.Decimal  `json:"contractor_charge_per_meter" validate:"gte=0"`
	MaterialPriceAtTime      *decimal.Decimal `json:"material_price_at_time,omitempty"`
	DeliveredAt              Time             `json:"delivered_at"`
}

// DeliveryPatchJSON lists the delivery fields an update may send.
type DeliveryPatchJSON struct {
	ContractorID             *string          `json:"contractor_id,omitempty"`
	VoucherNumber            *string          `json:"voucher_number,omitempty" validate:"omitempty,max=64"`
	CarVolume                *decimal.Decimal `json:"car_volume,omitempty" validate:"omitempty,gt=0"`
	DiscountVolume           *decimal.Decimal `json:"discount_volume,omitempty" validate:"omitempty,gte=0"`
	PricePerMeter            *decimal.Decimal `json:"price_per_meter,omitempty" validate:"omitempty,gte=0"`
	ContractorChargePerMeter *decimal.Decimal `json:"contractor_charge_per_meter,omitempty" validate:"omitempty,gte=0"`
	MaterialPriceAtTime      *decimal.Decimal `json:"material_price_at_time,omitempty"`
	DeliveredAt              *Time            `json:"delivered_at,omitempty"`
	Version                  int              `json:"version,omitempty" validate:"gte=0"`
}

// PaymentJSON is the create payload for a payment.
type PaymentJSON struct {
	ID        string          `json:"id,omitempty"`
	Kind      ledger.Kind     `json:"kind" validate:"required"`
	PartyID   string          `json:"party_id" validate:"required"`
	ProjectID string          `json:"project_id,omitempty"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Method    string          `json:"method,omitempty" validate:"omitempty,oneof=cash bank_transfer cheque other"`
	PaidAt    Time            `json:"paid_at"`
	Note      string          `json:"note,omitempty" validate:"max=500"`
}

// PaymentPatchJSON lists the payment fields an update may send.
type PaymentPatchJSON struct {
	ProjectID *string          `json:"project_id,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Method    *string          `json:"method,omitempty" validate:"omitempty,oneof=cash bank_transfer cheque other"`
	PaidAt    *Time            `json:"paid_at,omitempty"`
	Note      *string          `json:"note,omitempty" validate:"omitempty,max=500"`
}

// AdjustmentJSON is the create payload for an adjustment. Positive amounts
// increase what the business owes the party (clients: what they owe).
type AdjustmentJSON struct {
	ID      string          `json:"id,omitempty"`
	Kind    ledger.Kind     `json:"kind" validate:"required"`
	PartyID string          `json:"party_id" validate:"required"`
	Amount  decimal.Decimal `json:"amount" validate:"ne=0"`
	Reason  string          `json:"reason" validate:"required,max=500"`
	At      Time            `json:"at"`
}

// AdjustmentPatchJSON lists the adjustment fields an update may send.
type AdjustmentPatchJSON struct {
	Amount *decimal.Decimal `json:"amount,omitempty" validate:"omitempty,ne=0"`
	Reason *string          `json:"reason,omitempty" validate:"omitempty,min=1,max=500"`
}

// AttendanceJSON is the create payload for an attendance period. Whether
// exactly one of the day counts is present is checked by payroll.Validate.
type AttendanceJSON struct {
	ID             string `json:"id,omitempty"`
	EmployeeID     string `json:"employee_id" validate:"required"`
	PeriodStart    Time   `json:"period_start" validate:"required"`
	PeriodEnd      Time   `json:"period_end" validate:"required"`
	PeriodDays     int    `json:"period_days,omitempty" validate:"gte=0"`
	AttendanceDays *int   `json:"attendance_days,omitempty" validate:"omitempty,gte=0"`
	AbsenceDays    *int   `json:"absence_days,omitempty" validate:"omitempty,gte=0"`
	Note           string `json:"note,omitempty" validate:"max=500"`
}

// CapitalJSON is the create payload for an injection or a withdrawal.
type CapitalJSON struct {
	ID               string          `json:"id,omitempty"`
	AdministrationID string          `json:"administration_id" validate:"required"`
	ProjectID        string          `json:"project_id" validate:"required"`
	Amount           decimal.Decimal `json:"amount" validate:"gt=0"`
	At               Time            `json:"at"`
	Note             string          `json:"note,omitempty" validate:"max=500"`
}

// OpeningBalanceJSON is the create payload for a per-project opening balance.
type OpeningBalanceJSON struct {
	ID        string          `json:"id,omitempty"`
	Kind      ledger.Kind     `json:"kind" validate:"required"`
	PartyID   string          `json:"party_id" validate:"required"`
	ProjectID string          `json:"project_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty" validate:"max=500"`
}

// =============================================================================
// DECODED RESULTS
// =============================================================================

// Transaction holds exactly one decoded create payload, selected by Kind.
// IDs and timestamps left empty are filled in by the engine.
type Transaction struct {
	Kind       Kind
	Delivery   *delivery.Draft
	Payment    *ledger.Payment
	Adjustment *ledger.Adjustment
	Attendance *ledger.AttendancePeriod
	Capital    *ledger.CapitalMovement
	Opening    *ledger.OpeningBalanceEntry
}

// PaymentPatch applies an update to a stored payment.
type PaymentPatch struct {
	ProjectID *string
	Amount    *decimal.Decimal
	Method    *ledger.PaymentMethod
	PaidAt    *time.Time
	Note      *string
}

func (p PaymentPatch) Apply(pay *ledger.Payment) {
	if p.ProjectID != nil {
		pay.ProjectID = *p.ProjectID
	}
	if p.Amount != nil {
		pay.Amount = ledger.Money(*p.Amount)
	}
	if p.Method != nil {
		pay.Method = *p.Method
	}
	if p.PaidAt != nil {
		pay.PaidAt = p.PaidAt.UTC()
	}
	if p.Note != nil {
		pay.Note = *p.Note
	}
}

// AdjustmentPatch applies an update to a stored adjustment.
type AdjustmentPatch struct {
	Amount *decimal.Decimal
	Reason *string
}

func (p AdjustmentPatch) Apply(a *ledger.Adjustment) {
	if p.Amount != nil {
		a.Amount = ledger.Money(*p.Amount)
	}
	if p.Reason != nil {
		a.Reason = *p.Reason
	}
}

// Update holds exactly one decoded update payload, selected by Kind.
type Update struct {
	Kind       Kind
	Delivery   *delivery.Patch
	Payment    *PaymentPatch
	Adjustment *AdjustmentPatch
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory decodes and validates transaction payloads.
type Factory struct {
	validate *validator.Validate
}

// New creates a factory with decimal and time support registered.
func New() *Factory {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Decimals are validated as float64: the tags only compare against 0.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if t, ok := field.Interface().(Time); ok {
			return t.Time
		}
		return nil
	}, Time{})
	return &Factory{validate: v}
}

// ParseTransaction decodes a create payload of the given kind.
func (f *Factory) ParseTransaction(kind Kind, payload []byte) (Transaction, error) {
	tx := Transaction{Kind: kind}
	switch kind {
	case KindDelivery:
		var in DeliveryJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		tx.Delivery = &delivery.Draft{
			ID:                       in.ID,
			ClientID:                 in.ClientID,
			CrusherID:                in.CrusherID,
			SupplierID:               in.SupplierID,
			ContractorID:             in.ContractorID,
			Material:                 in.Material,
			VoucherNumber:            in.VoucherNumber,
			CarVolume:                in.CarVolume,
			DiscountVolume:           in.DiscountVolume,
			PricePerMeter:            in.PricePerMeter,
			ContractorChargePerMeter: in.ContractorChargePerMeter,
			DeliveredAt:              in.DeliveredAt.Time,
		}

	case KindPayment:
		var in PaymentJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		if err := roundedAmount(in.Amount, true); err != nil {
			return Transaction{}, err
		}
		method := ledger.PaymentMethod(in.Method)
		if method == "" {
			method = ledger.MethodCash
		}
		tx.Payment = &ledger.Payment{
			ID:        in.ID,
			Kind:      in.Kind,
			PartyID:   in.PartyID,
			ProjectID: in.ProjectID,
			Amount:    ledger.Money(in.Amount),
			Method:    method,
			PaidAt:    in.PaidAt.Time,
			Note:      in.Note,
		}

	case KindAdjustment:
		var in AdjustmentJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		if in.Kind == ledger.KindAdministration {
			return Transaction{}, &ledger.ValidationError{Field: "kind", Message: "administration entities are adjusted through capital movements"}
		}
		if err := roundedAmount(in.Amount, false); err != nil {
			return Transaction{}, err
		}
		tx.Adjustment = &ledger.Adjustment{
			ID:        in.ID,
			Kind:      in.Kind,
			PartyID:   in.PartyID,
			Amount:    ledger.Money(in.Amount),
			Reason:    in.Reason,
			CreatedAt: in.At.Time,
		}

	case KindAttendance:
		var in AttendanceJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		tx.Attendance = &ledger.AttendancePeriod{
			ID:             in.ID,
			EmployeeID:     in.EmployeeID,
			PeriodStart:    in.PeriodStart.Time,
			PeriodEnd:      in.PeriodEnd.Time,
			PeriodDays:     in.PeriodDays,
			AttendanceDays: in.AttendanceDays,
			AbsenceDays:    in.AbsenceDays,
			Note:           in.Note,
		}

	case KindCapitalInjection, KindWithdrawal:
		var in CapitalJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		if err := roundedAmount(in.Amount, true); err != nil {
			return Transaction{}, err
		}
		dir := ledger.DirectionInjection
		if kind == KindWithdrawal {
			dir = ledger.DirectionWithdrawal
		}
		tx.Capital = &ledger.CapitalMovement{
			ID:               in.ID,
			Direction:        dir,
			AdministrationID: in.AdministrationID,
			ProjectID:        in.ProjectID,
			Amount:           ledger.Money(in.Amount),
			At:               in.At.Time,
			Note:             in.Note,
		}

	case KindOpeningBalance:
		var in OpeningBalanceJSON
		if err := f.decode(payload, &in); err != nil {
			return Transaction{}, err
		}
		if in.Kind == ledger.KindEmployee {
			return Transaction{}, &ledger.ValidationError{Field: "kind", Message: "employees have no opening balance"}
		}
		// Clients and administration entities fold the scalar on the party.
		if rule, err := ledger.RuleFor(in.Kind); err == nil && rule.Opening == ledger.OpeningFlat {
			return Transaction{}, &ledger.ValidationError{Field: "kind", Message: fmt.Sprintf("%s opening balances are set on the party", in.Kind)}
		}
		if in.Amount.IsPositive() && in.ProjectID == "" {
			return Transaction{}, &ledger.ValidationError{Field: "project_id", Message: "is required for a positive opening balance"}
		}
		tx.Opening = &ledger.OpeningBalanceEntry{
			ID:        in.ID,
			Kind:      in.Kind,
			PartyID:   in.PartyID,
			ProjectID: in.ProjectID,
			Amount:    ledger.Money(in.Amount),
			Note:      in.Note,
		}

	default:
		return Transaction{}, &ledger.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown transaction kind %q", kind)}
	}
	return tx, nil
}

// ParseUpdate decodes an update payload. Only deliveries, payments and
// adjustments can be updated.
func (f *Factory) ParseUpdate(kind Kind, payload []byte) (Update, error) {
	up := Update{Kind: kind}
	switch kind {
	case KindDelivery:
		var in DeliveryPatchJSON
		if err := f.decode(payload, &in); err != nil {
			return Update{}, err
		}
		p := &delivery.Patch{
			ContractorID:             in.ContractorID,
			VoucherNumber:            in.VoucherNumber,
			CarVolume:                in.CarVolume,
			DiscountVolume:           in.DiscountVolume,
			PricePerMeter:            in.PricePerMeter,
			ContractorChargePerMeter: in.ContractorChargePerMeter,
			MaterialPriceAtTime:      in.MaterialPriceAtTime,
			ExpectedVersion:          in.Version,
		}
		if in.DeliveredAt != nil {
			at := in.DeliveredAt.Time
			p.DeliveredAt = &at
		}
		up.Delivery = p

	case KindPayment:
		var in PaymentPatchJSON
		if err := f.decode(payload, &in); err != nil {
			return Update{}, err
		}
		if in.Amount != nil {
			if err := roundedAmount(*in.Amount, true); err != nil {
				return Update{}, err
			}
		}
		p := &PaymentPatch{ProjectID: in.ProjectID, Amount: in.Amount, Note: in.Note}
		if in.Method != nil {
			m := ledger.PaymentMethod(*in.Method)
			p.Method = &m
		}
		if in.PaidAt != nil {
			at := in.PaidAt.Time
			p.PaidAt = &at
		}
		up.Payment = p

	case KindAdjustment:
		var in AdjustmentPatchJSON
		if err := f.decode(payload, &in); err != nil {
			return Update{}, err
		}
		if in.Amount != nil {
			if err := roundedAmount(*in.Amount, false); err != nil {
				return Update{}, err
			}
		}
		up.Adjustment = &AdjustmentPatch{Amount: in.Amount, Reason: in.Reason}

	default:
		if _, err := ParseKind(string(kind)); err != nil {
			return Update{}, err
		}
		return Update{}, &ledger.ValidationError{Field: "kind", Message: fmt.Sprintf("%s rows cannot be updated", kind)}
	}
	return up, nil
}

// =============================================================================
// DECODING HELPERS
// =============================================================================

func (f *Factory) decode(payload []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := f.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// roundedAmount checks an amount after rounding to cents:
// 0.001 passes gt=0 but is stored as 0.00.
func roundedAmount(d decimal.Decimal, positive bool) error {
	m := ledger.Money(d)
	switch {
	case positive && !m.IsPositive():
		return &ledger.ValidationError{Field: "amount", Message: "must be at least 0.01"}
	case m.IsZero():
		return &ledger.ValidationError{Field: "amount", Message: "must not round to 0"}
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ledger.ValidationError{Field: typeErr.Field, Message: fmt.Sprintf("must be %s", typeErr.Type)}
	}
	var kindErr *ledger.ValidationError
	if errors.As(err, &kindErr) {
		return kindErr
	}
	return &ledger.ValidationError{Message: fmt.Sprintf("malformed payload: %v", err)}
}

// validationError reports the first failing field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ledger.ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ledger.ValidationError{Field: fe.Field(), Message: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "excluded_with":
		return "a delivery is sourced from a crusher or a supplier, not both"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be negative"
	case "ne":
		return "must not be " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must not be empty"
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
